// micrite: screening host sequencing data for microbial reads.
// Copyright (c) 2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/micrite/blob/master/LICENSE.txt>.


package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/exascience/micrite/config"
	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/intervals"
	"github.com/exascience/micrite/results"
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/screen"
	"github.com/exascience/micrite/selector"
	"github.com/exascience/micrite/taxonomy"
)

// ScreenHelp is the help string for this command.
const ScreenHelp = "\nscreen parameters:\n" +
	"micrite screen input result-file\n" +
	"[--policy superfast|quick|full]\n" +
	"[--taxids id,id,...]\n" +
	"[--hard-to-map bed-file]\n" +
	"[--report kraken-report | --taxdump directory]\n" +
	"[--proportion p]\n" +
	"[--min-reads n]\n" +
	"[--report-zero-counts]\n" +
	"[--ledger sqlite-file]\n" +
	commonHelp +
	"The input is a .sam/.bam file or a samtools idxstats file for superfast,\n" +
	"a .sam/.bam file for quick, and a kraken classification output for full.\n"

// Screen implements the micrite screen command.
func Screen() error {
	var (
		policyName, taxidList, hardToMap, report, taxdump, ledger string
		proportion                                                float64
		minReads                                                  int64
		reportZeroCounts                                          bool
		common                                                    commonOptions
	)

	var flags flag.FlagSet

	flags.StringVar(&policyName, "policy", "superfast", "screening policy: superfast, quick, or full")
	flags.StringVar(&taxidList, "taxids", "", "comma-separated taxa to screen for")
	flags.StringVar(&hardToMap, "hard-to-map", "", "BED file with hard-to-map regions, for quick")
	flags.StringVar(&report, "report", "", "kraken report providing the taxonomy, for full")
	flags.StringVar(&taxdump, "taxdump", "", "NCBI taxdump directory providing the taxonomy, for full")
	flags.Float64Var(&proportion, "proportion", 0, "detection threshold on the proportion of mapped reads")
	flags.Int64Var(&minReads, "min-reads", 0, "detection threshold on the number of classified reads")
	flags.BoolVar(&reportZeroCounts, "report-zero-counts", false, "report taxa without any reads")
	flags.StringVar(&ledger, "ledger", "", "record the results in the specified SQLite file")
	common.register(&flags)

	parseFlags(&flags, 4, ScreenHelp)

	input := getFilename(os.Args[2], ScreenHelp)
	output := getFilename(os.Args[3], ScreenHelp)

	setLogOutput(common.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("", output) {
		sanityChecksFailed = true
	}
	policy, err := screen.ParsePolicy(policyName)
	if err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	}
	taxids, err := parseTaxids(taxidList)
	if err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	}
	switch policy {
	case screen.Quick:
		if !sam.IsAlignmentFile(input) {
			log.Printf("Error: The quick policy needs a .sam or .bam file, not %v.\n", input)
			sanityChecksFailed = true
		}
		if hardToMap != "" && !checkExist("--hard-to-map", hardToMap) {
			sanityChecksFailed = true
		}
	case screen.Full:
		if !checkTaxonomySource(report, taxdump) {
			sanityChecksFailed = true
		}
	}
	if !common.check() {
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, ScreenHelp)
		os.Exit(1)
	}

	cfg, err := common.load(&flags)
	if err != nil {
		return err
	}
	given := givenFlags(&flags)
	if given["proportion"] {
		cfg.Thresholds.Proportion = proportion
	}
	if given["min-reads"] {
		cfg.Thresholds.MinReads = minReads
	}
	if given["hard-to-map"] {
		cfg.Regions.HardToMap = hardToMap
	}
	if given["ledger"] {
		cfg.Ledger = ledger
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings := screen.Settings{
		RunID:            newRunID(),
		Sample:           cfg.Sample,
		Policy:           policy,
		Thresholds:       cfg.ScreenThresholds(),
		ReportZeroCounts: cfg.ReportZero(policy) || reportZeroCounts,
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " screen ", input, " ", output, " --policy ", policy)
	if taxidList != "" {
		fmt.Fprint(&command, " --taxids ", taxidList)
	}
	if cfg.Regions.HardToMap != "" && policy == screen.Quick {
		fmt.Fprint(&command, " --hard-to-map ", cfg.Regions.HardToMap)
	}
	if report != "" {
		fmt.Fprint(&command, " --report ", report)
	}
	if taxdump != "" {
		fmt.Fprint(&command, " --taxdump ", taxdump)
	}
	if policy == screen.Full {
		fmt.Fprint(&command, " --min-reads ", cfg.Thresholds.MinReads)
	} else {
		fmt.Fprint(&command, " --proportion ", strconv.FormatFloat(cfg.Thresholds.Proportion, 'g', -1, 64))
	}
	if settings.ReportZeroCounts {
		fmt.Fprint(&command, " --report-zero-counts")
	}
	if cfg.Ledger != "" {
		fmt.Fprint(&command, " --ledger ", cfg.Ledger)
	}
	common.describe(&command)

	// executing command

	log.Println("Executing command:\n", command.String())
	log.Println("Run id:", settings.RunID)

	tally := diag.NewTally(cfg.Strict)
	var evidence []screen.Evidence
	err = timedRun(common.timed, common.profile, "Collecting "+policy.String()+" evidence.", 1, func() (err error) {
		evidence, err = collectEvidence(cfg, policy, input, taxids, report, taxdump, settings.ReportZeroCounts, tally)
		return err
	})
	tally.Log("Input issue:")
	if err != nil {
		return err
	}

	var screened []screen.Result
	err = timedRun(common.timed, common.profile, "Evaluating screening thresholds.", 2, func() error {
		screened = screen.Run(settings, evidence)
		for _, result := range screened {
			if result.Decision {
				log.Printf("Detected %v (taxid %v): %v %v against threshold %v.\n", result.Name, result.Taxid, policy, result.Metric, result.Threshold)
			}
		}
		return writeFile(output, func(w io.Writer) error {
			return screen.WriteResults(w, screened)
		})
	})
	if err != nil {
		return err
	}

	if cfg.Ledger == "" {
		return nil
	}
	return timedRun(common.timed, common.profile, "Recording results in ledger.", 3, func() (err error) {
		ctx := context.Background()
		store, err := results.Open(ctx, cfg.Ledger)
		if err != nil {
			return err
		}
		defer func() {
			if nerr := store.Close(); err == nil {
				err = nerr
			}
		}()
		return store.Record(ctx, screened)
	})
}

func collectEvidence(cfg *config.Config, policy screen.Policy, input string, taxids []uint32, report, taxdump string, reportZeroCounts bool, tally *diag.Tally) ([]screen.Evidence, error) {
	if policy == screen.Full {
		return classifiedEvidence(cfg, input, taxids, report, taxdump, reportZeroCounts, tally)
	}
	contigs, err := cfg.ContigMap()
	if err != nil {
		return nil, err
	}
	if policy == screen.Superfast && !sam.IsAlignmentFile(input) {
		stats, err := sam.ReadIndexStats(input)
		if err != nil {
			return nil, err
		}
		return selector.Superfast(stats, contigs, taxids)
	}
	aln, err := sam.Open(input)
	if err != nil {
		return nil, err
	}
	defer aln.Close()
	if policy == screen.Superfast {
		stats, err := sam.CountIndexStats(aln, tally)
		if err != nil {
			return nil, err
		}
		return selector.Superfast(stats, contigs, taxids)
	}
	hdr, err := aln.ParseHeader()
	if err != nil {
		return nil, err
	}
	var hardToMap *intervals.Index
	if cfg.Regions.HardToMap != "" {
		regions, err := intervals.LoadRegions(cfg.Regions.HardToMap, "", hdr.Contigs())
		if err != nil {
			return nil, err
		}
		hardToMap = regions.HardToMap
		log.Printf("Loaded %v hard-to-map intervals from %v.\n", hardToMap.Len(), cfg.Regions.HardToMap)
	}
	return selector.Quick(aln, contigs, taxids, hardToMap, tally)
}

func classifiedEvidence(cfg *config.Config, input string, taxids []uint32, report, taxdump string, reportZeroCounts bool, tally *diag.Tally) ([]screen.Evidence, error) {
	if len(taxids) == 0 {
		taxids = cfg.MicrobeTaxids()
	}
	tree, err := loadTree(report, taxdump, tally)
	if err != nil {
		return nil, err
	}
	stream, err := os.Open(input)
	if err != nil {
		return nil, errors.Wrapf(err, "opening classifications %v", input)
	}
	defer stream.Close()
	counts, err := taxonomy.Aggregate(stream, taxonomy.NewResolver(tree), taxids, reportZeroCounts, tally)
	if err != nil {
		return nil, err
	}
	names := cfg.MicrobeNames()
	return screen.EvidenceFromCounts(counts, taxids, func(taxid uint32) string {
		if name := tree.Name(taxid); name != "" {
			return name
		}
		return names[taxid]
	}), nil
}
