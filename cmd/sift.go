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
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/sift"
	"github.com/exascience/micrite/taxonomy"
)

// SiftHelp is the help string for this command.
const SiftHelp = "\nsift parameters:\n" +
	"micrite sift classification-file output-prefix\n" +
	"--sources file,file,...\n" +
	"--taxids id,id,...\n" +
	"(--report kraken-report | --taxdump directory)\n" +
	"[--require-pairs]\n" +
	commonHelp +
	"Sources are .fasta/.fastq files, possibly gzipped, or .sam/.bam files.\n" +
	"Two FASTA/FASTQ sources hold the first and second mates of paired reads.\n"

// Sift implements the micrite sift command: extraction of the reads
// classified under the requested taxa.
func Sift() error {
	var (
		sourceList, taxidList, report, taxdump string
		requirePairs                           bool
		common                                 commonOptions
	)

	var flags flag.FlagSet

	flags.StringVar(&sourceList, "sources", "", "comma-separated sequence sources to extract reads from")
	flags.StringVar(&taxidList, "taxids", "", "comma-separated taxa whose reads are extracted")
	flags.StringVar(&report, "report", "", "kraken report providing the taxonomy")
	flags.StringVar(&taxdump, "taxdump", "", "NCBI taxdump directory providing the taxonomy")
	flags.BoolVar(&requirePairs, "require-pairs", false, "write mates together and report reads without mate")
	common.register(&flags)

	parseFlags(&flags, 4, SiftHelp)

	input := getFilename(os.Args[2], SiftHelp)
	prefix := getFilename(os.Args[3], SiftHelp)

	setLogOutput(common.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if input != "-" && !checkExist("", input) {
		sanityChecksFailed = true
	}
	var sources []string
	if sourceList == "" {
		log.Println("Error: Missing --sources.")
		sanityChecksFailed = true
	} else {
		sources = strings.Split(sourceList, ",")
		for _, source := range sources {
			if !checkExist("--sources", source) {
				sanityChecksFailed = true
			}
		}
	}
	taxids, err := parseTaxids(taxidList)
	if err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	} else if len(taxids) == 0 {
		log.Println("Error: Missing --taxids.")
		sanityChecksFailed = true
	}
	if !checkTaxonomySource(report, taxdump) {
		sanityChecksFailed = true
	}
	for i, source := range sources {
		if !checkCreate("", sift.OutputName(prefix, taxids, source, i, len(sources))) {
			sanityChecksFailed = true
		}
	}
	if !common.check() {
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, SiftHelp)
		os.Exit(1)
	}

	cfg, err := common.load(&flags)
	if err != nil {
		return err
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " sift ", input, " ", prefix)
	fmt.Fprint(&command, " --sources ", sourceList)
	fmt.Fprint(&command, " --taxids ", taxidList)
	if report != "" {
		fmt.Fprint(&command, " --report ", report)
	}
	if taxdump != "" {
		fmt.Fprint(&command, " --taxdump ", taxdump)
	}
	if requirePairs {
		fmt.Fprint(&command, " --require-pairs")
	}
	common.describe(&command)

	// executing command

	log.Println("Executing command:\n", command.String())

	tally := diag.NewTally(cfg.Strict)
	var tree *taxonomy.Tree
	err = timedRun(common.timed, common.profile, "Loading taxonomy.", 1, func() (err error) {
		tree, err = loadTree(report, taxdump, tally)
		return err
	})
	if err != nil {
		tally.Log("Input issue:")
		return err
	}

	job := sift.Job{
		Resolver:        taxonomy.NewResolver(tree),
		Taxids:          taxids,
		Classifications: input,
		Sources:         sources,
		Prefix:          prefix,
		RequirePairs:    requirePairs,
		CommandLine:     command.String(),
	}
	var extracted *sift.Report
	err = timedRun(common.timed, common.profile, "Extracting classified reads.", 2, func() (err error) {
		extracted, err = sift.Extract(job, tally)
		return err
	})
	tally.Log("Input issue:")
	if err != nil {
		return err
	}
	log.Printf("Requested taxa %v expand to %v taxa with %v classified reads.\n", taxids, len(extracted.Taxa), extracted.Targets)
	for _, source := range extracted.Sources {
		log.Printf("Wrote %v records from %v to %v, %v without mate.\n", source.Records, source.Source, source.Output, source.Unpaired)
	}
	if extracted.Missing > 0 {
		log.Printf("%v classified reads were found in no source.\n", extracted.Missing)
	}
	return nil
}
