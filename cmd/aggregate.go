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
	"io"
	"log"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/taxonomy"
)

// AggregateHelp is the help string for this command.
const AggregateHelp = "\naggregate parameters:\n" +
	"micrite aggregate classification-file count-file\n" +
	"(--report kraken-report | --taxdump directory)\n" +
	"[--taxids id,id,...]\n" +
	"[--report-zero-counts]\n" +
	commonHelp

// Aggregate implements the micrite aggregate command: read counts per
// requested taxon and its descendants.
func Aggregate() error {
	var (
		report, taxdump, taxidList string
		reportZeroCounts           bool
		common                     commonOptions
	)

	var flags flag.FlagSet

	flags.StringVar(&report, "report", "", "kraken report providing the taxonomy")
	flags.StringVar(&taxdump, "taxdump", "", "NCBI taxdump directory providing the taxonomy")
	flags.StringVar(&taxidList, "taxids", "", "comma-separated taxa to count, by default the microbes of interest")
	flags.BoolVar(&reportZeroCounts, "report-zero-counts", false, "report taxa without any reads")
	common.register(&flags)

	parseFlags(&flags, 4, AggregateHelp)

	input := getFilename(os.Args[2], AggregateHelp)
	output := getFilename(os.Args[3], AggregateHelp)

	setLogOutput(common.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("", output) {
		sanityChecksFailed = true
	}
	if !checkTaxonomySource(report, taxdump) {
		sanityChecksFailed = true
	}
	taxids, err := parseTaxids(taxidList)
	if err != nil {
		log.Println("Error:", err)
		sanityChecksFailed = true
	}
	if !common.check() {
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, AggregateHelp)
		os.Exit(1)
	}

	cfg, err := common.load(&flags)
	if err != nil {
		return err
	}
	if len(taxids) == 0 {
		taxids = cfg.MicrobeTaxids()
	}
	if !givenFlags(&flags)["report-zero-counts"] {
		reportZeroCounts = cfg.ReportZeroCounts.Full
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " aggregate ", input, " ", output)
	if report != "" {
		fmt.Fprint(&command, " --report ", report)
	}
	if taxdump != "" {
		fmt.Fprint(&command, " --taxdump ", taxdump)
	}
	if taxidList != "" {
		fmt.Fprint(&command, " --taxids ", taxidList)
	}
	if reportZeroCounts {
		fmt.Fprint(&command, " --report-zero-counts")
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
	log.Printf("Taxonomy with %v nodes.\n", tree.Len())

	var counts map[uint32]int64
	err = timedRun(common.timed, common.profile, "Aggregating classifications.", 2, func() error {
		stream, err := os.Open(input)
		if err != nil {
			return errors.Wrapf(err, "opening classifications %v", input)
		}
		defer stream.Close()
		counts, err = taxonomy.Aggregate(stream, taxonomy.NewResolver(tree), taxids, reportZeroCounts, tally)
		return err
	})
	tally.Log("Input issue:")
	if err != nil {
		return err
	}
	names := cfg.MicrobeNames()
	return writeFile(output, func(w io.Writer) error {
		return writeCounts(w, counts, func(taxid uint32) string {
			if name := tree.Name(taxid); name != "" {
				return name
			}
			return names[taxid]
		})
	})
}

func writeCounts(w io.Writer, counts map[uint32]int64, name func(uint32) string) error {
	taxids := make([]uint32, 0, len(counts))
	for taxid := range counts {
		taxids = append(taxids, taxid)
	}
	sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })
	if _, err := fmt.Fprintln(w, "taxid\tname\treads"); err != nil {
		return err
	}
	for _, taxid := range taxids {
		if _, err := fmt.Fprintf(w, "%v\t%v\t%v\n", taxid, name(taxid), counts[taxid]); err != nil {
			return err
		}
	}
	return nil
}
