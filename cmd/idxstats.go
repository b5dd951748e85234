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

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/selector"
)

// IdxstatsHelp is the help string for this command.
const IdxstatsHelp = "\nidxstats parameters:\n" +
	"micrite idxstats sam-input-file idxstats-output-file\n" +
	"[--summary file]\n" +
	commonHelp

// Idxstats implements the micrite idxstats command: per-contig mapped
// and unmapped read counts in samtools idxstats format.
func Idxstats() error {
	var (
		summaryFile string
		common      commonOptions
	)

	var flags flag.FlagSet

	flags.StringVar(&summaryFile, "summary", "", "also write the read totals to the specified file")
	common.register(&flags)

	parseFlags(&flags, 4, IdxstatsHelp)

	input := getFilename(os.Args[2], IdxstatsHelp)
	output := getFilename(os.Args[3], IdxstatsHelp)

	setLogOutput(common.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("", output) {
		sanityChecksFailed = true
	}
	if summaryFile != "" && !checkCreate("--summary", summaryFile) {
		sanityChecksFailed = true
	}
	if !common.check() {
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, IdxstatsHelp)
		os.Exit(1)
	}

	cfg, err := common.load(&flags)
	if err != nil {
		return err
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " idxstats ", input, " ", output)
	if summaryFile != "" {
		fmt.Fprint(&command, " --summary ", summaryFile)
	}
	common.describe(&command)

	// executing command

	log.Println("Executing command:\n", command.String())

	aln, err := sam.Open(input)
	if err != nil {
		return err
	}
	defer aln.Close()

	tally := diag.NewTally(cfg.Strict)
	var stats sam.IndexStats
	err = timedRun(common.timed, common.profile, "Counting reads per contig.", 1, func() (err error) {
		stats, err = sam.CountIndexStats(aln, tally)
		return err
	})
	tally.Log("Input issue:")
	if err != nil {
		return err
	}
	if err := writeFile(output, stats.Write); err != nil {
		return err
	}
	summary := selector.StatsSummary(stats)
	summary.Log()
	if summaryFile == "" {
		return nil
	}
	return writeFile(summaryFile, func(w io.Writer) error {
		return summary.Write(w)
	})
}
