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
	"strconv"

	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/screen"
	"github.com/exascience/micrite/taxonomy"
)

// HitsHelp is the help string for this command.
const HitsHelp = "\nhits parameters:\n" +
	"micrite hits kraken-report csv-output-file\n" +
	"[--min-reads n]\n" +
	"[--min-percent p]\n" +
	"[--of-interest-only]\n" +
	commonHelp

// Hits implements the micrite hits command: the taxa of a
// classification report with enough reads.
func Hits() error {
	var (
		minReads       int64
		minPercent     float64
		ofInterestOnly bool
		common         commonOptions
	)

	var flags flag.FlagSet

	flags.Int64Var(&minReads, "min-reads", 0, "a hit needs more clade reads than this")
	flags.Float64Var(&minPercent, "min-percent", 0, "a hit needs at least this percentage of all reads")
	flags.BoolVar(&ofInterestOnly, "of-interest-only", false, "skip taxa that are not microbes of interest")
	common.register(&flags)

	parseFlags(&flags, 4, HitsHelp)

	input := getFilename(os.Args[2], HitsHelp)
	output := getFilename(os.Args[3], HitsHelp)

	setLogOutput(common.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	if !checkCreate("", output) {
		sanityChecksFailed = true
	}
	if minReads < 0 || minPercent < 0 {
		log.Println("Error: Negative hit threshold.")
		sanityChecksFailed = true
	}
	if !common.check() {
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, HitsHelp)
		os.Exit(1)
	}

	cfg, err := common.load(&flags)
	if err != nil {
		return err
	}
	given := givenFlags(&flags)
	if given["min-reads"] {
		cfg.Hits.MinReads = minReads
	}
	if given["min-percent"] {
		cfg.Hits.MinPercent = minPercent
	}
	if given["of-interest-only"] {
		cfg.Hits.OfInterestOnly = ofInterestOnly
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " hits ", input, " ", output)
	fmt.Fprint(&command, " --min-reads ", cfg.Hits.MinReads)
	fmt.Fprint(&command, " --min-percent ", strconv.FormatFloat(cfg.Hits.MinPercent, 'g', -1, 64))
	if cfg.Hits.OfInterestOnly {
		fmt.Fprint(&command, " --of-interest-only")
	}
	common.describe(&command)

	// executing command

	log.Println("Executing command:\n", command.String())

	tally := diag.NewTally(cfg.Strict)
	return timedRun(common.timed, common.profile, "Calling hits.", 1, func() error {
		f, err := os.Open(input)
		if err != nil {
			return errors.Wrapf(err, "opening report %v", input)
		}
		defer f.Close()
		rows, err := taxonomy.ReadReport(f, tally)
		tally.Log("Input issue:")
		if err != nil {
			return errors.Wrapf(err, "reading report %v", input)
		}
		var summary screen.HitSummary
		if err := writeFile(output, func(w io.Writer) (err error) {
			summary, err = screen.CallHits(rows, cfg.HitOptions(), w)
			return err
		}); err != nil {
			return err
		}
		log.Printf("Found %v hits in %v report rows.\n", summary.Hits, len(rows))
		if summary.Excluded > 0 {
			log.Printf("Skipped %v hits that are not microbes of interest.\n", summary.Excluded)
		}
		return nil
	})
}
