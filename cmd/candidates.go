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
	"strings"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/intervals"
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/selector"
)

// CandidatesHelp is the help string for this command.
const CandidatesHelp = "\ncandidates parameters:\n" +
	"micrite candidates sam-input-file output-prefix\n" +
	"[--homology-decoy bed-file]\n" +
	"[--decoy-contigs name,name,...]\n" +
	"[--partly-unmapped mate|softclip|either|none]\n" +
	"[--min-soft-clip n]\n" +
	"[--min-length n]\n" +
	"[--min-phred q]\n" +
	"[--max-n n]\n" +
	commonHelp +
	"Writes output-prefix.candidates_1.fastq, output-prefix.candidates_2.fastq,\n" +
	"output-prefix.candidates.fastq, and output-prefix.bam_summary.txt.\n"

// SummaryFile returns the name of the alignment summary written for
// prefix.
func SummaryFile(prefix string) string {
	return prefix + ".bam_summary.txt"
}

// Candidates implements the micrite candidates command: the full
// selection policy.
func Candidates() error {
	var (
		homologyDecoy, decoyContigs, partlyUnmapped string
		minSoftClip, minLength, maxN                int
		minPhred                                    float64
		common                                      commonOptions
	)

	var flags flag.FlagSet

	flags.StringVar(&homologyDecoy, "homology-decoy", "", "BED file with regions homologous to microbial genomes")
	flags.StringVar(&decoyContigs, "decoy-contigs", "", "comma-separated additional decoy contigs")
	flags.StringVar(&partlyUnmapped, "partly-unmapped", "", "when a mapped read counts as partly unmapped: mate, softclip, either, or none")
	flags.IntVar(&minSoftClip, "min-soft-clip", 0, "minimum soft clip length for a partly unmapped read")
	flags.IntVar(&minLength, "min-length", 0, "minimum length of a written read")
	flags.Float64Var(&minPhred, "min-phred", 0, "minimum mean base quality of a written read")
	flags.IntVar(&maxN, "max-n", 0, "maximum number of N bases of a written read")
	common.register(&flags)

	parseFlags(&flags, 4, CandidatesHelp)

	input := getFilename(os.Args[2], CandidatesHelp)
	prefix := getFilename(os.Args[3], CandidatesHelp)

	setLogOutput(common.logPath)

	// sanity checks

	var sanityChecksFailed bool

	if !checkExist("", input) {
		sanityChecksFailed = true
	}
	first, second, single := selector.CandidateFiles(prefix)
	for _, name := range []string{first, second, single, SummaryFile(prefix)} {
		if !checkCreate("", name) {
			sanityChecksFailed = true
		}
	}
	if homologyDecoy != "" && !checkExist("--homology-decoy", homologyDecoy) {
		sanityChecksFailed = true
	}
	if partlyUnmapped != "" {
		if _, err := selector.ParsePartlyUnmapped(partlyUnmapped); err != nil {
			log.Println("Error:", err)
			sanityChecksFailed = true
		}
	}
	if minSoftClip < 0 || minLength < 0 || maxN < 0 || minPhred < 0 {
		log.Println("Error: Negative read filter setting.")
		sanityChecksFailed = true
	}
	if !common.check() {
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, CandidatesHelp)
		os.Exit(1)
	}

	cfg, err := common.load(&flags)
	if err != nil {
		return err
	}
	given := givenFlags(&flags)
	if given["homology-decoy"] {
		cfg.Regions.HomologyDecoy = homologyDecoy
	}
	if given["decoy-contigs"] {
		cfg.Selector.DecoyContigs = append(cfg.Selector.DecoyContigs, strings.Split(decoyContigs, ",")...)
	}
	if given["partly-unmapped"] {
		cfg.Selector.PartlyUnmapped = partlyUnmapped
	}
	if given["min-soft-clip"] {
		cfg.Selector.MinSoftClip = int32(minSoftClip)
	}
	if given["min-length"] {
		cfg.Quality.MinLength = minLength
	}
	if given["min-phred"] {
		cfg.Quality.MinPhred = minPhred
	}
	if given["max-n"] {
		cfg.Quality.MaxN = maxN
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " candidates ", input, " ", prefix)
	if cfg.Regions.HomologyDecoy != "" {
		fmt.Fprint(&command, " --homology-decoy ", cfg.Regions.HomologyDecoy)
	}
	if len(cfg.Selector.DecoyContigs) > 0 {
		fmt.Fprint(&command, " --decoy-contigs ", strings.Join(cfg.Selector.DecoyContigs, ","))
	}
	fmt.Fprint(&command, " --partly-unmapped ", cfg.Selector.PartlyUnmapped)
	fmt.Fprint(&command, " --min-soft-clip ", cfg.Selector.MinSoftClip)
	fmt.Fprint(&command, " --min-length ", cfg.Quality.MinLength)
	fmt.Fprint(&command, " --min-phred ", cfg.Quality.MinPhred)
	fmt.Fprint(&command, " --max-n ", cfg.Quality.MaxN)
	common.describe(&command)

	// executing command

	log.Println("Executing command:\n", command.String())

	aln, err := sam.Open(input)
	if err != nil {
		return err
	}
	defer aln.Close()
	hdr, err := aln.ParseHeader()
	if err != nil {
		return err
	}

	var regions *intervals.Regions
	err = timedRun(common.timed, common.profile, "Loading homology-decoy regions.", 1, func() (err error) {
		regions, err = intervals.LoadRegions("", cfg.Regions.HomologyDecoy, hdr.Contigs())
		return err
	})
	if err != nil {
		return err
	}
	options, err := cfg.SelectorOptions(regions)
	if err != nil {
		return err
	}

	out, err := selector.CreateOutput(prefix)
	if err != nil {
		return err
	}
	tally := diag.NewTally(cfg.Strict)
	var summary *selector.Summary
	err = timedRun(common.timed, common.profile, "Selecting candidate reads.", 2, func() (err error) {
		summary, err = selector.Full(aln, options, out, tally)
		return err
	})
	if nerr := out.Close(); err == nil {
		err = nerr
	}
	tally.Log("Input issue:")
	if err != nil {
		return err
	}
	summary.Log()
	return writeFile(SummaryFile(prefix), func(w io.Writer) error {
		return summary.Write(w)
	})
}
