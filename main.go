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


// micrite screens host sequencing data for reads of oncogenic
// microbes. It estimates microbial presence from alignment
// statistics, selects candidate reads for classification, aggregates
// classifier output over the taxonomy, and extracts the reads of
// selected taxa.
//
// Please see https://github.com/exascience/micrite for a
// documentation of the tool.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/exascience/micrite/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: screen, candidates, aggregate, sift, hits, idxstats")
	fmt.Fprint(os.Stderr, "\n", cmd.ScreenHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.CandidatesHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.AggregateHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.SiftHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.HitsHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.IdxstatsHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "screen":
		err = cmd.Screen()
	case "candidates":
		err = cmd.Candidates()
	case "aggregate":
		err = cmd.Aggregate()
	case "sift":
		err = cmd.Sift()
	case "hits":
		err = cmd.Hits()
	case "idxstats":
		err = cmd.Idxstats()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		log.Println("Unknown command:", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}
