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


package screen

import (
	"encoding/csv"
	"io"
	"log"
	"strconv"

	"github.com/exascience/micrite/taxonomy"
)

// HitOptions configure CallHits. Microbes lists the taxa of interest
// by taxid.
type HitOptions struct {
	MinReads       int64
	MinPercent     float64
	OfInterestOnly bool
	Microbes       map[uint32]string
}

// HitSummary reports what CallHits found.
type HitSummary struct {
	Hits int
	// Excluded counts taxa that passed the thresholds but were
	// skipped because they are not of interest.
	Excluded int
}

// HitsHeader lists the CSV columns written by CallHits.
var HitsHeader = []string{"taxid", "rank", "name", "clade_percent", "clade_reads", "of_interest"}

// CallHits writes, as CSV, the report rows whose clade has more than
// MinReads reads and at least MinPercent percent of all reads.
func CallHits(rows []taxonomy.ReportRow, options HitOptions, w io.Writer) (summary HitSummary, err error) {
	out := csv.NewWriter(w)
	if err = out.Write(HitsHeader); err != nil {
		return
	}
	for _, row := range rows {
		if row.CladeReads <= options.MinReads || row.Percent < options.MinPercent {
			continue
		}
		_, ofInterest := options.Microbes[row.Taxid]
		if options.OfInterestOnly && !ofInterest {
			summary.Excluded++
			continue
		}
		if err = out.Write([]string{
			strconv.FormatUint(uint64(row.Taxid), 10),
			row.Rank,
			row.Name,
			strconv.FormatFloat(row.Percent, 'f', 2, 64),
			strconv.FormatInt(row.CladeReads, 10),
			strconv.FormatBool(ofInterest),
		}); err != nil {
			return
		}
		summary.Hits++
		log.Printf("Found %v reads from microbe %v (%.2f%% of classified reads)\n", row.CladeReads, row.Name, row.Percent)
	}
	out.Flush()
	err = out.Error()
	return
}
