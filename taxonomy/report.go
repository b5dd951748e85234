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

package taxonomy

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
)

// A ReportRow is one line of a kraken-style classification report.
type ReportRow struct {
	Percent    float64
	CladeReads int64
	TaxonReads int64
	// Minimizers and DistinctMinimizers are only present in reports
	// with minimizer data (8 columns).
	Minimizers         int64
	DistinctMinimizers int64
	Rank               string
	Taxid              uint32
	Name               string
	Depth              int
}

func malformed(format string, args ...interface{}) error {
	return diag.Errorf(diag.MalformedReportLine, format, args...)
}

// ParseReportLine parses one report line of 6 columns (percentage,
// clade reads, taxon reads, rank, taxid, name) or 8 columns (with
// minimizer counts before the rank). The name is indented by two
// spaces per tree level, which gives the depth.
func ParseReportLine(line string) (row ReportRow, err error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	var ints []*int64
	switch len(fields) {
	case 6:
		ints = []*int64{&row.CladeReads, &row.TaxonReads}
	case 8:
		ints = []*int64{&row.CladeReads, &row.TaxonReads, &row.Minimizers, &row.DistinctMinimizers}
	default:
		return row, malformed("%v columns instead of 6 or 8 in report line %q", len(fields), line)
	}
	if row.Percent, err = strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err != nil {
		return row, malformed("invalid percentage in report line %q", line)
	}
	for i, target := range ints {
		if *target, err = strconv.ParseInt(strings.TrimSpace(fields[i+1]), 10, 64); err != nil {
			return row, malformed("invalid count in report line %q", line)
		}
	}
	rest := fields[len(ints)+1:]
	row.Rank = strings.TrimSpace(rest[0])
	taxid, err := strconv.ParseUint(strings.TrimSpace(rest[1]), 10, 32)
	if err != nil {
		return row, malformed("invalid taxid in report line %q", line)
	}
	row.Taxid = uint32(taxid)
	name := rest[2]
	trimmed := strings.TrimLeft(name, " ")
	row.Depth = (len(name) - len(trimmed)) / 2
	row.Name = strings.TrimSpace(trimmed)
	return row, nil
}

// ReadReport parses all rows of a report. Malformed lines are recorded
// in the tally and skipped.
func ReadReport(r io.Reader, tally *diag.Tally) ([]ReportRow, error) {
	var rows []ReportRow
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		row, err := ParseReportLine(line)
		if err != nil {
			if err = tally.Record(err); err != nil {
				return nil, err
			}
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading classification report")
	}
	return rows, nil
}

// FromReport builds a Tree from report rows, inferring parents from
// the depth of each row relative to the rows above it. The
// unclassified row (taxid 0) is not part of the tree.
func FromReport(rows []ReportRow) (*Tree, error) {
	var (
		nodes []Node
		stack []uint32
	)
	for _, row := range rows {
		if row.Taxid == 0 {
			continue
		}
		if row.Depth > len(stack) {
			return nil, malformed("taxid %v at depth %v without a parent at depth %v", row.Taxid, row.Depth, row.Depth-1)
		}
		stack = stack[:row.Depth]
		var parent uint32
		if row.Depth > 0 {
			parent = stack[row.Depth-1]
		}
		nodes = append(nodes, Node{Taxid: row.Taxid, Parent: parent, Rank: row.Rank, Name: row.Name})
		stack = append(stack, row.Taxid)
	}
	return NewTree(nodes)
}
