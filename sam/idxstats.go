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

package sam

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
)

// ContigStats are the read counts of one reference contig, as reported
// by samtools idxstats. The contig "*" holds unplaced unmapped reads.
type ContigStats struct {
	Name     string
	Length   int64
	Mapped   int64
	Unmapped int64
}

// IndexStats are per-contig read counts, in sequence dictionary order.
type IndexStats []ContigStats

// ParseIndexStats parses tab-separated idxstats lines: contig name,
// length, mapped reads, unmapped reads.
func ParseIndexStats(r io.Reader) (IndexStats, error) {
	var stats IndexStats
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("idxstats line %v: %v columns instead of 4", lineNo, len(fields))
		}
		var (
			entry = ContigStats{Name: fields[0]}
			err   error
		)
		for i, target := range []*int64{&entry.Length, &entry.Mapped, &entry.Unmapped} {
			if *target, err = strconv.ParseInt(fields[i+1], 10, 64); err != nil {
				return nil, fmt.Errorf("idxstats line %v: %v", lineNo, err)
			}
		}
		stats = append(stats, entry)
	}
	return stats, scanner.Err()
}

// ReadIndexStats parses an idxstats file.
func ReadIndexStats(filename string) (stats IndexStats, err error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %v", filename)
	}
	defer func() {
		if nerr := file.Close(); err == nil {
			err = nerr
		}
	}()
	if stats, err = ParseIndexStats(file); err != nil {
		return nil, errors.Wrapf(err, "parsing %v", filename)
	}
	return stats, nil
}

// Write formats the statistics in idxstats format.
func (stats IndexStats) Write(w io.Writer) error {
	out := bufio.NewWriter(w)
	for _, entry := range stats {
		if _, err := fmt.Fprintf(out, "%v\t%v\t%v\t%v\n", entry.Name, entry.Length, entry.Mapped, entry.Unmapped); err != nil {
			return err
		}
	}
	return out.Flush()
}

// TotalMapped returns the number of mapped reads over all contigs.
func (stats IndexStats) TotalMapped() (total int64) {
	for _, entry := range stats {
		total += entry.Mapped
	}
	return
}

// TotalUnmapped returns the number of unmapped reads, placed or not.
func (stats IndexStats) TotalUnmapped() (total int64) {
	for _, entry := range stats {
		total += entry.Unmapped
	}
	return
}

// Lookup returns the statistics of a contig.
func (stats IndexStats) Lookup(contig string) (ContigStats, bool) {
	for _, entry := range stats {
		if entry.Name == contig {
			return entry, true
		}
	}
	return ContigStats{}, false
}

type contigCounts map[string]*ContigStats

func (counts contigCounts) add(aln *Alignment) {
	name := aln.RNAME
	entry := counts[name]
	if entry == nil {
		entry = &ContigStats{Name: name}
		counts[name] = entry
	}
	if aln.IsUnmapped() {
		entry.Unmapped++
	} else {
		entry.Mapped++
	}
}

// CountIndexStats computes idxstats counts in one streaming pass over
// an alignment file, counting primary alignments only. Batches are
// counted in parallel and merged; the merge is commutative.
func CountIndexStats(input *InputFile, tally *diag.Tally) (IndexStats, error) {
	hdr, err := input.ParseHeader()
	if err != nil {
		return nil, err
	}
	total := make(contigCounts)
	p := NewPipeline(input)
	p.Add(
		pipeline.LimitedPar(0, BytesToAlignment(input, tally), pipeline.Receive(func(_ int, data interface{}) interface{} {
			counts := make(contigCounts)
			for _, aln := range data.([]*Alignment) {
				if aln.IsPrimary() {
					counts.add(aln)
				}
			}
			return counts
		})),
		pipeline.Seq(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for name, entry := range data.(contigCounts) {
				if mine := total[name]; mine != nil {
					mine.Mapped += entry.Mapped
					mine.Unmapped += entry.Unmapped
				} else {
					total[name] = entry
				}
			}
			return nil
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	stats := make(IndexStats, 0, len(hdr.SQ)+1)
	for _, ref := range hdr.SQ {
		entry := ContigStats{Name: ref.Name, Length: int64(ref.Length)}
		if counted := total[ref.Name]; counted != nil {
			entry.Mapped, entry.Unmapped = counted.Mapped, counted.Unmapped
			delete(total, ref.Name)
		}
		stats = append(stats, entry)
	}
	unplaced := ContigStats{Name: "*"}
	for _, counted := range total {
		unplaced.Mapped += counted.Mapped
		unplaced.Unmapped += counted.Unmapped
	}
	return append(stats, unplaced), nil
}
