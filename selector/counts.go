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


package selector

import (
	"github.com/exascience/pargo/pipeline"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/intervals"
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/screen"
)

// Superfast derives evidence from per-contig alignment counts alone:
// the reads mapped to the contigs of a taxon, relative to all mapped
// reads. An empty taxids requests every taxon of the map.
func Superfast(stats sam.IndexStats, contigs *ContigMap, taxids []uint32) ([]screen.Evidence, error) {
	targets, err := contigs.resolveTargets(taxids, func(contig string) bool {
		_, ok := stats.Lookup(contig)
		return ok
	})
	if err != nil {
		return nil, err
	}
	total := stats.TotalMapped()
	evidence := make([]screen.Evidence, len(targets))
	for i, t := range targets {
		e := screen.Evidence{Taxid: t.Taxid, Name: t.Name, Total: total}
		for _, contig := range t.present {
			entry, _ := stats.Lookup(contig)
			e.Count += entry.Mapped
		}
		evidence[i] = e
	}
	return evidence, nil
}

type quickCounts struct {
	mapped int64
	counts []int64
}

// Quick streams the alignments once and counts, per taxon, the primary
// mapped reads on its contigs that do not overlap a hard-to-map
// region. The proportion is taken relative to all primary mapped
// reads. A nil hardToMap index filters nothing.
func Quick(input *sam.InputFile, contigs *ContigMap, taxids []uint32, hardToMap *intervals.Index, tally *diag.Tally) ([]screen.Evidence, error) {
	hdr, err := input.ParseHeader()
	if err != nil {
		return nil, err
	}
	targets, err := contigs.resolveTargets(taxids, hdr.HasContig)
	if err != nil {
		return nil, err
	}
	owner := make(map[string]int)
	for i, t := range targets {
		for _, contig := range t.present {
			owner[contig] = i
		}
	}
	total := quickCounts{counts: make([]int64, len(targets))}
	p := sam.NewPipeline(input)
	p.Add(
		pipeline.LimitedPar(0, sam.BytesToAlignment(input, tally), pipeline.Receive(func(_ int, data interface{}) interface{} {
			partial := quickCounts{counts: make([]int64, len(targets))}
			for _, aln := range data.([]*sam.Alignment) {
				if !aln.IsPrimary() || aln.IsUnmapped() {
					continue
				}
				partial.mapped++
				i, ok := owner[aln.RNAME]
				if !ok {
					continue
				}
				if hardToMap != nil {
					start, end, _ := aln.RefInterval()
					overlaps, err := hardToMap.Overlaps(aln.RNAME, start, end)
					if err != nil {
						p.SetErr(err)
						return partial
					}
					if overlaps {
						continue
					}
				}
				partial.counts[i]++
			}
			return partial
		})),
		pipeline.Seq(pipeline.Receive(func(_ int, data interface{}) interface{} {
			partial := data.(quickCounts)
			total.mapped += partial.mapped
			for i, n := range partial.counts {
				total.counts[i] += n
			}
			return nil
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	evidence := make([]screen.Evidence, len(targets))
	for i, t := range targets {
		evidence[i] = screen.Evidence{Taxid: t.Taxid, Name: t.Name, Count: total.counts[i], Total: total.mapped}
	}
	return evidence, nil
}

// StatsSummary returns the read totals of index statistics in the
// form of a full selection Summary, without candidate counts.
func StatsSummary(stats sam.IndexStats) *Summary {
	mapped, unmapped := stats.TotalMapped(), stats.TotalUnmapped()
	return &Summary{Reads: mapped + unmapped, Mapped: mapped, Unmapped: unmapped, GoodAlignments: map[string]int64{}}
}
