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
	"io"

	"github.com/exascience/pargo/parallel"
	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
)

// ExpandAll expands the given taxids in parallel. Unknown taxids are
// recorded in the tally and yield a nil set.
func (r *Resolver) ExpandAll(taxids []uint32, tally *diag.Tally) ([]Set, error) {
	sets := make([]Set, len(taxids))
	errs := make([]error, len(taxids))
	parallel.Range(0, len(taxids), 0, func(low, high int) {
		for i := low; i < high; i++ {
			sets[i], errs[i] = r.Expand(taxids[i])
		}
	})
	for _, err := range errs {
		if err != nil {
			if err = tally.Record(err); err != nil {
				return nil, err
			}
		}
	}
	return sets, nil
}

func dedupe(taxids []uint32) []uint32 {
	seen := make(map[uint32]bool, len(taxids))
	result := make([]uint32, 0, len(taxids))
	for _, taxid := range taxids {
		if !seen[taxid] {
			seen[taxid] = true
			result = append(result, taxid)
		}
	}
	return result
}

// Aggregate tallies, in one pass over a classification stream, how
// many reads fall under each requested taxid or its descendants.
//
// With reportZeroCounts, every requested taxid is in the result, even
// when unobserved or unknown to the taxonomy; otherwise only taxids
// with at least one read are. Unknown taxids are recorded in the tally.
// Malformed lines are recorded and skipped, unless the tally is
// strict.
//
// Batches of lines are counted in parallel and the partial counts are
// summed, so the result does not depend on batch boundaries.
func Aggregate(stream io.Reader, resolver *Resolver, taxids []uint32, reportZeroCounts bool, tally *diag.Tally) (map[uint32]int64, error) {
	requested := dedupe(taxids)
	counts := make(map[uint32]int64, len(requested))
	if reportZeroCounts {
		for _, taxid := range requested {
			counts[taxid] = 0
		}
	}
	sets, err := resolver.ExpandAll(requested, tally)
	if err != nil {
		return nil, err
	}
	// owners maps an assigned taxid to the requested taxa it counts for
	owners := make(map[uint32][]int)
	for i, set := range sets {
		for member := range set {
			owners[member] = append(owners[member], i)
		}
	}
	totals := make([]int64, len(requested))
	var p pipeline.Pipeline
	p.Source(pipeline.NewScanner(stream))
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			partial := make([]int64, len(requested))
			for _, line := range data.([]string) {
				if line == "" {
					continue
				}
				record, err := ParseClassification(line)
				if err != nil {
					if err = tally.Record(err); err != nil {
						p.SetErr(err)
						return partial
					}
					continue
				}
				if !record.Classified {
					continue
				}
				for _, i := range owners[record.Taxid] {
					if resolver.Resolve(record, sets[i]) {
						partial[i]++
					}
				}
			}
			return partial
		})),
		pipeline.Seq(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for i, n := range data.([]int64) {
				totals[i] += n
			}
			return nil
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, errors.Wrap(err, "aggregating classifications")
	}
	for i, taxid := range requested {
		if totals[i] > 0 {
			counts[taxid] = totals[i]
		}
	}
	return counts, nil
}
