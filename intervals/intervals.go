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

// Package intervals provides the region index used to classify
// alignment positions as hard-to-map or homology-decoy.
//
// All intervals are zero-based and half-open: an Interval covers the
// positions Start, Start+1, ..., End-1.
package intervals

import (
	"sort"

	"github.com/exascience/pargo/parallel"
	psort "github.com/exascience/pargo/sort"

	"github.com/exascience/micrite/bed"
	"github.com/exascience/micrite/diag"
)

// Interval is a generic struct with a start and an end position.
type Interval struct {
	Start, End int32
}

// SortByStart sorts a slice of Interval by Start position.
func SortByStart(intervals []Interval) {
	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].Start < intervals[j].Start
	})
}

type stableIntervalSorter []Interval

func (s stableIntervalSorter) SequentialSort(i, j int) {
	SortByStart(s[i:j])
}

func (s stableIntervalSorter) NewTemp() psort.StableSorter {
	return stableIntervalSorter(make([]Interval, len(s)))
}

func (s stableIntervalSorter) Len() int {
	return len(s)
}

func (s stableIntervalSorter) Less(i, j int) bool {
	return s[i].Start < s[j].Start
}

func (s stableIntervalSorter) Assign(source psort.StableSorter) func(i, j, len int) {
	dst, src := s, source.(stableIntervalSorter)
	return func(i, j, len int) {
		copy(dst[i:i+len], src[j:j+len])
	}
}

// ParallelSortByStart sorts a slice of Interval by Start position using
// a parallel stable sort.
func ParallelSortByStart(intervals []Interval) {
	psort.StableSort(stableIntervalSorter(intervals))
}

// Extend makes interval1 larger if it overlaps with or is adjacent to
// interval2, by storing max(interval1.End, interval2.End) in
// interval1.End; otherwise, interval1 remains unchanged.
// Returns true if the two intervals were merged, false otherwise.
// interval2.Start >= interval1.Start must be true before
// calling Extend.
func (interval1 *Interval) Extend(interval2 Interval) bool {
	if interval2.Start > interval1.End {
		return false
	}
	if interval2.End > interval1.End {
		interval1.End = interval2.End
	}
	return true
}

// Flatten merges overlapping and adjacent intervals into larger
// intervals. intervals must be sorted by Start before calling Flatten.
// The resulting slice is sorted by Start, and there is a gap between
// any two intervals in the result.
// The result shares memory with the intervals argument.
func Flatten(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return intervals
	}
	last := 0
	for _, interval := range intervals[1:] {
		if !intervals[last].Extend(interval) {
			last++
			intervals[last] = interval
		}
	}
	return intervals[:last+1]
}

const parallelFlattenGrainSize = 0x1000

// ParallelFlatten is Flatten using a parallel divide-and-conquer
// algorithm.
func ParallelFlatten(intervals []Interval) []Interval {
	if len(intervals) < parallelFlattenGrainSize {
		return Flatten(intervals)
	}
	half := len(intervals) >> 1
	left, right := intervals[:half], intervals[half:]
	parallel.Do(
		func() { left = ParallelFlatten(left) },
		func() { right = ParallelFlatten(right) },
	)
	for len(right) > 0 && left[len(left)-1].Extend(right[0]) {
		right = right[1:]
	}
	return append(left, right...)
}

// Overlap determines whether the half-open range [start, end) overlaps
// with any of the given intervals. intervals must be flattened and
// sorted by Start. An empty range overlaps nothing.
func Overlap(intervals []Interval, start, end int32) bool {
	if start >= end {
		return false
	}
	// first interval that starts at or after end; only its predecessor
	// can overlap, since flattened intervals also have increasing ends
	i := sort.Search(len(intervals), func(i int) bool {
		return intervals[i].Start >= end
	})
	return i > 0 && intervals[i-1].End > start
}

// Intersect returns a slice of all intervals that overlap with the
// half-open range [start, end). intervals must be flattened and sorted
// by Start. The result shares memory with the intervals argument.
func Intersect(intervals []Interval, start, end int32) []Interval {
	if start >= end {
		return nil
	}
	n := len(intervals)
	from := sort.Search(n, func(i int) bool {
		return intervals[i].End > start
	})
	to := sort.Search(n, func(i int) bool {
		return intervals[i].Start >= end
	})
	if from >= to {
		return nil
	}
	return intervals[from:to]
}

// An Index holds flattened intervals per contig. It is immutable after
// Build and safe for concurrent queries.
type Index struct {
	contigs map[string][]Interval
}

// Build creates an Index from the given intervals. The input is not
// modified. Contigs named in dictionary are known to the index even
// when they have no intervals, so that queries on them return false
// instead of failing.
func Build(intervals map[string][]Interval, dictionary ...string) *Index {
	index := &Index{contigs: make(map[string][]Interval, len(intervals)+len(dictionary))}
	for _, contig := range dictionary {
		index.contigs[contig] = nil
	}
	for contig, ivals := range intervals {
		sorted := make([]Interval, len(ivals))
		copy(sorted, ivals)
		ParallelSortByStart(sorted)
		index.contigs[contig] = ParallelFlatten(sorted)
	}
	return index
}

// Overlaps determines whether [start, end) on the given contig overlaps
// any interval of the index. It fails with an InvalidRegion error if
// start > end or the contig is unknown to the index.
func (index *Index) Overlaps(contig string, start, end int32) (bool, error) {
	if start > end {
		return false, diag.Errorf(diag.InvalidRegion, "%v:%v-%v has start > end", contig, start, end)
	}
	ivals, ok := index.contigs[contig]
	if !ok {
		return false, diag.Errorf(diag.InvalidRegion, "unknown contig %v", contig)
	}
	return Overlap(ivals, start, end), nil
}

// Knows reports whether the contig is known to the index.
func (index *Index) Knows(contig string) bool {
	_, ok := index.contigs[contig]
	return ok
}

// Intervals returns the flattened intervals of a contig. The result
// must not be modified.
func (index *Index) Intervals(contig string) []Interval {
	return index.contigs[contig]
}

// Len returns the total number of flattened intervals.
func (index *Index) Len() (n int) {
	for _, ivals := range index.contigs {
		n += len(ivals)
	}
	return
}

// FromBed returns the intervals that correspond to the BED file entries.
func FromBed(bed *bed.Bed) (intervals map[string][]Interval) {
	intervals = make(map[string][]Interval)
	for chrom, regions := range bed.RegionMap {
		for _, region := range regions {
			intervals[*chrom] = append(intervals[*chrom], Interval{Start: region.Start, End: region.End})
		}
	}
	return
}

// FromBedFile returns the intervals that correspond to the entries of
// a BED file.
func FromBedFile(filename string) (map[string][]Interval, error) {
	bed, err := bed.ParseBed(filename)
	if err != nil {
		return nil, err
	}
	return FromBed(bed), nil
}

// Regions holds the two region categories an alignment position is
// classified against.
type Regions struct {
	HardToMap     *Index
	HomologyDecoy *Index
}

// LoadRegions builds the region indices from BED files. An empty
// filename yields an empty category. dictionary lists the contigs of
// the alignment header, which are all known to both indices.
func LoadRegions(hardToMap, homologyDecoy string, dictionary []string) (*Regions, error) {
	var (
		regions Regions
		errs    [2]error
	)
	load := func(filename string, index **Index, err *error) {
		intervals := map[string][]Interval{}
		if filename != "" {
			if intervals, *err = FromBedFile(filename); *err != nil {
				return
			}
		}
		*index = Build(intervals, dictionary...)
	}
	parallel.Do(
		func() { load(hardToMap, &regions.HardToMap, &errs[0]) },
		func() { load(homologyDecoy, &regions.HomologyDecoy, &errs[1]) },
	)
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &regions, nil
}
