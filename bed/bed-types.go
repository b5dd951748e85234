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

// Package bed parses BED files that define region categories. See
// https://genome.ucsc.edu/FAQ/FAQformat.html#format1
package bed

import (
	"sort"

	"github.com/exascience/micrite/utils"
)

// Bed is a struct for representing the contents of a BED file.
type Bed struct {
	// Track lines, keyed by field name.
	Tracks []map[string]string
	// Maps chromosome name onto bed regions, sorted by start.
	RegionMap map[utils.Symbol][]*Region
}

// A Region is a half-open, zero-based interval defined in a BED file.
type Region struct {
	Chrom  utils.Symbol
	Start  int32
	End    int32
	Name   string
	Strand byte
}

// NewBed allocates and initializes an empty bed.
func NewBed() *Bed {
	return &Bed{RegionMap: make(map[utils.Symbol][]*Region)}
}

// AddRegion adds a region to the bed region map.
func (bed *Bed) AddRegion(region *Region) {
	bed.RegionMap[region.Chrom] = append(bed.RegionMap[region.Chrom], region)
}

// NumRegions returns the total number of regions.
func (bed *Bed) NumRegions() (n int) {
	for _, regions := range bed.RegionMap {
		n += len(regions)
	}
	return
}

func (bed *Bed) sortRegions() {
	for _, regions := range bed.RegionMap {
		sort.SliceStable(regions, func(i, j int) bool {
			return regions[i].Start < regions[j].Start
		})
	}
}
