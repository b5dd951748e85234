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


// Package selector picks, per screening policy, the evidence and the
// candidate reads of microbial origin from an alignment file.
package selector

import (
	"fmt"
	"log"
	"sort"

	"github.com/exascience/micrite/diag"
)

// A Microbe names a taxon and the reference contigs its reads align
// to. Alternative names of the same genome are listed side by side.
type Microbe struct {
	Taxid   uint32
	Name    string
	Contigs []string
}

// A ContigMap relates reference contigs to the taxa they represent.
// It is read-only after construction.
type ContigMap struct {
	microbes map[uint32]Microbe
	byContig map[string]uint32
}

// NewContigMap builds a ContigMap. A contig may belong to one taxon
// only; entries for the same taxid are merged.
func NewContigMap(microbes []Microbe) (*ContigMap, error) {
	m := &ContigMap{microbes: make(map[uint32]Microbe), byContig: make(map[string]uint32)}
	for _, microbe := range microbes {
		for _, contig := range microbe.Contigs {
			if other, ok := m.byContig[contig]; ok && other != microbe.Taxid {
				return nil, fmt.Errorf("contig %v assigned to both taxid %v and taxid %v", contig, other, microbe.Taxid)
			}
			m.byContig[contig] = microbe.Taxid
		}
		if existing, ok := m.microbes[microbe.Taxid]; ok {
			existing.Contigs = append(existing.Contigs, microbe.Contigs...)
			if existing.Name == "" {
				existing.Name = microbe.Name
			}
			m.microbes[microbe.Taxid] = existing
		} else {
			microbe.Contigs = append([]string(nil), microbe.Contigs...)
			m.microbes[microbe.Taxid] = microbe
		}
	}
	return m, nil
}

// Taxid returns the taxon a contig belongs to.
func (m *ContigMap) Taxid(contig string) (uint32, bool) {
	taxid, ok := m.byContig[contig]
	return taxid, ok
}

// Microbe returns the entry of a taxid.
func (m *ContigMap) Microbe(taxid uint32) (Microbe, bool) {
	microbe, ok := m.microbes[taxid]
	return microbe, ok
}

// Taxids returns all mapped taxids in ascending order.
func (m *ContigMap) Taxids() []uint32 {
	taxids := make([]uint32, 0, len(m.microbes))
	for taxid := range m.microbes {
		taxids = append(taxids, taxid)
	}
	sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })
	return taxids
}

// Contigs returns all mapped contigs in ascending order.
func (m *ContigMap) Contigs() []string {
	contigs := make([]string, 0, len(m.byContig))
	for contig := range m.byContig {
		contigs = append(contigs, contig)
	}
	sort.Strings(contigs)
	return contigs
}

// target is a requested taxon with the contigs of it that the
// alignment file actually has.
type target struct {
	Microbe
	present []string
}

// resolveTargets looks up the requested taxa. Each requested taxon
// needs at least one of its contigs to be present, or the request
// fails with MissingReferenceContig. An empty taxids requests all
// configured taxa that have a contig in the alignment file; the others
// are skipped.
func (m *ContigMap) resolveTargets(taxids []uint32, present func(string) bool) ([]target, error) {
	explicit := len(taxids) > 0
	if !explicit {
		taxids = m.Taxids()
	}
	targets := make([]target, 0, len(taxids))
	seen := make(map[uint32]bool, len(taxids))
	for _, taxid := range taxids {
		if seen[taxid] {
			continue
		}
		seen[taxid] = true
		microbe, ok := m.microbes[taxid]
		if !ok {
			return nil, diag.Errorf(diag.MissingReferenceContig, "no reference contigs configured for taxid %v", taxid)
		}
		t := target{Microbe: microbe}
		for _, contig := range microbe.Contigs {
			if present(contig) {
				t.present = append(t.present, contig)
			}
		}
		if len(t.present) == 0 {
			if !explicit {
				log.Printf("Skipping taxid %v (%v): none of its contigs %v are in the alignment header.\n", taxid, microbe.Name, microbe.Contigs)
				continue
			}
			return nil, diag.Errorf(diag.MissingReferenceContig, "none of the contigs %v of taxid %v (%v) are in the alignment header", microbe.Contigs, taxid, microbe.Name)
		}
		targets = append(targets, t)
	}
	return targets, nil
}
