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


// Package screen turns selector and classification evidence into
// per-taxon presence decisions.
package screen

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/exascience/pargo/parallel"
)

// A Policy selects how reads are screened for a taxon.
type Policy int

// Screening policies.
const (
	// Superfast uses per-contig alignment counts only.
	Superfast Policy = iota
	// Quick counts reads on the taxon's contigs outside hard-to-map
	// regions.
	Quick
	// Full classifies candidate reads and counts those under the taxon.
	Full
)

var policyNames = [...]string{Superfast: "superfast", Quick: "quick", Full: "full"}

func (policy Policy) String() string {
	if policy < 0 || int(policy) >= len(policyNames) {
		return "Policy(" + strconv.Itoa(int(policy)) + ")"
	}
	return policyNames[policy]
}

// ParsePolicy returns the Policy with the given name.
func ParsePolicy(name string) (Policy, error) {
	for policy, policyName := range policyNames {
		if name == policyName {
			return Policy(policy), nil
		}
	}
	return 0, fmt.Errorf("unknown screening policy %v, expected superfast, quick, or full", name)
}

// Thresholds of the decision rules. Proportion is a fraction in
// [0, 1] used by superfast and quick; MinReads is used by full.
type Thresholds struct {
	Proportion float64
	MinReads   int64
}

// DefaultThresholds returns the thresholds used when nothing is
// configured.
func DefaultThresholds() Thresholds {
	return Thresholds{Proportion: 0.01, MinReads: 1}
}

// Evidence is what a selector or the classification aggregate observed
// for one taxon. Total is the number of mapped reads the count is
// relative to; it is 0 when only a count is available.
type Evidence struct {
	Taxid uint32
	Name  string
	Count int64
	Total int64
}

// Proportion returns Count/Total, or 0 for an empty total.
func (e Evidence) Proportion() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Count) / float64(e.Total)
}

// A Result is the screening decision for one taxon under one policy.
// Results are values and are not modified once computed.
type Result struct {
	RunID     string
	Sample    string
	Taxid     uint32
	Name      string
	Policy    Policy
	Metric    float64
	Count     int64
	Total     int64
	Threshold float64
	Decision  bool
}

// Evaluate applies the decision rule of the policy. Superfast and
// quick detect a taxon when its proportion strictly exceeds the
// threshold; full detects it when its count reaches the minimum.
func (policy Policy) Evaluate(e Evidence, t Thresholds) Result {
	result := Result{
		Taxid:  e.Taxid,
		Name:   e.Name,
		Policy: policy,
		Count:  e.Count,
		Total:  e.Total,
	}
	switch policy {
	case Full:
		result.Metric = float64(e.Count)
		result.Threshold = float64(t.MinReads)
		result.Decision = e.Count >= t.MinReads
	default:
		result.Metric = e.Proportion()
		result.Threshold = t.Proportion
		result.Decision = result.Metric > t.Proportion
	}
	return result
}

// Settings of one screening run.
type Settings struct {
	RunID      string
	Sample     string
	Policy     Policy
	Thresholds Thresholds
	// ReportZeroCounts keeps results for taxa without any reads. A
	// positive decision is always kept.
	ReportZeroCounts bool
}

// Run evaluates the evidence of all taxa in parallel. The results are
// ordered by taxid.
func Run(settings Settings, evidence []Evidence) []Result {
	results := make([]Result, len(evidence))
	parallel.Range(0, len(evidence), 0, func(low, high int) {
		for i := low; i < high; i++ {
			result := settings.Policy.Evaluate(evidence[i], settings.Thresholds)
			result.RunID = settings.RunID
			result.Sample = settings.Sample
			results[i] = result
		}
	})
	kept := results[:0]
	for _, result := range results {
		if result.Count > 0 || result.Decision || settings.ReportZeroCounts {
			kept = append(kept, result)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Taxid < kept[j].Taxid })
	return kept
}

// EvidenceFromCounts converts aggregated read counts into evidence for
// the requested taxa, in request order. Taxa missing from counts get a
// count of 0. names may be nil.
func EvidenceFromCounts(counts map[uint32]int64, taxids []uint32, names func(uint32) string) []Evidence {
	evidence := make([]Evidence, 0, len(taxids))
	seen := make(map[uint32]bool, len(taxids))
	for _, taxid := range taxids {
		if seen[taxid] {
			continue
		}
		seen[taxid] = true
		e := Evidence{Taxid: taxid, Count: counts[taxid]}
		if names != nil {
			e.Name = names(taxid)
		}
		evidence = append(evidence, e)
	}
	return evidence
}

// ResultsHeader names the columns written by WriteResults.
const ResultsHeader = "run_id\tsample\ttaxid\tname\tpolicy\tmetric\tcount\ttotal\tthreshold\tdecision"

// WriteResults writes results as tab-separated lines after a header
// line.
func WriteResults(w io.Writer, results []Result) error {
	out := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(out, ResultsHeader); err != nil {
		return err
	}
	for _, r := range results {
		if _, err := fmt.Fprintf(out, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			r.RunID, r.Sample, r.Taxid, r.Name, r.Policy,
			strconv.FormatFloat(r.Metric, 'g', -1, 64), r.Count, r.Total,
			strconv.FormatFloat(r.Threshold, 'g', -1, 64), r.Decision); err != nil {
			return err
		}
	}
	return out.Flush()
}
