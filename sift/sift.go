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


// Package sift extracts the reads classified under taxa of interest
// from their sequence sources.
package sift

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"
	"github.com/willf/bitset"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/internal"
	"github.com/exascience/micrite/taxonomy"
	"github.com/exascience/micrite/utils"
)

// A Job describes one extraction. The requested taxa are expanded
// with all their descendants.
type Job struct {
	Resolver *taxonomy.Resolver
	Taxids   []uint32
	// Classifications is a file of per-read classification lines; "-"
	// denotes standard input.
	Classifications string
	// Sources are FASTA, FASTQ, SAM, or BAM files. Two FASTA/FASTQ
	// sources are taken to hold the first and second mates.
	Sources []string
	Prefix  string
	// RequirePairs makes mates be written together, and reads whose
	// mate is missing be reported.
	RequirePairs bool
	CommandLine  string
}

// A SourceReport describes the output of one sequence source.
type SourceReport struct {
	Source, Output string
	Records        int64
	// Unpaired counts reads written without their mate.
	Unpaired int64
}

// A Report describes a finished extraction.
type Report struct {
	Taxa    []uint32
	Targets int
	Sources []SourceReport
	// Missing counts target reads found in no source.
	Missing int
}

// targets maps the normalized ids of target reads to their ordinal in
// the classification stream.
type targets map[string]uint

// OutputName returns the name of the output for source number i of n.
func OutputName(prefix string, taxids []uint32, source string, i, n int) string {
	ids := make([]string, len(taxids))
	for j, taxid := range taxids {
		ids[j] = strconv.FormatUint(uint64(taxid), 10)
	}
	name := prefix + ".taxid" + strings.Join(ids, "_")
	if n > 1 {
		name += "_" + strconv.Itoa(i+1)
	}
	return name + outputExt(source)
}

func outputExt(source string) string {
	trimmed := internal.TrimExtensions(source)
	ext := strings.ToLower(source[len(trimmed):])
	ext = strings.TrimSuffix(strings.TrimSuffix(ext, ".gz"), ".bgz")
	switch ext {
	case ".sam", ".bam":
		return ".sam"
	case ".fq", ".fastq":
		return ".fastq"
	case ".fa", ".fna", ".fasta":
		return ".fasta"
	default:
		return filepath.Ext(source)
	}
}

// collectTargets makes the single pass over the classification stream
// and collects the ids of reads assigned to a taxon in target, in
// stream order.
func collectTargets(job Job, target taxonomy.Set, tally *diag.Tally) (ids targets, order []string, err error) {
	rc, err := utils.OpenDecompressed(job.Classifications)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if nerr := rc.Close(); err == nil {
			err = nerr
		}
	}()
	ids = make(targets)
	var p pipeline.Pipeline
	p.Source(pipeline.NewScanner(rc))
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			var matched []string
			for _, line := range data.([]string) {
				if line == "" {
					continue
				}
				record, err := taxonomy.ParseClassification(line)
				if err != nil {
					if err = tally.Record(err); err != nil {
						p.SetErr(err)
						return matched
					}
					continue
				}
				if job.Resolver.Resolve(record, target) {
					matched = append(matched, record.ReadID)
				}
			}
			return matched
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for _, id := range data.([]string) {
				if _, ok := ids[id]; !ok {
					ids[id] = uint(len(order))
					order = append(order, id)
				}
			}
			return nil
		})),
	)
	p.Run()
	if err = p.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "reading classifications from %v", job.Classifications)
	}
	return ids, order, nil
}

// sink writes the target records of one source. With pairs, the first
// mate of a read is held back until the second one arrives.
type sink struct {
	out     *bufio.Writer
	pairs   bool
	pending map[uint][]byte
	report  *SourceReport
}

func (s *sink) emit(ordinal uint, record []byte, paired bool) error {
	if !s.pairs || !paired {
		s.report.Records++
		_, err := s.out.Write(record)
		return err
	}
	first, ok := s.pending[ordinal]
	if !ok {
		s.pending[ordinal] = append([]byte(nil), record...)
		return nil
	}
	delete(s.pending, ordinal)
	s.report.Records += 2
	if _, err := s.out.Write(first); err != nil {
		return err
	}
	_, err := s.out.Write(record)
	return err
}

// flush writes held-back reads whose mate never arrived, in
// classification order.
func (s *sink) flush(order []string, tally *diag.Tally) error {
	ordinals := make([]uint, 0, len(s.pending))
	for ordinal := range s.pending {
		ordinals = append(ordinals, ordinal)
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] < ordinals[j] })
	for _, ordinal := range ordinals {
		if err := tally.Record(diag.Errorf(diag.SequenceSourceMismatch, "mate of read %v missing in %v", order[ordinal], s.report.Source)); err != nil {
			return err
		}
		s.report.Records++
		s.report.Unpaired++
		if _, err := s.out.Write(s.pending[ordinal]); err != nil {
			return err
		}
	}
	s.pending = nil
	return s.out.Flush()
}

// Extract runs an extraction job: one pass over the classification
// stream to collect the target reads, then one pass over each source
// writing the target records to a new file. Outputs are created anew
// and written in source order, so running a job twice yields identical
// files.
//
// A target read found in no source is recorded as a
// SequenceSourceMismatch. When no read is classified under the taxa,
// this is recorded as TaxidNotClassified and empty outputs are
// written.
func Extract(job Job, tally *diag.Tally) (report *Report, err error) {
	if len(job.Sources) == 0 {
		return nil, errors.New("no sequence sources given")
	}
	sets, err := job.Resolver.ExpandAll(job.Taxids, tally)
	if err != nil {
		return nil, err
	}
	target := make(taxonomy.Set)
	for _, set := range sets {
		for taxid := range set {
			target[taxid] = struct{}{}
		}
	}
	report = &Report{Taxa: target.Sorted()}
	ids, order, err := collectTargets(job, target, tally)
	if err != nil {
		return nil, err
	}
	report.Targets = len(order)
	log.Printf("Found %v reads classified under %v taxa\n", len(order), len(target))
	if len(order) == 0 {
		if err := tally.Record(diag.Errorf(diag.TaxidNotClassified, "no reads classified under taxids %v", job.Taxids)); err != nil {
			return nil, err
		}
	}

	found := bitset.New(uint(len(order)))
	// split mates are tracked per source to detect incomplete pairs
	splitMates := job.RequirePairs && len(job.Sources) == 2 && !isAlignmentSource(job.Sources[0]) && !isAlignmentSource(job.Sources[1])
	var seen [2]*bitset.BitSet
	for i, source := range job.Sources {
		sourceReport := SourceReport{Source: source, Output: OutputName(job.Prefix, job.Taxids, source, i, len(job.Sources))}
		present := bitset.New(uint(len(order)))
		if err := extractSource(job, source, &sourceReport, ids, order, present, splitMates, tally); err != nil {
			return nil, err
		}
		found.InPlaceUnion(present)
		if splitMates {
			seen[i] = present
		}
		log.Printf("Wrote %v records from %v to %v\n", sourceReport.Records, source, sourceReport.Output)
		report.Sources = append(report.Sources, sourceReport)
	}
	if splitMates {
		incomplete := seen[0].SymmetricDifference(seen[1])
		for ordinal, ok := incomplete.NextSet(0); ok; ordinal, ok = incomplete.NextSet(ordinal + 1) {
			side := 0
			if seen[1].Test(ordinal) {
				side = 1
			}
			report.Sources[side].Unpaired++
			if err := tally.Record(diag.Errorf(diag.SequenceSourceMismatch, "mate of read %v missing in %v", order[ordinal], job.Sources[1-side])); err != nil {
				return nil, err
			}
		}
	}
	for ordinal := uint(0); ordinal < uint(len(order)); ordinal++ {
		if !found.Test(ordinal) {
			report.Missing++
			if err := tally.Record(diag.Errorf(diag.SequenceSourceMismatch, "read %v not found in any sequence source", order[ordinal])); err != nil {
				return nil, err
			}
		}
	}
	return report, nil
}

func isAlignmentSource(source string) bool {
	return outputExt(source) == ".sam"
}

func extractSource(job Job, source string, report *SourceReport, ids targets, order []string, present *bitset.BitSet, splitMates bool, tally *diag.Tally) (err error) {
	file, err := os.Create(report.Output)
	if err != nil {
		return errors.Wrapf(err, "creating %v", report.Output)
	}
	defer func() {
		if nerr := file.Close(); err == nil {
			err = nerr
		}
	}()
	s := &sink{
		out:    bufio.NewWriterSize(file, 1<<16),
		pairs:  job.RequirePairs && !splitMates,
		report: report,
	}
	if s.pairs {
		s.pending = make(map[uint][]byte)
	}
	if isAlignmentSource(source) {
		err = extractAlignments(job, source, s, ids, present, tally)
	} else {
		err = extractSequences(source, s, ids, present)
	}
	if err != nil {
		return err
	}
	if err = s.flush(order, tally); err != nil {
		return errors.Wrapf(err, "writing %v", report.Output)
	}
	return nil
}
