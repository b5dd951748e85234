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
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/intervals"
	"github.com/exascience/micrite/sam"
)

// PartlyUnmapped selects which partially mapped reads are candidates.
type PartlyUnmapped int

// Partly-unmapped predicates.
const (
	// MateUnmapped: the mate of the read is unmapped.
	MateUnmapped PartlyUnmapped = iota
	// SoftClipped: the read has a soft clip of at least MinSoftClip
	// bases.
	SoftClipped
	// Either of MateUnmapped and SoftClipped.
	Either
	// NotPartly disables the predicate.
	NotPartly
)

var partlyUnmappedNames = [...]string{MateUnmapped: "mate", SoftClipped: "softclip", Either: "either", NotPartly: "none"}

func (pu PartlyUnmapped) String() string {
	if pu < 0 || int(pu) >= len(partlyUnmappedNames) {
		return fmt.Sprintf("PartlyUnmapped(%d)", int(pu))
	}
	return partlyUnmappedNames[pu]
}

// ParsePartlyUnmapped returns the predicate with the given name.
func ParsePartlyUnmapped(name string) (PartlyUnmapped, error) {
	for pu, puName := range partlyUnmappedNames {
		if name == puName {
			return PartlyUnmapped(pu), nil
		}
	}
	return 0, fmt.Errorf("unknown partly-unmapped predicate %v, expected mate, softclip, either, or none", name)
}

// Options of the full selection policy.
type Options struct {
	// DecoyContigs are contigs whose reads are all candidates. Contigs
	// missing from the alignment header are ignored.
	DecoyContigs []string
	// HomologyDecoy regions make overlapping reads candidates. May be
	// nil.
	HomologyDecoy *intervals.Index
	// PartlyUnmapped selects the partly unmapped predicate. The soft
	// clip of a mate is only known from the MC tag of the read; when
	// MC is absent, the clean mate of a soft-clipped read is not kept
	// and the clipped read is written as unpaired.
	PartlyUnmapped PartlyUnmapped
	MinSoftClip    int32
	// Quality is applied when writing candidates.
	Quality sam.Quality
	// MinMapq and MinAlignmentScore are exclusive lower bounds for
	// good alignments on decoy contigs.
	MinMapq           byte
	MinAlignmentScore int64
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PartlyUnmapped:    MateUnmapped,
		MinSoftClip:       20,
		Quality:           sam.Quality{MinLength: 50, MinPhred: 17, MaxN: 2},
		MinMapq:           10,
		MinAlignmentScore: 130,
	}
}

type fullSelector struct {
	options Options
	decoys  map[string]bool
}

func (s *fullSelector) partlyUnmapped(aln *sam.Alignment) bool {
	mate := aln.IsMultiple() && aln.IsNextUnmapped()
	clipped := !aln.IsUnmapped() && aln.MaxSoftClip() >= s.options.MinSoftClip
	switch s.options.PartlyUnmapped {
	case MateUnmapped:
		return mate
	case SoftClipped:
		return clipped
	case Either:
		return mate || clipped
	default:
		return false
	}
}

func (s *fullSelector) inHomologyDecoy(contig string, start, end int32) (bool, error) {
	if s.options.HomologyDecoy == nil || !s.options.HomologyDecoy.Knows(contig) {
		return false, nil
	}
	return s.options.HomologyDecoy.Overlaps(contig, start, end)
}

// isCandidate is the candidate predicate of a single read.
func (s *fullSelector) isCandidate(aln *sam.Alignment) (bool, error) {
	if aln.IsUnmapped() || s.partlyUnmapped(aln) || s.decoys[aln.RNAME] {
		return true, nil
	}
	start, end, ok := aln.RefInterval()
	if !ok {
		return false, nil
	}
	return s.inHomologyDecoy(aln.RNAME, start, end)
}

// mateIsCandidate predicts the candidate predicate of the mate from
// the mate fields of a read.
func (s *fullSelector) mateIsCandidate(aln *sam.Alignment) (bool, error) {
	if !aln.IsMultiple() {
		return false, nil
	}
	if aln.IsNextUnmapped() {
		return true, nil
	}
	contig, start, end, ok := aln.MateRefInterval()
	if !ok {
		return false, nil
	}
	if s.decoys[contig] {
		return true, nil
	}
	switch s.options.PartlyUnmapped {
	case SoftClipped, Either:
		if mc, _, found := aln.Tag("MC"); found {
			if cigar, err := sam.ScanCigarString(mc); err == nil {
				mate := sam.Alignment{CIGAR: cigar}
				if mate.MaxSoftClip() >= s.options.MinSoftClip {
					return true, nil
				}
			}
		}
	}
	return s.inHomologyDecoy(contig, start, end)
}

// goodAlignment is the alignment quality check for reads on decoy
// contigs.
func (s *fullSelector) goodAlignment(aln *sam.Alignment) bool {
	if !aln.IsPrimary() || aln.IsUnmapped() || aln.IsQCFailed() || aln.MAPQ <= s.options.MinMapq {
		return false
	}
	if score, ok := aln.IntTag("AS"); !ok || score <= s.options.MinAlignmentScore {
		return false
	}
	return aln.GoodSequence(s.options.Quality)
}

// Summary reports the counts of a full selection pass.
type Summary struct {
	// Reads, Mapped, and Unmapped count primary alignments.
	Reads, Mapped, Unmapped int64
	// Candidates counts candidate reads. Of these, Written passed the
	// quality filter and Filtered did not.
	Candidates, Written, Filtered int64
	// Orphans counts candidate mates whose mate never appeared; they
	// are written as unpaired reads.
	Orphans int64
	// DecoyContigs are the decoy contigs present in the header, and
	// GoodAlignments their number of good alignments.
	DecoyContigs   []string
	GoodAlignments map[string]int64
}

func (summary *Summary) merge(other *Summary) {
	summary.Reads += other.Reads
	summary.Mapped += other.Mapped
	summary.Unmapped += other.Unmapped
	for contig, n := range other.GoodAlignments {
		summary.GoodAlignments[contig] += n
	}
}

// Write formats the summary as tab-separated name/value lines.
func (summary *Summary) Write(w io.Writer) error {
	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "total depth (number of reads)\t%v\n", summary.Reads)
	fmt.Fprintf(out, "total mapped reads\t%v\n", summary.Mapped)
	fmt.Fprintf(out, "total unmapped reads\t%v\n", summary.Unmapped)
	fmt.Fprintf(out, "candidate reads\t%v\n", summary.Candidates)
	fmt.Fprintf(out, "candidate reads written\t%v\n", summary.Written)
	fmt.Fprintf(out, "candidate reads failing quality\t%v\n", summary.Filtered)
	for _, contig := range summary.DecoyContigs {
		fmt.Fprintf(out, "Contig [%v] good quality alignments\t%v\n", contig, summary.GoodAlignments[contig])
	}
	return out.Flush()
}

// Log writes the summary to the standard logger.
func (summary *Summary) Log() {
	log.Printf("Alignment summary: %v reads, %v mapped, %v unmapped\n", summary.Reads, summary.Mapped, summary.Unmapped)
	log.Printf("Candidates: %v reads, %v written, %v failed quality, %v without mate\n", summary.Candidates, summary.Written, summary.Filtered, summary.Orphans)
	for _, contig := range summary.DecoyContigs {
		log.Printf("Contig %v: %v good quality alignments\n", contig, summary.GoodAlignments[contig])
	}
}

// Output receives candidate reads as FASTQ: pairs go to First and
// Second, unpaired reads to Single.
type Output struct {
	First, Second, Single *bufio.Writer
	files                 []*os.File
	buf                   []byte
}

// NewOutput returns an Output writing to the given writers.
func NewOutput(first, second, single io.Writer) *Output {
	return &Output{
		First:  bufio.NewWriter(first),
		Second: bufio.NewWriter(second),
		Single: bufio.NewWriter(single),
	}
}

// CandidateFiles returns the names of the candidate files for prefix.
func CandidateFiles(prefix string) (first, second, single string) {
	return prefix + ".candidates_1.fastq", prefix + ".candidates_2.fastq", prefix + ".candidates.fastq"
}

// CreateOutput creates, or truncates, the candidate files for prefix.
func CreateOutput(prefix string) (*Output, error) {
	names := make([]string, 3)
	names[0], names[1], names[2] = CandidateFiles(prefix)
	files := make([]*os.File, 0, 3)
	for _, name := range names {
		file, err := os.Create(name)
		if err != nil {
			for _, f := range files {
				_ = f.Close()
			}
			return nil, errors.Wrapf(err, "creating %v", name)
		}
		files = append(files, file)
	}
	out := NewOutput(files[0], files[1], files[2])
	out.files = files
	return out, nil
}

func (out *Output) write(w *bufio.Writer, aln *sam.Alignment, suffix string) error {
	out.buf = aln.FormatFastq(out.buf[:0], suffix)
	_, err := w.Write(out.buf)
	return err
}

// Flush flushes all three writers.
func (out *Output) Flush() error {
	for _, w := range []*bufio.Writer{out.First, out.Second, out.Single} {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the output and closes the files it created.
func (out *Output) Close() (err error) {
	err = out.Flush()
	for _, file := range out.files {
		if nerr := file.Close(); err == nil {
			err = nerr
		}
	}
	return
}

type fullBatch struct {
	summary Summary
	kept    []*sam.Alignment
}

// Full streams the whole alignment file once and writes every
// candidate read to out. A read is a candidate if it is unmapped,
// partly unmapped, on a decoy contig, or overlaps a homology-decoy
// region; a pair is a candidate if either mate is. Secondary and
// supplementary alignments are ignored. Reads failing the quality
// filter are counted but not written; a pair with one such mate
// has the other written as unpaired.
//
// Alignments are parsed and checked in parallel. Only reads of
// candidate pairs are buffered until their mate appears, and output
// follows input order.
func Full(input *sam.InputFile, options Options, out *Output, tally *diag.Tally) (*Summary, error) {
	hdr, err := input.ParseHeader()
	if err != nil {
		return nil, err
	}
	s := &fullSelector{options: options, decoys: make(map[string]bool)}
	summary := &Summary{GoodAlignments: make(map[string]int64)}
	for _, contig := range options.DecoyContigs {
		if hdr.HasContig(contig) && !s.decoys[contig] {
			s.decoys[contig] = true
			summary.DecoyContigs = append(summary.DecoyContigs, contig)
		}
	}
	if len(summary.DecoyContigs) > 0 {
		log.Printf("Found %v decoy contigs in %v: %v\n", len(summary.DecoyContigs), input.Name(), summary.DecoyContigs)
	}
	pending := make(map[string]*sam.Alignment)
	var writeErr error
	emit := func(aln *sam.Alignment, w *bufio.Writer, suffix string) {
		if writeErr == nil {
			writeErr = out.write(w, aln, suffix)
		}
	}
	writeSingle := func(aln *sam.Alignment) {
		summary.Candidates++
		if aln.GoodSequence(options.Quality) {
			summary.Written++
			emit(aln, out.Single, "")
		} else {
			summary.Filtered++
		}
	}
	writePair := func(first, second *sam.Alignment) {
		if first.MateRole() == sam.SecondMate {
			first, second = second, first
		}
		goodFirst, goodSecond := first.GoodSequence(options.Quality), second.GoodSequence(options.Quality)
		if goodFirst && goodSecond {
			summary.Candidates += 2
			summary.Written += 2
			emit(first, out.First, "/1")
			emit(second, out.Second, "/2")
			return
		}
		writeSingle(first)
		writeSingle(second)
	}

	p := sam.NewPipeline(input)
	p.Add(
		pipeline.LimitedPar(0, sam.BytesToAlignment(input, tally), pipeline.Receive(func(_ int, data interface{}) interface{} {
			batch := fullBatch{summary: Summary{GoodAlignments: make(map[string]int64)}}
			for _, aln := range data.([]*sam.Alignment) {
				if !aln.IsPrimary() {
					continue
				}
				batch.summary.Reads++
				if aln.IsUnmapped() {
					batch.summary.Unmapped++
				} else {
					batch.summary.Mapped++
					if s.decoys[aln.RNAME] && s.goodAlignment(aln) {
						batch.summary.GoodAlignments[aln.RNAME]++
					}
				}
				candidate, err := s.isCandidate(aln)
				if err == nil && !candidate {
					candidate, err = s.mateIsCandidate(aln)
				}
				if err != nil {
					p.SetErr(err)
					return batch
				}
				if candidate {
					batch.kept = append(batch.kept, aln)
				}
			}
			return batch
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			batch := data.(fullBatch)
			summary.merge(&batch.summary)
			for _, aln := range batch.kept {
				if aln.MateRole() == sam.Unpaired {
					writeSingle(aln)
					continue
				}
				if mate, ok := pending[aln.QNAME]; ok {
					delete(pending, aln.QNAME)
					writePair(mate, aln)
				} else {
					pending[aln.QNAME] = aln
				}
			}
			if writeErr != nil {
				p.SetErr(writeErr)
			}
			return nil
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		summary.Orphans++
		writeSingle(pending[name])
	}
	if writeErr != nil {
		return nil, errors.Wrap(writeErr, "writing candidate reads")
	}
	if err := out.Flush(); err != nil {
		return nil, errors.Wrap(err, "writing candidate reads")
	}
	return summary, nil
}
