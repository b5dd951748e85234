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


package sift

import (
	"io"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/willf/bitset"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/sam"
	"github.com/exascience/micrite/taxonomy"
	"github.com/exascience/micrite/utils"
)

func init() {
	// reads are copied as they are, whatever their alphabet
	seq.ValidateSeq = false
}

// extractSequences copies the target records of a FASTA or FASTQ file.
// Within one file, a read id occurring twice is an interleaved pair.
func extractSequences(source string, s *sink, ids targets, present *bitset.BitSet) error {
	reader, err := fastx.NewReader(nil, source, "")
	if err != nil {
		return errors.Wrapf(err, "opening %v", source)
	}
	defer reader.Close()
	var buf []byte
	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "reading %v", source)
		}
		ordinal, ok := ids[taxonomy.NormalizeReadID(string(record.ID))]
		if !ok {
			continue
		}
		present.Set(ordinal)
		buf = formatSequence(buf[:0], record)
		if err := s.emit(ordinal, buf, true); err != nil {
			return errors.Wrapf(err, "writing %v", s.report.Output)
		}
	}
}

func formatSequence(out []byte, record *fastx.Record) []byte {
	if len(record.Seq.Qual) > 0 {
		out = append(append(append(out, '@'), record.Name...), '\n')
		out = append(append(out, record.Seq.Seq...), "\n+\n"...)
		return append(append(out, record.Seq.Qual...), '\n')
	}
	out = append(append(append(out, '>'), record.Name...), '\n')
	return append(append(out, record.Seq.Seq...), '\n')
}

// extractAlignments copies the header and the target records of a SAM
// or BAM file as SAM, adding a @PG line. Secondary and supplementary
// alignments of target reads are copied as well, but only primary
// alignments take part in pairing.
func extractAlignments(job Job, source string, s *sink, ids targets, present *bitset.BitSet, tally *diag.Tally) (err error) {
	input, err := sam.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		if nerr := input.Close(); err == nil {
			err = nerr
		}
	}()
	hdr, err := input.ParseHeader()
	if err != nil {
		return err
	}
	out := *hdr
	out.Lines = append([]string(nil), hdr.Lines...)
	out.AddProgram("micrite-sift", utils.ProgramName, utils.ProgramVersion, job.CommandLine)
	if err := out.Format(s.out); err != nil {
		return errors.Wrapf(err, "writing %v", s.report.Output)
	}
	scanner := sam.NewScanner(input, tally)
	var buf []byte
	for scanner.Scan() {
		aln := scanner.Alignment()
		ordinal, ok := ids[taxonomy.NormalizeReadID(aln.QNAME)]
		if !ok {
			continue
		}
		present.Set(ordinal)
		buf = aln.Format(buf[:0])
		paired := aln.IsPrimary() && aln.MateRole() != sam.Unpaired
		if err := s.emit(ordinal, buf, paired); err != nil {
			return errors.Wrapf(err, "writing %v", s.report.Output)
		}
	}
	return scanner.Err()
}
