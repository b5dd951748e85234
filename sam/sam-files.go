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
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/utils"
)

func parseSQ(line string) (ref Reference, ok bool, err error) {
	for _, field := range strings.Split(line, "\t")[1:] {
		if len(field) < 3 || field[2] != ':' {
			return ref, false, fmt.Errorf("incorrectly formatted header field %v", field)
		}
		switch field[:2] {
		case "SN":
			ref.Name = *utils.Intern(field[3:])
			ok = true
		case "LN":
			ln, err := strconv.ParseInt(field[3:], 10, 32)
			if err != nil {
				return ref, false, fmt.Errorf("%v, in LN field of @SQ line", err)
			}
			ref.Length = int32(ln)
		}
	}
	return
}

// ParseHeaderText parses the lines of a SAM header.
func ParseHeaderText(text string) (*Header, error) {
	hdr := new(Header)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if err := hdr.addLine(strings.TrimRight(line, "\r")); err != nil {
			return nil, err
		}
	}
	return hdr, nil
}

func (hdr *Header) addLine(line string) error {
	if line == "" {
		return nil
	}
	if len(line) < 3 || line[0] != '@' {
		return fmt.Errorf("invalid SAM header line %v", line)
	}
	if strings.HasPrefix(line, "@SQ\t") {
		ref, ok, err := parseSQ(line)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("@SQ line without SN field: %v", line)
		}
		hdr.SQ = append(hdr.SQ, ref)
	}
	hdr.Lines = append(hdr.Lines, line)
	return nil
}

// ParseSamHeader parses the header section of a SAM file. It stops
// at the first line that does not start with '@'.
func ParseSamHeader(reader *bufio.Reader) (*Header, error) {
	hdr := new(Header)
	for {
		switch data, err := reader.Peek(1); {
		case err == io.EOF:
			return hdr, nil
		case err != nil:
			return nil, err
		case data[0] != '@':
			return hdr, nil
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err := hdr.addLine(strings.TrimRight(line, "\r\n")); err != nil {
			return nil, err
		}
	}
}

// Format writes the header lines in SAM format.
func (hdr *Header) Format(out io.Writer) error {
	w := bufio.NewWriter(out)
	for _, line := range hdr.Lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func corrupt(format string, args ...interface{}) error {
	return diag.Errorf(diag.CorruptAlignmentRecord, format, args...)
}

// ParseSamAlignment parses one line of the alignment section of a SAM
// file. Malformed lines yield CorruptAlignmentRecord errors.
func ParseSamAlignment(line []byte) (*Alignment, error) {
	line = bytes.TrimRight(line, "\r\n")
	fields := bytes.Split(line, []byte{'\t'})
	if len(fields) < 11 {
		return nil, corrupt("%v mandatory fields instead of 11 in %q", len(fields), truncate(line))
	}
	aln := new(Alignment)
	aln.QNAME = string(fields[0])
	flag, err := strconv.ParseUint(string(fields[1]), 10, 16)
	if err != nil {
		return nil, corrupt("invalid FLAG in %q", truncate(line))
	}
	aln.FLAG = uint16(flag)
	aln.RNAME = *utils.InternBytes(fields[2])
	pos, err := strconv.ParseInt(string(fields[3]), 10, 32)
	if err != nil || pos < 0 {
		return nil, corrupt("invalid POS in %q", truncate(line))
	}
	aln.POS = int32(pos)
	mapq, err := strconv.ParseUint(string(fields[4]), 10, 8)
	if err != nil {
		return nil, corrupt("invalid MAPQ in %q", truncate(line))
	}
	aln.MAPQ = byte(mapq)
	if aln.CIGAR, err = ScanCigarString(string(fields[5])); err != nil {
		return nil, corrupt("%v in %q", err, truncate(line))
	}
	aln.RNEXT = *utils.InternBytes(fields[6])
	pnext, err := strconv.ParseInt(string(fields[7]), 10, 32)
	if err != nil || pnext < 0 {
		return nil, corrupt("invalid PNEXT in %q", truncate(line))
	}
	aln.PNEXT = int32(pnext)
	tlen, err := strconv.ParseInt(string(fields[8]), 10, 32)
	if err != nil {
		return nil, corrupt("invalid TLEN in %q", truncate(line))
	}
	aln.TLEN = int32(tlen)
	if seq := fields[9]; len(seq) != 1 || seq[0] != '*' {
		aln.SEQ = append([]byte(nil), seq...)
	}
	if qual := fields[10]; len(qual) != 1 || qual[0] != '*' {
		if len(aln.SEQ) != len(qual) {
			return nil, corrupt("SEQ and QUAL lengths differ in %q", truncate(line))
		}
		aln.QUAL = append([]byte(nil), qual...)
	}
	for _, field := range fields[11:] {
		if len(field) < 5 || field[2] != ':' || field[4] != ':' {
			return nil, corrupt("invalid optional field %q", field)
		}
		aln.TAGS = append(aln.TAGS, string(field))
	}
	return aln, nil
}

func truncate(line []byte) []byte {
	if len(line) > 80 {
		return line[:80]
	}
	return line
}

func appendOrStar(out []byte, b []byte) []byte {
	if len(b) == 0 {
		return append(out, '*')
	}
	return append(out, b...)
}

// Format appends the alignment as a SAM line, including the newline.
func (aln *Alignment) Format(out []byte) []byte {
	out = append(append(out, aln.QNAME...), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.FLAG), 10), '\t')
	out = append(append(out, aln.RNAME...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.POS), 10), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.MAPQ), 10), '\t')
	out = append(append(out, FormatCigar(aln.CIGAR)...), '\t')
	out = append(append(out, aln.RNEXT...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.PNEXT), 10), '\t')
	out = append(strconv.AppendInt(out, int64(aln.TLEN), 10), '\t')
	out = append(appendOrStar(out, aln.SEQ), '\t')
	out = appendOrStar(out, aln.QUAL)
	for _, tag := range aln.TAGS {
		out = append(append(out, '\t'), tag...)
	}
	return append(out, '\n')
}

// FormatFastq appends the read as a FASTQ record in sequencing
// orientation. A suffix such as "/1" can be added to the name.
func (aln *Alignment) FormatFastq(out []byte, suffix string) []byte {
	seq, qual := aln.OriginalSequence()
	out = append(append(append(append(out, '@'), aln.QNAME...), suffix...), '\n')
	out = append(append(out, seq...), "\n+\n"...)
	if qual == nil {
		for range seq {
			out = append(out, 'I')
		}
	} else {
		out = append(out, qual...)
	}
	return append(out, '\n')
}
