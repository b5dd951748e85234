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
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// FileFormatVersion is the SAM format version written in new headers.
const FileFormatVersion = "1.6"

// A Reference is an entry of the sequence dictionary.
type Reference struct {
	Name   string
	Length int32
}

// Header is the header section of an alignment file. Lines are kept
// verbatim, so that the header can be reproduced in SAM output.
type Header struct {
	Lines []string
	SQ    []Reference
}

// Contigs returns the names of the sequence dictionary, in order.
func (hdr *Header) Contigs() []string {
	names := make([]string, len(hdr.SQ))
	for i, ref := range hdr.SQ {
		names[i] = ref.Name
	}
	return names
}

// HasContig reports whether the sequence dictionary contains name.
func (hdr *Header) HasContig(name string) bool {
	for _, ref := range hdr.SQ {
		if ref.Name == name {
			return true
		}
	}
	return false
}

// AddProgram appends a @PG line.
func (hdr *Header) AddProgram(id, name, version, commandLine string) {
	line := "@PG\tID:" + id + "\tPN:" + name + "\tVN:" + version
	if commandLine != "" {
		line += "\tCL:" + commandLine
	}
	hdr.Lines = append(hdr.Lines, line)
}

// Flag bits. See SAM specification, Section 1.4.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

// An Alignment is one record of an alignment file. Alignments are not
// modified after parsing.
type Alignment struct {
	QNAME string
	FLAG  uint16
	RNAME string
	POS   int32
	MAPQ  byte
	CIGAR []CigarOperation
	RNEXT string
	PNEXT int32
	TLEN  int32
	SEQ   []byte
	// QUAL holds phred+33 encoded qualities, or nil when absent.
	QUAL []byte
	// TAGS holds the optional fields in SAM text form, e.g. "AS:i:140".
	TAGS []string
}

func (aln *Alignment) IsMultiple() bool      { return (aln.FLAG & Multiple) != 0 }
func (aln *Alignment) IsProper() bool        { return (aln.FLAG & Proper) != 0 }
func (aln *Alignment) IsUnmapped() bool      { return (aln.FLAG & Unmapped) != 0 }
func (aln *Alignment) IsNextUnmapped() bool  { return (aln.FLAG & NextUnmapped) != 0 }
func (aln *Alignment) IsReversed() bool      { return (aln.FLAG & Reversed) != 0 }
func (aln *Alignment) IsNextReversed() bool  { return (aln.FLAG & NextReversed) != 0 }
func (aln *Alignment) IsFirst() bool         { return (aln.FLAG & First) != 0 }
func (aln *Alignment) IsLast() bool          { return (aln.FLAG & Last) != 0 }
func (aln *Alignment) IsSecondary() bool     { return (aln.FLAG & Secondary) != 0 }
func (aln *Alignment) IsQCFailed() bool      { return (aln.FLAG & QCFailed) != 0 }
func (aln *Alignment) IsDuplicate() bool     { return (aln.FLAG & Duplicate) != 0 }
func (aln *Alignment) IsSupplementary() bool { return (aln.FLAG & Supplementary) != 0 }

func (aln *Alignment) FlagSome(flag uint16) bool  { return (aln.FLAG & flag) != 0 }
func (aln *Alignment) FlagNotAny(flag uint16) bool { return (aln.FLAG & flag) == 0 }

// IsPrimary is true for alignments that are neither secondary nor
// supplementary. Every read has exactly one primary alignment.
func (aln *Alignment) IsPrimary() bool {
	return aln.FlagNotAny(Secondary | Supplementary)
}

// A MateRole tells which read of a template an alignment belongs to.
type MateRole int

// Mate roles.
const (
	Unpaired MateRole = iota
	FirstMate
	SecondMate
)

func (role MateRole) String() string {
	switch role {
	case FirstMate:
		return "1"
	case SecondMate:
		return "2"
	default:
		return "0"
	}
}

// MateRole determines the role of the read in its template.
func (aln *Alignment) MateRole() MateRole {
	switch {
	case !aln.IsMultiple():
		return Unpaired
	case aln.IsFirst() && !aln.IsLast():
		return FirstMate
	case aln.IsLast() && !aln.IsFirst():
		return SecondMate
	default:
		return Unpaired
	}
}

// MateContig returns the reference name of the mate, resolving "=".
func (aln *Alignment) MateContig() string {
	if aln.RNEXT == "=" {
		return aln.RNAME
	}
	return aln.RNEXT
}

// Tag returns the value part of the optional field with the given
// two-letter tag, and its type character.
func (aln *Alignment) Tag(tag string) (value string, typ byte, ok bool) {
	for _, field := range aln.TAGS {
		if len(field) >= 5 && field[:2] == tag && field[2] == ':' && field[4] == ':' {
			return field[5:], field[3], true
		}
	}
	return "", 0, false
}

// IntTag returns the value of an integer optional field.
func (aln *Alignment) IntTag(tag string) (int64, bool) {
	value, typ, ok := aln.Tag(tag)
	if !ok || typ != 'i' {
		return 0, false
	}
	i, err := strconv.ParseInt(value, 10, 64)
	return i, err == nil
}

// RefInterval returns the zero-based half-open interval of reference
// positions covered by the alignment. ok is false for unmapped reads.
func (aln *Alignment) RefInterval() (start, end int32, ok bool) {
	if aln.IsUnmapped() || aln.POS <= 0 || aln.RNAME == "*" {
		return 0, 0, false
	}
	start = aln.POS - 1
	length := ReferenceLengthFromCigar(aln.CIGAR)
	if length == 0 {
		length = int32(len(aln.SEQ))
		if length == 0 {
			length = 1
		}
	}
	return start, start + length, true
}

// MateRefInterval approximates the reference interval of the mate from
// RNEXT and PNEXT. The mate's extent is taken from the MC tag when
// present, and from the read's own length otherwise.
func (aln *Alignment) MateRefInterval() (contig string, start, end int32, ok bool) {
	contig = aln.MateContig()
	if aln.IsNextUnmapped() || aln.PNEXT <= 0 || contig == "*" {
		return "", 0, 0, false
	}
	start = aln.PNEXT - 1
	var length int32
	if mc, _, found := aln.Tag("MC"); found {
		if cigar, err := ScanCigarString(mc); err == nil {
			length = ReferenceLengthFromCigar(cigar)
		}
	}
	if length == 0 {
		length = int32(len(aln.SEQ))
		if length == 0 {
			length = 1
		}
	}
	return contig, start, start + length, true
}

// MaxSoftClip returns the longest soft clip at either end.
func (aln *Alignment) MaxSoftClip() int32 {
	var clip int32
	if n := len(aln.CIGAR); n > 0 {
		for _, op := range [2]CigarOperation{aln.CIGAR[0], aln.CIGAR[n-1]} {
			if op.Operation == 'S' && op.Length > clip {
				clip = op.Length
			}
		}
	}
	return clip
}

var complement = [256]byte{}

func init() {
	for i := range complement {
		complement[i] = byte(i)
	}
	for _, pair := range []string{"AT", "CG", "RY", "KM", "BV", "DH", "NN"} {
		a, b := pair[0], pair[1]
		complement[a], complement[b] = b, a
		complement[a+'a'-'A'], complement[b+'a'-'A'] = b+'a'-'A', a+'a'-'A'
	}
}

// OriginalSequence returns the read bases and qualities in sequencing
// orientation, reverse-complementing reads that mapped to the reverse
// strand. The alignment itself is not modified.
func (aln *Alignment) OriginalSequence() (seq, qual []byte) {
	if !aln.IsReversed() {
		return aln.SEQ, aln.QUAL
	}
	n := len(aln.SEQ)
	seq = make([]byte, n)
	for i, b := range aln.SEQ {
		seq[n-1-i] = complement[b]
	}
	if aln.QUAL != nil {
		m := len(aln.QUAL)
		qual = make([]byte, m)
		for i, q := range aln.QUAL {
			qual[m-1-i] = q
		}
	}
	return seq, qual
}

// Quality thresholds for a read's sequence.
type Quality struct {
	MinLength int
	MinPhred  float64
	MaxN      int
}

// Disabled reports whether all thresholds are zero.
func (q Quality) Disabled() bool {
	return q.MinLength == 0 && q.MinPhred == 0 && q.MaxN == 0
}

// GoodSequence reports whether the read is usable downstream: not a
// duplicate, not QC-failed, long enough, with sufficient mean base
// quality and at most MaxN ambiguous bases. All-zero thresholds accept
// every read.
func (aln *Alignment) GoodSequence(q Quality) bool {
	if q.Disabled() {
		return true
	}
	if aln.FlagSome(Duplicate | QCFailed) {
		return false
	}
	if len(aln.SEQ) < q.MinLength {
		return false
	}
	if bytes.Count(aln.SEQ, []byte{'N'})+bytes.Count(aln.SEQ, []byte{'n'}) > q.MaxN {
		return false
	}
	if q.MinPhred > 0 {
		if len(aln.QUAL) == 0 {
			return false
		}
		var sum int
		for _, c := range aln.QUAL {
			sum += int(c) - 33
		}
		if float64(sum)/float64(len(aln.QUAL)) < q.MinPhred {
			return false
		}
	}
	return true
}

// CigarOperations lists the valid CIGAR operation characters, in BAM
// encoding order.
const CigarOperations = "MIDNSHP=X"

// CigarOperation is one element of a CIGAR string.
type CigarOperation struct {
	Length    int32
	Operation byte
}

func (op CigarOperation) String() string {
	return strconv.Itoa(int(op.Length)) + string(op.Operation)
}

// FormatCigar returns the CIGAR string for the given operations, or
// "*" when there are none.
func FormatCigar(cigar []CigarOperation) string {
	if len(cigar) == 0 {
		return "*"
	}
	var sb strings.Builder
	for _, op := range cigar {
		sb.WriteString(op.String())
	}
	return sb.String()
}

func isDigit(char byte) bool { return ('0' <= char) && (char <= '9') }

var (
	cigarSliceCache      = map[string][]CigarOperation{"*": nil}
	cigarSliceCacheMutex sync.RWMutex
)

func slowScanCigarString(cigar string) ([]CigarOperation, error) {
	var slice []CigarOperation
	for i := 0; i < len(cigar); {
		j := i
		for j < len(cigar) && isDigit(cigar[j]) {
			j++
		}
		if j == i || j == len(cigar) || strings.IndexByte(CigarOperations, cigar[j]) < 0 {
			return nil, fmt.Errorf("invalid CIGAR string %v", cigar)
		}
		length, err := strconv.ParseInt(cigar[i:j], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%v, while scanning CIGAR string %v", err, cigar)
		}
		slice = append(slice, CigarOperation{Length: int32(length), Operation: cigar[j]})
		i = j + 1
	}
	cigarSliceCacheMutex.Lock()
	defer cigarSliceCacheMutex.Unlock()
	if value, found := cigarSliceCache[cigar]; found {
		return value, nil
	}
	if len(cigarSliceCache) < 1<<16 {
		cigarSliceCache[cigar] = slice
	}
	return slice, nil
}

// ScanCigarString parses a CIGAR string. Results are cached and shared,
// so they must not be modified.
func ScanCigarString(cigar string) ([]CigarOperation, error) {
	cigarSliceCacheMutex.RLock()
	value, found := cigarSliceCache[cigar]
	cigarSliceCacheMutex.RUnlock()
	if found {
		return value, nil
	}
	return slowScanCigarString(cigar)
}

func operatorConsumesReferenceBases(operator byte) bool {
	switch operator {
	case 'M', 'D', 'N', '=', 'X':
		return true
	default:
		return false
	}
}

// ReferenceLengthFromCigar sums the lengths of all CIGAR operations
// that consume reference bases.
func ReferenceLengthFromCigar(cigar []CigarOperation) (length int32) {
	for _, op := range cigar {
		if operatorConsumesReferenceBases(op.Operation) {
			length += op.Length
		}
	}
	return
}
