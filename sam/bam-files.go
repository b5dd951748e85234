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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/exascience/micrite/utils"
)

// bamMagic is the magic string for the BAM format. See
// http://samtools.github.io/hts-specs/SAMv1.pdf - Section 4.2.
const bamMagic = "BAM\x01"

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ParseBamHeader parses the header of a BAM file, including the binary
// sequence dictionary. The dictionary of the binary section determines
// the reference IDs of the records; @SQ lines are synthesized from it
// when the text header lacks them.
func ParseBamHeader(r io.Reader) (*Header, []Reference, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, err
	}
	if string(magic[:]) != bamMagic {
		return nil, nil, errors.New("invalid BAM file header")
	}
	lText, err := readInt32(r)
	if err != nil || lText < 0 {
		return nil, nil, fmt.Errorf("invalid BAM header text length: %v", err)
	}
	text := make([]byte, lText)
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, nil, err
	}
	for i, b := range text {
		if b == 0 {
			text = text[:i]
			break
		}
	}
	hdr, err := ParseHeaderText(string(text))
	if err != nil {
		return nil, nil, err
	}
	nRef, err := readInt32(r)
	if err != nil {
		return nil, nil, err
	}
	references := make([]Reference, 0, nRef)
	for i := int32(0); i < nRef; i++ {
		lName, err := readInt32(r)
		if err != nil || lName <= 0 {
			return nil, nil, fmt.Errorf("invalid BAM reference name length: %v", err)
		}
		name := make([]byte, lName)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, nil, err
		}
		lRef, err := readInt32(r)
		if err != nil {
			return nil, nil, err
		}
		references = append(references, Reference{Name: *utils.InternBytes(name[:lName-1]), Length: lRef})
	}
	if len(hdr.SQ) == 0 {
		for _, ref := range references {
			hdr.SQ = append(hdr.SQ, ref)
			hdr.Lines = append(hdr.Lines, "@SQ\tSN:"+ref.Name+"\tLN:"+strconv.Itoa(int(ref.Length)))
		}
	}
	return hdr, references, nil
}

const (
	refIDIndex     = 0
	posIndex       = 4
	lReadNameIndex = posIndex + 4
	mapqIndex      = lReadNameIndex + 1
	binIndex       = mapqIndex + 1
	nCigarOpIndex  = binIndex + 2
	flagIndex      = nCigarOpIndex + 2
	lSeqIndex      = flagIndex + 2
	nextRefIDIndex = lSeqIndex + 4
	nextPosIndex   = nextRefIDIndex + 4
	tlenIndex      = nextPosIndex + 4
	readNameIndex  = tlenIndex + 4
)

const bamBases = "=ACMGRSVTWYHKDBN"

func bamReferenceName(references []Reference, id int32) (string, error) {
	switch {
	case id < 0:
		return "*", nil
	case int(id) < len(references):
		return references[id].Name, nil
	default:
		return "", corrupt("reference id %v out of range", id)
	}
}

// bamTagSizes gives the byte sizes of fixed-size optional field types.
var bamTagSizes = map[byte]int{
	'A': 1, 'c': 1, 'C': 1, 's': 2, 'S': 2, 'i': 4, 'I': 4, 'f': 4,
}

func appendBamValue(out []byte, typ byte, value []byte) []byte {
	switch typ {
	case 'c':
		return strconv.AppendInt(out, int64(int8(value[0])), 10)
	case 'C':
		return strconv.AppendUint(out, uint64(value[0]), 10)
	case 's':
		return strconv.AppendInt(out, int64(int16(binary.LittleEndian.Uint16(value))), 10)
	case 'S':
		return strconv.AppendUint(out, uint64(binary.LittleEndian.Uint16(value)), 10)
	case 'i':
		return strconv.AppendInt(out, int64(int32(binary.LittleEndian.Uint32(value))), 10)
	case 'I':
		return strconv.AppendUint(out, uint64(binary.LittleEndian.Uint32(value)), 10)
	case 'f':
		return strconv.AppendFloat(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(value))), 'g', -1, 32)
	default:
		return append(out, value[0])
	}
}

// formatBamTag converts the optional field at record[index:] to SAM
// text form. BAM integer types all become 'i' in SAM.
func formatBamTag(record []byte, index int) (tag string, next int, err error) {
	if index+3 > len(record) {
		return "", 0, corrupt("truncated optional field")
	}
	out := make([]byte, 0, 16)
	out = append(out, record[index:index+2]...)
	typ := record[index+2]
	index += 3
	if size, ok := bamTagSizes[typ]; ok {
		if index+size > len(record) {
			return "", 0, corrupt("truncated optional field %s", out)
		}
		samType := typ
		switch typ {
		case 'c', 'C', 's', 'S', 'i', 'I':
			samType = 'i'
		}
		out = append(out, ':', samType, ':')
		out = appendBamValue(out, typ, record[index:index+size])
		return string(out), index + size, nil
	}
	switch typ {
	case 'Z', 'H':
		for end := index; end < len(record); end++ {
			if record[end] == 0 {
				out = append(append(out, ':', typ, ':'), record[index:end]...)
				return string(out), end + 1, nil
			}
		}
		return "", 0, corrupt("missing NUL byte in optional field %s", out)
	case 'B':
		if index+5 > len(record) {
			return "", 0, corrupt("truncated array field %s", out)
		}
		subtype := record[index]
		size, ok := bamTagSizes[subtype]
		if !ok || subtype == 'A' {
			return "", 0, corrupt("invalid array subtype %c", subtype)
		}
		count := int(binary.LittleEndian.Uint32(record[index+1 : index+5]))
		index += 5
		if count < 0 || index+count*size > len(record) {
			return "", 0, corrupt("truncated array field %s", out)
		}
		out = append(out, ':', 'B', ':', subtype)
		for i := 0; i < count; i, index = i+1, index+size {
			out = appendBamValue(append(out, ','), subtype, record[index:index+size])
		}
		return string(out), index, nil
	default:
		return "", 0, corrupt("invalid optional field type %c", typ)
	}
}

func decodeCigar(record []byte, index int, n int) []CigarOperation {
	cigar := make([]CigarOperation, n)
	for i := range cigar {
		op := binary.LittleEndian.Uint32(record[index+4*i:])
		cigar[i] = CigarOperation{Length: int32(op >> 4), Operation: CigarOperations[int(op&0xF)%len(CigarOperations)]}
	}
	return cigar
}

// ParseBamAlignment decodes a BAM alignment record, without its
// block_size prefix. See SAM specification, Section 4.2.
func ParseBamAlignment(record []byte, references []Reference) (aln *Alignment, err error) {
	if len(record) < readNameIndex {
		return nil, corrupt("BAM record of %v bytes too short", len(record))
	}
	aln = new(Alignment)
	if aln.RNAME, err = bamReferenceName(references, int32(binary.LittleEndian.Uint32(record[refIDIndex:]))); err != nil {
		return nil, err
	}
	aln.POS = int32(binary.LittleEndian.Uint32(record[posIndex:])) + 1
	lReadName := int(record[lReadNameIndex])
	aln.MAPQ = record[mapqIndex]
	nCigarOp := int(binary.LittleEndian.Uint16(record[nCigarOpIndex:]))
	aln.FLAG = binary.LittleEndian.Uint16(record[flagIndex:])
	lSeq := int(int32(binary.LittleEndian.Uint32(record[lSeqIndex:])))
	if aln.RNEXT, err = bamReferenceName(references, int32(binary.LittleEndian.Uint32(record[nextRefIDIndex:]))); err != nil {
		return nil, err
	}
	if aln.RNEXT == aln.RNAME && aln.RNEXT != "*" {
		aln.RNEXT = "="
	}
	aln.PNEXT = int32(binary.LittleEndian.Uint32(record[nextPosIndex:])) + 1
	aln.TLEN = int32(binary.LittleEndian.Uint32(record[tlenIndex:]))

	index := readNameIndex + lReadName
	seqIndex := index + 4*nCigarOp
	qualIndex := seqIndex + (lSeq+1)>>1
	if lReadName < 1 || lSeq < 0 || qualIndex+lSeq > len(record) {
		return nil, corrupt("inconsistent field lengths in BAM record")
	}
	aln.QNAME = string(record[readNameIndex : index-1])
	aln.CIGAR = decodeCigar(record, index, nCigarOp)

	if lSeq > 0 {
		aln.SEQ = make([]byte, lSeq)
		for i := range aln.SEQ {
			b := record[seqIndex+(i>>1)]
			if i&1 == 0 {
				b >>= 4
			}
			aln.SEQ[i] = bamBases[b&0xF]
		}
		if qual := record[qualIndex : qualIndex+lSeq]; qual[0] != 0xFF {
			aln.QUAL = make([]byte, lSeq)
			for i, q := range qual {
				aln.QUAL[i] = q + 33
			}
		}
	}

	for index = qualIndex + lSeq; index < len(record); {
		// CG holds the real CIGAR of reads with more than 65535
		// operations; the CIGAR field then is a placeholder kSmN.
		if index+8 <= len(record) && record[index] == 'C' && record[index+1] == 'G' && record[index+2] == 'B' && record[index+3] == 'I' &&
			len(aln.CIGAR) == 2 && aln.CIGAR[0].Operation == 'S' && int(aln.CIGAR[0].Length) == lSeq {
			count := int(binary.LittleEndian.Uint32(record[index+4:]))
			if index+8+4*count > len(record) {
				return nil, corrupt("truncated CG field")
			}
			aln.CIGAR = decodeCigar(record, index+8, count)
			index += 8 + 4*count
			continue
		}
		var tag string
		if tag, index, err = formatBamTag(record, index); err != nil {
			return nil, err
		}
		aln.TAGS = append(aln.TAGS, tag)
	}
	return aln, nil
}
