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
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/exascience/pargo/pipeline"
	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/utils"
	"github.com/exascience/micrite/utils/bgzf"
)

// alignmentReader is a common interface for reading both SAM and BAM
// files record by record.
type alignmentReader interface {
	parseHeader() (*Header, error)
	// next returns a freshly allocated record, or io.EOF.
	next() ([]byte, error)
	parseAlignment([]byte) (*Alignment, error)
	io.Closer
}

type samReader struct {
	rc  io.ReadCloser
	buf *bufio.Reader
}

func (r *samReader) parseHeader() (*Header, error) {
	return ParseSamHeader(r.buf)
}

func (r *samReader) next() ([]byte, error) {
	for {
		line, err := r.buf.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (*samReader) parseAlignment(record []byte) (*Alignment, error) {
	return ParseSamAlignment(record)
}

func (r *samReader) Close() error {
	return r.rc.Close()
}

type bamReader struct {
	file       *os.File
	bgzf       *bgzf.Reader
	references []Reference
	size       [4]byte
}

func (r *bamReader) parseHeader() (hdr *Header, err error) {
	hdr, r.references, err = ParseBamHeader(r.bgzf)
	return
}

func (r *bamReader) next() ([]byte, error) {
	if _, err := io.ReadFull(r.bgzf, r.size[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, corrupt("truncated BAM block size")
		}
		return nil, err
	}
	size := int(int32(binary.LittleEndian.Uint32(r.size[:])))
	if size < 0 {
		return nil, fmt.Errorf("invalid BAM block size %v", size)
	}
	record := make([]byte, size)
	if _, err := io.ReadFull(r.bgzf, record); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return record, nil
}

func (r *bamReader) parseAlignment(record []byte) (*Alignment, error) {
	return ParseBamAlignment(record, r.references)
}

func (r *bamReader) Close() error {
	err := r.bgzf.Close()
	if nerr := r.file.Close(); err == nil {
		err = nerr
	}
	return err
}

// InputFile represents a SAM or BAM file for input. It implements
// pipeline.Source, yielding batches of raw records of type [][]byte.
type InputFile struct {
	name   string
	reader alignmentReader
	header *Header
	err    error
	data   interface{}
}

// SAM file extensions.
const (
	SamExt  = ".sam"
	BamExt  = ".bam"
	cramExt = ".cram"
)

// Open a SAM or BAM file for input.
//
// If the filename extension is not .bam, then SAM is assumed, possibly
// compressed with (b)gzip. The name "-" denotes standard input.
func Open(name string) (*InputFile, error) {
	switch filepath.Ext(name) {
	case BamExt:
		file, err := os.Open(name)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %v", name)
		}
		r, err := bgzf.NewReader(bufio.NewReaderSize(file, 1<<16))
		if err != nil {
			_ = file.Close()
			return nil, errors.Wrapf(err, "opening BAM file %v", name)
		}
		return &InputFile{name: name, reader: &bamReader{file: file, bgzf: r}}, nil
	case cramExt:
		return nil, fmt.Errorf("CRAM format not supported when opening %v", name)
	default:
		rc, err := utils.OpenDecompressed(name)
		if err != nil {
			return nil, err
		}
		return &InputFile{name: name, reader: &samReader{rc: rc, buf: bufio.NewReaderSize(rc, 1<<16)}}, nil
	}
}

// IsAlignmentFile reports whether the filename denotes a SAM or BAM
// file, judging by its extension.
func IsAlignmentFile(name string) bool {
	name = strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".bgz")
	switch filepath.Ext(name) {
	case SamExt, BamExt:
		return true
	default:
		return false
	}
}

// Name returns the name the file was opened with.
func (f *InputFile) Name() string {
	return f.name
}

// Close closes the SAM/BAM input file.
func (f *InputFile) Close() error {
	return f.reader.Close()
}

// ParseHeader fetches the header from a SAM or BAM file. It must be
// called before reading records; later calls return the same header.
func (f *InputFile) ParseHeader() (*Header, error) {
	if f.header == nil {
		hdr, err := f.reader.parseHeader()
		if err != nil {
			return nil, errors.Wrapf(err, "parsing header of %v", f.name)
		}
		f.header = hdr
	}
	return f.header, nil
}

// ParseAlignment parses a raw record fetched from this file.
func (f *InputFile) ParseAlignment(record []byte) (*Alignment, error) {
	return f.reader.parseAlignment(record)
}

// Err implements the method of the pipeline.Source interface.
func (f *InputFile) Err() error {
	return f.err
}

// Prepare implements the method of the pipeline.Source interface.
func (f *InputFile) Prepare(_ context.Context) int {
	if _, err := f.ParseHeader(); err != nil {
		f.err = err
	}
	return -1
}

// Fetch implements the method of the pipeline.Source interface.
func (f *InputFile) Fetch(size int) (fetched int) {
	if f.err != nil {
		f.data = nil
		return 0
	}
	records := make([][]byte, 0, size)
	for fetched < size {
		record, err := f.reader.next()
		if err != nil {
			if err != io.EOF {
				f.err = errors.Wrapf(err, "reading %v", f.name)
			}
			break
		}
		records = append(records, record)
		fetched++
	}
	f.data = records
	return fetched
}

// Data implements the method of the pipeline.Source interface.
func (f *InputFile) Data() interface{} {
	return f.data
}

const (
	minBatchSize = 4096
	maxBatchSize = 262144
)

// NewPipeline returns a pipeline with f as its source, configured with
// the batch sizes used for alignment files.
func NewPipeline(f *InputFile) *pipeline.Pipeline {
	var p pipeline.Pipeline
	p.Source(f)
	p.SetVariableBatchSize(minBatchSize, maxBatchSize)
	return &p
}

// BytesToAlignment returns a pargo pipeline.Filter that parses slices
// of raw records into slices of pointers to freshly allocated
// Alignment values. Corrupt records are skipped and recorded in the
// tally; in strict mode they abort the pipeline.
func BytesToAlignment(f *InputFile, tally *diag.Tally) pipeline.Filter {
	return func(p *pipeline.Pipeline, _ pipeline.NodeKind, _ *int) (receiver pipeline.Receiver, _ pipeline.Finalizer) {
		receiver = func(_ int, data interface{}) interface{} {
			records := data.([][]byte)
			alns := make([]*Alignment, 0, len(records))
			for _, record := range records {
				aln, err := f.ParseAlignment(record)
				if err != nil {
					if err = tally.Record(err); err != nil {
						p.SetErr(errors.Wrapf(err, "parsing %v", f.name))
						return alns
					}
					continue
				}
				alns = append(alns, aln)
			}
			return alns
		}
		return
	}
}

// A Scanner iterates over the alignments of an InputFile one by one,
// in file order. Corrupt records are handled as in BytesToAlignment.
type Scanner struct {
	input *InputFile
	tally *diag.Tally
	aln   *Alignment
	err   error
}

// NewScanner returns a Scanner for input. The header is parsed first
// if that did not happen yet.
func NewScanner(input *InputFile, tally *diag.Tally) *Scanner {
	sc := &Scanner{input: input, tally: tally}
	_, sc.err = input.ParseHeader()
	return sc
}

// Scan advances to the next alignment. It returns false at the end of
// the input or on an error.
func (sc *Scanner) Scan() bool {
	for sc.err == nil {
		record, err := sc.input.reader.next()
		if err == io.EOF {
			sc.aln = nil
			return false
		}
		if err != nil {
			sc.err = errors.Wrapf(err, "reading %v", sc.input.name)
			return false
		}
		aln, err := sc.input.reader.parseAlignment(record)
		if err != nil {
			if err = sc.tally.Record(err); err != nil {
				sc.err = errors.Wrapf(err, "parsing %v", sc.input.name)
				return false
			}
			continue
		}
		sc.aln = aln
		return true
	}
	return false
}

// Alignment returns the current alignment. The scanner does not reuse
// it, so callers may keep it.
func (sc *Scanner) Alignment() *Alignment {
	return sc.aln
}

// Err returns the first error that stopped the scan.
func (sc *Scanner) Err() error {
	return sc.err
}
