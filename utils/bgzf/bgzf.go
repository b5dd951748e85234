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

// Package bgzf decompresses BGZF files, the blocked gzip variant used
// for BAM files and bgzipped BED, FASTQ and classification files, with
// blocks inflated in parallel.
package bgzf

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

// maxBlockSize is the maximum (un)compressed size of a BGZF block.
const maxBlockSize = 65536

// ErrNotBGZF is returned by NewReader when the gzip stream lacks the
// BC extra subfield.
var ErrNotBGZF = errors.New("gzip stream is not in BGZF format")

// IsGzip determines if the given reader starts with the gzip magic
// number. It only peeks at the input.
func IsGzip(r *bufio.Reader) (bool, error) {
	magic, err := r.Peek(2)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}

// IsBGZF determines if the given reader starts with a gzip header that
// carries the BC extra subfield of BGZF. It only peeks at the input.
func IsBGZF(r *bufio.Reader) (bool, error) {
	header, err := r.Peek(16)
	if len(header) < 16 {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return header[0] == 0x1f && header[1] == 0x8b && header[3]&0x04 != 0 &&
		header[12] == 'B' && header[13] == 'C', nil
}

type block struct {
	data  []byte
	crc32 uint32
	size  uint32
}

var blockPool = sync.Pool{New: func() interface{} {
	return &block{data: make([]byte, 0, maxBlockSize)}
}}

// bsize extracts the total block size from the gzip extra field.
func bsize(extra []byte) (int, bool) {
	for i := 0; i+4 <= len(extra); {
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 && i+6 <= len(extra) {
			return int(binary.LittleEndian.Uint16(extra[i+4:i+6])) + 1, true
		}
		i += 4 + slen
	}
	return 0, false
}

// blockSource yields compressed BGZF blocks. It implements
// pipeline.Source.
type blockSource struct {
	r    io.Reader
	gz   *gzip.Reader
	err  error
	data *block
}

func (src *blockSource) next() (*block, error) {
	size, ok := bsize(src.gz.Extra)
	if !ok {
		return nil, ErrNotBGZF
	}
	// 12 bytes fixed header, 6 bytes BC subfield framing, 8 bytes trailer
	payload := size - len(src.gz.Extra) - 20
	if payload < 0 {
		return nil, fmt.Errorf("invalid BGZF block size %v", size)
	}
	b := blockPool.Get().(*block)
	b.data = b.data[:payload]
	if _, err := io.ReadFull(src.r, b.data); err != nil {
		return nil, err
	}
	var trailer [8]byte
	if _, err := io.ReadFull(src.r, trailer[:]); err != nil {
		return nil, err
	}
	b.crc32 = binary.LittleEndian.Uint32(trailer[0:4])
	b.size = binary.LittleEndian.Uint32(trailer[4:8])
	// Reset consumes the next header, so that Extra is ready for the
	// next call; a missing next header is a regular end of input.
	if err := src.gz.Reset(src.r); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%v, while reading BGZF header", err)
	} else if err == io.EOF {
		src.err = io.EOF
	}
	return b, nil
}

func (src *blockSource) Err() error {
	if src.err == io.EOF {
		return nil
	}
	return src.err
}

func (src *blockSource) Prepare(_ context.Context) int {
	return -1
}

func (src *blockSource) Fetch(_ int) int {
	if src.err != nil {
		src.data = nil
		return 0
	}
	b, err := src.next()
	if err != nil {
		src.err = err
		src.data = nil
		return 0
	}
	src.data = b
	return 1
}

func (src *blockSource) Data() interface{} {
	return src.data
}

var flateReaderPool sync.Pool

func inflate(compressed *block) (*block, error) {
	defer blockPool.Put(compressed)
	in := bytes.NewReader(compressed.data)
	var fr io.ReadCloser
	if pooled := flateReaderPool.Get(); pooled != nil {
		fr = pooled.(io.ReadCloser)
		if err := fr.(flate.Resetter).Reset(in, nil); err != nil {
			fr = flate.NewReader(in)
		}
	} else {
		fr = flate.NewReader(in)
	}
	defer flateReaderPool.Put(fr)
	out := blockPool.Get().(*block)
	out.data = out.data[:compressed.size]
	if _, err := io.ReadFull(fr, out.data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(out.data) != compressed.crc32 {
		return nil, errors.New("invalid CRC-32 value for a BGZF block")
	}
	return out, fr.Close()
}

// Reader decompresses a BGZF stream, inflating blocks in parallel
// while delivering them in order.
type Reader struct {
	src     blockSource
	p       pipeline.Pipeline
	wait    sync.WaitGroup
	blocks  chan *block
	ctx     context.Context
	cancel  context.CancelFunc
	current *block
	index   int
}

// NewReader returns a Reader for r. It returns ErrNotBGZF if r is a
// gzip stream without BGZF block information.
func NewReader(r *bufio.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%v, while opening BGZF stream", err)
	}
	gz.Multistream(false)
	if _, ok := bsize(gz.Extra); !ok {
		return nil, ErrNotBGZF
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		src:    blockSource{r: r, gz: gz},
		blocks: make(chan *block, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	bgzf.p.Source(&bgzf.src)
	bgzf.p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			out, err := inflate(data.(*block))
			if err != nil {
				bgzf.p.SetErr(err)
				return nil
			}
			return out
		})),
		pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
			if b, ok := data.(*block); ok && b != nil {
				select {
				case <-bgzf.ctx.Done():
				case bgzf.blocks <- b:
				}
			}
			return nil
		})),
	)
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		// a failed pipeline skips its finalizers
		defer close(bgzf.blocks)
		bgzf.p.Run()
	}()
	return bgzf, nil
}

// Read implements io.Reader.
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	for bgzf.current == nil || bgzf.index == len(bgzf.current.data) {
		if bgzf.current != nil {
			blockPool.Put(bgzf.current)
			bgzf.current = nil
		}
		b, ok := <-bgzf.blocks
		if !ok {
			bgzf.wait.Wait()
			if err = bgzf.p.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		bgzf.current, bgzf.index = b, 0
	}
	n = copy(p, bgzf.current.data[bgzf.index:])
	bgzf.index += n
	return n, nil
}

// Close stops decompression and releases resources.
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	for range bgzf.blocks {
	}
	bgzf.wait.Wait()
	if err := bgzf.src.gz.Close(); err != nil {
		return err
	}
	return bgzf.p.Err()
}
