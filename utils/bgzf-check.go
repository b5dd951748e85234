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

package utils

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/exascience/micrite/utils/bgzf"
)

// HandleBGZF checks if the given reader produces a gzip stream by
// peeking at its first bytes. It then returns a parallel bgzf.Reader
// for BGZF input, a sequential gzip.Reader for other gzip input, or
// the given reader unchanged.
func HandleBGZF(buf *bufio.Reader) (io.ReadCloser, error) {
	if ok, err := bgzf.IsBGZF(buf); err != nil {
		return nil, err
	} else if ok {
		return bgzf.NewReader(buf)
	}
	if ok, err := bgzf.IsGzip(buf); err != nil {
		return nil, err
	} else if ok {
		return gzip.NewReader(buf)
	}
	return io.NopCloser(buf), nil
}

type decompressedFile struct {
	io.ReadCloser
	file *os.File
}

func (f decompressedFile) Close() error {
	err := f.ReadCloser.Close()
	if nerr := f.file.Close(); err == nil {
		err = nerr
	}
	return err
}

// OpenDecompressed opens a file for reading, transparently handling
// BGZF and gzip compression. "-" denotes standard input.
func OpenDecompressed(filename string) (io.ReadCloser, error) {
	file := os.Stdin
	if filename != "-" {
		var err error
		if file, err = os.Open(filename); err != nil {
			return nil, errors.Wrapf(err, "opening %v", filename)
		}
	}
	r, err := HandleBGZF(bufio.NewReaderSize(file, 1<<16))
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "reading %v", filename)
	}
	return decompressedFile{ReadCloser: r, file: file}, nil
}
