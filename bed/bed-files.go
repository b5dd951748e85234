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

package bed

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/utils"
)

// parseTrack parses the key=value pairs of a track line. Values may
// be double-quoted, in which case they can contain whitespace.
func parseTrack(line string) map[string]string {
	fields := make(map[string]string)
	rest := strings.TrimPrefix(line, "track")
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return fields
		}
		i := strings.IndexAny(rest, "= \t")
		if i < 0 || rest[i] != '=' {
			// a word without value
			if i < 0 {
				return fields
			}
			rest = rest[i:]
			continue
		}
		key := rest[:i]
		rest = rest[i+1:]
		var value string
		if strings.HasPrefix(rest, `"`) {
			if end := strings.IndexByte(rest[1:], '"'); end >= 0 {
				value, rest = rest[1:end+1], rest[end+2:]
			} else {
				value, rest = rest[1:], ""
			}
		} else if end := strings.IndexAny(rest, " \t"); end >= 0 {
			value, rest = rest[:end], rest[end:]
		} else {
			value, rest = rest, ""
		}
		if key != "" {
			fields[key] = value
		}
	}
}

func parseRegion(line string) (*Region, error) {
	data := strings.Split(line, "\t")
	if len(data) < 3 {
		data = strings.Fields(line)
	}
	if len(data) < 3 {
		return nil, errors.New("fewer than three columns")
	}
	start, err := strconv.ParseInt(data[1], 10, 32)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseInt(data[2], 10, 32)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > end {
		return nil, errors.Errorf("invalid range %v-%v", start, end)
	}
	region := &Region{Chrom: utils.Intern(data[0]), Start: int32(start), End: int32(end)}
	if len(data) > 3 {
		region.Name = data[3]
	}
	if len(data) > 5 && len(data[5]) == 1 {
		region.Strand = data[5][0]
	}
	return region, nil
}

// ParseBed parses a BED file, optionally compressed with (b)gzip.
// Malformed lines are InvalidRegion errors.
func ParseBed(filename string) (bed *Bed, err error) {
	file, err := utils.OpenDecompressed(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if nerr := file.Close(); err == nil && nerr != nil {
			err = errors.Wrapf(nerr, "closing %v", filename)
		}
	}()
	bed = NewBed()
	scanner := bufio.NewScanner(file)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		switch {
		case line == "",
			strings.HasPrefix(line, "#"),
			strings.HasPrefix(line, "browser"):
			continue
		case strings.HasPrefix(line, "track"):
			bed.Tracks = append(bed.Tracks, parseTrack(line))
			continue
		}
		region, err := parseRegion(line)
		if err != nil {
			return nil, diag.Wrap(diag.InvalidRegion, err, filename+":"+strconv.Itoa(lineNo))
		}
		bed.AddRegion(region)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %v", filename)
	}
	bed.sortRegions()
	return bed, nil
}
