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

package taxonomy

import (
	"strconv"
	"strings"
)

// A Classification is one line of a kraken-style per-read output:
// whether the read was classified, its identifier, the assigned taxid,
// and how many k-mers support that taxid.
type Classification struct {
	Classified  bool
	ReadID      string
	Taxid       uint32
	KmerSupport int64
}

// NormalizeReadID strips a "/1" or "/2" mate suffix.
func NormalizeReadID(id string) string {
	if n := len(id); n > 2 && id[n-2] == '/' && (id[n-1] == '1' || id[n-1] == '2') {
		return id[:n-2]
	}
	return id
}

func parseTaxidColumn(column string) (uint32, bool) {
	column = strings.TrimSpace(column)
	// with --use-names the column reads "name (taxid N)"
	if i := strings.LastIndex(column, "(taxid "); i >= 0 && strings.HasSuffix(column, ")") {
		column = column[i+len("(taxid ") : len(column)-1]
	}
	taxid, err := strconv.ParseUint(column, 10, 32)
	return uint32(taxid), err == nil
}

// ParseClassification parses one line of classification output:
// C/U, read id, taxid, sequence length(s), and the LCA mapping of
// k-mers as space-separated taxid:count pairs.
func ParseClassification(line string) (c Classification, err error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) < 3 {
		return c, malformed("%v columns instead of at least 3 in classification line %q", len(fields), line)
	}
	switch fields[0] {
	case "C":
		c.Classified = true
	case "U":
	default:
		return c, malformed("invalid classification status %q", fields[0])
	}
	c.ReadID = NormalizeReadID(fields[1])
	if c.ReadID == "" {
		return c, malformed("missing read id in classification line %q", line)
	}
	var ok bool
	if c.Taxid, ok = parseTaxidColumn(fields[2]); !ok {
		return c, malformed("invalid taxid in classification line %q", line)
	}
	if len(fields) >= 5 {
		for _, pair := range strings.Fields(fields[4]) {
			i := strings.IndexByte(pair, ':')
			if i <= 0 || pair == "|:|" {
				continue
			}
			if taxid, err := strconv.ParseUint(pair[:i], 10, 32); err == nil && uint32(taxid) == c.Taxid {
				if count, err := strconv.ParseInt(pair[i+1:], 10, 64); err == nil {
					c.KmerSupport += count
				}
			}
		}
	}
	return c, nil
}
