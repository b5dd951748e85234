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

/*
Package sam reads alignment files in the SAM and BAM formats as
streams of records, for the read selection and extraction passes of
micrite. See http://samtools.github.io/hts-specs/SAMv1.pdf for the
format specifications.

An InputFile is a source for pargo pipelines
(https://godoc.org/github.com/ExaScience/pargo/pipeline) that yields
batches of raw records, which BytesToAlignment parses in parallel. A
Scanner offers the same records one by one for passes that depend on
record order.

Index statistics (samtools idxstats style per-contig counts) can be
read from a precomputed file or counted in a single streaming pass.
*/
package sam
