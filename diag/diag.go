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

// Package diag defines the error kinds of micrite and a tally of
// recoverable per-record issues.
package diag

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Kind classifies a micrite error.
type Kind int

// Error kinds.
const (
	Unknown Kind = iota
	InvalidRegion
	MissingReferenceContig
	CorruptAlignmentRecord
	UnknownTaxid
	MalformedReportLine
	TaxidNotClassified
	SequenceSourceMismatch
)

var kindNames = [...]string{
	Unknown:                "Unknown",
	InvalidRegion:          "InvalidRegion",
	MissingReferenceContig: "MissingReferenceContig",
	CorruptAlignmentRecord: "CorruptAlignmentRecord",
	UnknownTaxid:           "UnknownTaxid",
	MalformedReportLine:    "MalformedReportLine",
	TaxidNotClassified:     "TaxidNotClassified",
	SequenceSourceMismatch: "SequenceSourceMismatch",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Fatal reports whether errors of this kind abort a run regardless of
// strict mode.
func (k Kind) Fatal() bool {
	switch k {
	case InvalidRegion, MissingReferenceContig:
		return true
	default:
		return false
	}
}

// Malformation reports whether errors of this kind describe a
// malformed input record. Only those are promoted to errors in strict
// mode; UnknownTaxid and TaxidNotClassified are absence of signal.
func (k Kind) Malformation() bool {
	switch k {
	case CorruptAlignmentRecord, MalformedReportLine, SequenceSourceMismatch:
		return true
	default:
		return false
	}
}

// Error is an error of a specific Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first Error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

type entry struct {
	count uint64
	first string
}

// A Tally counts recoverable issues per kind, so that they can be
// reported as one summary line each instead of once per record.
//
// In strict mode, Record returns every issue as an error instead of
// counting it. A Tally is safe for concurrent use.
type Tally struct {
	Strict bool

	mutex   sync.Mutex
	entries map[Kind]*entry
}

// NewTally allocates a Tally.
func NewTally(strict bool) *Tally {
	return &Tally{Strict: strict}
}

// Record registers err. It returns err when the kind of err is fatal,
// or when the tally is strict and err is a malformation, and nil
// otherwise. A nil Tally
// behaves like a non-strict tally that discards everything.
func (t *Tally) Record(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind.Fatal() || kind == Unknown {
		return err
	}
	if t == nil {
		return nil
	}
	if t.Strict && kind.Malformation() {
		return err
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.entries == nil {
		t.entries = make(map[Kind]*entry)
	}
	e := t.entries[kind]
	if e == nil {
		e = &entry{first: err.Error()}
		t.entries[kind] = e
	}
	e.count++
	return nil
}

// Count returns how many issues of the given kind were recorded.
func (t *Tally) Count(kind Kind) uint64 {
	if t == nil {
		return 0
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if e := t.entries[kind]; e != nil {
		return e.count
	}
	return 0
}

// Total returns the number of recorded issues of all kinds.
func (t *Tally) Total() (total uint64) {
	if t == nil {
		return 0
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, e := range t.entries {
		total += e.count
	}
	return
}

// Merge adds the counts of other to t.
func (t *Tally) Merge(other *Tally) {
	if t == nil || other == nil || t == other {
		return
	}
	other.mutex.Lock()
	entries := make(map[Kind]entry, len(other.entries))
	for kind, e := range other.entries {
		entries[kind] = *e
	}
	other.mutex.Unlock()
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.entries == nil {
		t.entries = make(map[Kind]*entry)
	}
	for kind, e := range entries {
		if mine := t.entries[kind]; mine != nil {
			mine.count += e.count
		} else {
			t.entries[kind] = &entry{count: e.count, first: e.first}
		}
	}
}

// Summary returns one line per recorded kind, sorted by kind.
func (t *Tally) Summary() (lines []string) {
	if t == nil {
		return nil
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	kinds := make([]Kind, 0, len(t.entries))
	for kind := range t.entries {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		e := t.entries[kind]
		lines = append(lines, fmt.Sprintf("%v: %v occurrence(s), first: %v", kind, e.count, e.first))
	}
	return
}

// Log writes the summary lines with the given prefix to the standard
// logger.
func (t *Tally) Log(prefix string) {
	for _, line := range t.Summary() {
		log.Println(prefix, line)
	}
}
