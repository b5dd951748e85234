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


// Package results keeps a ledger of screening results in SQLite.
// Results are inserted once and never updated.
package results

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/exascience/micrite/screen"
)

// schemaVersion is the latest schema version; it is kept in the
// user_version pragma of the database.
const schemaVersion = 1

var migrations = [schemaVersion][]string{
	{
		`CREATE TABLE IF NOT EXISTS screen_results (
			run_id TEXT NOT NULL,
			sample TEXT NOT NULL,
			taxid INTEGER NOT NULL,
			name TEXT NOT NULL,
			policy TEXT NOT NULL,
			metric REAL NOT NULL,
			count INTEGER NOT NULL,
			total INTEGER NOT NULL,
			threshold REAL NOT NULL,
			decision INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, sample, taxid, policy)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_screen_results_sample ON screen_results(sample, taxid)`,
	},
}

// A Store is a results ledger.
type Store struct {
	db *sql.DB
}

// Open opens, and if necessary creates and migrates, the ledger at
// path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %v", path)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "opening %v", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "migrating %v", path)
	}
	return store, nil
}

func (store *Store) migrate(ctx context.Context) error {
	var version int
	if err := store.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return errors.Errorf("ledger schema version %v is newer than supported version %v", version, schemaVersion)
	}
	for ; version < schemaVersion; version++ {
		tx, err := store.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, query := range migrations[version] {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.ExecContext(ctx, "PRAGMA user_version = "+strconv.Itoa(version+1)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the ledger.
func (store *Store) Close() error {
	return store.db.Close()
}

// Record inserts the results in one transaction. Recording a result
// for a (run, sample, taxid, policy) combination that is already
// present fails, and then none of the results are recorded.
func (store *Store) Record(ctx context.Context, results []screen.Result) error {
	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting ledger transaction")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO screen_results
		(run_id, sample, taxid, name, policy, metric, count, total, threshold, decision, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "preparing ledger insert")
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, r.RunID, r.Sample, r.Taxid, r.Name, r.Policy.String(),
			r.Metric, r.Count, r.Total, r.Threshold, r.Decision, now); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "recording result for taxid %v, policy %v, run %v", r.Taxid, r.Policy, r.RunID)
		}
	}
	return errors.Wrap(tx.Commit(), "committing ledger transaction")
}

// Results returns the results recorded for a run, ordered by sample,
// taxid, and policy.
func (store *Store) Results(ctx context.Context, runID string) ([]screen.Result, error) {
	rows, err := store.db.QueryContext(ctx, `SELECT run_id, sample, taxid, name, policy, metric, count, total, threshold, decision
		FROM screen_results WHERE run_id = ? ORDER BY sample, taxid, policy`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "querying ledger")
	}
	defer rows.Close()
	var results []screen.Result
	for rows.Next() {
		var (
			r      screen.Result
			policy string
		)
		if err := rows.Scan(&r.RunID, &r.Sample, &r.Taxid, &r.Name, &policy, &r.Metric, &r.Count, &r.Total, &r.Threshold, &r.Decision); err != nil {
			return nil, errors.Wrap(err, "reading ledger")
		}
		if r.Policy, err = screen.ParsePolicy(policy); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, errors.Wrap(rows.Err(), "reading ledger")
}
