// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal provides a SQLite-backed log journal for the daemon.
// Recent entries are served over the control socket so operators can read
// daemon history without access to the daemon's stdout.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one journaled log record.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Attrs     string    `json:"attrs,omitempty"`
}

// Config contains journal storage configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// Retention bounds how long entries are kept. Default: 72 hours.
	Retention time.Duration

	// MaxEntries caps the table size regardless of age. Default: 10000.
	MaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 72 * time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	return c
}

// Journal is a SQLite-backed append-only log store.
type Journal struct {
	db  *sql.DB
	cfg Config
}

// Open opens or creates the journal database at cfg.Path.
func Open(cfg Config) (*Journal, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}

	j := &Journal{db: db, cfg: cfg}

	if err := j.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return j, nil
}

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",  // 5 second timeout for lock contention
		"PRAGMA synchronous=NORMAL", // Balance between performance and durability
		"PRAGMA journal_mode=WAL",   // Concurrent reads while the daemon appends
	}

	for _, pragma := range pragmas {
		if _, err := j.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (j *Journal) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			component TEXT,
			message TEXT NOT NULL,
			attrs TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Append writes one entry. A zero timestamp is filled with the current
// time.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO entries (timestamp, level, component, message, attrs)
		 VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), e.Level, e.Component, e.Message, e.Attrs)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

// Tail returns the most recent n entries in chronological order.
func (j *Journal) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, timestamp, level, component, message, attrs
		 FROM entries ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		var component, attrs sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Level, &component, &e.Message, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp %q: %w", ts, err)
		}
		e.Component = component.String
		e.Attrs = attrs.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}

	// Newest-first from the query; flip to chronological for callers.
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

// Prune deletes entries past the retention window and trims the table to
// the configured cap. It returns the number of rows removed.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-j.cfg.Retention).UTC().Format(time.RFC3339Nano)

	res, err := j.db.ExecContext(ctx,
		`DELETE FROM entries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune by age: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = j.db.ExecContext(ctx,
		`DELETE FROM entries WHERE id NOT IN (
			SELECT id FROM entries ORDER BY id DESC LIMIT ?
		)`, j.cfg.MaxEntries)
	if err != nil {
		return removed, fmt.Errorf("failed to prune by count: %w", err)
	}
	n, _ := res.RowsAffected()

	return removed + n, nil
}

// RunPruneLoop prunes on the given interval until ctx is cancelled.
func (j *Journal) RunPruneLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = j.Prune(pruneCtx)
			cancel()
		}
	}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
