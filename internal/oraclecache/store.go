// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oraclecache persists oracle results in SQLite so repeated runs
// over the same input skip re-executing identical snippets.
package oraclecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dotandev/deobf/internal/logger"
	"github.com/dotandev/deobf/internal/oracle"
	"github.com/gofrs/uuid"
	_ "modernc.org/sqlite"
)

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1

	// DefaultTTL is how long an unused result is kept.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultMaxEntries bounds the number of stored results.
	DefaultMaxEntries = 100000
)

// Store is an oracle.Store backed by a SQLite file. Every row records the
// run that produced it.
type Store struct {
	db    *sql.DB
	runID string
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	run, err := uuid.NewV4()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	store := &Store{db: db, runID: run.String()}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Logger.Warn("Failed to set cache permissions", "error", err)
	}

	logger.Logger.Debug("Oracle cache opened", "path", path, "run_id", store.runID)
	return store, nil
}

// RunID identifies this process's writes.
func (s *Store) RunID() string {
	return s.runID
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_access_at INTEGER NOT NULL,
		schema_version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_last_access ON results(last_access_at);
	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Get returns the stored value for key.
func (s *Store) Get(ctx context.Context, key string) (oracle.Value, bool, error) {
	var raw string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json, schema_version FROM results WHERE key = ?`, key,
	).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return oracle.Value{}, false, nil
	}
	if err != nil {
		return oracle.Value{}, false, fmt.Errorf("failed to load result: %w", err)
	}
	if version != SchemaVersion {
		return oracle.Value{}, false, nil
	}

	var v oracle.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return oracle.Value{}, false, fmt.Errorf("failed to decode result: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE results SET last_access_at = ? WHERE key = ?`, time.Now().Unix(), key,
	); err != nil {
		logger.Logger.Warn("Failed to update last_access_at", "error", err)
	}
	return v, true, nil
}

// Put stores v under key, replacing any earlier value.
func (s *Store) Put(ctx context.Context, key string, v oracle.Value) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	now := time.Now().Unix()

	query := `
	INSERT INTO results (key, value_json, run_id, created_at, last_access_at, schema_version)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value_json = excluded.value_json,
		run_id = excluded.run_id,
		last_access_at = excluded.last_access_at,
		schema_version = excluded.schema_version
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(raw), s.runID, now, now, SchemaVersion); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// Stats reports the number of stored results and how many this run wrote.
func (s *Store) Stats(ctx context.Context) (total, thisRun int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(run_id = ?), 0) FROM results`, s.runID,
	).Scan(&total, &thisRun)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count results: %w", err)
	}
	return total, thisRun, nil
}

// Cleanup removes results unused for ttl and then the least recently used
// ones beyond maxEntries.
func (s *Store) Cleanup(ctx context.Context, ttl time.Duration, maxEntries int) error {
	cutoff := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE last_access_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete expired results: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		logger.Logger.Debug("Cleaned up expired oracle results", "count", n)
	}

	if maxEntries <= 0 {
		return nil
	}
	result, err = s.db.ExecContext(ctx, `
		DELETE FROM results
		WHERE key IN (
			SELECT key FROM results
			ORDER BY last_access_at DESC, created_at DESC
			LIMIT -1 OFFSET ?
		)`, maxEntries)
	if err != nil {
		return fmt.Errorf("failed to delete oldest results: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		logger.Logger.Debug("Cleaned up excess oracle results", "count", n)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
