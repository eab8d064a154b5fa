// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/NVIDIA/takt/pkg/rollout"
)

const schema = `
CREATE TABLE IF NOT EXISTS phase_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	rollout_id  TEXT    NOT NULL,
	batch_index INTEGER NOT NULL,
	group_key   TEXT    NOT NULL,
	phase       TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	attempt     INTEGER NOT NULL,
	diagnostic  TEXT    NOT NULL DEFAULT '',
	recorded_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phase_records_rollout ON phase_records(rollout_id, seq);
`

// SQLite is the durable ledger backend. A single process owns the file; the
// append path is additionally serialized with a mutex so records from
// concurrent batches never interleave partially.
type SQLite struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) a ledger database at the
// given path. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Append implements Ledger.
func (s *SQLite) Append(ctx context.Context, rec rollout.PhaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phase_records
		 (rollout_id, batch_index, group_key, phase, outcome, attempt, diagnostic, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RolloutID, rec.BatchIndex, string(rec.Group), string(rec.Phase),
		string(rec.Outcome), rec.Attempt, rec.Diagnostic,
		rec.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append phase record: %w", err)
	}
	return nil
}

// Records implements Ledger.
func (s *SQLite) Records(ctx context.Context, rolloutID string) ([]rollout.PhaseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rollout_id, batch_index, group_key, phase, outcome, attempt, diagnostic, recorded_at
		 FROM phase_records WHERE rollout_id = ? ORDER BY seq`,
		rolloutID,
	)
	if err != nil {
		return nil, fmt.Errorf("query phase records: %w", err)
	}
	defer rows.Close()

	var out []rollout.PhaseRecord
	for rows.Next() {
		var (
			rec        rollout.PhaseRecord
			group      string
			phase      string
			outcome    string
			recordedAt string
		)
		if err := rows.Scan(&rec.RolloutID, &rec.BatchIndex, &group, &phase,
			&outcome, &rec.Attempt, &rec.Diagnostic, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan phase record: %w", err)
		}
		rec.Group = rollout.GroupKey(group)
		rec.Phase = rollout.Phase(phase)
		rec.Outcome = rollout.Outcome(outcome)
		if rec.Time, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse record timestamp %q: %w", recordedAt, err)
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// RolloutIDs implements Ledger.
func (s *SQLite) RolloutIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rollout_id FROM phase_records GROUP BY rollout_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("query rollout ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rollout id: %w", err)
		}
		out = append(out, id)
	}

	return out, rows.Err()
}

// Close implements Ledger.
func (s *SQLite) Close() error {
	return s.db.Close()
}
