// SPDX-License-Identifier: MIT

// Package store is the single owner of durable state: user state, task
// history, the decomposition cache rows, and session blobs. All mutation
// of shared records goes through it; sessions additionally go through the
// optimistic-concurrency update path.
//
// Column names are part of the external contract (the dashboard reads
// them verbatim):
//
//	user_state(user_id, energy_level, medication_time, current_task, updated_at_ms)
//	task_history(id, task_type, estimated_minutes, actual_minutes, energy_level, in_peak_window, created_at_ms)
//	task_cache(fingerprint, normalized_key, payload_json, created_at_ms)
//	cache_keywords(keyword, fingerprint)
//	sessions(session_id, user_id, state_json, version, created_at_ms, updated_at_ms)
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/VJDiPaola/ADHD-OS/internal/log"
	"github.com/VJDiPaola/ADHD-OS/internal/metrics"
	"github.com/VJDiPaola/ADHD-OS/internal/persistence/sqlite"
	"github.com/VJDiPaola/ADHD-OS/internal/state"
)

const schemaVersion = 1

// Store implements the durable state layer over SQLite.
type Store struct {
	db         *sql.DB
	logger     zerolog.Logger
	maxRetries int
}

// Option tunes Store construction.
type Option func(*Store)

// WithMaxRetries bounds the optimistic-concurrency retry loop.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// Open opens (and migrates) the store at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		logger:     log.WithComponent("store"),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS user_state (
		user_id TEXT PRIMARY KEY,
		energy_level INTEGER NOT NULL,
		medication_time TEXT,
		current_task TEXT,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		estimated_minutes INTEGER NOT NULL,
		actual_minutes INTEGER NOT NULL,
		energy_level INTEGER NOT NULL,
		in_peak_window INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_type ON task_history(task_type, created_at_ms);

	CREATE TABLE IF NOT EXISTS task_cache (
		fingerprint TEXT PRIMARY KEY,
		normalized_key TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_keywords (
		keyword TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (keyword, fingerprint),
		FOREIGN KEY (fingerprint) REFERENCES task_cache(fingerprint) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cache_keywords_kw ON cache_keywords(keyword);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		state_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Sessions ---

// EnsureSession creates the session row on first interaction; an existing
// row is left untouched.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, state_json, version, created_at_ms, updated_at_ms)
		VALUES (?, ?, '{}', 1, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, userID, now, now)
	return s.wrapTransient(err)
}

// GetSession reads one session record. A blob that fails to parse
// surfaces ErrCorruptState; the caller decides whether to quarantine.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, state_json, version, created_at_ms, updated_at_ms
		FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// UpdateSession applies mutator under optimistic concurrency: the write
// only lands if the version is unchanged since the read. On conflict the
// mutator re-runs against the fresh record, up to the retry bound, after
// which ErrConflict is returned. This replaces a bare read-modify-write,
// which loses updates when two calls interleave.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, mutator func(*SessionRecord) error) (*SessionRecord, error) {
	attempt := func() (*SessionRecord, error) {
		rec, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		if err := mutator(rec); err != nil {
			return nil, backoff.Permanent(err)
		}

		blob, err := json.Marshal(rec.State)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("store: marshal session state: %w", err))
		}

		now := time.Now()
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET state_json = ?, version = version + 1, updated_at_ms = ?
			WHERE session_id = ? AND version = ?`,
			blob, now.UnixMilli(), sessionID, rec.Version)
		if err != nil {
			if isTransient(err) {
				return nil, err // retried with backoff
			}
			return nil, backoff.Permanent(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if n == 0 {
			metrics.StoreConflictsTotal.Inc()
			return nil, ErrConflict // retried with backoff
		}

		rec.Version++
		rec.UpdatedAt = now
		return rec, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond

	rec, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.maxRetries)),
	)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn().
				Str(log.FieldSessionID, sessionID).
				Int("attempts", s.maxRetries).
				Msg("session update exhausted optimistic retries")
		}
		return nil, err
	}
	return rec, nil
}

// DeleteSession removes a session row. Retention is an external policy;
// nothing in the core calls this automatically.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	return s.wrapTransient(err)
}

// ListSessions returns summaries for all sessions of a user, newest first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, state_json, version, created_at_ms, updated_at_ms
		FROM sessions WHERE user_id = ? ORDER BY updated_at_ms DESC`, userID)
	if err != nil {
		return nil, s.wrapTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- User state ---

// SaveUserState upserts the single user-state row. Every column is
// written unconditionally, current_task included: persisting NULL is what
// clears a finished task, so skipping "empty" fields is not an option
// here.
func (s *Store) SaveUserState(ctx context.Context, snap state.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_state (user_id, energy_level, medication_time, current_task, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			energy_level = excluded.energy_level,
			medication_time = excluded.medication_time,
			current_task = excluded.current_task,
			updated_at_ms = excluded.updated_at_ms`,
		snap.UserID, snap.Energy, timePtrToNull(snap.MedicationTime), strPtrToNull(snap.CurrentTask),
		time.Now().UnixMilli())
	return s.wrapTransient(err)
}

// GetUserState reads the user-state row back into a snapshot.
func (s *Store) GetUserState(ctx context.Context, userID string) (state.Snapshot, error) {
	var (
		snap    state.Snapshot
		med     sql.NullString
		task    sql.NullString
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, energy_level, medication_time, current_task, updated_at_ms
		FROM user_state WHERE user_id = ?`, userID).
		Scan(&snap.UserID, &snap.Energy, &med, &task, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Snapshot{}, ErrNotFound
		}
		return state.Snapshot{}, s.wrapTransient(err)
	}

	if med.Valid {
		t, err := time.Parse(time.RFC3339, med.String)
		if err != nil {
			return state.Snapshot{}, fmt.Errorf("store: parse medication_time for %s: %w", userID, err)
		}
		snap.MedicationTime = &t
	}
	if task.Valid {
		v := task.String
		snap.CurrentTask = &v
	}
	snap.UpdatedAt = time.UnixMilli(updated)
	return snap, nil
}

// --- Task history ---

// AppendTaskHistory inserts one completed-task row. Plain insert: the
// collection is append-only and has no cross-field invariant to protect.
func (s *Store) AppendTaskHistory(ctx context.Context, rec TaskRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_type, estimated_minutes, actual_minutes, energy_level, in_peak_window, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TaskType, rec.EstimatedMinutes, rec.ActualMinutes, rec.EnergyLevel, rec.InPeakWindow, created.UnixMilli())
	return s.wrapTransient(err)
}

// TaskHistory returns the most recent rows, optionally filtered by task type.
func (s *Store) TaskHistory(ctx context.Context, taskType string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT task_type, estimated_minutes, actual_minutes, energy_level, in_peak_window, created_at_ms
		FROM task_history`
	args := []any{}
	if taskType != "" {
		query += " WHERE task_type = ?"
		args = append(args, taskType)
	}
	query += " ORDER BY created_at_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec     TaskRecord
			created int64
		)
		if err := rows.Scan(&rec.TaskType, &rec.EstimatedMinutes, &rec.ActualMinutes,
			&rec.EnergyLevel, &rec.InPeakWindow, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TaskTypeMultiplier computes the learned actual/estimated ratio for a
// task type over its most recent entries. The boolean reports whether
// enough history exists (at least three usable rows).
func (s *Store) TaskTypeMultiplier(ctx context.Context, taskType string) (float64, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT estimated_minutes, actual_minutes FROM task_history
		WHERE task_type = ? AND estimated_minutes > 0
		ORDER BY created_at_ms DESC LIMIT 20`, taskType)
	if err != nil {
		return 0, false, s.wrapTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var ratios []float64
	for rows.Next() {
		var est, actual int
		if err := rows.Scan(&est, &actual); err != nil {
			return 0, false, err
		}
		ratios = append(ratios, float64(actual)/float64(est))
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if len(ratios) < 3 {
		return 0, false, nil
	}

	var sum float64
	for _, r := range ratios {
		sum += r
	}
	return sum / float64(len(ratios)), true, nil
}

// TaskTypes lists the distinct task types present in history,
// alphabetically.
func (s *Store) TaskTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT task_type FROM task_history ORDER BY task_type`)
	if err != nil {
		return nil, s.wrapTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Task cache rows ---

// PutCacheEntry inserts or overwrites the entry for a fingerprint and
// reindexes its keywords.
func (s *Store) PutCacheEntry(ctx context.Context, entry CacheEntry, keywords []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapTransient(err)
	}
	defer func() { _ = tx.Rollback() }()

	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_cache (fingerprint, normalized_key, payload_json, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			normalized_key = excluded.normalized_key,
			payload_json = excluded.payload_json,
			created_at_ms = excluded.created_at_ms`,
		entry.Fingerprint, entry.NormalizedKey, []byte(entry.Payload), created.UnixMilli()); err != nil {
		return s.wrapTransient(err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_keywords WHERE fingerprint = ?", entry.Fingerprint); err != nil {
		return s.wrapTransient(err)
	}
	for _, kw := range keywords {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO cache_keywords (keyword, fingerprint) VALUES (?, ?)", kw, entry.Fingerprint); err != nil {
			return s.wrapTransient(err)
		}
	}
	return tx.Commit()
}

// GetCacheEntry fetches the entry for an exact fingerprint.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	var (
		entry   CacheEntry
		payload []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, normalized_key, payload_json, created_at_ms
		FROM task_cache WHERE fingerprint = ?`, fingerprint).
		Scan(&entry.Fingerprint, &entry.NormalizedKey, &payload, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.wrapTransient(err)
	}
	entry.Payload = payload
	entry.CreatedAt = time.UnixMilli(created)
	return &entry, nil
}

// CacheCandidate is a fingerprint plus how many of the query keywords it
// indexes.
type CacheCandidate struct {
	Fingerprint string
	Overlap     int
}

// FindCacheCandidates runs the bounded keyword-overlap scan: an IN query
// against the keyword index grouped by fingerprint, never a full-table
// scan of the cache itself.
func (s *Store) FindCacheCandidates(ctx context.Context, keywords []string, limit int) ([]CacheCandidate, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 25
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keywords)), ",")
	args := make([]any, 0, len(keywords)+1)
	for _, kw := range keywords {
		args = append(args, kw)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT fingerprint, COUNT(*) AS overlap FROM cache_keywords
		WHERE keyword IN (%s)
		GROUP BY fingerprint
		ORDER BY overlap DESC
		LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, s.wrapTransient(err)
	}
	defer func() { _ = rows.Close() }()

	var out []CacheCandidate
	for rows.Next() {
		var c CacheCandidate
		if err := rows.Scan(&c.Fingerprint, &c.Overlap); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Helpers ---

func scanSession(scanner interface{ Scan(dest ...any) error }) (*SessionRecord, error) {
	var (
		rec     SessionRecord
		blob    []byte
		created int64
		updated int64
	)
	err := scanner.Scan(&rec.SessionID, &rec.UserID, &blob, &rec.Version, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(blob, &rec.State); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptState, rec.SessionID, err)
	}
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}

// isTransient reports whether the driver error is a busy/locked condition
// worth retrying inside the store.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "table is locked")
}

func (s *Store) wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("store: transient: %w", err)
	}
	return err
}

func timePtrToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func strPtrToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
