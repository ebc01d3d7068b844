// Package store persists expectations, observations, alert trials, and
// violations in SQLite. Observations are append-only with store-stamped
// timestamps; violations form an idempotent ledger with at most one open
// row per (expectation, code).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/rewire/internal/clock"
)

// MaxMetaBytes caps the opaque meta payload on one observation.
const MaxMetaBytes = 4096

// Store is the SQLite-backed persistence layer. Every operation commits
// before returning.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// NewStore opens (or creates) the rewire database.
func NewStore(dbPath string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rewire db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS expectations (
		id                  TEXT PRIMARY KEY,
		type                TEXT NOT NULL CHECK(type IN ('schedule', 'alert_path')),
		name                TEXT NOT NULL,
		owner_contact       TEXT NOT NULL,
		expected_interval_s INTEGER NOT NULL CHECK(expected_interval_s >= 60),
		tolerance_s         INTEGER NOT NULL DEFAULT 0 CHECK(tolerance_s >= 0),
		params_json         TEXT NOT NULL,
		enabled             INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create expectations: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS observations (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		expectation_id TEXT NOT NULL,
		kind           TEXT NOT NULL CHECK(kind IN ('start', 'end', 'ping', 'ack')),
		observed_at    INTEGER NOT NULL,
		meta           TEXT,
		FOREIGN KEY(expectation_id) REFERENCES expectations(id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create observations: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alert_trials (
		id             TEXT PRIMARY KEY,
		expectation_id TEXT NOT NULL,
		sent_at        INTEGER NOT NULL,
		acked_at       INTEGER,
		status         TEXT NOT NULL CHECK(status IN ('pending', 'acked', 'expired')),
		meta           TEXT,
		FOREIGN KEY(expectation_id) REFERENCES expectations(id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alert_trials: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS violations (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		expectation_id   TEXT NOT NULL,
		code             TEXT NOT NULL,
		detected_at      INTEGER NOT NULL,
		message          TEXT NOT NULL,
		evidence_json    TEXT NOT NULL,
		is_open          INTEGER NOT NULL DEFAULT 1 CHECK(is_open IN (0, 1)),
		last_notified_at INTEGER,
		FOREIGN KEY(expectation_id) REFERENCES expectations(id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create violations: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_exp_time ON observations(expectation_id, observed_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_viol_exp_code_open ON violations(expectation_id, code, is_open)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_trials_exp_status ON alert_trials(expectation_id, status)`)

	return &Store{db: db, clk: clk}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock returns the clock used to stamp rows.
func (s *Store) Clock() clock.Clock {
	return s.clk
}

// === Expectations ===

// CreateExpectation inserts a new expectation, stamping created_at and
// updated_at.
func (s *Store) CreateExpectation(e Expectation) (*Expectation, error) {
	if !ValidType(e.Type) {
		return nil, fmt.Errorf("unknown expectation type %q", e.Type)
	}
	if e.ID == "" {
		return nil, errors.New("expectation id required")
	}

	now := s.clk.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	enabled := 0
	if e.Enabled {
		enabled = 1
	}

	_, err := s.db.Exec(`INSERT INTO expectations
		(id, type, name, owner_contact, expected_interval_s, tolerance_s, params_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Name, e.OwnerContact,
		e.ExpectedIntervalS, e.ToleranceS, e.ParamsJSON,
		enabled, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert expectation: %w", err)
	}

	copyExp := e
	return &copyExp, nil
}

// GetExpectation returns one expectation by id.
func (s *Store) GetExpectation(id string) (*Expectation, error) {
	row := s.db.QueryRow(`SELECT id, type, name, owner_contact, expected_interval_s, tolerance_s, params_json, enabled, created_at, updated_at
		FROM expectations WHERE id = ?`, id)
	return scanExpectation(row)
}

// ListEnabled returns all enabled expectations in creation order.
func (s *Store) ListEnabled() ([]Expectation, error) {
	rows, err := s.db.Query(`SELECT id, type, name, owner_contact, expected_interval_s, tolerance_s, params_json, enabled, created_at, updated_at
		FROM expectations
		WHERE enabled = 1
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Expectation, 0)
	for rows.Next() {
		e, err := scanExpectation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SetEnabled flips the enable flag. Returns true if a row was updated.
func (s *Store) SetEnabled(id string, enabled bool) (bool, error) {
	v := 0
	if enabled {
		v = 1
	}
	result, err := s.db.Exec(`UPDATE expectations SET enabled = ?, updated_at = ? WHERE id = ?`,
		v, s.clk.Now(), id)
	if err != nil {
		return false, fmt.Errorf("set enabled: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// === Observations ===

// AppendObservation records one observation, stamping observed_at from the
// store clock. Observations are never updated or deleted. Returns the
// assigned sequence number.
func (s *Store) AppendObservation(expectationID string, kind ObservationKind, meta string) (int64, error) {
	if !ValidKind(kind) {
		return 0, fmt.Errorf("unknown observation kind %q", kind)
	}
	if len(meta) > MaxMetaBytes {
		return 0, fmt.Errorf("meta exceeds %d bytes", MaxMetaBytes)
	}

	result, err := s.db.Exec(`INSERT INTO observations (expectation_id, kind, observed_at, meta)
		VALUES (?, ?, ?, ?)`,
		expectationID, string(kind), s.clk.Now(), meta)
	if err != nil {
		return 0, fmt.Errorf("append observation: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("observation seq: %w", err)
	}
	return seq, nil
}

// RecentObservations returns up to limit observations for one expectation,
// newest first.
func (s *Store) RecentObservations(expectationID string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT seq, expectation_id, kind, observed_at, meta
		FROM observations
		WHERE expectation_id = ?
		ORDER BY observed_at DESC, seq DESC
		LIMIT ?`, expectationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Observation, 0, limit)
	for rows.Next() {
		var (
			o    Observation
			kind string
			meta sql.NullString
		)
		if err := rows.Scan(&o.Seq, &o.ExpectationID, &kind, &o.ObservedAt, &meta); err != nil {
			return nil, err
		}
		o.Kind = ObservationKind(kind)
		o.Meta = meta.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastObservationAt returns the timestamp of the newest observation,
// optionally filtered by kind (empty = any kind). Returns nil when no
// matching observation exists.
func (s *Store) LastObservationAt(expectationID string, kind ObservationKind) (*int64, error) {
	var row *sql.Row
	if kind != "" {
		row = s.db.QueryRow(`SELECT observed_at FROM observations
			WHERE expectation_id = ? AND kind = ?
			ORDER BY observed_at DESC, seq DESC LIMIT 1`, expectationID, string(kind))
	} else {
		row = s.db.QueryRow(`SELECT observed_at FROM observations
			WHERE expectation_id = ?
			ORDER BY observed_at DESC, seq DESC LIMIT 1`, expectationID)
	}

	var t int64
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// === Alert trials ===

// CreateTrial inserts a new pending trial, stamping sent_at.
func (s *Store) CreateTrial(id, expectationID, meta string) error {
	_, err := s.db.Exec(`INSERT INTO alert_trials (id, expectation_id, sent_at, acked_at, status, meta)
		VALUES (?, ?, ?, NULL, 'pending', ?)`,
		id, expectationID, s.clk.Now(), meta)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

// AckTrial transitions a pending trial to acked. The compare-and-set is a
// single UPDATE, so concurrent acks succeed at most once. Returns true iff
// the prior status was pending.
func (s *Store) AckTrial(id string) (bool, error) {
	result, err := s.db.Exec(`UPDATE alert_trials SET status = 'acked', acked_at = ?
		WHERE id = ? AND status = 'pending'`,
		s.clk.Now(), id)
	if err != nil {
		return false, fmt.Errorf("ack trial: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ExpireTrial transitions a pending trial to expired. Acked or already
// expired trials are left untouched.
func (s *Store) ExpireTrial(id string) error {
	_, err := s.db.Exec(`UPDATE alert_trials SET status = 'expired'
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("expire trial: %w", err)
	}
	return nil
}

// GetTrial returns one trial by id.
func (s *Store) GetTrial(id string) (*AlertTrial, error) {
	row := s.db.QueryRow(`SELECT id, expectation_id, sent_at, acked_at, status, meta
		FROM alert_trials WHERE id = ?`, id)
	return scanTrial(row)
}

// PendingTrials returns all pending trials for one expectation, oldest first.
func (s *Store) PendingTrials(expectationID string) ([]AlertTrial, error) {
	rows, err := s.db.Query(`SELECT id, expectation_id, sent_at, acked_at, status, meta
		FROM alert_trials
		WHERE expectation_id = ? AND status = 'pending'
		ORDER BY sent_at, id`, expectationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AlertTrial, 0)
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LastSettledTrial returns the newest trial whose status is acked or
// expired, or nil when no trial has settled yet.
func (s *Store) LastSettledTrial(expectationID string) (*AlertTrial, error) {
	row := s.db.QueryRow(`SELECT id, expectation_id, sent_at, acked_at, status, meta
		FROM alert_trials
		WHERE expectation_id = ? AND status IN ('acked', 'expired')
		ORDER BY sent_at DESC, id DESC LIMIT 1`, expectationID)

	t, err := scanTrial(row)
	if IsNotFound(err) {
		return nil, nil
	}
	return t, err
}

// === Violations ===

// OpenViolation returns the open violation for (expectation, code), or nil
// when the code is not currently open.
func (s *Store) OpenViolation(expectationID, code string) (*Violation, error) {
	row := s.db.QueryRow(`SELECT id, expectation_id, code, detected_at, message, evidence_json, is_open, last_notified_at
		FROM violations
		WHERE expectation_id = ? AND code = ? AND is_open = 1
		ORDER BY detected_at DESC, id DESC LIMIT 1`, expectationID, code)

	v, err := scanViolation(row)
	if IsNotFound(err) {
		return nil, nil
	}
	return v, err
}

// CreateViolation inserts a new open violation with its evidence, stamping
// detected_at. Returns the assigned id.
func (s *Store) CreateViolation(expectationID, code, message, evidenceJSON string) (int64, error) {
	if strings.TrimSpace(evidenceJSON) == "" {
		return 0, errors.New("violation evidence required")
	}

	result, err := s.db.Exec(`INSERT INTO violations
		(expectation_id, code, detected_at, message, evidence_json, is_open, last_notified_at)
		VALUES (?, ?, ?, ?, ?, 1, NULL)`,
		expectationID, code, s.clk.Now(), message, evidenceJSON)
	if err != nil {
		return 0, fmt.Errorf("insert violation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("violation id: %w", err)
	}
	return id, nil
}

// CloseViolations closes every open violation matching any of the codes.
// Closing a code with no open row is a no-op. Returns the count closed.
func (s *Store) CloseViolations(expectationID string, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(codes))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(codes)+1)
	args = append(args, expectationID)
	for _, c := range codes {
		args = append(args, c)
	}

	result, err := s.db.Exec(`UPDATE violations SET is_open = 0
		WHERE expectation_id = ? AND is_open = 1 AND code IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("close violations: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// MarkNotified stamps last_notified_at on one violation.
func (s *Store) MarkNotified(violationID int64) error {
	_, err := s.db.Exec(`UPDATE violations SET last_notified_at = ? WHERE id = ?`,
		s.clk.Now(), violationID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// OpenViolationCount counts open violations, optionally filtered by
// expectation (empty = all).
func (s *Store) OpenViolationCount(expectationID string) (int, error) {
	var (
		row *sql.Row
		n   int
	)
	if expectationID != "" {
		row = s.db.QueryRow(`SELECT COUNT(*) FROM violations WHERE expectation_id = ? AND is_open = 1`, expectationID)
	} else {
		row = s.db.QueryRow(`SELECT COUNT(*) FROM violations WHERE is_open = 1`)
	}
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AllTrials returns every trial for one expectation, oldest first. Used by
// the invariant verifier.
func (s *Store) AllTrials(expectationID string) ([]AlertTrial, error) {
	rows, err := s.db.Query(`SELECT id, expectation_id, sent_at, acked_at, status, meta
		FROM alert_trials
		WHERE expectation_id = ?
		ORDER BY sent_at, id`, expectationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AlertTrial, 0)
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExpectation(s scanner) (*Expectation, error) {
	var (
		e       Expectation
		typ     string
		enabled int
	)
	if err := s.Scan(
		&e.ID,
		&typ,
		&e.Name,
		&e.OwnerContact,
		&e.ExpectedIntervalS,
		&e.ToleranceS,
		&e.ParamsJSON,
		&enabled,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Type = ExpectationType(typ)
	e.Enabled = enabled == 1
	return &e, nil
}

func scanTrial(s scanner) (*AlertTrial, error) {
	var (
		t       AlertTrial
		status  string
		ackedAt sql.NullInt64
		meta    sql.NullString
	)
	if err := s.Scan(&t.ID, &t.ExpectationID, &t.SentAt, &ackedAt, &status, &meta); err != nil {
		return nil, err
	}
	t.Status = TrialStatus(status)
	t.Meta = meta.String
	if ackedAt.Valid {
		v := ackedAt.Int64
		t.AckedAt = &v
	}
	return &t, nil
}

func scanViolation(s scanner) (*Violation, error) {
	var (
		v        Violation
		isOpen   int
		notified sql.NullInt64
	)
	if err := s.Scan(
		&v.ID,
		&v.ExpectationID,
		&v.Code,
		&v.DetectedAt,
		&v.Message,
		&v.EvidenceJSON,
		&isOpen,
		&notified,
	); err != nil {
		return nil, err
	}
	v.IsOpen = isOpen == 1
	if notified.Valid {
		t := notified.Int64
		v.LastNotifiedAt = &t
	}
	return &v, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
