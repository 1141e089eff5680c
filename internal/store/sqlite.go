package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. Use
// ":memory:" for a ledger that lives only as long as the process.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// sortableTime keeps a fixed fraction width so created_at sorts as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// --- Attempts ---

// RecordAttempt inserts a. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == "" {
		a.ID = "att_" + uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.logger.Debug("sql", "op", "insert", "table", "attempts", "id", a.ID, "slot", a.SlotID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, cycle, slot_id, slot_start, outcome, message, dry_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Cycle, a.SlotID, a.SlotStart.Format(time.RFC3339), string(a.Outcome), a.Message,
		boolToInt(a.DryRun), a.CreatedAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns attempts newest first, with the total count.
func (s *SQLiteStore) ListAttempts(ctx context.Context, opts ListOptions) ([]*Attempt, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "list", "table", "attempts", "limit", opts.Limit, "offset", opts.Offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cycle, slot_id, slot_start, outcome, message, dry_run, created_at
		 FROM attempts ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		var outcome, slotStart, createdAt string
		var dryRun int
		if err := rows.Scan(&a.ID, &a.Cycle, &a.SlotID, &slotStart, &outcome, &a.Message, &dryRun, &createdAt); err != nil {
			return nil, 0, err
		}
		a.Outcome = Outcome(outcome)
		a.DryRun = dryRun != 0
		a.SlotStart, _ = time.Parse(time.RFC3339, slotStart)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

// HasBooked reports whether slotID has a successful, non-dry-run attempt.
func (s *SQLiteStore) HasBooked(ctx context.Context, slotID string) (bool, error) {
	s.logger.Debug("sql", "op", "select", "table", "attempts", "slot", slotID)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE slot_id = ? AND outcome = ? AND dry_run = 0`,
		slotID, string(OutcomeBooked),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Transitions ---

// RecordTransition inserts tr. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordTransition(ctx context.Context, tr *Transition) error {
	if tr.ID == "" {
		tr.ID = "tr_" + uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	s.logger.Debug("sql", "op", "insert", "table", "transitions", "from", tr.From, "to", tr.To)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, from_state, to_state, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		tr.ID, tr.From, tr.To, tr.Reason, tr.CreatedAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns transitions newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, opts ListOptions) ([]*Transition, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "list", "table", "transitions", "limit", opts.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_state, to_state, reason, created_at
		 FROM transitions ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var tr Transition
		var createdAt string
		if err := rows.Scan(&tr.ID, &tr.From, &tr.To, &tr.Reason, &createdAt); err != nil {
			return nil, err
		}
		tr.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
