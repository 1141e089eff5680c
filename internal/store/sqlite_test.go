package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRecordAndListAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	start := time.Date(2026, 5, 19, 10, 0, 0, 0, time.FixedZone("SGT", 8*3600))

	for i, outcome := range []Outcome{OutcomeRejected, OutcomeMalformed, OutcomeBooked} {
		a := &Attempt{
			Cycle:     int64(i + 1),
			SlotID:    fmt.Sprintf("%d", 100+i),
			SlotStart: start,
			Outcome:   outcome,
			Message:   "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if !strings.HasPrefix(a.ID, "att_") {
			t.Errorf("ID = %q, want att_ prefix", a.ID)
		}
	}

	got, total, err := st.ListAttempts(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if total != 3 || len(got) != 3 {
		t.Fatalf("total = %d, len = %d, want 3", total, len(got))
	}
	if got[0].Outcome != OutcomeBooked || got[2].Outcome != OutcomeRejected {
		t.Errorf("order = %s, %s, %s; want newest first", got[0].Outcome, got[1].Outcome, got[2].Outcome)
	}
	if !got[0].SlotStart.Equal(start) || got[0].Cycle != 3 || got[0].Message != "msg" {
		t.Errorf("attempt = %+v", got[0])
	}

	page, total, err := st.ListAttempts(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page) != 1 || page[0].Outcome != OutcomeMalformed {
		t.Errorf("page = %v (total %d)", page, total)
	}
}

func TestHasBooked(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	record := func(slot string, outcome Outcome, dry bool) {
		t.Helper()
		if err := st.RecordAttempt(ctx, &Attempt{SlotID: slot, Outcome: outcome, DryRun: dry, SlotStart: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	record("1", OutcomeRejected, false)
	record("2", OutcomeBooked, false)
	record("3", OutcomeBooked, true)

	tests := []struct {
		slot string
		want bool
	}{
		{"1", false},
		{"2", true},
		{"3", false},
		{"4", false},
	}
	for _, tt := range tests {
		got, err := st.HasBooked(ctx, tt.slot)
		if err != nil {
			t.Fatalf("HasBooked(%s): %v", tt.slot, err)
		}
		if got != tt.want {
			t.Errorf("HasBooked(%s) = %v, want %v", tt.slot, got, tt.want)
		}
	}
}

func TestTransitions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	steps := [][2]string{{"LOGGED_OUT", "NEEDS_REPORT"}, {"NEEDS_REPORT", "REPORTED"}, {"REPORTED", "LOGGED_OUT"}}
	for i, s := range steps {
		tr := &Transition{From: s[0], To: s[1], Reason: "r", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := st.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
	}

	got, err := st.ListTransitions(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].From != "REPORTED" || got[0].To != "LOGGED_OUT" || got[1].To != "REPORTED" {
		t.Errorf("transitions = %+v, %+v", got[0], got[1])
	}
}

func TestFileStore_AddsMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := NewSQLiteStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	// A ledger written before dry_run existed.
	if _, err := st.db.ExecContext(ctx, `CREATE TABLE attempts (
		id TEXT PRIMARY KEY, cycle INTEGER NOT NULL, slot_id TEXT NOT NULL, slot_start TEXT NOT NULL,
		outcome TEXT NOT NULL, message TEXT NOT NULL DEFAULT '', created_at TEXT NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := st.RecordAttempt(ctx, &Attempt{SlotID: "9", Outcome: OutcomeBooked, DryRun: true, SlotStart: time.Now()}); err != nil {
		t.Fatalf("RecordAttempt after alter: %v", err)
	}
	if ok, _ := st.HasBooked(ctx, "9"); ok {
		t.Error("dry-run attempt counted as booked")
	}
}
