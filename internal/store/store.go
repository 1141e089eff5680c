// Package store keeps an in-process ledger of booking attempts and
// orchestrator state transitions. It backs the double-booking guard and the
// status endpoint; with the default ":memory:" path nothing outlives the
// process.
package store

import (
	"context"
	"time"
)

// Outcome classifies one booking attempt.
type Outcome string

const (
	OutcomeBooked    Outcome = "BOOKED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeMalformed Outcome = "MALFORMED"
	OutcomeError     Outcome = "ERROR"
	OutcomeSkipped   Outcome = "SKIPPED"
)

// Attempt is one booking attempt for one slot.
type Attempt struct {
	ID        string    `json:"id"`
	Cycle     int64     `json:"cycle"`
	SlotID    string    `json:"slot_id"`
	SlotStart time.Time `json:"slot_start"`
	Outcome   Outcome   `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	DryRun    bool      `json:"dry_run,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transition is one orchestrator state change.
type Transition struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Clamp enforces limits (max 500, default 50).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Ledger records what the orchestrator did.
type Ledger interface {
	// Attempts
	RecordAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, opts ListOptions) ([]*Attempt, int, error)
	HasBooked(ctx context.Context, slotID string) (bool, error)

	// Transitions
	RecordTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, opts ListOptions) ([]*Transition, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
