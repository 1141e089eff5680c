// Package orchestrator runs the polling-and-booking loop: keep a session,
// report account status, list released slots and book the desirable ones.
//
// Every failure inside a cycle is downgraded to a state transition; nothing
// short of context cancellation stops the loop.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/me/slotwatch/internal/challenge"
	"github.com/me/slotwatch/internal/notify"
	"github.com/me/slotwatch/internal/session"
	"github.com/me/slotwatch/internal/slot"
	"github.com/me/slotwatch/internal/store"
	"github.com/me/slotwatch/pkg/bbdc"
)

// Default bounds of the randomized pause between cycles.
const (
	DefaultMinInterval = 60 * time.Second
	DefaultMaxInterval = 90 * time.Second
)

// Service is the subset of the booking service client used per cycle.
type Service interface {
	Profile(ctx context.Context, auth bbdc.Auth) (*bbdc.Profile, error)
	PracticalBookings(ctx context.Context, auth bbdc.Auth, courseType string) ([]bbdc.Booking, error)
	TheoryBookings(ctx context.Context, auth bbdc.Auth, courseType string) ([]bbdc.Booking, error)
	ReleasedSlots(ctx context.Context, auth bbdc.Auth, query bbdc.SlotQuery) (bbdc.DayListing, error)
	BookingCaptcha(ctx context.Context, auth bbdc.Auth) (*bbdc.Captcha, error)
	BookSlot(ctx context.Context, auth bbdc.Auth, req bbdc.BookRequest) (*bbdc.BookResult, error)
}

// Sessions is the session manager as seen by the orchestrator.
type Sessions interface {
	Current() (session.Session, bool)
	Login(ctx context.Context) (session.Session, error)
	RefreshIfStale(ctx context.Context) (session.Session, bool, error)
	Invalidate()
}

// Config holds orchestrator configuration.
type Config struct {
	CourseType string

	// Location is the wall-clock zone of slot times. Defaults to time.Local.
	Location *time.Location

	Policy slot.Policy

	// MinInterval and MaxInterval bound the pause after each cycle. The pause
	// is drawn uniformly in whole seconds.
	MinInterval time.Duration
	MaxInterval time.Duration

	// DryRun runs the full cycle but never submits a booking.
	DryRun bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CourseType:  bbdc.DefaultCourseType,
		Location:    time.Local,
		Policy:      slot.DefaultPolicy(),
		MinInterval: DefaultMinInterval,
		MaxInterval: DefaultMaxInterval,
	}
}

// Snapshot is a point-in-time view of the loop for status reporting.
type Snapshot struct {
	State           State      `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	Cycles          int64      `json:"cycles"`
	LastCycleAt     *time.Time `json:"last_cycle_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorKind   Kind       `json:"last_error_kind,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	SessionIssuedAt *time.Time `json:"session_issued_at,omitempty"`
	RefreshDue      *time.Time `json:"refresh_due,omitempty"`
	ReleasedSlots   int        `json:"released_slots"`
	Shortlisted     int        `json:"shortlisted"`
	Booked          int        `json:"booked"`
	DryRun          bool       `json:"dry_run"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLedger records attempts and transitions, and enables the
// double-booking guard.
func WithLedger(l store.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the pause between cycles.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithJitter overrides the random source; jitter(n) must return a value in
// [0, n).
func WithJitter(jitter func(n int) int) Option {
	return func(o *Orchestrator) { o.jitter = jitter }
}

// Orchestrator drives sessions, slot listing and booking. Start and Tick
// must be called from one goroutine; Snapshot and State are safe to call
// from others.
type Orchestrator struct {
	service  Service
	sessions Sessions
	solver   session.Solver
	sink     notify.Sink
	ledger   store.Ledger
	config   Config
	logger   *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int) int

	mu    sync.Mutex
	state State
	snap  Snapshot
}

// New creates an Orchestrator in StateLoggedOut.
func New(svc Service, sessions Sessions, solver session.Solver, sink notify.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.CourseType == "" {
		cfg.CourseType = bbdc.DefaultCourseType
	}
	o := &Orchestrator{
		service:  svc,
		sessions: sessions,
		solver:   solver,
		sink:     sink,
		config:   cfg,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
		sleep:    sleepContext,
		jitter:   rand.IntN,
		state:    StateLoggedOut,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.snap = Snapshot{State: StateLoggedOut, StartedAt: o.now(), DryRun: cfg.DryRun}
	return o
}

// Start sends the startup notice and runs cycles until ctx is cancelled,
// pausing NextInterval between them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		"course_type", o.config.CourseType, "dry_run", o.config.DryRun,
		"min_interval", o.config.MinInterval, "max_interval", o.config.MaxInterval)
	o.notify(ctx, notify.Info, fmt.Sprintf("bot started at %s.", o.now().In(o.config.Location).Format(time.DateTime)))

	for {
		if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("cycle error", "kind", Classify(err), "error", err)
		}
		d := o.NextInterval()
		o.logger.Debug("sleeping", "duration", d)
		if err := o.sleep(ctx, d); err != nil {
			o.logger.Info("orchestrator stopping (context cancelled)")
			return ctx.Err()
		}
	}
}

// Tick runs one cycle. Its error has already been acted on (notified, state
// moved to StateLoggedOut) and is returned for logging and tests.
func (o *Orchestrator) Tick(ctx context.Context) (err error) {
	cycle := o.beginCycle()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cycle %d: %v", cycle, r)
			o.fail(ctx, err)
		}
		o.endCycle(err)
	}()

	if err = o.cycle(ctx, cycle); err != nil {
		o.fail(ctx, err)
	}
	return err
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns a copy of the current status.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// NextInterval draws the pause before the next cycle.
func (o *Orchestrator) NextInterval() time.Duration {
	lo, hi := o.config.MinInterval, o.config.MaxInterval
	if hi <= lo {
		return lo
	}
	steps := int((hi - lo) / time.Second)
	return lo + time.Duration(o.jitter(steps+1))*time.Second
}

func (o *Orchestrator) cycle(ctx context.Context, cycle int64) error {
	// Step 1: log in.
	if o.State() == StateLoggedOut {
		if _, err := o.sessions.Login(ctx); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		o.transition(ctx, StateNeedsReport, "logged in")
		o.notify(ctx, notify.Info, "Login was necessary")
	}
	sess, ok := o.sessions.Current()
	if !ok {
		return fmt.Errorf("%w: no session held", session.ErrAuthFailure)
	}

	// Step 2: account status report.
	if o.State() == StateNeedsReport {
		if err := o.report(ctx, sess.Auth()); err != nil {
			return fmt.Errorf("status report: %w", err)
		}
		o.transition(ctx, StateReported, "status reported")
	}

	// Step 3: refresh the secondary token.
	if sess.Stale(o.now()) {
		prev := o.State()
		o.transition(ctx, StateRefreshing, "session stale")
		refreshed, did, err := o.sessions.RefreshIfStale(ctx)
		if err != nil {
			return fmt.Errorf("refresh session: %w", err)
		}
		o.transition(ctx, prev, "session refreshed")
		if did {
			o.notify(ctx, notify.Alert, "Session token refreshed successfully")
		}
		sess = refreshed
	}

	// Steps 4 and 5: list, shortlist, book.
	return o.poll(ctx, sess.Auth(), cycle)
}

func (o *Orchestrator) report(ctx context.Context, auth bbdc.Auth) error {
	profile, err := o.service.Profile(ctx, auth)
	if err != nil {
		return err
	}
	practical, err := o.service.PracticalBookings(ctx, auth, o.config.CourseType)
	if err != nil {
		return err
	}
	theory, err := o.service.TheoryBookings(ctx, auth, o.config.CourseType)
	if err != nil {
		return err
	}
	practicalSlots, err := slot.FromBookings(practical, o.config.Location)
	if err != nil {
		return fmt.Errorf("practical bookings: %w", err)
	}
	theorySlots, err := slot.FromBookings(theory, o.config.Location)
	if err != nil {
		return fmt.Errorf("theory bookings: %w", err)
	}

	o.notify(ctx, notify.Info, fmt.Sprintf("Account balance is %s", profile.AccountBalance))
	o.notify(ctx, notify.Info, slot.FormatList("Booked practical classes:", practicalSlots))
	o.notify(ctx, notify.Info, slot.FormatList("Booked theory classes:", theorySlots))
	return nil
}

func (o *Orchestrator) poll(ctx context.Context, auth bbdc.Auth, cycle int64) error {
	listing, err := o.service.ReleasedSlots(ctx, auth, bbdc.PracticalQuery(o.config.CourseType))
	if err != nil {
		return err
	}
	if listing.Len() == 0 {
		o.setCounts(0, 0)
		o.notify(ctx, notify.Console, "No slots open")
		return nil
	}

	catalog, err := slot.Parse(listing, o.config.Location)
	if err != nil {
		return fmt.Errorf("parse released slots: %w", err)
	}
	o.notify(ctx, notify.Alert, slot.FormatList("Available slots:", catalog.Slots()))

	shortlist := catalog.Shortlist(o.config.Policy, o.now())
	o.setCounts(catalog.Len(), len(shortlist))
	o.logger.Info("released slots", "cycle", cycle, "released", catalog.Len(), "shortlisted", len(shortlist))
	if len(shortlist) == 0 {
		o.notify(ctx, notify.Alert, "None matched criteria")
		return nil
	}
	o.notify(ctx, notify.Alert, slot.FormatList("Shortlisted slots:", shortlist))

	for _, s := range shortlist {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.book(ctx, auth, cycle, s); err != nil {
			return err
		}
	}
	return nil
}

// book makes one booking attempt. Explicit rejections and responses without
// a verdict are reported and return nil so the next slot is tried; anything
// else aborts the cycle.
func (o *Orchestrator) book(ctx context.Context, auth bbdc.Auth, cycle int64, s slot.Slot) error {
	id := s.ID.String()
	if !s.Bookable() {
		o.logger.Warn("slot missing booking refs", "slot", id)
		return nil
	}
	if o.ledger != nil {
		booked, err := o.ledger.HasBooked(ctx, id)
		if err != nil {
			o.logger.Warn("ledger lookup failed", "slot", id, "error", err)
		} else if booked {
			o.logger.Info("slot already booked by this process", "slot", id)
			return nil
		}
	}
	if o.config.DryRun {
		o.notify(ctx, notify.Info, fmt.Sprintf("Dry run: would book %s", s))
		o.record(ctx, cycle, s, store.OutcomeSkipped, "dry run")
		return nil
	}

	// The solution is bound to the instance fetched for this attempt only.
	sol, err := o.solver.Solve(ctx, func(ctx context.Context) (challenge.Raw, error) {
		c, err := o.service.BookingCaptcha(ctx, auth)
		if err != nil {
			return challenge.Raw{}, err
		}
		return challenge.Raw{Image: c.Image, Token: c.CaptchaToken, ID: c.VerifyCodeID}, nil
	})
	if err != nil {
		o.record(ctx, cycle, s, store.OutcomeError, err.Error())
		return fmt.Errorf("solve booking challenge for slot %s: %w", id, err)
	}

	result, err := o.service.BookSlot(ctx, auth, bbdc.BookRequest{
		CourseType: o.config.CourseType,
		SlotIDList: []bbdc.Scalar{s.ID},
		EncryptSlotList: []bbdc.EncryptedSlot{{
			SlotIDEnc:          s.EncryptedSlotRef,
			BookingProgressEnc: s.EncryptedProgressRef,
		}},
		VerifyCodeID:    sol.ID,
		VerifyCodeValue: sol.Code,
		CaptchaToken:    sol.Token,
	})
	if err != nil {
		if raw := bbdc.RawPayload(err); raw != "" {
			o.notify(ctx, notify.Alert, fmt.Sprintf("response to book slot %s is %s", id, raw))
			o.record(ctx, cycle, s, store.OutcomeMalformed, raw)
		} else {
			o.record(ctx, cycle, s, store.OutcomeError, err.Error())
		}
		return fmt.Errorf("book slot %s: %w", id, err)
	}

	outcome, ok := result.First()
	switch {
	case !ok:
		o.notify(ctx, notify.Alert, fmt.Sprintf("response to book slot %s is %s", id, result.Raw))
		o.record(ctx, cycle, s, store.OutcomeMalformed, result.Raw)
	case outcome.Success:
		o.transition(ctx, StateNeedsReport, "slot "+id+" booked")
		o.notify(ctx, notify.Info, fmt.Sprintf("response for attempt to book slot %s is successful with message: %s", s, outcome.Message))
		o.record(ctx, cycle, s, store.OutcomeBooked, outcome.Message)
	default:
		o.notify(ctx, notify.Alert, fmt.Sprintf("response for attempt to book slot %s is unsuccessful with message: %s", s, outcome.Message))
		o.record(ctx, cycle, s, store.OutcomeRejected, outcome.Message)
	}
	return nil
}

// fail acts on a cycle error: notify, drop the session, log out.
func (o *Orchestrator) fail(ctx context.Context, err error) {
	kind := Classify(err)
	if kind == KindCanceled {
		return
	}
	if kind.Expected() {
		o.logger.Warn("session lost", "kind", kind, "error", err)
		if o.State().LoggedIn() {
			o.notify(ctx, notify.Alert, fmt.Sprintf("Logging in again: %v", err))
		}
	} else {
		o.notify(ctx, notify.Alert, err.Error())
		o.notify(ctx, notify.Alert, "unexpected error")
	}
	o.sessions.Invalidate()
	o.transition(ctx, StateLoggedOut, string(kind))
}

// transition moves to next if the table allows it. Same-state moves are
// no-ops.
func (o *Orchestrator) transition(ctx context.Context, next State, reason string) {
	o.mu.Lock()
	from := o.state
	if from == next {
		o.mu.Unlock()
		return
	}
	if !from.CanTransitionTo(next) {
		o.mu.Unlock()
		o.logger.Error("invalid state transition", "from", from, "to", next, "reason", reason)
		return
	}
	o.state = next
	o.snap.State = next
	o.mu.Unlock()

	o.logger.Info("state transition", "from", from, "to", next, "reason", reason)
	if o.ledger != nil {
		tr := &store.Transition{From: from.String(), To: next.String(), Reason: reason, CreatedAt: o.now()}
		if err := o.ledger.RecordTransition(context.WithoutCancel(ctx), tr); err != nil {
			o.logger.Warn("record transition", "error", err)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, cycle int64, s slot.Slot, outcome store.Outcome, msg string) {
	if outcome == store.OutcomeBooked {
		o.mu.Lock()
		o.snap.Booked++
		o.mu.Unlock()
	}
	if o.ledger == nil {
		return
	}
	a := &store.Attempt{
		Cycle:     cycle,
		SlotID:    s.ID.String(),
		SlotStart: s.Start,
		Outcome:   outcome,
		Message:   msg,
		DryRun:    o.config.DryRun,
		CreatedAt: o.now(),
	}
	if err := o.ledger.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		o.logger.Warn("record attempt", "slot", a.SlotID, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, sev notify.Severity, text string) {
	if err := o.sink.Notify(ctx, sev, text); err != nil {
		o.logger.Warn("notification failed", "severity", sev, "error", err)
	}
}

func (o *Orchestrator) beginCycle() int64 {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.Cycles++
	o.snap.LastCycleAt = &now
	return o.snap.Cycles
}

func (o *Orchestrator) endCycle(err error) {
	sess, ok := o.sessions.Current()
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		issued, due := sess.SecondaryIssuedAt, sess.RefreshDue()
		o.snap.SessionIssuedAt, o.snap.RefreshDue = &issued, &due
	} else {
		o.snap.SessionIssuedAt, o.snap.RefreshDue = nil, nil
	}
	if err != nil {
		o.snap.LastError = err.Error()
		o.snap.LastErrorKind = Classify(err)
		o.snap.LastErrorAt = &now
	}
}

func (o *Orchestrator) setCounts(released, shortlisted int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.ReleasedSlots = released
	o.snap.Shortlisted = shortlisted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
