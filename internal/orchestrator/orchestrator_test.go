package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/me/slotwatch/internal/challenge"
	"github.com/me/slotwatch/internal/notify"
	"github.com/me/slotwatch/internal/session"
	"github.com/me/slotwatch/internal/slot"
	"github.com/me/slotwatch/internal/store"
	"github.com/me/slotwatch/pkg/bbdc"
)

var sgt = time.FixedZone("SGT", 8*3600)

// --- fakes ---

type bookReply struct {
	result *bbdc.BookResult
	err    error
}

type fakeService struct {
	listing   bbdc.DayListing
	listErr   error
	reportErr error
	listPanic any
	replies   []bookReply

	profiles int
	listings int
	captchas int
	bookReqs []bbdc.BookRequest
}

func (f *fakeService) Profile(ctx context.Context, auth bbdc.Auth) (*bbdc.Profile, error) {
	f.profiles++
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return &bbdc.Profile{AccountBalance: "123.45"}, nil
}

func (f *fakeService) PracticalBookings(ctx context.Context, auth bbdc.Auth, courseType string) ([]bbdc.Booking, error) {
	return []bbdc.Booking{{BookingID: "7", SlotRefDate: "2026-05-04 00:00:00", StartTime: "09:20"}}, nil
}

func (f *fakeService) TheoryBookings(ctx context.Context, auth bbdc.Auth, courseType string) ([]bbdc.Booking, error) {
	return nil, nil
}

func (f *fakeService) ReleasedSlots(ctx context.Context, auth bbdc.Auth, query bbdc.SlotQuery) (bbdc.DayListing, error) {
	f.listings++
	if f.listPanic != nil {
		panic(f.listPanic)
	}
	if auth.Token == "" || auth.SessionID == "" {
		return nil, errors.New("unauthenticated listing")
	}
	return f.listing, f.listErr
}

func (f *fakeService) BookingCaptcha(ctx context.Context, auth bbdc.Auth) (*bbdc.Captcha, error) {
	f.captchas++
	return &bbdc.Captcha{
		Image:        "img",
		CaptchaToken: fmt.Sprintf("tok-%d", f.captchas),
		VerifyCodeID: fmt.Sprintf("id-%d", f.captchas),
	}, nil
}

func (f *fakeService) BookSlot(ctx context.Context, auth bbdc.Auth, req bbdc.BookRequest) (*bbdc.BookResult, error) {
	f.bookReqs = append(f.bookReqs, req)
	if len(f.replies) == 0 {
		return &bbdc.BookResult{Outcomes: []bbdc.BookOutcome{{Success: true, Message: "Booked"}}}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.result, r.err
}

type fakeSessions struct {
	now        func() time.Time
	loginErr   error
	refreshErr error
	sess       *session.Session

	logins        int
	refreshes     int
	invalidations int
}

func (f *fakeSessions) Current() (session.Session, bool) {
	if f.sess == nil {
		return session.Session{}, false
	}
	return *f.sess, true
}

func (f *fakeSessions) Login(ctx context.Context) (session.Session, error) {
	f.logins++
	f.sess = nil
	if f.loginErr != nil {
		return session.Session{}, f.loginErr
	}
	f.sess = &session.Session{PrimaryToken: "primary", SecondaryToken: "secondary", SecondaryIssuedAt: f.now()}
	return *f.sess, nil
}

func (f *fakeSessions) RefreshIfStale(ctx context.Context) (session.Session, bool, error) {
	f.refreshes++
	if f.refreshErr != nil {
		f.sess = nil
		return session.Session{}, false, fmt.Errorf("%w: %w", session.ErrStaleSession, f.refreshErr)
	}
	f.sess.SecondaryToken = "secondary-2"
	f.sess.SecondaryIssuedAt = f.now()
	return *f.sess, true, nil
}

func (f *fakeSessions) Invalidate() {
	f.invalidations++
	f.sess = nil
}

type fakeSolver struct{}

func (fakeSolver) Solve(ctx context.Context, fetch challenge.FetchFunc) (challenge.Solution, error) {
	raw, err := fetch(ctx)
	if err != nil {
		return challenge.Solution{}, err
	}
	return challenge.Solution{Code: "Ab12", Token: raw.Token, ID: raw.ID}, nil
}

type message struct {
	sev  notify.Severity
	text string
}

type recordSink struct {
	msgs []message
}

func (r *recordSink) Notify(ctx context.Context, sev notify.Severity, text string) error {
	r.msgs = append(r.msgs, message{sev, text})
	return nil
}

func (r *recordSink) has(sev notify.Severity, text string) bool {
	for _, m := range r.msgs {
		if m.sev == sev && m.text == text {
			return true
		}
	}
	return false
}

func (r *recordSink) contains(substr string) bool {
	for _, m := range r.msgs {
		if strings.Contains(m.text, substr) {
			return true
		}
	}
	return false
}

func (r *recordSink) reset() { r.msgs = nil }

// --- harness ---

type harness struct {
	o      *Orchestrator
	svc    *fakeService
	sess   *fakeSessions
	sink   *recordSink
	ledger *store.SQLiteStore
	now    time.Time
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		svc:  &fakeService{},
		sink: &recordSink{},
		now:  time.Date(2026, time.April, 28, 8, 0, 0, 0, sgt), // Tuesday
	}
	clock := func() time.Time { return h.now }
	h.sess = &fakeSessions{now: clock}

	ledger, err := store.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := ledger.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	h.ledger = ledger

	cfg := DefaultConfig()
	cfg.Location = sgt
	if mutate != nil {
		mutate(&cfg)
	}
	h.o = New(h.svc, h.sess, fakeSolver{}, h.sink, cfg, nil, WithLedger(ledger), WithClock(clock))
	return h
}

func rawSlot(id, date, start string) bbdc.RawSlot {
	return bbdc.RawSlot{
		SlotID:             bbdc.Scalar(id),
		SlotIDEnc:          "enc-" + id,
		BookingProgressEnc: "prog-" + id,
		SlotRefDate:        date + " 00:00:00",
		StartTime:          start,
	}
}

// Slot 11 (Mon 4 May 11:10) and 12 (Tue 5 May 10:00) are desirable from
// 28 April; 13 (Sat 9 May) is not.
func sampleListing() bbdc.DayListing {
	return bbdc.DayListing{
		{Label: "2026-05-04", Slots: []bbdc.RawSlot{rawSlot("11", "2026-05-04", "11:10")}},
		{Label: "2026-05-09", Slots: []bbdc.RawSlot{rawSlot("13", "2026-05-09", "10:00")}},
		{Label: "2026-05-05", Slots: []bbdc.RawSlot{rawSlot("12", "2026-05-05", "10:00")}},
	}
}

func shapeErr(op, field, raw string) error {
	return &bbdc.ShapeError{Op: op, Field: field, Raw: raw}
}

// --- tests ---

func TestTick_LoginMissingToken(t *testing.T) {
	h := newHarness(t, nil)
	h.sess.loginErr = fmt.Errorf("%w: login: %w", session.ErrAuthFailure, shapeErr("login", "data.tokenContent", `{"data":{}}`))

	err := h.o.Tick(context.Background())
	if Classify(err) != KindAuthFailure {
		t.Fatalf("Tick() error = %v, kind %s", err, Classify(err))
	}
	if h.o.State() != StateLoggedOut {
		t.Errorf("state = %s, want LOGGED_OUT", h.o.State())
	}
	if len(h.sink.msgs) != 0 {
		t.Errorf("notifications = %v, want none", h.sink.msgs)
	}
	if h.svc.listings != 0 {
		t.Error("released slots polled without a session")
	}
	trs, _ := h.ledger.ListTransitions(context.Background(), store.ListOptions{})
	if len(trs) != 0 {
		t.Errorf("transitions = %v, want none", trs)
	}

	// The next cycle retries the login from scratch.
	h.sess.loginErr = nil
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick() error = %v", err)
	}
	if h.sess.logins != 2 || h.o.State() != StateReported {
		t.Errorf("logins = %d, state = %s", h.sess.logins, h.o.State())
	}
}

func TestTick_NoSlotsOpen(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	for _, want := range []message{
		{notify.Info, "Login was necessary"},
		{notify.Info, "Account balance is 123.45"},
		{notify.Info, "Booked practical classes:\nSlot 7 (Mon 04-May 09:20)"},
		{notify.Info, "Booked theory classes:"},
		{notify.Console, "No slots open"},
	} {
		if !h.sink.has(want.sev, want.text) {
			t.Errorf("missing %s notification %q; got %v", want.sev, want.text, h.sink.msgs)
		}
	}
	if h.svc.captchas != 0 || len(h.svc.bookReqs) != 0 {
		t.Error("booking attempted with no slots released")
	}
	if h.o.State() != StateReported {
		t.Errorf("state = %s, want REPORTED", h.o.State())
	}

	// The report is not repeated while nothing is booked.
	h.sink.reset()
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.svc.profiles != 1 || h.sink.contains("Account balance") {
		t.Errorf("status reported again (profiles = %d)", h.svc.profiles)
	}
}

func TestTick_BookingSuccessSchedulesReport(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.listing = bbdc.DayListing{sampleListing()[0]}

	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !h.sink.has(notify.Alert, "Available slots:\nSlot 11 (Mon 04-May 11:10)") ||
		!h.sink.has(notify.Alert, "Shortlisted slots:\nSlot 11 (Mon 04-May 11:10)") {
		t.Errorf("listing notifications missing: %v", h.sink.msgs)
	}
	if !h.sink.has(notify.Info, "response for attempt to book slot Slot 11 (Mon 04-May 11:10) is successful with message: Booked") {
		t.Errorf("success notification missing: %v", h.sink.msgs)
	}
	if h.o.State() != StateNeedsReport {
		t.Errorf("state = %s, want NEEDS_REPORT", h.o.State())
	}

	if len(h.svc.bookReqs) != 1 {
		t.Fatalf("book requests = %d, want 1", len(h.svc.bookReqs))
	}
	req := h.svc.bookReqs[0]
	if len(req.SlotIDList) != 1 || req.SlotIDList[0] != "11" ||
		req.EncryptSlotList[0] != (bbdc.EncryptedSlot{SlotIDEnc: "enc-11", BookingProgressEnc: "prog-11"}) {
		t.Errorf("request slot = %+v", req)
	}
	if req.CaptchaToken != "tok-1" || req.VerifyCodeID != "id-1" || req.VerifyCodeValue != "Ab12" || req.CourseType != "3A" {
		t.Errorf("request challenge = %+v", req)
	}

	// Next cycle re-reports and does not book the same slot again.
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.svc.profiles != 2 {
		t.Errorf("profiles = %d, want 2", h.svc.profiles)
	}
	if len(h.svc.bookReqs) != 1 {
		t.Errorf("book requests = %d, want 1 (double-booking guard)", len(h.svc.bookReqs))
	}
	if h.o.State() != StateReported {
		t.Errorf("state = %s, want REPORTED", h.o.State())
	}
	if snap := h.o.Snapshot(); snap.Booked != 1 || snap.Cycles != 2 || snap.ReleasedSlots != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTick_BookingMissingData(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.listing = sampleListing()
	h.svc.replies = []bookReply{{err: shapeErr("book-slot", "data", `{"message":"oops"}`)}}

	err := h.o.Tick(context.Background())
	if Classify(err) != KindUnexpectedShape {
		t.Fatalf("Tick() error = %v, kind %s", err, Classify(err))
	}
	if !h.sink.has(notify.Alert, `response to book slot 11 is {"message":"oops"}`) {
		t.Errorf("raw payload not reported: %v", h.sink.msgs)
	}
	if len(h.svc.bookReqs) != 1 {
		t.Errorf("book requests = %d, want 1 (remaining slots aborted)", len(h.svc.bookReqs))
	}
	if h.o.State() != StateLoggedOut || h.sess.invalidations != 1 {
		t.Errorf("state = %s, invalidations = %d", h.o.State(), h.sess.invalidations)
	}
	if h.sink.contains("unexpected error") {
		t.Error("shape failure reported as unexpected")
	}

	attempts, _, _ := h.ledger.ListAttempts(context.Background(), store.ListOptions{})
	if len(attempts) != 1 || attempts[0].Outcome != store.OutcomeMalformed {
		t.Errorf("attempts = %+v", attempts)
	}
	trs, _ := h.ledger.ListTransitions(context.Background(), store.ListOptions{Limit: 1})
	if len(trs) != 1 || trs[0].To != string(StateLoggedOut) || trs[0].Reason != string(KindUnexpectedShape) {
		t.Errorf("last transition = %+v", trs)
	}
}

func TestTick_RejectionAndMalformedContinue(t *testing.T) {
	tests := []struct {
		name  string
		reply bookReply
		want  string
		out   store.Outcome
	}{
		{
			name:  "rejected",
			reply: bookReply{result: &bbdc.BookResult{Outcomes: []bbdc.BookOutcome{{Success: false, Message: "Slot taken"}}}},
			want:  "response for attempt to book slot Slot 11 (Mon 04-May 11:10) is unsuccessful with message: Slot taken",
			out:   store.OutcomeRejected,
		},
		{
			name:  "no verdict",
			reply: bookReply{result: &bbdc.BookResult{Raw: `{"data":{}}`}},
			want:  `response to book slot 11 is {"data":{}}`,
			out:   store.OutcomeMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.svc.listing = sampleListing()
			h.svc.replies = []bookReply{tt.reply}

			if err := h.o.Tick(context.Background()); err != nil {
				t.Fatalf("Tick() error = %v", err)
			}
			if !h.sink.has(notify.Alert, tt.want) {
				t.Errorf("missing %q in %v", tt.want, h.sink.msgs)
			}
			if len(h.svc.bookReqs) != 2 || h.svc.captchas != 2 {
				t.Fatalf("book requests = %d, captchas = %d, want 2 each", len(h.svc.bookReqs), h.svc.captchas)
			}
			// Each attempt carries its own challenge.
			if h.svc.bookReqs[1].CaptchaToken != "tok-2" || h.svc.bookReqs[1].SlotIDList[0] != "12" {
				t.Errorf("second request = %+v", h.svc.bookReqs[1])
			}
			if h.o.State() != StateNeedsReport {
				t.Errorf("state = %s, want NEEDS_REPORT", h.o.State())
			}
			attempts, _, _ := h.ledger.ListAttempts(context.Background(), store.ListOptions{})
			if len(attempts) != 2 || attempts[1].Outcome != tt.out || attempts[0].Outcome != store.OutcomeBooked {
				t.Errorf("attempts = %+v, %+v", attempts[0], attempts[1])
			}
		})
	}
}

func TestTick_RefreshWhenStale(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.now = h.now.Add(session.RefreshAfter)
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.sess.refreshes != 0 {
		t.Fatal("refreshed at exactly the deadline")
	}

	h.now = h.now.Add(time.Second)
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if h.sess.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", h.sess.refreshes)
	}
	if !h.sink.has(notify.Alert, "Session token refreshed successfully") {
		t.Errorf("refresh notice missing: %v", h.sink.msgs)
	}
	if h.o.State() != StateReported {
		t.Errorf("state = %s, want REPORTED", h.o.State())
	}
	trs, _ := h.ledger.ListTransitions(context.Background(), store.ListOptions{Limit: 2})
	if len(trs) != 2 || trs[1].To != string(StateRefreshing) || trs[0].To != string(StateReported) {
		t.Errorf("transitions = %+v", trs)
	}
}

func TestTick_RefreshFailure(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sess.refreshErr = shapeErr("list-course-type", "data.activeCourseList", `{}`)
	h.now = h.now.Add(2 * time.Hour)

	err := h.o.Tick(context.Background())
	if Classify(err) != KindStaleSession {
		t.Fatalf("Tick() error = %v, kind %s", err, Classify(err))
	}
	if h.o.State() != StateLoggedOut {
		t.Errorf("state = %s, want LOGGED_OUT", h.o.State())
	}
	if h.svc.listings != 1 {
		t.Errorf("listings = %d, want 1 (no poll after failed refresh)", h.svc.listings)
	}
	if !h.sink.contains("Logging in again") {
		t.Errorf("forced re-login not surfaced: %v", h.sink.msgs)
	}
}

func TestTick_ReportFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.reportErr = shapeErr("user-profile", "data.enrolDetail", `{"data":{}}`)
	err := h.o.Tick(context.Background())
	if Classify(err) != KindUnexpectedShape {
		t.Fatalf("Tick() error = %v", err)
	}
	if h.o.State() != StateLoggedOut || h.svc.listings != 0 {
		t.Errorf("state = %s, listings = %d", h.o.State(), h.svc.listings)
	}
}

func TestTick_UncaughtError(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.listErr = errors.New("connection reset by peer")

	err := h.o.Tick(context.Background())
	if Classify(err) != KindUncaught {
		t.Fatalf("kind = %s, want UNCAUGHT", Classify(err))
	}
	if !h.sink.has(notify.Alert, "unexpected error") || !h.sink.contains("connection reset by peer") {
		t.Errorf("uncaught error not reported: %v", h.sink.msgs)
	}
	if h.o.State() != StateLoggedOut {
		t.Errorf("state = %s, want LOGGED_OUT", h.o.State())
	}
	if snap := h.o.Snapshot(); snap.LastErrorKind != KindUncaught || snap.LastErrorAt == nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTick_Panic(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.listPanic = "index out of range [3] with length 3"

	err := h.o.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panic in cycle 1") {
		t.Fatalf("error = %v, want recovered panic", err)
	}
	if Classify(err) != KindUncaught {
		t.Errorf("kind = %s, want UNCAUGHT", Classify(err))
	}
	if !h.sink.has(notify.Alert, "unexpected error") || !h.sink.contains("index out of range") {
		t.Errorf("panic not reported: %v", h.sink.msgs)
	}
	if h.o.State() != StateLoggedOut {
		t.Errorf("state = %s, want LOGGED_OUT", h.o.State())
	}

	// The loop survives: the next cycle logs in again and lists slots.
	h.svc.listPanic = nil
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after panic: %v", err)
	}
	if h.o.State() == StateLoggedOut {
		t.Errorf("state = %s after recovery", h.o.State())
	}
}

func TestTick_Canceled(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.svc.listErr = fmt.Errorf("list-released-slots: %w", context.Canceled)
	h.sink.reset()

	if err := h.o.Tick(context.Background()); Classify(err) != KindCanceled {
		t.Fatalf("kind = %s, want CANCELED", Classify(err))
	}
	if h.o.State() != StateReported || len(h.sink.msgs) != 0 {
		t.Errorf("cancellation changed state to %s or notified %v", h.o.State(), h.sink.msgs)
	}
}

func TestTick_DryRun(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DryRun = true })
	h.svc.listing = sampleListing()

	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.svc.captchas != 0 || len(h.svc.bookReqs) != 0 {
		t.Error("dry run submitted a booking")
	}
	if !h.sink.has(notify.Info, "Dry run: would book Slot 11 (Mon 04-May 11:10)") {
		t.Errorf("dry run notice missing: %v", h.sink.msgs)
	}
	booked, err := h.ledger.HasBooked(context.Background(), "11")
	if err != nil || booked {
		t.Errorf("HasBooked = %v, %v", booked, err)
	}
	if !h.o.Snapshot().DryRun {
		t.Error("snapshot does not show dry run")
	}
}

func TestTick_CustomPolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Policy = slot.DefaultPolicy()
		c.Policy.Windows = map[time.Weekday]slot.Window{time.Saturday: {From: 0, Until: 24}}
	})
	h.svc.listing = sampleListing()
	if err := h.o.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.svc.bookReqs) != 1 || h.svc.bookReqs[0].SlotIDList[0] != "13" {
		t.Errorf("book requests = %+v, want only slot 13", h.svc.bookReqs)
	}
}

func TestNextInterval(t *testing.T) {
	tests := []struct {
		name   string
		jitter func(int) int
		want   time.Duration
	}{
		{"lowest", func(int) int { return 0 }, 60 * time.Second},
		{"highest", func(n int) int { return n - 1 }, 90 * time.Second},
	}
	for _, tt := range tests {
		o := New(&fakeService{}, &fakeSessions{}, fakeSolver{}, &recordSink{}, DefaultConfig(), nil, WithJitter(tt.jitter))
		if got := o.NextInterval(); got != tt.want {
			t.Errorf("%s: NextInterval() = %v, want %v", tt.name, got, tt.want)
		}
	}

	cfg := DefaultConfig()
	cfg.MaxInterval = cfg.MinInterval
	o := New(&fakeService{}, &fakeSessions{}, fakeSolver{}, &recordSink{}, cfg, nil)
	if got := o.NextInterval(); got != cfg.MinInterval {
		t.Errorf("NextInterval() = %v, want %v", got, cfg.MinInterval)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	h.o.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := h.o.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() = %v, want context.Canceled", err)
	}
	if len(slept) != 2 {
		t.Errorf("cycles = %d, want 2", len(slept))
	}
	for _, d := range slept {
		if d < DefaultMinInterval || d > DefaultMaxInterval {
			t.Errorf("pause %v outside [%v, %v]", d, DefaultMinInterval, DefaultMaxInterval)
		}
	}
	if len(h.sink.msgs) == 0 || h.sink.msgs[0].text != "bot started at 2026-04-28 08:00:00." {
		t.Errorf("first notification = %v", h.sink.msgs)
	}
}
