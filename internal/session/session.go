// Package session owns the authenticated context against the booking
// service: login through a solved challenge, the course session token and
// its refresh deadline.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/me/slotwatch/internal/challenge"
	"github.com/me/slotwatch/pkg/bbdc"
)

// RefreshAfter is how long a secondary token is trusted after issuance.
const RefreshAfter = 110 * time.Minute

var (
	// ErrAuthFailure means login could not produce a usable session. No
	// partial state is kept; the caller must log in again from scratch.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrStaleSession means the secondary token could not be refreshed. The
	// session has been discarded.
	ErrStaleSession = errors.New("session refresh failed")

	// ErrNotLoggedIn is returned by refresh calls made without a session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// Session is the authenticated context used on every service call.
type Session struct {
	PrimaryToken      string
	SecondaryToken    string
	SecondaryIssuedAt time.Time
}

// Stale reports whether more than RefreshAfter has passed since the
// secondary token was issued.
func (s Session) Stale(now time.Time) bool {
	return now.Sub(s.SecondaryIssuedAt) > RefreshAfter
}

// RefreshDue returns the instant after which the session is stale.
func (s Session) RefreshDue() time.Time {
	return s.SecondaryIssuedAt.Add(RefreshAfter)
}

// Auth returns the header credentials for service calls.
func (s Session) Auth() bbdc.Auth {
	return bbdc.Auth{Token: s.PrimaryToken, SessionID: s.SecondaryToken}
}

// API is the subset of the service client the manager needs.
type API interface {
	LoginCaptcha(ctx context.Context) (*bbdc.Captcha, error)
	Login(ctx context.Context, req bbdc.LoginRequest) (string, error)
	ActiveCourseToken(ctx context.Context, token string) (string, error)
	ResetSession()
}

// Solver solves one challenge, fetching instances as needed.
type Solver interface {
	Solve(ctx context.Context, fetch challenge.FetchFunc) (challenge.Solution, error)
}

// Credentials are the account login details.
type Credentials struct {
	UserID   string
	Password string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager performs login and refresh and holds the current Session. It is
// used from a single goroutine.
type Manager struct {
	api     API
	solver  Solver
	creds   Credentials
	now     func() time.Time
	logger  *slog.Logger
	session *Session
}

// NewManager creates a Manager with no session.
func NewManager(api API, solver Solver, creds Credentials, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		api:    api,
		solver: solver,
		creds:  creds,
		now:    time.Now,
		logger: logger.With("component", "session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the held session, if any.
func (m *Manager) Current() (Session, bool) {
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Invalidate discards the held session.
func (m *Manager) Invalidate() {
	m.session = nil
}

// EnsureAuthenticated returns the held session, logging in first if there
// is none. It does not refresh; see RefreshIfStale.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (Session, error) {
	if m.session != nil {
		return *m.session, nil
	}
	return m.Login(ctx)
}

// Login discards any held session and performs a full login: solve a login
// challenge, submit credentials, then fetch the course session token.
// Service responses lacking a token, and 401/403 answers, are reported as
// ErrAuthFailure.
func (m *Manager) Login(ctx context.Context) (Session, error) {
	m.session = nil
	m.api.ResetSession()

	sol, err := m.solver.Solve(ctx, func(ctx context.Context) (challenge.Raw, error) {
		c, err := m.api.LoginCaptcha(ctx)
		if err != nil {
			return challenge.Raw{}, err
		}
		return challenge.Raw{Image: c.Image, Token: c.CaptchaToken, ID: c.VerifyCodeID}, nil
	})
	if err != nil {
		return Session{}, authError("solve login challenge", err)
	}

	primary, err := m.api.Login(ctx, bbdc.LoginRequest{
		CaptchaToken:    sol.Token,
		UserID:          m.creds.UserID,
		UserPass:        m.creds.Password,
		VerifyCodeID:    sol.ID,
		VerifyCodeValue: sol.Code,
	})
	if err != nil {
		return Session{}, authError("login", err)
	}

	secondary, err := m.api.ActiveCourseToken(ctx, primary)
	if err != nil {
		return Session{}, authError("fetch course session", err)
	}

	m.session = &Session{
		PrimaryToken:      primary,
		SecondaryToken:    secondary,
		SecondaryIssuedAt: m.now(),
	}
	m.logger.Info("logged in", "refresh_due", m.session.RefreshDue())
	return *m.session, nil
}

// RefreshIfStale refreshes the secondary token when the session is stale and
// reports whether it did. A failed refresh discards the session and returns
// ErrStaleSession.
func (m *Manager) RefreshIfStale(ctx context.Context) (Session, bool, error) {
	if m.session == nil {
		return Session{}, false, ErrNotLoggedIn
	}
	if !m.session.Stale(m.now()) {
		return *m.session, false, nil
	}

	secondary, err := m.api.ActiveCourseToken(ctx, m.session.PrimaryToken)
	if err != nil {
		m.session = nil
		return Session{}, false, fmt.Errorf("%w: %w", ErrStaleSession, err)
	}
	m.session.SecondaryToken = secondary
	m.session.SecondaryIssuedAt = m.now()
	m.logger.Info("session refreshed", "refresh_due", m.session.RefreshDue())
	return *m.session, true, nil
}

// authError marks auth-shaped failures with ErrAuthFailure and passes
// everything else (transport errors, exhausted challenges) through.
func authError(step string, err error) error {
	if bbdc.IsShapeError(err) || bbdc.IsUnauthorized(err) {
		return fmt.Errorf("%w: %s: %w", ErrAuthFailure, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}
