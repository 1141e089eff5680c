package orchestrator

import (
	"context"
	"errors"

	"github.com/me/slotwatch/internal/challenge"
	"github.com/me/slotwatch/internal/session"
	"github.com/me/slotwatch/pkg/bbdc"
)

// Kind classifies a cycle error.
type Kind string

const (
	KindNone                  Kind = ""
	KindCanceled              Kind = "CANCELED"
	KindChallengeUnrecognized Kind = "CHALLENGE_UNRECOGNIZED"
	KindChallengeExhausted    Kind = "CHALLENGE_EXHAUSTED"
	KindAuthFailure           Kind = "AUTH_FAILURE"
	KindStaleSession          Kind = "STALE_SESSION"
	KindUnexpectedShape       Kind = "UNEXPECTED_RESPONSE_SHAPE"
	KindUncaught              Kind = "UNCAUGHT"
)

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, session.ErrStaleSession):
		return KindStaleSession
	case errors.Is(err, session.ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, challenge.ErrUnrecognized):
		return KindChallengeUnrecognized
	case errors.Is(err, challenge.ErrAttemptsExhausted):
		return KindChallengeExhausted
	case bbdc.IsShapeError(err), bbdc.IsUnauthorized(err):
		return KindUnexpectedShape
	}
	return KindUncaught
}

// Expected reports whether errors of this kind are part of normal operation
// (an expired or rejected session) rather than something to alert on
// verbatim.
func (k Kind) Expected() bool {
	switch k {
	case KindAuthFailure, KindStaleSession, KindUnexpectedShape, KindChallengeUnrecognized:
		return true
	}
	return false
}
