// Package challenge turns image captchas into verification codes: decode,
// denoise, binarise, recognise, and retry on fresh instances until a
// confident four-character reading comes back.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
)

// Alphabet is the set of characters a code may contain. The service never
// issues '0', so it is excluded to stop O/0 confusion.
const Alphabet = "123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CodeLength is the exact length of every valid code.
const CodeLength = 4

// Solver defaults.
const (
	DefaultMaxAttempts   = 50
	DefaultMinConfidence = 0.95
)

var (
	// ErrUnrecognized means one instance produced no usable reading. Solve
	// handles it by fetching another instance; it never escapes Solve.
	ErrUnrecognized = errors.New("challenge not recognized")

	// ErrAttemptsExhausted means MaxAttempts instances were tried without a
	// usable reading.
	ErrAttemptsExhausted = errors.New("challenge attempts exhausted")
)

// Raw is one challenge instance as fetched: an image plus the tokens that
// bind an answer to this instance.
type Raw struct {
	// Image is a data URI or bare base64 payload.
	Image string
	Token string
	ID    string
}

// Solution is the answer to exactly one Raw instance. Code is always
// CodeLength characters from Alphabet.
type Solution struct {
	Code  string
	Token string
	ID    string
}

// FetchFunc fetches a fresh challenge instance.
type FetchFunc func(ctx context.Context) (Raw, error)

// Reading is one text line reported by a Recognizer.
type Reading struct {
	Text string

	// Confidence is in [0, 1].
	Confidence float64
}

// Recognizer reads text from a preprocessed binary image.
type Recognizer interface {
	Recognize(ctx context.Context, img *image.Gray) ([]Reading, error)
}

// Config controls the solve loop.
type Config struct {
	// MaxAttempts bounds the number of instances fetched per Solve.
	// Zero or negative means retry until ctx is done.
	MaxAttempts int

	// MinConfidence discards readings below this confidence.
	MinConfidence float64

	Preprocess PreprocessOptions
}

// DefaultConfig returns the solver defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   DefaultMaxAttempts,
		MinConfidence: DefaultMinConfidence,
		Preprocess:    DefaultPreprocessOptions(),
	}
}

// Solver solves challenges with a Recognizer.
type Solver struct {
	recognizer Recognizer
	config     Config
	logger     *slog.Logger
}

// NewSolver creates a Solver.
func NewSolver(rec Recognizer, cfg Config, logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Preprocess.BlockSize == 0 {
		cfg.Preprocess = DefaultPreprocessOptions()
	}
	return &Solver{
		recognizer: rec,
		config:     cfg,
		logger:     logger.With("component", "challenge"),
	}
}

// Solve fetches instances until one yields a valid code and returns that
// code bound to the instance it came from. Fetch and recognizer errors are
// returned as-is; unrecognized instances are discarded silently.
func (s *Solver) Solve(ctx context.Context, fetch FetchFunc) (Solution, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Solution{}, err
		}
		if s.config.MaxAttempts > 0 && attempt > s.config.MaxAttempts {
			return Solution{}, fmt.Errorf("%w after %d instances", ErrAttemptsExhausted, s.config.MaxAttempts)
		}

		raw, err := fetch(ctx)
		if err != nil {
			return Solution{}, fmt.Errorf("fetch challenge: %w", err)
		}

		img, err := DecodeDataURI(raw.Image)
		if err != nil {
			s.logger.Debug("discarding undecodable challenge", "attempt", attempt, "error", err)
			continue
		}

		code, err := s.Read(ctx, img)
		if errors.Is(err, ErrUnrecognized) {
			s.logger.Debug("discarding unrecognized challenge", "attempt", attempt)
			continue
		}
		if err != nil {
			return Solution{}, err
		}

		s.logger.Debug("challenge solved", "attempts", attempt)
		return Solution{Code: code, Token: raw.Token, ID: raw.ID}, nil
	}
}

// Read preprocesses img and returns the first confident reading if it is a
// valid code, or ErrUnrecognized.
func (s *Solver) Read(ctx context.Context, img image.Image) (string, error) {
	bin := Preprocess(img, s.config.Preprocess)
	readings, err := s.recognizer.Recognize(ctx, bin)
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	for _, r := range readings {
		if r.Confidence < s.config.MinConfidence {
			continue
		}
		code := normalize(r.Text)
		if !ValidCode(code) {
			return "", ErrUnrecognized
		}
		return code, nil
	}
	return "", ErrUnrecognized
}

// ValidCode reports whether code is CodeLength characters from Alphabet.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// normalize drops whitespace recognizers insert between glyphs.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), "")
}
