package slot

import (
	"fmt"
	"time"
)

// Policy defaults.
const (
	DefaultThresholdDays = 30
	DefaultTargetMonth   = time.May
	DefaultCutoffDay     = 32
	DefaultEarliestHour  = 9

	// MaxThresholdDays keeps the threshold duration far from overflow.
	MaxThresholdDays = 3650
)

// Rule names reported by Policy.Violations.
const (
	RuleThreshold = "threshold"
	RuleSeason    = "season"
	RuleSameDay   = "same-day"
	RuleEarliest  = "earliest-hour"
	RuleWeekday   = "weekday-window"
	RuleExtra     = "expression"
)

// Window is an hour range: a slot fits when From <= hour < Until.
type Window struct {
	From  int `yaml:"from"`
	Until int `yaml:"until"`
}

// Contains reports whether hour falls in the window.
func (w Window) Contains(hour int) bool {
	return hour >= w.From && hour < w.Until
}

// Predicate is an additional user-supplied rule.
type Predicate interface {
	Allow(start, now time.Time) (bool, error)
}

// Policy decides which slots are worth booking. It is a pure function of a
// slot's start time and the current time.
type Policy struct {
	// ThresholdDays: a slot must start strictly before now + ThresholdDays×24h.
	ThresholdDays int

	// TargetMonth and CutoffDay form a fixed seasonal window: the slot must
	// be in TargetMonth with day-of-month < CutoffDay. TargetMonth 0 disables it.
	TargetMonth time.Month
	CutoffDay   int

	// EarliestHour: the slot's hour must be >= EarliestHour.
	EarliestHour int

	// Windows lists the acceptable hours per weekday. A weekday without a
	// window is never desirable, which is how weekends are excluded.
	Windows map[time.Weekday]Window

	// Extra, when set, must also allow the slot.
	Extra Predicate
}

// DefaultPolicy returns the stock rule set: within 30 days, in May, not
// today, from 09:00, and Monday/Tuesday/Friday before 18:00, Wednesday from
// 15:00, Thursday before 14:00.
func DefaultPolicy() Policy {
	return Policy{
		ThresholdDays: DefaultThresholdDays,
		TargetMonth:   DefaultTargetMonth,
		CutoffDay:     DefaultCutoffDay,
		EarliestHour:  DefaultEarliestHour,
		Windows:       DefaultWindows(),
	}
}

// DefaultWindows returns the stock weekday windows.
func DefaultWindows() map[time.Weekday]Window {
	return map[time.Weekday]Window{
		time.Monday:    {From: 0, Until: 18},
		time.Tuesday:   {From: 0, Until: 18},
		time.Wednesday: {From: 15, Until: 24},
		time.Thursday:  {From: 0, Until: 14},
		time.Friday:    {From: 0, Until: 18},
	}
}

// Validate checks the numeric rules are in range.
func (p Policy) Validate() error {
	switch {
	case p.ThresholdDays < 1 || p.ThresholdDays > MaxThresholdDays:
		return fmt.Errorf("threshold_days %d out of range 1-%d", p.ThresholdDays, MaxThresholdDays)
	case p.CutoffDay < 1 || p.CutoffDay > 32:
		return fmt.Errorf("cutoff_day %d out of range 1-32", p.CutoffDay)
	case p.EarliestHour < 0 || p.EarliestHour > 23:
		return fmt.Errorf("earliest_hour %d out of range 0-23", p.EarliestHour)
	}
	return nil
}

// Desirable reports whether a slot starting at start should be booked.
func (p Policy) Desirable(start, now time.Time) bool {
	return len(p.Violations(start, now)) == 0
}

// Violations returns the names of the rules start fails, in evaluation
// order. An empty result means the slot is desirable.
func (p Policy) Violations(start, now time.Time) []string {
	var failed []string

	limit := now.Add(time.Duration(p.ThresholdDays) * 24 * time.Hour)
	if !start.Before(limit) {
		failed = append(failed, RuleThreshold)
	}

	if p.TargetMonth != 0 && (start.Month() != p.TargetMonth || start.Day() >= p.CutoffDay) {
		failed = append(failed, RuleSeason)
	}

	if sameDate(start, now.In(start.Location())) {
		failed = append(failed, RuleSameDay)
	}

	if start.Hour() < p.EarliestHour {
		failed = append(failed, RuleEarliest)
	}

	if w, ok := p.Windows[start.Weekday()]; !ok || !w.Contains(start.Hour()) {
		failed = append(failed, RuleWeekday)
	}

	if p.Extra != nil {
		ok, err := p.Extra.Allow(start, now)
		switch {
		case err != nil:
			failed = append(failed, fmt.Sprintf("%s (%v)", RuleExtra, err))
		case !ok:
			failed = append(failed, RuleExtra)
		}
	}

	return failed
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
