package slot

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// policyFile is the YAML form of a Policy. Unset fields keep their defaults;
// a windows map, when present, replaces the default windows entirely.
type policyFile struct {
	ThresholdDays *int              `yaml:"threshold_days"`
	TargetMonth   *int              `yaml:"target_month"`
	CutoffDay     *int              `yaml:"cutoff_day"`
	EarliestHour  *int              `yaml:"earliest_hour"`
	Windows       map[string]Window `yaml:"windows"`
	Expression    string            `yaml:"expression"`
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy content on top of DefaultPolicy and
// rejects out-of-range numbers.
func ParsePolicy(data []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}

	p := DefaultPolicy()
	if f.ThresholdDays != nil {
		p.ThresholdDays = *f.ThresholdDays
	}
	if f.TargetMonth != nil {
		if *f.TargetMonth < 0 || *f.TargetMonth > 12 {
			return Policy{}, fmt.Errorf("target_month %d out of range 0-12", *f.TargetMonth)
		}
		p.TargetMonth = time.Month(*f.TargetMonth)
	}
	if f.CutoffDay != nil {
		p.CutoffDay = *f.CutoffDay
	}
	if f.EarliestHour != nil {
		p.EarliestHour = *f.EarliestHour
	}
	if f.Windows != nil {
		p.Windows = make(map[time.Weekday]Window, len(f.Windows))
		for name, w := range f.Windows {
			day, err := parseWeekday(name)
			if err != nil {
				return Policy{}, err
			}
			if w.From < 0 || w.Until > 24 || w.From >= w.Until {
				return Policy{}, fmt.Errorf("window %s: invalid hours %d-%d", name, w.From, w.Until)
			}
			p.Windows[day] = w
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	if strings.TrimSpace(f.Expression) != "" {
		expr, err := CompileExpression(f.Expression)
		if err != nil {
			return Policy{}, err
		}
		p.Extra = expr
	}
	return p, nil
}

func parseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n := strings.ToLower(name); n == full || n == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
