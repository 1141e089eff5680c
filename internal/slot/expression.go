package slot

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// expressionTimeout bounds one evaluation so a runaway script cannot stall
// the polling loop.
const expressionTimeout = 250 * time.Millisecond

// Expression is a JavaScript boolean expression evaluated per slot, e.g.
//
//	slot.hour != 12 && slot.weekdayName != "Thursday"
//
// The script sees two objects, slot and now, each with year, month (1-12),
// day, hour, minute, weekday (0=Sunday) and weekdayName; slot also has
// daysAhead, the fractional number of days from now to the slot.
type Expression struct {
	source  string
	program *goja.Program
}

// CompileExpression parses src once for repeated evaluation.
func CompileExpression(src string) (*Expression, error) {
	prog, err := goja.Compile("policy", "("+src+")", true)
	if err != nil {
		return nil, fmt.Errorf("compile policy expression: %w", err)
	}
	return &Expression{source: src, program: prog}, nil
}

// String returns the expression source.
func (e *Expression) String() string {
	return e.source
}

// Allow evaluates the expression for one slot.
func (e *Expression) Allow(start, now time.Time) (bool, error) {
	vm := goja.New()
	slotObj := timeObject(start)
	slotObj["daysAhead"] = start.Sub(now).Hours() / 24
	if err := vm.Set("slot", slotObj); err != nil {
		return false, fmt.Errorf("set slot: %w", err)
	}
	if err := vm.Set("now", timeObject(now.In(start.Location()))); err != nil {
		return false, fmt.Errorf("set now: %w", err)
	}

	timer := time.AfterFunc(expressionTimeout, func() {
		vm.Interrupt("policy expression timed out")
	})
	defer timer.Stop()

	v, err := vm.RunProgram(e.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, fmt.Errorf("policy expression: %v", interrupted.Value())
		}
		return false, fmt.Errorf("policy expression: %w", err)
	}
	return v.ToBoolean(), nil
}

func timeObject(t time.Time) map[string]any {
	return map[string]any{
		"year":        t.Year(),
		"month":       int(t.Month()),
		"day":         t.Day(),
		"hour":        t.Hour(),
		"minute":      t.Minute(),
		"weekday":     int(t.Weekday()),
		"weekdayName": t.Weekday().String(),
	}
}
