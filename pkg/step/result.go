package step

import "fmt"

// Result is the outcome of one step execution. It is immutable; use Done or
// Again to build one.
type Result struct {
	value  any
	repeat bool
}

// Done returns a Result that lets the pipeline advance to the next step.
func Done(value any) Result {
	return Result{value: value}
}

// Again returns a Result that re-arms the same step for the next invocation.
func Again(value any) Result {
	return Result{value: value, repeat: true}
}

// Value returns the informational payload of the result.
func (r Result) Value() any { return r.value }

// Repeat reports whether the step must run again before the pipeline advances.
func (r Result) Repeat() bool { return r.repeat }

func (r Result) String() string {
	if r.repeat {
		return fmt.Sprintf("%v (repeat)", r.value)
	}
	return fmt.Sprint(r.value)
}
