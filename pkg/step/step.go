// Package step defines the unit of work the step manager drives: the Step
// contract, its immutable Result, the shared Data bag and the helpers steps use
// to bound their work per invocation (attempt counters and the time budget).
package step

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// ErrInvalidArgument is matched by errors caused by bad input to a step, such
// as missing shared keys.
var ErrInvalidArgument = errors.New("invalid argument")

// MissingKeysError reports shared keys a step requires but did not find.
type MissingKeysError struct {
	Step string
	Keys []string
}

func (e *MissingKeysError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("missing required data keys: %s", strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("step %s is missing required data keys: %s", e.Step, strings.Join(e.Keys, ", "))
}

// Is makes MissingKeysError match ErrInvalidArgument.
func (e *MissingKeysError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// Step is a single unit of a workflow.
type Step interface {
	// Name identifies the step in logs and attempt counters.
	Name() string
	// RequiredDataKeys lists the shared keys that must be present before Execute runs.
	RequiredDataKeys() []string
	// Execute performs the work, reading and writing data as needed.
	Execute(ctx context.Context, data *Data) (Result, error)
}

// Run logs the step, checks its required keys and delegates to Execute. When
// keys are missing Execute is not called and a *MissingKeysError is returned.
func Run(ctx context.Context, s Step, data *Data, log *plog.Logger) (Result, error) {
	log.Info("Executing step", "step", s.Name())

	if missing := data.Missing(s.RequiredDataKeys()); len(missing) > 0 {
		return Result{}, &MissingKeysError{Step: s.Name(), Keys: missing}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return s.Execute(ctx, data)
}
