package step

import (
	"errors"
	"fmt"

	"github.com/paulschiretz/pgl-cronbackup/pkg/statestore"
)

// ErrMaxAttempts is returned once a step has retried the same unit of work too often.
var ErrMaxAttempts = errors.New("maximum attempts reached")

type attemptsDoc struct {
	Attempts int `json:"attempts"`
}

// Attempts is a persisted counter for one step. Each unit of work increments
// it and every completed unit resets it, so a unit that keeps failing across
// invocations eventually aborts the workflow.
type Attempts struct {
	id    string
	max   int
	store *statestore.Store
	count int
}

// LoadAttempts reads the counter for id. A max of zero or less disables the ceiling.
func LoadAttempts(store *statestore.Store, id string, max int) (*Attempts, error) {
	a := &Attempts{id: id, max: max, store: store}
	var doc attemptsDoc
	if err := store.Load(a.file(), &doc); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return nil, err
	}
	a.count = doc.Attempts
	return a, nil
}

// Count returns the current number of attempts.
func (a *Attempts) Count() int { return a.count }

// Increment records another attempt. It returns ErrMaxAttempts without
// recording when the ceiling has already been reached.
func (a *Attempts) Increment() error {
	if a.max > 0 && a.count >= a.max {
		return fmt.Errorf("step %s: %w (%d)", a.id, ErrMaxAttempts, a.count)
	}
	a.count++
	return a.store.Save(a.file(), attemptsDoc{Attempts: a.count})
}

// Reset sets the counter back to zero.
func (a *Attempts) Reset() error {
	a.count = 0
	return a.store.Delete(a.file())
}

func (a *Attempts) file() string {
	return a.id + ".json"
}
