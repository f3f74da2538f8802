// Package stepmanager runs a workflow one step per call. Progress is kept in a
// marker document next to the shared data, so a sequence of short-lived
// invocations walks through the step list in order, honoring each step's delay
// and restarting from the first step whenever the list itself changes.
package stepmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/statestore"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
)

const (
	// MarkerFile holds the progress marker.
	MarkerFile = "last.step"
	// DataFile holds the shared step data.
	DataFile = "StepData.json"
)

// ErrEmptyStepList is returned when a manager is created without steps.
var ErrEmptyStepList = errors.New("step list must not be empty")

// Builder constructs the step for a descriptor. It is called lazily, only for
// the step that is about to run.
type Builder func(d Descriptor) (step.Step, error)

// Marker is the persisted progress of a workflow.
type Marker struct {
	LastStepIndex int    `json:"lastStepIndex"`
	Timestamp     int64  `json:"timestamp"`
	StepListHash  string `json:"stepListHash"`
	Repeat        bool   `json:"repeat,omitempty"`
}

// Outcome describes what a call to ExecuteNextStep did.
type Outcome struct {
	Ran          bool
	Index        int
	Step         string
	Result       step.Result
	NextEligible time.Time
}

// Status is a read-only view of the workflow progress.
type Status struct {
	Marker       *Marker
	Changed      bool
	NextIndex    int
	NextStep     string
	NextEligible time.Time
}

// Manager drives a fixed list of descriptors.
type Manager struct {
	descs []Descriptor
	build Builder
	store *statestore.Store
	log   *plog.Logger
	now   func() time.Time
	hash  string
}

// New returns a Manager for descs. Progress and shared data are kept in store.
func New(descs []Descriptor, build Builder, store *statestore.Store, log *plog.Logger) (*Manager, error) {
	if len(descs) == 0 {
		return nil, ErrEmptyStepList
	}
	if build == nil {
		return nil, errors.New("step builder must not be nil")
	}
	return &Manager{
		descs: descs,
		build: build,
		store: store,
		log:   log,
		now:   time.Now,
		hash:  Hash(descs),
	}, nil
}

// WithClock replaces the clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Hash returns the hash of the managed step list.
func (m *Manager) Hash() string { return m.hash }

// LoadData reads the shared data. A missing document yields an empty bag.
func (m *Manager) LoadData() (*step.Data, error) {
	data := step.NewData()
	if err := m.store.Load(DataFile, data); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return step.NewData(), nil
		}
		return nil, fmt.Errorf("could not load shared step data: %w", err)
	}
	return data, nil
}

// ExecuteNextStep runs the next due step, if any, and persists the new
// progress. When no step is due the returned Outcome has Ran set to false and
// NextEligible set; nothing is written in that case. A step error is returned
// as is and leaves the marker untouched, so the same step runs again next
// time. Shared data the step recorded before failing is kept, which lets it
// resume after the units it already finished.
func (m *Manager) ExecuteNextStep(ctx context.Context, data *step.Data) (Outcome, error) {
	index, eligibleAt, _, err := m.next()
	if err != nil {
		return Outcome{}, err
	}
	desc := m.descs[index]

	now := m.now()
	if now.Before(eligibleAt) {
		m.log.Info("No step due", "next", desc.ID(), "eligibleAt", eligibleAt.Format(time.RFC3339), "wait", eligibleAt.Sub(now).Truncate(time.Second))
		return Outcome{Ran: false, Index: index, Step: desc.ID(), NextEligible: eligibleAt}, nil
	}

	s, err := m.build(desc)
	if err != nil {
		return Outcome{}, fmt.Errorf("could not build step %s: %w", desc.ID(), err)
	}

	result, err := step.Run(ctx, s, data, m.log.With("step", desc.ID()))
	if err != nil {
		var missing *step.MissingKeysError
		if !errors.As(err, &missing) {
			if saveErr := m.store.Save(DataFile, data); saveErr != nil {
				m.log.Warn("Could not save shared step data after failure", "step", desc.ID(), "error", saveErr)
			}
		}
		return Outcome{Ran: true, Index: index, Step: desc.ID()}, fmt.Errorf("step %s failed: %w", desc.ID(), err)
	}

	if err := m.store.Save(DataFile, data); err != nil {
		return Outcome{}, fmt.Errorf("could not save shared step data: %w", err)
	}
	marker := Marker{
		LastStepIndex: index,
		Timestamp:     m.now().Unix(),
		StepListHash:  m.hash,
		Repeat:        result.Repeat(),
	}
	if err := m.store.Save(MarkerFile, marker); err != nil {
		return Outcome{}, fmt.Errorf("could not save progress marker: %w", err)
	}

	m.log.Info("Step finished", "step", desc.ID(), "index", index, "repeat", result.Repeat(), "result", result.String())
	return Outcome{Ran: true, Index: index, Step: desc.ID(), Result: result}, nil
}

// Status reports the persisted progress and which step would run next.
func (m *Manager) Status() (Status, error) {
	index, eligibleAt, marker, err := m.next()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Marker:       marker,
		Changed:      marker != nil && marker.StepListHash != m.hash,
		NextIndex:    index,
		NextStep:     m.descs[index].ID(),
		NextEligible: eligibleAt,
	}, nil
}

// Reset removes the progress marker and the shared data so the next call
// starts a fresh cycle at the first step.
func (m *Manager) Reset() error {
	if err := m.store.Delete(MarkerFile); err != nil {
		return err
	}
	return m.store.Delete(DataFile)
}

// next determines the index of the next step and the time it becomes eligible.
// The raw marker is returned as well, nil if none is persisted.
func (m *Manager) next() (int, time.Time, *Marker, error) {
	var marker Marker
	err := m.store.Load(MarkerFile, &marker)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		return 0, time.Time{}, nil, nil
	case err != nil:
		return 0, time.Time{}, nil, fmt.Errorf("could not load progress marker: %w", err)
	}

	if marker.StepListHash != m.hash || marker.LastStepIndex < 0 || marker.LastStepIndex >= len(m.descs) {
		m.log.Notice("Step list changed since last run, restarting at first step")
		return 0, time.Time{}, &marker, nil
	}

	completed := time.Unix(marker.Timestamp, 0)
	if marker.Repeat {
		return marker.LastStepIndex, completed, &marker, nil
	}
	candidate := (marker.LastStepIndex + 1) % len(m.descs)
	return candidate, completed.Add(time.Duration(m.descs[candidate].Delay) * time.Second), &marker, nil
}
