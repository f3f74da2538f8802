// Package steps holds the concrete steps of the backup and restore workflows
// and the registry that builds them by kind.
package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/crypt"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/statestore"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
)

// Dumper exports and imports the configured database.
type Dumper interface {
	Dump(ctx context.Context, outFile string) error
	Import(ctx context.Context, inFile string) error
}

// Env carries what every step is constructed with.
type Env struct {
	Config *config.Config
	Log    *plog.Logger
	// AttemptStore holds the per-step attempt counters.
	AttemptStore *statestore.Store
	Budget       *step.Budget
	// WorkDir is the workflow directory. Local copies of backups live below it.
	WorkDir   string
	Archiver  *archive.Archiver
	Encryptor *crypt.Encryptor // nil when encryption is disabled
	Dumper    Dumper
	Now       func() time.Time
}

// Attempts loads the attempt counter of the step named id.
func (e *Env) Attempts(id string) (*step.Attempts, error) {
	return step.LoadAttempts(e.AttemptStore, id, e.Config.Runtime.MaxAttempts)
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Constructor builds a step. h is nil for steps that do not use a remote.
type Constructor func(name string, env *Env, h remote.Handler) step.Step

var registry = map[step.Kind]Constructor{
	step.Bundle:          newBundleStep,
	step.BackupDirectory: newBackupDirectoryStep,
	step.BackupDatabase:  newBackupDatabaseStep,
	step.Send:            newSendStep,
	step.Prune:           newPruneStep,
	step.Cleanup:         newCleanupStep,
	step.ListBackups:     newListBackupsStep,
	step.ListArchives:    newListArchivesStep,
	step.Download:        newDownloadStep,
	step.Extract:         newExtractStep,
	step.RestoreDatabase: newRestoreDatabaseStep,
}

// New builds the step of the given kind. Steps working on a remote require h.
func New(kind step.Kind, env *Env, h remote.Handler) (step.Step, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("no step registered for kind %q", string(kind))
	}
	name := kind.String()
	if kind.NeedsRemote() {
		if h == nil {
			return nil, fmt.Errorf("step %s requires a remote handler", kind)
		}
		name += "-" + h.Name()
	}
	return ctor(name, env, h), nil
}

// base carries the fields shared by all steps.
type base struct {
	name string
	env  *Env
	log  *plog.Logger
}

func newBase(name string, env *Env) base {
	return base{name: name, env: env, log: env.Log.With("step", name)}
}

func (b *base) Name() string { return b.name }

// connected runs fn with h connected and disconnects afterwards.
func connected(ctx context.Context, h remote.Handler, fn func() error) error {
	if err := h.Connect(ctx); err != nil {
		return fmt.Errorf("could not connect to remote %s: %w", h.Name(), err)
	}
	defer h.Disconnect()
	return fn()
}
