// Package engine assembles the backup and restore workflows and drives them one
// step per invocation.
//
// Every call to RunBackup or RunRestore holds the workflow lock for its whole
// duration, executes at most one step and returns. Progress, shared data and
// the lock live in the workflow directory below the configured temp dir, so a
// sequence of short-lived processes (cron ticks or the daemon) walks through
// the step list without any process holding state in memory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/crypt"
	"github.com/paulschiretz/pgl-cronbackup/pkg/dbdump"
	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/statestore"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
	"github.com/paulschiretz/pgl-cronbackup/pkg/stepmanager"
	"github.com/paulschiretz/pgl-cronbackup/pkg/steps"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Workflow names. Each workflow keeps its state in its own directory.
const (
	BackupWorkflow  = "backup"
	RestoreWorkflow = "restore"
)

// ErrNoRemotes is returned when a backup is requested without any enabled remote.
var ErrNoRemotes = errors.New("no remote is enabled")

// RemoteFactory creates the handler for a configured remote.
type RemoteFactory func(cfg remote.Config, log *plog.Logger) (remote.Handler, error)

// Outcome reports what one invocation did.
type Outcome struct {
	stepmanager.Outcome
	Workflow string
}

// RestoreRequest selects what to restore. Fields left empty are taken from a
// restore already in progress, or defaulted: the only enabled remote and its
// newest backup.
type RestoreRequest struct {
	Remote string
	Backup string
	Target string
}

// Runner wires the collaborators the steps need and runs workflows.
type Runner struct {
	cfg       *config.Config
	log       *plog.Logger
	archiver  *archive.Archiver
	encryptor *crypt.Encryptor
	dumper    steps.Dumper
	newRemote RemoteFactory
	start     time.Time
	now       func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithArchiver replaces the archiver built from the configuration.
func WithArchiver(a *archive.Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithEncryptor replaces the encryptor built from the configuration.
func WithEncryptor(e *crypt.Encryptor) Option {
	return func(r *Runner) { r.encryptor = e }
}

// WithDumper replaces the database client.
func WithDumper(d steps.Dumper) Option {
	return func(r *Runner) { r.dumper = d }
}

// WithRemoteFactory replaces remote.New.
func WithRemoteFactory(f RemoteFactory) Option {
	return func(r *Runner) { r.newRemote = f }
}

// WithStart sets the time the execution budget is measured from.
func WithStart(t time.Time) Option {
	return func(r *Runner) { r.start = t }
}

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a Runner for a validated configuration.
func NewRunner(cfg *config.Config, log *plog.Logger, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:       cfg,
		log:       log,
		archiver:  archive.New(cfg.Archive.Format, cfg.Archive.Level, log).WithBufferSize(cfg.Engine.Performance.BufferSizeKB),
		newRemote: remote.New,
		start:     time.Now(),
		now:       time.Now,
	}
	if cfg.Encryption.Enabled {
		enc, err := crypt.New(cfg.Encryption.Passphrase)
		if err != nil {
			return nil, err
		}
		r.encryptor = enc
	}
	if cfg.Database.Enabled {
		r.dumper = dbdump.New(cfg.Database, log)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// BackupDescriptors returns the backup step list: bundle, archive files, dump
// the database, send to every enabled remote, prune every enabled remote and
// clean up.
func (r *Runner) BackupDescriptors() ([]stepmanager.Descriptor, error) {
	remotes := r.cfg.EnabledRemotes()
	if len(remotes) == 0 {
		return nil, ErrNoRemotes
	}

	type entry struct {
		kind   step.Kind
		delay  int
		remote remote.Config
	}
	entries := []entry{
		{kind: step.Bundle, delay: r.cfg.Schedule.IntervalSeconds},
		{kind: step.BackupDirectory},
		{kind: step.BackupDatabase},
	}
	for _, rc := range remotes {
		entries = append(entries, entry{kind: step.Send, delay: rc.SendDelaySeconds, remote: rc})
	}
	for _, rc := range remotes {
		entries = append(entries, entry{kind: step.Prune, remote: rc})
	}
	entries = append(entries, entry{kind: step.Cleanup})

	descs := make([]stepmanager.Descriptor, 0, len(entries))
	for _, e := range entries {
		d, err := stepmanager.NewDescriptor(e.kind, e.delay, e.remote.Name, e.remote.Kind)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// RestoreDescriptors returns the restore step list for the named remote.
func (r *Runner) RestoreDescriptors(remoteName string) ([]stepmanager.Descriptor, error) {
	rc, err := r.cfg.Remote(remoteName)
	if err != nil {
		return nil, err
	}
	var descs []stepmanager.Descriptor
	for _, kind := range []step.Kind{step.Download, step.Extract, step.RestoreDatabase, step.Cleanup} {
		var d stepmanager.Descriptor
		if kind.NeedsRemote() {
			d, err = stepmanager.NewDescriptor(kind, 0, rc.Name, rc.Kind)
		} else {
			d, err = stepmanager.NewDescriptor(kind, 0, "", "")
		}
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// RunBackup executes the next due step of the backup workflow.
func (r *Runner) RunBackup(ctx context.Context) (Outcome, error) {
	descs, err := r.BackupDescriptors()
	if err != nil {
		return Outcome{}, err
	}
	if err := r.checkBackup(); err != nil {
		return Outcome{}, err
	}
	return r.run(ctx, BackupWorkflow, func(*step.Data) ([]stepmanager.Descriptor, error) {
		return descs, nil
	})
}

// RunRestore executes the next due step of the restore workflow. The first
// invocation of a restore records the request in the shared data; later
// invocations continue it and reject a request for something else.
func (r *Runner) RunRestore(ctx context.Context, req RestoreRequest) (Outcome, error) {
	return r.run(ctx, RestoreWorkflow, func(data *step.Data) ([]stepmanager.Descriptor, error) {
		remoteName, err := r.prepareRestore(ctx, data, req)
		if err != nil {
			return nil, err
		}
		return r.RestoreDescriptors(remoteName)
	})
}

// checkBackup verifies the source is still there and that no local remote
// stores its backups inside the source.
func (r *Runner) checkBackup() error {
	if err := preflight.CheckSourceAccessible(r.cfg.Source); err != nil {
		return err
	}
	for _, rc := range r.cfg.EnabledRemotes() {
		if rc.Kind != remote.Local {
			continue
		}
		p, err := util.ExpandPath(rc.Path)
		if err != nil {
			return err
		}
		if err := preflight.CheckNotNested(r.cfg.Source, p); err != nil {
			return fmt.Errorf("remote %s would be backed up into itself: %w", rc.Name, err)
		}
	}
	return nil
}

func (r *Runner) prepareRestore(ctx context.Context, data *step.Data, req RestoreRequest) (string, error) {
	if data.Has(steps.KeyRestoreBackup) {
		var current, currentRemote string
		if err := data.Get(steps.KeyRestoreBackup, &current); err != nil {
			return "", err
		}
		if err := data.Get(steps.KeyRestoreRemote, &currentRemote); err != nil {
			return "", err
		}
		if (req.Backup != "" && req.Backup != current) || (req.Remote != "" && req.Remote != currentRemote) {
			return "", fmt.Errorf("a restore of %s from %s is in progress, let it finish or run 'reset -workflow %s'", current, currentRemote, RestoreWorkflow)
		}
		return currentRemote, nil
	}

	if req.Target == "" {
		return "", fmt.Errorf("%w: a restore target is required", step.ErrInvalidArgument)
	}
	target, err := filepath.Abs(req.Target)
	if err != nil {
		return "", fmt.Errorf("could not resolve restore target %s: %w", req.Target, err)
	}
	if err := preflight.CheckDirWritable(target); err != nil {
		return "", err
	}
	rc, err := r.cfg.Remote(req.Remote)
	if err != nil {
		return "", err
	}
	backup := req.Backup
	if backup == "" {
		backups, err := r.ListBackups(ctx, rc.Name)
		if err != nil {
			return "", err
		}
		backup = backups[0].Name
	}

	r.log.Notice("Starting restore", "backup", backup, "remote", rc.Name, "target", target)
	for key, v := range map[string]string{
		steps.KeyRestoreBackup: backup,
		steps.KeyRestoreRemote: rc.Name,
		steps.KeyRestoreTarget: target,
	} {
		if err := data.Set(key, v); err != nil {
			return "", err
		}
	}
	return rc.Name, nil
}

// run holds the workflow lock, loads the shared data, asks plan for the step
// list and executes the next due step.
func (r *Runner) run(ctx context.Context, workflow string, plan func(*step.Data) ([]stepmanager.Descriptor, error)) (Outcome, error) {
	dir := r.cfg.WorkflowDir(workflow)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Outcome{}, fmt.Errorf("could not create workflow directory %s: %w", dir, err)
	}

	release, err := r.acquireLock(ctx, dir)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	store := statestore.New(dir)
	data := step.NewData()
	if err := store.Load(stepmanager.DataFile, data); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return Outcome{}, fmt.Errorf("could not load shared step data: %w", err)
	}

	descs, err := plan(data)
	if err != nil {
		return Outcome{}, err
	}
	mgr, err := stepmanager.New(descs, r.builder(r.env(dir)), store, r.log)
	if err != nil {
		return Outcome{}, err
	}
	mgr.WithClock(r.now)

	out, err := mgr.ExecuteNextStep(ctx, data)
	return Outcome{Outcome: out, Workflow: workflow}, err
}

// acquireLock takes the workflow lock. Contention is returned as a hint, so
// an overlapping invocation exits quietly.
func (r *Runner) acquireLock(ctx context.Context, dir string) (func(), error) {
	r.log.Debug("Attempting to acquire lock", "path", dir)
	lock, err := lockfile.Acquire(ctx, dir, r.cfg.StaleLockTimeout(), r.log)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, hints.Newf("%s workflow is busy: %w", filepath.Base(dir), err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		if err := lock.Release(); err != nil {
			r.log.Warn("Could not release lock", "path", lock.Path(), "error", err)
		}
	}, nil
}

func (r *Runner) env(workDir string) *steps.Env {
	return &steps.Env{
		Config:       r.cfg,
		Log:          r.log,
		AttemptStore: statestore.New(r.cfg.AttemptsDir()),
		Budget:       step.NewBudget(r.start, r.cfg.MaxExecution(), r.cfg.SafetyMargin()).WithClock(r.now),
		WorkDir:      workDir,
		Archiver:     r.archiver,
		Encryptor:    r.encryptor,
		Dumper:       r.dumper,
		Now:          r.now,
	}
}

// builder creates steps on demand, connecting the remote a descriptor names.
func (r *Runner) builder(env *steps.Env) stepmanager.Builder {
	return func(d stepmanager.Descriptor) (step.Step, error) {
		var h remote.Handler
		if d.Remote != "" {
			var err error
			if h, err = r.handler(d.Remote); err != nil {
				return nil, err
			}
		}
		return steps.New(d.Kind, env, h)
	}
}

func (r *Runner) handler(name string) (remote.Handler, error) {
	rc, err := r.cfg.Remote(name)
	if err != nil {
		return nil, err
	}
	return r.newRemote(rc, r.log)
}

// workflowKinds lists the step kinds that keep attempt counters per workflow.
var workflowKinds = map[string][]step.Kind{
	BackupWorkflow:  {step.BackupDirectory, step.BackupDatabase, step.Send},
	RestoreWorkflow: {step.Download, step.Extract, step.RestoreDatabase},
}

func checkWorkflow(workflow string) error {
	if _, ok := workflowKinds[workflow]; !ok {
		return fmt.Errorf("%w: unknown workflow %q, expected %q or %q", step.ErrInvalidArgument, workflow, BackupWorkflow, RestoreWorkflow)
	}
	return nil
}

// Reset discards the progress, shared data, attempt counters and local working
// copies of a workflow, so its next invocation starts at the first step.
func (r *Runner) Reset(ctx context.Context, workflow string) error {
	if err := checkWorkflow(workflow); err != nil {
		return err
	}
	dir := r.cfg.WorkflowDir(workflow)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	release, err := r.acquireLock(ctx, dir)
	if err != nil {
		return err
	}
	defer release()

	store := statestore.New(dir)
	for _, name := range []string{stepmanager.MarkerFile, stepmanager.DataFile} {
		if err := store.Delete(name); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("could not remove working copy %s: %w", p, err)
		}
		r.log.Debug("Removed working copy", "path", p)
	}

	attempts, err := os.ReadDir(r.cfg.AttemptsDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range attempts {
		for _, kind := range workflowKinds[workflow] {
			if strings.HasPrefix(e.Name(), string(kind)) {
				os.Remove(filepath.Join(r.cfg.AttemptsDir(), e.Name()))
				break
			}
		}
	}
	r.log.Notice("Workflow reset", "workflow", workflow)
	return nil
}

// Unlock removes the lock of a workflow regardless of its owner. It reports
// whether a lock was present.
func (r *Runner) Unlock(workflow string) (bool, error) {
	if err := checkWorkflow(workflow); err != nil {
		return false, err
	}
	return lockfile.ForceRelease(r.cfg.WorkflowDir(workflow))
}
