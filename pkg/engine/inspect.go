package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-cronbackup/pkg/retention"
	"github.com/paulschiretz/pgl-cronbackup/pkg/statestore"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
	"github.com/paulschiretz/pgl-cronbackup/pkg/stepmanager"
	"github.com/paulschiretz/pgl-cronbackup/pkg/steps"
)

// WorkflowStatus is a read-only view of a workflow.
type WorkflowStatus struct {
	stepmanager.Status
	Workflow string
	// Steps lists the step ids in execution order.
	Steps []string
	// DataKeys lists the keys present in the shared data.
	DataKeys []string
	// LockedSince is the acquisition time of a held lock, zero if unlocked.
	LockedSince time.Time
}

// Status reports the progress of a workflow without executing anything or
// taking the lock.
func (r *Runner) Status(workflow string) (WorkflowStatus, error) {
	if err := checkWorkflow(workflow); err != nil {
		return WorkflowStatus{}, err
	}
	dir := r.cfg.WorkflowDir(workflow)
	store := statestore.New(dir)
	data := step.NewData()
	if err := store.Load(stepmanager.DataFile, data); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return WorkflowStatus{}, err
	}

	var descs []stepmanager.Descriptor
	var err error
	if workflow == BackupWorkflow {
		descs, err = r.BackupDescriptors()
	} else {
		var remoteName string
		if data.Has(steps.KeyRestoreRemote) {
			if err := data.Get(steps.KeyRestoreRemote, &remoteName); err != nil {
				return WorkflowStatus{}, err
			}
		}
		descs, err = r.RestoreDescriptors(remoteName)
	}
	if err != nil {
		return WorkflowStatus{}, err
	}

	mgr, err := stepmanager.New(descs, func(stepmanager.Descriptor) (step.Step, error) {
		return nil, errors.New("status does not execute steps")
	}, store, r.log)
	if err != nil {
		return WorkflowStatus{}, err
	}
	mgr.WithClock(r.now)
	st, err := mgr.Status()
	if err != nil {
		return WorkflowStatus{}, err
	}

	ws := WorkflowStatus{Status: st, Workflow: workflow, DataKeys: data.Keys()}
	for _, d := range descs {
		ws.Steps = append(ws.Steps, d.ID())
	}
	if info, err := os.Stat(filepath.Join(dir, lockfile.LockFileName)); err == nil {
		ws.LockedSince = info.ModTime()
	}
	return ws, nil
}

// ListBackups returns the backups stored on the named remote, newest first.
func (r *Runner) ListBackups(ctx context.Context, remoteName string) ([]retention.Backup, error) {
	v, err := r.runDirect(ctx, step.ListBackups, remoteName, nil)
	if err != nil {
		return nil, err
	}
	return v.([]retention.Backup), nil
}

// ListArchives returns the archives of one backup on the named remote.
func (r *Runner) ListArchives(ctx context.Context, remoteName, backup string) ([]steps.ArchiveInfo, error) {
	v, err := r.runDirect(ctx, step.ListArchives, remoteName, map[string]any{steps.KeyRestoreBackup: backup})
	if err != nil {
		return nil, err
	}
	return v.([]steps.ArchiveInfo), nil
}

// runDirect executes a single read-only step outside of any workflow.
func (r *Runner) runDirect(ctx context.Context, kind step.Kind, remoteName string, seed map[string]any) (any, error) {
	rc, err := r.cfg.Remote(remoteName)
	if err != nil {
		return nil, err
	}
	h, err := r.newRemote(rc, r.log)
	if err != nil {
		return nil, err
	}
	dir := r.cfg.WorkflowDir("list")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("could not create working directory %s: %w", dir, err)
	}
	s, err := steps.New(kind, r.env(dir), h)
	if err != nil {
		return nil, err
	}
	data := step.NewData()
	for k, v := range seed {
		if err := data.Set(k, v); err != nil {
			return nil, err
		}
	}
	res, err := step.Run(ctx, s, data, r.log)
	if err != nil {
		return nil, err
	}
	return res.Value(), nil
}
