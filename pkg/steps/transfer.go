package steps

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-cronbackup/pkg/manifest"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/retention"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// fetchManifest downloads the manifest of the remote backup dir into
// localDir. A backup without a manifest yields an empty one.
func fetchManifest(ctx context.Context, h remote.Handler, dir, localPath string) (manifest.Manifest, error) {
	remotePath := path.Join(dir, manifest.FileName)
	exists, err := h.Exists(ctx, remotePath)
	if err != nil {
		return nil, fmt.Errorf("could not check remote manifest: %w", err)
	}
	if !exists {
		return manifest.Manifest{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), util.UserWritableDirPerms); err != nil {
		return nil, err
	}
	if err := h.Download(ctx, remotePath, localPath); err != nil {
		return nil, fmt.Errorf("could not download remote manifest: %w", err)
	}
	return manifest.Read(localPath)
}

// listBackups returns the backup directories on h, newest first.
func listBackups(ctx context.Context, h remote.Handler, prefix string) ([]retention.Backup, error) {
	entries, err := h.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("could not list remote %s: %w", h.Name(), err)
	}
	var backups []retention.Backup
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		if ts, ok := retention.ParseDirName(prefix, e.Name); ok {
			backups = append(backups, retention.Backup{Name: e.Name, Time: ts})
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Time.After(backups[j].Time) })
	return backups, nil
}

// --- send ---

// sendStep uploads the archives of the current backup that the remote
// manifest does not list yet. The manifest is re-uploaded after every archive
// so an interrupted send resumes where it stopped.
type sendStep struct {
	base
	h remote.Handler
}

func newSendStep(name string, env *Env, h remote.Handler) step.Step {
	return &sendStep{base: newBase(name, env), h: h}
}

func (s *sendStep) RequiredDataKeys() []string {
	return []string{KeyBackupDirectory, KeyArchives}
}

func (s *sendStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	backupDir, err := getString(data, KeyBackupDirectory)
	if err != nil {
		return step.Result{}, err
	}
	var archives []Archive
	if err := data.Get(KeyArchives, &archives); err != nil {
		return step.Result{}, err
	}
	localDir, err := s.env.localPath(backupDir)
	if err != nil {
		return step.Result{}, err
	}
	attempts, err := s.env.Attempts(s.name)
	if err != nil {
		return step.Result{}, err
	}

	var result step.Result
	err = connected(ctx, s.h, func() error {
		if err := s.h.Mkdir(ctx, backupDir); err != nil {
			return fmt.Errorf("could not create remote directory %s: %w", backupDir, err)
		}
		manifestPath := filepath.Join(localDir, "."+s.h.Name()+"-"+manifest.FileName)
		remoteManifest, err := fetchManifest(ctx, s.h, backupDir, manifestPath)
		if err != nil {
			return err
		}

		missing := remoteManifest.Missing(archiveNames(archives))
		descriptions := make(map[string]string, len(archives))
		for _, a := range archives {
			descriptions[a.Name] = a.Description
		}

		sent := 0
		for _, name := range missing {
			if s.env.Budget.TimeoutClose() {
				s.log.Notice("Time budget nearly used, continuing next run", "sent", sent, "remaining", len(missing)-sent)
				result = step.Again(sent)
				return nil
			}
			if err := attempts.Increment(); err != nil {
				return err
			}
			if err := s.h.Upload(ctx, filepath.Join(localDir, name), path.Join(backupDir, name)); err != nil {
				return fmt.Errorf("could not upload %s: %w", name, err)
			}
			remoteManifest.Add(name, descriptions[name])
			if err := remoteManifest.Write(manifestPath); err != nil {
				return err
			}
			if err := s.h.Upload(ctx, manifestPath, path.Join(backupDir, manifest.FileName)); err != nil {
				return fmt.Errorf("could not upload manifest: %w", err)
			}
			if err := attempts.Reset(); err != nil {
				return err
			}
			sent++
			s.log.Info("Uploaded archive", "archive", name, "remote", s.h.Name())
		}
		if len(missing) == 0 {
			s.log.Info("Remote is up to date", "remote", s.h.Name(), "backup", backupDir)
		}
		result = step.Done(sent)
		return nil
	})
	if err != nil {
		return step.Result{}, err
	}
	return result, nil
}

// --- prune ---

// pruneStep deletes remote backups the retention policy no longer keeps and
// then removes remote files older than the configured maximum age.
type pruneStep struct {
	base
	h remote.Handler
}

func newPruneStep(name string, env *Env, h remote.Handler) step.Step {
	return &pruneStep{base: newBase(name, env), h: h}
}

func (s *pruneStep) RequiredDataKeys() []string { return nil }

func (s *pruneStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	cfg := s.env.Config
	policy := cfg.Retention
	if !policy.Enabled() && policy.MaxAgeDays <= 0 {
		s.log.Info("Retention disabled, nothing to prune")
		return step.Done(0), nil
	}

	current, _ := getString(data, KeyBackupDirectory)
	var removed int
	err := connected(ctx, s.h, func() error {
		backups, err := listBackups(ctx, s.h, cfg.Archive.NamePrefix)
		if err != nil {
			return err
		}
		_, remove := retention.Plan(backups, policy, current)
		if len(remove) > 0 {
			s.log.Info("Pruning outdated backups", "count", len(remove), "policy", policy.Describe())
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Engine.Performance.DeleteWorkers)
		for _, b := range remove {
			g.Go(func() error {
				if err := s.h.Rmdir(gctx, b.Name); err != nil {
					return fmt.Errorf("could not delete backup %s: %w", b.Name, err)
				}
				s.log.Info("Deleted outdated backup", "backup", b.Name)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		removed = len(remove)

		if policy.MaxAgeDays > 0 {
			cutoff := s.env.now().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
			deleted, err := s.h.DeleteOlderThan(ctx, "", cutoff)
			if err != nil {
				return fmt.Errorf("could not delete expired files: %w", err)
			}
			if len(deleted) > 0 {
				s.log.Info("Deleted expired files", "count", len(deleted), "olderThan", cutoff.Format(time.RFC3339))
			}
		}
		return nil
	})
	if err != nil {
		return step.Result{}, err
	}
	return step.Done(removed), nil
}

// --- download ---

// downloadStep fetches the manifest and archives of the backup being restored.
type downloadStep struct {
	base
	h remote.Handler
}

func newDownloadStep(name string, env *Env, h remote.Handler) step.Step {
	return &downloadStep{base: newBase(name, env), h: h}
}

func (s *downloadStep) RequiredDataKeys() []string { return []string{KeyRestoreBackup} }

func (s *downloadStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	backupDir, err := getString(data, KeyRestoreBackup)
	if err != nil {
		return step.Result{}, err
	}
	downloads, err := getStrings(data, KeyDownloads)
	if err != nil {
		return step.Result{}, err
	}
	localDir, err := s.env.localPath(backupDir)
	if err != nil {
		return step.Result{}, err
	}
	if err := os.MkdirAll(localDir, util.UserWritableDirPerms); err != nil {
		return step.Result{}, err
	}
	attempts, err := s.env.Attempts(s.name)
	if err != nil {
		return step.Result{}, err
	}

	done := make(map[string]bool, len(downloads))
	for _, d := range downloads {
		done[d] = true
	}

	var result step.Result
	err = connected(ctx, s.h, func() error {
		m, err := fetchManifest(ctx, s.h, backupDir, filepath.Join(localDir, manifest.FileName))
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return fmt.Errorf("%w: backup %s on %s has no archives", step.ErrInvalidArgument, backupDir, s.h.Name())
		}

		fetched := 0
		for _, name := range m.Names() {
			if done[name] {
				continue
			}
			if s.env.Budget.TimeoutClose() {
				s.log.Notice("Time budget nearly used, continuing next run", "downloaded", len(done), "archives", len(m))
				result = step.Again(fetched)
				return nil
			}
			if err := attempts.Increment(); err != nil {
				return err
			}
			if err := s.h.Download(ctx, path.Join(backupDir, name), filepath.Join(localDir, name)); err != nil {
				return fmt.Errorf("could not download %s: %w", name, err)
			}
			if err := attempts.Reset(); err != nil {
				return err
			}
			downloads = append(downloads, name)
			done[name] = true
			fetched++
			s.log.Info("Downloaded archive", "archive", name, "remote", s.h.Name())
		}
		result = step.Done(fetched)
		return nil
	})
	// Record what finished even when the step stops early or fails; the
	// manager keeps the data of a failed step.
	if setErr := data.Set(KeyDownloads, downloads); setErr != nil && err == nil {
		err = setErr
	}
	if err != nil {
		return step.Result{}, err
	}
	return result, nil
}
