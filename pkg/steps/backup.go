package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-cronbackup/pkg/bundler"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/retention"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// --- bundle ---

// bundleStep starts a new backup cycle: it names the backup and partitions
// the source tree into bundles.
type bundleStep struct{ base }

func newBundleStep(name string, env *Env, _ remote.Handler) step.Step {
	return &bundleStep{newBase(name, env)}
}

func (s *bundleStep) RequiredDataKeys() []string { return nil }

func (s *bundleStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	cfg := s.env.Config

	// Leftovers of an interrupted cycle.
	if old, err := getString(data, KeyBackupDirectory); err == nil && old != "" {
		if p, err := s.env.localPath(old); err == nil {
			s.log.Notice("Discarding unfinished backup", "backup", old)
			os.RemoveAll(p)
		}
	}
	data.Clear()

	if cfg.Source == "" {
		return step.Result{}, fmt.Errorf("%w: no source directory configured", step.ErrInvalidArgument)
	}

	// The working directory must never end up in its own backup.
	excluded := append([]string{cfg.TempDir}, cfg.ExcludeDirs...)
	bundles, err := bundler.CreateBundles(cfg.Source, cfg.SizeLimitBytes(), excluded)
	if err != nil {
		return step.Result{}, fmt.Errorf("could not bundle %s: %w", cfg.Source, err)
	}

	var total int64
	for i, b := range bundles {
		size, err := bundler.Size(cfg.Source, b)
		if err != nil {
			return step.Result{}, err
		}
		total += size
		s.log.Debug("Bundle", "index", i+1, "files", len(b), "size", humanize.IBytes(uint64(size)))
	}

	startedAt := s.env.now().UTC()
	backupDir := retention.DirName(cfg.Archive.NamePrefix, startedAt)
	id := uuid.NewString()

	for key, v := range map[string]any{
		KeyBackupID:        id,
		KeyBackupDirectory: backupDir,
		KeyStartedAt:       startedAt,
		KeyBundles:         bundles,
		KeyArchives:        []Archive{},
	} {
		if err := data.Set(key, v); err != nil {
			return step.Result{}, err
		}
	}

	s.log.Info("Backup started", "backup", backupDir, "id", id, "bundles", len(bundles), "size", humanize.IBytes(uint64(total)))
	return step.Done(len(bundles)), nil
}

// --- backup-directory ---

// backupDirectoryStep archives one bundle per loop iteration until all bundles
// are archived or the time budget runs low.
type backupDirectoryStep struct{ base }

func newBackupDirectoryStep(name string, env *Env, _ remote.Handler) step.Step {
	return &backupDirectoryStep{newBase(name, env)}
}

func (s *backupDirectoryStep) RequiredDataKeys() []string {
	return []string{KeyBackupDirectory, KeyBundles, KeyArchives}
}

func (s *backupDirectoryStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	backupDir, err := getString(data, KeyBackupDirectory)
	if err != nil {
		return step.Result{}, err
	}
	var bundles []bundler.Bundle
	if err := data.Get(KeyBundles, &bundles); err != nil {
		return step.Result{}, err
	}
	var archives []Archive
	if err := data.Get(KeyArchives, &archives); err != nil {
		return step.Result{}, err
	}
	outDir, err := s.env.localPath(backupDir)
	if err != nil {
		return step.Result{}, err
	}
	if err := os.MkdirAll(outDir, util.UserWritableDirPerms); err != nil {
		return step.Result{}, fmt.Errorf("could not create backup directory: %w", err)
	}

	attempts, err := s.env.Attempts(s.name)
	if err != nil {
		return step.Result{}, err
	}

	done := make(map[string]bool, len(archives))
	for _, a := range archives {
		done[a.Name] = true
	}

	encrypt := s.env.Encryptor != nil
	format := s.env.Archiver.Format()
	created := 0
	for i, b := range bundles {
		name := filesArchiveName(i, format, encrypt)
		if done[name] {
			continue
		}
		if s.env.Budget.TimeoutClose() {
			s.log.Notice("Time budget nearly used, continuing next run", "archived", len(done), "bundles", len(bundles))
			return step.Again(created), nil
		}
		if err := attempts.Increment(); err != nil {
			return step.Result{}, err
		}

		plainPath := filepath.Join(outDir, filesArchiveName(i, format, false))
		if err := s.env.Archiver.Create(ctx, s.env.Config.Source, b, plainPath); err != nil {
			return step.Result{}, fmt.Errorf("could not archive bundle %d: %w", i+1, err)
		}
		finalPath := plainPath
		if encrypt {
			if finalPath, err = s.env.Encryptor.EncryptFile(plainPath); err != nil {
				return step.Result{}, err
			}
		}
		info, err := os.Stat(finalPath)
		if err != nil {
			return step.Result{}, err
		}

		archives = append(archives, Archive{
			Name:        name,
			Description: fmt.Sprintf("%d files, %s", len(b), humanize.IBytes(uint64(info.Size()))),
		})
		done[name] = true
		created++
		if err := data.Set(KeyArchives, archives); err != nil {
			return step.Result{}, err
		}
		if err := attempts.Reset(); err != nil {
			return step.Result{}, err
		}
		s.log.Info("Archived bundle", "archive", name, "files", len(b), "size", humanize.IBytes(uint64(info.Size())))
	}

	if err := data.Set(KeyArchives, archives); err != nil {
		return step.Result{}, err
	}
	return step.Done(created), nil
}

// --- backup-database ---

// backupDatabaseStep dumps the configured database and archives the dump.
type backupDatabaseStep struct{ base }

func newBackupDatabaseStep(name string, env *Env, _ remote.Handler) step.Step {
	return &backupDatabaseStep{newBase(name, env)}
}

func (s *backupDatabaseStep) RequiredDataKeys() []string {
	return []string{KeyBackupDirectory, KeyArchives}
}

func (s *backupDatabaseStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	if !s.env.Config.Database.Enabled || s.env.Dumper == nil {
		s.log.Info("Database backup disabled, skipping")
		return step.Done(false), nil
	}
	if data.Has(KeyDatabaseArchive) {
		return step.Done(true), nil
	}

	backupDir, err := getString(data, KeyBackupDirectory)
	if err != nil {
		return step.Result{}, err
	}
	var archives []Archive
	if err := data.Get(KeyArchives, &archives); err != nil {
		return step.Result{}, err
	}
	outDir, err := s.env.localPath(backupDir)
	if err != nil {
		return step.Result{}, err
	}
	if err := os.MkdirAll(outDir, util.UserWritableDirPerms); err != nil {
		return step.Result{}, fmt.Errorf("could not create backup directory: %w", err)
	}

	attempts, err := s.env.Attempts(s.name)
	if err != nil {
		return step.Result{}, err
	}
	if err := attempts.Increment(); err != nil {
		return step.Result{}, err
	}

	dumpPath := filepath.Join(outDir, databaseDumpName)
	start := time.Now()
	if err := s.env.Dumper.Dump(ctx, dumpPath); err != nil {
		return step.Result{}, err
	}
	defer os.Remove(dumpPath)

	format := s.env.Archiver.Format()
	archivePath := filepath.Join(outDir, databaseArchiveName(format, false))
	if err := s.env.Archiver.Create(ctx, outDir, []string{databaseDumpName}, archivePath); err != nil {
		return step.Result{}, fmt.Errorf("could not archive database dump: %w", err)
	}
	if s.env.Encryptor != nil {
		if archivePath, err = s.env.Encryptor.EncryptFile(archivePath); err != nil {
			return step.Result{}, err
		}
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return step.Result{}, err
	}

	name := filepath.Base(archivePath)
	archives = append(archives, Archive{
		Name:        name,
		Description: fmt.Sprintf("database %s, %s", s.env.Config.Database.Name, humanize.IBytes(uint64(info.Size()))),
	})
	if err := data.Set(KeyArchives, archives); err != nil {
		return step.Result{}, err
	}
	if err := data.Set(KeyDatabaseArchive, name); err != nil {
		return step.Result{}, err
	}
	if err := attempts.Reset(); err != nil {
		return step.Result{}, err
	}
	s.log.Info("Database archived", "archive", name, "size", humanize.IBytes(uint64(info.Size())), "duration", time.Since(start).Truncate(time.Millisecond))
	return step.Done(true), nil
}

// --- cleanup ---

// cleanupStep removes the local copy of the current backup or restore and
// clears the shared data so the next cycle starts fresh.
type cleanupStep struct{ base }

func newCleanupStep(name string, env *Env, _ remote.Handler) step.Step {
	return &cleanupStep{newBase(name, env)}
}

func (s *cleanupStep) RequiredDataKeys() []string { return nil }

func (s *cleanupStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	var errs []error
	for _, key := range []string{KeyBackupDirectory, KeyRestoreBackup} {
		dir, err := getString(data, key)
		if err != nil || dir == "" {
			continue
		}
		p, err := s.env.localPath(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("could not remove %s: %w", p, err))
			continue
		}
		s.log.Debug("Removed local working copy", "path", p)
	}
	if err := errors.Join(errs...); err != nil {
		return step.Result{}, err
	}
	data.Clear()
	s.log.Info("Workflow cycle finished")
	return step.Done(nil), nil
}
