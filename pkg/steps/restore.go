package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/crypt"
	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/manifest"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// ErrNoBackups is returned when a remote holds no backups.
var ErrNoBackups = hints.New("no backups found on remote")

// ArchiveInfo describes one archive of a remote backup.
type ArchiveInfo struct {
	Name        string
	Description string
	Size        int64
}

// --- list-backups ---

type listBackupsStep struct {
	base
	h remote.Handler
}

func newListBackupsStep(name string, env *Env, h remote.Handler) step.Step {
	return &listBackupsStep{base: newBase(name, env), h: h}
}

func (s *listBackupsStep) RequiredDataKeys() []string { return nil }

// Execute returns the backups as []retention.Backup, newest first.
func (s *listBackupsStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	var result step.Result
	err := connected(ctx, s.h, func() error {
		backups, err := listBackups(ctx, s.h, s.env.Config.Archive.NamePrefix)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			return fmt.Errorf("%s: %w", s.h.Name(), ErrNoBackups)
		}
		result = step.Done(backups)
		return nil
	})
	return result, err
}

// --- list-archives ---

type listArchivesStep struct {
	base
	h remote.Handler
}

func newListArchivesStep(name string, env *Env, h remote.Handler) step.Step {
	return &listArchivesStep{base: newBase(name, env), h: h}
}

func (s *listArchivesStep) RequiredDataKeys() []string { return []string{KeyRestoreBackup} }

// Execute returns the archives of one backup as []ArchiveInfo, sorted by name.
func (s *listArchivesStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	backupDir, err := getString(data, KeyRestoreBackup)
	if err != nil {
		return step.Result{}, err
	}
	tmp, err := os.MkdirTemp(s.env.WorkDir, ".list-*")
	if err != nil {
		return step.Result{}, err
	}
	defer os.RemoveAll(tmp)

	var result step.Result
	err = connected(ctx, s.h, func() error {
		m, err := fetchManifest(ctx, s.h, backupDir, filepath.Join(tmp, manifest.FileName))
		if err != nil {
			return err
		}
		entries, err := s.h.List(ctx, backupDir)
		if err != nil {
			return fmt.Errorf("could not list backup %s: %w", backupDir, err)
		}
		sizes := make(map[string]int64, len(entries))
		for _, e := range entries {
			sizes[e.Name] = e.Size
		}
		infos := make([]ArchiveInfo, 0, len(m))
		for _, name := range m.Names() {
			infos = append(infos, ArchiveInfo{Name: name, Description: m[name], Size: sizes[name]})
		}
		result = step.Done(infos)
		return nil
	})
	return result, err
}

// --- extract ---

// extractStep decrypts and unpacks the downloaded file archives into the
// restore target, one archive per loop iteration.
type extractStep struct{ base }

func newExtractStep(name string, env *Env, _ remote.Handler) step.Step {
	return &extractStep{newBase(name, env)}
}

func (s *extractStep) RequiredDataKeys() []string {
	return []string{KeyRestoreBackup, KeyDownloads, KeyRestoreTarget}
}

func (s *extractStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	backupDir, err := getString(data, KeyRestoreBackup)
	if err != nil {
		return step.Result{}, err
	}
	target, err := getString(data, KeyRestoreTarget)
	if err != nil {
		return step.Result{}, err
	}
	downloads, err := getStrings(data, KeyDownloads)
	if err != nil {
		return step.Result{}, err
	}
	extracted, err := getStrings(data, KeyExtracted)
	if err != nil {
		return step.Result{}, err
	}
	localDir, err := s.env.localPath(backupDir)
	if err != nil {
		return step.Result{}, err
	}
	if err := os.MkdirAll(target, util.UserWritableDirPerms); err != nil {
		return step.Result{}, fmt.Errorf("could not create restore target: %w", err)
	}
	attempts, err := s.env.Attempts(s.name)
	if err != nil {
		return step.Result{}, err
	}

	done := make(map[string]bool, len(extracted))
	for _, e := range extracted {
		done[e] = true
	}

	count := 0
	for _, name := range downloads {
		if done[name] || isDatabaseArchive(name) {
			continue
		}
		if s.env.Budget.TimeoutClose() {
			s.log.Notice("Time budget nearly used, continuing next run", "extracted", len(done))
			return step.Again(count), nil
		}
		if err := attempts.Increment(); err != nil {
			return step.Result{}, err
		}
		plain, err := s.env.plainArchive(filepath.Join(localDir, name))
		if err != nil {
			return step.Result{}, err
		}
		if err := s.env.Archiver.Extract(ctx, plain, target); err != nil {
			return step.Result{}, fmt.Errorf("could not extract %s: %w", name, err)
		}
		if err := attempts.Reset(); err != nil {
			return step.Result{}, err
		}
		extracted = append(extracted, name)
		done[name] = true
		count++
		if err := data.Set(KeyExtracted, extracted); err != nil {
			return step.Result{}, err
		}
	}

	if err := data.Set(KeyExtracted, extracted); err != nil {
		return step.Result{}, err
	}
	s.log.Info("Files restored", "target", target, "archives", len(extracted))
	return step.Done(count), nil
}

// plainArchive returns the path of the decrypted archive for p, decrypting it
// in place when needed. A previous run may already have decrypted it.
func (e *Env) plainArchive(p string) (string, error) {
	if !strings.HasSuffix(p, crypt.Suffix) {
		return p, nil
	}
	plain := strings.TrimSuffix(p, crypt.Suffix)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		if _, err := os.Stat(plain); err == nil {
			return plain, nil
		}
	}
	if e.Encryptor == nil {
		return "", fmt.Errorf("%s is encrypted but no passphrase is configured", filepath.Base(p))
	}
	return e.Encryptor.DecryptFile(p)
}

// --- restore-database ---

// restoreDatabaseStep imports the downloaded database archive, if any.
type restoreDatabaseStep struct{ base }

func newRestoreDatabaseStep(name string, env *Env, _ remote.Handler) step.Step {
	return &restoreDatabaseStep{newBase(name, env)}
}

func (s *restoreDatabaseStep) RequiredDataKeys() []string {
	return []string{KeyRestoreBackup, KeyDownloads}
}

func (s *restoreDatabaseStep) Execute(ctx context.Context, data *step.Data) (step.Result, error) {
	if data.Has(KeyDatabaseRestored) {
		return step.Done(true), nil
	}
	downloads, err := getStrings(data, KeyDownloads)
	if err != nil {
		return step.Result{}, err
	}
	var dbArchive string
	for _, name := range downloads {
		if isDatabaseArchive(name) {
			dbArchive = name
			break
		}
	}
	if dbArchive == "" {
		s.log.Info("Backup contains no database, skipping")
		return step.Done(false), nil
	}
	if !s.env.Config.Database.Enabled || s.env.Dumper == nil {
		s.log.Warn("Backup contains a database but the database is not configured, skipping", "archive", dbArchive)
		return step.Done(false), nil
	}

	backupDir, err := getString(data, KeyRestoreBackup)
	if err != nil {
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
	if err := attempts.Increment(); err != nil {
		return step.Result{}, err
	}

	plain, err := s.env.plainArchive(filepath.Join(localDir, dbArchive))
	if err != nil {
		return step.Result{}, err
	}
	dumpDir := filepath.Join(localDir, "database")
	if err := s.env.Archiver.Extract(ctx, plain, dumpDir); err != nil {
		return step.Result{}, fmt.Errorf("could not extract %s: %w", dbArchive, err)
	}
	if err := s.env.Dumper.Import(ctx, filepath.Join(dumpDir, databaseDumpName)); err != nil {
		return step.Result{}, err
	}
	if err := attempts.Reset(); err != nil {
		return step.Result{}, err
	}
	if err := data.Set(KeyDatabaseRestored, true); err != nil {
		return step.Result{}, err
	}
	s.log.Info("Database restored", "database", s.env.Config.Database.Name)
	return step.Done(true), nil
}
