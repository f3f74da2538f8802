package steps

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/crypt"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
)

// Shared data keys of the backup workflow.
const (
	KeyBackupID        = "backupId"
	KeyBackupDirectory = "backupDirectory"
	KeyBundles         = "bundles"
	KeyArchives        = "archives"
	KeyDatabaseArchive = "databaseArchive"
	KeyStartedAt       = "startedAt"
)

// Shared data keys of the restore workflow.
const (
	KeyRestoreBackup    = "restoreBackup"
	KeyRestoreRemote    = "restoreRemote"
	KeyRestoreTarget    = "restoreTarget"
	KeyDownloads        = "downloads"
	KeyExtracted        = "extracted"
	KeyDatabaseRestored = "databaseRestored"
)

const (
	filesArchivePrefix = "files-"
	databaseDumpName   = "database.sql"
)

// Archive is one finished archive of the current backup.
type Archive struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// filesArchiveName returns the archive name of the bundle at index i.
func filesArchiveName(i int, f archive.Format, encrypted bool) string {
	name := fmt.Sprintf("%s%03d%s", filesArchivePrefix, i+1, f.Ext())
	if encrypted {
		name += crypt.Suffix
	}
	return name
}

func databaseArchiveName(f archive.Format, encrypted bool) string {
	name := databaseDumpName + f.Ext()
	if encrypted {
		name += crypt.Suffix
	}
	return name
}

func isDatabaseArchive(name string) bool {
	return strings.HasPrefix(name, databaseDumpName+".")
}

func archiveNames(archives []Archive) []string {
	names := make([]string, len(archives))
	for i, a := range archives {
		names[i] = a.Name
	}
	return names
}

// getStrings reads a string list, treating a missing key as empty.
func getStrings(data *step.Data, key string) ([]string, error) {
	var v []string
	if !data.Has(key) {
		return v, nil
	}
	if err := data.Get(key, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func getString(data *step.Data, key string) (string, error) {
	var v string
	err := data.Get(key, &v)
	return v, err
}

// localPath resolves a name below the workflow directory, refusing names
// that would leave it.
func (e *Env) localPath(parts ...string) (string, error) {
	p := filepath.Join(append([]string{e.WorkDir}, parts...)...)
	if p != e.WorkDir && !strings.HasPrefix(p, filepath.Clean(e.WorkDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %s escapes the work directory", step.ErrInvalidArgument, filepath.Join(parts...))
	}
	return p, nil
}
