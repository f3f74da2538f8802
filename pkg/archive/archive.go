// Package archive packs a list of files into a single compressed archive and
// unpacks such archives again. Archives are written to a temp file next to the
// target and renamed into place once complete.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/pool"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Archiver creates and extracts archives of one format.
type Archiver struct {
	format  Format
	level   Level
	buffers *pool.FixedBufferPool
	log     *plog.Logger
}

// New returns an Archiver writing the given format and level.
func New(format Format, level Level, log *plog.Logger) *Archiver {
	return &Archiver{format: format, level: level, buffers: pool.NewFixedBuffer(DefaultBufferSize), log: log}
}

// WithBufferSize sets the I/O buffer size in kilobytes. Values <= 0 keep the default.
func (a *Archiver) WithBufferSize(kb int) *Archiver {
	if kb > 0 {
		a.buffers = pool.NewFixedBuffer(int64(kb) * 1024)
	}
	return a
}

// Format returns the format archives are created in.
func (a *Archiver) Format() Format { return a.format }

// Create writes the files relPaths, resolved against srcRoot, into a new
// archive at absArchivePath. Paths inside the archive are relative to srcRoot.
func (a *Archiver) Create(ctx context.Context, srcRoot string, relPaths []string, absArchivePath string) (retErr error) {
	if err := os.MkdirAll(filepath.Dir(absArchivePath), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	trgF, err := os.CreateTemp(filepath.Dir(absArchivePath), "pgl-cronbackup-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	bufPtr := a.buffers.Get()
	defer a.buffers.Put(bufPtr)
	switch a.format {
	case Zip:
		err = writeZip(ctx, trgF, srcRoot, relPaths, a.level, *bufPtr, a.log)
	case TarGz, TarZst:
		err = writeTar(ctx, trgF, srcRoot, relPaths, a.format, a.level, *bufPtr, a.log)
	default:
		err = fmt.Errorf("unsupported archive format %q", string(a.format))
	}
	if err != nil {
		return err
	}

	if err := trgF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempTrgPath, absArchivePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return nil
}

// Extract unpacks absArchivePath into targetDir. The format is derived from the
// file name.
func (a *Archiver) Extract(ctx context.Context, absArchivePath, targetDir string) error {
	format, err := DetectFormat(filepath.Base(absArchivePath))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	a.log.Notice("EXTRACT", "source", absArchivePath, "target", targetDir)

	bufPtr := a.buffers.Get()
	defer a.buffers.Put(bufPtr)
	switch format {
	case Zip:
		return extractZip(ctx, absArchivePath, targetDir, *bufPtr)
	default:
		return extractTar(ctx, absArchivePath, targetDir, format, *bufPtr)
	}
}

// secureFileOpen opens a file and verifies it is still the file that was
// listed, with the same size.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}
	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during backup (TOCTOU): %s", absFilePath)
	}
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during backup: %s", absFilePath)
	}
	return f, nil
}

// safeTarget resolves an archive entry name inside targetDir, rejecting names
// that would escape it.
func safeTarget(targetDir, name string) (string, error) {
	cleanTarget := filepath.Clean(targetDir)
	absTarget := filepath.Join(cleanTarget, filepath.FromSlash(name))
	if !strings.HasPrefix(absTarget, cleanTarget+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return absTarget, nil
}
