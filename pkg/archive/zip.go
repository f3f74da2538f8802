package archive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// DefaultBufferSize is the I/O buffer size used when none is configured.
const DefaultBufferSize = 256 * 1024

func flateLevel(level Level) int {
	switch level {
	case Fastest:
		return flate.BestSpeed
	case Better:
		return 6
	case Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

func writeZip(ctx context.Context, trgF *os.File, srcRoot string, relPaths []string, level Level, buf []byte, log *plog.Logger) (retErr error) {
	bufWriter := bufio.NewWriterSize(trgF, len(buf))
	zw := zip.NewWriter(bufWriter)
	lvl := flateLevel(level)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, lvl)
	})

	defer func() {
		if err := zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	for _, rel := range relPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		absSrcPath := filepath.Join(srcRoot, rel)
		info, err := os.Lstat(absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", absSrcPath, err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to create zip header for %s: %w", rel, err)
		}
		header.Name = util.NormalizePath(rel)
		header.Method = zip.Deflate

		log.Debug("ADD", "file", header.Name)
		if err := copyIntoZip(zw, header, absSrcPath, info, buf); err != nil {
			return err
		}
	}
	return nil
}

func copyIntoZip(zw *zip.Writer, header *zip.FileHeader, absSrcPath string, info os.FileInfo, buf []byte) error {
	f, err := secureFileOpen(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header for %s: %w", header.Name, err)
	}
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		return fmt.Errorf("failed to compress %s: %w", absSrcPath, err)
	}
	return nil
}

func extractZip(ctx context.Context, absArchivePath, targetDir string, buf []byte) error {
	r, err := zip.OpenReader(absArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip file: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		absTarget, err := safeTarget(targetDir, f.Name)
		if err != nil {
			return err
		}

		// Strip SUID and SGID bits.
		mode := f.Mode() &^ (os.ModeSetuid | os.ModeSetgid)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(absTarget, util.WithUserExecutePermission(util.WithUserWritePermission(mode.Perm()))); err != nil {
				return err
			}
			continue
		}
		if !mode.IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
			return err
		}
		if err := extractZipEntry(f, absTarget, mode.Perm(), buf); err != nil {
			return err
		}
		os.Chtimes(absTarget, f.Modified, f.Modified)
	}
	return nil
}

func extractZipEntry(f *zip.File, absTarget string, perm os.FileMode, buf []byte) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	// Remove first so an existing symlink at the target is not followed.
	_ = os.Remove(absTarget)
	out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.WithUserWritePermission(perm))
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(out, rc, buf); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
