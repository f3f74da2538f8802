package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

func newCompressedWriter(w io.Writer, format Format, level Level) (io.WriteCloser, error) {
	switch format {
	case TarZst:
		var encoderLevel zstd.EncoderLevel
		switch level {
		case Fastest:
			encoderLevel = zstd.SpeedFastest
		case Better:
			encoderLevel = zstd.SpeedBetterCompression
		case Best:
			encoderLevel = zstd.SpeedBestCompression
		default:
			encoderLevel = zstd.SpeedDefault
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	default:
		var lvl int
		switch level {
		case Fastest:
			lvl = pgzip.BestSpeed
		case Best:
			lvl = pgzip.BestCompression
		default:
			lvl = pgzip.DefaultCompression
		}
		gw, err := pgzip.NewWriterLevel(w, lvl)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	}
}

func writeTar(ctx context.Context, trgF *os.File, srcRoot string, relPaths []string, format Format, level Level, buf []byte, log *plog.Logger) (retErr error) {
	bufWriter := bufio.NewWriterSize(trgF, len(buf))
	compressedWriter, err := newCompressedWriter(bufWriter, format, level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(compressedWriter)

	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
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
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = util.NormalizePath(rel)

		log.Debug("ADD", "file", header.Name)
		if err := copyIntoTar(tw, header, absSrcPath, info, buf); err != nil {
			return err
		}
	}
	return nil
}

func copyIntoTar(tw *tar.Writer, header *tar.Header, absSrcPath string, info os.FileInfo, buf []byte) error {
	f, err := secureFileOpen(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", header.Name, err)
	}
	if _, err := io.CopyBuffer(tw, f, buf); err != nil {
		return fmt.Errorf("failed to compress %s: %w", absSrcPath, err)
	}
	return nil
}

func extractTar(ctx context.Context, absArchivePath, targetDir string, format Format, buf []byte) error {
	f, err := os.Open(absArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, len(buf))
	switch format {
	case TarGz:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case TarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		absTarget, err := safeTarget(targetDir, header.Name)
		if err != nil {
			return err
		}
		perm := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(absTarget, util.WithUserExecutePermission(util.WithUserWritePermission(perm))); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
				return err
			}
			_ = os.Remove(absTarget)
			out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.WithUserWritePermission(perm))
			if err != nil {
				return err
			}
			if _, err := io.CopyBuffer(out, tr, buf); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
			os.Chtimes(absTarget, header.ModTime, header.ModTime)
		}
	}
}
