package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// localHandler stores backups in a directory on a mounted filesystem.
type localHandler struct {
	cfg       Config
	log       *plog.Logger
	base      string
	connected bool
}

func newLocal(cfg Config, log *plog.Logger) (Handler, error) {
	base, err := util.ExpandPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	base, err = filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("could not resolve remote path %s: %w", cfg.Path, err)
	}
	return &localHandler{cfg: cfg, log: log, base: base}, nil
}

func (h *localHandler) Name() string { return h.cfg.Name }
func (h *localHandler) Kind() Kind   { return Local }

func (h *localHandler) Connect(ctx context.Context) error {
	if err := os.MkdirAll(h.base, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create remote base directory %s: %w", h.base, err)
	}
	h.connected = true
	h.log.Debug("Connected to local remote", "path", h.base)
	return nil
}

func (h *localHandler) Disconnect() error {
	h.connected = false
	return nil
}

func (h *localHandler) abs(p string) (string, error) {
	if !h.connected {
		return "", ErrNotConnected
	}
	return filepath.Join(h.base, filepath.FromSlash(cleanRel(p))), nil
}

func (h *localHandler) Mkdir(ctx context.Context, dir string) error {
	abs, err := h.abs(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, util.UserWritableDirPerms)
}

func (h *localHandler) Upload(ctx context.Context, localPath, remotePath string) error {
	abs, err := h.abs(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), util.UserWritableDirPerms); err != nil {
		return err
	}
	return copyFile(ctx, localPath, abs)
}

func (h *localHandler) Download(ctx context.Context, remotePath, localPath string) error {
	abs, err := h.abs(remotePath)
	if err != nil {
		return err
	}
	return copyFile(ctx, abs, localPath)
}

func (h *localHandler) Delete(ctx context.Context, remotePath string) error {
	abs, err := h.abs(remotePath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (h *localHandler) Exists(ctx context.Context, remotePath string) (bool, error) {
	abs, err := h.abs(remotePath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (h *localHandler) List(ctx context.Context, dir string) ([]Entry, error) {
	abs, err := h.abs(dir)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			IsDir:   de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

func (h *localHandler) Rmdir(ctx context.Context, dir string) error {
	abs, err := h.abs(dir)
	if err != nil {
		return err
	}
	if abs == h.base {
		return fmt.Errorf("refusing to remove remote base directory %s", h.base)
	}
	return os.RemoveAll(abs)
}

func (h *localHandler) DeleteOlderThan(ctx context.Context, dir string, cutoff time.Time) ([]string, error) {
	abs, err := h.abs(dir)
	if err != nil {
		return nil, err
	}

	var deleted []string
	var dirs []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != abs {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return err
			}
			rel, _ := filepath.Rel(abs, p)
			deleted = append(deleted, path.Join(cleanRel(dir), filepath.ToSlash(rel)))
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}

	// Deepest first, so parents become empty before they are checked.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		os.Remove(d) // fails harmlessly for non-empty directories
	}
	return deleted, nil
}

// copyFile copies src to dst through a temp file in dst's directory.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, in)); err != nil {
		tmp.Close()
		return fmt.Errorf("could not copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}
