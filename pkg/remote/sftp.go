package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

const defaultSFTPPort = 22

// sftpHandler stores backups on an SSH server through the SFTP subsystem.
type sftpHandler struct {
	cfg    Config
	log    *plog.Logger
	base   string
	ssh    *ssh.Client
	client *sftp.Client
}

func newSFTP(cfg Config, log *plog.Logger) (Handler, error) {
	base := path.Clean(cfg.Path)
	if cfg.Path == "" {
		base = "."
	}
	return &sftpHandler{cfg: cfg, log: log, base: base}, nil
}

func (h *sftpHandler) Name() string { return h.cfg.Name }
func (h *sftpHandler) Kind() Kind   { return SFTP }

func (h *sftpHandler) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if h.cfg.SFTP.PrivateKeyPath != "" {
		key, err := os.ReadFile(h.cfg.SFTP.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("could not read private key %s: %w", h.cfg.SFTP.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("could not parse private key %s: %w", h.cfg.SFTP.PrivateKeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if h.cfg.SFTP.Password != "" {
		auth = append(auth, ssh.Password(h.cfg.SFTP.Password))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if h.cfg.SFTP.KnownHostsPath != "" {
		cb, err := knownhosts.New(h.cfg.SFTP.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("could not load known hosts %s: %w", h.cfg.SFTP.KnownHostsPath, err)
		}
		hostKeyCallback = cb
	} else {
		h.log.Warn("Host key verification is disabled for sftp remote")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	timeout := 30 * time.Second
	if h.cfg.SFTP.TimeoutSeconds > 0 {
		timeout = time.Duration(h.cfg.SFTP.TimeoutSeconds) * time.Second
	}
	return &ssh.ClientConfig{
		User:            h.cfg.SFTP.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (h *sftpHandler) Connect(ctx context.Context) error {
	sshCfg, err := h.clientConfig()
	if err != nil {
		return err
	}
	port := h.cfg.SFTP.Port
	if port == 0 {
		port = defaultSFTPPort
	}
	addr := net.JoinHostPort(h.cfg.SFTP.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: sshCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("could not start sftp session on %s: %w", addr, err)
	}
	h.ssh = sshClient
	h.client = client
	h.log.Debug("Connected to sftp remote", "addr", addr, "path", h.base)
	return nil
}

func (h *sftpHandler) Disconnect() error {
	var errs []error
	if h.client != nil {
		errs = append(errs, h.client.Close())
		h.client = nil
	}
	if h.ssh != nil {
		errs = append(errs, h.ssh.Close())
		h.ssh = nil
	}
	return errors.Join(errs...)
}

func (h *sftpHandler) abs(p string) (string, error) {
	if h.client == nil {
		return "", ErrNotConnected
	}
	return path.Join(h.base, cleanRel(p)), nil
}

func (h *sftpHandler) Mkdir(ctx context.Context, dir string) error {
	abs, err := h.abs(dir)
	if err != nil {
		return err
	}
	return h.client.MkdirAll(abs)
}

func (h *sftpHandler) Upload(ctx context.Context, localPath, remotePath string) error {
	abs, err := h.abs(remotePath)
	if err != nil {
		return err
	}
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	part := abs + ".part"
	out, err := h.client.Create(part)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", part, err)
	}
	if _, err := out.ReadFrom(readerWithContext(ctx, in)); err != nil {
		out.Close()
		h.client.Remove(part)
		return fmt.Errorf("could not upload %s: %w", localPath, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return h.client.PosixRename(part, abs)
}

func (h *sftpHandler) Download(ctx context.Context, remotePath, localPath string) error {
	abs, err := h.abs(remotePath)
	if err != nil {
		return err
	}
	in, err := h.client.Open(abs)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", abs, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+"-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := in.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("could not download %s: %w", abs, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

func (h *sftpHandler) Delete(ctx context.Context, remotePath string) error {
	abs, err := h.abs(remotePath)
	if err != nil {
		return err
	}
	if err := h.client.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (h *sftpHandler) Exists(ctx context.Context, remotePath string) (bool, error) {
	abs, err := h.abs(remotePath)
	if err != nil {
		return false, err
	}
	if _, err := h.client.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (h *sftpHandler) List(ctx context.Context, dir string) ([]Entry, error) {
	abs, err := h.abs(dir)
	if err != nil {
		return nil, err
	}
	infos, err := h.client.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:    info.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (h *sftpHandler) Rmdir(ctx context.Context, dir string) error {
	abs, err := h.abs(dir)
	if err != nil {
		return err
	}
	if abs == h.base {
		return fmt.Errorf("refusing to remove remote base directory %s", h.base)
	}
	return h.removeAll(ctx, abs)
}

func (h *sftpHandler) removeAll(ctx context.Context, abs string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := h.client.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, info := range infos {
		child := path.Join(abs, info.Name())
		if info.IsDir() {
			if err := h.removeAll(ctx, child); err != nil {
				return err
			}
			continue
		}
		if err := h.client.Remove(child); err != nil {
			return fmt.Errorf("could not remove %s: %w", child, err)
		}
	}
	return h.client.RemoveDirectory(abs)
}

func (h *sftpHandler) DeleteOlderThan(ctx context.Context, dir string, cutoff time.Time) ([]string, error) {
	abs, err := h.abs(dir)
	if err != nil {
		return nil, err
	}
	var deleted []string
	_, err = h.pruneOlder(ctx, abs, cutoff, &deleted)
	return deleted, err
}

// pruneOlder removes old files below abs and reports whether abs ended up empty.
func (h *sftpHandler) pruneOlder(ctx context.Context, abs string, cutoff time.Time, deleted *[]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	infos, err := h.client.ReadDir(abs)
	if err != nil {
		return false, err
	}
	remaining := len(infos)
	for _, info := range infos {
		child := path.Join(abs, info.Name())
		if info.IsDir() {
			empty, err := h.pruneOlder(ctx, child, cutoff, deleted)
			if err != nil {
				return false, err
			}
			if empty && h.client.RemoveDirectory(child) == nil {
				remaining--
			}
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := h.client.Remove(child); err != nil {
				return false, fmt.Errorf("could not remove %s: %w", child, err)
			}
			*deleted = append(*deleted, strings.TrimPrefix(child, h.base+"/"))
			remaining--
		}
	}
	return remaining == 0, nil
}
