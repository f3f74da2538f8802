// Package remote provides storage backends that finished backups are shipped
// to. Every backend implements Handler; paths passed to a Handler are
// slash-separated and relative to the backend's configured base path.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// ErrNotConnected is returned by operations on a handler that has not been connected.
var ErrNotConnected = errors.New("remote handler is not connected")

// Entry is one item of a remote directory listing.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Handler is a remote storage backend.
type Handler interface {
	Name() string
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect() error

	// Mkdir creates dir and any missing parents.
	Mkdir(ctx context.Context, dir string) error
	// Upload copies the local file to remotePath, replacing it if present.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Download copies remotePath to the local file, replacing it if present.
	Download(ctx context.Context, remotePath, localPath string) error
	// Delete removes a single file. A missing file is not an error.
	Delete(ctx context.Context, remotePath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)
	// List returns the direct children of dir sorted by name.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Rmdir removes dir and everything below it.
	Rmdir(ctx context.Context, dir string) error
	// DeleteOlderThan removes every file below dir last modified before cutoff
	// and returns the removed paths. Directories left empty are removed too.
	DeleteOlderThan(ctx context.Context, dir string, cutoff time.Time) ([]string, error)
}

// Config describes one configured remote.
type Config struct {
	Name             string     `json:"name"`
	Kind             Kind       `json:"kind"`
	Enabled          bool       `json:"enabled"`
	Path             string     `json:"path"`
	SendDelaySeconds int        `json:"sendDelaySeconds"`
	S3               S3Config   `json:"s3,omitzero"`
	SFTP             SFTPConfig `json:"sftp,omitzero"`
}

// S3Config holds the settings of an S3-compatible object store.
type S3Config struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint,omitempty"`
	AccessKey    string `json:"accessKey,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
	UsePathStyle bool   `json:"usePathStyle,omitempty"`
}

// SFTPConfig holds the settings of an SFTP server.
type SFTPConfig struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	User                  string `json:"user"`
	Password              string `json:"password,omitempty"`
	PrivateKeyPath        string `json:"privateKeyPath,omitempty"`
	KnownHostsPath        string `json:"knownHostsPath,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecureIgnoreHostKey,omitempty"`
	TimeoutSeconds        int    `json:"timeoutSeconds,omitempty"`
}

// Validate checks the settings required by the configured kind.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("remote name cannot be empty")
	}
	if strings.ContainsAny(c.Name, `/\ `) {
		return fmt.Errorf("remote name %q must not contain slashes or spaces", c.Name)
	}
	if c.SendDelaySeconds < 0 {
		return fmt.Errorf("remote %s: sendDelaySeconds cannot be negative", c.Name)
	}
	switch c.Kind {
	case Local:
		if c.Path == "" {
			return fmt.Errorf("remote %s: path is required for local remotes", c.Name)
		}
	case S3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("remote %s: s3.bucket is required", c.Name)
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			return fmt.Errorf("remote %s: s3.region or s3.endpoint is required", c.Name)
		}
	case SFTP:
		if c.SFTP.Host == "" || c.SFTP.User == "" {
			return fmt.Errorf("remote %s: sftp.host and sftp.user are required", c.Name)
		}
		if c.SFTP.Password == "" && c.SFTP.PrivateKeyPath == "" {
			return fmt.Errorf("remote %s: sftp.password or sftp.privateKeyPath is required", c.Name)
		}
		if c.SFTP.KnownHostsPath == "" && !c.SFTP.InsecureIgnoreHostKey {
			return fmt.Errorf("remote %s: sftp.knownHostsPath is required unless insecureIgnoreHostKey is set", c.Name)
		}
	default:
		return fmt.Errorf("remote %s: %w", c.Name, errUnknownKind(c.Kind))
	}
	return nil
}

// Factory constructs a handler from its configuration.
type Factory func(cfg Config, log *plog.Logger) (Handler, error)

var factories = map[Kind]Factory{
	Local: newLocal,
	S3:    newS3,
	SFTP:  newSFTP,
}

// New returns an unconnected handler for cfg.
func New(cfg Config, log *plog.Logger) (Handler, error) {
	factory, ok := factories[cfg.Kind]
	if !ok {
		return nil, errUnknownKind(cfg.Kind)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return factory(cfg, log.With("remote", cfg.Name))
}

func errUnknownKind(k Kind) error {
	return fmt.Errorf("unsupported remote kind %q", string(k))
}

// cleanRel normalizes a handler-relative path. Rooting it before cleaning
// keeps ".." from climbing above the base path.
func cleanRel(p string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, `\`, "/")), "/")
}
