// Package dbdump exports a MySQL/MariaDB database to a SQL file with the
// mysqldump client and imports such a file with the mysql client.
package dbdump

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// ErrDisabled is returned when the database backup is not enabled.
var ErrDisabled = hints.New("database backup is disabled")

// Config holds the connection settings of the database to back up.
type Config struct {
	Enabled       bool     `json:"enabled"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	User          string   `json:"user"`
	Password      string   `json:"password,omitempty"`
	Name          string   `json:"name"`
	DumpCommand   string   `json:"dumpCommand"`
	ImportCommand string   `json:"importCommand"`
	ExtraArgs     []string `json:"extraArgs,omitempty"`
}

// Validate checks the settings needed when the database backup is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Name == "" {
		return errors.New("database.name is required when the database backup is enabled")
	}
	if c.User == "" {
		return errors.New("database.user is required when the database backup is enabled")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("database.port must be between 0 and 65535, got %d", c.Port)
	}
	return nil
}

// Dumper runs the database client tools.
type Dumper struct {
	cfg Config
	log *plog.Logger
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// New returns a Dumper for cfg using os/exec.
func New(cfg Config, log *plog.Logger) *Dumper {
	return &Dumper{cfg: cfg, log: log, commandContext: exec.CommandContext}
}

// WithCommandContext replaces the command constructor, for tests.
func (d *Dumper) WithCommandContext(fn func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Dumper {
	d.commandContext = fn
	return d
}

func (d *Dumper) connectionArgs() []string {
	var args []string
	if d.cfg.Host != "" {
		args = append(args, "--host="+d.cfg.Host)
	}
	if d.cfg.Port > 0 {
		args = append(args, "--port="+strconv.Itoa(d.cfg.Port))
	}
	if d.cfg.User != "" {
		args = append(args, "--user="+d.cfg.User)
	}
	return args
}

// Dump writes the database to outFile.
func (d *Dumper) Dump(ctx context.Context, outFile string) error {
	if !d.cfg.Enabled {
		return ErrDisabled
	}
	name := d.cfg.DumpCommand
	if name == "" {
		name = "mysqldump"
	}
	args := d.connectionArgs()
	args = append(args, "--single-transaction", "--routines", "--triggers", "--result-file="+outFile)
	args = append(args, d.cfg.ExtraArgs...)
	args = append(args, d.cfg.Name)

	d.log.Info("Dumping database", "database", d.cfg.Name, "command", name)
	cmd := d.createCommand(ctx, name, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		os.Remove(outFile)
		return fmt.Errorf("database dump with %s failed: %w", name, err)
	}
	if _, err := os.Stat(outFile); err != nil {
		return fmt.Errorf("database dump produced no output file: %w", err)
	}
	return nil
}

// Import loads the SQL file inFile into the database.
func (d *Dumper) Import(ctx context.Context, inFile string) error {
	if !d.cfg.Enabled {
		return ErrDisabled
	}
	name := d.cfg.ImportCommand
	if name == "" {
		name = "mysql"
	}
	in, err := os.Open(inFile)
	if err != nil {
		return fmt.Errorf("could not open dump %s: %w", inFile, err)
	}
	defer in.Close()

	args := append(d.connectionArgs(), d.cfg.Name)
	d.log.Info("Importing database", "database", d.cfg.Name, "command", name)
	cmd := d.createCommand(ctx, name, args...)
	cmd.Stdin = in
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("database import with %s failed: %w", name, err)
	}
	return nil
}

// createCommand builds the command with the password passed through the
// environment rather than the argument list.
func (d *Dumper) createCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := d.commandContext(ctx, name, args...)
	if d.cfg.Password != "" {
		cmd.Env = append(cmd.Environ(), "MYSQL_PWD="+d.cfg.Password)
	}
	setProcessGroup(cmd)
	return cmd
}
