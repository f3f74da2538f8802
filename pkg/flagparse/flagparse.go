package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	ConfigDir *string
	Name      *string
	LogLevel  *string
	LogFile   *string

	// Shared: Backup / Init / Daemon
	Source              *string
	TempDir             *string
	ExcludeDirs         *string
	ArchiveFormat       *string
	ArchiveLevel        *string
	ArchiveSizeLimitMB  *int
	MaxExecutionSeconds *int
	DeleteWorkers       *int
	BufferSizeKB        *int

	// Restore / List
	Remote     *string
	BackupName *string
	Target     *string

	// Status / Reset / Unlock
	Workflow *string

	// Daemon
	Cron *string

	// Init
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ConfigDir = fs.String("config-dir", "", "Directory holding the configuration files. Defaults to the user config directory.")
	f.Name = fs.String("name", "default", "Name of the configuration to use.")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.LogFile = fs.String("log-file", "", "Also append log output to this file.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to back up.")
	f.TempDir = fs.String("temp-dir", "", "Working directory for archives, progress and locks.")
	f.ExcludeDirs = fs.String("exclude-dirs", "", "Comma-separated list of directories to exclude, absolute or relative to the source.")
	f.ArchiveFormat = fs.String("archive-format", "", "Archive format: 'zip', 'tar.gz', or 'tar.zst'.")
	f.ArchiveLevel = fs.String("archive-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.ArchiveSizeLimitMB = fs.Int("archive-size-limit-mb", 0, "Maximum uncompressed size of one archive in megabytes.")
	f.MaxExecutionSeconds = fs.Int("max-execution-seconds", 0, "Time budget of one invocation in seconds.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated remote backups.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for archive creation and extraction.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	registerBackupFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

func registerRestoreFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Remote = fs.String("remote", "", "Name of the remote to restore from. Optional when only one remote is enabled.")
	f.BackupName = fs.String("backup-name", "", "Name of the backup directory to restore. Defaults to the newest backup.")
	f.Target = fs.String("target", "", "Directory to extract the files into. (Required for a new restore)")
	f.MaxExecutionSeconds = fs.Int("max-execution-seconds", 0, "Time budget of one invocation in seconds.")
}

func registerListFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Remote = fs.String("remote", "", "Name of the remote to list. Optional when only one remote is enabled.")
	f.BackupName = fs.String("backup-name", "", "List the archives of this backup instead of the backups.")
}

func registerWorkflowFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Workflow = fs.String("workflow", "backup", "Workflow to act on: 'backup' or 'restore'.")
}

func registerDaemonFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Cron = fs.String("cron", "", "Cron expression for the backup ticks. Overrides schedule.cron.")
}

// commandSpec describes one subcommand: its help text and the flags it accepts.
type commandSpec struct {
	desc     string
	register []func(*flag.FlagSet, *cliFlags)
}

var commandSpecs = map[Command]commandSpec{
	Backup:  {"Run the next due step of the backup workflow.", []func(*flag.FlagSet, *cliFlags){registerBackupFlags}},
	Restore: {"Run the next due step of the restore workflow.", []func(*flag.FlagSet, *cliFlags){registerRestoreFlags}},
	List:    {"List the backups on a remote, or the archives of one backup.", []func(*flag.FlagSet, *cliFlags){registerListFlags}},
	Status:  {"Show the progress of a workflow without running a step.", []func(*flag.FlagSet, *cliFlags){registerWorkflowFlags}},
	Reset:   {"Discard the progress and shared state of a workflow.", []func(*flag.FlagSet, *cliFlags){registerWorkflowFlags}},
	Unlock:  {"Remove a workflow lock left behind by a crashed process.", []func(*flag.FlagSet, *cliFlags){registerWorkflowFlags}},
	Daemon:  {"Run backup steps on a cron schedule until interrupted.", []func(*flag.FlagSet, *cliFlags){registerDaemonFlags}},
	Init:    {"Write a new configuration file.", []func(*flag.FlagSet, *cliFlags){registerInitFlags}},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
func Parse(args []string) (Command, map[string]any, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	spec, ok := commandSpecs[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	for _, register := range spec.register {
		register(fs, f)
	}
	fs.Usage = func() {
		printSubcommandUsage(command, spec.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]any, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config-dir", f.ConfigDir)
	addIfUsed(flagMap, usedFlags, "name", f.Name)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "temp-dir", f.TempDir)
	addIfUsed(flagMap, usedFlags, "archive-format", f.ArchiveFormat)
	addIfUsed(flagMap, usedFlags, "archive-level", f.ArchiveLevel)
	addIfUsed(flagMap, usedFlags, "archive-size-limit-mb", f.ArchiveSizeLimitMB)
	addIfUsed(flagMap, usedFlags, "max-execution-seconds", f.MaxExecutionSeconds)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)

	addIfUsed(flagMap, usedFlags, "remote", f.Remote)
	addIfUsed(flagMap, usedFlags, "backup-name", f.BackupName)
	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "workflow", f.Workflow)
	addIfUsed(flagMap, usedFlags, "cron", f.Cron)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "exclude-dirs", f.ExcludeDirs, ParseExcludeList)

	// The workflow flag has a meaningful default, expose it even when unset.
	if f.Workflow != nil && !usedFlags["workflow"] {
		flagMap["workflow"] = *f.Workflow
	}
	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Resumable backups, one step per invocation.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run the next due backup step\n")
	fmt.Fprintf(fs.Output(), "  restore     Run the next due restore step\n")
	fmt.Fprintf(fs.Output(), "  list        List remote backups or the archives of one backup\n")
	fmt.Fprintf(fs.Output(), "  status      Show workflow progress\n")
	fmt.Fprintf(fs.Output(), "  reset       Discard workflow progress\n")
	fmt.Fprintf(fs.Output(), "  unlock      Remove a stale workflow lock\n")
	fmt.Fprintf(fs.Output(), "  daemon      Run backup steps on a cron schedule\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Resumable backups, one step per invocation.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseExcludeList parses a comma-separated list of directory paths.
// Quotes group items containing commas or spaces and are removed.
// Backslashes are literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
