package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Command defines the command to execute.
type Command int

const (
	None Command = iota
	Backup
	Restore
	List
	Status
	Reset
	Unlock
	Daemon
	Init
	Version
)

var commandToString = map[Command]string{
	None:    "none",
	Backup:  "backup",
	Restore: "restore",
	List:    "list",
	Status:  "status",
	Reset:   "reset",
	Unlock:  "unlock",
	Daemon:  "daemon",
	Init:    "init",
	Version: "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'backup', 'restore', 'list', 'status', 'reset', 'unlock', 'daemon', 'init' or 'version'", s)
}
