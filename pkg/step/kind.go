package step

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Kind identifies a step implementation.
type Kind string

const (
	Bundle          Kind = "bundle"
	BackupDirectory Kind = "backup-directory"
	BackupDatabase  Kind = "backup-database"
	Send            Kind = "send"
	Prune           Kind = "prune"
	Cleanup         Kind = "cleanup"
	ListBackups     Kind = "list-backups"
	ListArchives    Kind = "list-archives"
	Download        Kind = "download"
	Extract         Kind = "extract"
	RestoreDatabase Kind = "restore-database"
)

var kindToString = map[Kind]string{
	Bundle:          "bundle",
	BackupDirectory: "backup-directory",
	BackupDatabase:  "backup-database",
	Send:            "send",
	Prune:           "prune",
	Cleanup:         "cleanup",
	ListBackups:     "list-backups",
	ListArchives:    "list-archives",
	Download:        "download",
	Extract:         "extract",
	RestoreDatabase: "restore-database",
}

// Kinds that operate on a remote storage handler.
var remoteKinds = map[Kind]bool{
	Send:         true,
	Prune:        true,
	ListBackups:  true,
	ListArchives: true,
	Download:     true,
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_step_kind(%s)", string(k))
}

// Valid reports whether k names a known step implementation.
func (k Kind) Valid() bool {
	_, ok := kindToString[k]
	return ok
}

// NeedsRemote reports whether steps of this kind require a remote handler.
func (k Kind) NeedsRemote() bool {
	return remoteKinds[k]
}

func ParseKind(s string) (Kind, error) {
	if kind, ok := stringToKind[s]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("invalid step kind: %q", s)
}

// MarshalJSON implements the json.Marshaler interface for Kind.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("step kind should be a string, got %s", data)
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
