package remote

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Kind identifies a remote storage backend.
type Kind string

const (
	Local Kind = "local"
	S3    Kind = "s3"
	SFTP  Kind = "sftp"
)

var kindToString = map[Kind]string{
	Local: "local",
	S3:    "s3",
	SFTP:  "sftp",
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_remote_kind(%s)", string(k))
}

// Valid reports whether k names a supported backend.
func (k Kind) Valid() bool {
	_, ok := kindToString[k]
	return ok
}

func ParseKind(s string) (Kind, error) {
	if kind, ok := stringToKind[s]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("invalid remote kind: %q. Must be 'local', 's3', or 'sftp'", s)
}

// MarshalJSON implements the json.Marshaler interface for Kind.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("remote kind should be a string, got %s", data)
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
