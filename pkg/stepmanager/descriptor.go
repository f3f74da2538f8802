package stepmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
)

// ErrInvalidDescriptor is matched by every descriptor validation error.
var ErrInvalidDescriptor = errors.New("invalid step descriptor")

// Descriptor declares one entry of a workflow: which step runs, which remote it
// works on (if any) and how many seconds must pass after the previous step
// completed before it becomes eligible.
type Descriptor struct {
	Kind       step.Kind
	Delay      int
	Remote     string
	RemoteKind remote.Kind
}

// NewDescriptor validates and returns a Descriptor. remoteName may be empty for
// steps that do not use a remote.
func NewDescriptor(kind step.Kind, delay int, remoteName string, remoteKind remote.Kind) (Descriptor, error) {
	if delay < 0 {
		return Descriptor{}, fmt.Errorf("%w: delay for %s must not be negative, got %d", ErrInvalidDescriptor, kind, delay)
	}
	if !kind.Valid() {
		return Descriptor{}, fmt.Errorf("%w: unknown step kind %q", ErrInvalidDescriptor, string(kind))
	}
	if kind.NeedsRemote() && remoteName == "" {
		return Descriptor{}, fmt.Errorf("%w: step %s requires a remote", ErrInvalidDescriptor, kind)
	}
	if remoteName != "" && !remoteKind.Valid() {
		return Descriptor{}, fmt.Errorf("%w: remote %q has unknown kind %q", ErrInvalidDescriptor, remoteName, string(remoteKind))
	}
	return Descriptor{Kind: kind, Delay: delay, Remote: remoteName, RemoteKind: remoteKind}, nil
}

// ID returns a stable identifier for the step, e.g. "send-offsite".
func (d Descriptor) ID() string {
	if d.Remote == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + "-" + d.Remote
}

func (d Descriptor) String() string {
	return d.ID()
}

// Hash returns a content hash of the step list. Any change in order, kind,
// delay or remote yields a different hash.
func Hash(descs []Descriptor) string {
	var sb strings.Builder
	for _, d := range descs {
		sb.WriteString(string(d.Kind))
		sb.WriteByte('|')
		sb.WriteString(strconv.Itoa(d.Delay))
		sb.WriteByte('|')
		sb.WriteString(string(d.RemoteKind))
		sb.WriteByte('|')
		sb.WriteString(d.Remote)
		sb.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
