// Package manifest reads and writes the document stored next to the archives
// of a remote backup. It maps each archive file name to a short description.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// FileName is the name of the manifest inside a backup directory.
const FileName = "manifest.json"

// Manifest maps archive file names to descriptions.
type Manifest map[string]string

// Read opens and parses the manifest at path. A missing file is returned as
// the original error so os.IsNotExist works for the caller.
func Read(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not parse manifest %s: %w. It may be corrupt", path, err)
	}
	return m, nil
}

// ReadDir reads the manifest inside dirPath, returning an empty manifest if
// none exists yet.
func ReadDir(dirPath string) (Manifest, error) {
	m, err := Read(filepath.Join(dirPath, FileName))
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	return m, err
}

// Write stores the manifest at path atomically.
func (m Manifest) Write(path string) error {
	jsonData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal manifest: %w", err)
	}
	// Group-writable like the rest of the backup contents.
	if err := util.WriteFileAtomic(path, jsonData, util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not write manifest %s: %w", path, err)
	}
	return nil
}

// Add records name with its description.
func (m Manifest) Add(name, description string) { m[name] = description }

// Merge copies entries from other that m does not have yet.
func (m Manifest) Merge(other Manifest) {
	for k, v := range other {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
}

// Missing returns the names not present in m, in input order.
func (m Manifest) Missing(names []string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := m[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// Names returns the archive names sorted.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
