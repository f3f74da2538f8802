// Package preflight provides checks that run before a workflow step is
// executed. They do not change the system's state, except for the writable
// check which has to create a test file to be conclusive.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

const writeTestFileName = ".~pgl-cronbackup-writetest.tmp"

// CheckSourceAccessible validates that the source path exists and is a directory.
// A source that disappears between runs (an unmounted share, a renamed folder)
// is reported here instead of producing an empty bundle.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckDirWritable ensures dirPath can be created and written to.
func CheckDirWritable(dirPath string) error {
	info, err := os.Stat(dirPath)
	if err == nil && !info.IsDir() {
		return fmt.Errorf("path %s exists but is not a directory", dirPath)
	}
	if err := os.MkdirAll(dirPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}

	testFile := filepath.Join(dirPath, writeTestFileName)
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dirPath, err)
	}
	f.Close()
	_ = os.Remove(testFile)
	return nil
}

// CheckNotNested returns an error if path is inside root or equal to it.
// Both paths are made absolute first.
func CheckNotNested(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("could not resolve %s: %w", root, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("could not resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		// Different volumes.
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return fmt.Errorf("path %s is inside %s", absPath, absRoot)
	}
	return nil
}
