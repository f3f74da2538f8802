package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckSourceAccessible(t *testing.T) {
	t.Run("Happy Path - Source is a directory", func(t *testing.T) {
		srcDir := t.TempDir()
		err := CheckSourceAccessible(srcDir)
		if err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Source does not exist", func(t *testing.T) {
		nonExistentPath := filepath.Join(t.TempDir(), "nonexistent")
		err := CheckSourceAccessible(nonExistentPath)
		if err == nil {
			t.Fatal("expected an error for non-existent source, but got nil")
		}
		if !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected error about non-existent source, but got: %v", err)
		}
	})

	t.Run("Error - Source is a file", func(t *testing.T) {
		srcFile := filepath.Join(t.TempDir(), "source.txt")
		if err := os.WriteFile(srcFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckSourceAccessible(srcFile)
		if err == nil {
			t.Fatal("expected an error when source is a file, but got nil")
		}
		if !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error about source not being a directory, but got: %v", err)
		}
	})
}

func TestCheckDirWritable(t *testing.T) {
	t.Run("Happy Path - Directory is writable", func(t *testing.T) {
		dir := t.TempDir()
		if err := CheckDirWritable(dir); err != nil {
			t.Errorf("expected no error, but got: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, writeTestFileName)); !os.IsNotExist(err) {
			t.Error("expected write test file to be removed")
		}
	})

	t.Run("Happy Path - Directory is created", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		if err := CheckDirWritable(dir); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist, got err=%v", dir, err)
		}
	})

	t.Run("Error - Path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "target.txt")
		if err := os.WriteFile(file, []byte("i am a file"), 0644); err != nil {
			t.Fatal(err)
		}
		err := CheckDirWritable(file)
		if err == nil || !strings.Contains(err.Error(), "exists but is not a directory") {
			t.Errorf("expected error about path being a file, but got: %v", err)
		}
	})
}

func TestCheckNotNested(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"same path", root, true},
		{"child", filepath.Join(root, "backups"), true},
		{"deep child", filepath.Join(root, "a", "b", "c"), true},
		{"sibling", filepath.Join(filepath.Dir(root), "other"), false},
		{"sibling with common prefix", root + "-remote", false},
		{"parent", filepath.Dir(root), false},
		{"dotdot-prefixed name", filepath.Join(root, "..backups"), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckNotNested(root, tc.path)
			if (err != nil) != tc.wantErr {
				t.Errorf("CheckNotNested(%q, %q) error = %v, wantErr %v", root, tc.path, err, tc.wantErr)
			}
		})
	}
}
