package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

func TestCreateAndExtract(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"a.txt":                               "alpha",
		filepath.Join("sub", "b.txt"):         "bravo",
		filepath.Join("sub", "deep", "c.txt"): "charlie",
		"not-bundled.txt":                     "skip me",
	}
	for rel, content := range files {
		p := filepath.Join(src, rel)
		os.MkdirAll(filepath.Dir(p), 0755)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	bundle := []string{"a.txt", filepath.Join("sub", "b.txt"), filepath.Join("sub", "deep", "c.txt")}

	for _, format := range []Format{Zip, TarGz, TarZst} {
		t.Run(format.String(), func(t *testing.T) {
			a := New(format, Fastest, plog.Discard())
			archivePath := filepath.Join(t.TempDir(), "out", "files-001"+format.Ext())

			if err := a.Create(context.Background(), src, bundle, archivePath); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(archivePath), "*.tmp"))
			if len(leftovers) != 0 {
				t.Errorf("expected no temp files, found %v", leftovers)
			}

			target := t.TempDir()
			if err := a.Extract(context.Background(), archivePath, target); err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			for _, rel := range bundle {
				data, err := os.ReadFile(filepath.Join(target, rel))
				if err != nil {
					t.Fatalf("expected %s to be extracted: %v", rel, err)
				}
				if string(data) != files[rel] {
					t.Errorf("content mismatch for %s: got %q", rel, data)
				}
			}
			if _, err := os.Stat(filepath.Join(target, "not-bundled.txt")); !os.IsNotExist(err) {
				t.Error("file outside the bundle was archived")
			}
		})
	}
}

func TestCreateMissingFile(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "x.zip")
	err := New(Zip, Default, plog.Discard()).Create(context.Background(), src, []string{"gone.txt"}, out)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("expected no archive to be left behind on failure")
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(out), "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("expected temp file cleanup, found %v", leftovers)
	}
}

func TestDetectFormat(t *testing.T) {
	testCases := map[string]Format{
		"files-001.zip":         Zip,
		"files-001.tar.gz":      TarGz,
		"files-001.tar.zst.age": TarZst,
		"database.zip.age":      Zip,
	}
	for name, want := range testCases {
		got, err := DetectFormat(name)
		if err != nil || got != want {
			t.Errorf("DetectFormat(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := DetectFormat("notes.txt"); err == nil {
		t.Error("expected error for unknown extension")
	}
}

func TestSafeTarget(t *testing.T) {
	dir := t.TempDir()
	if _, err := safeTarget(dir, "../../etc/passwd"); err == nil {
		t.Error("expected path traversal to be rejected")
	}
	if _, err := safeTarget(dir, "ok/file.txt"); err != nil {
		t.Errorf("expected nested path to be accepted, got %v", err)
	}
}
