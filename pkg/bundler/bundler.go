// Package bundler partitions a directory tree into groups of files whose
// combined size stays under a ceiling, so each group can become one archive.
//
// Files are packed largest first, one directory level at a time, before the
// walk descends into subdirectories. A file at least as large as the ceiling
// always gets a bundle of its own. When a file does not fit into the open
// bundle, the bundle is topped up with smaller files from the same level and
// sealed. The open bundle is carried into subdirectories, so bundles may span a
// parent directory and its children.
package bundler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Bundle is an ordered list of file paths relative to the bundled root, using
// the OS path separator.
type Bundle []string

// ErrInvalidLimit is returned when the size ceiling is not positive.
var ErrInvalidLimit = errors.New("bundle size limit must be greater than zero")

type fileEntry struct {
	rel  string
	size int64
}

type packer struct {
	root     string
	limit    int64
	excluded map[string]struct{}
	bundles  []Bundle

	current     Bundle
	currentSize int64
}

// CreateBundles walks rootDir and returns the file bundles in packing order.
// excludedDirs may be absolute or relative to rootDir; an excluded directory is
// skipped together with its descendants. An empty tree yields no bundles.
func CreateBundles(rootDir string, sizeLimit int64, excludedDirs []string) ([]Bundle, error) {
	if sizeLimit <= 0 {
		return nil, ErrInvalidLimit
	}
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("could not resolve source directory %s: %w", rootDir, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("could not access source directory %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", absRoot)
	}

	p := &packer{
		root:     absRoot,
		limit:    sizeLimit,
		excluded: make(map[string]struct{}, len(excludedDirs)),
	}
	for _, dir := range excludedDirs {
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(absRoot, dir)
		}
		p.excluded[util.NormalizePath(dir)] = struct{}{}
	}

	if err := p.walk(absRoot, ""); err != nil {
		return nil, err
	}
	p.seal()
	return p.bundles, nil
}

// walk packs the files of one directory level, then recurses into its
// subdirectories.
func (p *packer) walk(absDir, relDir string) error {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return fmt.Errorf("could not read directory %s: %w", absDir, err)
	}

	var files []fileEntry
	var subdirs []string
	for _, entry := range entries {
		rel := entry.Name()
		if relDir != "" {
			rel = filepath.Join(relDir, entry.Name())
		}
		switch {
		case entry.IsDir():
			subdirs = append(subdirs, rel)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("could not stat %s: %w", filepath.Join(absDir, entry.Name()), err)
			}
			files = append(files, fileEntry{rel: rel, size: info.Size()})
		}
		// Symlinks, devices, sockets and pipes are not archived.
	}

	sort.SliceStable(files, func(i, j int) bool { return files[i].size > files[j].size })
	p.packLevel(files)

	for _, rel := range subdirs {
		abs := filepath.Join(p.root, rel)
		if _, skip := p.excluded[util.NormalizePath(abs)]; skip {
			continue
		}
		if err := p.walk(abs, rel); err != nil {
			return err
		}
	}
	return nil
}

// packLevel packs size-sorted files of a single directory level.
func (p *packer) packLevel(files []fileEntry) {
	packed := make([]bool, len(files))
	for i, f := range files {
		if packed[i] {
			continue
		}
		packed[i] = true

		if f.size >= p.limit {
			p.bundles = append(p.bundles, Bundle{f.rel})
			continue
		}
		if p.currentSize+f.size <= p.limit {
			p.add(f)
			continue
		}

		// Backfill with smaller files from this level before sealing.
		for j := i + 1; j < len(files); j++ {
			if packed[j] || files[j].size >= p.limit {
				continue
			}
			if p.currentSize+files[j].size <= p.limit {
				p.add(files[j])
				packed[j] = true
			}
		}
		p.seal()
		p.add(f)
	}
}

func (p *packer) add(f fileEntry) {
	p.current = append(p.current, f.rel)
	p.currentSize += f.size
}

func (p *packer) seal() {
	if len(p.current) == 0 {
		return
	}
	p.bundles = append(p.bundles, p.current)
	p.current = nil
	p.currentSize = 0
}

// Size returns the combined size of the files in b, resolved against rootDir.
func Size(rootDir string, b Bundle) (int64, error) {
	var total int64
	for _, rel := range b {
		info, err := os.Stat(filepath.Join(rootDir, rel))
		if err != nil {
			return 0, fmt.Errorf("could not stat bundled file %s: %w", rel, err)
		}
		total += info.Size()
	}
	return total, nil
}
