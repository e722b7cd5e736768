package disk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// entryFile is a committed entry file.
type entryFile struct {
	path    string
	size    int64
	written time.Time
}

// isTemp reports whether name is a write that has not been renamed into
// place yet.
func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// scanPartition lists the committed entry files under dir and their total
// size. Files that vanish during the scan are skipped.
func scanPartition(dir string) ([]entryFile, int64, error) {
	var (
		files []entryFile
		total int64
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() || isTemp(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		files = append(files, entryFile{path: path, size: info.Size(), written: info.ModTime()})
		total += info.Size()
		return nil
	})
	return files, total, err
}

// partitionSize returns the bytes held by committed entries under dir.
func partitionSize(dir string) (int64, error) {
	_, total, err := scanPartition(dir)
	return total, err
}

// prunePartition removes the oldest committed entries under dir until
// they fit in limit bytes. It returns the number of bytes freed.
func prunePartition(dir string, limit int64) (int64, error) {
	files, total, err := scanPartition(dir)
	if err != nil || total <= limit {
		return 0, err
	}
	slices.SortFunc(files, func(a, b entryFile) int {
		if c := a.written.Compare(b.written); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})

	var freed int64
	for _, f := range files {
		if total-freed <= limit {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return freed, err
		}
		freed += f.size
	}
	return freed, nil
}
