package file

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// FindByName walks dir and returns the sorted paths of regular files named
// name. Hidden directories are skipped.
func FindByName(dir, name string) ([]string, error) {
	var found []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == name {
			found = append(found, path)
		}
		return nil
	})

	sort.Strings(found)
	return found, err
}

// ListByExt returns the sorted names of regular files directly inside dir
// whose extension, compared case-insensitively, is one of exts.
func ListByExt(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ret := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if slices.Contains(exts, ext) {
			ret = append(ret, entry.Name())
		}
	}
	sort.Strings(ret)
	return ret, nil
}
