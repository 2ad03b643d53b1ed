package dumps

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry is one crash dump candidate.
type Entry struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Scan returns the regular files directly under dir, newest first. When
// window is positive, files modified more than window before now are
// dropped. A missing directory yields an empty result.
func Scan(dir string, window time.Duration, now time.Time) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, d := range dirents {
		if !d.Type().IsRegular() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		if window > 0 && now.Sub(info.ModTime()) > window {
			continue
		}
		entries = append(entries, Entry{
			Path:    filepath.Join(dir, d.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// Newest returns the most recent entry, or false when there are none.
func Newest(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

// WalkFiles returns every regular file under root, sorted by path. Used to
// mirror capture directories into the archive under their original layout.
func WalkFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: capture what we can.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
