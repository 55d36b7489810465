package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Stability tracks file sizes across discovery passes. A path is considered
// settled once two consecutive observations agree, which filters out units
// still being written by the upstream stage or the microscope itself.
type Stability struct {
	mu    sync.Mutex
	sizes map[string]int64
}

// NewStability builds an empty tracker.
func NewStability() *Stability {
	return &Stability{sizes: make(map[string]int64)}
}

// Stable records the current size of path and reports whether it matches the
// previous observation. The first observation of a path is never stable.
func (s *Stability) Stable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		s.forget(path)
		return false
	}
	return s.observe(path, info.Size())
}

// StableTree aggregates the total byte count of regular files under dir and
// reports whether it matches the previous observation of dir.
func (s *Stability) StableTree(dir string) bool {
	var total int64
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		s.forget(dir)
		return false
	}
	return s.observe(dir, total)
}

func (s *Stability) observe(key string, size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.sizes[key]
	s.sizes[key] = size
	return seen && prev == size
}

func (s *Stability) forget(key string) {
	s.mu.Lock()
	delete(s.sizes, key)
	s.mu.Unlock()
}
