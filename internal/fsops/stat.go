package fsops

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// SameFilesystem reports whether two paths live on the same filesystem by
// comparing device ids. Nonexistent paths are resolved to their nearest
// existing ancestor. Any error yields false, which steers callers toward
// the copy strategy.
func SameFilesystem(a, b string) bool {
	devA, err := deviceID(nearestExisting(a))
	if err != nil {
		return false
	}
	devB, err := deviceID(nearestExisting(b))
	if err != nil {
		return false
	}
	return devA == devB
}

// Inode returns the inode number of a path.
func Inode(path string) (uint64, error) {
	st, err := statT(path)
	if err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// LinkCount returns the hardlink count of a path.
func LinkCount(path string) (uint64, error) {
	st, err := statT(path)
	if err != nil {
		return 0, err
	}
	return uint64(st.Nlink), nil
}

func deviceID(path string) (uint64, error) {
	st, err := statT(path)
	if err != nil {
		return 0, err
	}
	return uint64(st.Dev), nil
}

func statT(path string) (*syscall.Stat_t, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("no stat data for %s", path)
	}
	return st, nil
}

// nearestExisting walks up from path until it finds a component that exists.
func nearestExisting(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Lstat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
