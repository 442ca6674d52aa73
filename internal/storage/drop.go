package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
)

// DropFileSet removes every segment file a LocalFileSet could have created
// (Base, Base.1, Base.2, ...) plus any sidecar files named Base+suffix for
// each suffix given (a freelist JSON sidecar, a meta sidecar, ...). It
// stops scanning segments at the first missing one, since DiskManager only
// ever creates them contiguously from 0.
func DropFileSet(lfs LocalFileSet, sidecarSuffixes ...string) error {
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return err
	}

	for segNo := 0; ; segNo++ {
		name := lfs.Base
		if segNo > 0 {
			name = lfs.Base + "." + strconv.Itoa(segNo)
		}
		path := filepath.Join(lfs.Dir, name)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return err
		}
	}

	for _, suffix := range sidecarSuffixes {
		path := filepath.Join(lfs.Dir, lfs.Base+suffix)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
