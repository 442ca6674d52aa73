package btree

import (
	"github.com/tuannm99/shadowbase/internal/storage"
)

// DropIndex removes every segment file an index's LocalFileSet could have
// created (Base, Base.1, Base.2, ...) plus its meta sidecar and freelist
// sidecar.
func DropIndex(lfs storage.LocalFileSet) error {
	return storage.DropFileSet(lfs, metaFileSuffix, ".freelist.json")
}

