package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tuannm99/shadowbase/internal/alias/util"
)

// ErrPageNotFound is currently unused by ReadPage (short reads are
// zero-filled, matching the heap's "sparse file" convention) but is kept
// as a sentinel other layers can return once they distinguish "never
// allocated" from "allocated but empty".
var ErrPageNotFound = errors.New("diskmanager: page not found")

// FileSet names the segment files backing one logical storage file.
// Segments are Base, Base.1, Base.2, ... each at most SegmentSize bytes.
type FileSet interface {
	OpenSegment(segNo int32) (*os.File, error)
}

var _ FileSet = (*LocalFileSet)(nil)

type LocalFileSet struct {
	Dir  string
	Base string
}

func (lfs LocalFileSet) OpenSegment(segNo int32) (*os.File, error) {
	name := lfs.Base
	if segNo > 0 {
		name = fmt.Sprintf("%s.%d", lfs.Base, segNo)
	}
	path := filepath.Join(lfs.Dir, name)
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode0644)
}

func pagesPerSegment() int { return SegmentSize / PageSize }

func locate(pageID uint32) (segNo int32, offset int64) {
	pps := uint32(pagesPerSegment())
	segNo = int32(pageID / pps)
	offset = int64(pageID%pps) * PageSize
	return segNo, offset
}

// freeListState is the on-disk shape of the allocator's bookkeeping. It is
// persisted as a JSON sidecar next to the segment files, the same way
// internal/engine persists table metadata: allocator state is small and
// changes far less often than page contents, so a JSON side-file is a
// better fit than spending a dedicated page-chain on it.
type freeListState struct {
	NextPageID uint32   `json:"next_page_id"`
	Free       []uint32 `json:"free"`
}

// DiskManager owns PageId allocation and raw page I/O for one FileSet. It
// knows nothing about frames, pinning or shadow paging. Its callers are the
// buffer pool, heap.Table, btree.Tree and OverflowManager.
type DiskManager struct {
	mu         sync.Mutex
	fs         FileSet
	sidecar    string // path to the freelist JSON sidecar, "" disables persistence
	nextPageID uint32
	free       []uint32
}

// NewDiskManager opens (or initializes) the allocator state for fs. sidecar
// is the path used to persist the free list/high-water mark; pass "" to
// keep it in memory only (used by tests).
func NewDiskManager(fs FileSet, sidecar string) (*DiskManager, error) {
	dm := &DiskManager{fs: fs, sidecar: sidecar, nextPageID: 1}
	if sidecar == "" {
		return dm, nil
	}
	buf, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return dm, nil
		}
		return nil, err
	}
	var st freeListState
	if err := json.Unmarshal(buf, &st); err != nil {
		return nil, fmt.Errorf("diskmanager: corrupt freelist sidecar %s: %w", sidecar, err)
	}
	dm.nextPageID = st.NextPageID
	dm.free = st.Free
	return dm, nil
}

// persistLocked writes the allocator state to the sidecar file. Failures
// are logged and swallowed: the worst case on crash is that a handful of
// freed pages are never reused, which is the same "leaked until a scan
// reclaims it" story spec.md §4.8 already accepts for crashes mid-commit.
func (dm *DiskManager) persistLocked() {
	if dm.sidecar == "" {
		return
	}
	st := freeListState{NextPageID: dm.nextPageID, Free: dm.free}
	buf, err := json.Marshal(st)
	if err != nil {
		slog.Warn("diskmanager: marshal freelist failed", "err", err)
		return
	}
	if err := os.WriteFile(dm.sidecar, buf, FileMode0644); err != nil {
		slog.Warn("diskmanager: persist freelist failed", "path", dm.sidecar, "err", err)
	}
}

// AllocatePage returns a fresh PageId: a recycled one from the free list if
// available, otherwise the next never-used id. The page's bytes on disk are
// untouched until the caller writes it (sparse files read back as zero).
func (dm *DiskManager) AllocatePage() (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var id uint32
	if n := len(dm.free); n > 0 {
		id = dm.free[n-1]
		dm.free = dm.free[:n-1]
	} else {
		id = dm.nextPageID
		dm.nextPageID++
	}
	dm.persistLocked()
	return id, nil
}

// FreePage releases pageID back to the allocator. It is the caller's job to
// ensure nothing still references pageID as of the moment this is called;
// the transaction manager only frees shadow-superseded physical pages after
// a commit or rollback has made that true.
func (dm *DiskManager) FreePage(pageID uint32) error {
	if pageID == InvalidPageID {
		return fmt.Errorf("diskmanager: refusing to free the invalid page id")
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.free = append(dm.free, pageID)
	dm.persistLocked()
	return nil
}

// ReclaimUnreferenced frees every page id this manager has ever allocated
// that is not in reachable and not already on the free list: spec.md
// §4.8's "allocated-but-unreferenced shadow pages are reclaimed on next
// startup via a scan of unreferenced allocations", covering a crash that
// left a shadow-copy target allocated but never adopted or discarded.
func (dm *DiskManager) ReclaimUnreferenced(reachable map[uint32]bool) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	alreadyFree := make(map[uint32]bool, len(dm.free))
	for _, id := range dm.free {
		alreadyFree[id] = true
	}

	reclaimed := 0
	for id := uint32(1); id < dm.nextPageID; id++ {
		if reachable[id] || alreadyFree[id] {
			continue
		}
		dm.free = append(dm.free, id)
		reclaimed++
	}
	if reclaimed > 0 {
		dm.persistLocked()
	}
	return reclaimed
}

// ReadPage reads exactly PageSize bytes for pageID into dst, zero-filling
// any portion past the current end of the backing file.
func (dm *DiskManager) ReadPage(pageID uint32, dst []byte) error {
	if len(dst) != PageSize {
		return ErrBadPage
	}
	segNo, off := locate(pageID)
	f, err := dm.fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseFileFunc(f)

	n, err := f.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < PageSize; i++ {
		dst[i] = 0
	}
	return nil
}

// WritePage writes exactly PageSize bytes for pageID.
func (dm *DiskManager) WritePage(pageID uint32, src []byte) error {
	if len(src) != PageSize {
		return ErrBadPage
	}
	segNo, off := locate(pageID)
	f, err := dm.fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseFileFunc(f)

	n, err := f.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != PageSize {
		return io.ErrShortWrite
	}
	return nil
}

// LoadPage reads pageID and wraps it in a Page, initializing it in place
// if the backing bytes are still all-zero (a page never written before).
func (dm *DiskManager) LoadPage(pageID uint32) (*Page, error) {
	buf := make([]byte, PageSize)
	if err := dm.ReadPage(pageID, buf); err != nil {
		return nil, err
	}
	p := &Page{Buf: buf}
	if p.IsUninitialized() {
		p.Init(pageID)
	}
	return p, nil
}

// SavePage writes p back to pageID's slot.
func (dm *DiskManager) SavePage(pageID uint32, p Page) error {
	if len(p.Buf) != PageSize {
		return ErrBadPage
	}
	return dm.WritePage(pageID, p.Buf)
}

// Sync flushes the segment currently holding pageID to stable storage.
// Nothing in this module calls it: the buffer pool fsyncs through SyncAll,
// and the transaction manager does not sync.
func (dm *DiskManager) Sync(pageID uint32) error {
	segNo, _ := locate(pageID)
	f, err := dm.fs.OpenSegment(segNo)
	if err != nil {
		return err
	}
	defer util.CloseFileFunc(f)
	return f.Sync()
}

// SyncAll flushes every segment that could hold a page this manager has
// ever allocated. Callers that do not have a specific pageID at hand (the
// buffer pool, flushing frames across many filesets at once) use this
// instead of Sync.
func (dm *DiskManager) SyncAll() error {
	dm.mu.Lock()
	last := dm.nextPageID
	dm.mu.Unlock()

	lastSeg, _ := locate(last)
	for seg := int32(0); seg <= lastSeg; seg++ {
		f, err := dm.fs.OpenSegment(seg)
		if err != nil {
			return err
		}
		err = f.Sync()
		util.CloseFileFunc(f)
		if err != nil {
			return err
		}
	}
	return nil
}
