// Package bufferpool implements the bounded, process-wide buffer pool:
// one shared cache of storage.Page frames for every table, index and
// catalog fileset in the engine, evicting by true LRU (see lru.go) and
// exposing the shadow-copy primitive the transaction manager drives.
// Grounded on the teacher's internal/bufferpool/global_pool.go
// (GlobalPool/Frame/PageTag) generalized from one StorageManager/FileSet
// pair to a registry of per-relation DiskManagers.
package bufferpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuannm99/shadowbase/internal/storage"
)

var (
	DefaultCapacity = 128

	ErrNoFreeFrame     = errors.New("bufferpool: no free frame available (all pinned)")
	ErrPagePinned      = errors.New("bufferpool: page is pinned")
	ErrUnknownFileSet  = errors.New("bufferpool: fileset key not registered")
)

// Replacer is the pluggable eviction policy; lru.go's lruReplacer is the
// only implementation used in this engine (spec.md §4.2 requires true LRU).
type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// Manager is the relation-scoped view heap.Table/btree.Tree program against;
// see View below.
type Manager interface {
	GetPage(pageID uint32) (*storage.Page, error)
	Unpin(page *storage.Page, dirty bool) error
	FlushAll() error
}

type pageTag struct {
	FSKey  string
	PageID uint32
}

type frame struct {
	Tag   pageTag
	Page  *storage.Page
	Dirty bool
	Pin   int32
}

// Pool is the single shared buffer pool for the whole engine.
type Pool struct {
	mu     sync.Mutex
	frames []*frame
	table  map[pageTag]int
	repl   Replacer
	dms    map[string]*storage.DiskManager
}

// NewPool creates a pool with room for capacity frames (spec.md §1's
// "bounded buffer pool"; DefaultCapacity if capacity <= 0).
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		frames: make([]*frame, capacity),
		table:  make(map[pageTag]int),
		repl:   newLRUReplacer(capacity),
		dms:    make(map[string]*storage.DiskManager),
	}
}

// RegisterFileSet binds a logical key (typically "<table>.heap",
// "<table>.idx" or "<table>.ovf") to the DiskManager that owns its pages.
// Every table/index/overflow manager the engine opens registers itself
// here exactly once.
func (p *Pool) RegisterFileSet(key string, dm *storage.DiskManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dms[key] = dm
}

// DiskManager returns the DiskManager registered for key, for callers
// outside the normal GetPage/Unpin path (the orphan-page scan in
// internal/engine's Database.ReclaimOrphans).
func (p *Pool) DiskManager(key string) (*storage.DiskManager, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dm, ok := p.dms[key]
	return dm, ok
}

// View returns a Manager scoped to one fileset key, for handing to
// heap.Table/btree.Tree/storage.OverflowManager callers that only ever
// address pages within that one relation.
func (p *Pool) View(fskey string) Manager {
	return &fileSetView{p: p, fskey: fskey}
}

type fileSetView struct {
	p     *Pool
	fskey string
}

func (v *fileSetView) GetPage(pageID uint32) (*storage.Page, error) {
	return v.p.GetPage(v.fskey, pageID)
}

func (v *fileSetView) Unpin(page *storage.Page, dirty bool) error {
	return v.p.Unpin(v.fskey, page, dirty)
}

func (v *fileSetView) FlushAll() error {
	return v.p.FlushFileSet(v.fskey)
}

// GetPage pins and returns the page identified by (fskey, pageID), loading
// or evicting as needed.
func (p *Pool) GetPage(fskey string, pageID uint32) (*storage.Page, error) {
	tag := pageTag{FSKey: fskey, PageID: pageID}

	p.mu.Lock()
	defer p.mu.Unlock()

	dm, ok := p.dms[fskey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFileSet, fskey)
	}

	if idx, ok := p.table[tag]; ok {
		f := p.frames[idx]
		if f == nil {
			delete(p.table, tag)
		} else {
			wasZero := f.Pin == 0
			f.Pin++
			p.repl.RecordAccess(idx)
			if wasZero {
				p.repl.SetEvictable(idx, false)
			}
			return f.Page, nil
		}
	}

	freeIdx := -1
	for i, f := range p.frames {
		if f == nil {
			freeIdx = i
			break
		}
	}
	if freeIdx != -1 {
		page, err := dm.LoadPage(pageID)
		if err != nil {
			return nil, err
		}
		p.frames[freeIdx] = &frame{Tag: tag, Page: page, Pin: 1}
		p.table[tag] = freeIdx
		p.repl.RecordAccess(freeIdx)
		p.repl.SetEvictable(freeIdx, false)
		return page, nil
	}

	victimIdx, ok := p.repl.Evict()
	if !ok {
		return nil, ErrNoFreeFrame
	}
	victim := p.frames[victimIdx]
	if victim == nil || victim.Pin != 0 {
		return nil, ErrNoFreeFrame
	}

	if victim.Dirty {
		victimDM := p.dms[victim.Tag.FSKey]
		if err := victimDM.SavePage(victim.Tag.PageID, *victim.Page); err != nil {
			p.repl.RecordAccess(victimIdx)
			p.repl.SetEvictable(victimIdx, true)
			return nil, err
		}
		victim.Dirty = false
	}

	newPage, err := dm.LoadPage(pageID)
	if err != nil {
		p.repl.RecordAccess(victimIdx)
		p.repl.SetEvictable(victimIdx, true)
		return nil, err
	}

	delete(p.table, victim.Tag)
	victim.Tag = tag
	victim.Page = newPage
	victim.Dirty = false
	victim.Pin = 1
	p.table[tag] = victimIdx
	p.repl.RecordAccess(victimIdx)
	p.repl.SetEvictable(victimIdx, false)
	return newPage, nil
}

// Unpin decreases the pin count for (fskey, page) and optionally marks it
// dirty so FlushAll will write it back.
func (p *Pool) Unpin(fskey string, page *storage.Page, dirty bool) error {
	if page == nil {
		return nil
	}
	tag := pageTag{FSKey: fskey, PageID: page.PageID()}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.table[tag]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if f == nil {
		delete(p.table, tag)
		return nil
	}
	if dirty {
		f.Dirty = true
	}
	if f.Pin > 0 {
		f.Pin--
		if f.Pin == 0 {
			p.repl.SetEvictable(idx, true)
		}
	}
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy, used by the HTTP
// shell's /healthz endpoint (SPEC_FULL.md §4) - nothing in the core reads
// its own fields back.
type Stats struct {
	Capacity int
	InUse    int
	Pinned   int
	Dirty    int
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Capacity: len(p.frames)}
	for _, f := range p.frames {
		if f == nil {
			continue
		}
		s.InUse++
		if f.Pin > 0 {
			s.Pinned++
		}
		if f.Dirty {
			s.Dirty++
		}
	}
	return s
}

// FlushAll writes every dirty frame back to its DiskManager and fsyncs
// each touched fileset. internal/engine's Commit runs it before installing
// the page table; it is the only fsync on the commit path.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushWhereLocked(func(pageTag) bool { return true })
}

// FlushFileSet flushes only the dirty frames belonging to fskey.
func (p *Pool) FlushFileSet(fskey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushWhereLocked(func(t pageTag) bool { return t.FSKey == fskey })
}

func (p *Pool) flushWhereLocked(match func(pageTag) bool) error {
	touched := make(map[string]bool)
	for _, f := range p.frames {
		if f == nil || !f.Dirty || !match(f.Tag) {
			continue
		}
		dm := p.dms[f.Tag.FSKey]
		if err := dm.SavePage(f.Tag.PageID, *f.Page); err != nil {
			return err
		}
		f.Dirty = false
		touched[f.Tag.FSKey] = true
	}
	for fskey := range touched {
		if err := p.dms[fskey].SyncAll(); err != nil {
			return err
		}
	}
	return nil
}

// Shadow copies the page currently at physicalPageID in fskey onto a
// freshly allocated page and returns the new physical id, leaving the
// original page on disk untouched. The copy is taken from the cached frame
// when one is resident (so changes not yet flushed carry over), otherwise
// from disk. internal/txn is the only caller; it records the mapping in its
// shadow map and installs it into the page table at commit.
func (p *Pool) Shadow(fskey string, physicalPageID uint32) (uint32, error) {
	buf := make([]byte, storage.PageSize)
	p.mu.Lock()
	dm, ok := p.dms[fskey]
	cached := false
	if idx, present := p.table[pageTag{FSKey: fskey, PageID: physicalPageID}]; present && p.frames[idx] != nil {
		copy(buf, p.frames[idx].Page.Buf)
		cached = true
	}
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFileSet, fskey)
	}

	if !cached {
		old, err := dm.LoadPage(physicalPageID)
		if err != nil {
			return 0, err
		}
		copy(buf, old.Buf)
	}
	newID, err := dm.AllocatePage()
	if err != nil {
		return 0, err
	}
	storage.PutU32(buf, 2, newID) // page_id header field tracks its own physical id
	if err := dm.WritePage(newID, buf); err != nil {
		return 0, err
	}
	return newID, nil
}

// FreePhysical evicts any cached frame for (fskey, physicalPageID) and
// releases the page back to its DiskManager's free list. Called by
// internal/txn after a commit installs a newer physical page for the same
// logical key, and after a rollback discards an in-progress shadow copy.
func (p *Pool) FreePhysical(fskey string, physicalPageID uint32) error {
	tag := pageTag{FSKey: fskey, PageID: physicalPageID}

	p.mu.Lock()
	dm, ok := p.dms[fskey]
	if idx, present := p.table[tag]; present {
		if f := p.frames[idx]; f != nil && f.Pin != 0 {
			p.mu.Unlock()
			return ErrPagePinned
		}
		delete(p.table, tag)
		p.frames[idx] = nil
		p.repl.Remove(idx)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFileSet, fskey)
	}
	return dm.FreePage(physicalPageID)
}
