package storage

const (
	_256   = 256
	_256_2 = 256 * 256
	_256_3 = 256 * 256 * 256
)

func GetU16(b []byte, offset int) uint16 {
	return uint16(b[offset]) + uint16(b[offset+1])*_256
}

func PutU16(b []byte, offset int, v uint16) {
	b[offset], b[offset+1] = byte(v%_256), byte(v/_256)
}

func GetU32(b []byte, offset int) uint32 {
	return uint32(b[offset]) +
		uint32(b[offset+1])*_256 +
		uint32(b[offset+2])*_256_2 +
		uint32(b[offset+3])*_256_3
}

func PutU32(b []byte, offset int, v uint32) {
	b[offset] = byte(v % _256)
	b[offset+1] = byte((v / _256) % _256)
	b[offset+2] = byte((v / (_256 * _256)) % _256)
	b[offset+3] = byte((v / (_256 * _256 * _256)) % _256)
}

// Page is a fixed PageSize buffer laid out as a slotted page:
//
//	+------------------+ 0
//	| flags, page_id   |
//	| pd_lower/upper   |
//	| LinePointers[]   | <-- pd_lower grows down from HeaderSize
//	+------------------+
//	|   Free space     |
//	+------------------+ <-- pd_upper
//	|  Tuple Data      | (grows up from PageSize toward pd_upper)
//	+------------------+ PageSize
//
// B+Tree node pages and the heap's tuple pages both use this exact layout;
// a btree leaf/internal entry is just a tuple whose bytes are interpreted
// by internal/btree instead of internal/record.
type Page struct {
	Buf []byte
}

// slot flags
const (
	slotLive      = 0
	slotTombstone = 1
)

func NewPage(buf []byte, pageID uint32) Page {
	p := Page{Buf: buf}
	p.Init(pageID)
	return p
}

func (p Page) Init(pageID uint32) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	PutU16(p.Buf, 0, 0)          // flags
	PutU32(p.Buf, 2, pageID)     // page_id
	PutU16(p.Buf, 6, HeaderSize) // pd_lower
	PutU16(p.Buf, 8, PageSize)   // pd_upper
	PutU16(p.Buf, 10, PageSize)  // pd_special (unused)
}

func (p Page) IsUninitialized() bool {
	return GetU16(p.Buf, 6) == 0 && GetU16(p.Buf, 8) == 0
}

func (p Page) PageID() uint32 { return GetU32(p.Buf, 2) }

func (p Page) lower() int      { return int(GetU16(p.Buf, 6)) }
func (p Page) setLower(v int)  { PutU16(p.Buf, 6, uint16(v)) }
func (p Page) upper() int      { return int(GetU16(p.Buf, 8)) }
func (p Page) setUpper(v int)  { PutU16(p.Buf, 8, uint16(v)) }

// NumSlots returns the number of slot entries, live or not.
func (p Page) NumSlots() int {
	return (p.lower() - HeaderSize) / SlotSize
}

func (p Page) slotOff(idx int) int { return HeaderSize + idx*SlotSize }

func (p Page) getSlot(i int) (offset, length, flags int) {
	o := p.slotOff(i)
	return int(GetU16(p.Buf, o)), int(GetU16(p.Buf, o+2)), int(GetU16(p.Buf, o+4))
}

func (p Page) putSlot(idx, offset, length, flags int) {
	o := p.slotOff(idx)
	PutU16(p.Buf, o, uint16(offset))
	PutU16(p.Buf, o+2, uint16(length))
	PutU16(p.Buf, o+4, uint16(flags))
}

func (p Page) appendSlot(offset, length, flags int) int {
	i := p.NumSlots()
	p.putSlot(i, offset, length, flags)
	p.setLower(p.lower() + SlotSize)
	return i
}

// FreeSpace returns how many bytes remain between the slot array and the
// tuple data.
func (p Page) FreeSpace() int { return p.upper() - p.lower() }

// InsertTuple appends tup to the page and returns its new slot index.
func (p Page) InsertTuple(tup []byte) (int, error) {
	need := len(tup) + SlotSize
	if p.FreeSpace() < need {
		return 0, ErrNoSpace
	}
	u := p.upper() - len(tup)
	copy(p.Buf[u:], tup)
	p.setUpper(u)
	return p.appendSlot(u, len(tup), slotLive), nil
}

// ReadTuple returns the bytes stored at slot. The returned slice aliases
// the page buffer; callers must copy it before the next page mutation.
func (p Page) ReadTuple(slot int) ([]byte, error) {
	if slot < 0 || slot >= p.NumSlots() {
		return nil, ErrBadSlot
	}
	offset, length, flags := p.getSlot(slot)
	if flags == slotTombstone {
		return nil, ErrBadSlot
	}
	return p.Buf[offset : offset+length], nil
}

// UpdateTuple overwrites slot in place when newTuple fits in the existing
// footprint; otherwise it appends newTuple elsewhere on the same page and
// repoints the slot. The slot number (and therefore the RID) never changes.
func (p Page) UpdateTuple(slot int, newTuple []byte) error {
	if slot < 0 || slot >= p.NumSlots() {
		return ErrBadSlot
	}
	offset, length, flags := p.getSlot(slot)
	if flags == slotTombstone {
		return ErrBadSlot
	}
	if len(newTuple) <= length {
		copy(p.Buf[offset:], newTuple)
		p.putSlot(slot, offset, len(newTuple), slotLive)
		return nil
	}
	if p.FreeSpace() < len(newTuple) {
		return ErrNoSpace
	}
	u := p.upper() - len(newTuple)
	copy(p.Buf[u:], newTuple)
	p.setUpper(u)
	p.putSlot(slot, u, len(newTuple), slotLive)
	return nil
}

// DeleteTuple tombstones slot; the slot entry is kept so later slot indices
// (and therefore other rows' RIDs) are unaffected.
func (p Page) DeleteTuple(slot int) error {
	if slot < 0 || slot >= p.NumSlots() {
		return ErrBadSlot
	}
	_, _, flags := p.getSlot(slot)
	if flags == slotTombstone {
		return ErrBadSlot
	}
	p.putSlot(slot, 0, 0, slotTombstone)
	return nil
}

// IsLive reports whether slot holds a non-tombstoned tuple.
func (p Page) IsLive(slot int) bool {
	if slot < 0 || slot >= p.NumSlots() {
		return false
	}
	_, _, flags := p.getSlot(slot)
	return flags != slotTombstone
}
