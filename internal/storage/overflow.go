package storage

import "github.com/tuannm99/shadowbase/internal/alias/bx"

// offset Size Field
// 0      4    nextPageID
// 4      2    usedBytes
// 6      n    dataChunk -- max(n) = PageSize - overflowHeaderSize
// -> if the value is bigger than one chunk, it is split across multiple
//    pages linked by nextPageID.
const (
	overflowOffNext           = 0
	overflowOffLen            = 4
	overflowHeaderSize        = 6
	overflowNoNext     uint32 = 0xFFFFFFFF
)

// OverflowRef describes a large value stored outside of the tuple's own
// page, as a linked list of overflow pages.
type OverflowRef struct {
	FirstPageID uint32 `json:"first_page_id"`
	Length      uint32 `json:"length"`
}

// OverflowManager reads and writes values that do not fit inline in a
// tuple, chaining pages allocated from a DiskManager.
type OverflowManager struct {
	dm *DiskManager
}

func NewOverflowManager(dm *DiskManager) *OverflowManager {
	return &OverflowManager{dm: dm}
}

// Write stores value across one or more overflow pages and returns a
// reference that Read can later resolve.
func (om *OverflowManager) Write(value []byte) (OverflowRef, error) {
	totalLen := len(value)
	payloadMax := PageSize - overflowHeaderSize

	var firstPageID uint32
	var prevPageID uint32
	var prevBuf []byte
	havePrev := false

	offset := 0
	for offset <= totalLen {
		chunkLen := totalLen - offset
		if chunkLen > payloadMax {
			chunkLen = payloadMax
		}

		pageID, err := om.dm.AllocatePage()
		if err != nil {
			return OverflowRef{}, err
		}

		buf := make([]byte, PageSize)
		bx.PutU32(buf[overflowOffNext:], overflowNoNext)
		bx.PutU16(buf[overflowOffLen:], uint16(chunkLen))
		if chunkLen > 0 {
			copy(buf[overflowHeaderSize:overflowHeaderSize+chunkLen], value[offset:offset+chunkLen])
		}

		if havePrev {
			bx.PutU32(prevBuf[overflowOffNext:], pageID)
			if err := om.dm.WritePage(prevPageID, prevBuf); err != nil {
				return OverflowRef{}, err
			}
		} else {
			firstPageID = pageID
		}

		prevPageID = pageID
		prevBuf = buf
		havePrev = true
		offset += chunkLen

		if chunkLen == 0 {
			break // a zero-length value still gets exactly one page
		}
	}

	if havePrev {
		if err := om.dm.WritePage(prevPageID, prevBuf); err != nil {
			return OverflowRef{}, err
		}
	}

	return OverflowRef{FirstPageID: firstPageID, Length: uint32(totalLen)}, nil
}

// Read walks the overflow chain described by ref and returns the full value.
func (om *OverflowManager) Read(ref OverflowRef) ([]byte, error) {
	if ref.Length == 0 {
		return []byte{}, nil
	}

	result := make([]byte, int(ref.Length))
	remaining := int(ref.Length)
	pageID := ref.FirstPageID
	writePos := 0

	for {
		buf := make([]byte, PageSize)
		if err := om.dm.ReadPage(pageID, buf); err != nil {
			return nil, err
		}

		nextID := bx.U32(buf[overflowOffNext : overflowOffNext+4])
		used := int(bx.U16(buf[overflowOffLen : overflowOffLen+2]))
		if used > PageSize-overflowHeaderSize {
			used = PageSize - overflowHeaderSize
		}
		if used > remaining {
			used = remaining
		}

		if used > 0 {
			copy(result[writePos:writePos+used], buf[overflowHeaderSize:overflowHeaderSize+used])
			writePos += used
			remaining -= used
		}

		if remaining <= 0 || nextID == overflowNoNext {
			break
		}
		pageID = nextID
	}

	return result, nil
}

// ChainPageIDs returns every page id in ref's chain without reading the
// value payload, so a caller can account for an overflow chain's pages
// (e.g. to tell live pages apart from orphaned allocations) without paying
// for a full Read.
func (om *OverflowManager) ChainPageIDs(ref OverflowRef) ([]uint32, error) {
	if ref.Length == 0 {
		return nil, nil
	}
	var out []uint32
	pageID := ref.FirstPageID
	for {
		buf := make([]byte, PageSize)
		if err := om.dm.ReadPage(pageID, buf); err != nil {
			return nil, err
		}
		out = append(out, pageID)
		nextID := bx.U32(buf[overflowOffNext : overflowOffNext+4])
		if nextID == overflowNoNext {
			return out, nil
		}
		pageID = nextID
	}
}

// Free releases every page in ref's chain back to the disk manager. Called
// when a tuple holding an overflowed value is deleted or overwritten with a
// shorter value that no longer needs the chain.
func (om *OverflowManager) Free(ref OverflowRef) error {
	if ref.Length == 0 {
		return nil
	}
	pageID := ref.FirstPageID
	for {
		buf := make([]byte, PageSize)
		if err := om.dm.ReadPage(pageID, buf); err != nil {
			return err
		}
		nextID := bx.U32(buf[overflowOffNext : overflowOffNext+4])
		if err := om.dm.FreePage(pageID); err != nil {
			return err
		}
		if nextID == overflowNoNext {
			return nil
		}
		pageID = nextID
	}
}
