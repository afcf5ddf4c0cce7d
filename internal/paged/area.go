package paged

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Intra-page areas
// ───────────────────────────────────────────────────────────────────────────
//
// A data page stores variable-length areas addressed by AreaID. The layout is:
//
//   [0..31]              Common PageHeader
//   [32..33]             AreaCount     (uint16)
//   [34..35]             FreeSpaceEnd  (uint16)
//   [36..36+4*AreaCount] Area directory (4 bytes per entry)
//   ... free space ...
//   [FreeSpaceEnd..PageSize]  Area data grows downward
//
// Each directory entry is 4 bytes:
//   [0:2]  Offset  (uint16) — offset of the area from page start
//   [2:4]  Length  (uint16) — area length in bytes
//
// An entry with Offset==0 and Length==0 is a tombstone (freed area). AreaIDs
// are directory indices and stay stable across Compaction; freed IDs are
// reused by the next allocation.

const (
	areaCountOff    = PageHeaderSize     // 32
	freeSpaceEndOff = areaCountOff + 2   // 34
	areaDirOff      = areaCountOff + 4   // 36
	areaEntrySize   = 4
)

// initDataPage initialises buf as an empty data page.
func initDataPage(buf []byte, id PageID) {
	h := &PageHeader{Type: PageTypeData, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint16(buf[areaCountOff:], 0)
	binary.LittleEndian.PutUint16(buf[freeSpaceEndOff:], uint16(len(buf)))
}

func (p *Page) areaCount() int {
	return int(binary.LittleEndian.Uint16(p.buf[areaCountOff:]))
}

func (p *Page) setAreaCount(n int) {
	binary.LittleEndian.PutUint16(p.buf[areaCountOff:], uint16(n))
}

func (p *Page) freeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(p.buf[freeSpaceEndOff:]))
}

func (p *Page) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(p.buf[freeSpaceEndOff:], uint16(off))
}

func (p *Page) dirEnd() int {
	return areaDirOff + p.areaCount()*areaEntrySize
}

func (p *Page) getEntry(id AreaID) (off, length int) {
	o := areaDirOff + int(id)*areaEntrySize
	return int(binary.LittleEndian.Uint16(p.buf[o:])),
		int(binary.LittleEndian.Uint16(p.buf[o+2:]))
}

func (p *Page) setEntry(id AreaID, off, length int) {
	o := areaDirOff + int(id)*areaEntrySize
	binary.LittleEndian.PutUint16(p.buf[o:], uint16(off))
	binary.LittleEndian.PutUint16(p.buf[o+2:], uint16(length))
}

// AllocateArea reserves size bytes inside the page and returns the new
// area's ID. Freed directory entries are reused before the directory grows.
func (p *Page) AllocateArea(txn *Txn, size int) (AreaID, error) {
	if err := p.checkWritable(); err != nil {
		return UndefinedAreaID, err
	}
	reuse := AreaID(UndefinedAreaID)
	n := p.areaCount()
	for i := 0; i < n; i++ {
		if off, l := p.getEntry(AreaID(i)); off == 0 && l == 0 {
			reuse = AreaID(i)
			break
		}
	}
	need := size
	if reuse == UndefinedAreaID {
		need += areaEntrySize // directory grows by one entry
	}
	if p.freeSpaceEnd()-p.dirEnd() < need {
		return UndefinedAreaID, fmt.Errorf("page %d: area of %d bytes does not fit (%d free)",
			p.id, size, p.freeSpaceEnd()-p.dirEnd())
	}
	newEnd := p.freeSpaceEnd() - size
	for i := newEnd; i < newEnd+size; i++ {
		p.buf[i] = 0
	}
	p.setFreeSpaceEnd(newEnd)
	id := reuse
	if id == UndefinedAreaID {
		id = AreaID(n)
		p.setAreaCount(n + 1)
	}
	p.setEntry(id, newEnd, size)
	return id, nil
}

// FreeArea tombstones the directory entry for id. The bytes are reclaimed
// by the next Compaction.
func (p *Page) FreeArea(txn *Txn, id AreaID) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if int(id) >= p.areaCount() {
		return fmt.Errorf("page %d: free of unknown area %d", p.id, id)
	}
	p.setEntry(id, 0, 0)
	return nil
}

// Compaction rewrites live areas to remove gaps left by freed ones.
// Area IDs and area contents are preserved.
func (p *Page) Compaction(txn *Txn) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	n := p.areaCount()
	type rec struct {
		id   AreaID
		data []byte
	}
	var live []rec
	for i := 0; i < n; i++ {
		id := AreaID(i)
		if off, l := p.getEntry(id); !(off == 0 && l == 0) {
			live = append(live, rec{id: id, data: append([]byte{}, p.buf[off:off+l]...)})
		}
	}
	// Trailing tombstones shrink the directory.
	for n > 0 {
		if off, l := p.getEntry(AreaID(n - 1)); off == 0 && l == 0 {
			n--
			continue
		}
		break
	}
	p.setAreaCount(n)
	p.setFreeSpaceEnd(len(p.buf))
	for _, r := range live {
		newEnd := p.freeSpaceEnd() - len(r.data)
		copy(p.buf[newEnd:], r.data)
		p.setFreeSpaceEnd(newEnd)
		p.setEntry(r.id, newEnd, len(r.data))
	}
	return nil
}

// AreaSize returns the length of area id, or 0 for a tombstone.
func (p *Page) AreaSize(id AreaID) int {
	if int(id) >= p.areaCount() {
		return 0
	}
	_, l := p.getEntry(id)
	return l
}

// Area returns the bytes of area id. The slice aliases the page buffer;
// it is valid only while the page stays fixed.
func (p *Page) Area(id AreaID) []byte {
	if int(id) >= p.areaCount() {
		return nil
	}
	off, l := p.getEntry(id)
	if off == 0 && l == 0 {
		return nil
	}
	return p.buf[off : off+l]
}

// FreeAreaSize returns the bytes available for nAreas new areas after a
// Compaction, directory growth included.
func (p *Page) FreeAreaSize(txn *Txn, nAreas int) int {
	used := 0
	n := p.areaCount()
	live := 0
	for i := 0; i < n; i++ {
		if off, l := p.getEntry(AreaID(i)); !(off == 0 && l == 0) {
			used += l
			live++
		}
	}
	free := len(p.buf) - PageHeaderSize - 4 - (live+nAreas)*areaEntrySize - used
	if free < 0 {
		return 0
	}
	return free
}

// UnuseAreaSize returns the bytes immediately available for nAreas new
// areas without a Compaction.
func (p *Page) UnuseAreaSize(txn *Txn, nAreas int) int {
	free := p.freeSpaceEnd() - p.dirEnd() - nAreas*areaEntrySize
	if free < 0 {
		return 0
	}
	return free
}

// TopAreaID returns the highest live area ID, or UndefinedAreaID when the
// page has no live areas.
func (p *Page) TopAreaID(txn *Txn) AreaID {
	for i := p.areaCount() - 1; i >= 0; i-- {
		if off, l := p.getEntry(AreaID(i)); !(off == 0 && l == 0) {
			return AreaID(i)
		}
	}
	return UndefinedAreaID
}

// LiveAreas returns the IDs of all live areas in ascending order.
func (p *Page) LiveAreas() []AreaID {
	var ids []AreaID
	n := p.areaCount()
	for i := 0; i < n; i++ {
		if off, l := p.getEntry(AreaID(i)); !(off == 0 && l == 0) {
			ids = append(ids, AreaID(i))
		}
	}
	return ids
}

// Empty reports whether the page has no live areas.
func (p *Page) Empty() bool {
	return len(p.LiveAreas()) == 0
}
