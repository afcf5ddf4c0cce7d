package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Object IDs
// ───────────────────────────────────────────────────────────────────────────

// ObjectID names one page area: the page ID in the upper 32 bits, the area
// ID in the low 16. Bits 16–31 are always zero. On disk it occupies 6
// bytes, little-endian: u32 page, u16 area.
type ObjectID uint64

// objectIDDiskSize is the on-disk size of an ObjectID.
const objectIDDiskSize = 6

// UndefinedObjectID is the "no object" sentinel: all-ones page and area
// halves.
const UndefinedObjectID ObjectID = ObjectID(uint64(paged.UndefinedPageID))<<32 | ObjectID(paged.UndefinedAreaID)

// MakeObjectID combines a page and area ID.
func MakeObjectID(pid paged.PageID, aid paged.AreaID) ObjectID {
	return ObjectID(pid)<<32 | ObjectID(aid)
}

// Page returns the page half.
func (id ObjectID) Page() paged.PageID { return paged.PageID(id >> 32) }

// Area returns the area half.
func (id ObjectID) Area() paged.AreaID { return paged.AreaID(id & 0xFFFF) }

// Undefined reports whether the ID is the sentinel.
func (id ObjectID) Undefined() bool { return id == UndefinedObjectID }

func (id ObjectID) String() string {
	if id.Undefined() {
		return "oid(undefined)"
	}
	return fmt.Sprintf("oid(%d:%d)", id.Page(), id.Area())
}

// putObjectID writes the 6-byte disk form.
func putObjectID(dst []byte, id ObjectID) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(id.Page()))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(id.Area()))
}

// getObjectID reads the 6-byte disk form.
func getObjectID(src []byte) ObjectID {
	pid := paged.PageID(binary.LittleEndian.Uint32(src[0:4]))
	aid := paged.AreaID(binary.LittleEndian.Uint16(src[4:6]))
	return MakeObjectID(pid, aid)
}
