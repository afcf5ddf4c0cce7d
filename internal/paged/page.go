// Package paged implements the transactional paged-file layer that backs
// both halves of a B+-tree index (the tree file and the value file).
//
// A paged file is a directory holding master data, a version log, and a sync
// log. Master data is a sequence of fixed-size pages preceded by one
// header block. Every page carries a common header with type, page-ID, and
// CRC32 checksum, followed by an area directory: variable-length areas
// are allocated inside the page and addressed by a stable AreaID. Crash
// recovery replays the version log's sealed operation frames; RecoverPage
// rolls a single page back to its pre-fix image for operation-level
// rollback.
package paged

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is the default page size in bytes (8 KiB).
	DefaultPageSize = 8192

	// MinPageSize is the minimum allowed page size (4 KiB).
	MinPageSize = 4096

	// MaxPageSize is the maximum allowed page size (64 KiB).
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     PageType   (1 byte)
	//   [1]     Flags      (1 byte)
	//   [2:4]   Reserved   (2 bytes)
	//   [4:8]   PageID     (4 bytes, uint32 LE)
	//   [8:16]  Reserved   (8 bytes)
	//   [16:20] CRC32      (4 bytes, uint32 LE)
	//   [20:32] Reserved   (12 bytes)
	PageHeaderSize = 32

	// UndefinedPageID is the all-ones sentinel for "no page".
	UndefinedPageID PageID = 0xFFFFFFFF

	// UndefinedAreaID is the all-ones sentinel for "no area".
	UndefinedAreaID AreaID = 0xFFFF
)

// ───────────────────────────────────────────────────────────────────────────
// Page types
// ───────────────────────────────────────────────────────────────────────────

// PageType identifies the kind of data stored in a page.
type PageType uint8

const (
	PageTypeData     PageType = 0x01
	PageTypeFreeList PageType = 0x02
)

// String returns a human-readable label for the page type.
func (pt PageType) String() string {
	switch pt {
	case PageTypeData:
		return "Data"
	case PageTypeFreeList:
		return "FreeList"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Core types
// ───────────────────────────────────────────────────────────────────────────

// PageID is a 32-bit page identifier, dense from 0.
type PageID uint32

// AreaID is a 16-bit intra-page area identifier.
type AreaID uint16

// TxID is a transaction identifier.
type TxID uint64

// FixMode says how a page is fixed by AttachPage.
type FixMode uint8

const (
	// FixRead fixes the page for reading only.
	FixRead FixMode = iota
	// FixWrite fixes the page for modification; the pre-fix image is
	// captured so RecoverPage can roll the page back.
	FixWrite
	// FixAllocate fixes a freshly allocated page for initialisation;
	// no pre-fix image is kept.
	FixAllocate
)

// UnfixMode says what DetachPage does with the page image.
type UnfixMode uint8

const (
	// UnfixClean drops the fix without persisting changes.
	UnfixClean UnfixMode = iota
	// UnfixDirty marks the page dirty and stages its image under the
	// fixing operation's version-log frame.
	UnfixDirty
)

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 32-byte header present at the start of every page.
type PageHeader struct {
	Type  PageType
	Flags uint8
	ID    PageID
	CRC   uint32
}

// MarshalHeader writes a PageHeader into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("buffer too small for PageHeader")
	}
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], 0)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Type = PageType(buf[0])
	h.Flags = buf[1]
	h.ID = PageID(binary.LittleEndian.Uint32(buf[4:8]))
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	return h
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

// crcTable is the CRC32 (Castagnoli) table used throughout.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 16..20) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:16])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[20:])
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	c := ComputePageCRC(page)
	binary.LittleEndian.PutUint32(page[16:20], c)
}

// VerifyPageCRC checks the CRC32 checksum of a page.
func VerifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[16:20])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint32(page[4:8]))
		return fmt.Errorf("CRC mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed)
	}
	return nil
}

// NewPageBuf allocates a zeroed page buffer and writes its header.
func NewPageBuf(pageSize int, pt PageType, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	return buf
}
