package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Node / leaf pages
// ───────────────────────────────────────────────────────────────────────────
//
// A node or leaf page carries two areas:
//
//   area 0 — header: {kind, used count, parent, prev/next physical,
//                     prev/next leaf}
//   area 1 — key table: `fanout` slots at a fixed stride
//
// A slot is a key part followed by a pointer. The key part is either the
// inlined key (null bitmap + cells) or, when keys are stored as objects,
// a 6-byte object ID. Leaf slot pointers are 6-byte value-object IDs; node
// slot pointers are 4-byte child page IDs. Slots beyond the used count are
// uninitialised storage.

const (
	nodeHeaderAreaID paged.AreaID = 0
	keyTableAreaID   paged.AreaID = 1

	nodeHeaderSize = 23

	hdrKindOff     = 0
	hdrUsedOff     = 1
	hdrParentOff   = 3
	hdrPrevPhysOff = 7
	hdrNextPhysOff = 11
	hdrPrevLeafOff = 15
	hdrNextLeafOff = 19
)

// pageKind distinguishes leaves from internal nodes.
type pageKind uint8

const (
	kindLeaf pageKind = 1
	kindNode pageKind = 2
)

func (k pageKind) String() string {
	if k == kindLeaf {
		return "leaf"
	}
	return "node"
}

// layout fixes slot geometry at creation time.
type layout struct {
	fanout     int
	keyInline  bool
	keyBytes   int // key part size within a slot
	leafStride int
	nodeStride int
}

// computeLayout derives the slot geometry from the schema and the page
// data size. fanoutOverride pins the fanout (used by small-tree tests and
// tools); 0 derives it from the page size.
func computeLayout(s *Schema, pageDataSize, fanoutOverride int) (layout, error) {
	l := layout{keyInline: s.keyInline()}
	if l.keyInline {
		l.keyBytes = s.keyDirectSize()
	} else {
		l.keyBytes = objectIDDiskSize
	}
	l.leafStride = l.keyBytes + objectIDDiskSize
	l.nodeStride = l.keyBytes + 4
	// pageDataSize already accounts for one area-directory entry; a node
	// page holds two areas, so the key table pays for a second one.
	const areaDirEntrySize = 4
	avail := pageDataSize - areaDirEntrySize
	if fanoutOverride > 0 {
		l.fanout = fanoutOverride
	} else {
		l.fanout = (avail - nodeHeaderSize) / l.leafStride
	}
	if l.fanout < 2 {
		return l, fmt.Errorf("%w: key stride %d leaves fanout %d", ErrNotSupported, l.leafStride, l.fanout)
	}
	if nodeHeaderSize+l.fanout*l.leafStride > avail {
		return l, fmt.Errorf("%w: fanout %d does not fit a page", ErrBadArgument, l.fanout)
	}
	return l, nil
}

func (l *layout) stride(k pageKind) int {
	if k == kindLeaf {
		return l.leafStride
	}
	return l.nodeStride
}

// nodePage wraps a fixed page as a tree node.
type nodePage struct {
	f  *File
	op *operation
	pg *paged.Page
	id paged.PageID
}

// nodeAt fixes an existing node or leaf page.
func (f *File) nodeAt(op *operation, pid paged.PageID, mode paged.FixMode) (*nodePage, error) {
	pg, err := op.attach(f.tf, pid, mode)
	if err != nil {
		return nil, err
	}
	return &nodePage{f: f, op: op, pg: pg, id: pid}, nil
}

// newNodePage allocates and initialises a node or leaf page.
func (f *File) newNodePage(op *operation, kind pageKind) (*nodePage, error) {
	pg, err := op.allocate(f.tf)
	if err != nil {
		return nil, err
	}
	np := &nodePage{f: f, op: op, pg: pg, id: pg.ID()}
	hid, err := pg.AllocateArea(op.txn, nodeHeaderSize)
	if err != nil {
		return nil, err
	}
	tid, err := pg.AllocateArea(op.txn, f.layout.fanout*f.layout.stride(kind))
	if err != nil {
		return nil, err
	}
	if hid != nodeHeaderAreaID || tid != keyTableAreaID {
		return nil, fmt.Errorf("%w: node areas landed at %d/%d", ErrUnexpected, hid, tid)
	}
	hdr := pg.Area(nodeHeaderAreaID)
	hdr[hdrKindOff] = byte(kind)
	binary.LittleEndian.PutUint16(hdr[hdrUsedOff:], 0)
	binary.LittleEndian.PutUint32(hdr[hdrParentOff:], uint32(paged.UndefinedPageID))
	binary.LittleEndian.PutUint32(hdr[hdrPrevPhysOff:], uint32(paged.UndefinedPageID))
	binary.LittleEndian.PutUint32(hdr[hdrNextPhysOff:], uint32(paged.UndefinedPageID))
	binary.LittleEndian.PutUint32(hdr[hdrPrevLeafOff:], uint32(paged.UndefinedPageID))
	binary.LittleEndian.PutUint32(hdr[hdrNextLeafOff:], uint32(paged.UndefinedPageID))
	np.markDirty()
	return np, nil
}

func (np *nodePage) markDirty() { np.op.dirty(np.f.tf, np.id) }

func (np *nodePage) header() []byte { return np.pg.Area(nodeHeaderAreaID) }

func (np *nodePage) kind() pageKind { return pageKind(np.header()[hdrKindOff]) }

func (np *nodePage) isLeaf() bool { return np.kind() == kindLeaf }

func (np *nodePage) used() int {
	return int(binary.LittleEndian.Uint16(np.header()[hdrUsedOff:]))
}

func (np *nodePage) setUsed(n int) {
	binary.LittleEndian.PutUint16(np.header()[hdrUsedOff:], uint16(n))
	np.markDirty()
}

func (np *nodePage) headerPID(off int) paged.PageID {
	return paged.PageID(binary.LittleEndian.Uint32(np.header()[off:]))
}

func (np *nodePage) setHeaderPID(off int, pid paged.PageID) {
	binary.LittleEndian.PutUint32(np.header()[off:], uint32(pid))
	np.markDirty()
}

func (np *nodePage) parent() paged.PageID        { return np.headerPID(hdrParentOff) }
func (np *nodePage) setParent(pid paged.PageID)  { np.setHeaderPID(hdrParentOff, pid) }
func (np *nodePage) prevLeaf() paged.PageID      { return np.headerPID(hdrPrevLeafOff) }
func (np *nodePage) setPrevLeaf(p paged.PageID)  { np.setHeaderPID(hdrPrevLeafOff, p) }
func (np *nodePage) nextLeaf() paged.PageID      { return np.headerPID(hdrNextLeafOff) }
func (np *nodePage) setNextLeaf(p paged.PageID)  { np.setHeaderPID(hdrNextLeafOff, p) }
func (np *nodePage) prevPhys() paged.PageID      { return np.headerPID(hdrPrevPhysOff) }
func (np *nodePage) setPrevPhys(p paged.PageID)  { np.setHeaderPID(hdrPrevPhysOff, p) }
func (np *nodePage) nextPhys() paged.PageID      { return np.headerPID(hdrNextPhysOff) }
func (np *nodePage) setNextPhys(p paged.PageID)  { np.setHeaderPID(hdrNextPhysOff, p) }

func (np *nodePage) stride() int { return np.f.layout.stride(np.kind()) }

// slotBytes returns slot i's raw bytes inside the key table.
func (np *nodePage) slotBytes(i int) []byte {
	st := np.stride()
	table := np.pg.Area(keyTableAreaID)
	return table[i*st : (i+1)*st]
}

// keyPart returns slot i's key part.
func (np *nodePage) keyPart(i int) []byte {
	return np.slotBytes(i)[:np.f.layout.keyBytes]
}

// valueOID returns the value-object ID of leaf slot i.
func (np *nodePage) valueOID(i int) ObjectID {
	return getObjectID(np.slotBytes(i)[np.f.layout.keyBytes:])
}

// setValueOID stores the value-object ID into leaf slot i.
func (np *nodePage) setValueOID(i int, oid ObjectID) {
	putObjectID(np.slotBytes(i)[np.f.layout.keyBytes:], oid)
	np.markDirty()
}

// child returns the child page ID of node slot i.
func (np *nodePage) child(i int) paged.PageID {
	return paged.PageID(binary.LittleEndian.Uint32(np.slotBytes(i)[np.f.layout.keyBytes:]))
}

// setChild stores the child page ID into node slot i.
func (np *nodePage) setChild(i int, pid paged.PageID) {
	binary.LittleEndian.PutUint32(np.slotBytes(i)[np.f.layout.keyBytes:], uint32(pid))
	np.markDirty()
}

// insertSlotAt opens slot i, shifting later slots right by one stride.
// The caller fills the slot afterwards.
func (np *nodePage) insertSlotAt(i int) {
	st := np.stride()
	table := np.pg.Area(keyTableAreaID)
	used := np.used()
	copy(table[(i+1)*st:(used+1)*st], table[i*st:used*st])
	np.setUsed(used + 1)
}

// removeSlotAt closes slot i, shifting later slots left by one stride.
func (np *nodePage) removeSlotAt(i int) {
	st := np.stride()
	table := np.pg.Area(keyTableAreaID)
	used := np.used()
	copy(table[i*st:(used-1)*st], table[(i+1)*st:used*st])
	np.setUsed(used - 1)
}

// setSlot writes a raw slot image at position i.
func (np *nodePage) setSlot(i int, slot []byte) {
	copy(np.slotBytes(i), slot)
	np.markDirty()
}

// copySlot returns a copy of slot i's raw bytes.
func (np *nodePage) copySlot(i int) []byte {
	return append([]byte{}, np.slotBytes(i)...)
}

// lastKey returns the page's last key (its delegate key).
func (np *nodePage) lastKey() (Tuple, error) {
	return np.readKey(np.used() - 1)
}

// readKey decodes slot i's key tuple.
func (np *nodePage) readKey(i int) (Tuple, error) {
	return np.f.decodeKeyPart(np.op, np.keyPart(i))
}

// findChildIndex locates the slot that references child pid. Parents sort
// by key, not by child ID, so this is a linear scan.
func (np *nodePage) findChildIndex(pid paged.PageID) int {
	for i := 0; i < np.used(); i++ {
		if np.child(i) == pid {
			return i
		}
	}
	return -1
}

// freePage relinquishes the node's page after freeing any key objects its
// slots still reference.
func (np *nodePage) freePage() error {
	if !np.f.layout.keyInline {
		for i := 0; i < np.used(); i++ {
			if err := np.f.freeKeyPart(np.op, np.keyPart(i)); err != nil {
				return err
			}
		}
	}
	return np.op.freePage(np.f.tf, np.id)
}
