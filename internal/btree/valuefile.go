package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Value file
// ───────────────────────────────────────────────────────────────────────────
//
// The value file holds one representative object per tuple plus the
// outside variable-length and array objects its fields reference. The
// representative has a fixed direct size:
//
//   type (1) | leaf-page-ID (4) | key-slot-index (4) | null bitmap | cells
//
// The leaf back-link is refreshed on every leaf reshuffle so it matches
// the owning slot at all times. Page 0 of the value file always exists.

const valueFilePage0 paged.PageID = 0

// representativeSize returns the fixed size of the representative object.
func (f *File) representativeSize() int {
	specs := f.schema.valueSpecs()
	n := 1 + 4 + 4 + nullBitmapSize(len(specs))
	for i := range specs {
		n += specs[i].cellSize()
	}
	return n
}

// insertValue stores a value tuple and returns its representative's ID.
// Outside objects are written first, then a page is chosen for the
// representative: the most recently touched value page, then — for schemas
// without outside fields — the file's last page, then the free-page
// search, and finally a fresh page.
func (f *File) insertValue(op *operation, value Tuple, leafPID paged.PageID, slotIdx int) (ObjectID, error) {
	image, err := f.buildRepresentative(op, value, leafPID, slotIdx)
	if err != nil {
		return UndefinedObjectID, err
	}
	pg, aid, err := f.allocValueArea(op, len(image))
	if err != nil {
		return UndefinedObjectID, err
	}
	copy(pg.Area(aid), image)
	op.dirty(f.vf, pg.ID())
	f.lastValuePID = pg.ID()
	return MakeObjectID(pg.ID(), aid), nil
}

// allocValueArea picks a page for a representative of the given size.
func (f *File) allocValueArea(op *operation, size int) (*paged.Page, paged.AreaID, error) {
	// Working set first.
	if f.lastValuePID != paged.UndefinedPageID &&
		uint64(f.lastValuePID) < f.vf.PageCount() && !f.vf.IsFreePage(f.lastValuePID) {
		pg, err := op.attach(f.vf, f.lastValuePID, paged.FixWrite)
		if err == nil && pg.FreeAreaSize(op.txn, 1) >= size {
			aid, err := op.allocAreaCompacting(pg, size)
			if err == nil {
				return pg, aid, nil
			}
		}
	}
	// Without outside fields every tuple is the same size, so the last
	// page is where the tail of the file lives; try it before searching.
	if !f.hasOutsideFields() && f.vf.PageCount() > 0 {
		last := paged.PageID(f.vf.PageCount() - 1)
		if !f.vf.IsFreePage(last) {
			pg, err := op.attach(f.vf, last, paged.FixWrite)
			if err == nil && pg.FreeAreaSize(op.txn, 1) >= size {
				aid, err := op.allocAreaCompacting(pg, size)
				if err == nil {
					return pg, aid, nil
				}
			}
		}
	}
	return op.allocObjectArea(f.vf, size, paged.UndefinedPageID)
}

func (f *File) hasOutsideFields() bool {
	specs := f.schema.valueSpecs()
	for i := range specs {
		if specs[i].outside() {
			return true
		}
	}
	return false
}

// buildRepresentative serialises a representative image, writing outside
// objects for the fields that need them. The outsides go first so their
// allocations cannot move a representative area under the caller.
func (f *File) buildRepresentative(op *operation, value Tuple, leafPID paged.PageID, slotIdx int) ([]byte, error) {
	specs := f.schema.valueSpecs()
	if len(value) != len(specs) {
		return nil, fmt.Errorf("%w: value tuple has %d fields, schema has %d",
			ErrBadArgument, len(value), len(specs))
	}
	buf := make([]byte, f.representativeSize())
	buf[0] = objDirect | objNormal
	binary.LittleEndian.PutUint32(buf[1:5], uint32(leafPID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(slotIdx))
	bm := buf[9 : 9+nullBitmapSize(len(specs))]
	for i := range bm {
		bm[i] = 0
	}
	off := 9 + nullBitmapSize(len(specs))
	for i := range specs {
		fs := &specs[i]
		cell := buf[off : off+fs.cellSize()]
		v := value[i]
		switch {
		case v.IsNull:
			bitmapSet(bm, i)
			for j := range cell {
				cell[j] = 0
			}
		case fs.Array:
			oid, err := op.writeArray(f.vf, fs, v.Elems)
			if err != nil {
				return nil, err
			}
			putObjectID(cell, oid)
		case fs.outside():
			payload, err := variablePayload(fs, v)
			if err != nil {
				return nil, err
			}
			oid, err := op.writeVariable(f.vf, payload, nil, fs.Type == TypeString)
			if err != nil {
				return nil, err
			}
			putObjectID(cell, oid)
		case fs.Type.Variable():
			if err := putInlineVarCell(cell, fs, v); err != nil {
				return nil, err
			}
		default:
			putFixedCell(cell, fs, v)
		}
		off += fs.cellSize()
	}
	return buf, nil
}

// representativeArea fixes the page behind oid and returns its area.
func (f *File) representativeArea(op *operation, oid ObjectID, mode paged.FixMode) (*paged.Page, []byte, error) {
	pg, err := op.attach(f.vf, oid.Page(), mode)
	if err != nil {
		return nil, nil, err
	}
	buf := pg.Area(oid.Area())
	if len(buf) < f.representativeSize() {
		return nil, nil, fmt.Errorf("%w: representative %v is %d bytes", ErrUnexpected, oid, len(buf))
	}
	return pg, buf, nil
}

// readValue materialises the value tuple behind oid. project selects value
// fields by index; nil selects all. Unselected and null fields share the
// Null sentinel.
func (f *File) readValue(op *operation, oid ObjectID, project []int) (Tuple, error) {
	_, buf, err := f.representativeArea(op, oid, paged.FixRead)
	if err != nil {
		return nil, err
	}
	specs := f.schema.valueSpecs()
	selected := make([]bool, len(specs))
	if project == nil {
		for i := range selected {
			selected[i] = true
		}
	} else {
		for _, i := range project {
			if i < 0 || i >= len(specs) {
				return nil, fmt.Errorf("%w: projected value field %d", ErrBadArgument, i)
			}
			selected[i] = true
		}
	}
	bm := buf[9 : 9+nullBitmapSize(len(specs))]
	off := 9 + nullBitmapSize(len(specs))
	out := make(Tuple, len(specs))
	for i := range specs {
		fs := &specs[i]
		cell := buf[off : off+fs.cellSize()]
		off += fs.cellSize()
		if !selected[i] || bitmapGet(bm, i) {
			out[i] = Null
			continue
		}
		switch {
		case fs.Array:
			elems, err := op.readArray(f.vf, fs, getObjectID(cell))
			if err != nil {
				return nil, err
			}
			out[i] = &Value{Elems: elems}
		case fs.outside():
			payload, _, err := op.readVariable(f.vf, getObjectID(cell))
			if err != nil {
				return nil, err
			}
			v, err := variableValue(fs, payload)
			if err != nil {
				return nil, err
			}
			out[i] = v
		case fs.Type.Variable():
			v, err := getInlineVarCell(cell, fs)
			if err != nil {
				return nil, err
			}
			out[i] = v
		default:
			out[i] = getFixedCell(cell, fs)
		}
	}
	return out, nil
}

// readLeafInfo returns the back-link stored in the representative.
func (f *File) readLeafInfo(op *operation, oid ObjectID) (paged.PageID, int, error) {
	_, buf, err := f.representativeArea(op, oid, paged.FixRead)
	if err != nil {
		return paged.UndefinedPageID, 0, err
	}
	return paged.PageID(binary.LittleEndian.Uint32(buf[1:5])),
		int(binary.LittleEndian.Uint32(buf[5:9])), nil
}

// updateBacklink rewrites only the leaf back-link. Every leaf reshuffle
// calls this for each moved slot, immediately after the slot moves.
func (f *File) updateBacklink(op *operation, oid ObjectID, leafPID paged.PageID, slotIdx int) error {
	pg, buf, err := f.representativeArea(op, oid, paged.FixWrite)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(leafPID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(slotIdx))
	op.dirty(f.vf, pg.ID())
	return nil
}

// updateValue frees the outside objects of the stored tuple, writes the
// new tuple's outsides, and rewrites the representative in place. The
// back-link is refreshed as part of the rewrite.
func (f *File) updateValue(op *operation, oid ObjectID, value Tuple, leafPID paged.PageID, slotIdx int) error {
	pg, buf, err := f.representativeArea(op, oid, paged.FixWrite)
	if err != nil {
		return err
	}
	if err := f.freeOutsideObjects(op, buf); err != nil {
		return err
	}
	image, err := f.buildRepresentative(op, value, leafPID, slotIdx)
	if err != nil {
		return err
	}
	// The new outsides may have compacted the owning page; the area is
	// looked up again before the in-place rewrite.
	copy(pg.Area(oid.Area()), image)
	op.dirty(f.vf, pg.ID())
	return nil
}

// expungeValue frees the representative and its entire outside graph and
// compacts the owning page. A page left empty is relinquished unless it is
// page 0, which always stays.
func (f *File) expungeValue(op *operation, oid ObjectID) error {
	pg, buf, err := f.representativeArea(op, oid, paged.FixWrite)
	if err != nil {
		return err
	}
	if err := f.freeOutsideObjects(op, buf); err != nil {
		return err
	}
	if err := pg.FreeArea(op.txn, oid.Area()); err != nil {
		return err
	}
	op.dirty(f.vf, pg.ID())
	if pg.Empty() {
		if pg.ID() != valueFilePage0 {
			if err := op.freePage(f.vf, pg.ID()); err != nil {
				return err
			}
		}
		if f.lastValuePID == pg.ID() {
			f.lastValuePID = paged.UndefinedPageID
		}
		return nil
	}
	return pg.Compaction(op.txn)
}

// freeOutsideObjects releases every outside object a representative refers
// to.
func (f *File) freeOutsideObjects(op *operation, buf []byte) error {
	specs := f.schema.valueSpecs()
	bm := buf[9 : 9+nullBitmapSize(len(specs))]
	off := 9 + nullBitmapSize(len(specs))
	for i := range specs {
		fs := &specs[i]
		cell := buf[off : off+fs.cellSize()]
		off += fs.cellSize()
		if bitmapGet(bm, i) {
			continue
		}
		switch {
		case fs.Array:
			if err := op.freeArray(f.vf, fs, getObjectID(cell), valueFilePage0); err != nil {
				return err
			}
		case fs.outside():
			if err := op.freeVariable(f.vf, getObjectID(cell), valueFilePage0); err != nil {
				return err
			}
		}
	}
	return nil
}

// useValue registers the representative and every outside and array
// continuation area with the verification walk.
func (f *File) useValue(op *operation, oid ObjectID, use *paged.UseInfo) error {
	_, buf, err := f.representativeArea(op, oid, paged.FixRead)
	if err != nil {
		return err
	}
	use.RegisterArea(oid.Page(), oid.Area())
	specs := f.schema.valueSpecs()
	bm := buf[9 : 9+nullBitmapSize(len(specs))]
	off := 9 + nullBitmapSize(len(specs))
	for i := range specs {
		fs := &specs[i]
		cell := buf[off : off+fs.cellSize()]
		off += fs.cellSize()
		if bitmapGet(bm, i) {
			continue
		}
		switch {
		case fs.Array:
			if err := op.useArray(f.vf, fs, getObjectID(cell), use); err != nil {
				return err
			}
		case fs.outside():
			if err := op.useVariable(f.vf, getObjectID(cell), use); err != nil {
				return err
			}
		}
	}
	return nil
}
