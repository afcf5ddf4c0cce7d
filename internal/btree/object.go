package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Page-area objects
// ───────────────────────────────────────────────────────────────────────────
//
// Values (and keys, when too large for a slot) are serialised into page
// areas called objects. An object that does not fit in one area chains to
// continuation areas:
//
//   variable object  = type [ next-oid ] [ uncompressed,compressed u32×2 ] bytes
//   array object     = type [ next-oid ] elem-count u32 | null bitmap | cells
//
// The compression lengths appear only in the first fragment of a
// compressed value; every non-terminal fragment carries the next-object ID
// right after the type byte. String payload fragments are kept to even
// byte counts so UTF-16 code units never straddle a fragment boundary.

// Object type bits.
const (
	objNormal           byte = 0x01
	objDivide           byte = 0x02
	objArray            byte = 0x08
	objDivideArray      byte = 0x10
	objCompressed       byte = 0x20
	objDivideCompressed byte = 0x40
	objDirect           byte = 0x80
)

const compressHeaderSize = 8 // uncompressed + compressed length

// compressInfo frames an already-compressed payload; the engine does not
// choose the algorithm.
type compressInfo struct {
	uncompressedLen uint32
	compressedLen   uint32
}

// ───────────────────────────────────────────────────────────────────────────
// Area allocation for objects
// ───────────────────────────────────────────────────────────────────────────

// allocObjectArea finds room for an object fragment of size bytes on pf.
// Allocations above the searchable threshold skip the free-page search and
// extend the file, keeping the search effective. startPID seeds the search
// (UndefinedPageID = from the start).
func (op *operation) allocObjectArea(pf *paged.File, size int, startPID paged.PageID) (*paged.Page, paged.AreaID, error) {
	if size <= pf.PageSearchableThreshold() {
		if pid := pf.SearchFreePage(op.txn, size, startPID, false); pid != paged.UndefinedPageID {
			pg, err := op.attach(pf, pid, paged.FixWrite)
			if err != nil {
				return nil, 0, err
			}
			aid, err := op.allocAreaCompacting(pg, size)
			if err == nil {
				return pg, aid, nil
			}
		}
	}
	pg, err := op.allocate(pf)
	if err != nil {
		return nil, 0, err
	}
	aid, err := pg.AllocateArea(op.txn, size)
	if err != nil {
		return nil, 0, err
	}
	op.dirty(pf, pg.ID())
	return pg, aid, nil
}

// allocAreaCompacting allocates an area, compacting the page first when
// the free bytes are fragmented.
func (op *operation) allocAreaCompacting(pg *paged.Page, size int) (paged.AreaID, error) {
	aid, err := pg.AllocateArea(op.txn, size)
	if err == nil {
		op.dirty(op.fileOf(pg), pg.ID())
		return aid, nil
	}
	if err := pg.Compaction(op.txn); err != nil {
		return 0, err
	}
	aid, err = pg.AllocateArea(op.txn, size)
	if err != nil {
		return 0, err
	}
	op.dirty(op.fileOf(pg), pg.ID())
	return aid, nil
}

// fileOf resolves which paged file a fixed page belongs to.
func (op *operation) fileOf(pg *paged.Page) *paged.File {
	for k, ap := range op.pages {
		if ap.page == pg {
			return k.file
		}
	}
	return op.f.tf
}

// ───────────────────────────────────────────────────────────────────────────
// Variable-length objects
// ───────────────────────────────────────────────────────────────────────────

// writeVariable stores data as a chain of variable objects on pf and
// returns the head object's ID. With ci, the payload is framed as
// compressed. evenPayload keeps every fragment's payload even-sized.
func (op *operation) writeVariable(pf *paged.File, data []byte, ci *compressInfo, evenPayload bool) (ObjectID, error) {
	maxArea := pf.DataSize()
	headExtra := 0
	if ci != nil {
		headExtra = compressHeaderSize
	}

	// Chunk greedily: a fragment is terminal when the rest fits without a
	// next pointer.
	var chunks [][]byte
	rest := data
	first := true
	for {
		extra := 0
		if first {
			extra = headExtra
		}
		capLast := maxArea - 1 - extra
		if len(rest) <= capLast {
			chunks = append(chunks, rest)
			break
		}
		c := maxArea - 1 - objectIDDiskSize - extra
		if evenPayload {
			c &^= 1
		}
		chunks = append(chunks, rest[:c])
		rest = rest[c:]
		first = false
	}

	// Write back to front so each fragment knows its continuation.
	next := UndefinedObjectID
	var head ObjectID
	for i := len(chunks) - 1; i >= 0; i-- {
		chunk := chunks[i]
		isFirst := i == 0
		hasNext := next != UndefinedObjectID

		var t byte
		switch {
		case isFirst && hasNext && ci != nil:
			t = objDivideCompressed
		case isFirst && !hasNext && ci != nil:
			t = objCompressed
		case hasNext:
			t = objDivide
		default:
			t = objNormal
		}

		size := 1 + len(chunk)
		if hasNext {
			size += objectIDDiskSize
		}
		if isFirst && ci != nil {
			size += compressHeaderSize
		}

		pg, aid, err := op.allocObjectArea(pf, size, paged.UndefinedPageID)
		if err != nil {
			return UndefinedObjectID, err
		}
		buf := pg.Area(aid)
		buf[0] = t
		off := 1
		if hasNext {
			putObjectID(buf[off:], next)
			off += objectIDDiskSize
		}
		if isFirst && ci != nil {
			binary.LittleEndian.PutUint32(buf[off:], ci.uncompressedLen)
			binary.LittleEndian.PutUint32(buf[off+4:], ci.compressedLen)
			off += compressHeaderSize
		}
		copy(buf[off:], chunk)
		op.dirty(pf, pg.ID())
		next = MakeObjectID(pg.ID(), aid)
		head = next
	}
	return head, nil
}

// readVariable reassembles a variable-object chain.
func (op *operation) readVariable(pf *paged.File, oid ObjectID) ([]byte, *compressInfo, error) {
	var out []byte
	var ci *compressInfo
	first := true
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixRead)
		if err != nil {
			return nil, nil, err
		}
		buf := pg.Area(oid.Area())
		if len(buf) == 0 {
			return nil, nil, fmt.Errorf("%w: dangling object %v", ErrUnexpected, oid)
		}
		t := buf[0]
		off := 1
		next := UndefinedObjectID
		if t == objDivide || t == objDivideCompressed {
			next = getObjectID(buf[off:])
			off += objectIDDiskSize
		}
		if first && (t == objCompressed || t == objDivideCompressed) {
			ci = &compressInfo{
				uncompressedLen: binary.LittleEndian.Uint32(buf[off:]),
				compressedLen:   binary.LittleEndian.Uint32(buf[off+4:]),
			}
			off += compressHeaderSize
		}
		out = append(out, buf[off:]...)
		oid = next
		first = false
	}
	return out, ci, nil
}

// freeVariable frees a variable-object chain. Pages left without any live
// area are relinquished, except keepPID (page 0 of the value file stays).
func (op *operation) freeVariable(pf *paged.File, oid ObjectID, keepPID paged.PageID) error {
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixWrite)
		if err != nil {
			return err
		}
		buf := pg.Area(oid.Area())
		if len(buf) == 0 {
			return fmt.Errorf("%w: free of dangling object %v", ErrUnexpected, oid)
		}
		t := buf[0]
		next := UndefinedObjectID
		if t == objDivide || t == objDivideCompressed {
			next = getObjectID(buf[1:])
		}
		if err := pg.FreeArea(op.txn, oid.Area()); err != nil {
			return err
		}
		op.dirty(pf, pg.ID())
		if pg.Empty() && pg.ID() != keepPID {
			if err := op.freePage(pf, pg.ID()); err != nil {
				return err
			}
		}
		oid = next
	}
	return nil
}

// useVariable registers every fragment of a variable-object chain.
func (op *operation) useVariable(pf *paged.File, oid ObjectID, use *paged.UseInfo) error {
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixRead)
		if err != nil {
			return err
		}
		buf := pg.Area(oid.Area())
		if len(buf) == 0 {
			return fmt.Errorf("%w: dangling object %v", ErrUnexpected, oid)
		}
		use.RegisterArea(oid.Page(), oid.Area())
		t := buf[0]
		next := UndefinedObjectID
		if t == objDivide || t == objDivideCompressed {
			next = getObjectID(buf[1:])
		}
		oid = next
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Array objects
// ───────────────────────────────────────────────────────────────────────────

// arrayCellSize is the per-element cell size inside an array fragment.
func arrayCellSize(fs *FieldSpec) int {
	if fs.Type.Variable() {
		return objectIDDiskSize
	}
	return fs.Type.fixedSize()
}

// writeArray stores an array value as a fragment chain on pf. Variable
// elements are written as nested variable objects.
func (op *operation) writeArray(pf *paged.File, fs *FieldSpec, elems []*Value) (ObjectID, error) {
	maxArea := pf.DataSize()
	cell := arrayCellSize(fs)

	fragSize := func(n int, hasNext bool) int {
		s := 1 + 4 + nullBitmapSize(n) + n*cell
		if hasNext {
			s += objectIDDiskSize
		}
		return s
	}

	// Chunk element counts greedily, first fragment first; only the final
	// fragment goes without a next pointer.
	var counts []int
	rest := len(elems)
	for {
		n := rest
		for n > 1 && fragSize(n, false) > maxArea {
			n--
		}
		if fragSize(n, false) <= maxArea && n == rest {
			counts = append(counts, n)
			break
		}
		n = rest
		for n > 1 && fragSize(n, true) > maxArea {
			n--
		}
		counts = append(counts, n)
		rest -= n
		if rest == 0 {
			break
		}
	}
	// counts were produced front to back; fragments write back to front.
	starts := make([]int, len(counts))
	pos := 0
	for i, n := range counts {
		starts[i] = pos
		pos += n
	}

	next := UndefinedObjectID
	var head ObjectID
	for i := len(counts) - 1; i >= 0; i-- {
		n := counts[i]
		sub := elems[starts[i] : starts[i]+n]
		hasNext := next != UndefinedObjectID
		t := objArray
		if hasNext {
			t = objDivideArray
		}

		// The fragment image is built first — nested element objects
		// allocate areas, which must not move the fragment under us.
		size := fragSize(n, hasNext)
		img := make([]byte, size)
		img[0] = t
		off := 1
		if hasNext {
			putObjectID(img[off:], next)
			off += objectIDDiskSize
		}
		binary.LittleEndian.PutUint32(img[off:], uint32(n))
		off += 4
		bm := img[off : off+nullBitmapSize(n)]
		off += nullBitmapSize(n)
		for j, e := range sub {
			cellBuf := img[off+j*cell : off+(j+1)*cell]
			if e.IsNull {
				bitmapSet(bm, j)
				continue
			}
			if fs.Type.Variable() {
				payload, err := variablePayload(fs, e)
				if err != nil {
					return UndefinedObjectID, err
				}
				eo, err := op.writeVariable(pf, payload, nil, fs.Type == TypeString)
				if err != nil {
					return UndefinedObjectID, err
				}
				putObjectID(cellBuf, eo)
			} else {
				putFixedCell(cellBuf, fs, e)
			}
		}

		pg, aid, err := op.allocObjectArea(pf, size, paged.UndefinedPageID)
		if err != nil {
			return UndefinedObjectID, err
		}
		copy(pg.Area(aid), img)
		op.dirty(pf, pg.ID())
		next = MakeObjectID(pg.ID(), aid)
		head = next
	}
	return head, nil
}

// readArray reassembles an array-object chain into element values.
func (op *operation) readArray(pf *paged.File, fs *FieldSpec, oid ObjectID) ([]*Value, error) {
	cell := arrayCellSize(fs)
	var out []*Value
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixRead)
		if err != nil {
			return nil, err
		}
		buf := pg.Area(oid.Area())
		if len(buf) == 0 {
			return nil, fmt.Errorf("%w: dangling array object %v", ErrUnexpected, oid)
		}
		t := buf[0]
		off := 1
		next := UndefinedObjectID
		if t == objDivideArray {
			next = getObjectID(buf[off:])
			off += objectIDDiskSize
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		bm := buf[off : off+nullBitmapSize(n)]
		off += nullBitmapSize(n)
		for j := 0; j < n; j++ {
			if bitmapGet(bm, j) {
				out = append(out, Null)
				continue
			}
			cellBuf := buf[off+j*cell : off+(j+1)*cell]
			if fs.Type.Variable() {
				payload, _, err := op.readVariable(pf, getObjectID(cellBuf))
				if err != nil {
					return nil, err
				}
				v, err := variableValue(fs, payload)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			} else {
				out = append(out, getFixedCell(cellBuf, fs))
			}
		}
		oid = next
	}
	return out, nil
}

// freeArray frees an array-object chain, nested variable objects included.
func (op *operation) freeArray(pf *paged.File, fs *FieldSpec, oid ObjectID, keepPID paged.PageID) error {
	cell := arrayCellSize(fs)
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixWrite)
		if err != nil {
			return err
		}
		buf := pg.Area(oid.Area())
		if len(buf) == 0 {
			return fmt.Errorf("%w: free of dangling array object %v", ErrUnexpected, oid)
		}
		t := buf[0]
		off := 1
		next := UndefinedObjectID
		if t == objDivideArray {
			next = getObjectID(buf[off:])
			off += objectIDDiskSize
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		bm := buf[off : off+nullBitmapSize(n)]
		off += nullBitmapSize(n)
		if fs.Type.Variable() {
			for j := 0; j < n; j++ {
				if bitmapGet(bm, j) {
					continue
				}
				if err := op.freeVariable(pf, getObjectID(buf[off+j*cell:]), keepPID); err != nil {
					return err
				}
			}
		}
		if err := pg.FreeArea(op.txn, oid.Area()); err != nil {
			return err
		}
		op.dirty(pf, pg.ID())
		if pg.Empty() && pg.ID() != keepPID {
			if err := op.freePage(pf, pg.ID()); err != nil {
				return err
			}
		}
		oid = next
	}
	return nil
}

// useArray registers every fragment of an array chain and its nested
// variable objects.
func (op *operation) useArray(pf *paged.File, fs *FieldSpec, oid ObjectID, use *paged.UseInfo) error {
	cell := arrayCellSize(fs)
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixRead)
		if err != nil {
			return err
		}
		buf := pg.Area(oid.Area())
		if len(buf) == 0 {
			return fmt.Errorf("%w: dangling array object %v", ErrUnexpected, oid)
		}
		use.RegisterArea(oid.Page(), oid.Area())
		t := buf[0]
		off := 1
		next := UndefinedObjectID
		if t == objDivideArray {
			next = getObjectID(buf[off:])
			off += objectIDDiskSize
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		bm := buf[off : off+nullBitmapSize(n)]
		off += nullBitmapSize(n)
		if fs.Type.Variable() {
			for j := 0; j < n; j++ {
				if bitmapGet(bm, j) {
					continue
				}
				if err := op.useVariable(pf, getObjectID(buf[off+j*cell:]), use); err != nil {
					return err
				}
			}
		}
		oid = next
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Key parts and key objects
// ───────────────────────────────────────────────────────────────────────────

// encodeKeyPart produces the slot key part for a key tuple: the inlined
// key, or the ID of a freshly written key object when keys are outside.
func (f *File) encodeKeyPart(op *operation, key Tuple) ([]byte, error) {
	if f.layout.keyInline {
		part := make([]byte, f.layout.keyBytes)
		if err := f.encodeInlineKey(part, key); err != nil {
			return nil, err
		}
		return part, nil
	}
	data, err := f.serializeKey(key)
	if err != nil {
		return nil, err
	}
	oid, err := op.writeVariable(f.tf, data, nil, false)
	if err != nil {
		return nil, err
	}
	part := make([]byte, objectIDDiskSize)
	putObjectID(part, oid)
	return part, nil
}

// decodeKeyPart reads the key tuple behind a slot key part.
func (f *File) decodeKeyPart(op *operation, part []byte) (Tuple, error) {
	if f.layout.keyInline {
		return f.decodeInlineKey(part)
	}
	data, _, err := op.readVariable(f.tf, getObjectID(part))
	if err != nil {
		return nil, err
	}
	return f.deserializeKey(data)
}

// freeKeyPart releases the key object a slot references; inline key parts
// own nothing.
func (f *File) freeKeyPart(op *operation, part []byte) error {
	if f.layout.keyInline {
		return nil
	}
	return op.freeVariable(f.tf, getObjectID(part), fileInfoPageID)
}

// useKeyPart registers the key-object chain behind a slot, if any.
func (f *File) useKeyPart(op *operation, part []byte, use *paged.UseInfo) error {
	if f.layout.keyInline {
		return nil
	}
	return op.useVariable(f.tf, getObjectID(part), use)
}

// encodeInlineKey packs a key tuple into its fixed-size inline form.
func (f *File) encodeInlineKey(dst []byte, key Tuple) error {
	specs := f.schema.keySpecs()
	bm := dst[:nullBitmapSize(len(specs))]
	for i := range bm {
		bm[i] = 0
	}
	off := nullBitmapSize(len(specs))
	for i := range specs {
		fs := &specs[i]
		cell := dst[off : off+fs.cellSize()]
		v := key[i]
		if v.IsNull {
			bitmapSet(bm, i)
			for j := range cell {
				cell[j] = 0
			}
		} else if fs.Type.Variable() {
			if err := putInlineVarCell(cell, fs, v); err != nil {
				return err
			}
		} else {
			putFixedCell(cell, fs, v)
		}
		off += fs.cellSize()
	}
	return nil
}

// decodeInlineKey unpacks an inline key part.
func (f *File) decodeInlineKey(src []byte) (Tuple, error) {
	specs := f.schema.keySpecs()
	bm := src[:nullBitmapSize(len(specs))]
	off := nullBitmapSize(len(specs))
	key := make(Tuple, len(specs))
	for i := range specs {
		fs := &specs[i]
		cell := src[off : off+fs.cellSize()]
		if bitmapGet(bm, i) {
			key[i] = Null
		} else if fs.Type.Variable() {
			v, err := getInlineVarCell(cell, fs)
			if err != nil {
				return nil, err
			}
			key[i] = v
		} else {
			key[i] = getFixedCell(cell, fs)
		}
		off += fs.cellSize()
	}
	return key, nil
}

// serializeKey flattens a key tuple for key-object storage: null bitmap,
// then raw fixed cells and u16-length-prefixed variable payloads.
func (f *File) serializeKey(key Tuple) ([]byte, error) {
	specs := f.schema.keySpecs()
	out := make([]byte, nullBitmapSize(len(specs)))
	for i := range specs {
		fs := &specs[i]
		v := key[i]
		if v.IsNull {
			bitmapSet(out[:nullBitmapSize(len(specs))], i)
			continue
		}
		if fs.Type.Variable() {
			payload, err := variablePayload(fs, v)
			if err != nil {
				return nil, err
			}
			var l [2]byte
			binary.LittleEndian.PutUint16(l[:], uint16(len(payload)))
			out = append(out, l[:]...)
			out = append(out, payload...)
		} else {
			cell := make([]byte, fs.Type.fixedSize())
			putFixedCell(cell, fs, v)
			out = append(out, cell...)
		}
	}
	return out, nil
}

// deserializeKey parses the key-object form back into a tuple.
func (f *File) deserializeKey(data []byte) (Tuple, error) {
	specs := f.schema.keySpecs()
	bm := data[:nullBitmapSize(len(specs))]
	off := nullBitmapSize(len(specs))
	key := make(Tuple, len(specs))
	for i := range specs {
		fs := &specs[i]
		if bitmapGet(bm, i) {
			key[i] = Null
			continue
		}
		if fs.Type.Variable() {
			l := int(binary.LittleEndian.Uint16(data[off:]))
			off += 2
			v, err := variableValue(fs, data[off:off+l])
			if err != nil {
				return nil, err
			}
			key[i] = v
			off += l
		} else {
			key[i] = getFixedCell(data[off:], fs)
			off += fs.Type.fixedSize()
		}
	}
	return key, nil
}
