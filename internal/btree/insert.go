package btree

import (
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Insert
// ───────────────────────────────────────────────────────────────────────────
//
// The descent write-fixes every page on the path. A full leaf first tries
// to redistribute with a sibling that has at least a fifth of its slots
// free; otherwise two full pages split into three. A full root splits into
// two under a new root and the tree grows one level. Whenever a page's
// last key changes, the delegate key in its parent is rewritten, recursing
// while the rewritten slot is itself the parent's last.

// fill thresholds, kept as integer arithmetic on the fanout.
func (f *File) isUnderflow(used int) bool { return used*5 < f.layout.fanout*2 }
func (f *File) aboveHalf(used int) bool   { return used*2 > f.layout.fanout }
func (f *File) hasFreeFifth(used int) bool {
	return (f.layout.fanout-used)*5 >= f.layout.fanout
}

// Insert adds a full tuple (key fields then value fields) to the index.
func (f *File) Insert(txn *paged.Txn, tuple Tuple) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if len(tuple) != len(f.schema.Fields) {
		return fmt.Errorf("%w: tuple has %d fields, schema has %d",
			ErrBadArgument, len(tuple), len(f.schema.Fields))
	}
	return f.runMutation(txn, func(op *operation) error {
		fi, hp, err := f.fileInfo(op, paged.FixWrite)
		if err != nil {
			return err
		}
		key := tuple.Key(f.schema)
		path, leaf, err := f.descend(op, fi, key, paged.FixWrite)
		if err != nil {
			return err
		}
		if f.schema.Uniqueness != NotUnique {
			if err := f.checkUnique(op, leaf, key, tuple); err != nil {
				return err
			}
		}
		if err := f.insertIntoLeaf(op, fi, path, leaf, tuple); err != nil {
			return err
		}
		fi.TupleCount++
		f.writeFileInfo(op, fi, hp)
		return nil
	})
}

// checkUnique scans the equal-key run starting in leaf. Under KeyUnique
// any equal key violates; under TupleUnique only a fully equal tuple does,
// and a NULL in any participating field short-circuits as distinct.
func (f *File) checkUnique(op *operation, leaf *nodePage, key Tuple, tuple Tuple) error {
	np := leaf
	i, err := f.lowerBound(np, key)
	if err != nil {
		return err
	}
	for {
		if i >= np.used() {
			next := np.nextLeaf()
			if next == paged.UndefinedPageID {
				return nil
			}
			np, err = f.nodeAt(op, next, paged.FixRead)
			if err != nil {
				return err
			}
			i = 0
			continue
		}
		k, err := np.readKey(i)
		if err != nil {
			return err
		}
		if f.schema.compareKeys(k, key) != 0 {
			return nil
		}
		if f.schema.Uniqueness == KeyUnique {
			return fmt.Errorf("%w: key already present", ErrUniquenessViolation)
		}
		value, err := f.readValue(op, np.valueOID(i), nil)
		if err != nil {
			return err
		}
		full := append(append(Tuple{}, k...), value...)
		if f.schema.tuplesEqual(full, tuple) {
			return fmt.Errorf("%w: tuple already present", ErrUniquenessViolation)
		}
		i++
	}
}

// insertIntoLeaf places the tuple, restructuring as needed.
func (f *File) insertIntoLeaf(op *operation, fi *FileInformation, path []*nodePage, leaf *nodePage, tuple Tuple) error {
	key := tuple.Key(f.schema)
	pos, err := f.upperBound(leaf, key)
	if err != nil {
		return err
	}

	if leaf.used() < f.layout.fanout {
		return f.leafSimpleInsert(op, path, leaf, pos, tuple)
	}

	if len(path) == 0 {
		return f.splitRootLeaf(op, fi, leaf, pos, tuple)
	}

	parent := path[len(path)-1]
	idx := parent.findChildIndex(leaf.id)
	if idx < 0 {
		return fmt.Errorf("%w: leaf %d missing from parent %d", ErrUnexpected, leaf.id, parent.id)
	}
	if parent.used() == 1 {
		// A lone child under a collapsed-but-kept root splits in two.
		return f.leafSplitLone(op, fi, path, leaf, pos, tuple)
	}

	// Prefer the right sibling; the leftmost pair when there is none.
	if idx+1 < parent.used() {
		right, err := f.nodeAt(op, parent.child(idx+1), paged.FixWrite)
		if err != nil {
			return err
		}
		if f.hasFreeFifth(right.used()) {
			return f.leafRedistributeInsert(op, path, leaf, right, pos, tuple)
		}
		return f.leafSplit23(op, fi, path, leaf, right, pos, tuple)
	}
	left, err := f.nodeAt(op, parent.child(idx-1), paged.FixWrite)
	if err != nil {
		return err
	}
	if f.hasFreeFifth(left.used()) {
		return f.leafRedistributeInsert(op, path, left, leaf, left.used()+pos, tuple)
	}
	return f.leafSplit23(op, fi, path, left, leaf, left.used()+pos, tuple)
}

// leafSimpleInsert writes the tuple into a leaf with room.
func (f *File) leafSimpleInsert(op *operation, path []*nodePage, leaf *nodePage, pos int, tuple Tuple) error {
	keyPart, err := f.encodeKeyPart(op, tuple.Key(f.schema))
	if err != nil {
		return err
	}
	leaf.insertSlotAt(pos)
	copy(leaf.slotBytes(pos)[:f.layout.keyBytes], keyPart)
	leaf.markDirty()
	// Shifted slots move one to the right; their back-links follow at once.
	if err := f.refreshBacklinks(op, leaf, pos+1, leaf.used()); err != nil {
		return err
	}
	oid, err := f.insertValue(op, tuple.valuePart(f.schema), leaf.id, pos)
	if err != nil {
		return err
	}
	leaf.setValueOID(pos, oid)
	if pos == leaf.used()-1 {
		return f.updateDelegateChain(op, path, leaf)
	}
	return nil
}

// refreshBacklinks rewrites the back-links of leaf slots [from, to).
func (f *File) refreshBacklinks(op *operation, leaf *nodePage, from, to int) error {
	for i := from; i < to; i++ {
		if err := f.updateBacklink(op, leaf.valueOID(i), leaf.id, i); err != nil {
			return err
		}
	}
	return nil
}

// reparentChildren rewrites the parent hint of node slots [from, to).
func (f *File) reparentChildren(op *operation, node *nodePage, from, to int) error {
	for i := from; i < to; i++ {
		child, err := f.nodeAt(op, node.child(i), paged.FixWrite)
		if err != nil {
			return err
		}
		child.setParent(node.id)
	}
	return nil
}

// rewritePage replaces a page's key table with the given raw slots.
func rewritePage(np *nodePage, slots [][]byte) {
	for i, s := range slots {
		copy(np.slotBytes(i), s)
	}
	np.setUsed(len(slots))
}

// collectSlots copies the raw slots of pages in order, inserting pending
// (a slot image) at global position pos; pos < 0 skips the insertion.
func collectSlots(pages []*nodePage, pos int, pending []byte) [][]byte {
	var out [][]byte
	for _, np := range pages {
		for i := 0; i < np.used(); i++ {
			out = append(out, np.copySlot(i))
		}
	}
	if pos >= 0 {
		out = append(out, nil)
		copy(out[pos+1:], out[pos:])
		out[pos] = pending
	}
	return out
}

// newLeafSlot builds a raw leaf slot with the key part set and the value
// object ID left for later.
func (f *File) newLeafSlot(op *operation, key Tuple) ([]byte, error) {
	keyPart, err := f.encodeKeyPart(op, key)
	if err != nil {
		return nil, err
	}
	slot := make([]byte, f.layout.leafStride)
	copy(slot, keyPart)
	return slot, nil
}

// placePendingValue finds where the pending slot landed after a reshuffle
// and writes its value object with the final back-link.
func (f *File) placePendingValue(op *operation, pages []*nodePage, counts []int, globalPos int, tuple Tuple) error {
	for pi, n := range counts {
		if globalPos < n {
			np := pages[pi]
			oid, err := f.insertValue(op, tuple.valuePart(f.schema), np.id, globalPos)
			if err != nil {
				return err
			}
			np.setValueOID(globalPos, oid)
			return nil
		}
		globalPos -= n
	}
	return fmt.Errorf("%w: pending slot position out of range", ErrUnexpected)
}

// leafRedistributeInsert balances the pair (L, R) to make room, then
// inserts. globalPos is the insertion point within the pair's combined
// slot sequence.
func (f *File) leafRedistributeInsert(op *operation, path []*nodePage, left, right *nodePage, globalPos int, tuple Tuple) error {
	pending, err := f.newLeafSlot(op, tuple.Key(f.schema))
	if err != nil {
		return err
	}
	combined := collectSlots([]*nodePage{left, right}, globalPos, pending)
	total := len(combined)
	leftN := (total + 1) / 2
	if leftN > f.layout.fanout {
		leftN = f.layout.fanout
	}
	if total-leftN > f.layout.fanout {
		leftN = total - f.layout.fanout
	}
	rewritePage(left, combined[:leftN])
	rewritePage(right, combined[leftN:])

	pages := []*nodePage{left, right}
	counts := []int{leftN, total - leftN}
	if err := f.placePendingValue(op, pages, counts, globalPos, tuple); err != nil {
		return err
	}
	for _, np := range pages {
		if err := f.refreshBacklinks(op, np, 0, np.used()); err != nil {
			return err
		}
	}
	if err := f.updateDelegateChain(op, path, left); err != nil {
		return err
	}
	return f.updateDelegateChain(op, path, right)
}

// leafSplit23 splits the full pair (L, R) into three: a new middle page
// takes the last third of the left and the first third of the right.
func (f *File) leafSplit23(op *operation, fi *FileInformation, path []*nodePage, left, right *nodePage, globalPos int, tuple Tuple) error {
	pending, err := f.newLeafSlot(op, tuple.Key(f.schema))
	if err != nil {
		return err
	}
	combined := collectSlots([]*nodePage{left, right}, globalPos, pending)
	total := len(combined)
	leftN := (total + 2) / 3
	midN := (total + 1) / 3
	rightN := total - leftN - midN

	mid, err := f.newNodePage(op, kindLeaf)
	if err != nil {
		return err
	}
	parent := path[len(path)-1]
	mid.setParent(parent.id)

	rewritePage(left, combined[:leftN])
	rewritePage(mid, combined[leftN:leftN+midN])
	rewritePage(right, combined[leftN+midN:])

	// Rewire the leaf chain around the new middle page.
	mid.setPrevLeaf(left.id)
	mid.setNextLeaf(right.id)
	left.setNextLeaf(mid.id)
	right.setPrevLeaf(mid.id)

	pages := []*nodePage{left, mid, right}
	counts := []int{leftN, midN, rightN}
	if err := f.placePendingValue(op, pages, counts, globalPos, tuple); err != nil {
		return err
	}
	for _, np := range pages {
		if err := f.refreshBacklinks(op, np, 0, np.used()); err != nil {
			return err
		}
	}

	if err := f.updateDelegateChain(op, path, left); err != nil {
		return err
	}
	if err := f.updateDelegateChain(op, path, right); err != nil {
		return err
	}
	// The middle page becomes a new child of the parent.
	midSlot, err := f.newNodeSlot(op, mid)
	if err != nil {
		return err
	}
	idx := parent.findChildIndex(left.id)
	return f.insertNodeSlot(op, fi, path, len(path)-1, idx+1, midSlot)
}

// newNodeSlot builds a raw node slot carrying np's last key and its page
// ID.
func (f *File) newNodeSlot(op *operation, np *nodePage) ([]byte, error) {
	slot := make([]byte, f.layout.nodeStride)
	if f.layout.keyInline {
		copy(slot, np.keyPart(np.used()-1))
	} else {
		last, err := np.lastKey()
		if err != nil {
			return nil, err
		}
		part, err := f.encodeKeyPart(op, last)
		if err != nil {
			return nil, err
		}
		copy(slot, part)
	}
	putChildPID(slot[f.layout.keyBytes:], np.id)
	return slot, nil
}

func putChildPID(dst []byte, pid paged.PageID) {
	dst[0] = byte(pid)
	dst[1] = byte(pid >> 8)
	dst[2] = byte(pid >> 16)
	dst[3] = byte(pid >> 24)
}

// leafSplitLone splits a leaf that is its parent's only child into two
// siblings under the same parent.
func (f *File) leafSplitLone(op *operation, fi *FileInformation, path []*nodePage, leaf *nodePage, pos int, tuple Tuple) error {
	pending, err := f.newLeafSlot(op, tuple.Key(f.schema))
	if err != nil {
		return err
	}
	combined := collectSlots([]*nodePage{leaf}, pos, pending)
	total := len(combined)
	leftN := (total + 1) / 2

	parent := path[len(path)-1]
	right, err := f.newNodePage(op, kindLeaf)
	if err != nil {
		return err
	}
	right.setParent(parent.id)
	rewritePage(leaf, combined[:leftN])
	rewritePage(right, combined[leftN:])

	oldNext := leaf.nextLeaf()
	leaf.setNextLeaf(right.id)
	right.setPrevLeaf(leaf.id)
	right.setNextLeaf(oldNext)
	if oldNext != paged.UndefinedPageID {
		nl, err := f.nodeAt(op, oldNext, paged.FixWrite)
		if err != nil {
			return err
		}
		nl.setPrevLeaf(right.id)
	}
	if fi.LastLeafPID == leaf.id {
		fi.LastLeafPID = right.id
	}

	pages := []*nodePage{leaf, right}
	counts := []int{leftN, total - leftN}
	if err := f.placePendingValue(op, pages, counts, pos, tuple); err != nil {
		return err
	}
	for _, np := range pages {
		if err := f.refreshBacklinks(op, np, 0, np.used()); err != nil {
			return err
		}
	}

	if err := f.updateDelegateChain(op, path, leaf); err != nil {
		return err
	}
	rightSlot, err := f.newNodeSlot(op, right)
	if err != nil {
		return err
	}
	return f.insertNodeSlot(op, fi, path, len(path)-1, 1, rightSlot)
}

// nodeSplitLone splits an internal page that is its parent's only child.
func (f *File) nodeSplitLone(op *operation, fi *FileInformation, path []*nodePage, level int, node *nodePage, pos int, slot []byte) error {
	combined := collectSlots([]*nodePage{node}, pos, slot)
	total := len(combined)
	leftN := (total + 1) / 2

	parent := path[level-1]
	right, err := f.newNodePage(op, kindNode)
	if err != nil {
		return err
	}
	right.setParent(parent.id)
	rewritePage(node, combined[:leftN])
	rewritePage(right, combined[leftN:])
	for _, np := range []*nodePage{node, right} {
		if err := f.reparentChildren(op, np, 0, np.used()); err != nil {
			return err
		}
	}

	if err := f.updateDelegateChain(op, path[:level], node); err != nil {
		return err
	}
	rightSlot, err := f.newNodeSlot(op, right)
	if err != nil {
		return err
	}
	return f.insertNodeSlot(op, fi, path, level-1, 1, rightSlot)
}

// splitRootLeaf grows the tree: the sole leaf splits in two under a fresh
// root node.
func (f *File) splitRootLeaf(op *operation, fi *FileInformation, leaf *nodePage, pos int, tuple Tuple) error {
	pending, err := f.newLeafSlot(op, tuple.Key(f.schema))
	if err != nil {
		return err
	}
	combined := collectSlots([]*nodePage{leaf}, pos, pending)
	total := len(combined)
	leftN := (total + 1) / 2

	right, err := f.newNodePage(op, kindLeaf)
	if err != nil {
		return err
	}
	rewritePage(leaf, combined[:leftN])
	rewritePage(right, combined[leftN:])

	leaf.setNextLeaf(right.id)
	right.setPrevLeaf(leaf.id)

	pages := []*nodePage{leaf, right}
	counts := []int{leftN, total - leftN}
	if err := f.placePendingValue(op, pages, counts, pos, tuple); err != nil {
		return err
	}
	for _, np := range pages {
		if err := f.refreshBacklinks(op, np, 0, np.used()); err != nil {
			return err
		}
	}

	root, err := f.newNodePage(op, kindNode)
	if err != nil {
		return err
	}
	for i, np := range pages {
		slot, err := f.newNodeSlot(op, np)
		if err != nil {
			return err
		}
		root.insertSlotAt(i)
		root.setSlot(i, slot)
		np.setParent(root.id)
	}
	fi.RootPID = root.id
	fi.TopLeafPID = leaf.id
	fi.LastLeafPID = right.id
	fi.TreeDepth++
	return nil
}

// ── Node level ────────────────────────────────────────────────────────────

// insertNodeSlot inserts a fully formed slot into the internal page
// path[level] at position pos, restructuring upward as needed.
func (f *File) insertNodeSlot(op *operation, fi *FileInformation, path []*nodePage, level, pos int, slot []byte) error {
	node := path[level]

	if node.used() < f.layout.fanout {
		node.insertSlotAt(pos)
		node.setSlot(pos, slot)
		child, err := f.nodeAt(op, node.child(pos), paged.FixWrite)
		if err != nil {
			return err
		}
		child.setParent(node.id)
		if pos == node.used()-1 {
			return f.updateDelegateChain(op, path[:level], node)
		}
		return nil
	}

	if level == 0 {
		return f.splitRootNode(op, fi, node, pos, slot)
	}

	parent := path[level-1]
	idx := parent.findChildIndex(node.id)
	if idx < 0 {
		return fmt.Errorf("%w: node %d missing from parent %d", ErrUnexpected, node.id, parent.id)
	}
	if parent.used() == 1 {
		return f.nodeSplitLone(op, fi, path, level, node, pos, slot)
	}

	if idx+1 < parent.used() {
		right, err := f.nodeAt(op, parent.child(idx+1), paged.FixWrite)
		if err != nil {
			return err
		}
		if f.hasFreeFifth(right.used()) {
			return f.nodeRedistributeInsert(op, path, level, node, right, pos, slot)
		}
		return f.nodeSplit23(op, fi, path, level, node, right, pos, slot)
	}
	left, err := f.nodeAt(op, parent.child(idx-1), paged.FixWrite)
	if err != nil {
		return err
	}
	if f.hasFreeFifth(left.used()) {
		return f.nodeRedistributeInsert(op, path, level, left, node, left.used()+pos, slot)
	}
	return f.nodeSplit23(op, fi, path, level, left, node, left.used()+pos, slot)
}

// nodeRedistributeInsert balances the internal pair (L, R) and inserts.
func (f *File) nodeRedistributeInsert(op *operation, path []*nodePage, level int, left, right *nodePage, globalPos int, slot []byte) error {
	combined := collectSlots([]*nodePage{left, right}, globalPos, slot)
	total := len(combined)
	leftN := (total + 1) / 2
	if leftN > f.layout.fanout {
		leftN = f.layout.fanout
	}
	if total-leftN > f.layout.fanout {
		leftN = total - f.layout.fanout
	}
	rewritePage(left, combined[:leftN])
	rewritePage(right, combined[leftN:])
	for _, np := range []*nodePage{left, right} {
		if err := f.reparentChildren(op, np, 0, np.used()); err != nil {
			return err
		}
	}
	if err := f.updateDelegateChain(op, path[:level], left); err != nil {
		return err
	}
	return f.updateDelegateChain(op, path[:level], right)
}

// nodeSplit23 splits the full internal pair (L, R) into three.
func (f *File) nodeSplit23(op *operation, fi *FileInformation, path []*nodePage, level int, left, right *nodePage, globalPos int, slot []byte) error {
	combined := collectSlots([]*nodePage{left, right}, globalPos, slot)
	total := len(combined)
	leftN := (total + 2) / 3
	midN := (total + 1) / 3

	parent := path[level-1]
	mid, err := f.newNodePage(op, kindNode)
	if err != nil {
		return err
	}
	mid.setParent(parent.id)

	rewritePage(left, combined[:leftN])
	rewritePage(mid, combined[leftN:leftN+midN])
	rewritePage(right, combined[leftN+midN:])
	for _, np := range []*nodePage{left, mid, right} {
		if err := f.reparentChildren(op, np, 0, np.used()); err != nil {
			return err
		}
	}

	if err := f.updateDelegateChain(op, path[:level], left); err != nil {
		return err
	}
	if err := f.updateDelegateChain(op, path[:level], right); err != nil {
		return err
	}
	midSlot, err := f.newNodeSlot(op, mid)
	if err != nil {
		return err
	}
	idx := parent.findChildIndex(left.id)
	return f.insertNodeSlot(op, fi, path, level-1, idx+1, midSlot)
}

// splitRootNode grows the tree at an internal root.
func (f *File) splitRootNode(op *operation, fi *FileInformation, node *nodePage, pos int, slot []byte) error {
	combined := collectSlots([]*nodePage{node}, pos, slot)
	total := len(combined)
	leftN := (total + 1) / 2

	right, err := f.newNodePage(op, kindNode)
	if err != nil {
		return err
	}
	rewritePage(node, combined[:leftN])
	rewritePage(right, combined[leftN:])
	for _, np := range []*nodePage{node, right} {
		if err := f.reparentChildren(op, np, 0, np.used()); err != nil {
			return err
		}
	}

	root, err := f.newNodePage(op, kindNode)
	if err != nil {
		return err
	}
	for i, np := range []*nodePage{node, right} {
		s, err := f.newNodeSlot(op, np)
		if err != nil {
			return err
		}
		root.insertSlotAt(i)
		root.setSlot(i, s)
		np.setParent(root.id)
	}
	fi.RootPID = root.id
	fi.TreeDepth++
	return nil
}

// ── Delegate propagation ──────────────────────────────────────────────────

// updateDelegateChain rewrites the parent slot referring to page so it
// carries the page's current last key, walking up while the rewritten
// slot is its parent's last. Parents sort by key, not by child ID, so the
// referring slot is found by a linear scan.
func (f *File) updateDelegateChain(op *operation, path []*nodePage, page *nodePage) error {
	for level := len(path) - 1; level >= 0; level-- {
		parent := path[level]
		idx := parent.findChildIndex(page.id)
		if idx < 0 {
			return fmt.Errorf("%w: page %d missing from parent %d", ErrUnexpected, page.id, parent.id)
		}
		if f.layout.keyInline {
			copy(parent.slotBytes(idx)[:f.layout.keyBytes], page.keyPart(page.used()-1))
			parent.markDirty()
		} else {
			if err := f.freeKeyPart(op, parent.keyPart(idx)); err != nil {
				return err
			}
			last, err := page.lastKey()
			if err != nil {
				return err
			}
			part, err := f.encodeKeyPart(op, last)
			if err != nil {
				return err
			}
			copy(parent.slotBytes(idx)[:f.layout.keyBytes], part)
			parent.markDirty()
		}
		if idx != parent.used()-1 {
			return nil
		}
		page = parent
	}
	return nil
}
