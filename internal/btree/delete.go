package btree

import (
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Delete
// ───────────────────────────────────────────────────────────────────────────
//
// Deletion mirrors insertion. An under-filled page redistributes with a
// sibling that is above half full, otherwise the pair concatenates into
// the left page and the right page's slot is removed from the parent,
// recursing upward. A root left with a single child collapses when a
// rebalance finds no sibling to work with; the sole remaining leaf then
// becomes the root and the tree depth shrinks.

// Delete removes the tuple stored under key.
func (f *File) Delete(txn *paged.Txn, key Tuple) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if len(key) != f.schema.KeyFields {
		return fmt.Errorf("%w: key has %d fields, schema has %d",
			ErrBadArgument, len(key), f.schema.KeyFields)
	}
	return f.runMutation(txn, func(op *operation) error {
		fi, hp, err := f.fileInfo(op, paged.FixWrite)
		if err != nil {
			return err
		}
		if fi.TupleCount == 0 {
			return fmt.Errorf("%w: index is empty", ErrEntryNotFound)
		}
		path, leaf, err := f.descend(op, fi, key, paged.FixWrite)
		if err != nil {
			return err
		}
		pos, found, err := f.findExact(leaf, key)
		if err != nil {
			return err
		}
		if !found {
			return ErrEntryNotFound
		}
		if err := f.deleteFromLeaf(op, fi, path, leaf, pos); err != nil {
			return err
		}
		fi.TupleCount--
		f.writeFileInfo(op, fi, hp)
		return nil
	})
}

// deleteFromLeaf removes slot pos and restores the fill invariants.
func (f *File) deleteFromLeaf(op *operation, fi *FileInformation, path []*nodePage, leaf *nodePage, pos int) error {
	wasLast := pos == leaf.used()-1
	if err := f.expungeValue(op, leaf.valueOID(pos)); err != nil {
		return err
	}
	if err := f.freeKeyPart(op, leaf.keyPart(pos)); err != nil {
		return err
	}
	leaf.removeSlotAt(pos)
	if err := f.refreshBacklinks(op, leaf, pos, leaf.used()); err != nil {
		return err
	}

	if len(path) == 0 {
		// The root leaf may run empty; that is the file's empty state.
		return nil
	}
	if leaf.used() == 0 {
		return f.dissolveLeaf(op, fi, path, leaf)
	}
	if wasLast {
		if err := f.updateDelegateChain(op, path, leaf); err != nil {
			return err
		}
	}
	if f.isUnderflow(leaf.used()) {
		return f.rebalanceLeaf(op, fi, path, leaf)
	}
	return nil
}

// rebalanceLeaf fixes an under-filled, non-empty leaf.
func (f *File) rebalanceLeaf(op *operation, fi *FileInformation, path []*nodePage, leaf *nodePage) error {
	parent := path[len(path)-1]
	if parent.used() == 1 {
		// No sibling to work with; a lone-child root chain collapses
		// instead.
		return f.collapseRoot(op, fi)
	}
	idx := parent.findChildIndex(leaf.id)
	if idx < 0 {
		return fmt.Errorf("%w: leaf %d missing from parent %d", ErrUnexpected, leaf.id, parent.id)
	}
	var left, right *nodePage
	var err error
	if idx+1 < parent.used() {
		left = leaf
		right, err = f.nodeAt(op, parent.child(idx+1), paged.FixWrite)
		if err != nil {
			return err
		}
		if f.aboveHalf(right.used()) {
			return f.redistributeLeaves(op, path, left, right)
		}
	} else {
		right = leaf
		left, err = f.nodeAt(op, parent.child(idx-1), paged.FixWrite)
		if err != nil {
			return err
		}
		if f.aboveHalf(left.used()) {
			return f.redistributeLeaves(op, path, left, right)
		}
	}
	return f.concatenateLeaves(op, fi, path, left, right)
}

// dissolveLeaf removes a leaf that ran empty.
func (f *File) dissolveLeaf(op *operation, fi *FileInformation, path []*nodePage, leaf *nodePage) error {
	parent := path[len(path)-1]
	if parent.used() == 1 {
		return f.collapseRoot(op, fi)
	}
	idx := parent.findChildIndex(leaf.id)
	if idx < 0 {
		return fmt.Errorf("%w: leaf %d missing from parent %d", ErrUnexpected, leaf.id, parent.id)
	}
	if idx+1 < parent.used() {
		right, err := f.nodeAt(op, parent.child(idx+1), paged.FixWrite)
		if err != nil {
			return err
		}
		return f.concatenateLeaves(op, fi, path, leaf, right)
	}
	left, err := f.nodeAt(op, parent.child(idx-1), paged.FixWrite)
	if err != nil {
		return err
	}
	return f.concatenateLeaves(op, fi, path, left, leaf)
}

// redistributeLeaves rebalances the pair (L, R) to near-equal fill.
func (f *File) redistributeLeaves(op *operation, path []*nodePage, left, right *nodePage) error {
	combined := collectSlots([]*nodePage{left, right}, -1, nil)
	total := len(combined)
	leftN := (total + 1) / 2
	rewritePage(left, combined[:leftN])
	rewritePage(right, combined[leftN:])
	for _, np := range []*nodePage{left, right} {
		if err := f.refreshBacklinks(op, np, 0, np.used()); err != nil {
			return err
		}
	}
	if err := f.updateDelegateChain(op, path, left); err != nil {
		return err
	}
	return f.updateDelegateChain(op, path, right)
}

// concatenateLeaves merges R into L, rewires the leaf chain, and removes
// R's slot from the parent.
func (f *File) concatenateLeaves(op *operation, fi *FileInformation, path []*nodePage, left, right *nodePage) error {
	parent := path[len(path)-1]
	ridx := parent.findChildIndex(right.id)
	if ridx < 0 {
		return fmt.Errorf("%w: leaf %d missing from parent %d", ErrUnexpected, right.id, parent.id)
	}

	moved := right.used()
	base := left.used()
	combined := collectSlots([]*nodePage{left, right}, -1, nil)
	rewritePage(left, combined)
	// The moved slots' key parts now belong to the left page.
	right.setUsed(0)
	if err := f.refreshBacklinks(op, left, base, left.used()); err != nil {
		return err
	}

	left.setNextLeaf(right.nextLeaf())
	if next := right.nextLeaf(); next != paged.UndefinedPageID {
		nl, err := f.nodeAt(op, next, paged.FixWrite)
		if err != nil {
			return err
		}
		nl.setPrevLeaf(left.id)
	}
	if fi.LastLeafPID == right.id {
		fi.LastLeafPID = left.id
	}

	// Rewrite L's delegate before R's slot goes away; the removal then
	// takes care of the parent's own last-key bookkeeping.
	if moved > 0 {
		if err := f.updateDelegateChain(op, path, left); err != nil {
			return err
		}
	}
	if err := right.freePage(); err != nil {
		return err
	}
	return f.removeNodeSlot(op, fi, path, len(path)-1, ridx)
}

// ── Node level ────────────────────────────────────────────────────────────

// removeNodeSlot removes slot idx from the internal page path[level],
// rebalancing upward.
func (f *File) removeNodeSlot(op *operation, fi *FileInformation, path []*nodePage, level, idx int) error {
	node := path[level]
	wasLast := idx == node.used()-1
	if err := f.freeKeyPart(op, node.keyPart(idx)); err != nil {
		return err
	}
	node.removeSlotAt(idx)

	if level == 0 {
		// The root keeps a lone child until a later rebalance collapses
		// it.
		return nil
	}
	if node.used() == 0 {
		return f.dissolveNode(op, fi, path, level)
	}
	if wasLast {
		if err := f.updateDelegateChain(op, path[:level], node); err != nil {
			return err
		}
	}
	if f.isUnderflow(node.used()) {
		return f.rebalanceNode(op, fi, path, level)
	}
	return nil
}

// dissolveNode removes an internal page that ran empty.
func (f *File) dissolveNode(op *operation, fi *FileInformation, path []*nodePage, level int) error {
	node := path[level]
	parent := path[level-1]
	if parent.used() == 1 {
		return f.collapseRoot(op, fi)
	}
	idx := parent.findChildIndex(node.id)
	if idx < 0 {
		return fmt.Errorf("%w: node %d missing from parent %d", ErrUnexpected, node.id, parent.id)
	}
	if err := node.freePage(); err != nil {
		return err
	}
	return f.removeNodeSlot(op, fi, path, level-1, idx)
}

// rebalanceNode fixes an under-filled internal page.
func (f *File) rebalanceNode(op *operation, fi *FileInformation, path []*nodePage, level int) error {
	node := path[level]
	parent := path[level-1]
	if parent.used() == 1 {
		return f.collapseRoot(op, fi)
	}
	idx := parent.findChildIndex(node.id)
	if idx < 0 {
		return fmt.Errorf("%w: node %d missing from parent %d", ErrUnexpected, node.id, parent.id)
	}
	var left, right *nodePage
	var err error
	if idx+1 < parent.used() {
		left = node
		right, err = f.nodeAt(op, parent.child(idx+1), paged.FixWrite)
		if err != nil {
			return err
		}
		if f.aboveHalf(right.used()) {
			return f.redistributeNodes(op, path, level, left, right)
		}
	} else {
		right = node
		left, err = f.nodeAt(op, parent.child(idx-1), paged.FixWrite)
		if err != nil {
			return err
		}
		if f.aboveHalf(left.used()) {
			return f.redistributeNodes(op, path, level, left, right)
		}
	}
	return f.concatenateNodes(op, fi, path, level, left, right)
}

// redistributeNodes rebalances an internal pair.
func (f *File) redistributeNodes(op *operation, path []*nodePage, level int, left, right *nodePage) error {
	combined := collectSlots([]*nodePage{left, right}, -1, nil)
	total := len(combined)
	leftN := (total + 1) / 2
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

// concatenateNodes merges the internal page R into L and removes R's slot
// from the parent.
func (f *File) concatenateNodes(op *operation, fi *FileInformation, path []*nodePage, level int, left, right *nodePage) error {
	parent := path[level-1]
	ridx := parent.findChildIndex(right.id)
	if ridx < 0 {
		return fmt.Errorf("%w: node %d missing from parent %d", ErrUnexpected, right.id, parent.id)
	}

	moved := right.used()
	base := left.used()
	combined := collectSlots([]*nodePage{left, right}, -1, nil)
	rewritePage(left, combined)
	right.setUsed(0)
	if err := f.reparentChildren(op, left, base, left.used()); err != nil {
		return err
	}

	if moved > 0 {
		if err := f.updateDelegateChain(op, path[:level], left); err != nil {
			return err
		}
	}
	if err := right.freePage(); err != nil {
		return err
	}
	return f.removeNodeSlot(op, fi, path, level-1, ridx)
}

// collapseRoot shrinks the tree while the root is an internal page with a
// single child.
func (f *File) collapseRoot(op *operation, fi *FileInformation) error {
	for {
		root, err := f.nodeAt(op, fi.RootPID, paged.FixWrite)
		if err != nil {
			return err
		}
		if root.isLeaf() || root.used() != 1 {
			return nil
		}
		child, err := f.nodeAt(op, root.child(0), paged.FixWrite)
		if err != nil {
			return err
		}
		child.setParent(paged.UndefinedPageID)
		if err := root.freePage(); err != nil {
			return err
		}
		fi.RootPID = child.id
		fi.TreeDepth--
	}
}
