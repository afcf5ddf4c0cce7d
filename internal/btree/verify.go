package btree

import (
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Verification
// ───────────────────────────────────────────────────────────────────────────
//
// Verification walks the file twice. The first pass registers every used
// (page, area) pair — header, node headers and key tables, key objects,
// representatives and their outside graphs — and hands them to each paged
// file so its own directory checks can run. The second pass re-checks
// every structural invariant: slot ordering, delegate keys, uniform leaf
// depth, the leaf chain, the tuple count, back-links, and uniqueness.
// Inconsistencies are reported through the caller's progress sink; nothing
// is repaired.

// Verify checks the whole index against its invariants.
func (f *File) Verify(txn *paged.Txn, progress *paged.Progress) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	op, err := f.beginOp(txn, false)
	if err != nil {
		return err
	}
	err = f.verifyLocked(op, progress)
	if sErr := op.succeed(); err == nil {
		err = sErr
	}
	return err
}

func (f *File) verifyLocked(op *operation, progress *paged.Progress) error {
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if err != nil {
		return err
	}

	// Pass 1 — register used pages and areas.
	useTree := paged.NewUseInfo()
	useValue := paged.NewUseInfo()
	useTree.RegisterArea(fileInfoPageID, fileInfoAreaID)
	// Value page 0 is always present, tuples or not.
	useValue.RegisterPage(valueFilePage0)
	if err := f.registerSubtree(op, fi.RootPID, useTree, useValue, progress); err != nil {
		return err
	}
	f.tf.CheckUse(op.txn, useTree, progress)
	f.vf.CheckUse(op.txn, useValue, progress)

	// Pass 2 — structural invariants.
	depth, err := f.verifySubtree(op, fi, fi.RootPID, paged.UndefinedPageID, progress)
	if err != nil {
		return err
	}
	if depth != int(fi.TreeDepth) {
		progress.Report("TreeDepth",
			fmt.Sprintf("walked depth %d, header says %d", depth, fi.TreeDepth), fi.RootPID)
	}
	if err := f.verifyLeafChain(op, fi, progress); err != nil {
		return err
	}
	if fi.TupleCount == 0 {
		root, err := f.nodeAt(op, fi.RootPID, paged.FixRead)
		if err != nil {
			return err
		}
		if !root.isLeaf() || root.used() != 0 ||
			fi.RootPID != fi.TopLeafPID || fi.RootPID != fi.LastLeafPID || fi.TreeDepth != 1 {
			progress.Report("EmptyState",
				"tuple count is zero but the file is not in the empty state", fi.RootPID)
		}
	}
	return nil
}

// registerSubtree records the pages and areas of the subtree at pid.
func (f *File) registerSubtree(op *operation, pid paged.PageID, useTree, useValue *paged.UseInfo, progress *paged.Progress) error {
	np, err := f.nodeAt(op, pid, paged.FixRead)
	if err != nil {
		progress.Report("PageUnreadable", err.Error(), pid)
		return nil
	}
	useTree.RegisterArea(pid, nodeHeaderAreaID)
	useTree.RegisterArea(pid, keyTableAreaID)
	for i := 0; i < np.used(); i++ {
		if err := f.useKeyPart(op, np.keyPart(i), useTree); err != nil {
			progress.Report("KeyObject", err.Error(), pid)
		}
	}
	if np.isLeaf() {
		for i := 0; i < np.used(); i++ {
			if err := f.useValue(op, np.valueOID(i), useValue); err != nil {
				progress.Report("ValueObject", err.Error(), pid)
			}
		}
		return nil
	}
	for i := 0; i < np.used(); i++ {
		if err := f.registerSubtree(op, np.child(i), useTree, useValue, progress); err != nil {
			return err
		}
	}
	return nil
}

// verifySubtree checks ordering and delegate keys below pid and returns
// the subtree's leaf depth.
func (f *File) verifySubtree(op *operation, fi *FileInformation, pid, parent paged.PageID, progress *paged.Progress) (int, error) {
	np, err := f.nodeAt(op, pid, paged.FixRead)
	if err != nil {
		return 1, nil // already reported in pass 1
	}

	// Slot ordering. Key uniqueness makes it strict.
	var prev Tuple
	for i := 0; i < np.used(); i++ {
		k, err := np.readKey(i)
		if err != nil {
			progress.Report("KeyUnreadable", err.Error(), pid)
			return 1, nil
		}
		if prev != nil {
			c := f.schema.compareKeys(prev, k)
			if c > 0 || (c == 0 && f.schema.Uniqueness == KeyUnique) {
				progress.Report("SlotOrdering",
					fmt.Sprintf("slots %d and %d of page %d are out of order", i-1, i, pid), pid)
			}
		}
		prev = k
	}

	if np.isLeaf() {
		// Back-links (invariant 5).
		for i := 0; i < np.used(); i++ {
			lp, li, err := f.readLeafInfo(op, np.valueOID(i))
			if err != nil {
				progress.Report("ValueObject", err.Error(), pid)
				continue
			}
			if lp != pid || li != i {
				progress.Report("BackLink",
					fmt.Sprintf("value of slot %d on page %d points back to page %d slot %d", i, pid, lp, li),
					pid, lp)
			}
		}
		return 1, nil
	}

	depth := -1
	for i := 0; i < np.used(); i++ {
		childPID := np.child(i)
		child, err := f.nodeAt(op, childPID, paged.FixRead)
		if err != nil {
			continue
		}
		// Delegate invariant: the slot carries the child's last key.
		slotKey, err1 := np.readKey(i)
		if err1 == nil && child.used() > 0 {
			lastKey, err2 := child.lastKey()
			if err2 == nil && f.schema.compareKeys(slotKey, lastKey) != 0 {
				progress.Report("DelegateKey",
					fmt.Sprintf("slot %d of page %d does not match the last key of child %d", i, pid, childPID),
					pid, childPID)
			}
		}
		d, err := f.verifySubtree(op, fi, childPID, pid, progress)
		if err != nil {
			return 0, err
		}
		if depth == -1 {
			depth = d
		} else if d != depth {
			progress.Report("LeafDepth",
				fmt.Sprintf("children of page %d have unequal depths", pid), pid, childPID)
		}
	}
	if depth == -1 {
		depth = 1
	}
	return depth + 1, nil
}

// verifyLeafChain follows next-leaf links from the top leaf, checking the
// chain, the boundary ordering, the parent-slot positions of adjacent
// leaves with different parents, and the tuple count.
func (f *File) verifyLeafChain(op *operation, fi *FileInformation, progress *paged.Progress) error {
	var count uint64
	var prev *nodePage
	var prevLast Tuple
	pid := fi.TopLeafPID
	for pid != paged.UndefinedPageID {
		leaf, err := f.nodeAt(op, pid, paged.FixRead)
		if err != nil {
			from := fi.TopLeafPID
			if prev != nil {
				from = prev.id
			}
			progress.Report("LeafChain",
				fmt.Sprintf("next-leaf link of page %d points at unreadable page %d", from, pid), from, pid)
			return nil
		}
		if !leaf.isLeaf() {
			progress.Report("LeafChain",
				fmt.Sprintf("next-leaf link points at internal page %d", pid), pid)
			return nil
		}
		count += uint64(leaf.used())

		if prev == nil {
			if leaf.prevLeaf() != paged.UndefinedPageID {
				progress.Report("TopLeaf",
					fmt.Sprintf("top leaf %d has a predecessor", pid), pid)
			}
		} else {
			if leaf.prevLeaf() != prev.id {
				progress.Report("LeafChain",
					fmt.Sprintf("leaf %d prev-link does not return to %d", pid, prev.id), pid, prev.id)
			}
			if prevLast != nil && leaf.used() > 0 {
				first, err := leaf.readKey(0)
				if err == nil && f.schema.compareKeys(prevLast, first) > 0 {
					progress.Report("LeafOrdering",
						fmt.Sprintf("leaves %d and %d overlap in key order", prev.id, pid), prev.id, pid)
				}
			}
			// Adjacent leaves under different parents must sit at the
			// edge slots of their parents.
			if prev.parent() != leaf.parent() {
				pp, err1 := f.nodeAt(op, prev.parent(), paged.FixRead)
				lp, err2 := f.nodeAt(op, leaf.parent(), paged.FixRead)
				if err1 == nil && err2 == nil {
					if pp.findChildIndex(prev.id) != pp.used()-1 {
						progress.Report("LeafParent",
							fmt.Sprintf("leaf %d is not the last child of its parent", prev.id), prev.id)
					}
					if lp.findChildIndex(leaf.id) != 0 {
						progress.Report("LeafParent",
							fmt.Sprintf("leaf %d is not the first child of its parent", leaf.id), leaf.id)
					}
				}
			}
		}
		if leaf.used() > 0 {
			last, err := leaf.lastKey()
			if err == nil {
				// Uniqueness across the leaf boundary.
				if prevLast != nil && leaf.used() > 0 && f.schema.Uniqueness != NotUnique {
					first, err := leaf.readKey(0)
					if err == nil && f.schema.compareKeys(prevLast, first) == 0 {
						if err := f.reportDuplicate(op, prev, leaf, progress); err != nil {
							return err
						}
					}
				}
				prevLast = last
			}
		}
		if f.schema.Uniqueness != NotUnique {
			f.verifyUniqueWithin(op, leaf, progress)
		}

		next := leaf.nextLeaf()
		if next == paged.UndefinedPageID && leaf.id != fi.LastLeafPID {
			progress.Report("LastLeaf",
				fmt.Sprintf("chain ends at page %d but the header names %d", leaf.id, fi.LastLeafPID),
				leaf.id, fi.LastLeafPID)
		}
		if leaf.id == fi.LastLeafPID && next != paged.UndefinedPageID {
			progress.Report("LastLeaf",
				fmt.Sprintf("last leaf %d has a successor %d", leaf.id, next), leaf.id, next)
		}
		prev = leaf
		pid = next
	}
	if count != fi.TupleCount {
		progress.Report("TupleCount",
			fmt.Sprintf("leaves hold %d tuples, header says %d", count, fi.TupleCount))
	}
	return nil
}

// verifyUniqueWithin compares each slot of a leaf to its successor.
func (f *File) verifyUniqueWithin(op *operation, leaf *nodePage, progress *paged.Progress) {
	for i := 0; i+1 < leaf.used(); i++ {
		a, err1 := leaf.readKey(i)
		b, err2 := leaf.readKey(i + 1)
		if err1 != nil || err2 != nil {
			return
		}
		if f.schema.compareKeys(a, b) != 0 {
			continue
		}
		if f.schema.Uniqueness == KeyUnique {
			progress.Report("Uniqueness",
				fmt.Sprintf("slots %d and %d of leaf %d share a key", i, i+1, leaf.id), leaf.id)
			continue
		}
		v1, err1 := f.readValue(op, leaf.valueOID(i), nil)
		v2, err2 := f.readValue(op, leaf.valueOID(i+1), nil)
		if err1 != nil || err2 != nil {
			continue
		}
		t1 := append(append(Tuple{}, a...), v1...)
		t2 := append(append(Tuple{}, b...), v2...)
		if f.schema.tuplesEqual(t1, t2) {
			progress.Report("Uniqueness",
				fmt.Sprintf("slots %d and %d of leaf %d hold equal tuples", i, i+1, leaf.id), leaf.id)
		}
	}
}

// reportDuplicate handles an equal key spanning a leaf boundary.
func (f *File) reportDuplicate(op *operation, prev, leaf *nodePage, progress *paged.Progress) error {
	if f.schema.Uniqueness == KeyUnique {
		progress.Report("Uniqueness",
			fmt.Sprintf("leaves %d and %d share a key across their boundary", prev.id, leaf.id),
			prev.id, leaf.id)
		return nil
	}
	a, err := prev.lastKey()
	if err != nil {
		return nil
	}
	v1, err1 := f.readValue(op, prev.valueOID(prev.used()-1), nil)
	v2, err2 := f.readValue(op, leaf.valueOID(0), nil)
	if err1 != nil || err2 != nil {
		return nil
	}
	b, err := leaf.readKey(0)
	if err != nil {
		return nil
	}
	t1 := append(append(Tuple{}, a...), v1...)
	t2 := append(append(Tuple{}, b...), v2...)
	if f.schema.tuplesEqual(t1, t2) {
		progress.Report("Uniqueness",
			fmt.Sprintf("leaves %d and %d hold equal tuples across their boundary", prev.id, leaf.id),
			prev.id, leaf.id)
	}
	return nil
}
