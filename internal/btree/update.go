package btree

import (
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Update
// ───────────────────────────────────────────────────────────────────────────

// Update replaces the tuple stored under key with newTuple. When the key
// does not change, the value is rewritten in place; otherwise the update
// is a delete followed by an insert. Under a uniqueness constraint the
// post-image is checked before anything is written.
func (f *File) Update(txn *paged.Txn, key Tuple, newTuple Tuple) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if len(key) != f.schema.KeyFields {
		return fmt.Errorf("%w: key has %d fields, schema has %d",
			ErrBadArgument, len(key), f.schema.KeyFields)
	}
	if len(newTuple) != len(f.schema.Fields) {
		return fmt.Errorf("%w: tuple has %d fields, schema has %d",
			ErrBadArgument, len(newTuple), len(f.schema.Fields))
	}
	return f.runMutation(txn, func(op *operation) error {
		fi, hp, err := f.fileInfo(op, paged.FixWrite)
		if err != nil {
			return err
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

		newKey := newTuple.Key(f.schema)
		if f.schema.compareKeys(newKey, key) == 0 {
			// Key unchanged: the representative is rewritten in place,
			// outside objects and all.
			if f.schema.Uniqueness == TupleUnique {
				if err := f.checkUniqueExcluding(op, leaf, newKey, newTuple, leaf.id, pos); err != nil {
					return err
				}
			}
			if err := f.updateValue(op, leaf.valueOID(pos), newTuple.valuePart(f.schema), leaf.id, pos); err != nil {
				return err
			}
			f.writeFileInfo(op, fi, hp)
			return nil
		}

		// Key changes: check the post-image first so a violation leaves
		// the file untouched.
		if f.schema.Uniqueness != NotUnique {
			_, target, err := f.descend(op, fi, newKey, paged.FixWrite)
			if err != nil {
				return err
			}
			if err := f.checkUnique(op, target, newKey, newTuple); err != nil {
				return err
			}
		}

		if err := f.deleteFromLeaf(op, fi, path, leaf, pos); err != nil {
			return err
		}
		// The tree may have been restructured; descend again for the new
		// key.
		path, target, err := f.descend(op, fi, newKey, paged.FixWrite)
		if err != nil {
			return err
		}
		if err := f.insertIntoLeaf(op, fi, path, target, newTuple); err != nil {
			return err
		}
		f.writeFileInfo(op, fi, hp)
		return nil
	})
}

// checkUniqueExcluding is checkUnique minus the slot being updated.
func (f *File) checkUniqueExcluding(op *operation, leaf *nodePage, key Tuple, tuple Tuple, skipPID paged.PageID, skipIdx int) error {
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
		if !(np.id == skipPID && i == skipIdx) {
			value, err := f.readValue(op, np.valueOID(i), nil)
			if err != nil {
				return err
			}
			full := append(append(Tuple{}, k...), value...)
			if f.schema.tuplesEqual(full, tuple) {
				return fmt.Errorf("%w: tuple already present", ErrUniquenessViolation)
			}
		}
		i++
	}
}
