package btree

import (
	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Descent and slot search
// ───────────────────────────────────────────────────────────────────────────

// descend walks from the root to the leaf whose key range covers key,
// fixing every page on the way in the given mode. It returns the internal
// pages root-first; that path is the authoritative parent chain for the
// operation, the per-page parent field is only a hint.
func (f *File) descend(op *operation, fi *FileInformation, key Tuple, mode paged.FixMode) ([]*nodePage, *nodePage, error) {
	var path []*nodePage
	pid := fi.RootPID
	for {
		np, err := f.nodeAt(op, pid, mode)
		if err != nil {
			return nil, nil, err
		}
		if np.isLeaf() {
			return path, np, nil
		}
		idx, err := f.childIndexFor(np, key)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, np)
		pid = np.child(idx)
	}
}

// childIndexFor picks the slot to follow in an internal page: the first
// slot whose delegate key is >= key, or the last slot when key is greater
// than every delegate.
func (f *File) childIndexFor(np *nodePage, key Tuple) (int, error) {
	lo, hi := 0, np.used()
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := np.readKey(mid)
		if err != nil {
			return 0, err
		}
		if f.schema.compareKeys(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == np.used() {
		lo = np.used() - 1
	}
	return lo, nil
}

// lowerBound returns the first slot whose key is >= key.
func (f *File) lowerBound(np *nodePage, key Tuple) (int, error) {
	lo, hi := 0, np.used()
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := np.readKey(mid)
		if err != nil {
			return 0, err
		}
		if f.schema.compareKeys(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// upperBound returns the first slot whose key is > key.
func (f *File) upperBound(np *nodePage, key Tuple) (int, error) {
	lo, hi := 0, np.used()
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := np.readKey(mid)
		if err != nil {
			return 0, err
		}
		if f.schema.compareKeys(k, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// findExact locates the slot holding exactly key.
func (f *File) findExact(np *nodePage, key Tuple) (int, bool, error) {
	pos, err := f.lowerBound(np, key)
	if err != nil {
		return 0, false, err
	}
	if pos >= np.used() {
		return 0, false, nil
	}
	k, err := np.readKey(pos)
	if err != nil {
		return 0, false, err
	}
	return pos, f.schema.compareKeys(k, key) == 0, nil
}
