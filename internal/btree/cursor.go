package btree

import (
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Ordered scan
// ───────────────────────────────────────────────────────────────────────────

// ScanOptions bounds and shapes an ordered scan.
type ScanOptions struct {
	// Start and End are inclusive key bounds; nil leaves the side open.
	Start, End Tuple

	// Project selects value fields by index; nil selects all.
	Project []int

	// Reverse walks the leaf chain backwards, from End (or the last leaf)
	// toward Start.
	Reverse bool
}

// Cursor iterates over tuples in key order. Read absence is reported by
// the boolean "more" flag of Next, never by an error.
type Cursor struct {
	f    *File
	op   *operation
	opts ScanOptions

	pid  paged.PageID
	idx  int
	init bool
	done bool
}

// OpenScan opens a cursor over the range; the first Next positions it on
// the first tuple in range.
func (f *File) OpenScan(txn *paged.Txn, opts ScanOptions) (*Cursor, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	if opts.Start != nil && len(opts.Start) != f.schema.KeyFields ||
		opts.End != nil && len(opts.End) != f.schema.KeyFields {
		return nil, fmt.Errorf("%w: scan bound arity", ErrBadArgument)
	}
	op, err := f.beginOp(txn, false)
	if err != nil {
		return nil, err
	}
	c := &Cursor{f: f, op: op, opts: opts}
	if f.pageCache {
		f.pinned = append(f.pinned, c)
	}
	return c, nil
}

// Next returns the next tuple and whether one was produced.
func (c *Cursor) Next() (Tuple, bool, error) {
	if c.done {
		return nil, false, nil
	}
	if !c.init {
		if err := c.position(); err != nil {
			return nil, false, err
		}
		c.init = true
	}
	for {
		if c.pid == paged.UndefinedPageID {
			c.done = true
			return nil, false, nil
		}
		leaf, err := c.f.nodeAt(c.op, c.pid, paged.FixRead)
		if err != nil {
			return nil, false, err
		}
		if c.idx < 0 || c.idx >= leaf.used() {
			if err := c.advanceLeaf(leaf); err != nil {
				return nil, false, err
			}
			continue
		}
		key, err := leaf.readKey(c.idx)
		if err != nil {
			return nil, false, err
		}
		if c.outOfRange(key) {
			c.done = true
			return nil, false, nil
		}
		value, err := c.f.readValue(c.op, leaf.valueOID(c.idx), c.opts.Project)
		if err != nil {
			return nil, false, err
		}
		if c.opts.Reverse {
			c.idx--
		} else {
			c.idx++
		}
		return append(append(Tuple{}, key...), value...), true, nil
	}
}

// position finds the starting leaf and slot.
func (c *Cursor) position() error {
	fi, _, err := c.f.fileInfo(c.op, paged.FixRead)
	if err != nil {
		return err
	}
	if fi.TupleCount == 0 {
		c.pid = paged.UndefinedPageID
		return nil
	}
	if !c.opts.Reverse {
		if c.opts.Start == nil {
			c.pid = fi.TopLeafPID
			c.idx = 0
			return nil
		}
		_, leaf, err := c.f.descend(c.op, fi, c.opts.Start, paged.FixRead)
		if err != nil {
			return err
		}
		c.pid = leaf.id
		c.idx, err = c.f.lowerBound(leaf, c.opts.Start)
		return err
	}
	if c.opts.End == nil {
		c.pid = fi.LastLeafPID
		leaf, err := c.f.nodeAt(c.op, c.pid, paged.FixRead)
		if err != nil {
			return err
		}
		c.idx = leaf.used() - 1
		return nil
	}
	_, leaf, err := c.f.descend(c.op, fi, c.opts.End, paged.FixRead)
	if err != nil {
		return err
	}
	c.pid = leaf.id
	ub, err := c.f.upperBound(leaf, c.opts.End)
	if err != nil {
		return err
	}
	c.idx = ub - 1
	return nil
}

// advanceLeaf steps the cursor to the neighbouring leaf, releasing the
// finished one unless the page cache holds scan pages pinned.
func (c *Cursor) advanceLeaf(leaf *nodePage) error {
	var next paged.PageID
	if c.opts.Reverse {
		next = leaf.prevLeaf()
	} else {
		next = leaf.nextLeaf()
	}
	if !c.f.pageCache {
		if err := c.op.release(c.f.tf, leaf.id); err != nil {
			return err
		}
	}
	c.pid = next
	if next == paged.UndefinedPageID {
		return nil
	}
	if c.opts.Reverse {
		np, err := c.f.nodeAt(c.op, next, paged.FixRead)
		if err != nil {
			return err
		}
		c.idx = np.used() - 1
	} else {
		c.idx = 0
	}
	return nil
}

// outOfRange reports whether key leaves the scan bounds.
func (c *Cursor) outOfRange(key Tuple) bool {
	if c.opts.Reverse {
		return c.opts.Start != nil && c.f.schema.compareKeys(key, c.opts.Start) < 0
	}
	return c.opts.End != nil && c.f.schema.compareKeys(key, c.opts.End) > 0
}

// Close releases every page the cursor still holds.
func (c *Cursor) Close() error {
	c.done = true
	return c.op.succeed()
}

// releasePages is the EndPageCache hook.
func (c *Cursor) releasePages() {
	_ = c.op.detachAll()
}
