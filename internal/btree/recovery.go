package btree

import (
	"errors"
	"fmt"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Recovery set
// ───────────────────────────────────────────────────────────────────────────
//
// A mutating operation accumulates every page it fixed, every page it
// allocated, and every page it freed — across both the tree file and the
// value file. On success the pages are detached dirty or clean per their
// actual use and the operation commits. On failure every fixed page is
// rolled back to its pre-fix image, allocated pages are freed again, and
// freed pages are un-freed, making the whole operation a recovery unit at
// the page-image level.

type pageKey struct {
	file *paged.File
	pid  paged.PageID
}

type opPage struct {
	file  *paged.File
	page  *paged.Page
	dirty bool
}

type pageRef struct {
	file *paged.File
	pid  paged.PageID
}

// operation is one logical mutating or reading unit over the index.
type operation struct {
	f         *File
	txn       *paged.Txn
	write     bool
	pages     map[pageKey]*opPage
	order     []*opPage
	allocated []pageRef
	freed     []pageRef
	closed    bool
}

func (f *File) beginOp(txn *paged.Txn, write bool) (*operation, error) {
	op := &operation{f: f, txn: txn, write: write, pages: map[pageKey]*opPage{}}
	if write {
		if err := f.tf.BeginOperation(txn); err != nil {
			return nil, err
		}
		if err := f.vf.BeginOperation(txn); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// attach fixes a page once per operation; repeated attaches return the
// same fix.
func (op *operation) attach(pf *paged.File, pid paged.PageID, mode paged.FixMode) (*paged.Page, error) {
	k := pageKey{pf, pid}
	if ap, ok := op.pages[k]; ok {
		if mode == paged.FixWrite {
			ap.page.Upgrade()
		}
		return ap.page, nil
	}
	p, err := pf.AttachPage(op.txn, pid, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemoryExhaust, err)
	}
	ap := &opPage{file: pf, page: p}
	op.pages[k] = ap
	op.order = append(op.order, ap)
	return p, nil
}

// dirty marks a fixed page for a dirty detach.
func (op *operation) dirty(pf *paged.File, pid paged.PageID) {
	if ap, ok := op.pages[pageKey{pf, pid}]; ok {
		ap.dirty = true
	}
}

// allocate takes a fresh page from pf and fixes it.
func (op *operation) allocate(pf *paged.File) (*paged.Page, error) {
	pid, err := pf.AllocatePage(op.txn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemoryExhaust, err)
	}
	op.allocated = append(op.allocated, pageRef{pf, pid})
	p, err := op.attach(pf, pid, paged.FixWrite)
	if err != nil {
		return nil, err
	}
	op.dirty(pf, pid)
	return p, nil
}

// freePage relinquishes pid. The page stays in the recovery set so a
// rollback can reclaim and restore it.
func (op *operation) freePage(pf *paged.File, pid paged.PageID) error {
	if err := pf.FreePage(op.txn, pid); err != nil {
		return err
	}
	op.freed = append(op.freed, pageRef{pf, pid})
	return nil
}

// release detaches one read-fixed page early (cursor advancement with the
// page cache off).
func (op *operation) release(pf *paged.File, pid paged.PageID) error {
	k := pageKey{pf, pid}
	ap, ok := op.pages[k]
	if !ok || ap.dirty {
		return nil
	}
	delete(op.pages, k)
	for i, o := range op.order {
		if o == ap {
			op.order = append(op.order[:i], op.order[i+1:]...)
			break
		}
	}
	return pf.DetachPage(ap.page, paged.UnfixClean)
}

// detachAll releases every fixed page.
func (op *operation) detachAll() error {
	var firstErr error
	for _, ap := range op.order {
		mode := paged.UnfixClean
		if ap.dirty {
			mode = paged.UnfixDirty
		}
		if err := ap.file.DetachPage(ap.page, mode); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	op.order = nil
	op.pages = map[pageKey]*opPage{}
	return firstErr
}

// succeed commits the operation: pages detach per their use and both files
// get a commit record.
func (op *operation) succeed() error {
	if op.closed {
		return nil
	}
	op.closed = true
	if err := op.detachAll(); err != nil {
		return err
	}
	if !op.write {
		return nil
	}
	if err := op.f.tf.CommitOperation(op.txn); err != nil {
		return err
	}
	return op.f.vf.CommitOperation(op.txn)
}

// fail rolls the operation back: every fixed page recovers its pre-fix
// image, freed pages are reused, allocated pages are freed.
func (op *operation) fail() error {
	if op.closed {
		return nil
	}
	op.closed = true
	var firstErr error
	for _, ap := range op.order {
		ap.file.RecoverPage(op.txn, ap.page)
		if err := ap.file.DetachPage(ap.page, paged.UnfixClean); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	op.order = nil
	op.pages = map[pageKey]*opPage{}
	// A page both freed and allocated within the operation nets out: its
	// pre-op allocation state already holds.
	freedSet := map[pageRef]bool{}
	for _, ref := range op.freed {
		freedSet[ref] = true
	}
	allocSet := map[pageRef]bool{}
	for _, ref := range op.allocated {
		allocSet[ref] = true
	}
	for _, ref := range op.freed {
		if allocSet[ref] {
			continue
		}
		if err := ref.file.ReusePage(op.txn, ref.pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ref := range op.allocated {
		if freedSet[ref] {
			continue
		}
		if err := ref.file.FreePage(op.txn, ref.pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if op.write {
		if err := op.f.tf.AbortOperation(op.txn); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := op.f.vf.AbortOperation(op.txn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runMutation executes body inside a recovery unit. A transient failure is
// retried once with the page cache forced off; a failure during the retry
// marks the index unavailable.
func (f *File) runMutation(txn *paged.Txn, body func(op *operation) error) error {
	err := f.runOnce(txn, body)
	if err == nil || !errors.Is(err, ErrMemoryExhaust) {
		return err
	}
	wasCached := f.pageCache
	f.pageCache = false
	err = f.runOnce(txn, body)
	f.pageCache = wasCached
	if err != nil {
		f.tf.SetAvailable(false)
		f.vf.SetAvailable(false)
		return fmt.Errorf("index unavailable after repeated exhaustion: %w", err)
	}
	return nil
}

func (f *File) runOnce(txn *paged.Txn, body func(op *operation) error) error {
	op, err := f.beginOp(txn, true)
	if err != nil {
		return err
	}
	if err := body(op); err != nil {
		if rbErr := op.fail(); rbErr != nil {
			f.tf.SetAvailable(false)
			f.vf.SetAvailable(false)
			return fmt.Errorf("rollback failed (%v) after: %w", rbErr, err)
		}
		return err
	}
	return op.succeed()
}
