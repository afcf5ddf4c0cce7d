// Package btree implements a disk-resident B+-tree index over two paged
// files: node and leaf pages (and, for oversize keys, key objects) live in
// the tree file, value tuples in the value file. The engine maps a fixed
// key tuple to a value tuple and supports ordered iteration, point lookup,
// range scan, insertion, deletion, in-place update, uniqueness constraints,
// structural verification, and cost estimation.
//
// The engine performs no internal synchronisation: one open file handle is
// driven by one caller at a time, and conflicting page fixes across handles
// are serialised by the paged layer.
package btree

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/btxdb/btx/internal/config"
	"github.com/btxdb/btx/internal/paged"
)

// Subdirectory per side under the index root.
const (
	treeDirName  = "Tree"
	valueDirName = "Value"
)

// Options tunes an index handle.
type Options struct {
	// PageSize for newly created files; 0 takes the configured default.
	PageSize int

	// CachePages is the buffer-pool capacity per paged file.
	CachePages int

	// Fanout pins the key slots per page; 0 derives it from the page size.
	Fanout int

	// Config supplies the shared configuration; nil loads the defaults.
	Config *config.Config
}

// File is one open B+-tree index.
type File struct {
	dir    string
	schema *Schema
	opts   Options
	cfg    *config.Config
	layout layout
	tf     *paged.File // tree file: header, nodes, leaves, key objects
	vf     *paged.File // value file: representatives and outside objects
	open   bool

	pageCache    bool
	lastValuePID paged.PageID

	pinned []*Cursor
}

func prepare(dir string, schema *Schema, opts Options) (*File, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	ps := opts.PageSize
	if ps == 0 {
		ps = cfg.PageSize
	}
	cache := opts.CachePages
	if cache == 0 {
		cache = cfg.CachePages
	}
	f := &File{
		dir:          dir,
		schema:       schema,
		opts:         opts,
		cfg:          cfg,
		lastValuePID: paged.UndefinedPageID,
	}
	f.tf = paged.AttachFile(paged.Options{
		Dir: filepath.Join(dir, treeDirName), PageSize: ps, CachePages: cache,
	})
	f.vf = paged.AttachFile(paged.Options{
		Dir: filepath.Join(dir, valueDirName), PageSize: ps, CachePages: cache,
		LockName: f.tf.LockName(),
	})
	var err error
	f.layout, err = computeLayout(schema, f.tf.DataSize(), opts.Fanout)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Create builds a new index at dir: both paged files, the file-information
// header, an empty root leaf, and value page 0.
func Create(txn *paged.Txn, dir string, schema *Schema, opts Options) (*File, error) {
	f, err := prepare(dir, schema, opts)
	if err != nil {
		return nil, err
	}
	if err := f.tf.Create(txn); err != nil {
		return nil, err
	}
	if err := f.vf.Create(txn); err != nil {
		f.tf.Unmount(txn)
		f.tf.Destroy(txn)
		return nil, err
	}
	f.open = true
	if err := f.initialize(txn); err != nil {
		f.open = false
		f.tf.Unmount(txn)
		f.vf.Unmount(txn)
		f.tf.Destroy(txn)
		f.vf.Destroy(txn)
		return nil, err
	}
	return f, nil
}

// initialize lays down the empty state: page 0 holds the file information,
// the root is an empty leaf, and the value file gets its permanent page 0.
func (f *File) initialize(txn *paged.Txn) error {
	return f.runMutation(txn, func(op *operation) error {
		hp, err := op.allocate(f.tf)
		if err != nil {
			return err
		}
		if hp.ID() != fileInfoPageID {
			return fmt.Errorf("%w: header landed on page %d", ErrUnexpected, hp.ID())
		}
		root, err := f.newNodePage(op, kindLeaf)
		if err != nil {
			return err
		}
		fi := &FileInformation{
			Version:     CurrentFileVersion,
			TreeDepth:   1,
			RootPID:     root.id,
			TopLeafPID:  root.id,
			LastLeafPID: root.id,
		}
		if err := initFileInformation(op.txn, hp, fi); err != nil {
			return err
		}
		op.dirty(f.tf, hp.ID())

		vp, err := op.allocate(f.vf)
		if err != nil {
			return err
		}
		if vp.ID() != valueFilePage0 {
			return fmt.Errorf("%w: value page 0 landed on page %d", ErrUnexpected, vp.ID())
		}
		return nil
	})
}

// Open mounts an existing index. The schema must match the one the index
// was created with; the caller's option layer owns that translation.
func Open(txn *paged.Txn, dir string, schema *Schema, opts Options) (*File, error) {
	f, err := prepare(dir, schema, opts)
	if err != nil {
		return nil, err
	}
	if err := f.tf.Mount(txn); err != nil {
		return nil, err
	}
	if err := f.vf.Mount(txn); err != nil {
		f.tf.Unmount(txn)
		return nil, err
	}
	f.open = true
	// The header is decoded once here to reject a version this build does
	// not understand.
	op, err := f.beginOp(txn, false)
	if err != nil {
		f.Close(txn)
		return nil, err
	}
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if err == nil && fi.Version != CurrentFileVersion {
		err = fmt.Errorf("%w: file version %d", ErrNotSupported, fi.Version)
	}
	if sErr := op.succeed(); err == nil {
		err = sErr
	}
	if err != nil {
		f.Close(txn)
		return nil, err
	}
	return f, nil
}

// Close unmounts both files.
func (f *File) Close(txn *paged.Txn) error {
	if !f.open {
		return nil
	}
	f.open = false
	err := f.tf.Unmount(txn)
	if vErr := f.vf.Unmount(txn); err == nil {
		err = vErr
	}
	return err
}

// Destroy removes the index from disk. The handle must be closed.
func (f *File) Destroy(txn *paged.Txn) error {
	if f.open {
		return fmt.Errorf("%w: destroy of an open index", ErrIllegalFileAccess)
	}
	err := f.tf.Destroy(txn)
	if vErr := f.vf.Destroy(txn); err == nil {
		err = vErr
	}
	return err
}

// Clear empties the index without destroying it.
func (f *File) Clear(txn *paged.Txn) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := f.tf.Clear(txn); err != nil {
		return err
	}
	if err := f.vf.Clear(txn); err != nil {
		return err
	}
	f.lastValuePID = paged.UndefinedPageID
	return f.initialize(txn)
}

// ── Administration forwards ───────────────────────────────────────────────

// Flush checkpoints both paged files.
func (f *File) Flush(txn *paged.Txn) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := f.tf.Flush(txn); err != nil {
		return err
	}
	return f.vf.Flush(txn)
}

// Move relocates the index directory. The handle must be closed.
func (f *File) Move(txn *paged.Txn, newDir string) error {
	if f.open {
		return fmt.Errorf("%w: move of an open index", ErrIllegalFileAccess)
	}
	if err := f.tf.Move(txn, filepath.Join(newDir, treeDirName)); err != nil {
		return err
	}
	if err := f.vf.Move(txn, filepath.Join(newDir, valueDirName)); err != nil {
		return err
	}
	f.dir = newDir
	return nil
}

// StartBackup begins a backup window on both files.
func (f *File) StartBackup(txn *paged.Txn, restorable bool) error {
	if err := f.tf.StartBackup(txn, restorable); err != nil {
		return err
	}
	return f.vf.StartBackup(txn, restorable)
}

// EndBackup ends the backup window.
func (f *File) EndBackup(txn *paged.Txn) error {
	if err := f.tf.EndBackup(txn); err != nil {
		return err
	}
	return f.vf.EndBackup(txn)
}

// Recover rolls both files back to the given point in time.
func (f *File) Recover(txn *paged.Txn, point time.Time) error {
	if err := f.tf.Recover(txn, point); err != nil {
		return err
	}
	f.lastValuePID = paged.UndefinedPageID
	return f.vf.Recover(txn, point)
}

// Restore makes the version a read-only transaction started at the point
// would see the newest one.
func (f *File) Restore(txn *paged.Txn, point time.Time) error {
	if err := f.tf.Restore(txn, point); err != nil {
		return err
	}
	f.lastValuePID = paged.UndefinedPageID
	return f.vf.Restore(txn, point)
}

// Sync checkpoints both files and merges their flags.
func (f *File) Sync(txn *paged.Txn, incomplete, modified *bool) error {
	var ti, tm, vi, vm bool
	if err := f.tf.Sync(txn, &ti, &tm); err != nil {
		return err
	}
	if err := f.vf.Sync(txn, &vi, &vm); err != nil {
		return err
	}
	if incomplete != nil {
		*incomplete = ti || vi
	}
	if modified != nil {
		*modified = tm || vm
	}
	return nil
}

// IsAccessible reports whether both files are reachable.
func (f *File) IsAccessible(force bool) bool {
	return f.tf.IsAccessible(force) && f.vf.IsAccessible(force)
}

// IsMounted reports whether both files are mounted.
func (f *File) IsMounted(txn *paged.Txn) bool {
	return f.tf.IsMounted(txn) && f.vf.IsMounted(txn)
}

// StartPageCache keeps cursor-fixed pages pinned for the duration of a
// scan.
func (f *File) StartPageCache() { f.pageCache = true }

// EndPageCache drops the flag and detaches every pinned scan page.
func (f *File) EndPageCache() {
	f.pageCache = false
	for _, c := range f.pinned {
		c.releasePages()
	}
	f.pinned = nil
}

// Schema returns the index's schema.
func (f *File) Schema() *Schema { return f.schema }

// Fanout returns the configured key slots per page.
func (f *File) Fanout() int { return f.layout.fanout }

func (f *File) checkOpen() error {
	if !f.open {
		return ErrFileNotOpen
	}
	return nil
}

// ── Header access ─────────────────────────────────────────────────────────

// fileInfo decodes the header once for an operation. Mutators write the
// decoded copy back through writeFileInfo before the operation commits.
func (f *File) fileInfo(op *operation, mode paged.FixMode) (*FileInformation, *paged.Page, error) {
	hp, err := op.attach(f.tf, fileInfoPageID, mode)
	if err != nil {
		return nil, nil, err
	}
	fi, err := readFileInformation(hp)
	if err != nil {
		return nil, nil, err
	}
	return fi, hp, nil
}

func (f *File) writeFileInfo(op *operation, fi *FileInformation, hp *paged.Page) {
	fi.write(hp)
	op.dirty(f.tf, fileInfoPageID)
}

// Info returns a decoded copy of the file information.
func (f *File) Info(txn *paged.Txn) (*FileInformation, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	op, err := f.beginOp(txn, false)
	if err != nil {
		return nil, err
	}
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if sErr := op.succeed(); err == nil {
		err = sErr
	}
	return fi, err
}

// ReadHeader mounts the tree file under an index directory and decodes its
// file information, without needing the schema. Inspection tooling uses
// this.
func ReadHeader(txn *paged.Txn, dir string) (*FileInformation, uint64, error) {
	tf := paged.AttachFile(paged.Options{Dir: filepath.Join(dir, treeDirName)})
	if err := tf.Mount(txn); err != nil {
		return nil, 0, err
	}
	defer tf.Unmount(txn)
	p, err := tf.AttachPage(txn, fileInfoPageID, paged.FixRead)
	if err != nil {
		return nil, 0, err
	}
	fi, err := readFileInformation(p)
	if dErr := tf.DetachPage(p, paged.UnfixClean); err == nil {
		err = dErr
	}
	return fi, tf.PageCount(), err
}

// Count returns the tuple count from the file information.
func (f *File) Count(txn *paged.Txn) (uint64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	op, err := f.beginOp(txn, false)
	if err != nil {
		return 0, err
	}
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if sErr := op.succeed(); err == nil {
		err = sErr
	}
	if err != nil {
		return 0, err
	}
	return fi.TupleCount, nil
}

// Fetch returns the full tuple stored under key, or ErrEntryNotFound.
func (f *File) Fetch(txn *paged.Txn, key Tuple) (Tuple, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	if len(key) != f.schema.KeyFields {
		return nil, fmt.Errorf("%w: key has %d fields, schema has %d",
			ErrBadArgument, len(key), f.schema.KeyFields)
	}
	op, err := f.beginOp(txn, false)
	if err != nil {
		return nil, err
	}
	tuple, err := f.fetchLocked(op, key)
	if sErr := op.succeed(); err == nil {
		err = sErr
	}
	return tuple, err
}

func (f *File) fetchLocked(op *operation, key Tuple) (Tuple, error) {
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if err != nil {
		return nil, err
	}
	if fi.TupleCount == 0 {
		return nil, ErrEntryNotFound
	}
	_, leaf, err := f.descend(op, fi, key, paged.FixRead)
	if err != nil {
		return nil, err
	}
	pos, found, err := f.findExact(leaf, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrEntryNotFound
	}
	value, err := f.readValue(op, leaf.valueOID(pos), nil)
	if err != nil {
		return nil, err
	}
	k, err := leaf.readKey(pos)
	if err != nil {
		return nil, err
	}
	return append(append(Tuple{}, k...), value...), nil
}
