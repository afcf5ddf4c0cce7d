package paged

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// File header block
// ───────────────────────────────────────────────────────────────────────────
//
// The master-data file begins with one header block of pageSize bytes; data
// pages follow, numbered densely from 0. Page pid lives at byte offset
// (1+pid)*pageSize, so page 0 is an ordinary data page.
//
// Header block layout:
//   [0:8]   Magic          "BTXPGF\x00\x00"
//   [8:12]  FormatVersion  uint32 LE
//   [12:16] PageSize       uint32 LE
//   [16:24] PageCount      uint64 LE (data pages, header block excluded)
//   [24:28] FreeListRoot   uint32 LE
//   [28:36] Checkpointed   int64 LE (unix nanoseconds of the last checkpoint)
//   [36:40] HeaderCRC      uint32 LE (CRC of bytes 0:36)

const (
	fileMagic         = "BTXPGF\x00\x00"
	fileFormatVersion = uint32(1)

	masterFileName = "master.dat"
	logFileName    = "version.log"
	syncFileName   = "sync.log"
)

type fileHeader struct {
	pageCount    uint64
	freeListRoot PageID
	checkpointed int64 // unix nanoseconds of the last checkpoint
}

func marshalFileHeader(h *fileHeader, pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[0:8], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], fileFormatVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(pageSize))
	binary.LittleEndian.PutUint64(buf[16:24], h.pageCount)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.freeListRoot))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.checkpointed))
	binary.LittleEndian.PutUint32(buf[36:40], crc32.Checksum(buf[:36], crcTable))
	return buf
}

func unmarshalFileHeader(buf []byte) (*fileHeader, int, error) {
	if len(buf) < 40 {
		return nil, 0, fmt.Errorf("file header too small: %d bytes", len(buf))
	}
	if string(buf[0:8]) != fileMagic {
		return nil, 0, fmt.Errorf("bad magic %q", buf[0:8])
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != fileFormatVersion {
		return nil, 0, fmt.Errorf("unsupported format version %d", v)
	}
	ps := int(binary.LittleEndian.Uint32(buf[12:16]))
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, 0, fmt.Errorf("invalid page size %d", ps)
	}
	if stored := binary.LittleEndian.Uint32(buf[36:40]); stored != crc32.Checksum(buf[:36], crcTable) {
		return nil, 0, fmt.Errorf("file header CRC mismatch")
	}
	return &fileHeader{
		pageCount:     binary.LittleEndian.Uint64(buf[16:24]),
		freeListRoot:  PageID(binary.LittleEndian.Uint32(buf[24:28])),
		checkpointed: int64(binary.LittleEndian.Uint64(buf[28:36])),
	}, ps, nil
}

// ───────────────────────────────────────────────────────────────────────────
// File
// ───────────────────────────────────────────────────────────────────────────

// Options configures a paged file.
type Options struct {
	Dir        string // directory holding master data, version log, sync log
	PageSize   int    // 0 = DefaultPageSize
	CachePages int    // buffer pool capacity, 0 = 1024
	LockName   uuid.UUID
}

// File is one paged file: the master data, its version log, and its sync
// log, plus the buffer pool and free-list over them.
type File struct {
	mu        sync.Mutex
	dir       string
	pageSize  int
	cacheMax  int
	lockName  uuid.UUID
	f         *os.File
	log       *VersionLog
	hdr       fileHeader
	free      *FreeManager
	pool      map[PageID]*frame
	mounted   bool
	available bool
}

// frame is an in-memory cached page.
type frame struct {
	id     PageID
	buf    []byte
	dirty  bool
	pinned int
}

// Page is one fix of a page. Detach it exactly once.
type Page struct {
	file     *File
	frame    *frame
	id       PageID
	buf      []byte
	mode     FixMode
	txn      *Txn
	preimage []byte // pre-fix image, write fixes only
	detached bool
}

// ID returns the fixed page's ID.
func (p *Page) ID() PageID { return p.id }

// PageSize returns the page size in bytes.
func (p *Page) PageSize() int { return len(p.buf) }

// Type returns the page's type byte.
func (p *Page) Type() PageType { return PageType(p.buf[0]) }

// Bytes returns the underlying page buffer.
func (p *Page) Bytes() []byte { return p.buf }

// Upgrade turns a read fix into a write fix, capturing the pre-fix image.
// Writes through the page must not have happened before the upgrade.
func (p *Page) Upgrade() {
	if p.mode != FixRead {
		return
	}
	p.mode = FixWrite
	p.preimage = append([]byte{}, p.frame.buf...)
}

func (p *Page) checkWritable() error {
	if p.detached {
		return fmt.Errorf("page %d: use after detach", p.id)
	}
	if p.mode == FixRead {
		return fmt.Errorf("page %d: write through read fix", p.id)
	}
	return nil
}

// AttachFile creates a handle on a paged file. Nothing is opened until
// Create or Mount.
func AttachFile(opts Options) *File {
	ps := opts.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	cache := opts.CachePages
	if cache <= 0 {
		cache = 1024
	}
	lock := opts.LockName
	if lock == uuid.Nil {
		lock = uuid.New()
	}
	return &File{
		dir:       opts.Dir,
		pageSize:  ps,
		cacheMax:  cache,
		lockName:  lock,
		free:      NewFreeManager(),
		pool:      map[PageID]*frame{},
		available: true,
	}
}

// DetachFile releases the handle, unmounting first when needed.
func (f *File) DetachFile() error {
	f.mu.Lock()
	mounted := f.mounted
	f.mu.Unlock()
	if mounted {
		return f.Unmount(nil)
	}
	return nil
}

// LockName returns the lock name the handle was attached with.
func (f *File) LockName() uuid.UUID { return f.lockName }

// Dir returns the file's directory.
func (f *File) Dir() string { return f.dir }

// PageSize returns the page size in bytes.
func (f *File) PageSize() int { return f.pageSize }

// ── Lifecycle ─────────────────────────────────────────────────────────────

// Create makes the directory and an empty master file, then mounts.
func (f *File) Create(txn *Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mounted {
		return fmt.Errorf("create: already mounted")
	}
	if ps := f.pageSize; ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return fmt.Errorf("invalid page size %d", f.pageSize)
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	mf, err := os.OpenFile(filepath.Join(f.dir, masterFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create master: %w", err)
	}
	f.f = mf
	f.hdr = fileHeader{freeListRoot: UndefinedPageID}
	if _, err := mf.WriteAt(marshalFileHeader(&f.hdr, f.pageSize), 0); err != nil {
		mf.Close()
		return fmt.Errorf("write header block: %w", err)
	}
	if err := mf.Sync(); err != nil {
		mf.Close()
		return err
	}
	vl, err := OpenVersionLog(filepath.Join(f.dir, logFileName), f.pageSize)
	if err != nil {
		mf.Close()
		return err
	}
	if err := vl.Truncate(); err != nil {
		vl.Close()
		mf.Close()
		return err
	}
	f.log = vl
	f.free = NewFreeManager()
	f.pool = map[PageID]*frame{}
	f.mounted = true
	return nil
}

// Mount opens an existing file, loads the header and free-list, and runs
// crash recovery from the version log.
func (f *File) Mount(txn *Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mounted {
		return nil
	}
	mf, err := os.OpenFile(filepath.Join(f.dir, masterFileName), os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	hbuf := make([]byte, f.pageSize)
	if _, err := mf.ReadAt(hbuf, 0); err != nil {
		mf.Close()
		return fmt.Errorf("mount read header: %w", err)
	}
	hdr, ps, err := unmarshalFileHeader(hbuf)
	if err != nil {
		mf.Close()
		return fmt.Errorf("mount: %w", err)
	}
	f.f = mf
	f.pageSize = ps // honour on-disk page size
	f.hdr = *hdr

	vl, err := OpenVersionLog(filepath.Join(f.dir, logFileName), f.pageSize)
	if err != nil {
		mf.Close()
		return err
	}
	f.log = vl

	f.pool = map[PageID]*frame{}
	f.mounted = true

	if err := f.recoverLocked(time.Time{}, true); err != nil {
		f.mounted = false
		vl.Close()
		mf.Close()
		return fmt.Errorf("mount recovery: %w", err)
	}

	f.free = NewFreeManager()
	if f.hdr.freeListRoot != UndefinedPageID {
		if err := f.free.LoadFromDisk(f.hdr.freeListRoot, f.readPageRaw); err != nil {
			f.mounted = false
			vl.Close()
			mf.Close()
			return fmt.Errorf("mount freelist: %w", err)
		}
	}
	return nil
}

// Unmount checkpoints and closes the file.
func (f *File) Unmount(txn *Txn) error {
	if err := f.Flush(txn); err != nil {
		f.mu.Lock()
		if f.log != nil {
			f.log.Close()
		}
		if f.f != nil {
			f.f.Close()
		}
		f.mounted = false
		f.mu.Unlock()
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return nil
	}
	f.mounted = false
	if err := f.log.Close(); err != nil {
		f.f.Close()
		return err
	}
	return f.f.Close()
}

// Destroy removes the whole directory. The file must be unmounted.
func (f *File) Destroy(txn *Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mounted {
		return fmt.Errorf("destroy: still mounted")
	}
	return os.RemoveAll(f.dir)
}

// Clear empties the file back to zero pages, preserving the handle.
func (f *File) Clear(txn *Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return fmt.Errorf("clear: not mounted")
	}
	f.hdr = fileHeader{freeListRoot: UndefinedPageID}
	f.free = NewFreeManager()
	f.pool = map[PageID]*frame{}
	if err := f.f.Truncate(int64(f.pageSize)); err != nil {
		return err
	}
	if _, err := f.f.WriteAt(marshalFileHeader(&f.hdr, f.pageSize), 0); err != nil {
		return err
	}
	if err := f.f.Sync(); err != nil {
		return err
	}
	return f.log.Truncate()
}

// Move relocates the directory. The file must be unmounted.
func (f *File) Move(txn *Txn, newDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mounted {
		return fmt.Errorf("move: still mounted")
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0755); err != nil {
		return err
	}
	if err := os.Rename(f.dir, newDir); err != nil {
		return fmt.Errorf("move: %w", err)
	}
	f.dir = newDir
	return nil
}

// IsMounted reports whether the file is mounted.
func (f *File) IsMounted(txn *Txn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}

// IsAccessible reports whether the master file exists and the handle has
// not been marked unavailable. With force, the header block is re-read.
func (f *File) IsAccessible(force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return false
	}
	if !force {
		_, err := os.Stat(filepath.Join(f.dir, masterFileName))
		return err == nil
	}
	buf := make([]byte, f.pageSize)
	mf, err := os.Open(filepath.Join(f.dir, masterFileName))
	if err != nil {
		return false
	}
	defer mf.Close()
	if _, err := mf.ReadAt(buf, 0); err != nil {
		return false
	}
	_, _, err = unmarshalFileHeader(buf)
	return err == nil
}

// SetAvailable flips the availability flag. The engine clears it when a
// second failure is observed during operation recovery.
func (f *File) SetAvailable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = ok
}

// ── Raw I/O ───────────────────────────────────────────────────────────────

func (f *File) pageOffset(pid PageID) int64 {
	return int64(1+uint64(pid)) * int64(f.pageSize)
}

func (f *File) readPageRaw(pid PageID) ([]byte, error) {
	buf := make([]byte, f.pageSize)
	if _, err := f.f.ReadAt(buf, f.pageOffset(pid)); err != nil {
		return nil, fmt.Errorf("read page %d: %w", pid, err)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *File) writePageRaw(pid PageID, buf []byte) error {
	SetPageCRC(buf)
	if _, err := f.f.WriteAt(buf, f.pageOffset(pid)); err != nil {
		return fmt.Errorf("write page %d: %w", pid, err)
	}
	return nil
}

// ── Page fix / unfix ──────────────────────────────────────────────────────

func (f *File) frameLocked(pid PageID) (*frame, error) {
	if fr, ok := f.pool[pid]; ok {
		return fr, nil
	}
	buf, err := f.readPageRaw(pid)
	if err != nil {
		return nil, err
	}
	fr := &frame{id: pid, buf: buf}
	f.evictLocked()
	f.pool[pid] = fr
	return fr, nil
}

// evictLocked drops clean unpinned frames while the pool is over capacity.
func (f *File) evictLocked() {
	if len(f.pool) < f.cacheMax {
		return
	}
	for id, fr := range f.pool {
		if fr.pinned == 0 && !fr.dirty {
			delete(f.pool, id)
			if len(f.pool) < f.cacheMax {
				return
			}
		}
	}
}

// AttachPage fixes page pid. Write fixes capture the pre-fix image so
// RecoverPage can roll the page back.
func (f *File) AttachPage(txn *Txn, pid PageID, mode FixMode) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return nil, fmt.Errorf("attach page %d: not mounted", pid)
	}
	if uint64(pid) >= f.hdr.pageCount {
		return nil, fmt.Errorf("attach page %d: beyond page count %d", pid, f.hdr.pageCount)
	}
	if f.free.IsFree(pid) {
		return nil, fmt.Errorf("attach page %d: page is free", pid)
	}
	fr, err := f.frameLocked(pid)
	if err != nil {
		return nil, err
	}
	fr.pinned++
	p := &Page{file: f, frame: fr, id: pid, buf: fr.buf, mode: mode, txn: txn}
	if mode == FixWrite {
		p.preimage = append([]byte{}, fr.buf...)
	}
	return p, nil
}

// VerifyPage fixes page pid for verification, reporting a CRC failure to
// progress instead of returning it.
func (f *File) VerifyPage(txn *Txn, pid PageID, mode FixMode, progress *Progress) (*Page, error) {
	p, err := f.AttachPage(txn, pid, mode)
	if err != nil {
		progress.Report("PageUnreadable", err.Error(), pid)
		return nil, err
	}
	return p, nil
}

// DetachPage releases a fix. UnfixDirty stages the page image under the
// fixing operation's frame and keeps the buffer-pool frame dirty for the
// next checkpoint; nothing reaches the log file until the operation
// commits.
func (f *File) DetachPage(p *Page, unfix UnfixMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.detached {
		return nil
	}
	p.detached = true
	if p.frame.pinned > 0 {
		p.frame.pinned--
	}
	if unfix != UnfixDirty {
		return nil
	}
	SetPageCRC(p.buf)
	p.frame.dirty = true
	f.log.LogPage(txnID(p.txn), p.id, p.buf)
	return nil
}

// RecoverPage rolls the page back to its pre-fix image.
func (f *File) RecoverPage(txn *Txn, p *Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.preimage == nil {
		return
	}
	copy(p.frame.buf, p.preimage)
}

func txnID(t *Txn) TxID {
	if t == nil {
		return 0
	}
	return t.ID
}

// ── Operation boundaries ──────────────────────────────────────────────────
//
// The version log mirrors the engine's recovery units: an operation stages
// page images in memory and either seals them into one durable frame or
// drops them. There is no on-disk record of operations that never commit.

// BeginOperation opens a staging frame for txn.
func (f *File) BeginOperation(txn *Txn) error {
	f.log.Begin(txnID(txn))
	return nil
}

// CommitOperation seals txn's staged page images into a durable frame.
func (f *File) CommitOperation(txn *Txn) error {
	return f.log.Commit(txnID(txn))
}

// AbortOperation discards txn's staged page images.
func (f *File) AbortOperation(txn *Txn) error {
	f.log.Abort(txnID(txn))
	return nil
}

// ── Page allocation ───────────────────────────────────────────────────────

// AllocatePage returns a fresh data page, reusing a free page when one
// exists. The page is initialised with an empty area directory and sits
// dirty in the pool.
func (f *File) AllocatePage(txn *Txn) (PageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return UndefinedPageID, fmt.Errorf("allocate: not mounted")
	}
	pid := f.free.Alloc()
	if pid == UndefinedPageID {
		pid = PageID(f.hdr.pageCount)
		f.hdr.pageCount++
	}
	buf := make([]byte, f.pageSize)
	initDataPage(buf, pid)
	fr := &frame{id: pid, buf: buf, dirty: true}
	f.evictLocked()
	f.pool[pid] = fr
	return pid, nil
}

// FreePage relinquishes pid for reuse. The frame is kept so a subsequent
// ReusePage + RecoverPage can restore it.
func (f *File) FreePage(txn *Txn, pid PageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(pid) >= f.hdr.pageCount {
		return fmt.Errorf("free page %d: beyond page count", pid)
	}
	f.free.Free(pid)
	return nil
}

// ReusePage un-frees pid (operation rollback).
func (f *File) ReusePage(txn *Txn, pid PageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.free.Reuse(pid) {
		return fmt.Errorf("reuse page %d: not free", pid)
	}
	return nil
}

// IsFreePage reports whether pid is currently relinquished.
func (f *File) IsFreePage(pid PageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.IsFree(pid)
}

// SearchFreePage scans for an existing data page that can take an area of
// size bytes, starting at startPID (UndefinedPageID = from page 0). With
// unusedOnly, only pages with no live areas qualify. Returns
// UndefinedPageID when no page fits.
func (f *File) SearchFreePage(txn *Txn, size int, startPID PageID, unusedOnly bool) PageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size > f.searchableThresholdLocked() {
		return UndefinedPageID
	}
	start := PageID(0)
	if startPID != UndefinedPageID {
		start = startPID
	}
	for pid := start; uint64(pid) < f.hdr.pageCount; pid++ {
		if f.free.IsFree(pid) {
			continue
		}
		fr, err := f.frameLocked(pid)
		if err != nil {
			continue
		}
		if PageType(fr.buf[0]) != PageTypeData {
			continue
		}
		p := &Page{file: f, frame: fr, id: pid, buf: fr.buf, mode: FixRead}
		if unusedOnly && !p.Empty() {
			continue
		}
		if p.FreeAreaSize(txn, 1) >= size {
			return pid
		}
	}
	return UndefinedPageID
}

// DataSize returns the bytes a single area can occupy on an empty page.
func (f *File) DataSize() int {
	return f.pageSize - PageHeaderSize - 4 - areaEntrySize
}

// PageSearchableThreshold returns the largest area size SearchFreePage will
// look for; bigger allocations extend the file so the free-page scan stays
// effective.
func (f *File) PageSearchableThreshold() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searchableThresholdLocked()
}

func (f *File) searchableThresholdLocked() int {
	return (f.pageSize - PageHeaderSize - 4 - areaEntrySize) / 2
}

// PageCount returns the number of data pages (free pages included).
func (f *File) PageCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hdr.pageCount
}

// Size returns the master file's on-disk size in bytes.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// ── Checkpoint ────────────────────────────────────────────────────────────

// Flush checkpoints: dirty frames and the free-list go to the master file,
// the header block is rewritten, everything is fsynced, and the version log
// is truncated.
func (f *File) Flush(txn *Txn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return fmt.Errorf("flush: not mounted")
	}

	for _, fr := range f.pool {
		if !fr.dirty {
			continue
		}
		if f.free.IsFree(fr.id) {
			fr.dirty = false
			continue
		}
		if err := f.writePageRaw(fr.id, fr.buf); err != nil {
			return fmt.Errorf("checkpoint page %d: %w", fr.id, err)
		}
		fr.dirty = false
	}

	// The old free-list chain is itself recycled before the new one is laid
	// down.
	if old := f.hdr.freeListRoot; old != UndefinedPageID {
		pid := old
		for pid != UndefinedPageID {
			buf, err := f.readPageRaw(pid)
			if err != nil {
				break
			}
			next := freeListNext(buf)
			f.free.Free(pid)
			pid = next
		}
	}

	flHead, flPages := f.free.FlushToDisk(f.pageSize, func() (PageID, []byte) {
		pid := PageID(f.hdr.pageCount)
		f.hdr.pageCount++
		return pid, make([]byte, f.pageSize)
	})
	for _, fb := range flPages {
		pid := PageID(binary.LittleEndian.Uint32(fb[4:8]))
		if err := f.writePageRaw(pid, fb); err != nil {
			return fmt.Errorf("checkpoint freelist page: %w", err)
		}
	}

	f.hdr.freeListRoot = flHead
	f.hdr.checkpointed = time.Now().UnixNano()
	if _, err := f.f.WriteAt(marshalFileHeader(&f.hdr, f.pageSize), 0); err != nil {
		return fmt.Errorf("checkpoint header block: %w", err)
	}
	if err := f.f.Sync(); err != nil {
		return err
	}
	return f.log.Truncate()
}

// Sync checkpoints and reports whether the file had incomplete (staged
// but uncommitted) operations and whether anything was modified since the
// last checkpoint. A record of the sync is appended to the sync log.
func (f *File) Sync(txn *Txn, incomplete, modified *bool) error {
	f.mu.Lock()
	dirty := f.log.HasFrames()
	for _, fr := range f.pool {
		if fr.dirty {
			dirty = true
		}
	}
	inFlight := f.log.PendingOps() > 0
	f.mu.Unlock()
	if incomplete != nil {
		*incomplete = inFlight
	}
	if modified != nil {
		*modified = dirty
	}
	if err := f.Flush(txn); err != nil {
		return err
	}
	return f.appendSyncRecord()
}

func (f *File) appendSyncRecord() error {
	sf, err := os.OpenFile(filepath.Join(f.dir, syncFileName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer sf.Close()
	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(f.hdr.checkpointed))
	_, err = sf.Write(rec[:])
	return err
}

// ── Backup and point-in-time recovery ─────────────────────────────────────

// StartBackup checkpoints so the master file is a consistent image. The
// restorable flag has no effect: the version log is not retained, and later
// checkpoints truncate it as usual.
func (f *File) StartBackup(txn *Txn, restorable bool) error {
	return f.Flush(txn)
}

// EndBackup ends the backup window.
func (f *File) EndBackup(txn *Txn) error {
	return nil
}

// Recover rolls the file back to the given point in time: committed page
// images stamped after the point are discarded, the rest replayed. The
// version log is truncated afterwards.
func (f *File) Recover(txn *Txn, point time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return fmt.Errorf("recover: not mounted")
	}
	f.pool = map[PageID]*frame{}
	if err := f.recoverLocked(point, true); err != nil {
		return err
	}
	return f.reloadStateLocked()
}

// Restore replays committed page images up to the point without truncating
// the version log, so later recover calls can still see newer versions.
func (f *File) Restore(txn *Txn, point time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return fmt.Errorf("restore: not mounted")
	}
	f.pool = map[PageID]*frame{}
	if err := f.recoverLocked(point, false); err != nil {
		return err
	}
	return f.reloadStateLocked()
}

// reloadStateLocked re-reads the header block and free-list from the
// master file, discarding any in-memory allocation state that ran ahead
// of it.
func (f *File) reloadStateLocked() error {
	hbuf := make([]byte, f.pageSize)
	if _, err := f.f.ReadAt(hbuf, 0); err != nil {
		return fmt.Errorf("reload header block: %w", err)
	}
	hdr, _, err := unmarshalFileHeader(hbuf)
	if err != nil {
		return err
	}
	f.hdr = *hdr
	f.free = NewFreeManager()
	if f.hdr.freeListRoot != UndefinedPageID {
		return f.free.LoadFromDisk(f.hdr.freeListRoot, f.readPageRaw)
	}
	return nil
}

// recoverLocked replays the version log. Every sealed frame is one
// committed recovery unit, so the sweep is linear: frames apply in commit
// order until the point in time is passed (zero point = everything), each
// later image overwriting earlier ones. Unsealed tails were never
// committed and are invisible by construction. With truncate the log is
// emptied afterwards.
func (f *File) recoverLocked(point time.Time, truncate bool) error {
	frames, err := ReadFrames(filepath.Join(f.dir, logFileName), f.pageSize)
	if err != nil {
		return fmt.Errorf("recover read log: %w", err)
	}

	replayed := 0
	for _, fr := range frames {
		if !point.IsZero() && fr.Stamp.After(point) {
			break
		}
		for _, img := range fr.Images {
			if uint64(img.ID)+1 > f.hdr.pageCount {
				f.hdr.pageCount = uint64(img.ID) + 1
			}
			if err := f.writePageRaw(img.ID, img.Data); err != nil {
				return fmt.Errorf("recover apply page %d: %w", img.ID, err)
			}
		}
		replayed++
	}

	if replayed > 0 {
		if err := f.f.Sync(); err != nil {
			return err
		}
		if _, err := f.f.WriteAt(marshalFileHeader(&f.hdr, f.pageSize), 0); err != nil {
			return fmt.Errorf("recover header block: %w", err)
		}
		if err := f.f.Sync(); err != nil {
			return err
		}
	}

	if truncate {
		return f.log.Truncate()
	}
	return nil
}

// ── Verification ──────────────────────────────────────────────────────────

// CheckUse cross-checks a verification walk's UseInfo against the file's
// own page and area directories. Free-list pages belong to the paged layer
// and are skipped.
func (f *File) CheckUse(txn *Txn, use *UseInfo, progress *Progress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pid := PageID(0); uint64(pid) < f.hdr.pageCount; pid++ {
		if f.free.IsFree(pid) {
			if use.HasPage(pid) {
				progress.Report("FreePageInUse",
					fmt.Sprintf("page %d is on the free list but was registered as used", pid), pid)
			}
			continue
		}
		fr, err := f.frameLocked(pid)
		if err != nil {
			progress.Report("PageUnreadable", err.Error(), pid)
			continue
		}
		if PageType(fr.buf[0]) == PageTypeFreeList {
			continue
		}
		if !use.HasPage(pid) {
			progress.Report("UnreferencedPage",
				fmt.Sprintf("page %d is allocated but unreachable", pid), pid)
			continue
		}
		p := &Page{file: f, frame: fr, id: pid, buf: fr.buf, mode: FixRead}
		for _, aid := range p.LiveAreas() {
			if !use.HasArea(pid, aid) {
				progress.Report("UnreferencedArea",
					fmt.Sprintf("area %d on page %d is allocated but unreachable", aid, pid), pid)
			}
		}
	}
	for pid := range use.pages {
		if uint64(pid) >= f.hdr.pageCount {
			progress.Report("DanglingPage",
				fmt.Sprintf("registered page %d is beyond page count %d", pid, f.hdr.pageCount), pid)
		}
	}
}
