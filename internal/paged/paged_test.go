package paged

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestFile(t *testing.T) *File {
	t.Helper()
	f := AttachFile(Options{Dir: filepath.Join(t.TempDir(), "pf"), PageSize: MinPageSize})
	if err := f.Create(NewTxn()); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = f.Unmount(nil) })
	return f
}

func TestPageHeader_MarshalRoundTrip(t *testing.T) {
	h := PageHeader{Type: PageTypeData, Flags: 0x42, ID: PageID(99), CRC: 0xDEADBEEF}
	buf := make([]byte, PageHeaderSize)
	MarshalHeader(&h, buf)
	h2 := UnmarshalHeader(buf)
	if h2.Type != h.Type || h2.Flags != h.Flags || h2.ID != h.ID || h2.CRC != h.CRC {
		t.Fatalf("header roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestCRC_DetectsCorruption(t *testing.T) {
	buf := NewPageBuf(MinPageSize, PageTypeData, 1)
	SetPageCRC(buf)
	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("valid CRC failed: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC error after corruption")
	}
}

func TestAreas_AllocateFreeCompact(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()
	pid, err := f.AllocatePage(txn)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p, err := f.AttachPage(txn, pid, FixWrite)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	a0, err := p.AllocateArea(txn, 100)
	if err != nil {
		t.Fatalf("area 0: %v", err)
	}
	a1, err := p.AllocateArea(txn, 200)
	if err != nil {
		t.Fatalf("area 1: %v", err)
	}
	if a0 != 0 || a1 != 1 {
		t.Fatalf("unexpected area ids %d %d", a0, a1)
	}
	copy(p.Area(a0), bytes.Repeat([]byte{0xAA}, 100))
	copy(p.Area(a1), bytes.Repeat([]byte{0xBB}, 200))

	if got := p.AreaSize(a1); got != 200 {
		t.Fatalf("area size: got %d", got)
	}
	if p.TopAreaID(txn) != a1 {
		t.Fatalf("top area: got %d", p.TopAreaID(txn))
	}

	if err := p.FreeArea(txn, a0); err != nil {
		t.Fatalf("free area: %v", err)
	}
	before := p.UnuseAreaSize(txn, 1)
	if err := p.Compaction(txn); err != nil {
		t.Fatalf("compaction: %v", err)
	}
	if after := p.UnuseAreaSize(txn, 1); after <= before {
		t.Fatalf("compaction reclaimed nothing: before %d after %d", before, after)
	}
	if !bytes.Equal(p.Area(a1), bytes.Repeat([]byte{0xBB}, 200)) {
		t.Fatal("compaction corrupted surviving area")
	}

	// A freed ID is reused by the next allocation.
	a2, err := p.AllocateArea(txn, 50)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if a2 != a0 {
		t.Fatalf("expected reuse of area %d, got %d", a0, a2)
	}
	if err := f.DetachPage(p, UnfixDirty); err != nil {
		t.Fatalf("detach: %v", err)
	}
}

func TestRecoverPage_RestoresPreFixImage(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()
	pid, _ := f.AllocatePage(txn)
	p, _ := f.AttachPage(txn, pid, FixWrite)
	aid, err := p.AllocateArea(txn, 16)
	if err != nil {
		t.Fatalf("area: %v", err)
	}
	copy(p.Area(aid), []byte("before-image-ok!"))
	if err := f.DetachPage(p, UnfixDirty); err != nil {
		t.Fatalf("detach: %v", err)
	}

	p2, _ := f.AttachPage(txn, pid, FixWrite)
	copy(p2.Area(aid), []byte("scribbled-over!!"))
	f.RecoverPage(txn, p2)
	if got := string(p2.Area(aid)); got != "before-image-ok!" {
		t.Fatalf("recover restored %q", got)
	}
	_ = f.DetachPage(p2, UnfixClean)
}

func TestFreeReuse_Cycle(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()
	pid, _ := f.AllocatePage(txn)
	if err := f.FreePage(txn, pid); err != nil {
		t.Fatalf("free: %v", err)
	}
	if !f.IsFreePage(pid) {
		t.Fatal("page should be free")
	}
	if _, err := f.AttachPage(txn, pid, FixRead); err == nil {
		t.Fatal("attach of a free page should fail")
	}
	if err := f.ReusePage(txn, pid); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if f.IsFreePage(pid) {
		t.Fatal("page should be in use again")
	}
	if err := f.ReusePage(txn, pid); err == nil {
		t.Fatal("double reuse should fail")
	}
}

func TestSearchFreePage(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()
	pid, _ := f.AllocatePage(txn)
	p, _ := f.AttachPage(txn, pid, FixWrite)
	if _, err := p.AllocateArea(txn, 64); err != nil {
		t.Fatalf("area: %v", err)
	}
	_ = f.DetachPage(p, UnfixDirty)

	if got := f.SearchFreePage(txn, 128, UndefinedPageID, false); got != pid {
		t.Fatalf("search found %d, want %d", got, pid)
	}
	// unusedOnly skips pages with live areas.
	if got := f.SearchFreePage(txn, 128, UndefinedPageID, true); got != UndefinedPageID {
		t.Fatalf("unused-only search found %d", got)
	}
	// Oversize requests skip the search.
	if got := f.SearchFreePage(txn, f.PageSearchableThreshold()+1, UndefinedPageID, false); got != UndefinedPageID {
		t.Fatalf("oversize search found %d", got)
	}
}

func TestFlush_PersistsAcrossRemount(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pf")
	f := AttachFile(Options{Dir: dir, PageSize: MinPageSize})
	txn := NewTxn()
	if err := f.Create(txn); err != nil {
		t.Fatalf("create: %v", err)
	}
	pid, _ := f.AllocatePage(txn)
	p, _ := f.AttachPage(txn, pid, FixWrite)
	aid, _ := p.AllocateArea(txn, 32)
	copy(p.Area(aid), []byte("persisted across remount, yes???"))
	_ = f.DetachPage(p, UnfixDirty)
	if err := f.Unmount(txn); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	g := AttachFile(Options{Dir: dir, PageSize: MinPageSize})
	if err := g.Mount(txn); err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer g.Unmount(txn)
	q, err := g.AttachPage(txn, pid, FixRead)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := string(q.Area(aid)); got != "persisted across remount, yes???" {
		t.Fatalf("read back %q", got)
	}
	_ = g.DetachPage(q, UnfixClean)
}

func TestRecover_ToPointInTime(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()

	pid, _ := f.AllocatePage(txn)
	if err := f.BeginOperation(txn); err != nil {
		t.Fatalf("begin: %v", err)
	}
	p, _ := f.AttachPage(txn, pid, FixWrite)
	aid, _ := p.AllocateArea(txn, 8)
	copy(p.Area(aid), []byte("batch-01"))
	_ = f.DetachPage(p, UnfixDirty)
	if err := f.CommitOperation(txn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := f.Flush(txn); err != nil {
		t.Fatalf("flush: %v", err)
	}

	point := time.Now()
	time.Sleep(20 * time.Millisecond)

	txn2 := NewTxn()
	if err := f.BeginOperation(txn2); err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	p2, _ := f.AttachPage(txn2, pid, FixWrite)
	copy(p2.Area(aid), []byte("batch-02"))
	_ = f.DetachPage(p2, UnfixDirty)
	if err := f.CommitOperation(txn2); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if err := f.Recover(txn, point); err != nil {
		t.Fatalf("recover: %v", err)
	}
	q, err := f.AttachPage(txn, pid, FixRead)
	if err != nil {
		t.Fatalf("attach after recover: %v", err)
	}
	if got := string(q.Area(aid)); got != "batch-01" {
		t.Fatalf("after recover got %q, want batch-01", got)
	}
	_ = f.DetachPage(q, UnfixClean)
}

func TestVersionLog_AbortLeavesNothing(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()
	pid, _ := f.AllocatePage(txn)

	if err := f.BeginOperation(txn); err != nil {
		t.Fatalf("begin: %v", err)
	}
	p, _ := f.AttachPage(txn, pid, FixWrite)
	aid, _ := p.AllocateArea(txn, 8)
	copy(p.Area(aid), []byte("discard!"))
	_ = f.DetachPage(p, UnfixDirty)

	frames, err := ReadFrames(filepath.Join(f.Dir(), "version.log"), f.PageSize())
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("staged images reached disk before commit: %d frames", len(frames))
	}

	if err := f.AbortOperation(txn); err != nil {
		t.Fatalf("abort: %v", err)
	}
	frames, _ = ReadFrames(filepath.Join(f.Dir(), "version.log"), f.PageSize())
	if len(frames) != 0 {
		t.Fatalf("aborted operation left %d frames", len(frames))
	}
}

func TestVersionLog_TornTailIgnored(t *testing.T) {
	f := openTestFile(t)
	logPath := filepath.Join(f.Dir(), "version.log")

	writeOp := func(marker byte) {
		txn := NewTxn()
		pid, _ := f.AllocatePage(txn)
		if err := f.BeginOperation(txn); err != nil {
			t.Fatalf("begin: %v", err)
		}
		p, _ := f.AttachPage(txn, pid, FixWrite)
		aid, _ := p.AllocateArea(txn, 4)
		p.Area(aid)[0] = marker
		_ = f.DetachPage(p, UnfixDirty)
		if err := f.CommitOperation(txn); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	writeOp(0x11)
	writeOp(0x22)

	frames, err := ReadFrames(logPath, f.PageSize())
	if err != nil {
		t.Fatalf("read frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	// Shear the second frame's seal off, as a crash mid-commit would.
	st, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(logPath, st.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	first := frames[0].Stamp
	frames, err = ReadFrames(logPath, f.PageSize())
	if err != nil {
		t.Fatalf("read frames after tear: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("torn tail not ignored: %d frames", len(frames))
	}
	if !frames[0].Stamp.Equal(first) {
		t.Fatal("surviving frame is not the first commit")
	}
}

func TestFreeManager_FlushAndLoad(t *testing.T) {
	fm := NewFreeManager()
	for _, pid := range []PageID{7, 3, 11} {
		fm.Free(pid)
	}
	pageStore := map[PageID][]byte{}
	next := PageID(100)
	head, pages := fm.FlushToDisk(MinPageSize, func() (PageID, []byte) {
		pid := next
		next++
		return pid, make([]byte, MinPageSize)
	})
	if head == UndefinedPageID || len(pages) != 1 {
		t.Fatalf("flush: head %d pages %d", head, len(pages))
	}
	for _, buf := range pages {
		pageStore[UnmarshalHeader(buf).ID] = buf
	}

	fm2 := NewFreeManager()
	err := fm2.LoadFromDisk(head, func(pid PageID) ([]byte, error) {
		return pageStore[pid], nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fm2.Count() != 3 {
		t.Fatalf("loaded %d entries", fm2.Count())
	}
	if got := fm2.Alloc(); got != 3 {
		t.Fatalf("alloc returned %d, want lowest (3)", got)
	}
}

func TestUseInfo_Checks(t *testing.T) {
	f := openTestFile(t)
	txn := NewTxn()
	pid, _ := f.AllocatePage(txn)
	p, _ := f.AttachPage(txn, pid, FixWrite)
	aid, _ := p.AllocateArea(txn, 8)
	_ = f.DetachPage(p, UnfixDirty)

	use := NewUseInfo()
	use.RegisterArea(pid, aid)
	var progress Progress
	f.CheckUse(txn, use, &progress)
	if !progress.Consistent() {
		t.Fatalf("expected consistent, got %v", progress.Inconsistencies())
	}

	// An unregistered page is reported.
	pid2, _ := f.AllocatePage(txn)
	p2, _ := f.AttachPage(txn, pid2, FixWrite)
	_ = f.DetachPage(p2, UnfixDirty)
	var progress2 Progress
	f.CheckUse(txn, use, &progress2)
	if progress2.Consistent() {
		t.Fatal("expected an inconsistency for the unreferenced page")
	}
}
