package btree

import (
	"testing"
	"time"

	"github.com/btxdb/btx/internal/paged"
)

func TestModificationTimePacking(t *testing.T) {
	ts := time.Date(2026, time.August, 2, 13, 45, 7, 123e6, time.Local)
	d, c := packModification(ts)
	if d != 20260802 {
		t.Fatalf("packed date = %d", d)
	}
	if c != ((13*100+45)*100+7)*1000+123 {
		t.Fatalf("packed clock = %d", c)
	}
	back := unpackModification(d, c)
	if !back.Equal(ts) {
		t.Fatalf("roundtrip %v != %v", back, ts)
	}
}

func TestReadHeaderOfFreshFile(t *testing.T) {
	dir := t.TempDir()
	txn := paged.NewTxn()
	f, err := Create(txn, dir, u32Schema(NotUnique), Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustInsert(t, f, 1, 2, 3)
	if err := f.Close(txn); err != nil {
		t.Fatalf("close: %v", err)
	}

	fi, pages, err := ReadHeader(paged.NewTxn(), dir)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if fi.Version != CurrentFileVersion {
		t.Fatalf("version = %d", fi.Version)
	}
	if fi.TreeDepth != 1 || fi.TupleCount != 3 {
		t.Fatalf("header = %+v", fi)
	}
	if fi.RootPID != fi.TopLeafPID || fi.RootPID != fi.LastLeafPID {
		t.Fatalf("single-leaf header = %+v", fi)
	}
	if pages < 2 {
		t.Fatalf("tree pages = %d", pages)
	}
	if fi.Modified.IsZero() {
		t.Fatal("modification time not stamped")
	}
}

func TestInfoTracksMutations(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 3)
	mustInsert(t, f, 1, 2, 3, 4)
	fi, err := f.Info(paged.NewTxn())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if fi.TupleCount != 4 || fi.TreeDepth != 2 {
		t.Fatalf("info = %+v", fi)
	}
	if fi.TopLeafPID == fi.LastLeafPID {
		t.Fatal("expected distinct top and last leaves after the split")
	}
}
