package btree

import (
	"errors"
	"testing"
	"time"

	"github.com/btxdb/btx/internal/paged"
)

// scanAll drains a cursor into key/value int pairs.
func scanAll(t *testing.T, f *File, opts ScanOptions) [][2]int64 {
	t.Helper()
	c, err := f.OpenScan(paged.NewTxn(), opts)
	if err != nil {
		t.Fatalf("open scan: %v", err)
	}
	defer c.Close()
	var out [][2]int64
	for {
		tu, more, err := c.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !more {
			return out
		}
		out = append(out, [2]int64{tu[0].Int, tu[1].Int})
	}
}

func TestInsertFetchDeleteRoundTrip(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 0)
	mustInsert(t, f, 42)

	tu, err := f.Fetch(paged.NewTxn(), intKey(42))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tu[0].Int != 42 || tu[1].Int != 420 {
		t.Fatalf("fetch returned %v", tu)
	}

	mustDelete(t, f, 42)
	if _, err := f.Fetch(paged.NewTxn(), intKey(42)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("fetch after delete: %v", err)
	}
	if err := f.Delete(paged.NewTxn(), intKey(42)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestOrderedScan(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 4)
	// A deterministic shuffle: multiples of 7 mod 101 hit 1..100 once each.
	for i := int64(1); i <= 100; i++ {
		mustInsert(t, f, (i*7)%101)
	}

	rows := scanAll(t, f, ScanOptions{})
	if len(rows) != 100 {
		t.Fatalf("scan returned %d rows", len(rows))
	}
	for i, r := range rows {
		if r[0] != int64(i+1) {
			t.Fatalf("row %d has key %d", i, r[0])
		}
	}

	// Bounded range, inclusive on both ends.
	rows = scanAll(t, f, ScanOptions{Start: intKey(10), End: intKey(20)})
	if len(rows) != 11 || rows[0][0] != 10 || rows[10][0] != 20 {
		t.Fatalf("range scan returned %v", rows)
	}

	// Reverse scan.
	rows = scanAll(t, f, ScanOptions{Start: intKey(10), End: intKey(20), Reverse: true})
	if len(rows) != 11 || rows[0][0] != 20 || rows[10][0] != 10 {
		t.Fatalf("reverse scan returned %v", rows)
	}

	// Scans under the page cache release their pins at EndPageCache.
	f.StartPageCache()
	rows = scanAll(t, f, ScanOptions{})
	f.EndPageCache()
	if len(rows) != 100 {
		t.Fatalf("cached scan returned %d rows", len(rows))
	}
}

func TestClearEmptiesEverything(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 4)
	mustInsert(t, f, 1, 2, 3, 4, 5, 6, 7, 8)
	if err := f.Clear(paged.NewTxn()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := mustCount(t, f); n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	if rows := scanAll(t, f, ScanOptions{}); len(rows) != 0 {
		t.Fatalf("scan after clear returned %v", rows)
	}
	mustVerify(t, f)
	mustInsert(t, f, 9)
	if n := mustCount(t, f); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	schema := u32Schema(NotUnique)
	txn := paged.NewTxn()
	f, err := Create(txn, dir, schema, Options{PageSize: 4096, Fanout: 4})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustInsert(t, f, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if err := f.Close(txn); err != nil {
		t.Fatalf("close: %v", err)
	}

	g, err := Open(paged.NewTxn(), dir, schema, Options{PageSize: 4096, Fanout: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close(paged.NewTxn())
	if n := mustCount(t, g); n != 10 {
		t.Fatalf("count after reopen = %d", n)
	}
	for i := int64(1); i <= 10; i++ {
		if _, err := g.Fetch(paged.NewTxn(), intKey(i)); err != nil {
			t.Fatalf("fetch %d after reopen: %v", i, err)
		}
	}
	mustVerify(t, g)
}

func TestUpdateInPlaceAndKeyChange(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 4)
	mustInsert(t, f, 1, 2, 3)

	// Same key: value rewritten in place.
	if err := f.Update(paged.NewTxn(), intKey(2), intTuple(2, 999)); err != nil {
		t.Fatalf("update in place: %v", err)
	}
	tu, err := f.Fetch(paged.NewTxn(), intKey(2))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tu[1].Int != 999 {
		t.Fatalf("value = %d", tu[1].Int)
	}

	// Key change: the tuple moves.
	if err := f.Update(paged.NewTxn(), intKey(2), intTuple(42, 999)); err != nil {
		t.Fatalf("update key: %v", err)
	}
	if _, err := f.Fetch(paged.NewTxn(), intKey(2)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("old key still present: %v", err)
	}
	tu, err = f.Fetch(paged.NewTxn(), intKey(42))
	if err != nil {
		t.Fatalf("fetch new key: %v", err)
	}
	if tu[1].Int != 999 {
		t.Fatalf("moved value = %d", tu[1].Int)
	}
	if n := mustCount(t, f); n != 3 {
		t.Fatalf("count = %d", n)
	}
	mustVerify(t, f)

	// Update of a missing key reports absence.
	if err := f.Update(paged.NewTxn(), intKey(77), intTuple(77, 1)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func TestUpdateUniqueRecheck(t *testing.T) {
	f := createTestFile(t, u32Schema(KeyUnique), 4)
	mustInsert(t, f, 1, 2)
	err := f.Update(paged.NewTxn(), intKey(1), intTuple(2, 5))
	if !errors.Is(err, ErrUniquenessViolation) {
		t.Fatalf("update onto taken key: %v", err)
	}
	// Nothing moved.
	if _, err := f.Fetch(paged.NewTxn(), intKey(1)); err != nil {
		t.Fatalf("original tuple gone: %v", err)
	}
	mustVerify(t, f)
}

func TestTupleUniqueNullIsDistinct(t *testing.T) {
	f := createTestFile(t, u32Schema(TupleUnique), 4)
	txn := paged.NewTxn()
	// Equal keys, null values: a NULL short-circuits as distinct.
	if err := f.Insert(txn, Tuple{NewInt(5), Null}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := f.Insert(paged.NewTxn(), Tuple{NewInt(5), Null}); err != nil {
		t.Fatalf("second null insert should pass: %v", err)
	}
	// A fully equal non-null tuple violates.
	if err := f.Insert(paged.NewTxn(), intTuple(6, 60)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := f.Insert(paged.NewTxn(), intTuple(6, 60)); !errors.Is(err, ErrUniquenessViolation) {
		t.Fatalf("duplicate tuple: %v", err)
	}
	// Same key, different value is allowed under TupleUnique.
	if err := f.Insert(paged.NewTxn(), intTuple(6, 61)); err != nil {
		t.Fatalf("same key different value: %v", err)
	}
	mustVerify(t, f)
}

func TestRecoverToTimestampStaysConsistent(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 4)
	txn := paged.NewTxn()
	mustInsert(t, f, 1, 2, 3, 4, 5)
	if err := f.Flush(txn); err != nil {
		t.Fatalf("flush: %v", err)
	}

	point := time.Now()
	time.Sleep(20 * time.Millisecond)
	mustInsert(t, f, 6, 7, 8)

	if err := f.Recover(txn, point); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n := mustCount(t, f); n != 5 {
		t.Fatalf("count after recover = %d", n)
	}
	if _, err := f.Fetch(paged.NewTxn(), intKey(7)); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("rolled-back key still present: %v", err)
	}
	mustVerify(t, f)

	// The recovered file keeps working.
	mustInsert(t, f, 6)
	if n := mustCount(t, f); n != 6 {
		t.Fatalf("count = %d", n)
	}
	mustVerify(t, f)
}

func TestNotUniqueDuplicateKeys(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 4)
	for i := 0; i < 3; i++ {
		if err := f.Insert(paged.NewTxn(), intTuple(9, int64(i))); err != nil {
			t.Fatalf("insert dup %d: %v", i, err)
		}
	}
	if n := mustCount(t, f); n != 3 {
		t.Fatalf("count = %d", n)
	}
	rows := scanAll(t, f, ScanOptions{Start: intKey(9), End: intKey(9)})
	if len(rows) != 3 {
		t.Fatalf("scan found %d duplicates", len(rows))
	}
	mustVerify(t, f)
	// Delete removes one instance at a time.
	mustDelete(t, f, 9, 9, 9)
	if n := mustCount(t, f); n != 0 {
		t.Fatalf("count = %d", n)
	}
}
