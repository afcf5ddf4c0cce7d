package btree

import (
	"testing"

	"github.com/btxdb/btx/internal/paged"
)

func TestCompareKeys_Directions(t *testing.T) {
	asc := &Schema{Fields: []FieldSpec{{Name: "k", Type: TypeInt64}}, KeyFields: 1}
	desc := &Schema{Fields: []FieldSpec{{Name: "k", Type: TypeInt64, Descending: true}}, KeyFields: 1}

	if c := asc.compareKeys(Tuple{NewInt(1)}, Tuple{NewInt(2)}); c >= 0 {
		t.Fatalf("ascending 1 vs 2 = %d", c)
	}
	if c := desc.compareKeys(Tuple{NewInt(1)}, Tuple{NewInt(2)}); c <= 0 {
		t.Fatalf("descending 1 vs 2 = %d", c)
	}

	// Null first under ascending, last under descending.
	if c := asc.compareKeys(Tuple{Null}, Tuple{NewInt(1)}); c >= 0 {
		t.Fatalf("ascending null vs 1 = %d", c)
	}
	if c := desc.compareKeys(Tuple{Null}, Tuple{NewInt(1)}); c <= 0 {
		t.Fatalf("descending null vs 1 = %d", c)
	}
	if c := asc.compareKeys(Tuple{Null}, Tuple{Null}); c != 0 {
		t.Fatalf("null vs null = %d", c)
	}
}

func TestCompareKeys_MultiField(t *testing.T) {
	s := &Schema{
		Fields: []FieldSpec{
			{Name: "a", Type: TypeInt32},
			{Name: "b", Type: TypeInt32, Descending: true},
		},
		KeyFields: 2,
	}
	// First field decides.
	if c := s.compareKeys(Tuple{NewInt(1), NewInt(9)}, Tuple{NewInt(2), NewInt(0)}); c >= 0 {
		t.Fatalf("first-field compare = %d", c)
	}
	// Tie on the first field: the second (descending) decides.
	if c := s.compareKeys(Tuple{NewInt(1), NewInt(9)}, Tuple{NewInt(1), NewInt(0)}); c >= 0 {
		t.Fatalf("second-field compare = %d", c)
	}
}

func TestCompare_NoPadStrings(t *testing.T) {
	fs := &FieldSpec{Name: "s", Type: TypeString}
	if c := compareField(fs, NewString("ab"), NewString("abc")); c >= 0 {
		t.Fatalf("NO PAD: ab vs abc = %d", c)
	}
	if c := compareField(fs, NewString("ab"), NewString("ab ")); c >= 0 {
		t.Fatalf("NO PAD: trailing space must compare greater, got %d", c)
	}
}

// Open-question pin: on a page mixing NULL and non-NULL keys under a
// descending direction, the NULLs sort to the high end.
func TestMixedNullPageDescending(t *testing.T) {
	schema := &Schema{
		Fields: []FieldSpec{
			{Name: "k", Type: TypeInt32, Descending: true},
			{Name: "v", Type: TypeInt32},
		},
		KeyFields: 1,
	}
	f := createTestFile(t, schema, 0)
	for _, k := range []int64{1, 3, 2} {
		mustInsert(t, f, k)
	}
	if err := f.Insert(paged.NewTxn(), Tuple{Null, NewInt(0)}); err != nil {
		t.Fatalf("insert null key: %v", err)
	}

	c, err := f.OpenScan(paged.NewTxn(), ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer c.Close()
	var got []*Value
	for {
		tu, more, err := c.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !more {
			break
		}
		got = append(got, tu[0])
	}
	if len(got) != 4 {
		t.Fatalf("scan returned %d rows", len(got))
	}
	wantInts := []int64{3, 2, 1}
	for i, w := range wantInts {
		if got[i].IsNull || got[i].Int != w {
			t.Fatalf("row %d = %+v, want %d", i, got[i], w)
		}
	}
	if !got[3].IsNull {
		t.Fatalf("last row should be the NULL key, got %+v", got[3])
	}
	mustVerify(t, f)
}

// The shared NULL sentinel comes back from reads instead of a fresh
// allocation.
func TestNullSentinelShared(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 0)
	if err := f.Insert(paged.NewTxn(), Tuple{NewInt(1), Null}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tu, err := f.Fetch(paged.NewTxn(), intKey(1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tu[1] != Null {
		t.Fatalf("null field is %p, want the shared sentinel %p", tu[1], Null)
	}
}
