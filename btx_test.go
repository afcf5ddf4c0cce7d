package btx

import (
	"errors"
	"testing"
)

func smokeSchema() *Schema {
	return &Schema{
		Fields: []FieldSpec{
			{Name: "id", Type: TypeInt64},
			{Name: "name", Type: TypeString, MaxLength: 32},
			{Name: "payload", Type: TypeBinary},
		},
		KeyFields:  1,
		Uniqueness: KeyUnique,
	}
}

func TestFacadeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	txn := NewTxn()
	ix, err := Create(txn, dir, smokeSchema(), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	blob := make([]byte, 3000)
	for i := range blob {
		blob[i] = byte(i)
	}
	rows := []Tuple{
		{NewInt(3), NewString("carol"), NewBytes(blob)},
		{NewInt(1), NewString("alice"), Null},
		{NewInt(2), NewString("bob"), NewBytes([]byte{1, 2, 3})},
	}
	for _, r := range rows {
		if err := ix.Insert(NewTxn(), r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := ix.Insert(NewTxn(), rows[1]); !errors.Is(err, ErrUniquenessViolation) {
		t.Fatalf("duplicate key: %v", err)
	}

	c, err := ix.OpenScan(NewTxn(), ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var names []string
	for {
		tu, more, err := c.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !more {
			break
		}
		names = append(names, tu[1].Str)
	}
	c.Close()
	want := []string{"alice", "bob", "carol"}
	if len(names) != 3 {
		t.Fatalf("scan names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("scan names = %v, want %v", names, want)
		}
	}

	var progress Progress
	if err := ix.Verify(NewTxn(), &progress); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !progress.Consistent() {
		t.Fatalf("verify: %v", progress.Inconsistencies())
	}

	est, err := ix.Estimate(NewTxn())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.TupleCount != 3 || est.FileSize <= 0 {
		t.Fatalf("estimate = %+v", est)
	}

	if err := ix.Close(NewTxn()); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and read back.
	ix, err = Open(NewTxn(), dir, smokeSchema(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ix.Close(NewTxn())
	tu, err := ix.Fetch(NewTxn(), Tuple{NewInt(3)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tu[1].Str != "carol" || len(tu[2].Bytes) != 3000 {
		t.Fatalf("fetch returned %v", tu)
	}
}
