package btree

import (
	"bytes"
	"testing"

	"github.com/btxdb/btx/internal/paged"
)

// outsideSchema maps an int32 key to one unbounded binary field, which is
// forced outside.
func outsideSchema() *Schema {
	return &Schema{
		Fields: []FieldSpec{
			{Name: "k", Type: TypeInt32},
			{Name: "blob", Type: TypeBinary},
		},
		KeyFields: 1,
	}
}

// fragmentTypes walks a variable chain and returns the type byte of each
// fragment.
func fragmentTypes(t *testing.T, f *File, op *operation, pf *paged.File, oid ObjectID) []byte {
	t.Helper()
	var types []byte
	for !oid.Undefined() {
		pg, err := op.attach(pf, oid.Page(), paged.FixRead)
		if err != nil {
			t.Fatalf("attach fragment: %v", err)
		}
		buf := pg.Area(oid.Area())
		types = append(types, buf[0])
		if buf[0] == objDivide || buf[0] == objDivideCompressed {
			oid = getObjectID(buf[1:])
		} else {
			oid = UndefinedObjectID
		}
	}
	return types
}

// Scenario: a 10 KiB value on 4 KiB pages frames into two Divide
// fragments plus one Normal terminator and reads back bit-identically.
func TestOutsideValueDivideChain(t *testing.T) {
	f := createTestFile(t, outsideSchema(), 0)
	blob := make([]byte, 10*1024)
	for i := range blob {
		blob[i] = byte(i * 31)
	}
	if err := f.Insert(paged.NewTxn(), Tuple{NewInt(1), NewBytes(blob)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tu, err := f.Fetch(paged.NewTxn(), intKey(1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(tu[1].Bytes, blob) {
		t.Fatal("outside value did not round-trip")
	}

	// Inspect the chain: representative cell -> head of the chain.
	op, err := f.beginOp(paged.NewTxn(), false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer op.succeed()
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if err != nil {
		t.Fatalf("file info: %v", err)
	}
	_, leaf, err := f.descend(op, fi, intKey(1), paged.FixRead)
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	_, rep, err := f.representativeArea(op, leaf.valueOID(0), paged.FixRead)
	if err != nil {
		t.Fatalf("representative: %v", err)
	}
	cell := rep[9+1:] // type, back-link, 1-byte null bitmap
	types := fragmentTypes(t, f, op, f.vf, getObjectID(cell))
	want := []byte{objDivide, objDivide, objNormal}
	if !bytes.Equal(types, want) {
		t.Fatalf("fragment types = %x, want %x", types, want)
	}
	mustVerify(t, f)

	// Expunging the tuple releases the whole chain.
	mustDelete(t, f, 1)
	mustVerify(t, f)
}

func TestCompressedFraming(t *testing.T) {
	f := createTestFile(t, outsideSchema(), 0)
	txn := paged.NewTxn()
	op, err := f.beginOp(txn, true)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	payload := bytes.Repeat([]byte{0x5C}, 9000)
	ci := &compressInfo{uncompressedLen: 40000, compressedLen: uint32(len(payload))}
	oid, err := op.writeVariable(f.vf, payload, ci, false)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	got, gotCI, err := op.readVariable(f.vf, oid)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("compressed payload did not round-trip")
	}
	if gotCI == nil || gotCI.uncompressedLen != 40000 || gotCI.compressedLen != uint32(len(payload)) {
		t.Fatalf("compress header = %+v", gotCI)
	}
	// The head fragment of a divided compressed chain carries the
	// DivideCompressed type; the lengths appear only there.
	types := fragmentTypes(t, f, op, f.vf, oid)
	if types[0] != objDivideCompressed {
		t.Fatalf("head fragment type = %x", types[0])
	}
	for _, ty := range types[1 : len(types)-1] {
		if ty != objDivide {
			t.Fatalf("middle fragment type = %x", ty)
		}
	}
	if types[len(types)-1] != objNormal {
		t.Fatalf("tail fragment type = %x", types[len(types)-1])
	}
	if err := op.succeed(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func arraySchema() *Schema {
	return &Schema{
		Fields: []FieldSpec{
			{Name: "k", Type: TypeInt32},
			{Name: "vals", Type: TypeInt32, Array: true},
		},
		KeyFields: 1,
	}
}

func TestArrayFieldChaining(t *testing.T) {
	f := createTestFile(t, arraySchema(), 0)
	elems := make([]*Value, 1500)
	for i := range elems {
		if i%97 == 0 {
			elems[i] = Null
		} else {
			elems[i] = NewInt(int64(i))
		}
	}
	if err := f.Insert(paged.NewTxn(), Tuple{NewInt(1), NewArray(elems...)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tu, err := f.Fetch(paged.NewTxn(), intKey(1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got := tu[1].Elems
	if len(got) != len(elems) {
		t.Fatalf("array length %d, want %d", len(got), len(elems))
	}
	for i := range elems {
		if elems[i].IsNull != got[i].IsNull {
			t.Fatalf("element %d null mismatch", i)
		}
		if !elems[i].IsNull && got[i].Int != elems[i].Int {
			t.Fatalf("element %d = %d", i, got[i].Int)
		}
	}
	mustVerify(t, f)
	mustDelete(t, f, 1)
	mustVerify(t, f)
}

func TestInlineStringRoundTrip(t *testing.T) {
	schema := &Schema{
		Fields: []FieldSpec{
			{Name: "k", Type: TypeInt32},
			{Name: "name", Type: TypeString, MaxLength: 32},
		},
		KeyFields: 1,
	}
	f := createTestFile(t, schema, 0)
	if err := f.Insert(paged.NewTxn(), Tuple{NewInt(1), NewString("héllo wörld")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tu, err := f.Fetch(paged.NewTxn(), intKey(1))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tu[1].Str != "héllo wörld" {
		t.Fatalf("string = %q", tu[1].Str)
	}

	// Oversize payloads are rejected, not truncated.
	long := make([]rune, 20)
	for i := range long {
		long[i] = 'ü' // two bytes per UTF-16 code unit, 40 > 32
	}
	err = f.Insert(paged.NewTxn(), Tuple{NewInt(2), NewString(string(long))})
	if err == nil {
		t.Fatal("oversize inline string accepted")
	}
}

func TestStringKeyNoPadOrdering(t *testing.T) {
	schema := &Schema{
		Fields: []FieldSpec{
			{Name: "k", Type: TypeString, MaxLength: 16},
			{Name: "v", Type: TypeInt32},
		},
		KeyFields:  1,
		Uniqueness: KeyUnique,
	}
	f := createTestFile(t, schema, 0)
	for _, s := range []string{"abc", "ab", "b", "a"} {
		if err := f.Insert(paged.NewTxn(), Tuple{NewString(s), NewInt(int64(len(s)))}); err != nil {
			t.Fatalf("insert %q: %v", s, err)
		}
	}
	c, err := f.OpenScan(paged.NewTxn(), ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer c.Close()
	var got []string
	for {
		tu, more, err := c.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !more {
			break
		}
		got = append(got, tu[0].Str)
	}
	want := []string{"a", "ab", "abc", "b"}
	if len(got) != len(want) {
		t.Fatalf("scan = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan = %v, want %v", got, want)
		}
	}
}

func TestKeyObjectMode(t *testing.T) {
	// An unbounded string key cannot inline, so keys become key objects.
	schema := &Schema{
		Fields: []FieldSpec{
			{Name: "k", Type: TypeString},
			{Name: "v", Type: TypeInt32},
		},
		KeyFields:  1,
		Uniqueness: KeyUnique,
	}
	f := createTestFile(t, schema, 3)
	if f.layout.keyInline {
		t.Fatal("expected key-object layout")
	}
	words := []string{"delta", "alpha", "echo", "charlie", "bravo", "golf", "foxtrot"}
	for i, w := range words {
		if err := f.Insert(paged.NewTxn(), Tuple{NewString(w), NewInt(int64(i))}); err != nil {
			t.Fatalf("insert %q: %v", w, err)
		}
	}
	mustVerify(t, f)
	for _, w := range words {
		tu, err := f.Fetch(paged.NewTxn(), Tuple{NewString(w)})
		if err != nil {
			t.Fatalf("fetch %q: %v", w, err)
		}
		if tu[0].Str != w {
			t.Fatalf("fetch %q returned %q", w, tu[0].Str)
		}
	}
	for _, w := range []string{"alpha", "golf", "delta"} {
		if err := f.Delete(paged.NewTxn(), Tuple{NewString(w)}); err != nil {
			t.Fatalf("delete %q: %v", w, err)
		}
	}
	mustVerify(t, f)
}
