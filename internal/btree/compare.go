package btree

import (
	"bytes"
	"strings"
)

// ───────────────────────────────────────────────────────────────────────────
// Tuple ordering
// ───────────────────────────────────────────────────────────────────────────
//
// Multi-field comparison applies each field's sort direction as a multiplier
// to the per-field result; the first non-zero wins. A null field yields a
// fixed decision before the value comparison: null orders below non-null,
// which the direction multiplier turns into null-first under ascending and
// null-last under descending. String comparison is NO PAD: on a tied
// prefix, shorter is less.

// compareField compares a single field without the direction multiplier.
func compareField(fs *FieldSpec, a, b *Value) int {
	if a.IsNull || b.IsNull {
		switch {
		case a.IsNull && b.IsNull:
			return 0
		case a.IsNull:
			return -1
		default:
			return 1
		}
	}
	switch fs.Type {
	case TypeInt32, TypeInt64:
		switch {
		case a.Int < b.Int:
			return -1
		case a.Int > b.Int:
			return 1
		}
		return 0
	case TypeFloat64:
		switch {
		case a.Float < b.Float:
			return -1
		case a.Float > b.Float:
			return 1
		}
		return 0
	case TypeString:
		return strings.Compare(a.Str, b.Str)
	case TypeBinary:
		return bytes.Compare(a.Bytes, b.Bytes)
	}
	return 0
}

// compareKeys orders two key tuples under the schema's per-field directions.
func (s *Schema) compareKeys(a, b Tuple) int {
	for i := 0; i < s.KeyFields; i++ {
		if c := compareField(&s.Fields[i], a[i], b[i]); c != 0 {
			return c * s.Fields[i].direction()
		}
	}
	return 0
}

// tuplesEqual reports whether two full tuples are equal for TupleUnique
// checking. A NULL in any participating field makes the tuples distinct.
func (s *Schema) tuplesEqual(a, b Tuple) bool {
	for i := range s.Fields {
		fs := &s.Fields[i]
		av, bv := a[i], b[i]
		if av.IsNull || bv.IsNull {
			return false
		}
		if fs.Array {
			if len(av.Elems) != len(bv.Elems) {
				return false
			}
			for j := range av.Elems {
				if av.Elems[j].IsNull || bv.Elems[j].IsNull {
					return false
				}
				if compareField(fs, av.Elems[j], bv.Elems[j]) != 0 {
					return false
				}
			}
			continue
		}
		if compareField(fs, av, bv) != 0 {
			return false
		}
	}
	return true
}
