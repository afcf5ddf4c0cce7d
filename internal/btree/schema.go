package btree

import (
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Schema
// ───────────────────────────────────────────────────────────────────────────

// FieldType is the scalar type of a field (or of an array field's elements).
type FieldType uint8

const (
	TypeInt32 FieldType = iota + 1
	TypeInt64
	TypeFloat64
	TypeString
	TypeBinary
)

func (t FieldType) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// Variable reports whether values of this type are variable-length.
func (t FieldType) Variable() bool {
	return t == TypeString || t == TypeBinary
}

// fixedSize returns the cell size of a fixed-length type.
func (t FieldType) fixedSize() int {
	switch t {
	case TypeInt32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Uniqueness is the constraint mode of an index.
type Uniqueness uint8

const (
	// NotUnique allows duplicate tuples.
	NotUnique Uniqueness = iota
	// KeyUnique rejects a second tuple with an equal key.
	KeyUnique
	// TupleUnique rejects a second tuple equal in every field; a NULL in
	// any participating field makes the tuples distinct.
	TupleUnique
)

func (u Uniqueness) String() string {
	switch u {
	case NotUnique:
		return "NotUnique"
	case KeyUnique:
		return "KeyUnique"
	case TupleUnique:
		return "TupleUnique"
	default:
		return fmt.Sprintf("Uniqueness(%d)", uint8(u))
	}
}

// FieldSpec describes one field of the tuple.
type FieldSpec struct {
	Name string
	Type FieldType

	// MaxLength is the stored payload size in bytes of an inside
	// variable-length field; 0 means unbounded (forces outside storage).
	// String payloads are UTF-16 code units, so MaxLength must be even.
	MaxLength int

	// Array marks a small-array field (value side only); Type is then the
	// element type.
	Array bool

	// Outside forces out-of-row storage of a variable-length field's value;
	// it has no effect on fixed-length fields.
	Outside bool

	// Descending flips the field's sort direction.
	Descending bool
}

// direction returns the sort multiplier of the field.
func (fs *FieldSpec) direction() int {
	if fs.Descending {
		return -1
	}
	return 1
}

// outside reports whether the field's cell is an outside reference.
func (fs *FieldSpec) outside() bool {
	if fs.Array {
		return true
	}
	if !fs.Type.Variable() {
		return false
	}
	return fs.Outside || fs.MaxLength == 0 || fs.MaxLength > maxInlineLength
}

// cellSize returns the field's in-row cell size.
func (fs *FieldSpec) cellSize() int {
	if fs.outside() {
		return objectIDDiskSize
	}
	if fs.Type.Variable() {
		return 1 + fs.MaxLength
	}
	return fs.Type.fixedSize()
}

// maxInlineLength is the largest inside variable payload; the inline cell
// stores its length in one byte.
const maxInlineLength = 255

// Schema fixes the field layout of an index at creation time.
type Schema struct {
	Fields     []FieldSpec
	KeyFields  int // the first KeyFields fields form the key tuple
	Uniqueness Uniqueness
}

// Validate checks the schema for internal consistency.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema has no fields", ErrBadArgument)
	}
	if s.KeyFields < 1 || s.KeyFields > len(s.Fields) {
		return fmt.Errorf("%w: key field count %d out of range", ErrBadArgument, s.KeyFields)
	}
	for i := range s.Fields {
		fs := &s.Fields[i]
		switch fs.Type {
		case TypeInt32, TypeInt64, TypeFloat64, TypeString, TypeBinary:
		default:
			return fmt.Errorf("%w: field %d has type %v", ErrNotSupported, i, fs.Type)
		}
		if fs.Array && i < s.KeyFields {
			return fmt.Errorf("%w: key field %d cannot be an array", ErrNotSupported, i)
		}
		if fs.Type == TypeString && fs.MaxLength%2 != 0 {
			return fmt.Errorf("%w: string field %d max length %d is odd", ErrBadArgument, i, fs.MaxLength)
		}
		if !fs.Type.Variable() && !fs.Array && fs.MaxLength != 0 {
			return fmt.Errorf("%w: fixed field %d has a max length", ErrBadArgument, i)
		}
	}
	return nil
}

// keySpecs returns the key field specs.
func (s *Schema) keySpecs() []FieldSpec { return s.Fields[:s.KeyFields] }

// valueSpecs returns the value field specs.
func (s *Schema) valueSpecs() []FieldSpec { return s.Fields[s.KeyFields:] }

// keyInline reports whether key tuples can live inside key slots. Any
// outside or unbounded key field forces key objects instead.
func (s *Schema) keyInline() bool {
	for i := range s.keySpecs() {
		if s.Fields[i].outside() {
			return false
		}
	}
	return true
}

// keyDirectSize returns the inline key part size: null bitmap plus cells.
func (s *Schema) keyDirectSize() int {
	n := (s.KeyFields + 7) / 8
	for i := range s.keySpecs() {
		n += s.Fields[i].cellSize()
	}
	return n
}
