package btree

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// ───────────────────────────────────────────────────────────────────────────
// Values and tuples
// ───────────────────────────────────────────────────────────────────────────

// Value is one field value. Which member is meaningful is decided by the
// schema, not by a tag.
type Value struct {
	IsNull bool
	Int    int64    // TypeInt32, TypeInt64
	Float  float64  // TypeFloat64
	Str    string   // TypeString
	Bytes  []byte   // TypeBinary
	Elems  []*Value // array fields
}

// Null is the shared NULL sentinel. Reads return this one instance for
// every null field instead of allocating.
var Null = &Value{IsNull: true}

// NewInt makes an integer value.
func NewInt(v int64) *Value { return &Value{Int: v} }

// NewFloat makes a float value.
func NewFloat(v float64) *Value { return &Value{Float: v} }

// NewString makes a string value.
func NewString(v string) *Value { return &Value{Str: v} }

// NewBytes makes a binary value.
func NewBytes(v []byte) *Value { return &Value{Bytes: v} }

// NewArray makes an array value.
func NewArray(elems ...*Value) *Value { return &Value{Elems: elems} }

// Tuple is an ordered list of field values.
type Tuple []*Value

// Key returns the key prefix of a full tuple.
func (t Tuple) Key(s *Schema) Tuple { return t[:s.KeyFields] }

// valuePart returns the value suffix of a full tuple.
func (t Tuple) valuePart(s *Schema) Tuple { return t[s.KeyFields:] }

// ───────────────────────────────────────────────────────────────────────────
// UTF-16 string codec
// ───────────────────────────────────────────────────────────────────────────

// String payloads are stored as UTF-16LE so that truncation and fragment
// boundaries fall on code-unit boundaries.
var utf16Codec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeUTF16(s string) ([]byte, error) {
	b, err := utf16Codec.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode utf-16: %w", err)
	}
	return b, nil
}

func decodeUTF16(b []byte) (string, error) {
	out, err := utf16Codec.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode utf-16: %w", err)
	}
	return string(out), nil
}

// ───────────────────────────────────────────────────────────────────────────
// Null bitmap
// ───────────────────────────────────────────────────────────────────────────

// nullBitmapSize returns the bitmap size for n fields.
func nullBitmapSize(n int) int { return (n + 7) / 8 }

func bitmapGet(bm []byte, i int) bool { return bm[i/8]&(1<<uint(i%8)) != 0 }

func bitmapSet(bm []byte, i int) { bm[i/8] |= 1 << uint(i%8) }

// ───────────────────────────────────────────────────────────────────────────
// Scalar cell codec
// ───────────────────────────────────────────────────────────────────────────

// putFixedCell writes a fixed-length scalar into dst.
func putFixedCell(dst []byte, fs *FieldSpec, v *Value) {
	switch fs.Type {
	case TypeInt32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v.Int)))
	case TypeInt64:
		binary.LittleEndian.PutUint64(dst, uint64(v.Int))
	case TypeFloat64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v.Float))
	}
}

// getFixedCell reads a fixed-length scalar from src.
func getFixedCell(src []byte, fs *FieldSpec) *Value {
	switch fs.Type {
	case TypeInt32:
		return &Value{Int: int64(int32(binary.LittleEndian.Uint32(src)))}
	case TypeInt64:
		return &Value{Int: int64(binary.LittleEndian.Uint64(src))}
	case TypeFloat64:
		return &Value{Float: math.Float64frombits(binary.LittleEndian.Uint64(src))}
	}
	return Null
}

// variablePayload returns the stored byte representation of a
// variable-length value.
func variablePayload(fs *FieldSpec, v *Value) ([]byte, error) {
	if fs.Type == TypeString {
		return encodeUTF16(v.Str)
	}
	return v.Bytes, nil
}

// variableValue reconstructs a Value from a stored payload.
func variableValue(fs *FieldSpec, payload []byte) (*Value, error) {
	if fs.Type == TypeString {
		s, err := decodeUTF16(payload)
		if err != nil {
			return nil, err
		}
		return &Value{Str: s}, nil
	}
	return &Value{Bytes: append([]byte{}, payload...)}, nil
}

// putInlineVarCell writes an inside variable cell: u8 length, payload,
// zero padding up to MaxLength.
func putInlineVarCell(dst []byte, fs *FieldSpec, v *Value) error {
	payload, err := variablePayload(fs, v)
	if err != nil {
		return err
	}
	if len(payload) > fs.MaxLength {
		return fmt.Errorf("%w: field %q payload %d bytes exceeds max %d",
			ErrBadArgument, fs.Name, len(payload), fs.MaxLength)
	}
	dst[0] = byte(len(payload))
	copy(dst[1:], payload)
	for i := 1 + len(payload); i < 1+fs.MaxLength; i++ {
		dst[i] = 0
	}
	return nil
}

// getInlineVarCell reads an inside variable cell.
func getInlineVarCell(src []byte, fs *FieldSpec) (*Value, error) {
	l := int(src[0])
	return variableValue(fs, src[1:1+l])
}
