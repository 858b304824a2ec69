package tnt

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Kind is the type tag of a Scalar.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt64
	KindUint64
	KindBytes
	KindBool
	KindFloat32
	KindFloat64
	KindNull
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindInt64:   "int64",
	KindUint64:  "uint64",
	KindBytes:   "bytes",
	KindBool:    "bool",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindNull:    "null",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Scalar is a single tuple field. The zero value is KindInvalid; use Null()
// for an explicit nil field.
//
// Numeric kinds share the bits field: Int64 and Uint64 store the two's
// complement value, Float32 and Float64 store IEEE bits. Bytes are always
// owned by the Scalar.
type Scalar struct {
	kind Kind
	bits uint64
	data []byte
}

func Int64Value(v int64) Scalar     { return Scalar{kind: KindInt64, bits: uint64(v)} }
func Uint64Value(v uint64) Scalar   { return Scalar{kind: KindUint64, bits: v} }
func BoolValue(v bool) Scalar       { return Scalar{kind: KindBool, bits: boolBits(v)} }
func Float32Value(v float32) Scalar { return Scalar{kind: KindFloat32, bits: uint64(math.Float32bits(v))} }
func Float64Value(v float64) Scalar { return Scalar{kind: KindFloat64, bits: math.Float64bits(v)} }
func Null() Scalar                  { return Scalar{kind: KindNull} }

// BytesValue copies v.
func BytesValue(v []byte) Scalar {
	return Scalar{kind: KindBytes, data: bytes.Clone(nonNilBytes(v))}
}

func StringValue(v string) Scalar {
	return Scalar{kind: KindBytes, data: []byte(v)}
}

// ownedBytesValue takes ownership of v without copying.
func ownedBytesValue(v []byte) Scalar {
	return Scalar{kind: KindBytes, data: nonNilBytes(v)}
}

func (s Scalar) Kind() Kind   { return s.kind }
func (s Scalar) IsNull() bool { return s.kind == KindNull }

func (s Scalar) Int64() (int64, error) {
	if s.kind != KindInt64 {
		return 0, s.mismatch(KindInt64)
	}
	return int64(s.bits), nil
}

func (s Scalar) Uint64() (uint64, error) {
	if s.kind != KindUint64 {
		return 0, s.mismatch(KindUint64)
	}
	return s.bits, nil
}

// Bytes returns the field's bytes. The slice is shared with the Scalar and
// must not be modified.
func (s Scalar) Bytes() ([]byte, error) {
	if s.kind != KindBytes {
		return nil, s.mismatch(KindBytes)
	}
	return s.data, nil
}

func (s Scalar) Str() (string, error) {
	if s.kind != KindBytes {
		return "", s.mismatch(KindBytes)
	}
	return string(s.data), nil
}

func (s Scalar) Bool() (bool, error) {
	if s.kind != KindBool {
		return false, s.mismatch(KindBool)
	}
	return s.bits != 0, nil
}

func (s Scalar) Float32() (float32, error) {
	if s.kind != KindFloat32 {
		return 0, s.mismatch(KindFloat32)
	}
	return math.Float32frombits(uint32(s.bits)), nil
}

func (s Scalar) Float64() (float64, error) {
	if s.kind != KindFloat64 {
		return 0, s.mismatch(KindFloat64)
	}
	return math.Float64frombits(s.bits), nil
}

// AsInt64 accepts either integer kind. The server sends non-negative numbers
// as unsigned, so callers that think in signed integers want this one.
func (s Scalar) AsInt64() (int64, error) {
	switch s.kind {
	case KindInt64:
		return int64(s.bits), nil
	case KindUint64:
		if s.bits > math.MaxInt64 {
			return 0, fmt.Errorf("%w: uint64 %d overflows int64", ErrTypeMismatch, s.bits)
		}
		return int64(s.bits), nil
	default:
		return 0, s.mismatch(KindInt64)
	}
}

// AsFloat64 accepts either float kind.
func (s Scalar) AsFloat64() (float64, error) {
	switch s.kind {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(s.bits))), nil
	case KindFloat64:
		return math.Float64frombits(s.bits), nil
	default:
		return 0, s.mismatch(KindFloat64)
	}
}

func (s Scalar) IsInteger() bool { return s.kind == KindInt64 || s.kind == KindUint64 }
func (s Scalar) IsFloat() bool   { return s.kind == KindFloat32 || s.kind == KindFloat64 }

func (s Scalar) Equal(o Scalar) bool {
	if s.kind != o.kind {
		return false
	}
	if s.kind == KindBytes {
		return bytes.Equal(s.data, o.data)
	}
	return s.bits == o.bits
}

func (s Scalar) String() string {
	switch s.kind {
	case KindInt64:
		return strconv.FormatInt(int64(s.bits), 10)
	case KindUint64:
		return strconv.FormatUint(s.bits, 10)
	case KindBytes:
		return strconv.Quote(string(s.data))
	case KindBool:
		return strconv.FormatBool(s.bits != 0)
	case KindFloat32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(s.bits))), 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(math.Float64frombits(s.bits), 'g', -1, 64)
	case KindNull:
		return "null"
	default:
		return "<invalid>"
	}
}

func (s Scalar) mismatch(want Kind) error {
	return fmt.Errorf("%w: field is %v, wanted %v", ErrTypeMismatch, s.kind, want)
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func nonNilBytes(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}
