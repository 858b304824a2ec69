package tnttable

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andreyvit/tnt"
)

type ColumnType int

const (
	Int ColumnType = iota
	Uint
	String
	Bytes
	Bool
	Float
	Double
	// Timestamp is stored as integer unix seconds and read back in UTC.
	Timestamp
)

var columnTypeNames = [...]string{
	Int:       "int",
	Uint:      "uint",
	String:    "string",
	Bytes:     "bytes",
	Bool:      "bool",
	Float:     "float",
	Double:    "double",
	Timestamp: "timestamp",
}

func (ct ColumnType) String() string {
	if ct >= 0 && int(ct) < len(columnTypeNames) {
		return columnTypeNames[ct]
	}
	return fmt.Sprintf("ColumnType(%d)", int(ct))
}

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

var ErrNotNullable = errors.New("null value in non-nullable column")

// ColumnError is a value that cannot be mapped to or from its column.
type ColumnError struct {
	Column string
	Index  int
	Value  any
	Err    error
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("column %d (%s): %v (value %v)", e.Index, e.Column, e.Err, e.Value)
}

func (e *ColumnError) Unwrap() error {
	return e.Err
}

func columnErr(col Column, i int, v any, err error) error {
	return &ColumnError{Column: col.Name, Index: i, Value: v, Err: err}
}

// toScalar maps a Go value to the scalar stored for col.
func toScalar(col Column, i int, v any) (tnt.Scalar, error) {
	if v == nil {
		if !col.Nullable {
			return tnt.Scalar{}, columnErr(col, i, v, ErrNotNullable)
		}
		return tnt.Null(), nil
	}
	mismatch := func() (tnt.Scalar, error) {
		return tnt.Scalar{}, columnErr(col, i, v, fmt.Errorf("%w: %T for %v column", tnt.ErrTypeMismatch, v, col.Type))
	}

	switch col.Type {
	case Int:
		if n, ok := signed(v); ok {
			return tnt.Int64Value(n), nil
		}
		if u, ok := unsigned(v); ok && u <= math.MaxInt64 {
			return tnt.Int64Value(int64(u)), nil
		}
	case Uint:
		if u, ok := unsigned(v); ok {
			return tnt.Uint64Value(u), nil
		}
		if n, ok := signed(v); ok && n >= 0 {
			return tnt.Uint64Value(uint64(n)), nil
		}
	case String, Bytes:
		switch v := v.(type) {
		case string:
			return tnt.StringValue(v), nil
		case []byte:
			return tnt.BytesValue(v), nil
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return tnt.BoolValue(b), nil
		}
	case Float:
		switch v := v.(type) {
		case float32:
			return tnt.Float32Value(v), nil
		case float64:
			return tnt.Float32Value(float32(v)), nil
		}
	case Double:
		switch v := v.(type) {
		case float32:
			return tnt.Float64Value(float64(v)), nil
		case float64:
			return tnt.Float64Value(v), nil
		}
	case Timestamp:
		switch v := v.(type) {
		case time.Time:
			return tnt.Int64Value(v.Unix()), nil
		case int64:
			return tnt.Int64Value(v), nil
		}
	}
	return mismatch()
}

func signed(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func unsigned(v any) (uint64, bool) {
	switch v := v.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}

// fromScalar maps a decoded field back to the Go value for col. Integers
// convert into float columns; everything else must match.
func fromScalar(col Column, i int, s tnt.Scalar) (any, error) {
	if s.IsNull() {
		return nil, nil
	}
	var v any
	var err error
	switch col.Type {
	case Int:
		v, err = s.AsInt64()
	case Uint:
		if n, nerr := s.Int64(); nerr == nil {
			if n < 0 {
				err = fmt.Errorf("%w: negative %d for uint column", tnt.ErrTypeMismatch, n)
			} else {
				v = uint64(n)
			}
		} else {
			v, err = s.Uint64()
		}
	case String:
		v, err = s.Str()
	case Bytes:
		v, err = s.Bytes()
	case Bool:
		v, err = s.Bool()
	case Float:
		var f float64
		f, err = asFloat(s)
		v = float32(f)
	case Double:
		v, err = asFloat(s)
	case Timestamp:
		var sec int64
		sec, err = s.AsInt64()
		v = time.Unix(sec, 0).UTC()
	default:
		err = fmt.Errorf("%w: %v", tnt.ErrUnsupportedType, col.Type)
	}
	if err != nil {
		return nil, columnErr(col, i, s, err)
	}
	return v, nil
}

func asFloat(s tnt.Scalar) (float64, error) {
	if s.IsInteger() {
		if u, err := s.Uint64(); err == nil {
			return float64(u), nil
		}
		n, err := s.Int64()
		return float64(n), err
	}
	return s.AsFloat64()
}
