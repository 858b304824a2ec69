package fixture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Storage keys order integers numerically (signed and unsigned encodings of
// the same value collide), then strings and binaries bytewise, then any
// other scalar by its msgpack encoding.
const (
	keyTagInt     byte = 0x20
	keyTagBigUint byte = 0x21
	keyTagBytes   byte = 0x30
	keyTagOther   byte = 0x40
)

// storageKey converts one msgpack-encoded key field into its storage key.
func storageKey(field []byte) ([]byte, error) {
	if len(field) == 0 {
		return nil, fmt.Errorf("empty key field")
	}
	dec := msgpack.NewDecoder(bytes.NewReader(field))
	c := field[0]
	switch {
	case c <= msgpcode.PosFixedNumHigh, c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		u, err := dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		return uintKey(u), nil
	case c >= msgpcode.NegFixedNumLow, c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		i, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		if i >= 0 {
			return uintKey(uint64(i)), nil
		}
		return intKey(i), nil
	case msgpcode.IsString(c), msgpcode.IsBin(c):
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		return append([]byte{keyTagBytes}, b...), nil
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32,
		msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return nil, fmt.Errorf("key field must be a scalar, got code %#x", c)
	default:
		return append([]byte{keyTagOther}, field...), nil
	}
}

func uintKey(u uint64) []byte {
	if u > math.MaxInt64 {
		return binary.BigEndian.AppendUint64([]byte{keyTagBigUint}, u)
	}
	return intKey(int64(u))
}

func intKey(i int64) []byte {
	return binary.BigEndian.AppendUint64([]byte{keyTagInt}, uint64(i)^(1<<63))
}

// splitArray returns the raw msgpack of each element of the array in b,
// which must hold nothing else. The slices alias b.
func splitArray(b []byte) ([][]byte, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("not an array: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("not an array: nil")
	}
	fields := make([][]byte, 0, min(n, r.Len()))
	for i := 0; i < n; i++ {
		start := len(b) - r.Len()
		if err := dec.Skip(); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		fields = append(fields, b[start:len(b)-r.Len()])
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after array", r.Len())
	}
	return fields, nil
}
