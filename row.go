package tnt

import (
	"fmt"
	"strings"
)

// Row is one decoded tuple. It owns its data and stays valid after the reply
// it was read from is gone.
type Row []Scalar

func (r Row) FieldCount() int {
	return len(r)
}

func (r Row) Field(i int) (Scalar, error) {
	if i < 0 || i >= len(r) {
		return Scalar{}, fmt.Errorf("%w: field %d of %d", ErrOutOfRange, i, len(r))
	}
	return r[i], nil
}

func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i, v := range r {
		if !v.Equal(o[i]) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var buf strings.Builder
	buf.WriteByte('[')
	for i, v := range r {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte(']')
	return buf.String()
}
