package tnt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const initialTupleCap = 64

// TupleBuilder encodes scalars, in push order, into a msgpack array. The
// array header is written up front for the declared field count, so pushing
// more fields than declared fails with ErrEncodingOverflow. The byte buffer
// itself grows as needed.
//
// Push methods return the builder for chaining. The first error sticks and
// turns later pushes into no-ops; check it with Err or Tuple.
type TupleBuilder struct {
	bb     bytesBuilder
	enc    *msgpack.Encoder
	fields int
	pushed int
	err    error
}

func NewTupleBuilder(fieldCount int) *TupleBuilder {
	b := &TupleBuilder{fields: fieldCount}
	if fieldCount < 0 {
		b.err = fmt.Errorf("%w: negative field count %d", ErrEncodingOverflow, fieldCount)
		return b
	}
	b.bb.EnsureExtra(initialTupleCap)
	b.enc = msgpack.NewEncoder(&b.bb)
	b.err = b.enc.EncodeArrayLen(fieldCount)
	return b
}

// EncodeTuple encodes values as a complete tuple.
func EncodeTuple(values ...Scalar) ([]byte, error) {
	b := NewTupleBuilder(len(values))
	for _, v := range values {
		b.Push(v)
	}
	return b.Tuple()
}

func (b *TupleBuilder) Push(v Scalar) *TupleBuilder {
	if !b.begin() {
		return b
	}
	switch v.kind {
	case KindInt64:
		b.err = b.enc.EncodeInt(int64(v.bits))
	case KindUint64:
		b.err = b.enc.EncodeUint(v.bits)
	case KindBytes:
		b.err = b.encodeStr(v.data)
	case KindBool:
		b.err = b.enc.EncodeBool(v.bits != 0)
	case KindFloat32:
		f, _ := v.Float32()
		b.err = b.enc.EncodeFloat32(f)
	case KindFloat64:
		f, _ := v.Float64()
		b.err = b.enc.EncodeFloat64(f)
	case KindNull:
		b.err = b.enc.EncodeNil()
	default:
		b.err = fmt.Errorf("%w: cannot encode %v scalar as field %d", ErrUnsupportedType, v.kind, b.pushed-1)
	}
	return b
}

// PushInt64 uses the shortest unsigned form for v >= 0 and the shortest
// signed form otherwise.
func (b *TupleBuilder) PushInt64(v int64) *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeInt(v)
	}
	return b
}

func (b *TupleBuilder) PushUint64(v uint64) *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeUint(v)
	}
	return b
}

func (b *TupleBuilder) PushString(v string) *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeString(v)
	}
	return b
}

// PushBytes encodes v as a msgpack str, the store's string type.
func (b *TupleBuilder) PushBytes(v []byte) *TupleBuilder {
	if b.begin() {
		b.err = b.encodeStr(v)
	}
	return b
}

func (b *TupleBuilder) PushBool(v bool) *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeBool(v)
	}
	return b
}

func (b *TupleBuilder) PushFloat32(v float32) *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeFloat32(v)
	}
	return b
}

func (b *TupleBuilder) PushFloat64(v float64) *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeFloat64(v)
	}
	return b
}

func (b *TupleBuilder) PushNull() *TupleBuilder {
	if b.begin() {
		b.err = b.enc.EncodeNil()
	}
	return b
}

func (b *TupleBuilder) begin() bool {
	if b.err != nil {
		return false
	}
	if b.pushed >= b.fields {
		b.err = fmt.Errorf("%w: declared %d", ErrEncodingOverflow, b.fields)
		return false
	}
	b.pushed++
	return true
}

func (b *TupleBuilder) encodeStr(v []byte) error {
	// EncodeString copies into the builder, so the conversion does not escape.
	return b.enc.EncodeString(unsafeStringFromBytes(v))
}

// FieldCount is the declared number of fields.
func (b *TupleBuilder) FieldCount() int { return b.fields }

// Pushed is the number of fields encoded so far.
func (b *TupleBuilder) Pushed() int { return b.pushed }

func (b *TupleBuilder) Err() error { return b.err }

// Len is the encoded size in bytes.
func (b *TupleBuilder) Len() int { return len(b.bb.Buf) }

// Bytes returns the encoded span as is, even if the tuple is incomplete.
func (b *TupleBuilder) Bytes() []byte { return b.bb.Buf }

// Tuple returns the encoded tuple, or an error if any push failed or fewer
// fields were pushed than declared.
func (b *TupleBuilder) Tuple() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.pushed != b.fields {
		return nil, fmt.Errorf("%w: pushed %d of %d", ErrIncompleteTuple, b.pushed, b.fields)
	}
	return b.bb.Buf, nil
}
