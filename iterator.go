package tnt

import (
	"bytes"
	"errors"
	"io"
	"iter"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Iterator is a forward-only cursor over a reply's array of tuples. Each call
// to Next decodes exactly one row; nothing is decoded ahead of time.
//
// An Iterator returned by Conn.Select borrows the connection's reply buffer
// and stops working (ErrIteratorInvalidated) once another request is issued
// on that connection. Rows themselves own their data and remain valid.
//
// Not safe for concurrent use.
type Iterator struct {
	data      []byte
	r         bytes.Reader
	dec       *msgpack.Decoder
	remaining int
	err       error

	owner *Conn
	opSeq uint64
}

// DecodeReply validates the outer array header of buf and returns an
// iterator over its elements. buf is borrowed, not copied.
func DecodeReply(buf []byte) (*Iterator, error) {
	it := &Iterator{data: buf}
	it.r.Reset(buf)
	it.dec = msgpack.NewDecoder(&it.r)

	c, err := it.dec.PeekCode()
	if err != nil {
		return nil, dataErrf(buf, 0, ErrMalformedReply, "empty reply")
	}
	if !isArrayCode(c) {
		return nil, dataErrf(buf, 0, ErrMalformedReply, "reply is not an array (code %#x)", c)
	}
	n, err := it.dec.DecodeArrayLen()
	if err != nil {
		return nil, dataErrf(buf, 0, ErrMalformedReply, "truncated array header")
	}
	// every row takes at least one byte
	if n > it.r.Len() {
		return nil, dataErrf(buf, 0, ErrMalformedReply, "array header claims %d rows in %d bytes", n, it.r.Len())
	}
	it.remaining = n
	return it, nil
}

// Len is the number of rows not yet returned.
func (it *Iterator) Len() int {
	return it.remaining
}

// Next returns the next row, or io.EOF once all rows have been returned.
// A decode failure is final: Next keeps returning the same error.
func (it *Iterator) Next() (Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.owner != nil && it.owner.opSeq != it.opSeq {
		return nil, it.fail(ErrIteratorInvalidated)
	}
	if it.remaining == 0 {
		if it.r.Len() != 0 {
			return nil, it.fail(dataErrf(it.data, it.off(), ErrMalformedReply, "%d trailing bytes after last row", it.r.Len()))
		}
		return nil, io.EOF
	}
	row, err := it.decodeRow()
	if err != nil {
		return nil, it.fail(err)
	}
	it.remaining--
	return row, nil
}

// All ranges over the remaining rows. Iteration stops after yielding the
// first error; end of sequence is not reported as an error.
func (it *Iterator) All() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, err := it.Next()
			if err == io.EOF {
				return
			}
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// Collect reads all remaining rows.
func (it *Iterator) Collect() ([]Row, error) {
	rows := make([]Row, 0, it.remaining)
	for row, err := range it.All() {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (it *Iterator) fail(err error) error {
	it.err = err
	it.remaining = 0
	return err
}

func (it *Iterator) off() int {
	return len(it.data) - it.r.Len()
}

func (it *Iterator) decodeRow() (Row, error) {
	start := it.off()
	c, err := it.dec.PeekCode()
	if err != nil {
		return nil, dataErrf(it.data, start, ErrMalformedReply, "reply ends before row")
	}
	if !isArrayCode(c) {
		return nil, dataErrf(it.data, start, ErrMalformedReply, "row is not an array (code %#x)", c)
	}
	n, err := it.dec.DecodeArrayLen()
	if err != nil {
		return nil, dataErrf(it.data, start, ErrMalformedReply, "truncated row header")
	}
	// Every field takes at least one byte, which bounds a bogus length.
	row := make(Row, 0, min(n, it.r.Len()))
	for i := 0; i < n; i++ {
		v, err := it.decodeScalar()
		if err != nil {
			return nil, err
		}
		row = append(row, v)
	}
	return row, nil
}

func (it *Iterator) decodeScalar() (Scalar, error) {
	off := it.off()
	c, err := it.dec.PeekCode()
	if err != nil {
		return Scalar{}, dataErrf(it.data, off, ErrMalformedReply, "row ends before field")
	}

	var v Scalar
	switch {
	case c <= msgpcode.PosFixedNumHigh, c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		var u uint64
		u, err = it.dec.DecodeUint64()
		v = Uint64Value(u)
	case c >= msgpcode.NegFixedNumLow, c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		var i int64
		i, err = it.dec.DecodeInt64()
		v = Int64Value(i)
	case msgpcode.IsString(c), msgpcode.IsBin(c):
		var b []byte
		b, err = it.dec.DecodeBytes()
		v = ownedBytesValue(b)
	case c == msgpcode.Nil:
		err = it.dec.DecodeNil()
		v = Null()
	case c == msgpcode.False, c == msgpcode.True:
		var b bool
		b, err = it.dec.DecodeBool()
		v = BoolValue(b)
	case c == msgpcode.Float:
		var f float32
		f, err = it.dec.DecodeFloat32()
		v = Float32Value(f)
	case c == msgpcode.Double:
		var f float64
		f, err = it.dec.DecodeFloat64()
		v = Float64Value(f)
	case isArrayCode(c):
		return Scalar{}, dataErrf(it.data, off, ErrUnsupportedType, "nested array")
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return Scalar{}, dataErrf(it.data, off, ErrUnsupportedType, "map")
	case msgpcode.IsExt(c):
		return Scalar{}, dataErrf(it.data, off, ErrUnsupportedType, "extension type")
	default:
		return Scalar{}, dataErrf(it.data, off, ErrUnsupportedType, "code %#x", c)
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Scalar{}, dataErrf(it.data, off, ErrMalformedReply, "truncated %v field", v.kind)
		}
		return Scalar{}, dataErrf(it.data, off, ErrMalformedReply, "bad %v field: %v", v.kind, err)
	}
	return v, nil
}

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}
