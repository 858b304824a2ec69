package iproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// lengthPrefixSize is the size of the uint32 length prefix we write: the
// msgpack Uint32 code and four big-endian bytes.
const lengthPrefixSize = 5

// Header is the decoded header map of a packet.
type Header struct {
	Code          Code
	Sync          uint64
	SchemaVersion uint64
}

// buffer is an io.Writer and io.ByteWriter over a growable slice.
type buffer struct {
	B []byte
}

func (b *buffer) Write(p []byte) (int, error) {
	b.B = append(b.B, p...)
	return len(p), nil
}

func (b *buffer) WriteByte(c byte) error {
	b.B = append(b.B, c)
	return nil
}

// PacketWriter assembles one packet at a time. The buffer is reused between
// packets, so the slice returned by Finish is valid until the next Begin.
type PacketWriter struct {
	buf buffer
	enc *msgpack.Encoder
}

func NewPacketWriter() *PacketWriter {
	w := &PacketWriter{}
	w.buf.B = make([]byte, 0, 256)
	w.enc = msgpack.NewEncoder(&w.buf)
	return w
}

// Begin starts a packet and encodes its header. SchemaVersion is written
// only when non-zero, which is how clients omit it.
func (w *PacketWriter) Begin(h Header) {
	w.buf.B = append(w.buf.B[:0], make([]byte, lengthPrefixSize)...)
	n := 2
	if h.SchemaVersion != 0 {
		n = 3
	}
	// Encoding into memory cannot fail.
	_ = w.enc.EncodeMapLen(n)
	_ = w.enc.EncodeUint(KeyCode)
	_ = w.enc.EncodeUint(uint64(h.Code))
	_ = w.enc.EncodeUint(KeySync)
	_ = w.enc.EncodeUint(h.Sync)
	if h.SchemaVersion != 0 {
		_ = w.enc.EncodeUint(KeySchemaVersion)
		_ = w.enc.EncodeUint(h.SchemaVersion)
	}
}

// Encoder is used to write the body after Begin.
func (w *PacketWriter) Encoder() *msgpack.Encoder {
	return w.enc
}

// WriteRaw appends already encoded msgpack to the body.
func (w *PacketWriter) WriteRaw(raw []byte) {
	w.buf.B = append(w.buf.B, raw...)
}

// Finish patches the length prefix and returns the complete packet.
func (w *PacketWriter) Finish() []byte {
	b := w.buf.B
	b[0] = msgpcode.Uint32
	binary.BigEndian.PutUint32(b[1:lengthPrefixSize], uint32(len(b)-lengthPrefixSize))
	return b
}

// PacketReader reads length-prefixed packets. The payload buffer is reused,
// so each payload is valid until the next call to Next.
type PacketReader struct {
	br      *bufio.Reader
	dec     *msgpack.Decoder
	payload []byte
}

func NewPacketReader(r io.Reader) *PacketReader {
	br := bufio.NewReader(r)
	return &PacketReader{
		br:  br,
		dec: msgpack.NewDecoder(br),
	}
}

// ReadGreeting reads the fixed-size banner that precedes the first packet.
func (r *PacketReader) ReadGreeting() (version string, salt []byte, err error) {
	var b [GreetingSize]byte
	if _, err := io.ReadFull(r.br, b[:]); err != nil {
		return "", nil, err
	}
	return ParseGreeting(b[:])
}

// Next reads one packet and returns its payload (header and body).
func (r *PacketReader) Next() ([]byte, error) {
	n, err := r.dec.DecodeUint64()
	if err != nil {
		return nil, err
	}
	if n > MaxPacketSize {
		return nil, fmt.Errorf("packet length %d exceeds %d", n, MaxPacketSize)
	}
	if uint64(cap(r.payload)) < n {
		r.payload = make([]byte, n)
	}
	r.payload = r.payload[:n]
	if _, err := io.ReadFull(r.br, r.payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return r.payload, nil
}

// ParseHeader decodes the header map and returns the remaining body bytes,
// which alias payload.
func ParseHeader(payload []byte) (Header, []byte, error) {
	var h Header
	var r bytes.Reader
	r.Reset(payload)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&r)

	n, err := dec.DecodeMapLen()
	if err != nil {
		return h, nil, fmt.Errorf("header: %w", err)
	}
	if n < 0 {
		return h, nil, fmt.Errorf("header: nil map")
	}
	var haveCode, haveSync bool
	for i := 0; i < n; i++ {
		k, err := dec.DecodeUint64()
		if err != nil {
			return h, nil, fmt.Errorf("header key: %w", err)
		}
		switch k {
		case KeyCode:
			v, err := dec.DecodeUint32()
			if err != nil {
				return h, nil, fmt.Errorf("header code: %w", err)
			}
			h.Code, haveCode = Code(v), true
		case KeySync:
			h.Sync, err = dec.DecodeUint64()
			if err != nil {
				return h, nil, fmt.Errorf("header sync: %w", err)
			}
			haveSync = true
		case KeySchemaVersion:
			h.SchemaVersion, err = dec.DecodeUint64()
			if err != nil {
				return h, nil, fmt.Errorf("header schema version: %w", err)
			}
		default:
			if err := dec.Skip(); err != nil {
				return h, nil, fmt.Errorf("header key %#x: %w", k, err)
			}
		}
	}
	if !haveCode || !haveSync {
		return h, nil, fmt.Errorf("header: missing code or sync")
	}
	return h, payload[len(payload)-r.Len():], nil
}

// ResponseBody is the decoded body of a reply. Data aliases the payload.
type ResponseBody struct {
	Data     []byte
	HasData  bool
	ErrorMsg string
}

// ParseResponseBody extracts the raw DATA value and the ERROR message. An
// empty body is valid and yields neither.
func ParseResponseBody(body []byte) (ResponseBody, error) {
	var rb ResponseBody
	if len(body) == 0 {
		return rb, nil
	}
	var r bytes.Reader
	r.Reset(body)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&r)

	n, err := dec.DecodeMapLen()
	if err != nil {
		return rb, fmt.Errorf("body: %w", err)
	}
	for i := 0; i < n; i++ {
		k, err := dec.DecodeUint64()
		if err != nil {
			return rb, fmt.Errorf("body key: %w", err)
		}
		switch k {
		case KeyData:
			start := len(body) - r.Len()
			if err := dec.Skip(); err != nil {
				return rb, fmt.Errorf("body data: %w", err)
			}
			rb.Data, rb.HasData = body[start:len(body)-r.Len()], true
		case KeyError:
			rb.ErrorMsg, err = dec.DecodeString()
			if err != nil {
				return rb, fmt.Errorf("body error: %w", err)
			}
		default:
			if err := dec.Skip(); err != nil {
				return rb, fmt.Errorf("body key %#x: %w", k, err)
			}
		}
	}
	return rb, nil
}

// RequestBody is the decoded body of a request. Raw fields alias the payload.
type RequestBody struct {
	SpaceID  uint32
	IndexID  uint32
	Limit    uint32
	Offset   uint32
	Iterator uint32
	Key      []byte
	Tuple    []byte
	Ops      []byte

	HasSpaceID bool
}

func ParseRequestBody(body []byte) (RequestBody, error) {
	rb := RequestBody{Limit: NoLimit}
	if len(body) == 0 {
		return rb, nil
	}
	var r bytes.Reader
	r.Reset(body)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&r)

	raw := func() ([]byte, error) {
		start := len(body) - r.Len()
		if err := dec.Skip(); err != nil {
			return nil, err
		}
		return body[start : len(body)-r.Len()], nil
	}

	n, err := dec.DecodeMapLen()
	if err != nil {
		return rb, fmt.Errorf("body: %w", err)
	}
	for i := 0; i < n; i++ {
		k, err := dec.DecodeUint64()
		if err != nil {
			return rb, fmt.Errorf("body key: %w", err)
		}
		switch k {
		case KeySpaceID:
			rb.SpaceID, err = dec.DecodeUint32()
			rb.HasSpaceID = true
		case KeyIndexID:
			rb.IndexID, err = dec.DecodeUint32()
		case KeyLimit:
			rb.Limit, err = dec.DecodeUint32()
		case KeyOffset:
			rb.Offset, err = dec.DecodeUint32()
		case KeyIterator:
			rb.Iterator, err = dec.DecodeUint32()
		case KeyKey:
			rb.Key, err = raw()
		case KeyTuple:
			rb.Tuple, err = raw()
		case KeyOps:
			rb.Ops, err = raw()
		default:
			err = dec.Skip()
		}
		if err != nil {
			return rb, fmt.Errorf("body key %#x: %w", k, err)
		}
	}
	return rb, nil
}
