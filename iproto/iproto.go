// Package iproto holds the binary protocol shared by the tnt client and the
// fixture store: request and reply codes, header and body keys, the 128-byte
// greeting, and length-prefixed packet framing.
//
// # Packet format
//
// Every packet is a msgpack unsigned integer holding the payload length,
// followed by the payload: a header map, then an optional body map. Keys of
// both maps are small unsigned integers (see the Key* constants).
//
// Requests carry {CODE: request type, SYNC: request id} in the header.
// Replies echo the SYNC, carry CODE 0 on success or ErrorFlag|errcode on
// failure, and report the server's SCHEMA_VERSION. A successful reply body
// is {DATA: [tuple, ...]}; a failed one is {ERROR: "message"}.
package iproto

import (
	"fmt"
)

type Code uint32

const (
	OK      Code = 0x00
	Select  Code = 0x01
	Insert  Code = 0x02
	Replace Code = 0x03
	Update  Code = 0x04
	Delete  Code = 0x05
	Ping    Code = 0x40

	// ErrorFlag is set in the CODE of every failed reply; the low bits hold
	// the server error code.
	ErrorFlag Code = 0x8000
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Select:
		return "SELECT"
	case Insert:
		return "INSERT"
	case Replace:
		return "REPLACE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Ping:
		return "PING"
	}
	if c&ErrorFlag != 0 {
		return fmt.Sprintf("ERROR(%d)", uint32(c&^ErrorFlag))
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

func (c Code) IsError() bool { return c&ErrorFlag != 0 }

// ErrCode is the server error code of a failed reply.
func (c Code) ErrCode() uint32 { return uint32(c &^ ErrorFlag) }

func ErrorCode(errcode uint32) Code { return ErrorFlag | Code(errcode) }

const (
	KeyCode          = 0x00
	KeySync          = 0x01
	KeySchemaVersion = 0x05

	KeySpaceID  = 0x10
	KeyIndexID  = 0x11
	KeyLimit    = 0x12
	KeyOffset   = 0x13
	KeyIterator = 0x14
	KeyKey      = 0x20
	KeyTuple    = 0x21
	KeyOps      = 0x28
	KeyData     = 0x30
	KeyError    = 0x31
)

// Iterator types understood in a SELECT body.
const (
	IterEq  = 0
	IterAll = 2
)

const (
	// SpaceVSpace is the system space listing every space visible to the
	// session: [id, owner, name, engine, field_count, flags, format].
	SpaceVSpace = 281

	VSpaceFieldID   = 0
	VSpaceFieldName = 2

	// NoLimit is the LIMIT used for unbounded selects.
	NoLimit = 0xFFFFFFFF

	// MaxPacketSize bounds the payload length accepted from the peer.
	MaxPacketSize = 1 << 30
)
