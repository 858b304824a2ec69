package tnt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected        = errors.New("not connected")
	ErrSpaceNotFound       = errors.New("space not found")
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrOutOfRange          = errors.New("field index out of range")
	ErrUnsupportedType     = errors.New("unsupported msgpack type")
	ErrEncodingOverflow    = errors.New("tuple has more fields than declared")
	ErrIncompleteTuple     = errors.New("tuple has fewer fields than declared")
	ErrMalformedReply      = errors.New("malformed reply")
	ErrSyncMismatch        = errors.New("sync mismatch")
	ErrTimeout             = errors.New("timeout")
	ErrUnsupported         = errors.New("operation not supported")
	ErrConfigParse         = errors.New("invalid endpoint")
	ErrIteratorInvalidated = errors.New("iterator used after another request on the same connection")
)

// ErNoSuchSpace is the server error code for a space that does not exist.
const ErNoSuchSpace = 36

// DataError describes a failure to decode a msgpack buffer at a given offset.
// It unwraps to ErrMalformedReply or ErrUnsupportedType.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// TransportError is a connect, send or receive failure. The connection is
// dropped whenever one is returned.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Addr != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Addr)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// RemoteError is a well-formed reply with a non-zero status. Message is the
// server's text verbatim.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Is reports ErNoSuchSpace replies as ErrSpaceNotFound.
func (e *RemoteError) Is(target error) bool {
	return target == ErrSpaceNotFound && e.Code == ErNoSuchSpace
}

// ConfigError is returned by ParseEndpoint. It unwraps to ErrConfigParse.
type ConfigError struct {
	Input string
	Msg   string
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigParse
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v %q: %s", ErrConfigParse, e.Input, e.Msg)
}

// ShouldReconnect reports whether err means the session is gone and the
// caller may connect again before the next operation.
func ShouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrSyncMismatch) ||
		errors.Is(err, ErrTimeout) ||
		errors.As(err, &te)
}

// IsConfigError reports whether err is a configuration problem: a bad
// endpoint or a space the server does not know.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfigParse) || errors.Is(err, ErrSpaceNotFound)
}
