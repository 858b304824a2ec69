package tnt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/andreyvit/tnt/iproto"
	"github.com/vmihailenco/msgpack/v5"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// Timeout bounds each request/reply exchange and the greeting read. When
	// it expires the exchange fails with ErrTimeout and the connection is
	// dropped. Zero means no limit beyond the context deadline.
	Timeout time.Duration

	// DialTimeout bounds establishing the transport. Zero means no limit.
	DialTimeout time.Duration

	// Dial replaces net.Dialer, mostly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Conn is a session with one tuple store. It keeps at most one request in
// flight: every call writes a request and blocks until the matching reply has
// been read.
//
// Conn has no internal locking and must not be used from several goroutines
// at once.
type Conn struct {
	opt    Options
	logger *slog.Logger

	nc    net.Conn
	addr  string
	state State
	w     *iproto.PacketWriter
	r     *iproto.PacketReader

	greeting      string
	lastErr       string
	spaces        map[string]SpaceID
	sync          uint64
	opSeq         uint64
	schemaVersion uint64
}

func New(opt Options) *Conn {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		opt:    opt,
		logger: logger,
		spaces: make(map[string]SpaceID),
	}
}

// Dial creates a Conn and connects it.
func Dial(ctx context.Context, addr string, opt Options) (*Conn, error) {
	c := New(opt)
	if err := c.Connect(ctx, addr); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes a new session with addr ("host:port"), dropping the
// current one first if there is any. On failure the Conn is left
// Disconnected and LastError describes the problem.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	c.lastErr = ""
	c.shutdown()
	c.state = Connecting
	c.addr = addr

	dctx := ctx
	if c.opt.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.opt.DialTimeout)
		defer cancel()
	}
	dial := c.opt.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	nc, err := dial(dctx, "tcp", addr)
	if err != nil {
		c.state = Disconnected
		return c.recordErr(&TransportError{Op: "dial", Addr: addr, Err: err})
	}
	c.nc = nc
	c.w = iproto.NewPacketWriter()
	c.r = iproto.NewPacketReader(nc)

	stop := c.armDeadline(ctx)
	version, _, err := c.r.ReadGreeting()
	stop()
	if err != nil {
		return c.transportFail(ctx, "greeting", err)
	}

	c.greeting = version
	c.spaces = make(map[string]SpaceID)
	c.sync = 0
	c.schemaVersion = 0
	c.state = Connected
	c.logger.LogAttrs(ctx, slog.LevelDebug, "tnt: connected", slog.String("addr", addr), slog.String("server", version))
	return nil
}

func (c *Conn) Connected() bool {
	return c.state == Connected
}

func (c *Conn) State() State {
	return c.state
}

// LastError is the text of the most recent failure, cleared at the start of
// each operation.
func (c *Conn) LastError() string {
	return c.lastErr
}

// Greeting is the server version line received on connect.
func (c *Conn) Greeting() string {
	return c.greeting
}

// SchemaVersion is the schema version reported by the latest reply.
func (c *Conn) SchemaVersion() uint64 {
	return c.schemaVersion
}

func (c *Conn) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.shutdown()
}

// shutdown closes the transport and returns the error of that close.
func (c *Conn) shutdown() error {
	var err error
	if c.nc != nil {
		err = c.nc.Close()
		c.nc = nil
	}
	c.w, c.r = nil, nil
	c.state = Disconnected
	c.spaces = make(map[string]SpaceID)
	// Invalidates any iterator still borrowing the reply buffer.
	c.opSeq++
	return err
}

func (c *Conn) recordErr(err error) error {
	c.lastErr = err.Error()
	return err
}

// fatal drops the session and records err.
func (c *Conn) fatal(ctx context.Context, err error) error {
	c.logger.LogAttrs(ctx, slog.LevelWarn, "tnt: dropping connection", slog.String("addr", c.addr), slog.String("err", err.Error()))
	c.shutdown()
	return c.recordErr(err)
}

func (c *Conn) transportFail(ctx context.Context, op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			err = ctxErr
		} else {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}
	return c.fatal(ctx, &TransportError{Op: op, Addr: c.addr, Err: err})
}

// armDeadline applies Options.Timeout and the context deadline to the
// transport, and interrupts blocked I/O when ctx is cancelled. The returned
// func must be called once the exchange is over.
func (c *Conn) armDeadline(ctx context.Context) func() {
	nc := c.nc
	var deadline time.Time
	if c.opt.Timeout > 0 {
		deadline = time.Now().Add(c.opt.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = nc.SetDeadline(deadline)
	// The callback may already be running when stop reports false; done
	// keeps it from expiring a deadline armed by a later exchange.
	var mu sync.Mutex
	var done bool
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !done {
			_ = nc.SetDeadline(time.Unix(1, 0))
		}
	})
	return func() {
		if !stop() {
			mu.Lock()
			done = true
			mu.Unlock()
		}
	}
}

// roundTrip sends one request and reads its reply. Any failure here leaves
// the stream position or the request/reply pairing unknown, so it drops the
// connection.
func (c *Conn) roundTrip(ctx context.Context, code iproto.Code, body func(enc *msgpack.Encoder) error) (iproto.Header, []byte, error) {
	if c.state != Connected {
		return iproto.Header{}, nil, c.recordErr(ErrNotConnected)
	}
	c.opSeq++
	c.sync++
	sync := c.sync

	c.w.Begin(iproto.Header{Code: code, Sync: sync})
	if err := body(c.w.Encoder()); err != nil {
		return iproto.Header{}, nil, c.recordErr(fmt.Errorf("encoding %v request: %w", code, err))
	}
	pkt := c.w.Finish()
	if c.opt.Verbose {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "tnt: request", slog.String("op", code.String()), slog.Uint64("sync", sync), hexAttr("packet", pkt))
	}

	stop := c.armDeadline(ctx)
	defer stop()

	if _, err := c.nc.Write(pkt); err != nil {
		return iproto.Header{}, nil, c.transportFail(ctx, "send", err)
	}
	payload, err := c.r.Next()
	if err != nil {
		return iproto.Header{}, nil, c.transportFail(ctx, "receive", err)
	}

	h, body2, err := iproto.ParseHeader(payload)
	if err != nil {
		return h, nil, c.fatal(ctx, dataErrf(payload, 0, ErrMalformedReply, "reply header: %v", err))
	}
	if h.Sync != sync {
		return h, nil, c.fatal(ctx, fmt.Errorf("%w: sent %d, got %d", ErrSyncMismatch, sync, h.Sync))
	}
	if c.opt.Verbose {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "tnt: reply", slog.String("code", h.Code.String()), slog.Uint64("sync", h.Sync), hexAttr("body", body2))
	}
	if h.SchemaVersion != 0 && h.SchemaVersion != c.schemaVersion {
		if c.schemaVersion != 0 {
			c.logger.LogAttrs(ctx, slog.LevelDebug, "tnt: schema version changed", slog.Uint64("old", c.schemaVersion), slog.Uint64("new", h.SchemaVersion))
		}
		c.schemaVersion = h.SchemaVersion
	}
	return h, body2, nil
}

// call performs an exchange and returns the reply's raw DATA. A body that
// cannot be decoded fails only this call: the packet was consumed whole, so
// the stream is still in step.
func (c *Conn) call(ctx context.Context, code iproto.Code, body func(enc *msgpack.Encoder) error) ([]byte, error) {
	h, raw, err := c.roundTrip(ctx, code, body)
	if err != nil {
		return nil, err
	}
	rb, err := iproto.ParseResponseBody(raw)
	if err != nil {
		return nil, c.recordErr(dataErrf(raw, 0, ErrMalformedReply, "reply body: %v", err))
	}
	if h.Code.IsError() {
		return nil, c.recordErr(&RemoteError{Code: h.Code.ErrCode(), Message: rb.ErrorMsg})
	}
	if h.Code != iproto.OK {
		return nil, c.recordErr(dataErrf(raw, 0, ErrMalformedReply, "unexpected reply code %v", h.Code))
	}
	return rb.Data, nil
}

// Ping checks that the session is alive.
func (c *Conn) Ping(ctx context.Context) error {
	c.lastErr = ""
	_, err := c.call(ctx, iproto.Ping, func(enc *msgpack.Encoder) error {
		return enc.EncodeMapLen(0)
	})
	return err
}

// Select reads the tuples matching key from the primary index of space. An
// empty key selects every tuple, in the order the server returns them. A nil
// key is the same as an empty one.
//
// The iterator borrows the connection's reply buffer; see Iterator.
func (c *Conn) Select(ctx context.Context, space SpaceRef, key *TupleBuilder) (*Iterator, error) {
	c.lastErr = ""
	id, err := c.resolve(ctx, space)
	if err != nil {
		return nil, err
	}
	return c.selectIter(ctx, id, iproto.IterEq, key)
}

func (c *Conn) selectIter(ctx context.Context, id SpaceID, iterType int, key *TupleBuilder) (*Iterator, error) {
	k, err := keyTuple(key)
	if err != nil {
		return nil, c.recordErr(err)
	}
	data, err := c.call(ctx, iproto.Select, func(enc *msgpack.Encoder) error {
		enc.EncodeMapLen(6)
		enc.EncodeUint(iproto.KeySpaceID)
		enc.EncodeUint(uint64(id))
		enc.EncodeUint(iproto.KeyIndexID)
		enc.EncodeUint(0)
		enc.EncodeUint(iproto.KeyLimit)
		enc.EncodeUint(iproto.NoLimit)
		enc.EncodeUint(iproto.KeyOffset)
		enc.EncodeUint(0)
		enc.EncodeUint(iproto.KeyIterator)
		enc.EncodeUint(uint64(iterType))
		enc.EncodeUint(iproto.KeyKey)
		return enc.Encode(msgpack.RawMessage(k))
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, c.recordErr(fmt.Errorf("%w: select reply has no data", ErrMalformedReply))
	}
	it, err := DecodeReply(data)
	if err != nil {
		return nil, c.recordErr(err)
	}
	it.owner, it.opSeq = c, c.opSeq
	return it, nil
}

// Insert stores tuple, failing with a RemoteError if its primary key exists.
func (c *Conn) Insert(ctx context.Context, space SpaceRef, tuple *TupleBuilder) error {
	return c.write(ctx, iproto.Insert, space, iproto.KeyTuple, tuple)
}

// Replace stores tuple, overwriting any tuple with the same primary key.
func (c *Conn) Replace(ctx context.Context, space SpaceRef, tuple *TupleBuilder) error {
	return c.write(ctx, iproto.Replace, space, iproto.KeyTuple, tuple)
}

// Delete removes the tuple whose primary key equals key. The caller builds
// key from the space's real key fields.
func (c *Conn) Delete(ctx context.Context, space SpaceRef, key *TupleBuilder) error {
	return c.write(ctx, iproto.Delete, space, iproto.KeyKey, key)
}

// Update is not implemented and always fails with ErrUnsupported.
func (c *Conn) Update(ctx context.Context, space SpaceRef, key *TupleBuilder, ops *TupleBuilder) error {
	c.lastErr = ""
	return c.recordErr(fmt.Errorf("%w: update of %v", ErrUnsupported, space))
}

func (c *Conn) write(ctx context.Context, code iproto.Code, space SpaceRef, tupleKey uint64, tuple *TupleBuilder) error {
	c.lastErr = ""
	id, err := c.resolve(ctx, space)
	if err != nil {
		return err
	}
	if tuple == nil {
		return c.recordErr(fmt.Errorf("%w: nil tuple", ErrIncompleteTuple))
	}
	t, err := tuple.Tuple()
	if err != nil {
		return c.recordErr(err)
	}
	n := 2
	if code == iproto.Delete {
		n = 3
	}
	_, err = c.call(ctx, code, func(enc *msgpack.Encoder) error {
		enc.EncodeMapLen(n)
		enc.EncodeUint(iproto.KeySpaceID)
		enc.EncodeUint(uint64(id))
		if code == iproto.Delete {
			enc.EncodeUint(iproto.KeyIndexID)
			enc.EncodeUint(0)
		}
		enc.EncodeUint(tupleKey)
		return enc.Encode(msgpack.RawMessage(t))
	})
	return err
}

var emptyTuple = []byte{0x90}

func keyTuple(key *TupleBuilder) ([]byte, error) {
	if key == nil {
		return emptyTuple, nil
	}
	return key.Tuple()
}
