package fixture

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/tnt/iproto"
	"github.com/vmihailenco/msgpack/v5"
)

const testSpace = 512

func setup(t testing.TB, opt Options) *Server {
	t.Helper()
	if opt.Spaces == nil {
		opt.Spaces = []SpaceDef{{ID: testSpace, Name: "users"}}
	}
	s := must(New(opt))
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachStorage(t *testing.T, f func(t *testing.T, s *Server)) {
	t.Run("mem", func(t *testing.T) {
		f(t, setup(t, Options{}))
	})
	t.Run("bolt", func(t *testing.T) {
		f(t, setup(t, Options{Path: filepath.Join(t.TempDir(), "fixture.db")}))
	})
}

type testClient struct {
	t    testing.TB
	nc   net.Conn
	r    *iproto.PacketReader
	w    *iproto.PacketWriter
	sync uint64

	version string
}

func dialTest(t testing.TB, s *Server) *testClient {
	t.Helper()
	nc := must(s.Dial(context.Background(), "tcp", "fixture"))
	t.Cleanup(func() { nc.Close() })
	c := &testClient{t: t, nc: nc, r: iproto.NewPacketReader(nc), w: iproto.NewPacketWriter()}
	version, salt, err := c.r.ReadGreeting()
	if err != nil {
		t.Fatalf("ReadGreeting: %v", err)
	}
	if len(salt) == 0 {
		t.Fatalf("greeting has no salt")
	}
	c.version = version
	return c
}

type reply struct {
	h      iproto.Header
	tuples [][]byte
	errMsg string
}

func (c *testClient) call(code iproto.Code, body func(enc *msgpack.Encoder)) reply {
	c.t.Helper()
	c.sync++
	c.w.Begin(iproto.Header{Code: code, Sync: c.sync})
	body(c.w.Encoder())
	if _, err := c.nc.Write(c.w.Finish()); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	payload, err := c.r.Next()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	h, raw, err := iproto.ParseHeader(payload)
	if err != nil {
		c.t.Fatalf("ParseHeader: %v", err)
	}
	rb, err := iproto.ParseResponseBody(raw)
	if err != nil {
		c.t.Fatalf("ParseResponseBody: %v", err)
	}
	rep := reply{h: h, errMsg: rb.ErrorMsg}
	if rb.HasData {
		rep.tuples = must(splitArray(rb.Data))
	}
	return rep
}

func (c *testClient) selectKey(space uint32, iter int, key []byte) reply {
	return c.call(iproto.Select, func(enc *msgpack.Encoder) {
		enc.EncodeMapLen(4)
		enc.EncodeUint(iproto.KeySpaceID)
		enc.EncodeUint(uint64(space))
		enc.EncodeUint(iproto.KeyIndexID)
		enc.EncodeUint(0)
		enc.EncodeUint(iproto.KeyIterator)
		enc.EncodeUint(uint64(iter))
		enc.EncodeUint(iproto.KeyKey)
		enc.Encode(msgpack.RawMessage(key))
	})
}

func (c *testClient) write(code iproto.Code, space uint32, bodyKey uint64, tuple []byte) reply {
	return c.call(code, func(enc *msgpack.Encoder) {
		enc.EncodeMapLen(2)
		enc.EncodeUint(iproto.KeySpaceID)
		enc.EncodeUint(uint64(space))
		enc.EncodeUint(bodyKey)
		enc.Encode(msgpack.RawMessage(tuple))
	})
}

// tuple encodes values with the smallest msgpack representations.
func tuple(values ...any) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(len(values))
	for _, v := range values {
		switch v := v.(type) {
		case int:
			enc.EncodeInt(int64(v))
		case uint64:
			enc.EncodeUint(v)
		case string:
			enc.EncodeString(v)
		case bool:
			enc.EncodeBool(v)
		case nil:
			enc.EncodeNil()
		default:
			panic(fmt.Sprintf("unsupported %T", v))
		}
	}
	return buf.Bytes()
}

func TestServer_Greeting(t *testing.T) {
	s := setup(t, Options{Version: "Test 1.0"})
	c := dialTest(t, s)
	deepEqual(t, c.version, "Test 1.0")
}

func TestServer_InsertSelectDelete(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *Server) {
		c := dialTest(t, s)

		for _, tup := range [][]byte{tuple(3, "c"), tuple(1, "a"), tuple(2, "b")} {
			rep := c.write(iproto.Insert, testSpace, iproto.KeyTuple, tup)
			if rep.h.Code != iproto.OK {
				t.Fatalf("insert code = %v %q, wanted OK", rep.h.Code, rep.errMsg)
			}
			deepEqual(t, rep.tuples, [][]byte{tup})
		}

		rep := c.selectKey(testSpace, iproto.IterEq, tuple())
		deepEqual(t, rep.tuples, [][]byte{tuple(1, "a"), tuple(2, "b"), tuple(3, "c")})

		rep = c.selectKey(testSpace, iproto.IterEq, tuple(2))
		deepEqual(t, rep.tuples, [][]byte{tuple(2, "b")})

		rep = c.selectKey(testSpace, iproto.IterEq, tuple(42))
		deepEqual(t, len(rep.tuples), 0)

		rep = c.selectKey(testSpace, iproto.IterAll, tuple(2))
		deepEqual(t, rep.tuples, [][]byte{tuple(2, "b"), tuple(3, "c")})

		rep = c.write(iproto.Delete, testSpace, iproto.KeyKey, tuple(1))
		deepEqual(t, rep.h.Code, iproto.OK)
		deepEqual(t, rep.tuples, [][]byte{tuple(1, "a")})

		rep = c.write(iproto.Delete, testSpace, iproto.KeyKey, tuple(1))
		deepEqual(t, rep.h.Code, iproto.OK)
		deepEqual(t, len(rep.tuples), 0)

		deepEqual(t, must(s.Tuples(testSpace)), [][]byte{tuple(2, "b"), tuple(3, "c")})
	})
}

func TestServer_InsertDuplicate(t *testing.T) {
	forEachStorage(t, func(t *testing.T, s *Server) {
		c := dialTest(t, s)
		c.write(iproto.Insert, testSpace, iproto.KeyTuple, tuple(1, "a"))

		rep := c.write(iproto.Insert, testSpace, iproto.KeyTuple, tuple(1, "b"))
		deepEqual(t, rep.h.Code, iproto.ErrorCode(ErTupleFound))
		deepEqual(t, rep.errMsg, "Duplicate key exists in unique index 'primary' in space 'users'")

		rep = c.write(iproto.Replace, testSpace, iproto.KeyTuple, tuple(1, "b"))
		deepEqual(t, rep.h.Code, iproto.OK)
		deepEqual(t, must(s.Tuples(testSpace)), [][]byte{tuple(1, "b")})
	})
}

func TestServer_Errors(t *testing.T) {
	s := setup(t, Options{})
	c := dialTest(t, s)

	rep := c.selectKey(999, iproto.IterEq, tuple())
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErNoSuchSpace))
	deepEqual(t, rep.errMsg, "Space '999' does not exist")

	rep = c.write(iproto.Insert, 999, iproto.KeyTuple, tuple(1))
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErNoSuchSpace))

	rep = c.selectKey(testSpace, iproto.IterEq, tuple(1, 2))
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErExactMatch))

	rep = c.write(iproto.Delete, testSpace, iproto.KeyKey, tuple())
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErExactMatch))

	rep = c.write(iproto.Insert, testSpace, iproto.KeyTuple, tuple())
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErIllegalParams))

	rep = c.write(iproto.Update, testSpace, iproto.KeyKey, tuple(1))
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErUnsupported))

	rep = c.call(iproto.Code(0x77), func(enc *msgpack.Encoder) { enc.EncodeMapLen(0) })
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErUnknownRequestType))

	rep = c.call(iproto.Select, func(enc *msgpack.Encoder) {
		enc.EncodeMapLen(2)
		enc.EncodeUint(iproto.KeySpaceID)
		enc.EncodeUint(testSpace)
		enc.EncodeUint(iproto.KeyIndexID)
		enc.EncodeUint(1)
	})
	deepEqual(t, rep.h.Code, iproto.ErrorCode(ErNoSuchIndex))

	// The connection survives errors.
	rep = c.call(iproto.Ping, func(enc *msgpack.Encoder) { enc.EncodeMapLen(0) })
	deepEqual(t, rep.h.Code, iproto.OK)
	deepEqual(t, rep.h.Sync, c.sync)
}

func TestServer_SpaceCatalog(t *testing.T) {
	s := setup(t, Options{Spaces: []SpaceDef{{ID: 512, Name: "users"}, {ID: 513, Name: "orders"}}})
	c := dialTest(t, s)

	rep := c.selectKey(iproto.SpaceVSpace, iproto.IterAll, tuple())
	if len(rep.tuples) != 2 {
		t.Fatalf("_vspace has %d tuples, wanted 2", len(rep.tuples))
	}
	def := must(decodeCatalogTuple(rep.tuples[1]))
	deepEqual(t, def, SpaceDef{ID: 513, Name: "orders"})
	deepEqual(t, rep.h.SchemaVersion, s.SchemaVersion())

	s.HideSpaces(true)
	rep = c.selectKey(iproto.SpaceVSpace, iproto.IterAll, tuple())
	deepEqual(t, rep.h.Code, iproto.OK)
	deepEqual(t, len(rep.tuples), 0)

	deepEqual(t, s.Stats().SchemaReloads(), 2)
}

func TestServer_CreateSpace(t *testing.T) {
	s := setup(t, Options{})
	v1 := s.SchemaVersion()

	ok(t, s.CreateSpace(SpaceDef{ID: testSpace, Name: "users"}))
	deepEqual(t, s.SchemaVersion(), v1)

	ok(t, s.CreateSpace(SpaceDef{ID: 600, Name: "other"}))
	if s.SchemaVersion() == v1 {
		t.Fatalf("schema version did not change after CreateSpace")
	}

	if err := s.CreateSpace(SpaceDef{ID: testSpace, Name: "renamed"}); err == nil {
		t.Fatalf("CreateSpace with a taken id succeeded")
	}
	if err := s.CreateSpace(SpaceDef{ID: 601, Name: "users"}); err == nil {
		t.Fatalf("CreateSpace with a taken name succeeded")
	}
	if err := s.CreateSpace(SpaceDef{ID: iproto.SpaceVSpace, Name: "x"}); err == nil {
		t.Fatalf("CreateSpace with a reserved id succeeded")
	}
}

func TestServer_BoltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.db")
	s := must(New(Options{Path: path, Spaces: []SpaceDef{{ID: testSpace, Name: "users"}}}))
	ok(t, s.Put(testSpace, tuple(7, "persisted")))
	version := s.SchemaVersion()
	ok(t, s.Close())

	s = setup(t, Options{Path: path, Spaces: []SpaceDef{}})
	deepEqual(t, s.SchemaVersion(), version)
	deepEqual(t, must(s.Tuples(testSpace)), [][]byte{tuple(7, "persisted")})
}

func TestServer_SyncSkew(t *testing.T) {
	s := setup(t, Options{})
	c := dialTest(t, s)

	s.SetSyncSkew(5)
	rep := c.call(iproto.Ping, func(enc *msgpack.Encoder) { enc.EncodeMapLen(0) })
	deepEqual(t, rep.h.Sync, c.sync+5)

	s.SetSyncSkew(0)
	rep = c.call(iproto.Ping, func(enc *msgpack.Encoder) { enc.EncodeMapLen(0) })
	deepEqual(t, rep.h.Sync, c.sync)
}

func TestServer_ReplyDelay(t *testing.T) {
	s := setup(t, Options{})
	c := dialTest(t, s)

	s.SetReplyDelay(30 * time.Millisecond)
	start := time.Now()
	c.call(iproto.Ping, func(enc *msgpack.Encoder) { enc.EncodeMapLen(0) })
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("reply took %v, wanted at least 30ms", elapsed)
	}
}

func TestServer_Stats(t *testing.T) {
	s := setup(t, Options{})
	c := dialTest(t, s)

	c.write(iproto.Insert, testSpace, iproto.KeyTuple, tuple(1))
	c.write(iproto.Replace, testSpace, iproto.KeyTuple, tuple(1))
	c.selectKey(testSpace, iproto.IterEq, tuple())

	st := s.Stats()
	deepEqual(t, st.Requests, map[iproto.Code]int{iproto.Insert: 1, iproto.Replace: 1, iproto.Select: 1})
	deepEqual(t, st.Writes, map[uint32]int{testSpace: 2})
	deepEqual(t, st.Selects, map[uint32]int{testSpace: 1})

	s.ResetStats()
	deepEqual(t, len(s.Stats().Requests), 0)
}

func TestServer_ServeListener(t *testing.T) {
	s := setup(t, Options{})
	l := must(net.Listen("tcp", "127.0.0.1:0"))
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	nc := must(net.Dial("tcp", l.Addr().String()))
	defer nc.Close()
	r := iproto.NewPacketReader(nc)
	version, _, err := r.ReadGreeting()
	ok(t, err)
	deepEqual(t, version, DefaultVersion)

	ok(t, s.Close())
	if err := <-done; err != ErrServerClosed {
		t.Fatalf("Serve = %v, wanted ErrServerClosed", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func TestServer_Journal(t *testing.T) {
	dir := t.TempDir()
	s := setup(t, Options{JournalDir: dir})
	c := dialTest(t, s)
	c.write(iproto.Insert, testSpace, iproto.KeyTuple, tuple(1, "a"))
	c.write(iproto.Insert, testSpace, iproto.KeyTuple, tuple(1, "dup"))
	c.write(iproto.Replace, testSpace, iproto.KeyTuple, tuple(2, "b"))
	c.write(iproto.Delete, testSpace, iproto.KeyKey, tuple(1))
	c.write(iproto.Delete, testSpace, iproto.KeyKey, tuple(7))
	ok(t, s.Put(testSpace, tuple(3, "c")))

	type entry struct {
		ID    uint64
		Code  iproto.Code
		Space uint32
		Tuple []byte
	}
	read := func() []entry {
		var result []entry
		for _, e := range must(ReadJournal(dir)) {
			if e.Time.IsZero() {
				t.Errorf("entry %d has no time", e.ID)
			}
			result = append(result, entry{e.ID, e.Code, e.Space, e.Tuple})
		}
		return result
	}
	// failed writes and deletes of missing keys are not journaled
	want := []entry{
		{1, iproto.Insert, testSpace, tuple(1, "a")},
		{2, iproto.Replace, testSpace, tuple(2, "b")},
		{3, iproto.Delete, testSpace, tuple(1)},
		{4, iproto.Replace, testSpace, tuple(3, "c")},
	}
	deepEqual(t, read(), want)

	ok(t, s.Close())
	s = setup(t, Options{JournalDir: dir})
	ok(t, s.Put(testSpace, tuple(4, "d")))
	deepEqual(t, read(), append(want, entry{5, iproto.Replace, testSpace, tuple(4, "d")}))
}
