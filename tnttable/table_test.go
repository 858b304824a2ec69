package tnttable

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/tnt"
	"github.com/andreyvit/tnt/fixture"
	"github.com/andreyvit/tnt/iproto"
)

var userColumns = []Column{
	{Name: "id", Type: Uint},
	{Name: "name", Type: String},
	{Name: "score", Type: Double, Nullable: true},
	{Name: "active", Type: Bool},
	{Name: "created", Type: Timestamp, Nullable: true},
}

func setup(t testing.TB) (*Table, *fixture.Server) {
	t.Helper()
	srv := must(fixture.New(fixture.Options{
		Spaces: []fixture.SpaceDef{{ID: 512, Name: "users"}},
	}))
	t.Cleanup(func() { srv.Close() })

	tbl, err := Open("tnt://fixture:3301/users", userColumns, []int{0}, Options{
		Conn: tnt.Options{Dial: srv.Dial, Timeout: 5 * time.Second},
	})
	ok(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl, srv
}

func scan(t testing.TB, tbl *Table) [][]any {
	t.Helper()
	rows, err := tbl.Scan(context.Background())
	ok(t, err)
	all, err := rows.All()
	ok(t, err)
	return all
}

func TestOpen_Errors(t *testing.T) {
	cols := []Column{{Name: "id", Type: Int}, {Name: "v", Type: String}}
	_, err := Open("tnt://h:1/", cols, []int{0}, Options{})
	if !tnt.IsConfigError(err) {
		t.Errorf("bad endpoint: err = %v, wanted ConfigError", err)
	}
	for _, keys := range [][]int{nil, {2}, {-1}, {0, 0}} {
		if _, err := Open("tnt://h:1/t", cols, keys, Options{}); err == nil {
			t.Errorf("Open with key columns %v succeeded", keys)
		}
	}
	if _, err := Open("tnt://h:1/t", nil, []int{0}, Options{}); err == nil {
		t.Errorf("Open without columns succeeded")
	}
}

func TestTable_ConnectsOnDemand(t *testing.T) {
	var dials int
	srv := must(fixture.New(fixture.Options{Spaces: []fixture.SpaceDef{{ID: 512, Name: "users"}}}))
	defer srv.Close()
	tbl := must(Open("tnt://fixture:3301/users", userColumns, []int{0}, Options{
		Conn: tnt.Options{Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials++
			if addr != "fixture:3301" {
				t.Errorf("dial addr = %q", addr)
			}
			return srv.Dial(ctx, network, addr)
		}},
	}))
	defer tbl.Close()

	deepEqual(t, dials, 0)
	deepEqual(t, len(scan(t, tbl)), 0)
	deepEqual(t, len(scan(t, tbl)), 0)
	deepEqual(t, dials, 1)
}

func TestTable_WriteAndScan(t *testing.T) {
	tbl, _ := setup(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	ok(t, tbl.WriteRow(ctx, []any{uint64(1), "alice", 9.5, true, created}))
	ok(t, tbl.WriteRow(ctx, []any{2, "bob", nil, false, nil}))

	deepEqual(t, scan(t, tbl), [][]any{
		{uint64(1), "alice", 9.5, true, created},
		{uint64(2), "bob", nil, false, nil},
	})
}

func TestTable_WriteDuplicate(t *testing.T) {
	tbl, _ := setup(t)
	ctx := context.Background()
	ok(t, tbl.WriteRow(ctx, []any{1, "alice", nil, true, nil}))

	err := tbl.WriteRow(ctx, []any{1, "again", nil, true, nil})
	var re *tnt.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("WriteRow duplicate err = %v, wanted RemoteError", err)
	}
	// a remote error keeps the connection usable
	ok(t, tbl.ReplaceRow(ctx, []any{1, "again", nil, true, nil}))
	deepEqual(t, scan(t, tbl), [][]any{{uint64(1), "again", nil, true, nil}})
}

func TestTable_Lookup(t *testing.T) {
	tbl, _ := setup(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		ok(t, tbl.WriteRow(ctx, []any{i, "u", nil, true, nil}))
	}

	rows := must(tbl.Lookup(ctx, []any{2}))
	dst := make([]any, len(userColumns))
	ok(t, rows.Next(dst))
	deepEqual(t, dst[0], any(uint64(2)))
	deepEqual(t, rows.Next(dst), io.EOF)
	deepEqual(t, rows.Next(dst), io.EOF)

	rows = must(tbl.Lookup(ctx, []any{42}))
	deepEqual(t, rows.Next(dst), io.EOF)

	if _, err := tbl.Lookup(ctx, []any{1, 2}); err == nil {
		t.Errorf("Lookup with two key values succeeded")
	}
	if _, err := tbl.Lookup(ctx, []any{nil}); !errors.Is(err, ErrNotNullable) {
		t.Errorf("Lookup(nil) err = %v, wanted ErrNotNullable", err)
	}
}

func TestTable_DeleteRow(t *testing.T) {
	tbl, _ := setup(t)
	ctx := context.Background()
	ok(t, tbl.WriteRow(ctx, []any{1, "a", nil, true, nil}))
	ok(t, tbl.WriteRow(ctx, []any{2, "b", nil, true, nil}))

	ok(t, tbl.DeleteRow(ctx, []any{1, "ignored", nil, false, nil}))
	ok(t, tbl.DeleteRow(ctx, []any{7, "missing", nil, false, nil}))
	deepEqual(t, scan(t, tbl), [][]any{{uint64(2), "b", nil, true, nil}})
}

func TestTable_UpdateRow(t *testing.T) {
	tbl, srv := setup(t)
	ctx := context.Background()
	ok(t, tbl.WriteRow(ctx, []any{1, "a", nil, true, nil}))

	ok(t, tbl.UpdateRow(ctx, []any{1, "a", nil, true, nil}, []any{1, "a2", 1.0, true, nil}))
	deepEqual(t, scan(t, tbl), [][]any{{uint64(1), "a2", 1.0, true, nil}})

	srv.ResetStats()
	ok(t, tbl.UpdateRow(ctx, []any{1, "a2", 1.0, true, nil}, []any{5, "a5", nil, false, nil}))
	deepEqual(t, scan(t, tbl), [][]any{{uint64(5), "a5", nil, false, nil}})
	deepEqual(t, srv.Stats().Writes[512], 2)
}

func TestTable_UpdateRowStoresNewRowBeforeDeletingOld(t *testing.T) {
	dir := t.TempDir()
	srv := must(fixture.New(fixture.Options{
		Spaces:     []fixture.SpaceDef{{ID: 512, Name: "users"}},
		JournalDir: dir,
	}))
	t.Cleanup(func() { srv.Close() })
	tbl := must(Open("tnt://fixture:3301/users", userColumns, []int{0}, Options{
		Conn: tnt.Options{Dial: srv.Dial, Timeout: 5 * time.Second},
	}))
	t.Cleanup(func() { tbl.Close() })

	ctx := context.Background()
	ok(t, tbl.WriteRow(ctx, []any{1, "a", nil, true, nil}))
	ok(t, tbl.UpdateRow(ctx, []any{1, "a", nil, true, nil}, []any{2, "b", nil, true, nil}))

	var codes []iproto.Code
	for _, e := range must(fixture.ReadJournal(dir)) {
		codes = append(codes, e.Code)
	}
	deepEqual(t, codes, []iproto.Code{iproto.Insert, iproto.Replace, iproto.Delete})
	deepEqual(t, scan(t, tbl), [][]any{{uint64(2), "b", nil, true, nil}})
}

func TestTable_ColumnErrors(t *testing.T) {
	tbl, srv := setup(t)
	ctx := context.Background()

	err := tbl.WriteRow(ctx, []any{1, 2, nil, true, nil})
	var ce *ColumnError
	if !errors.As(err, &ce) || ce.Index != 1 || ce.Column != "name" || !errors.Is(err, tnt.ErrTypeMismatch) {
		t.Fatalf("err = %v, wanted ColumnError for name", err)
	}
	if err := tbl.WriteRow(ctx, []any{1, "x", nil, nil, nil}); !errors.Is(err, ErrNotNullable) {
		t.Fatalf("err = %v, wanted ErrNotNullable", err)
	}
	if err := tbl.WriteRow(ctx, []any{-1, "x", nil, true, nil}); !errors.Is(err, tnt.ErrTypeMismatch) {
		t.Fatalf("negative uint: err = %v, wanted ErrTypeMismatch", err)
	}
	if err := tbl.WriteRow(ctx, []any{1, "x"}); err == nil {
		t.Fatalf("short row succeeded")
	}
	deepEqual(t, srv.Stats().Writes[512], 0)
}

func TestRows_ShortTuplesArePadded(t *testing.T) {
	tbl, srv := setup(t)
	ok(t, srv.Put(512, must(tnt.EncodeTuple(tnt.Uint64Value(3), tnt.StringValue("c")))))
	deepEqual(t, scan(t, tbl), [][]any{{uint64(3), "c", nil, nil, nil}})
}

func TestRows_WrongStoredType(t *testing.T) {
	tbl, srv := setup(t)
	ok(t, srv.Put(512, must(tnt.EncodeTuple(tnt.Uint64Value(3), tnt.BoolValue(true)))))
	rows := must(tbl.Scan(context.Background()))
	err := rows.Next(make([]any, len(userColumns)))
	var ce *ColumnError
	if !errors.As(err, &ce) || ce.Index != 1 {
		t.Fatalf("Next err = %v, wanted ColumnError for column 1", err)
	}
	if err := rows.Next(make([]any, 2)); err == nil {
		t.Fatalf("Next with wrong dst size succeeded")
	}

	// the bad row ends the scan even though a good row follows
	ok(t, srv.Put(512, must(tnt.EncodeTuple(tnt.Uint64Value(4), tnt.StringValue("d")))))
	rows = must(tbl.Scan(context.Background()))
	_, err = rows.All()
	if !errors.As(err, &ce) {
		t.Fatalf("All err = %v, wanted ColumnError", err)
	}
	if err2 := rows.Next(make([]any, len(userColumns))); err2 != err {
		t.Fatalf("Next after failure err = %v, wanted %v", err2, err)
	}
}

func TestValues_RoundTrip(t *testing.T) {
	tests := []struct {
		col  Column
		in   any
		want any
	}{
		{Column{Type: Int}, int8(-5), int64(-5)},
		{Column{Type: Int}, uint32(7), int64(7)},
		{Column{Type: Uint}, uint16(9), uint64(9)},
		{Column{Type: String}, []byte("s"), "s"},
		{Column{Type: Bytes}, "b", []byte("b")},
		{Column{Type: Float}, 1.5, float32(1.5)},
		{Column{Type: Double}, float32(0.25), 0.25},
		{Column{Type: Timestamp}, int64(86400), time.Unix(86400, 0).UTC()},
		{Column{Type: Bool, Nullable: true}, nil, nil},
	}
	for _, tt := range tests {
		s, err := toScalar(tt.col, 0, tt.in)
		ok(t, err)
		// go through the wire so unsigned canonicalization applies
		it := must(tnt.DecodeReply(reply(must(tnt.EncodeTuple(s)))))
		row := must(it.Next())
		got, err := fromScalar(tt.col, 0, row[0])
		ok(t, err)
		deepEqual(t, got, tt.want)
	}
}

func TestValues_IntegersIntoFloatColumns(t *testing.T) {
	got, err := fromScalar(Column{Type: Double}, 0, tnt.Uint64Value(3))
	ok(t, err)
	deepEqual(t, got, any(3.0))
	got, err = fromScalar(Column{Type: Float}, 0, tnt.Int64Value(-2))
	ok(t, err)
	deepEqual(t, got, any(float32(-2)))
}

func TestValues_UintOverflowsInt(t *testing.T) {
	if _, err := toScalar(Column{Type: Int}, 0, uint64(1)<<63); !errors.Is(err, tnt.ErrTypeMismatch) {
		t.Errorf("err = %v, wanted ErrTypeMismatch", err)
	}
	if _, err := fromScalar(Column{Type: Int}, 0, tnt.Uint64Value(1<<63)); !errors.Is(err, tnt.ErrTypeMismatch) {
		t.Errorf("err = %v, wanted ErrTypeMismatch", err)
	}
}

// reply wraps one tuple into a one-row reply array.
func reply(tuple []byte) []byte {
	return append([]byte{0x91}, tuple...)
}

func ok(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("** %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	t.Helper()
	if !reflect.DeepEqual(a, e) {
		t.Fatalf("** got %v, wanted %v", a, e)
	}
}
