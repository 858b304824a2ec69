// Package tnttable maps rows of typed columns onto one space of a remote
// tuple store. A Table owns a single tnt.Conn, connects on demand and
// serializes all access to it, so it can be shared between goroutines.
package tnttable

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/andreyvit/tnt"
)

type Options struct {
	Conn tnt.Options
}

type Table struct {
	endpoint   tnt.Endpoint
	columns    []Column
	keyColumns []int
	logger     *slog.Logger

	mu   sync.Mutex
	conn *tnt.Conn
}

// Open validates the table definition and parses endpointURI. It does not
// connect; the first operation does.
//
// keyColumns lists the indexes of the columns that make up the space's
// primary key, in key order.
func Open(endpointURI string, columns []Column, keyColumns []int, opt Options) (*Table, error) {
	ep, err := tnt.ParseEndpoint(endpointURI)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("tnttable: %s: no columns", endpointURI)
	}
	if len(keyColumns) == 0 {
		return nil, fmt.Errorf("tnttable: %s: no key columns", endpointURI)
	}
	seen := make(map[int]bool, len(keyColumns))
	for _, k := range keyColumns {
		if k < 0 || k >= len(columns) {
			return nil, fmt.Errorf("tnttable: %s: key column %d out of range", endpointURI, k)
		}
		if seen[k] {
			return nil, fmt.Errorf("tnttable: %s: duplicate key column %d", endpointURI, k)
		}
		seen[k] = true
	}
	logger := opt.Conn.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		endpoint:   ep,
		columns:    columns,
		keyColumns: keyColumns,
		logger:     logger,
		conn:       tnt.New(opt.Conn),
	}, nil
}

func (t *Table) Endpoint() tnt.Endpoint {
	return t.endpoint
}

func (t *Table) Columns() []Column {
	return t.columns
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

// ensureConnected must be called with t.mu held.
func (t *Table) ensureConnected(ctx context.Context) error {
	if t.conn.Connected() {
		return nil
	}
	if err := t.conn.Connect(ctx, t.endpoint.Addr()); err != nil {
		t.logger.LogAttrs(ctx, slog.LevelWarn, "tnttable: no connection", slog.String("endpoint", t.endpoint.String()), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (t *Table) encodeRow(values []any) (*tnt.TupleBuilder, error) {
	if len(values) != len(t.columns) {
		return nil, fmt.Errorf("tnttable: %d values for %d columns", len(values), len(t.columns))
	}
	b := tnt.NewTupleBuilder(len(values))
	for i, v := range values {
		s, err := toScalar(t.columns[i], i, v)
		if err != nil {
			return nil, err
		}
		b.Push(s)
	}
	return b, b.Err()
}

// encodeKey builds the primary key tuple from a full row.
func (t *Table) encodeKey(row []any) (*tnt.TupleBuilder, error) {
	if len(row) != len(t.columns) {
		return nil, fmt.Errorf("tnttable: %d values for %d columns", len(row), len(t.columns))
	}
	key := make([]any, len(t.keyColumns))
	for i, k := range t.keyColumns {
		key[i] = row[k]
	}
	return t.encodeKeyValues(key)
}

func (t *Table) encodeKeyValues(key []any) (*tnt.TupleBuilder, error) {
	if len(key) != len(t.keyColumns) {
		return nil, fmt.Errorf("tnttable: %d key values for %d key columns", len(key), len(t.keyColumns))
	}
	b := tnt.NewTupleBuilder(len(key))
	for i, v := range key {
		k := t.keyColumns[i]
		col := t.columns[k]
		col.Nullable = false
		s, err := toScalar(col, k, v)
		if err != nil {
			return nil, err
		}
		b.Push(s)
	}
	return b, b.Err()
}

func (t *Table) write(ctx context.Context, values []any, op func(ctx context.Context, space tnt.SpaceRef, tuple *tnt.TupleBuilder) error) error {
	b, err := t.encodeRow(values)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	return op(ctx, t.endpoint.Space, b)
}

// WriteRow inserts a new row. A row with the same key is a *tnt.RemoteError.
func (t *Table) WriteRow(ctx context.Context, values []any) error {
	return t.write(ctx, values, t.conn.Insert)
}

// ReplaceRow inserts or overwrites a row.
func (t *Table) ReplaceRow(ctx context.Context, values []any) error {
	return t.write(ctx, values, t.conn.Replace)
}

// UpdateRow stores newRow in place of oldRow. When the key changes the old
// row is deleted after newRow is stored, so a failure in between leaves both
// rows rather than neither.
func (t *Table) UpdateRow(ctx context.Context, oldRow, newRow []any) error {
	oldKey, err := t.encodeKey(oldRow)
	if err != nil {
		return err
	}
	newKey, err := t.encodeKey(newRow)
	if err != nil {
		return err
	}
	b, err := t.encodeRow(newRow)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	if err := t.conn.Replace(ctx, t.endpoint.Space, b); err != nil {
		return err
	}
	if string(must(oldKey.Tuple())) != string(must(newKey.Tuple())) {
		return t.conn.Delete(ctx, t.endpoint.Space, oldKey)
	}
	return nil
}

// DeleteRow deletes the row whose key columns match those of row. Deleting
// a missing row is not an error.
func (t *Table) DeleteRow(ctx context.Context, row []any) error {
	key, err := t.encodeKey(row)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	return t.conn.Delete(ctx, t.endpoint.Space, key)
}

// Scan returns every row of the space in server order.
func (t *Table) Scan(ctx context.Context) (*Rows, error) {
	return t.query(ctx, tnt.NewTupleBuilder(0))
}

// Lookup returns the rows whose key equals key, given in key column order.
func (t *Table) Lookup(ctx context.Context, key []any) (*Rows, error) {
	b, err := t.encodeKeyValues(key)
	if err != nil {
		return nil, err
	}
	return t.query(ctx, b)
}

func (t *Table) query(ctx context.Context, key *tnt.TupleBuilder) (*Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}
	it, err := t.conn.Select(ctx, t.endpoint.Space, key)
	if err != nil {
		return nil, err
	}
	return &Rows{t: t, it: it}, nil
}

// Rows is a cursor over a Scan or Lookup result. It must be drained before
// the next operation on the same Table, which invalidates it.
type Rows struct {
	t   *Table
	it  *tnt.Iterator
	err error
}

// Next fills dst, which must have one slot per column, with the next row.
// Fields missing from a short tuple are set to nil. It returns io.EOF after
// the last row. Errors are final, including a *ColumnError for a stored
// value that does not fit its column.
func (r *Rows) Next(dst []any) error {
	if r.err != nil {
		return r.err
	}
	cols := r.t.columns
	if len(dst) != len(cols) {
		return fmt.Errorf("tnttable: Next with %d slots for %d columns", len(dst), len(cols))
	}

	r.t.mu.Lock()
	row, err := r.it.Next()
	r.t.mu.Unlock()
	if err != nil {
		r.err = err
		return err
	}

	for i, col := range cols {
		if i >= row.FieldCount() {
			dst[i] = nil
			continue
		}
		v, err := fromScalar(col, i, row[i])
		if err != nil {
			r.err = err
			return err
		}
		dst[i] = v
	}
	return nil
}

// All reads the remaining rows.
func (r *Rows) All() ([][]any, error) {
	var result [][]any
	for {
		dst := make([]any, len(r.t.columns))
		err := r.Next(dst)
		if err == io.EOF {
			return result, nil
		} else if err != nil {
			return result, err
		}
		result = append(result, dst)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
