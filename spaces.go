package tnt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"

	"github.com/andreyvit/tnt/iproto"
	"github.com/vmihailenco/msgpack/v5"
)

// SpaceID is the numeric identifier of a space on the server.
type SpaceID int32

// SpaceRef names a space either by its name or by its numeric id. A
// numeric reference is used as is; a name is resolved through the
// connection's space cache.
type SpaceRef struct {
	Name    string
	ID      SpaceID
	numeric bool
}

func SpaceName(name string) SpaceRef {
	return SpaceRef{Name: name}
}

func SpaceNo(id SpaceID) SpaceRef {
	return SpaceRef{ID: id, numeric: true}
}

func (s SpaceRef) IsNumeric() bool {
	return s.numeric
}

func (s SpaceRef) IsZero() bool {
	return !s.numeric && s.Name == ""
}

func (s SpaceRef) String() string {
	if s.numeric {
		return strconv.FormatInt(int64(s.ID), 10)
	}
	return strconv.Quote(s.Name)
}

// ResolveSpace returns the id of the named space. A cached name costs no
// network traffic. An unknown name triggers exactly one reload of the space
// list; if the name is still unknown after that, ErrSpaceNotFound.
func (c *Conn) ResolveSpace(ctx context.Context, name string) (SpaceID, error) {
	c.lastErr = ""
	return c.resolve(ctx, SpaceName(name))
}

// CachedSpaces returns a copy of the name to id cache.
func (c *Conn) CachedSpaces() map[string]SpaceID {
	m := make(map[string]SpaceID, len(c.spaces))
	for k, v := range c.spaces {
		m[k] = v
	}
	return m
}

// ReloadSpaces fetches the full space list and merges it into the cache.
func (c *Conn) ReloadSpaces(ctx context.Context) error {
	c.lastErr = ""
	return c.reloadSchema(ctx)
}

func (c *Conn) resolve(ctx context.Context, space SpaceRef) (SpaceID, error) {
	if space.numeric {
		return space.ID, nil
	}
	if space.Name == "" {
		return 0, c.recordErr(fmt.Errorf("%w: empty space name", ErrSpaceNotFound))
	}
	if id, ok := c.spaces[space.Name]; ok {
		return id, nil
	}
	if err := c.reloadSchema(ctx); err != nil {
		return 0, err
	}
	if id, ok := c.spaces[space.Name]; ok {
		return id, nil
	}
	return 0, c.recordErr(fmt.Errorf("%w: %q", ErrSpaceNotFound, space.Name))
}

// reloadSchema fetches the full space list and merges it into the cache.
// Entries are never removed here; the cache is reset only on connect and
// disconnect.
func (c *Conn) reloadSchema(ctx context.Context) error {
	data, err := c.call(ctx, iproto.Select, func(enc *msgpack.Encoder) error {
		enc.EncodeMapLen(6)
		enc.EncodeUint(iproto.KeySpaceID)
		enc.EncodeUint(iproto.SpaceVSpace)
		enc.EncodeUint(iproto.KeyIndexID)
		enc.EncodeUint(0)
		enc.EncodeUint(iproto.KeyLimit)
		enc.EncodeUint(iproto.NoLimit)
		enc.EncodeUint(iproto.KeyOffset)
		enc.EncodeUint(0)
		enc.EncodeUint(iproto.KeyIterator)
		enc.EncodeUint(iproto.IterAll)
		enc.EncodeUint(iproto.KeyKey)
		return enc.EncodeArrayLen(0)
	})
	if err != nil {
		return err
	}
	n, err := mergeSpaceList(data, c.spaces)
	if err != nil {
		return c.recordErr(err)
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, "tnt: space list reloaded", slog.Int("spaces", n), slog.Int("cached", len(c.spaces)))
	return nil
}

// mergeSpaceList decodes a space list reply and adds every (name, id) pair
// to m. Rows carry maps and arrays past the name field, which are skipped.
// m is left untouched when the list is malformed.
func mergeSpaceList(data []byte, m map[string]SpaceID) (int, error) {
	found := make(map[string]SpaceID)
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(&r)
	off := func() int { return len(data) - r.Len() }

	n, err := dec.DecodeArrayLen()
	if err != nil || n < 0 {
		return 0, dataErrf(data, 0, ErrMalformedReply, "space list is not an array")
	}
	for i := 0; i < n; i++ {
		start := off()
		fields, err := dec.DecodeArrayLen()
		if err != nil || fields < 0 {
			return i, dataErrf(data, start, ErrMalformedReply, "space list row %d is not an array", i)
		}
		if fields <= iproto.VSpaceFieldName {
			return i, dataErrf(data, start, ErrMalformedReply, "space list row %d has %d fields", i, fields)
		}
		var id int64
		var name string
		for f := 0; f < fields; f++ {
			switch f {
			case iproto.VSpaceFieldID:
				id, err = dec.DecodeInt64()
			case iproto.VSpaceFieldName:
				name, err = dec.DecodeString()
			default:
				err = dec.Skip()
			}
			if err != nil {
				return i, dataErrf(data, start, ErrMalformedReply, "space list row %d field %d: %v", i, f, err)
			}
		}
		if id < 0 || id > math.MaxInt32 {
			return i, dataErrf(data, start, ErrMalformedReply, "space list row %d: space id %d out of range", i, id)
		}
		found[name] = SpaceID(id)
	}
	if r.Len() != 0 {
		return n, dataErrf(data, off(), ErrMalformedReply, "trailing bytes after space list")
	}
	maps.Copy(m, found)
	return n, nil
}
