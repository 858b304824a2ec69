package fixture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/andreyvit/tnt/iproto"
)

// Server error codes.
const (
	ErIllegalParams      = 1
	ErTupleFound         = 3
	ErUnsupported        = 5
	ErExactMatch         = 19
	ErNoSuchIndex        = 35
	ErNoSuchSpace        = 36
	ErUnknownRequestType = 48
)

type serverError struct {
	code uint32
	msg  string
}

func errorf(code uint32, format string, args ...any) *serverError {
	return &serverError{code, fmt.Sprintf(format, args...)}
}

func (e *serverError) Error() string {
	return e.msg
}

// request is one decoded request together with what the handler needs to
// build its reply.
type request struct {
	h    iproto.Header
	body iproto.RequestBody
	cat  *catalog
}

func (req *request) space() string {
	return req.cat.spaceName(req.body.SpaceID)
}

// handle processes one request and leaves the reply packet in w.
func (s *Server) handle(ctx context.Context, w *iproto.PacketWriter, h iproto.Header, body []byte) {
	s.mu.Lock()
	cat := s.cat
	skew := s.syncSkew
	hide := s.hideSpaces
	s.mu.Unlock()

	req := &request{h: h, cat: cat}
	var data [][]byte
	var err error

	rb, perr := iproto.ParseRequestBody(body)
	req.body = rb
	s.count(h.Code, rb)
	if perr != nil {
		err = errorf(ErIllegalParams, "Invalid MsgPack - request body: %v", perr)
	} else {
		switch h.Code {
		case iproto.Ping:
		case iproto.Select:
			data, err = s.handleSelect(req, hide)
		case iproto.Insert, iproto.Replace:
			data, err = s.handleWrite(req)
		case iproto.Delete:
			data, err = s.handleDelete(req)
		case iproto.Update:
			err = errorf(ErUnsupported, "update is not supported")
		default:
			err = errorf(ErUnknownRequestType, "Unknown request type %d", uint32(h.Code))
		}
	}

	rh := iproto.Header{
		Code:          iproto.OK,
		Sync:          uint64(int64(h.Sync) + skew),
		SchemaVersion: cat.version,
	}
	enc := w.Encoder()
	if err != nil {
		se, ok := err.(*serverError)
		if !ok {
			se = errorf(ErIllegalParams, "%v", err)
		}
		rh.Code = iproto.ErrorCode(se.code)
		w.Begin(rh)
		_ = enc.EncodeMapLen(1)
		_ = enc.EncodeUint(iproto.KeyError)
		_ = enc.EncodeString(se.msg)
		s.logger.LogAttrs(ctx, slog.LevelDebug, "fixture: request failed", slog.String("op", h.Code.String()), slog.Uint64("sync", h.Sync), slog.Uint64("code", uint64(se.code)), slog.String("err", se.msg))
		return
	}

	w.Begin(rh)
	if h.Code == iproto.Ping {
		_ = enc.EncodeMapLen(0)
	} else {
		_ = enc.EncodeMapLen(1)
		_ = enc.EncodeUint(iproto.KeyData)
		_ = enc.EncodeArrayLen(len(data))
		for _, t := range data {
			w.WriteRaw(t)
		}
	}
	if s.opt.Verbose {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "fixture: request", slog.String("op", h.Code.String()), slog.Uint64("sync", h.Sync), slog.Uint64("space", uint64(rb.SpaceID)), slog.Int("tuples", len(data)))
	}
}

func (s *Server) count(code iproto.Code, rb iproto.RequestBody) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Requests[code]++
	if !rb.HasSpaceID {
		return
	}
	switch code {
	case iproto.Select:
		s.stats.Selects[rb.SpaceID]++
	case iproto.Insert, iproto.Replace, iproto.Delete, iproto.Update:
		s.stats.Writes[rb.SpaceID]++
	}
}

func (req *request) checkSpace() *serverError {
	if !req.body.HasSpaceID {
		return errorf(ErIllegalParams, "Missing mandatory field 'space id' in request")
	}
	if req.body.SpaceID != iproto.SpaceVSpace && !req.cat.has(req.body.SpaceID) {
		return errorf(ErNoSuchSpace, "Space '%d' does not exist", req.body.SpaceID)
	}
	return nil
}

func (req *request) checkIndex() *serverError {
	if req.body.IndexID != 0 {
		return errorf(ErNoSuchIndex, "No index #%d is defined in space '%s'", req.body.IndexID, req.space())
	}
	return nil
}

// exactKey returns the storage key of a single-part key.
func (req *request) exactKey() ([]byte, *serverError) {
	if req.body.Key == nil {
		return nil, errorf(ErIllegalParams, "Missing mandatory field 'key' in request")
	}
	parts, err := splitArray(req.body.Key)
	if err != nil {
		return nil, errorf(ErIllegalParams, "Invalid MsgPack - key: %v", err)
	}
	if len(parts) != 1 {
		return nil, errorf(ErExactMatch, "Invalid key part count in an exact match (expected 1, got %d)", len(parts))
	}
	key, err := storageKey(parts[0])
	if err != nil {
		return nil, errorf(ErIllegalParams, "Invalid key: %v", err)
	}
	return key, nil
}

// bucketName returns the bucket a space's tuples live in.
func (req *request) bucketName() string {
	if req.body.SpaceID == iproto.SpaceVSpace {
		return catalogBucket
	}
	return spaceBucket(req.body.SpaceID)
}

// handleSelect serves EQ and ALL on the primary index. An empty key selects
// everything in primary key order. ALL with a key starts at that key.
func (s *Server) handleSelect(req *request, hide bool) ([][]byte, error) {
	if err := req.checkSpace(); err != nil {
		return nil, err
	}
	if err := req.checkIndex(); err != nil {
		return nil, err
	}
	it := req.body.Iterator
	if it != iproto.IterEq && it != iproto.IterAll {
		return nil, errorf(ErIllegalParams, "Unsupported iterator type %d", it)
	}
	var parts [][]byte
	if req.body.Key != nil {
		var err error
		parts, err = splitArray(req.body.Key)
		if err != nil {
			return nil, errorf(ErIllegalParams, "Invalid MsgPack - key: %v", err)
		}
	}
	if len(parts) > 1 {
		return nil, errorf(ErExactMatch, "Invalid key part count (expected [0..1], got %d)", len(parts))
	}
	if req.body.SpaceID == iproto.SpaceVSpace && hide {
		return nil, nil
	}

	tx, err := s.db.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b := tx.Bucket(req.bucketName())
	if b == nil {
		return nil, nil
	}

	// Tuples are copied since the reply is written after the tx ends.
	var result [][]byte
	if len(parts) == 1 && it == iproto.IterEq {
		key, err := storageKey(parts[0])
		if err != nil {
			return nil, errorf(ErIllegalParams, "Invalid key: %v", err)
		}
		if v := b.Get(key); v != nil && req.body.Offset == 0 && req.body.Limit > 0 {
			result = append(result, append([]byte(nil), v...))
		}
		return result, nil
	}

	c := b.Cursor()
	var k, v []byte
	if len(parts) == 1 {
		key, err := storageKey(parts[0])
		if err != nil {
			return nil, errorf(ErIllegalParams, "Invalid key: %v", err)
		}
		k, v = c.Seek(key)
	} else {
		k, v = c.First()
	}
	for skip := req.body.Offset; k != nil && skip > 0; skip-- {
		k, v = c.Next()
	}
	for ; k != nil && uint32(len(result)) < req.body.Limit; k, v = c.Next() {
		result = append(result, append([]byte(nil), v...))
	}
	return result, nil
}

// handleWrite serves INSERT and REPLACE and returns the stored tuple.
func (s *Server) handleWrite(req *request) ([][]byte, error) {
	if err := req.checkSpace(); err != nil {
		return nil, err
	}
	if req.body.SpaceID == iproto.SpaceVSpace {
		return nil, errorf(ErUnsupported, "%s does not support writes", catalogBucket)
	}
	if req.body.Tuple == nil {
		return nil, errorf(ErIllegalParams, "Missing mandatory field 'tuple' in request")
	}
	fields, err := splitArray(req.body.Tuple)
	if err != nil {
		return nil, errorf(ErIllegalParams, "Invalid MsgPack - tuple: %v", err)
	}
	if len(fields) == 0 {
		return nil, errorf(ErIllegalParams, "Tuple field 1 required by space format is missing")
	}
	key, err := storageKey(fields[0])
	if err != nil {
		return nil, errorf(ErIllegalParams, "Invalid primary key: %v", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b, err := tx.CreateBucket(req.bucketName())
	if err != nil {
		return nil, err
	}
	if req.h.Code == iproto.Insert && b.Get(key) != nil {
		return nil, errorf(ErTupleFound, "Duplicate key exists in unique index 'primary' in space '%s'", req.space())
	}
	if err := b.Put(key, req.body.Tuple); err != nil {
		return nil, err
	}
	if err := s.journalWrite(req.h.Code, req.body.SpaceID, req.body.Tuple); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return [][]byte{req.body.Tuple}, nil
}

// handleDelete removes the tuple with the given key and returns it, or
// returns nothing when there is no such tuple.
func (s *Server) handleDelete(req *request) ([][]byte, error) {
	if err := req.checkSpace(); err != nil {
		return nil, err
	}
	if req.body.SpaceID == iproto.SpaceVSpace {
		return nil, errorf(ErUnsupported, "%s does not support writes", catalogBucket)
	}
	if err := req.checkIndex(); err != nil {
		return nil, err
	}
	key, serr := req.exactKey()
	if serr != nil {
		return nil, serr
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b := tx.Bucket(req.bucketName())
	if b == nil {
		return nil, nil
	}
	old := b.Get(key)
	if old == nil {
		return nil, nil
	}
	old = append([]byte(nil), old...)
	if err := b.Delete(key); err != nil {
		return nil, err
	}
	if err := s.journalWrite(iproto.Delete, req.body.SpaceID, req.body.Key); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return [][]byte{old}, nil
}
