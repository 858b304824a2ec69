// Package fixture is an in-process tuple store that speaks the IPROTO
// protocol. It backs the client's tests and the tntfixture command.
//
// Each space has a primary key on field 0. Data lives in a bolt file, or in
// memory when no path is given. Fault injection hooks let tests make the
// server misbehave in controlled ways.
package fixture

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andreyvit/tnt/iproto"
	"github.com/andreyvit/tnt/journal"
)

const DefaultVersion = "Tarantool 2.11.0 (Binary) fixture"

var ErrServerClosed = errors.New("fixture: server closed")

type Options struct {
	// Path is the bolt file to keep data in. Empty means in memory.
	Path string

	Logger  *slog.Logger
	Verbose bool

	// Version is the first greeting line.
	Version string

	// Spaces are created on start if missing.
	Spaces []SpaceDef

	// JournalDir, when set, receives a write-ahead journal of every applied
	// INSERT, REPLACE and DELETE. See ReadJournal.
	JournalDir string
}

// Server is safe for concurrent use; each connection is served by its own
// goroutine.
type Server struct {
	opt    Options
	logger *slog.Logger
	db     storage

	writeMu sync.Mutex
	journal *journal.Journal

	mu         sync.Mutex
	cat        *catalog
	syncSkew   int64
	replyDelay time.Duration
	hideSpaces bool
	stats      Stats
	closed     bool
	listeners  map[net.Listener]struct{}
	conns      map[net.Conn]struct{}
	wg         sync.WaitGroup
}

func New(opt Options) (*Server, error) {
	if opt.Version == "" {
		opt.Version = DefaultVersion
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var db storage
	if opt.Path == "" {
		db = newMemStorage()
	} else {
		var err error
		db, err = openBoltStorage(opt.Path)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		opt:       opt,
		logger:    logger,
		db:        db,
		stats:     newStats(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	if err := s.reloadCatalog(); err != nil {
		db.Close()
		return nil, err
	}
	for _, def := range opt.Spaces {
		if err := s.CreateSpace(def); err != nil {
			db.Close()
			return nil, err
		}
	}
	if opt.JournalDir != "" {
		j, err := openJournal(s)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.journal = j
	}
	return s, nil
}

func (s *Server) reloadCatalog() error {
	tx, err := s.db.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cat, err := loadCatalog(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cat = cat
	s.mu.Unlock()
	return nil
}

func (s *Server) catalog() *catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat
}

// CreateSpace adds a space to the catalog. Creating an existing space with
// the same name is a no-op.
func (s *Server) CreateSpace(def SpaceDef) error {
	if def.Name == "" {
		return fmt.Errorf("fixture: space %d has no name", def.ID)
	}
	if def.ID == iproto.SpaceVSpace || def.Name == catalogBucket {
		return fmt.Errorf("fixture: space %d %q is reserved", def.ID, def.Name)
	}
	tx, err := s.db.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cat, err := loadCatalog(tx)
	if err != nil {
		return err
	}
	if name, ok := cat.byID[def.ID]; ok {
		if name == def.Name {
			return nil
		}
		return fmt.Errorf("fixture: space %d already exists as %q", def.ID, name)
	}
	if id, ok := cat.byName[def.Name]; ok {
		return fmt.Errorf("fixture: space %q already exists with id %d", def.Name, id)
	}

	cb, err := tx.CreateBucket(catalogBucket)
	if err != nil {
		return err
	}
	if err := cb.Put(uintKey(uint64(def.ID)), encodeCatalogTuple(def)); err != nil {
		return err
	}
	if _, err := tx.CreateBucket(spaceBucket(def.ID)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "fixture: space created", slog.Uint64("id", uint64(def.ID)), slog.String("name", def.Name))
	return s.reloadCatalog()
}

// Put stores an encoded tuple into a space, replacing any tuple with the
// same primary key. It is journaled as a REPLACE.
func (s *Server) Put(space uint32, tuple []byte) error {
	if !s.catalog().has(space) {
		return fmt.Errorf("fixture: no space %d", space)
	}
	fields, err := splitArray(tuple)
	if err != nil {
		return fmt.Errorf("fixture: bad tuple: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("fixture: empty tuple")
	}
	key, err := storageKey(fields[0])
	if err != nil {
		return fmt.Errorf("fixture: bad primary key: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b := tx.Bucket(spaceBucket(space))
	if b == nil {
		return fmt.Errorf("fixture: no space %d", space)
	}
	if err := b.Put(key, tuple); err != nil {
		return err
	}
	if err := s.journalWrite(iproto.Replace, space, tuple); err != nil {
		return err
	}
	return tx.Commit()
}

// Tuples returns copies of every tuple in a space, in primary key order.
func (s *Server) Tuples(space uint32) ([][]byte, error) {
	tx, err := s.db.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b := tx.Bucket(spaceBucket(space))
	if b == nil {
		return nil, fmt.Errorf("fixture: no space %d", space)
	}
	result := make([][]byte, 0, b.KeyCount())
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		result = append(result, append([]byte(nil), v...))
	}
	return result, nil
}

// SchemaVersion is the version reported in reply headers.
func (s *Server) SchemaVersion() uint64 {
	return s.catalog().version
}

// SetSyncSkew makes replies echo sync+n instead of the request's sync.
func (s *Server) SetSyncSkew(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncSkew = n
}

// SetReplyDelay delays every reply by d.
func (s *Server) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyDelay = d
}

// HideSpaces makes selects on _vspace return no rows. Requests that use
// numeric space ids keep working.
func (s *Server) HideSpaces(hide bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideSpaces = hide
}

// Serve accepts connections on l until l fails or the server is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		if !s.track(nc) {
			nc.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			s.serveTracked(nc)
		}()
	}
}

// Dial connects to the server over an in-memory pipe. Its signature matches
// tnt.Options.Dial; the network and address are ignored.
func (s *Server) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	if !s.track(server) {
		client.Close()
		server.Close()
		return nil, ErrServerClosed
	}
	go func() {
		defer s.wg.Done()
		s.serveTracked(server)
	}()
	return client, nil
}

// ServeConn serves one connection until the peer disconnects. It closes nc
// when done.
func (s *Server) ServeConn(nc net.Conn) error {
	if !s.track(nc) {
		nc.Close()
		return ErrServerClosed
	}
	defer s.wg.Done()
	return s.serveTracked(nc)
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[nc] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) serveTracked(nc net.Conn) error {
	defer func() {
		nc.Close()
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	remote := nc.RemoteAddr().String()
	err := s.serve(ctx, nc)
	if err != nil && !s.isClosed() {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "fixture: connection failed", slog.String("remote", remote), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (s *Server) serve(ctx context.Context, nc net.Conn) error {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	if _, err := nc.Write(iproto.FormatGreeting(s.opt.Version, salt)); err != nil {
		return err
	}

	r := iproto.NewPacketReader(nc)
	w := iproto.NewPacketWriter()
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		h, body, err := iproto.ParseHeader(payload)
		if err != nil {
			return err
		}

		s.handle(ctx, w, h, body)

		s.mu.Lock()
		delay := s.replyDelay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := nc.Write(w.Finish()); err != nil {
			return err
		}
	}
}

// Close stops all listeners and connections, waits for their goroutines
// and closes the storage.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for l := range s.listeners {
		l.Close()
	}
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.journal != nil {
		s.journal.FinishWriting()
	}
	return s.db.Close()
}
