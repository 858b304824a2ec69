package fixture

import (
	"bytes"
	"fmt"
	"time"

	"github.com/andreyvit/tnt/iproto"
	"github.com/andreyvit/tnt/journal"
	"github.com/vmihailenco/msgpack/v5"
)

const journalFileName = "writes-*.wal"

var journalInvariant = [24]byte{'t', 'n', 't', ' ', 'f', 'i', 'x', 't', 'u', 'r', 'e', ' ', 'w', 'r', 'i', 't', 'e', 's'}

// JournalEntry is one applied write. Tuple is the stored tuple for INSERT and
// REPLACE and the key for DELETE.
type JournalEntry struct {
	ID    uint64
	Time  time.Time
	Code  iproto.Code
	Space uint32
	Tuple []byte
}

func (e JournalEntry) String() string {
	return fmt.Sprintf("#%d %s %s space %d %x", e.ID, e.Time.Format(time.RFC3339), e.Code, e.Space, e.Tuple)
}

func openJournal(s *Server) (*journal.Journal, error) {
	j := journal.New(s.opt.JournalDir, journal.Options{
		FileName:  journalFileName,
		DebugName: "fixture",
		Invariant: journalInvariant,
		Logger:    s.logger,
		Verbose:   s.opt.Verbose,
	})
	if err := j.StartWriting(); err != nil {
		return nil, err
	}
	return j, nil
}

// journalWrite records a write before it is committed to storage. It must be
// called with s.writeMu held so that journal order is commit order.
func (s *Server) journalWrite(code iproto.Code, space uint32, tuple []byte) error {
	if s.journal == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.EncodeArrayLen(3)
	enc.EncodeUint(uint64(code))
	enc.EncodeUint(uint64(space))
	if err := enc.Encode(msgpack.RawMessage(tuple)); err != nil {
		return err
	}
	if err := s.journal.WriteRecord(0, buf.Bytes()); err != nil {
		return err
	}
	return s.journal.Commit()
}

func decodeJournalEntry(rec journal.Record) (JournalEntry, error) {
	e := JournalEntry{
		ID:   rec.ID,
		Time: time.Unix(int64(rec.Timestamp), 0).UTC(),
	}
	dec := msgpack.NewDecoder(bytes.NewReader(rec.Data))
	n, err := dec.DecodeArrayLen()
	if err != nil || n != 3 {
		return e, fmt.Errorf("journal record %d: not a 3-element array", rec.ID)
	}
	code, err := dec.DecodeUint32()
	if err != nil {
		return e, fmt.Errorf("journal record %d: code: %w", rec.ID, err)
	}
	e.Code = iproto.Code(code)
	if e.Space, err = dec.DecodeUint32(); err != nil {
		return e, fmt.Errorf("journal record %d: space: %w", rec.ID, err)
	}
	raw, err := dec.DecodeRaw()
	if err != nil {
		return e, fmt.Errorf("journal record %d: tuple: %w", rec.ID, err)
	}
	e.Tuple = raw
	return e, nil
}

// ReadJournal returns the committed writes recorded in dir by a server
// started with Options.JournalDir.
func ReadJournal(dir string) ([]JournalEntry, error) {
	j := journal.New(dir, journal.Options{
		FileName:  journalFileName,
		DebugName: "fixture",
		Invariant: journalInvariant,
	})
	var entries []JournalEntry
	for rec, err := range j.Records() {
		if err != nil {
			return entries, err
		}
		e, err := decodeJournalEntry(rec)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
