// Package journal implements segmented append-only record files.
//
// Records are appended in transactions: any number of WriteRecord calls
// followed by Commit. Readers only ever see committed records. Each writing
// session starts a new segment file, and a segment is also closed once it
// grows past MaxFileSize, so a crash can only tear the tail of the last one.
//
// # File format
//
//   - segment = header (record* commit)*
//   - header = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 firstRecord:64 invariant:8*24 checksum:64
//   - record = (size<<1):uvarint tsDelta:uvarint bytes*
//   - commit = running xxhash of the segment so far with the low bit set:64
//
// A record header always has the low bit of its first byte clear, which is
// how readers tell it apart from a commit. Numbers are little-endian.
//
// Segment files are named <prefix><ordinal>-<timestamp>-<first record id><suffix>.
package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/tnt/mmap"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrNotWritable        = errors.New("journal is not open for writing")
	ErrUncommitted        = errors.New("journal has uncommitted records")
	errCorruptedFile      = errors.New("corrupted journal segment file")
	errStopped            = errors.New("stopped")
)

type Options struct {
	FileName    string // e.g. "writes-*.wal"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time

	// Invariant is stored in every segment header and must match on read.
	Invariant [24]byte

	// Sync makes Commit fsync the segment.
	Sync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const maxRecordSize = 64 * 1024 * 1024

const (
	magic          = 0x314c4e524a544e54 // "TNTJRNL1" as little-endian uint64
	version0 uint8 = 0
)

const (
	segmentHeaderSize = 64
	commitSize        = 8
)

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	FirstRecord    uint64
	Invariant      [24]byte
	Checksum       uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
)

// Record is one committed record. IDs start at 1 and continue across
// segments and writing sessions.
type Record struct {
	ID        uint64
	Segment   uint32
	Timestamp uint32
	Data      []byte
}

// Journal is a directory of segment files. Writing is safe for concurrent
// use; reading does not block writers.
type Journal struct {
	dir            string
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	maxFileSize    int64
	now            func() time.Time
	invariant      [24]byte
	sync           bool
	logger         *slog.Logger
	verbose        bool

	writeLock sync.Mutex
	writable  bool
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	segWriter *segmentWriter
}

func New(dir string, o Options) *Journal {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Journal{
		dir:            dir,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		maxFileSize:    o.MaxFileSize,
		now:            o.Now,
		invariant:      o.Invariant,
		sync:           o.Sync,
		logger:         o.Logger,
		verbose:        o.Verbose,
	}
}

// Now is the current time in journal timestamp units.
func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 || v > math.MaxUint32 {
		panic("journal: clock out of range")
	}
	return uint32(v)
}

func (j *Journal) String() string {
	return j.debugName
}

// StartWriting prepares the journal for appending. It creates the directory
// if needed, deletes a last segment whose header is corrupted and picks up
// the record numbering where the last committed record left off.
func (j *Journal) StartWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.writable {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o777); err != nil {
		return j.fail(err)
	}

	for {
		segs, err := j.segments()
		if err != nil {
			return j.fail(err)
		}
		if len(segs) == 0 {
			break
		}
		last := segs[len(segs)-1]
		h, n, err := j.scanSegment(last, func(Record) error { return nil })
		if err == errCorruptedFile {
			j.logger.Warn("journal: deleting corrupted file", "jrnl", j.debugName, "file", last.name)
			if err := os.Remove(filepath.Join(j.dir, last.name)); err != nil {
				return j.fail(fmt.Errorf("journal: failed to delete corrupted file: %w", err))
			}
			continue
		} else if err != nil {
			return j.fail(err)
		}
		j.writeSeg = last.seq
		j.writeRec = h.FirstRecord - 1 + n
		break
	}
	j.writable = true
	if j.verbose {
		j.logger.Debug("journal: writing", "jrnl", j.debugName, "seg", j.writeSeg, "rec", j.writeRec)
	}
	return nil
}

// FinishWriting closes the current segment. Uncommitted records are lost.
func (j *Journal) FinishWriting() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	err := j.closeSegment_locked()
	j.writable = false
	return err
}

func (j *Journal) closeSegment_locked() error {
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.close()
	j.segWriter = nil
	return err
}

// fail latches the first write error; later writes return it.
func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.Error("journal: failed", "jrnl", j.debugName, "err", err)
	j.closeSegment_locked()
	j.writable = false
	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

// WriteRecord appends a record to the current transaction. A zero timestamp
// means now. Timestamps never go backwards within a segment.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("journal: record of %d bytes is too large", len(data))
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if !j.writable {
		return ErrNotWritable
	}
	if timestamp == 0 {
		timestamp = j.Now()
	}

	if j.segWriter == nil {
		sw, err := j.startSegment(j.writeSeg+1, timestamp, j.writeRec+1)
		if err != nil {
			return j.fail(err)
		}
		j.writeSeg++
		j.segWriter = sw
	}
	j.writeRec++
	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit makes the records written since the last commit visible to readers.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil {
		return nil
	}
	if err := sw.commit(j.sync); err != nil {
		return j.fail(err)
	}
	if sw.size >= j.maxFileSize {
		if err := j.closeSegment_locked(); err != nil {
			return j.fail(err)
		}
	}
	return nil
}

// Rotate closes the current segment so that the next record starts a new one.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.segWriter != nil && j.segWriter.uncommitted {
		return ErrUncommitted
	}
	return j.fail(j.closeSegment_locked())
}

// Records iterates over all committed records in order. A torn tail of a
// segment is skipped with a warning; a segment with a bad header is an error.
func (j *Journal) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		segs, err := j.segments()
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, seg := range segs {
			_, _, err := j.scanSegment(seg, func(rec Record) error {
				if !yield(rec, nil) {
					return errStopped
				}
				return nil
			})
			if err == errStopped {
				return
			} else if err != nil {
				yield(Record{}, fmt.Errorf("%s: %s: %w", j.debugName, seg.name, err))
				return
			}
		}
	}
}

type segmentFile struct {
	name string
	seq  uint32
}

// segments lists segment files in ordinal order.
func (j *Journal) segments() ([]segmentFile, error) {
	ents, err := os.ReadDir(j.dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var segs []segmentFile
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		inner, ok := strings.CutPrefix(name, j.fileNamePrefix)
		if !ok {
			continue
		}
		inner, ok = strings.CutSuffix(inner, j.fileNameSuffix)
		if !ok {
			continue
		}
		seq, _, _, err := parseSegmentName(inner)
		if err != nil {
			continue
		}
		segs = append(segs, segmentFile{name, seq})
	}
	return segs, nil
}

func (j *Journal) parseHeader(buf []byte, h *segmentHeader, expectedSeq uint32) error {
	if _, err := binary.Decode(buf, binary.LittleEndian, h); err != nil {
		return errCorruptedFile
	}
	if h.Magic != magic || h.Checksum != xxhash.Sum64(buf[:segmentHeaderSize-8]) {
		return errCorruptedFile
	}
	if h.SegmentOrdinal != expectedSeq || h.FirstRecord == 0 {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	return nil
}

// scanSegment calls fn for each committed record of seg and returns the
// header and the number of committed records. A torn tail ends the scan
// without an error; errCorruptedFile means the header itself is bad.
func (j *Journal) scanSegment(seg segmentFile, fn func(Record) error) (segmentHeader, uint64, error) {
	var h segmentHeader
	f, err := os.Open(filepath.Join(j.dir, seg.name))
	if err != nil {
		return h, 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return h, 0, err
	}
	if st.Size() < segmentHeaderSize {
		return h, 0, errCorruptedFile
	}
	if st.Size() > mmap.MaxSize {
		return h, 0, fmt.Errorf("segment of %d bytes is too large to map", st.Size())
	}
	data, err := mmap.Mmap(f, 0, int(st.Size()), mmap.SequentialAccess)
	if err != nil {
		return h, 0, err
	}
	defer mmap.Munmap(data)

	if err := j.parseHeader(data[:segmentHeaderSize], &h, seg.seq); err != nil {
		return h, 0, err
	}
	hash := xxhash.New()
	hash.Write(data[:segmentHeaderSize])

	ts := h.Timestamp
	id := h.FirstRecord
	var pending []Record
	var committed uint64
	var tornReason string
	off := segmentHeaderSize
	for off < len(data) {
		if data[off]&recordFlagCommit != 0 {
			if len(data)-off < commitSize {
				tornReason = "truncated commit"
				break
			}
			c := data[off : off+commitSize]
			if binary.LittleEndian.Uint64(c) != hash.Sum64()|uint64(recordFlagCommit) {
				tornReason = "checksum mismatch"
				break
			}
			hash.Write(c)
			off += commitSize
			for _, rec := range pending {
				if err := fn(rec); err != nil {
					return h, committed, err
				}
			}
			committed += uint64(len(pending))
			pending = pending[:0]
			continue
		}

		start := off
		sizeAndFlags, n := binary.Uvarint(data[off:])
		if n <= 0 {
			tornReason = "bad record header"
			break
		}
		off += n
		tsDelta, n := binary.Uvarint(data[off:])
		if n <= 0 {
			tornReason = "bad record header"
			break
		}
		off += n
		size := sizeAndFlags >> recordFlagShift
		if size > maxRecordSize || tsDelta > math.MaxUint32 || size > uint64(len(data)-off) {
			tornReason = "truncated record"
			break
		}
		end := off + int(size)
		hash.Write(data[start:end])
		ts += uint32(tsDelta)
		pending = append(pending, Record{ID: id, Segment: seg.seq, Timestamp: ts, Data: bytes.Clone(data[off:end])})
		id++
		off = end
	}
	if tornReason == "" && len(pending) > 0 {
		tornReason = "uncommitted records"
	}
	if tornReason != "" {
		j.logger.Warn("journal: torn segment tail", "jrnl", j.debugName, "file", seg.name, "reason", tornReason, "dropped", len(pending))
	}
	return h, committed, nil
}

type segmentWriter struct {
	f           *os.File
	w           *bufio.Writer
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func (j *Journal) startSegment(seg, ts uint32, firstRec uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, firstRec)
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		w:    bufio.NewWriter(f),
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		FirstRecord:    firstRec,
		Invariant:      j.invariant,
	})
	sw.hash.Write(hbuf[:])
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}

	if j.verbose {
		j.logger.Debug("journal: new segment", "jrnl", j.debugName, "file", name)
	}
	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	sw.hash.Write(data)
	if _, err := sw.w.Write(h); err != nil {
		return err
	}
	if _, err := sw.w.Write(data); err != nil {
		return err
	}
	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit(fsync bool) error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit
	sw.hash.Write(buf[:])
	if _, err := sw.w.Write(buf[:]); err != nil {
		return err
	}
	sw.size += commitSize
	if err := sw.w.Flush(); err != nil {
		return err
	}
	if fsync {
		return mmap.Fdatasync(sw.f, nil)
	}
	return nil
}

// close drops uncommitted records still in the buffer.
func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, h segmentHeader) {
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}
