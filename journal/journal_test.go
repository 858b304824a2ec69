package journal_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/tnt/journal"
	"github.com/andreyvit/tnt/journal/journaltest"
)

const magic = "'TNTJRNL1"

// hdr is a segment header without its trailing checksum.
func hdr(ordinal, ts, firstRec string) string {
	return magic + " 0/ver 0/pad 0_0/flags 0../pad " + ordinal + ".. " + ts + " " + firstRec + "... 0*24/invariant"
}

const ts0 = "80_00_92_65" // 2024-01-01T00:00:00Z

func TestJournal_Format(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	deepEq(t, files, []string{"j000000000001-20240101T000000-0000000000000001.wal"})

	data := j.Data(files[0])
	journaltest.BytesEq(t, data[:56], journaltest.Expand(hdr("1", ts0, "1")))
	records := journaltest.Expand(
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
	)
	journaltest.BytesEq(t, data[64:64+len(records)], records)
	deepEq(t, len(data), 64+len(records)+8)
	if data[64+len(records)]&1 == 0 {
		t.Errorf("commit marker low bit not set: %x", data[64+len(records):])
	}
}

func TestJournal_ReadBack(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Sync: true})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	j.Advance(5 * time.Second)
	ensure(j.WriteRecord(0, []byte("b")))
	ensure(j.WriteRecord(0, []byte("c")))
	ensure(j.Commit())

	start := uint32(journaltest.Start.Unix())
	deepEq(t, j.All(), []journal.Record{
		{ID: 1, Segment: 1, Timestamp: start, Data: []byte("a")},
		{ID: 2, Segment: 1, Timestamp: start + 5, Data: []byte("b")},
		{ID: 3, Segment: 1, Timestamp: start + 5, Data: []byte("c")},
	})
}

func TestJournal_UncommittedRecordsAreInvisible(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("kept")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("lost")))
	deepEq(t, datas(j.All()), []string{"kept"})

	if err := j.Rotate(); !errors.Is(err, journal.ErrUncommitted) {
		t.Errorf("Rotate err = %v, wanted ErrUncommitted", err)
	}

	// the next session numbers records after the last committed one
	j = j.Reopen()
	ensure(j.WriteRecord(0, []byte("next")))
	ensure(j.Commit())
	recs := j.All()
	deepEq(t, datas(recs), []string{"kept", "next"})
	deepEq(t, recs[1].ID, uint64(2))
	deepEq(t, recs[1].Segment, uint32(2))
}

func TestJournal_Rotation(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 100})
	var want []string
	for i := range 10 {
		s := string(rune('a'+i)) + "-0123456789"
		want = append(want, s)
		ensure(j.WriteRecord(0, []byte(s)))
		ensure(j.Commit())
	}
	if n := len(j.FileNames()); n < 3 {
		t.Errorf("got %d segment files, wanted rotation", n)
	}
	recs := j.All()
	deepEq(t, datas(recs), want)
	for i, rec := range recs {
		deepEq(t, rec.ID, uint64(i+1))
	}

	ensure(j.WriteRecord(0, []byte("x")))
	ensure(j.Commit())
	before := len(j.FileNames())
	ensure(j.Rotate())
	ensure(j.WriteRecord(0, []byte("y")))
	ensure(j.Commit())
	deepEq(t, len(j.FileNames()), before+1)
}

func TestJournal_TornTail(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("first")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("second")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	name := j.FileNames()[0]
	data := j.Data(name)
	ensure(os.WriteFile(filepath.Join(j.Dir, name), data[:len(data)-3], 0o644))
	deepEq(t, datas(j.All()), []string{"first"})

	// a flipped byte fails the commit checksum
	data[64+3] ^= 0xff
	ensure(os.WriteFile(filepath.Join(j.Dir, name), data, 0o644))
	deepEq(t, datas(j.All()), []string(nil))

	j = j.Reopen()
	ensure(j.WriteRecord(0, []byte("third")))
	ensure(j.Commit())
	recs := j.All()
	deepEq(t, datas(recs), []string{"third"})
	deepEq(t, recs[0].ID, uint64(1))
}

func TestJournal_CorruptedLastSegmentIsDeleted(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.FinishWriting())
	j.Put("j000000000002-20240101T000000-0000000000000002.wal", "'garbage")

	j = j.Reopen()
	deepEq(t, j.FileNames(), []string{"j000000000001-20240101T000000-0000000000000001.wal"})
	ensure(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	deepEq(t, datas(j.All()), []string{"a", "b"})
}

func TestJournal_Incompatible(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{Invariant: [24]byte{'x'}})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())

	other := journal.New(j.Dir, journal.Options{FileName: "j*.wal"})
	for _, err := range other.Records() {
		if !errors.Is(err, journal.ErrIncompatible) {
			t.Fatalf("err = %v, wanted ErrIncompatible", err)
		}
		return
	}
	t.Fatalf("no error for a foreign invariant")
}

func TestJournal_NotWritable(t *testing.T) {
	j := journal.New(t.TempDir(), journal.Options{})
	if err := j.WriteRecord(0, []byte("a")); !errors.Is(err, journal.ErrNotWritable) {
		t.Fatalf("err = %v, wanted ErrNotWritable", err)
	}
	ensure(j.Commit())
	for _, err := range j.Records() {
		t.Fatalf("unexpected record or error %v", err)
	}
}

func TestJournal_MissingDirectory(t *testing.T) {
	j := journal.New(filepath.Join(t.TempDir(), "nope"), journal.Options{})
	for _, err := range j.Records() {
		t.Fatalf("unexpected record or error %v", err)
	}
}

func datas(recs []journal.Record) []string {
	var result []string
	for _, rec := range recs {
		result = append(result, string(rec.Data))
	}
	return result
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
