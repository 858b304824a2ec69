package fixture

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/andreyvit/tnt/iproto"
	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// catalogBucket holds one _vspace tuple per space, keyed by space id.
const catalogBucket = "_vspace"

// SpaceDef declares a user space.
type SpaceDef struct {
	ID   uint32
	Name string
}

func spaceBucket(id uint32) string {
	return "space." + strconv.FormatUint(uint64(id), 10)
}

// catalog is the in-memory view of catalogBucket.
type catalog struct {
	byID    map[uint32]string
	byName  map[string]uint32
	version uint64
}

// encodeCatalogTuple builds the _vspace row of a space:
// [id, owner, name, engine, field_count, flags, format].
func encodeCatalogTuple(def SpaceDef) []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	_ = enc.EncodeArrayLen(7)
	_ = enc.EncodeUint(uint64(def.ID))
	_ = enc.EncodeUint(1)
	_ = enc.EncodeString(def.Name)
	_ = enc.EncodeString("memtx")
	_ = enc.EncodeUint(0)
	_ = enc.EncodeMapLen(0)
	_ = enc.EncodeArrayLen(0)
	return buf.Bytes()
}

func decodeCatalogTuple(tuple []byte) (SpaceDef, error) {
	fields, err := splitArray(tuple)
	if err != nil {
		return SpaceDef{}, err
	}
	if len(fields) <= iproto.VSpaceFieldName {
		return SpaceDef{}, fmt.Errorf("catalog tuple has %d fields", len(fields))
	}
	var def SpaceDef
	if err := msgpack.Unmarshal(fields[iproto.VSpaceFieldID], &def.ID); err != nil {
		return def, fmt.Errorf("catalog id: %w", err)
	}
	if err := msgpack.Unmarshal(fields[iproto.VSpaceFieldName], &def.Name); err != nil {
		return def, fmt.Errorf("catalog name: %w", err)
	}
	return def, nil
}

// loadCatalog reads catalogBucket. The schema version is a hash of every
// catalog tuple in key order, so it changes whenever a space is added.
func loadCatalog(tx storageTx) (*catalog, error) {
	cat := &catalog{
		byID:   make(map[uint32]string),
		byName: make(map[string]uint32),
	}
	h := xxhash.New()
	if b := tx.Bucket(catalogBucket); b != nil {
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			def, err := decodeCatalogTuple(v)
			if err != nil {
				return nil, fmt.Errorf("fixture: corrupted catalog entry %x: %w", k, err)
			}
			cat.byID[def.ID] = def.Name
			cat.byName[def.Name] = def.ID
			h.Write(v)
		}
	}
	// Zero means "not reported" on the wire.
	cat.version = h.Sum64() | 1
	return cat, nil
}

func (cat *catalog) spaceName(id uint32) string {
	if id == iproto.SpaceVSpace {
		return catalogBucket
	}
	if name, ok := cat.byID[id]; ok {
		return name
	}
	return strconv.FormatUint(uint64(id), 10)
}

func (cat *catalog) has(id uint32) bool {
	_, ok := cat.byID[id]
	return ok
}
