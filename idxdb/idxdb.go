// Package idxdb implements IdxDB, the open-addressing hash index that
// maps a secondary key to a set of (pkgidx, datidx) hits, stored as one
// XDB sub-blob per index tag.
package idxdb

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpm-software-management/go-ndb/xdb"
)

var (
	ErrNotFound = errors.New("idxdb: key not found")
	ErrCorrupt  = errors.New("idxdb: corrupt database")
	ErrInvalid  = errors.New("idxdb: invalid argument")
)

const (
	magic   = 0x49 << 24 | 0x6d << 16 | 0x70 << 8 | 0x52 // "RpmI" LE
	version = 0

	offMagic      = 0
	offVersion    = 4
	offGeneration = 8
	offNSlots     = 12
	offUsedSlots  = 16
	offDummySlots = 20
	offXMask      = 24
	offKeyEnd     = 28
	offKeyExcess  = 32
	headerSize    = 36

	slotOffset    = 64
	keyChunkSize  = 4096
	subtagActive  = 0
	subtagRebuild = 1

	tombstone = 0xffffffff
)

// IdxDB is one open secondary index, backed by a single XDB sub-blob
// tagged with tag/subtagActive.
type IdxDB struct {
	x   *xdb.XDB
	tag uint32
	id  int

	readOnly bool
	log      *logrus.Entry

	mapped []byte

	generation uint32
	nslots     uint32
	usedslots  uint32
	dummyslots uint32
	xmask      uint32
	hmask      uint32
	keyend     uint32
	keyexcess  uint32

	filter    *bloom.BloomFilter
	filterGen uint32
}

// Open attaches to (or creates) the index tagged tag within x.
func Open(x *xdb.XDB, tag uint32, readOnly bool, log *logrus.Entry) (*IdxDB, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	idx := &IdxDB{x: x, tag: tag, readOnly: readOnly, log: log.WithField("component", "idxdb")}

	if err := x.Lock(true); err != nil {
		return nil, err
	}
	defer x.Unlock(true)

	id, err := x.LookupBlob(tag, subtagActive, 0)
	switch {
	case err == nil:
		idx.id = id
	case errors.Is(err, xdb.ErrNotFound):
		if err := idx.rebuild(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return idx, nil
}

func (idx *IdxDB) setMapped(data []byte) {
	idx.mapped = data
	if data == nil {
		return
	}
	idx.nslots = binary.LittleEndian.Uint32(data[offNSlots:])
	idx.hmask = idx.nslots - 1
}

func (idx *IdxDB) slots() []byte { return idx.mapped[slotOffset:] }
func (idx *IdxDB) keys() []byte  { return idx.mapped[int(slotOffset)+int(idx.nslots)*12:] }

func (idx *IdxDB) lock(exclusive bool) error {
	if err := idx.x.Lock(exclusive); err != nil {
		return err
	}
	if err := idx.ensureMapped(); err != nil {
		idx.x.Unlock(exclusive)
		return err
	}
	return nil
}

func (idx *IdxDB) unlock(exclusive bool) error {
	return idx.x.Unlock(exclusive)
}

// ensureMapped establishes the mmap mapping and reads the header when
// no mapping is held. While a mapping is held it returns at once: the
// header fields are not re-read, and only nslots/hmask are refreshed,
// through setMapped, when XDB relocates the blob.
func (idx *IdxDB) ensureMapped() error {
	if idx.mapped != nil {
		return nil
	}
	var mapErr error
	cb := func(data []byte) {
		idx.setMapped(data)
	}
	rw := !idx.readOnly
	if err := idx.x.MapBlob(idx.id, rw, func(data []byte) {
		cb(data)
	}); err != nil {
		return err
	}
	if idx.mapped == nil || len(idx.mapped) < slotOffset {
		mapErr = errors.Wrap(ErrCorrupt, "idxdb: blob too small for header")
		idx.x.UnmapBlob(idx.id)
		return mapErr
	}
	if binary.LittleEndian.Uint32(idx.mapped[offMagic:]) != magic {
		idx.x.UnmapBlob(idx.id)
		return errors.Wrap(ErrCorrupt, "idxdb: bad magic")
	}
	if binary.LittleEndian.Uint32(idx.mapped[offVersion:]) != version {
		idx.x.UnmapBlob(idx.id)
		return errors.Wrap(ErrCorrupt, "idxdb: version mismatch")
	}
	idx.generation = binary.LittleEndian.Uint32(idx.mapped[offGeneration:])
	idx.usedslots = binary.LittleEndian.Uint32(idx.mapped[offUsedSlots:])
	idx.dummyslots = binary.LittleEndian.Uint32(idx.mapped[offDummySlots:])
	idx.xmask = binary.LittleEndian.Uint32(idx.mapped[offXMask:])
	idx.keyend = binary.LittleEndian.Uint32(idx.mapped[offKeyEnd:])
	idx.keyexcess = binary.LittleEndian.Uint32(idx.mapped[offKeyExcess:])
	return nil
}

func (idx *IdxDB) close() error {
	if idx.mapped != nil {
		if err := idx.x.UnmapBlob(idx.id); err != nil {
			return err
		}
		idx.mapped = nil
	}
	return nil
}

// Close releases this index's mapping. It does not close the
// underlying XDB, which callers may share across several indexes.
func (idx *IdxDB) Close() error {
	if err := idx.x.Lock(false); err != nil {
		return err
	}
	defer idx.x.Unlock(false)
	return idx.close()
}

func (idx *IdxDB) writeHeader() {
	binary.LittleEndian.PutUint32(idx.mapped[offMagic:], magic)
	binary.LittleEndian.PutUint32(idx.mapped[offVersion:], version)
	binary.LittleEndian.PutUint32(idx.mapped[offGeneration:], idx.generation)
	binary.LittleEndian.PutUint32(idx.mapped[offNSlots:], idx.nslots)
	binary.LittleEndian.PutUint32(idx.mapped[offUsedSlots:], idx.usedslots)
	binary.LittleEndian.PutUint32(idx.mapped[offDummySlots:], idx.dummyslots)
	binary.LittleEndian.PutUint32(idx.mapped[offXMask:], idx.xmask)
	binary.LittleEndian.PutUint32(idx.mapped[offKeyEnd:], idx.keyend)
	binary.LittleEndian.PutUint32(idx.mapped[offKeyExcess:], idx.keyexcess)
}

func (idx *IdxDB) bumpGeneration() {
	idx.generation++
	binary.LittleEndian.PutUint32(idx.mapped[offGeneration:], idx.generation)
}

// Stats summarizes current load for diagnostics/ndbtool.
type Stats struct {
	Generation uint32
	NSlots     uint32
	UsedSlots  uint32
	DummySlots uint32
	KeyEnd     uint32
	KeyExcess  uint32
}

func (idx *IdxDB) Stats() (Stats, error) {
	if err := idx.lock(false); err != nil {
		return Stats{}, err
	}
	defer idx.unlock(false)
	return Stats{
		Generation: idx.generation,
		NSlots:     idx.nslots,
		UsedSlots:  idx.usedslots,
		DummySlots: idx.dummyslots,
		KeyEnd:     idx.keyend,
		KeyExcess:  idx.keyexcess,
	}, nil
}
