package pkgdb

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// readHeader refreshes the in-memory generation/slotnpages/nextpkgidx from
// disk, unless they are already known-good (db.headerOK), mirroring
// rpmpkgReadHeader's "if we always hold the write lock then our data
// matches" shortcut.
func (db *PkgDB) readHeader() error {
	if db.headerOK {
		return nil
	}
	var buf [headerSize]byte
	if _, err := db.f.ReadAt(buf[:], 0); err != nil {
		return errors.Wrap(err, "pkgdb: read header")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magicHeader {
		return errors.Wrap(ErrCorrupt, "pkgdb: bad magic")
	}
	ver := binary.LittleEndian.Uint32(buf[4:8])
	if ver != version {
		return errors.Errorf("pkgdb: version mismatch: expected %d, found %d", version, ver)
	}
	generation := binary.LittleEndian.Uint32(buf[8:12])
	slotnpages := binary.LittleEndian.Uint32(buf[12:16])
	nextpkgidx := binary.LittleEndian.Uint32(buf[16:20])

	if db.slots != nil && (db.generation != generation || db.slotnpages != slotnpages) {
		db.slots = nil
		db.slotIndex = map[int]int{}
	}
	db.generation = generation
	db.slotnpages = slotnpages
	db.nextpkgidx = nextpkgidx
	db.headerOK = true
	return nil
}

func (db *PkgDB) writeHeader() error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], magicHeader)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], db.generation)
	binary.LittleEndian.PutUint32(buf[12:16], db.slotnpages)
	binary.LittleEndian.PutUint32(buf[16:20], db.nextpkgidx)
	if _, err := db.f.WriteAt(buf[:], 0); err != nil {
		return errors.Wrap(err, "pkgdb: write header")
	}
	if db.dofsync {
		if err := db.f.Sync(); err != nil {
			return errors.Wrap(err, "pkgdb: fsync header")
		}
	}
	return nil
}

// lockReadHeader acquires the lock and then ensures the header is current,
// unlocking again on failure (rpmpkgLockReadHeader).
func (db *PkgDB) lockReadHeader(exclusive bool) error {
	if err := db.lock.Lock(exclusive); err != nil {
		return err
	}
	if err := db.readHeader(); err != nil {
		db.lock.Unlock(exclusive)
		return err
	}
	return nil
}
