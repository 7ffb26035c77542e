package pkgdb

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

const slotsPerPage = pageSize / slotSize

// readSlots reloads the full in-memory slot table from disk, rebuilding
// the pkgidx index and the free-slot hint. It is the direct analogue of
// rpmpkgReadSlots; a bitset tracking free slot numbers would only help a
// sequential scan for a free slot, which this engine instead tracks via
// freeslot plus addSlotPage, so no bitset is needed here (one is used in
// xdb, whose allocator does scan).
func (db *PkgDB) readSlots() error {
	fi, err := db.f.Stat()
	if err != nil {
		return errors.Wrap(err, "pkgdb: stat")
	}
	if fi.Size()%blkSize != 0 {
		return errors.Wrap(ErrCorrupt, "pkgdb: file size not a multiple of BLK")
	}
	fileblks := uint64(fi.Size()) / blkSize

	slotnpages := db.slotnpages
	minblkoff := uint64(slotnpages) * (pageSize / blkSize)

	slots := make([]pkgslot, 0, slotnpages*slotsPerPage)
	index := map[int]int{}
	freeslot := 0

	page := make([]byte, pageSize)
	slotno := 0
	for p := uint32(0); p < slotnpages; p++ {
		if _, err := db.f.ReadAt(page, int64(p)*pageSize); err != nil {
			return errors.Wrap(err, "pkgdb: read slot page")
		}
		start := 0
		if p == 0 {
			start = slotStart * slotSize
			slotno = slotStart
		}
		for o := start; o < pageSize; o += slotSize {
			entry := page[o : o+slotSize]
			if binary.LittleEndian.Uint32(entry[0:4]) != magicSlot {
				return errors.Wrap(ErrCorrupt, "pkgdb: bad slot magic")
			}
			blkoff := binary.LittleEndian.Uint32(entry[8:12])
			if blkoff == 0 {
				if freeslot == 0 {
					freeslot = slotno
				}
				slotno++
				continue
			}
			pkgidx := binary.LittleEndian.Uint32(entry[4:8])
			blkcnt := binary.LittleEndian.Uint32(entry[12:16])
			if uint64(blkoff)+uint64(blkcnt) > fileblks {
				return errors.Wrap(ErrCorrupt, "pkgdb: slot extends past EOF")
			}
			if pkgidx == 0 || blkcnt == 0 || uint64(blkoff) < minblkoff {
				return errors.Wrap(ErrCorrupt, "pkgdb: bad slot entry")
			}
			s := pkgslot{pkgidx: int(pkgidx), blkoff: int(blkoff), blkcnt: int(blkcnt), slotno: slotno}
			if _, dup := index[s.pkgidx]; dup {
				return errors.Wrap(ErrCorrupt, "pkgdb: duplicate pkgidx in slot table")
			}
			index[s.pkgidx] = len(slots)
			slots = append(slots, s)
			slotno++
		}
	}

	db.slots = slots
	db.slotIndex = index
	db.freeslot = freeslot
	db.fileblks = fileblks
	return nil
}

func (db *PkgDB) findSlot(pkgidx int) *pkgslot {
	i, ok := db.slotIndex[pkgidx]
	if !ok {
		return nil
	}
	return &db.slots[i]
}

// orderByBlkoff sorts the in-memory slot table by blkoff ascending, the
// order blob placement and compaction both require.
func (db *PkgDB) orderByBlkoff() {
	sort.Slice(db.slots, func(i, j int) bool { return db.slots[i].blkoff < db.slots[j].blkoff })
	for i := range db.slots {
		db.slotIndex[db.slots[i].pkgidx] = i
	}
}

// findEmptyOffset implements best-fit-over-lowest-free placement.
// dontprepend restricts the search to gaps after the first live slot
// (used by addSlotPage's slot-area growth).
func (db *PkgDB) findEmptyOffset(pkgidx, blkcnt int, dontprepend bool) (blkoff int, oldslot *pkgslot, err error) {
	db.orderByBlkoff()

	lastblkend := int(db.slotnpages) * (pageSize / blkSize)
	if dontprepend && len(db.slots) > 0 {
		lastblkend = db.slots[0].blkoff
	}

	bestBlkoff, bestFreecnt := 0, 0
	for i := range db.slots {
		s := &db.slots[i]
		if s.blkoff < lastblkend {
			return 0, nil, errors.Wrap(ErrCorrupt, "pkgdb: slots overlap")
		}
		if s.pkgidx == pkgidx {
			if oldslot != nil {
				return 0, nil, errors.Wrap(ErrCorrupt, "pkgdb: duplicate pkgidx slots")
			}
			oldslot = s
		}
		freecnt := s.blkoff - lastblkend
		if freecnt >= blkcnt && (bestBlkoff == 0 || bestFreecnt > freecnt) {
			bestBlkoff = lastblkend
			bestFreecnt = freecnt
		}
		lastblkend = s.blkoff + s.blkcnt
	}
	if bestBlkoff == 0 {
		bestBlkoff = lastblkend
	}
	return bestBlkoff, oldslot, nil
}

// neighbourCheck validates that [blkoff, blkoff+blkcnt) is bounded by
// intact live blobs (or file edges) with nothing else in between, and
// that those neighbours still verify. This bounded-by-intact-neighbours
// check is the precondition for PkgDB's write-path auto-repair.
func (db *PkgDB) neighbourCheck(blkoff, blkcnt int) (newblkcnt int, err error) {
	db.orderByBlkoff()
	lastblkend := int(db.slotnpages) * (pageSize / blkSize)
	if blkoff < lastblkend {
		return 0, errors.Wrap(ErrCorrupt, "pkgdb: target below slot area")
	}
	var left, right *pkgslot
	for i := range db.slots {
		s := &db.slots[i]
		if s.blkoff < lastblkend {
			return 0, errors.Wrap(ErrCorrupt, "pkgdb: slots overlap")
		}
		if s.blkoff < blkoff {
			left = s
		}
		if right == nil && s.blkoff >= blkoff {
			right = s
		}
		lastblkend = s.blkoff + s.blkcnt
	}
	if left != nil && left.blkoff+left.blkcnt != blkoff {
		return 0, errors.New("pkgdb: target not adjacent to left neighbour")
	}
	if left == nil && blkoff != int(db.slotnpages)*(pageSize/blkSize) {
		return 0, errors.New("pkgdb: target not adjacent to slot area")
	}
	if right != nil && right.blkoff < blkoff+blkcnt {
		return 0, errors.New("pkgdb: target overlaps right neighbour")
	}
	if left != nil {
		if err := db.verifyBlob(left.pkgidx, left.blkoff, left.blkcnt); err != nil {
			return 0, err
		}
	}
	if right != nil {
		if err := db.verifyBlob(right.pkgidx, right.blkoff, right.blkcnt); err != nil {
			return 0, err
		}
	}
	if right != nil {
		return right.blkoff - blkoff, nil
	}
	return blkcnt, nil
}

func (db *PkgDB) writeSlot(slotno, pkgidx, blkoff, blkcnt int) error {
	if slotno < slotStart {
		return errors.New("pkgdb: slot number below slot area")
	}
	if blkoff != 0 && slotno == db.freeslot {
		db.freeslot = 0
	}
	var buf [slotSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], magicSlot)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(pkgidx))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(blkoff))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(blkcnt))
	if _, err := db.f.WriteAt(buf[:], int64(slotno)*slotSize); err != nil {
		return errors.Wrap(err, "pkgdb: write slot")
	}
	db.generation++
	return db.writeHeader()
}

func (db *PkgDB) writeEmptySlotpage(pageno uint32) error {
	page := make([]byte, pageSize)
	off := 0
	if pageno == 0 {
		off = slotStart * slotSize
	}
	for o := off; o < pageSize; o += slotSize {
		binary.LittleEndian.PutUint32(page[o:o+4], magicSlot)
	}
	if _, err := db.f.WriteAt(page[off:], int64(pageno)*pageSize+int64(off)); err != nil {
		return errors.Wrap(err, "pkgdb: write empty slot page")
	}
	if db.dofsync {
		if err := db.f.Sync(); err != nil {
			return errors.Wrap(err, "pkgdb: fsync slot page")
		}
	}
	return nil
}

// addSlotPage grows the slot area by one page, relocating any blob that
// currently occupies the page about to become slot space. Slot page
// count grows only; it never shrinks.
func (db *PkgDB) addSlotPage() error {
	db.orderByBlkoff()
	cutoff := int(db.slotnpages+1) * (pageSize / blkSize)

	for len(db.slots) > 0 && db.slots[0].blkoff < cutoff {
		slot := &db.slots[0]
		newblkoff, oldslot, err := db.findEmptyOffset(slot.pkgidx, slot.blkcnt, true)
		if err != nil {
			return err
		}
		if oldslot == nil || oldslot != slot {
			return errors.New("pkgdb: slot-page growth bookkeeping mismatch")
		}
		if err := db.moveBlob(slot, newblkoff); err != nil {
			return err
		}
		db.orderByBlkoff()
	}

	newPageBlkoff := int(db.slotnpages) * (pageSize / blkSize)
	if err := db.ensureZero(newPageBlkoff, pageSize/blkSize); err != nil {
		return err
	}
	if err := db.writeEmptySlotpage(db.slotnpages); err != nil {
		return err
	}

	db.freeslot = int(db.slotnpages) * slotsPerPage
	db.slotnpages++
	db.generation++
	return db.writeHeader()
}
