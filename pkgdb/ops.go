package pkgdb

import "github.com/pkg/errors"

// NextPkgIdx hands out a fresh package id for a later Put, advancing
// and persisting the allocator (rpmpkgNextPkgIdx).
func (db *PkgDB) NextPkgIdx() (int, error) {
	if err := db.lockReadHeader(true); err != nil {
		return 0, err
	}
	defer db.Unlock(true)

	idx := db.nextpkgidx
	if idx == 0 {
		idx = 1
	}
	db.nextpkgidx = idx + 1
	db.generation++
	if err := db.writeHeader(); err != nil {
		return 0, err
	}
	return int(idx), nil
}

// Get returns the payload stored for pkgidx, or ErrNotFound.
func (db *PkgDB) Get(pkgidx int) ([]byte, error) {
	if err := db.lockReadHeader(false); err != nil {
		return nil, err
	}
	defer db.Unlock(false)

	if err := db.readSlots(); err != nil {
		return nil, err
	}
	slot := db.findSlot(pkgidx)
	if slot == nil {
		return nil, ErrNotFound
	}
	return db.readBlob(slot.pkgidx, slot.blkoff, slot.blkcnt)
}

// Put stores payload under pkgidx, replacing any existing blob. Placement
// follows best-fit-over-lowest-free; the slot area grows by one page if
// no entry is free for the new slot.
func (db *PkgDB) Put(pkgidx int, payload []byte) error {
	if db.readOnly {
		return errors.New("pkgdb: write on read-only handle")
	}
	if pkgidx <= 0 {
		return errors.New("pkgdb: pkgidx must be positive")
	}
	if err := db.lockReadHeader(true); err != nil {
		return err
	}
	defer db.Unlock(true)

	if err := db.readSlots(); err != nil {
		return err
	}

	blkcnt := blkAlign(blobHeadSize+blobTailSize+len(payload)) / blkSize

	oldSlot := db.findSlot(pkgidx)
	if oldSlot != nil && oldSlot.blkcnt >= blkcnt {
		// Reuse in place: identical framing rules, no relocation needed.
		if err := db.writeBlob(pkgidx, oldSlot.blkoff, oldSlot.blkcnt, payload); err != nil {
			return err
		}
		return nil
	}

	// Allocate the slot first: growing the slot area relocates blobs, so
	// the blob offset is only chosen once the slot area is final.
	var err error
	slotno := oldSlot.slotNoOr(0)
	if oldSlot == nil {
		slotno, err = db.allocSlotNo()
		if err != nil {
			return err
		}
	}

	blkoff, existing, err := db.findEmptyOffset(pkgidx, blkcnt, false)
	if err != nil {
		return err
	}

	if err := db.ensureZero(blkoff, blkcnt); err != nil {
		return err
	}
	if err := db.writeBlob(pkgidx, blkoff, blkcnt, payload); err != nil {
		return err
	}
	if err := db.writeSlot(slotno, pkgidx, blkoff, blkcnt); err != nil {
		return err
	}
	if existing != nil && existing.blkoff != blkoff {
		if err := db.zeroBlks(existing.blkoff, existing.blkcnt); err != nil {
			return err
		}
	}

	if err := db.readSlots(); err != nil {
		return err
	}
	return nil
}

// slotNoOr returns s.slotno, or def if s is nil. A small helper to keep
// Put's reuse-vs-allocate branch linear.
func (s *pkgslot) slotNoOr(def int) int {
	if s == nil {
		return def
	}
	return s.slotno
}

// allocSlotNo finds a free slot entry, growing the slot area by one page
// if none is available.
func (db *PkgDB) allocSlotNo() (int, error) {
	if db.freeslot != 0 {
		return db.freeslot, nil
	}
	if err := db.readSlots(); err != nil {
		return 0, err
	}
	if db.freeslot != 0 {
		return db.freeslot, nil
	}
	if err := db.addSlotPage(); err != nil {
		return 0, err
	}
	if err := db.readSlots(); err != nil {
		return 0, err
	}
	if db.freeslot == 0 {
		return 0, errors.New("pkgdb: no free slot after growth")
	}
	return db.freeslot, nil
}

// Del removes the blob stored for pkgidx, zeroing its blocks. If the
// freed extent sits in the first half of the data area, the last two
// blobs (highest offsets, the larger first) are opportunistically
// relocated into the resulting gap, each only if it lies in the second
// half and fits what remains of the gap (rpmpkgDelInternal), and the file
// is truncated if the highest surviving blob then sits below three
// quarters of the file size. Deleting an id that is not present is not
// an error; delete is idempotent.
func (db *PkgDB) Del(pkgidx int) error {
	if db.readOnly {
		return errors.New("pkgdb: write on read-only handle")
	}
	if err := db.lockReadHeader(true); err != nil {
		return err
	}
	defer db.Unlock(true)

	if err := db.readSlots(); err != nil {
		return err
	}
	db.orderByBlkoff()
	i, ok := db.slotIndex[pkgidx]
	if !ok {
		return nil
	}
	slot := &db.slots[i]

	if err := db.writeSlot(slot.slotno, 0, 0, 0); err != nil {
		return err
	}
	if err := db.delBlob(pkgidx, slot.blkoff, slot.blkcnt); err != nil {
		return err
	}
	if db.freeslot == 0 || db.freeslot > slot.slotno {
		db.freeslot = slot.slotno
	}

	nslots := len(db.slots)
	dataStart := int(db.slotnpages) * (pageSize / blkSize)
	if nslots > 1 && slot.blkoff < dataStart+(int(db.fileblks)-dataStart)/2 {
		if err := db.fillGapFromLateBlobs(i); err != nil {
			return err
		}
		db.orderByBlkoff()
	} else {
		slot.blkoff, slot.blkcnt = 0, 0
	}

	if err := db.maybeTruncate(); err != nil {
		return err
	}
	return db.readSlots()
}

// fillGapFromLateBlobs clears the slot at position i (already known to
// sit in the first half of the data area) and tries to pull up to two
// blobs from the second half into the gap it leaves, largest first,
// each one only if it still fits what remains of the gap.
func (db *PkgDB) fillGapFromLateBlobs(i int) error {
	slot := &db.slots[i]
	nslots := len(db.slots)
	dataStart := int(db.slotnpages) * (pageSize / blkSize)
	dataMid := dataStart + (int(db.fileblks)-dataStart)/2

	var blkoff, blkcnt int
	if i == 0 {
		blkoff = dataStart
	} else {
		blkoff = db.slots[i-1].blkoff + db.slots[i-1].blkcnt
	}
	if i < nslots-1 {
		blkcnt = db.slots[i+1].blkoff - blkoff
	} else {
		blkcnt = slot.blkoff + slot.blkcnt - blkoff
	}
	slot.blkoff, slot.blkcnt = 0, 0

	p := nslots - 2
	if db.slots[p].blkcnt < db.slots[p+1].blkcnt {
		p++ // bigger slot first
	}
	for k := 0; k < 2; k++ {
		if p == nslots {
			p -= 2
		}
		cand := &db.slots[p]
		if cand.blkoff != 0 && cand.blkoff >= blkoff &&
			cand.blkoff >= dataMid && cand.blkcnt <= blkcnt {
			if err := db.moveBlob(cand, blkoff); err != nil {
				return err
			}
			blkoff += cand.blkcnt
			blkcnt -= cand.blkcnt
		}
		p++
	}
	return nil
}

// maybeTruncate shrinks the file when the highest surviving blob (or
// the end of the slot area, if none remain) sits below three quarters
// of the current file size, verifying the freed tail is genuinely
// empty first (the truncation half of rpmpkgDelInternal).
func (db *PkgDB) maybeTruncate() error {
	i := len(db.slots) - 1
	if i >= 0 && db.slots[i].blkoff == 0 && len(db.slots) > 1 {
		i--
	}
	var blkoff int
	if i >= 0 && db.slots[i].blkoff != 0 {
		blkoff = db.slots[i].blkoff + db.slots[i].blkcnt
	} else {
		blkoff = int(db.slotnpages) * (pageSize / blkSize)
	}
	if uint64(blkoff) >= db.fileblks/4*3 {
		return nil
	}
	if err := db.validateZero(blkoff, int(db.fileblks)-blkoff); err != nil {
		return nil
	}
	if err := db.f.Truncate(int64(blkoff) * blkSize); err != nil {
		db.log.WithError(err).Debug("pkgdb: truncate after delete failed")
		return nil
	}
	db.fileblks = uint64(blkoff)
	return nil
}

// List returns every live package id, in blkoff order.
func (db *PkgDB) List() ([]int, error) {
	if err := db.lockReadHeader(false); err != nil {
		return nil, err
	}
	defer db.Unlock(false)

	if err := db.readSlots(); err != nil {
		return nil, err
	}
	db.orderByBlkoff()
	out := make([]int, 0, len(db.slots))
	for _, s := range db.slots {
		out = append(out, s.pkgidx)
	}
	return out, nil
}
