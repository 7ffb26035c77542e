package xdb

import "github.com/pkg/errors"

// LookupFlags controls LookupBlob's behavior when no matching blob
// exists, or when one does.
type LookupFlags int

const (
	// LookupCreate creates a fresh zero-size blob if none is found.
	LookupCreate LookupFlags = 1 << iota
	// LookupTruncate resizes an existing match down to zero first.
	LookupTruncate
)

// LookupBlob finds the id of the (tag, subtag) blob, applying flags
// (rpmxdbLookupBlob). It returns ErrNotFound if nothing matches and
// LookupCreate was not set.
func (x *XDB) LookupBlob(tag uint32, subtag uint8, flags LookupFlags) (int, error) {
	excl := flags != 0
	if err := x.lockReadHeader(excl); err != nil {
		return 0, err
	}
	defer x.unlock(excl)

	id := x.findSlot(tag, subtag)
	if id != 0 && flags&LookupTruncate != 0 {
		if err := x.resizeBlobLocked(id, 0); err != nil {
			return 0, err
		}
	}
	if id == 0 && flags&LookupCreate != 0 {
		newID, err := x.createBlob(tag, subtag)
		if err != nil {
			return 0, err
		}
		id = newID
	}
	if id == 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

func (x *XDB) findSlot(tag uint32, subtag uint8) int {
	tail := x.nslots - 1
	for i := x.slots[0].next; i != tail; i = x.slots[i].next {
		s := &x.slots[i]
		if s.tag == tag && s.subtag == subtag {
			return i
		}
	}
	return 0
}

func (x *XDB) checkID(id int) (*slot, error) {
	if id <= 0 || id >= x.nslots {
		return nil, errors.Wrap(ErrInvalid, "xdb: id out of range")
	}
	return &x.slots[id], nil
}

// DelBlob deletes the blob with the given id. Deleting an id whose slot
// is already empty is a no-op (rpmxdbDelBlob).
func (x *XDB) DelBlob(id int) error {
	if id <= 0 {
		return errors.Wrap(ErrInvalid, "xdb: id must be positive")
	}
	if err := x.lockReadHeader(true); err != nil {
		return err
	}
	defer x.unlock(true)
	return x.delBlobLocked(id)
}

func (x *XDB) delBlobLocked(id int) error {
	s, err := x.checkID(id)
	if err != nil {
		return err
	}
	if s.startpage == 0 {
		return nil
	}
	if s.mapped != nil {
		unmapSlot(s)
		if s.onRemap != nil {
			s.onRemap(nil)
		}
	}

	x.slots[s.prev].next = s.next
	x.slots[s.next].prev = s.prev
	x.usedpages -= s.pagecnt

	tail := x.slots[x.nslots-1]
	if x.usedpages*2 < tail.startpage && (s.startpage+s.pagecnt)*2 < tail.startpage {
		if err := x.moveBlobsToFront(&x.slots[s.prev]); err != nil {
			return err
		}
	}

	*s = slot{slotno: id}
	if err := x.updateSlot(s); err != nil {
		return err
	}
	s.next = x.firstfree
	x.firstfree = id
	if x.freebits != nil {
		x.freebits.Set(uint(id))
	}

	tailIdx := x.nslots - 1
	last := &x.slots[x.slots[tailIdx].prev]
	if last.startpage+last.pagecnt < x.slots[tailIdx].startpage/4*3 {
		newend := last.startpage + last.pagecnt
		if err := x.f.Truncate(int64(newend) * int64(x.pagesize)); err == nil {
			x.slots[tailIdx].startpage = newend
		}
	}
	return nil
}

// DelAllBlobs discards every blob and resets the store to its freshly
// initialized state (rpmxdbDelAllBlobs).
func (x *XDB) DelAllBlobs() error {
	if err := x.pkg.Lock(true); err != nil {
		return err
	}
	defer x.pkg.Unlock(true)

	for i := 1; i < x.nslots; i++ {
		s := &x.slots[i]
		if s.startpage != 0 && s.mapped != nil {
			unmapSlot(s)
			if s.onRemap != nil {
				s.onRemap(nil)
			}
		}
	}
	x.slots = nil
	x.nslots = 0
	x.headerOK = false

	generation, _, pagesize, usergeneration, err := x.readHeaderScalar()
	if err != nil {
		return err
	}
	x.generation = generation + 1
	x.slotnpages = 1
	x.pagesize = pagesize
	x.usergeneration = usergeneration
	if err := x.writeEmptySlotpage(0); err != nil {
		return err
	}
	if err := x.f.Truncate(int64(x.pagesize)); err != nil {
		// not fatal: the file is simply left larger than necessary.
		x.log.WithError(err).Debug("truncate after DelAllBlobs failed")
	}
	return nil
}

// ResizeBlob changes the blob's size to newsize bytes, rounded up to a
// whole page, relocating it if the current gap cannot hold the new size
// in place (rpmxdbResizeBlob).
func (x *XDB) ResizeBlob(id int, newsize int64) error {
	if id <= 0 {
		return errors.Wrap(ErrInvalid, "xdb: id must be positive")
	}
	if err := x.lockReadHeader(true); err != nil {
		return err
	}
	defer x.unlock(true)
	return x.resizeBlobLocked(id, newsize)
}

func (x *XDB) resizeBlobLocked(id int, newsize int64) error {
	s, err := x.checkID(id)
	if err != nil {
		return err
	}
	if s.startpage == 0 {
		return errors.Wrap(ErrInvalid, "xdb: resize of unallocated slot")
	}

	oldpagecnt := s.pagecnt
	newpagecnt := uint32((newsize + int64(x.pagesize) - 1) / int64(x.pagesize))

	if oldpagecnt != 0 && newpagecnt != 0 && newpagecnt <= oldpagecnt {
		pg := uint32(newsize) & (x.pagesize - 1)
		if pg != 0 {
			if s.mapped != nil {
				for i := pg; i < x.pagesize; i++ {
					s.mapped[i] = 0
				}
			} else {
				empty := make([]byte, x.pagesize-pg)
				off := int64(s.startpage+newpagecnt-1)*int64(x.pagesize) + int64(pg)
				if _, err := x.f.WriteAt(empty, off); err != nil {
					return errors.Wrap(err, "xdb: zero tail of shrunk blob")
				}
			}
		}
	}

	if newpagecnt == oldpagecnt {
		return nil
	}

	if newpagecnt == 0 {
		if s.mapped != nil {
			unmapSlot(s)
		}
		s.pagecnt = 0
		s.startpage = x.slotnpages
		x.slots[s.prev].next = s.next
		x.slots[s.next].prev = s.prev
		s.prev = 0
		s.next = x.slots[0].next
		x.slots[s.next].prev = id
		x.slots[0].next = id
		if err := x.updateSlot(s); err != nil {
			return err
		}
		x.usedpages -= oldpagecnt
		if s.onRemap != nil {
			s.onRemap(nil)
		}
		return nil
	}

	if newpagecnt <= x.slots[s.next].startpage-s.startpage {
		if newpagecnt > oldpagecnt {
			if err := x.writeEmptyPages(s.startpage+oldpagecnt, newpagecnt-oldpagecnt); err != nil {
				return err
			}
		}
		if s.onRemap != nil {
			if s.mapped != nil {
				unmapSlot(s)
			}
			s.pagecnt = newpagecnt
			if err := mapSlot(x, s); err != nil {
				return err
			}
		} else {
			if s.mapped != nil {
				unmapSlot(s)
			}
			s.pagecnt = newpagecnt
		}
		if err := x.updateSlot(s); err != nil {
			return err
		}
		x.usedpages = x.usedpages - oldpagecnt + newpagecnt
		if s.onRemap != nil {
			s.onRemap(s.mapped)
		}
		return nil
	}

	return x.moveBlob(s, newpagecnt)
}

// MapCallback is invoked whenever a mapped blob's backing memory
// changes: data is nil when the blob is deleted or its size drops to
// zero, and non-nil (len(data)==pagecnt*pagesize) after every
// relocation or resize.
type MapCallback func(data []byte)

// MapBlob establishes a live mmap mapping for id. The callback fires
// immediately with the current mapping, and again on every later
// relocation until UnmapBlob (rpmxdbMapBlob).
func (x *XDB) MapBlob(id int, writable bool, cb MapCallback) error {
	if id <= 0 || cb == nil {
		return errors.Wrap(ErrInvalid, "xdb: id and callback are required")
	}
	if writable && x.readOnly {
		return errors.Wrap(ErrInvalid, "xdb: writable map on read-only handle")
	}
	if err := x.lockReadHeader(false); err != nil {
		return err
	}
	defer x.unlock(false)

	s, err := x.checkID(id)
	if err != nil {
		return err
	}
	if s.startpage == 0 || s.mapped != nil {
		return errors.Wrap(ErrInvalid, "xdb: slot unallocated or already mapped")
	}
	s.mapRW = writable
	if s.pagecnt != 0 {
		if err := mapSlot(x, s); err != nil {
			s.mapRW = false
			return err
		}
	}
	s.onRemap = cb
	cb(s.mapped)
	return nil
}

// UnmapBlob releases a mapping established by MapBlob.
func (x *XDB) UnmapBlob(id int) error {
	if id <= 0 {
		return nil
	}
	if err := x.lockReadHeader(false); err != nil {
		return err
	}
	defer x.unlock(false)

	s, err := x.checkID(id)
	if err != nil {
		return err
	}
	if s.mapped != nil {
		unmapSlot(s)
		if s.onRemap != nil {
			s.onRemap(nil)
		}
	}
	s.onRemap = nil
	s.mapRW = false
	return nil
}

// RenameBlob reassigns id's (tag, subtag), replacing and freeing any
// existing blob that already has that key (rpmxdbRenameBlob). It
// returns the (possibly different) id the blob now lives under.
func (x *XDB) RenameBlob(id int, tag uint32, subtag uint8) (int, error) {
	if id <= 0 {
		return 0, errors.Wrap(ErrInvalid, "xdb: id must be positive")
	}
	if err := x.lockReadHeader(true); err != nil {
		return 0, err
	}
	defer x.unlock(true)

	s, err := x.checkID(id)
	if err != nil {
		return 0, err
	}
	if s.startpage == 0 {
		return 0, errors.Wrap(ErrInvalid, "xdb: rename of unallocated slot")
	}
	if s.tag == tag && s.subtag == subtag {
		return id, nil
	}

	otherID := x.findSlot(tag, subtag)
	if otherID == 0 {
		s.tag = tag
		s.subtag = subtag
		if err := x.updateSlot(s); err != nil {
			return 0, err
		}
		return id, nil
	}

	if err := x.delBlobLocked(otherID); err != nil {
		return 0, err
	}
	if x.firstfree != otherID {
		return 0, errors.New("xdb: free-chain invariant violated during rename")
	}
	x.firstfree = x.slots[otherID].next
	if x.freebits != nil {
		x.freebits.Clear(uint(otherID))
	}

	s.tag = tag
	s.subtag = subtag
	x.slots[otherID] = *s
	x.slots[otherID].slotno = otherID
	x.slots[s.prev].next = otherID
	x.slots[s.next].prev = otherID
	if err := x.updateSlot(&x.slots[otherID]); err != nil {
		return 0, err
	}

	*s = slot{slotno: id}
	if err := x.updateSlot(s); err != nil {
		return 0, err
	}
	s.next = x.firstfree
	x.firstfree = id
	if x.freebits != nil {
		x.freebits.Set(uint(id))
	}
	return otherID, nil
}

// SetUserGeneration stores a caller-defined generation counter in the
// header, fsyncing first so the counter never outruns the data it
// describes (rpmxdbSetUserGeneration; used by the glue layer to
// correlate XDB state with PkgDB's generation).
func (x *XDB) SetUserGeneration(gen uint32) error {
	if err := x.lockReadHeader(true); err != nil {
		return err
	}
	defer x.unlock(true)
	if x.dofsync {
		if err := x.f.Sync(); err != nil {
			return errors.Wrap(err, "xdb: fsync before user generation update")
		}
	}
	x.usergeneration = gen
	x.generation++
	return x.writeHeader()
}

func (x *XDB) GetUserGeneration() (uint32, error) {
	if err := x.lockReadHeader(false); err != nil {
		return 0, err
	}
	defer x.unlock(false)
	return x.usergeneration, nil
}
