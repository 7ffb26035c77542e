package xdb

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// readSlots rebuilds the in-memory slot list from the slot pages on
// disk, re-deriving the startpage-ordered prev/next chain and the
// firstfree singly-linked list (rpmxdbReadHeader's slot-loading half).
// Any slot that was mmap-mapped under the old generation is re-mapped
// (or told its blob is gone) via its onRemap callback, preserving the
// client mapping protocol across a concurrent writer's relocation.
func (x *XDB) readSlots(slotnpages, fileNPages uint32) error {
	spp := x.pagesize / slotSize
	nslots := int(slotnpages*spp) - slotStart + 1

	raw := make([]slot, nslots+1)
	page := make([]byte, x.pagesize)
	slotno := 1
	usedpages := uint32(0)
	var used []*slot
	firstfree := 0
	lastfree := &firstfree

	for p := uint32(0); p < slotnpages; p++ {
		if _, err := x.f.ReadAt(page, int64(p)*int64(x.pagesize)); err != nil {
			return errors.Wrap(err, "xdb: read slot page")
		}
		start := uint32(0)
		if p == 0 {
			start = slotStart * slotSize
		}
		for o := start; o < x.pagesize; o += slotSize {
			entry := page[o : o+slotSize]
			word := binary.LittleEndian.Uint32(entry[0:4])
			if word&0x00ffffff != slotMagic {
				return errors.Wrap(ErrCorrupt, "xdb: bad slot magic")
			}
			s := &raw[slotno]
			s.slotno = slotno
			s.subtag = uint8(word >> 24)
			s.tag = binary.LittleEndian.Uint32(entry[4:8])
			s.startpage = binary.LittleEndian.Uint32(entry[8:12])
			s.pagecnt = binary.LittleEndian.Uint32(entry[12:16])
			if s.pagecnt == 0 && s.startpage != 0 {
				// empty-but-allocated blob: its on-disk startpage field
				// doubles as a marker, the real value is slotnpages.
				s.startpage = slotnpages
			}
			if s.startpage == 0 {
				*lastfree = slotno
				lastfree = &s.next
			} else {
				used = append(used, s)
				usedpages += s.pagecnt
			}
			slotno++
		}
	}

	sortSlotsByStartpage(used)

	raw[0].pagecnt = slotnpages
	last := &raw[0]
	for _, s := range used {
		if last.startpage+last.pagecnt > s.startpage {
			return errors.Wrap(ErrCorrupt, "xdb: overlapping blob extents")
		}
		last.next = s.slotno
		s.prev = last.slotno
		last = s
	}
	last.next = nslots
	raw[nslots].slotno = nslots
	raw[nslots].prev = last.slotno
	raw[nslots].startpage = fileNPages

	// Carry mapped/callback state across to the refreshed slot table so a
	// live client mapping survives a reader-triggered relocation, exactly
	// as rpmxdbReadHeader's "sync with the old slot data" pass does.
	for i := 1; i < x.nslots && i < len(raw); i++ {
		old := &x.slots[i]
		if old.startpage == 0 || (old.mapped == nil && old.onRemap == nil) {
			continue
		}
		nslot := &raw[i]
		gone := nslot.startpage == 0 || nslot.tag != old.tag || nslot.subtag != old.subtag
		if gone {
			if old.mapped != nil {
				unmapSlot(old)
				old.onRemap(nil)
			}
			continue
		}
		nslot.onRemap = old.onRemap
		if old.startpage != nslot.startpage || old.pagecnt != nslot.pagecnt {
			if old.mapped != nil {
				unmapSlot(old)
			}
			if nslot.onRemap != nil {
				if nslot.pagecnt != 0 {
					nslot.mapRW = old.mapRW
					if err := mapSlot(x, nslot); err != nil {
						nslot.mapped = nil
					}
					nslot.onRemap(nslot.mapped)
				} else {
					nslot.onRemap(nil)
				}
			}
		} else {
			nslot.mapped = old.mapped
			nslot.mapRW = old.mapRW
		}
	}

	x.slots = raw
	x.nslots = nslots + 1
	x.firstfree = firstfree
	x.usedpages = usedpages

	freebits := bitset.New(uint(x.nslots))
	for i := firstfree; i != 0; i = raw[i].next {
		if freebits.Test(uint(i)) {
			return errors.Wrap(ErrCorrupt, "xdb: cycle in free-slot chain")
		}
		freebits.Set(uint(i))
	}
	x.freebits = freebits
	return nil
}

func (x *XDB) updateSlot(s *slot) error {
	var buf [slotSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], slotMagic|uint32(s.subtag)<<24)
	binary.LittleEndian.PutUint32(buf[4:8], s.tag)
	if s.pagecnt != 0 || s.startpage == 0 {
		binary.LittleEndian.PutUint32(buf[8:12], s.startpage)
	} else {
		binary.LittleEndian.PutUint32(buf[8:12], 1) // "empty but used" marker
	}
	binary.LittleEndian.PutUint32(buf[12:16], s.pagecnt)
	off := int64(slotStart-1+s.slotno) * slotSize
	if _, err := x.f.WriteAt(buf[:], off); err != nil {
		return errors.Wrap(err, "xdb: write slot")
	}
	x.generation++
	return x.writeHeader()
}

func (x *XDB) writeEmptyPages(pageno, count uint32) error {
	if count == 0 {
		return nil
	}
	page := make([]byte, x.pagesize)
	for i := uint32(0); i < count; i++ {
		if _, err := x.f.WriteAt(page, int64(pageno+i)*int64(x.pagesize)); err != nil {
			return errors.Wrap(err, "xdb: write empty pages")
		}
	}
	return nil
}

func (x *XDB) writeEmptySlotpage(pageno uint32) error {
	page := make([]byte, x.pagesize)
	spp := x.pagesize / slotSize
	start := uint32(0)
	if pageno == 0 {
		start = slotStart
	}
	for i := start; i < spp; i++ {
		binary.LittleEndian.PutUint32(page[i*slotSize:], slotMagic)
	}
	if pageno == 0 {
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint32(hdr[headerOffMagic:], magic)
		binary.LittleEndian.PutUint32(hdr[headerOffVersion:], version)
		binary.LittleEndian.PutUint32(hdr[headerOffGeneration:], x.generation)
		binary.LittleEndian.PutUint32(hdr[headerOffSlotNPages:], x.slotnpages)
		binary.LittleEndian.PutUint32(hdr[headerOffPageSize:], x.pagesize)
		binary.LittleEndian.PutUint32(hdr[headerOffUserGeneration:], x.usergeneration)
		copy(page[:headerSize], hdr[:])
	}
	if _, err := x.f.WriteAt(page, int64(pageno)*int64(x.pagesize)); err != nil {
		return errors.Wrap(err, "xdb: write empty slot page")
	}
	if x.dofsync {
		if err := x.f.Sync(); err != nil {
			return errors.Wrap(err, "xdb: fsync slot page")
		}
	}
	return nil
}

// addSlotPage grows the slot area by one page, relocating the blob
// that currently occupies it if necessary (addslotpage).
func (x *XDB) addSlotPage() error {
	if x.firstfree != 0 {
		return errors.New("xdb: addSlotPage called with free slots available")
	}

	nslots := x.nslots - 1 // index of the tail sentinel
	for i := x.slots[0].next; i != nslots; i = x.slots[i].next {
		s := &x.slots[i]
		if s.pagecnt != 0 {
			if s.startpage == x.slotnpages {
				if err := x.moveBlob(s, s.pagecnt); err != nil {
					return err
				}
			}
			break
		}
	}

	spp := int(x.pagesize / slotSize)
	grown := make([]slot, nslots+1+spp)
	copy(grown, x.slots)

	if err := x.writeEmptySlotpage(x.slotnpages); err != nil {
		return err
	}
	x.slotnpages++
	x.generation++
	if err := x.writeHeader(); err != nil {
		return err
	}

	for i := grown[0].next; i != nslots; i = grown[i].next {
		s := &grown[i]
		if s.startpage >= x.slotnpages {
			break
		}
		s.startpage = x.slotnpages
	}

	tail := grown[nslots]
	tail.slotno = nslots + spp
	grown[nslots+spp] = tail
	grown[tail.prev].next = tail.slotno

	for i := 0; i < spp-1; i++ {
		grown[nslots+i] = slot{slotno: nslots + i, next: nslots + i + 1}
	}
	grown[nslots+spp-1] = slot{slotno: nslots + spp - 1}

	x.slots = grown
	x.nslots = nslots + spp + 1
	x.firstfree = nslots
	x.slots[0].pagecnt++

	freebits := bitset.New(uint(x.nslots))
	if x.freebits != nil {
		for i := uint(0); i < x.freebits.Len(); i++ {
			if x.freebits.Test(i) {
				freebits.Set(i)
			}
		}
	}
	for i := nslots; i < nslots+spp; i++ {
		freebits.Set(uint(i))
	}
	x.freebits = freebits
	return nil
}

// createBlob allocates a fresh, zero-size slot for (tag, subtag) and
// enqueues it at the head of the startpage-ordered list (createblob).
func (x *XDB) createBlob(tag uint32, subtag uint8) (int, error) {
	if x.firstfree == 0 {
		if err := x.addSlotPage(); err != nil {
			return 0, err
		}
	}
	id := x.firstfree
	s := &x.slots[id]
	x.firstfree = s.next
	if x.freebits != nil {
		x.freebits.Clear(uint(id))
	}

	s.mapped = nil
	s.tag = tag
	s.subtag = subtag
	s.startpage = x.slotnpages
	s.pagecnt = 0
	if err := x.updateSlot(s); err != nil {
		return 0, err
	}

	s.prev = 0
	s.next = x.slots[0].next
	x.slots[s.next].prev = id
	x.slots[0].next = id
	return id, nil
}

// moveBlobTo relocates oldslot's content to directly follow afterslot,
// resizing it to newpagecnt pages in the process (moveblobto).
func (x *XDB) moveBlobTo(oldslot *slot, afterslot *slot, newpagecnt uint32) error {
	newstartpage := afterslot.startpage + afterslot.pagecnt
	nextslot := &x.slots[afterslot.next]
	if newpagecnt > nextslot.startpage-newstartpage {
		return errors.New("xdb: not enough room to relocate blob")
	}

	oldpagecnt := oldslot.pagecnt
	mappedHere := false
	if oldslot.mapped == nil && oldpagecnt != 0 {
		if err := mapSlotReadOnly(x, oldslot); err != nil {
			return err
		}
		mappedHere = true
	}

	tocopy := newpagecnt
	if oldpagecnt < tocopy {
		tocopy = oldpagecnt
	}
	if tocopy != 0 {
		if _, err := x.f.WriteAt(oldslot.mapped[:tocopy*x.pagesize], int64(newstartpage)*int64(x.pagesize)); err != nil {
			if mappedHere {
				unmapSlot(oldslot)
			}
			return errors.Wrap(err, "xdb: relocate blob")
		}
	}
	if newpagecnt > oldpagecnt {
		if err := x.writeEmptyPages(newstartpage+oldpagecnt, newpagecnt-oldpagecnt); err != nil {
			if mappedHere {
				unmapSlot(oldslot)
			}
			return err
		}
	}
	if oldslot.mapped != nil {
		unmapSlot(oldslot)
	}

	oldslot.startpage = newstartpage
	oldslot.pagecnt = newpagecnt
	if err := x.updateSlot(oldslot); err != nil {
		return err
	}
	x.usedpages = x.usedpages - oldpagecnt + newpagecnt

	if afterslot != oldslot && nextslot != oldslot {
		x.slots[oldslot.prev].next = oldslot.next
		x.slots[oldslot.next].prev = oldslot.prev

		oldslot.prev = afterslot.slotno
		afterslot.next = oldslot.slotno
		oldslot.next = nextslot.slotno
		nextslot.prev = oldslot.slotno
	}

	if oldslot.onRemap != nil {
		if newpagecnt != 0 {
			if err := mapSlot(x, oldslot); err != nil {
				oldslot.mapped = nil
			}
		}
		oldslot.onRemap(oldslot.mapped)
	}
	return nil
}

// moveBlob finds the first gap in the startpage-ordered chain big enough
// for newpagecnt pages, growing the file if none exists, then relocates
// oldslot there (moveblob).
func (x *XDB) moveBlob(oldslot *slot, newpagecnt uint32) error {
	nslots := x.nslots
	last := &x.slots[0]
	var cur *slot
	var freecnt uint32
	for i := x.slots[0].next; ; {
		cur = &x.slots[i]
		freecnt = cur.startpage - (last.startpage + last.pagecnt)
		if freecnt >= newpagecnt || i == nslots-1 {
			break
		}
		last = cur
		i = cur.next
	}
	if cur.slotno == nslots-1 && newpagecnt > freecnt {
		if err := x.writeEmptyPages(cur.startpage, newpagecnt-freecnt); err != nil {
			return err
		}
		cur.startpage += newpagecnt - freecnt
	}
	return x.moveBlobTo(oldslot, last, newpagecnt)
}

// moveBlobsToFront moves up to the two highest-offset live blobs into
// the gap following afterslot, the delete-time compaction heuristic
// that keeps the tail of the file trimmable (moveblobstofront).
func (x *XDB) moveBlobsToFront(afterslot *slot) error {
	tail := x.nslots - 1
	freestart := afterslot.startpage + afterslot.pagecnt
	freecount := x.slots[afterslot.next].startpage - freestart

	var s1, s2 *slot
	if x.slots[tail].prev != 0 {
		s1 = &x.slots[x.slots[tail].prev]
		if s1.prev != 0 {
			s2 = &x.slots[s1.prev]
		}
	}
	if s1 != nil && s2 != nil && s1.pagecnt < s2.pagecnt {
		s1, s2 = s2, s1
	}

	if s1 != nil && s1.pagecnt != 0 && s1.pagecnt <= freecount && s1.startpage > freestart {
		if err := x.moveBlobTo(s1, afterslot, s1.pagecnt); err != nil {
			return err
		}
		freestart += s1.pagecnt
		freecount -= s1.pagecnt
		afterslot = s1
	}
	if s2 != nil && s2.pagecnt != 0 && s2.pagecnt <= freecount && s2.startpage > freestart {
		if err := x.moveBlobTo(s2, afterslot, s2.pagecnt); err != nil {
			return err
		}
	}
	return nil
}
