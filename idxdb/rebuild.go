package idxdb

import (
	"encoding/binary"

	"github.com/rpm-software-management/go-ndb/xdb"
)

// builder assembles a fresh slot table directly in the mmap'd memory
// of a brand-new XDB sub-blob, the equivalent of the scratch rpmidxdb_s
// rpmidxRebuildInternal constructs on the stack.
type builder struct {
	mapped []byte
	nslots uint32
	hmask  uint32
	xmask  uint32
	keyend uint32
}

func (b *builder) slots() []byte { return b.mapped[slotOffset:] }
func (b *builder) keys() []byte  { return b.mapped[int(slotOffset)+int(b.nslots)*12:] }

func (b *builder) addKey(key []byte) uint32 {
	hl := keyLenSize(uint32(len(key)))
	off := b.keyend
	encodeKeyLen(b.keys()[off:], uint32(len(key)))
	copy(b.keys()[int(off)+hl:], key)
	b.keyend += uint32(hl) + uint32(len(key))
	return off
}

func (b *builder) insert(keyoff, keyh, data, ovldata uint32) {
	h := keyh & b.hmask
	hh := uint32(7)
	for {
		ent := b.slots()[h*8:]
		if binary.LittleEndian.Uint32(ent[0:4]) == 0 {
			break
		}
		h = (h + hh) & b.hmask
		hh++
	}
	ent := b.slots()[h*8:]
	binary.LittleEndian.PutUint32(ent[0:4], keyoff|(keyh&b.xmask))
	binary.LittleEndian.PutUint32(ent[4:8], data)
	if ovldata != 0 {
		binary.LittleEndian.PutUint32(b.slots()[b.nslots*8+4*h:], ovldata)
	}
}

func roundDownPow2(n uint32) uint32 {
	for n&(n-1) != 0 {
		n &= n - 1
	}
	return n
}

type oldEntry struct {
	data, ovldata uint32
}

// rebuild compacts (or creates, on first open) the index into a new
// XDB sub-blob sized for the current live entry count, then swaps it
// in under the active tag (rpmidxRebuildInternal). Not exported:
// callers go through checkRebuild/Open, always holding the exclusive
// XDB lock.
func (idx *IdxDB) rebuild() error {
	groups := map[uint32][]oldEntry{}
	order := []uint32{}
	if idx.mapped != nil {
		slots := idx.slots()
		for h := uint32(0); h < idx.nslots; h++ {
			ent := slots[h*8 : h*8+8]
			x := binary.LittleEndian.Uint32(ent[0:4])
			if x == 0 || x == tombstone {
				continue
			}
			data := binary.LittleEndian.Uint32(ent[4:8])
			var ovldata uint32
			if data&0x80000000 != 0 {
				ovldata = binary.LittleEndian.Uint32(slots[idx.nslots*8+4*h : idx.nslots*8+4*h+4])
			}
			koff := x &^ idx.xmask
			if _, ok := groups[koff]; !ok {
				order = append(order, koff)
			}
			groups[koff] = append(groups[koff], oldEntry{data, ovldata})
		}
	}

	liveSlots := uint32(0)
	for _, g := range groups {
		liveSlots += uint32(len(g))
	}

	nslots := liveSlots
	if nslots < 256 {
		nslots = 256
	}
	nslots = roundDownPow2(nslots)
	nslots *= 4

	keySize := idx.keyend
	if keySize < keyChunkSize {
		keySize = keyChunkSize
	}
	pagesize := idx.x.Pagesize()
	fileSize := uint32(slotOffset) + nslots*12 + keySize
	if fileSize%pagesize != 0 {
		add := pagesize - fileSize%pagesize
		fileSize += add
		keySize += add
	}

	xmask := uint32(0x00010000)
	for xmask != 0 && xmask < keySize+8192 {
		xmask <<= 1
	}
	if xmask != 0 {
		xmask = ^(xmask - 1)
	}

	newID, err := idx.x.LookupBlob(idx.tag, subtagRebuild, xdb.LookupCreate|xdb.LookupTruncate)
	if err != nil {
		return err
	}
	if err := idx.x.ResizeBlob(newID, int64(fileSize)); err != nil {
		return err
	}

	b := &builder{nslots: nslots, hmask: nslots - 1, xmask: xmask}
	if err := idx.x.MapBlob(newID, true, func(data []byte) { b.mapped = data }); err != nil {
		return err
	}
	b.keyend = 1 // offset 0 is reserved so a zero slot entry never looks like a valid key reference

	for _, koff := range order {
		keyl, hl := decodeKeyLen(idx.keys()[koff:])
		key := append([]byte(nil), idx.keys()[int(koff)+hl:int(koff)+hl+int(keyl)]...)
		keyh := murmurHash(key)
		newoff := b.addKey(key)
		for _, e := range groups[koff] {
			b.insert(newoff, keyh, e.data, e.ovldata)
		}
	}

	binary.LittleEndian.PutUint32(b.mapped[offMagic:], magic)
	binary.LittleEndian.PutUint32(b.mapped[offVersion:], version)
	binary.LittleEndian.PutUint32(b.mapped[offGeneration:], idx.generation+1)
	binary.LittleEndian.PutUint32(b.mapped[offNSlots:], b.nslots)
	binary.LittleEndian.PutUint32(b.mapped[offUsedSlots:], liveSlots)
	binary.LittleEndian.PutUint32(b.mapped[offDummySlots:], 0)
	binary.LittleEndian.PutUint32(b.mapped[offXMask:], b.xmask)
	binary.LittleEndian.PutUint32(b.mapped[offKeyEnd:], b.keyend)
	binary.LittleEndian.PutUint32(b.mapped[offKeyExcess:], 0)

	if err := idx.x.UnmapBlob(newID); err != nil {
		return err
	}

	// shrink if excess key space was allocated for the rebuild
	excessTarget := fileSize - keySize + b.keyend + keyChunkSize
	if excessTarget%pagesize != 0 {
		excessTarget += pagesize - excessTarget%pagesize
	}
	if excessTarget < fileSize {
		if err := idx.x.ResizeBlob(newID, int64(excessTarget)); err != nil {
			idx.log.WithError(err).Debug("rebuild: shrink pass failed, keeping oversized blob")
		}
	}

	if idx.mapped != nil {
		if err := idx.x.UnmapBlob(idx.id); err != nil {
			return err
		}
		idx.mapped = nil
	}
	finalID, err := idx.x.RenameBlob(newID, idx.tag, subtagActive)
	if err != nil {
		return err
	}
	idx.id = finalID
	idx.filter = nil
	return idx.ensureMapped()
}

// checkRebuild triggers a rebuild when the load factor, key-heap
// fragmentation, or the xmask's spare bits are exhausted (rpmidxCheck).
func (idx *IdxDB) checkRebuild() error {
	if idx.usedslots*2 > idx.nslots ||
		(idx.keyexcess > 4096 && idx.keyexcess*4 > idx.keyend) ||
		idx.keyend >= ^idx.xmask {
		return idx.rebuild()
	}
	return nil
}
