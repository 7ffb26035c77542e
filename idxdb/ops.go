package idxdb

import (
	"bytes"
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

func (idx *IdxDB) equalKey(off uint32, key []byte) bool {
	keyl := uint32(len(key))
	if off+keyl+1 > idx.keyend {
		return false
	}
	p := idx.keys()[off:]
	switch {
	case keyl != 0 && keyl < 255:
		if p[0] != byte(keyl) {
			return false
		}
		p = p[1:]
	case keyl < 65535:
		if p[0] != 255 || uint32(p[1])|uint32(p[2])<<8 != keyl {
			return false
		}
		p = p[3:]
	default:
		if p[0] != 255 || p[1] != 255 || p[2] != 255 ||
			uint32(p[3])|uint32(p[4])<<8|uint32(p[5])<<16|uint32(p[6])<<24 != keyl {
			return false
		}
		p = p[7:]
	}
	return keyl == 0 || bytes.Equal(key, p[:keyl])
}

// addNewKey appends key to the key heap, growing the backing blob (and
// hence re-triggering xdb's mapping callback) as needed.
func (idx *IdxDB) addNewKey(key []byte) (uint32, error) {
	hl := keyLenSize(uint32(len(key)))
	need := uint32(hl) + uint32(len(key))
	for uint32(len(idx.keys()))-idx.keyend < need {
		addsize := idx.x.Pagesize()
		if addsize < keyChunkSize {
			addsize = keyChunkSize
		}
		if err := idx.x.ResizeBlob(idx.id, int64(len(idx.mapped))+int64(addsize)); err != nil {
			return 0, err
		}
	}
	off := idx.keyend
	encodeKeyLen(idx.keys()[off:], uint32(len(key)))
	copy(idx.keys()[off+uint32(hl):], key)
	idx.keyend += need
	binary.LittleEndian.PutUint32(idx.mapped[offKeyEnd:], idx.keyend)
	return off, nil
}

// Put records a (key -> pkgidx, datidx) hit, open-addressing probing
// with the standard h_i = (h_{i-1} + i) mod nslots, i starting at 7
// (rpmidxPutInternal).
func (idx *IdxDB) Put(key []byte, pkgidx, datidx uint32) error {
	if idx.readOnly {
		return errors.New("idxdb: write on read-only handle")
	}
	if datidx >= 0x80000000 {
		return errors.Wrap(ErrInvalid, "idxdb: datidx out of range")
	}
	if err := idx.lock(true); err != nil {
		return err
	}
	defer idx.unlock(true)

	if err := idx.checkRebuild(); err != nil {
		return err
	}

	keyh := murmurHash(key)
	data, ovldata := encodeData(pkgidx, datidx)
	hmask, xmask := idx.hmask, idx.xmask

	var keyoff uint32
	var freeh uint32
	haveFree := false
	var lasth uint32

	for h, hh := keyh&hmask, uint32(7); ; h, hh = (h+hh)&hmask, hh+1 {
		lasth = h
		ent := idx.slots()[h*8 : h*8+8]
		x := binary.LittleEndian.Uint32(ent[0:4])
		if x == 0 {
			break
		}
		if x == tombstone {
			if !haveFree {
				freeh, haveFree = h, true
			}
			continue
		}
		if keyoff == 0 {
			if (x^keyh)&xmask != 0 {
				continue
			}
			if !idx.equalKey(x&^xmask, key) {
				continue
			}
			keyoff = x
		}
		if keyoff != x {
			continue
		}
		if binary.LittleEndian.Uint32(ent[4:8]) == data {
			if ovldata == 0 {
				return nil
			}
			if binary.LittleEndian.Uint32(idx.slots()[idx.nslots*8+4*h:idx.nslots*8+4*h+4]) == ovldata {
				return nil
			}
		}
	}

	if keyoff == 0 {
		off, err := idx.addNewKey(key)
		if err != nil {
			return err
		}
		keyoff = off | (keyh & xmask)
	}

	useh := lasth
	if !haveFree {
		idx.usedslots++
		binary.LittleEndian.PutUint32(idx.mapped[offUsedSlots:], idx.usedslots)
	} else {
		useh = freeh
		if idx.dummyslots > 0 {
			idx.dummyslots--
			binary.LittleEndian.PutUint32(idx.mapped[offDummySlots:], idx.dummyslots)
		}
	}
	ent := idx.slots()[useh*8 : useh*8+8]
	binary.LittleEndian.PutUint32(ent[0:4], keyoff)
	binary.LittleEndian.PutUint32(ent[4:8], data)
	if ovldata != 0 {
		binary.LittleEndian.PutUint32(idx.slots()[idx.nslots*8+4*useh:idx.nslots*8+4*useh+4], ovldata)
	}
	idx.bumpGeneration()
	idx.filter = nil
	return nil
}

// Del removes one (key, pkgidx, datidx) hit, tombstoning its slot. The
// key itself is freed from the key heap only once no slot references it
// any longer (rpmidxDelInternal).
func (idx *IdxDB) Del(key []byte, pkgidx, datidx uint32) error {
	if idx.readOnly {
		return errors.New("idxdb: write on read-only handle")
	}
	if datidx >= 0x80000000 {
		return errors.Wrap(ErrInvalid, "idxdb: datidx out of range")
	}
	if err := idx.lock(true); err != nil {
		return err
	}
	defer idx.unlock(true)

	if err := idx.checkRebuild(); err != nil {
		return err
	}

	keyh := murmurHash(key)
	data, ovldata := encodeData(pkgidx, datidx)
	hmask, xmask := idx.hmask, idx.xmask

	var keyoff uint32
	otherusers := false

	for h, hh := keyh&hmask, uint32(7); ; h, hh = (h+hh)&hmask, hh+1 {
		ent := idx.slots()[h*8 : h*8+8]
		x := binary.LittleEndian.Uint32(ent[0:4])
		if x == 0 {
			break
		}
		if x == tombstone {
			continue
		}
		if keyoff == 0 {
			if (x^keyh)&xmask != 0 {
				continue
			}
			if !idx.equalKey(x&^xmask, key) {
				continue
			}
			keyoff = x
		}
		if keyoff != x {
			continue
		}
		if binary.LittleEndian.Uint32(ent[4:8]) != data {
			otherusers = true
			continue
		}
		if ovldata != 0 && binary.LittleEndian.Uint32(idx.slots()[idx.nslots*8+4*h:idx.nslots*8+4*h+4]) != ovldata {
			otherusers = true
			continue
		}
		binary.LittleEndian.PutUint32(ent[0:4], tombstone)
		binary.LittleEndian.PutUint32(ent[4:8], tombstone)
		if ovldata != 0 {
			binary.LittleEndian.PutUint32(idx.slots()[idx.nslots*8+4*h:idx.nslots*8+4*h+4], 0)
		}
		idx.dummyslots++
		binary.LittleEndian.PutUint32(idx.mapped[offDummySlots:], idx.dummyslots)
	}

	if keyoff != 0 && !otherusers {
		hl := keyLenSize(uint32(len(key)))
		off := keyoff &^ xmask
		for i := 0; i < hl+len(key); i++ {
			idx.keys()[int(off)+i] = 0
		}
		idx.keyexcess += uint32(hl + len(key))
		binary.LittleEndian.PutUint32(idx.mapped[offKeyExcess:], idx.keyexcess)
	}
	if keyoff != 0 {
		idx.bumpGeneration()
		idx.filter = nil
	}
	return nil
}

// Hit is one (pkgidx, datidx) match returned by Get.
type Hit struct {
	PkgIdx uint32
	DatIdx uint32
}

// Get returns every hit recorded for key (rpmidxGetInternal). It
// returns ErrNotFound, not an empty slice, when nothing matches.
func (idx *IdxDB) Get(key []byte) ([]Hit, error) {
	if err := idx.lock(false); err != nil {
		return nil, err
	}
	defer idx.unlock(false)

	if idx.maybeAbsent(key) {
		return nil, ErrNotFound
	}

	keyh := murmurHash(key)
	hmask, xmask := idx.hmask, idx.xmask
	var keyoff uint32
	var hits []Hit

	for h, hh := keyh&hmask, uint32(7); ; h, hh = (h+hh)&hmask, hh+1 {
		ent := idx.slots()[h*8 : h*8+8]
		x := binary.LittleEndian.Uint32(ent[0:4])
		if x == 0 {
			break
		}
		if x == tombstone {
			continue
		}
		if keyoff == 0 {
			if (x^keyh)&xmask != 0 {
				continue
			}
			if !idx.equalKey(x&^xmask, key) {
				continue
			}
			keyoff = x
		}
		if keyoff != x {
			continue
		}
		data := binary.LittleEndian.Uint32(ent[4:8])
		var ovldata uint32
		if data&0x80000000 != 0 {
			ovldata = binary.LittleEndian.Uint32(idx.slots()[idx.nslots*8+4*h : idx.nslots*8+4*h+4])
		}
		pkgidx, datidx := decodeData(data, ovldata)
		hits = append(hits, Hit{PkgIdx: pkgidx, DatIdx: datidx})
	}
	if len(hits) == 0 {
		return nil, ErrNotFound
	}
	return hits, nil
}

// ensureFilter (re)builds the negative-lookup prefilter from the live
// key set when idx.generation has moved since it was last built. Get
// trusts a negative answer from the filter and returns ErrNotFound
// without probing; a positive answer is checked by the full probe.
func (idx *IdxDB) ensureFilter() {
	if idx.filter != nil && idx.filterGen == idx.generation {
		return
	}
	n := idx.usedslots
	if n < 1 {
		n = 1
	}
	f := bloom.NewWithEstimates(uint(n), 0.01)
	for h := uint32(0); h < idx.nslots; h++ {
		ent := idx.slots()[h*8 : h*8+8]
		x := binary.LittleEndian.Uint32(ent[0:4])
		if x == 0 || x == tombstone {
			continue
		}
		koff := x &^ idx.xmask
		keyl, hl := decodeKeyLen(idx.keys()[koff:])
		f.Add(idx.keys()[int(koff)+hl : int(koff)+hl+int(keyl)])
	}
	idx.filter = f
	idx.filterGen = idx.generation
}

func (idx *IdxDB) maybeAbsent(key []byte) bool {
	idx.ensureFilter()
	return !idx.filter.Test(key)
}

// List returns every live key with its hits, in probe order.
func (idx *IdxDB) List() (map[string][]Hit, error) {
	if err := idx.lock(false); err != nil {
		return nil, err
	}
	defer idx.unlock(false)

	out := map[string][]Hit{}
	for h := uint32(0); h < idx.nslots; h++ {
		ent := idx.slots()[h*8 : h*8+8]
		x := binary.LittleEndian.Uint32(ent[0:4])
		if x == 0 || x == tombstone {
			continue
		}
		koff := x &^ idx.xmask
		keyl, hl := decodeKeyLen(idx.keys()[koff:])
		key := string(idx.keys()[int(koff)+hl : int(koff)+hl+int(keyl)])

		data := binary.LittleEndian.Uint32(ent[4:8])
		var ovldata uint32
		if data&0x80000000 != 0 {
			ovldata = binary.LittleEndian.Uint32(idx.slots()[idx.nslots*8+4*h : idx.nslots*8+4*h+4])
		}
		pkgidx, datidx := decodeData(data, ovldata)
		out[key] = append(out[key], Hit{PkgIdx: pkgidx, DatIdx: datidx})
	}
	return out, nil
}
