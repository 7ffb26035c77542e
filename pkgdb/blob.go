package pkgdb

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// adler32 is computed by hand rather than with the stdlib hash/adler32
// package: the wire format needs the running checksum over payload and
// pad as a single value threaded through writeBlob/verifyBlob/readBlob
// without the overhead of constructing a hash.Hash32 per call, and the
// algorithm is five lines once the modulus is known.
func adler32(data []byte, seed uint32) uint32 {
	a, b := seed&0xffff, (seed>>16)&0xffff
	const nmax = 5552
	for len(data) > 0 {
		n := len(data)
		if n > nmax {
			n = nmax
		}
		for _, c := range data[:n] {
			a += uint32(c)
			b += a
		}
		a %= adlerMod
		b %= adlerMod
		data = data[n:]
	}
	return b<<16 | a
}

func blkAlign(n int) int { return (n + blkSize - 1) &^ (blkSize - 1) }

// readBlob reads and validates the blob stored at [blkoff, blkoff+blkcnt)
// for pkgidx, returning the decompressed payload. Framing is
// head/payload/pad/tail, with the checksum computed over head+payload+pad.
func (db *PkgDB) readBlob(pkgidx, blkoff, blkcnt int) ([]byte, error) {
	compressed, _, err := db.readBlobRaw(pkgidx, blkoff, blkcnt)
	if err != nil {
		return nil, err
	}
	return db.codec.Decompress(compressed)
}

// readBlobRaw is readBlob without the decompression step, so a pure block
// move (moveBlob) can copy the stored bytes as-is instead of paying for a
// decompress/recompress round trip on every relocation.
func (db *PkgDB) readBlobRaw(pkgidx, blkoff, blkcnt int) (compressed []byte, timestamp uint32, err error) {
	buf := make([]byte, blkcnt*blkSize)
	if _, err := db.f.ReadAt(buf, int64(blkoff)*blkSize); err != nil {
		return nil, 0, errors.Wrap(err, "pkgdb: read blob")
	}
	if len(buf) < blobHeadSize+blobTailSize {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: blob too small")
	}
	head := buf[:blobHeadSize]
	if binary.LittleEndian.Uint32(head[0:4]) != magicBlobHd {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: bad blob head magic")
	}
	if int(binary.LittleEndian.Uint32(head[4:8])) != pkgidx {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: blob pkgidx mismatch")
	}
	bloblen := int(binary.LittleEndian.Uint32(head[12:16]))

	tailOff := len(buf) - blobTailSize
	payload := buf[blobHeadSize:tailOff]
	if bloblen > len(payload) {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: bloblen exceeds slot")
	}
	tail := buf[tailOff:]
	sum := binary.LittleEndian.Uint32(tail[0:4])
	if int(binary.LittleEndian.Uint32(tail[4:8])) != bloblen {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: blob tail length mismatch")
	}
	if binary.LittleEndian.Uint32(tail[8:12]) != magicBlobTl {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: bad blob tail magic")
	}
	adl := adler32(head, adlerInit)
	if adler32(payload, adl) != sum {
		return nil, 0, errors.Wrap(ErrCorrupt, "pkgdb: blob checksum mismatch")
	}

	out := make([]byte, bloblen)
	copy(out, payload[:bloblen])
	return out, binary.LittleEndian.Uint32(head[8:12]), nil
}

// verifyBlob checks framing and checksum without returning the payload;
// used by neighbourCheck before trusting a neighbour as a relocation
// boundary.
func (db *PkgDB) verifyBlob(pkgidx, blkoff, blkcnt int) error {
	_, err := db.readBlob(pkgidx, blkoff, blkcnt)
	return err
}

// writeBlob encodes payload into the framed wire format and writes it at
// blkoff, which must already have blkcnt blocks reserved for it.
func (db *PkgDB) writeBlob(pkgidx, blkoff, blkcnt int, payload []byte) error {
	compressed, err := db.codec.Compress(payload)
	if err != nil {
		return errors.Wrap(err, "pkgdb: compress blob")
	}
	return db.writeBlobRaw(pkgidx, blkoff, blkcnt, compressed, now())
}

// writeBlobRaw writes already-compressed bytes under the given timestamp.
// writeBlob uses it with a fresh timestamp; moveBlob uses it with the
// original blob's timestamp so a pure relocation doesn't look like a
// rewrite and doesn't pay for a decompress/recompress round trip.
func (db *PkgDB) writeBlobRaw(pkgidx, blkoff, blkcnt int, compressed []byte, timestamp uint32) error {
	bloblen := len(compressed)
	total := blkcnt * blkSize
	padlen := total - blobHeadSize - blobTailSize - bloblen
	if padlen < 0 {
		return errors.New("pkgdb: blob does not fit reserved blocks")
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], magicBlobHd)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(pkgidx))
	binary.LittleEndian.PutUint32(buf[8:12], timestamp)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(bloblen))
	copy(buf[blobHeadSize:], compressed)

	head := buf[:blobHeadSize]
	payloadAndPad := buf[blobHeadSize : blobHeadSize+bloblen+padlen]
	sum := adler32(payloadAndPad, adler32(head, adlerInit))

	tailOff := total - blobTailSize
	binary.LittleEndian.PutUint32(buf[tailOff:tailOff+4], sum)
	binary.LittleEndian.PutUint32(buf[tailOff+4:tailOff+8], uint32(bloblen))
	binary.LittleEndian.PutUint32(buf[tailOff+8:tailOff+12], magicBlobTl)

	if _, err := db.f.WriteAt(buf, int64(blkoff)*blkSize); err != nil {
		return errors.Wrap(err, "pkgdb: write blob")
	}
	if db.dofsync {
		if err := db.f.Sync(); err != nil {
			return errors.Wrap(err, "pkgdb: fsync blob")
		}
	}
	return nil
}

// zeroBlks zeroes [blkoff, blkoff+blkcnt) after a delete, so a later
// validateZero can trust the gap really is empty.
func (db *PkgDB) zeroBlks(blkoff, blkcnt int) error {
	buf := make([]byte, blkcnt*blkSize)
	if _, err := db.f.WriteAt(buf, int64(blkoff)*blkSize); err != nil {
		return errors.Wrap(err, "pkgdb: zero blocks")
	}
	if db.dofsync {
		if err := db.f.Sync(); err != nil {
			return errors.Wrap(err, "pkgdb: fsync zero")
		}
	}
	return nil
}

// validateZero verifies [blkoff, blkoff+blkcnt) really is all zero,
// returning ErrCorrupt if any byte is set (or a read error if the range
// runs past the end of the file). ensureZero and maybeTruncate decide
// what a failed check means for them.
func (db *PkgDB) validateZero(blkoff, blkcnt int) error {
	buf := make([]byte, blkcnt*blkSize)
	if _, err := db.f.ReadAt(buf, int64(blkoff)*blkSize); err != nil {
		return errors.Wrap(err, "pkgdb: read for zero-check")
	}
	for _, b := range buf {
		if b != 0 {
			return errors.Wrap(ErrCorrupt, "pkgdb: expected empty region is not zero")
		}
	}
	return nil
}

// ensureZero makes sure [blkoff, blkoff+blkcnt) is all zero before a new
// blob is written there. A region that fails the plain zero check is not
// immediately fatal: it may be the tail of an interrupted earlier
// transaction, so neighbourCheck is given a chance to bound it by intact
// neighbours and the whole bounded extent is re-zeroed before the write
// proceeds (rpmpkgValidateZero).
func (db *PkgDB) ensureZero(blkoff, blkcnt int) error {
	if err := db.validateZero(blkoff, blkcnt); err == nil {
		return nil
	}
	db.log.Warn("pkgdb: detected non-zero blob, trying auto repair")
	safeBlkcnt, err := db.neighbourCheck(blkoff, blkcnt)
	if err != nil {
		return err
	}
	return db.zeroBlks(blkoff, safeBlkcnt)
}

// delBlob verifies the blob at [blkoff, blkoff+blkcnt) before zeroing its
// blocks, so a delete never wipes out data that doesn't match the slot
// it's being deleted for (rpmpkgDelBlob).
func (db *PkgDB) delBlob(pkgidx, blkoff, blkcnt int) error {
	if err := db.verifyBlob(pkgidx, blkoff, blkcnt); err != nil {
		return err
	}
	return db.zeroBlks(blkoff, blkcnt)
}

// moveBlob relocates the blob held by slot to newblkoff, writing the new
// slot entry before zeroing the old location so a crash mid-move always
// leaves one valid copy on disk, matching rpmpkg.c's rpmpkgMoveBlob. The
// stored bytes are copied as-is rather than decompressed and recompressed,
// since a move changes where a blob lives, not what it contains.
func (db *PkgDB) moveBlob(slot *pkgslot, newblkoff int) error {
	compressed, timestamp, err := db.readBlobRaw(slot.pkgidx, slot.blkoff, slot.blkcnt)
	if err != nil {
		return err
	}
	if err := db.writeBlobRaw(slot.pkgidx, newblkoff, slot.blkcnt, compressed, timestamp); err != nil {
		return err
	}
	oldblkoff := slot.blkoff
	oldblkcnt := slot.blkcnt
	if err := db.writeSlot(slot.slotno, slot.pkgidx, newblkoff, slot.blkcnt); err != nil {
		return err
	}
	slot.blkoff = newblkoff
	if err := db.zeroBlks(oldblkoff, oldblkcnt); err != nil {
		return err
	}
	return nil
}
