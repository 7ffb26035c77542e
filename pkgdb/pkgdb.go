// Package pkgdb implements PkgDB, the append-friendly, slot-indexed blob
// store keyed by a monotonically increasing package identifier. It is
// the leaf storage engine: self-contained, file-backed, and the sole
// owner of the advisory file lock that XDB and IdxDB piggyback on.
package pkgdb

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpm-software-management/go-ndb/internal/codec"
	"github.com/rpm-software-management/go-ndb/internal/lock"
)

// Result mirrors the tri-state outcome exposed at the glue boundary.
// Internal code returns ordinary Go errors; ResultOf classifies them
// for callers that want the coarse taxonomy.
type Result int

const (
	ResultOK Result = iota
	ResultNotFound
	ResultFail
)

// ErrNotFound is returned by Get when no live slot references the
// requested package id, and by Lookup-style helpers elsewhere.
var ErrNotFound = errors.New("pkgdb: not found")

// ErrCorrupt marks a magic/version/checksum/length mismatch. These are
// fatal, with no read-path auto-repair.
var ErrCorrupt = errors.New("pkgdb: corrupt database")

// ResultOf classifies err into the tri-state outcome.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	default:
		return ResultFail
	}
}

const (
	blkSize  = 16
	pageSize = 4096

	headerSize = 32
	slotSize   = 16
	slotStart  = headerSize / slotSize // first usable slot index on page 0

	magicHeader = 0x506d7052 // "RpmP" LE
	magicSlot   = 0x746f6c53 // "Slot" LE
	magicBlobHd = 0x53626c42 // "BlbS" LE
	magicBlobTl = 0x45626c42 // "BlbE" LE

	version = 0

	blobHeadSize = 4 + 4 + 4 + 4 // magic, pkgidx, timestamp, bloblen
	blobTailSize = 4 + 4 + 4     // adler32, bloblen, magic

	adlerInit = 1
	adlerMod  = 65521
)

// Options configures Open. Only Path is required; everything else has a
// teacher-style functional-option zero value.
type Options struct {
	Path     string
	Flags    int // additional os.OpenFile flags, ORed with O_RDWR|O_CREATE unless ReadOnly
	Mode     os.FileMode
	ReadOnly bool
	NoFsync  bool
	Codec    codec.Codec
	Logger   *logrus.Entry
}

// Option mutates Options; matches segmentmanager.DiskSegmentManagerOption
// in spirit (github.com/Priyanshu23/FlashLogGo/segmentmanager/disk.go).
type Option func(*Options)

func WithReadOnly() Option            { return func(o *Options) { o.ReadOnly = true } }
func WithNoFsync() Option             { return func(o *Options) { o.NoFsync = true } }
func WithCodec(c codec.Codec) Option  { return func(o *Options) { o.Codec = c } }
func WithLogger(l *logrus.Entry) Option {
	return func(o *Options) { o.Logger = l }
}

type pkgslot struct {
	pkgidx int
	blkoff int
	blkcnt int
	slotno int
}

// PkgDB is one open Packages.db handle. It is not safe for concurrent use
// from multiple goroutines; callers that share a handle must serialize
// access the same way a single process serializes it internally.
type PkgDB struct {
	f        *os.File
	path     string
	readOnly bool
	dofsync  bool
	codec    codec.Codec
	log      *logrus.Entry

	lock *lock.FileLock

	headerOK   bool
	generation uint32
	slotnpages uint32
	nextpkgidx uint32

	slots      []pkgslot
	slotIndex  map[int]int // pkgidx -> index into slots
	freeslot   int         // slotno of a known-free slot, 0 if unknown
	fileblks   uint64
}

// Open creates Packages.db on an empty/missing file and validates the
// header otherwise.
func Open(opts Options) (*PkgDB, error) {
	if opts.Path == "" {
		return nil, errors.New("pkgdb: Path is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "pkgdb").WithField("path", opts.Path)

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	flags |= opts.Flags
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	f, err := os.OpenFile(opts.Path, flags, mode)
	if err != nil {
		return nil, errors.Wrap(err, "pkgdb: open")
	}

	c := opts.Codec
	if c == nil {
		c = codec.Identity{}
	}

	db := &PkgDB{
		f:         f,
		path:      opts.Path,
		readOnly:  opts.ReadOnly,
		dofsync:   !opts.NoFsync,
		codec:     c,
		log:       log,
		lock:      lock.New(int(f.Fd()), opts.ReadOnly),
		slotIndex: map[int]int{},
	}
	db.lock.OnRelease(func() { db.headerOK = false })

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pkgdb: stat")
	}
	if fi.Size() == 0 {
		if err := db.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
		log.Info("initialized new package database")
	} else {
		if err := db.lockReadHeader(false); err != nil {
			f.Close()
			return nil, err
		}
		db.Unlock(false)
	}

	return db, nil
}

// Close releases the file handle. Any held lock is abandoned; callers
// must Unlock before Close.
func (db *PkgDB) Close() error {
	return db.f.Close()
}

// SetFsync toggles the durability/throughput trade. dofsync is a
// per-handle boolean.
func (db *PkgDB) SetFsync(enabled bool) {
	db.dofsync = enabled
}

// Lock acquires the whole-file advisory lock, shared or exclusive.
func (db *PkgDB) Lock(exclusive bool) error {
	return db.lock.Lock(exclusive)
}

// Unlock releases one level of the advisory lock.
func (db *PkgDB) Unlock(exclusive bool) error {
	return db.lock.Unlock(exclusive)
}

// FD exposes the underlying file descriptor so XDB can serialize its own
// locking through the same advisory lock.
func (db *PkgDB) FD() int { return int(db.f.Fd()) }

// Generation returns the structural mutation counter.
func (db *PkgDB) Generation() (uint32, error) {
	if err := db.lockReadHeader(false); err != nil {
		return 0, err
	}
	defer db.Unlock(false)
	return db.generation, nil
}

// Stats is the Go-native equivalent of rpmpkg.c's rpmpkgStats printf
// block.
type Stats struct {
	Generation   uint32
	SlotPages    uint32
	UsedSlots    int
	FreeSlots    int
	BlobAreaSize uint64
	BlobAreaUsed uint64
}

func (db *PkgDB) Stats() (Stats, error) {
	if err := db.lockReadHeader(false); err != nil {
		return Stats{}, err
	}
	defer db.Unlock(false)
	if err := db.readSlots(); err != nil {
		return Stats{}, err
	}
	var used uint64
	for _, s := range db.slots {
		used += uint64(s.blkcnt)
	}
	slotsPerPage := uint32(pageSize / slotSize)
	return Stats{
		Generation:   db.generation,
		SlotPages:    db.slotnpages,
		UsedSlots:    len(db.slots),
		FreeSlots:    int(db.slotnpages*slotsPerPage) - len(db.slots),
		BlobAreaSize: (db.fileblks - uint64(db.slotnpages)*(pageSize/blkSize)) * blkSize,
		BlobAreaUsed: used * blkSize,
	}, nil
}

func (db *PkgDB) initEmpty() error {
	if err := db.lock.Lock(true); err != nil {
		return err
	}
	defer db.lock.Unlock(true)

	if err := db.writeEmptySlotpage(0); err != nil {
		return err
	}
	db.slotnpages = 1
	if db.nextpkgidx == 0 {
		db.nextpkgidx = 1
	}
	db.generation++
	return db.writeHeader()
}

func now() uint32 { return uint32(time.Now().Unix()) }
