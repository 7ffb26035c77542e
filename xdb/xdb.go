// Package xdb implements XDB, the variable-size sub-blob store that sits
// on top of PkgDB's advisory lock. XDB owns a single file of page-sized
// extents referenced by a doubly-linked slot list; IdxDB is itself
// stored as one such sub-blob.
package xdb

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Locker is the subset of *pkgdb.PkgDB that XDB needs to serialize access
// through the shared advisory lock: XDB piggybacks on PkgDB's lock
// rather than taking one of its own.
type Locker interface {
	Lock(exclusive bool) error
	Unlock(exclusive bool) error
}

var (
	// ErrNotFound is returned by LookupBlob when no matching (tag, subtag)
	// exists and LookupCreate was not requested.
	ErrNotFound = errors.New("xdb: blob not found")
	// ErrCorrupt marks a magic/version/bounds violation.
	ErrCorrupt = errors.New("xdb: corrupt database")
	// ErrInvalid is returned for misuse: bad id, subtag out of range, etc.
	ErrInvalid = errors.New("xdb: invalid argument")
)

const (
	magic   = 0x58 << 24 | 0x6d << 16 | 0x70 << 8 | 0x52 // "RpmX" LE, matches XDB_MAGIC byte order
	version = 0

	headerOffMagic          = 0
	headerOffVersion         = 4
	headerOffGeneration      = 8
	headerOffSlotNPages      = 12
	headerOffPageSize        = 16
	headerOffUserGeneration  = 20
	headerSize               = 32

	slotMagic = 0x536c6f // "Slo" in the low 3 bytes, subtag packed into the high byte
	slotSize  = 16
	slotStart = headerSize / slotSize
)

// slot mirrors struct xdb_slot. slotno 0 and nslots-1 are sentinels:
// slot 0 is the startpage-order list head (and reuses pagecnt to hold
// slotnpages), the tail sentinel holds the file's page count in startpage.
type slot struct {
	slotno    int
	tag       uint32
	subtag    uint8
	startpage uint32
	pagecnt   uint32
	prev      int
	next      int

	mapped   []byte
	mapRW    bool
	onRemap  func(data []byte)
}

// Options configures Open.
type Options struct {
	Path     string
	Mode     os.FileMode
	ReadOnly bool
	NoFsync  bool
	Logger   *logrus.Entry
}

// XDB is one open sub-blob store handle.
type XDB struct {
	f        *os.File
	path     string
	readOnly bool
	dofsync  bool
	log      *logrus.Entry

	pkg Locker

	pagesize       uint32
	generation     uint32
	slotnpages     uint32
	usergeneration uint32

	slots     []slot
	nslots    int
	firstfree int
	freebits  *bitset.BitSet // mirrors the firstfree chain, for O(1) free-count queries
	usedpages uint32

	headerOK bool
}

// Open opens or creates the sub-blob file at opts.Path, using pkg to
// serialize access.
func Open(pkg Locker, opts Options) (*XDB, error) {
	if opts.Path == "" {
		return nil, errors.New("xdb: Path is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "xdb").WithField("path", opts.Path)

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(opts.Path, flags, mode)
	if err != nil {
		return nil, errors.Wrap(err, "xdb: open")
	}

	x := &XDB{
		f:        f,
		path:     opts.Path,
		readOnly: opts.ReadOnly,
		dofsync:  !opts.NoFsync,
		log:      log,
		pkg:      pkg,
		pagesize: 4096,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "xdb: stat")
	}
	if fi.Size() == 0 {
		if err := x.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
		log.Info("initialized new sub-blob store")
	}
	return x, nil
}

func (x *XDB) Close() error {
	return x.f.Close()
}

func (x *XDB) SetFsync(enabled bool) { x.dofsync = enabled }

func (x *XDB) Pagesize() uint32 { return x.pagesize }

func (x *XDB) initEmpty() error {
	if err := x.pkg.Lock(true); err != nil {
		return err
	}
	defer x.pkg.Unlock(true)

	x.slotnpages = 1
	x.generation++
	if err := x.writeEmptySlotpage(0); err != nil {
		return err
	}
	return nil
}

func (x *XDB) lockReadHeader(exclusive bool) error {
	if err := x.pkg.Lock(exclusive); err != nil {
		return err
	}
	if err := x.readHeader(); err != nil {
		x.pkg.Unlock(exclusive)
		return err
	}
	return nil
}

func (x *XDB) unlock(exclusive bool) error {
	return x.pkg.Unlock(exclusive)
}

// Lock acquires the shared advisory lock and refreshes the slot table,
// for clients (idxdb) that sit on top of XDB the way XDB sits on PkgDB.
func (x *XDB) Lock(exclusive bool) error { return x.lockReadHeader(exclusive) }

// Unlock releases one level of the lock acquired via Lock.
func (x *XDB) Unlock(exclusive bool) error { return x.unlock(exclusive) }

// readHeader reloads the header and slot list unless the cached
// generation still matches (rpmxdbReadHeader).
func (x *XDB) readHeader() error {
	var raw [headerSize]byte
	if _, err := x.f.ReadAt(raw[:], 0); err != nil {
		return errors.Wrap(err, "xdb: read header")
	}
	if binary.LittleEndian.Uint32(raw[headerOffMagic:]) != magic {
		return errors.Wrap(ErrCorrupt, "xdb: bad magic")
	}
	if binary.LittleEndian.Uint32(raw[headerOffVersion:]) != version {
		return errors.Wrap(ErrCorrupt, "xdb: version mismatch")
	}
	generation := binary.LittleEndian.Uint32(raw[headerOffGeneration:])
	if x.headerOK && generation == x.generation {
		return nil
	}
	slotnpages := binary.LittleEndian.Uint32(raw[headerOffSlotNPages:])
	pagesize := binary.LittleEndian.Uint32(raw[headerOffPageSize:])
	usergeneration := binary.LittleEndian.Uint32(raw[headerOffUserGeneration:])
	if slotnpages == 0 || pagesize == 0 {
		return errors.Wrap(ErrCorrupt, "xdb: empty slot area or page size")
	}

	fi, err := x.f.Stat()
	if err != nil {
		return errors.Wrap(err, "xdb: stat")
	}
	if uint64(fi.Size())%uint64(pagesize) != 0 {
		return errors.Wrap(ErrCorrupt, "xdb: file size not page aligned")
	}
	x.pagesize = pagesize

	if err := x.readSlots(slotnpages, uint32(fi.Size())/pagesize); err != nil {
		return err
	}
	x.generation = generation
	x.slotnpages = slotnpages
	x.usergeneration = usergeneration
	x.headerOK = true
	return nil
}

// readHeaderScalar reads only the fixed header fields, without touching
// the slot list (rpmxdbReadHeaderRaw).
func (x *XDB) readHeaderScalar() (generation, slotnpages, pagesize, usergeneration uint32, err error) {
	var raw [headerSize]byte
	if _, err = x.f.ReadAt(raw[:], 0); err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "xdb: read header")
	}
	if binary.LittleEndian.Uint32(raw[headerOffMagic:]) != magic {
		return 0, 0, 0, 0, errors.Wrap(ErrCorrupt, "xdb: bad magic")
	}
	if binary.LittleEndian.Uint32(raw[headerOffVersion:]) != version {
		return 0, 0, 0, 0, errors.Wrap(ErrCorrupt, "xdb: version mismatch")
	}
	generation = binary.LittleEndian.Uint32(raw[headerOffGeneration:])
	slotnpages = binary.LittleEndian.Uint32(raw[headerOffSlotNPages:])
	pagesize = binary.LittleEndian.Uint32(raw[headerOffPageSize:])
	usergeneration = binary.LittleEndian.Uint32(raw[headerOffUserGeneration:])
	if slotnpages == 0 || pagesize == 0 {
		return 0, 0, 0, 0, errors.Wrap(ErrCorrupt, "xdb: empty slot area or page size")
	}
	return generation, slotnpages, pagesize, usergeneration, nil
}

func (x *XDB) writeHeader() error {
	var raw [headerSize]byte
	binary.LittleEndian.PutUint32(raw[headerOffMagic:], magic)
	binary.LittleEndian.PutUint32(raw[headerOffVersion:], version)
	binary.LittleEndian.PutUint32(raw[headerOffGeneration:], x.generation)
	binary.LittleEndian.PutUint32(raw[headerOffSlotNPages:], x.slotnpages)
	binary.LittleEndian.PutUint32(raw[headerOffPageSize:], x.pagesize)
	binary.LittleEndian.PutUint32(raw[headerOffUserGeneration:], x.usergeneration)
	if _, err := x.f.WriteAt(raw[:], 0); err != nil {
		return errors.Wrap(err, "xdb: write header")
	}
	if x.dofsync {
		if err := x.f.Sync(); err != nil {
			return errors.Wrap(err, "xdb: fsync header")
		}
	}
	return nil
}

// Stats is the Go-native equivalent of rpmxdbStats's printf block.
type Stats struct {
	Generation     uint32
	SlotPages      uint32
	BlobPages      uint32
	FreePages      uint32
	FreeSlots      uint
	Pagesize       uint32
	UserGeneration uint32
}

func (x *XDB) Stats() (Stats, error) {
	if err := x.lockReadHeader(false); err != nil {
		return Stats{}, err
	}
	defer x.unlock(false)
	tail := x.slots[x.nslots-1]
	freeSlots := uint(0)
	if x.freebits != nil {
		freeSlots = x.freebits.Count()
	}
	return Stats{
		Generation:     x.generation,
		SlotPages:      x.slotnpages,
		BlobPages:      x.usedpages,
		FreePages:      tail.startpage - x.usedpages - x.slotnpages,
		FreeSlots:      freeSlots,
		Pagesize:       x.pagesize,
		UserGeneration: x.usergeneration,
	}, nil
}

// sortSlotsByStartpage is used only while rebuilding the in-memory slot
// list from disk, matching usedslots_cmp's ordering key.
func sortSlotsByStartpage(s []*slot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].startpage == s[j].startpage {
			return s[i].pagecnt < s[j].pagecnt
		}
		return s[i].startpage < s[j].startpage
	})
}
