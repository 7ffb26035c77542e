// Package ndb is the glue layer: it wraps PkgDB, XDB, and IdxDB into one
// environment-scoped handle exposing a cursor API, so callers never
// juggle the three engines' locking/generation rules directly.
package ndb

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpm-software-management/go-ndb/idxdb"
	"github.com/rpm-software-management/go-ndb/internal/codec"
	"github.com/rpm-software-management/go-ndb/pkgdb"
	"github.com/rpm-software-management/go-ndb/xdb"
)

var (
	// ErrNotFound mirrors the tri-state outcome exposed at every glue
	// operation.
	ErrNotFound = errors.New("ndb: not found")
	// ErrInvalid covers misuse: a missing Dir, writing on a read-only
	// env, an unknown cursor kind.
	ErrInvalid = errors.New("ndb: invalid argument")
)

// Result is the tri-state outcome required at the glue boundary.
type Result int

const (
	ResultOK Result = iota
	ResultNotFound
	ResultFail
)

// ResultOf classifies err the way every glue operation's caller expects.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotFound), errors.Is(err, pkgdb.ErrNotFound),
		errors.Is(err, xdb.ErrNotFound), errors.Is(err, idxdb.ErrNotFound):
		return ResultNotFound
	default:
		return ResultFail
	}
}

// indexTag maps a secondary index name onto the XDB tag IdxDB stores it
// under, the way rpmidxOpenIndex's callers pick a tag per header field.
func indexTag(name string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h | 1 // tag 0 is reserved for the primary
}

// Options configures Open, the env-level equivalent of pkgdb.Options
// and xdb.Options.
type Options struct {
	Dir      string
	ReadOnly bool
	NoFsync  bool
	Codec    codec.Codec
	Logger   *logrus.Entry
}

// Env is one open database home directory: Packages.db (PkgDB) plus
// Index.db (XDB, carrying every opened secondary index as an IdxDB
// sub-blob). Not safe for concurrent use from multiple goroutines; the
// underlying engines assume a single-threaded-cooperative caller.
type Env struct {
	dir      string
	readOnly bool
	log      *logrus.Entry

	pkg *pkgdb.PkgDB
	idx *xdb.XDB

	secondaries map[string]*idxdb.IdxDB

	lastPkgidx int
	lastBlob   []byte
}

// Open opens (or creates) the environment rooted at opts.Dir, creating
// Packages.db and Index.db on first use.
func Open(opts Options) (*Env, error) {
	if opts.Dir == "" {
		return nil, errors.Wrap(ErrInvalid, "ndb: Dir is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "ndb").WithField("dir", opts.Dir)

	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "ndb: mkdir")
		}
	}

	pkg, err := pkgdb.Open(pkgdb.Options{
		Path:     filepath.Join(opts.Dir, "Packages.db"),
		ReadOnly: opts.ReadOnly,
		NoFsync:  opts.NoFsync,
		Codec:    opts.Codec,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	idxStore, err := xdb.Open(pkg, xdb.Options{
		Path:     filepath.Join(opts.Dir, "Index.db"),
		ReadOnly: opts.ReadOnly,
		NoFsync:  opts.NoFsync,
		Logger:   log,
	})
	if err != nil {
		pkg.Close()
		return nil, err
	}

	return &Env{
		dir:         opts.Dir,
		readOnly:    opts.ReadOnly,
		log:         log,
		pkg:         pkg,
		idx:         idxStore,
		secondaries: map[string]*idxdb.IdxDB{},
	}, nil
}

// Close releases every open secondary index plus the two engine
// handles. Any held lock must already be released.
func (e *Env) Close() error {
	for name, idx := range e.secondaries {
		if err := idx.Close(); err != nil {
			e.log.WithError(err).WithField("index", name).Warn("close secondary index")
		}
	}
	if err := e.idx.Close(); err != nil {
		return err
	}
	return e.pkg.Close()
}

// SetFsync toggles the durability/throughput trade on both engines
// uniformly. dofsync is a per-handle boolean.
func (e *Env) SetFsync(enabled bool) {
	e.pkg.SetFsync(enabled)
	e.idx.SetFsync(enabled)
}

// Lock and Unlock are the control operations routing exclusive/shared
// lock acquire and release to PkgDB.
func (e *Env) Lock(exclusive bool) error   { return e.pkg.Lock(exclusive) }
func (e *Env) Unlock(exclusive bool) error { return e.pkg.Unlock(exclusive) }

// Sync is the "index sync" control operation: it reads PkgDB's
// generation under a shared lock and stores it as XDB's user
// generation, so a client can cheaply detect a stale secondary index
// store.
func (e *Env) Sync() error {
	if err := e.pkg.Lock(false); err != nil {
		return err
	}
	gen, err := e.pkg.Generation()
	e.pkg.Unlock(false)
	if err != nil {
		return err
	}
	return e.idx.SetUserGeneration(gen)
}

// Verify checks that PkgDB's and XDB's user-generation correlation
// still holds, the read-only counterpart of Sync used by ndbtool's
// verify subcommand and by clients deciding whether to trust a
// secondary index without rebuilding it.
func (e *Env) Verify() error {
	if err := e.pkg.Lock(false); err != nil {
		return err
	}
	gen, err := e.pkg.Generation()
	e.pkg.Unlock(false)
	if err != nil {
		return err
	}
	usergen, err := e.idx.GetUserGeneration()
	if err != nil {
		return err
	}
	if usergen != gen {
		return errors.New("ndb: secondary index generation is stale")
	}
	return nil
}

// Index opens (creating if necessary) the secondary index called name,
// returning the same handle on repeat calls. PkgDB is always open by
// the time Open returns, so any Index call afterward is valid.
func (e *Env) Index(name string) (*idxdb.IdxDB, error) {
	if idx, ok := e.secondaries[name]; ok {
		return idx, nil
	}
	idx, err := idxdb.Open(e.idx, indexTag(name), e.readOnly, e.log)
	if err != nil {
		return nil, err
	}
	e.secondaries[name] = idx
	return idx, nil
}

// pkgdbNew allocates a fresh package id.
func (e *Env) pkgdbNew() (int, error) {
	if e.readOnly {
		return 0, errors.Wrap(ErrInvalid, "ndb: write on read-only environment")
	}
	return e.pkg.NextPkgIdx()
}

// PkgdbNew is the exported form of pkgdbNew.
func (e *Env) PkgdbNew() (int, error) { return e.pkgdbNew() }

// PkgdbPut stores payload under pkgidx, invalidating the memoized last
// read. The most recently read package header stays memoized otherwise.
func (e *Env) PkgdbPut(pkgidx int, payload []byte) error {
	if e.readOnly {
		return errors.Wrap(ErrInvalid, "ndb: write on read-only environment")
	}
	if err := e.pkg.Put(pkgidx, payload); err != nil {
		return err
	}
	if pkgidx == e.lastPkgidx {
		e.lastPkgidx = 0
		e.lastBlob = nil
	}
	return nil
}

// PkgdbDel removes the package stored under pkgidx.
func (e *Env) PkgdbDel(pkgidx int) error {
	if e.readOnly {
		return errors.Wrap(ErrInvalid, "ndb: write on read-only environment")
	}
	if err := e.pkg.Del(pkgidx); err != nil {
		return err
	}
	if pkgidx == e.lastPkgidx {
		e.lastPkgidx = 0
		e.lastBlob = nil
	}
	return nil
}

// PkgdbGet returns the payload stored under pkgidx, serving the hot
// path from the one-entry memo before falling through to PkgDB.
func (e *Env) PkgdbGet(pkgidx int) ([]byte, error) {
	if pkgidx == e.lastPkgidx && e.lastBlob != nil {
		return e.lastBlob, nil
	}
	blob, err := e.pkg.Get(pkgidx)
	if err != nil {
		return nil, err
	}
	e.lastPkgidx = pkgidx
	e.lastBlob = blob
	return blob, nil
}

// PkgdbKey lists every live package id, in blkoff order.
func (e *Env) PkgdbKey() ([]int, error) { return e.pkg.List() }

// IdxdbPut records key -> (pkgidx, datidx) in the named secondary
// index, opening it on first use.
func (e *Env) IdxdbPut(name string, key []byte, pkgidx, datidx uint32) error {
	if e.readOnly {
		return errors.Wrap(ErrInvalid, "ndb: write on read-only environment")
	}
	idx, err := e.Index(name)
	if err != nil {
		return err
	}
	return idx.Put(key, pkgidx, datidx)
}

// IdxdbDel removes one (pkgidx, datidx) hit for key from the named
// secondary index.
func (e *Env) IdxdbDel(name string, key []byte, pkgidx, datidx uint32) error {
	if e.readOnly {
		return errors.Wrap(ErrInvalid, "ndb: write on read-only environment")
	}
	idx, err := e.Index(name)
	if err != nil {
		return err
	}
	return idx.Del(key, pkgidx, datidx)
}

// IdxdbGet returns every hit recorded for key in the named secondary
// index.
func (e *Env) IdxdbGet(name string, key []byte) ([]idxdb.Hit, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	return idx.Get(key)
}

// IdxdbKey lists every live key and its hits in the named secondary
// index.
func (e *Env) IdxdbKey(name string) (map[string][]idxdb.Hit, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	return idx.List()
}
