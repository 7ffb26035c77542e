package ndb

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/rpm-software-management/go-ndb/idxdb"
)

// CursorKind selects what a Cursor iterates.
type CursorKind int

const (
	// CursorPrimary walks (pkgidx -> blob) pairs in PkgDB blkoff order.
	CursorPrimary CursorKind = iota
	// CursorSecondaryExact performs one exact-match Get against a
	// secondary index.
	CursorSecondaryExact
	// CursorSecondaryPrefix lists the index once and yields every key
	// with a matching prefix, with the hits the listing returned.
	CursorSecondaryPrefix
	// CursorSecondaryAll iterates every nonempty posting list in a
	// secondary index.
	CursorSecondaryAll
)

// Entry is one item a Cursor yields.
type Entry struct {
	PkgIdx int       // valid for CursorPrimary
	Blob   []byte    // valid for CursorPrimary
	Key    string    // valid for the CursorSecondary* kinds
	Hits   []idxdb.Hit
}

// Cursor enumerates one of the four views CursorKind names. It takes a
// stable snapshot at CursorInit time; later mutations on the environment
// are not reflected in the iteration, applied uniformly to every cursor
// kind for simplicity.
type Cursor struct {
	kind    CursorKind
	entries []Entry
	pos     int
}

// CursorInit opens a cursor. For CursorPrimary, index/prefix are
// ignored. For the secondary kinds,
// index names the secondary and key/prefix supplies the match.
func (e *Env) CursorInit(kind CursorKind, index string, keyOrPrefix []byte) (*Cursor, error) {
	switch kind {
	case CursorPrimary:
		ids, err := e.PkgdbKey()
		if err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(ids))
		for _, id := range ids {
			blob, err := e.PkgdbGet(id)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{PkgIdx: id, Blob: blob})
		}
		return &Cursor{kind: kind, entries: entries}, nil

	case CursorSecondaryExact:
		hits, err := e.IdxdbGet(index, keyOrPrefix)
		if err != nil && !errors.Is(err, idxdb.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			return &Cursor{kind: kind}, nil
		}
		return &Cursor{kind: kind, entries: []Entry{{Key: string(keyOrPrefix), Hits: hits}}}, nil

	case CursorSecondaryPrefix:
		all, err := e.IdxdbKey(index)
		if err != nil {
			return nil, err
		}
		prefix := string(keyOrPrefix)
		var keys []string
		for k := range all {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, Entry{Key: k, Hits: all[k]})
		}
		return &Cursor{kind: kind, entries: entries}, nil

	case CursorSecondaryAll:
		all, err := e.IdxdbKey(index)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			if len(all[k]) == 0 {
				continue
			}
			entries = append(entries, Entry{Key: k, Hits: all[k]})
		}
		return &Cursor{kind: kind, entries: entries}, nil

	default:
		return nil, errors.Wrap(ErrInvalid, "ndb: unknown cursor kind")
	}
}

// Next advances the cursor, returning false once exhausted (cursorGet's
// iteration half, split from init per Go's iterator idiom).
func (c *Cursor) Next() (Entry, bool) {
	if c.pos >= len(c.entries) {
		return Entry{}, false
	}
	entry := c.entries[c.pos]
	c.pos++
	return entry, true
}

// Len reports how many entries this cursor will yield in total.
func (c *Cursor) Len() int { return len(c.entries) }

// CursorFree releases the cursor. Cursor holds no engine-level
// resources beyond its snapshot, so this only exists to keep the
// glue-layer API surface complete.
func (e *Env) CursorFree(c *Cursor) {
	c.entries = nil
	c.pos = 0
}
