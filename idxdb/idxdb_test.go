package idxdb

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpm-software-management/go-ndb/xdb"
)

// fakeLocker is a single-process stand-in for *pkgdb.PkgDB's advisory
// lock, matching xdb's own test helper.
type fakeLocker struct{}

func (fakeLocker) Lock(bool) error   { return nil }
func (fakeLocker) Unlock(bool) error { return nil }

func openTemp(t *testing.T, tag uint32) *IdxDB {
	t.Helper()
	x, err := xdb.Open(fakeLocker{}, xdb.Options{Path: filepath.Join(t.TempDir(), "Index.db")})
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })

	idx, err := Open(x, tag, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPutGetRoundTrip(t *testing.T) {
	idx := openTemp(t, 1)
	require.NoError(t, idx.Put([]byte("libfoo.so.1"), 5, 0))

	hits, err := idx.Get([]byte("libfoo.so.1"))
	require.NoError(t, err)
	assert.Equal(t, []Hit{{PkgIdx: 5, DatIdx: 0}}, hits)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	idx := openTemp(t, 1)
	_, err := idx.Get([]byte("nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutMultipleHitsSameKey(t *testing.T) {
	idx := openTemp(t, 1)
	require.NoError(t, idx.Put([]byte("shared"), 1, 0))
	require.NoError(t, idx.Put([]byte("shared"), 2, 0))
	require.NoError(t, idx.Put([]byte("shared"), 3, 1))

	hits, err := idx.Get([]byte("shared"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []Hit{{1, 0}, {2, 0}, {3, 1}}, hits)
}

func TestDelRemovesOneHitKeepsOthers(t *testing.T) {
	idx := openTemp(t, 1)
	require.NoError(t, idx.Put([]byte("k"), 1, 0))
	require.NoError(t, idx.Put([]byte("k"), 2, 0))

	require.NoError(t, idx.Del([]byte("k"), 1, 0))

	hits, err := idx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []Hit{{PkgIdx: 2, DatIdx: 0}}, hits)
}

func TestDelLastHitMakesKeyNotFound(t *testing.T) {
	idx := openTemp(t, 1)
	require.NoError(t, idx.Put([]byte("k"), 1, 0))
	require.NoError(t, idx.Del([]byte("k"), 1, 0))

	_, err := idx.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelUnknownIsNoop(t *testing.T) {
	idx := openTemp(t, 1)
	assert.NoError(t, idx.Del([]byte("ghost"), 1, 0))
}

func TestPutIsIdempotent(t *testing.T) {
	idx := openTemp(t, 1)
	require.NoError(t, idx.Put([]byte("k"), 1, 0))
	require.NoError(t, idx.Put([]byte("k"), 1, 0))

	hits, err := idx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestRebuildTriggersAtHalfLoad(t *testing.T) {
	idx := openTemp(t, 1)
	statsBefore, err := idx.Stats()
	require.NoError(t, err)
	initialNSlots := statsBefore.NSlots

	keys := make([][]byte, 0, int(initialNSlots))
	for i := 0; i < int(initialNSlots); i++ {
		k := []byte(fmt.Sprintf("pkg-%d", i))
		keys = append(keys, k)
		require.NoError(t, idx.Put(k, uint32(i+1), 0))
	}

	statsAfter, err := idx.Stats()
	require.NoError(t, err)
	assert.Greater(t, statsAfter.NSlots, initialNSlots)

	for i, k := range keys {
		hits, err := idx.Get(k)
		require.NoError(t, err, "key %q should survive rebuild", k)
		assert.Equal(t, []Hit{{PkgIdx: uint32(i + 1), DatIdx: 0}}, hits)
	}
}

func TestReopenAcrossXDBPreservesData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Index.db")
	x, err := xdb.Open(fakeLocker{}, xdb.Options{Path: dir})
	require.NoError(t, err)

	idx, err := Open(x, 9, false, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Put([]byte("persisted"), 1, 0))
	require.NoError(t, idx.Close())
	require.NoError(t, x.Close())

	x2, err := xdb.Open(fakeLocker{}, xdb.Options{Path: dir})
	require.NoError(t, err)
	defer x2.Close()

	idx2, err := Open(x2, 9, false, nil)
	require.NoError(t, err)
	defer idx2.Close()

	hits, err := idx2.Get([]byte("persisted"))
	require.NoError(t, err)
	assert.Equal(t, []Hit{{PkgIdx: 1, DatIdx: 0}}, hits)
}
