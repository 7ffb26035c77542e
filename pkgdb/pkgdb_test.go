package pkgdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts ...Option) *PkgDB {
	t.Helper()
	o := Options{Path: filepath.Join(t.TempDir(), "Packages.db")}
	for _, opt := range opts {
		opt(&o)
	}
	db, err := Open(o)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTemp(t)
	payload := []byte("package header bytes")
	require.NoError(t, db.Put(1, payload))

	got, err := db.Get(1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	db := openTemp(t)
	_, err := db.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRewriteLargerRelocates(t *testing.T) {
	db := openTemp(t)
	small := []byte("tiny")
	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}

	require.NoError(t, db.Put(7, small))
	require.NoError(t, db.Put(7, big))

	got, err := db.Get(7)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UsedSlots)
}

func TestDelThenPutReusesFreeSlot(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.Put(1, []byte("a")))
	require.NoError(t, db.Put(2, []byte("b")))
	require.NoError(t, db.Del(1))

	_, err := db.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put(3, []byte("c")))
	got, err := db.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)

	ids, err := db.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{2, 3}, ids)
}

func TestDelUnknownIsNoop(t *testing.T) {
	db := openTemp(t)
	assert.NoError(t, db.Del(999))
}

func TestManySlotsGrowsSlotArea(t *testing.T) {
	db := openTemp(t)
	const n = 400
	for i := 1; i <= n; i++ {
		require.NoError(t, db.Put(i, []byte{byte(i)}))
	}
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, n, stats.UsedSlots)
	assert.GreaterOrEqual(t, stats.SlotPages, uint32(2))

	for i := 1; i <= n; i++ {
		got, err := db.Get(i)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, got)
	}
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Packages.db")

	db, err := Open(Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Put(5, []byte("persisted")))
	require.NoError(t, db.Close())

	db2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestNextPkgIdxMonotonic(t *testing.T) {
	db := openTemp(t)
	a, err := db.NextPkgIdx()
	require.NoError(t, err)
	b, err := db.NextPkgIdx()
	require.NoError(t, err)
	assert.Less(t, a, b)
}
