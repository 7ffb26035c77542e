package xdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLocker is a single-process stand-in for *pkgdb.PkgDB's advisory
// lock, sufficient for XDB's own tests (which never span processes).
type fakeLocker struct {
	shared    int
	exclusive int
}

func (l *fakeLocker) Lock(exclusive bool) error {
	if exclusive {
		l.exclusive++
	} else {
		l.shared++
	}
	return nil
}

func (l *fakeLocker) Unlock(exclusive bool) error {
	if exclusive {
		l.exclusive--
	} else {
		l.shared--
	}
	return nil
}

func openTemp(t *testing.T, opts ...func(*Options)) *XDB {
	t.Helper()
	o := Options{Path: filepath.Join(t.TempDir(), "Index.db")}
	for _, opt := range opts {
		opt(&o)
	}
	x, err := Open(&fakeLocker{}, o)
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func TestOpenFreshCreatesOnePageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Index.db")
	x, err := Open(&fakeLocker{}, Options{Path: path})
	require.NoError(t, err)
	defer x.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), fi.Size())
}

func TestLookupCreateThenFind(t *testing.T) {
	x := openTemp(t)
	id, err := x.LookupBlob(42, 0, LookupCreate)
	require.NoError(t, err)
	assert.NotZero(t, id)

	again, err := x.LookupBlob(42, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestLookupMissingIsNotFound(t *testing.T) {
	x := openTemp(t)
	_, err := x.LookupBlob(7, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResizeGrowAndShrink(t *testing.T) {
	x := openTemp(t)
	id, err := x.LookupBlob(1, 0, LookupCreate)
	require.NoError(t, err)

	require.NoError(t, x.ResizeBlob(id, 9000))
	require.NoError(t, x.ResizeBlob(id, 100))

	stats, err := x.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.BlobPages)
}

func TestMapBlobFiresCallbackOnResize(t *testing.T) {
	x := openTemp(t)
	id, err := x.LookupBlob(2, 0, LookupCreate)
	require.NoError(t, err)
	require.NoError(t, x.ResizeBlob(id, 4096))

	var calls int
	var lastLen int
	require.NoError(t, x.MapBlob(id, true, func(data []byte) {
		calls++
		lastLen = len(data)
	}))
	defer x.UnmapBlob(id)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 4096, lastLen)

	require.NoError(t, x.ResizeBlob(id, 9000))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 12288, lastLen)
}

func TestDelBlobThenLookupIsNotFound(t *testing.T) {
	x := openTemp(t)
	id, err := x.LookupBlob(3, 0, LookupCreate)
	require.NoError(t, err)
	require.NoError(t, x.ResizeBlob(id, 100))
	require.NoError(t, x.DelBlob(id))

	_, err = x.LookupBlob(3, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameBlobReplacesExisting(t *testing.T) {
	x := openTemp(t)
	a, err := x.LookupBlob(1, 0, LookupCreate)
	require.NoError(t, err)
	require.NoError(t, x.ResizeBlob(a, 50))

	b, err := x.LookupBlob(2, 0, LookupCreate)
	require.NoError(t, err)
	require.NoError(t, x.ResizeBlob(b, 9000))

	newID, err := x.RenameBlob(b, 1, 0)
	require.NoError(t, err)

	found, err := x.LookupBlob(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, newID, found)

	_, err = x.LookupBlob(2, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserGenerationRoundTrip(t *testing.T) {
	x := openTemp(t)
	require.NoError(t, x.SetUserGeneration(77))
	got, err := x.GetUserGeneration()
	require.NoError(t, err)
	assert.Equal(t, uint32(77), got)
}

func TestManyBlobsGrowSlotArea(t *testing.T) {
	x := openTemp(t)
	const n = 400
	ids := make([]int, 0, n)
	for i := uint32(1); i <= n; i++ {
		id, err := x.LookupBlob(i, 0, LookupCreate)
		require.NoError(t, err)
		require.NoError(t, x.ResizeBlob(id, 16))
		ids = append(ids, id)
	}
	for i, id := range ids {
		found, err := x.LookupBlob(uint32(i+1), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, id, found)
	}
}

func TestDelAllBlobsResetsStore(t *testing.T) {
	x := openTemp(t)
	id, err := x.LookupBlob(9, 0, LookupCreate)
	require.NoError(t, err)
	require.NoError(t, x.ResizeBlob(id, 9000))

	require.NoError(t, x.DelAllBlobs())

	_, err = x.LookupBlob(9, 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := x.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.SlotPages)
}
