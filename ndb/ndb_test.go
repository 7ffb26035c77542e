package ndb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts ...func(*Options)) *Env {
	t.Helper()
	o := Options{Dir: t.TempDir()}
	for _, opt := range opts {
		opt(&o)
	}
	env, err := Open(o)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenFreshCreatesBothFiles(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer env.Close()

	ids, err := env.PkgdbKey()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPkgdbPutGetDel(t *testing.T) {
	env := openTemp(t)
	id, err := env.PkgdbNew()
	require.NoError(t, err)

	require.NoError(t, env.PkgdbPut(id, []byte("header bytes")))
	got, err := env.PkgdbGet(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("header bytes"), got)

	require.NoError(t, env.PkgdbDel(id))
	_, err = env.PkgdbGet(id)
	assert.ErrorIs(t, err, pkgdbNotFound(env))
}

func TestIdxdbPutGetDel(t *testing.T) {
	env := openTemp(t)
	id, err := env.PkgdbNew()
	require.NoError(t, err)
	require.NoError(t, env.PkgdbPut(id, []byte("x")))

	require.NoError(t, env.IdxdbPut("name", []byte("libfoo"), uint32(id), 0))
	hits, err := env.IdxdbGet("name", []byte("libfoo"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint32(id), hits[0].PkgIdx)

	require.NoError(t, env.IdxdbDel("name", []byte("libfoo"), uint32(id), 0))
	_, err = env.IdxdbGet("name", []byte("libfoo"))
	assert.Error(t, err)
}

func TestSyncAndVerify(t *testing.T) {
	env := openTemp(t)
	id, err := env.PkgdbNew()
	require.NoError(t, err)
	require.NoError(t, env.PkgdbPut(id, []byte("x")))

	require.NoError(t, env.Sync())
	assert.NoError(t, env.Verify())

	_, err = env.PkgdbNew()
	require.NoError(t, err)
	assert.Error(t, env.Verify())
}

func TestCursorPrimaryIteratesAll(t *testing.T) {
	env := openTemp(t)
	for i := 0; i < 3; i++ {
		id, err := env.PkgdbNew()
		require.NoError(t, err)
		require.NoError(t, env.PkgdbPut(id, []byte{byte(i)}))
	}

	cur, err := env.CursorInit(CursorPrimary, "", nil)
	require.NoError(t, err)
	defer env.CursorFree(cur)

	assert.Equal(t, 3, cur.Len())
	count := 0
	for {
		_, ok := cur.Next()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}

func TestCursorSecondaryPrefixAndAll(t *testing.T) {
	env := openTemp(t)
	id, err := env.PkgdbNew()
	require.NoError(t, err)
	require.NoError(t, env.PkgdbPut(id, []byte("x")))

	require.NoError(t, env.IdxdbPut("provides", []byte("libfoo.so.1"), uint32(id), 0))
	require.NoError(t, env.IdxdbPut("provides", []byte("libfoo.so.2"), uint32(id), 1))
	require.NoError(t, env.IdxdbPut("provides", []byte("libbar.so.1"), uint32(id), 0))

	cur, err := env.CursorInit(CursorSecondaryPrefix, "provides", []byte("libfoo"))
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Len())

	all, err := env.CursorInit(CursorSecondaryAll, "provides", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, env.Close())

	ro, err := Open(Options{Dir: dir, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.PkgdbNew()
	assert.Error(t, err)
}

// pkgdbNotFound gives the test a concrete sentinel to compare against
// without importing the pkgdb package directly for one assertion.
func pkgdbNotFound(env *Env) error {
	_, err := env.pkg.Get(-1)
	return err
}
