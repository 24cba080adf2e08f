package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/vmnetfs/cache"
)

func TestModifiedWriteThenRead(t *testing.T) {
	m, err := cache.OpenModified(t.TempDir(), 4096)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write(2, 10, []byte("hello")))
	got, err := m.Read(2, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestModifiedReadOfHoleIsZero(t *testing.T) {
	m, err := cache.OpenModified(t.TempDir(), 4096)
	require.NoError(t, err)
	defer m.Close()

	got, err := m.Read(0, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), got)
}

func TestModifiedDistinctChunksDoNotOverlap(t *testing.T) {
	m, err := cache.OpenModified(t.TempDir(), 16)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write(0, 0, []byte("aaaa")))
	require.NoError(t, m.Write(1, 0, []byte("bbbb")))

	got0, err := m.Read(0, 0, 4)
	require.NoError(t, err)
	got1, err := m.Read(1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(got0))
	assert.Equal(t, "bbbb", string(got1))
}

func TestTruncateChunkTailZeroFills(t *testing.T) {
	m, err := cache.OpenModified(t.TempDir(), 16)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Write(0, 0, []byte("0123456789abcdef")))
	require.NoError(t, m.TruncateChunkTail(0, 8))

	got, err := m.Read(0, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(got[:8]))
	assert.Equal(t, make([]byte, 8), got[8:])
}
