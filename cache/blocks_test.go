package cache_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/cache/disk"
	"github.com/meigma/vfs/internal/testutil"
)

func TestBlocks_ReadAtReuse(t *testing.T) {
	t.Parallel()

	c := testutil.NewMockCache()
	blocks, err := cache.NewBlocks(c, cache.WithBlockSize(8))
	require.NoError(t, err)
	src := testutil.NewMockByteSource([]byte("abcdefghijklmnopqrstuvwxyz"))
	cached, err := blocks.Wrap(src)
	require.NoError(t, err)
	assert.Equal(t, src.SourceID(), cached.SourceID())
	assert.Equal(t, int64(26), cached.Size())

	buf := make([]byte, 4)
	n, err := cached.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "cdef", string(buf[:n]))
	assert.Equal(t, int64(1), src.Reads())

	buf = make([]byte, 3)
	n, err = cached.ReadAt(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, "fgh", string(buf[:n]))
	assert.Equal(t, int64(1), src.Reads(), "same block is served from the cache")

	buf = make([]byte, 4)
	n, err = cached.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "ghij", string(buf[:n]))
	assert.Equal(t, int64(2), src.Reads(), "only the second block is fetched")
	assert.Equal(t, 2, c.Len())
}

func TestBlocks_Tail(t *testing.T) {
	t.Parallel()

	blocks, err := cache.NewBlocks(cache.NewMemory(0), cache.WithBlockSize(8))
	require.NoError(t, err)
	cached, err := blocks.Wrap(testutil.NewMockByteSource([]byte("abcdefghijk")))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := cached.ReadAt(buf, 6)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "ghijk", string(buf[:n]))

	_, err = cached.ReadAt(buf, 11)
	require.ErrorIs(t, err, io.EOF)

	rr, ok := cached.(cache.RangeReader)
	require.True(t, ok)
	rc, err := rr.ReadRange(3, 100)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "defghijk", string(data))
}

func TestBlocks_LongReadBypasses(t *testing.T) {
	t.Parallel()

	c := testutil.NewMockCache()
	blocks, err := cache.NewBlocks(c, cache.WithBlockSize(4), cache.WithMaxBlocksPerRead(2))
	require.NoError(t, err)
	src := testutil.NewMockByteSource([]byte("0123456789abcdef"))
	cached, err := blocks.Wrap(src)
	require.NoError(t, err)

	buf := make([]byte, 12)
	n, err := cached.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", string(buf[:n]))
	assert.Equal(t, 0, c.Len())
}

func TestBlocks_DiskBacked(t *testing.T) {
	t.Parallel()

	dc, err := disk.New(t.TempDir())
	require.NoError(t, err)
	blocks, err := cache.NewBlocks(dc, cache.WithBlockSize(4))
	require.NoError(t, err)

	src := testutil.NewMockByteSource([]byte("persisted blocks"))
	first, err := blocks.Wrap(src)
	require.NoError(t, err)
	buf := make([]byte, 9)
	_, err = first.ReadAt(buf, 0)
	require.NoError(t, err)
	reads := src.Reads()

	// A fresh wrapper over the same identity hits the disk entries.
	again, err := blocks.Wrap(src)
	require.NoError(t, err)
	_, err = again.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf))
	assert.Equal(t, reads, src.Reads())
	assert.Positive(t, dc.SizeBytes())
}

func TestBlocks_Errors(t *testing.T) {
	t.Parallel()

	_, err := cache.NewBlocks(nil)
	require.Error(t, err)
	_, err = cache.NewBlocks(cache.NewMemory(0), cache.WithBlockSize(0))
	require.Error(t, err)

	blocks, err := cache.NewBlocks(cache.NewMemory(0))
	require.NoError(t, err)
	_, err = blocks.Wrap(nil)
	require.Error(t, err)
	_, err = blocks.Wrap(unnamed{testutil.NewMockByteSource([]byte("x"))})
	require.Error(t, err)
}

type unnamed struct{ *testutil.MockByteSource }

func (unnamed) SourceID() string { return "" }
