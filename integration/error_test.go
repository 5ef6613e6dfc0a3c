//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs"
)

// --- Error Scenarios ---

func TestError_MissingEntry(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "missing")
	e.put("/release.7z", releaseArchive(t))

	_, err := e.read("/release.7z/nope.txt")
	require.ErrorIs(t, err, vfs.ErrNotExist)

	_, err = e.read("/absent.7z/root.txt")
	require.Error(t, err)
}

func TestError_CorruptContainer(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "corrupt")
	e.put("/broken.7z", []byte("definitely not a 7z archive"))

	_, err := e.read("/broken.7z/root.txt")
	require.ErrorIs(t, err, vfs.ErrCorruptContainer)

	// A fixed upload is picked up on the next resolve.
	e.put("/broken.7z", releaseArchive(t))
	got, err := e.read("/broken.7z/root.txt")
	require.NoError(t, err)
	assert.Equal(t, "root file", got)
}

func TestError_EntriesAreReadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, "readonly")
	e.put("/release.7z", releaseArchive(t))

	entry := e.open("/release.7z/root.txt")
	assert.False(t, e.fsys.Supports(ctx, entry, vfs.OpWrite))
	_, err := e.fsys.OpenWrite(ctx, entry)
	require.ErrorIs(t, err, vfs.ErrOperationUnsupported)
}
