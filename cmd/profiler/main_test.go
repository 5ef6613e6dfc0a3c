package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs/internal/testutil"
)

func archiveAddress(t *testing.T) string {
	t.Helper()
	data := testutil.NewArchive(t).
		Folder([]testutil.Coder{testutil.Zstd()},
			testutil.ArchiveFile{Name: "dir00/a.dat", Data: []byte("aaaa")},
			testutil.ArchiveFile{Name: "dir01/b.dat", Data: []byte("bbbbbb")},
		).
		Bytes()
	path := filepath.Join(t.TempDir(), "profile.7z")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return "file://" + filepath.ToSlash(path)
}

func TestRunProfile(t *testing.T) {
	t.Parallel()
	address := archiveAddress(t)

	for _, mode := range []string{"read", "read-hit", "stat", "list", "open"} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			cfg := config{mode: mode, iterations: 4, cache: "memory", blockSize: 4096, readRandom: false}
			stats, err := runProfile(context.Background(), cfg, address)
			require.NoError(t, err)
			assert.Equal(t, 4, stats.ops)
			if mode == "read" || mode == "read-hit" {
				assert.Equal(t, int64(20), stats.bytes)
			}
		})
	}

	_, err := runProfile(context.Background(), config{mode: "bogus", iterations: 1, cache: cacheNone}, address)
	require.ErrorContains(t, err, "unknown mode")
}

func TestRunProfile_Served(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	url, stop, err := serveArchive(ctx, archiveAddress(t))
	require.NoError(t, err)
	defer stop()

	cfg := config{mode: "read", iterations: 2, cache: "disk", cacheDir: t.TempDir(), readRandom: false}
	stats, err := runProfile(ctx, cfg, url)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.bytes)
}

func TestParseBytesPerSecond(t *testing.T) {
	t.Parallel()

	tests := map[string]int64{
		"100":     100,
		"10k":     10 << 10,
		"10MBps":  10 << 20,
		"2gb/s":   2 << 30,
		" 5 kbps": 5 << 10,
	}
	for in, want := range tests {
		got, err := parseBytesPerSecond(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "fast", "-1", "0"} {
		_, err := parseBytesPerSecond(in)
		require.Error(t, err, in)
	}
}
