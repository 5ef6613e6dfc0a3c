package cache_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/cache/disk"
	"github.com/meigma/vfs/internal/testutil"
)

var benchSinkBytes []byte

func benchSource(b *testing.B, size int) *testutil.MockByteSource {
	b.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(1)) //nolint:gosec // deterministic benchmark data
	_, _ = rng.Read(data)
	return testutil.NewMockByteSource(data)
}

func BenchmarkBlocksReadAt(b *testing.B) {
	stores := map[string]func(b *testing.B) cache.Cache{
		"memory": func(*testing.B) cache.Cache { return cache.NewMemory(0) },
		"disk": func(b *testing.B) cache.Cache {
			c, err := disk.New(b.TempDir())
			if err != nil {
				b.Fatal(err)
			}
			return c
		},
	}
	for name, mk := range stores {
		for _, readSize := range []int{512, 16 << 10, 128 << 10} {
			b.Run(fmt.Sprintf("%s/read=%d", name, readSize), func(b *testing.B) {
				const size = 4 << 20
				blocks, err := cache.NewBlocks(mk(b))
				if err != nil {
					b.Fatal(err)
				}
				src, err := blocks.Wrap(benchSource(b, size))
				if err != nil {
					b.Fatal(err)
				}
				buf := make([]byte, readSize)
				rng := rand.New(rand.NewSource(2)) //nolint:gosec // deterministic offsets

				b.SetBytes(int64(readSize))
				b.ReportAllocs()
				b.ResetTimer()
				for b.Loop() {
					off := rng.Int63n(size - int64(readSize))
					if _, err := src.ReadAt(buf, off); err != nil {
						b.Fatal(err)
					}
					benchSinkBytes = buf
				}
			})
		}
	}
}

func BenchmarkMemoryGetHit(b *testing.B) {
	c := cache.NewMemory(0)
	src := benchSource(b, 64<<10)
	blocks, err := cache.NewBlocks(c)
	if err != nil {
		b.Fatal(err)
	}
	cached, err := blocks.Wrap(src)
	if err != nil {
		b.Fatal(err)
	}
	buf := make([]byte, 64<<10)
	if _, err := cached.ReadAt(buf, 0); err != nil {
		b.Fatal(err)
	}

	b.SetBytes(64 << 10)
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, err := cached.ReadAt(buf, 0); err != nil {
			b.Fatal(err)
		}
		benchSinkBytes = buf
	}
}
