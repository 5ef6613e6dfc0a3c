package vfs_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/meigma/vfs"
	"github.com/meigma/vfs/backend/local"
	"github.com/meigma/vfs/internal/testutil"
)

// makeCompressibleContent creates content that benefits from compression.
func makeCompressibleContent(size int) []byte {
	pattern := []byte("This is a repeating pattern for compression testing. ")
	result := make([]byte, 0, size)
	for len(result) < size {
		result = append(result, pattern...)
	}
	return result[:size]
}

func benchArchive(b *testing.B, coder testutil.Coder, files, size int) []byte {
	b.Helper()
	content := makeCompressibleContent(size)
	entries := make([]testutil.ArchiveFile, files)
	for i := range entries {
		entries[i] = testutil.ArchiveFile{Name: fmt.Sprintf("dir%02d/file%05d.dat", i%16, i), Data: content}
	}
	return testutil.NewArchive(b).Folder([]testutil.Coder{coder}, entries...).Bytes()
}

func BenchmarkFileSystemReadEntry(b *testing.B) {
	coders := []struct {
		name  string
		coder testutil.Coder
	}{
		{"copy", testutil.Copy()},
		{"lzma2", testutil.LZMA2()},
		{"zstd", testutil.Zstd()},
		{"lz4", testutil.LZ4()},
		{"deflate", testutil.Deflate()},
	}
	for _, c := range coders {
		for _, cached := range []bool{false, true} {
			b.Run(fmt.Sprintf("%s/cache=%t", c.name, cached), func(b *testing.B) {
				const files, size = 64, 16 << 10
				ctx := context.Background()
				mem := local.NewMemory()
				opts := []vfs.Option{vfs.WithBackend("mem", mem)}
				if cached {
					opts = append(opts, vfs.WithMemoryCache(0))
				}
				fsys, err := vfs.New(opts...)
				if err != nil {
					b.Fatal(err)
				}
				defer fsys.Close()
				putNative(b, mem, fsys, "mem:///bench.7z", benchArchive(b, c.coder, files, size))

				b.SetBytes(size)
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; b.Loop(); i++ {
					r, err := fsys.Open(ctx, fmt.Sprintf("mem:///bench.7z/dir%02d/file%05d.dat", i%16, i%files))
					if err != nil {
						b.Fatal(err)
					}
					rc, err := fsys.OpenRead(ctx, r)
					if err != nil {
						b.Fatal(err)
					}
					if _, err := io.Copy(io.Discard, rc); err != nil {
						b.Fatal(err)
					}
					rc.Close()
				}
			})
		}
	}
}
