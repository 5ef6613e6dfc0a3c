package vfs

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/vfs/backend/archive"
	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/cache/disk"
	"github.com/meigma/vfs/core"
)

// Option configures a FileSystem.
type Option func(*FileSystem) error

// Default folder cache size limits.
const (
	DefaultDiskCacheSize   int64 = 512 << 20 // 512 MB
	DefaultMemoryCacheSize int64 = 64 << 20  // 64 MB
)

// WithRegistry parses addresses with reg instead of the installed registry.
func WithRegistry(reg *core.Registry) Option {
	return func(f *FileSystem) error {
		if reg == nil {
			return errors.New("registry is nil")
		}
		f.registry = reg
		return nil
	}
}

// WithBackend serves scheme with b, replacing any default.
func WithBackend(scheme string, b core.Backend) Option {
	return func(f *FileSystem) error {
		if b == nil {
			return fmt.Errorf("backend for %s is nil", scheme)
		}
		f.backends[scheme] = b
		return nil
	}
}

// WithLogger sets the logger for the FileSystem and the backends it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FileSystem) error {
		f.logger = logger
		return nil
	}
}

// WithArchiveOptions adds options for the archive backend.
func WithArchiveOptions(opts ...archive.Option) Option {
	return func(f *FileSystem) error {
		f.archiveOpts = append(f.archiveOpts, opts...)
		return nil
	}
}

// WithoutArchives disables archive browsing. Containers are then plain files.
func WithoutArchives() Option {
	return func(f *FileSystem) error {
		f.noArchives = true
		return nil
	}
}

// WithFolderCache caches decoded archive folders in c.
func WithFolderCache(c cache.Cache) Option {
	return WithArchiveOptions(archive.WithFolderCache(c))
}

// WithCacheDir caches decoded archive folders on disk under dir, bounded by
// DefaultDiskCacheSize.
func WithCacheDir(dir string) Option {
	return func(f *FileSystem) error {
		c, err := disk.New(dir, disk.WithMaxBytes(DefaultDiskCacheSize))
		if err != nil {
			return fmt.Errorf("create folder cache: %w", err)
		}
		return WithFolderCache(c)(f)
	}
}

// WithMemoryCache caches decoded archive folders in memory, bounded by
// maxBytes (0 = DefaultMemoryCacheSize).
func WithMemoryCache(maxBytes int64) Option {
	return func(f *FileSystem) error {
		if maxBytes == 0 {
			maxBytes = DefaultMemoryCacheSize
		}
		return WithFolderCache(cache.NewMemory(maxBytes))(f)
	}
}

// WithBlockCache reads archive containers from random-access backends
// through blocks.
func WithBlockCache(blocks *cache.Blocks) Option {
	return func(f *FileSystem) error {
		if blocks == nil {
			return errors.New("block cache is nil")
		}
		return WithArchiveOptions(archive.WithBlockCache(blocks))(f)
	}
}
