package vfs

import (
	"fmt"
	nethttp "net/http"
	"os"

	"github.com/meigma/vfs/backend/archive"
	"github.com/meigma/vfs/backend/httpfs"
	"github.com/meigma/vfs/backend/local"
	"github.com/meigma/vfs/backend/s3"
	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/cache/disk"
	"github.com/meigma/vfs/config"
	"github.com/meigma/vfs/core/sevenzip"
)

// NewFromConfig creates a FileSystem as described by cfg. Logs go to
// stderr unless opts set a logger. Options are applied after the
// configuration and take precedence.
func NewFromConfig(cfg *config.Config, opts ...Option) (*FileSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)

	base := []Option{WithRegistry(reg), WithLogger(logger)}

	b := cfg.Backends
	base = append(base, WithBackend("file", local.NewOS(b.Local.Root, local.WithLogger(logger))))

	timeout, err := b.HTTP.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	webOpts := []httpfs.Option{
		httpfs.WithLogger(logger),
		httpfs.WithClient(&nethttp.Client{Timeout: timeout}),
	}
	for k, v := range b.HTTP.Headers {
		webOpts = append(webOpts, httpfs.WithHeader(k, v))
	}
	web := httpfs.New(webOpts...)
	base = append(base, WithBackend("http", web), WithBackend("https", web))

	s3Opts := []s3.Option{
		s3.WithLogger(logger),
		s3.WithSecure(b.S3.SecureEnabled()),
		s3.WithRegion(b.S3.Region),
		s3.WithPartSize(b.S3.PartSize),
		s3.WithRenameConcurrency(b.S3.RenameConcurrency),
	}
	if b.S3.AccessKey != "" {
		s3Opts = append(s3Opts, s3.WithCredentials(b.S3.AccessKey, b.S3.SecretKey))
	}
	base = append(base, WithBackend("s3", s3.New(s3Opts...)))

	a := cfg.Archive
	if a.Disabled {
		base = append(base, WithoutArchives())
	} else {
		base = append(base, WithArchiveOptions(
			archive.WithExtensions(a.Extensions...),
			archive.WithMaxSpoolSize(a.MaxSpoolSize),
			archive.WithReaderOptions(
				sevenzip.WithMaxHeaderSize(a.MaxHeaderSize),
				sevenzip.WithMaxDecoderMemory(a.MaxDecoderMemory),
				sevenzip.WithMaxCachedFolderSize(a.MaxCachedFolderSize),
				sevenzip.WithVerify(a.VerifyEnabled()),
			),
		))
	}

	var folders cache.Cache
	switch cfg.Cache.Kind {
	case config.CacheMemory:
		folders = cache.NewMemory(cfg.Cache.MaxBytes)
	case config.CacheDisk:
		c, err := disk.New(cfg.Cache.Dir, disk.WithMaxBytes(cfg.Cache.MaxBytes))
		if err != nil {
			return nil, fmt.Errorf("create folder cache: %w", err)
		}
		folders = c
	}
	if folders != nil {
		base = append(base, WithFolderCache(folders))
		if cfg.Cache.BlockSize > 0 {
			blocks, err := cache.NewBlocks(folders, cache.WithBlockSize(cfg.Cache.BlockSize))
			if err != nil {
				return nil, err
			}
			base = append(base, WithBlockCache(blocks))
		}
	}

	return New(append(base, opts...)...)
}
