package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/meigma/vfs/backend/archive"
	"github.com/meigma/vfs/backend/httpfs"
	"github.com/meigma/vfs/backend/local"
	"github.com/meigma/vfs/backend/s3"
	"github.com/meigma/vfs/core"
)

// FileSystem dispatches addresses to the backend of their scheme and opens
// archive containers found along the way.
//
// A FileSystem is safe for concurrent use once constructed.
type FileSystem struct {
	registry *core.Registry
	backends map[string]core.Backend
	logger   *slog.Logger

	archiveOpts []archive.Option
	noArchives  bool
	archives    *archive.Backend

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// New creates a FileSystem. Without options it serves the file, mem, http,
// https and s3 schemes of the installed registry, with archive browsing
// enabled for .7z containers.
func New(opts ...Option) (*FileSystem, error) {
	f := &FileSystem{backends: make(map[string]core.Backend)}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	f.init()
	return f, nil
}

func (f *FileSystem) init() {
	if f.registry == nil {
		f.registry = core.Installed()
	}
	f.defaultBackend("file", func() core.Backend { return local.NewOS("/", local.WithLogger(f.logger)) })
	f.defaultBackend("mem", func() core.Backend { return local.NewMemory(local.WithLogger(f.logger)) })
	f.defaultBackend("s3", func() core.Backend { return s3.New(s3.WithLogger(f.logger)) })
	if _, ok := f.backends["http"]; !ok {
		web := httpfs.New(httpfs.WithLogger(f.logger))
		f.defaultBackend("http", func() core.Backend { return web })
		f.defaultBackend("https", func() core.Backend { return web })
	}

	if !f.noArchives {
		opts := append([]archive.Option{archive.WithLogger(f.logger)}, f.archiveOpts...)
		f.archives = archive.New(core.BackendFunc(f.resolveNative), opts...)
		f.closers = append(f.closers, f.archives)
	}
}

// defaultBackend installs the backend made by mk unless one is configured
// or the registry does not know the scheme.
func (f *FileSystem) defaultBackend(scheme string, mk func() core.Backend) {
	if _, ok := f.backends[scheme]; ok {
		return
	}
	if _, err := f.registry.Lookup(scheme); err != nil {
		return
	}
	f.backends[scheme] = mk()
}

func (f *FileSystem) log() *slog.Logger {
	if f.logger != nil {
		return f.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Registry returns the scheme registry addresses are parsed with.
func (f *FileSystem) Registry() *core.Registry {
	return f.registry
}

// Schemes returns the schemes that have a backend, in registry order.
func (f *FileSystem) Schemes() []string {
	var out []string
	for _, name := range f.registry.Schemes() {
		if _, ok := f.backends[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Parse parses text with the FileSystem's registry.
func (f *FileSystem) Parse(text string) (core.Address, error) {
	return f.registry.Parse(text)
}

// Open parses text and resolves the address.
func (f *FileSystem) Open(ctx context.Context, text string) (core.Resource, error) {
	addr, err := f.Parse(text)
	if err != nil {
		return nil, err
	}
	return f.Resolve(ctx, addr)
}

// Resolve returns the resource at addr. Addresses passing through an
// archive container resolve to the container or to an entry inside it.
// No I/O happens until the resource is used.
func (f *FileSystem) Resolve(ctx context.Context, addr core.Address) (core.Resource, error) {
	if f.archives != nil && f.archives.Contains(addr) {
		f.log().Debug("resolve archive", "address", addr)
		return f.archives.Resolve(ctx, addr)
	}
	return f.resolveNative(ctx, addr)
}

func (f *FileSystem) resolveNative(ctx context.Context, addr core.Address) (core.Resource, error) {
	b, ok := f.backends[addr.Scheme()]
	if !ok {
		return nil, &core.OpError{Op: "resolve", Address: addr, Err: fmt.Errorf("%w: no backend for %s", core.ErrUnknownScheme, addr.Scheme())}
	}
	f.log().Debug("resolve", "address", addr)
	return b.Resolve(ctx, addr)
}

// IsContainer reports whether addr names an archive container that is
// browsed as a directory.
func (f *FileSystem) IsContainer(addr core.Address) bool {
	return f.archives != nil && f.archives.IsArchiveName(addr.Name())
}

// List returns the children of a directory or an archive container. A
// resource obtained from a backend directly whose address passes through a
// container is re-resolved so it lists as the archive sees it.
func (f *FileSystem) List(ctx context.Context, r core.Resource) (core.EntryIterator, error) {
	if r == nil {
		return nil, errNilResource("list")
	}
	if f.archives != nil && f.archives.Contains(r.Address()) {
		ar, err := f.archives.Resolve(ctx, r.Address())
		if err != nil {
			return nil, err
		}
		r = ar
	}
	return r.List(ctx)
}

// Supports reports whether r supports op. It never fails; a resource whose
// capabilities cannot be determined supports nothing.
func (f *FileSystem) Supports(ctx context.Context, r core.Resource, op core.Operation) bool {
	return core.Supports(ctx, r, op)
}

// Stat returns the metadata of r.
func (f *FileSystem) Stat(ctx context.Context, r core.Resource) (core.Entry, error) {
	if r == nil {
		return core.Entry{}, errNilResource("stat")
	}
	return r.Stat(ctx)
}

// OpenRead opens r for sequential reading.
func (f *FileSystem) OpenRead(ctx context.Context, r core.Resource) (io.ReadCloser, error) {
	if r == nil {
		return nil, errNilResource("open")
	}
	return r.OpenRead(ctx)
}

// OpenWrite opens r for writing, truncating existing content. Resources
// without the write capability fail with ErrOperationUnsupported.
func (f *FileSystem) OpenWrite(ctx context.Context, r core.Resource) (io.WriteCloser, error) {
	if r == nil {
		return nil, errNilResource("create")
	}
	return r.OpenWrite(ctx)
}

func errNilResource(op string) error {
	return fmt.Errorf("vfs: %s: nil resource", op)
}

// Close releases the sources of parsed containers.
// It is safe to call more than once.
func (f *FileSystem) Close() error {
	f.closeOnce.Do(func() {
		var errs []error
		for i := len(f.closers) - 1; i >= 0; i-- {
			if err := f.closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}

var _ core.Backend = (*FileSystem)(nil)
