// Package archive exposes 7z containers as browsable directories.
//
// An address whose path passes through a segment with an archive extension
// names either the container itself (the segment is last) or an entry
// inside it:
//
//	file:///srv/dist/release.7z            the container, listable
//	file:///srv/dist/release.7z/bin/tool   the entry "bin/tool"
//
// Containers nest: an entry that is itself an archive is opened through
// the entry's stream. Entry resources are read-only.
package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/core/sevenzip"
)

// DefaultMaxSpoolSize bounds the bytes read into memory for a container
// whose backend cannot serve random reads.
const DefaultMaxSpoolSize = 256 << 20

// Backend resolves addresses inside archive containers. Container files are
// resolved through the native backend, or through the archive backend
// itself for nested containers.
type Backend struct {
	native     core.Backend
	logger     *slog.Logger
	extensions []string
	readerOpts []sevenzip.Option
	maxSpool   uint64
	blocks     *cache.Blocks

	mu         sync.Mutex
	containers map[string]*container
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for backend diagnostics. It is also passed to
// the 7z readers.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithExtensions sets the file name extensions treated as archives.
// Matching is case-insensitive. The default is ".7z".
func WithExtensions(exts ...string) Option {
	return func(b *Backend) {
		b.extensions = b.extensions[:0]
		for _, ext := range exts {
			b.extensions = append(b.extensions, strings.ToLower(ext))
		}
	}
}

// WithReaderOptions adds options applied to every 7z reader.
func WithReaderOptions(opts ...sevenzip.Option) Option {
	return func(b *Backend) {
		b.readerOpts = append(b.readerOpts, opts...)
	}
}

// WithFolderCache caches decoded folders of every container in c.
func WithFolderCache(c cache.Cache) Option {
	return WithReaderOptions(sevenzip.WithFolderCache(c))
}

// WithBlockCache reads containers served by random-access backends through
// blocks. Spooled containers are not block cached.
func WithBlockCache(blocks *cache.Blocks) Option {
	return func(b *Backend) {
		b.blocks = blocks
	}
}

// WithMaxSpoolSize bounds the size of containers read fully into memory.
func WithMaxSpoolSize(n uint64) Option {
	return func(b *Backend) {
		b.maxSpool = n
	}
}

// New returns an archive backend resolving container files through native.
func New(native core.Backend, opts ...Option) *Backend {
	b := &Backend{
		native:     native,
		extensions: []string{".7z"},
		maxSpool:   DefaultMaxSpoolSize,
		containers: make(map[string]*container),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.New(slog.DiscardHandler)
}

// IsArchiveName reports whether name has an archive extension.
func (b *Backend) IsArchiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range b.extensions {
		if len(lower) > len(ext) && strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// lastArchive returns the index of the last archive segment, or -1.
func (b *Backend) lastArchive(segments []string) int {
	for i := len(segments) - 1; i >= 0; i-- {
		if b.IsArchiveName(segments[i]) {
			return i
		}
	}
	return -1
}

// Contains reports whether any segment of addr names an archive.
func (b *Backend) Contains(addr core.Address) bool {
	return b.lastArchive(addr.Segments()) >= 0
}

// Split returns the address of the innermost container addr passes through
// and the entry path below it. inner is "" when addr names the container.
func (b *Backend) Split(addr core.Address) (container core.Address, inner string, ok bool) {
	segments := addr.Segments()
	i := b.lastArchive(segments)
	if i < 0 {
		return core.Address{}, "", false
	}
	return truncate(addr, i+1), strings.Join(segments[i+1:], "/"), true
}

// truncate returns addr cut to its first n segments.
func truncate(addr core.Address, n int) core.Address {
	for len(addr.Segments()) > n {
		addr, _ = addr.Parent()
	}
	return addr
}

// Resolve returns the browsable resource at addr: a container or an entry
// inside one. Addresses outside any archive go to the native backend.
func (b *Backend) Resolve(ctx context.Context, addr core.Address) (core.Resource, error) {
	caddr, inner, ok := b.Split(addr)
	if !ok {
		return b.native.Resolve(ctx, addr)
	}
	if inner == "" {
		file, err := b.ResolveFile(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &archiveResource{file: file, c: b.container(caddr)}, nil
	}
	return newEntryResource(b.container(caddr), addr, inner), nil
}

// ResolveFile returns addr as a plain file: a container is not opened as a
// directory, but an address inside another container still resolves to
// that container's entry.
func (b *Backend) ResolveFile(ctx context.Context, addr core.Address) (core.Resource, error) {
	segments := addr.Segments()
	if len(segments) == 0 {
		return b.native.Resolve(ctx, addr)
	}
	i := b.lastArchive(segments[:len(segments)-1])
	if i < 0 {
		return b.native.Resolve(ctx, addr)
	}
	caddr := truncate(addr, i+1)
	return newEntryResource(b.container(caddr), addr, strings.Join(segments[i+1:], "/")), nil
}

// container returns the shared handle of the container at addr.
func (b *Backend) container(addr core.Address) *container {
	key := addr.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[key]
	if !ok {
		c = &container{b: b, addr: addr}
		b.containers[key] = c
	}
	return c
}

// Forget drops the parsed container at addr and closes its source, so the
// next resolution parses it again. Streams still open on the old container
// fail once its source is closed.
func (b *Backend) Forget(addr core.Address) {
	b.mu.Lock()
	c, ok := b.containers[addr.Key()]
	delete(b.containers, addr.Key())
	b.mu.Unlock()
	if !ok {
		return
	}
	b.log().Debug("archive forgotten", "container", addr)
	if err := c.close(); err != nil {
		b.log().Warn("archive close failed", "container", addr, "error", err)
	}
}

// forget drops c without closing it, if it is still registered.
func (b *Backend) forget(c *container) {
	key := c.addr.Key()
	b.mu.Lock()
	if b.containers[key] == c {
		delete(b.containers, key)
	}
	b.mu.Unlock()
}

// Close releases every container's source. Parsed containers are dropped.
func (b *Backend) Close() error {
	b.mu.Lock()
	containers := b.containers
	b.containers = make(map[string]*container)
	b.mu.Unlock()

	var errs []error
	for _, c := range containers {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ core.Backend = (*Backend)(nil)
	_ io.Closer    = (*Backend)(nil)
)
