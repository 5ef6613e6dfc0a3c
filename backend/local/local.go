// Package local implements the file and mem schemes on go-billy
// filesystems: osfs for the local disk and memfs for an in-process tree.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/internal/platform"
)

const (
	defaultFilePerm = 0o644
	defaultDirPerm  = 0o755
)

// Backend resolves addresses of one scheme to resources on a billy filesystem.
type Backend struct {
	bfs    billy.Filesystem
	scheme string
	// osRoot is the host directory bfs is rooted at, or "" for filesystems
	// that do not live on disk.
	osRoot string
	// times holds modification times for trees that do not record them.
	times  *modTimes
	logger *slog.Logger
	caps   core.CapabilitySet
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for backend diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithScheme overrides the scheme served by the backend.
func WithScheme(name string) Option {
	return func(b *Backend) {
		b.scheme = name
	}
}

// NewOS returns a file scheme backend over the local disk rooted at root.
// An empty root means "/".
func NewOS(root string, opts ...Option) *Backend {
	if root == "" {
		root = "/"
	}
	b := &Backend{bfs: osfs.New(root), scheme: "file", osRoot: root}
	return b.init(opts)
}

// NewMemory returns a mem scheme backend over an empty in-memory tree.
func NewMemory(opts ...Option) *Backend {
	b := &Backend{bfs: memfs.New(), scheme: "mem", times: newModTimes()}
	return b.init(opts)
}

// New returns a backend over an arbitrary billy filesystem. The scheme
// defaults to mem.
func New(bfs billy.Filesystem, opts ...Option) *Backend {
	b := &Backend{bfs: bfs, scheme: "mem"}
	return b.init(opts)
}

func (b *Backend) init(opts []Option) *Backend {
	for _, opt := range opts {
		opt(b)
	}
	b.caps = b.capabilities()
	return b
}

func (b *Backend) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Scheme returns the scheme the backend serves.
func (b *Backend) Scheme() string {
	return b.scheme
}

// Filesystem returns the underlying billy filesystem.
func (b *Backend) Filesystem() billy.Filesystem {
	return b.bfs
}

// capabilities derives the operation set from what the billy filesystem
// declares and implements.
func (b *Backend) capabilities() core.CapabilitySet {
	bc := billy.Capabilities(b.bfs)
	set := core.NewCapabilitySet(core.OpList, core.OpGetDate, core.OpGetPermissions)
	if bc&billy.ReadCapability != 0 {
		set = set.With(core.OpRead)
		if bc&billy.SeekCapability != 0 {
			set = set.With(core.OpRandomRead)
		}
	}
	if bc&billy.WriteCapability != 0 {
		set = set.With(core.OpWrite, core.OpAppend, core.OpCreateDirectory, core.OpDelete, core.OpRename)
		if bc&billy.SeekCapability != 0 && bc&billy.ReadCapability != 0 {
			set = set.With(core.OpRandomWrite)
		}
	}
	if b.changer() != nil {
		set = set.With(core.OpChangePermissions, core.OpChangeDate)
	}
	if b.times != nil {
		set = set.With(core.OpChangeDate)
	}
	if b.osRoot != "" && platform.SpaceSupported {
		set = set.With(core.OpGetFreeSpace, core.OpGetTotalSpace)
	}
	return set
}

// changer returns the permission and time changer for the filesystem.
// Filesystems rooted on disk fall back to the os package.
func (b *Backend) changer() billy.Change {
	if c, ok := b.bfs.(billy.Change); ok {
		return c
	}
	if b.osRoot != "" {
		return osChange{root: b.osRoot}
	}
	return nil
}

// Resolve returns the resource at addr.
func (b *Backend) Resolve(_ context.Context, addr core.Address) (core.Resource, error) {
	if addr.Scheme() != b.scheme {
		return nil, &core.OpError{Op: "resolve", Address: addr, Err: fmt.Errorf("%w: %s", core.ErrUnknownScheme, addr.Scheme())}
	}
	b.log().Debug("resolve", "address", addr)
	return &resource{b: b, addr: addr, path: billyPath(addr)}, nil
}

func billyPath(addr core.Address) string {
	return path.Join(append([]string{"/"}, addr.Segments()...)...)
}

type resource struct {
	b    *Backend
	addr core.Address
	path string
}

func (r *resource) fail(op string, err error) error {
	return &core.OpError{Op: op, Address: r.addr, Err: core.IOError(err)}
}

func (r *resource) Address() core.Address { return r.addr }

func (r *resource) Capabilities(context.Context) (core.CapabilitySet, error) {
	return r.b.caps, nil
}

func (r *resource) Stat(ctx context.Context) (core.Entry, error) {
	if err := core.Require(ctx, r, core.OpGetDate, "stat"); err != nil {
		return core.Entry{}, err
	}
	info, err := r.b.bfs.Stat(r.path)
	if err != nil {
		return core.Entry{}, r.fail("stat", err)
	}
	return r.b.entry(r.addr, r.path, info), nil
}

func (b *Backend) entry(addr core.Address, p string, info fs.FileInfo) core.Entry {
	e := core.Entry{
		Path:    info.Name(),
		Address: addr,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if b.times != nil {
		e.ModTime = b.times.get(p)
	}
	if e.IsDir {
		e.Size = 0
	}
	return e.WithMode(info.Mode().Perm())
}

func (r *resource) List(ctx context.Context) (core.EntryIterator, error) {
	if err := core.Require(ctx, r, core.OpList, "list"); err != nil {
		return nil, err
	}
	infos, err := r.b.bfs.ReadDir(r.path)
	if err != nil {
		return nil, r.fail("list", err)
	}
	entries := make([]core.Entry, 0, len(infos))
	for _, info := range infos {
		child, err := r.addr.ResolveChild(info.Name())
		if err != nil {
			r.b.log().Warn("skipping unaddressable entry", "dir", r.addr, "name", info.Name(), "error", err)
			continue
		}
		entries = append(entries, r.b.entry(child, path.Join(r.path, info.Name()), info))
	}
	return core.NewSliceIterator(entries), nil
}

func (r *resource) Child(name string) (core.Resource, error) {
	addr, err := r.addr.ResolveChild(name)
	if err != nil {
		return nil, err
	}
	return &resource{b: r.b, addr: addr, path: billyPath(addr)}, nil
}

func (r *resource) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	if err := core.Require(ctx, r, core.OpRead, "open"); err != nil {
		return nil, err
	}
	f, err := r.b.bfs.Open(r.path)
	if err != nil {
		return nil, r.fail("open", err)
	}
	return f, nil
}

func (r *resource) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	if err := core.Require(ctx, r, core.OpWrite, "create"); err != nil {
		return nil, err
	}
	f, err := r.b.bfs.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return nil, r.fail("create", err)
	}
	return r.stamped(f), nil
}

func (r *resource) OpenAppend(ctx context.Context) (io.WriteCloser, error) {
	if err := core.Require(ctx, r, core.OpAppend, "append"); err != nil {
		return nil, err
	}
	f, err := r.b.bfs.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return nil, r.fail("append", err)
	}
	return r.stamped(f), nil
}

func (r *resource) OpenRandomRead(ctx context.Context) (core.RandomReader, error) {
	if err := core.Require(ctx, r, core.OpRandomRead, "open"); err != nil {
		return nil, err
	}
	info, err := r.b.bfs.Stat(r.path)
	if err != nil {
		return nil, r.fail("open", err)
	}
	f, err := r.b.bfs.Open(r.path)
	if err != nil {
		return nil, r.fail("open", err)
	}
	return &randomReader{File: f, size: info.Size()}, nil
}

type randomReader struct {
	billy.File
	size int64
}

func (f *randomReader) Size() int64 { return f.size }

func (r *resource) OpenRandomWrite(ctx context.Context) (core.RandomWriter, error) {
	if err := core.Require(ctx, r, core.OpRandomWrite, "open"); err != nil {
		return nil, err
	}
	f, err := r.b.bfs.OpenFile(r.path, os.O_RDWR|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return nil, r.fail("open", err)
	}
	return r.stamped(f), nil
}

// stamped records a write to the resource on trees that track their own
// modification times.
func (r *resource) stamped(f billy.File) billy.File {
	if r.b.times == nil {
		return f
	}
	r.b.times.touch(r.path)
	return &stampedFile{File: f, times: r.b.times, path: r.path}
}

func (r *resource) Mkdir(ctx context.Context) error {
	if err := core.Require(ctx, r, core.OpCreateDirectory, "mkdir"); err != nil {
		return err
	}
	if _, err := r.b.bfs.Stat(r.path); err == nil {
		return r.fail("mkdir", fs.ErrExist)
	}
	if parent := path.Dir(r.path); parent != "/" {
		if _, err := r.b.bfs.Stat(parent); err != nil {
			return r.fail("mkdir", err)
		}
	}
	if err := r.b.bfs.MkdirAll(r.path, defaultDirPerm); err != nil {
		return r.fail("mkdir", err)
	}
	if r.b.times != nil {
		r.b.times.touch(r.path)
	}
	return nil
}

func (r *resource) Delete(ctx context.Context) error {
	if err := core.Require(ctx, r, core.OpDelete, "delete"); err != nil {
		return err
	}
	if err := r.b.bfs.Remove(r.path); err != nil {
		return r.fail("delete", err)
	}
	if r.b.times != nil {
		r.b.times.remove(r.path)
	}
	return nil
}

func (r *resource) Rename(ctx context.Context, dst core.Address) error {
	if err := core.Require(ctx, r, core.OpRename, "rename"); err != nil {
		return err
	}
	if dst.Scheme() != r.addr.Scheme() || dst.Host() != r.addr.Host() {
		return &core.OpError{Op: "rename", Address: r.addr,
			Err: fmt.Errorf("%w: rename to %s", core.ErrOperationUnsupported, dst)}
	}
	to := billyPath(dst)
	if err := r.b.bfs.Rename(r.path, to); err != nil {
		return r.fail("rename", err)
	}
	if r.b.times != nil {
		r.b.times.rename(r.path, to)
	}
	return nil
}

func (r *resource) Chmod(ctx context.Context, mode fs.FileMode) error {
	if err := core.Require(ctx, r, core.OpChangePermissions, "chmod"); err != nil {
		return err
	}
	if err := r.b.changer().Chmod(r.path, mode.Perm()); err != nil {
		return r.fail("chmod", err)
	}
	return nil
}

func (r *resource) Chtimes(ctx context.Context, mtime time.Time) error {
	if err := core.Require(ctx, r, core.OpChangeDate, "chtimes"); err != nil {
		return err
	}
	if r.b.times != nil {
		if _, err := r.b.bfs.Stat(r.path); err != nil {
			return r.fail("chtimes", err)
		}
		r.b.times.set(r.path, mtime)
		return nil
	}
	if err := r.b.changer().Chtimes(r.path, mtime, mtime); err != nil {
		return r.fail("chtimes", err)
	}
	return nil
}

func (r *resource) Space(ctx context.Context) (core.Space, error) {
	if err := core.Require(ctx, r, core.OpGetFreeSpace, "space"); err != nil {
		return core.Space{Free: -1, Total: -1}, err
	}
	free, total, err := platform.DiskSpace(r.b.hostPath(r.path))
	if err != nil {
		return core.Space{Free: -1, Total: -1}, r.fail("space", err)
	}
	return core.Space{Free: free, Total: total}, nil
}

func (b *Backend) hostPath(p string) string {
	return filepath.Join(b.osRoot, filepath.FromSlash(p))
}

// osChange applies permission and time changes through the os package.
type osChange struct {
	root string
}

func (c osChange) path(name string) string {
	return filepath.Join(c.root, filepath.FromSlash(name))
}

func (c osChange) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(c.path(name), mode)
}

func (c osChange) Lchown(name string, uid, gid int) error {
	return os.Lchown(c.path(name), uid, gid)
}

func (c osChange) Chown(name string, uid, gid int) error {
	return os.Chown(c.path(name), uid, gid)
}

func (c osChange) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(c.path(name), atime, mtime)
}

var (
	_ core.Backend  = (*Backend)(nil)
	_ core.Resource = (*resource)(nil)
	_ billy.Change  = osChange{}
)
