package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"strings"
	"time"

	"github.com/meigma/vfs/core"
)

// archiveResource is a container file. It lists like a directory and
// otherwise behaves as the file it wraps.
type archiveResource struct {
	file core.Resource
	c    *container
}

// containerCapabilities are the operations of the container file that an
// archive resource passes through. Writes would invalidate the parsed
// entries, so they are withheld.
var containerCapabilities = core.NewCapabilitySet(
	core.OpRead, core.OpRandomRead, core.OpGetDate, core.OpGetPermissions,
	core.OpChangeDate, core.OpChangePermissions, core.OpDelete, core.OpRename,
	core.OpGetFreeSpace, core.OpGetTotalSpace,
)

func (a *archiveResource) Address() core.Address { return a.c.addr }

func (a *archiveResource) Capabilities(ctx context.Context) (core.CapabilitySet, error) {
	caps, err := a.file.Capabilities(ctx)
	if err != nil {
		return 0, err
	}
	return caps.Intersect(containerCapabilities).With(core.OpList), nil
}

func (a *archiveResource) Stat(ctx context.Context) (core.Entry, error) {
	return a.file.Stat(ctx)
}

func (a *archiveResource) List(ctx context.Context) (core.EntryIterator, error) {
	if err := core.Require(ctx, a, core.OpList, "list"); err != nil {
		return nil, err
	}
	if _, err := a.c.load(ctx); err != nil {
		return nil, err
	}
	return a.c.list("."), nil
}

// Child resolves through the backend so nested archives and ".." leaving
// the container behave like any other address.
func (a *archiveResource) Child(name string) (core.Resource, error) {
	addr, err := a.c.addr.ResolveChild(name)
	if err != nil {
		return nil, err
	}
	return a.c.b.Resolve(context.Background(), addr)
}

func (a *archiveResource) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	if err := core.Require(ctx, a, core.OpRead, "open"); err != nil {
		return nil, err
	}
	return a.file.OpenRead(ctx)
}

func (a *archiveResource) OpenRandomRead(ctx context.Context) (core.RandomReader, error) {
	if err := core.Require(ctx, a, core.OpRandomRead, "open"); err != nil {
		return nil, err
	}
	return a.file.OpenRandomRead(ctx)
}

func (a *archiveResource) unsupported(op core.Operation, name string) error {
	return &core.OpError{Op: name, Address: a.c.addr, Err: fmt.Errorf("%w: %s on an archive", core.ErrOperationUnsupported, op)}
}

func (a *archiveResource) OpenWrite(context.Context) (io.WriteCloser, error) {
	return nil, a.unsupported(core.OpWrite, "create")
}

func (a *archiveResource) OpenAppend(context.Context) (io.WriteCloser, error) {
	return nil, a.unsupported(core.OpAppend, "append")
}

func (a *archiveResource) OpenRandomWrite(context.Context) (core.RandomWriter, error) {
	return nil, a.unsupported(core.OpRandomWrite, "open")
}

func (a *archiveResource) Mkdir(context.Context) error {
	return a.unsupported(core.OpCreateDirectory, "mkdir")
}

func (a *archiveResource) Delete(ctx context.Context) error {
	if err := core.Require(ctx, a, core.OpDelete, "delete"); err != nil {
		return err
	}
	a.c.b.Forget(a.c.addr)
	return a.file.Delete(ctx)
}

func (a *archiveResource) Rename(ctx context.Context, dst core.Address) error {
	if err := core.Require(ctx, a, core.OpRename, "rename"); err != nil {
		return err
	}
	a.c.b.Forget(a.c.addr)
	return a.file.Rename(ctx, dst)
}

func (a *archiveResource) Chmod(ctx context.Context, mode fs.FileMode) error {
	if err := core.Require(ctx, a, core.OpChangePermissions, "chmod"); err != nil {
		return err
	}
	return a.file.Chmod(ctx, mode)
}

func (a *archiveResource) Chtimes(ctx context.Context, mtime time.Time) error {
	if err := core.Require(ctx, a, core.OpChangeDate, "chtimes"); err != nil {
		return err
	}
	return a.file.Chtimes(ctx, mtime)
}

func (a *archiveResource) Space(ctx context.Context) (core.Space, error) {
	if err := core.Require(ctx, a, core.OpGetFreeSpace, "space"); err != nil {
		return core.Space{Free: -1, Total: -1}, err
	}
	return a.file.Space(ctx)
}

// entryResource is a path inside a container. Only read-class operations
// are offered; everything else fails without touching the container.
type entryResource struct {
	core.Unsupported

	c    *container
	addr core.Address
	path string
}

func newEntryResource(c *container, addr core.Address, inner string) *entryResource {
	return &entryResource{c: c, addr: addr, path: core.NormalizePath(inner)}
}

func (r *entryResource) Address() core.Address { return r.addr }

func (r *entryResource) fail(op string, err error) error {
	return &core.OpError{Op: op, Address: r.addr, Err: err}
}

// lookup returns the entry at the resource's path, parsing the container
// on first use. Directories only implied by deeper entries are synthesized.
// Parse errors surface here rather than as a missing capability.
func (r *entryResource) lookup(ctx context.Context) (core.Entry, bool, error) {
	reader, err := r.c.load(ctx)
	if err != nil {
		return core.Entry{}, false, err
	}
	if e, ok := reader.Lookup(r.path); ok {
		return e, true, nil
	}
	if r.c.dirs[r.path] {
		return core.Entry{Path: r.path, IsDir: true}, true, nil
	}
	return core.Entry{}, false, nil
}

// Capabilities parses the container on first use. Missing entries keep
// read and stat so those report fs.ErrNotExist.
func (r *entryResource) Capabilities(ctx context.Context) (core.CapabilitySet, error) {
	e, ok, err := r.lookup(ctx)
	if err != nil {
		return 0, err
	}
	set := core.NewCapabilitySet(core.OpGetDate)
	switch {
	case !ok:
		return set.With(core.OpRead), nil
	case e.IsDir:
		set = set.With(core.OpList)
	default:
		set = set.With(core.OpRead)
	}
	if _, hasMode := e.Mode(); hasMode {
		set = set.With(core.OpGetPermissions)
	}
	return set, nil
}

func (r *entryResource) Stat(ctx context.Context) (core.Entry, error) {
	e, ok, err := r.lookup(ctx)
	if err != nil {
		return core.Entry{}, r.fail("stat", err)
	}
	if err := core.Require(ctx, r, core.OpGetDate, "stat"); err != nil {
		return core.Entry{}, err
	}
	if !ok {
		return core.Entry{}, r.fail("stat", fs.ErrNotExist)
	}
	e.Path = r.addr.Name()
	e.Address = r.addr
	return e, nil
}

func (r *entryResource) List(ctx context.Context) (core.EntryIterator, error) {
	if _, err := r.c.load(ctx); err != nil {
		return nil, r.fail("list", err)
	}
	if err := core.Require(ctx, r, core.OpList, "list"); err != nil {
		return nil, err
	}
	return r.c.list(r.path), nil
}

func (r *entryResource) Child(name string) (core.Resource, error) {
	addr, err := r.addr.ResolveChild(name)
	if err != nil {
		return nil, err
	}
	return r.c.b.Resolve(context.Background(), addr)
}

func (r *entryResource) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	e, ok, err := r.lookup(ctx)
	if err != nil {
		return nil, r.fail("open", err)
	}
	if err := core.Require(ctx, r, core.OpRead, "open"); err != nil {
		return nil, err
	}
	if !ok {
		return nil, r.fail("open", fs.ErrNotExist)
	}
	rc, err := r.c.reader.OpenEntry(e)
	if err != nil {
		return nil, r.fail("open", err)
	}
	return rc, nil
}

// list returns the children of dir in declaration order. Directories only
// implied by deeper entries are produced once, where first implied.
func (c *container) list(dir string) core.EntryIterator {
	return core.NewSeqIterator(c.children(dir))
}

func (c *container) children(dir string) iter.Seq2[core.Entry, error] {
	return func(yield func(core.Entry, error) bool) {
		seen := make(map[string]bool)
		for i := range c.reader.Len() {
			e, _ := c.reader.Entry(i)
			p := core.NormalizePath(e.Path)
			if dotSegments(p) {
				c.b.log().Warn("skipping entry with relative segments", "container", c.addr, "entry", e.Path)
				continue
			}
			child, nested, ok := core.ChildOf(p, dir)
			if !ok || seen[child] {
				continue
			}
			seen[child] = true

			childPath := child
			if dir != "." {
				childPath = dir + "/" + child
			}
			if nested {
				if declared, ok := c.reader.Lookup(childPath); ok && declared.IsDir {
					e = declared
				} else {
					e = core.Entry{Path: childPath, IsDir: true}
				}
			}
			if addr, err := c.addr.ResolveChild(childPath); err == nil {
				e.Address = addr
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// dotSegments reports whether p has a "." or ".." element, which would
// address something outside the entry's own position in the container.
func dotSegments(p string) bool {
	for part := range strings.SplitSeq(p, "/") {
		if part == "." || part == ".." {
			return true
		}
	}
	return false
}

var (
	_ core.Resource = (*archiveResource)(nil)
	_ core.Resource = (*entryResource)(nil)
)
