package core

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// Resource is a handle on one addressable item of a backend.
//
// Every operation is gated by the resource's capabilities; callers check
// Supports first, and implementations call Require before acting so an
// absent capability always fails with ErrOperationUnsupported.
type Resource interface {
	// Address returns the resource's address.
	Address() Address

	// Capabilities returns the operations the resource supports.
	Capabilities(ctx context.Context) (CapabilitySet, error)

	// Stat returns metadata. The entry's Path is the resource name.
	Stat(ctx context.Context) (Entry, error)

	// List returns the children of a directory or an archive.
	List(ctx context.Context) (EntryIterator, error)

	// Child returns the resource named name below this one.
	Child(name string) (Resource, error)

	OpenRead(ctx context.Context) (io.ReadCloser, error)
	OpenWrite(ctx context.Context) (io.WriteCloser, error)
	OpenAppend(ctx context.Context) (io.WriteCloser, error)
	OpenRandomRead(ctx context.Context) (RandomReader, error)
	OpenRandomWrite(ctx context.Context) (RandomWriter, error)

	Mkdir(ctx context.Context) error
	Delete(ctx context.Context) error
	Rename(ctx context.Context, dst Address) error
	Chmod(ctx context.Context, mode fs.FileMode) error
	Chtimes(ctx context.Context, mtime time.Time) error

	// Space reports the free and total bytes of the volume holding the resource.
	Space(ctx context.Context) (Space, error)
}

// RandomReader reads at arbitrary offsets.
type RandomReader interface {
	io.ReaderAt
	io.ReadSeeker
	io.Closer
	Size() int64
}

// RandomWriter writes at arbitrary offsets.
type RandomWriter interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Space holds volume usage in bytes. A negative value is unknown.
type Space struct {
	Free  int64
	Total int64
}

// Backend turns addresses of its schemes into resources.
type Backend interface {
	Resolve(ctx context.Context, addr Address) (Resource, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, addr Address) (Resource, error)

// Resolve calls f.
func (f BackendFunc) Resolve(ctx context.Context, addr Address) (Resource, error) {
	return f(ctx, addr)
}

// Unsupported can be embedded in a resource to reject every optional
// operation. The embedding type overrides what it implements.
type Unsupported struct{}

func unsupported(op Operation) error {
	return fmt.Errorf("%w: %s", ErrOperationUnsupported, op)
}

func (Unsupported) List(context.Context) (EntryIterator, error) {
	return nil, unsupported(OpList)
}

func (Unsupported) OpenRead(context.Context) (io.ReadCloser, error) {
	return nil, unsupported(OpRead)
}

func (Unsupported) OpenWrite(context.Context) (io.WriteCloser, error) {
	return nil, unsupported(OpWrite)
}

func (Unsupported) OpenAppend(context.Context) (io.WriteCloser, error) {
	return nil, unsupported(OpAppend)
}

func (Unsupported) OpenRandomRead(context.Context) (RandomReader, error) {
	return nil, unsupported(OpRandomRead)
}

func (Unsupported) OpenRandomWrite(context.Context) (RandomWriter, error) {
	return nil, unsupported(OpRandomWrite)
}

func (Unsupported) Mkdir(context.Context) error { return unsupported(OpCreateDirectory) }

func (Unsupported) Delete(context.Context) error { return unsupported(OpDelete) }

func (Unsupported) Rename(context.Context, Address) error { return unsupported(OpRename) }

func (Unsupported) Chmod(context.Context, fs.FileMode) error {
	return unsupported(OpChangePermissions)
}

func (Unsupported) Chtimes(context.Context, time.Time) error {
	return unsupported(OpChangeDate)
}

func (Unsupported) Space(context.Context) (Space, error) {
	return Space{Free: -1, Total: -1}, unsupported(OpGetFreeSpace)
}
