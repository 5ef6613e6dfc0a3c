package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/core/sevenzip"
	"github.com/meigma/vfs/internal/sizing"
)

var errContainerTooLarge = errors.New("archive: container exceeds spool limit")

// container is one parsed archive shared by every resource inside it.
// The container is parsed at most once.
type container struct {
	b    *Backend
	addr core.Address

	once   sync.Once
	reader *sevenzip.Reader
	closer io.Closer
	dirs   map[string]bool
	err    error

	closeOnce sync.Once
	closeErr  error
}

// load parses the container on first use. A failure sticks to this handle
// only: it is dropped from the backend so a later resolution retries.
func (c *container) load(ctx context.Context) (*sevenzip.Reader, error) {
	c.once.Do(func() {
		c.reader, c.closer, c.err = c.open(ctx)
		if c.err != nil {
			c.b.forget(c)
			c.b.log().Debug("archive open failed", "container", c.addr, "error", c.err)
			return
		}
		c.dirs = impliedDirs(c.reader)
		c.b.log().Debug("archive opened", "container", c.addr, "entries", c.reader.Len(), "source", c.reader.SourceID())
	})
	return c.reader, c.err
}

func (c *container) open(ctx context.Context) (*sevenzip.Reader, io.Closer, error) {
	file, err := c.b.ResolveFile(ctx, c.addr)
	if err != nil {
		return nil, nil, err
	}
	opts := c.b.readerOpts
	if c.b.logger != nil {
		opts = append([]sevenzip.Option{sevenzip.WithLogger(c.b.logger)}, opts...)
	}

	if core.Supports(ctx, file, core.OpRandomRead) {
		rr, err := file.OpenRandomRead(ctx)
		if err != nil {
			return nil, nil, err
		}
		src := randomSource(ctx, file, rr)
		if c.b.blocks != nil {
			cached, err := c.b.blocks.Wrap(src)
			if err != nil {
				rr.Close()
				return nil, nil, &core.OpError{Op: "open archive", Address: c.addr, Err: err}
			}
			src = cached
		}
		r, err := sevenzip.Open(src, opts...)
		if err != nil {
			rr.Close()
			return nil, nil, &core.OpError{Op: "open archive", Address: c.addr, Err: err}
		}
		return r, rr, nil
	}

	if err := core.Require(ctx, file, core.OpRead, "open archive"); err != nil {
		return nil, nil, err
	}
	rc, err := file.OpenRead(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	data, err := sizing.ReadAllWithLimit(rc, c.b.maxSpool, errContainerTooLarge)
	if err != nil {
		return nil, nil, &core.OpError{Op: "open archive", Address: c.addr, Err: core.IOError(err)}
	}
	c.b.log().Debug("archive spooled", "container", c.addr, "size", len(data))
	id := "spool:" + c.addr.Key() + ":" + strconv.Itoa(len(data))
	r, err := sevenzip.Open(sevenzip.NewBytesSource(data, id), opts...)
	if err != nil {
		return nil, nil, &core.OpError{Op: "open archive", Address: c.addr, Err: err}
	}
	return r, nil, nil
}

func (c *container) close() error {
	c.closeOnce.Do(func() {
		// Waits for a parse in progress so its source is not leaked.
		c.once.Do(func() { c.err = fmt.Errorf("%w: archive closed", core.ErrIOFailure) })
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

// impliedDirs returns every directory path of the archive, declared or
// implied by a deeper entry.
func impliedDirs(r *sevenzip.Reader) map[string]bool {
	dirs := make(map[string]bool)
	for i := range r.Len() {
		e, _ := r.Entry(i)
		p := core.NormalizePath(e.Path)
		if e.IsDir {
			dirs[p] = true
		}
		for {
			parent := parentPath(p)
			if parent == "." || dirs[parent] {
				break
			}
			dirs[parent] = true
			p = parent
		}
	}
	return dirs
}

func parentPath(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

// source adapts a random reader to sevenzip.ByteSource.
type source struct {
	core.RandomReader
	id string
}

func (s *source) SourceID() string { return s.id }

// rangeSource also forwards range streaming.
type rangeSource struct {
	*source
	rr sevenzip.RangeReader
}

func (s *rangeSource) ReadRange(off, length int64) (io.ReadCloser, error) {
	return s.rr.ReadRange(off, length)
}

// randomSource wraps rr, keeping the reader's own source identity when it
// has one and otherwise deriving one from the address, size and mtime.
func randomSource(ctx context.Context, file core.Resource, rr core.RandomReader) sevenzip.ByteSource {
	src := &source{RandomReader: rr}
	if ider, ok := rr.(interface{ SourceID() string }); ok {
		src.id = ider.SourceID()
	} else {
		src.id = fmt.Sprintf("%s:%d", file.Address().Key(), rr.Size())
		if core.Supports(ctx, file, core.OpGetDate) {
			if e, err := file.Stat(ctx); err == nil && !e.ModTime.IsZero() {
				src.id += ":" + strconv.FormatInt(e.ModTime.UnixNano(), 10)
			}
		}
	}
	if ranger, ok := rr.(sevenzip.RangeReader); ok {
		return &rangeSource{source: src, rr: ranger}
	}
	return src
}
