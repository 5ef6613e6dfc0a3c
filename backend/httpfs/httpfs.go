// Package httpfs implements a read-only backend for the http and https
// schemes. Random access is offered when the server honours range requests.
package httpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	nethttp "net/http"

	"github.com/meigma/vfs/core"
	vfshttp "github.com/meigma/vfs/http"
)

// Backend resolves http and https addresses.
type Backend struct {
	client  *nethttp.Client
	headers nethttp.Header
	logger  *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(b *Backend) {
		b.headers.Set(key, value)
	}
}

// WithLogger sets the logger for backend diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New returns an http backend.
func New(opts ...Option) *Backend {
	b := &Backend{client: nethttp.DefaultClient, headers: make(nethttp.Header)}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = nethttp.DefaultClient
	}
	return b
}

func (b *Backend) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Resolve returns the resource at addr. No request is made.
func (b *Backend) Resolve(_ context.Context, addr core.Address) (core.Resource, error) {
	switch addr.Scheme() {
	case "http", "https":
	default:
		return nil, &core.OpError{Op: "resolve", Address: addr, Err: fmt.Errorf("%w: %s", core.ErrUnknownScheme, addr.Scheme())}
	}
	return b.newResource(addr), nil
}

func (b *Backend) newResource(addr core.Address) *resource {
	r := &resource{b: b, addr: addr, url: addr.WithoutCredentials().String()}
	r.probe = core.NewCapabilityProbe(r.probeCapabilities)
	return r
}

type resource struct {
	core.Unsupported

	b     *Backend
	addr  core.Address
	url   string
	probe *core.CapabilityProbe
}

func (r *resource) fail(op string, err error) error {
	return &core.OpError{Op: op, Address: r.addr, Err: core.IOError(err)}
}

func (r *resource) Address() core.Address { return r.addr }

// readCapabilities are supported whatever the range probe finds.
var readCapabilities = core.NewCapabilitySet(core.OpRead, core.OpGetDate)

// Capabilities reports random read support once the server has been probed.
// A failed probe is not cached and leaves the plain read capabilities.
func (r *resource) Capabilities(ctx context.Context) (core.CapabilitySet, error) {
	set, err := r.probe.Get(ctx)
	if err != nil {
		r.b.log().Debug("http range probe failed", "address", r.addr, "error", err)
		return readCapabilities, nil
	}
	return set, nil
}

// probeCapabilities asks the server whether it honours ranges.
func (r *resource) probeCapabilities(ctx context.Context) (core.CapabilitySet, error) {
	src, err := r.source(ctx)
	switch {
	case err == nil:
		r.b.log().Debug("http capabilities probed", "address", r.addr, "ranges", true, "size", src.Size())
		return readCapabilities.With(core.OpRandomRead), nil
	case errors.Is(err, vfshttp.ErrRangeNotSupported):
		r.b.log().Debug("http capabilities probed", "address", r.addr, "ranges", false)
		return readCapabilities, nil
	default:
		return 0, err
	}
}

func (r *resource) source(ctx context.Context) (*vfshttp.Source, error) {
	opts := []vfshttp.Option{
		vfshttp.WithClient(r.b.client),
		vfshttp.WithHeaders(r.b.headers),
		vfshttp.WithLogger(r.b.logger),
	}
	if c, ok := r.addr.Credentials(); ok {
		opts = append(opts, vfshttp.WithBasicAuth(c.Login, c.Secret))
	}
	return vfshttp.NewSource(ctx, r.url, opts...)
}

func (r *resource) request(ctx context.Context, method string) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, r.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range r.b.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if c, ok := r.addr.Credentials(); ok {
		req.SetBasicAuth(c.Login, c.Secret)
	}
	resp, err := r.b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkStatus(resp *nethttp.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == nethttp.StatusNotFound || resp.StatusCode == nethttp.StatusGone:
		return fs.ErrNotExist
	default:
		return &vfshttp.StatusError{Op: "request", StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

func (r *resource) Stat(ctx context.Context) (core.Entry, error) {
	if err := core.Require(ctx, r, core.OpGetDate, "stat"); err != nil {
		return core.Entry{}, err
	}
	resp, err := r.request(ctx, nethttp.MethodHead)
	if err != nil {
		return core.Entry{}, r.fail("stat", err)
	}
	resp.Body.Close()

	e := core.Entry{Path: r.addr.Name(), Address: r.addr, Size: resp.ContentLength}
	if e.Path == "" {
		e.Path = r.addr.Host()
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := nethttp.ParseTime(lm); err == nil {
			e.ModTime = t
		}
	}
	return e, nil
}

func (r *resource) Child(name string) (core.Resource, error) {
	addr, err := r.addr.ResolveChild(name)
	if err != nil {
		return nil, err
	}
	return r.b.newResource(addr), nil
}

func (r *resource) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	if err := core.Require(ctx, r, core.OpRead, "open"); err != nil {
		return nil, err
	}
	resp, err := r.request(ctx, nethttp.MethodGet)
	if err != nil {
		return nil, r.fail("open", err)
	}
	return resp.Body, nil
}

func (r *resource) OpenRandomRead(ctx context.Context) (core.RandomReader, error) {
	if err := core.Require(ctx, r, core.OpRandomRead, "open"); err != nil {
		return nil, err
	}
	src, err := r.source(ctx)
	if err != nil {
		return nil, r.fail("open", err)
	}
	return &remoteFile{SectionReader: io.NewSectionReader(src, 0, src.Size()), src: src}, nil
}

// remoteFile is a random access view of a remote resource. It forwards
// range streaming and the source identity of the underlying Source.
type remoteFile struct {
	*io.SectionReader
	src *vfshttp.Source
}

func (f *remoteFile) Close() error { return nil }

func (f *remoteFile) ReadRange(off, length int64) (io.ReadCloser, error) {
	return f.src.ReadRange(off, length)
}

func (f *remoteFile) SourceID() string { return f.src.SourceID() }

var (
	_ core.Backend      = (*Backend)(nil)
	_ core.Resource     = (*resource)(nil)
	_ core.RandomReader = (*remoteFile)(nil)
)
