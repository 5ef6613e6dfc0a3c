// Package s3 implements the s3 scheme on minio-go.
//
// Addresses have the form s3://access:secret@endpoint[:port]/bucket/key.
// The first path segment names the bucket and the rest form the object key.
// Directories are virtual: a key is a directory when other keys share its
// prefix or a zero-length "key/" marker exists.
package s3

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/meigma/vfs/core"
)

const (
	// DefaultRenameConcurrency bounds concurrent copies during a prefix rename.
	DefaultRenameConcurrency = 10

	// DefaultPartSize is the multipart chunk used for streamed uploads.
	DefaultPartSize = 16 << 20

	minPartSize = 5 << 20
)

// Backend resolves s3 addresses. Clients are created per endpoint and
// credential pair and reused across resources.
type Backend struct {
	logger            *slog.Logger
	secure            bool
	region            string
	creds             *core.Credentials
	client            *minio.Client
	partSize          uint64
	renameConcurrency int

	mu      sync.Mutex
	clients map[string]*minio.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for backend diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithSecure selects HTTPS (the default) or plain HTTP for endpoints.
func WithSecure(secure bool) Option {
	return func(b *Backend) {
		b.secure = secure
	}
}

// WithRegion sets the bucket region sent with requests.
func WithRegion(region string) Option {
	return func(b *Backend) {
		b.region = region
	}
}

// WithCredentials sets the access key pair used when an address carries
// none. Without either, requests are anonymous.
func WithCredentials(accessKey, secretKey string) Option {
	return func(b *Backend) {
		b.creds = &core.Credentials{Login: accessKey, Secret: secretKey}
	}
}

// WithClient uses client for every address regardless of endpoint and
// credentials.
func WithClient(client *minio.Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// WithPartSize sets the multipart chunk size for uploads. Values below the
// S3 minimum of 5 MiB are raised to it.
func WithPartSize(size uint64) Option {
	return func(b *Backend) {
		b.partSize = max(size, minPartSize)
	}
}

// WithRenameConcurrency bounds concurrent object copies when renaming a
// directory prefix.
func WithRenameConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.renameConcurrency = n
		}
	}
}

// New returns an s3 backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		secure:            true,
		partSize:          DefaultPartSize,
		renameConcurrency: DefaultRenameConcurrency,
		clients:           make(map[string]*minio.Client),
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

// Resolve returns the resource at addr. No request is made.
func (b *Backend) Resolve(_ context.Context, addr core.Address) (core.Resource, error) {
	if addr.Scheme() != "s3" {
		return nil, &core.OpError{Op: "resolve", Address: addr, Err: fmt.Errorf("%w: %s", core.ErrUnknownScheme, addr.Scheme())}
	}
	if addr.Host() == "" {
		return nil, &core.OpError{Op: "resolve", Address: addr, Err: fmt.Errorf("%w: missing endpoint", core.ErrMalformedAddress)}
	}
	client, err := b.clientFor(addr)
	if err != nil {
		return nil, &core.OpError{Op: "resolve", Address: addr, Err: core.IOError(err)}
	}
	return b.newResource(addr, client), nil
}

// endpoint returns host[:port] for addr.
func endpoint(addr core.Address) string {
	if port, ok := addr.Port(); ok {
		return addr.Host() + ":" + strconv.Itoa(port)
	}
	return addr.Host()
}

func (b *Backend) clientFor(addr core.Address) (*minio.Client, error) {
	if b.client != nil {
		return b.client, nil
	}
	var login, secret string
	if c, ok := addr.Credentials(); ok {
		login, secret = c.Login, c.Secret
	} else if b.creds != nil {
		login, secret = b.creds.Login, b.creds.Secret
	}
	ep := endpoint(addr)
	key := strings.Join([]string{ep, login, secret}, "\x00")

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c, nil
	}
	c, err := minio.New(ep, &minio.Options{
		Creds:  credentials.NewStaticV4(login, secret, ""),
		Secure: b.secure,
		Region: b.region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client for %s: %w", ep, err)
	}
	b.clients[key] = c
	b.log().Debug("s3 client created", "endpoint", ep, "secure", b.secure)
	return c, nil
}

// splitAddress returns the bucket and object key named by addr.
func splitAddress(addr core.Address) (bucket, key string) {
	segments := addr.Segments()
	if len(segments) == 0 {
		return "", ""
	}
	return segments[0], strings.Join(segments[1:], "/")
}

var _ core.Backend = (*Backend)(nil)
