package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/vfs/core"
)

// kind is what an address names on the server.
type kind uint8

const (
	kindEndpoint kind = iota
	kindBucket
	kindMissingBucket
	kindObject
	kindPrefix
	kindMissing
)

var kindNames = [...]string{"endpoint", "bucket", "missing bucket", "object", "prefix", "missing"}

func (k kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Capability sets per kind. Missing objects keep read and stat so those
// report fs.ErrNotExist rather than an unsupported operation.
var kindCapabilities = map[kind]core.CapabilitySet{
	kindEndpoint:      core.NewCapabilitySet(core.OpList, core.OpGetDate),
	kindBucket:        core.NewCapabilitySet(core.OpList, core.OpGetDate, core.OpCreateDirectory, core.OpDelete),
	kindMissingBucket: core.NewCapabilitySet(core.OpGetDate, core.OpCreateDirectory),
	kindObject: core.NewCapabilitySet(core.OpRead, core.OpRandomRead, core.OpWrite, core.OpGetDate,
		core.OpDelete, core.OpRename),
	kindPrefix:  core.NewCapabilitySet(core.OpList, core.OpGetDate, core.OpCreateDirectory, core.OpDelete, core.OpRename),
	kindMissing: core.NewCapabilitySet(core.OpRead, core.OpGetDate, core.OpWrite, core.OpCreateDirectory),
}

type resource struct {
	core.Unsupported

	b      *Backend
	client *minio.Client
	addr   core.Address
	bucket string
	key    string
	probe  *core.CapabilityProbe
}

func (b *Backend) newResource(addr core.Address, client *minio.Client) *resource {
	bucket, key := splitAddress(addr)
	r := &resource{b: b, client: client, addr: addr, bucket: bucket, key: key}
	r.probe = core.NewCapabilityProbe(r.probeCapabilities)
	return r
}

func (r *resource) fail(op string, err error) error {
	return &core.OpError{Op: op, Address: r.addr, Err: core.IOError(translate(err))}
}

func (r *resource) Address() core.Address { return r.addr }

// Capabilities depend on whether the address names the endpoint, a bucket,
// an object or a prefix. The answer is cached until a mutation through this
// resource.
func (r *resource) Capabilities(ctx context.Context) (core.CapabilitySet, error) {
	return r.probe.Get(ctx)
}

func (r *resource) probeCapabilities(ctx context.Context) (core.CapabilitySet, error) {
	k, _, err := r.kind(ctx)
	if err != nil {
		return 0, err
	}
	r.b.log().Debug("s3 capabilities probed", "address", r.addr, "kind", k)
	return kindCapabilities[k], nil
}

// kind asks the server what the address names. For objects the stat
// result is returned as well.
func (r *resource) kind(ctx context.Context) (kind, minio.ObjectInfo, error) {
	switch {
	case r.bucket == "":
		return kindEndpoint, minio.ObjectInfo{}, nil
	case r.key == "":
		ok, err := r.client.BucketExists(ctx, r.bucket)
		if err != nil {
			return 0, minio.ObjectInfo{}, err
		}
		if !ok {
			return kindMissingBucket, minio.ObjectInfo{}, nil
		}
		return kindBucket, minio.ObjectInfo{}, nil
	}

	info, err := r.client.StatObject(ctx, r.bucket, r.key, minio.StatObjectOptions{})
	if err == nil {
		return kindObject, info, nil
	}
	if !errors.Is(translate(err), fs.ErrNotExist) {
		return 0, minio.ObjectInfo{}, err
	}
	found, err := r.hasChildren(ctx)
	if err != nil {
		return 0, minio.ObjectInfo{}, err
	}
	if found {
		return kindPrefix, minio.ObjectInfo{}, nil
	}
	return kindMissing, minio.ObjectInfo{}, nil
}

// prefix returns the listing prefix for the key's children.
func (r *resource) prefix() string {
	if r.key == "" {
		return ""
	}
	return r.key + "/"
}

func (r *resource) hasChildren(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: r.prefix(), MaxKeys: 1}) {
		if obj.Err != nil {
			return false, obj.Err
		}
		return true, nil
	}
	return false, nil
}

func (r *resource) name() string {
	if name := r.addr.Name(); name != "" {
		return name
	}
	return r.addr.Host()
}

func (r *resource) Stat(ctx context.Context) (core.Entry, error) {
	if err := core.Require(ctx, r, core.OpGetDate, "stat"); err != nil {
		return core.Entry{}, err
	}
	k, info, err := r.kind(ctx)
	if err != nil {
		return core.Entry{}, r.fail("stat", err)
	}
	e := core.Entry{Path: r.name(), Address: r.addr, IsDir: true}
	switch k {
	case kindMissing, kindMissingBucket:
		return core.Entry{}, r.fail("stat", fs.ErrNotExist)
	case kindObject:
		e.IsDir = false
		e.Size = info.Size
		e.CompressedSize = info.Size
		e.ModTime = info.LastModified
	}
	return e, nil
}

func (r *resource) Child(name string) (core.Resource, error) {
	addr, err := r.addr.ResolveChild(name)
	if err != nil {
		return nil, err
	}
	return r.b.newResource(addr, r.client), nil
}

func (r *resource) List(ctx context.Context) (core.EntryIterator, error) {
	if err := core.Require(ctx, r, core.OpList, "list"); err != nil {
		return nil, err
	}
	if r.bucket == "" {
		return r.listBuckets(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	prefix := r.prefix()
	objects := r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: prefix})
	next := func() (core.Entry, error) {
		for obj := range objects {
			if obj.Err != nil {
				return core.Entry{}, r.fail("list", obj.Err)
			}
			name, isDir := strings.CutSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
			if name == "" {
				continue
			}
			child, err := r.addr.ResolveChild(name)
			if err != nil {
				r.b.log().Warn("skipping unaddressable key", "dir", r.addr, "key", obj.Key, "error", err)
				continue
			}
			e := core.Entry{Path: name, Address: child, IsDir: isDir}
			if !isDir {
				e.Size = obj.Size
				e.CompressedSize = obj.Size
				e.ModTime = obj.LastModified
			}
			return e, nil
		}
		return core.Entry{}, io.EOF
	}
	return core.NewFuncIterator(next, func() error {
		cancel()
		return nil
	}), nil
}

func (r *resource) listBuckets(ctx context.Context) (core.EntryIterator, error) {
	buckets, err := r.client.ListBuckets(ctx)
	if err != nil {
		return nil, r.fail("list", err)
	}
	entries := make([]core.Entry, 0, len(buckets))
	for _, bucket := range buckets {
		child, err := r.addr.ResolveChild(bucket.Name)
		if err != nil {
			continue
		}
		entries = append(entries, core.Entry{Path: bucket.Name, Address: child, IsDir: true, ModTime: bucket.CreationDate})
	}
	return core.NewSliceIterator(entries), nil
}

func (r *resource) getObject(ctx context.Context, op string) (*minio.Object, minio.ObjectInfo, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, r.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, r.fail(op, err)
	}
	// GetObject is lazy; Stat surfaces a missing key now.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, minio.ObjectInfo{}, r.fail(op, err)
	}
	return obj, info, nil
}

func (r *resource) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	if err := core.Require(ctx, r, core.OpRead, "open"); err != nil {
		return nil, err
	}
	obj, _, err := r.getObject(ctx, "open")
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (r *resource) OpenRandomRead(ctx context.Context) (core.RandomReader, error) {
	if err := core.Require(ctx, r, core.OpRandomRead, "open"); err != nil {
		return nil, err
	}
	obj, info, err := r.getObject(ctx, "open")
	if err != nil {
		return nil, err
	}
	return &objectReader{Object: obj, size: info.Size, id: sourceID(r.addr, info)}, nil
}

// objectReader serves random reads with ranged GETs.
type objectReader struct {
	*minio.Object
	size int64
	id   string
}

func (o *objectReader) Size() int64 { return o.size }

// SourceID identifies the object version for content caches.
func (o *objectReader) SourceID() string { return o.id }

func sourceID(addr core.Address, info minio.ObjectInfo) string {
	tag := info.ETag
	if info.VersionID != "" {
		tag = info.VersionID
	}
	return fmt.Sprintf("s3:%s:%d:%s", addr.Key(), info.Size, tag)
}

func (r *resource) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	if err := core.Require(ctx, r, core.OpWrite, "create"); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan error, 1), r: r}
	go func() {
		_, err := r.client.PutObject(ctx, r.bucket, r.key, pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			PartSize:    r.b.partSize,
		})
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

// objectWriter streams writes into a background PutObject. Close waits
// for the upload to finish.
type objectWriter struct {
	pw   *io.PipeWriter
	done chan error
	r    *resource
	once sync.Once
	err  error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil {
		return n, w.r.fail("write", err)
	}
	return n, nil
}

func (w *objectWriter) Close() error {
	w.once.Do(func() {
		w.pw.Close()
		if err := <-w.done; err != nil {
			w.err = w.r.fail("create", err)
		}
		w.r.probe.Invalidate()
	})
	return w.err
}

func (r *resource) Mkdir(ctx context.Context) error {
	if err := core.Require(ctx, r, core.OpCreateDirectory, "mkdir"); err != nil {
		return err
	}
	defer r.probe.Invalidate()

	k, _, err := r.kind(ctx)
	if err != nil {
		return r.fail("mkdir", err)
	}
	switch k {
	case kindMissingBucket:
		if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.b.region}); err != nil {
			return r.fail("mkdir", err)
		}
		return nil
	case kindMissing:
		_, err := r.client.PutObject(ctx, r.bucket, r.prefix(), strings.NewReader(""), 0, minio.PutObjectOptions{})
		if err != nil {
			return r.fail("mkdir", err)
		}
		return nil
	default:
		return r.fail("mkdir", fs.ErrExist)
	}
}

func (r *resource) Delete(ctx context.Context) error {
	if err := core.Require(ctx, r, core.OpDelete, "delete"); err != nil {
		return err
	}
	defer r.probe.Invalidate()

	k, _, err := r.kind(ctx)
	if err != nil {
		return r.fail("delete", err)
	}
	switch k {
	case kindBucket:
		err = r.client.RemoveBucket(ctx, r.bucket)
	case kindObject:
		err = r.client.RemoveObject(ctx, r.bucket, r.key, minio.RemoveObjectOptions{})
	case kindPrefix:
		err = r.removePrefix(ctx)
	default:
		err = fs.ErrNotExist
	}
	if err != nil {
		return r.fail("delete", err)
	}
	return nil
}

// removePrefix deletes every key below the resource, marker included.
func (r *resource) removePrefix(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(objects)
		for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: r.prefix(), Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var removeErr error
	for res := range r.client.RemoveObjects(ctx, r.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && removeErr == nil {
			removeErr = res.Err
		}
	}
	if listErr != nil {
		return listErr
	}
	return removeErr
}

// Rename copies then deletes. It is not atomic: a failure part way through a
// prefix rename can leave keys at both locations.
func (r *resource) Rename(ctx context.Context, dst core.Address) error {
	if err := core.Require(ctx, r, core.OpRename, "rename"); err != nil {
		return err
	}
	dstBucket, dstKey := splitAddress(dst)
	if dst.Scheme() != r.addr.Scheme() || endpoint(dst) != endpoint(r.addr) || dstBucket != r.bucket || dstKey == "" {
		return &core.OpError{Op: "rename", Address: r.addr,
			Err: fmt.Errorf("%w: rename to %s", core.ErrOperationUnsupported, dst)}
	}
	defer r.probe.Invalidate()

	k, _, err := r.kind(ctx)
	if err != nil {
		return r.fail("rename", err)
	}
	switch k {
	case kindObject:
		err = r.renameObject(ctx, r.key, dstKey)
	case kindPrefix:
		err = r.renamePrefix(ctx, dstKey+"/")
	default:
		err = fs.ErrNotExist
	}
	if err != nil {
		return r.fail("rename", err)
	}
	r.b.log().Debug("s3 rename", "from", r.addr, "to", dst)
	return nil
}

func (r *resource) copyObject(ctx context.Context, from, to string) error {
	_, err := r.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: r.bucket, Object: to},
		minio.CopySrcOptions{Bucket: r.bucket, Object: from})
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", from, to, err)
	}
	return nil
}

func (r *resource) renameObject(ctx context.Context, from, to string) error {
	if err := r.copyObject(ctx, from, to); err != nil {
		return err
	}
	return r.client.RemoveObject(ctx, r.bucket, from, minio.RemoveObjectOptions{})
}

// renamePrefix copies every key below the resource to newPrefix with
// bounded concurrency, then removes the originals in one batch.
func (r *resource) renamePrefix(ctx context.Context, newPrefix string) error {
	oldPrefix := r.prefix()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.b.renameConcurrency)

	var mu sync.Mutex
	var copied []string
	for obj := range r.client.ListObjects(egCtx, r.bucket, minio.ListObjectsOptions{Prefix: oldPrefix, Recursive: true}) {
		if obj.Err != nil {
			_ = eg.Wait() //nolint:errcheck // listing error takes precedence
			return obj.Err
		}
		key := obj.Key
		eg.Go(func() error {
			if err := r.copyObject(egCtx, key, newPrefix+strings.TrimPrefix(key, oldPrefix)); err != nil {
				return err
			}
			mu.Lock()
			copied = append(copied, key)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	objects := make(chan minio.ObjectInfo, len(copied))
	for _, key := range copied {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)
	for res := range r.client.RemoveObjects(ctx, r.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

var (
	_ core.Resource     = (*resource)(nil)
	_ core.RandomReader = (*objectReader)(nil)
)
