// Package disk provides a disk-backed cache.Cache.
package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	tempPattern           = ".put-*"
)

// Cache implements cache.Cache on the local filesystem.
//
// Entries live at <dir>/<algorithm>/<shard>/<encoded digest>, where shard
// is a prefix of the encoded digest. The cache is safe for concurrent use.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	bytes          atomic.Int64
	pruneMu        sync.Mutex
}

// Option configures a disk cache.
type Option func(*Cache)

// WithShardPrefixLen sets the number of digest characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions of created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum cache size in bytes. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// New creates a disk-backed cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Get implements cache.Cache.
func (c *Cache) Get(key digest.Digest) (fs.File, bool) {
	path, err := c.path(key)
	if err != nil {
		return nil, false
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		return nil, false
	}
	return f, true
}

// Put implements cache.Cache. Content is written to a temporary file and
// renamed into place, so readers never observe a partial entry.
func (c *Cache) Put(key digest.Digest, r io.Reader) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	discard := func(err error) error {
		_ = os.Remove(tmpPath)
		return err
	}

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		return discard(err)
	}

	ok, err := c.ensureCapacity(written)
	if err != nil {
		return discard(err)
	}
	if !ok {
		return discard(nil)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return discard(nil)
		}
		return discard(err)
	}
	c.bytes.Add(written)
	return nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(key digest.Digest) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	c.bytes.Add(-info.Size())
	return nil
}

// MaxBytes implements cache.Cache.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes implements cache.Cache.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune implements cache.Cache. Oldest entries by modification time go first.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

func (c *Cache) path(key digest.Digest) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	encoded := key.Encoded()
	algo := key.Algorithm().String()
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, algo, encoded), nil
	}
	prefixLen := min(c.shardPrefixLen, len(encoded))
	return filepath.Join(c.dir, algo, encoded[:prefixLen], encoded), nil
}

func (c *Cache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}
