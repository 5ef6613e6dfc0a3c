package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// ByteSource is a random access source with a stable identity. It has the
// same method set as sevenzip.ByteSource.
type ByteSource interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

// RangeReader streams a byte range. Sources that implement it are fetched
// one block per request.
type RangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// DefaultBlockSize is the size of a cached block.
const DefaultBlockSize int64 = 64 << 10

// DefaultMaxBlocksPerRead bounds the blocks a single ReadAt goes through the
// cache for. Longer reads go straight to the source.
const DefaultMaxBlocksPerRead = 4

// Blocks caches fixed-size blocks of container sources in a Cache, so the
// header and hot folders of a remote archive are fetched once.
//
// Block caching pays off for scattered reads over slow sources. Long
// sequential reads bypass it once they span more than MaxBlocksPerRead
// blocks.
type Blocks struct {
	cache            Cache
	blockSize        int64
	maxBlocksPerRead int
	group            singleflight.Group
}

// BlockOption configures Blocks.
type BlockOption func(*Blocks)

// WithBlockSize sets the block size.
func WithBlockSize(n int64) BlockOption {
	return func(b *Blocks) {
		b.blockSize = n
	}
}

// WithMaxBlocksPerRead bypasses the cache when a ReadAt spans more than n
// blocks. Values <= 0 disable the bypass.
func WithMaxBlocksPerRead(n int) BlockOption {
	return func(b *Blocks) {
		b.maxBlocksPerRead = n
	}
}

// NewBlocks returns a block cache storing blocks in c.
func NewBlocks(c Cache, opts ...BlockOption) (*Blocks, error) {
	if c == nil {
		return nil, errors.New("block cache: cache is nil")
	}
	b := &Blocks{
		cache:            c,
		blockSize:        DefaultBlockSize,
		maxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.blockSize <= 0 || b.blockSize > math.MaxInt32 {
		return nil, fmt.Errorf("block cache: block size %d out of range", b.blockSize)
	}
	return b, nil
}

// Wrap returns src reading through the cache. The source identity must be
// non-empty and change whenever the content does.
func (b *Blocks) Wrap(src ByteSource) (ByteSource, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	if src.SourceID() == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &blockSource{src: src, b: b}, nil
}

func (b *Blocks) key(sourceID string, index int64) digest.Digest {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(b.blockSize)) //nolint:gosec // validated positive
	binary.BigEndian.PutUint64(buf[8:], uint64(index))       //nolint:gosec // never negative
	return digest.FromBytes(append([]byte(sourceID+"#block/"), buf[:]...))
}

// block returns block index of src, from the cache or fetched and stored.
// Concurrent requests for one block share a fetch. Cache writes are best
// effort.
func (b *Blocks) block(s *blockSource, index, length int64) ([]byte, error) {
	key := b.key(s.src.SourceID(), index)
	v, err, _ := b.group.Do(key.String(), func() (any, error) {
		if f, ok := b.cache.Get(key); ok {
			data, err := io.ReadAll(f)
			f.Close()
			if err == nil && int64(len(data)) == length {
				return data, nil
			}
			_ = b.cache.Delete(key) //nolint:errcheck // refetched below
		}
		data, err := s.fetch(index*b.blockSize, length)
		if err != nil {
			return nil, err
		}
		_ = b.cache.Put(key, bytes.NewReader(data)) //nolint:errcheck // best effort
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil //nolint:forcetypeassert // Do returns []byte on success
}

type blockSource struct {
	src ByteSource
	b   *Blocks
}

func (s *blockSource) Size() int64      { return s.src.Size() }
func (s *blockSource) SourceID() string { return s.src.SourceID() }

func (s *blockSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	bs := s.b.blockSize
	first, last := off/bs, (off+want-1)/bs
	if s.b.maxBlocksPerRead > 0 && last-first+1 > int64(s.b.maxBlocksPerRead) {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for i := first; i <= last; i++ {
		start := i * bs
		end := min(start+bs, size)
		data, err := s.b.block(s, i, end-start)
		if err != nil {
			return int(n), err
		}
		from := max(off, start)
		to := min(off+want, end)
		n += int64(copy(p[from-off:to-off], data[from-start:to-start]))
	}
	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// ReadRange serves a range through the block cache.
func (s *blockSource) ReadRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("read range %d+%d: negative bound", off, length)
	}
	size := s.src.Size()
	if off >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(io.NewSectionReader(s, off, min(length, size-off))), nil
}

func (s *blockSource) fetch(off, length int64) ([]byte, error) {
	if rr, ok := s.src.(RangeReader); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, length))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		return data, nil
	}
	buf := make([]byte, length)
	n, err := s.src.ReadAt(buf, off)
	if int64(n) == length {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}
