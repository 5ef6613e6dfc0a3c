package cache

import (
	"bytes"
	"container/list"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// Memory is an in-process Cache with least-recently-used eviction.
type Memory struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	order    *list.List // front = most recently used
	items    map[digest.Digest]*list.Element
}

type memoryItem struct {
	key  digest.Digest
	data []byte
}

// NewMemory returns an in-memory cache holding at most maxBytes (0 = unlimited).
func NewMemory(maxBytes int64) *Memory {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &Memory{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[digest.Digest]*list.Element),
	}
}

// Get implements Cache.
func (m *Memory) Get(key digest.Digest) (fs.File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	item := el.Value.(*memoryItem) //nolint:forcetypeassert // list holds only *memoryItem
	return &memoryFile{Reader: bytes.NewReader(item.data), name: key.Encoded(), size: int64(len(item.data))}, true
}

// Put implements Cache.
func (m *Memory) Put(key digest.Digest, r io.Reader) error {
	m.mu.Lock()
	_, exists := m.items[key]
	m.mu.Unlock()
	if exists {
		return nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	size := int64(len(data))
	if m.maxBytes > 0 && size > m.maxBytes {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; ok {
		return nil
	}
	if m.maxBytes > 0 {
		m.pruneLocked(m.maxBytes - size)
	}
	m.items[key] = m.order.PushFront(&memoryItem{key: key, data: data})
	m.size += size
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(key digest.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

// MaxBytes implements Cache.
func (m *Memory) MaxBytes() int64 {
	return m.maxBytes
}

// SizeBytes implements Cache.
func (m *Memory) SizeBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Prune implements Cache. Least recently used entries go first.
func (m *Memory) Prune(targetBytes int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(targetBytes), nil
}

func (m *Memory) pruneLocked(targetBytes int64) int64 {
	if targetBytes < 0 {
		targetBytes = 0
	}
	var freed int64
	for m.size > targetBytes {
		el := m.order.Back()
		if el == nil {
			break
		}
		freed += m.removeLocked(el)
	}
	return freed
}

func (m *Memory) removeLocked(el *list.Element) int64 {
	item := m.order.Remove(el).(*memoryItem) //nolint:forcetypeassert // list holds only *memoryItem
	delete(m.items, item.key)
	size := int64(len(item.data))
	m.size -= size
	return size
}

type memoryFile struct {
	*bytes.Reader
	name string
	size int64
}

func (f *memoryFile) Stat() (fs.FileInfo, error) { return memoryInfo{name: f.name, size: f.size}, nil }
func (f *memoryFile) Close() error               { return nil }

type memoryInfo struct {
	name string
	size int64
}

func (fi memoryInfo) Name() string       { return fi.name }
func (fi memoryInfo) Size() int64        { return fi.size }
func (fi memoryInfo) Mode() fs.FileMode  { return 0o444 }
func (fi memoryInfo) ModTime() time.Time { return time.Time{} }
func (fi memoryInfo) IsDir() bool        { return false }
func (fi memoryInfo) Sys() any           { return nil }
