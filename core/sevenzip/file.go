package sevenzip

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// fileSource wraps *os.File to implement ByteSource.
type fileSource struct {
	file     *os.File
	size     int64
	sourceID string
}

func newFileSource(f *os.File) (*fileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat container: %w", err)
	}
	return &fileSource{file: f, size: info.Size(), sourceID: fileSourceID(f.Name(), info)}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *fileSource) Size() int64 {
	return s.size
}

func (s *fileSource) SourceID() string {
	return s.sourceID
}

func fileSourceID(path string, info os.FileInfo) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	return fmt.Sprintf("file:%s:%d:%d", absPath, info.Size(), info.ModTime().UnixNano())
}

// LocalFile is a Reader over a container on local disk.
// Close must be called to release the file handle.
type LocalFile struct {
	*Reader
	file *os.File
}

// Close closes the underlying container file.
func (f *LocalFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// OpenFile opens the 7z container at path.
func OpenFile(path string, opts ...Option) (*LocalFile, error) {
	f, err := os.Open(path) //nolint:gosec // user-provided path is intentional
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	src, err := newFileSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := Open(src, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &LocalFile{Reader: r, file: f}, nil
}

// BytesSource is a ByteSource over an in-memory container.
type BytesSource struct {
	data []byte
	id   string
}

// NewBytesSource returns a ByteSource over data identified by id.
func NewBytesSource(data []byte, id string) *BytesSource {
	return &BytesSource{data: data, id: id}
}

func (b *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sevenzip: negative offset %d", off)
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *BytesSource) Size() int64 {
	return int64(len(b.data))
}

func (b *BytesSource) SourceID() string {
	return b.id
}

var (
	_ ByteSource                 = (*fileSource)(nil)
	_ ByteSource                 = (*BytesSource)(nil)
	_ interface{ Close() error } = (*LocalFile)(nil)
)
