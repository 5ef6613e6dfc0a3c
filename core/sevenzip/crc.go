package sevenzip

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/meigma/vfs/core"
)

// entryStream yields one entry's bytes from its folder stream and checks
// the declared CRC once the last byte has been read.
type entryStream struct {
	name      string
	folder    io.ReadCloser
	remaining int64
	hasher    hash.Hash32
	want      uint32
	verify    bool
	err       error
}

func newEntryStream(name string, folder io.ReadCloser, size int64, crc uint32, verify bool) *entryStream {
	s := &entryStream{name: name, folder: folder, remaining: size, want: crc, verify: verify}
	if verify {
		s.hasher = crc32.NewIEEE()
	}
	return s
}

func (s *entryStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.folder == nil {
		return 0, io.ErrClosedPipe
	}
	if s.remaining <= 0 {
		s.err = s.finish()
		return 0, s.err
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.folder.Read(p)
	s.remaining -= int64(n)
	if s.hasher != nil {
		s.hasher.Write(p[:n]) //nolint:errcheck // hash.Hash never fails
	}
	switch {
	case s.remaining == 0:
		s.err = s.finish()
		return n, s.err
	case errors.Is(err, io.EOF):
		s.err = corruptf("%s: stream ended %d bytes early", s.name, s.remaining)
		return n, s.err
	case err != nil:
		s.err = err
		return n, err
	}
	return n, nil
}

func (s *entryStream) finish() error {
	if s.verify {
		if got := s.hasher.Sum32(); got != s.want {
			return fmt.Errorf("%w: %s: crc %08x, want %08x", core.ErrChecksumMismatch, s.name, got, s.want)
		}
	}
	return io.EOF
}

// Close releases the folder decoders. It is safe to call more than once.
func (s *entryStream) Close() error {
	if s.folder == nil {
		return nil
	}
	err := s.folder.Close()
	s.folder = nil
	return err
}
