package sevenzip

import (
	"bufio"
	"errors"
	"io"

	"github.com/meigma/vfs/internal/sizing"
)

const packBufferSize = 64 << 10

// RangeReader is implemented by sources that can stream a byte range more
// efficiently than repeated ReadAt calls, such as HTTP range sources.
type RangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// folderDecoder builds the reader graph of one folder.
type folderDecoder struct {
	src     ByteSource
	db      *Database
	index   int
	folder  *Folder
	zstd    *zstdPool
	closers []io.Closer
	active  map[int]bool
}

// openFolder returns a stream of folder i's decoded output. Every coder is
// resolved before any pack stream is touched, so an unsupported coder fails
// without I/O. Closing the stream releases all decoders.
func openFolder(src ByteSource, db *Database, i int, zp *zstdPool) (io.ReadCloser, error) {
	if i < 0 || i >= len(db.Folders) {
		return nil, corruptf("folder %d out of range", i)
	}
	folder := &db.Folders[i]
	for _, c := range folder.Coders {
		if _, err := lookupMethod(c); err != nil {
			return nil, err
		}
	}
	main, err := folder.MainOutput()
	if err != nil {
		return nil, err
	}

	d := &folderDecoder{
		src:    src,
		db:     db,
		index:  i,
		folder: folder,
		zstd:   zp,
		active: make(map[int]bool),
	}
	out, err := d.outStream(main)
	if err != nil {
		d.Close()
		return nil, err
	}
	return &folderStream{r: out, d: d}, nil
}

func (d *folderDecoder) outStream(out int) (io.Reader, error) {
	ci, _ := d.folder.coderForOut(out)
	if ci < 0 {
		return nil, corruptf("out-slot %d has no coder", out)
	}
	if d.active[ci] {
		return nil, corruptf("coder graph of folder %d has a cycle", d.index)
	}
	d.active[ci] = true
	defer delete(d.active, ci)

	c := d.folder.Coders[ci]
	m, err := lookupMethod(c)
	if err != nil {
		return nil, err
	}
	in, err := d.inStream(d.folder.firstIn(ci))
	if err != nil {
		return nil, err
	}
	size := d.folder.UnpackSizes[out]
	rc, err := m.open(in, coderEnv{props: c.Properties, unpackSize: size, zstd: d.zstd})
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, rc)
	n, err := sizing.ToInt64(size, errSizeOverflow)
	if err != nil {
		return nil, err
	}
	return &exactReader{r: rc, n: n}, nil
}

func (d *folderDecoder) inStream(in int) (io.Reader, error) {
	if bp := d.folder.bindPairForIn(in); bp >= 0 {
		return d.outStream(d.folder.BindPairs[bp].OutIndex)
	}
	p := d.folder.packedStreamForIn(in)
	if p < 0 {
		return nil, corruptf("in-slot %d is neither bound nor packed", in)
	}
	pack := d.db.folderFirstPack[d.index] + p
	if pack >= len(d.db.PackSizes) {
		return nil, corruptf("folder %d references pack stream %d", d.index, pack)
	}
	start, ok := sizing.AddUint64(signatureHeaderSize, d.db.packOffsets[pack])
	if !ok {
		return nil, errSizeOverflow
	}
	size := d.db.PackSizes[pack]
	if !sizing.WithinRange(start, size, uint64(d.src.Size())) { //nolint:gosec // sizes are non-negative
		return nil, corruptf("pack stream %d lies outside the container", pack)
	}
	off, length := int64(start), int64(size) //nolint:gosec // bounded by source size
	if rr, ok := d.src.(RangeReader); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		d.closers = append(d.closers, rc)
		return rc, nil
	}
	return bufio.NewReaderSize(io.NewSectionReader(d.src, off, length), packBufferSize), nil
}

// Close releases every decoder and range reader of the folder.
func (d *folderDecoder) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

type folderStream struct {
	r io.Reader
	d *folderDecoder
}

func (s *folderStream) Read(p []byte) (int, error) {
	if s.d == nil {
		return 0, io.ErrClosedPipe
	}
	return s.r.Read(p)
}

func (s *folderStream) Close() error {
	if s.d == nil {
		return nil
	}
	err := s.d.Close()
	s.d = nil
	return err
}

// exactReader yields exactly n bytes of r. Running short is corruption.
type exactReader struct {
	r io.Reader
	n int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.n {
		p = p[:e.n]
	}
	n, err := e.r.Read(p)
	e.n -= int64(n)
	if errors.Is(err, io.EOF) {
		if e.n > 0 {
			return n, corruptf("coder output ended %d bytes early", e.n)
		}
		err = nil
	}
	if err == nil && e.n == 0 {
		err = io.EOF
	}
	return n, err
}
