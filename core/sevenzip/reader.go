package sevenzip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"strconv"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/vfs/cache"
	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/internal/sizing"
)

const (
	// DefaultMaxHeaderSize bounds the archive header, after decompression.
	DefaultMaxHeaderSize = 64 << 20

	// DefaultMaxCachedFolderSize bounds the decoded size of a folder that is
	// stored in the folder cache.
	DefaultMaxCachedFolderSize = 64 << 20

	// DefaultMaxDecoderMemory bounds the memory of a zstd decoder.
	DefaultMaxDecoderMemory = 256 << 20

	maxHeaderNesting = 4
)

// ByteSource provides random access to container bytes.
// SourceID must return a stable identifier for the content.
type ByteSource interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

// Locator tells a Reader where an entry's bytes live.
type Locator struct {
	// Folder is the folder holding the entry, or -1 for entries without data.
	Folder int
	// Offset is the entry's position in the folder's decoded output.
	Offset uint64
	// Index is the entry's position in Database.Files.
	Index int
}

// Reader gives access to the entries of one parsed 7z container.
// It is safe for concurrent use.
type Reader struct {
	src     ByteSource
	db      *Database
	entries []core.Entry
	byPath  map[string]int

	logger              *slog.Logger
	maxHeaderSize       uint64
	maxDecoderMemory    uint64
	cache               cache.Cache
	maxCachedFolderSize uint64
	verify              bool

	zstd  *zstdPool
	group singleflight.Group
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger for parse and decode diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// WithMaxHeaderSize bounds the archive header size. Zero disables the limit.
func WithMaxHeaderSize(n uint64) Option {
	return func(r *Reader) {
		r.maxHeaderSize = n
	}
}

// WithMaxDecoderMemory bounds zstd decoder memory. Zero disables the limit.
func WithMaxDecoderMemory(n uint64) Option {
	return func(r *Reader) {
		r.maxDecoderMemory = n
	}
}

// WithFolderCache stores decoded folders in c so later reads of entries
// in the same folder skip decoding.
func WithFolderCache(c cache.Cache) Option {
	return func(r *Reader) {
		r.cache = c
	}
}

// WithMaxCachedFolderSize sets the largest folder kept in the folder cache.
func WithMaxCachedFolderSize(n uint64) Option {
	return func(r *Reader) {
		r.maxCachedFolderSize = n
	}
}

// WithVerify enables or disables CRC verification of entry streams
// (default: enabled).
func WithVerify(enabled bool) Option {
	return func(r *Reader) {
		r.verify = enabled
	}
}

// Open parses the container in src.
//
// Structural problems fail with core.ErrCorruptContainer; valid containers
// using unimplemented features fail with ErrUnsupportedFeature.
func Open(src ByteSource, opts ...Option) (*Reader, error) {
	r := &Reader{
		src:                 src,
		maxHeaderSize:       DefaultMaxHeaderSize,
		maxDecoderMemory:    DefaultMaxDecoderMemory,
		maxCachedFolderSize: DefaultMaxCachedFolderSize,
		verify:              true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.zstd = newZstdPool(r.maxDecoderMemory)

	db := &Database{}
	if err := r.readDatabase(db); err != nil {
		db.Clear()
		r.log().Debug("7z parse failed", "source", src.SourceID(), "error", err)
		return nil, err
	}
	r.db = db
	r.buildEntries()
	r.log().Debug("7z parsed",
		"source", src.SourceID(),
		"folders", len(db.Folders),
		"files", len(db.Files),
		"packStreams", len(db.PackSizes))
	return r, nil
}

func (r *Reader) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.DiscardHandler)
}

func (r *Reader) readDatabase(db *Database) error {
	size := r.src.Size()
	if size < signatureHeaderSize {
		return corruptf("container is %d bytes", size)
	}
	sig := make([]byte, signatureHeaderSize)
	if _, err := r.src.ReadAt(sig, 0); err != nil && !errors.Is(err, io.EOF) {
		return core.IOError(err)
	}
	sh, err := parseSignatureHeader(sig)
	if err != nil {
		return err
	}
	if sh.nextHeaderSize == 0 {
		return nil
	}
	start, ok := sizing.AddUint64(signatureHeaderSize, sh.nextHeaderOffset)
	if !ok || !sizing.WithinRange(start, sh.nextHeaderSize, uint64(size)) { //nolint:gosec // size is non-negative
		return corruptf("header lies outside the container")
	}
	if r.maxHeaderSize > 0 && sh.nextHeaderSize > r.maxHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, sh.nextHeaderSize)
	}
	buf := make([]byte, sh.nextHeaderSize)
	if _, err := r.src.ReadAt(buf, int64(start)); err != nil && !errors.Is(err, io.EOF) { //nolint:gosec // bounded by size
		return core.IOError(err)
	}
	if got := crc32.ChecksumIEEE(buf); got != sh.nextHeaderCRC {
		return corruptf("header CRC %08x, want %08x", got, sh.nextHeaderCRC)
	}

	for range maxHeaderNesting {
		hr := newHeaderReader(buf)
		id, err := hr.readID()
		if err != nil {
			return err
		}
		switch id {
		case idHeader:
			if err := readHeader(hr, db); err != nil {
				return err
			}
			if err := db.Validate(); err != nil {
				return err
			}
			return db.index()
		case idEncodedHeader:
			if buf, err = r.decodeHeader(hr); err != nil {
				return err
			}
		default:
			return corruptf("unexpected header property %#x", uint64(id))
		}
	}
	return corruptf("header nested too deeply")
}

// decodeHeader decodes an encoded header: a streams info block whose
// folders, concatenated, hold the real header.
func (r *Reader) decodeHeader(hr *headerReader) ([]byte, error) {
	si, err := readStreamsInfo(hr)
	if err != nil {
		return nil, err
	}
	hdb := &Database{
		PackPos:          si.packPos,
		PackSizes:        si.packSizes,
		PackCRCsDefined:  si.packCRCsDefined,
		PackCRCs:         si.packCRCs,
		Folders:          si.folders,
		NumUnpackStreams: make([]int, len(si.folders)),
	}
	for i := range hdb.Folders {
		for _, c := range hdb.Folders[i].Coders {
			if bytes.Equal(c.MethodID, []byte{0x06, 0xF1, 0x07, 0x01}) {
				return nil, unsupportedf("encrypted header")
			}
		}
	}
	if err := hdb.Validate(); err != nil {
		return nil, err
	}
	if err := hdb.index(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for i := range hdb.Folders {
		f := &hdb.Folders[i]
		size := f.UnpackSize()
		if r.maxHeaderSize > 0 && uint64(out.Len())+size > r.maxHeaderSize {
			return nil, fmt.Errorf("%w: decoded header exceeds %d bytes", ErrHeaderTooLarge, r.maxHeaderSize)
		}
		rc, err := openFolder(r.src, hdb, i, r.zstd)
		if err != nil {
			return nil, fmt.Errorf("header folder: %w", err)
		}
		data, err := sizing.ReadAllWithLimit(rc, size, errSizeOverflow)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("header folder: %w", err)
		}
		if f.UnpackCRCDefined && crc32.ChecksumIEEE(data) != f.UnpackCRC {
			return nil, corruptf("header folder CRC mismatch")
		}
		out.Write(data)
	}
	r.log().Debug("7z header decoded", "source", r.src.SourceID(), "size", out.Len())
	return out.Bytes(), nil
}

func (r *Reader) buildEntries() {
	db := r.db
	r.entries = make([]core.Entry, len(db.Files))
	r.byPath = make(map[string]int, len(db.Files))
	for i, f := range db.Files {
		folder := db.FileFolder(i)
		e := core.Entry{
			Path:     core.NormalizePath(f.Name),
			Size:     int64(f.Size), //nolint:gosec // bounded by folder unpack size
			ModTime:  f.MTime,
			Created:  f.CTime,
			Accessed: f.ATime,
			IsDir:    f.IsDir,
			Locator:  Locator{Folder: folder, Offset: db.fileOffset[i], Index: i},
		}
		if folder >= 0 && db.folderFirstFile[folder] == i {
			e.CompressedSize = int64(db.FolderPackedSize(folder)) //nolint:gosec // bounded by source size
		}
		if mode, ok := fileMode(f); ok {
			e = e.WithMode(mode)
		}
		if f.CRCDefined {
			e = e.WithCRC(f.CRC)
		}
		r.entries[i] = e
		if _, dup := r.byPath[e.Path]; !dup {
			r.byPath[e.Path] = i
		}
	}
}

// fileMode derives permission bits from Windows attributes, preferring the
// Unix mode stored in the high 16 bits when present.
func fileMode(f File) (fs.FileMode, bool) {
	if !f.AttribDefined {
		return 0, false
	}
	if f.Attrib&attrUnixExtension != 0 {
		return fs.FileMode(f.Attrib>>16) & fs.ModePerm, true
	}
	mode := fs.FileMode(0o644)
	if f.IsDir {
		mode = 0o755
	}
	if f.Attrib&attrReadOnly != 0 {
		mode &^= 0o222
	}
	return mode, true
}

// Database returns the parsed database. It must not be modified.
func (r *Reader) Database() *Database {
	return r.db
}

// SourceID returns the identifier of the container's source.
func (r *Reader) SourceID() string {
	return r.src.SourceID()
}

// Len returns the number of entries.
func (r *Reader) Len() int {
	return len(r.entries)
}

// Entry returns entry i in declaration order.
func (r *Reader) Entry(i int) (core.Entry, bool) {
	if i < 0 || i >= len(r.entries) {
		return core.Entry{}, false
	}
	return r.entries[i], true
}

// Lookup returns the first entry declared with path.
func (r *Reader) Lookup(path string) (core.Entry, bool) {
	i, ok := r.byPath[core.NormalizePath(path)]
	if !ok {
		return core.Entry{}, false
	}
	return r.entries[i], true
}

// Entries returns an iterator over all entries in declaration order.
// Decoding problems of individual entries never surface here.
func (r *Reader) Entries() core.EntryIterator {
	return core.NewSliceIterator(r.entries)
}

// OpenEntry opens the decoded stream of e, which must come from r.
func (r *Reader) OpenEntry(e core.Entry) (io.ReadCloser, error) {
	loc, ok := e.Locator.(Locator)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: e.Path, Err: fs.ErrInvalid}
	}
	return r.OpenIndex(loc.Index)
}

// OpenIndex opens the decoded stream of entry i.
//
// It fails with core.ErrUnsupportedCoder when the entry's folder uses an
// unimplemented coder. A CRC mismatch is reported by Read at EOF as
// core.ErrChecksumMismatch.
func (r *Reader) OpenIndex(i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, &fs.PathError{Op: "open", Path: strconv.Itoa(i), Err: fs.ErrNotExist}
	}
	e := r.entries[i]
	f := r.db.Files[i]
	if f.IsDir {
		return nil, &fs.PathError{Op: "open", Path: e.Path, Err: fmt.Errorf("%w: is a directory", core.ErrOperationUnsupported)}
	}
	if !f.HasStream {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	loc, _ := e.Locator.(Locator) //nolint:errcheck // set by buildEntries
	folder, err := r.folderStream(loc.Folder)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: e.Path, Err: err}
	}
	if loc.Offset > 0 {
		skip, err := sizing.ToInt64(loc.Offset, errSizeOverflow)
		if err == nil {
			_, err = io.CopyN(io.Discard, folder, skip)
		}
		if err != nil {
			folder.Close()
			if errors.Is(err, io.EOF) {
				err = corruptf("folder %d ends before offset %d", loc.Folder, loc.Offset)
			}
			return nil, &fs.PathError{Op: "open", Path: e.Path, Err: err}
		}
	}
	crc, hasCRC := e.CRC()
	return newEntryStream(e.Path, folder, e.Size, crc, hasCRC && r.verify), nil
}

// folderStream returns folder i's decoded output, from the folder cache
// when one is configured and the folder is small enough.
func (r *Reader) folderStream(i int) (io.ReadCloser, error) {
	size := r.db.Folders[i].UnpackSize()
	if r.cache == nil || size > r.maxCachedFolderSize {
		return openFolder(r.src, r.db, i, r.zstd)
	}

	key := r.folderKey(i)
	if f, ok := r.cache.Get(key); ok {
		r.log().Debug("7z folder cache hit", "source", r.src.SourceID(), "folder", i)
		return f, nil
	}
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		r.log().Debug("7z folder cache miss", "source", r.src.SourceID(), "folder", i)
		rc, err := openFolder(r.src, r.db, i, r.zstd)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := sizing.ReadAllWithLimit(rc, size, errSizeOverflow)
		if err != nil {
			return nil, err
		}
		if f := r.db.Folders[i]; f.UnpackCRCDefined && crc32.ChecksumIEEE(data) != f.UnpackCRC {
			return nil, fmt.Errorf("%w: folder %d", core.ErrChecksumMismatch, i)
		}
		if err := r.cache.Put(key, bytes.NewReader(data)); err != nil {
			r.log().Warn("7z folder cache put failed", "folder", i, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte) //nolint:errcheck // the group only returns []byte
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *Reader) folderKey(i int) digest.Digest {
	return digest.FromString(r.src.SourceID() + "#folder/" + strconv.Itoa(i))
}

// ReadFile returns the decoded content of the entry at path.
func (r *Reader) ReadFile(path string) ([]byte, error) {
	e, ok := r.Lookup(path)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	rc, err := r.OpenEntry(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Walk calls fn for each entry until fn returns false or ctx is done.
func (r *Reader) Walk(ctx context.Context, fn func(core.Entry) bool) error {
	for _, e := range r.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}
