package testutil

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Coder is one encoding step of a test folder.
type Coder struct {
	ID     []byte
	Props  []byte
	Encode func(tb testing.TB, data []byte) []byte
}

// Copy stores data unchanged.
func Copy() Coder {
	return Coder{ID: []byte{0x00}, Encode: identity}
}

// Raw declares an arbitrary coder id but stores data unchanged. It builds
// folders whose coder a reader does not implement.
func Raw(id []byte, props []byte) Coder {
	return Coder{ID: id, Props: props, Encode: identity}
}

func identity(_ testing.TB, data []byte) []byte {
	return bytes.Clone(data)
}

// Delta applies the delta filter with the given distance (1..256).
func Delta(dist int) Coder {
	return Coder{
		ID:    []byte{0x03},
		Props: []byte{byte(dist - 1)},
		Encode: func(_ testing.TB, data []byte) []byte {
			out := make([]byte, len(data))
			for i := range data {
				var prev byte
				if i >= dist {
					prev = data[i-dist]
				}
				out[i] = data[i] - prev
			}
			return out
		},
	}
}

// LZMA compresses with LZMA. The properties are the first five bytes of the
// classic header.
func LZMA(tb testing.TB, data []byte) Coder {
	tb.Helper()
	var buf bytes.Buffer
	cfg := lzma.WriterConfig{SizeInHeader: true, Size: int64(len(data)), EOSMarker: false}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		tb.Fatalf("lzma writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		tb.Fatalf("lzma write: %v", err)
	}
	if err := w.Close(); err != nil {
		tb.Fatalf("lzma close: %v", err)
	}
	encoded := buf.Bytes()
	props := bytes.Clone(encoded[:5])
	stream := bytes.Clone(encoded[13:])
	return Coder{
		ID:    []byte{0x03, 0x01, 0x01},
		Props: props,
		Encode: func(tb testing.TB, in []byte) []byte {
			if !bytes.Equal(in, data) {
				tb.Fatalf("LZMA coder must be the first step of its folder")
			}
			return stream
		},
	}
}

// LZMA2 compresses with LZMA2.
func LZMA2() Coder {
	return Coder{
		ID:    []byte{0x21},
		Props: []byte{22}, // 8 MiB dictionary
		Encode: func(tb testing.TB, data []byte) []byte {
			tb.Helper()
			var buf bytes.Buffer
			w, err := lzma.NewWriter2(&buf)
			if err != nil {
				tb.Fatalf("lzma2 writer: %v", err)
			}
			if _, err := w.Write(data); err != nil {
				tb.Fatalf("lzma2 write: %v", err)
			}
			if err := w.Close(); err != nil {
				tb.Fatalf("lzma2 close: %v", err)
			}
			return buf.Bytes()
		},
	}
}

// Deflate compresses with raw DEFLATE.
func Deflate() Coder {
	return Coder{
		ID: []byte{0x04, 0x01, 0x08},
		Encode: func(tb testing.TB, data []byte) []byte {
			tb.Helper()
			var buf bytes.Buffer
			w, err := flate.NewWriter(&buf, flate.BestCompression)
			if err != nil {
				tb.Fatalf("flate writer: %v", err)
			}
			if _, err := w.Write(data); err != nil {
				tb.Fatalf("flate write: %v", err)
			}
			if err := w.Close(); err != nil {
				tb.Fatalf("flate close: %v", err)
			}
			return buf.Bytes()
		},
	}
}

// Zstd compresses with Zstandard.
func Zstd() Coder {
	return Coder{
		ID: []byte{0x04, 0xF7, 0x11, 0x01},
		Encode: func(tb testing.TB, data []byte) []byte {
			tb.Helper()
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				tb.Fatalf("zstd writer: %v", err)
			}
			defer enc.Close()
			return enc.EncodeAll(data, nil)
		},
	}
}

// LZ4 compresses with the LZ4 frame format.
func LZ4() Coder {
	return Coder{
		ID: []byte{0x04, 0xF7, 0x11, 0x04},
		Encode: func(tb testing.TB, data []byte) []byte {
			tb.Helper()
			var buf bytes.Buffer
			w := lz4.NewWriter(&buf)
			if _, err := w.Write(data); err != nil {
				tb.Fatalf("lz4 write: %v", err)
			}
			if err := w.Close(); err != nil {
				tb.Fatalf("lz4 close: %v", err)
			}
			return buf.Bytes()
		},
	}
}

// ArchiveFile describes one entry of a test archive.
type ArchiveFile struct {
	Name    string
	Data    []byte
	Dir     bool
	Attrib  uint32
	ModTime time.Time
}

// Unix returns a Windows attribute value carrying a Unix mode.
func Unix(mode uint32) uint32 {
	return 0x8000 | mode<<16
}

type testFolder struct {
	coders   []Coder
	sizes    []uint64 // unpack size of each coder output
	packed   []byte
	streams  []uint64
	crcs     []uint32
	unpacked []byte
}

type testEntry struct {
	file      ArchiveFile
	hasStream bool
}

// Archive assembles 7z containers for tests.
type Archive struct {
	tb           testing.TB
	folders      []testFolder
	entries      []testEntry
	folderCRCs   bool
	headerCoders []Coder
}

// NewArchive returns an empty archive builder.
func NewArchive(tb testing.TB) *Archive {
	tb.Helper()
	return &Archive{tb: tb}
}

// Folder adds a folder holding the data of files, encoded by coders in
// order. Files without data still get a zero-length stream.
func (a *Archive) Folder(coders []Coder, files ...ArchiveFile) *Archive {
	a.tb.Helper()
	var raw []byte
	f := testFolder{coders: coders}
	for _, file := range files {
		raw = append(raw, file.Data...)
		f.streams = append(f.streams, uint64(len(file.Data)))
		f.crcs = append(f.crcs, crc32.ChecksumIEEE(file.Data))
		a.entries = append(a.entries, testEntry{file: file, hasStream: true})
	}
	f.unpacked = raw
	data := raw
	for _, c := range coders {
		f.sizes = append(f.sizes, uint64(len(data)))
		data = c.Encode(a.tb, data)
	}
	f.packed = data
	a.folders = append(a.folders, f)
	return a
}

// Empty adds entries without data: directories and empty files.
func (a *Archive) Empty(files ...ArchiveFile) *Archive {
	for _, file := range files {
		a.entries = append(a.entries, testEntry{file: file})
	}
	return a
}

// FolderCRCs records folder CRCs in the unpack info.
func (a *Archive) FolderCRCs() *Archive {
	a.folderCRCs = true
	return a
}

// EncodeHeader stores the header itself compressed with coders.
func (a *Archive) EncodeHeader(coders ...Coder) *Archive {
	a.headerCoders = coders
	return a
}

// Bytes renders the container.
func (a *Archive) Bytes() []byte {
	a.tb.Helper()
	var packs []byte
	packSizes := make([]uint64, 0, len(a.folders))
	for _, f := range a.folders {
		packs = append(packs, f.packed...)
		packSizes = append(packSizes, uint64(len(f.packed)))
	}
	header := a.header(packSizes)

	if len(a.headerCoders) > 0 {
		hf := testFolder{coders: a.headerCoders, unpacked: header}
		data := header
		for _, c := range a.headerCoders {
			hf.sizes = append(hf.sizes, uint64(len(data)))
			data = c.Encode(a.tb, data)
		}
		hf.packed = data
		var h []byte
		h = appendNumber(h, 0x17)
		h = appendStreamsInfo(h, uint64(len(packs)), []uint64{uint64(len(data))}, []testFolder{hf}, true, false)
		packs = append(packs, data...)
		header = h
	}
	return Container(packs, header)
}

// Container frames pack data and a header with a signature header.
func Container(packs, header []byte) []byte {
	out := make([]byte, 32, 32+len(packs)+len(header))
	copy(out, []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C, 0, 4})
	binary.LittleEndian.PutUint64(out[12:20], uint64(len(packs)))
	binary.LittleEndian.PutUint64(out[20:28], uint64(len(header)))
	binary.LittleEndian.PutUint32(out[28:32], crc32.ChecksumIEEE(header))
	binary.LittleEndian.PutUint32(out[8:12], crc32.ChecksumIEEE(out[12:32]))
	out = append(out, packs...)
	return append(out, header...)
}

func (a *Archive) header(packSizes []uint64) []byte {
	var h []byte
	h = appendNumber(h, 0x01)
	if len(a.folders) > 0 {
		h = appendNumber(h, 0x04)
		h = appendStreamsInfo(h, 0, packSizes, a.folders, a.folderCRCs, true)
	}
	if len(a.entries) > 0 {
		h = a.appendFilesInfo(h)
	}
	return appendNumber(h, 0x00)
}

func appendStreamsInfo(h []byte, packPos uint64, packSizes []uint64, folders []testFolder, folderCRCs, subStreams bool) []byte {
	h = appendNumber(h, 0x06)
	h = appendNumber(h, packPos)
	h = appendNumber(h, uint64(len(packSizes)))
	h = appendNumber(h, 0x09)
	for _, s := range packSizes {
		h = appendNumber(h, s)
	}
	h = appendNumber(h, 0x00)

	h = appendNumber(h, 0x07)
	h = appendNumber(h, 0x0B)
	h = appendNumber(h, uint64(len(folders)))
	h = append(h, 0)
	for _, f := range folders {
		h = appendFolder(h, f)
	}
	h = appendNumber(h, 0x0C)
	for _, f := range folders {
		for _, s := range f.sizes {
			h = appendNumber(h, s)
		}
	}
	if folderCRCs {
		h = appendNumber(h, 0x0A)
		h = append(h, 1)
		for _, f := range folders {
			h = binary.LittleEndian.AppendUint32(h, crc32.ChecksumIEEE(f.unpacked))
		}
	}
	h = appendNumber(h, 0x00)

	if subStreams {
		h = appendNumber(h, 0x08)
		h = appendNumber(h, 0x0D)
		for _, f := range folders {
			h = appendNumber(h, uint64(len(f.streams)))
		}
		h = appendNumber(h, 0x09)
		for _, f := range folders {
			for i := 0; i+1 < len(f.streams); i++ {
				h = appendNumber(h, f.streams[i])
			}
		}
		var crcs []uint32
		for _, f := range folders {
			if folderCRCs && len(f.streams) == 1 {
				continue
			}
			crcs = append(crcs, f.crcs...)
		}
		if len(crcs) > 0 {
			h = appendNumber(h, 0x0A)
			h = append(h, 1)
			for _, c := range crcs {
				h = binary.LittleEndian.AppendUint32(h, c)
			}
		}
		h = appendNumber(h, 0x00)
	}
	return appendNumber(h, 0x00)
}

// appendFolder writes a chain of simple coders: coder i's input is bound to
// coder i+1's output, and the last coder reads the pack stream.
func appendFolder(h []byte, f testFolder) []byte {
	h = appendNumber(h, uint64(len(f.coders)))
	for _, c := range f.coders {
		flags := byte(len(c.ID))
		if len(c.Props) > 0 {
			flags |= 0x20
		}
		h = append(h, flags)
		h = append(h, c.ID...)
		if len(c.Props) > 0 {
			h = appendNumber(h, uint64(len(c.Props)))
			h = append(h, c.Props...)
		}
	}
	for i := 0; i+1 < len(f.coders); i++ {
		h = appendNumber(h, uint64(i))
		h = appendNumber(h, uint64(i+1))
	}
	return h
}

func (a *Archive) appendFilesInfo(h []byte) []byte {
	h = appendNumber(h, 0x05)
	h = appendNumber(h, uint64(len(a.entries)))

	n := len(a.entries)
	emptyStream := make([]bool, n)
	var emptyFile []bool
	anyEmpty := false
	for i, e := range a.entries {
		if !e.hasStream {
			emptyStream[i] = true
			emptyFile = append(emptyFile, !e.file.Dir)
			anyEmpty = true
		}
	}
	if anyEmpty {
		h = appendProperty(h, 0x0E, appendBits(nil, emptyStream))
		h = appendProperty(h, 0x0F, appendBits(nil, emptyFile))
	}

	var names []byte
	names = append(names, 0)
	for _, e := range a.entries {
		for _, u := range utf16.Encode([]rune(e.file.Name)) {
			names = binary.LittleEndian.AppendUint16(names, u)
		}
		names = append(names, 0, 0)
	}
	h = appendProperty(h, 0x11, names)

	mtimes := make([]bool, n)
	anyTime := false
	for i, e := range a.entries {
		mtimes[i] = !e.file.ModTime.IsZero()
		anyTime = anyTime || mtimes[i]
	}
	if anyTime {
		body := append([]byte{0}, appendBits(nil, mtimes)...)
		body = append(body, 0)
		for _, e := range a.entries {
			if !e.file.ModTime.IsZero() {
				body = binary.LittleEndian.AppendUint64(body, filetime(e.file.ModTime))
			}
		}
		h = appendProperty(h, 0x14, body)
	}

	attrs := make([]bool, n)
	anyAttr := false
	for i, e := range a.entries {
		attrs[i] = e.file.Attrib != 0 || e.file.Dir
		anyAttr = anyAttr || attrs[i]
	}
	if anyAttr {
		body := append([]byte{0}, appendBits(nil, attrs)...)
		body = append(body, 0)
		for _, e := range a.entries {
			attr := e.file.Attrib
			if e.file.Dir {
				attr |= 0x10
			}
			if attr != 0 {
				body = binary.LittleEndian.AppendUint32(body, attr)
			}
		}
		h = appendProperty(h, 0x15, body)
	}
	return appendNumber(h, 0x00)
}

func appendProperty(h []byte, id uint64, body []byte) []byte {
	h = appendNumber(h, id)
	h = appendNumber(h, uint64(len(body)))
	return append(h, body...)
}

func appendBits(b []byte, v []bool) []byte {
	var cur, mask byte = 0, 0x80
	for _, bit := range v {
		if bit {
			cur |= mask
		}
		mask >>= 1
		if mask == 0 {
			b = append(b, cur)
			cur, mask = 0, 0x80
		}
	}
	if mask != 0x80 {
		b = append(b, cur)
	}
	return b
}

func appendNumber(b []byte, v uint64) []byte {
	var first byte
	mask := byte(0x80)
	extra := 0
	for ; extra < 8; extra++ {
		if v < uint64(1)<<(7*(extra+1)) {
			first |= byte(v >> (8 * extra))
			break
		}
		first |= mask
		mask >>= 1
	}
	b = append(b, first)
	for i := range extra {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// AppendNumber exposes the header integer encoding for parser tests.
func AppendNumber(b []byte, v uint64) []byte {
	return appendNumber(b, v)
}

func filetime(t time.Time) uint64 {
	const epochDelta = 116444736000000000
	return uint64(t.UnixNano()/100) + epochDelta //nolint:gosec // test times are after 1970
}
