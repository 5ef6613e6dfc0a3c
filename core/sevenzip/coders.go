package sevenzip

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"

	"github.com/meigma/vfs/core"
)

// Method identifiers, as hex of the coder id bytes.
const (
	MethodCopy      = "00"
	MethodDelta     = "03"
	MethodLZMA      = "030101"
	MethodLZMA2     = "21"
	MethodDeflate   = "040108"
	MethodBZip2     = "040202"
	MethodZstd      = "04f71101"
	MethodLZ4       = "04f71104"
	MethodAES       = "06f10701"
	MethodBCJ       = "03030103"
	MethodBCJ2      = "0303011b"
	MethodPPMd      = "030401"
	MethodDeflate64 = "040109"
)

// coderEnv carries what a coder may need besides its input.
type coderEnv struct {
	props      []byte
	unpackSize uint64
	zstd       *zstdPool
}

type newCoderFunc func(in io.Reader, env coderEnv) (io.ReadCloser, error)

type method struct {
	name string
	open newCoderFunc
}

var methods = map[string]method{
	MethodCopy:    {"Copy", openCopy},
	MethodDelta:   {"Delta", openDelta},
	MethodLZMA:    {"LZMA", openLZMA},
	MethodLZMA2:   {"LZMA2", openLZMA2},
	MethodDeflate: {"Deflate", openDeflate},
	MethodBZip2:   {"BZip2", openBZip2},
	MethodZstd:    {"Zstd", openZstd},
	MethodLZ4:     {"LZ4", openLZ4},
}

// Names of methods that are recognised but not decoded.
var knownMethods = map[string]string{
	MethodAES:       "7zAES",
	MethodBCJ:       "BCJ",
	MethodBCJ2:      "BCJ2",
	MethodPPMd:      "PPMD",
	MethodDeflate64: "Deflate64",
}

// MethodName returns a readable name for a coder id.
func MethodName(id []byte) string {
	key := hex.EncodeToString(id)
	if m, ok := methods[key]; ok {
		return m.name
	}
	if name, ok := knownMethods[key]; ok {
		return name
	}
	return key
}

// Supported reports whether the coder id can be decoded.
func Supported(id []byte) bool {
	_, ok := methods[hex.EncodeToString(id)]
	return ok
}

func lookupMethod(c Coder) (method, error) {
	m, ok := methods[hex.EncodeToString(c.MethodID)]
	if !ok {
		return method{}, fmt.Errorf("%w: %s", core.ErrUnsupportedCoder, MethodName(c.MethodID))
	}
	if c.NumIn != 1 || c.NumOut != 1 {
		return method{}, fmt.Errorf("%w: %s with %d inputs and %d outputs", core.ErrUnsupportedCoder, m.name, c.NumIn, c.NumOut)
	}
	return m, nil
}

func openCopy(in io.Reader, _ coderEnv) (io.ReadCloser, error) {
	return io.NopCloser(in), nil
}

func openDelta(in io.Reader, env coderEnv) (io.ReadCloser, error) {
	dist := 1
	if len(env.props) > 0 {
		dist = int(env.props[0]) + 1
	}
	return io.NopCloser(&deltaReader{r: in, dist: byte(dist)}), nil
}

// deltaReader reverses the delta filter: every byte is stored as the
// difference from the byte dist positions earlier.
type deltaReader struct {
	r    io.Reader
	dist byte // 0 means 256
	hist [256]byte
	pos  byte
}

func (d *deltaReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	for i := range n {
		b := p[i] + d.hist[d.pos-d.dist]
		d.hist[d.pos] = b
		p[i] = b
		d.pos++
	}
	return n, err
}

// dictCap bounds a declared dictionary size by what the stream can use, so
// a large dictionary on a small stream does not drive a large allocation.
func dictCap(declared, unpackSize uint64) int {
	limit := max(unpackSize, uint64(lzma.MinDictCap))
	d := min(declared, limit)
	if d > math.MaxInt32 {
		d = math.MaxInt32
	}
	return max(int(d), lzma.MinDictCap)
}

func openLZMA(in io.Reader, env coderEnv) (io.ReadCloser, error) {
	if len(env.props) < 5 {
		return nil, corruptf("LZMA properties have %d bytes", len(env.props))
	}
	if env.unpackSize > math.MaxInt64 {
		return nil, errSizeOverflow
	}
	// The stream carries no header of its own; rebuild the classic one from
	// the coder properties and the known output size.
	hdr := make([]byte, 13)
	hdr[0] = env.props[0]
	declared := uint64(binary.LittleEndian.Uint32(env.props[1:5]))
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(dictCap(declared, env.unpackSize))) //nolint:gosec // bounded by dictCap
	binary.LittleEndian.PutUint64(hdr[5:13], env.unpackSize)
	r, err := lzma.NewReader(io.MultiReader(bytes.NewReader(hdr), in))
	if err != nil {
		return nil, corruptf("LZMA: %v", err)
	}
	return io.NopCloser(r), nil
}

func lzma2DictSize(p byte) (uint64, error) {
	if p > 40 {
		return 0, corruptf("LZMA2 dictionary property %d", p)
	}
	if p == 40 {
		return math.MaxUint32, nil
	}
	return uint64(2|(p&1)) << (p/2 + 11), nil
}

func openLZMA2(in io.Reader, env coderEnv) (io.ReadCloser, error) {
	if len(env.props) < 1 {
		return nil, corruptf("LZMA2 properties missing")
	}
	declared, err := lzma2DictSize(env.props[0])
	if err != nil {
		return nil, err
	}
	cfg := lzma.Reader2Config{DictCap: dictCap(declared, env.unpackSize)}
	r, err := cfg.NewReader2(in)
	if err != nil {
		return nil, corruptf("LZMA2: %v", err)
	}
	return io.NopCloser(r), nil
}

func openDeflate(in io.Reader, _ coderEnv) (io.ReadCloser, error) {
	return flate.NewReader(in), nil
}

func openBZip2(in io.Reader, _ coderEnv) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(in)), nil
}

func openZstd(in io.Reader, env coderEnv) (io.ReadCloser, error) {
	dec, release, err := env.zstd.get(in)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &zstdReader{dec: dec, release: release}, nil
}

func openLZ4(in io.Reader, _ coderEnv) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(in)), nil
}
