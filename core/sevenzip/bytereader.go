package sevenzip

import (
	"encoding/binary"
	"unicode/utf16"
)

// maxCount bounds every count read from a header. Real archives stay far
// below it; it keeps a corrupt count from driving a huge allocation.
const maxCount = 1 << 24

// headerReader decodes the primitive types of a 7z header from a buffer.
type headerReader struct {
	buf []byte
	off int
}

func newHeaderReader(buf []byte) *headerReader {
	return &headerReader{buf: buf}
}

func (r *headerReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *headerReader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, corruptf("header truncated")
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *headerReader) readBytes(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, corruptf("header truncated")
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *headerReader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *headerReader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readNumber decodes the variable length integer encoding: the count of
// leading one bits in the first byte is the number of extra little-endian
// bytes, and the remaining low bits of the first byte are the high bits.
func (r *headerReader) readNumber() (uint64, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	var value uint64
	mask := byte(0x80)
	for i := range 8 {
		if first&mask == 0 {
			high := uint64(first & (mask - 1))
			return value | high<<(8*i), nil
		}
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b) << (8 * i)
		mask >>= 1
	}
	return value, nil
}

// readCount reads a number used as an element count or index.
func (r *headerReader) readCount() (int, error) {
	n, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if n > maxCount {
		return 0, corruptf("count %d out of range", n)
	}
	return int(n), nil
}

// readItemCount reads the length of a list whose items each take at least
// one header byte, so it can never exceed what is left of the header.
func (r *headerReader) readItemCount() (int, error) {
	n, err := r.readCount()
	if err != nil {
		return 0, err
	}
	if n > r.remaining() {
		return 0, corruptf("count %d exceeds header size", n)
	}
	return n, nil
}

// readID reads a property id.
func (r *headerReader) readID() (propertyID, error) {
	n, err := r.readNumber()
	return propertyID(n), err
}

// readBoolVector reads n bits, most significant bit first.
func (r *headerReader) readBoolVector(n int) ([]bool, error) {
	v := make([]bool, n)
	var b byte
	var mask byte
	for i := range n {
		if mask == 0 {
			var err error
			if b, err = r.readByte(); err != nil {
				return nil, err
			}
			mask = 0x80
		}
		v[i] = b&mask != 0
		mask >>= 1
	}
	return v, nil
}

// readOptionalBoolVector reads the "all defined" byte followed, when it is
// zero, by an explicit bit vector.
func (r *headerReader) readOptionalBoolVector(n int) ([]bool, error) {
	all, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if all == 0 {
		return r.readBoolVector(n)
	}
	v := make([]bool, n)
	for i := range v {
		v[i] = true
	}
	return v, nil
}

// readDigests reads n optional CRC-32 values.
func (r *headerReader) readDigests(n int) (defined []bool, crcs []uint32, err error) {
	defined, err = r.readOptionalBoolVector(n)
	if err != nil {
		return nil, nil, err
	}
	crcs = make([]uint32, n)
	for i := range n {
		if !defined[i] {
			continue
		}
		if crcs[i], err = r.readUint32(); err != nil {
			return nil, nil, err
		}
	}
	return defined, crcs, nil
}

// sub returns a reader over the next n bytes and advances past them.
func (r *headerReader) sub(n uint64) (*headerReader, error) {
	if n > uint64(r.remaining()) {
		return nil, corruptf("property size %d exceeds header", n)
	}
	b, _ := r.readBytes(int(n)) //nolint:errcheck // bounds checked above
	return newHeaderReader(b), nil
}

// skipData skips a size-prefixed property body.
func (r *headerReader) skipData() error {
	n, err := r.readNumber()
	if err != nil {
		return err
	}
	_, err = r.sub(n)
	return err
}

// readNames decodes n null-terminated UTF-16LE strings.
func (r *headerReader) readNames(n int) ([]string, error) {
	names := make([]string, 0, n)
	var units []uint16
	for len(names) < n {
		b, err := r.readBytes(2)
		if err != nil {
			return nil, corruptf("file names truncated")
		}
		u := binary.LittleEndian.Uint16(b)
		if u == 0 {
			names = append(names, string(utf16.Decode(units)))
			units = units[:0]
			continue
		}
		units = append(units, u)
	}
	return names, nil
}
