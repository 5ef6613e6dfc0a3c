// Package sizing provides overflow-checked size arithmetic for values read
// from untrusted container headers.
package sizing

import (
	"io"
	"math"
)

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// SumUint64 adds vals, returning (result, false) on overflow.
func SumUint64(vals ...uint64) (uint64, bool) {
	var total uint64
	for _, v := range vals {
		var ok bool
		if total, ok = AddUint64(total, v); !ok {
			return 0, false
		}
	}
	return total, true
}

// WithinRange reports whether [off, off+length) lies inside [0, size).
func WithinRange(off, length, size uint64) bool {
	end, ok := AddUint64(off, length)
	return ok && end <= size
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	data, err := io.ReadAll(&io.LimitedReader{R: r, N: limit})
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize {
		return nil, overflowErr
	}
	return data, nil
}
