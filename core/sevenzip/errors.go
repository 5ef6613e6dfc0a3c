package sevenzip

import (
	"errors"
	"fmt"

	"github.com/meigma/vfs/core"
)

var (
	// ErrUnsupportedFeature is returned for valid containers that use a
	// feature this package does not implement: encrypted headers, anti
	// items, external header data and additional streams.
	ErrUnsupportedFeature = errors.New("sevenzip: unsupported feature")

	// ErrHeaderTooLarge is returned when the archive header exceeds the
	// configured limit.
	ErrHeaderTooLarge = errors.New("sevenzip: header too large")

	errSizeOverflow = fmt.Errorf("%w: size overflows", core.ErrCorruptContainer)
)

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrCorruptContainer}, args...)...)
}

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnsupportedFeature}, args...)...)
}
