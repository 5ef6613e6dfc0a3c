package vfs

import (
	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/core/sevenzip"
)

// Errors re-exported from core.
var (
	// ErrMalformedAddress is returned when address text cannot be parsed.
	ErrMalformedAddress = core.ErrMalformedAddress

	// ErrUnknownScheme is returned when no descriptor or backend serves a scheme.
	ErrUnknownScheme = core.ErrUnknownScheme

	// ErrOperationUnsupported is returned when a resource lacks a capability.
	ErrOperationUnsupported = core.ErrOperationUnsupported

	// ErrCorruptContainer is returned when an archive cannot be parsed.
	ErrCorruptContainer = core.ErrCorruptContainer

	// ErrUnsupportedCoder is returned when an entry uses a compression method
	// that cannot be decoded.
	ErrUnsupportedCoder = core.ErrUnsupportedCoder

	// ErrChecksumMismatch is returned when decoded content fails its CRC.
	ErrChecksumMismatch = core.ErrChecksumMismatch

	// ErrIOFailure wraps transport and storage failures.
	ErrIOFailure = core.ErrIOFailure

	// ErrNotExist is returned when a resource does not exist.
	ErrNotExist = core.ErrNotExist
)

// ErrUnsupportedFeature is returned for archive features that are not
// decoded, such as encrypted headers.
var ErrUnsupportedFeature = sevenzip.ErrUnsupportedFeature
