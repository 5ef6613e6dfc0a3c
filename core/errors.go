package core

import (
	"errors"
	"io/fs"
)

// Sentinel errors shared by every backend. Callers match them with errors.Is;
// backends wrap them with context using fmt.Errorf("%w: ...") or OpError.
var (
	// ErrMalformedAddress is returned when a textual address cannot be parsed.
	ErrMalformedAddress = errors.New("vfs: malformed address")

	// ErrUnknownScheme is returned when no scheme descriptor is registered for a scheme.
	ErrUnknownScheme = errors.New("vfs: unknown scheme")

	// ErrOperationUnsupported is returned when a resource lacks the capability for an
	// operation, or the backend rejected it at execution time.
	ErrOperationUnsupported = errors.New("vfs: operation not supported")

	// ErrCorruptContainer is returned when a container's structure is inconsistent.
	// It is fatal to that parse attempt only.
	ErrCorruptContainer = errors.New("vfs: corrupt container")

	// ErrUnsupportedCoder is returned when an entry needs a transform that is not
	// implemented. It is fatal to that entry only.
	ErrUnsupportedCoder = errors.New("vfs: unsupported coder")

	// ErrChecksumMismatch is returned when decoded bytes fail their declared CRC.
	ErrChecksumMismatch = errors.New("vfs: checksum mismatch")

	// ErrIOFailure wraps transport and disk errors. It may be transient.
	ErrIOFailure = errors.New("vfs: i/o failure")

	// ErrRegistryInstalled is returned when Install is called more than once.
	ErrRegistryInstalled = errors.New("vfs: scheme registry already installed")

	// ErrNotExist is returned when a resource does not exist.
	ErrNotExist = fs.ErrNotExist
)

// OpError records a failed operation on a resource.
//
// It mirrors fs.PathError but carries the resource address. The address is
// rendered without its secret.
type OpError struct {
	Op      string
	Address Address
	Err     error
}

func (e *OpError) Error() string {
	return e.Op + " " + e.Address.String() + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IOError wraps a transport error so it matches ErrIOFailure while keeping the
// original error in the chain. Nil stays nil, and errors that already carry a
// taxonomy sentinel are returned unchanged.
func IOError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrIOFailure, ErrNotExist, ErrOperationUnsupported, ErrCorruptContainer,
		ErrUnsupportedCoder, ErrChecksumMismatch,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &ioError{err: err}
}

type ioError struct {
	err error
}

func (e *ioError) Error() string { return e.err.Error() }

func (e *ioError) Unwrap() []error { return []error{ErrIOFailure, e.err} }
