// Package cache provides content-addressed storage for decoded archive data.
//
// Archive readers store the decoded output of a folder under a digest of
// the container's source identity and the folder index, so a second entry
// in the same folder, or a later read of the same entry, skips decoding.
package cache

import (
	"io"
	"io/fs"

	"github.com/opencontainers/go-digest"
)

// Cache stores byte content by digest.
//
// Implementations handle their own size limits and eviction policies and
// must be safe for concurrent use.
type Cache interface {
	// Get returns a file for reading cached content, or nil, false if the
	// key is not cached. Each call returns a new handle.
	Get(key digest.Digest) (fs.File, bool)

	// Put stores content read from r to completion. Storing a key that is
	// already cached is a no-op. An entry larger than the cache limit is
	// silently dropped.
	Put(key digest.Digest, r io.Reader) error

	// Delete removes cached content. Missing keys are a no-op.
	Delete(key digest.Digest) error

	// MaxBytes returns the configured size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current size in bytes.
	SizeBytes() int64

	// Prune removes entries until the cache is at or below targetBytes.
	// It returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}
