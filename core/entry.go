package core

import (
	"io/fs"
	"path"
	"strings"
	"time"
)

// Entry describes one item produced by a listing: a child of a native
// directory, or a record inside an archive container.
type Entry struct {
	// Path is slash separated. For native listings it is the child's name;
	// for archive records it is the path inside the container.
	Path string

	// Address locates the entry's resource when the producer knows it.
	Address Address

	// Size is the uncompressed size in bytes.
	Size int64

	// CompressedSize is the stored size, or Size when not compressed.
	// Archive entries sharing a folder report the folder's packed size on
	// the first entry and zero on the others.
	CompressedSize int64

	ModTime  time.Time
	Created  time.Time
	Accessed time.Time

	IsDir bool

	mode    fs.FileMode
	hasMode bool
	crc     uint32
	hasCRC  bool

	// Locator is backend specific data needed to open the entry's stream.
	Locator any
}

// WithMode returns a copy of e carrying permission bits.
func (e Entry) WithMode(mode fs.FileMode) Entry {
	e.mode, e.hasMode = mode, true
	return e
}

// WithCRC returns a copy of e carrying a CRC-32 (IEEE) of its content.
func (e Entry) WithCRC(crc uint32) Entry {
	e.crc, e.hasCRC = crc, true
	return e
}

// Mode returns the permission bits. ok is false when the producer has none.
func (e Entry) Mode() (mode fs.FileMode, ok bool) {
	return e.mode, e.hasMode
}

// CRC returns the CRC-32 of the content. ok is false when none was declared.
func (e Entry) CRC() (crc uint32, ok bool) {
	return e.crc, e.hasCRC
}

// Name returns the last path element.
func (e Entry) Name() string {
	p := strings.TrimSuffix(e.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Segments returns the path split into its elements.
func (e Entry) Segments() []string {
	p := NormalizePath(e.Path)
	if p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

// FileInfo adapts e to fs.FileInfo.
func (e Entry) FileInfo() fs.FileInfo {
	return entryInfo{e: e}
}

type entryInfo struct {
	e Entry
}

func (i entryInfo) Name() string       { return i.e.Name() }
func (i entryInfo) Size() int64        { return i.e.Size }
func (i entryInfo) ModTime() time.Time { return i.e.ModTime }
func (i entryInfo) IsDir() bool        { return i.e.IsDir }
func (i entryInfo) Sys() any           { return i.e.Locator }

func (i entryInfo) Mode() fs.FileMode {
	mode, ok := i.e.Mode()
	if !ok {
		mode = 0o644
		if i.e.IsDir {
			mode = 0o755
		}
	}
	mode = mode.Perm()
	if i.e.IsDir {
		mode |= fs.ModeDir
	}
	return mode
}
