package sevenzip

import (
	"time"

	"github.com/meigma/vfs/internal/sizing"
)

// Coder is one transform stage of a folder.
type Coder struct {
	// MethodID identifies the transform (e.g. 0x21 for LZMA2).
	MethodID []byte
	// NumIn is the number of packed-side slots the coder consumes.
	NumIn int
	// NumOut is the number of unpacked-side slots the coder produces.
	NumOut int
	// Properties are method specific.
	Properties []byte
}

// BindPair connects the output slot OutIndex of one coder to the input
// slot InIndex of another. Indices are folder-wide slot numbers.
type BindPair struct {
	InIndex  int
	OutIndex int
}

// Folder is a unit of decompression: a graph of coders fed by pack streams
// that produces one decoded output.
//
// Coders and slots are addressed by integer index; in-slots are numbered
// across coders in declaration order, and so are out-slots.
type Folder struct {
	Coders    []Coder
	BindPairs []BindPair
	// PackedStreams lists the in-slots fed directly by pack streams, in pack
	// stream order.
	PackedStreams []int
	// UnpackSizes holds the decoded size of every out-slot.
	UnpackSizes []uint64

	UnpackCRC        uint32
	UnpackCRCDefined bool
}

// NumInTotal returns the number of in-slots across all coders.
func (f *Folder) NumInTotal() int {
	n := 0
	for _, c := range f.Coders {
		n += c.NumIn
	}
	return n
}

// NumOutTotal returns the number of out-slots across all coders.
func (f *Folder) NumOutTotal() int {
	n := 0
	for _, c := range f.Coders {
		n += c.NumOut
	}
	return n
}

func (f *Folder) bindPairForIn(in int) int {
	for i, bp := range f.BindPairs {
		if bp.InIndex == in {
			return i
		}
	}
	return -1
}

func (f *Folder) bindPairForOut(out int) int {
	for i, bp := range f.BindPairs {
		if bp.OutIndex == out {
			return i
		}
	}
	return -1
}

func (f *Folder) packedStreamForIn(in int) int {
	for i, s := range f.PackedStreams {
		if s == in {
			return i
		}
	}
	return -1
}

// MainOutput returns the out-slot that no bind pair consumes. A folder must
// have exactly one; anything else is corrupt.
func (f *Folder) MainOutput() (int, error) {
	main := -1
	for out := range f.NumOutTotal() {
		if f.bindPairForOut(out) >= 0 {
			continue
		}
		if main >= 0 {
			return 0, corruptf("folder has more than one unbound output")
		}
		main = out
	}
	if main < 0 {
		return 0, corruptf("folder has no unbound output")
	}
	return main, nil
}

// UnpackSize returns the size of the folder's decoded output, or 0 when the
// folder is malformed.
func (f *Folder) UnpackSize() uint64 {
	main, err := f.MainOutput()
	if err != nil || main >= len(f.UnpackSizes) {
		return 0
	}
	return f.UnpackSizes[main]
}

// coderForOut maps a folder-wide out-slot to its coder and the slot's index
// within that coder.
func (f *Folder) coderForOut(out int) (coder, sub int) {
	for i, c := range f.Coders {
		if out < c.NumOut {
			return i, out
		}
		out -= c.NumOut
	}
	return -1, 0
}

// firstIn returns the folder-wide index of coder's first in-slot.
func (f *Folder) firstIn(coder int) int {
	n := 0
	for _, c := range f.Coders[:coder] {
		n += c.NumIn
	}
	return n
}

func (f *Folder) validate() error {
	if len(f.Coders) == 0 {
		return corruptf("folder has no coders")
	}
	numIn, numOut := f.NumInTotal(), f.NumOutTotal()
	if len(f.UnpackSizes) != numOut {
		return corruptf("folder declares %d unpack sizes for %d outputs", len(f.UnpackSizes), numOut)
	}
	if len(f.BindPairs) != numOut-1 {
		return corruptf("folder has %d bind pairs for %d outputs", len(f.BindPairs), numOut)
	}
	// An out-slot bound twice leaves two outputs unbound, which MainOutput
	// reports below.
	seenIn := make(map[int]bool, numIn)
	for _, bp := range f.BindPairs {
		if bp.InIndex < 0 || bp.InIndex >= numIn || bp.OutIndex < 0 || bp.OutIndex >= numOut {
			return corruptf("bind pair %d<-%d references a missing slot", bp.InIndex, bp.OutIndex)
		}
		if seenIn[bp.InIndex] {
			return corruptf("in-slot %d bound twice", bp.InIndex)
		}
		seenIn[bp.InIndex] = true
	}
	if len(f.PackedStreams) != numIn-len(f.BindPairs) {
		return corruptf("folder has %d packed streams for %d unbound inputs", len(f.PackedStreams), numIn-len(f.BindPairs))
	}
	for _, in := range f.PackedStreams {
		if in < 0 || in >= numIn || seenIn[in] {
			return corruptf("packed stream references in-slot %d", in)
		}
		seenIn[in] = true
	}
	_, err := f.MainOutput()
	return err
}

// File is one record of the files section.
type File struct {
	Name string

	// HasStream is false for directories and empty files.
	HasStream bool
	IsDir     bool
	IsAnti    bool

	Size       uint64
	CRC        uint32
	CRCDefined bool

	Attrib        uint32
	AttribDefined bool

	MTime time.Time
	CTime time.Time
	ATime time.Time
}

// Database is a decoded 7z header.
//
// It is populated by a single parse pass and immutable afterwards. PackSizes,
// PackCRCsDefined and PackCRCs are parallel; so are Folders and
// NumUnpackStreams.
type Database struct {
	// PackPos is the offset of the first pack stream, relative to the end of
	// the signature header.
	PackPos uint64

	PackSizes       []uint64
	PackCRCsDefined []bool
	PackCRCs        []uint32

	Folders          []Folder
	NumUnpackStreams []int

	Files []File

	// Derived by index.
	folderFirstPack []int
	packOffsets     []uint64
	folderFirstFile []int
	fileFolder      []int
	fileOffset      []uint64
}

// Clear resets the database to its empty state.
func (db *Database) Clear() {
	*db = Database{}
}

// Validate checks the cross-section invariants of a database.
func (db *Database) Validate() error {
	if len(db.PackCRCsDefined) != len(db.PackSizes) || len(db.PackCRCs) != len(db.PackSizes) {
		return corruptf("pack CRC vector has %d entries for %d pack streams", len(db.PackCRCsDefined), len(db.PackSizes))
	}
	if len(db.NumUnpackStreams) != len(db.Folders) {
		return corruptf("%d unpack stream counts for %d folders", len(db.NumUnpackStreams), len(db.Folders))
	}
	packed := 0
	for i := range db.Folders {
		if err := db.Folders[i].validate(); err != nil {
			return err
		}
		packed += len(db.Folders[i].PackedStreams)
	}
	if packed > len(db.PackSizes) {
		return corruptf("folders consume %d pack streams, %d declared", packed, len(db.PackSizes))
	}
	streams := 0
	for _, n := range db.NumUnpackStreams {
		if n < 0 {
			return corruptf("negative unpack stream count")
		}
		streams += n
	}
	withStream := 0
	for _, f := range db.Files {
		if f.HasStream {
			withStream++
		}
	}
	if streams != withStream {
		return corruptf("%d unpack streams for %d files with data", streams, withStream)
	}
	return nil
}

// index computes the pack stream offsets and the folder of every file.
// Folders with no unpack streams are skipped when matching files to folders.
func (db *Database) index() error {
	db.folderFirstPack = make([]int, len(db.Folders))
	next := 0
	for i := range db.Folders {
		db.folderFirstPack[i] = next
		next += len(db.Folders[i].PackedStreams)
	}

	db.packOffsets = make([]uint64, len(db.PackSizes))
	offset := db.PackPos
	for i, size := range db.PackSizes {
		db.packOffsets[i] = offset
		var ok bool
		if offset, ok = sizing.AddUint64(offset, size); !ok {
			return errSizeOverflow
		}
	}

	db.folderFirstFile = make([]int, len(db.Folders))
	for i := range db.folderFirstFile {
		db.folderFirstFile[i] = -1
	}
	db.fileFolder = make([]int, len(db.Files))
	db.fileOffset = make([]uint64, len(db.Files))

	folder, inFolder := 0, 0
	var folderOffset uint64
	for i, f := range db.Files {
		if !f.HasStream {
			db.fileFolder[i] = -1
			continue
		}
		if inFolder == 0 {
			for {
				if folder >= len(db.Folders) {
					return corruptf("file %q has no folder", f.Name)
				}
				db.folderFirstFile[folder] = i
				if db.NumUnpackStreams[folder] != 0 {
					break
				}
				folder++
			}
			folderOffset = 0
		}
		db.fileFolder[i] = folder
		db.fileOffset[i] = folderOffset
		var ok bool
		if folderOffset, ok = sizing.AddUint64(folderOffset, f.Size); !ok {
			return errSizeOverflow
		}
		if folderOffset > db.Folders[folder].UnpackSize() {
			return corruptf("files of folder %d exceed its unpack size", folder)
		}
		inFolder++
		if inFolder >= db.NumUnpackStreams[folder] {
			folder++
			inFolder = 0
		}
	}
	return nil
}

// FolderPackedSize returns the total size of the pack streams feeding folder.
func (db *Database) FolderPackedSize(folder int) uint64 {
	if folder < 0 || folder >= len(db.Folders) || len(db.folderFirstPack) != len(db.Folders) {
		return 0
	}
	var total uint64
	first := db.folderFirstPack[folder]
	for i := range db.Folders[folder].PackedStreams {
		total += db.PackSizes[first+i]
	}
	return total
}

// FileFolder returns the folder holding file i's data, or -1 for files
// without data.
func (db *Database) FileFolder(i int) int {
	if i < 0 || i >= len(db.fileFolder) {
		return -1
	}
	return db.fileFolder[i]
}
