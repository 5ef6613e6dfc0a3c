package sevenzip

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"
)

// Signature is the magic prefix of every 7z container.
var Signature = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}

const (
	signatureHeaderSize = 32
	majorVersion        = 0
)

type propertyID uint64

const (
	idEnd                   propertyID = 0x00
	idHeader                propertyID = 0x01
	idArchiveProperties     propertyID = 0x02
	idAdditionalStreamsInfo propertyID = 0x03
	idMainStreamsInfo       propertyID = 0x04
	idFilesInfo             propertyID = 0x05
	idPackInfo              propertyID = 0x06
	idUnpackInfo            propertyID = 0x07
	idSubStreamsInfo        propertyID = 0x08
	idSize                  propertyID = 0x09
	idCRC                   propertyID = 0x0A
	idFolder                propertyID = 0x0B
	idCodersUnpackSize      propertyID = 0x0C
	idNumUnpackStream       propertyID = 0x0D
	idEmptyStream           propertyID = 0x0E
	idEmptyFile             propertyID = 0x0F
	idAnti                  propertyID = 0x10
	idName                  propertyID = 0x11
	idCTime                 propertyID = 0x12
	idATime                 propertyID = 0x13
	idMTime                 propertyID = 0x14
	idWinAttributes         propertyID = 0x15
	idComment               propertyID = 0x16
	idEncodedHeader         propertyID = 0x17
	idStartPos              propertyID = 0x18
	idDummy                 propertyID = 0x19
)

const (
	attrDirectory     = 0x10
	attrReadOnly      = 0x01
	attrUnixExtension = 0x8000
)

// startHeader locates the archive header.
type startHeader struct {
	nextHeaderOffset uint64
	nextHeaderSize   uint64
	nextHeaderCRC    uint32
}

func parseSignatureHeader(b []byte) (startHeader, error) {
	if len(b) < signatureHeaderSize || !bytes.Equal(b[:len(Signature)], Signature) {
		return startHeader{}, corruptf("not a 7z container")
	}
	if b[6] != majorVersion {
		return startHeader{}, corruptf("unsupported format version %d.%d", b[6], b[7])
	}
	want := binary.LittleEndian.Uint32(b[8:12])
	if got := crc32.ChecksumIEEE(b[12:32]); got != want {
		return startHeader{}, corruptf("start header CRC %08x, want %08x", got, want)
	}
	return startHeader{
		nextHeaderOffset: binary.LittleEndian.Uint64(b[12:20]),
		nextHeaderSize:   binary.LittleEndian.Uint64(b[20:28]),
		nextHeaderCRC:    binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// streamsInfo is the decoded content of a streams info block. Substream
// sizes and digests are flattened across folders.
type streamsInfo struct {
	packPos          uint64
	packSizes        []uint64
	packCRCsDefined  []bool
	packCRCs         []uint32
	folders          []Folder
	numUnpackStreams []int
	subSizes         []uint64
	subCRCsDefined   []bool
	subCRCs          []uint32
}

func readStreamsInfo(r *headerReader) (*streamsInfo, error) {
	si := &streamsInfo{}
	id, err := r.readID()
	if err != nil {
		return nil, err
	}
	if id == idPackInfo {
		if err := si.readPackInfo(r); err != nil {
			return nil, err
		}
		if id, err = r.readID(); err != nil {
			return nil, err
		}
	}
	if id == idUnpackInfo {
		if err := si.readUnpackInfo(r); err != nil {
			return nil, err
		}
		if id, err = r.readID(); err != nil {
			return nil, err
		}
	}
	if id == idSubStreamsInfo {
		if err := si.readSubStreamsInfo(r); err != nil {
			return nil, err
		}
		if id, err = r.readID(); err != nil {
			return nil, err
		}
	} else {
		si.defaultSubStreams()
	}
	if id != idEnd {
		return nil, corruptf("unexpected property %#x in streams info", uint64(id))
	}
	return si, nil
}

func (si *streamsInfo) readPackInfo(r *headerReader) error {
	var err error
	if si.packPos, err = r.readNumber(); err != nil {
		return err
	}
	n, err := r.readItemCount()
	if err != nil {
		return err
	}
	si.packSizes = make([]uint64, n)
	si.packCRCsDefined = make([]bool, n)
	si.packCRCs = make([]uint32, n)

	for {
		id, err := r.readID()
		if err != nil {
			return err
		}
		switch id {
		case idEnd:
			return nil
		case idSize:
			for i := range si.packSizes {
				if si.packSizes[i], err = r.readNumber(); err != nil {
					return err
				}
			}
		case idCRC:
			if si.packCRCsDefined, si.packCRCs, err = r.readDigests(n); err != nil {
				return err
			}
		default:
			if err := r.skipData(); err != nil {
				return err
			}
		}
	}
}

func (si *streamsInfo) readUnpackInfo(r *headerReader) error {
	id, err := r.readID()
	if err != nil {
		return err
	}
	if id != idFolder {
		return corruptf("expected folder list, got property %#x", uint64(id))
	}
	n, err := r.readItemCount()
	if err != nil {
		return err
	}
	external, err := r.readByte()
	if err != nil {
		return err
	}
	if external != 0 {
		return unsupportedf("external folder data")
	}
	si.folders = make([]Folder, n)
	for i := range si.folders {
		if err := readFolder(r, &si.folders[i]); err != nil {
			return err
		}
	}

	if id, err = r.readID(); err != nil {
		return err
	}
	if id != idCodersUnpackSize {
		return corruptf("expected coder unpack sizes, got property %#x", uint64(id))
	}
	for i := range si.folders {
		f := &si.folders[i]
		f.UnpackSizes = make([]uint64, f.NumOutTotal())
		for j := range f.UnpackSizes {
			if f.UnpackSizes[j], err = r.readNumber(); err != nil {
				return err
			}
		}
	}

	for {
		id, err := r.readID()
		if err != nil {
			return err
		}
		switch id {
		case idEnd:
			return nil
		case idCRC:
			defined, crcs, err := r.readDigests(n)
			if err != nil {
				return err
			}
			for i := range si.folders {
				si.folders[i].UnpackCRCDefined = defined[i]
				si.folders[i].UnpackCRC = crcs[i]
			}
		default:
			if err := r.skipData(); err != nil {
				return err
			}
		}
	}
}

const maxCodersPerFolder = 64

func readFolder(r *headerReader, f *Folder) error {
	numCoders, err := r.readCount()
	if err != nil {
		return err
	}
	if numCoders == 0 || numCoders > maxCodersPerFolder {
		return corruptf("folder has %d coders", numCoders)
	}
	f.Coders = make([]Coder, numCoders)
	for i := range f.Coders {
		c := &f.Coders[i]
		flags, err := r.readByte()
		if err != nil {
			return err
		}
		if flags&0xC0 != 0 {
			return unsupportedf("coder flags %#x", flags)
		}
		id, err := r.readBytes(int(flags & 0x0F))
		if err != nil {
			return err
		}
		c.MethodID = bytes.Clone(id)
		c.NumIn, c.NumOut = 1, 1
		if flags&0x10 != 0 {
			if c.NumIn, err = r.readCount(); err != nil {
				return err
			}
			if c.NumOut, err = r.readCount(); err != nil {
				return err
			}
			if c.NumIn > maxCodersPerFolder || c.NumOut > maxCodersPerFolder {
				return corruptf("coder has %d inputs and %d outputs", c.NumIn, c.NumOut)
			}
		}
		if flags&0x20 != 0 {
			size, err := r.readCount()
			if err != nil {
				return err
			}
			props, err := r.readBytes(size)
			if err != nil {
				return err
			}
			c.Properties = bytes.Clone(props)
		}
	}

	numOut, numIn := f.NumOutTotal(), f.NumInTotal()
	if numOut == 0 {
		return corruptf("folder has no outputs")
	}
	f.BindPairs = make([]BindPair, numOut-1)
	for i := range f.BindPairs {
		bp := &f.BindPairs[i]
		if bp.InIndex, err = r.readCount(); err != nil {
			return err
		}
		if bp.OutIndex, err = r.readCount(); err != nil {
			return err
		}
	}

	numPacked := numIn - len(f.BindPairs)
	if numPacked < 1 {
		return corruptf("folder has no packed streams")
	}
	if numPacked == 1 {
		for in := range numIn {
			if f.bindPairForIn(in) < 0 {
				f.PackedStreams = []int{in}
				break
			}
		}
		if len(f.PackedStreams) == 0 {
			return corruptf("folder has no unbound input")
		}
		return nil
	}
	f.PackedStreams = make([]int, numPacked)
	for i := range f.PackedStreams {
		if f.PackedStreams[i], err = r.readCount(); err != nil {
			return err
		}
	}
	return nil
}

func (si *streamsInfo) defaultSubStreams() {
	si.numUnpackStreams = make([]int, len(si.folders))
	si.subSizes = make([]uint64, len(si.folders))
	si.subCRCsDefined = make([]bool, len(si.folders))
	si.subCRCs = make([]uint32, len(si.folders))
	for i := range si.folders {
		f := &si.folders[i]
		si.numUnpackStreams[i] = 1
		si.subSizes[i] = f.UnpackSize()
		si.subCRCsDefined[i] = f.UnpackCRCDefined
		si.subCRCs[i] = f.UnpackCRC
	}
}

func (si *streamsInfo) readSubStreamsInfo(r *headerReader) error {
	si.numUnpackStreams = make([]int, len(si.folders))
	for i := range si.numUnpackStreams {
		si.numUnpackStreams[i] = 1
	}

	id, err := r.readID()
	if err != nil {
		return err
	}
	total := 0
	if id == idNumUnpackStream {
		for i := range si.numUnpackStreams {
			if si.numUnpackStreams[i], err = r.readCount(); err != nil {
				return err
			}
		}
		if id, err = r.readID(); err != nil {
			return err
		}
	}
	for _, n := range si.numUnpackStreams {
		total += n
	}
	// All but one stream of each folder carry an explicit size.
	if total > maxCount || total > r.remaining()+len(si.folders) {
		return corruptf("%d unpack streams", total)
	}

	si.subSizes = make([]uint64, 0, total)
	for i, n := range si.numUnpackStreams {
		if n == 0 {
			continue
		}
		if n > 1 && id != idSize {
			return corruptf("folder %d has %d streams but no sizes", i, n)
		}
		var sum uint64
		for range n - 1 {
			size, err := r.readNumber()
			if err != nil {
				return err
			}
			si.subSizes = append(si.subSizes, size)
			if sum += size; sum < size {
				return errSizeOverflow
			}
		}
		folderSize := si.folders[i].UnpackSize()
		if sum > folderSize {
			return corruptf("substreams of folder %d exceed its unpack size", i)
		}
		si.subSizes = append(si.subSizes, folderSize-sum)
	}
	if id == idSize {
		if id, err = r.readID(); err != nil {
			return err
		}
	}

	// Folders with a single stream and a folder CRC reuse it; every other
	// stream has its digest listed here.
	numDigests := 0
	for i, n := range si.numUnpackStreams {
		if n != 1 || !si.folders[i].UnpackCRCDefined {
			numDigests += n
		}
	}
	si.subCRCsDefined = make([]bool, total)
	si.subCRCs = make([]uint32, total)
	si.applyFolderCRCs(nil, nil)

	for id != idEnd {
		if id == idCRC {
			defined, crcs, err := r.readDigests(numDigests)
			if err != nil {
				return err
			}
			si.applyFolderCRCs(defined, crcs)
		} else if err := r.skipData(); err != nil {
			return err
		}
		if id, err = r.readID(); err != nil {
			return err
		}
	}
	return nil
}

// applyFolderCRCs fills the substream digests from folder CRCs and, when
// given, the explicit digest list.
func (si *streamsInfo) applyFolderCRCs(defined []bool, crcs []uint32) {
	stream, next := 0, 0
	for i, n := range si.numUnpackStreams {
		f := &si.folders[i]
		if n == 1 && f.UnpackCRCDefined {
			si.subCRCsDefined[stream] = true
			si.subCRCs[stream] = f.UnpackCRC
			stream++
			continue
		}
		for range n {
			if defined != nil {
				si.subCRCsDefined[stream] = defined[next]
				si.subCRCs[stream] = crcs[next]
				next++
			}
			stream++
		}
	}
}

func readArchiveProperties(r *headerReader) error {
	for {
		id, err := r.readID()
		if err != nil {
			return err
		}
		if id == idEnd {
			return nil
		}
		if err := r.skipData(); err != nil {
			return err
		}
	}
}

// readHeader parses a plain header into db.
func readHeader(r *headerReader, db *Database) error {
	id, err := r.readID()
	if err != nil {
		return err
	}
	if id == idArchiveProperties {
		if err := readArchiveProperties(r); err != nil {
			return err
		}
		if id, err = r.readID(); err != nil {
			return err
		}
	}
	if id == idAdditionalStreamsInfo {
		return unsupportedf("additional streams")
	}
	si := &streamsInfo{}
	if id == idMainStreamsInfo {
		if si, err = readStreamsInfo(r); err != nil {
			return err
		}
		if id, err = r.readID(); err != nil {
			return err
		}
	}
	db.PackPos = si.packPos
	db.PackSizes = orEmpty(si.packSizes)
	db.PackCRCsDefined = orEmpty(si.packCRCsDefined)
	db.PackCRCs = orEmpty(si.packCRCs)
	db.Folders = orEmpty(si.folders)
	db.NumUnpackStreams = orEmpty(si.numUnpackStreams)

	if id == idFilesInfo {
		if err := readFilesInfo(r, db, si); err != nil {
			return err
		}
		if id, err = r.readID(); err != nil {
			return err
		}
	} else if len(si.subSizes) > 0 {
		return corruptf("streams without files")
	}
	if id != idEnd {
		return corruptf("unexpected property %#x in header", uint64(id))
	}
	return nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func readFilesInfo(r *headerReader, db *Database, si *streamsInfo) error {
	n, err := r.readItemCount()
	if err != nil {
		return err
	}
	files := make([]File, n)
	var emptyStream, emptyFile, anti []bool
	numEmpty := 0

	for {
		id, err := r.readID()
		if err != nil {
			return err
		}
		if id == idEnd {
			break
		}
		size, err := r.readNumber()
		if err != nil {
			return err
		}
		p, err := r.sub(size)
		if err != nil {
			return err
		}

		switch id {
		case idName:
			if err := readExternal(p); err != nil {
				return err
			}
			names, err := p.readNames(n)
			if err != nil {
				return err
			}
			for i, name := range names {
				files[i].Name = name
			}
		case idWinAttributes:
			defined, err := p.readOptionalBoolVector(n)
			if err != nil {
				return err
			}
			if err := readExternal(p); err != nil {
				return err
			}
			for i := range files {
				if !defined[i] {
					continue
				}
				if files[i].Attrib, err = p.readUint32(); err != nil {
					return err
				}
				files[i].AttribDefined = true
			}
		case idEmptyStream:
			if emptyStream, err = p.readBoolVector(n); err != nil {
				return err
			}
			numEmpty = 0
			for _, e := range emptyStream {
				if e {
					numEmpty++
				}
			}
		case idEmptyFile:
			if emptyFile, err = p.readBoolVector(numEmpty); err != nil {
				return err
			}
		case idAnti:
			if anti, err = p.readBoolVector(numEmpty); err != nil {
				return err
			}
		case idCTime, idATime, idMTime:
			if err := readTimes(p, id, files); err != nil {
				return err
			}
		default:
			// Comments, start positions, padding and unknown properties
			// carry nothing an entry needs.
		}
	}

	stream, empty := 0, 0
	for i := range files {
		f := &files[i]
		f.HasStream = emptyStream == nil || !emptyStream[i]
		if f.HasStream {
			if stream >= len(si.subSizes) {
				return corruptf("more files with data than unpack streams")
			}
			f.Size = si.subSizes[stream]
			f.CRCDefined = si.subCRCsDefined[stream]
			f.CRC = si.subCRCs[stream]
			stream++
			continue
		}
		isEmptyFile := empty < len(emptyFile) && emptyFile[empty]
		f.IsAnti = empty < len(anti) && anti[empty]
		f.IsDir = !isEmptyFile || (f.AttribDefined && f.Attrib&attrDirectory != 0)
		empty++
		if f.IsAnti {
			return unsupportedf("anti item %q", f.Name)
		}
	}
	if stream != len(si.subSizes) {
		return corruptf("%d unpack streams for %d files with data", len(si.subSizes), stream)
	}
	db.Files = files
	return nil
}

func readExternal(r *headerReader) error {
	external, err := r.readByte()
	if err != nil {
		return err
	}
	if external != 0 {
		return unsupportedf("external file data")
	}
	return nil
}

// filetimeEpochDelta is the number of 100ns intervals between 1601-01-01
// and 1970-01-01.
const filetimeEpochDelta = 116444736000000000

func filetime(ft uint64) time.Time {
	const perSecond = 10_000_000
	sec := int64(ft/perSecond) - filetimeEpochDelta/perSecond
	nsec := int64(ft%perSecond) * 100
	return time.Unix(sec, nsec).UTC()
}

func readTimes(r *headerReader, id propertyID, files []File) error {
	defined, err := r.readOptionalBoolVector(len(files))
	if err != nil {
		return err
	}
	if err := readExternal(r); err != nil {
		return err
	}
	for i := range files {
		if !defined[i] {
			continue
		}
		ft, err := r.readUint64()
		if err != nil {
			return err
		}
		t := filetime(ft)
		switch id {
		case idCTime:
			files[i].CTime = t
		case idATime:
			files[i].ATime = t
		default:
			files[i].MTime = t
		}
	}
	return nil
}
