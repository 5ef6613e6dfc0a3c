package sevenzip

import (
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/vfs/core"
	"github.com/meigma/vfs/internal/testutil"
)

func TestReadNumber(t *testing.T) {
	t.Parallel()

	values := []uint64{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 1 << 20, 1<<56 - 1, 1 << 56, math.MaxUint64}
	for _, v := range values {
		buf := testutil.AppendNumber(nil, v)
		r := newHeaderReader(buf)
		got, err := r.readNumber()
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Zero(t, r.remaining(), "value %d left bytes", v)
	}

	_, err := newHeaderReader([]byte{0xC0, 0x01}).readNumber()
	require.ErrorIs(t, err, core.ErrCorruptContainer)
}

func TestReadBoolVector(t *testing.T) {
	t.Parallel()

	r := newHeaderReader([]byte{0b10100000, 0b10000000})
	v, err := r.readBoolVector(9)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, false, false, false, false, true}, v)

	r = newHeaderReader([]byte{1})
	v, err = r.readOptionalBoolVector(3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true}, v)
}

func TestReadNames(t *testing.T) {
	t.Parallel()

	r := newHeaderReader([]byte{'a', 0, 0, 0, 0xE9, 0, 'b', 0, 0, 0})
	names, err := r.readNames(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "éb"}, names)

	_, err = newHeaderReader([]byte{'a', 0}).readNames(1)
	require.ErrorIs(t, err, core.ErrCorruptContainer)
}

func copyFolder(size uint64) Folder {
	return Folder{
		Coders:        []Coder{{MethodID: []byte{0x00}, NumIn: 1, NumOut: 1}},
		PackedStreams: []int{0},
		UnpackSizes:   []uint64{size},
	}
}

func TestDatabaseValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Database {
		folders := make([]Folder, 5)
		for i := range folders {
			folders[i] = copyFolder(10)
		}
		files := make([]File, 5)
		for i := range files {
			files[i] = File{Name: string(rune('a' + i)), HasStream: true, Size: 10}
		}
		return &Database{
			PackSizes:        []uint64{10, 10, 10, 10, 10},
			PackCRCsDefined:  make([]bool, 5),
			PackCRCs:         make([]uint32, 5),
			Folders:          folders,
			NumUnpackStreams: []int{1, 1, 1, 1, 1},
			Files:            files,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Database)
	}{
		{"pack crc vector shorter than pack sizes", func(db *Database) {
			db.PackCRCsDefined = db.PackCRCsDefined[:4]
		}},
		{"unpack stream counts per folder", func(db *Database) {
			db.NumUnpackStreams = db.NumUnpackStreams[:4]
		}},
		{"unpack stream sum differs from files with data", func(db *Database) {
			db.NumUnpackStreams[0] = 2
		}},
		{"bind pair count mismatch", func(db *Database) {
			f := &db.Folders[1]
			f.Coders = append(f.Coders, Coder{MethodID: []byte{0x00}, NumIn: 1, NumOut: 1})
			f.UnpackSizes = []uint64{10, 10}
			f.BindPairs = []BindPair{{InIndex: 0, OutIndex: 1}, {InIndex: 1, OutIndex: 0}}
		}},
		{"packed stream on a bound in-slot", func(db *Database) {
			f := &db.Folders[1]
			f.Coders = append(f.Coders, Coder{MethodID: []byte{0x00}, NumIn: 1, NumOut: 1})
			f.UnpackSizes = []uint64{10, 10}
			f.BindPairs = []BindPair{{InIndex: 1, OutIndex: 0}}
			f.PackedStreams = []int{1}
		}},
		{"folders consume more pack streams", func(db *Database) {
			db.PackSizes = db.PackSizes[:4]
			db.PackCRCsDefined = db.PackCRCsDefined[:4]
			db.PackCRCs = db.PackCRCs[:4]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := valid()
			tt.mutate(db)
			require.ErrorIs(t, db.Validate(), core.ErrCorruptContainer)
		})
	}
}

func TestFolderMainOutput(t *testing.T) {
	t.Parallel()

	f := Folder{
		Coders: []Coder{
			{MethodID: []byte{0x03}, NumIn: 1, NumOut: 1},
			{MethodID: []byte{0x21}, NumIn: 1, NumOut: 1},
		},
		BindPairs:   []BindPair{{InIndex: 0, OutIndex: 1}},
		UnpackSizes: []uint64{7, 7},
	}
	out, err := f.MainOutput()
	require.NoError(t, err)
	assert.Equal(t, 0, out)
	assert.Equal(t, uint64(7), f.UnpackSize())

	f.BindPairs = nil
	_, err = f.MainOutput()
	require.ErrorIs(t, err, core.ErrCorruptContainer)
}

func TestFolderValidate_OutSlotBoundTwice(t *testing.T) {
	t.Parallel()

	f := Folder{
		Coders: []Coder{
			{MethodID: []byte{0x03}, NumIn: 1, NumOut: 1},
			{MethodID: []byte{0x03}, NumIn: 1, NumOut: 1},
			{MethodID: []byte{0x21}, NumIn: 1, NumOut: 1},
		},
		BindPairs:     []BindPair{{InIndex: 0, OutIndex: 1}, {InIndex: 1, OutIndex: 1}},
		PackedStreams: []int{2},
		UnpackSizes:   []uint64{7, 7, 7},
	}
	err := f.validate()
	require.ErrorIs(t, err, core.ErrCorruptContainer)
	assert.Contains(t, err.Error(), "more than one unbound output")

	f.BindPairs[1].OutIndex = 2
	require.NoError(t, f.validate())
}

func TestReadHeader_CountExceedsHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header []byte
	}{
		{"files", []byte{0x01, 0x05, 0xE1, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"pack streams", []byte{0x01, 0x04, 0x06, 0x00, 0xE1, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"folders", []byte{0x01, 0x04, 0x07, 0x0B, 0xE1, 0x00, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newHeaderReader(tt.header)
			_, err := r.readID()
			require.NoError(t, err)
			err = readHeader(r, &Database{})
			require.ErrorIs(t, err, core.ErrCorruptContainer)
			assert.Contains(t, err.Error(), "exceeds header size")
		})
	}
}

func TestDatabaseIndex(t *testing.T) {
	t.Parallel()

	db := &Database{
		PackSizes:        []uint64{4, 6},
		PackCRCsDefined:  make([]bool, 2),
		PackCRCs:         make([]uint32, 2),
		Folders:          []Folder{copyFolder(4), copyFolder(6)},
		NumUnpackStreams: []int{2, 1},
		Files: []File{
			{Name: "a", HasStream: true, Size: 1},
			{Name: "dir", IsDir: true},
			{Name: "b", HasStream: true, Size: 3},
			{Name: "c", HasStream: true, Size: 6},
		},
	}
	require.NoError(t, db.Validate())
	require.NoError(t, db.index())

	assert.Equal(t, []int{0, -1, 0, 1}, []int{db.FileFolder(0), db.FileFolder(1), db.FileFolder(2), db.FileFolder(3)})
	assert.Equal(t, uint64(1), db.fileOffset[2])
	assert.Equal(t, uint64(6), db.FolderPackedSize(1))

	db.Files[2].Size = 4
	require.ErrorIs(t, db.index(), core.ErrCorruptContainer)
}

func TestLZMA2DictSize(t *testing.T) {
	t.Parallel()

	size, err := lzma2DictSize(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<10), size)

	size, err = lzma2DictSize(22)
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), size)

	size, err = lzma2DictSize(40)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint32), size)

	_, err = lzma2DictSize(41)
	require.ErrorIs(t, err, core.ErrCorruptContainer)

	assert.Equal(t, 1<<16, dictCap(1<<30, 1<<16))
	assert.Equal(t, 1<<12, dictCap(1<<30, 3))
}

func TestDeltaReader(t *testing.T) {
	t.Parallel()

	rc, err := openDelta(bytes.NewReader([]byte{1, 1, 1, 1}), coderEnv{props: []byte{0}})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestEntryStream_ShortFolder(t *testing.T) {
	t.Parallel()

	s := newEntryStream("x", io.NopCloser(bytes.NewReader([]byte("abc"))), 5, 0, false)
	_, err := io.ReadAll(s)
	require.ErrorIs(t, err, core.ErrCorruptContainer)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestExactReader_Short(t *testing.T) {
	t.Parallel()

	_, err := io.ReadAll(&exactReader{r: bytes.NewReader([]byte("ab")), n: 4})
	require.ErrorIs(t, err, core.ErrCorruptContainer)

	got, err := io.ReadAll(&exactReader{r: bytes.NewReader([]byte("abcdef")), n: 4})
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}
