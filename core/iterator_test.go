package core

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(names ...string) []Entry {
	out := make([]Entry, len(names))
	for i, n := range names {
		out[i] = Entry{Path: n}
	}
	return out
}

func TestSliceIteratorExhaustion(t *testing.T) {
	t.Parallel()

	it := NewSliceIterator(entries("a", "b"))
	defer it.Close()

	e, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", e.Path)
	e, err = it.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", e.Path)

	for range 3 {
		_, err = it.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestIteratorCloseTwice(t *testing.T) {
	t.Parallel()

	var released int
	it := NewFuncIterator(func() (Entry, error) {
		return Entry{Path: "x"}, nil
	}, func() error {
		released++
		return nil
	})

	_, err := it.Next()
	require.NoError(t, err)
	assert.NoError(t, it.Close())
	assert.NoError(t, it.Close())
	assert.Equal(t, 1, released)

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIteratorCloseBeforeNext(t *testing.T) {
	t.Parallel()

	calls := 0
	it := NewFuncIterator(func() (Entry, error) {
		calls++
		return Entry{}, nil
	}, nil)
	require.NoError(t, it.Close())
	_, err := it.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, calls)
}

func TestIteratorProducerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	n := 0
	it := NewFuncIterator(func() (Entry, error) {
		n++
		if n == 2 {
			return Entry{}, boom
		}
		return Entry{Path: "ok"}, nil
	}, nil)
	defer it.Close()

	_, err := it.Next()
	require.NoError(t, err)

	_, err = it.Next()
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrIOFailure)

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF, "iteration ends after a producer error")
	assert.Equal(t, 2, n)
}

func TestSeqIterator(t *testing.T) {
	t.Parallel()

	stopped := false
	seq := func(yield func(Entry, error) bool) {
		defer func() { stopped = true }()
		for _, e := range entries("a", "b", "c") {
			if !yield(e, nil) {
				return
			}
		}
	}

	it := NewSeqIterator(seq)
	e, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", e.Path)

	require.NoError(t, it.Close())
	assert.True(t, stopped, "closing early stops the producer")
	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)

	got, err := Collect(NewSeqIterator(seq))
	require.NoError(t, err)
	assert.Equal(t, entries("a", "b", "c"), got)
}

func TestCollectReturnsPartialOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	seq := func(yield func(Entry, error) bool) {
		if !yield(Entry{Path: "a"}, nil) {
			return
		}
		yield(Entry{}, boom)
	}
	got, err := Collect(NewSeqIterator(seq))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, entries("a"), got)
}

func TestAll(t *testing.T) {
	t.Parallel()

	var released bool
	src := NewSliceIterator(entries("a", "b", "c"))
	it := NewFuncIterator(src.Next, func() error {
		released = true
		return nil
	})

	var names []string
	for e, err := range All(it) {
		require.NoError(t, err)
		names = append(names, e.Path)
		if e.Path == "b" {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, names)
	assert.True(t, released)
}
