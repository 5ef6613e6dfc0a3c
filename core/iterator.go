package core

import (
	"errors"
	"io"
	"iter"
)

// EntryIterator is a lazy, single-pass sequence of entries.
//
// Next returns io.EOF at the end of the sequence, and keeps returning it
// after exhaustion or Close. Close must be called on every exit path; it is
// safe to call more than once. An iterator is not safe for concurrent use.
type EntryIterator interface {
	Next() (Entry, error)
	Close() error
}

type iterState uint8

const (
	iterOpen iterState = iota
	iterProducing
	iterExhausted
	iterClosed
)

// Iterator is the EntryIterator used by every backend. It wraps a producer
// function in the Open → Producing → Exhausted/Closed state machine.
type Iterator struct {
	next    func() (Entry, error)
	release func() error
	state   iterState
}

// NewFuncIterator returns an iterator that calls next for each entry.
//
// next signals the end of the sequence with io.EOF. Any other error is
// returned once and ends the iteration. release, if non-nil, runs exactly
// once on the first Close.
func NewFuncIterator(next func() (Entry, error), release func() error) *Iterator {
	return &Iterator{next: next, release: release}
}

// NewSliceIterator returns an iterator over entries. Closing it is a no-op.
func NewSliceIterator(entries []Entry) *Iterator {
	i := 0
	return NewFuncIterator(func() (Entry, error) {
		if i >= len(entries) {
			return Entry{}, io.EOF
		}
		e := entries[i]
		i++
		return e, nil
	}, nil)
}

// NewSeqIterator returns an iterator pulling from seq. A non-nil error
// yielded by seq ends the iteration.
func NewSeqIterator(seq iter.Seq2[Entry, error]) *Iterator {
	pull, stop := iter.Pull2(seq)
	return NewFuncIterator(func() (Entry, error) {
		e, err, ok := pull()
		if !ok {
			return Entry{}, io.EOF
		}
		if err != nil {
			return Entry{}, err
		}
		return e, nil
	}, func() error {
		stop()
		return nil
	})
}

// Next returns the next entry or io.EOF.
func (it *Iterator) Next() (Entry, error) {
	switch it.state {
	case iterExhausted, iterClosed:
		return Entry{}, io.EOF
	}
	it.state = iterProducing
	e, err := it.next()
	if err != nil {
		it.state = iterExhausted
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, IOError(err)
	}
	return e, nil
}

// Close releases the producer.
func (it *Iterator) Close() error {
	if it.state == iterClosed {
		return nil
	}
	it.state = iterClosed
	release := it.release
	it.release = nil
	if release != nil {
		return release()
	}
	return nil
}

// Collect drains it into a slice and closes it.
func Collect(it EntryIterator) (entries []Entry, err error) {
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for {
		e, err := it.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

// All adapts it to a range-over-func sequence. The iterator is closed when
// the loop ends, whether by exhaustion, error or break.
func All(it EntryIterator) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		defer it.Close()
		for {
			e, err := it.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}
