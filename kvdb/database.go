// Copyright 2025 The Captely Authors
// This file is part of the cascade library.
//
// The cascade library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The cascade library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the cascade library. If not, see <http://www.gnu.org/licenses/>.

// Package kvdb defines the key-value database interfaces the engine persists
// through, with a LevelDB implementation for production and a memory-backed
// one for tests.
package kvdb

import (
	"errors"
	"io"
)

// ErrNotFound is returned by Get when the key is absent. Backends normalize
// their native miss errors to this value.
var ErrNotFound = errors.New("kvdb: not found")

// KeyValueReader wraps the Has and Get methods of a backing data store.
type KeyValueReader interface {
	// Has retrieves if a key is present in the key-value data store.
	Has(key []byte) (bool, error)

	// Get retrieves the given key if it's present in the key-value data store.
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	// Put inserts the given value into the key-value data store.
	Put(key []byte, value []byte) error

	// Delete removes the key from the key-value data store.
	Delete(key []byte) error
}

// Iterator walks a (sub)set of the keys in a data store in ascending key
// order. It must be released after use.
type Iterator interface {
	// Next moves the iterator to the next key/value pair. It returns false
	// when the iterator is exhausted.
	Next() bool

	// Error returns any accumulated error.
	Error() error

	// Key returns the key of the current pair, invalidated by Next.
	Key() []byte

	// Value returns the value of the current pair, invalidated by Next.
	Value() []byte

	// Release frees resources held by the iterator.
	Release()
}

// Iteratee wraps the NewIterator method of a backing data store.
type Iteratee interface {
	// NewIterator creates an iterator over a subset of the keys with a
	// particular prefix, starting at a particular initial key (or after, if
	// it does not exist).
	NewIterator(prefix []byte, start []byte) Iterator
}

// Batch is a write-only store that buffers changes until Write is called.
// A batch cannot be used concurrently.
type Batch interface {
	KeyValueWriter

	// ValueSize retrieves the amount of data queued up for writing.
	ValueSize() int

	// Write flushes any accumulated data to disk.
	Write() error

	// Reset resets the batch for reuse.
	Reset()

	// Replay replays the batch contents on the given writer.
	Replay(w KeyValueWriter) error
}

// Batcher wraps the NewBatch method of a backing data store.
type Batcher interface {
	// NewBatch creates a write-only database that buffers changes to its
	// host db until a final write is called.
	NewBatch() Batch
}

// Database is the full set of operations the persistence layer needs.
type Database interface {
	KeyValueReader
	KeyValueWriter
	Batcher
	Iteratee
	io.Closer
}
