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

package kvdb

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrMemoryDBClosed is returned when accessing an already closed memory
// database.
var ErrMemoryDBClosed = errors.New("kvdb: memory database closed")

// MemoryDB is an ephemeral key-value store for tests. Apart from the
// in-memory backing it fulfils the same contract as LevelDB, including
// sorted prefix iteration.
type MemoryDB struct {
	db   map[string][]byte
	lock sync.RWMutex
}

// NewMemoryDB returns an empty memory-backed database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{db: make(map[string][]byte)}
}

// Has retrieves if a key is present in the store.
func (d *MemoryDB) Has(key []byte) (bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.db == nil {
		return false, ErrMemoryDBClosed
	}
	_, ok := d.db[string(key)]
	return ok, nil
}

// Get retrieves the given key if it's present in the store.
func (d *MemoryDB) Get(key []byte) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.db == nil {
		return nil, ErrMemoryDBClosed
	}
	if entry, ok := d.db[string(key)]; ok {
		return append([]byte{}, entry...), nil
	}
	return nil, ErrNotFound
}

// Put inserts the given value into the store.
func (d *MemoryDB) Put(key []byte, value []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		return ErrMemoryDBClosed
	}
	d.db[string(key)] = append([]byte{}, value...)
	return nil
}

// Delete removes the key from the store.
func (d *MemoryDB) Delete(key []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		return ErrMemoryDBClosed
	}
	delete(d.db, string(key))
	return nil
}

// Len returns the number of stored entries.
func (d *MemoryDB) Len() int {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return len(d.db)
}

// NewBatch creates a write-only batch buffering changes until Write.
func (d *MemoryDB) NewBatch() Batch {
	return &memBatch{db: d}
}

// NewIterator creates a sorted iterator over a prefixed subset of the keys.
func (d *MemoryDB) NewIterator(prefix []byte, start []byte) Iterator {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var (
		pr    = string(prefix)
		first = pr + string(start)
		keys  = make([]string, 0, len(d.db))
	)
	// Collect the keys from the memory database corresponding to the given
	// prefix and start.
	for key := range d.db {
		if !strings.HasPrefix(key, pr) {
			continue
		}
		if key >= first {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		values = append(values, append([]byte{}, d.db[key]...))
	}
	return &memIterator{keys: keys, values: values, index: -1}
}

// Close deallocates the internal map, failing subsequent accesses.
func (d *MemoryDB) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.db = nil
	return nil
}

// keyvalue is a buffered batch operation.
type keyvalue struct {
	key    []byte
	value  []byte
	delete bool
}

// memBatch buffers writes until flushed into the host database.
type memBatch struct {
	db     *MemoryDB
	writes []keyvalue
	size   int
}

func (b *memBatch) Put(key, value []byte) error {
	b.writes = append(b.writes, keyvalue{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	b.size += len(key) + len(value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.writes = append(b.writes, keyvalue{
		key:    append([]byte{}, key...),
		delete: true,
	})
	b.size += len(key)
	return nil
}

func (b *memBatch) ValueSize() int {
	return b.size
}

func (b *memBatch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	if b.db.db == nil {
		return ErrMemoryDBClosed
	}
	for _, kv := range b.writes {
		if kv.delete {
			delete(b.db.db, string(kv.key))
			continue
		}
		b.db.db[string(kv.key)] = kv.value
	}
	return nil
}

func (b *memBatch) Reset() {
	b.writes = b.writes[:0]
	b.size = 0
}

func (b *memBatch) Replay(w KeyValueWriter) error {
	for _, kv := range b.writes {
		if kv.delete {
			if err := w.Delete(kv.key); err != nil {
				return err
			}
			continue
		}
		if err := w.Put(kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// memIterator walks a pre-collected, sorted snapshot of keys.
type memIterator struct {
	keys   []string
	values [][]byte
	index  int
}

func (it *memIterator) Next() bool {
	if it.index >= len(it.keys) {
		return false
	}
	it.index++
	return it.index < len(it.keys)
}

func (it *memIterator) Error() error {
	return nil
}

func (it *memIterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.index])
}

func (it *memIterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return it.values[it.index]
}

func (it *memIterator) Release() {
	it.keys, it.values = nil, nil
}
