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
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// minCache is the minimum amount of memory in megabytes to allocate to
	// leveldb read and write caching, split half and half.
	minCache = 16

	// minHandles is the minimum number of files handles to allocate to the
	// open database files.
	minHandles = 16
)

// LevelDB is a persistent key-value store backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at the given path. Cache
// is the total memory budget in megabytes, handles the file-handle budget;
// both are clamped to sane minimums.
func NewLevelDB(path string, cache, handles int, readonly bool) (*LevelDB, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	options := &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB, // two write buffers internally
		Filter:                 filter.NewBloomFilter(10),
		ReadOnly:               readonly,
	}
	db, err := leveldb.OpenFile(path, options)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, options)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Has retrieves if a key is present in the store.
func (d *LevelDB) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

// Get retrieves the given key if it's present in the store.
func (d *LevelDB) Get(key []byte) ([]byte, error) {
	data, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return data, err
}

// Put inserts the given value into the store.
func (d *LevelDB) Put(key []byte, value []byte) error {
	return d.db.Put(key, value, nil)
}

// Delete removes the key from the store.
func (d *LevelDB) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

// NewBatch creates a write-only batch buffering changes until Write.
func (d *LevelDB) NewBatch() Batch {
	return &ldbBatch{db: d.db, b: new(leveldb.Batch)}
}

// NewIterator creates an iterator over a subset of database content with a
// particular key prefix, starting at a particular initial key.
func (d *LevelDB) NewIterator(prefix []byte, start []byte) Iterator {
	r := util.BytesPrefix(prefix)
	if start != nil {
		r.Start = append(append([]byte{}, prefix...), start...)
	}
	return d.db.NewIterator(r, nil)
}

// Close flushes pending writes and closes the underlying store.
func (d *LevelDB) Close() error {
	return d.db.Close()
}

// ldbBatch wraps a leveldb batch with size accounting.
type ldbBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *ldbBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *ldbBatch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *ldbBatch) ValueSize() int {
	return b.size
}

func (b *ldbBatch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *ldbBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

func (b *ldbBatch) Replay(w KeyValueWriter) error {
	return b.b.Replay(&batchReplay{w: w})
}

// batchReplay adapts a KeyValueWriter to goleveldb's replay interface.
type batchReplay struct {
	w KeyValueWriter
}

func (r *batchReplay) Put(key, value []byte) {
	_ = r.w.Put(key, value)
}

func (r *batchReplay) Delete(key []byte) {
	_ = r.w.Delete(key)
}
