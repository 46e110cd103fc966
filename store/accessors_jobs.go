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

package store

import (
	"encoding/json"
	"fmt"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/google/uuid"
)

// ReadSchemaVersion retrieves the layout version of the database, zero if
// the database is fresh.
func ReadSchemaVersion(db kvdb.KeyValueReader) (uint64, error) {
	data, err := db.Get(schemaVersionKey)
	if err == kvdb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeUint64(data), nil
}

// WriteSchemaVersion stores the layout version of the database.
func WriteSchemaVersion(db kvdb.KeyValueWriter, version uint64) error {
	return db.Put(schemaVersionKey, encodeUint64(version))
}

// ReadJob retrieves the job with the given id.
func ReadJob(db kvdb.KeyValueReader, id uuid.UUID) (*types.Job, error) {
	data, err := db.Get(jobKey(id))
	if err != nil {
		return nil, err
	}
	job := new(types.Job)
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return job, nil
}

// WriteJob stores a job record.
func WriteJob(db kvdb.KeyValueWriter, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return db.Put(jobKey(job.ID), data)
}

// ReadAllJobs returns every stored job. Used by the resume scan on
// startup; the job table is small compared to contacts and ledger rows.
func ReadAllJobs(db kvdb.Iteratee) ([]*types.Job, error) {
	it := db.NewIterator(jobPrefix, nil)
	defer it.Release()

	var jobs []*types.Job
	for it.Next() {
		job := new(types.Job)
		if err := json.Unmarshal(it.Value(), job); err != nil {
			return nil, fmt.Errorf("corrupt job %x: %w", it.Key(), err)
		}
		jobs = append(jobs, job)
	}
	return jobs, it.Error()
}

// WriteJobOwnerIndex stores the owner index entry locating a job by its
// owner and creation time.
func WriteJobOwnerIndex(db kvdb.KeyValueWriter, job *types.Job) error {
	key := jobOwnerKey(job.Owner, uint64(job.CreatedAt.UnixNano()), job.ID)
	return db.Put(key, job.ID[:])
}

// ReadOwnerJobIDs returns the ids of all jobs belonging to an owner, in
// ascending creation order.
func ReadOwnerJobIDs(db kvdb.Iteratee, owner string) ([]uuid.UUID, error) {
	it := db.NewIterator(jobOwnerIterPrefix(owner), nil)
	defer it.Release()

	var ids []uuid.UUID
	for it.Next() {
		id, err := uuid.FromBytes(it.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt owner index for %q: %w", owner, err)
		}
		ids = append(ids, id)
	}
	return ids, it.Error()
}

// ReadSubmission resolves a previously submitted batch hash to its job id.
// The boolean is false when the owner never submitted this batch.
func ReadSubmission(db kvdb.KeyValueReader, owner, hash string) (uuid.UUID, bool, error) {
	data, err := db.Get(submissionKey(owner, hash))
	if err == kvdb.ErrNotFound {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.FromBytes(data)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt submission index: %w", err)
	}
	return id, true, nil
}

// WriteSubmission records the job id answering a batch submission hash.
func WriteSubmission(db kvdb.KeyValueWriter, owner, hash string, id uuid.UUID) error {
	return db.Put(submissionKey(owner, hash), id[:])
}
