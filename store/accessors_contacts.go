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
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/google/uuid"
)

// ReadContact retrieves the contact with the given id.
func ReadContact(db kvdb.KeyValueReader, id uuid.UUID) (*types.Contact, error) {
	data, err := db.Get(contactKey(id))
	if err != nil {
		return nil, err
	}
	contact := new(types.Contact)
	if err := json.Unmarshal(data, contact); err != nil {
		return nil, fmt.Errorf("corrupt contact %s: %w", id, err)
	}
	return contact, nil
}

// WriteContact stores a contact record.
func WriteContact(db kvdb.KeyValueWriter, contact *types.Contact) error {
	data, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("encode contact %s: %w", contact.ID, err)
	}
	return db.Put(contactKey(contact.ID), data)
}

// WriteJobContactIndex stores the position of a contact within its job.
func WriteJobContactIndex(db kvdb.KeyValueWriter, jobID uuid.UUID, seq uint32, contactID uuid.UUID) error {
	return db.Put(jobContactKey(jobID, seq), contactID[:])
}

// ReadJobContactIDs returns the contact ids of a job in submission order,
// skipping offset entries and returning at most limit (or all remaining for
// limit <= 0).
func ReadJobContactIDs(db kvdb.Iteratee, jobID uuid.UUID, offset, limit int) ([]uuid.UUID, error) {
	it := db.NewIterator(jobContactIterPrefix(jobID), nil)
	defer it.Release()

	var ids []uuid.UUID
	for it.Next() {
		if offset > 0 {
			offset--
			continue
		}
		id, err := uuid.FromBytes(it.Value())
		if err != nil {
			return nil, fmt.Errorf("corrupt contact index for job %s: %w", jobID, err)
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, it.Error()
}

// WriteProviderResult appends one provider consultation outcome. Results are
// never rewritten: the (contact, seq) pair is unique per walk step.
func WriteProviderResult(db kvdb.KeyValueWriter, result *types.ProviderResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result for contact %s: %w", result.ContactID, err)
	}
	return db.Put(resultKey(result.ContactID, result.Seq), data)
}

// NextProviderResultSeq returns the sequence number the next provider result
// row of the contact must carry. Rows from earlier attempts keep their keys:
// a retried or crash-resumed contact appends after them.
func NextProviderResultSeq(db kvdb.Iteratee, contactID uuid.UUID) (uint16, error) {
	it := db.NewIterator(resultIterPrefix(contactID), nil)
	defer it.Release()

	var next uint16
	for it.Next() {
		key := it.Key()
		next = binary.BigEndian.Uint16(key[len(key)-2:]) + 1
	}
	return next, it.Error()
}

// ReadProviderResults returns all provider results recorded for a contact in
// cascade walk order.
func ReadProviderResults(db kvdb.Iteratee, contactID uuid.UUID) ([]*types.ProviderResult, error) {
	it := db.NewIterator(resultIterPrefix(contactID), nil)
	defer it.Release()

	var results []*types.ProviderResult
	for it.Next() {
		result := new(types.ProviderResult)
		if err := json.Unmarshal(it.Value(), result); err != nil {
			return nil, fmt.Errorf("corrupt result for contact %s: %w", contactID, err)
		}
		results = append(results, result)
	}
	return results, it.Error()
}
