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

// Package store contains the low level database accessors for the engine's
// persisted state: jobs, contacts, provider results, the credit ledger and
// the enrichment caches. Values are JSON encoded; keys use single byte
// prefixes to keep the data types apart.
package store

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// SchemaVersion is bumped on incompatible layout changes.
const SchemaVersion = uint64(1)

// The fields below define the low level database schema prefixing. String key
// components (user ids, provider names, fingerprints) must not contain NUL,
// which is used as the component separator.
var (
	schemaVersionKey = []byte("SchemaVersion")

	jobPrefix        = []byte("j") // jobPrefix + job id -> job
	jobOwnerPrefix   = []byte("J") // jobOwnerPrefix + owner + sep + created (uint64 big endian) + job id -> job id
	submissionPrefix = []byte("s") // submissionPrefix + owner + sep + submission hash -> job id

	contactPrefix    = []byte("c") // contactPrefix + contact id -> contact
	jobContactPrefix = []byte("C") // jobContactPrefix + job id + seq (uint32 big endian) -> contact id

	resultPrefix = []byte("r") // resultPrefix + contact id + seq (uint16 big endian) -> provider result

	ledgerPrefix    = []byte("l") // ledgerPrefix + user + sep + seq (uint64 big endian) -> ledger entry
	ledgerSeqPrefix = []byte("L") // ledgerSeqPrefix + user -> last assigned seq (uint64 big endian)
	balancePrefix   = []byte("b") // balancePrefix + user -> balance

	cachePrefix      = []byte("g") // cachePrefix + fingerprint -> global cache entry
	cacheAliasPrefix = []byte("a") // cacheAliasPrefix + alias fingerprint -> primary fingerprint
	historyPrefix    = []byte("h") // historyPrefix + user + sep + fingerprint -> history entry

	counterDayPrefix      = []byte("q") // counterDayPrefix + user + sep + YYYY-MM-DD -> consumed (decimal string)
	counterMonthPrefix    = []byte("m") // counterMonthPrefix + user + sep + YYYY-MM -> consumed (decimal string)
	counterProviderPrefix = []byte("p") // counterProviderPrefix + user + sep + provider + sep + YYYY-MM -> consumed (decimal string)
)

const sep = byte(0x00)

// encodeUint64 encodes n as big endian, preserving key sort order.
func encodeUint64(n uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, n)
	return enc
}

func decodeUint64(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func encodeUint32(n uint32) []byte {
	enc := make([]byte, 4)
	binary.BigEndian.PutUint32(enc, n)
	return enc
}

func encodeUint16(n uint16) []byte {
	enc := make([]byte, 2)
	binary.BigEndian.PutUint16(enc, n)
	return enc
}

// jobKey = jobPrefix + id
func jobKey(id uuid.UUID) []byte {
	return append(jobPrefix, id[:]...)
}

// jobOwnerKey = jobOwnerPrefix + owner + sep + created + id
func jobOwnerKey(owner string, created uint64, id uuid.UUID) []byte {
	key := append(jobOwnerPrefix, owner...)
	key = append(key, sep)
	key = append(key, encodeUint64(created)...)
	return append(key, id[:]...)
}

// jobOwnerIterPrefix bounds iteration to one owner's jobs.
func jobOwnerIterPrefix(owner string) []byte {
	key := append(jobOwnerPrefix, owner...)
	return append(key, sep)
}

// submissionKey = submissionPrefix + owner + sep + hash
func submissionKey(owner, hash string) []byte {
	key := append(submissionPrefix, owner...)
	key = append(key, sep)
	return append(key, hash...)
}

// contactKey = contactPrefix + id
func contactKey(id uuid.UUID) []byte {
	return append(contactPrefix, id[:]...)
}

// jobContactKey = jobContactPrefix + job id + seq
func jobContactKey(jobID uuid.UUID, seq uint32) []byte {
	key := append(jobContactPrefix, jobID[:]...)
	return append(key, encodeUint32(seq)...)
}

func jobContactIterPrefix(jobID uuid.UUID) []byte {
	return append(jobContactPrefix, jobID[:]...)
}

// resultKey = resultPrefix + contact id + seq
func resultKey(contactID uuid.UUID, seq uint16) []byte {
	key := append(resultPrefix, contactID[:]...)
	return append(key, encodeUint16(seq)...)
}

func resultIterPrefix(contactID uuid.UUID) []byte {
	return append(resultPrefix, contactID[:]...)
}

// ledgerKey = ledgerPrefix + user + sep + seq
func ledgerKey(user string, seq uint64) []byte {
	key := append(ledgerPrefix, user...)
	key = append(key, sep)
	return append(key, encodeUint64(seq)...)
}

func ledgerIterPrefix(user string) []byte {
	key := append(ledgerPrefix, user...)
	return append(key, sep)
}

// ledgerSeqKey = ledgerSeqPrefix + user
func ledgerSeqKey(user string) []byte {
	return append(ledgerSeqPrefix, user...)
}

// balanceKey = balancePrefix + user
func balanceKey(user string) []byte {
	return append(balancePrefix, user...)
}

// cacheKey = cachePrefix + fingerprint
func cacheKey(fingerprint string) []byte {
	return append(cachePrefix, fingerprint...)
}

// cacheAliasKey = cacheAliasPrefix + alias
func cacheAliasKey(alias string) []byte {
	return append(cacheAliasPrefix, alias...)
}

// historyKey = historyPrefix + user + sep + fingerprint
func historyKey(user, fingerprint string) []byte {
	key := append(historyPrefix, user...)
	key = append(key, sep)
	return append(key, fingerprint...)
}

// counterDayKey = counterDayPrefix + user + sep + day (YYYY-MM-DD)
func counterDayKey(user, day string) []byte {
	key := append(counterDayPrefix, user...)
	key = append(key, sep)
	return append(key, day...)
}

// counterMonthKey = counterMonthPrefix + user + sep + month (YYYY-MM)
func counterMonthKey(user, month string) []byte {
	key := append(counterMonthPrefix, user...)
	key = append(key, sep)
	return append(key, month...)
}

// counterProviderKey = counterProviderPrefix + user + sep + provider + sep + month
func counterProviderKey(user, provider, month string) []byte {
	key := append(counterProviderPrefix, user...)
	key = append(key, sep)
	key = append(key, provider...)
	key = append(key, sep)
	return append(key, month...)
}

func counterProviderIterPrefix(user string) []byte {
	key := append(counterProviderPrefix, user...)
	return append(key, sep)
}
