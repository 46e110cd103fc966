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
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/shopspring/decimal"
)

// ReadBalance retrieves a user's credit balance. Missing users surface
// kvdb.ErrNotFound; provisioning decides what that means.
func ReadBalance(db kvdb.KeyValueReader, user string) (*types.Balance, error) {
	data, err := db.Get(balanceKey(user))
	if err != nil {
		return nil, err
	}
	balance := new(types.Balance)
	if err := json.Unmarshal(data, balance); err != nil {
		return nil, fmt.Errorf("corrupt balance for %q: %w", user, err)
	}
	return balance, nil
}

// WriteBalance stores a user's credit balance.
func WriteBalance(db kvdb.KeyValueWriter, balance *types.Balance) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("encode balance for %q: %w", balance.UserID, err)
	}
	return db.Put(balanceKey(balance.UserID), data)
}

// ReadLedgerSeq returns the last assigned ledger sequence number for a user,
// zero if the user has no entries yet.
func ReadLedgerSeq(db kvdb.KeyValueReader, user string) (uint64, error) {
	data, err := db.Get(ledgerSeqKey(user))
	if err == kvdb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeUint64(data), nil
}

// WriteLedgerSeq stores the last assigned ledger sequence number for a user.
func WriteLedgerSeq(db kvdb.KeyValueWriter, user string, seq uint64) error {
	return db.Put(ledgerSeqKey(user), encodeUint64(seq))
}

// WriteLedgerEntry appends one ledger row under its per-user sequence. The
// caller owns sequence assignment; entries are never rewritten.
func WriteLedgerEntry(db kvdb.KeyValueWriter, entry *types.LedgerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode ledger entry %d for %q: %w", entry.Seq, entry.UserID, err)
	}
	return db.Put(ledgerKey(entry.UserID, entry.Seq), data)
}

// ReadLedgerEntries returns a user's ledger rows starting at fromSeq
// (inclusive), at most limit (or all remaining for limit <= 0), in sequence
// order.
func ReadLedgerEntries(db kvdb.Iteratee, user string, fromSeq uint64, limit int) ([]*types.LedgerEntry, error) {
	it := db.NewIterator(ledgerIterPrefix(user), encodeUint64(fromSeq))
	defer it.Release()

	var entries []*types.LedgerEntry
	for it.Next() {
		entry := new(types.LedgerEntry)
		if err := json.Unmarshal(it.Value(), entry); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry for %q: %w", user, err)
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, it.Error()
}

// readCounter loads a consumption counter, zero when absent.
func readCounter(db kvdb.KeyValueReader, key []byte) (decimal.Decimal, error) {
	data, err := db.Get(key)
	if err == kvdb.ErrNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	value, err := decimal.NewFromString(string(data))
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt counter %q: %w", key, err)
	}
	return value, nil
}

func writeCounter(db kvdb.KeyValueWriter, key []byte, value decimal.Decimal) error {
	return db.Put(key, []byte(value.String()))
}

// ReadDayCounter returns the credits a user consumed on the given day
// (YYYY-MM-DD).
func ReadDayCounter(db kvdb.KeyValueReader, user, day string) (decimal.Decimal, error) {
	return readCounter(db, counterDayKey(user, day))
}

// WriteDayCounter stores the credits a user consumed on the given day.
func WriteDayCounter(db kvdb.KeyValueWriter, user, day string, value decimal.Decimal) error {
	return writeCounter(db, counterDayKey(user, day), value)
}

// ReadMonthCounter returns the credits a user consumed in the given month
// (YYYY-MM).
func ReadMonthCounter(db kvdb.KeyValueReader, user, month string) (decimal.Decimal, error) {
	return readCounter(db, counterMonthKey(user, month))
}

// WriteMonthCounter stores the credits a user consumed in the given month.
func WriteMonthCounter(db kvdb.KeyValueWriter, user, month string, value decimal.Decimal) error {
	return writeCounter(db, counterMonthKey(user, month), value)
}

// ReadProviderCounter returns the credits a user consumed through one
// provider in the given month.
func ReadProviderCounter(db kvdb.KeyValueReader, user, provider, month string) (decimal.Decimal, error) {
	return readCounter(db, counterProviderKey(user, provider, month))
}

// WriteProviderCounter stores the credits a user consumed through one
// provider in the given month.
func WriteProviderCounter(db kvdb.KeyValueWriter, user, provider, month string, value decimal.Decimal) error {
	return writeCounter(db, counterProviderKey(user, provider, month), value)
}

// ReadProviderCounters returns a user's consumption per provider for one
// month. Providers without consumption that month are absent from the map.
func ReadProviderCounters(db kvdb.Iteratee, user, month string) (map[string]decimal.Decimal, error) {
	prefix := counterProviderIterPrefix(user)
	suffix := append([]byte{sep}, month...)
	it := db.NewIterator(prefix, nil)
	defer it.Release()

	counters := make(map[string]decimal.Decimal)
	for it.Next() {
		rest := it.Key()[len(prefix):]
		if !bytes.HasSuffix(rest, suffix) {
			continue
		}
		value, err := decimal.NewFromString(string(it.Value()))
		if err != nil {
			return nil, fmt.Errorf("corrupt provider counter %q: %w", it.Key(), err)
		}
		counters[string(rest[:len(rest)-len(suffix)])] = value
	}
	return counters, it.Error()
}
