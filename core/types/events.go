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

package types

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JobProgressEvent is emitted after every contact that reaches a terminal
// status. Completed counts terminal contacts only; contacts skipped by a
// cancellation never appear here.
type JobProgressEvent struct {
	JobID     uuid.UUID     `json:"job_id"`
	ContactID uuid.UUID     `json:"contact_id"`
	Outcome   ContactStatus `json:"outcome"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
}

// JobCompletedEvent is emitted once when a job reaches a terminal state.
type JobCompletedEvent struct {
	JobID  uuid.UUID `json:"job_id"`
	State  JobState  `json:"state"`
	Counts JobCounts `json:"counts"`
	Reason string    `json:"reason,omitempty"`
}

// LowCreditEvent is emitted when a user's remaining credits drop below
// the configured threshold, once per crossing.
type LowCreditEvent struct {
	UserID    string          `json:"user_id"`
	Remaining decimal.Decimal `json:"remaining"`
}
