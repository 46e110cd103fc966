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

// Package types contains the data types of the enrichment engine: jobs,
// contacts, provider results, ledger entries and cache records.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an enrichment job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobPartial   JobState = "partial"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartial:
		return true
	}
	return false
}

func (s JobState) valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobPartial:
		return true
	}
	return false
}

// JobOrigin identifies the ingestion boundary a job arrived through.
type JobOrigin string

const (
	OriginCSV       JobOrigin = "csv"
	OriginAPI       JobOrigin = "api"
	OriginExtension JobOrigin = "extension"
)

func (o JobOrigin) valid() bool {
	switch o {
	case OriginCSV, OriginAPI, OriginExtension:
		return true
	}
	return false
}

// JobCounts aggregates the terminal contact outcomes of a job.
type JobCounts struct {
	Enriched int `json:"enriched"`
	NotFound int `json:"not_found"`
	Failed   int `json:"failed"`
}

// Total returns the number of contacts that reached a terminal status.
func (c JobCounts) Total() int {
	return c.Enriched + c.NotFound + c.Failed
}

// Job is a batch of contacts submitted for enrichment. A job owns its
// contacts; after reaching a terminal state only the observability fields
// (counts, timestamps) may still be written.
type Job struct {
	ID            uuid.UUID `json:"id"`
	Owner         string    `json:"owner"`
	State         JobState  `json:"state"`
	Origin        JobOrigin `json:"origin"`
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	Counts        JobCounts `json:"counts"`
	PartialReason string    `json:"partial_reason,omitempty"`

	// SubmissionHash fingerprints the submitted batch (owner + contact
	// fingerprints) so that re-submitting an identical batch can be
	// answered with the existing job.
	SubmissionHash string `json:"submission_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SanityCheck validates the internal consistency of a job record.
func (j *Job) SanityCheck() error {
	if j.ID == uuid.Nil {
		return errors.New("job has nil id")
	}
	if j.Owner == "" {
		return errors.New("job has no owner")
	}
	if !j.State.valid() {
		return fmt.Errorf("invalid job state %q", j.State)
	}
	if !j.Origin.valid() {
		return fmt.Errorf("invalid job origin %q", j.Origin)
	}
	if j.Completed > j.Total {
		return fmt.Errorf("job completed %d exceeds total %d", j.Completed, j.Total)
	}
	if j.State == JobCompleted && j.Completed != j.Total {
		return fmt.Errorf("completed job has %d/%d contacts done", j.Completed, j.Total)
	}
	return nil
}
