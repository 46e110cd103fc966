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

package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/captely/cascade/cache"
	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/kvdb"
	"github.com/captely/cascade/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrJobNotFound is returned for operations on an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrEngineStopped is returned when submitting to a stopped engine.
	ErrEngineStopped = errors.New("engine stopped")
)

// InvalidInputError rejects a submission at the boundary, before any side
// effect.
type InvalidInputError struct {
	Index  int
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Index < 0 {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: contact %d: %s", e.Index, e.Reason)
}

// IsInvalidInput reports whether err is a boundary rejection.
func IsInvalidInput(err error) bool {
	var ie *InvalidInputError
	return errors.As(err, &ie)
}

// JobFilter narrows a ListJobs query. Zero values match everything.
type JobFilter struct {
	State  types.JobState
	Origin types.JobOrigin
	Limit  int
}

// jobRun is the in-memory side of a job the engine is working on. The
// persisted job record inside is guarded by mu; identity fields (id,
// owner, total) are immutable and read freely.
type jobRun struct {
	job    *types.Job
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	drained   int // contacts that left the queue, terminal or skipped
	cancelled bool
}

// workItem is one contact travelling through the worker pool.
type workItem struct {
	run     *jobRun
	contact *types.Contact
}

// SubmitJob validates a batch, persists it and feeds it to the worker
// pool. The enqueue blocks when the pool's queue is full, which is the
// backpressure the caller is supposed to feel. Identical batches dedupe
// onto the live (or completed) prior job.
func (e *Engine) SubmitJob(ctx context.Context, owner string, origin types.JobOrigin, seeds []types.ContactSeed) (uuid.UUID, error) {
	if owner == "" {
		return uuid.Nil, &InvalidInputError{Index: -1, Reason: "empty owner"}
	}
	if len(seeds) == 0 {
		return uuid.Nil, &InvalidInputError{Index: -1, Reason: "empty batch"}
	}
	for i := range seeds {
		if !seeds[i].Identifiable() {
			return uuid.Nil, &InvalidInputError{Index: i, Reason: "needs first+last+company or a profile url"}
		}
	}
	if origin == "" {
		origin = types.OriginAPI
	}

	hash := submissionHash(owner, seeds)
	if id, ok, err := store.ReadSubmission(e.db, owner, hash); err != nil {
		return uuid.Nil, err
	} else if ok {
		prior, err := store.ReadJob(e.db, id)
		if err != nil && err != kvdb.ErrNotFound {
			return uuid.Nil, err
		}
		// Failed and partial runs may be retried with the same batch;
		// anything else is answered with the existing job.
		if prior != nil && prior.State != types.JobFailed && prior.State != types.JobPartial {
			e.log.Debug("submission deduplicated", zap.String("job", id.String()), zap.String("owner", owner))
			return id, nil
		}
	}

	now := e.clock()
	job := &types.Job{
		ID:             uuid.New(),
		Owner:          owner,
		State:          types.JobPending,
		Origin:         origin,
		Total:          len(seeds),
		SubmissionHash: hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := job.SanityCheck(); err != nil {
		return uuid.Nil, &InvalidInputError{Index: -1, Reason: err.Error()}
	}

	contacts := make([]*types.Contact, len(seeds))
	batch := e.db.NewBatch()
	if err := store.WriteJob(batch, job); err != nil {
		return uuid.Nil, err
	}
	if err := store.WriteJobOwnerIndex(batch, job); err != nil {
		return uuid.Nil, err
	}
	if err := store.WriteSubmission(batch, owner, hash, job.ID); err != nil {
		return uuid.Nil, err
	}
	for i, seed := range seeds {
		contacts[i] = types.NewContact(job.ID, seed, now)
		if err := store.WriteContact(batch, contacts[i]); err != nil {
			return uuid.Nil, err
		}
		if err := store.WriteJobContactIndex(batch, job.ID, uint32(i), contacts[i].ID); err != nil {
			return uuid.Nil, err
		}
	}
	if err := batch.Write(); err != nil {
		return uuid.Nil, err
	}

	run, err := e.register(job)
	if err != nil {
		return uuid.Nil, err
	}
	e.metrics.JobsSubmitted.Inc()
	e.log.Info("job submitted",
		zap.String("job", job.ID.String()),
		zap.String("owner", owner),
		zap.String("origin", string(origin)),
		zap.Int("contacts", len(seeds)))

	if err := e.enqueue(ctx, run, contacts); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// register marks the job running, persists the transition and installs the
// in-memory run.
func (e *Engine) register(job *types.Job) (*jobRun, error) {
	job.State = types.JobRunning
	job.UpdatedAt = e.clock()
	if err := store.WriteJob(e.db, job); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(e.rootCtx)
	run := &jobRun{job: job, ctx: runCtx, cancel: cancel}

	e.runsMu.Lock()
	e.runs[job.ID] = run
	e.runsMu.Unlock()
	e.metrics.JobsActive.Inc()
	return run, nil
}

// enqueue feeds contacts to the pool, blocking on a full queue. A
// cancellation or engine stop leaves the rest pending; cancelled leftovers
// still count as drained so the job can settle.
func (e *Engine) enqueue(ctx context.Context, run *jobRun, contacts []*types.Contact) error {
	for i, contact := range contacts {
		select {
		case e.workCh <- workItem{run: run, contact: contact}:
		case <-run.ctx.Done():
			e.skipRemaining(run, len(contacts)-i)
			return nil
		case <-ctx.Done():
			e.skipRemaining(run, len(contacts)-i)
			return ctx.Err()
		case <-e.quit:
			// Engine stopping; the persisted job resumes on restart.
			return ErrEngineStopped
		}
	}
	return nil
}

// skipRemaining accounts for contacts that will never be enqueued in this
// run, so a cancelled job can still reach its terminal state.
func (e *Engine) skipRemaining(run *jobRun, n int) {
	if n == 0 {
		return
	}
	run.mu.Lock()
	run.drained += n
	finished := run.drained == run.job.Total
	run.mu.Unlock()
	if finished {
		e.finalizeJob(run)
	}
}

// contactDone is called by a worker after an item left the cascade,
// whether it reached a terminal status or was skipped by a cancellation.
func (e *Engine) contactDone(run *jobRun, contact *types.Contact) {
	terminal := contact.EnrichmentStatus.Terminal()

	run.mu.Lock()
	run.drained++
	if terminal {
		run.job.Completed++
		switch contact.EnrichmentStatus {
		case types.StatusEnriched:
			run.job.Counts.Enriched++
		case types.StatusNotFound:
			run.job.Counts.NotFound++
		case types.StatusFailed:
			run.job.Counts.Failed++
		}
		run.job.UpdatedAt = e.clock()
		if err := store.WriteJob(e.db, run.job); err != nil {
			e.log.Error("persisting job progress", zap.String("job", run.job.ID.String()), zap.Error(err))
		}
	}
	progress := types.JobProgressEvent{
		JobID:     run.job.ID,
		ContactID: contact.ID,
		Outcome:   contact.EnrichmentStatus,
		Completed: run.job.Completed,
		Total:     run.job.Total,
	}
	finished := run.drained == run.job.Total
	run.mu.Unlock()

	if terminal {
		e.progressFeed.Send(progress)
	}
	if finished {
		e.finalizeJob(run)
	}
}

// finalizeJob settles a fully drained run. Cancelled jobs end partial;
// fully processed ones end completed. A drain caused by an engine stop
// leaves the job running in the store for the next resume.
func (e *Engine) finalizeJob(run *jobRun) {
	run.mu.Lock()
	job := run.job
	var state types.JobState
	switch {
	case run.cancelled:
		state = types.JobPartial
		job.PartialReason = string(types.FailureCancelled)
	case job.Completed == job.Total:
		state = types.JobCompleted
	default:
		run.mu.Unlock()
		e.unregister(job.ID)
		return
	}
	job.State = state
	job.UpdatedAt = e.clock()
	if err := store.WriteJob(e.db, job); err != nil {
		e.log.Error("persisting finished job", zap.String("job", job.ID.String()), zap.Error(err))
	}
	completed := types.JobCompletedEvent{
		JobID:  job.ID,
		State:  state,
		Counts: job.Counts,
		Reason: job.PartialReason,
	}
	run.mu.Unlock()

	e.unregister(job.ID)
	e.metrics.JobsFinished.WithLabelValues(string(state)).Inc()
	e.completedFeed.Send(completed)
	e.log.Info("job finished",
		zap.String("job", job.ID.String()),
		zap.String("state", string(state)),
		zap.Int("enriched", completed.Counts.Enriched),
		zap.Int("not_found", completed.Counts.NotFound),
		zap.Int("failed", completed.Counts.Failed))
}

func (e *Engine) unregister(id uuid.UUID) {
	e.runsMu.Lock()
	_, ok := e.runs[id]
	delete(e.runs, id)
	e.runsMu.Unlock()
	if ok {
		e.metrics.JobsActive.Dec()
	}
}

// CancelJob aborts a job: queued contacts are skipped, the one in flight
// finishes its current provider call. Cancelling a terminal job is an ack.
func (e *Engine) CancelJob(id uuid.UUID) error {
	e.runsMu.Lock()
	run := e.runs[id]
	e.runsMu.Unlock()

	if run == nil {
		job, err := store.ReadJob(e.db, id)
		if err == kvdb.ErrNotFound {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		// Not registered with this engine instance (left over from an
		// earlier run); settle it directly.
		job.State = types.JobPartial
		job.PartialReason = string(types.FailureCancelled)
		job.UpdatedAt = e.clock()
		return store.WriteJob(e.db, job)
	}

	run.mu.Lock()
	already := run.cancelled
	run.cancelled = true
	run.mu.Unlock()
	if !already {
		e.log.Info("job cancelled", zap.String("job", id.String()))
		run.cancel()
	}
	return nil
}

// GetJob returns the persisted job record.
func (e *Engine) GetJob(id uuid.UUID) (*types.Job, error) {
	job, err := store.ReadJob(e.db, id)
	if err == kvdb.ErrNotFound {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns the owner's jobs, newest first.
func (e *Engine) ListJobs(owner string, filter JobFilter) ([]*types.Job, error) {
	ids, err := store.ReadOwnerJobIDs(e.db, owner)
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		job, err := store.ReadJob(e.db, ids[i])
		if err != nil {
			return nil, err
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Origin != "" && job.Origin != filter.Origin {
			continue
		}
		jobs = append(jobs, job)
		if filter.Limit > 0 && len(jobs) >= filter.Limit {
			break
		}
	}
	return jobs, nil
}

// GetContacts pages through a job's contacts in submission order.
func (e *Engine) GetContacts(jobID uuid.UUID, offset, limit int) ([]*types.Contact, error) {
	if _, err := store.ReadJob(e.db, jobID); err == kvdb.ErrNotFound {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, err
	}
	ids, err := store.ReadJobContactIDs(e.db, jobID, offset, limit)
	if err != nil {
		return nil, err
	}
	contacts := make([]*types.Contact, len(ids))
	for i, id := range ids {
		if contacts[i], err = store.ReadContact(e.db, id); err != nil {
			return nil, err
		}
	}
	return contacts, nil
}

// resumeJobs re-queues the contacts of jobs that never settled. Terminal
// contacts are skipped here rather than in the workers so the queue only
// carries real work.
func (e *Engine) resumeJobs() {
	defer e.producerWg.Done()

	jobs, err := store.ReadAllJobs(e.db)
	if err != nil {
		e.log.Error("resume scan failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.State.Terminal() {
			continue
		}
		select {
		case <-e.quit:
			return
		default:
		}
		if err := e.resumeJob(job); err != nil && !errors.Is(err, ErrEngineStopped) {
			e.log.Error("resuming job", zap.String("job", job.ID.String()), zap.Error(err))
		}
	}
}

func (e *Engine) resumeJob(job *types.Job) error {
	// The job record may trail the contacts after a crash; recount the
	// terminal outcomes from the contacts themselves.
	ids, err := store.ReadJobContactIDs(e.db, job.ID, 0, 0)
	if err != nil {
		return err
	}
	var (
		pending []*types.Contact
		counts  types.JobCounts
	)
	for _, id := range ids {
		contact, err := store.ReadContact(e.db, id)
		if err != nil {
			return err
		}
		switch contact.EnrichmentStatus {
		case types.StatusEnriched:
			counts.Enriched++
		case types.StatusNotFound:
			counts.NotFound++
		case types.StatusFailed:
			counts.Failed++
		default:
			pending = append(pending, contact)
		}
	}
	job.Counts = counts
	job.Completed = counts.Total()

	// A cancel may have settled the job since the scan read it.
	if current, err := store.ReadJob(e.db, job.ID); err != nil {
		return err
	} else if current.State.Terminal() {
		return nil
	}

	run, err := e.register(job)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.drained = job.Total - len(pending)
	run.mu.Unlock()

	e.log.Info("job resumed",
		zap.String("job", job.ID.String()),
		zap.Int("pending", len(pending)),
		zap.Int("total", job.Total))
	if len(pending) == 0 {
		e.finalizeJob(run)
		return nil
	}
	return e.enqueue(e.rootCtx, run, pending)
}

// submissionHash fingerprints a batch by its owner and the set of contact
// fingerprints, insensitive to contact order.
func submissionHash(owner string, seeds []types.ContactSeed) string {
	fps := make([]string, 0, len(seeds))
	for i := range seeds {
		key := cache.KeyFor(&seeds[i])
		fp := key.Primary()
		if key.Identity != "" && key.Profile != "" {
			fp = key.Identity + ":" + key.Profile
		}
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	h := sha256.New()
	h.Write([]byte(owner))
	for _, fp := range fps {
		h.Write([]byte{0})
		h.Write([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil))
}
