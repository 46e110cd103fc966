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
	"fmt"
	"runtime/debug"

	"github.com/captely/cascade/core/types"
	"github.com/captely/cascade/store"
	"go.uber.org/zap"
)

// workerLoop pulls contacts off the shared queue until the engine stops.
// All jobs feed the same pool; fairness between jobs is whatever the queue
// order provides. Queued items abandoned at shutdown stay pending in the
// store and are picked up by the next resume scan.
func (e *Engine) workerLoop(id int) {
	defer e.workerWg.Done()
	log := e.log.With(zap.Int("worker", id))
	for {
		select {
		case <-e.quit:
			return
		case item := <-e.workCh:
			e.metrics.WorkersBusy.Inc()
			e.runContact(log, item)
			e.metrics.WorkersBusy.Dec()
		}
	}
}

// runContact drives one contact to a terminal status, or to a skip when
// its job is cancelled. An internal failure gets one retry before the
// contact is written off; the pool itself survives anything.
func (e *Engine) runContact(log *zap.Logger, item workItem) {
	run, contact := item.run, item.contact

	if run.ctx.Err() != nil && !contact.EnrichmentStatus.Terminal() {
		// Cancelled while queued; stays pending.
		e.contactDone(run, contact)
		return
	}

	err := e.safeProcess(run.ctx, run.job.Owner, contact)
	if err != nil {
		log.Warn("contact processing failed, retrying",
			zap.String("contact", contact.ID.String()),
			zap.Error(err))
		err = e.safeProcess(run.ctx, run.job.Owner, contact)
	}
	if err != nil {
		log.Error("contact processing failed twice",
			zap.String("contact", contact.ID.String()),
			zap.Error(err))
		contact.EnrichmentStatus = types.StatusFailed
		contact.FailureReason = types.FailureInternal
		contact.UpdatedAt = e.clock()
		if werr := store.WriteContact(e.db, contact); werr != nil {
			log.Error("persisting failed contact", zap.String("contact", contact.ID.String()), zap.Error(werr))
		}
		e.metrics.ContactsProcessed.WithLabelValues(string(types.StatusFailed)).Inc()
	}
	e.contactDone(run, contact)
}

// safeProcess converts a panic in the cascade into an ordinary error so
// one poisoned contact cannot take a worker down with it.
func (e *Engine) safeProcess(ctx context.Context, owner string, contact *types.Contact) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return e.coord.process(ctx, owner, contact)
}
