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

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/captely/cascade/core"
	"github.com/captely/cascade/core/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second

	// wsEventBuffer absorbs progress bursts; the feed drops events a
	// slow client cannot keep up with.
	wsEventBuffer = 256
)

// wsEvent is one streamed message. Exactly one payload field is set.
type wsEvent struct {
	Type      string                   `json:"type"`
	Progress  *types.JobProgressEvent  `json:"progress,omitempty"`
	Completed *types.JobCompletedEvent `json:"completed,omitempty"`
}

// handleWS streams job events. With ?job=<id> only that job's events are
// sent and the stream ends after its completion event; without it the
// stream carries every job until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		jobID    uuid.UUID
		filtered bool
	)
	if raw := r.URL.Query().Get("job"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		if _, err := s.engine.GetJob(id); err != nil {
			if errors.Is(err, core.ErrJobNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jobID, filtered = id, true
	}

	progress := make(chan types.JobProgressEvent, wsEventBuffer)
	completed := make(chan types.JobCompletedEvent, 8)
	subP := s.engine.SubscribeProgress(progress)
	subC := s.engine.SubscribeCompleted(completed)
	defer subP.Unsubscribe()
	defer subC.Unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.wsWg.Add(1)
	defer s.wsWg.Done()

	// The read side only detects the client going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A job that went terminal before the subscription produces no
	// events; replay its completion from the stored record. The
	// subscriptions above predate this check, so a completion landing
	// in between is delivered either way.
	if filtered {
		job, err := s.engine.GetJob(jobID)
		if err == nil && job.State.Terminal() {
			s.writeWS(conn, &wsEvent{Type: "completed", Completed: &types.JobCompletedEvent{
				JobID:  job.ID,
				State:  job.State,
				Counts: job.Counts,
				Reason: job.PartialReason,
			}})
			s.closeWS(conn, "")
			return
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-s.quit:
			s.closeWS(conn, "server shutting down")
			return
		case ev := <-progress:
			if filtered && ev.JobID != jobID {
				continue
			}
			if !s.writeWS(conn, &wsEvent{Type: "progress", Progress: &ev}) {
				return
			}
		case ev := <-completed:
			if filtered && ev.JobID != jobID {
				continue
			}
			if !s.writeWS(conn, &wsEvent{Type: "completed", Completed: &ev}) {
				return
			}
			if filtered {
				s.closeWS(conn, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, ev *wsEvent) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) closeWS(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	deadline := time.Now().Add(wsWriteWait)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		return
	}
	// Give the close handshake a moment before tearing the conn down.
	conn.SetReadDeadline(time.Now().Add(time.Second))
}
