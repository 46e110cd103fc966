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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/captely/cascade/core"
	"github.com/captely/cascade/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	vsn = "2.0"

	// maxRequestSize bounds one RPC body; batch submissions carry whole
	// contact lists.
	maxRequestSize = 5 * 1024 * 1024

	parseErrorCode     = -32700
	invalidRequestCode = -32600
	methodNotFoundCode = -32601
	invalidParamsCode  = -32602
	defaultErrorCode   = -32000
)

// jsonrpcMessage is both request and response on the wire.
type jsonrpcMessage struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonError      `json:"error,omitempty"`
}

// isNotification reports a request that expects no response.
func (msg *jsonrpcMessage) isNotification() bool {
	return len(msg.ID) == 0 && msg.Method != ""
}

type jsonError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (err *jsonError) Error() string { return err.Message }

func errorMessage(id json.RawMessage, code int, message string) *jsonrpcMessage {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &jsonrpcMessage{Version: vsn, ID: id, Error: &jsonError{Code: code, Message: message}}
}

func invalidParams(err error) error {
	return &jsonError{Code: invalidParamsCode, Message: err.Error()}
}

// rpcMethods dispatches by method name. The cascade_ namespace mirrors
// the engine's typed operations one to one.
var rpcMethods = map[string]func(*Server, context.Context, json.RawMessage) (interface{}, error){
	"cascade_submitJob":     (*Server).rpcSubmitJob,
	"cascade_getJob":        (*Server).rpcGetJob,
	"cascade_listJobs":      (*Server).rpcListJobs,
	"cascade_getContacts":   (*Server).rpcGetContacts,
	"cascade_cancelJob":     (*Server).rpcCancelJob,
	"cascade_getBalance":    (*Server).rpcGetBalance,
	"cascade_quota":         (*Server).rpcQuota,
	"cascade_topUp":         (*Server).rpcTopUp,
	"cascade_ledgerEntries": (*Server).rpcLedgerEntries,
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		s.writeMessage(w, errorMessage(nil, parseErrorCode, "failed to read request"))
		return
	}
	if len(body) > maxRequestSize {
		s.writeMessage(w, errorMessage(nil, invalidRequestCode, "request too large"))
		return
	}

	// A batch is answered in order; notifications produce no reply.
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []*jsonrpcMessage
		if err := json.Unmarshal(body, &msgs); err != nil {
			s.writeMessage(w, errorMessage(nil, parseErrorCode, "invalid JSON"))
			return
		}
		if len(msgs) == 0 {
			s.writeMessage(w, errorMessage(nil, invalidRequestCode, "empty batch"))
			return
		}
		resps := make([]*jsonrpcMessage, 0, len(msgs))
		for _, msg := range msgs {
			if resp := s.serveMessage(r.Context(), msg); resp != nil {
				resps = append(resps, resp)
			}
		}
		if len(resps) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := json.NewEncoder(w).Encode(resps); err != nil {
			s.log.Debug("rpc response write failed", zap.Error(err))
		}
		return
	}

	var msg jsonrpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.writeMessage(w, errorMessage(nil, parseErrorCode, "invalid JSON"))
		return
	}
	resp := s.serveMessage(r.Context(), &msg)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeMessage(w, resp)
}

func (s *Server) writeMessage(w http.ResponseWriter, msg *jsonrpcMessage) {
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.log.Debug("rpc response write failed", zap.Error(err))
	}
}

func (s *Server) serveMessage(ctx context.Context, msg *jsonrpcMessage) *jsonrpcMessage {
	if msg == nil || msg.Version != vsn || msg.Method == "" {
		var id json.RawMessage
		if msg != nil {
			id = msg.ID
		}
		return errorMessage(id, invalidRequestCode, "invalid request")
	}
	handler, ok := rpcMethods[msg.Method]
	if !ok {
		return errorMessage(msg.ID, methodNotFoundCode,
			fmt.Sprintf("the method %s does not exist/is not available", msg.Method))
	}

	result, err := handler(s, ctx, msg.Params)
	if msg.isNotification() {
		if err != nil {
			s.log.Debug("rpc notification failed", zap.String("method", msg.Method), zap.Error(err))
		}
		return nil
	}
	if err != nil {
		return errorResponse(msg.ID, err)
	}
	enc, err := json.Marshal(result)
	if err != nil {
		return errorMessage(msg.ID, defaultErrorCode, err.Error())
	}
	return &jsonrpcMessage{Version: vsn, ID: msg.ID, Result: enc}
}

func errorResponse(id json.RawMessage, err error) *jsonrpcMessage {
	var je *jsonError
	if errors.As(err, &je) {
		return &jsonrpcMessage{Version: vsn, ID: id, Error: je}
	}
	code := defaultErrorCode
	if core.IsInvalidInput(err) {
		code = invalidParamsCode
	}
	return errorMessage(id, code, err.Error())
}

// parsePositional decodes a positional params array. Trailing arguments
// and JSON nulls keep their zero values.
func parsePositional(params json.RawMessage, dst ...interface{}) error {
	if len(params) == 0 {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return fmt.Errorf("arguments must be an array")
	}
	if len(raw) > len(dst) {
		return fmt.Errorf("too many arguments, want at most %d", len(dst))
	}
	for i, arg := range raw {
		if len(arg) == 0 || string(arg) == "null" {
			continue
		}
		if err := json.Unmarshal(arg, dst[i]); err != nil {
			return fmt.Errorf("invalid argument %d: %v", i, err)
		}
	}
	return nil
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidParams(fmt.Errorf("invalid job id %q", raw))
	}
	return id, nil
}

type submitJobArgs struct {
	Owner    string              `json:"owner"`
	Origin   types.JobOrigin     `json:"origin"`
	Contacts []types.ContactSeed `json:"contacts"`
}

func (s *Server) rpcSubmitJob(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args submitJobArgs
	if err := parsePositional(params, &args); err != nil {
		return nil, invalidParams(err)
	}
	id, err := s.engine.SubmitJob(ctx, args.Owner, args.Origin, args.Contacts)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Server) rpcGetJob(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var raw string
	if err := parsePositional(params, &raw); err != nil {
		return nil, invalidParams(err)
	}
	id, err := parseJobID(raw)
	if err != nil {
		return nil, err
	}
	return s.engine.GetJob(id)
}

// listJobsFilter narrows cascade_listJobs; all fields are optional.
type listJobsFilter struct {
	State  types.JobState  `json:"state,omitempty"`
	Origin types.JobOrigin `json:"origin,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

func (s *Server) rpcListJobs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var (
		owner  string
		filter listJobsFilter
	)
	if err := parsePositional(params, &owner, &filter); err != nil {
		return nil, invalidParams(err)
	}
	jobs, err := s.engine.ListJobs(owner, core.JobFilter{
		State:  filter.State,
		Origin: filter.Origin,
		Limit:  filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	return jobs, nil
}

func (s *Server) rpcGetContacts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var (
		raw           string
		offset, limit int
	)
	if err := parsePositional(params, &raw, &offset, &limit); err != nil {
		return nil, invalidParams(err)
	}
	id, err := parseJobID(raw)
	if err != nil {
		return nil, err
	}
	contacts, err := s.engine.GetContacts(id, offset, limit)
	if err != nil {
		return nil, err
	}
	if contacts == nil {
		contacts = []*types.Contact{}
	}
	return contacts, nil
}

func (s *Server) rpcCancelJob(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var raw string
	if err := parsePositional(params, &raw); err != nil {
		return nil, invalidParams(err)
	}
	id, err := parseJobID(raw)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CancelJob(id); err != nil {
		return nil, err
	}
	return s.engine.GetJob(id)
}

func (s *Server) rpcGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var user string
	if err := parsePositional(params, &user); err != nil {
		return nil, invalidParams(err)
	}
	if user == "" {
		return nil, invalidParams(fmt.Errorf("user is required"))
	}
	return s.engine.Balance(user)
}

func (s *Server) rpcQuota(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var user string
	if err := parsePositional(params, &user); err != nil {
		return nil, invalidParams(err)
	}
	if user == "" {
		return nil, invalidParams(fmt.Errorf("user is required"))
	}
	return s.engine.Quotas(user)
}

func (s *Server) rpcTopUp(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var (
		user   string
		amount decimal.Decimal
	)
	if err := parsePositional(params, &user, &amount); err != nil {
		return nil, invalidParams(err)
	}
	if user == "" {
		return nil, invalidParams(fmt.Errorf("user is required"))
	}
	if !amount.IsPositive() {
		return nil, invalidParams(fmt.Errorf("amount must be positive"))
	}
	return s.engine.TopUp(user, amount)
}

func (s *Server) rpcLedgerEntries(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var (
		user    string
		fromSeq uint64
		limit   int
	)
	if err := parsePositional(params, &user, &fromSeq, &limit); err != nil {
		return nil, invalidParams(err)
	}
	if user == "" {
		return nil, invalidParams(fmt.Errorf("user is required"))
	}
	entries, err := s.engine.LedgerEntries(user, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*types.LedgerEntry{}
	}
	return entries, nil
}
