package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rollup"
)

// errNotFound marks a query for an entry the store has never seen.
var errNotFound = errors.New("rpc: not found")

// handleJSONRPC processes incoming JSON-RPC 2.0 requests and dispatches them
// to the service.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, ErrCodeParse, "Parse error: "+err.Error())
		return
	}
	if req.JSONRPC != JSONRPCVersion {
		writeJSONRPCError(w, req.ID, ErrCodeInvalidRequest, fmt.Sprintf("Invalid request: jsonrpc must be %q", JSONRPCVersion))
		return
	}

	ctx := r.Context()

	switch req.Method {
	case MethodApply:
		dispatch(ctx, w, &req, func(ctx context.Context, ev progress.Event) (any, error) {
			return s.svc.Apply(ctx, ev)
		})
	case MethodGetProgress:
		dispatch(ctx, w, &req, func(_ context.Context, p KeyParams) (any, error) {
			entry, ok := s.svc.GetStageRunProgress(p.Key())
			if !ok {
				return nil, fmt.Errorf("%w: %s", errNotFound, p.Key())
			}
			return entry, nil
		})
	case MethodGetProject:
		dispatch(ctx, w, &req, func(ctx context.Context, p SessionParams) (any, error) {
			if p.SessionID == "" {
				return nil, fmt.Errorf("%w: sessionId is required", progress.ErrInvalidEvent)
			}
			return s.svc.GetUnifiedProjectProgress(ctx, p.SessionID)
		})
	case MethodChecklist:
		dispatch(ctx, w, &req, func(_ context.Context, p DocumentParams) (any, error) {
			return s.svc.GetChecklist(p.Key(), p.ModelID), nil
		})
	case MethodSummary:
		dispatch(ctx, w, &req, func(_ context.Context, p DocumentParams) (any, error) {
			return s.svc.StageSummary(p.Key(), p.ModelID), nil
		})
	case MethodLayout:
		dispatch(ctx, w, &req, func(ctx context.Context, p LayoutParams) (any, error) {
			if p.StageSlug != "" {
				return s.svc.StageLayout(ctx, p.StageSlug, p.Viewport)
			}
			return s.svc.ComputeLayout(p.Steps, p.Edges, p.Viewport), nil
		})
	case MethodSessionBusy:
		dispatch(ctx, w, &req, func(_ context.Context, p SessionParams) (any, error) {
			jobs := s.svc.JobsInFlight(p.SessionID)
			return BusyResult{Busy: len(jobs) > 0, JobsInFlight: jobs}, nil
		})
	case MethodExport:
		dispatch(ctx, w, &req, func(ctx context.Context, p SessionParams) (any, error) {
			if p.SessionID == "" {
				return nil, fmt.Errorf("%w: sessionId is required", progress.ErrInvalidEvent)
			}
			return s.svc.ExportProject(ctx, p.SessionID)
		})
	case MethodReset:
		dispatch(ctx, w, &req, func(_ context.Context, p SessionParams) (any, error) {
			s.svc.Reset(p.SessionID)
			s.log.Info().Str("session", p.SessionID).Msg("progress reset")
			return map[string]bool{"reset": true}, nil
		})
	case MethodObserverOpen:
		dispatch(ctx, w, &req, func(ctx context.Context, p KeyParams) (any, error) {
			o, _, err := s.svc.OpenObserver(ctx, p.Key(), nil)
			if err != nil {
				return nil, err
			}
			closed, reason := o.Closed()
			return ObserverResult{Key: o.Key(), Closed: closed, Reason: reason, View: o.View()}, nil
		})
	case MethodObserverDismiss:
		dispatch(ctx, w, &req, func(_ context.Context, p KeyParams) (any, error) {
			return DismissResult{Dismissed: s.svc.DismissObserver(p.Key())}, nil
		})
	case MethodInvalidate:
		dispatch(ctx, w, &req, func(ctx context.Context, p StageParams) (any, error) {
			if err := s.svc.InvalidateRecipe(ctx, p.StageSlug); err != nil {
				return nil, err
			}
			s.log.Info().Str("stage", p.StageSlug).Msg("recipe invalidated")
			return map[string]bool{"invalidated": true}, nil
		})
	default:
		writeJSONRPCError(w, req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

// dispatch unmarshals params into P, calls fn and writes the response.
func dispatch[P any](ctx context.Context, w http.ResponseWriter, req *JSONRPCRequest, fn func(context.Context, P) (any, error)) {
	var params P
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONRPCError(w, req.ID, ErrCodeInvalidParams, "Invalid params: "+err.Error())
			return
		}
	}

	result, err := fn(ctx, params)
	if err != nil {
		writeJSONRPCError(w, req.ID, errorCode(err), err.Error())
		return
	}

	writeJSONRPCResult(w, req.ID, result)
}

// errorCode maps service errors onto JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, progress.ErrInvalidEvent):
		return ErrCodeInvalidParams
	case errors.Is(err, errNotFound),
		errors.Is(err, recipe.ErrRecipeNotFound),
		errors.Is(err, rollup.ErrRecipeNotRegistered):
		return ErrCodeNotFound
	default:
		return ErrCodeInternal
	}
}

// writeJSONRPCResult writes a successful JSON-RPC response.
func writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, id, ErrCodeInternal, "Failed to marshal result: "+err.Error())
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	}

	json.NewEncoder(w).Encode(resp)
}

// writeJSONRPCError writes a JSON-RPC error response.
func writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(resp)
}
