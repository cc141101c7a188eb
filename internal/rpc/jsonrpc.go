package rpc

import (
	"encoding/json"

	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/observer"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// JSONRPCRequest is a JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// ErrCodeNotFound reports a missing entry or recipe.
	ErrCodeNotFound = -32001
)

// Method names.
const (
	MethodApply       = "progress/apply"
	MethodGetProgress = "progress/get"
	MethodGetProject  = "project/get"
	MethodChecklist   = "checklist/get"
	MethodSummary     = "summary/get"
	MethodLayout      = "layout/compute"
	MethodSessionBusy = "session/busy"
	MethodExport      = "project/export"
	MethodReset       = "session/reset"

	MethodObserverOpen    = "observer/open"
	MethodObserverDismiss = "observer/dismiss"
	MethodInvalidate      = "recipe/invalidate"
)

// --- Params and results ---

// KeyParams addresses one Stage Run Progress entry.
type KeyParams struct {
	SessionID string `json:"sessionId"`
	StageSlug string `json:"stageSlug"`
	Iteration int    `json:"iterationNumber"`
}

// Key converts the params into a progress key.
func (p KeyParams) Key() progress.Key {
	return progress.Key{SessionID: p.SessionID, StageSlug: p.StageSlug, Iteration: p.Iteration}
}

// DocumentParams addresses the documents of one entry, optionally one model.
type DocumentParams struct {
	KeyParams
	ModelID string `json:"modelId,omitempty"`
}

// SessionParams addresses one session.
type SessionParams struct {
	SessionID string `json:"sessionId"`
}

// LayoutParams lays out either a registered stage recipe (StageSlug) or the
// supplied steps and edges.
type LayoutParams struct {
	StageSlug string           `json:"stageSlug,omitempty"`
	Steps     []recipe.Step    `json:"steps,omitempty"`
	Edges     []recipe.Edge    `json:"edges,omitempty"`
	Viewport  *layout.Viewport `json:"viewport,omitempty"`
}

// StageParams addresses one stage recipe.
type StageParams struct {
	StageSlug string `json:"stageSlug"`
}

// ObserverResult is the result of observer/open.
type ObserverResult struct {
	Key    progress.Key    `json:"key"`
	Closed bool            `json:"closed"`
	Reason observer.Reason `json:"reason,omitempty"`
	View   observer.View   `json:"view"`
}

// DismissResult is the result of observer/dismiss.
type DismissResult struct {
	Dismissed bool `json:"dismissed"`
}

// Dismissal is the payload of the "dismissed" stream frame sent when the
// observer of a stream closes.
type Dismissal struct {
	Key      progress.Key               `json:"key"`
	Reason   observer.Reason            `json:"reason"`
	Progress *progress.StageRunProgress `json:"progress,omitempty"`
}

// BusyResult is the result of session/busy.
type BusyResult struct {
	Busy         bool     `json:"busy"`
	JobsInFlight []string `json:"jobsInFlight"`
}
