package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dusk-indust/stagewatch/internal/export"
	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/rollup"
	"github.com/google/uuid"
)

// HTTPClient calls a stagewatch server over HTTP/JSON-RPC.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout. Streams ignore it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply sends one lifecycle event.
func (c *HTTPClient) Apply(ctx context.Context, ev progress.Event) (*progress.Change, error) {
	var change progress.Change
	if err := c.call(ctx, MethodApply, ev, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// GetProgress fetches one Stage Run Progress entry.
func (c *HTTPClient) GetProgress(ctx context.Context, key progress.Key) (*progress.StageRunProgress, error) {
	var p progress.StageRunProgress
	if err := c.call(ctx, MethodGetProgress, keyParams(key), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject fetches the unified project progress of a session.
func (c *HTTPClient) GetProject(ctx context.Context, sessionID string) (*rollup.UnifiedProjectProgress, error) {
	var p rollup.UnifiedProjectProgress
	if err := c.call(ctx, MethodGetProject, SessionParams{SessionID: sessionID}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Checklist fetches the document checklist of one model.
func (c *HTTPClient) Checklist(ctx context.Context, key progress.Key, modelID string) ([]rollup.ChecklistEntry, error) {
	var entries []rollup.ChecklistEntry
	if err := c.call(ctx, MethodChecklist, DocumentParams{KeyParams: keyParams(key), ModelID: modelID}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Summary fetches the document summary of one entry.
func (c *HTTPClient) Summary(ctx context.Context, key progress.Key, modelID string) (*rollup.Summary, error) {
	var s rollup.Summary
	if err := c.call(ctx, MethodSummary, DocumentParams{KeyParams: keyParams(key), ModelID: modelID}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Layout computes a layout on the server.
func (c *HTTPClient) Layout(ctx context.Context, params LayoutParams) (*layout.Result, error) {
	var res layout.Result
	if err := c.call(ctx, MethodLayout, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SessionBusy reports the in-flight jobs of a session.
func (c *HTTPClient) SessionBusy(ctx context.Context, sessionID string) (*BusyResult, error) {
	var res BusyResult
	if err := c.call(ctx, MethodSessionBusy, SessionParams{SessionID: sessionID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Export fetches the JSON export of a session's latest iteration.
func (c *HTTPClient) Export(ctx context.Context, sessionID string) (*export.ProjectExport, error) {
	var exp export.ProjectExport
	if err := c.call(ctx, MethodExport, SessionParams{SessionID: sessionID}, &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// Reset drops the progress of a session, or of every session when sessionID
// is empty.
func (c *HTTPClient) Reset(ctx context.Context, sessionID string) error {
	return c.call(ctx, MethodReset, SessionParams{SessionID: sessionID}, nil)
}

// OpenObserver opens, or joins, the observer of key and returns its view.
func (c *HTTPClient) OpenObserver(ctx context.Context, key progress.Key) (*ObserverResult, error) {
	var out ObserverResult
	params := KeyParams{SessionID: key.SessionID, StageSlug: key.StageSlug, Iteration: key.Iteration}
	if err := c.call(ctx, MethodObserverOpen, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DismissObserver closes the observer of key. It reports whether one was
// open.
func (c *HTTPClient) DismissObserver(ctx context.Context, key progress.Key) (bool, error) {
	var out DismissResult
	params := KeyParams{SessionID: key.SessionID, StageSlug: key.StageSlug, Iteration: key.Iteration}
	if err := c.call(ctx, MethodObserverDismiss, params, &out); err != nil {
		return false, err
	}
	return out.Dismissed, nil
}

// InvalidateRecipe drops the cached recipe of stageSlug on the server.
func (c *HTTPClient) InvalidateRecipe(ctx context.Context, stageSlug string) error {
	return c.call(ctx, MethodInvalidate, StageParams{StageSlug: stageSlug}, nil)
}

// Stream opens the change stream for a session. stage may be empty and
// iteration negative to widen the filter. The channel closes when ctx is
// cancelled or the server ends the stream.
func (c *HTTPClient) Stream(ctx context.Context, sessionID, stage string, iteration int) (<-chan StreamEvent, error) {
	q := url.Values{"session": {sessionID}}
	if stage != "" {
		q.Set("stage", stage)
	}
	if iteration >= 0 {
		q.Set("iteration", strconv.Itoa(iteration))
	}
	return c.stream(ctx, q)
}

// Observe opens the change stream of one entry through its observer. The
// last event carries a Dismissal, after which the server ends the stream.
func (c *HTTPClient) Observe(ctx context.Context, key progress.Key) (<-chan StreamEvent, error) {
	q := url.Values{
		"session":   {key.SessionID},
		"stage":     {key.StageSlug},
		"iteration": {strconv.Itoa(key.Iteration)},
		"observe":   {"true"},
	}
	return c.stream(ctx, q)
}

func (c *HTTPClient) stream(ctx context.Context, q url.Values) (<-chan StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams are long-lived; the per-call timeout does not apply.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rpc: stream: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return ReadEvents(ctx, resp.Body), nil
}

func keyParams(k progress.Key) KeyParams {
	return KeyParams{SessionID: k.SessionID, StageSlug: k.StageSlug, Iteration: k.Iteration}
}

// call performs a JSON-RPC 2.0 call over HTTP POST.
func (c *HTTPClient) call(ctx context.Context, method string, params any, result any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc: marshal params: %w", err)
	}

	rpcReq := JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  paramsJSON,
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc: %s: HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("rpc: decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Method:  method,
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    rpcResp.Error.Data,
		}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("rpc: decode result: %w", err)
		}
	}

	return nil
}

// RPCError represents a JSON-RPC error returned by the server.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc: %s: error %d: %s (data: %s)", e.Method, e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc: %s: error %d: %s", e.Method, e.Code, e.Message)
}
