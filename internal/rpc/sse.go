package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dusk-indust/stagewatch/internal/observer"
	"github.com/dusk-indust/stagewatch/internal/progress"
)

// eventDismissed names the frame sent when a stream's observer closes.
const eventDismissed = "dismissed"

// keepAliveInterval is how often an idle stream sends a comment frame.
const keepAliveInterval = 15 * time.Second

// StreamEvent is one frame received from the change stream.
type StreamEvent struct {
	Change *progress.Change

	// Dismissal is set on the final frame of an observed stream.
	Dismissal *Dismissal

	// Err is set if the frame could not be decoded.
	Err error
}

// SSEWriter writes Server-Sent Events to an http.ResponseWriter.
// Call Init once before writing any events to set the required headers.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSEWriter wrapping the given ResponseWriter.
// If w does not implement http.Flusher, writes may be buffered.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       w,
		flusher: f,
	}
}

// Init sets the SSE response headers and flushes them to the client.
func (sw *SSEWriter) Init() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	sw.flush()
}

// WriteChange writes c as a "data: {json}" frame and flushes.
func (sw *SSEWriter) WriteChange(c progress.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("sse: marshal change: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse: write change: %w", err)
	}
	sw.flush()
	return nil
}

// WriteEvent writes v as a named "event: name" frame and flushes.
func (sw *SSEWriter) WriteEvent(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", name, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("sse: write %s: %w", name, err)
	}
	sw.flush()
	return nil
}

// WriteComment writes a comment frame, used as a keep-alive.
func (sw *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *SSEWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// handleStream serves GET /stream?session=..&stage=..&iteration=..; stage and
// iteration narrow the filter when present. When both are given, the current
// entry is sent first. With observe=true the stream joins the observer of
// that entry and ends with a "dismissed" frame once the observer closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		http.Error(w, "session is required", http.StatusBadRequest)
		return
	}
	stage := q.Get("stage")
	iteration, hasIteration := 0, false
	if raw := q.Get("iteration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "iteration must be a non-negative integer", http.StatusBadRequest)
			return
		}
		iteration, hasIteration = n, true
	}
	observe := q.Get("observe") == "true"
	if observe && (stage == "" || !hasIteration) {
		http.Error(w, "observe requires stage and iteration", http.StatusBadRequest)
		return
	}
	key := progress.Key{SessionID: session, StageSlug: stage, Iteration: iteration}

	match := func(k progress.Key) bool {
		return k.SessionID == session &&
			(stage == "" || k.StageSlug == stage) &&
			(!hasIteration || k.Iteration == iteration)
	}

	log := s.log.With().Str("session", session).Str("stage", stage).Logger()
	reporter := progress.NewReporter(log)
	unsubscribe := s.svc.Subscribe(match, reporter.Emit)
	defer func() {
		unsubscribe()
		reporter.Close()
	}()

	var dismissed <-chan observer.Reason
	if observe {
		reasons := make(chan observer.Reason, 1)
		_, detach, err := s.svc.OpenObserver(r.Context(), key, func(reason observer.Reason) { reasons <- reason })
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer detach()
		dismissed = reasons
	}

	sw := NewSSEWriter(w)
	sw.Init()
	log.Debug().Bool("observe", observe).Msg("stream opened")

	if stage != "" && hasIteration {
		if p, ok := s.svc.GetStageRunProgress(key); ok {
			if err := sw.WriteChange(progress.Change{Key: key, Progress: p}); err != nil {
				return
			}
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("stream closed")
			return
		case <-keepAlive.C:
			if err := sw.WriteComment("keep-alive"); err != nil {
				return
			}
		case c, ok := <-reporter.Changes():
			if !ok {
				return
			}
			if err := sw.WriteChange(c); err != nil {
				log.Debug().Err(err).Msg("stream write failed")
				return
			}
		case reason := <-dismissed:
			s.finishObserved(sw, reporter, key, reason)
			log.Debug().Str("reason", string(reason)).Msg("stream dismissed")
			return
		}
	}
}

// finishObserved flushes the changes still buffered in reporter, then writes
// the dismissal frame with the entry as it stands.
func (s *Server) finishObserved(sw *SSEWriter, reporter *progress.Reporter, key progress.Key, reason observer.Reason) {
drain:
	for {
		select {
		case c, ok := <-reporter.Changes():
			if !ok {
				return
			}
			if err := sw.WriteChange(c); err != nil {
				return
			}
		default:
			break drain
		}
	}

	d := Dismissal{Key: key, Reason: reason}
	if p, ok := s.svc.GetStageRunProgress(key); ok {
		d.Progress = &p
	}
	_ = sw.WriteEvent(eventDismissed, d)
}

// ReadEvents reads SSE frames from body and delivers them on the returned
// channel. The channel is closed when the body is exhausted, a read error
// occurs, or ctx is cancelled. The body is closed when reading finishes.
//
// Lines prefixed with "data:" carry the JSON payload, "event:" names the
// frame, lines starting with ":" are comments, and an empty line ends a
// frame. Multiple data lines in one frame are joined with newlines. Malformed
// JSON yields a StreamEvent with Err set; reading continues.
func ReadEvents(ctx context.Context, body io.ReadCloser) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer body.Close()

		// Unblock the scanner when ctx ends mid-read.
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var dataBuf strings.Builder
		var name string

		for scanner.Scan() {
			line := scanner.Text()

			switch {
			case line == "":
				if dataBuf.Len() > 0 {
					if !emit(ctx, ch, name, dataBuf.String()) {
						return
					}
					dataBuf.Reset()
				}
				name = ""

			case strings.HasPrefix(line, ":"):
				// Comment.

			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

			case strings.HasPrefix(line, "data:"):
				payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				if dataBuf.Len() > 0 {
					dataBuf.WriteByte('\n')
				}
				dataBuf.WriteString(payload)
			}
		}
		if dataBuf.Len() > 0 {
			emit(ctx, ch, name, dataBuf.String())
		}
	}()
	return ch
}

// emit decodes raw according to the frame name and sends it on ch. It
// returns false once ctx is done.
func emit(ctx context.Context, ch chan<- StreamEvent, name, raw string) bool {
	var ev StreamEvent
	switch name {
	case eventDismissed:
		var d Dismissal
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			ev.Err = fmt.Errorf("sse: unmarshal dismissal: %w", err)
		} else {
			ev.Dismissal = &d
		}
	default:
		var c progress.Change
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			ev.Err = fmt.Errorf("sse: unmarshal change: %w", err)
		} else {
			ev.Change = &c
		}
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
