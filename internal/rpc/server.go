// Package rpc exposes a tracker over JSON-RPC 2.0 on HTTP and streams
// progress changes as Server-Sent Events.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dusk-indust/stagewatch/internal/export"
	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/observer"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rollup"
	"github.com/rs/zerolog"
)

// Service is the query and ingestion surface the server dispatches to.
// *tracker.Tracker implements it.
type Service interface {
	Apply(ctx context.Context, ev progress.Event) (progress.Change, error)
	GetStageRunProgress(key progress.Key) (progress.StageRunProgress, bool)
	GetUnifiedProjectProgress(ctx context.Context, sessionID string) (rollup.UnifiedProjectProgress, error)
	GetChecklist(key progress.Key, modelID string) []rollup.ChecklistEntry
	StageSummary(key progress.Key, modelID string) rollup.Summary
	ComputeLayout(steps []recipe.Step, edges []recipe.Edge, viewport *layout.Viewport) layout.Result
	StageLayout(ctx context.Context, stageSlug string, viewport *layout.Viewport) (layout.Result, error)
	IsSessionBusy(sessionID string) bool
	JobsInFlight(sessionID string) []string
	ExportProject(ctx context.Context, sessionID string) (*export.ProjectExport, error)
	Reset(sessionID string)
	Subscribe(match func(progress.Key) bool, fn func(progress.Change)) (unsubscribe func())
	OpenObserver(ctx context.Context, key progress.Key, onDismiss func(observer.Reason)) (*observer.Observer, func(), error)
	DismissObserver(key progress.Key) bool
	InvalidateRecipe(ctx context.Context, stageSlug string) error
}

// Server is the HTTP server exposing a Service.
type Server struct {
	svc  Service
	log  zerolog.Logger
	http *http.Server
}

// NewServer creates a server for svc.
func NewServer(svc Service, log zerolog.Logger) *Server {
	return &Server{
		svc: svc,
		log: log.With().Str("component", "rpc").Logger(),
	}
}

// Handler returns the routes: JSON-RPC on POST /rpc and the change stream on
// GET /stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleJSONRPC)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("rpc server listening")
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
