package mcptools

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewMCPServer creates an MCP server with the layout and progress tools
// registered.
func NewMCPServer(svc *ProgressService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "stagewatch",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "compute_layout",
		Description: "Compute layered node and edge positions for a stage recipe DAG. Pass either ad-hoc steps and edges or the slug of a registered stage. A viewport scales the layout down to fit.",
	}, svc.ComputeLayout)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_stage_progress",
		Description: "Return step statuses, completed/total counts, completion percentage and document summary for one session, stage and iteration.",
	}, svc.GetStageProgress)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_project_progress",
		Description: "Roll up every stage of the process template for a session at its latest iteration: completed stages, current stage and per-stage step detail.",
	}, svc.GetProjectProgress)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_checklist",
		Description: "List the documents of one model in a stage run with their status, job id and latest rendered resource.",
	}, svc.GetChecklist)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "render_diagram",
		Description: "Render a stage recipe as a Mermaid flowchart. When a session is given, nodes are colored by step status.",
	}, svc.RenderDiagram)

	return server
}

// RunStdio serves the MCP tools over stdin/stdout until ctx is cancelled or
// the client disconnects.
func RunStdio(ctx context.Context, svc *ProgressService) error {
	return NewMCPServer(svc).Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP starts an HTTP server exposing the MCP tools on addr.
func RunHTTP(ctx context.Context, svc *ProgressService, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeHTTP(ctx, svc, ln)
}

// ServeHTTP serves the MCP tools on ln until ctx is cancelled.
func ServeHTTP(ctx context.Context, svc *ProgressService, ln net.Listener) error {
	server := NewMCPServer(svc)

	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Shutdown gracefully when context is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
