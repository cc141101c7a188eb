package mcptools

import (
	"context"
	"fmt"

	"github.com/dusk-indust/stagewatch/internal/export"
	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rollup"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tracker is the query surface the tools read from. *tracker.Tracker
// implements it.
type Tracker interface {
	Recipe(ctx context.Context, stageSlug string) (*recipe.Recipe, error)
	ComputeLayout(steps []recipe.Step, edges []recipe.Edge, viewport *layout.Viewport) layout.Result
	StageLayout(ctx context.Context, stageSlug string, viewport *layout.Viewport) (layout.Result, error)
	GetStageRunProgress(key progress.Key) (progress.StageRunProgress, bool)
	GetUnifiedProjectProgress(ctx context.Context, sessionID string) (rollup.UnifiedProjectProgress, error)
	GetChecklist(key progress.Key, modelID string) []rollup.ChecklistEntry
	StageSummary(key progress.Key, modelID string) rollup.Summary
	JobsInFlight(sessionID string) []string
	LatestIteration(sessionID string) (int, bool)
}

// ProgressService holds the tracker used by MCP tool handlers.
type ProgressService struct {
	tracker Tracker
}

// NewProgressService creates a ProgressService over t.
func NewProgressService(t Tracker) *ProgressService {
	return &ProgressService{tracker: t}
}

// ComputeLayout lays out ad-hoc steps or a registered stage recipe.
func (s *ProgressService) ComputeLayout(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ComputeLayoutInput,
) (*mcp.CallToolResult, ComputeLayoutOutput, error) {
	var viewport *layout.Viewport
	if input.ViewportWidth > 0 && input.ViewportHeight > 0 {
		viewport = &layout.Viewport{Width: input.ViewportWidth, Height: input.ViewportHeight}
	}

	if len(input.Steps) > 0 {
		return nil, ComputeLayoutOutput{Layout: s.tracker.ComputeLayout(input.Steps, input.Edges, viewport)}, nil
	}
	if input.StageSlug == "" {
		return nil, ComputeLayoutOutput{}, fmt.Errorf("either steps or stageSlug is required")
	}

	res, err := s.tracker.StageLayout(ctx, input.StageSlug, viewport)
	if err != nil {
		return nil, ComputeLayoutOutput{}, err
	}
	return nil, ComputeLayoutOutput{Layout: res}, nil
}

// GetStageProgress reports step statuses, percentage and document summary of
// one stage run.
func (s *ProgressService) GetStageProgress(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input StageProgressInput,
) (*mcp.CallToolResult, StageProgressOutput, error) {
	key, err := stageKey(input)
	if err != nil {
		return nil, StageProgressOutput{}, err
	}

	out := StageProgressOutput{
		StepStatuses: map[string]progress.StepStatus{},
		JobsInFlight: s.tracker.JobsInFlight(key.SessionID),
	}
	if out.JobsInFlight == nil {
		out.JobsInFlight = []string{}
	}

	p, ok := s.tracker.GetStageRunProgress(key)
	if !ok {
		out.Documents = rollup.Summary{OutstandingDocuments: []string{}}
		return nil, out, nil
	}
	out.Found = true
	out.StepStatuses = p.StepStatuses
	out.Progress = p.Progress
	out.Percentage, out.HasProgress = rollup.StagePercentage(p.Progress)
	out.Documents = s.tracker.StageSummary(key, input.ModelID)
	return nil, out, nil
}

// GetProjectProgress rolls up every stage of the template for a session.
func (s *ProgressService) GetProjectProgress(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ProjectProgressInput,
) (*mcp.CallToolResult, ProjectProgressOutput, error) {
	if input.SessionID == "" {
		return nil, ProjectProgressOutput{}, fmt.Errorf("sessionId is required")
	}
	project, err := s.tracker.GetUnifiedProjectProgress(ctx, input.SessionID)
	if err != nil {
		return nil, ProjectProgressOutput{}, err
	}
	return nil, ProjectProgressOutput{Project: project}, nil
}

// GetChecklist lists the documents of one model.
func (s *ProgressService) GetChecklist(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input StageProgressInput,
) (*mcp.CallToolResult, ChecklistOutput, error) {
	key, err := stageKey(input)
	if err != nil {
		return nil, ChecklistOutput{}, err
	}
	if input.ModelID == "" {
		return nil, ChecklistOutput{}, fmt.Errorf("modelId is required")
	}
	return nil, ChecklistOutput{Entries: s.tracker.GetChecklist(key, input.ModelID)}, nil
}

// RenderDiagram renders a stage recipe as Mermaid, colored by progress when a
// session is given.
func (s *ProgressService) RenderDiagram(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RenderDiagramInput,
) (*mcp.CallToolResult, RenderDiagramOutput, error) {
	if input.StageSlug == "" {
		return nil, RenderDiagramOutput{}, fmt.Errorf("stageSlug is required")
	}
	orientation := layout.OrientationVertical
	switch input.Orientation {
	case "", string(layout.OrientationVertical):
	case string(layout.OrientationHorizontal):
		orientation = layout.OrientationHorizontal
	default:
		return nil, RenderDiagramOutput{}, fmt.Errorf("orientation must be horizontal or vertical, got %q", input.Orientation)
	}

	r, err := s.tracker.Recipe(ctx, input.StageSlug)
	if err != nil {
		return nil, RenderDiagramOutput{}, err
	}

	var statuses map[string]progress.StepStatus
	if input.SessionID != "" {
		iteration := input.Iteration
		if iteration == 0 {
			iteration, _ = s.tracker.LatestIteration(input.SessionID)
		}
		key := progress.Key{SessionID: input.SessionID, StageSlug: input.StageSlug, Iteration: iteration}
		if p, ok := s.tracker.GetStageRunProgress(key); ok {
			statuses = p.StepStatuses
		}
	}

	return nil, RenderDiagramOutput{Mermaid: export.GenerateMermaid(r, statuses, orientation)}, nil
}

func stageKey(input StageProgressInput) (progress.Key, error) {
	if input.SessionID == "" || input.StageSlug == "" {
		return progress.Key{}, fmt.Errorf("sessionId and stageSlug are required")
	}
	if input.Iteration < 0 {
		return progress.Key{}, fmt.Errorf("iterationNumber must be non-negative, got %d", input.Iteration)
	}
	return progress.Key{SessionID: input.SessionID, StageSlug: input.StageSlug, Iteration: input.Iteration}, nil
}
