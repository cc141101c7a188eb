package mcptools

import (
	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rollup"
)

// --- MCP Tool Input Types ---
// The MCP Go SDK derives each tool's JSON schema from these struct tags.

// ComputeLayoutInput is the input for the compute_layout MCP tool.
type ComputeLayoutInput struct {
	StageSlug      string        `json:"stageSlug,omitempty" jsonschema:"lay out the registered recipe of this stage; ignored when steps are given"`
	Steps          []recipe.Step `json:"steps,omitempty" jsonschema:"ad-hoc steps to lay out"`
	Edges          []recipe.Edge `json:"edges,omitempty" jsonschema:"ad-hoc edges between step ids"`
	ViewportWidth  float64       `json:"viewportWidth,omitempty" jsonschema:"viewport width in pixels; 0 disables scaling"`
	ViewportHeight float64       `json:"viewportHeight,omitempty" jsonschema:"viewport height in pixels; 0 disables scaling"`
}

// ComputeLayoutOutput is the result of the compute_layout MCP tool.
type ComputeLayoutOutput struct {
	Layout layout.Result `json:"layout"`
}

// StageProgressInput is the input for the get_stage_progress and
// get_checklist MCP tools.
type StageProgressInput struct {
	SessionID string `json:"sessionId" jsonschema:"session id"`
	StageSlug string `json:"stageSlug" jsonschema:"stage slug"`
	Iteration int    `json:"iterationNumber" jsonschema:"iteration number"`
	ModelID   string `json:"modelId,omitempty" jsonschema:"restrict documents to this model (default: all models for get_stage_progress)"`
}

// StageProgressOutput is the result of the get_stage_progress MCP tool.
type StageProgressOutput struct {
	Found        bool                           `json:"found"`
	StepStatuses map[string]progress.StepStatus `json:"stepStatuses"`
	Progress     progress.Counts                `json:"progress"`
	Percentage   int                            `json:"percentage"`
	HasProgress  bool                           `json:"hasProgress"`
	Documents    rollup.Summary                 `json:"documents"`
	JobsInFlight []string                       `json:"jobsInFlight"`
}

// ProjectProgressInput is the input for the get_project_progress MCP tool.
type ProjectProgressInput struct {
	SessionID string `json:"sessionId" jsonschema:"session id"`
}

// ProjectProgressOutput is the result of the get_project_progress MCP tool.
type ProjectProgressOutput struct {
	Project rollup.UnifiedProjectProgress `json:"project"`
}

// ChecklistOutput is the result of the get_checklist MCP tool.
type ChecklistOutput struct {
	Entries []rollup.ChecklistEntry `json:"entries"`
}

// RenderDiagramInput is the input for the render_diagram MCP tool.
type RenderDiagramInput struct {
	StageSlug   string `json:"stageSlug" jsonschema:"stage whose recipe is rendered"`
	SessionID   string `json:"sessionId,omitempty" jsonschema:"color nodes by the progress of this session"`
	Iteration   int    `json:"iterationNumber,omitempty" jsonschema:"iteration to color by (default: latest seen for the session)"`
	Orientation string `json:"orientation,omitempty" jsonschema:"horizontal or vertical (default: vertical)"`
}

// RenderDiagramOutput is the result of the render_diagram MCP tool.
type RenderDiagramOutput struct {
	Mermaid string `json:"mermaid"`
}
