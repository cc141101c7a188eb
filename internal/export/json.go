package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/rollup"
)

// ProjectExport is the top-level JSON export structure.
type ProjectExport struct {
	SessionID  string                        `json:"sessionId"`
	Iteration  int                           `json:"iterationNumber"`
	ExportedAt string                        `json:"exportedAt"`
	Project    rollup.UnifiedProjectProgress `json:"project"`
	Stages     []StageExport                 `json:"stages"`
}

// StageExport describes one stage of the template.
type StageExport struct {
	StageSlug  string                             `json:"stageSlug"`
	Status     progress.StepStatus                `json:"status"`
	Progress   *progress.Counts                   `json:"progress,omitempty"`
	Percentage *int                               `json:"percentage,omitempty"`
	Documents  rollup.Summary                     `json:"documents"`
	Checklists map[string][]rollup.ChecklistEntry `json:"checklists,omitempty"`
}

// ExportProject builds a ProjectExport for one session iteration. Stages
// without an entry carry no progress block; stages with zero steps carry no
// percentage.
func ExportProject(
	snap progress.Snapshot,
	stages []string,
	recipes progress.RecipeLookup,
	sessionID string,
	iteration int,
	now time.Time,
) (*ProjectExport, error) {
	project, err := rollup.ProjectProgress(snap, stages, recipes, sessionID, iteration)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	out := &ProjectExport{
		SessionID:  sessionID,
		Iteration:  iteration,
		ExportedAt: now.UTC().Format(time.RFC3339),
		Project:    project,
		Stages:     make([]StageExport, 0, len(project.StageDetails)),
	}

	for _, d := range project.StageDetails {
		key := progress.Key{SessionID: sessionID, StageSlug: d.StageSlug, Iteration: iteration}
		se := StageExport{
			StageSlug: d.StageSlug,
			Status:    d.StageStatus,
			Documents: rollup.StageProgressSummary(snap, key, ""),
		}
		if p, ok := snap.Get(key); ok {
			counts := p.Progress
			se.Progress = &counts
			if pct, ok := rollup.StagePercentage(counts); ok {
				se.Percentage = &pct
			}
			se.Checklists = checklists(p)
		}
		out.Stages = append(out.Stages, se)
	}
	return out, nil
}

// checklists returns the checklist of every model in the entry, keyed by
// model id. It is nil when the entry has no documents.
func checklists(p progress.StageRunProgress) map[string][]rollup.ChecklistEntry {
	var out map[string][]rollup.ChecklistEntry
	for _, d := range p.Documents {
		if out == nil {
			out = make(map[string][]rollup.ChecklistEntry)
		}
		if _, ok := out[d.ModelID]; !ok {
			out[d.ModelID] = rollup.Checklist(p, d.ModelID)
		}
	}
	return out
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}
