// Package rollup derives stage- and project-level progress from a store
// snapshot. Every function is pure: it reads only its arguments.
package rollup

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
)

// ErrRecipeNotRegistered is returned when the process template references a
// stage whose recipe was never registered.
var ErrRecipeNotRegistered = errors.New("rollup: recipe not registered")

// StepDetail is the status of one recipe step.
type StepDetail struct {
	StepKey string              `json:"stepKey"`
	Status  progress.StepStatus `json:"status"`
}

// StageDetail describes one stage of the process template.
type StageDetail struct {
	StageSlug   string              `json:"stageSlug"`
	StageStatus progress.StepStatus `json:"stageStatus"`
	StepsDetail []StepDetail        `json:"stepsDetail"`
}

// UnifiedProjectProgress is the read-only roll-up of all stages. When
// HasData is false (no stages), OverallPercentage means "no data", not 0%.
type UnifiedProjectProgress struct {
	TotalStages       int                 `json:"totalStages"`
	CompletedStages   int                 `json:"completedStages"`
	CurrentStageSlug  string              `json:"currentStageSlug"`
	OverallPercentage int                 `json:"overallPercentage"`
	HasData           bool                `json:"hasData"`
	CurrentStage      *StageDetail        `json:"currentStage,omitempty"`
	ProjectStatus     progress.StepStatus `json:"projectStatus"`
	StageDetails      []StageDetail       `json:"stageDetails"`
}

// StageStatus rolls the recipe's step statuses up into one stage status.
// p may be nil when no event has arrived for the stage. Statuses of steps
// outside the recipe are ignored.
func StageStatus(r *recipe.Recipe, p *progress.StageRunProgress) progress.StepStatus {
	if r == nil || len(r.Steps) == 0 {
		return progress.StatusNotStarted
	}

	var completed, failed, inProgress int
	for _, s := range r.Steps {
		switch stepStatus(p, s.StepKey) {
		case progress.StatusCompleted:
			completed++
		case progress.StatusFailed:
			failed++
		case progress.StatusInProgress:
			inProgress++
		}
	}

	switch {
	case completed == len(r.Steps):
		return progress.StatusCompleted
	case failed > 0 && inProgress == 0:
		return progress.StatusFailed
	case inProgress > 0 || completed > 0:
		return progress.StatusInProgress
	default:
		return progress.StatusNotStarted
	}
}

func stepStatus(p *progress.StageRunProgress, stepKey string) progress.StepStatus {
	if p == nil {
		return progress.StatusNotStarted
	}
	if s, ok := p.StepStatuses[stepKey]; ok && s != "" {
		return s
	}
	return progress.StatusNotStarted
}

// StageDetailFor builds the detail block of one stage with steps in
// execution order.
func StageDetailFor(r *recipe.Recipe, p *progress.StageRunProgress) StageDetail {
	steps := append([]recipe.Step(nil), r.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].ExecutionOrder < steps[j].ExecutionOrder
	})
	detail := StageDetail{
		StageSlug:   r.StageSlug,
		StageStatus: StageStatus(r, p),
		StepsDetail: make([]StepDetail, 0, len(steps)),
	}
	for _, s := range steps {
		detail.StepsDetail = append(detail.StepsDetail, StepDetail{
			StepKey: s.StepKey,
			Status:  stepStatus(p, s.StepKey),
		})
	}
	return detail
}

// ProjectProgress computes the unified roll-up of one session iteration over
// the ordered stages of the active process template.
func ProjectProgress(
	snap progress.Snapshot,
	stages []string,
	recipes progress.RecipeLookup,
	sessionID string,
	iteration int,
) (UnifiedProjectProgress, error) {
	out := UnifiedProjectProgress{
		TotalStages:   len(stages),
		ProjectStatus: progress.StatusNotStarted,
		StageDetails:  make([]StageDetail, 0, len(stages)),
	}
	if len(stages) == 0 {
		return out, nil
	}

	for _, slug := range stages {
		r, ok := recipes.Lookup(slug)
		if !ok {
			return UnifiedProjectProgress{}, fmt.Errorf("%w: stage %q", ErrRecipeNotRegistered, slug)
		}
		var p *progress.StageRunProgress
		if entry, ok := snap.Get(progress.Key{SessionID: sessionID, StageSlug: slug, Iteration: iteration}); ok {
			p = &entry
		}
		detail := StageDetailFor(r, p)
		detail.StageSlug = slug
		if detail.StageStatus == progress.StatusCompleted {
			out.CompletedStages++
		}
		out.StageDetails = append(out.StageDetails, detail)
	}

	current := len(out.StageDetails) - 1
	for i, d := range out.StageDetails {
		if d.StageStatus != progress.StatusCompleted {
			current = i
			break
		}
	}
	cur := out.StageDetails[current]
	out.CurrentStageSlug = cur.StageSlug
	out.CurrentStage = &cur
	out.ProjectStatus = cur.StageStatus
	out.OverallPercentage = percentage(out.CompletedStages, out.TotalStages)
	out.HasData = true
	return out, nil
}

// StagePercentage returns the share of completed steps. ok is false when the
// entry has no steps, which callers must render as "no progress" rather than
// a stalled 0%.
func StagePercentage(c progress.Counts) (pct int, ok bool) {
	if c.TotalSteps == 0 {
		return 0, false
	}
	return percentage(c.CompletedSteps, c.TotalSteps), true
}

func percentage(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(done) / float64(total)))
	return max(0, min(100, pct))
}
