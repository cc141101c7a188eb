package recipe

import (
	"errors"
	"fmt"
)

// --- Enums ---

// JobType classifies the kind of work a step performs.
type JobType string

const (
	JobTypePlan    JobType = "PLAN"
	JobTypeExecute JobType = "EXECUTE"
	JobTypeRender  JobType = "RENDER"
)

// Valid reports whether the job type is one of the known kinds.
func (j JobType) Valid() bool {
	switch j {
	case JobTypePlan, JobTypeExecute, JobTypeRender:
		return true
	}
	return false
}

// --- Errors ---

var (
	// ErrRecipeNotFound is returned by providers that have no recipe for a stage.
	ErrRecipeNotFound = errors.New("recipe: not found")

	// ErrCyclicRecipe is returned when the step/edge set is not a DAG.
	ErrCyclicRecipe = errors.New("recipe: cycle detected")

	// ErrInvalidRecipe wraps structural problems found by Validate.
	ErrInvalidRecipe = errors.New("recipe: invalid")
)

// --- Models ---

// Step is one node of a recipe. StepKey is the identity; ID only resolves edges.
type Step struct {
	ID             string  `json:"id" yaml:"id"`
	StepKey        string  `json:"stepKey" yaml:"stepKey"`
	StepName       string  `json:"stepName" yaml:"stepName"`
	JobType        JobType `json:"jobType" yaml:"jobType"`
	ExecutionOrder int     `json:"executionOrder" yaml:"executionOrder"`
}

// Edge is a directed dependency between two steps, referencing Step.ID.
type Edge struct {
	FromStepID string `json:"fromStepId" yaml:"from"`
	ToStepID   string `json:"toStepId" yaml:"to"`
}

// Recipe describes how one stage's work is organized. It is immutable once
// fetched for the lifetime of a run.
type Recipe struct {
	StageSlug  string `json:"stageSlug" yaml:"stageSlug"`
	InstanceID string `json:"instanceId" yaml:"instanceId"`
	Steps      []Step `json:"steps" yaml:"steps"`
	Edges      []Edge `json:"edges" yaml:"edges"`
}

// StepKeys returns the step keys in declaration order.
func (r *Recipe) StepKeys() []string {
	keys := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		keys = append(keys, s.StepKey)
	}
	return keys
}

// HasStep reports whether stepKey belongs to the recipe.
func (r *Recipe) HasStep(stepKey string) bool {
	for _, s := range r.Steps {
		if s.StepKey == stepKey {
			return true
		}
	}
	return false
}

// Validate checks the structural rules a recipe must satisfy before it is
// registered: a stage slug, unique step ids and keys, known job types and an
// acyclic edge set. Dangling edges are tolerated.
func (r *Recipe) Validate() error {
	if r.StageSlug == "" {
		return fmt.Errorf("%w: missing stage slug", ErrInvalidRecipe)
	}
	ids := make(map[string]bool, len(r.Steps))
	keys := make(map[string]bool, len(r.Steps))
	for _, s := range r.Steps {
		if s.StepKey == "" {
			return fmt.Errorf("%w: step %q has no step key", ErrInvalidRecipe, s.ID)
		}
		if keys[s.StepKey] {
			return fmt.Errorf("%w: duplicate step key %q", ErrInvalidRecipe, s.StepKey)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidRecipe, s.ID)
		}
		if !s.JobType.Valid() {
			return fmt.Errorf("%w: step %q has unknown job type %q", ErrInvalidRecipe, s.StepKey, s.JobType)
		}
		keys[s.StepKey] = true
		ids[s.ID] = true
	}
	return DetectCycle(r.Steps, r.Edges)
}

// Clone returns a deep copy of the recipe.
func (r *Recipe) Clone() *Recipe {
	dst := *r
	dst.Steps = append([]Step(nil), r.Steps...)
	dst.Edges = append([]Edge(nil), r.Edges...)
	return &dst
}
