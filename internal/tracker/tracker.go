// Package tracker composes the recipe registry, the progress store and the
// roll-ups into the query surface served over JSON-RPC, MCP and the CLI.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dusk-indust/stagewatch/internal/export"
	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/observer"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rollup"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures a Tracker.
type Options struct {
	// Stages is the ordered stage list of the active process template.
	Stages []string
	Layout layout.Options
	Logger zerolog.Logger
}

// Tracker is the facade over one process template.
type Tracker struct {
	registry  *recipe.Registry
	store     *progress.Store
	observers *observer.Manager
	stages    []string
	layout    layout.Options
	log       zerolog.Logger
}

// New returns a Tracker whose store resolves recipes through registry.
func New(registry *recipe.Registry, opts Options) *Tracker {
	store := progress.NewStore(registry, opts.Logger)
	return &Tracker{
		registry:  registry,
		store:     store,
		observers: observer.NewManager(store, registry, observer.Options{Layout: opts.Layout, Logger: opts.Logger}),
		stages:    append([]string(nil), opts.Stages...),
		layout:    opts.Layout,
		log:       opts.Logger.With().Str("component", "tracker").Logger(),
	}
}

// Store exposes the underlying store for subscriptions.
func (t *Tracker) Store() *progress.Store { return t.store }

// Subscribe forwards to the store's subscription list.
func (t *Tracker) Subscribe(match func(progress.Key) bool, fn func(progress.Change)) (unsubscribe func()) {
	return t.store.Subscribe(match, fn)
}

// Observers exposes the observer manager.
func (t *Tracker) Observers() *observer.Manager { return t.observers }

// OpenObserver opens, or joins, the observer of key. The stage's recipe is
// fetched first so the view has a graph to render. onDismiss, when non-nil,
// fires once when the observer closes unless detach is called first.
func (t *Tracker) OpenObserver(ctx context.Context, key progress.Key, onDismiss func(observer.Reason)) (*observer.Observer, func(), error) {
	if key.SessionID == "" || key.StageSlug == "" || key.Iteration < 0 {
		return nil, nil, fmt.Errorf("%w: observer needs session, stage and a non-negative iteration", progress.ErrInvalidEvent)
	}
	if _, err := t.registry.Fetch(ctx, key.StageSlug); err != nil && !errors.Is(err, recipe.ErrRecipeNotFound) {
		return nil, nil, err
	}
	o, detach := t.observers.Watch(key, onDismiss)
	return o, detach, nil
}

// DismissObserver closes the observer open on key. It reports whether one
// was open.
func (t *Tracker) DismissObserver(key progress.Key) bool {
	return t.observers.Dismiss(key)
}

// InvalidateRecipe drops the cached recipe of stageSlug here and in any
// shared cache behind the registry.
func (t *Tracker) InvalidateRecipe(ctx context.Context, stageSlug string) error {
	if stageSlug == "" {
		return fmt.Errorf("%w: stage slug is required", progress.ErrInvalidEvent)
	}
	return t.registry.Invalidate(ctx, stageSlug)
}

// Stages returns the ordered stages of the process template.
func (t *Tracker) Stages() []string { return append([]string(nil), t.stages...) }

// Preload fetches the recipe of every template stage concurrently. The first
// failure cancels the remaining fetches.
func (t *Tracker) Preload(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, slug := range t.stages {
		g.Go(func() error {
			if _, err := t.registry.Fetch(gctx, slug); err != nil {
				return fmt.Errorf("tracker: preload %q: %w", slug, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ComputeLayout lays out an ad-hoc step graph with the tracker's spacing.
func (t *Tracker) ComputeLayout(steps []recipe.Step, edges []recipe.Edge, viewport *layout.Viewport) layout.Result {
	return layout.Compute(steps, edges, viewport, t.layout)
}

// Recipe returns the recipe of stageSlug, fetching it on first use.
func (t *Tracker) Recipe(ctx context.Context, stageSlug string) (*recipe.Recipe, error) {
	return t.registry.Fetch(ctx, stageSlug)
}

// StageLayout lays out the recipe of stageSlug.
func (t *Tracker) StageLayout(ctx context.Context, stageSlug string, viewport *layout.Viewport) (layout.Result, error) {
	r, err := t.registry.Fetch(ctx, stageSlug)
	if err != nil {
		return layout.Result{}, err
	}
	return layout.Compute(r.Steps, r.Edges, viewport, t.layout), nil
}

// Apply ingests one lifecycle event. The stage's recipe is fetched first when
// possible so a new entry starts with every step not_started; a stage with no
// recipe is still tracked.
func (t *Tracker) Apply(ctx context.Context, ev progress.Event) (progress.Change, error) {
	if ev.StageSlug != "" {
		if _, err := t.registry.Fetch(ctx, ev.StageSlug); err != nil && !errors.Is(err, recipe.ErrRecipeNotFound) {
			t.log.Warn().Err(err).Str("stage", ev.StageSlug).Msg("recipe unavailable; tracking without it")
		}
	}
	return t.store.Apply(ctx, ev)
}

// GetStageRunProgress returns the entry for key.
func (t *Tracker) GetStageRunProgress(key progress.Key) (progress.StageRunProgress, bool) {
	return t.store.Get(key)
}

// GetUnifiedProjectProgress rolls up the latest iteration seen for sessionID
// across the template stages.
func (t *Tracker) GetUnifiedProjectProgress(ctx context.Context, sessionID string) (rollup.UnifiedProjectProgress, error) {
	if err := t.fetchStages(ctx); err != nil {
		return rollup.UnifiedProjectProgress{}, err
	}
	iteration, _ := t.store.LatestIteration(sessionID)
	return rollup.ProjectProgress(t.store.Snapshot(), t.stages, t.registry, sessionID, iteration)
}

// ExportProject builds the JSON export of the latest iteration seen for
// sessionID.
func (t *Tracker) ExportProject(ctx context.Context, sessionID string) (*export.ProjectExport, error) {
	if err := t.fetchStages(ctx); err != nil {
		return nil, err
	}
	iteration, _ := t.store.LatestIteration(sessionID)
	return export.ExportProject(t.store.Snapshot(), t.stages, t.registry, sessionID, iteration, time.Now())
}

// fetchStages makes sure every template stage had a fetch attempt. Stages
// the provider does not know surface later as ErrRecipeNotRegistered.
func (t *Tracker) fetchStages(ctx context.Context) error {
	for _, slug := range t.stages {
		if _, ok := t.registry.Lookup(slug); ok {
			continue
		}
		if _, err := t.registry.Fetch(ctx, slug); err != nil && !errors.Is(err, recipe.ErrRecipeNotFound) {
			return err
		}
	}
	return nil
}

// LatestIteration returns the highest iteration seen for sessionID.
func (t *Tracker) LatestIteration(sessionID string) (int, bool) {
	return t.store.LatestIteration(sessionID)
}

// GetChecklist lists the documents of modelID for key.
func (t *Tracker) GetChecklist(key progress.Key, modelID string) []rollup.ChecklistEntry {
	p, ok := t.store.Get(key)
	if !ok {
		return []rollup.ChecklistEntry{}
	}
	return rollup.Checklist(p, modelID)
}

// StageSummary summarizes the documents of key.
func (t *Tracker) StageSummary(key progress.Key, modelID string) rollup.Summary {
	return rollup.StageProgressSummary(t.store.Snapshot(), key, modelID)
}

// IsSessionBusy reports whether any job of sessionID is in flight.
func (t *Tracker) IsSessionBusy(sessionID string) bool {
	return t.store.IsSessionBusy(sessionID)
}

// JobsInFlight lists the in-flight job ids of sessionID.
func (t *Tracker) JobsInFlight(sessionID string) []string {
	return t.store.JobsInFlight(sessionID)
}

// Reset drops the progress of sessionID, or of every session when sessionID
// is empty. Cached recipes are kept.
func (t *Tracker) Reset(sessionID string) {
	if sessionID == "" {
		t.store.Reset()
		return
	}
	t.store.ResetSession(sessionID)
}
