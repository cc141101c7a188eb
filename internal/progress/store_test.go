package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		StageSlug: "synthesis",
		Steps: []recipe.Step{
			{ID: "1", StepKey: "plan", JobType: recipe.JobTypePlan},
			{ID: "2", StepKey: "draft", JobType: recipe.JobTypeExecute, ExecutionOrder: 1},
			{ID: "3", StepKey: "render", JobType: recipe.JobTypeRender, ExecutionOrder: 2},
		},
		Edges: []recipe.Edge{{FromStepID: "1", ToStepID: "2"}, {FromStepID: "2", ToStepID: "3"}},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	reg := recipe.NewRegistry(nil, zerolog.Nop())
	require.NoError(t, reg.Register(testRecipe()))
	return NewStore(reg, zerolog.Nop())
}

var testKey = Key{SessionID: "sess-1", StageSlug: "synthesis", Iteration: 1}

func ev(typ EventType, stepKey string) Event {
	return Event{Type: typ, SessionID: testKey.SessionID, StageSlug: testKey.StageSlug, Iteration: testKey.Iteration, StepKey: stepKey}
}

func docEv(typ EventType, stepKey, jobID, docKey, modelID string) Event {
	e := ev(typ, stepKey)
	e.JobID = jobID
	e.DocumentKey = docKey
	e.ModelID = modelID
	return e
}

func mustApply(t *testing.T, s *Store, e Event) Change {
	t.Helper()
	c, err := s.Apply(context.Background(), e)
	require.NoError(t, err)
	return c
}

func TestStore_LazyCreationInitializesRecipeSteps(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get(testKey)
	assert.False(t, ok)

	mustApply(t, s, ev(EventPlannerStarted, "plan"))

	p, ok := s.Get(testKey)
	require.True(t, ok)
	assert.Equal(t, map[string]StepStatus{
		"plan":   StatusInProgress,
		"draft":  StatusNotStarted,
		"render": StatusNotStarted,
	}, p.StepStatuses)
	assert.Empty(t, p.Documents)
	assert.Equal(t, Counts{TotalSteps: 3}, p.Progress)
	assert.Equal(t, "sess-1:synthesis:1", p.Key.String())
}

func TestStore_PlannerLifecycle(t *testing.T) {
	s := newTestStore(t)
	c := mustApply(t, s, ev(EventPlannerStarted, "plan"))
	assert.Equal(t, StatusNotStarted, c.Previous)
	assert.Equal(t, StatusInProgress, c.Current)
	assert.True(t, c.StepChanged())

	c = mustApply(t, s, ev(EventPlannerCompleted, "plan"))
	assert.Equal(t, StatusCompleted, c.Current)
	assert.Equal(t, Counts{CompletedSteps: 1, TotalSteps: 3}, c.Progress.Progress)
}

func TestStore_CompletionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	render := docEv(EventRenderCompleted, "render", "job-r", "summary", "model-a")
	render.Render = &RenderInfo{RenderedResourceID: "res-1", VersionHash: "v1"}

	first := mustApply(t, s, render)
	second := mustApply(t, s, render)

	assert.False(t, second.StepChanged())
	assert.Equal(t, first.Progress.Progress, second.Progress.Progress)
	assert.Equal(t, first.Progress.Documents, second.Progress.Documents)
	assert.Len(t, second.Progress.Documents, 1)
}

func TestStore_FailureOfCompletedStepIsRejected(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, ev(EventPlannerCompleted, "plan"))

	failed := ev(EventJobFailed, "plan")
	failed.Failure = &FailureInfo{Message: "late failure"}
	c := mustApply(t, s, failed)

	assert.True(t, c.Rejected)
	assert.Equal(t, StatusCompleted, c.Current)
	p, _ := s.Get(testKey)
	assert.Equal(t, StatusCompleted, p.StepStatuses["plan"])
	assert.Equal(t, Counts{CompletedSteps: 1, TotalSteps: 3}, p.Progress)
}

func TestStore_FailedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	failed := docEv(EventJobFailed, "draft", "job-1", "", "")
	failed.Failure = &FailureInfo{Message: "boom"}
	mustApply(t, s, failed)
	mustApply(t, s, docEv(EventDocumentCompleted, "draft", "job-2", "summary", "model-a"))

	p, _ := s.Get(testKey)
	assert.Equal(t, StatusFailed, p.StepStatuses["draft"])
	assert.Equal(t, Counts{TotalSteps: 3, FailedSteps: 1}, p.Progress)
	assert.Equal(t, "boom", p.JobProgress["job-1"].Error)
}

func TestStore_OutOfOrderDelivery(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, docEv(EventDocumentCompleted, "draft", "job-1", "summary", "model-a"))
	c := mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-1", "summary", "model-a"))

	assert.Equal(t, StatusCompleted, c.Current, "stale start must not reopen a completed step")
	assert.Equal(t, StatusCompleted, c.Progress.JobProgress["job-1"].Status)
	assert.False(t, s.IsSessionBusy(testKey.SessionID))
}

func TestStore_StepWaitsForAllJobs(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-a", "summary", "model-a"))
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-b", "summary", "model-b"))

	c := mustApply(t, s, docEv(EventDocumentCompleted, "draft", "job-a", "summary", "model-a"))
	assert.Equal(t, StatusInProgress, c.Current)

	c = mustApply(t, s, docEv(EventDocumentCompleted, "draft", "job-b", "summary", "model-b"))
	assert.Equal(t, StatusCompleted, c.Current)
}

func TestStore_ChunksAreDeduplicated(t *testing.T) {
	s := newTestStore(t)
	for _, idx := range []int{2, 0, 2, 1} {
		chunk := docEv(EventDocumentChunkCompleted, "draft", "job-a", "summary", "model-a")
		chunk.ChunkIndex = idx
		mustApply(t, s, chunk)
	}
	p, _ := s.Get(testKey)
	assert.Equal(t, []int{0, 1, 2}, p.JobProgress["job-a"].CompletedChunks)
	assert.Equal(t, StatusInProgress, p.StepStatuses["draft"])
}

func TestStore_DocumentDescriptorShapes(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-a", "summary", "model-a"))

	p, _ := s.Get(testKey)
	d := p.Documents[DocumentMapKey("summary", "model-a")]
	assert.Equal(t, DocumentDescriptor{
		DescriptorType: DescriptorPlanned,
		DocumentKey:    "summary",
		ModelID:        "model-a",
		StepKey:        "draft",
		Status:         StatusNotStarted,
	}, d)

	mustApply(t, s, docEv(EventRenderStarted, "render", "job-r", "summary", "model-a"))
	p, _ = s.Get(testKey)
	d = p.Documents[DocumentMapKey("summary", "model-a")]
	assert.Equal(t, DescriptorRendered, d.DescriptorType)
	assert.Equal(t, StatusInProgress, d.Status)
	assert.Equal(t, "job-r", d.JobID)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := docEv(EventRenderCompleted, "render", "job-r", "summary", "model-a")
	done.Render = &RenderInfo{RenderedResourceID: "res-1", VersionHash: "v1", RenderedAt: at}
	mustApply(t, s, done)

	// A later document_started must not revert the descriptor to planned.
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-a", "summary", "model-a"))

	p, _ = s.Get(testKey)
	d = p.Documents[DocumentMapKey("summary", "model-a")]
	assert.True(t, d.IsRenderedComplete())
	assert.Equal(t, "res-1", d.LatestRenderedResourceID)
	assert.Equal(t, "res-1", d.LastRenderedResourceID)
	assert.Equal(t, "v1", d.VersionHash)
	assert.Equal(t, at, d.LastRenderedAt)
}

func TestStore_RenderRevisionKeepsPreviousResource(t *testing.T) {
	s := newTestStore(t)
	first := docEv(EventRenderCompleted, "render", "job-1", "summary", "model-a")
	first.Render = &RenderInfo{RenderedResourceID: "res-1", VersionHash: "v1"}
	second := docEv(EventRenderCompleted, "render", "job-2", "summary", "model-a")
	second.Render = &RenderInfo{RenderedResourceID: "res-2", VersionHash: "v2"}

	mustApply(t, s, first)
	mustApply(t, s, second)
	mustApply(t, s, second) // replay

	p, _ := s.Get(testKey)
	d := p.Documents[DocumentMapKey("summary", "model-a")]
	assert.Equal(t, "res-2", d.LatestRenderedResourceID)
	assert.Equal(t, "res-1", d.LastRenderedResourceID)
	assert.Equal(t, "v2", d.VersionHash)
	assert.Equal(t, "job-2", d.JobID)
	assert.Equal(t, StatusCompleted, d.Status)
}

func TestStore_FailedRenderMarksDocumentAndStep(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, docEv(EventRenderStarted, "render", "job-r", "summary", "model-a"))
	done := docEv(EventRenderCompleted, "render", "job-r", "summary", "model-a")
	done.Render = &RenderInfo{Status: StatusFailed}
	c := mustApply(t, s, done)

	assert.Equal(t, StatusFailed, c.Current)
	assert.Equal(t, StatusFailed, c.Progress.Documents[DocumentMapKey("summary", "model-a")].Status)
}

func TestStore_JobFailedMarksRenderedDocument(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, docEv(EventRenderStarted, "render", "job-r", "summary", "model-a"))
	mustApply(t, s, docEv(EventJobFailed, "render", "job-r", "summary", "model-a"))

	p, _ := s.Get(testKey)
	assert.Equal(t, StatusFailed, p.Documents[DocumentMapKey("summary", "model-a")].Status)
	assert.Equal(t, StatusFailed, p.StepStatuses["render"])
}

func TestStore_UpsertDocument(t *testing.T) {
	s := newTestStore(t)
	d, err := s.UpsertDocument(testKey, "outline", "model-a", DocumentUpdate{StepKey: "draft"})
	require.NoError(t, err)
	assert.Equal(t, DescriptorPlanned, d.DescriptorType)

	d, err = s.UpsertDocument(testKey, "outline", "model-a", DocumentUpdate{
		JobID:  "job-9",
		Render: &RenderInfo{Status: StatusCompleted, RenderedResourceID: "res-9"},
	})
	require.NoError(t, err)
	assert.True(t, d.IsRenderedComplete())
	assert.Equal(t, "draft", d.StepKey)

	_, err = s.UpsertDocument(testKey, "", "model-a", DocumentUpdate{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestStore_JobsInFlight(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-a", "summary", "model-a"))
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-b", "summary", "model-b"))
	mustApply(t, s, docEv(EventDocumentStarted, "draft", "job-a", "summary", "model-a"))

	assert.Equal(t, []string{"job-a", "job-b"}, s.JobsInFlight("sess-1"))
	assert.True(t, s.IsSessionBusy("sess-1"))

	mustApply(t, s, docEv(EventDocumentCompleted, "draft", "job-a", "summary", "model-a"))
	mustApply(t, s, docEv(EventJobFailed, "draft", "job-b", "summary", "model-b"))
	assert.Empty(t, s.JobsInFlight("sess-1"))
	assert.False(t, s.IsSessionBusy("sess-1"))
}

func TestStore_InvalidEvents(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name string
		ev   Event
	}{
		{name: "missing session", ev: Event{Type: EventPlannerStarted, StageSlug: "synthesis", StepKey: "plan"}},
		{name: "missing step", ev: Event{Type: EventPlannerStarted, SessionID: "s", StageSlug: "synthesis"}},
		{name: "unknown type", ev: ev("step_exploded", "plan")},
		{name: "document without model", ev: docEv(EventDocumentStarted, "draft", "j", "summary", "")},
		{name: "negative iteration", ev: Event{Type: EventPlannerStarted, SessionID: "s", StageSlug: "x", StepKey: "p", Iteration: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Apply(context.Background(), tt.ev)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
	assert.Empty(t, s.Snapshot())
}

func TestStore_ApplyHonorsCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Apply(ctx, ev(EventPlannerStarted, "plan"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Snapshot())
}

func TestStore_OrphanStepNotCounted(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, ev(EventPlannerCompleted, "not-in-recipe"))

	p, _ := s.Get(testKey)
	assert.Equal(t, StatusCompleted, p.StepStatuses["not-in-recipe"])
	assert.Equal(t, Counts{TotalSteps: 3}, p.Progress)
}

func TestStore_WithoutRecipeCountsRecordedSteps(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	mustApply(t, s, ev(EventPlannerCompleted, "plan"))
	c := mustApply(t, s, ev(EventJobFailed, "draft"))
	assert.Equal(t, Counts{CompletedSteps: 1, TotalSteps: 2, FailedSteps: 1}, c.Progress.Progress)
}

func TestStore_SubscribeFiltersAndUnsubscribes(t *testing.T) {
	s := newTestStore(t)
	var mine, all []Change
	unsubMine := s.Subscribe(MatchKey(testKey), func(c Change) { mine = append(mine, c) })
	unsubAll := s.Subscribe(nil, func(c Change) { all = append(all, c) })
	defer unsubAll()

	mustApply(t, s, ev(EventPlannerStarted, "plan"))
	other := ev(EventPlannerStarted, "plan")
	other.Iteration = 2
	mustApply(t, s, other)

	assert.Len(t, mine, 1)
	assert.Len(t, all, 2)

	unsubMine()
	unsubMine()
	mustApply(t, s, ev(EventPlannerCompleted, "plan"))
	assert.Len(t, mine, 1)
	assert.Len(t, all, 3)
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, ev(EventPlannerStarted, "plan"))

	p, _ := s.Get(testKey)
	p.StepStatuses["plan"] = StatusFailed

	again, _ := s.Get(testKey)
	assert.Equal(t, StatusInProgress, again.StepStatuses["plan"])
}

func TestStore_LatestIterationAndReset(t *testing.T) {
	s := newTestStore(t)
	for _, it := range []int{1, 3, 2} {
		e := ev(EventPlannerStarted, "plan")
		e.Iteration = it
		mustApply(t, s, e)
	}
	it, ok := s.LatestIteration("sess-1")
	require.True(t, ok)
	assert.Equal(t, 3, it)

	s.ResetSession("sess-1")
	_, ok = s.LatestIteration("sess-1")
	assert.False(t, ok)
	assert.Empty(t, s.Snapshot())

	mustApply(t, s, ev(EventPlannerStarted, "plan"))
	s.Reset()
	assert.Empty(t, s.Snapshot())
}

func TestStore_IndependentKeysConcurrently(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			for _, step := range []string{"plan", "draft", "render"} {
				e := ev(EventPlannerStarted, step)
				e.SessionID = session
				_, _ = s.Apply(context.Background(), e)
				e.Type = EventPlannerCompleted
				_, _ = s.Apply(context.Background(), e)
				_ = s.Snapshot()
			}
		}(fmt.Sprintf("sess-%d", i))
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap, 8)
	for _, p := range snap {
		assert.Equal(t, Counts{CompletedSteps: 3, TotalSteps: 3}, p.Progress)
	}
}

func TestStore_KeysWithSeparatorsStayDistinct(t *testing.T) {
	s := newTestStore(t)
	left := Key{SessionID: "a:b", StageSlug: "c", Iteration: 1}
	right := Key{SessionID: "a", StageSlug: "b:c", Iteration: 1}
	require.Equal(t, left.String(), right.String())

	mustApply(t, s, Event{Type: EventPlannerCompleted, SessionID: left.SessionID, StageSlug: left.StageSlug, Iteration: 1, StepKey: "plan"})
	mustApply(t, s, Event{Type: EventPlannerStarted, SessionID: right.SessionID, StageSlug: right.StageSlug, Iteration: 1, StepKey: "plan"})

	l, ok := s.Get(left)
	require.True(t, ok)
	r, ok := s.Get(right)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, l.StepStatuses["plan"])
	assert.Equal(t, StatusInProgress, r.StepStatuses["plan"])

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
	got, _ := snap.Get(left)
	assert.Equal(t, left, got.Key)
}
