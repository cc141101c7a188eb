package rollup

import (
	"testing"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docs(ds ...progress.DocumentDescriptor) map[string]progress.DocumentDescriptor {
	out := make(map[string]progress.DocumentDescriptor, len(ds))
	for _, d := range ds {
		out[progress.DocumentMapKey(d.DocumentKey, d.ModelID)] = d
	}
	return out
}

func TestChecklist_FiltersByModelAndSorts(t *testing.T) {
	p := progress.StageRunProgress{Documents: docs(
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorRendered, DocumentKey: "zeta", ModelID: "m1",
			Status: progress.StatusCompleted, JobID: "j1", LatestRenderedResourceID: "r1"},
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorPlanned, DocumentKey: "alpha", ModelID: "m1",
			Status: progress.StatusNotStarted},
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorRendered, DocumentKey: "beta", ModelID: "m2",
			Status: progress.StatusInProgress, JobID: "j2"},
	)}

	got := Checklist(p, "m1")
	require.Len(t, got, 2)
	assert.Equal(t, ChecklistEntry{DocumentKey: "alpha", Status: progress.StatusNotStarted}, got[0])
	assert.Equal(t, ChecklistEntry{DocumentKey: "zeta", Status: progress.StatusCompleted, JobID: "j1", LatestRenderedResourceID: "r1"}, got[1])

	assert.Empty(t, Checklist(p, "unknown"))
}

func TestStageProgressSummary(t *testing.T) {
	key := progress.Key{SessionID: "s", StageSlug: "thesis", Iteration: 1}
	snap := progress.Snapshot{key: {Key: key, Documents: docs(
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorRendered, DocumentKey: "a", ModelID: "m1", Status: progress.StatusCompleted},
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorRendered, DocumentKey: "c", ModelID: "m1", Status: progress.StatusFailed},
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorPlanned, DocumentKey: "b", ModelID: "m1", Status: progress.StatusNotStarted},
		progress.DocumentDescriptor{DescriptorType: progress.DescriptorRendered, DocumentKey: "a", ModelID: "m2", Status: progress.StatusCompleted},
	)}}

	t.Run("single model", func(t *testing.T) {
		got := StageProgressSummary(snap, key, "m1")
		assert.Equal(t, 3, got.TotalDocuments)
		assert.Equal(t, 1, got.CompletedDocuments)
		assert.Equal(t, []string{"b", "c"}, got.OutstandingDocuments)
		assert.False(t, got.IsComplete)
	})

	t.Run("all models", func(t *testing.T) {
		got := StageProgressSummary(snap, key, "")
		assert.Equal(t, 4, got.TotalDocuments)
		assert.Equal(t, 2, got.CompletedDocuments)
	})

	t.Run("model fully rendered", func(t *testing.T) {
		got := StageProgressSummary(snap, key, "m2")
		assert.True(t, got.IsComplete)
		assert.Empty(t, got.OutstandingDocuments)
	})

	t.Run("missing entry", func(t *testing.T) {
		got := StageProgressSummary(snap, progress.Key{SessionID: "other", StageSlug: "thesis", Iteration: 1}, "")
		assert.Equal(t, 0, got.TotalDocuments)
		assert.False(t, got.IsComplete)
		assert.NotNil(t, got.OutstandingDocuments)
	})
}
