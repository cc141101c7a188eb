package rollup

import (
	"sort"

	"github.com/dusk-indust/stagewatch/internal/progress"
)

// ChecklistEntry is the projection of one document descriptor.
type ChecklistEntry struct {
	DocumentKey              string              `json:"documentKey"`
	Status                   progress.StepStatus `json:"status"`
	JobID                    string              `json:"jobId,omitempty"`
	LatestRenderedResourceID string              `json:"latestRenderedResourceId,omitempty"`
}

// Checklist lists the documents of one model sorted by document key.
// Planned descriptors report not_started.
func Checklist(p progress.StageRunProgress, modelID string) []ChecklistEntry {
	out := make([]ChecklistEntry, 0, len(p.Documents))
	for _, d := range p.Documents {
		if d.ModelID != modelID {
			continue
		}
		entry := ChecklistEntry{DocumentKey: d.DocumentKey, Status: progress.StatusNotStarted}
		if d.DescriptorType == progress.DescriptorRendered {
			entry.Status = d.Status
			entry.JobID = d.JobID
			entry.LatestRenderedResourceID = d.LatestRenderedResourceID
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentKey < out[j].DocumentKey })
	return out
}

// Summary counts the documents of one stage run.
type Summary struct {
	TotalDocuments       int      `json:"totalDocuments"`
	CompletedDocuments   int      `json:"completedDocuments"`
	OutstandingDocuments []string `json:"outstandingDocuments"`
	IsComplete           bool     `json:"isComplete"`
}

// StageProgressSummary summarizes the documents of key, restricted to
// modelID when it is non-empty. A missing entry yields an empty, incomplete
// summary.
func StageProgressSummary(snap progress.Snapshot, key progress.Key, modelID string) Summary {
	out := Summary{OutstandingDocuments: []string{}}
	p, ok := snap.Get(key)
	if !ok {
		return out
	}

	outstanding := make(map[string]bool)
	for _, d := range p.Documents {
		if modelID != "" && d.ModelID != modelID {
			continue
		}
		out.TotalDocuments++
		if d.Status == progress.StatusCompleted {
			out.CompletedDocuments++
			continue
		}
		outstanding[d.DocumentKey] = true
	}
	for k := range outstanding {
		out.OutstandingDocuments = append(out.OutstandingDocuments, k)
	}
	sort.Strings(out.OutstandingDocuments)
	out.IsComplete = out.TotalDocuments > 0 && out.CompletedDocuments == out.TotalDocuments
	return out
}
