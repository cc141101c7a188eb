package progress

import (
	"fmt"
	"time"
)

// StepStatus is the lifecycle state of a step, job or document.
type StepStatus string

const (
	StatusNotStarted StepStatus = "not_started"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed within a run.
func (s StepStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Key identifies one Stage Run Progress entry.
type Key struct {
	SessionID string `json:"sessionId"`
	StageSlug string `json:"stageSlug"`
	Iteration int    `json:"iterationNumber"`
}

// String returns the composite form "sessionId:stageSlug:iteration".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.SessionID, k.StageSlug, k.Iteration)
}

// DescriptorType discriminates the two Document Descriptor shapes.
type DescriptorType string

const (
	// DescriptorPlanned is expected but not yet produced.
	DescriptorPlanned DescriptorType = "planned"
	// DescriptorRendered has been attempted or produced at least once.
	DescriptorRendered DescriptorType = "rendered"
)

// DocumentSeparator joins a document key and a model id into a map key.
const DocumentSeparator = "::"

// DocumentMapKey builds the composite key used in StageRunProgress.Documents.
func DocumentMapKey(documentKey, modelID string) string {
	return documentKey + DocumentSeparator + modelID
}

// DocumentDescriptor tracks one output document for one model. Planned
// descriptors always report StatusNotStarted with no job or resource; a
// descriptor becomes rendered on its first render event and never reverts.
type DocumentDescriptor struct {
	DescriptorType           DescriptorType `json:"descriptorType"`
	DocumentKey              string         `json:"documentKey"`
	ModelID                  string         `json:"modelId"`
	StepKey                  string         `json:"stepKey"`
	Status                   StepStatus     `json:"status"`
	JobID                    string         `json:"jobId,omitempty"`
	LatestRenderedResourceID string         `json:"latestRenderedResourceId,omitempty"`
	LastRenderedResourceID   string         `json:"lastRenderedResourceId,omitempty"`
	VersionHash              string         `json:"versionHash,omitempty"`
	LastRenderedAt           time.Time      `json:"lastRenderAtIso,omitempty"`
}

// IsRenderedComplete reports whether the document has a completed render.
func (d DocumentDescriptor) IsRenderedComplete() bool {
	return d.DescriptorType == DescriptorRendered && d.Status == StatusCompleted
}

// JobProgress is the per-job record kept alongside step statuses.
type JobProgress struct {
	JobID           string     `json:"jobId"`
	StepKey         string     `json:"stepKey"`
	DocumentKey     string     `json:"documentKey,omitempty"`
	ModelID         string     `json:"modelId,omitempty"`
	Status          StepStatus `json:"status"`
	CompletedChunks []int      `json:"completedChunks,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Counts is the step roll-up of one entry. CompletedSteps+FailedSteps never
// exceeds TotalSteps.
type Counts struct {
	CompletedSteps int `json:"completedSteps"`
	TotalSteps     int `json:"totalSteps"`
	FailedSteps    int `json:"failedSteps"`
}

// StageRunProgress is the mutable status snapshot for one
// session/stage/iteration triple. Values handed out by the Store are copies.
type StageRunProgress struct {
	Key          Key                           `json:"key"`
	StepStatuses map[string]StepStatus         `json:"stepStatuses"`
	Documents    map[string]DocumentDescriptor `json:"documents"`
	JobProgress  map[string]JobProgress        `json:"jobProgress"`
	Progress     Counts                        `json:"progress"`
	UpdatedAt    time.Time                     `json:"updatedAt"`
}

func newStageRunProgress(key Key, stepKeys []string) *StageRunProgress {
	p := &StageRunProgress{
		Key:          key,
		StepStatuses: make(map[string]StepStatus, len(stepKeys)),
		Documents:    make(map[string]DocumentDescriptor),
		JobProgress:  make(map[string]JobProgress),
	}
	for _, k := range stepKeys {
		p.StepStatuses[k] = StatusNotStarted
	}
	p.Progress.TotalSteps = len(stepKeys)
	return p
}

// Clone returns a deep copy.
func (p *StageRunProgress) Clone() StageRunProgress {
	dst := *p
	dst.StepStatuses = make(map[string]StepStatus, len(p.StepStatuses))
	for k, v := range p.StepStatuses {
		dst.StepStatuses[k] = v
	}
	dst.Documents = make(map[string]DocumentDescriptor, len(p.Documents))
	for k, v := range p.Documents {
		dst.Documents[k] = v
	}
	dst.JobProgress = make(map[string]JobProgress, len(p.JobProgress))
	for k, v := range p.JobProgress {
		if v.CompletedChunks != nil {
			v.CompletedChunks = append([]int(nil), v.CompletedChunks...)
		}
		dst.JobProgress[k] = v
	}
	return dst
}

// Snapshot is a read-only copy of every entry.
type Snapshot map[Key]StageRunProgress

// Get returns the entry for key.
func (s Snapshot) Get(key Key) (StageRunProgress, bool) {
	p, ok := s[key]
	return p, ok
}
