package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RecipeLookup resolves the recipe registered for a stage. *recipe.Registry
// satisfies it.
type RecipeLookup interface {
	Lookup(stageSlug string) (*recipe.Recipe, bool)
}

// Change is delivered to subscribers after every mutation.
type Change struct {
	Key      Key              `json:"key"`
	Event    *Event           `json:"event,omitempty"`
	StepKey  string           `json:"stepKey,omitempty"`
	Previous StepStatus       `json:"previous,omitempty"`
	Current  StepStatus       `json:"current,omitempty"`
	Rejected bool             `json:"rejected,omitempty"`
	Progress StageRunProgress `json:"progress"`
}

// StepChanged reports whether the step status moved.
func (c Change) StepChanged() bool {
	return c.StepKey != "" && c.Previous != c.Current
}

type subscription struct {
	id    string
	match func(Key) bool
	fn    func(Change)
}

// Store is the single owner of all Stage Run Progress entries. Mutations are
// serialized under a write lock; readers receive deep copies. Subscribers are
// notified after the lock is released.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]*StageRunProgress
	latest   map[string]int      // sessionID -> highest iteration seen
	inFlight map[string][]string // sessionID -> job ids in flight
	recipes  RecipeLookup

	subMu sync.Mutex
	subs  []subscription

	log zerolog.Logger
	now func() time.Time
}

// NewStore returns an empty Store. recipes may be nil.
func NewStore(recipes RecipeLookup, log zerolog.Logger) *Store {
	return &Store{
		entries:  make(map[Key]*StageRunProgress),
		latest:   make(map[string]int),
		inFlight: make(map[string][]string),
		recipes:  recipes,
		log:      log.With().Str("component", "progress-store").Logger(),
		now:      time.Now,
	}
}

// Apply is the single mutation entry point for lifecycle events. Duplicate,
// stale and out-of-order events are absorbed; only malformed events return
// an error, and they leave the store untouched.
func (s *Store) Apply(ctx context.Context, ev Event) (Change, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, err
	}
	if err := ev.Validate(); err != nil {
		return Change{}, err
	}

	key := ev.Key()
	s.mu.Lock()
	entry := s.entryLocked(key)
	change := s.applyLocked(entry, ev)
	s.recountLocked(entry)
	entry.UpdatedAt = s.now()
	change.Progress = entry.Clone()
	s.mu.Unlock()

	s.notify(change)
	return change, nil
}

// DocumentUpdate is the payload of UpsertDocument. A nil Render only ensures
// the descriptor exists.
type DocumentUpdate struct {
	StepKey string
	JobID   string
	Started bool
	Render  *RenderInfo
}

// UpsertDocument creates the descriptor for (documentKey, modelID) as planned
// on first reference and applies update to it.
func (s *Store) UpsertDocument(key Key, documentKey, modelID string, update DocumentUpdate) (DocumentDescriptor, error) {
	if key.SessionID == "" || key.StageSlug == "" || documentKey == "" || modelID == "" {
		return DocumentDescriptor{}, fmt.Errorf("%w: key, documentKey and modelId are required", ErrInvalidEvent)
	}

	s.mu.Lock()
	entry := s.entryLocked(key)
	d := s.upsertDocumentLocked(entry, documentKey, modelID, update)
	entry.UpdatedAt = s.now()
	change := Change{Key: key, Progress: entry.Clone()}
	s.mu.Unlock()

	s.notify(change)
	return d, nil
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key Key) (StageRunProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return StageRunProgress{}, false
	}
	return e.Clone(), true
}

// Snapshot returns a deep copy of every entry.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Clone()
	}
	return out
}

// LatestIteration returns the highest iteration seen for sessionID.
func (s *Store) LatestIteration(sessionID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.latest[sessionID]
	return it, ok
}

// JobsInFlight returns the ids of jobs started but not yet finished for a session.
func (s *Store) JobsInFlight(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.inFlight[sessionID]...)
}

// IsSessionBusy reports whether any job of the session is in flight.
func (s *Store) IsSessionBusy(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inFlight[sessionID]) > 0
}

// Reset drops every entry. Used when a new run starts.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]*StageRunProgress)
	s.latest = make(map[string]int)
	s.inFlight = make(map[string][]string)
}

// ResetSession drops the entries and in-flight jobs of one session.
func (s *Store) ResetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.Key.SessionID == sessionID {
			delete(s.entries, k)
		}
	}
	delete(s.latest, sessionID)
	delete(s.inFlight, sessionID)
}

// Subscribe registers fn for changes whose key satisfies match (nil matches
// everything). The returned function unsubscribes and is safe to call twice.
func (s *Store) Subscribe(match func(Key) bool, fn func(Change)) (unsubscribe func()) {
	id := uuid.NewString()
	s.subMu.Lock()
	s.subs = append(s.subs, subscription{id: id, match: match, fn: fn})
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// MatchKey matches exactly one key.
func MatchKey(key Key) func(Key) bool {
	return func(k Key) bool { return k == key }
}

// MatchSession matches every key of a session.
func MatchSession(sessionID string) func(Key) bool {
	return func(k Key) bool { return k.SessionID == sessionID }
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		if sub.match == nil || sub.match(change.Key) {
			sub.fn(change)
		}
	}
}

// entryLocked resolves the entry for key, creating it with every recipe
// step not_started when absent.
func (s *Store) entryLocked(key Key) *StageRunProgress {
	if it, ok := s.latest[key.SessionID]; !ok || key.Iteration > it {
		s.latest[key.SessionID] = key.Iteration
	}
	if e, ok := s.entries[key]; ok {
		return e
	}
	var stepKeys []string
	if r, ok := s.lookupRecipe(key.StageSlug); ok {
		stepKeys = r.StepKeys()
	}
	e := newStageRunProgress(key, stepKeys)
	s.entries[key] = e
	s.log.Debug().Str("key", key.String()).Int("steps", len(stepKeys)).Msg("stage run progress created")
	return e
}

func (s *Store) lookupRecipe(stageSlug string) (*recipe.Recipe, bool) {
	if s.recipes == nil {
		return nil, false
	}
	return s.recipes.Lookup(stageSlug)
}

// applyLocked is the transition table: it maps each event type onto a job
// update, a document update and a target step status.
func (s *Store) applyLocked(e *StageRunProgress, ev Event) Change {
	var target StepStatus

	switch ev.Type {
	case EventPlannerStarted:
		s.trackJobLocked(e, ev, StatusInProgress)
		target = StatusInProgress

	case EventDocumentStarted, EventDocumentChunkCompleted:
		s.trackJobLocked(e, ev, StatusInProgress)
		s.upsertDocumentLocked(e, ev.DocumentKey, ev.ModelID, DocumentUpdate{StepKey: ev.StepKey})
		target = StatusInProgress

	case EventRenderStarted:
		s.trackJobLocked(e, ev, StatusInProgress)
		s.upsertDocumentLocked(e, ev.DocumentKey, ev.ModelID, DocumentUpdate{
			StepKey: ev.StepKey, JobID: ev.JobID, Started: true,
		})
		target = StatusInProgress

	case EventPlannerCompleted, EventDocumentCompleted:
		s.trackJobLocked(e, ev, StatusCompleted)
		if ev.hasDocument() {
			s.upsertDocumentLocked(e, ev.DocumentKey, ev.ModelID, DocumentUpdate{StepKey: ev.StepKey})
		}
		target = settledStatus(e, ev.StepKey)

	case EventRenderCompleted:
		info := RenderInfo{}
		if ev.Render != nil {
			info = *ev.Render
		}
		if info.Status == "" {
			info.Status = StatusCompleted
		}
		if info.RenderedAt.IsZero() {
			info.RenderedAt = ev.OccurredAt
		}
		if info.Status == StatusFailed {
			s.trackJobLocked(e, ev, StatusFailed)
		} else {
			s.trackJobLocked(e, ev, StatusCompleted)
		}
		s.upsertDocumentLocked(e, ev.DocumentKey, ev.ModelID, DocumentUpdate{
			StepKey: ev.StepKey, JobID: ev.JobID, Render: &info,
		})
		if info.Status == StatusFailed {
			target = StatusFailed
		} else {
			target = settledStatus(e, ev.StepKey)
		}

	case EventJobFailed:
		s.trackJobLocked(e, ev, StatusFailed)
		if ev.hasDocument() {
			s.failDocumentLocked(e, ev.DocumentKey, ev.ModelID)
		}
		target = StatusFailed
	}

	evCopy := ev
	change := Change{Key: e.Key, Event: &evCopy, StepKey: ev.StepKey}
	change.Previous, change.Current, change.Rejected = s.transitionLocked(e, ev, target)
	return change
}

// settledStatus is completed unless another job of the same step is still
// running.
func settledStatus(e *StageRunProgress, stepKey string) StepStatus {
	for _, j := range e.JobProgress {
		if j.StepKey == stepKey && j.Status == StatusInProgress {
			return StatusInProgress
		}
	}
	return StatusCompleted
}

// transitionLocked moves a step toward target. Completed and failed are
// terminal: repeats are no-ops, failure of a completed step is rejected.
func (s *Store) transitionLocked(e *StageRunProgress, ev Event, target StepStatus) (prev, cur StepStatus, rejected bool) {
	prev, known := e.StepStatuses[ev.StepKey]
	if !known {
		prev = StatusNotStarted
		if r, ok := s.lookupRecipe(e.Key.StageSlug); ok && !r.HasStep(ev.StepKey) {
			s.log.Debug().Str("key", e.Key.String()).Str("step", ev.StepKey).Msg("status recorded for step outside recipe")
		}
	}

	switch {
	case prev == target:
		return prev, prev, false
	case prev == StatusCompleted && target == StatusFailed:
		s.log.Warn().
			Err(ErrTerminalStep).
			Str("key", e.Key.String()).
			Str("step", ev.StepKey).
			Str("event", string(ev.Type)).
			Msg("rejected failure for completed step")
		return prev, prev, true
	case prev.IsTerminal():
		s.log.Debug().
			Str("key", e.Key.String()).
			Str("step", ev.StepKey).
			Str("status", string(prev)).
			Str("event", string(ev.Type)).
			Msg("ignored stale event for terminal step")
		return prev, prev, false
	}

	e.StepStatuses[ev.StepKey] = target
	return prev, target, false
}

// trackJobLocked records job progress monotonically and keeps the session's
// in-flight list current.
func (s *Store) trackJobLocked(e *StageRunProgress, ev Event, status StepStatus) {
	if ev.JobID == "" {
		return
	}
	j, ok := e.JobProgress[ev.JobID]
	if !ok {
		j = JobProgress{
			JobID:       ev.JobID,
			StepKey:     ev.StepKey,
			DocumentKey: ev.DocumentKey,
			ModelID:     ev.ModelID,
			Status:      StatusNotStarted,
		}
	}
	if ev.Type == EventDocumentChunkCompleted {
		j.CompletedChunks = addChunk(j.CompletedChunks, ev.ChunkIndex)
	}
	if ev.Failure != nil && !j.Status.IsTerminal() {
		j.Error = ev.Failure.Message
	}
	if !j.Status.IsTerminal() {
		j.Status = status
	}
	e.JobProgress[ev.JobID] = j

	session := e.Key.SessionID
	if j.Status == StatusInProgress {
		s.inFlight[session] = appendUnique(s.inFlight[session], ev.JobID)
	} else {
		s.inFlight[session] = remove(s.inFlight[session], ev.JobID)
		if len(s.inFlight[session]) == 0 {
			delete(s.inFlight, session)
		}
	}
}

func (s *Store) upsertDocumentLocked(e *StageRunProgress, documentKey, modelID string, u DocumentUpdate) DocumentDescriptor {
	mapKey := DocumentMapKey(documentKey, modelID)
	d, ok := e.Documents[mapKey]
	if !ok {
		d = DocumentDescriptor{
			DescriptorType: DescriptorPlanned,
			DocumentKey:    documentKey,
			ModelID:        modelID,
			StepKey:        u.StepKey,
			Status:         StatusNotStarted,
		}
	}
	if d.StepKey == "" {
		d.StepKey = u.StepKey
	}

	switch {
	case u.Render != nil:
		d.DescriptorType = DescriptorRendered
		if u.JobID != "" {
			d.JobID = u.JobID
		}
		if id := u.Render.RenderedResourceID; id != "" && id != d.LatestRenderedResourceID {
			d.LastRenderedResourceID = d.LatestRenderedResourceID
			if d.LastRenderedResourceID == "" {
				d.LastRenderedResourceID = id
			}
			d.LatestRenderedResourceID = id
		}
		if u.Render.VersionHash != "" {
			d.VersionHash = u.Render.VersionHash
		}
		if !u.Render.RenderedAt.IsZero() {
			d.LastRenderedAt = u.Render.RenderedAt
		}
		// A completed document keeps its status while its metadata advances.
		if d.Status != StatusCompleted {
			d.Status = u.Render.Status
		}
	case u.Started:
		d.DescriptorType = DescriptorRendered
		if u.JobID != "" {
			d.JobID = u.JobID
		}
		if !d.Status.IsTerminal() {
			d.Status = StatusInProgress
		}
	}

	e.Documents[mapKey] = d
	return d
}

func (s *Store) failDocumentLocked(e *StageRunProgress, documentKey, modelID string) {
	mapKey := DocumentMapKey(documentKey, modelID)
	d, ok := e.Documents[mapKey]
	if !ok || d.DescriptorType != DescriptorRendered || d.Status == StatusCompleted {
		return
	}
	d.Status = StatusFailed
	e.Documents[mapKey] = d
}

// recountLocked recomputes the step roll-up from the full status map so
// duplicates and reordering can never skew it. Recipe steps define the total
// when a recipe is registered.
func (s *Store) recountLocked(e *StageRunProgress) {
	keys := make([]string, 0, len(e.StepStatuses))
	if r, ok := s.lookupRecipe(e.Key.StageSlug); ok {
		keys = r.StepKeys()
	} else {
		for k := range e.StepStatuses {
			keys = append(keys, k)
		}
	}

	c := Counts{TotalSteps: len(keys)}
	for _, k := range keys {
		switch e.StepStatuses[k] {
		case StatusCompleted:
			c.CompletedSteps++
		case StatusFailed:
			c.FailedSteps++
		}
	}
	e.Progress = c
}

func addChunk(chunks []int, idx int) []int {
	i := sort.SearchInts(chunks, idx)
	if i < len(chunks) && chunks[i] == idx {
		return chunks
	}
	chunks = append(chunks, 0)
	copy(chunks[i+1:], chunks[i:])
	chunks[i] = idx
	return chunks
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	for i, x := range list {
		if x == v {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
