package progress

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// reporterBuffer is the number of changes a Reporter holds for a slow
// consumer before it starts dropping.
const reporterBuffer = 64

// Reporter fans changes out through a buffered channel. It is the bridge
// between synchronous store callbacks and slow consumers such as SSE streams.
type Reporter struct {
	ch      chan Change
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewReporter creates a Reporter with a buffered channel of size 64. Dropped
// changes are logged to log at debug level.
func NewReporter(log zerolog.Logger) *Reporter {
	return &Reporter{
		ch:  make(chan Change, reporterBuffer),
		log: log,
	}
}

// Emit sends a change in a non-blocking fashion. A change that does not fit
// in the buffer is dropped, counted and logged. Changes emitted after Close
// are ignored.
func (r *Reporter) Emit(change Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- change:
	default:
		n := r.dropped.Add(1)
		r.log.Debug().
			Str("key", change.Key.String()).
			Str("step", change.StepKey).
			Int64("dropped", n).
			Msg("consumer too slow; change dropped")
	}
}

// Dropped returns how many changes were dropped because the buffer was full.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Changes returns a read-only channel for consuming changes.
func (r *Reporter) Changes() <-chan Change {
	return r.ch
}

// Close closes the change channel. Safe to call more than once.
func (r *Reporter) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
}

// FormatStep formats a step status as a human-readable status line.
func FormatStep(stepKey string, status StepStatus, message string) string {
	switch status {
	case StatusNotStarted:
		return fmt.Sprintf("  ○ %s (not started)", stepKey)
	case StatusInProgress:
		return fmt.Sprintf("  ● %s...", stepKey)
	case StatusCompleted:
		return fmt.Sprintf("  ✓ %s complete", stepKey)
	case StatusFailed:
		if message == "" {
			return fmt.Sprintf("  ✗ %s failed", stepKey)
		}
		return fmt.Sprintf("  ✗ %s failed: %s", stepKey, message)
	default:
		return fmt.Sprintf("  ? %s (unknown status)", stepKey)
	}
}

// FormatKeyHeader formats a key header for display.
// Returns: "[{session}] {stage} #{iteration}"
func FormatKeyHeader(key Key) string {
	return fmt.Sprintf("[%s] %s #%d", key.SessionID, key.StageSlug, key.Iteration)
}
