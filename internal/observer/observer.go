// Package observer implements the dismissal policy of a progress view: it
// watches one stage run and closes itself once a document render completes.
package observer

import (
	"sync"

	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
	"github.com/dusk-indust/stagewatch/internal/rollup"
	"github.com/rs/zerolog"
)

// State is the coarse state a progress view renders.
type State string

const (
	StateNoData State = "no_data"
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Reason explains why an observer closed.
type Reason string

const (
	ReasonWorkComplete Reason = "work_complete"
	ReasonManual       Reason = "manual"
)

// Source is the subset of progress.Store an observer needs.
type Source interface {
	Get(key progress.Key) (progress.StageRunProgress, bool)
	Subscribe(match func(progress.Key) bool, fn func(progress.Change)) (unsubscribe func())
}

// Options configures an Observer.
type Options struct {
	Viewport *layout.Viewport
	Layout   layout.Options
	// OnDismiss is called once, outside any lock, when the observer closes.
	OnDismiss func(Reason)
	Logger    zerolog.Logger
}

// View is what a visualization renders for the watched stage run.
type View struct {
	State        State                          `json:"state"`
	Layout       layout.Result                  `json:"layout"`
	NodeStatuses map[string]progress.StepStatus `json:"nodeStatuses"`
	Percentage   int                            `json:"percentage"`
	HasProgress  bool                           `json:"hasProgress"`
}

// Observer is a long-lived subscription over one progress key. Closing it
// only unsubscribes; backend work is unaffected.
type Observer struct {
	source Source
	recipe *recipe.Recipe
	key    progress.Key
	opts   Options
	layout layout.Result
	log    zerolog.Logger

	mu          sync.Mutex
	closed      bool
	reason      Reason
	unsubscribe func()
}

// New subscribes an open observer to key. r may be nil or have no steps, in
// which case the view reports no data.
func New(source Source, r *recipe.Recipe, key progress.Key, opts Options) *Observer {
	if r == nil {
		r = &recipe.Recipe{StageSlug: key.StageSlug}
	}
	o := &Observer{
		source: source,
		recipe: r,
		key:    key,
		opts:   opts,
		layout: layout.Compute(r.Steps, r.Edges, opts.Viewport, opts.Layout),
		log:    opts.Logger.With().Str("component", "observer").Str("key", key.String()).Logger(),
	}
	unsub := source.Subscribe(progress.MatchKey(key), o.handle)

	o.mu.Lock()
	if o.closed {
		// Closed by a change delivered before Subscribe returned.
		o.mu.Unlock()
		unsub()
		return o
	}
	o.unsubscribe = unsub
	o.mu.Unlock()
	return o
}

// Key returns the watched key.
func (o *Observer) Key() progress.Key { return o.key }

// Closed reports whether the observer has closed and why.
func (o *Observer) Closed() (bool, Reason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed, o.reason
}

// Dismiss closes the observer unconditionally. It returns false when the
// observer was already closed.
func (o *Observer) Dismiss() bool {
	return o.close(ReasonManual)
}

func (o *Observer) handle(change progress.Change) {
	if !hasRenderedComplete(change.Progress) {
		return
	}
	if o.close(ReasonWorkComplete) {
		o.log.Debug().Msg("auto-dismissed after completed render")
	}
}

func (o *Observer) close(reason Reason) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.closed = true
	o.reason = reason
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if o.opts.OnDismiss != nil {
		o.opts.OnDismiss(reason)
	}
	return true
}

// View renders the current state of the watched stage run.
func (o *Observer) View() View {
	v := View{
		State:        StateOpen,
		Layout:       o.layout,
		NodeStatuses: make(map[string]progress.StepStatus, len(o.recipe.Steps)),
	}
	if closed, _ := o.Closed(); closed {
		v.State = StateClosed
	} else if len(o.recipe.Steps) == 0 {
		v.State = StateNoData
	}

	p, ok := o.source.Get(o.key)
	for _, s := range o.recipe.Steps {
		status := progress.StatusNotStarted
		if ok {
			if st, found := p.StepStatuses[s.StepKey]; found {
				status = st
			}
		}
		v.NodeStatuses[s.StepKey] = status
	}
	if ok {
		v.Percentage, v.HasProgress = rollup.StagePercentage(p.Progress)
	}
	return v
}

func hasRenderedComplete(p progress.StageRunProgress) bool {
	for _, d := range p.Documents {
		if d.IsRenderedComplete() {
			return true
		}
	}
	return false
}
