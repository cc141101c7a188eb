package observer

import (
	"sync"

	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
)

// Manager keeps at most one open observer per key and exposes the
// subscription surface consumers use.
type Manager struct {
	source  Source
	recipes progress.RecipeLookup
	opts    Options

	mu        sync.Mutex
	observers map[progress.Key]*managed
	nextID    int
}

// managed is an open observer and the dismissal listeners attached to it.
type managed struct {
	obs       *Observer
	listeners map[int]func(Reason)
}

// NewManager returns a Manager whose observers share opts. opts.OnDismiss is
// ignored; pass a callback to Open or Watch instead.
func NewManager(source Source, recipes progress.RecipeLookup, opts Options) *Manager {
	opts.OnDismiss = nil
	return &Manager{
		source:    source,
		recipes:   recipes,
		opts:      opts,
		observers: make(map[progress.Key]*managed),
	}
}

// Open returns the open observer for key, creating one when none is open.
// onDismiss, when non-nil, is called once when that observer closes.
func (m *Manager) Open(key progress.Key, onDismiss func(Reason)) *Observer {
	o, _ := m.Watch(key, onDismiss)
	return o
}

// Watch is Open with a detach function that removes onDismiss again. Use it
// when the listener's lifetime is shorter than the observer's.
func (m *Manager) Watch(key progress.Key, onDismiss func(Reason)) (*Observer, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.observers[key]
	if ok {
		if closed, _ := ent.obs.Closed(); closed {
			ok = false
		}
	}
	if !ok {
		ent = &managed{listeners: make(map[int]func(Reason))}
		opts := m.opts
		opts.OnDismiss = func(r Reason) { m.dispatch(key, ent, r) }
		var r *recipe.Recipe
		if m.recipes != nil {
			r, _ = m.recipes.Lookup(key.StageSlug)
		}
		ent.obs = New(m.source, r, key, opts)
		m.observers[key] = ent
	}

	if onDismiss == nil {
		return ent.obs, func() {}
	}
	m.nextID++
	id := m.nextID
	ent.listeners[id] = onDismiss
	return ent.obs, func() {
		m.mu.Lock()
		delete(ent.listeners, id)
		m.mu.Unlock()
	}
}

// dispatch forgets ent and calls its listeners outside the lock.
func (m *Manager) dispatch(key progress.Key, ent *managed, reason Reason) {
	m.mu.Lock()
	if m.observers[key] == ent {
		delete(m.observers, key)
	}
	listeners := make([]func(Reason), 0, len(ent.listeners))
	for _, fn := range ent.listeners {
		listeners = append(listeners, fn)
	}
	ent.listeners = map[int]func(Reason){}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(reason)
	}
}

// Lookup returns the observer open on key, if any.
func (m *Manager) Lookup(key progress.Key) (*Observer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.observers[key]
	if !ok {
		return nil, false
	}
	return ent.obs, true
}

// Dismiss closes the observer open on key. It reports whether one was open.
func (m *Manager) Dismiss(key progress.Key) bool {
	o, ok := m.Lookup(key)
	if !ok {
		return false
	}
	return o.Dismiss()
}

// OnProgressChange calls callback with a copy of the entry after every change
// to key until the returned function is called.
func (m *Manager) OnProgressChange(key progress.Key, callback func(progress.StageRunProgress)) (unsubscribe func()) {
	return m.source.Subscribe(progress.MatchKey(key), func(c progress.Change) {
		callback(c.Progress)
	})
}
