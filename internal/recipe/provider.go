package recipe

import (
	"context"
	"fmt"
	"sync"
)

// Provider is the interface for a recipe source.
// Implementations: MemoryProvider (testing), FileProvider (YAML/HCL on disk),
// RedisCache (shared cache in front of another provider).
type Provider interface {
	// FetchRecipe returns the recipe for a stage, or an error wrapping
	// ErrRecipeNotFound when the stage has none.
	FetchRecipe(ctx context.Context, stageSlug string) (*Recipe, error)
}

// Compile-time assertion: *MemoryProvider satisfies Provider.
var _ Provider = (*MemoryProvider)(nil)

// MemoryProvider serves recipes from a map. Thread-safe via sync.RWMutex.
type MemoryProvider struct {
	mu      sync.RWMutex
	recipes map[string]*Recipe
	fetches map[string]int
}

// NewMemoryProvider returns a MemoryProvider seeded with recipes.
func NewMemoryProvider(recipes ...*Recipe) *MemoryProvider {
	m := &MemoryProvider{
		recipes: make(map[string]*Recipe, len(recipes)),
		fetches: make(map[string]int),
	}
	for _, r := range recipes {
		m.recipes[r.StageSlug] = r.Clone()
	}
	return m
}

// Put stores or replaces the recipe for its stage slug.
func (m *MemoryProvider) Put(r *Recipe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipes[r.StageSlug] = r.Clone()
}

// FetchRecipe returns a copy of the stored recipe.
func (m *MemoryProvider) FetchRecipe(_ context.Context, stageSlug string) (*Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches[stageSlug]++
	r, ok := m.recipes[stageSlug]
	if !ok {
		return nil, fmt.Errorf("%w: stage %q", ErrRecipeNotFound, stageSlug)
	}
	return r.Clone(), nil
}

// Fetches returns how many times stageSlug has been requested.
func (m *MemoryProvider) Fetches(stageSlug string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetches[stageSlug]
}
