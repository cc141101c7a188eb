package recipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Invalidator is implemented by providers that hold their own copy of a
// recipe, such as RedisCache.
type Invalidator interface {
	Invalidate(ctx context.Context, stageSlug string) error
}

// Registry caches one recipe per stage slug for the lifetime of a run. A
// recipe is fetched from the Provider on first use and re-fetched only after
// Invalidate. Concurrent misses for one stage share a single fetch, and a
// stage the provider does not know is remembered as missing. Recipes are
// validated on ingestion; cyclic input is rejected.
type Registry struct {
	mu       sync.RWMutex
	provider Provider
	recipes  map[string]*Recipe
	missing  map[string]error
	group    singleflight.Group
	log      zerolog.Logger
}

// NewRegistry creates a Registry backed by provider. provider may be nil when
// every recipe is registered explicitly.
func NewRegistry(provider Provider, log zerolog.Logger) *Registry {
	return &Registry{
		provider: provider,
		recipes:  make(map[string]*Recipe),
		missing:  make(map[string]error),
		log:      log.With().Str("component", "recipe-registry").Logger(),
	}
}

// Register validates r and stores it, replacing any cached recipe for the
// same stage.
func (reg *Registry) Register(r *Recipe) error {
	if err := r.Validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.recipes[r.StageSlug] = r.Clone()
	delete(reg.missing, r.StageSlug)
	return nil
}

// Fetch returns the cached recipe for stageSlug, fetching it from the
// provider on a cache miss. A not-found answer is cached until Invalidate.
func (reg *Registry) Fetch(ctx context.Context, stageSlug string) (*Recipe, error) {
	if r, ok := reg.Lookup(stageSlug); ok {
		return r, nil
	}
	if reg.provider == nil {
		return nil, fmt.Errorf("%w: stage %q", ErrRecipeNotFound, stageSlug)
	}
	reg.mu.RLock()
	err, known := reg.missing[stageSlug]
	reg.mu.RUnlock()
	if known {
		return nil, err
	}

	v, err, shared := reg.group.Do(stageSlug, func() (any, error) {
		return reg.fetch(ctx, stageSlug)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		reg.log.Debug().Str("stage", stageSlug).Msg("recipe fetch shared")
	}
	return v.(*Recipe).Clone(), nil
}

func (reg *Registry) fetch(ctx context.Context, stageSlug string) (*Recipe, error) {
	if r, ok := reg.Lookup(stageSlug); ok {
		return r, nil
	}
	r, err := reg.provider.FetchRecipe(ctx, stageSlug)
	if err != nil {
		err = fmt.Errorf("recipe: fetch %q: %w", stageSlug, err)
		if errors.Is(err, ErrRecipeNotFound) {
			reg.mu.Lock()
			reg.missing[stageSlug] = err
			reg.mu.Unlock()
		}
		return nil, err
	}
	if r.StageSlug == "" {
		r.StageSlug = stageSlug
	}
	if err := reg.Register(r); err != nil {
		reg.log.Warn().Err(err).Str("stage", stageSlug).Msg("rejected recipe from provider")
		return nil, err
	}
	reg.log.Debug().Str("stage", stageSlug).Int("steps", len(r.Steps)).Msg("recipe cached")
	return r, nil
}

// Lookup returns the cached recipe without contacting the provider.
func (reg *Registry) Lookup(stageSlug string) (*Recipe, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.recipes[stageSlug]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Invalidate drops the cached recipe, or the cached not-found answer, so the
// next Fetch goes to the provider. When the provider is an Invalidator its
// copy is dropped too.
func (reg *Registry) Invalidate(ctx context.Context, stageSlug string) error {
	reg.mu.Lock()
	delete(reg.recipes, stageSlug)
	delete(reg.missing, stageSlug)
	reg.mu.Unlock()

	inv, ok := reg.provider.(Invalidator)
	if !ok {
		return nil
	}
	if err := inv.Invalidate(ctx, stageSlug); err != nil {
		return err
	}
	reg.log.Debug().Str("stage", stageSlug).Msg("recipe invalidated upstream")
	return nil
}

// Stages returns the slugs of all cached recipes in lexical order.
func (reg *Registry) Stages() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.recipes))
	for slug := range reg.recipes {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
