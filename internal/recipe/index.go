package recipe

import "fmt"

// Index is the adjacency view of a recipe keyed by step ID. Only edges whose
// endpoints are both known steps survive; repeated edges collapse to one.
type Index struct {
	Predecessors map[string][]string
	Successors   map[string][]string

	steps map[string]Step
	edges []Edge
}

// BuildIndex resolves edges against steps. Dangling edges are dropped
// silently since recipes may be authored independently of the renderer.
func BuildIndex(steps []Step, edges []Edge) Index {
	idx := Index{
		Predecessors: make(map[string][]string, len(steps)),
		Successors:   make(map[string][]string, len(steps)),
		steps:        make(map[string]Step, len(steps)),
	}
	for _, s := range steps {
		idx.steps[s.ID] = s
	}

	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		if _, ok := idx.steps[e.FromStepID]; !ok {
			continue
		}
		if _, ok := idx.steps[e.ToStepID]; !ok {
			continue
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		idx.edges = append(idx.edges, e)
		idx.Successors[e.FromStepID] = append(idx.Successors[e.FromStepID], e.ToStepID)
		idx.Predecessors[e.ToStepID] = append(idx.Predecessors[e.ToStepID], e.FromStepID)
	}
	return idx
}

// Edges returns the surviving edges in input order.
func (idx Index) Edges() []Edge {
	return idx.edges
}

// Step returns the step with the given ID.
func (idx Index) Step(id string) (Step, bool) {
	s, ok := idx.steps[id]
	return s, ok
}

// DetectCycle reports ErrCyclicRecipe if the resolved edge set contains a
// cycle. It uses depth-first search with temporary and permanent marks.
func DetectCycle(steps []Step, edges []Edge) error {
	idx := BuildIndex(steps, edges)

	permanent := make(map[string]bool, len(steps))
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			s, _ := idx.Step(id)
			return fmt.Errorf("%w: involving step %q", ErrCyclicRecipe, s.StepKey)
		}
		temporary[id] = true
		for _, next := range idx.Successors[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	// Walk in declaration order so the reported step is deterministic.
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}
