// Package layout places the steps of a recipe DAG on a 2-D plane.
//
// Steps are layered by topological depth (Kahn's algorithm), ordered within a
// layer by step key, and mapped onto axes according to the viewport's aspect
// ratio. Edge coordinates are always copied from the already-placed nodes so
// edges terminate exactly on node anchors.
package layout

import (
	"math"
	"sort"

	"github.com/dusk-indust/stagewatch/internal/recipe"
)

// Orientation selects which axis carries the layer index.
type Orientation string

const (
	// OrientationHorizontal maps layers to X and in-layer position to Y.
	OrientationHorizontal Orientation = "horizontal"
	// OrientationVertical maps layers to Y and in-layer position to X.
	OrientationVertical Orientation = "vertical"
)

// Default spacing and node footprint, in pixels.
const (
	DefaultLayerSpacing = 220
	DefaultNodeSpacing  = 100
	DefaultNodeWidth    = 160
	DefaultNodeHeight   = 48
)

// Viewport is the drawing area available to the layout.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Options controls pixel spacing. Zero fields take the defaults; none of them
// affect layering or ordering.
type Options struct {
	LayerSpacing float64 `json:"layerSpacing,omitempty" yaml:"layerSpacing,omitempty"`
	NodeSpacing  float64 `json:"nodeSpacing,omitempty" yaml:"nodeSpacing,omitempty"`
	NodeWidth    float64 `json:"nodeWidth,omitempty" yaml:"nodeWidth,omitempty"`
	NodeHeight   float64 `json:"nodeHeight,omitempty" yaml:"nodeHeight,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.LayerSpacing <= 0 {
		o.LayerSpacing = DefaultLayerSpacing
	}
	if o.NodeSpacing <= 0 {
		o.NodeSpacing = DefaultNodeSpacing
	}
	if o.NodeWidth <= 0 {
		o.NodeWidth = DefaultNodeWidth
	}
	if o.NodeHeight <= 0 {
		o.NodeHeight = DefaultNodeHeight
	}
	return o
}

// NodePosition is the placed anchor of one step.
type NodePosition struct {
	StepKey  string         `json:"stepKey"`
	StepName string         `json:"stepName"`
	JobType  recipe.JobType `json:"jobType"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Layer    int            `json:"layer"`
}

// EdgePosition connects two placed nodes.
type EdgePosition struct {
	FromStepKey string  `json:"fromStepKey"`
	ToStepKey   string  `json:"toStepKey"`
	FromX       float64 `json:"fromX"`
	FromY       float64 `json:"fromY"`
	ToX         float64 `json:"toX"`
	ToY         float64 `json:"toY"`
}

// Result is the output of Compute. Nodes are ordered by layer, then by
// position within the layer; Layers lists the step keys of each layer.
type Result struct {
	Nodes       []NodePosition `json:"nodes"`
	Edges       []EdgePosition `json:"edges"`
	Layers      [][]string     `json:"layers"`
	Width       float64        `json:"width"`
	Height      float64        `json:"height"`
	Orientation Orientation    `json:"orientation,omitempty"`
}

// Compute lays out steps and edges. viewport may be nil.
//
// Cyclic input is not rejected here: steps the topological walk never reaches
// are placed on layer 0.
func Compute(steps []recipe.Step, edges []recipe.Edge, viewport *Viewport, opts Options) Result {
	if len(steps) == 0 {
		return Result{Nodes: []NodePosition{}, Edges: []EdgePosition{}, Layers: [][]string{}}
	}
	opts = opts.withDefaults()
	orientation := orientationFor(viewport)

	idx := recipe.BuildIndex(steps, edges)
	layerOf := assignLayers(steps, idx)

	maxLayer := 0
	for _, l := range layerOf {
		if l > maxLayer {
			maxLayer = l
		}
	}
	grouped := make([][]recipe.Step, maxLayer+1)
	for _, s := range steps {
		l := layerOf[s.ID]
		grouped[l] = append(grouped[l], s)
	}

	res := Result{
		Nodes:       make([]NodePosition, 0, len(steps)),
		Layers:      make([][]string, 0, len(grouped)),
		Orientation: orientation,
	}
	byID := make(map[string]NodePosition, len(steps))
	var maxX, maxY float64

	for layer, members := range grouped {
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].StepKey < members[j].StepKey
		})
		keys := make([]string, 0, len(members))
		for i, s := range members {
			along := float64(layer) * opts.LayerSpacing
			across := float64(i) * opts.NodeSpacing
			x, y := along, across
			if orientation == OrientationVertical {
				x, y = across, along
			}
			n := NodePosition{
				StepKey:  s.StepKey,
				StepName: s.StepName,
				JobType:  s.JobType,
				X:        x,
				Y:        y,
				Layer:    layer,
			}
			res.Nodes = append(res.Nodes, n)
			byID[s.ID] = n
			keys = append(keys, s.StepKey)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
		res.Layers = append(res.Layers, keys)
	}

	res.Width = maxX + opts.NodeWidth
	res.Height = maxY + opts.NodeHeight

	if viewport != nil && viewport.Width > 0 && viewport.Height > 0 && res.Width > 0 && res.Height > 0 {
		scale := math.Min(viewport.Width/res.Width, viewport.Height/res.Height)
		for i := range res.Nodes {
			res.Nodes[i].X *= scale
			res.Nodes[i].Y *= scale
		}
		for id, n := range byID {
			n.X *= scale
			n.Y *= scale
			byID[id] = n
		}
		res.Width = math.Min(res.Width*scale, viewport.Width)
		res.Height = math.Min(res.Height*scale, viewport.Height)
	}

	res.Edges = edgePositions(idx, byID)
	return res
}

func orientationFor(viewport *Viewport) Orientation {
	if viewport == nil || viewport.Width >= viewport.Height {
		return OrientationHorizontal
	}
	return OrientationVertical
}

// assignLayers runs Kahn's algorithm over the resolved edge set. A dequeued
// step sits one layer below its deepest predecessor; sources sit on layer 0.
func assignLayers(steps []recipe.Step, idx recipe.Index) map[string]int {
	inDegree := make(map[string]int, len(steps))
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = len(idx.Predecessors[s.ID])
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	layers := make(map[string]int, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		layer := 0
		for _, pred := range idx.Predecessors[id] {
			if l := layers[pred] + 1; l > layer {
				layer = l
			}
		}
		layers[id] = layer

		for _, next := range idx.Successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	for _, s := range steps {
		if _, ok := layers[s.ID]; !ok {
			layers[s.ID] = 0
		}
	}
	return layers
}

func edgePositions(idx recipe.Index, byID map[string]NodePosition) []EdgePosition {
	out := make([]EdgePosition, 0, len(idx.Edges()))
	for _, e := range idx.Edges() {
		from, okFrom := byID[e.FromStepID]
		to, okTo := byID[e.ToStepID]
		if !okFrom || !okTo {
			continue
		}
		out = append(out, EdgePosition{
			FromStepKey: from.StepKey,
			ToStepKey:   to.StepKey,
			FromX:       from.X,
			FromY:       from.Y,
			ToX:         to.X,
			ToY:         to.Y,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FromStepKey != out[j].FromStepKey {
			return out[i].FromStepKey < out[j].FromStepKey
		}
		return out[i].ToStepKey < out[j].ToStepKey
	})
	return out
}
