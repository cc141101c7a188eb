package export

import (
	"fmt"
	"strings"

	"github.com/dusk-indust/stagewatch/internal/layout"
	"github.com/dusk-indust/stagewatch/internal/progress"
	"github.com/dusk-indust/stagewatch/internal/recipe"
)

// statusClasses maps each step status to a Mermaid classDef.
var statusClasses = []struct {
	status progress.StepStatus
	style  string
}{
	{progress.StatusNotStarted, "fill:#f4f4f5,stroke:#a1a1aa,color:#3f3f46"},
	{progress.StatusInProgress, "fill:#dbeafe,stroke:#2563eb,color:#1e3a8a"},
	{progress.StatusCompleted, "fill:#dcfce7,stroke:#16a34a,color:#14532d"},
	{progress.StatusFailed, "fill:#fee2e2,stroke:#dc2626,color:#7f1d1d"},
}

// GenerateMermaid renders a recipe as a Mermaid flowchart. Nodes follow the
// layout order and carry a status class; statuses may be nil. Horizontal
// orientation yields "graph LR", anything else "graph TD".
func GenerateMermaid(r *recipe.Recipe, statuses map[string]progress.StepStatus, orientation layout.Orientation) string {
	res := layout.Compute(r.Steps, r.Edges, nil, layout.Options{})

	dir := "TD"
	if orientation == layout.OrientationHorizontal {
		dir = "LR"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %s\n", dir)

	if len(res.Nodes) == 0 {
		sb.WriteString("  empty[\"no recipe data\"]\n")
		return sb.String()
	}

	// Mermaid ids must be alphanumeric; step keys are not guaranteed to be.
	nodeIDs := make(map[string]string, len(res.Nodes))
	for i, n := range res.Nodes {
		id := fmt.Sprintf("N%d", i)
		nodeIDs[n.StepKey] = id

		label := n.StepName
		if label == "" {
			label = n.StepKey
		}
		fmt.Fprintf(&sb, "  %s[\"%s<br/><small>%s</small>\"]:::%s\n",
			id, escapeLabel(label), n.JobType, statusClass(statuses[n.StepKey]))
	}

	for _, e := range res.Edges {
		fmt.Fprintf(&sb, "  %s --> %s\n", nodeIDs[e.FromStepKey], nodeIDs[e.ToStepKey])
	}

	for _, c := range statusClasses {
		fmt.Fprintf(&sb, "  classDef %s %s\n", c.status, c.style)
	}

	return sb.String()
}

// statusClass returns the classDef name for s. Statuses without a classDef
// render as not_started.
func statusClass(s progress.StepStatus) progress.StepStatus {
	for _, c := range statusClasses {
		if c.status == s {
			return s
		}
	}
	return progress.StatusNotStarted
}

// escapeLabel makes text safe inside a quoted Mermaid label.
func escapeLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "\n", " ").Replace(s)
}
