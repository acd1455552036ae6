package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/biotech-recon/internal/model"
)

// FormatReport renders a run report as markdown for the terminal and for
// run notifications.
func FormatReport(r *model.RunReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Reconciliation Run: %s\n", r.RunID)
	fmt.Fprintf(&b, "Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration().Round(time.Millisecond))
	if r.Aborted {
		fmt.Fprintf(&b, "**Aborted:** %s\n", r.AbortReason)
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Observations: %d\n", len(r.Observations))
	fmt.Fprintf(&b, "- New entities: %d\n", r.NewEntities)
	fmt.Fprintf(&b, "- Updated entities: %d\n", r.UpdatedEntities)
	fmt.Fprintf(&b, "- Unchanged entities: %d\n", r.UnchangedEntities)
	fmt.Fprintf(&b, "- Canonical writes: %d\n", r.Writes)
	fmt.Fprintf(&b, "- Resolution conflicts: %d\n", r.ResolutionConflicts)
	fmt.Fprintf(&b, "- Review flags: %d\n", r.ReviewFlags)
	fmt.Fprintf(&b, "- Extraction anomalies: %d\n", r.ExtractionAnomalies)
	fmt.Fprintf(&b, "- Extraction failures: %d\n", r.ExtractionFailures)
	fmt.Fprintf(&b, "- Source failures: %d\n", r.SourceFailures)
	fmt.Fprintf(&b, "- Persistence failures: %d\n\n", r.PersistenceFailures)

	// Terminal states.
	states := map[string]int{}
	for _, o := range r.Observations {
		key := string(o.State)
		if o.Failed() {
			key = "failed-at-" + string(o.FailedAt)
		}
		states[key]++
	}
	b.WriteString("## Observations\n")
	if len(states) == 0 {
		b.WriteString("No observations.\n\n")
	} else {
		keys := make([]string, 0, len(states))
		for k := range states {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %d\n", k, states[k])
		}
		b.WriteString("\n")
	}

	if len(r.Deltas) > 0 {
		b.WriteString("## Changes\n")
		for _, d := range r.Deltas {
			fmt.Fprintf(&b, "- %s v%d → v%d: %s\n", d.EntityID, d.VersionFrom, d.VersionTo, strings.Join(d.Fields(), ", "))
		}
		b.WriteString("\n")
	}

	if len(r.Issues) > 0 {
		b.WriteString("## Issues\n")
		for _, is := range r.Issues {
			scope := string(is.EntityID)
			if scope == "" {
				scope = is.SourceID
			}
			if is.URL != "" {
				scope += " " + is.URL
			}
			if is.Field != "" {
				scope += " [" + is.Field + "]"
			}
			fmt.Fprintf(&b, "- **%s** %s: %s\n", is.Kind, strings.TrimSpace(scope), is.Message)
		}
	}

	return b.String()
}
