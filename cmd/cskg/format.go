package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jward/cskg"
	"github.com/jward/cskg/internal/compose"
	"github.com/jward/cskg/internal/store"
)

// findingsResult is the output of the findings command.
type findingsResult struct {
	RunID    string          `json:"run_id"`
	Findings []store.Finding `json:"findings"`
}

// output writes v to w as indented JSON or as text.
func output(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return outputText(w, v)
}

// outputText dispatches to the text formatter for v's type.
func outputText(w io.Writer, v any) error {
	switch r := v.(type) {
	case *cskg.IndexReport:
		formatIndexText(w, r)
	case *cskg.DetectReport:
		formatDetectText(w, r)
	case findingsResult:
		formatFindingsText(w, r)
	case *cskg.GraphStats:
		formatStatsText(w, r)
	default:
		return fmt.Errorf("unsupported result type for text format: %T", v)
	}
	return nil
}

func formatIndexText(w io.Writer, r *cskg.IndexReport) {
	fmt.Fprintf(w, "Files: %d (%d failed)\n", r.Files, r.Failed)
	fmt.Fprintf(w, "Entities: %d (%d external)\n", r.Entities, r.Externals)
	fmt.Fprintf(w, "Relationships: %d\n", r.Relationships)
	if r.Compose == nil {
		return
	}
	fmt.Fprintf(w, "Batches: %d, retries: %d, duration: %s\n",
		r.Compose.Batches, r.Compose.Retries, r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tKIND\tWRITTEN\tMERGED\tSKIPPED\tFAILED")
	writeCounts(tw, "entities", r.Compose.Entities)
	writeCounts(tw, "relationships", r.Compose.Relationships)
	tw.Flush()
}

func writeCounts(w io.Writer, phase string, counts map[string]*compose.Counts) {
	for _, kind := range sortedKeys(counts) {
		c := counts[kind]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", phase, kind, c.Written, c.Merged, c.Skipped, c.Failed)
	}
}

func formatDetectText(w io.Writer, r *cskg.DetectReport) {
	fmt.Fprintf(w, "Run: %s\n", r.RunID)
	fmt.Fprintf(w, "Transactions: %d, items: %d, rejected itemsets: %d, pruned paths: %d\n",
		r.Transactions, r.ItemsConsidered, r.ItemsetsRejected, r.PathsPruned)
	for _, f := range r.FailedItems {
		fmt.Fprintf(w, "Failed item %s: %s\n", f.Item, f.Error)
	}
	if r.SmellsSkipped {
		fmt.Fprintln(w, "Smell detectors skipped: graph store does not support them")
	}
	fmt.Fprintln(w)
	formatFindingsText(w, findingsResult{RunID: r.RunID, Findings: r.Findings})
}

func formatFindingsText(w io.Writer, r findingsResult) {
	if r.RunID == "" {
		fmt.Fprintln(w, "No detection runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSUPPORT\tSUBJECT\tDETAIL")
	for _, f := range r.Findings {
		support := "-"
		if f.Support > 0 {
			support = fmt.Sprint(f.Support)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Kind, support, f.Subject, f.Detail)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d finding(s) in run %s\n", len(r.Findings), r.RunID)
}

func formatStatsText(w io.Writer, st *cskg.GraphStats) {
	fmt.Fprintf(w, "Driver: %s\n", st.Driver)
	fmt.Fprintf(w, "Nodes: %d\n", st.Nodes)
	fmt.Fprintf(w, "FP-tree nodes: %d\n", st.FPTreeNodes)
	fmt.Fprintf(w, "Findings: %d\n", st.Findings)

	fmt.Fprintln(w, "\nLabels:")
	for _, l := range sortedKeys(st.Labels) {
		fmt.Fprintf(w, "  %s: %d\n", l, st.Labels[l])
	}
	fmt.Fprintln(w, "\nEdges:")
	for _, e := range sortedKeys(st.Edges) {
		fmt.Fprintf(w, "  %s: %d\n", e, st.Edges[e])
	}
	if len(st.ContainmentViolations) > 0 {
		fmt.Fprintln(w, "\nContainment violations:")
		for _, v := range st.ContainmentViolations {
			fmt.Fprintf(w, "  %s: %d container(s)\n", v.QualifiedName, v.Containers)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
