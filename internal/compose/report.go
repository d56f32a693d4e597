package compose

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jward/cskg/internal/graph"
)

// ErrIngestion marks a batch that failed after exhausting its retries.
var ErrIngestion = errors.New("ingestion failed")

// BatchError reports the batch that aborted a composition run.
type BatchError struct {
	Phase    string // "entities" or "relationships"
	Kind     string
	Batch    int
	Size     int
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d (%s, %d records) failed after %d attempt(s): %v",
		e.Phase, e.Batch, e.Kind, e.Size, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func (e *BatchError) Is(target error) bool { return target == ErrIngestion }

// Counts tallies the outcome of one kind's writes.
type Counts struct {
	Written int `json:"written"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (c *Counts) add(o Counts) {
	c.Written += o.Written
	c.Merged += o.Merged
	c.Skipped += o.Skipped
	c.Failed += o.Failed
}

// Report summarises a composition run. Counts are keyed by entity kind
// ("class", "external_class", ...) or relationship type ("CALLS", ...).
type Report struct {
	mu sync.Mutex

	Entities      map[string]*Counts `json:"entities"`
	Relationships map[string]*Counts `json:"relationships"`
	Batches       int                `json:"batches"`
	Retries       int                `json:"retries"`
	Duration      time.Duration      `json:"duration"`
}

func newReport() *Report {
	return &Report{Entities: map[string]*Counts{}, Relationships: map[string]*Counts{}}
}

func (r *Report) record(phase, kind string, c Counts, committed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.Entities
	if phase == phaseRelationships {
		m = r.Relationships
	}
	cur := m[kind]
	if cur == nil {
		cur = &Counts{}
		m[kind] = cur
	}
	cur.add(c)
	if committed {
		r.Batches++
	}
}

func (r *Report) retried() {
	r.mu.Lock()
	r.Retries++
	r.mu.Unlock()
}

// Totals sums the per-kind counts of each phase.
func (r *Report) Totals() (entities, relationships Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Entities {
		entities.add(*c)
	}
	for _, c := range r.Relationships {
		relationships.add(*c)
	}
	return entities, relationships
}

func countsFrom(w graph.WriteResult) Counts {
	return Counts{Written: w.Created, Merged: w.Merged, Skipped: w.Skipped}
}
