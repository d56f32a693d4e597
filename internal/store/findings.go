package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jward/cskg/internal/fpgrowth"
)

// Finding is a stored detection result. Data clumps carry Itemset and
// Support; scripted smells carry Subject and Detail.
type Finding struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject,omitempty"`
	Itemset   []fpgrowth.Item `json:"itemset,omitempty"`
	Support   int             `json:"support_count,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ClumpFindings converts detector findings into stored findings. The
// subject is the itemset key.
func ClumpFindings(runID string, findings []fpgrowth.Finding) []Finding {
	out := make([]Finding, len(findings))
	for i, f := range findings {
		out[i] = Finding{
			RunID:   runID,
			Kind:    f.Kind,
			Subject: f.Key(),
			Itemset: f.Itemset,
			Support: f.Support,
		}
	}
	return out
}

// SaveFindings inserts findings in one transaction and records the run as
// the latest. CreatedAt defaults to now.
func (s *Store) SaveFindings(ctx context.Context, runID string, findings []Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save findings: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (run_id, kind, subject, itemset, support, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save findings: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Truncate(time.Second)
	for i := range findings {
		f := &findings[i]
		f.RunID = runID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		var itemset sql.NullString
		if len(f.Itemset) > 0 {
			b, err := json.Marshal(f.Itemset)
			if err != nil {
				return fmt.Errorf("save findings: marshal itemset: %w", err)
			}
			itemset = sql.NullString{String: string(b), Valid: true}
		}
		r, err := stmt.ExecContext(ctx, f.RunID, f.Kind, f.Subject, itemset, f.Support, f.Detail, f.CreatedAt)
		if err != nil {
			return fmt.Errorf("save findings: %s %q: %w", f.Kind, f.Subject, err)
		}
		if f.ID, err = r.LastInsertId(); err != nil {
			return fmt.Errorf("save findings: last insert id: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES ('latest_run', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		runID,
	); err != nil {
		return fmt.Errorf("save findings: record run: %w", err)
	}
	return tx.Commit()
}

// LatestRun returns the run ID of the most recent SaveFindings, or "".
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	return s.GetMetadata(ctx, "latest_run")
}

// Findings returns a run's findings, optionally filtered by kind, ordered
// by support (highest first) then subject.
func (s *Store) Findings(ctx context.Context, runID, kind string) ([]Finding, error) {
	query := `SELECT id, run_id, kind, subject, itemset, support, detail, created_at
		FROM findings WHERE run_id = ?`
	args := []any{runID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY support DESC, kind, subject"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("findings: %w", err)
	}
	defer rows.Close()
	var out []Finding
	for rows.Next() {
		var f Finding
		var itemset sql.NullString
		if err := rows.Scan(&f.ID, &f.RunID, &f.Kind, &f.Subject, &itemset, &f.Support, &f.Detail, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		if itemset.Valid {
			if err := json.Unmarshal([]byte(itemset.String), &f.Itemset); err != nil {
				return nil, fmt.Errorf("finding %d: unmarshal itemset: %w", f.ID, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
