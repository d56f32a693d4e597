package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/risor-io/risor/object"

	"github.com/jward/cskg/internal/store"
)

// makeDBQueryFn returns db_query(sql, args...), which runs one read-only
// statement and returns its rows as a list of maps keyed by column.
func makeDBQueryFn(s *store.Store) *object.Builtin {
	return object.NewBuiltin("db_query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) == 0 {
			return object.Errorf("db_query: missing sql argument")
		}
		stmt, err := toString(args[0])
		if err != nil {
			return object.Errorf("db_query: %v", err)
		}
		if err := checkReadOnly(stmt); err != nil {
			return object.Errorf("db_query: %v", err)
		}
		params := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			params = append(params, a.Interface())
		}
		var rows *object.List
		err = s.QueryReadOnly(ctx, stmt, params, func(r *sql.Rows) error {
			var err error
			rows, err = collectRows(r)
			return err
		})
		if err != nil {
			return object.Errorf("db_query: %v", err)
		}
		return rows
	})
}

// checkReadOnly rejects anything but a single SELECT or WITH statement
// before it reaches the database. The read-only connection is what
// enforces it.
func checkReadOnly(stmt string) error {
	body := strings.TrimSuffix(strings.TrimSpace(stmt), ";")
	if strings.Contains(body, ";") {
		return errors.New("only one statement is allowed")
	}
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return errors.New("empty query")
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return nil
	}
	return fmt.Errorf("only SELECT queries are allowed, got %s", fields[0])
}

func collectRows(rows *sql.Rows) (*object.List, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	out := []object.Object{}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]object.Object, len(cols))
		for i, col := range cols {
			row[col] = toObject(values[i])
		}
		out = append(out, object.NewMap(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return object.NewList(out), nil
}

// collector accumulates the findings a detector reports.
type collector struct {
	findings []store.Finding
}

// makeReportFn returns report(kind, subject[, detail]). detail may be any
// value and is stored as JSON.
func makeReportFn(c *collector) *object.Builtin {
	return object.NewBuiltin("report", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 2 || len(args) > 3 {
			return object.Errorf("report: expected 2 or 3 arguments, got %d", len(args))
		}
		kind, err := toString(args[0])
		if err != nil {
			return object.Errorf("report: kind: %v", err)
		}
		subject, err := toString(args[1])
		if err != nil {
			return object.Errorf("report: subject: %v", err)
		}
		if kind == "" || subject == "" {
			return object.Errorf("report: kind and subject must be non-empty")
		}

		f := store.Finding{Kind: kind, Subject: subject}
		if len(args) == 3 && args[2] != object.Nil {
			b, err := json.Marshal(args[2].Interface())
			if err != nil {
				return object.Errorf("report: detail: %v", err)
			}
			f.Detail = string(b)
		}
		c.findings = append(c.findings, f)
		return object.Nil
	})
}

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}

// toObject converts a scanned column value.
func toObject(v any) object.Object {
	switch val := v.(type) {
	case nil:
		return object.Nil
	case int64:
		return object.NewInt(val)
	case float64:
		return object.NewFloat(val)
	case bool:
		return object.NewBool(val)
	case string:
		return object.NewString(val)
	case []byte:
		return object.NewString(string(val))
	case time.Time:
		return object.NewString(val.UTC().Format(time.RFC3339))
	}
	return object.NewString(fmt.Sprint(v))
}
