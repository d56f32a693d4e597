package store

import (
	"database/sql"
	"encoding/json"
	"strings"
)

// prefixColumns qualifies a comma-separated column list with a table alias:
// prefixColumns("n", "id, name") returns "n.id, n.name".
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalStrings converts []string to JSON text for storage. nil stays NULL.
func marshalStrings(ss []string) sql.NullString {
	if ss == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(ss)
	return sql.NullString{String: string(b), Valid: true}
}

// unmarshalStrings converts JSON text back to []string.
func unmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}
