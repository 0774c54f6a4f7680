package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Fixed columns every record table carries around the field columns.
const (
	ColURL       = "url"
	ColName      = "name"
	ColRowHash   = "row_hash"
	ColUpdatedAt = "updated_at"
)

// CardRow is one card ready to persist. Values align with the field list
// passed alongside it.
type CardRow struct {
	URL    string
	Name   string
	Values []string
}

// UpsertResult counts what UpsertRecords did.
type UpsertResult struct {
	Inserted  int64
	Updated   int64
	Unchanged int64
}

// Add accumulates r into u.
func (u *UpsertResult) Add(r UpsertResult) {
	u.Inserted += r.Inserted
	u.Updated += r.Updated
	u.Unchanged += r.Unchanged
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdent rejects names that would need quoting tricks in any backend.
func ValidateIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// ValidateLayout checks the table name and field columns, including
// collisions with the fixed columns.
func ValidateLayout(table string, fields []string) error {
	if err := ValidateIdent(table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	seen := map[string]bool{ColURL: true, ColName: true, ColRowHash: true, ColUpdatedAt: true}
	for _, f := range fields {
		if err := ValidateIdent(f); err != nil {
			return fmt.Errorf("field: %w", err)
		}
		k := strings.ToLower(f)
		if seen[k] {
			return fmt.Errorf("field %q collides with another column", f)
		}
		seen[k] = true
	}
	return nil
}

// Columns returns the write order used by every backend:
// url, name, fields..., row_hash.
func Columns(fields []string) []string {
	out := make([]string, 0, len(fields)+3)
	out = append(out, ColURL, ColName)
	out = append(out, fields...)
	out = append(out, ColRowHash)
	return out
}

// RowHash computes a stable SHA-256 over name and the field values.
//
// Canonical form: "field=value" components joined by the ASCII unit
// separator, in field order, with values trimmed. A missing value (fewer
// values than fields) is encoded as a NUL byte so it differs from "".
// Output is 64 lowercase hex characters.
func RowHash(fields []string, row CardRow) string {
	var b strings.Builder
	b.WriteString(ColName)
	b.WriteByte('=')
	b.WriteString(strings.TrimSpace(row.Name))
	for i, f := range fields {
		b.WriteByte(0x1f)
		b.WriteString(f)
		b.WriteByte('=')
		if i < len(row.Values) {
			b.WriteString(strings.TrimSpace(row.Values[i]))
		} else {
			b.WriteByte(0)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Args returns the values for Columns(fields) for one row.
func Args(fields []string, row CardRow) []any {
	out := make([]any, 0, len(fields)+3)
	out = append(out, row.URL, row.Name)
	for i := range fields {
		v := ""
		if i < len(row.Values) {
			v = row.Values[i]
		}
		out = append(out, v)
	}
	out = append(out, RowHash(fields, row))
	return out
}

// Plan splits rows into inserts and updates given the stored hash per URL.
// Rows whose hash matches are counted as unchanged. A URL repeated within
// rows keeps its last occurrence.
func Plan(fields []string, rows []CardRow, existing map[string]string) (inserts, updates []CardRow, unchanged int64) {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.URL] = i
	}
	for i, r := range rows {
		if last[r.URL] != i {
			continue
		}
		stored, ok := existing[r.URL]
		switch {
		case !ok:
			inserts = append(inserts, r)
		case stored != RowHash(fields, r):
			updates = append(updates, r)
		default:
			unchanged++
		}
	}
	return inserts, updates, unchanged
}

// URLs returns the distinct URLs of rows in first-seen order.
func URLs(rows []CardRow) []any {
	seen := make(map[string]bool, len(rows))
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		if !seen[r.URL] {
			seen[r.URL] = true
			out = append(out, r.URL)
		}
	}
	return out
}

// KeyString converts a scanned key value to its string form. Drivers differ
// in whether TEXT columns scan as string or []byte.
func KeyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}
