package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cardscrape/internal/storage"
)

// Repo implements storage.RecordRepository for SQLite.
//
// SQLite has no timestamp type; updated_at is stored as an RFC3339Nano
// string so it sorts and round-trips reliably.
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN (a file path or "file::memory:").
func New(ctx context.Context, cfg storage.Config) (storage.RecordRepository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One writer; avoids SQLITE_BUSY on concurrent upserts.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, now: time.Now}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTable creates table if it does not exist.
func (r *Repo) EnsureTable(ctx context.Context, table string, fields []string) error {
	if err := storage.ValidateLayout(table, fields); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(table, fields)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// UpsertRecords writes rows in one transaction, skipping unchanged rows.
func (r *Repo) UpsertRecords(ctx context.Context, table string, fields []string, rows []storage.CardRow) (storage.UpsertResult, error) {
	var res storage.UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	if err := storage.ValidateLayout(table, fields); err != nil {
		return res, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := selectHashes(ctx, tx, table, storage.URLs(rows))
	if err != nil {
		return res, fmt.Errorf("select hashes: %w", err)
	}
	inserts, updates, unchanged := storage.Plan(fields, rows, existing)
	now := formatSQLiteTime(r.now())

	insertSQL := buildInsertSQL(table, fields)
	for _, row := range inserts {
		args := append(storage.Args(fields, row), now)
		if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
			return res, fmt.Errorf("insert %s: %w", row.URL, err)
		}
	}
	updateSQL := buildUpdateSQL(table, fields)
	for _, row := range updates {
		args := storage.Args(fields, row)
		// SET name, fields..., row_hash, updated_at WHERE url.
		args = append(args[1:], now, row.URL)
		if _, err := tx.ExecContext(ctx, updateSQL, args...); err != nil {
			return res, fmt.Errorf("update %s: %w", row.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	res.Inserted = int64(len(inserts))
	res.Updated = int64(len(updates))
	res.Unchanged = unchanged
	return res, nil
}

func selectHashes(ctx context.Context, tx *sql.Tx, table string, urls []any) (map[string]string, error) {
	out := make(map[string]string, len(urls))
	// Stay under SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(urls); start += chunk {
		end := start + chunk
		if end > len(urls) {
			end = len(urls)
		}
		part := urls[start:end]
		ph := strings.TrimRight(strings.Repeat("?,", len(part)), ",")
		q := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s IN (%s)`,
			sqlIdent(storage.ColURL), sqlIdent(storage.ColRowHash), sqlIdent(table), sqlIdent(storage.ColURL), ph)

		rows, err := tx.QueryContext(ctx, q, part...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k, h any
			if err := rows.Scan(&k, &h); err != nil {
				rows.Close()
				return nil, err
			}
			out[storage.KeyString(k)] = storage.KeyString(h)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateSQL(table string, fields []string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(sqlIdent(storage.ColURL))
	b.WriteString(" TEXT PRIMARY KEY, ")
	b.WriteString(sqlIdent(storage.ColName))
	b.WriteString(" TEXT NOT NULL")
	for _, f := range fields {
		b.WriteString(", ")
		b.WriteString(sqlIdent(f))
		b.WriteString(" TEXT NOT NULL DEFAULT ''")
	}
	b.WriteString(", ")
	b.WriteString(sqlIdent(storage.ColRowHash))
	b.WriteString(" TEXT NOT NULL, ")
	b.WriteString(sqlIdent(storage.ColUpdatedAt))
	b.WriteString(" TEXT NOT NULL)")
	return b.String()
}

func buildInsertSQL(table string, fields []string) string {
	cols := append(storage.Columns(fields), storage.ColUpdatedAt)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = sqlIdent(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlIdent(table),
		strings.Join(quoted, ", "),
		strings.TrimRight(strings.Repeat("?, ", len(cols)), ", "))
}

func buildUpdateSQL(table string, fields []string) string {
	cols := append(storage.Columns(fields)[1:], storage.ColUpdatedAt)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = sqlIdent(c) + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		sqlIdent(table), strings.Join(sets, ", "), sqlIdent(storage.ColURL))
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses updated_at values. Besides what this package
// writes, it accepts the space-separated forms other SQLite tools produce.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// UpdatedAt returns when url was last written, for inspection and tests.
func (r *Repo) UpdatedAt(ctx context.Context, table, url string) (time.Time, error) {
	if err := storage.ValidateIdent(table); err != nil {
		return time.Time{}, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
		sqlIdent(storage.ColUpdatedAt), sqlIdent(table), sqlIdent(storage.ColURL))
	var s string
	if err := r.db.QueryRowContext(ctx, q, url).Scan(&s); err != nil {
		return time.Time{}, err
	}
	return parseSQLiteTime(s)
}
