package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardscrape/internal/storage"
)

// Repo implements storage.RecordRepository for Postgres.
//
// Hashes for the batch are read with SELECT ... FOR UPDATE inside the write
// transaction, so concurrent crawls serialize per URL.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pooled Postgres repository.
func New(ctx context.Context, cfg storage.Config) (storage.RecordRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() { r.pool.Close() }

// EnsureTable creates table if it does not exist.
func (r *Repo) EnsureTable(ctx context.Context, table string, fields []string) error {
	if err := storage.ValidateLayout(table, fields); err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, buildCreateSQL(table, fields)); err != nil {
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

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := selectHashesTx(ctx, tx, table, storage.URLs(rows))
	if err != nil {
		return res, fmt.Errorf("select hashes: %w", err)
	}
	inserts, updates, unchanged := storage.Plan(fields, rows, existing)
	now := time.Now().UTC()

	if len(inserts) > 0 {
		q, args := buildInsertSQL(table, fields, inserts, now)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return res, fmt.Errorf("insert: %w", err)
		}
	}
	updateSQL := buildUpdateSQL(table, fields)
	for _, row := range updates {
		args := append(storage.Args(fields, row)[1:], now, row.URL)
		if _, err := tx.Exec(ctx, updateSQL, args...); err != nil {
			return res, fmt.Errorf("update %s: %w", row.URL, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}

	res.Inserted = int64(len(inserts))
	res.Updated = int64(len(updates))
	res.Unchanged = unchanged
	return res, nil
}

func selectHashesTx(ctx context.Context, tx pgx.Tx, table string, urls []any) (map[string]string, error) {
	keys := make([]string, len(urls))
	for i, u := range urls {
		keys[i] = storage.KeyString(u)
	}
	rows, err := tx.Query(ctx, buildSelectHashesSQL(table), keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var k, h string
		if err := rows.Scan(&k, &h); err != nil {
			return nil, err
		}
		out[k] = h
	}
	return out, rows.Err()
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildSelectHashesSQL takes the URL list as one text[] parameter.
func buildSelectHashesSQL(table string) string {
	return fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = ANY($1) FOR UPDATE`,
		pgIdent(storage.ColURL), pgIdent(storage.ColRowHash), pgIdent(table), pgIdent(storage.ColURL))
}

func buildCreateSQL(table string, fields []string) string {
	defs := []string{
		pgIdent(storage.ColURL) + " TEXT PRIMARY KEY",
		pgIdent(storage.ColName) + " TEXT NOT NULL",
	}
	for _, f := range fields {
		defs = append(defs, pgIdent(f)+" TEXT NOT NULL DEFAULT ''")
	}
	defs = append(defs,
		pgIdent(storage.ColRowHash)+" CHAR(64) NOT NULL",
		pgIdent(storage.ColUpdatedAt)+" TIMESTAMPTZ NOT NULL",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgIdent(table), strings.Join(defs, ", "))
}

// buildInsertSQL builds one multi-row INSERT with numbered placeholders.
// It is pure so placeholder numbering can be tested without a database.
func buildInsertSQL(table string, fields []string, rows []storage.CardRow, now time.Time) (string, []any) {
	cols := append(storage.Columns(fields), storage.ColUpdatedAt)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			p++
		}
		b.WriteByte(')')
		args = append(args, storage.Args(fields, row)...)
		args = append(args, now)
	}
	return b.String(), args
}

func buildUpdateSQL(table string, fields []string) string {
	cols := append(storage.Columns(fields)[1:], storage.ColUpdatedAt)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgIdent(c), i+1)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		pgIdent(table), strings.Join(sets, ", "), pgIdent(storage.ColURL), len(cols)+1)
}
