package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"cardscrape/internal/storage"
)

// Repo implements storage.RecordRepository for Microsoft SQL Server.
//
// Stored hashes are read one URL at a time with UPDLOCK + ROWLOCK inside the
// write transaction, so concurrent writers for the same card serialize
// without table-wide locks.
type Repo struct {
	db  dbConn
	now func() time.Time
}

func init() {
	storage.Register("mssql", New)
}

// New opens a SQL Server connection using the go-mssqldb "sqlserver" driver
// and validates it with PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.RecordRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(8)
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}, now: time.Now}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

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

	selectSQL := buildSelectHashSQL(table)
	existing := map[string]string{}
	for _, u := range storage.URLs(rows) {
		var h string
		err := tx.QueryRowContext(ctx, selectSQL, u).Scan(&h)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return res, fmt.Errorf("select hash %v: %w", u, err)
		default:
			existing[storage.KeyString(u)] = strings.TrimSpace(h)
		}
	}

	inserts, updates, unchanged := storage.Plan(fields, rows, existing)
	now := r.now().UTC()

	insertSQL := buildInsertSQL(table, fields)
	for _, row := range inserts {
		args := append(storage.Args(fields, row), now)
		if _, err := tx.ExecContext(ctx, insertSQL, args...); err != nil {
			return res, fmt.Errorf("insert %s: %w", row.URL, err)
		}
	}
	updateSQL := buildUpdateSQL(table, fields)
	for _, row := range updates {
		args := append(storage.Args(fields, row)[1:], now, row.URL)
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

func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

// buildCreateSQL guards CREATE TABLE with OBJECT_ID since SQL Server has no
// IF NOT EXISTS for tables.
func buildCreateSQL(table string, fields []string) string {
	defs := []string{
		msIdent(storage.ColURL) + " NVARCHAR(450) NOT NULL PRIMARY KEY",
		msIdent(storage.ColName) + " NVARCHAR(400) NOT NULL",
	}
	for _, f := range fields {
		defs = append(defs, msIdent(f)+" NVARCHAR(MAX) NOT NULL DEFAULT N''")
	}
	defs = append(defs,
		msIdent(storage.ColRowHash)+" CHAR(64) NOT NULL",
		msIdent(storage.ColUpdatedAt)+" DATETIME2 NOT NULL",
	)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s);",
		strings.ReplaceAll(table, "'", "''"), msIdent(table), strings.Join(defs, ", "))
}

func buildSelectHashSQL(table string) string {
	return fmt.Sprintf("SELECT %s FROM %s WITH (UPDLOCK, ROWLOCK) WHERE %s = @p1",
		msIdent(storage.ColRowHash), msIdent(table), msIdent(storage.ColURL))
}

func buildInsertSQL(table string, fields []string) string {
	cols := append(storage.Columns(fields), storage.ColUpdatedAt)
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = msIdent(c)
		ph[i] = fmt.Sprintf("@p%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		msIdent(table), strings.Join(quoted, ", "), strings.Join(ph, ", "))
}

func buildUpdateSQL(table string, fields []string) string {
	cols := append(storage.Columns(fields)[1:], storage.ColUpdatedAt)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = @p%d", msIdent(c), i+1)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = @p%d",
		msIdent(table), strings.Join(sets, ", "), msIdent(storage.ColURL), len(cols)+1)
}

// ---- database/sql seam types ----

// dbConn is the part of *sql.DB this package uses, so tests can fake it.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is the part of *sql.Tx this package uses.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
