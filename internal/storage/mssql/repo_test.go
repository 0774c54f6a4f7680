package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"cardscrape/internal/storage"
)

type fakeRow struct {
	hash string
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.hash
	return nil
}

type execCall struct {
	query string
	args  []any
}

type fakeTx struct {
	stored     map[string]string
	execs      []execCall
	committed  bool
	rolledBack bool
	execErr    error
}

func (f *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	return nil, f.execErr
}

func (f *fakeTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	h, ok := f.stored[args[0].(string)]
	if !ok {
		return fakeRow{err: sql.ErrNoRows}
	}
	// CHAR(64) comes back padded on some collations.
	return fakeRow{hash: h + "  "}
}

func (f *fakeTx) Commit() error   { f.committed = true; return nil }
func (f *fakeTx) Rollback() error { f.rolledBack = true; return nil }

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (f *fakeDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) { return f.tx, nil }
func (f *fakeDB) Close() error                                                     { return nil }

func TestUpsertRecords_PlansInsertUpdateUnchanged(t *testing.T) {
	fields := []string{"cs_text"}
	same := storage.CardRow{URL: "u-same", Name: "S", Values: []string{"x"}}
	changed := storage.CardRow{URL: "u-changed", Name: "C", Values: []string{"new"}}
	fresh := storage.CardRow{URL: "u-new", Name: "N", Values: []string{"y"}}

	tx := &fakeTx{stored: map[string]string{
		"u-same":    storage.RowHash(fields, same),
		"u-changed": storage.RowHash(fields, storage.CardRow{URL: "u-changed", Name: "C", Values: []string{"old"}}),
	}}
	r := &Repo{db: &fakeDB{tx: tx}, now: func() time.Time { return time.Unix(0, 0) }}

	res, err := r.UpsertRecords(context.Background(), "cards", fields, []storage.CardRow{same, changed, fresh})
	if err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}
	if res != (storage.UpsertResult{Inserted: 1, Updated: 1, Unchanged: 1}) {
		t.Fatalf("result=%+v", res)
	}
	if !tx.committed {
		t.Fatalf("expected commit")
	}
	if len(tx.execs) != 2 {
		t.Fatalf("execs=%d, want 2", len(tx.execs))
	}
	if !strings.HasPrefix(tx.execs[0].query, "INSERT INTO [cards]") || tx.execs[0].args[0] != "u-new" {
		t.Fatalf("first exec should insert u-new: %+v", tx.execs[0])
	}
	upd := tx.execs[1]
	if !strings.HasPrefix(upd.query, "UPDATE [cards]") || upd.args[len(upd.args)-1] != "u-changed" {
		t.Fatalf("second exec should update u-changed: %+v", upd)
	}
}

func TestUpsertRecords_ExecErrorRollsBack(t *testing.T) {
	tx := &fakeTx{stored: map[string]string{}, execErr: errors.New("boom")}
	r := &Repo{db: &fakeDB{tx: tx}, now: time.Now}

	_, err := r.UpsertRecords(context.Background(), "cards", []string{"f"}, []storage.CardRow{{URL: "u", Name: "n"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestBuildSQL(t *testing.T) {
	t.Parallel()

	if got, want := buildInsertSQL("cards", []string{"f"}),
		"INSERT INTO [cards] ([url], [name], [f], [row_hash], [updated_at]) VALUES (@p1, @p2, @p3, @p4, @p5)"; got != want {
		t.Fatalf("insert:\n got=%s\nwant=%s", got, want)
	}
	if got, want := buildUpdateSQL("cards", []string{"f"}),
		"UPDATE [cards] SET [name] = @p1, [f] = @p2, [row_hash] = @p3, [updated_at] = @p4 WHERE [url] = @p5"; got != want {
		t.Fatalf("update:\n got=%s\nwant=%s", got, want)
	}
	create := buildCreateSQL("cards", []string{"f"})
	if !strings.HasPrefix(create, "IF OBJECT_ID(N'cards', N'U') IS NULL CREATE TABLE [cards]") {
		t.Fatalf("create: %s", create)
	}
	if !strings.Contains(buildSelectHashSQL("cards"), "WITH (UPDLOCK, ROWLOCK)") {
		t.Fatalf("select missing lock hints")
	}
	if msIdent("a]b") != "[a]]b]" {
		t.Fatalf("msIdent escaping")
	}
}
