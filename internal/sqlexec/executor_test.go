package sqlexec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakePool hands out transactions that behave like PostgreSQL with respect
// to access mode: write statements fail inside read-only transactions.
type fakePool struct {
	mu      sync.Mutex
	opts    []pgx.TxOptions
	rolled  int
	rows    [][]any
	fields  []pgconn.FieldDescription
	sqls    []string
	beginFn func() error
}

func (p *fakePool) BeginTx(_ context.Context, o pgx.TxOptions) (pgx.Tx, error) {
	if p.beginFn != nil {
		if err := p.beginFn(); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	p.opts = append(p.opts, o)
	p.mu.Unlock()
	return &fakeTx{pool: p, readOnly: o.AccessMode == pgx.ReadOnly}, nil
}

type fakeTx struct {
	pgx.Tx
	pool     *fakePool
	readOnly bool
}

var writeVerbs = []string{"INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "TRUNCATE", "ALTER"}

func (t *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	t.pool.mu.Lock()
	t.pool.sqls = append(t.pool.sqls, sql)
	t.pool.mu.Unlock()
	up := strings.ToUpper(sql)
	for _, v := range writeVerbs {
		if strings.Contains(up, v+" ") && t.readOnly {
			return nil, &pgconn.PgError{
				Severity: "ERROR",
				Code:     "25006",
				Message:  "cannot execute " + v + " in a read-only transaction",
			}
		}
	}
	return &fakeRows{fields: t.pool.fields, rows: t.pool.rows, i: -1}, nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.pool.mu.Lock()
	t.pool.rolled++
	t.pool.mu.Unlock()
	return nil
}

type fakeRows struct {
	pgx.Rows
	fields []pgconn.FieldDescription
	rows   [][]any
	i      int
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.i], nil }

func TestQuery_AlwaysReadOnlyAndRolledBack(t *testing.T) {
	p := &fakePool{
		fields: []pgconn.FieldDescription{{Name: "cartodb_id", DataTypeOID: 23}, {Name: "name", DataTypeOID: 25}},
		rows:   [][]any{{int32(1), "a"}, {int32(2), "b"}},
	}
	e := NewExecutor(map[string]Pool{"main": p})

	res, err := e.Query(context.Background(), "main", "SELECT cartodb_id, name FROM t")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[1]["name"] != "b" {
		t.Fatalf("rows=%v", res.Rows)
	}
	if res.Fields[0].Type != "number" || res.Fields[1].Type != "string" {
		t.Fatalf("fields=%v", res.Fields)
	}
	if len(p.opts) != 1 || p.opts[0].AccessMode != pgx.ReadOnly {
		t.Fatalf("transaction not read-only: %+v", p.opts)
	}
	if p.rolled != 1 {
		t.Fatalf("transaction not rolled back: %d", p.rolled)
	}
}

func TestQuery_WritesFailWithReadOnlyError(t *testing.T) {
	p := &fakePool{}
	e := NewExecutor(map[string]Pool{"main": p})

	for _, sql := range []string{
		"INSERT INTO t VALUES (1)",
		"WITH x AS (DELETE FROM t RETURNING *) SELECT * FROM x",
		"select 1; UPDATE t SET a = 1",
	} {
		_, err := e.Query(context.Background(), "main", sql)
		if err == nil {
			t.Fatalf("write succeeded: %s", sql)
		}
		if !IsReadOnlyViolation(err) {
			t.Fatalf("want read-only violation, got %v", err)
		}
		if !strings.Contains(err.Error(), "read-only transaction") {
			t.Fatalf("engine message lost: %v", err)
		}
	}
	for _, o := range p.opts {
		if o.AccessMode != pgx.ReadOnly {
			t.Fatalf("non read-only transaction opened")
		}
	}
}

func TestQuery_UnknownDatasource(t *testing.T) {
	e := NewExecutor(map[string]Pool{})
	if _, err := e.Query(context.Background(), "nope", "select 1"); !errors.Is(err, ErrUnknownDatasource) {
		t.Fatalf("got %v", err)
	}
}

func TestQuery_ConnectionErrorsAreScrubbed(t *testing.T) {
	p := &fakePool{beginFn: func() error {
		return errors.New("failed to connect to `host=db.internal user=tiler database=gis`: dial tcp 10.0.3.7:5432: connect: connection refused")
	}}
	e := NewExecutor(map[string]Pool{"main": p})

	_, err := e.Query(context.Background(), "main", "select 1")
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("want ConnectionError, got %v", err)
	}
	msg := err.Error()
	for _, leak := range []string{"10.0.3.7", "5432", "db.internal"} {
		if strings.Contains(msg, leak) {
			t.Fatalf("message leaks %q: %s", leak, msg)
		}
	}
	if !strings.Contains(msg, "connection refused") {
		t.Fatalf("reason dropped: %s", msg)
	}
}

func TestQueryTables(t *testing.T) {
	p := &fakePool{
		fields: []pgconn.FieldDescription{{Name: "tablenames", DataTypeOID: 1009}},
		rows:   [][]any{{[]any{"public.table1", "public.table2"}}},
	}
	e := NewExecutor(map[string]Pool{"main": p})
	got, err := e.QueryTables(context.Background(), "main", "select * from table1, table2")
	if err != nil {
		t.Fatalf("QueryTables: %v", err)
	}
	if strings.Join(got, ",") != "public.table1,public.table2" {
		t.Fatalf("tables=%v", got)
	}
	if !strings.Contains(p.sqls[0], "CDB_QueryTablesText($1)") {
		t.Fatalf("unexpected introspection sql %s", p.sqls[0])
	}
}
