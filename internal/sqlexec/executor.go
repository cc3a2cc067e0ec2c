// Package sqlexec runs layer SQL against the configured datasources. Every
// statement executes inside a read-only transaction.
package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/tileforge/internal/core/config"
	"github.com/mohammed-shakir/tileforge/internal/core/observability"
)

// Pool is the part of pgxpool.Pool the executor needs.
type Pool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Field struct {
	Name string
	Type string
}

type Result struct {
	Fields []Field
	Rows   []map[string]any
}

// Querier is what renderers and aggregators depend on.
type Querier interface {
	Query(ctx context.Context, db, sql string, args ...any) (*Result, error)
	QueryTables(ctx context.Context, db, sql string) ([]string, error)
}

var ErrUnknownDatasource = errors.New("unknown datasource")

type Executor struct {
	pools map[string]Pool
}

func NewExecutor(pools map[string]Pool) *Executor {
	return &Executor{pools: pools}
}

// Open builds one pgx pool per datasource. The returned func closes them.
func Open(ctx context.Context, sources map[string]config.Datasource) (*Executor, func(), error) {
	pools := make(map[string]Pool, len(sources))
	var opened []*pgxpool.Pool
	closeAll := func() {
		for _, p := range opened {
			p.Close()
		}
	}
	for name, ds := range sources {
		pc, err := pgxpool.ParseConfig(ds.DSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("datasource %s: %w", name, ScrubError(err))
		}
		if ds.PoolSize > 0 {
			pc.MaxConns = int32(min(ds.PoolSize, 1<<16))
		}
		p, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("datasource %s: %w", name, ScrubError(err))
		}
		opened = append(opened, p)
		pools[name] = p
	}
	return NewExecutor(pools), closeAll, nil
}

// Query runs sql read-only on db and buffers the rows.
func (e *Executor) Query(ctx context.Context, db, sql string, args ...any) (*Result, error) {
	start := time.Now()
	res, err := e.query(ctx, db, sql, args...)
	observability.ObserveSQL(db, err, time.Since(start).Seconds())
	return res, err
}

func (e *Executor) query(ctx context.Context, db, sql string, args ...any) (*Result, error) {
	pool, ok := e.pools[db]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatasource, db)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, ScrubError(err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, ScrubError(err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	res := &Result{Fields: make([]Field, len(fds))}
	for i, fd := range fds {
		res.Fields[i] = Field{Name: fd.Name, Type: TypeName(fd.DataTypeOID)}
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, ScrubError(err)
		}
		row := make(map[string]any, len(vals))
		for i, v := range vals {
			if i < len(fds) {
				row[fds[i].Name] = v
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ScrubError(err)
	}
	return res, nil
}

// QueryTables lists the tables sql reads from, schema qualified.
func (e *Executor) QueryTables(ctx context.Context, db, sql string) ([]string, error) {
	res, err := e.Query(ctx, db, "SELECT CDB_QueryTablesText($1) AS tablenames", sql)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	switch v := res.Rows[0]["tablenames"].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("query tables: unexpected result type %T", v)
	}
}

// Ping checks every datasource that supports it.
func (e *Executor) Ping(ctx context.Context) error {
	for name, p := range e.pools {
		if pp, ok := p.(interface{ Ping(context.Context) error }); ok {
			if err := pp.Ping(ctx); err != nil {
				return fmt.Errorf("datasource %s: %w", name, ScrubError(err))
			}
		}
	}
	return nil
}

// IsReadOnlyViolation reports a write attempted inside the read-only
// transaction.
func IsReadOnlyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "25006"
}

// TypeName maps common PostgreSQL type OIDs onto the column types exposed
// by metadata and widgets.
func TypeName(oid uint32) string {
	switch oid {
	case 16:
		return "boolean"
	case 20, 21, 23, 26, 700, 701, 1700:
		return "number"
	case 18, 19, 25, 1042, 1043:
		return "string"
	case 1082, 1083, 1114, 1184:
		return "date"
	default:
		return "geometry"
	}
}
