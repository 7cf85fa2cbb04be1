// Package sql implements the connector over database/sql for the
// postgres, mysql and sqlite dialects.
package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/syssam/vertex/connector"
)

// Supported dialects.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// ExecQuerier wraps the standard Exec and Query methods.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn dispatches actions on an ExecQuerier.
type Conn struct {
	ExecQuerier
	dialect string
}

// Driver is a connector.Connector over a *sql.DB.
type Driver struct {
	Conn
	dialect string
}

// Open opens a database/sql connection for the dialect and wraps it in
// a Driver. The dialect doubles as the registered driver name.
func Open(dialect, source string) (*Driver, error) {
	db, err := sql.Open(dialect, source)
	if err != nil {
		return nil, err
	}
	return OpenDB(dialect, db), nil
}

// OpenDB wraps an existing *sql.DB in a Driver.
func OpenDB(dialect string, db *sql.DB) *Driver {
	return &Driver{dialect: dialect, Conn: Conn{db, dialect}}
}

// DB returns the underlying *sql.DB instance.
func (d *Driver) DB() *sql.DB {
	return d.ExecQuerier.(*sql.DB)
}

// Name implements connector.Connector.
func (d *Driver) Name() string { return d.dialect }

// Capabilities implements connector.Connector. Cascading deletes are
// left to the planner: the schema layer does not manage referential
// actions in the database, so the graph emulates them everywhere.
func (d *Driver) Capabilities() connector.Capabilities {
	caps := connector.Capabilities{
		Joins:          true,
		Transactions:   true,
		RawSQL:         true,
		MaxConcurrency: 8,
		MaxBatchSize:   1000,
	}
	if d.dialect == SQLite {
		caps.MaxConcurrency = 1
		caps.MaxBatchSize = 500
	}
	return caps
}

// Begin implements connector.Connector.
func (d *Driver) Begin(ctx context.Context) (connector.Tx, error) {
	tx, err := d.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{Conn: Conn{tx, d.dialect}, Tx: tx}, nil
}

// Close implements connector.Connector.
func (d *Driver) Close() error { return d.DB().Close() }

// Tx is a transaction-scoped dispatcher.
type Tx struct {
	Conn
	driver.Tx
}

// Dispatch implements connector.Dispatcher.
func (c Conn) Dispatch(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	switch a.Op {
	case connector.OpFind:
		return c.find(ctx, a)
	case connector.OpCreate:
		return c.create(ctx, a)
	case connector.OpUpdate:
		return c.exec(ctx, buildUpdate(c.dialect, a))
	case connector.OpDelete:
		return c.exec(ctx, buildDelete(c.dialect, a))
	case connector.OpAggregate:
		return c.aggregate(ctx, a)
	case connector.OpRaw:
		return c.raw(ctx, a)
	}
	return nil, fmt.Errorf("sql: unsupported op %q", a.Op)
}

func (c Conn) find(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	stmt, cols := buildSelect(c.dialect, a)
	rows, err := c.query(ctx, stmt, cols)
	if err != nil {
		return nil, err
	}
	return &connector.Result{Rows: rows}, nil
}

func (c Conn) create(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	if a.Batch != nil {
		return c.exec(ctx, buildInsertBatch(c.dialect, a))
	}
	if c.dialect == MySQL {
		// No RETURNING: read the generated key off the result.
		stmt := buildInsert(c.dialect, a)
		res, err := c.ExecContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return nil, err
		}
		row := a.Values.Clone()
		if row == nil {
			row = connector.Row{}
		}
		if _, ok := row[a.IDField]; !ok {
			if id, err := res.LastInsertId(); err == nil {
				row[a.IDField] = id
			}
		}
		return &connector.Result{Rows: []connector.Row{row}, Affected: 1}, nil
	}
	stmt, cols := buildInsertReturning(c.dialect, a)
	rows, err := c.query(ctx, stmt, cols)
	if err != nil {
		return nil, err
	}
	return &connector.Result{Rows: rows, Affected: int64(len(rows))}, nil
}

func (c Conn) aggregate(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	stmt := buildAggregate(c.dialect, a)
	rows, err := c.QueryContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var v any
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &connector.Result{Value: normalize(v)}, nil
}

func (c Conn) raw(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	if isQuery(a.SQL) {
		rows, err := c.QueryContext(ctx, a.SQL, a.SQLArgs...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out, err := scanDynamic(rows)
		if err != nil {
			return nil, err
		}
		return &connector.Result{Rows: out}, nil
	}
	res, err := c.ExecContext(ctx, a.SQL, a.SQLArgs...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	return &connector.Result{Affected: affected}, nil
}

func (c Conn) exec(ctx context.Context, stmt statement) (*connector.Result, error) {
	res, err := c.ExecContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	return &connector.Result{Affected: affected}, nil
}

// query runs a statement with a known column plan and shapes the rows
// under their logical keys.
func (c Conn) query(ctx context.Context, stmt statement, cols []column) ([]connector.Row, error) {
	rows, err := c.QueryContext(ctx, stmt.query, stmt.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []connector.Row
	for rows.Next() {
		dest := make([]any, len(cols))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(connector.Row, len(cols))
		for i, col := range cols {
			row[col.key] = normalize(*dest[i].(*any))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanDynamic shapes rows whose columns are only known at runtime.
func scanDynamic(rows *sql.Rows) ([]connector.Row, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []connector.Row
	for rows.Next() {
		dest := make([]any, len(names))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(connector.Row, len(names))
		for i, name := range names {
			row[name] = normalize(*dest[i].(*any))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize maps driver byte slices to strings so filters and hydration
// see comparable values across dialects.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
