// Package sqlstub provides a recording database/sql driver for executor
// tests against dialects that have no in-process engine.
package sqlstub

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

var seq atomic.Int64

// Statement is one recorded statement with its bound arguments.
type Statement struct {
	Text string
	Args []any
}

// Result is the canned answer to a query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Conn records statements and transaction outcomes. Handlers decide what
// each statement returns; nil handlers affect one row and return no rows.
type Conn struct {
	mu         sync.Mutex
	Execs      []Statement
	Queries    []Statement
	Commits    int
	Rollbacks  int
	FailBegin  bool
	FailCommit bool
	FailPing   bool

	// OnExec returns the rows affected by an exec or an error.
	OnExec func(st Statement) (int64, error)
	// OnQuery answers a query.
	OnQuery func(st Statement) (Result, error)
}

// Open registers a fresh driver and returns a *sql.DB bound to its Conn.
func Open() (*sql.DB, *Conn) {
	conn := &Conn{}
	name := fmt.Sprintf("sqlstub%d", seq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Statements returns every recorded exec in order.
func (c *Conn) Statements() []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Statement(nil), c.Execs...)
}

type stubDriver struct{ conn *Conn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *Conn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *Conn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *Conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// Ping implements driver.Pinger.
func (c *Conn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// CheckNamedValue accepts every argument unchanged so tests see what the
// executor bound.
func (c *Conn) CheckNamedValue(*driver.NamedValue) error { return nil }

func statementOf(query string, args []driver.NamedValue) Statement {
	st := Statement{Text: query, Args: make([]any, len(args))}
	for i, a := range args {
		st.Args[i] = a.Value
	}
	return st
}

// ExecContext implements driver.ExecerContext.
func (c *Conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	st := statementOf(query, args)
	c.mu.Lock()
	c.Execs = append(c.Execs, st)
	handler := c.OnExec
	c.mu.Unlock()
	if handler == nil {
		return driver.RowsAffected(1), nil
	}
	n, err := handler(st)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(n), nil
}

// QueryContext implements driver.QueryerContext.
func (c *Conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	st := statementOf(query, args)
	c.mu.Lock()
	c.Queries = append(c.Queries, st)
	handler := c.OnQuery
	c.mu.Unlock()
	var res Result
	if handler != nil {
		var err error
		if res, err = handler(st); err != nil {
			return nil, err
		}
	}
	return &stubRows{cols: res.Columns, rows: res.Rows}, nil
}

type stubTx struct{ conn *Conn }

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.Rollbacks++
	return nil
}

type stubRows struct {
	cols []string
	rows [][]any
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	for i, v := range r.rows[r.idx] {
		dest[i] = v
	}
	r.idx++
	return nil
}
