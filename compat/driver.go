// Package compat adapts a pooled xrpc.Conn to database/sql/driver, the
// closest stdlib analogue to the JDBC-shaped surface spec.md 9 describes
// this driver as mirroring without implementing.  It is intentionally thin:
// buffered-mode only; Begin switches auto-commit off and the returned Tx
// commits or rolls back, with no isolation or read-only options (the
// adapter does not implement driver.ConnBeginTx). It exists so host programs that
// already speak database/sql can use this driver without a separate client
// library.
package compat

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/polardbx/xrpc-go/internal/pool"
	"github.com/polardbx/xrpc-go/internal/resultstream"
	xrpc "github.com/polardbx/xrpc-go"
)

// ErrNotImplemented is the error value this package reserves for
// unimplemented driver features. No method of this adapter returns it at
// present: Prepare accepts any query text, and optional interfaces such as
// driver.ConnBeginTx are simply not implemented.
var ErrNotImplemented = errors.New("compat: not implemented")

// Connector builds database/sql-compatible connections against one pool
// and Target.
type Connector struct {
	Pool           *pool.Pool
	Target         pool.Target
	NetworkTimeout int64 // nanoseconds, 0 = no per-op timeout
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn := xrpc.New(c.Pool, c.Target, time.Duration(c.NetworkTimeout), nil)
	if err := conn.Init(ctx); err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

func (c *Connector) Driver() driver.Driver { return &Driver{Connector: c} }

// Driver is a database/sql/driver.Driver; most callers should use Connector
// directly via sql.OpenDB instead, since Open alone has no way to thread a
// Pool through a DSN string.
type Driver struct{ Connector *Connector }

func (d *Driver) Open(name string) (driver.Conn, error) {
	return d.Connector.Connect(context.Background())
}

type connAdapter struct {
	conn *xrpc.Conn
}

func (c *connAdapter) Prepare(query string) (driver.Stmt, error) {
	return &stmtAdapter{conn: c.conn, query: query}, nil
}

func (c *connAdapter) Close() error {
	return c.conn.Close(context.Background())
}

func (c *connAdapter) Begin() (driver.Tx, error) {
	if err := c.conn.SetAutoCommit(context.Background(), false); err != nil {
		return nil, err
	}
	return &txAdapter{conn: c.conn}, nil
}

type txAdapter struct{ conn *xrpc.Conn }

func (t *txAdapter) Commit() error   { return t.conn.Commit(context.Background()) }
func (t *txAdapter) Rollback() error { return t.conn.Rollback(context.Background()) }

type stmtAdapter struct {
	conn  *xrpc.Conn
	query string
}

func (s *stmtAdapter) Close() error  { return nil }
func (s *stmtAdapter) NumInput() int { return -1 }

func (s *stmtAdapter) Exec(args []driver.Value) (driver.Result, error) {
	stream, err := s.conn.ExecUpdate(context.Background(), s.query, toParams(args), false)
	if err != nil {
		return nil, err
	}
	return resultAdapter{stream: stream}, nil
}

func (s *stmtAdapter) Query(args []driver.Value) (driver.Rows, error) {
	stream, err := s.conn.ExecQuery(context.Background(), s.query, toParams(args), false, 0)
	if err != nil {
		return nil, err
	}
	return &rowsAdapter{stream: stream}, nil
}

func toParams(args []driver.Value) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []byte:
			out[i] = v
		case string:
			out[i] = []byte(v)
		case nil:
			out[i] = nil
		default:
			out[i] = []byte(fmt.Sprintf("%v", v))
		}
	}
	return out
}

type resultAdapter struct{ stream *resultstream.Stream }

func (r resultAdapter) LastInsertId() (int64, error) { return int64(r.stream.LastInsertId()), nil }
func (r resultAdapter) RowsAffected() (int64, error) { return int64(r.stream.AffectedRows()), nil }

type rowsAdapter struct{ stream *resultstream.Stream }

func (r *rowsAdapter) Columns() []string {
	cols := r.stream.Columns()
	if cols == nil {
		return nil
	}
	return cols.Names
}

func (r *rowsAdapter) Close() error {
	r.stream.Close()
	return nil
}

func (r *rowsAdapter) Next(dest []driver.Value) error {
	row, err := r.stream.Next(context.Background())
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return err
	}
	for i := range dest {
		if i < len(row.Values) {
			dest[i] = row.Values[i]
		} else {
			dest[i] = nil
		}
	}
	return nil
}
