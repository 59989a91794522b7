package xrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polardbx/xrpc-go/config"
	"github.com/polardbx/xrpc-go/internal/pool"
	"github.com/polardbx/xrpc-go/internal/session"
	"github.com/polardbx/xrpc-go/internal/wire"
)

// fakeServer answers SessionOpen, replies to every ExecSQL with the same
// one-row SELECT 1 result, answers pings, and ignores all other frames:
// good enough to exercise Conn's public surface end to end without a real
// storage node.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		nextSession := uint32(1)
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			switch f.Type {
			case wire.TypeSessionOpen:
				var open wire.SessionOpen
				if f.Decode(&open) != nil {
					return
				}
				id := nextSession
				nextSession++
				_ = wire.WriteFrame(conn, wire.TypeSessionOpened, &wire.SessionOpened{
					TempId: open.TempId, SessionId: id, ConnectionId: id + 1000,
				})
			case wire.TypeExecSQL:
				var sql wire.ExecSQL
				if f.Decode(&sql) != nil {
					return
				}
				_ = wire.WriteFrame(conn, wire.TypeColumnMeta, &wire.ColumnMeta{SessionId: sql.SessionId, Seq: sql.Seq, Names: []string{"1"}})
				_ = wire.WriteFrame(conn, wire.TypeRow, &wire.Row{SessionId: sql.SessionId, Seq: sql.Seq, Values: [][]byte{[]byte("1")}})
				_ = wire.WriteFrame(conn, wire.TypeEOF, &wire.EOF{SessionId: sql.SessionId, Seq: sql.Seq, RowCount: 1})
			case wire.TypePing:
				var ping wire.Ping
				if f.Decode(&ping) == nil {
					_ = wire.WriteFrame(conn, wire.TypePong, &wire.Pong{Nonce: ping.Nonce})
				}
			case wire.TypeSessionClose, wire.TypeSessionReset, wire.TypeCancel:
			}
		}
	}()
}

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	cfg := config.Default()
	cfg.IdleInterval = time.Hour

	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		fakeServer(t, server)
		t.Cleanup(func() { client.Close(); server.Close() })
		return client, nil
	}
	p := pool.New(cfg, dial, pool.Hooks{}, nil)
	c := New(p, pool.Target{Host: "db1", Port: 3306, DefaultSchema: "d"}, time.Second, nil)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func TestSimpleQueryEndToEnd(t *testing.T) {
	c := newTestConn(t)
	ctx := context.Background()

	stream, err := c.ExecQuery(ctx, "SELECT 1", nil, false, 0)
	require.NoError(t, err)
	require.True(t, stream.IsGoodAndDone())

	row, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, row.Values)
}

func TestOperationsFailBeforeInit(t *testing.T) {
	cfg := config.Default()
	p := pool.New(cfg, func(ctx context.Context, addr string) (net.Conn, error) {
		panic("dial should not be called")
	}, pool.Hooks{}, nil)
	c := New(p, pool.Target{Host: "db1", Port: 3306}, 0, nil)

	_, err := c.ExecQuery(context.Background(), "SELECT 1", nil, false, 0)
	require.Error(t, err)
	var notInit Error[NotInitializedContext]
	require.ErrorAs(t, err, &notInit)
}

func TestOperationsFailAfterClose(t *testing.T) {
	c := newTestConn(t)
	require.NoError(t, c.Close(context.Background()))

	_, err := c.ExecQuery(context.Background(), "SELECT 1", nil, false, 0)
	require.Error(t, err)
	var closedErr Error[ClosedContext]
	require.ErrorAs(t, err, &closedErr)
}

func TestGetConnectionIDAndWarnings(t *testing.T) {
	c := newTestConn(t)
	id, err := c.GetConnectionID()
	require.NoError(t, err)
	require.NotZero(t, id)

	warnings, err := c.GetWarnings()
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestCreateStatementIsNotSupported(t *testing.T) {
	c := newTestConn(t)
	err := c.CreateStatement()
	var notSupported Error[NotSupportedContext]
	require.ErrorAs(t, err, &notSupported)
}

func TestIsWrapperFor(t *testing.T) {
	c := newTestConn(t)
	require.True(t, c.IsWrapperFor(&Conn{}))
	require.False(t, c.IsWrapperFor(42))
}

func TestSetTransactionIsolationRejectsUnknownLevel(t *testing.T) {
	c := newTestConn(t)

	err := c.SetTransactionIsolation(context.Background(), session.IsolationLevel("bogus; DROP TABLE t;--"))
	require.Error(t, err)
	var illegal Error[IllegalArgumentContext]
	require.ErrorAs(t, err, &illegal)
}

func TestSetTransactionIsolationAcceptsKnownLevel(t *testing.T) {
	c := newTestConn(t)

	err := c.SetTransactionIsolation(context.Background(), session.RepeatableRead)
	require.NoError(t, err)
}
