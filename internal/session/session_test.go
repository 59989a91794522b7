package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polardbx/xrpc-go/internal/transport"
	"github.com/polardbx/xrpc-go/internal/wire"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	tr := transport.New(client, transport.Config{IdleInterval: time.Hour, ReplyTimeout: time.Second}, nil)
	t.Cleanup(func() { tr.Close() })

	s := New(tr, &wire.SessionOpened{SessionId: 7, ConnectionId: 99}, "mydb", 64, nil)
	return s, server
}

// serverReply reads one frame off server and then calls write, which sends
// the reply frames; the helper itself does not use sessionID or seq.
func serverReply(t *testing.T, server net.Conn, sessionID uint32, seq uint64, write func()) {
	t.Helper()
	go func() {
		_, err := wire.ReadFrame(server)
		require.NoError(t, err)
		write()
	}()
}

func TestSubmitSimpleQueryRoundTrip(t *testing.T) {
	s, server := newTestSession(t)

	serverReply(t, server, s.ID(), 1, func() {
		require.NoError(t, wire.WriteFrame(server, wire.TypeColumnMeta, &wire.ColumnMeta{SessionId: s.ID(), Seq: 1, Names: []string{"x"}}))
		require.NoError(t, wire.WriteFrame(server, wire.TypeRow, &wire.Row{SessionId: s.ID(), Seq: 1, Values: [][]byte{[]byte("1")}}))
		require.NoError(t, wire.WriteFrame(server, wire.TypeEOF, &wire.EOF{SessionId: s.ID(), Seq: 1, RowCount: 1}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("SELECT 1")})
	require.NoError(t, err)
	require.NotNil(t, stream)

	row, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, row.Values)
}

func TestIgnoreResultNotSurfacedAsLastUserRequest(t *testing.T) {
	s, server := newTestSession(t)

	serverReply(t, server, s.ID(), 1, func() {
		require.NoError(t, wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: s.ID(), Seq: 1}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("SET x=1"), IgnoreResult: true})
	require.NoError(t, err)
	require.Nil(t, stream)

	// Submit records LastRequest for the ignorable request; LastUserRequest
	// must stay nil.
	require.Eventually(t, func() bool { return s.LastRequest() != nil }, time.Second, time.Millisecond)
	require.Nil(t, s.LastUserRequest())
}

func TestSubmitBlocksUntilPreviousTerminates(t *testing.T) {
	s, server := newTestSession(t)

	go func() {
		_, err := wire.ReadFrame(server)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: s.ID(), Seq: 1}))

		_, err = wire.ReadFrame(server)
		require.NoError(t, err)
		require.NoError(t, wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: s.ID(), Seq: 2}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream1, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("UPDATE t SET a=1")})
	require.NoError(t, err)

	start := time.Now()
	stream2, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("UPDATE t SET a=2")})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	_, err = stream1.Next(ctx)
	require.Error(t, err) // io.EOF
	_, err = stream2.Next(ctx)
	require.Error(t, err)
}

func TestSetAutoCommitSkipsRedundantTransition(t *testing.T) {
	s, _ := newTestSession(t)
	require.True(t, s.AutoCommit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.SetAutoCommit(ctx, true))
	require.True(t, s.AutoCommit())
}

func TestSetAutoCommitSendsOnChange(t *testing.T) {
	s, server := newTestSession(t)

	go func() {
		f, err := wire.ReadFrame(server)
		require.NoError(t, err)
		require.Equal(t, wire.TypeExecSQL, f.Type)
		var sql wire.ExecSQL
		require.NoError(t, f.Decode(&sql))
		require.Contains(t, string(sql.Sql), "AUTOCOMMIT=0")
		require.NoError(t, wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: s.ID(), Seq: sql.Seq}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.SetAutoCommit(ctx, false))
	require.False(t, s.AutoCommit())
}

func TestKillMarksSessionUnusable(t *testing.T) {
	s, server := newTestSession(t)
	go wire.ReadFrame(server)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Kill(ctx, true))
	require.True(t, s.Killed())

	_, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("SELECT 1")})
	require.ErrorIs(t, err, ErrSessionKilled)
}

func TestSessionKilledNoticeFailsCurrentStream(t *testing.T) {
	s, server := newTestSession(t)

	serverReply(t, server, s.ID(), 1, func() {
		require.NoError(t, wire.WriteFrame(server, wire.TypeNotice, &wire.Notice{SessionId: s.ID(), Kind: wire.NoticeSessionKilled}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("SELECT 1")})
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, ErrSessionKilled)
	require.True(t, s.Killed())
}

func TestLazyCtsTransactionPiggybacksOnNextStatement(t *testing.T) {
	s, server := newTestSession(t)
	s.SetLazyCtsTransaction(true)
	s.SetLazySnapshotSeq(42)

	go func() {
		f, err := wire.ReadFrame(server)
		require.NoError(t, err)
		var sql wire.ExecSQL
		require.NoError(t, f.Decode(&sql))
		require.NotNil(t, sql.LazyTxn)
		require.EqualValues(t, 42, sql.LazyTxn.SnapshotSeq)
		require.NoError(t, wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: s.ID(), Seq: sql.Seq}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("UPDATE t SET a=1")})
	require.NoError(t, err)
	_, _ = stream.Next(ctx)
	require.Equal(t, LazyPreparedTxnState, s.TxnState())

	// the envelope must be consumed exactly once.
	go func() {
		f, err := wire.ReadFrame(server)
		require.NoError(t, err)
		var sql wire.ExecSQL
		require.NoError(t, f.Decode(&sql))
		require.Nil(t, sql.LazyTxn)
		require.NoError(t, wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: s.ID(), Seq: sql.Seq}))
	}()
	stream2, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("UPDATE t SET a=2")})
	require.NoError(t, err)
	_, _ = stream2.Next(ctx)
}

func TestFailPropagatesFromTransportDeath(t *testing.T) {
	s, server := newTestSession(t)
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Submit(ctx, Request{Kind: KindQuery, SQL: []byte("SELECT 1")})
	require.Error(t, err)
}
