package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polardbx/xrpc-go/config"
	"github.com/polardbx/xrpc-go/internal/wire"
)

// fakeServer answers SessionOpen handshakes and OK-acks every ExecSQL frame
// it receives (e.g. ROLLBACK on release), looping until the connection
// closes.
func fakeServer(conn net.Conn, sessionID uint32) {
	go func() {
		nextSession := sessionID
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
				if wire.WriteFrame(conn, wire.TypeSessionOpened, &wire.SessionOpened{
					TempId: open.TempId, SessionId: id, ConnectionId: id + 1000,
				}) != nil {
					return
				}
			case wire.TypeExecSQL:
				var sql wire.ExecSQL
				if f.Decode(&sql) != nil {
					return
				}
				if wire.WriteFrame(conn, wire.TypeOK, &wire.OK{SessionId: sql.SessionId, Seq: sql.Seq}) != nil {
					return
				}
			case wire.TypeSessionClose, wire.TypeSessionReset:
				// no reply expected
			case wire.TypePing:
				var ping wire.Ping
				if f.Decode(&ping) == nil {
					_ = wire.WriteFrame(conn, wire.TypePong, &wire.Pong{Nonce: ping.Nonce})
				}
			}
		}
	}()
}

func pipeDialer(t *testing.T) (Dial, func()) {
	t.Helper()
	var closers []net.Conn
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		fakeServer(server, 1)
		closers = append(closers, client, server)
		return client, nil
	}
	return dial, func() {
		for _, c := range closers {
			c.Close()
		}
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxTransportsPerTarget = 1
	cfg.MaxSessionsPerTransport = 2
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.IdleInterval = time.Hour
	return cfg
}

func TestAcquireOpensNewSession(t *testing.T) {
	dial, cleanup := pipeDialer(t)
	defer cleanup()
	p := New(testConfig(), dial, Hooks{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := p.Acquire(ctx, Target{Host: "db1", Port: 3306, DefaultSchema: "d"})
	require.NoError(t, err)
	require.NotNil(t, lease.Session)
}

func TestReleaseThenAcquireReusesSession(t *testing.T) {
	dial, cleanup := pipeDialer(t)
	defer cleanup()
	p := New(testConfig(), dial, Hooks{}, nil)
	target := Target{Host: "db1", Port: 3306, DefaultSchema: "d"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease1, err := p.Acquire(ctx, target)
	require.NoError(t, err)
	firstID := lease1.Session.ID()
	p.Release(ctx, lease1, nil)

	lease2, err := p.Acquire(ctx, target)
	require.NoError(t, err)
	require.Equal(t, firstID, lease2.Session.ID())
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	dial, cleanup := pipeDialer(t)
	defer cleanup()
	cfg := testConfig()
	cfg.MaxSessionsPerTransport = 1
	p := New(cfg, dial, Hooks{}, nil)
	target := Target{Host: "db1", Port: 3306, DefaultSchema: "d"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Acquire(ctx, target)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, target)
	require.Error(t, err)
	var timeoutErr *ErrAcquireTimeout
	require.ErrorAs(t, err, &timeoutErr)
}

func TestReleaseWithDropReasonDoesNotRecycle(t *testing.T) {
	dial, cleanup := pipeDialer(t)
	defer cleanup()
	p := New(testConfig(), dial, Hooks{}, nil)
	target := Target{Host: "db1", Port: 3306, DefaultSchema: "d"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease1, err := p.Acquire(ctx, target)
	require.NoError(t, err)
	firstID := lease1.Session.ID()
	p.Release(ctx, lease1, context.DeadlineExceeded)

	lease2, err := p.Acquire(ctx, target)
	require.NoError(t, err)
	require.NotEqual(t, firstID, lease2.Session.ID())
}
