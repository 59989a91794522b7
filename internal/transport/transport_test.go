package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polardbx/xrpc-go/internal/wire"
)

// fakeOwner records frames delivered to it and whether it was failed.
type fakeOwner struct {
	frames chan wire.Frame
	failed chan error
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{frames: make(chan wire.Frame, 16), failed: make(chan error, 1)}
}

func (o *fakeOwner) DeliverFrame(f wire.Frame) { o.frames <- f }
func (o *fakeOwner) Fail(err error)            { o.failed <- err }

func newPipeTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	tr := New(client, Config{IdleInterval: time.Hour, ReplyTimeout: time.Second}, nil)
	t.Cleanup(func() { tr.Close() })
	return tr, server
}

func TestOpenSessionRoundTrip(t *testing.T) {
	tr, server := newPipeTransport(t)

	go func() {
		f, err := wire.ReadFrame(server)
		require.NoError(t, err)
		require.Equal(t, wire.TypeSessionOpen, f.Type)

		var open wire.SessionOpen
		require.NoError(t, f.Decode(&open))

		require.NoError(t, wire.WriteFrame(server, wire.TypeSessionOpened, &wire.SessionOpened{
			TempId:       open.TempId,
			SessionId:    42,
			ConnectionId: 7,
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := tr.OpenSession(ctx, &wire.SessionOpen{DefaultSchema: "d1"})
	require.NoError(t, err)
	require.EqualValues(t, 42, resp.SessionId)
	require.EqualValues(t, 7, resp.ConnectionId)
}

func TestRoutesFramesToRegisteredOwner(t *testing.T) {
	tr, server := newPipeTransport(t)
	owner := newFakeOwner()
	tr.RegisterSession(99, owner)

	go wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: 99, AffectedRows: 3})

	select {
	case f := <-owner.frames:
		require.Equal(t, wire.TypeOK, f.Type)
		var ok wire.OK
		require.NoError(t, f.Decode(&ok))
		require.EqualValues(t, 3, ok.AffectedRows)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}
}

func TestUnknownSessionFrameIsDropped(t *testing.T) {
	tr, server := newPipeTransport(t)
	owner := newFakeOwner()
	tr.RegisterSession(1, owner)

	// a frame for a session we never registered should not panic or be
	// delivered to an unrelated owner
	go wire.WriteFrame(server, wire.TypeOK, &wire.OK{SessionId: 404})

	select {
	case <-owner.frames:
		t.Fatal("frame for unknown session should not reach unrelated owner")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPingIsAnsweredAutomatically(t *testing.T) {
	tr, server := newPipeTransport(t)
	_ = tr

	require.NoError(t, wire.WriteFrame(server, wire.TypePing, &wire.Ping{Nonce: 123}))

	f, err := wire.ReadFrame(server)
	require.NoError(t, err)
	require.Equal(t, wire.TypePong, f.Type)
	var pong wire.Pong
	require.NoError(t, f.Decode(&pong))
	require.EqualValues(t, 123, pong.Nonce)
}

func TestTransportFailurePropagatesToOwners(t *testing.T) {
	tr, server := newPipeTransport(t)
	owner := newFakeOwner()
	tr.RegisterSession(1, owner)

	server.Close()

	select {
	case err := <-owner.failed:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("owner was never failed after transport death")
	}

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport never marked itself dead")
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	tr, _ := newPipeTransport(t)
	require.NoError(t, tr.Close())

	err := tr.Send(context.Background(), wire.TypeCancel, &wire.Cancel{SessionId: 1})
	require.ErrorIs(t, err, ErrClosed)
}
