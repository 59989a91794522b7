package resultstream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polardbx/xrpc-go/internal/wire"
)

type fakeGranter struct {
	grants []uint32
}

func (g *fakeGranter) GrantTokens(_ context.Context, _ uint32, _ uint64, tokens uint32) error {
	g.grants = append(g.grants, tokens)
	return nil
}

func TestSimpleQueryOneRowThenEOF(t *testing.T) {
	s := New(1, 1, false, 0, &fakeGranter{})
	s.OnColumnMeta(&wire.ColumnMeta{Names: []string{"1"}})
	s.OnRow(&wire.Row{Values: [][]byte{[]byte("1")}})
	s.OnEOF(&wire.EOF{RowCount: 1})

	ctx := context.Background()
	row, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("1")}, row.Values)

	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.True(t, s.IsGoodAndDone())
	require.Empty(t, s.Warnings())
}

func TestErrorTerminatesStream(t *testing.T) {
	s := New(1, 1, false, 0, &fakeGranter{})
	s.OnError(&wire.Error{SqlState: "42000", Code: 1064, Message: "syntax error"})

	_, err := s.Next(context.Background())
	require.Error(t, err)
	require.False(t, s.IsGoodAndDone())
	require.Equal(t, err, s.LastException())
}

func TestTokenWindowHonored(t *testing.T) {
	granter := &fakeGranter{}
	s := New(1, 1, false, 2, granter)

	s.OnRow(&wire.Row{})
	s.OnRow(&wire.Row{})
	require.EqualValues(t, 2, s.DeliveredSinceGrant())

	require.NoError(t, s.TokenOffer(context.Background(), 2))
	require.Equal(t, []uint32{2}, granter.grants)
	require.EqualValues(t, 0, s.DeliveredSinceGrant())

	s.OnRow(&wire.Row{})
	s.OnRow(&wire.Row{})
	require.EqualValues(t, 2, s.DeliveredSinceGrant())
}

func TestNextBlocksUntilRowArrives(t *testing.T) {
	s := New(1, 1, false, 0, &fakeGranter{})

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		resultCh <- err
	}()

	select {
	case <-resultCh:
		t.Fatal("Next returned before any row or terminal frame arrived")
	case <-time.After(50 * time.Millisecond):
	}

	s.OnRow(&wire.Row{})
	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Next never woke up after OnRow")
	}
}

func TestNextRespectsContextCancellation(t *testing.T) {
	s := New(1, 1, false, 0, &fakeGranter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseAbandonsOpenStream(t *testing.T) {
	s := New(1, 1, false, 0, &fakeGranter{})
	s.Close()

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrAbandoned)
}

func TestReturningFlag(t *testing.T) {
	s := New(1, 1, true, 0, &fakeGranter{})
	require.True(t, s.Returning())
}
