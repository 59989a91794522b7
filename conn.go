// Package xrpc is a client-side driver for a distributed SQL engine's
// storage nodes, speaking the X-protocol dialect over pooled, multiplexed
// TCP connections. Conn is the JDBC-shaped handle spec.md 3/6 describes;
// internal/transport, internal/session and internal/pool do the actual
// multiplexing and pooling underneath it.
package xrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/polardbx/xrpc-go/internal/pool"
	"github.com/polardbx/xrpc-go/internal/resultstream"
	"github.com/polardbx/xrpc-go/internal/session"
	"github.com/polardbx/xrpc-go/internal/traceid"
)

// Conn is one JDBC-shaped connection handle bound to a pooled Session. Per
// spec.md 9, operations take a shared (reader) lease on the handle so many
// can be rejected-or-served concurrently against the underlying state,
// while Close takes the exclusive (writer) lease so no operation is still
// in flight when the Session is returned to the Pool.
type Conn struct {
	pool   *pool.Pool
	target pool.Target
	log    log15.Logger

	// networkTimeout, when non-zero, bounds every operation issued through
	// this handle; zero means "use the caller's context as given" (spec.md
	// 9(c)'s fix: a per-call context.Context deadline instead of mutating
	// shared Session/Transport state for the duration of one call).
	networkTimeout time.Duration

	opLock sync.RWMutex // shared for ops, exclusive for Close

	mu          sync.Mutex
	lease       *pool.Lease
	sess        *session.Session
	initialized bool
	closed      bool
}

// New constructs an uninitialized Conn bound to target. Callers must call
// Init before any other operation, per spec.md 6.
func New(p *pool.Pool, target pool.Target, networkTimeout time.Duration, logger log15.Logger) *Conn {
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}
	return &Conn{pool: p, target: pool.Intern(target), networkTimeout: networkTimeout, log: logger}
}

// Init acquires a Session from the Pool for this handle, per spec.md 6.
func (c *Conn) Init(ctx context.Context) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Error[ClosedContext]{Context: ClosedContext{}}
	}
	if c.initialized {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	lease, err := c.pool.Acquire(ctx, c.target)
	if err != nil {
		var timeout *pool.ErrAcquireTimeout
		if errors.As(err, &timeout) {
			return Error[AcquireTimeoutContext]{Inner: err, Context: AcquireTimeoutContext{Target: timeout.Target.Addr()}}
		}
		return err
	}
	c.lease = lease
	c.sess = lease.Session
	c.initialized = true
	return nil
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.networkTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.networkTimeout)
}

// session returns the bound Session, failing with NotInitialized/Closed per
// spec.md 7 if the handle isn't ready.
func (c *Conn) session() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, Error[ClosedContext]{Context: ClosedContext{}}
	}
	if !c.initialized {
		return nil, Error[NotInitializedContext]{Context: NotInitializedContext{}}
	}
	return c.sess, nil
}

// ExecQuery runs a row-producing statement. streaming selects whether the
// caller wants a live Stream (streaming=true) or a fully materialized
// buffered result (streaming=false), per spec.md 4.4's two delivery modes.
func (c *Conn) ExecQuery(ctx context.Context, sql string, params [][]byte, streaming bool, tokenWindow uint32) (*resultstream.Stream, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := sess.Submit(ctx, session.Request{
		Kind: session.KindQuery, SQL: []byte(sql), Params: params,
		Streaming: streaming, TokenWindow: tokenWindow, Returning: false,
		TraceID: traceid.New(),
	})
	if err != nil {
		return nil, err
	}
	if !streaming {
		rows, err := resultstream.DrainAll(ctx, stream)
		if err != nil {
			return stream, err
		}
		stream.Rebuffer(rows)
	}
	return stream, nil
}

// ExecUpdate runs a DML statement and returns the resulting Stream once it
// reaches its terminal frame. With returning set (`UPDATE ... RETURNING`)
// the statement's rows are buffered on the Stream, as ExecQuery does.
func (c *Conn) ExecUpdate(ctx context.Context, sql string, params [][]byte, returning bool) (*resultstream.Stream, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := sess.Submit(ctx, session.Request{
		Kind: session.KindQuery, SQL: []byte(sql), Params: params,
		Returning: returning, TraceID: traceid.New(),
	})
	if err != nil {
		return nil, err
	}
	rows, err := resultstream.DrainAll(ctx, stream)
	if err != nil {
		return stream, err
	}
	stream.Rebuffer(rows)
	return stream, nil
}

// ExecGalaxyPrepare runs the "galaxy" prepared-statement variant, per
// spec.md 6.
func (c *Conn) ExecGalaxyPrepare(ctx context.Context, sql string, tables []string, packedParams []byte, paramNum uint32, isUpdate bool) (*resultstream.Stream, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := sess.Submit(ctx, session.Request{
		Kind: session.KindGalaxyPrepare, SQL: []byte(sql), Tables: tables,
		PackedParams: packedParams, ParamNum: paramNum, IsUpdate: isUpdate,
		TraceID: traceid.New(),
	})
	if err != nil {
		return nil, err
	}
	rows, err := resultstream.DrainAll(ctx, stream)
	if err != nil {
		return stream, err
	}
	stream.Rebuffer(rows)
	return stream, nil
}

// GetTSO requests count monotonically increasing timestamps from the
// storage node's allocator, per spec.md 6.
func (c *Conn) GetTSO(ctx context.Context, count uint32) ([]uint64, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	if count == 0 {
		return nil, Error[IllegalArgumentContext]{Context: IllegalArgumentContext{Arg: "count must be > 0"}}
	}
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := sess.Submit(ctx, session.Request{Kind: session.KindTSO, Count: count})
	if err != nil {
		return nil, err
	}
	if _, err := resultstream.DrainAll(ctx, stream); err != nil {
		return nil, err
	}
	if err := stream.LastException(); err != nil {
		return nil, err
	}
	return stream.Timestamps(), nil
}

// FlushNetwork pushes any batched, side-effect-only frames (lazily queued
// session/global variable assignments) onto the wire now, per spec.md 6.
func (c *Conn) FlushNetwork(ctx context.Context) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.FlushNetwork(ctx)
}

// SetAutoCommit toggles auto-commit on the bound Session.
func (c *Conn) SetAutoCommit(ctx context.Context, v bool) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.SetAutoCommit(ctx, v)
}

// AutoCommit reports the last server-acknowledged auto-commit state.
func (c *Conn) AutoCommit() (bool, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return false, err
	}
	return sess.AutoCommit(), nil
}

// SetTransactionIsolation changes the bound Session's isolation level.
// level must be one of the four named IsolationLevel constants; anything
// else is rejected locally as IllegalArgument per spec.md 7, rather than
// being sent to the server as an arbitrary SQL fragment.
func (c *Conn) SetTransactionIsolation(ctx context.Context, level session.IsolationLevel) error {
	switch level {
	case session.ReadUncommitted, session.ReadCommitted, session.RepeatableRead, session.Serializable:
	default:
		return Error[IllegalArgumentContext]{Context: IllegalArgumentContext{Arg: fmt.Sprintf("unknown isolation level %q", level)}}
	}

	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.SetTransactionIsolation(ctx, level)
}

// SetDefaultDB switches the bound Session's default schema.
func (c *Conn) SetDefaultDB(ctx context.Context, schema string) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.SetDefaultDB(ctx, schema)
}

// SetSessionVariables batches session-variable assignments for the next
// flush.
func (c *Conn) SetSessionVariables(vars map[string]string) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	sess.SetSessionVariables(vars)
	return nil
}

// SetGlobalVariables batches global-variable assignments for the next
// flush.
func (c *Conn) SetGlobalVariables(vars map[string]string) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	sess.SetGlobalVariables(vars)
	return nil
}

// SetLazyCtsTransaction arms lazy-CTS-transaction piggybacking, per spec.md
// 9.
func (c *Conn) SetLazyCtsTransaction(v bool) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	sess.SetLazyCtsTransaction(v)
	return nil
}

// SetLazySnapshotSeq stages the snapshot sequence piggybacked onto the next
// statement.
func (c *Conn) SetLazySnapshotSeq(seq uint64) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	sess.SetLazySnapshotSeq(seq)
	return nil
}

// SetLazyCommitSeq stages the commit sequence piggybacked onto the next
// statement.
func (c *Conn) SetLazyCommitSeq(seq uint64) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	sess.SetLazyCommitSeq(seq)
	return nil
}

// Commit commits the bound Session's open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.Commit(ctx)
}

// Rollback rolls back the bound Session's open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.Rollback(ctx)
}

// Cancel sends an out-of-band cancel for whatever request currently owns
// the bound Session, per spec.md 6.
func (c *Conn) Cancel(ctx context.Context) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.Cancel(ctx)
}

// Kill asks the server to terminate the bound Session; pushKilled also marks
// it unusable locally at once. withClose additionally closes this handle once the kill is sent. The
// reader lease is released before calling Close, which takes the exclusive
// lease itself; holding both at once would deadlock.
func (c *Conn) Kill(ctx context.Context, pushKilled bool, withClose bool) error {
	c.opLock.RLock()
	sess, err := c.session()
	if err != nil {
		c.opLock.RUnlock()
		return err
	}
	killErr := sess.Kill(ctx, pushKilled)
	c.opLock.RUnlock()

	if withClose {
		_ = c.Close(ctx)
	}
	return killErr
}

// GetConnectionID returns the MySQL-protocol-shaped connection id assigned
// at session-open time, per spec.md 6.
func (c *Conn) GetConnectionID() (uint32, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return 0, err
	}
	return sess.ConnectionID(), nil
}

// GetLastUserRequest returns the most recently submitted non-ignorable
// Stream, per spec.md 6.
func (c *Conn) GetLastUserRequest() (*resultstream.Stream, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	return sess.LastUserRequest(), nil
}

// GetWarnings returns the warnings attached to the last user request.
func (c *Conn) GetWarnings() ([]string, error) {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	notices := sess.Warnings()
	out := make([]string, 0, len(notices))
	for _, n := range notices {
		out = append(out, n.Message)
	}
	return out, nil
}

// TokenOffer grants a streaming result more row-chunk tokens, per spec.md
// 6/8.
func (c *Conn) TokenOffer(ctx context.Context, stream *resultstream.Stream, tokens uint32) error {
	c.opLock.RLock()
	defer c.opLock.RUnlock()
	if _, err := c.session(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return stream.TokenOffer(ctx, tokens)
}

// Close releases the bound Session back to the Pool and marks the handle
// unusable. It takes the exclusive lease so no concurrent operation is left
// in flight, per spec.md 9.
func (c *Conn) Close(ctx context.Context) error {
	c.opLock.Lock()
	defer c.opLock.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lease := c.lease
	c.lease = nil
	c.sess = nil
	c.mu.Unlock()

	if lease == nil {
		return nil
	}
	c.pool.Release(ctx, lease, nil)
	return nil
}
