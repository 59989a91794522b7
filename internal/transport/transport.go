// Package transport owns the physical TCP connection to one storage node
// and multiplexes many logical sessions onto it, per spec.md 4.2. It is
// modeled on the single-writer/single-reader discipline of a stream
// multiplexer (the teacher's internal/muxado/session.go: one writer
// goroutine pulling framed writes off a channel, one reader goroutine
// dispatching inbound frames to whichever party currently owns them) but
// dispatches by session id embedded in the message itself rather than by a
// second, independent framing layer: the wire protocol here is the X-
// protocol's own length-prefixed protobuf catalog, not a generic byte-
// stream multiplexer's frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/inconshreveable/log15"

	"github.com/polardbx/xrpc-go/internal/wire"
)

var (
	// ErrClosed is returned by any operation attempted after the Transport
	// has died, matching spec.md 7's TransportError taxonomy entry.
	ErrClosed = errors.New("transport: closed")
	// ErrWriteTimeout is returned when a send could not be queued or
	// acknowledged before its deadline.
	ErrWriteTimeout = errors.New("transport: write timeout")
)

// TransportError is fatal to the Transport and to every Session registered
// on it, per spec.md 7.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Owner receives frames routed to one session id, and out-of-band notices
// for that session. Implemented by internal/session.Session.
type Owner interface {
	// DeliverFrame hands a frame whose routing id matched this owner's
	// session id. Called from the Transport's single reader goroutine;
	// implementations must not block on anything that waits on the
	// Transport itself.
	DeliverFrame(f wire.Frame)
	// Fail notifies the owner that its Transport has died. Called at most
	// once.
	Fail(err error)
}

// Config controls Transport liveness behavior, per spec.md 6
// (networkTimeoutNanos) and 4.2 (idle keepalive).
type Config struct {
	// IdleInterval is how long the Transport may go without sending or
	// receiving a frame before it issues a ping.
	IdleInterval time.Duration
	// ReplyTimeout bounds how long the Transport waits for a pong before
	// declaring itself dead.
	ReplyTimeout time.Duration
	// WriteQueueDepth sizes the outbound write channel.
	WriteQueueDepth int
}

func (c Config) withDefaults() Config {
	if c.IdleInterval <= 0 {
		c.IdleInterval = 30 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.WriteQueueDepth <= 0 {
		c.WriteQueueDepth = 256
	}
	return c
}

type writeReq struct {
	typ  wire.Type
	msg  proto.Message
	done chan error
}

type pendingOpen struct {
	resp chan *wire.SessionOpened
	err  chan error
}

// Transport is one physical TCP connection to a Target, multiplexing many
// logical Sessions onto it. See spec.md 3/4.2.
type Transport struct {
	conn net.Conn
	log  log15.Logger
	cfg  Config

	writeCh chan writeReq

	mu       sync.RWMutex
	sessions map[uint32]Owner
	opens    map[uint32]pendingOpen
	nextTemp uint32
	pings    map[uint64]chan struct{}

	lastActive int64 // unix nanos, atomic

	dieOnce sync.Once
	dead    chan struct{}
	dieErr  error
}

// New creates a Transport over conn and starts its reader and writer
// goroutines. The caller owns conn's lifecycle up to this call; afterwards
// the Transport owns it.
func New(conn net.Conn, cfg Config, logger log15.Logger) *Transport {
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}
	t := &Transport{
		conn:     conn,
		log:      logger.New("component", "transport", "remote", conn.RemoteAddr()),
		cfg:      cfg.withDefaults(),
		writeCh:  make(chan writeReq, cfg.withDefaults().WriteQueueDepth),
		sessions: make(map[uint32]Owner),
		opens:    make(map[uint32]pendingOpen),
		pings:    make(map[uint64]chan struct{}),
		dead:     make(chan struct{}),
	}
	t.touch()
	go t.writeLoop()
	go t.readLoop()
	go t.keepaliveLoop()
	return t
}

func (t *Transport) touch() {
	atomic.StoreInt64(&t.lastActive, time.Now().UnixNano())
}

// LastActive reports the last time a frame was sent or received.
func (t *Transport) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&t.lastActive))
}

// Done is closed when the Transport has died.
func (t *Transport) Done() <-chan struct{} { return t.dead }

// Err returns the error that killed the Transport, if any.
func (t *Transport) Err() error {
	select {
	case <-t.dead:
		return t.dieErr
	default:
		return nil
	}
}

// RegisterSession attaches an Owner to a server-assigned session id so
// inbound frames for that session are routed to it.
func (t *Transport) RegisterSession(id uint32, owner Owner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = owner
}

// UnregisterSession removes a session's routing entry. It does not error if
// the id is absent.
func (t *Transport) UnregisterSession(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// SessionCount reports the number of sessions currently registered, used by
// the Pool to enforce maxSessionsPerTransport.
func (t *Transport) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Send queues typ/msg on the single-writer path and waits for the write to
// complete (not for any application-level response). It implements the
// "single-writer" discipline from spec.md 4.2: all outbound frames funnel
// through one goroutine.
func (t *Transport) Send(ctx context.Context, typ wire.Type, msg proto.Message) error {
	select {
	case <-t.dead:
		return ErrClosed
	default:
	}
	req := writeReq{typ: typ, msg: msg, done: make(chan error, 1)}
	select {
	case t.writeCh <- req:
	case <-t.dead:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-t.dead:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendIgnorable queues typ/msg without waiting for the write to complete.
// The reader goroutine uses it to answer pings with a pong, since it must
// not block on its own Transport. Ordering against subsequent Send calls on
// the same Transport is preserved because both share the single writeCh.
func (t *Transport) SendIgnorable(typ wire.Type, msg proto.Message) error {
	select {
	case <-t.dead:
		return ErrClosed
	default:
	}
	select {
	case t.writeCh <- writeReq{typ: typ, msg: msg}:
		return nil
	case <-t.dead:
		return ErrClosed
	}
}

// OpenSession sends a SessionOpen and blocks for the matching SessionOpened
// reply, correlated by a Transport-local temp id (spec.md 4.3's session-open
// exchange; there is no session id to route by until the server assigns
// one).
func (t *Transport) OpenSession(ctx context.Context, req *wire.SessionOpen) (*wire.SessionOpened, error) {
	t.mu.Lock()
	tempID := t.nextTemp
	t.nextTemp++
	pending := pendingOpen{resp: make(chan *wire.SessionOpened, 1), err: make(chan error, 1)}
	t.opens[tempID] = pending
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.opens, tempID)
		t.mu.Unlock()
	}()

	req.TempId = tempID
	if err := t.Send(ctx, wire.TypeSessionOpen, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-pending.resp:
		return resp, nil
	case err := <-pending.err:
		return nil, err
	case <-t.dead:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the Transport down cleanly, per spec.md 4.2 ("does not
// retry").
func (t *Transport) Close() error {
	t.die(ErrClosed)
	return nil
}

func (t *Transport) die(err error) {
	t.dieOnce.Do(func() {
		t.dieErr = err
		close(t.dead)
		t.conn.Close()

		t.mu.RLock()
		owners := make([]Owner, 0, len(t.sessions))
		for _, o := range t.sessions {
			owners = append(owners, o)
		}
		opens := make([]pendingOpen, 0, len(t.opens))
		for _, p := range t.opens {
			opens = append(opens, p)
		}
		t.mu.RUnlock()

		for _, o := range owners {
			o.Fail(&TransportError{Err: err})
		}
		for _, p := range opens {
			select {
			case p.err <- &TransportError{Err: err}:
			default:
			}
		}
	})
}

func (t *Transport) writeLoop() {
	for {
		select {
		case req := <-t.writeCh:
			err := wire.WriteFrame(t.conn, req.typ, req.msg)
			if err == nil {
				t.touch()
			}
			if req.done != nil {
				req.done <- err
			}
			if err != nil {
				t.die(&TransportError{Err: err})
				return
			}
		case <-t.dead:
			return
		}
	}
}

func (t *Transport) readLoop() {
	for {
		f, err := wire.ReadFrame(t.conn)
		if err != nil {
			t.die(&TransportError{Err: err})
			return
		}
		t.touch()
		t.handleFrame(f)

		select {
		case <-t.dead:
			return
		default:
		}
	}
}

func (t *Transport) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypePing:
		var ping wire.Ping
		if err := f.Decode(&ping); err != nil {
			t.log.Warn("bad ping frame", "err", err)
			return
		}
		_ = t.SendIgnorable(wire.TypePong, &wire.Pong{Nonce: ping.Nonce})
		return

	case wire.TypePong:
		var pong wire.Pong
		if err := f.Decode(&pong); err != nil {
			return
		}
		t.mu.RLock()
		waiter, ok := t.pings[pong.Nonce]
		t.mu.RUnlock()
		if ok {
			close(waiter)
		}
		return

	case wire.TypeSessionOpened:
		var opened wire.SessionOpened
		if err := f.Decode(&opened); err != nil {
			t.log.Warn("bad session-opened frame", "err", err)
			return
		}
		t.mu.RLock()
		pending, ok := t.opens[opened.TempId]
		t.mu.RUnlock()
		if ok {
			pending.resp <- &opened
		}
		return
	}

	var env wire.Envelope
	if err := f.Decode(&env); err != nil {
		t.log.Warn("undeliverable frame: no routing id", "type", f.Type, "err", err)
		return
	}

	t.mu.RLock()
	owner, ok := t.sessions[env.RoutingId]
	t.mu.RUnlock()
	if !ok {
		// session already closed/dropped locally; the server's view will
		// converge once it processes our SessionClose. Not an error.
		t.log.Debug("frame for unknown session", "session", env.RoutingId, "type", f.Type)
		return
	}
	owner.DeliverFrame(f)
}

// ping sends a keepalive and blocks until the matching pong arrives or
// cfg.ReplyTimeout elapses, per spec.md 4.2's liveness check.
func (t *Transport) ping() error {
	nonce := uint64(time.Now().UnixNano())
	waiter := make(chan struct{})

	t.mu.Lock()
	t.pings[nonce] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pings, nonce)
		t.mu.Unlock()
	}()

	deadline, cancel := context.WithTimeout(context.Background(), t.cfg.ReplyTimeout)
	defer cancel()

	if err := t.Send(deadline, wire.TypePing, &wire.Ping{Nonce: nonce}); err != nil {
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-time.After(t.cfg.ReplyTimeout):
		return fmt.Errorf("keepalive: no pong within %s", t.cfg.ReplyTimeout)
	case <-t.dead:
		return ErrClosed
	}
}

func (t *Transport) keepaliveLoop() {
	ticker := time.NewTicker(t.cfg.IdleInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.dead:
			return
		case <-ticker.C:
			if time.Since(t.LastActive()) < t.cfg.IdleInterval {
				continue
			}
			if err := t.ping(); err != nil {
				t.die(&TransportError{Err: fmt.Errorf("keepalive: %w", err)})
				return
			}
		}
	}
}
