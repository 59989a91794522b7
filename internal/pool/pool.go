// Package pool manages Transports and Sessions across a set of storage-node
// Targets: acquire/release, per-target caps, idle reaping, and dial retry
// with backoff, per spec.md 4.5. Connection liveness is probed by each
// Transport's own keepalive ping, not by the Pool. The idle-session cache reuses estuary-flow's
// hashicorp/golang-lru/v2 cache (go/network/frontend.go's sniCache) the
// same way: a small, size-bounded cache keyed by something other than the
// zero value, with eviction handled explicitly by the reaper rather than a
// background TTL goroutine per entry. Acquire's waiter queue is a
// golang.org/x/sync/semaphore.Weighted gating total sessions per target,
// the same primitive golang-tools' own callers reach for to bound fan-out.
package pool

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/semaphore"

	"github.com/polardbx/xrpc-go/config"
	"github.com/polardbx/xrpc-go/internal/session"
	"github.com/polardbx/xrpc-go/internal/transport"
	"github.com/polardbx/xrpc-go/internal/wire"
)

// Target identifies one storage node plus the credentials and default
// schema a Session opened against it should carry, per spec.md 3. Target
// holds a byte slice and so is not comparable with ==; Intern and the Pool
// identify a Target by its host/port/schema/user key instead.
type Target struct {
	Host          string
	Port          int
	User          string
	AuthResponse  []byte
	DefaultSchema string
}

func (t Target) key() string {
	return fmt.Sprintf("%s:%d/%s@%s", t.Host, t.Port, t.DefaultSchema, t.User)
}

// Addr returns the dial address for this Target.
func (t Target) Addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

var (
	internMu sync.Mutex
	interned = map[string]Target{}
)

// Intern returns the canonical Target value equal to t, so repeated calls
// with the same host/port/user/schema share one Target instance.
func Intern(t Target) Target {
	internMu.Lock()
	defer internMu.Unlock()
	k := t.key()
	if existing, ok := interned[k]; ok {
		return existing
	}
	interned[k] = t
	return t
}

// Dial opens the physical connection to a Target's address. Production code
// plugs in (&net.Dialer{}).DialContext; tests plug in net.Pipe()-backed
// fakes.
type Dial func(ctx context.Context, addr string) (net.Conn, error)

// ErrAcquireTimeout is returned when Acquire's waiter queue exceeds the
// configured acquire timeout, per spec.md 4.5/7.
type ErrAcquireTimeout struct{ Target Target }

func (e *ErrAcquireTimeout) Error() string {
	return fmt.Sprintf("pool: timed out acquiring a session for %s", e.Target.Addr())
}

// Hooks lets callers observe pool lifecycle events without the Pool
// importing a metrics backend, per spec.md 9's ambient observability note.
type Hooks struct {
	OnAcquire       func(target Target, reused bool)
	OnRelease       func(target Target, reused bool)
	OnTransportDown func(target Target, err error)
	OnSessionReap   func(target Target)
}

// Lease is an acquired Session plus enough bookkeeping for Release to decide
// whether to recycle or drop it.
type Lease struct {
	Target    Target
	Session   *session.Session
	transport *transport.Transport
	acquired  time.Time
	stack     []byte
}

type idleEntry struct {
	session *session.Session
	tr      *transport.Transport
	since   time.Time
}

type targetState struct {
	target Target

	mu         sync.Mutex
	transports []*transport.Transport
	idle       *lru.Cache[uint32, idleEntry]
	sem        *semaphore.Weighted
	bo         *backoff.Backoff
}

// Pool is the client-side connection/session pool described in spec.md 4.5.
type Pool struct {
	cfg   config.Config
	log   log15.Logger
	dial  Dial
	hooks Hooks

	mu      sync.Mutex
	targets map[string]*targetState
}

// New creates a Pool using dial to open physical connections.
func New(cfg config.Config, dial Dial, hooks Hooks, logger log15.Logger) *Pool {
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}
	return &Pool{
		cfg:     cfg,
		log:     logger.New("component", "pool"),
		dial:    dial,
		hooks:   hooks,
		targets: make(map[string]*targetState),
	}
}

func (p *Pool) stateFor(target Target) *targetState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.targets[target.key()]
	if ok {
		return ts
	}
	capTotal := p.cfg.MaxTransportsPerTarget * p.cfg.MaxSessionsPerTransport
	idle, _ := lru.New[uint32, idleEntry](capTotal)
	ts = &targetState{
		target: target,
		idle:   idle,
		sem:    semaphore.NewWeighted(int64(capTotal)),
		bo:     &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2},
	}
	p.targets[target.key()] = ts
	return ts
}

// Acquire returns a ready-to-use Lease for target: either a recycled idle
// Session, or a freshly opened one on an existing or new Transport. It
// blocks on the per-target semaphore up to cfg.AcquireTimeout, per spec.md
// 4.5's four-step acquire protocol.
func (p *Pool) Acquire(ctx context.Context, target Target) (*Lease, error) {
	target = Intern(target)
	ts := p.stateFor(target)

	// Step 1: try to reuse an idle session.
	if lease := p.popIdle(ts); lease != nil {
		if p.hooks.OnAcquire != nil {
			p.hooks.OnAcquire(target, true)
		}
		p.stampStack(lease)
		return lease, nil
	}

	// Step 2: bound total outstanding sessions for this target; wait with
	// the configured acquire timeout.
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := ts.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, &ErrAcquireTimeout{Target: target}
	}

	// Step 3: find a transport under its session cap, or dial a new one.
	tr, err := p.transportWithCapacity(ctx, ts)
	if err != nil {
		ts.sem.Release(1)
		return nil, err
	}

	// Step 4: open a session on it.
	opened, err := tr.OpenSession(ctx, &wire.SessionOpen{
		DefaultSchema: target.DefaultSchema,
		User:          target.User,
		AuthResponse:  target.AuthResponse,
	})
	if err != nil {
		ts.sem.Release(1)
		return nil, err
	}
	sess := session.New(tr, opened, target.DefaultSchema, p.cfg.DefaultQueryToken, p.log)

	lease := &Lease{Target: target, Session: sess, transport: tr, acquired: time.Now()}
	p.stampStack(lease)
	if p.hooks.OnAcquire != nil {
		p.hooks.OnAcquire(target, false)
	}
	return lease, nil
}

func (p *Pool) stampStack(lease *Lease) {
	if p.cfg.EnableTrxLeakCheck {
		lease.stack = debug.Stack()
	}
}

func (p *Pool) popIdle(ts *targetState) *Lease {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	keys := ts.idle.Keys()
	if len(keys) == 0 {
		return nil
	}
	id := keys[0]
	entry, ok := ts.idle.Get(id)
	if !ok {
		return nil
	}
	ts.idle.Remove(id)
	return &Lease{Target: ts.target, Session: entry.session, transport: entry.tr, acquired: time.Now()}
}

func (p *Pool) transportWithCapacity(ctx context.Context, ts *targetState) (*transport.Transport, error) {
	ts.mu.Lock()
	for _, tr := range ts.transports {
		if tr.Err() == nil && tr.SessionCount() < p.cfg.MaxSessionsPerTransport {
			ts.mu.Unlock()
			return tr, nil
		}
	}
	live := ts.transports[:0]
	for _, tr := range ts.transports {
		if tr.Err() == nil {
			live = append(live, tr)
		}
	}
	canOpen := len(live) < p.cfg.MaxTransportsPerTarget
	ts.transports = live
	ts.mu.Unlock()

	if !canOpen {
		// every transport is at capacity or dead and we're at the cap; reuse
		// the least-loaded live one rather than failing outright.
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if len(ts.transports) == 0 {
			return nil, fmt.Errorf("pool: no live transports for %s", ts.target.Addr())
		}
		best := ts.transports[0]
		for _, tr := range ts.transports[1:] {
			if tr.SessionCount() < best.SessionCount() {
				best = tr
			}
		}
		return best, nil
	}

	conn, err := p.dialWithBackoff(ctx, ts)
	if err != nil {
		return nil, err
	}
	tr := transport.New(conn, transport.Config{IdleInterval: p.cfg.IdleInterval, ReplyTimeout: p.cfg.ReplyTimeout}, p.log)

	ts.mu.Lock()
	ts.transports = append(ts.transports, tr)
	ts.mu.Unlock()

	go p.watchTransport(ts, tr)
	return tr, nil
}

func (p *Pool) dialWithBackoff(ctx context.Context, ts *targetState) (net.Conn, error) {
	for {
		conn, err := p.dial(ctx, ts.target.Addr())
		if err == nil {
			ts.bo.Reset()
			return conn, nil
		}
		select {
		case <-time.After(ts.bo.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) watchTransport(ts *targetState, tr *transport.Transport) {
	<-tr.Done()
	if p.hooks.OnTransportDown != nil {
		p.hooks.OnTransportDown(ts.target, tr.Err())
	}
}

// Release returns a Lease to the Pool. If dropReason is non-nil, or the
// Session is no longer usable, the session is dropped and its semaphore
// slot freed instead of being recycled, per spec.md 4.5's release protocol.
func (p *Pool) Release(ctx context.Context, lease *Lease, dropReason error) {
	ts := p.stateFor(lease.Target)
	sess := lease.Session

	if dropReason == nil && !sess.Killed() {
		if sess.TxnState() != session.AutoCommitState {
			if lease.stack != nil {
				p.log.Warn("releasing session with an open transaction", "session_id", sess.ID(), "stack", string(lease.stack))
			}
			if err := sess.Rollback(ctx); err != nil {
				dropReason = err
			}
		}
	}
	if dropReason == nil && !sess.Killed() {
		if err := sess.FlushNetwork(ctx); err != nil {
			dropReason = err
		}
	}
	if dropReason == nil && !sess.Killed() {
		if err := sess.Reset(ctx); err != nil {
			dropReason = err
		}
	}

	if dropReason != nil || sess.Killed() {
		_ = sess.Close(ctx)
		ts.sem.Release(1)
		if p.hooks.OnRelease != nil {
			p.hooks.OnRelease(lease.Target, false)
		}
		return
	}

	ts.mu.Lock()
	ts.idle.Add(sess.ID(), idleEntry{session: sess, tr: lease.transport, since: time.Now()})
	ts.mu.Unlock()
	if p.hooks.OnRelease != nil {
		p.hooks.OnRelease(lease.Target, true)
	}
}

// ReapIdle drops idle sessions that have exceeded cfg.IdleSessionTTL,
// releasing their semaphore slots. It runs only when called: no goroutine
// in this module calls it on a schedule, so idle sessions stay cached until
// a caller runs ReapIdle.
func (p *Pool) ReapIdle(ctx context.Context) {
	p.mu.Lock()
	states := make([]*targetState, 0, len(p.targets))
	for _, ts := range p.targets {
		states = append(states, ts)
	}
	p.mu.Unlock()

	for _, ts := range states {
		ts.mu.Lock()
		var expired []uint32
		for _, id := range ts.idle.Keys() {
			entry, ok := ts.idle.Peek(id)
			if ok && time.Since(entry.since) > p.cfg.IdleSessionTTL {
				expired = append(expired, id)
			}
		}
		var toClose []idleEntry
		for _, id := range expired {
			if entry, ok := ts.idle.Get(id); ok {
				toClose = append(toClose, entry)
				ts.idle.Remove(id)
			}
		}
		ts.mu.Unlock()

		for _, entry := range toClose {
			_ = entry.session.Close(ctx)
			ts.sem.Release(1)
			if p.hooks.OnSessionReap != nil {
				p.hooks.OnSessionReap(ts.target)
			}
		}
	}
}
