// Package resultstream consumes the frames belonging to one Request and
// exposes rows, metadata, warnings, and terminal status, per spec.md 4.4.
// Token-based flow control is modeled on the teacher's condition-variable
// window (internal/muxado/window_manager.go's condWindow broadcasts every
// waiter on Increment; here the "window" counts row-chunks granted to the
// server rather than bytes granted to a peer stream).
package resultstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/polardbx/xrpc-go/internal/wire"
)

// ErrAbandoned is returned from Next after the stream was closed by the
// caller (abandoned) rather than by a terminal frame.
var ErrAbandoned = errors.New("resultstream: abandoned")

// ServerError reports a server-signalled statement error: SQL-state +
// vendor code + message, per spec.md 7's SessionError taxonomy entry.
type ServerError struct {
	SQLState string
	Code     uint32
	Message  string
	Fatal    bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.SQLState, e.Code, e.Message)
}

// Granter sends a FetchMore frame requesting more row-chunk tokens. It is
// implemented by the owning Session.
type Granter interface {
	GrantTokens(ctx context.Context, sessionID uint32, seq uint64, tokens uint32) error
}

// Stream is a live result stream bound to one request. It is safe for one
// reader (the caller draining rows) to use concurrently with the session's
// frame-delivery goroutine.
type Stream struct {
	sessionID uint32
	seq       uint64
	returning bool
	granter   Granter

	mu       sync.Mutex
	wake     chan struct{}
	doneCh   chan struct{}
	columns  *wire.ColumnMeta
	pending  []*wire.Row
	warnings []*wire.Notice
	affected   uint64
	lastID     uint64
	timestamps []uint64
	terminal   error // io.EOF on clean completion, *ServerError or ErrAbandoned otherwise
	closed     bool

	granted          uint32
	deliveredSinceGr uint32
}

// New creates a Stream for a request with the given initial token window
// (0 means unbounded / buffered mode).
func New(sessionID uint32, seq uint64, returning bool, tokenWindow uint32, granter Granter) *Stream {
	return &Stream{
		sessionID: sessionID,
		seq:       seq,
		returning: returning,
		granter:   granter,
		wake:      make(chan struct{}),
		doneCh:    make(chan struct{}),
		granted:   tokenWindow,
	}
}

func (s *Stream) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// markDoneLocked closes doneCh the first time the stream reaches a terminal
// state. Must be called with s.mu held and only from a terminal-setting path.
func (s *Stream) markDoneLocked() {
	select {
	case <-s.doneCh:
	default:
		close(s.doneCh)
	}
}

// Done returns a channel that closes once the stream has a terminal frame
// (OK, EOF, Error) or was failed/closed. The owning Session waits on this to
// know when the next queued Request may be dispatched, per spec.md 4.3's
// "at most one current packet owner" rule.
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

// SessionID and Seq identify which request this stream belongs to, used by
// the Session to route inbound frames.
func (s *Stream) SessionID() uint32 { return s.sessionID }
func (s *Stream) Seq() uint64       { return s.seq }

// OnColumnMeta records the result-set shape.
func (s *Stream) OnColumnMeta(m *wire.ColumnMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns = m
	s.signal()
}

// OnRow buffers one row-chunk. Called from the Transport's reader
// goroutine; must never block.
func (s *Stream) OnRow(r *wire.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, r)
	s.deliveredSinceGr++
	s.signal()
}

// OnNotice attaches a warning to this request, per spec.md 4.2.
func (s *Stream) OnNotice(n *wire.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, n)
	s.signal()
}

// OnOK delivers the terminal status for a non-row-producing request.
func (s *Stream) OnOK(ok *wire.OK) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return
	}
	s.affected = ok.AffectedRows
	s.lastID = ok.LastInsertId
	s.terminal = io.EOF
	s.markDoneLocked()
	s.signal()
}

// OnEOF delivers the terminal status for a row-producing request.
func (s *Stream) OnEOF(eof *wire.EOF) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return
	}
	s.terminal = io.EOF
	s.markDoneLocked()
	s.signal()
}

// OnError transitions the stream to its error-terminal state, per spec.md
// 4.4.
func (s *Stream) OnError(e *wire.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return
	}
	s.terminal = &ServerError{SQLState: e.SqlState, Code: e.Code, Message: e.Message, Fatal: e.Fatal}
	s.markDoneLocked()
	s.signal()
}

// Fail forces the stream into an error-terminal state, used when the
// owning Transport or Session dies mid-result.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return
	}
	s.terminal = err
	s.markDoneLocked()
	s.signal()
}

// OnTSOResult delivers the terminal status and payload for a TSO request.
func (s *Stream) OnTSOResult(resp *wire.TSOResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return
	}
	s.timestamps = resp.Timestamps
	s.terminal = io.EOF
	s.markDoneLocked()
	s.signal()
}

// Timestamps returns the timestamps allocated by a TSO request.
func (s *Stream) Timestamps() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamps
}

// Rebuffer re-queues rows already drained by DrainAll so a buffered-mode
// caller can still read them back out through Next, per spec.md 4.4's
// buffered delivery mode (the Session drains the whole result eagerly, but
// the caller still consumes it through the same Stream/Next API a
// streaming-mode caller uses).
func (s *Stream) Rebuffer(rows []*wire.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = rows
}

// Columns returns the result-set shape, or nil if it hasn't arrived yet.
func (s *Stream) Columns() *wire.ColumnMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns
}

// Next blocks until a row is available, the stream reaches its terminal
// state, or ctx is done. A nil row with io.EOF means the stream completed
// successfully.
func (s *Stream) Next(ctx context.Context) (*wire.Row, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			r := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return r, nil
		}
		if s.terminal != nil {
			err := s.terminal
			s.mu.Unlock()
			return nil, err
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TokenOffer grants the server `tokens` more row-chunks of credit and
// resets the since-last-grant counter, per spec.md 4.4/8.
func (s *Stream) TokenOffer(ctx context.Context, tokens uint32) error {
	if err := s.granter.GrantTokens(ctx, s.sessionID, s.seq, tokens); err != nil {
		return err
	}
	s.mu.Lock()
	s.granted += tokens
	s.deliveredSinceGr = 0
	s.mu.Unlock()
	return nil
}

// DeliveredSinceGrant reports how many row frames have arrived since the
// last TokenOffer (or since the stream opened, for the initial window).
// Exposed for the token-window invariant in spec.md 8.
func (s *Stream) DeliveredSinceGrant() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveredSinceGr
}

// IsGoodAndDone reports whether the stream reached a clean terminal state.
func (s *Stream) IsGoodAndDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal == io.EOF
}

// LastException returns the terminal error, if the stream ended in one.
func (s *Stream) LastException() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == io.EOF {
		return nil
	}
	return s.terminal
}

// Warnings returns the warnings attached to this request so far.
func (s *Stream) Warnings() []*wire.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Notice(nil), s.warnings...)
}

// AffectedRows returns the affected-row count from an OK terminal frame.
func (s *Stream) AffectedRows() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.affected
}

// LastInsertId returns the generated id from an OK terminal frame.
func (s *Stream) LastInsertId() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Returning reports whether this stream represents an `UPDATE ... RETURNING`
// query, per spec.md 4.4.
func (s *Stream) Returning() bool {
	return s.returning
}

// Close abandons the stream. If it hasn't reached a terminal state, callers
// (the owning Session, on Handle release) must still drain-and-discard any
// frames still in flight on the wire; Close only marks the local side done.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.terminal == nil {
		s.terminal = ErrAbandoned
	}
	s.markDoneLocked()
	s.signal()
}

// DrainAll reads every row to completion for buffered-mode requests, per
// spec.md 4.4's "Session drains the whole result eagerly" buffered mode.
func DrainAll(ctx context.Context, s *Stream) ([]*wire.Row, error) {
	var rows []*wire.Row
	for {
		r, err := s.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return rows, err
		}
		rows = append(rows, r)
	}
}
