// Package config builds pool and transport configuration with a functional-
// options API, the same shape as the teacher's agent_options.go
// (AgentOption/agentOpts) and endpoint_options.go.
package config

import "time"

// Option configures a Config.
type Option func(*Config)

// Config collects every tunable named in spec.md 6's pool configuration
// plus the ambient transport/session knobs layered on top of it.
type Config struct {
	MaxTransportsPerTarget int
	MaxSessionsPerTransport int
	DefaultQueryToken      uint32
	AcquireTimeout         time.Duration
	IdleSessionTTL         time.Duration
	EnableTrxLeakCheck     bool
	NetworkTimeout         time.Duration

	IdleInterval time.Duration
	ReplyTimeout time.Duration
}

// Default returns the baseline Config, overridden by any Options passed to
// New.
func Default() Config {
	return Config{
		MaxTransportsPerTarget:  4,
		MaxSessionsPerTransport: 64,
		DefaultQueryToken:       256,
		AcquireTimeout:          5 * time.Second,
		IdleSessionTTL:          5 * time.Minute,
		EnableTrxLeakCheck:      false,
		NetworkTimeout:          30 * time.Second,
		IdleInterval:            30 * time.Second,
		ReplyTimeout:            10 * time.Second,
	}
}

// New builds a Config from Default() plus the given Options.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxTransportsPerTarget caps how many physical Transports the Pool
// opens to any one Target.
func WithMaxTransportsPerTarget(n int) Option {
	return func(c *Config) { c.MaxTransportsPerTarget = n }
}

// WithMaxSessionsPerTransport caps how many logical Sessions may be
// multiplexed onto one Transport.
func WithMaxSessionsPerTransport(n int) Option {
	return func(c *Config) { c.MaxSessionsPerTransport = n }
}

// WithDefaultQueryToken sets the initial row-chunk token window granted to
// a streaming result when the caller doesn't specify one.
func WithDefaultQueryToken(n uint32) Option {
	return func(c *Config) { c.DefaultQueryToken = n }
}

// WithAcquireTimeout bounds how long Pool.Acquire waits on the waiter queue
// before returning AcquireTimeout, per spec.md 4.5.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Config) { c.AcquireTimeout = d }
}

// WithIdleSessionTTL sets how long an idle, pooled Session may sit before
// the reaper drops it.
func WithIdleSessionTTL(d time.Duration) Option {
	return func(c *Config) { c.IdleSessionTTL = d }
}

// WithTrxLeakCheck enables capturing an acquisition stack trace so a leaked
// open transaction can be diagnosed at release time.
func WithTrxLeakCheck(enabled bool) Option {
	return func(c *Config) { c.EnableTrxLeakCheck = enabled }
}

// WithNetworkTimeout sets Config.NetworkTimeout. Neither the Pool nor
// xrpc.Conn reads this field: a Conn's per-operation timeout is the value
// passed to xrpc.New, and a zero value there leaves the caller's context
// unbounded.
func WithNetworkTimeout(d time.Duration) Option {
	return func(c *Config) { c.NetworkTimeout = d }
}

// WithIdleInterval sets how long a Transport may go without traffic before
// it issues a liveness ping.
func WithIdleInterval(d time.Duration) Option {
	return func(c *Config) { c.IdleInterval = d }
}

// WithReplyTimeout bounds how long a Transport waits for a pong before
// declaring itself dead.
func WithReplyTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReplyTimeout = d }
}
