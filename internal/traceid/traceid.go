// Package traceid generates short correlation ids stamped onto outbound
// requests, the same way the teacher tags its tunnel sessions for logging
// (internal/tunnel/client/raw_session.go's logext.RandId(6)).
package traceid

import (
	logext "github.com/inconshreveable/log15/ext"
)

// New returns a new trace id suitable for xrpc.Conn's per-request trace id
// attribute, per spec.md's Handle "trace id" note.
func New() string {
	return logext.RandId(8)
}
