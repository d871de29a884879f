package mcp

import "time"

// Dialect captures the handshake differences between MCP server
// implementations that otherwise share the stdio transport: how long to wait
// for the child to become responsive, whether to retry the initial
// `initialize` call, and the floor applied to caller-supplied timeouts (spec
// §4.5, §9). Detecting which dialect a given server speaks is a job for the
// configuration layer; the core only ever consumes the resolved Type string.
type Dialect struct {
	Name string

	// HandshakeWarmup is slept before the first initialize attempt, giving a
	// slow-starting child time to bind its stdio loop.
	HandshakeWarmup time.Duration

	// HandshakeRetries is how many additional initialize attempts follow an
	// initial timeout before the handshake is declared failed.
	HandshakeRetries int

	// HandshakeRetryBackoff is the delay between handshake retries.
	HandshakeRetryBackoff time.Duration

	// MinCallTimeout floors the handshake timeout and the timeouts of
	// tools/call and SendMessage. tools/list, resources/list, resources/read
	// and the health probe use their own timeouts without this floor.
	MinCallTimeout time.Duration
}

// StandardDialect is the default stdio server: a brief warmup, up to three
// fixed-delay retries on handshake timeout, and no timeout floor beyond what
// the caller configures.
var StandardDialect = Dialect{
	Name:                  "standard",
	HandshakeWarmup:       500 * time.Millisecond,
	HandshakeRetries:      3,
	HandshakeRetryBackoff: 2 * time.Second,
	MinCallTimeout:        0,
}

// HeavyStartDialect accommodates servers with slow interpreter or JVM
// startup: a long warmup sleep before the single initialize attempt (no
// retry), and a raised timeout floor so cold first calls are not cut short
// by an aggressive caller-supplied timeout.
var HeavyStartDialect = Dialect{
	Name:                  "heavy-start",
	HandshakeWarmup:       8 * time.Second,
	HandshakeRetries:      0,
	HandshakeRetryBackoff: 0,
	MinCallTimeout:        15 * time.Second,
}

// HandshakeTimeout returns the per-attempt deadline for the given
// configured handshake timeout, floored the same way call timeouts are.
func (d Dialect) HandshakeTimeout(configured time.Duration) time.Duration {
	if configured < d.MinCallTimeout {
		return d.MinCallTimeout
	}
	return configured
}

// CallTimeout floors a per-call timeout at the dialect's minimum.
func (d Dialect) CallTimeout(configured time.Duration) time.Duration {
	if configured < d.MinCallTimeout {
		return d.MinCallTimeout
	}
	return configured
}
