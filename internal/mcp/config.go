package mcp

import "time"

// DefaultTimeoutMs is applied when a ServerConfig omits TimeoutMs.
const DefaultTimeoutMs = 30_000

// ServerConfig describes one MCP server the core should connect to: how to
// launch it and which strategy should build its connection. Loading these
// from a file, resolving environment variable placeholders, or filtering a
// fleet by caller role lives in the configuration layer above this package,
// not here (spec §1 Non-goals).
type ServerConfig struct {
	ID         string
	Type       string
	Command    string
	Args       []string
	Env        map[string]string
	TimeoutMs  int
	CatalogTTL time.Duration
	Enabled    bool
}

// Timeout returns the configured per-call timeout, or DefaultTimeoutMs if
// unset.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
