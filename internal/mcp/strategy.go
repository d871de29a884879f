package mcp

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConnectionStrategy builds a Connection for one ServerConfig.Type. Spec
// §4.6 calls this "a registry of connection strategies keyed by transport
// type," kept distinct from the server registry in §4.7 so adding a new
// transport or dialect never touches fleet-management code.
type ConnectionStrategy interface {
	Build(serverID string, config ServerConfig, launcher ProcessLauncher, codec Codec, clock Clock, logger *slog.Logger) (Connection, error)
}

// StrategyRegistry resolves a ServerConfig.Type string to the
// ConnectionStrategy that knows how to build connections of that kind.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]ConnectionStrategy
}

// NewStrategyRegistry returns a registry pre-populated with the stdio
// strategies this package ships (spec §9: the Type string itself already
// encodes the dialect, so no child-process sniffing ever happens here).
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[string]ConnectionStrategy)}
	r.Register("stdio", NewStdioStrategy(StandardDialect))
	r.Register("stdio-heavy-start", NewStdioStrategy(HeavyStartDialect))
	return r
}

// Register associates a transport type string with a strategy, replacing
// any previous registration -- used by callers wiring in a custom
// transport the core does not ship.
func (r *StrategyRegistry) Register(transportType string, strategy ConnectionStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[transportType] = strategy
}

// Resolve returns the strategy registered for transportType, or
// ErrUnknownTransport.
func (r *StrategyRegistry) Resolve(transportType string) (ConnectionStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[transportType]
	if !ok {
		return nil, newError(CodeUnknownTransport, "", withMessage(fmt.Sprintf("unknown transport type %q", transportType)))
	}
	return s, nil
}

type stdioStrategy struct {
	dialect Dialect
}

// NewStdioStrategy returns a ConnectionStrategy that builds StdioConnections
// speaking the given Dialect.
func NewStdioStrategy(dialect Dialect) ConnectionStrategy {
	return stdioStrategy{dialect: dialect}
}

func (s stdioStrategy) Build(serverID string, config ServerConfig, launcher ProcessLauncher, codec Codec, clock Clock, logger *slog.Logger) (Connection, error) {
	return newStdioConnection(serverID, config, s.dialect, launcher, codec, clock, logger), nil
}
