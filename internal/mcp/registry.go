package mcp

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry owns a fleet of MCP server connections: concurrent
// initialize/shutdown, aggregate health, and a merged tool catalog across
// every server (spec §4.7). A failure connecting to or calling one server
// never propagates out of an aggregate operation -- each server's outcome is
// isolated and reported alongside the others.
type Registry struct {
	strategies *StrategyRegistry
	launcher   ProcessLauncher
	codec      Codec
	clock      Clock
	logger     *slog.Logger

	mu      sync.RWMutex
	conns   map[string]Connection
	configs map[string]ServerConfig
}

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithStrategyRegistry overrides the default StrategyRegistry.
func WithStrategyRegistry(s *StrategyRegistry) RegistryOption {
	return func(r *Registry) { r.strategies = s }
}

// WithProcessLauncher overrides the default OS process launcher -- the seam
// tests use to inject fakes.
func WithProcessLauncher(l ProcessLauncher) RegistryOption {
	return func(r *Registry) { r.launcher = l }
}

// WithCodec overrides the default NDJSON codec.
func WithCodec(c Codec) RegistryOption {
	return func(r *Registry) { r.codec = c }
}

// WithClock overrides the default system clock.
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds an empty Registry. Use InitializeAll (which calls Add
// for each enabled server itself), or Add followed by the returned
// connection's Initialize for a single server, to bring servers up.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		strategies: NewStrategyRegistry(),
		launcher:   NewOSProcessLauncher(),
		codec:      NewNDJSONCodec(),
		clock:      SystemClock,
		logger:     slog.Default(),
		conns:      make(map[string]Connection),
		configs:    make(map[string]ServerConfig),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add registers a server by config without connecting it, returning
// ErrAlreadyExists if the id is already registered.
func (r *Registry) Add(config ServerConfig) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[config.ID]; exists {
		return nil, newError(CodeAlreadyExists, config.ID)
	}
	strategy, err := r.strategies.Resolve(config.Type)
	if err != nil {
		return nil, err
	}
	conn, err := strategy.Build(config.ID, config, r.launcher, r.codec, r.clock, r.logger)
	if err != nil {
		return nil, err
	}
	r.conns[config.ID] = conn
	r.configs[config.ID] = config
	return conn, nil
}

// InitializeAll registers and connects every server concurrently, isolating
// each server's failure so one bad child never blocks the rest of the fleet
// from coming up. It returns a map from server id to that server's
// initialization error (nil entries are healthy).
func (r *Registry) InitializeAll(ctx context.Context, configs []ServerConfig) map[string]error {
	results := make(map[string]error, len(configs))
	var resultsMu sync.Mutex

	var g errgroup.Group
	for _, config := range configs {
		if !config.Enabled {
			continue
		}
		config := config
		g.Go(func() error {
			err := r.initializeOne(ctx, config)
			resultsMu.Lock()
			results[config.ID] = err
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// initializeOne registers config and connects it. A handshake failure
// removes the connection from conns (but not from configs, so List still
// reports the id) and logs; it never fails the rest of the fleet (spec §4.7).
func (r *Registry) initializeOne(ctx context.Context, config ServerConfig) error {
	conn, err := r.Add(config)
	if err != nil {
		return err
	}
	if err := conn.Initialize(ctx); err != nil {
		r.logger.Error("mcp server failed to initialize", "server", config.ID, "error", err)
		r.mu.Lock()
		delete(r.conns, config.ID)
		r.mu.Unlock()
		return err
	}
	r.logger.Info("mcp server ready", "server", config.ID)
	return nil
}

// Get returns the connection registered under id, or ErrNotFound.
func (r *Registry) Get(id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, newError(CodeNotFound, id)
	}
	return conn, nil
}

// List returns the set of enabled configured server ids -- a superset of
// currently-connected ids, since a handshake failure drops a server from
// conns without deregistering its config (spec §4.7). Callers pick healthy
// ones via Health/Get.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id, config := range r.configs {
		if config.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// Remove closes and deregisters a server, ignoring ErrNotFound.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	delete(r.configs, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close(ctx)
}

// Health reports IsHealthy for every registered server, keyed by id. Each
// check issues its own tools/list round-trip (spec §4.5), so servers are
// probed concurrently rather than serially.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	conns := make([]Connection, 0, len(r.conns))
	for id, conn := range r.conns {
		ids = append(ids, id)
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	health := make(map[string]bool, len(ids))
	var healthMu sync.Mutex

	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			healthy := conns[i].IsHealthy(ctx)
			healthMu.Lock()
			health[ids[i]] = healthy
			healthMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return health
}

// AllTools fans ListTools out across every registered server concurrently,
// isolating per-server failures: a server that errors reports an empty list
// rather than being omitted, so every registered id is always present in the
// result (spec §4.7, §8 scenario S6).
func (r *Registry) AllTools(ctx context.Context) map[string][]ToolDescriptor {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	conns := make([]Connection, 0, len(r.conns))
	for id, conn := range r.conns {
		ids = append(ids, id)
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	results := make(map[string][]ToolDescriptor, len(ids))
	var resultsMu sync.Mutex
	for _, id := range ids {
		results[id] = nil
	}

	var g errgroup.Group
	for i := range ids {
		i := i
		g.Go(func() error {
			tools, err := conns[i].ListTools(ctx)
			if err != nil {
				r.logger.Warn("listing tools failed for server", "server", ids[i], "error", err)
				return nil
			}
			resultsMu.Lock()
			results[ids[i]] = tools
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Shutdown closes every registered connection concurrently and returns the
// per-server close error, keyed by id.
func (r *Registry) Shutdown(ctx context.Context) map[string]error {
	r.mu.Lock()
	conns := make(map[string]Connection, len(r.conns))
	for id, conn := range r.conns {
		conns[id] = conn
	}
	r.conns = make(map[string]Connection)
	r.mu.Unlock()

	results := make(map[string]error, len(conns))
	var resultsMu sync.Mutex

	var g errgroup.Group
	for id, conn := range conns {
		id, conn := id, conn
		g.Go(func() error {
			err := conn.Close(ctx)
			resultsMu.Lock()
			results[id] = err
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}
