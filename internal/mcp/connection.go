package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection's position in the lifecycle spec §4.5 defines:
// New -> Starting -> Handshaking -> Ready -> Closing -> Closed, with Failed
// reachable from any state before Ready, and from Ready when the transport
// read loop ends outside of Close.
type State int

const (
	StateNew State = iota
	StateStarting
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is one live relationship with an MCP server: a handshake, a
// request/response channel, and the tool/resource operations spec §4.5 and
// §4.6 define. Implementations other than StdioConnection exist only in
// tests.
type Connection interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	ListResources(ctx context.Context) ([]ResourceDescriptor, error)
	ReadResource(ctx context.Context, uri string) (*ResourceContent, error)
	SendMessage(ctx context.Context, method string, params any, timeout time.Duration) (*Envelope, error)
	Subscribe() *Subscription
	IsHealthy(ctx context.Context) bool
	ServerInfo() ServerInfo
	State() State
	ServerID() string
	Close(ctx context.Context) error
}

// stdioPrimaryGrace and stdioSecondaryGrace bound how long Close waits for voluntary exit before
// escalating to SIGTERM, and for SIGTERM before escalating to SIGKILL.
const (
	stdioPrimaryGrace   = 2 * time.Second
	stdioSecondaryGrace = 2 * time.Second
)

// healthCheckTimeout bounds the tools/list round-trip IsHealthy issues to
// confirm the connection is actually responsive, not merely in state Ready
// with a living process (spec §4.5).
const healthCheckTimeout = 8 * time.Second

// StdioConnection is a Connection to a child process speaking line-delimited
// JSON-RPC over stdin/stdout (spec §4.3, §4.5).
type StdioConnection struct {
	serverID string
	config   ServerConfig
	dialect  Dialect
	launcher ProcessLauncher
	codec    Codec
	clock    Clock
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	proc        Process
	transport   *Transport
	mux         *Multiplexer
	serverInfo  ServerInfo
	readerDone  chan struct{}
	readyCh     chan struct{}
	readyClosed atomic.Bool
	failErr     error
}

func newStdioConnection(serverID string, config ServerConfig, dialect Dialect, launcher ProcessLauncher, codec Codec, clock Clock, logger *slog.Logger) *StdioConnection {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &StdioConnection{
		serverID: serverID,
		config:   config,
		dialect:  dialect,
		launcher: launcher,
		codec:    codec,
		clock:    clock,
		logger:   logger,
		state:    StateNew,
		readyCh:  make(chan struct{}),
	}
}

func (c *StdioConnection) ServerID() string { return c.serverID }

func (c *StdioConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *StdioConnection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Initialize spawns the child, performs the JSON-RPC handshake, and
// discovers its tool catalog, moving New -> Starting -> Handshaking ->
// Ready (spec §4.5). On any failure the connection moves to Failed and
// Initialize returns a tagged *Error; it must not be retried in place -- a
// fresh StdioConnection is the only path back to Starting.
func (c *StdioConnection) Initialize(ctx context.Context) error {
	c.setState(StateStarting)

	proc, err := c.launcher.Launch(c.config.Command, c.config.Args, c.config.Env)
	if err != nil {
		c.fail(newError(CodeTransportStartFailure, c.serverID, withErr(err)))
		return c.failErr
	}
	c.proc = proc
	c.transport = newTransport(c.serverID, proc, c.codec, c.logger)
	c.mux = newMultiplexer(c.serverID, c.clock, c.logger, c.config.Timeout())

	c.setState(StateHandshaking)
	c.readerDone = make(chan struct{})
	go c.readLoop()

	if c.dialect.HandshakeWarmup > 0 {
		select {
		case <-c.clock.NewTimer(c.dialect.HandshakeWarmup).C():
		case <-ctx.Done():
			c.fail(newError(CodeHandshakeFailure, c.serverID, withErr(ctx.Err())))
			return c.failErr
		}
	}

	info, err := c.doHandshakeWithRetries(ctx)
	if err != nil {
		c.fail(newError(CodeHandshakeFailure, c.serverID, withErr(err)))
		return c.failErr
	}
	c.serverInfo = info

	tools, err := c.fetchTools(ctx)
	if err != nil {
		c.fail(newError(CodeHandshakeFailure, c.serverID, withErr(err)))
		return c.failErr
	}
	c.serverInfo.ToolCount = len(tools)

	c.setState(StateReady)
	c.markReady()
	return nil
}

func (c *StdioConnection) doHandshakeWithRetries(ctx context.Context) (ServerInfo, error) {
	attempts := c.dialect.HandshakeRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-c.clock.NewTimer(c.dialect.HandshakeRetryBackoff).C():
			case <-ctx.Done():
				return ServerInfo{}, ctx.Err()
			}
		}
		info, err := c.doInitialize(ctx)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !errorsIsTimeout(err) {
			return ServerInfo{}, err
		}
	}
	return ServerInfo{}, lastErr
}

func errorsIsTimeout(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == CodeTimeout
}

func (c *StdioConnection) doInitialize(ctx context.Context) (ServerInfo, error) {
	timeout := c.dialect.HandshakeTimeout(c.config.Timeout())

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities{Roots: rootsCapability{ListChanged: true}},
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}

	env, err := c.mux.Call(ctx, c.transport, "initialize", params, timeout)
	if err != nil {
		return ServerInfo{}, err
	}

	var result initializeResult
	if err := decodeResult(env.Result, &result); err != nil {
		return ServerInfo{}, newError(CodeProtocolError, c.serverID, withMethod("initialize"), withErr(err))
	}

	if err := c.mux.Notify(c.transport, "notifications/initialized", nil); err != nil {
		return ServerInfo{}, err
	}

	return fillServerInfoDefaults(c.serverID, result.ServerInfo), nil
}

func (c *StdioConnection) fetchTools(ctx context.Context) ([]ToolDescriptor, error) {
	env, err := c.mux.Call(ctx, c.transport, "tools/list", struct{}{}, c.config.Timeout())
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := decodeResult(env.Result, &result); err != nil {
		return nil, newError(CodeProtocolError, c.serverID, withMethod("tools/list"), withErr(err))
	}
	return result.Tools, nil
}

// markReady closes readyCh exactly once, releasing every caller blocked in
// awaitReady together.
func (c *StdioConnection) markReady() {
	if c.readyClosed.CompareAndSwap(false, true) {
		close(c.readyCh)
	}
}

func (c *StdioConnection) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.failErr = err
	c.mu.Unlock()
	c.markReady()
}

// awaitReady blocks until the connection reaches Ready or Failed, or ctx is
// cancelled, then returns the terminal error if any (spec §4.5: callers
// that race the handshake queue behind it rather than racing the state).
func (c *StdioConnection) awaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed {
		return c.failErr
	}
	if c.state != StateReady {
		return newError(CodeNotReady, c.serverID)
	}
	return nil
}

// readLoop is the connection's single reader task: it owns the transport's
// read side for the connection's entire lifetime and hands every inbound
// envelope to the multiplexer for dispatch (spec §4.4). Its exit -- whether
// from a transport error or the child closing stdout -- is treated as a
// fault and fails any calls still waiting.
func (c *StdioConnection) readLoop() {
	defer close(c.readerDone)
	for {
		env, err := c.transport.ReadEnvelope()
		if err != nil {
			c.handleTransportFault(err)
			return
		}
		c.mux.Dispatch(env)
	}
}

func (c *StdioConnection) handleTransportFault(err error) {
	c.logger.Warn("mcp transport read loop ended", "server", c.serverID, "error", err)
	faultErr := newError(CodeConnectionClosed, c.serverID, withErr(err))
	c.mu.Lock()
	wasReady := c.state == StateReady
	if c.state != StateClosing && c.state != StateClosed {
		c.state = StateFailed
		c.failErr = faultErr
	}
	c.mu.Unlock()
	if !wasReady {
		c.markReady()
	}
	if c.mux != nil {
		c.mux.Close()
	}
}

// ListTools returns the catalog discovered at handshake time re-fetched
// live from the server.
func (c *StdioConnection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	return c.fetchTools(ctx)
}

// ExecuteTool invokes tools/call. A JSON-RPC error object on the response
// propagates as a thrown *Error (CodeServerError), exactly like any other
// method; a tool-level failure reported inside a normal success envelope
// surfaces as ToolResult.IsError, never thrown (spec §4.5, §7).
func (c *StdioConnection) ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	argsRaw, err := marshalParams(args)
	if err != nil {
		return nil, newError(CodeProtocolError, c.serverID, withMethod("tools/call"), withErr(err))
	}
	params := toolsCallParams{Name: name, Arguments: argsRaw}
	env, err := c.mux.Call(ctx, c.transport, "tools/call", params, c.dialect.CallTimeout(c.config.Timeout()))
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := decodeResult(env.Result, &result); err != nil {
		return nil, newError(CodeProtocolError, c.serverID, withMethod("tools/call"), withErr(err))
	}
	return &result, nil
}

// ListResources returns the resources the server currently advertises.
func (c *StdioConnection) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	env, err := c.mux.Call(ctx, c.transport, "resources/list", struct{}{}, c.config.Timeout())
	if err != nil {
		return nil, err
	}
	var result resourcesListResult
	if err := decodeResult(env.Result, &result); err != nil {
		return nil, newError(CodeProtocolError, c.serverID, withMethod("resources/list"), withErr(err))
	}
	return result.Resources, nil
}

// ReadResource fetches the content of a single advertised resource.
func (c *StdioConnection) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	env, err := c.mux.Call(ctx, c.transport, "resources/read", resourcesReadParams{URI: uri}, c.config.Timeout())
	if err != nil {
		return nil, err
	}
	var result ResourceContent
	if err := decodeResult(env.Result, &result); err != nil {
		return nil, newError(CodeProtocolError, c.serverID, withMethod("resources/read"), withErr(err))
	}
	return &result, nil
}

// SendMessage is the escape hatch for methods this package does not wrap
// directly (spec §4.6): any JSON-RPC method, with an optional per-call
// timeout override.
func (c *StdioConnection) SendMessage(ctx context.Context, method string, params any, timeout time.Duration) (*Envelope, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.config.Timeout()
	}
	return c.mux.Call(ctx, c.transport, method, params, c.dialect.CallTimeout(timeout))
}

// Subscribe returns a handle on this connection's broadcast notification
// stream.
func (c *StdioConnection) Subscribe() *Subscription {
	return c.mux.Subscribe()
}

// IsHealthy reports whether the connection is Ready, its transport believes
// the child is still alive, and a live tools/list round-trip succeeds within
// healthCheckTimeout (spec §4.5) — a wedged request loop with a living
// process and a stale Ready state must not read as healthy.
func (c *StdioConnection) IsHealthy(ctx context.Context) bool {
	c.mu.Lock()
	state := c.state
	transport := c.transport
	mux := c.mux
	c.mu.Unlock()

	if state != StateReady || transport == nil || !transport.IsAlive() {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	_, err := mux.Call(callCtx, transport, "tools/list", struct{}{}, healthCheckTimeout)
	return err == nil
}

func (c *StdioConnection) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Close tears the connection down: mark Closing, stop the transport (which
// unblocks the reader), join the reader, close the multiplexer failing any
// stragglers, then mark Closed. Idempotent.
func (c *StdioConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	wasNew := c.state == StateNew
	c.state = StateClosing
	c.mu.Unlock()
	c.markReady()

	if wasNew || c.transport == nil {
		c.setState(StateClosed)
		return nil
	}

	err := c.transport.Stop(stdioPrimaryGrace, stdioSecondaryGrace)

	select {
	case <-c.readerDone:
	case <-ctx.Done():
	case <-time.After(stdioPrimaryGrace + stdioSecondaryGrace):
	}

	if c.mux != nil {
		c.mux.Close()
	}

	c.setState(StateClosed)
	if err != nil {
		return fmt.Errorf("mcp: stop process for server %s: %w", c.serverID, err)
	}
	return nil
}
