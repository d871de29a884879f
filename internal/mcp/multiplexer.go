package mcp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// notificationBufferSize bounds each subscriber's notification channel; a
// slow subscriber drops notifications rather than blocking the reader
// (spec §5).
const notificationBufferSize = 32

// janitorInterval is how often the janitor sweep runs (spec §4.4).
const janitorInterval = 30 * time.Second

type callOutcome struct {
	env *Envelope
	err error
}

type pendingCall struct {
	id          int64
	method      string
	ch          chan callOutcome
	submittedAt time.Time
}

// Multiplexer assigns monotonic request ids, tracks in-flight calls in a
// pending-request table, routes incoming responses back to their waiter, and
// fans notifications out to subscribers (spec §4.4). One Multiplexer serves
// exactly one connection.
type Multiplexer struct {
	serverID string
	clock    Clock
	logger   *slog.Logger

	defaultTimeout time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool

	notifyMu   sync.Mutex
	notifySubs map[chan *Envelope]struct{}

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func newMultiplexer(serverID string, clock Clock, logger *slog.Logger, defaultTimeout time.Duration) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock
	}
	m := &Multiplexer{
		serverID:       serverID,
		clock:          clock,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		pending:        make(map[int64]*pendingCall),
		notifySubs:     make(map[chan *Envelope]struct{}),
		janitorStop:    make(chan struct{}),
		janitorDone:    make(chan struct{}),
	}
	go m.janitorLoop()
	return m
}

// Call allocates the next request id, registers the pending entry before
// writing (so a fast response can never find the table empty), and blocks
// until a matching response arrives, the per-call timeout fires, the caller's
// context is cancelled, or the connection closes.
func (m *Multiplexer) Call(ctx context.Context, transport *Transport, method string, params any, timeout time.Duration) (*Envelope, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, newError(CodeProtocolError, m.serverID, withMethod(method), withErr(err))
	}

	id := m.nextID.Add(1)
	env := &Envelope{Kind: KindRequest, ID: id, Method: method, Params: raw}

	pc := &pendingCall{
		id:          id,
		method:      method,
		ch:          make(chan callOutcome, 1),
		submittedAt: m.clock.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, newError(CodeConnectionClosed, m.serverID, withMethod(method))
	}
	m.pending[id] = pc
	m.mu.Unlock()

	if err := transport.WriteEnvelope(env); err != nil {
		m.removePending(id)
		return nil, newError(CodeConnectionClosed, m.serverID, withMethod(method), withRequestID(id), withErr(err))
	}

	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.ch:
		return out.env, out.err
	case <-ctx.Done():
		m.removePending(id)
		return nil, ctx.Err()
	case <-timer.C():
		m.removePending(id)
		return nil, newError(CodeTimeout, m.serverID, withMethod(method), withRequestID(id))
	}
}

// Notify writes a fire-and-forget notification with no id and no tracked
// response.
func (m *Multiplexer) Notify(transport *Transport, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return newError(CodeProtocolError, m.serverID, withMethod(method), withErr(err))
	}
	env := &Envelope{Kind: KindNotification, Method: method, Params: raw}
	if err := transport.WriteEnvelope(env); err != nil {
		return newError(CodeConnectionClosed, m.serverID, withMethod(method), withErr(err))
	}
	return nil
}

func (m *Multiplexer) removePending(id int64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Dispatch routes one inbound envelope read by the connection's single
// reader task: a response completes its waiter (or is discarded if its id is
// unknown), a notification fans out to subscribers (spec §4.4 rules 1-3).
func (m *Multiplexer) Dispatch(env *Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch env.Kind {
	case KindResponse:
		m.mu.Lock()
		pc, ok := m.pending[env.ID]
		if ok {
			delete(m.pending, env.ID)
		}
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("discarding response for unknown request id", "server", m.serverID, "id", env.ID)
			return
		}

		outcome := callOutcome{env: env}
		if env.Error != nil {
			outcome.env = nil
			outcome.err = newError(CodeServerError, m.serverID,
				withMethod(pc.method), withRequestID(env.ID),
				withMessage(env.Error.Message), withData(env.Error.Data), withServerCode(env.Error.Code))
		}
		select {
		case pc.ch <- outcome:
		default:
		}
	case KindNotification:
		m.broadcastNotification(env)
	case KindRequest:
		m.logger.Debug("ignoring server-initiated request", "server", m.serverID, "method", env.Method)
	}
}

func (m *Multiplexer) broadcastNotification(env *Envelope) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for ch := range m.notifySubs {
		select {
		case ch <- env:
		default:
			m.logger.Warn("dropping notification, subscriber buffer full", "server", m.serverID, "method", env.Method)
		}
	}
}

// Subscription is a handle on the connection's broadcast notification
// stream. Late subscribers never see notifications emitted before they
// subscribed.
type Subscription struct {
	ch  chan *Envelope
	mux *Multiplexer
}

// C returns the receive-only channel notifications are delivered on.
func (s *Subscription) C() <-chan *Envelope { return s.ch }

// Close unsubscribes and closes the channel returned by C.
func (s *Subscription) Close() {
	s.mux.notifyMu.Lock()
	if _, ok := s.mux.notifySubs[s.ch]; ok {
		delete(s.mux.notifySubs, s.ch)
		close(s.ch)
	}
	s.mux.notifyMu.Unlock()
}

// Subscribe registers a new notification subscriber.
func (m *Multiplexer) Subscribe() *Subscription {
	ch := make(chan *Envelope, notificationBufferSize)
	m.notifyMu.Lock()
	m.notifySubs[ch] = struct{}{}
	m.notifyMu.Unlock()
	return &Subscription{ch: ch, mux: m}
}

func (m *Multiplexer) janitorLoop() {
	defer close(m.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.janitorStop:
			return
		}
	}
}

// sweepOnce removes any pending entry older than 2x the connection's default
// timeout and fails its caller with Expired -- defence in depth for a lost
// per-call timer (spec §4.4, §9).
func (m *Multiplexer) sweepOnce() {
	threshold := 2 * m.defaultTimeout
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*pendingCall
	for id, pc := range m.pending {
		if now.Sub(pc.submittedAt) > threshold {
			expired = append(expired, pc)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, pc := range expired {
		m.logger.Warn("janitor expired stale pending request", "server", m.serverID, "id", pc.id, "method", pc.method)
		select {
		case pc.ch <- callOutcome{err: newError(CodeExpired, m.serverID, withMethod(pc.method), withRequestID(pc.id))}:
		default:
		}
	}
}

// Close fails every pending call with ConnectionClosed, stops the janitor,
// and completes the notification stream. Safe to call more than once.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[int64]*pendingCall)
	m.mu.Unlock()

	for _, pc := range pending {
		select {
		case pc.ch <- callOutcome{err: newError(CodeConnectionClosed, m.serverID, withMethod(pc.method), withRequestID(pc.id))}:
		default:
		}
	}

	close(m.janitorStop)
	<-m.janitorDone

	m.notifyMu.Lock()
	for ch := range m.notifySubs {
		close(ch)
	}
	m.notifySubs = make(map[chan *Envelope]struct{})
	m.notifyMu.Unlock()
}
