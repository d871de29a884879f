package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMultiplexer(clock Clock, defaultTimeout time.Duration) (*Multiplexer, *Transport, *fakeProcess, *fakeServer) {
	proc := newFakeProcess()
	transport := newTransport("srv1", proc, NewNDJSONCodec(), discardLogger())
	mux := newMultiplexer("srv1", clock, discardLogger(), defaultTimeout)
	server := newFakeServer(proc)
	return mux, transport, proc, server
}

func TestMultiplexer_CallRoundTrip(t *testing.T) {
	mux, transport, _, server := newTestMultiplexer(SystemClock, time.Second)

	go func() {
		req, err := server.readRequest()
		if err != nil {
			return
		}
		server.respondResult(req["id"], map[string]any{"tools": []any{}})
	}()

	go func() {
		env, err := transport.ReadEnvelope()
		if err != nil {
			return
		}
		mux.Dispatch(env)
	}()

	env, err := mux.Call(context.Background(), transport, "tools/list", nil, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if env.Kind != KindResponse {
		t.Errorf("unexpected kind: %v", env.Kind)
	}
}

func TestMultiplexer_CallServerError(t *testing.T) {
	mux, transport, _, server := newTestMultiplexer(SystemClock, time.Second)

	go func() {
		req, _ := server.readRequest()
		server.respondError(req["id"], -32601, "method not found")
	}()
	go func() {
		env, err := transport.ReadEnvelope()
		if err != nil {
			return
		}
		mux.Dispatch(env)
	}()

	_, err := mux.Call(context.Background(), transport, "bogus", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Code != CodeServerError {
		t.Fatalf("expected CodeServerError, got %v", err)
	}
}

func TestMultiplexer_CallTimeout(t *testing.T) {
	clock := newFakeClock()
	mux, transport, _, server := newTestMultiplexer(clock, time.Second)
	defer mux.Close()

	go server.readRequest() // swallow the request, never respond

	result := make(chan error, 1)
	go func() {
		_, err := mux.Call(context.Background(), transport, "tools/list", nil, 5*time.Second)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond) // let Call register its timer
	clock.Advance(6 * time.Second)

	err := <-result
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestMultiplexer_ContextCancellation(t *testing.T) {
	mux, transport, _, server := newTestMultiplexer(SystemClock, time.Second)
	defer mux.Close()

	go server.readRequest()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := mux.Call(ctx, transport, "tools/list", nil, time.Minute)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMultiplexer_SweepExpiresStalePending(t *testing.T) {
	clock := newFakeClock()
	mux, _, _, _ := newTestMultiplexer(clock, time.Second)
	defer mux.Close()

	pc := &pendingCall{id: 99, method: "slow/call", ch: make(chan callOutcome, 1), submittedAt: clock.Now()}
	mux.mu.Lock()
	mux.pending[99] = pc
	mux.mu.Unlock()

	clock.Advance(3 * time.Second) // > 2x default timeout
	mux.sweepOnce()

	select {
	case out := <-pc.ch:
		if !errors.Is(out.err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", out.err)
		}
	default:
		t.Fatal("expected the stale call to be swept")
	}
}

func TestMultiplexer_SubscribeReceivesNotifications(t *testing.T) {
	mux, transport, _, server := newTestMultiplexer(SystemClock, time.Second)
	defer mux.Close()

	sub := mux.Subscribe()
	defer sub.Close()

	go func() {
		server.writeLine(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{"pct": 10}})
	}()

	env, err := transport.ReadEnvelope()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	mux.Dispatch(env)

	select {
	case got := <-sub.C():
		if got.Method != "notifications/progress" {
			t.Errorf("unexpected method: %q", got.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestMultiplexer_CloseFailsPending(t *testing.T) {
	mux, transport, _, server := newTestMultiplexer(SystemClock, time.Minute)
	go server.readRequest()

	result := make(chan error, 1)
	go func() {
		_, err := mux.Call(context.Background(), transport, "tools/list", nil, time.Minute)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	mux.Close()

	if err := <-result; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
