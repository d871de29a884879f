package mcp

import (
	"testing"
	"time"
)

func TestStandardDialect_Values(t *testing.T) {
	d := StandardDialect
	if d.HandshakeWarmup != 500*time.Millisecond {
		t.Errorf("expected 500ms warmup, got %v", d.HandshakeWarmup)
	}
	if d.HandshakeRetries != 3 {
		t.Errorf("expected 3 retries, got %d", d.HandshakeRetries)
	}
	if d.HandshakeRetryBackoff != 2*time.Second {
		t.Errorf("expected 2s fixed-delay backoff, got %v", d.HandshakeRetryBackoff)
	}
	if d.MinCallTimeout != 0 {
		t.Errorf("expected no timeout floor, got %v", d.MinCallTimeout)
	}
	if got := d.CallTimeout(10 * time.Second); got != 10*time.Second {
		t.Errorf("expected configured timeout to pass through unraised, got %v", got)
	}
}

func TestHeavyStartDialect_Values(t *testing.T) {
	d := HeavyStartDialect
	if d.HandshakeWarmup != 8*time.Second {
		t.Errorf("expected 8s warmup, got %v", d.HandshakeWarmup)
	}
	if d.HandshakeRetries != 0 {
		t.Errorf("expected no retries, got %d", d.HandshakeRetries)
	}
	if d.MinCallTimeout != 15*time.Second {
		t.Errorf("expected 15s timeout floor, got %v", d.MinCallTimeout)
	}
	if got := d.CallTimeout(5 * time.Second); got != 15*time.Second {
		t.Errorf("expected floor to raise a low configured timeout, got %v", got)
	}
	if got := d.CallTimeout(30 * time.Second); got != 30*time.Second {
		t.Errorf("expected floor not to lower a high configured timeout, got %v", got)
	}
}
