package mcp

import (
	"testing"
	"time"
)

func TestServerConfig_Timeout_Default(t *testing.T) {
	c := ServerConfig{}
	if got := c.Timeout(); got != DefaultTimeoutMs*time.Millisecond {
		t.Errorf("expected default timeout, got %v", got)
	}
}

func TestServerConfig_Timeout_Configured(t *testing.T) {
	c := ServerConfig{TimeoutMs: 5000}
	if got := c.Timeout(); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
}

func TestServerConfig_Timeout_NegativeFallsBackToDefault(t *testing.T) {
	c := ServerConfig{TimeoutMs: -1}
	if got := c.Timeout(); got != DefaultTimeoutMs*time.Millisecond {
		t.Errorf("expected default timeout for negative value, got %v", got)
	}
}
