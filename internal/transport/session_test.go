package transport

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if conf.URL == "" {
		t.Error("default URL empty")
	}
	if conf.ReconnectWait != 2*time.Second {
		t.Errorf("unexpected reconnect wait: %s", conf.ReconnectWait)
	}
	if conf.MaxReconnects != -1 {
		t.Errorf("reconnects should be unlimited by default, got %d", conf.MaxReconnects)
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	s := NewSession(DefaultConfig())

	if s.Connected() {
		t.Error("fresh session reports connected")
	}

	if err := s.Publish("chat.general.send", map[string]string{"x": "y"}); err == nil {
		t.Error("publish before connect should fail")
	} else if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("unexpected error: %v", err)
	}

	if err := s.Subscribe("chat.general.messages", func([]byte) {}); err == nil {
		t.Error("subscribe before connect should fail")
	}

	// Disconnect on a never-connected session is a safe no-op.
	s.Disconnect("", nil)
}
