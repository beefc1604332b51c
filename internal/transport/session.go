// Package transport owns the single persistent pub/sub session shared by
// every consumer in the chat core. It wraps a NATS connection with
// subject-based subscriptions, fire-and-forget publishing, and a fixed-delay
// reconnect policy encapsulated here so consumers never re-implement it.
//
// No delivery guarantee survives a reconnect gap; consumers re-fetch history
// after a gap instead of expecting replay.
package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hallway/chat-core/internal/metrics"
)

// Config holds session connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // fixed delay between reconnect attempts
	MaxReconnects int           // -1 for infinite
	OnError       func(error)   // invoked for connection failures and protocol errors
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "hallway-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Session is one long-lived pub/sub connection. The underlying socket is
// never exposed; all interaction goes through this API.
type Session struct {
	conf Config

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewSession creates a session without connecting. Call Connect before
// Subscribe or Publish.
func NewSession(conf Config) *Session {
	return &Session{conf: conf}
}

// Connect establishes the underlying connection. It is idempotent: calling
// it while already connected is a no-op. Reconnection after drops is
// automatic with a fixed wait; consumers must tolerate silently losing and
// regaining the connection at any time.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(s.conf.Name),
		nats.ReconnectWait(s.conf.ReconnectWait),
		nats.MaxReconnects(s.conf.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.TransportConnected.Set(0)
			if err != nil {
				log.Printf("[transport] disconnected: %v", err)
				s.reportError(err)
			} else {
				log.Printf("[transport] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.TransportConnected.Set(1)
			log.Printf("[transport] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			metrics.TransportConnected.Set(0)
			log.Printf("[transport] connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Printf("[transport] protocol error: %v", err)
			s.reportError(err)
		}),
	}

	nc, err := nats.Connect(s.conf.URL, opts...)
	if err != nil {
		err = fmt.Errorf("transport: connect: %w", err)
		s.reportError(err)
		return err
	}

	log.Printf("[transport] connected to %s", nc.ConnectedUrl())
	metrics.TransportConnected.Set(1)
	s.nc = nc
	return nil
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

// Subscribe registers a push-delivery handler for a subject. Multiple
// simultaneous subscriptions per session are allowed.
func (s *Session) Subscribe(subject string, handler func(data []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc == nil {
		return fmt.Errorf("transport: subscribe %s: not connected", subject)
	}

	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", subject, err)
	}

	s.subs = append(s.subs, sub)
	return nil
}

// Publish JSON-encodes v and sends it to the given subject. It does not
// block and provides no delivery acknowledgment at this layer;
// acknowledgment is inferred at the message layer via reconciliation.
func (s *Session) Publish(subject string, v interface{}) error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("transport: publish %s: not connected", subject)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal for %s: %w", subject, err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("transport: publish %s: %w", subject, err)
	}
	return nil
}

// Disconnect emits a best-effort leave notification, then drains all
// subscriptions and tears the connection down. The leave publish is not
// guaranteed to flush before network teardown.
func (s *Session) Disconnect(leaveSubject string, leave interface{}) {
	if leaveSubject != "" {
		if err := s.Publish(leaveSubject, leave); err != nil {
			log.Printf("[transport] leave notification failed: %v", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc == nil {
		return
	}

	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[transport] drain %s: %v", sub.Subject, err)
		}
	}
	s.subs = nil

	if err := s.nc.Drain(); err != nil {
		log.Printf("[transport] connection drain: %v", err)
	}
	s.nc = nil
	metrics.TransportConnected.Set(0)

	log.Printf("[transport] session closed")
}

func (s *Session) reportError(err error) {
	if s.conf.OnError != nil {
		s.conf.OnError(err)
	}
}
