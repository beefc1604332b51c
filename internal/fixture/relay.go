package fixture

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hallway/chat-core/internal/metrics"
	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/ratelimit"
)

// Relay is the server side of the pub/sub protocol. It consumes everything
// clients publish, stamps identity and time onto sends, persists displayable
// messages, tracks participants, and rebroadcasts on the server channels.
type Relay struct {
	nc      *nats.Conn
	history *History
	live    *LiveState
	limiter *ratelimit.Limiter

	sub *nats.Subscription
}

// NewRelay creates a relay on an established NATS connection. The limiter may
// be nil to disable send throttling.
func NewRelay(nc *nats.Conn, history *History, live *LiveState, limiter *ratelimit.Limiter) *Relay {
	return &Relay{nc: nc, history: history, live: live, limiter: limiter}
}

// Start subscribes to the whole chat namespace. Events the relay itself
// broadcasts come back through the wildcard and are skipped by channel.
func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(protocol.AllScopes, r.dispatch)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop drains the subscription so in-flight events finish dispatching.
func (r *Relay) Stop() {
	if r.sub != nil {
		r.sub.Drain()
	}
}

func (r *Relay) dispatch(msg *nats.Msg) {
	scope, channel, err := protocol.ParseSubject(msg.Subject)
	if err != nil {
		log.Printf("[relay] %v", err)
		return
	}
	metrics.EventsReceived.WithLabelValues(channel).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch channel {
	case protocol.ChannelSend:
		r.handleSend(ctx, scope, msg.Data)
	case protocol.ChannelJoin:
		r.handleJoin(ctx, scope, msg.Data)
	case protocol.ChannelTypingStart:
		r.handleTyping(scope, msg.Data, true)
	case protocol.ChannelTypingStop:
		r.handleTyping(scope, msg.Data, false)
	default:
		// Our own broadcasts (messages, participants, typing, reactions).
	}
}

// handleSend stamps a server id and timestamp, persists displayable content,
// and rebroadcasts. Leave notifications travel on the send channel too; they
// update presence but are never stored.
func (r *Relay) handleSend(ctx context.Context, scope protocol.Scope, data []byte) {
	var ev protocol.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[relay] bad send event: %v", err)
		return
	}

	ev.ID = uuid.NewString()
	ev.Ts = time.Now().UnixMilli()
	ev.Room = scope.Room

	if r.limiter != nil && ev.Kind.Displayable() {
		ok, _ := r.limiter.Allow(ctx, ev.SenderID, ratelimit.RuleSend)
		if !ok {
			log.Printf("[relay] throttled sender=%s", ev.SenderID)
			return
		}
	}

	if ev.Kind == protocol.KindLeave {
		r.broadcastParticipants(ctx, scope, ev.SenderID, false)
	}

	if ev.Kind.Displayable() {
		if err := r.history.Insert(ctx, ev); err != nil {
			// Live delivery still matters when persistence lags.
			log.Printf("[relay] persist failed: %v", err)
		}
	}

	r.broadcast(scope, protocol.ChannelMessages, ev)
}

func (r *Relay) handleJoin(ctx context.Context, scope protocol.Scope, data []byte) {
	var ev protocol.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[relay] bad join event: %v", err)
		return
	}
	ev.ID = uuid.NewString()
	ev.Ts = time.Now().UnixMilli()
	ev.Room = scope.Room

	r.broadcastParticipants(ctx, scope, ev.SenderID, true)
	r.broadcast(scope, protocol.ChannelMessages, ev)
}

func (r *Relay) handleTyping(scope protocol.Scope, data []byte, typing bool) {
	var ev protocol.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[relay] bad typing event: %v", err)
		return
	}
	ev.Typing = typing
	r.broadcast(scope, protocol.ChannelTyping, ev)
}

func (r *Relay) broadcastParticipants(ctx context.Context, scope protocol.Scope, userID string, joined bool) {
	var count int
	var err error
	if joined {
		count, err = r.live.Join(ctx, scope, userID)
	} else {
		count, err = r.live.Leave(ctx, scope, userID)
	}
	if err != nil {
		log.Printf("[relay] participants update failed: %v", err)
		return
	}
	r.broadcast(scope, protocol.ChannelParticipants, protocol.ParticipantsEvent{Count: count})
}

// BroadcastReactions pushes the authoritative reaction set for a message to
// every subscriber of its scope. The HTTP API calls this after a toggle.
func (r *Relay) BroadcastReactions(scope protocol.Scope, ev protocol.ReactionEvent) {
	r.broadcast(scope, protocol.ChannelReactions, ev)
}

func (r *Relay) broadcast(scope protocol.Scope, channel string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[relay] marshal %s: %v", channel, err)
		return
	}
	if err := r.nc.Publish(scope.Subject(channel), data); err != nil {
		log.Printf("[relay] publish %s: %v", channel, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(channel).Inc()
}
