// Package reactions applies authoritative reaction-set updates onto stored
// messages. Sets are always replaced wholesale, never patched incrementally,
// so optimistic and authoritative state cannot drift apart.
package reactions

import (
	"context"
	"fmt"
	"log"

	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/store"
)

// Toggler issues a toggle intent for the calling user. The server decides
// add versus remove from current membership and returns the authoritative
// set for the message.
type Toggler interface {
	ToggleReaction(ctx context.Context, messageID, emoji string) ([]protocol.ReactionGroup, error)
}

// Synchronizer keeps the store's reaction sets aligned with the server.
type Synchronizer struct {
	store   *store.Store
	toggler Toggler
}

// NewSynchronizer binds a synchronizer to the message store and the service
// that performs toggles.
func NewSynchronizer(s *store.Store, t Toggler) *Synchronizer {
	return &Synchronizer{store: s, toggler: t}
}

// Toggle sends the add-or-remove intent for the local user and applies the
// returned authoritative set. Concurrent toggles on the same message may
// race; the last-applied authoritative set wins.
func (s *Synchronizer) Toggle(ctx context.Context, messageID, emoji string) error {
	groups, err := s.toggler.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return fmt.Errorf("reactions: toggle %s on %s: %w", emoji, messageID, err)
	}
	s.store.SetReactions(messageID, groups)
	return nil
}

// Apply replaces a message's reaction set from a broadcast update. Updates
// for unknown messages are dropped; the set arrives again with history.
func (s *Synchronizer) Apply(ev protocol.ReactionEvent) {
	if !s.store.SetReactions(ev.MessageID, ev.Reactions) {
		log.Printf("[reactions] update for unknown message=%s dropped", ev.MessageID)
	}
}
