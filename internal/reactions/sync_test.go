package reactions

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/store"
)

// fakeToggler reproduces the server's toggle semantics: membership decides
// add versus remove, and the full set comes back on every call.
type fakeToggler struct {
	self    string
	members map[string]map[string][]string // messageID -> emoji -> users
	err     error
}

func newFakeToggler(self string) *fakeToggler {
	return &fakeToggler{self: self, members: make(map[string]map[string][]string)}
}

func (f *fakeToggler) ToggleReaction(_ context.Context, messageID, emoji string) ([]protocol.ReactionGroup, error) {
	if f.err != nil {
		return nil, f.err
	}
	byEmoji, ok := f.members[messageID]
	if !ok {
		byEmoji = make(map[string][]string)
		f.members[messageID] = byEmoji
	}

	users := byEmoji[emoji]
	removed := false
	for i, u := range users {
		if u == f.self {
			users = append(users[:i], users[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		users = append(users, f.self)
	}
	if len(users) == 0 {
		delete(byEmoji, emoji)
	} else {
		byEmoji[emoji] = users
	}

	var groups []protocol.ReactionGroup
	for e, u := range byEmoji {
		groups = append(groups, protocol.ReactionGroup{Emoji: e, Count: len(u), Users: u})
	}
	return groups, nil
}

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New("u-self")
	s.Reconcile(protocol.MessageEvent{
		ID:       "m1",
		Kind:     protocol.KindText,
		Content:  "react to me",
		SenderID: "u-peer",
		Ts:       time.Now().UnixMilli(),
	})
	return s
}

func TestToggleSymmetry(t *testing.T) {
	s := seedStore(t)
	sync := NewSynchronizer(s, newFakeToggler("u-self"))

	if err := sync.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	m, _ := s.Get("m1")
	if len(m.Reactions) != 1 || m.Reactions[0].Count != 1 {
		t.Fatalf("after first toggle: %+v", m.Reactions)
	}

	if err := sync.Toggle(context.Background(), "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Get("m1")
	if len(m.Reactions) != 0 {
		t.Errorf("double toggle did not return to original state: %+v", m.Reactions)
	}
}

func TestToggleErrorLeavesStoreUntouched(t *testing.T) {
	s := seedStore(t)
	seeded := []protocol.ReactionGroup{{Emoji: "🎉", Count: 1, Users: []string{"u-peer"}}}
	s.SetReactions("m1", seeded)

	ft := newFakeToggler("u-self")
	ft.err = errors.New("boom")
	sync := NewSynchronizer(s, ft)

	if err := sync.Toggle(context.Background(), "m1", "👍"); err == nil {
		t.Fatal("expected error")
	}
	m, _ := s.Get("m1")
	if !reflect.DeepEqual(m.Reactions, seeded) {
		t.Errorf("failed toggle mutated reactions: %+v", m.Reactions)
	}
}

func TestApplyReplacesWholesale(t *testing.T) {
	s := seedStore(t)
	s.SetReactions("m1", []protocol.ReactionGroup{
		{Emoji: "👍", Count: 3, Users: []string{"a", "b", "c"}},
		{Emoji: "🎉", Count: 1, Users: []string{"a"}},
	})

	sync := NewSynchronizer(s, newFakeToggler("u-self"))
	sync.Apply(protocol.ReactionEvent{
		MessageID: "m1",
		Reactions: []protocol.ReactionGroup{{Emoji: "👍", Count: 1, Users: []string{"a"}}},
	})

	m, _ := s.Get("m1")
	if len(m.Reactions) != 1 || m.Reactions[0].Count != 1 {
		t.Errorf("broadcast did not replace wholesale: %+v", m.Reactions)
	}

	// Unknown message: dropped without side effects.
	sync.Apply(protocol.ReactionEvent{MessageID: "nope", Reactions: nil})
}
