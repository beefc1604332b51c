package store

import (
	"testing"
	"time"

	"github.com/hallway/chat-core/internal/protocol"
)

const self = "u-self"

func optimistic(s *Store, content string) string {
	return s.AppendOptimistic(Message{
		Kind:       protocol.KindText,
		Content:    content,
		SenderName: "Self",
	})
}

func echo(content string, at time.Time) protocol.MessageEvent {
	return protocol.MessageEvent{
		ID:       "srv-" + content,
		Kind:     protocol.KindText,
		Content:  content,
		SenderID: self,
		Ts:       at.UnixMilli(),
	}
}

func TestOptimisticEchoReconciles(t *testing.T) {
	s := New(self)
	id := optimistic(s, "hello")

	m, ok := s.Get(id)
	if !ok || m.Status != StatusSending {
		t.Fatalf("expected sending optimistic entry, got %+v", m)
	}
	if !m.Provisional() {
		t.Errorf("expected provisional identifier, got %q", m.ID)
	}

	s.MarkSent(id)

	res := s.Reconcile(echo("hello", time.Now().Add(800*time.Millisecond)))
	if res != ResultMatchedWindow {
		t.Errorf("expected matched_window, got %q", res)
	}
	if s.Size() != 1 {
		t.Fatalf("expected 1 message, got %d", s.Size())
	}

	m = s.Messages()[0]
	if m.ID != "srv-hello" {
		t.Errorf("expected server identifier, got %q", m.ID)
	}
	if m.Status != StatusDelivered {
		t.Errorf("expected delivered, got %q", m.Status)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	s := New(self)
	ev := protocol.MessageEvent{
		ID:       "m1",
		Kind:     protocol.KindText,
		Content:  "hi",
		SenderID: "u-peer",
		Ts:       time.Now().UnixMilli(),
	}

	if res := s.Reconcile(ev); res != ResultAppended {
		t.Fatalf("first reconcile: expected appended, got %q", res)
	}
	size := s.Size()

	if res := s.Reconcile(ev); res != ResultMatchedID {
		t.Errorf("duplicate reconcile: expected matched_id, got %q", res)
	}
	if s.Size() != size {
		t.Errorf("duplicate delivery created an entry: %d -> %d", size, s.Size())
	}
}

func TestSelfWindowBoundary(t *testing.T) {
	s := New(self)
	optimistic(s, "hello")

	// Within the 5s tolerance: same logical message.
	if res := s.Reconcile(echo("hello", time.Now().Add(4*time.Second))); res != ResultMatchedWindow {
		t.Errorf("echo at +4s: expected matched_window, got %q", res)
	}
	if s.Size() != 1 {
		t.Fatalf("expected 1 message, got %d", s.Size())
	}

	// 10 seconds later: a distinct message with the same content.
	optimistic(s, "again")
	ev := echo("again", time.Now().Add(10*time.Second))
	ev.ID = "srv-again-late"
	if res := s.Reconcile(ev); res != ResultAppended {
		t.Errorf("echo at +10s: expected appended, got %q", res)
	}
	if s.Size() != 3 {
		t.Errorf("expected 3 messages, got %d", s.Size())
	}
}

func TestSelfWindowRequiresUnconfirmedStatus(t *testing.T) {
	s := New(self)
	id := optimistic(s, "hello")
	s.Reconcile(echo("hello", time.Now()))

	m, _ := s.Get("srv-hello")
	if m.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %q", m.Status)
	}

	// A second send with identical content must not collapse into the
	// already-delivered entry.
	id2 := optimistic(s, "hello")
	if id == id2 {
		t.Fatal("provisional identifiers must be unique")
	}
	ev := echo("hello", time.Now())
	ev.ID = "srv-hello-2"
	if res := s.Reconcile(ev); res != ResultMatchedWindow {
		t.Errorf("expected matched_window against the new send, got %q", res)
	}
	if s.Size() != 2 {
		t.Errorf("expected 2 messages, got %d", s.Size())
	}
}

func TestPeerWindow(t *testing.T) {
	s := New(self)
	now := time.Now()

	first := protocol.MessageEvent{
		ID:       "p1",
		Kind:     protocol.KindText,
		Content:  "yo",
		SenderID: "u-peer",
		Ts:       now.UnixMilli(),
	}
	s.Reconcile(first)

	// Retransmission under a different identifier, 2s later: same message.
	retrans := first
	retrans.ID = "p1-retrans"
	retrans.Ts = now.Add(2 * time.Second).UnixMilli()
	if res := s.Reconcile(retrans); res != ResultMatchedWindow {
		t.Errorf("expected matched_window, got %q", res)
	}
	if s.Size() != 1 {
		t.Fatalf("expected 1 message, got %d", s.Size())
	}

	// Outside the 3s peer window: genuinely a new message.
	late := first
	late.ID = "p2"
	late.Ts = now.Add(4 * time.Second).UnixMilli()
	if res := s.Reconcile(late); res != ResultAppended {
		t.Errorf("expected appended, got %q", res)
	}
	if s.Size() != 2 {
		t.Errorf("expected 2 messages, got %d", s.Size())
	}
}

func TestStatusMonotonicity(t *testing.T) {
	s := New(self)
	id := optimistic(s, "hello")
	s.Reconcile(echo("hello", time.Now()))

	// A late publish confirmation must not regress delivered back to sent.
	s.MarkSent(id)
	s.MarkSent("srv-hello")
	m, _ := s.Get("srv-hello")
	if m.Status != StatusDelivered {
		t.Errorf("status regressed to %q", m.Status)
	}

	s.MarkViewed("srv-hello")
	s.Reconcile(echo("hello", time.Now())) // duplicate delivery
	m, _ = s.Get("srv-hello")
	if m.Status != StatusViewed {
		t.Errorf("duplicate delivery regressed viewed to %q", m.Status)
	}
}

func TestFailedOnlyFromSending(t *testing.T) {
	s := New(self)
	id := optimistic(s, "doomed")
	s.MarkFailed(id)

	m, _ := s.Get(id)
	if m.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", m.Status)
	}

	// Failed is terminal: a stray echo must not resurrect it into a
	// delivered state under the same entry, and MarkSent must not apply.
	s.MarkSent(id)
	m, _ = s.Get(id)
	if m.Status != StatusFailed {
		t.Errorf("failed message advanced to %q", m.Status)
	}

	id2 := optimistic(s, "ok")
	s.MarkSent(id2)
	s.MarkFailed(id2)
	m, _ = s.Get(id2)
	if m.Status != StatusSent {
		t.Errorf("failed applied from sent: %q", m.Status)
	}
}

func TestReplyResolution(t *testing.T) {
	s := New(self)
	s.Reconcile(protocol.MessageEvent{
		ID:         "m1",
		Kind:       protocol.KindText,
		Content:    "original",
		SenderID:   "u-peer",
		SenderName: "Ada",
		Ts:         time.Now().UnixMilli(),
	})

	// Incoming reply without a snapshot: resolved from the local store.
	s.Reconcile(protocol.MessageEvent{
		ID:       "m2",
		Kind:     protocol.KindText,
		Content:  "replying",
		SenderID: "u-peer2",
		Ts:       time.Now().UnixMilli(),
		ReplyTo:  "m1",
	})
	m, _ := s.Get("m2")
	if m.ReplyPreview == nil {
		t.Fatal("reply preview not resolved")
	}
	if m.ReplyPreview.Content != "original" || m.ReplyPreview.SenderName != "Ada" {
		t.Errorf("wrong preview: %+v", m.ReplyPreview)
	}

	// Unknown referent: the link stays unresolved.
	s.Reconcile(protocol.MessageEvent{
		ID:       "m3",
		Kind:     protocol.KindText,
		Content:  "dangling",
		SenderID: "u-peer",
		Ts:       time.Now().UnixMilli(),
		ReplyTo:  "gone",
	})
	m, _ = s.Get("m3")
	if m.ReplyPreview != nil {
		t.Errorf("expected unresolved link, got %+v", m.ReplyPreview)
	}
	if m.ReplyTo != "gone" {
		t.Errorf("reply link lost: %q", m.ReplyTo)
	}
}

func TestReplyPreviewPreservedOnMerge(t *testing.T) {
	s := New(self)
	id := s.AppendOptimistic(Message{
		Kind:    protocol.KindText,
		Content: "answer",
		ReplyTo: "m9",
		ReplyPreview: &protocol.ReplyPreview{
			Content:    "question",
			SenderName: "Bea",
		},
	})

	ev := echo("answer", time.Now())
	ev.ReplyTo = "m9"
	s.Reconcile(ev)

	m, _ := s.Get("srv-answer")
	if m.ReplyPreview == nil || m.ReplyPreview.Content != "question" {
		t.Errorf("locally-set reply snapshot lost: %+v", m.ReplyPreview)
	}
	if _, ok := s.Get(id); ok {
		t.Error("provisional identifier still resolvable after rekey")
	}
}

func TestJoinLeaveNeverStored(t *testing.T) {
	s := New(self)
	for _, kind := range []protocol.Kind{protocol.KindJoin, protocol.KindLeave} {
		res := s.Reconcile(protocol.MessageEvent{
			ID:       "j1",
			Kind:     kind,
			SenderID: "u-peer",
			Ts:       time.Now().UnixMilli(),
		})
		if res != ResultIgnored {
			t.Errorf("kind %q: expected ignored, got %q", kind, res)
		}
	}
	if s.Size() != 0 {
		t.Errorf("presence events stored: size=%d", s.Size())
	}
}

func TestLoadHistory(t *testing.T) {
	s := New(self)
	now := time.Now()
	s.Load([]protocol.MessageEvent{
		{ID: "h1", Kind: protocol.KindText, Content: "a", SenderID: "u1", Ts: now.Add(-2 * time.Minute).UnixMilli()},
		{ID: "h2", Kind: protocol.KindJoin, SenderID: "u2", Ts: now.Add(-90 * time.Second).UnixMilli()},
		{ID: "h3", Kind: protocol.KindText, Content: "b", SenderID: "u2", Ts: now.Add(-1 * time.Minute).UnixMilli()},
	})

	if s.Size() != 2 {
		t.Fatalf("expected 2 messages, got %d", s.Size())
	}
	msgs := s.Messages()
	if msgs[0].ID != "h1" || msgs[1].ID != "h3" {
		t.Errorf("wrong order: %q, %q", msgs[0].ID, msgs[1].ID)
	}
	for _, m := range msgs {
		if m.Status != StatusDelivered {
			t.Errorf("history entry %q not delivered: %q", m.ID, m.Status)
		}
	}

	// Loading again must not duplicate.
	s.Load([]protocol.MessageEvent{{ID: "h1", Kind: protocol.KindText, Content: "a", SenderID: "u1", Ts: now.UnixMilli()}})
	if s.Size() != 2 {
		t.Errorf("history reload duplicated entries: %d", s.Size())
	}
}

func TestSetReactions(t *testing.T) {
	s := New(self)
	s.Reconcile(protocol.MessageEvent{ID: "m1", Kind: protocol.KindText, Content: "x", SenderID: "u1", Ts: time.Now().UnixMilli()})

	groups := []protocol.ReactionGroup{{Emoji: "👍", Count: 2, Users: []string{"u1", "u2"}}}
	if !s.SetReactions("m1", groups) {
		t.Fatal("SetReactions failed for known message")
	}
	m, _ := s.Get("m1")
	if len(m.Reactions) != 1 || m.Reactions[0].Count != 2 {
		t.Errorf("reactions not applied: %+v", m.Reactions)
	}

	// Wholesale replacement, including down to empty.
	if !s.SetReactions("m1", nil) {
		t.Fatal("SetReactions failed on replace")
	}
	m, _ = s.Get("m1")
	if len(m.Reactions) != 0 {
		t.Errorf("reactions not replaced: %+v", m.Reactions)
	}

	if s.SetReactions("unknown", groups) {
		t.Error("SetReactions succeeded for unknown message")
	}
}
