// Package store holds the ordered message sequence for the active
// conversation. It owns deduplication between optimistic local sends and
// their authoritative server echoes, delivery-status transitions, and
// reply-link resolution.
//
// Server-assigned identifiers are not known until a round trip completes,
// but messages must be visible the instant the user presses send. Reconcile
// bridges the gap with a content+sender+time heuristic when the exact-id
// path misses.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hallway/chat-core/internal/protocol"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusViewed    Status = "viewed"
	StatusFailed    Status = "failed"
)

// statusRank orders the forward-only delivery progression. Failed is
// terminal and reachable from sending only.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusViewed:    3,
}

// Matching tolerance windows for the heuristic reconcile paths. The self
// window bridges the optimistic-send round trip; the peer window only has to
// absorb transport retransmission, so it is tighter.
const (
	SelfMatchWindow = 5 * time.Second
	PeerMatchWindow = 3 * time.Second
)

// localIDPrefix marks provisional identifiers assigned before the server
// acknowledges a send.
const localIDPrefix = "local-"

// Message is one entry in the conversation.
type Message struct {
	ID           string
	Kind         protocol.Kind
	Content      string
	SenderID     string
	SenderName   string
	SenderRole   string
	Room         string
	CreatedAt    time.Time
	Status       Status
	File         *protocol.FileRef
	ReplyTo      string
	ReplyPreview *protocol.ReplyPreview
	Reactions    []protocol.ReactionGroup
	Spectrogram  string
}

// Provisional reports whether the message still carries a client-generated
// identifier.
func (m Message) Provisional() bool {
	return len(m.ID) > len(localIDPrefix) && m.ID[:len(localIDPrefix)] == localIDPrefix
}

// Result describes how Reconcile disposed of an incoming event.
type Result string

const (
	ResultMatchedID     Result = "matched_id"
	ResultMatchedWindow Result = "matched_window"
	ResultAppended      Result = "appended"
	ResultIgnored       Result = "ignored"
)

// Store is the ordered, deduplicated message sequence for one conversation.
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	selfID string
	order  []*Message
	byID   map[string]*Message
}

// New creates an empty store. selfID identifies the local user for the
// optimistic-echo reconcile path.
func New(selfID string) *Store {
	return &Store{
		selfID: selfID,
		byID:   make(map[string]*Message),
	}
}

// AppendOptimistic inserts a message the local user just originated and
// returns its provisional identifier. The entry starts in sending status.
func (s *Store) AppendOptimistic(m Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = localIDPrefix + uuid.NewString()
	m.SenderID = s.selfID
	m.Status = StatusSending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ReplyTo != "" && m.ReplyPreview == nil {
		m.ReplyPreview = s.previewOf(m.ReplyTo)
	}

	s.insert(&m)
	return m.ID
}

// MarkSent advances a message from sending to sent. Called after the
// transport publish returned without error.
func (s *Store) MarkSent(id string) {
	s.advance(id, StatusSent)
}

// MarkViewed advances a message to viewed.
func (s *Store) MarkViewed(id string) {
	s.advance(id, StatusViewed)
}

// MarkFailed marks a message failed. Failed is only reachable from sending;
// a message the server already echoed cannot regress.
func (s *Store) MarkFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.byID[id]; ok && m.Status == StatusSending {
		m.Status = StatusFailed
	}
}

// Reconcile decides whether an incoming authoritative event matches an
// already-stored entry or represents a new message:
//
//  1. Exact identifier match: merge in place (authoritative path).
//  2. Sender is the local user: match an unconfirmed local entry with equal
//     content and a timestamp within SelfMatchWindow.
//  3. Sender is a peer: match an entry from that sender with equal content
//     within PeerMatchWindow.
//  4. No match: append as a new delivered message.
//
// The first structural match wins. Join and leave events are presence-only
// and are never stored.
func (s *Store) Reconcile(ev protocol.MessageEvent) Result {
	if !ev.Kind.Displayable() {
		return ResultIgnored
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID != "" {
		if m, ok := s.byID[ev.ID]; ok {
			s.merge(m, ev)
			return ResultMatchedID
		}
	}

	ts := time.UnixMilli(ev.Ts)
	if ev.SenderID == s.selfID {
		for _, m := range s.order {
			if m.SenderID != s.selfID || !sameBody(m, ev) {
				continue
			}
			if m.Status != StatusSending && m.Status != StatusSent {
				continue
			}
			if absDelta(ts, m.CreatedAt) > SelfMatchWindow {
				continue
			}
			s.rekey(m, ev.ID)
			s.merge(m, ev)
			return ResultMatchedWindow
		}
	} else {
		for _, m := range s.order {
			if m.SenderID != ev.SenderID || !sameBody(m, ev) {
				continue
			}
			if absDelta(ts, m.CreatedAt) > PeerMatchWindow {
				continue
			}
			s.rekey(m, ev.ID)
			s.merge(m, ev)
			return ResultMatchedWindow
		}
	}

	m := fromEvent(ev)
	m.Status = StatusDelivered
	if m.ReplyTo != "" && m.ReplyPreview == nil {
		m.ReplyPreview = s.previewOf(m.ReplyTo)
	}
	s.insert(m)
	return ResultAppended
}

// Load bootstraps the store from a fetched history, oldest first. Entries
// arrive authoritative, so they are inserted as delivered.
func (s *Store) Load(events []protocol.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		if !ev.Kind.Displayable() {
			continue
		}
		if _, ok := s.byID[ev.ID]; ok {
			continue
		}
		m := fromEvent(ev)
		m.Status = StatusDelivered
		if m.ReplyTo != "" && m.ReplyPreview == nil {
			m.ReplyPreview = s.previewOf(m.ReplyTo)
		}
		s.insert(m)
	}
}

// SetReactions replaces a message's reaction set wholesale. Returns false if
// the message is unknown.
func (s *Store) SetReactions(id string, groups []protocol.ReactionGroup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return false
	}
	m.Reactions = groups
	return true
}

// Get returns a copy of the message with the given identifier.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.byID[id]; ok {
		return *m, true
	}
	return Message{}, false
}

// Messages returns a copy of all messages in conversation order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

// Size returns the number of visible messages.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// ---------------------------------------------------------------------------
// internals (callers hold s.mu)
// ---------------------------------------------------------------------------

func (s *Store) insert(m *Message) {
	s.order = append(s.order, m)
	if m.ID != "" {
		s.byID[m.ID] = m
	}
	// History loads can interleave with live appends; keep display order
	// stable by timestamp.
	if n := len(s.order); n > 1 && s.order[n-2].CreatedAt.After(m.CreatedAt) {
		sort.SliceStable(s.order, func(i, j int) bool {
			return s.order[i].CreatedAt.Before(s.order[j].CreatedAt)
		})
	}
}

// rekey swaps a provisional identifier for the server-assigned one.
func (s *Store) rekey(m *Message, id string) {
	if id == "" || id == m.ID {
		return
	}
	delete(s.byID, m.ID)
	m.ID = id
	s.byID[id] = m
}

// merge folds an authoritative event into an existing entry. Locally-set
// reply snapshots are preserved; the entry advances to delivered.
func (s *Store) merge(m *Message, ev protocol.MessageEvent) {
	if ev.Content != "" {
		m.Content = ev.Content
	}
	if ev.SenderName != "" {
		m.SenderName = ev.SenderName
	}
	if ev.SenderRole != "" {
		m.SenderRole = ev.SenderRole
	}
	if ev.Ts != 0 {
		m.CreatedAt = time.UnixMilli(ev.Ts)
	}
	if ev.File != nil {
		m.File = ev.File
	}
	if ev.Spectrogram != "" {
		m.Spectrogram = ev.Spectrogram
	}
	if ev.Reactions != nil {
		m.Reactions = ev.Reactions
	}
	if ev.ReplyTo != "" {
		m.ReplyTo = ev.ReplyTo
	}
	if m.ReplyPreview == nil {
		if ev.ReplyPreview != nil {
			m.ReplyPreview = ev.ReplyPreview
		} else if m.ReplyTo != "" {
			m.ReplyPreview = s.previewOf(m.ReplyTo)
		}
	}
	s.promote(m, StatusDelivered)
}

// previewOf builds a reply snapshot from a locally-stored message. Returns
// nil when the referenced message is unknown; the link then stays
// unresolved, which is acceptable because full history is loaded on entry.
func (s *Store) previewOf(id string) *protocol.ReplyPreview {
	ref, ok := s.byID[id]
	if !ok {
		return nil
	}
	return &protocol.ReplyPreview{
		Content:    ref.Content,
		SenderName: ref.SenderName,
	}
}

// promote moves a message forward in the delivery progression; it never
// regresses and never resurrects a failed message.
func (s *Store) promote(m *Message, to Status) {
	if m.Status == StatusFailed {
		return
	}
	if statusRank[to] > statusRank[m.Status] {
		m.Status = to
	}
}

func (s *Store) advance(id string, to Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.byID[id]; ok {
		s.promote(m, to)
	}
}

func fromEvent(ev protocol.MessageEvent) *Message {
	return &Message{
		ID:           ev.ID,
		Kind:         ev.Kind,
		Content:      ev.Content,
		SenderID:     ev.SenderID,
		SenderName:   ev.SenderName,
		SenderRole:   ev.SenderRole,
		Room:         ev.Room,
		CreatedAt:    time.UnixMilli(ev.Ts),
		File:         ev.File,
		ReplyTo:      ev.ReplyTo,
		ReplyPreview: ev.ReplyPreview,
		Reactions:    ev.Reactions,
		Spectrogram:  ev.Spectrogram,
	}
}

// sameBody reports whether a stored entry and an incoming event carry the
// same logical payload. File messages have empty content, so the attachment
// URL participates in the comparison.
func sameBody(m *Message, ev protocol.MessageEvent) bool {
	if m.Kind != ev.Kind || m.Content != ev.Content {
		return false
	}
	return fileURL(m.File) == fileURL(ev.File)
}

func fileURL(f *protocol.FileRef) string {
	if f == nil {
		return ""
	}
	return f.URL
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
