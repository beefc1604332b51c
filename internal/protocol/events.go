// Package protocol defines the wire-level events exchanged over the pub/sub
// transport and the subject naming scheme that scopes them to either the
// general conversation or a specific room. All events are serialized as JSON.
package protocol

import (
	"fmt"
	"strings"
)

// Kind discriminates the logical type of a chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Displayable reports whether messages of this kind appear as chat content.
// Join and leave events are presence-only signals and are never stored.
func (k Kind) Displayable() bool {
	return k == KindText || k == KindImage || k == KindAudio
}

// ---------------------------------------------------------------------------
// Subject naming
// ---------------------------------------------------------------------------

// Channel names under a scope prefix. The first group is published by
// clients, the second is broadcast by the server.
const (
	ChannelSend        = "send"
	ChannelJoin        = "join"
	ChannelTypingStart = "typing.start"
	ChannelTypingStop  = "typing.stop"

	ChannelMessages     = "messages"
	ChannelParticipants = "participants"
	ChannelTyping       = "typing"
	ChannelReactions    = "reactions"
)

const subjectRoot = "chat"

// Scope identifies one of the two parallel conversation namespaces: the
// shared general channel (zero value) or a specific room.
type Scope struct {
	Room string
}

// General returns the scope of the shared default conversation.
func General() Scope { return Scope{} }

// RoomScope returns the scope of a specific room conversation.
func RoomScope(roomID string) Scope { return Scope{Room: roomID} }

// IsGeneral reports whether the scope is the shared default conversation.
func (s Scope) IsGeneral() bool { return s.Room == "" }

func (s Scope) prefix() string {
	if s.Room == "" {
		return subjectRoot + ".general"
	}
	return subjectRoot + ".room." + s.Room
}

// Subject builds the full subject for a channel within this scope, e.g.
// "chat.general.send" or "chat.room.7f3a.messages".
func (s Scope) Subject(channel string) string {
	return s.prefix() + "." + channel
}

// AllScopes is the wildcard subject matching every channel of every scope.
// The fixture server subscribes to it and dispatches via ParseSubject.
const AllScopes = subjectRoot + ".>"

// ParseSubject splits a subject built by Scope.Subject back into its scope
// and channel. It rejects subjects outside the chat namespace.
func ParseSubject(subject string) (Scope, string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != subjectRoot {
		return Scope{}, "", fmt.Errorf("protocol: not a chat subject: %q", subject)
	}
	switch parts[1] {
	case "general":
		return General(), strings.Join(parts[2:], "."), nil
	case "room":
		if len(parts) < 4 || parts[2] == "" {
			return Scope{}, "", fmt.Errorf("protocol: room subject missing room id: %q", subject)
		}
		return RoomScope(parts[2]), strings.Join(parts[3:], "."), nil
	default:
		return Scope{}, "", fmt.Errorf("protocol: unknown scope in subject: %q", subject)
	}
}

// ---------------------------------------------------------------------------
// Event payloads
// ---------------------------------------------------------------------------

// FileRef describes an uploaded binary attached to a message. Spectrogram is
// only set for audio files and carries a data URL of the rendered preview.
type FileRef struct {
	URL         string `json:"url"`
	MimeType    string `json:"mime_type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Spectrogram string `json:"spectrogram,omitempty"`
}

// ReplyPreview is the denormalized snapshot of a replied-to message, carried
// so the reply can be displayed without re-fetching the original.
type ReplyPreview struct {
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
}

// ReactionGroup is the aggregate view of one emoji on one message.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// MessageEvent is the payload of the send and messages channels. The server
// assigns ID and Ts when it rebroadcasts a client send.
type MessageEvent struct {
	ID           string          `json:"id,omitempty"`
	Kind         Kind            `json:"kind"`
	Content      string          `json:"content,omitempty"`
	SenderID     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name,omitempty"`
	SenderRole   string          `json:"sender_role,omitempty"`
	Room         string          `json:"room,omitempty"`
	Ts           int64           `json:"ts,omitempty"` // unix milliseconds
	File         *FileRef        `json:"file,omitempty"`
	ReplyTo      string          `json:"reply_to,omitempty"`
	ReplyPreview *ReplyPreview   `json:"reply_preview,omitempty"`
	Reactions    []ReactionGroup `json:"reactions,omitempty"`
	Spectrogram  string          `json:"spectrogram,omitempty"` // data URL, audio messages only
}

// TypingEvent is broadcast on the typing channel. Typing=false signals an
// explicit stop.
type TypingEvent struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Typing     bool   `json:"typing"`
}

// ParticipantsEvent is broadcast on the participants channel whenever the
// participant count of a scope changes.
type ParticipantsEvent struct {
	Count int `json:"count"`
}

// ReactionEvent is broadcast on the reactions channel. Reactions is the
// complete authoritative set for the message and replaces any local state.
type ReactionEvent struct {
	MessageID string          `json:"message_id"`
	Reactions []ReactionGroup `json:"reactions"`
}
