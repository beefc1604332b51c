package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSubjectGeneral(t *testing.T) {
	s := General()
	if got := s.Subject(ChannelSend); got != "chat.general.send" {
		t.Errorf("expected chat.general.send, got %q", got)
	}
	if got := s.Subject(ChannelTypingStart); got != "chat.general.typing.start" {
		t.Errorf("expected chat.general.typing.start, got %q", got)
	}
}

func TestSubjectRoom(t *testing.T) {
	s := RoomScope("7f3a")
	if got := s.Subject(ChannelMessages); got != "chat.room.7f3a.messages" {
		t.Errorf("expected chat.room.7f3a.messages, got %q", got)
	}
}

func TestParseSubjectRoundTrip(t *testing.T) {
	cases := []struct {
		scope   Scope
		channel string
	}{
		{General(), ChannelSend},
		{General(), ChannelTypingStop},
		{RoomScope("abc"), ChannelReactions},
		{RoomScope("abc"), ChannelTypingStart},
	}

	for _, c := range cases {
		subject := c.scope.Subject(c.channel)
		scope, channel, err := ParseSubject(subject)
		if err != nil {
			t.Fatalf("ParseSubject(%q): %v", subject, err)
		}
		if scope != c.scope {
			t.Errorf("%q: scope mismatch: got %+v want %+v", subject, scope, c.scope)
		}
		if channel != c.channel {
			t.Errorf("%q: channel mismatch: got %q want %q", subject, channel, c.channel)
		}
	}
}

func TestParseSubjectRejectsForeign(t *testing.T) {
	for _, subject := range []string{"", "chat", "chat.send", "match.request", "chat.dm.x.send", "chat.room..send"} {
		if _, _, err := ParseSubject(subject); err == nil {
			t.Errorf("expected error for subject %q", subject)
		}
	}
}

func TestKindDisplayable(t *testing.T) {
	for _, k := range []Kind{KindText, KindImage, KindAudio} {
		if !k.Displayable() {
			t.Errorf("kind %q should be displayable", k)
		}
	}
	for _, k := range []Kind{KindJoin, KindLeave} {
		if k.Displayable() {
			t.Errorf("kind %q should not be displayable", k)
		}
	}
}

func TestMessageEventJSONShape(t *testing.T) {
	ev := MessageEvent{
		ID:       "m1",
		Kind:     KindText,
		Content:  "hello",
		SenderID: "u1",
		Ts:       1700000000000,
		ReplyTo:  "m0",
		ReplyPreview: &ReplyPreview{
			Content:    "earlier",
			SenderName: "Ada",
		},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var decoded MessageEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != "m1" || decoded.Kind != KindText || decoded.ReplyTo != "m0" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
	if decoded.ReplyPreview == nil || decoded.ReplyPreview.SenderName != "Ada" {
		t.Errorf("reply preview lost: %+v", decoded.ReplyPreview)
	}

	// Empty optional fields must stay off the wire.
	if strings.Contains(string(data), "file") || strings.Contains(string(data), "spectrogram") {
		t.Errorf("unset optional fields serialized: %s", data)
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent("hello"); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
	if err := ValidateContent(""); err == nil {
		t.Error("empty message accepted")
	}
	if err := ValidateContent(strings.Repeat("a", MaxContentBytes+1)); err == nil {
		t.Error("oversized message accepted")
	}
	if err := ValidateContent(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}
