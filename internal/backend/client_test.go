package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hallway/chat-core/internal/protocol"
)

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	conf := DefaultConfig()
	conf.BaseURL = srv.URL
	return New(conf)
}

func TestHistory(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("room"); got != "7f3a" {
			t.Errorf("room query: %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "1000" {
			t.Errorf("limit query: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []protocol.MessageEvent{
				{ID: "m1", Kind: protocol.KindText, Content: "a", SenderID: "u1"},
				{ID: "m2", Kind: protocol.KindText, Content: "b", SenderID: "u2"},
			},
		})
	})

	msgs, err := c.History(context.Background(), protocol.RoomScope("7f3a"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Errorf("unexpected history: %+v", msgs)
	}
}

func TestUpload(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "voice.wav" {
			t.Errorf("filename: %q", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("part content type: %q", ct)
		}
		data, _ := io.ReadAll(file)
		json.NewEncoder(w).Encode(protocol.FileRef{
			URL:      "/files/f1",
			MimeType: "audio/wav",
			Name:     header.Filename,
			Size:     int64(len(data)),
		})
	})

	ref, err := c.Upload(context.Background(), "voice.wav", "audio/wav", strings.NewReader("RIFFxxxx"))
	if err != nil {
		t.Fatal(err)
	}
	if ref.URL != "/files/f1" || ref.Size != 8 {
		t.Errorf("unexpected ref: %+v", ref)
	}
}

func TestToggleReaction(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/m1/reactions/toggle" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["emoji"] != "👍" {
			t.Errorf("emoji: %q", body["emoji"])
		}
		json.NewEncoder(w).Encode(protocol.ReactionEvent{
			MessageID: "m1",
			Reactions: []protocol.ReactionGroup{{Emoji: "👍", Count: 1, Users: []string{"u1"}}},
		})
	})

	groups, err := c.ToggleReaction(context.Background(), "m1", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Count != 1 {
		t.Errorf("unexpected groups: %+v", groups)
	}
}

func TestCheckAccess(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusNoContent, nil},
		{http.StatusForbidden, ErrAccessDenied},
		{http.StatusNotFound, ErrAccessDenied},
	}

	for _, tc := range cases {
		status := tc.status
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		err := c.CheckAccess(context.Background(), "7f3a")
		if tc.want == nil && err != nil {
			t.Errorf("status %d: unexpected error %v", status, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", status, err, tc.want)
		}
	}
}

func TestCurrentUser(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/me" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(User{ID: "u1", Name: "Ada", Role: "teacher"})
	})

	u, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "u1" || u.Role != "teacher" {
		t.Errorf("unexpected user: %+v", u)
	}
}
