package fixture

import (
	"bytes"
	"context"
	"math"
	"net/http/httptest"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/redis/go-redis/v9"

	"github.com/hallway/chat-core/internal/protocol"
)

// newTestLiveState connects to a local Redis and flushes fixture keys.
// Tests using it require a running Redis on localhost:6379.
func newTestLiveState(t *testing.T) *LiveState {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{
			participantsPrefix + "*", reactionsPrefix + "*", reactionEmojisPrefix + "*",
			filePrefix + "*", roomBlockedPrefix + "*",
		} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Del(ctx, closedRoomsKey)
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLiveState(client)
}

func TestParticipantCountIdempotentJoin(t *testing.T) {
	s := newTestLiveState(t)
	ctx := context.Background()
	scope := protocol.RoomScope("test-room")

	if n, _ := s.Join(ctx, scope, "u1"); n != 1 {
		t.Errorf("first join: %d", n)
	}
	if n, _ := s.Join(ctx, scope, "u1"); n != 1 {
		t.Errorf("rejoin inflated count: %d", n)
	}
	if n, _ := s.Join(ctx, scope, "u2"); n != 2 {
		t.Errorf("second user: %d", n)
	}
	if n, _ := s.Leave(ctx, scope, "u1"); n != 1 {
		t.Errorf("after leave: %d", n)
	}
}

func TestToggleReactionRoundTrip(t *testing.T) {
	s := newTestLiveState(t)
	ctx := context.Background()

	groups, err := s.ToggleReaction(ctx, "m1", "u1", "🔥")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Count != 1 {
		t.Fatalf("after add: %+v", groups)
	}

	groups, err = s.ToggleReaction(ctx, "m1", "u2", "🔥")
	if err != nil {
		t.Fatal(err)
	}
	if groups[0].Count != 2 {
		t.Fatalf("second reactor: %+v", groups)
	}

	// Toggling again removes; the emoji disappears once empty.
	s.ToggleReaction(ctx, "m1", "u1", "🔥")
	groups, _ = s.ToggleReaction(ctx, "m1", "u2", "🔥")
	if len(groups) != 0 {
		t.Errorf("emoji survived with zero reactors: %+v", groups)
	}
}

func TestRoomAccess(t *testing.T) {
	s := newTestLiveState(t)
	ctx := context.Background()

	if ok, _ := s.CheckAccess(ctx, "open-room", "u1"); !ok {
		t.Error("fresh room denied")
	}

	s.CloseRoom(ctx, "dead-room")
	if ok, _ := s.CheckAccess(ctx, "dead-room", "u1"); ok {
		t.Error("closed room allowed")
	}
	s.ReopenRoom(ctx, "dead-room")
	if ok, _ := s.CheckAccess(ctx, "dead-room", "u1"); !ok {
		t.Error("reopened room still denied")
	}

	s.BlockUser(ctx, "open-room", "u1")
	if ok, _ := s.CheckAccess(ctx, "open-room", "u1"); ok {
		t.Error("blocked user allowed")
	}
	if ok, _ := s.CheckAccess(ctx, "open-room", "u2"); !ok {
		t.Error("block leaked to another user")
	}
}

func TestFileRoundTrip(t *testing.T) {
	s := newTestLiveState(t)
	ctx := context.Background()

	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	if err := s.PutFile(ctx, "f1", "pic.png", "image/png", payload); err != nil {
		t.Fatal(err)
	}
	name, mime, data, err := s.GetFile(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if name != "pic.png" || mime != "image/png" || !bytes.Equal(data, payload) {
		t.Errorf("round trip mangled: %q %q %v", name, mime, data)
	}

	if _, _, _, err := s.GetFile(ctx, "missing"); err != ErrFileNotFound {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

func TestRenderPreview(t *testing.T) {
	// Synthesize half a second of 440Hz sine as a WAV payload.
	const rate = 44100
	samples := make([]int, rate/2)
	for i := range samples {
		samples[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	var buf seekBuffer
	enc := wav.NewEncoder(&buf, rate, 16, 1, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:   samples, SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	preview, err := renderPreview(buf.data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(preview, "data:image/png;base64,") {
		t.Errorf("not a PNG data URL: %.40s", preview)
	}
}

func TestCurrentUserDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/me", nil)
	u := currentUser(r)
	if u.ID != "anonymous" || u.Name != "Anonymous" {
		t.Errorf("defaults: %+v", u)
	}

	r.Header.Set("X-User-ID", "u7")
	r.Header.Set("X-User-Name", "Ada")
	r.Header.Set("X-User-Role", "teacher")
	u = currentUser(r)
	if u.ID != "u7" || u.Name != "Ada" || u.Role != "teacher" {
		t.Errorf("headers ignored: %+v", u)
	}
}

// seekBuffer is a minimal io.WriteSeeker for the WAV encoder in tests.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		b.pos = int(offset)
	case 1:
		b.pos += int(offset)
	case 2:
		b.pos = len(b.data) + int(offset)
	}
	return int64(b.pos), nil
}
