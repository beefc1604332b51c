package fixture

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/hallway/chat-core/internal/audio"
	"github.com/hallway/chat-core/internal/backend"
	"github.com/hallway/chat-core/internal/metrics"
	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/ratelimit"
)

// maxUploadBytes caps one multipart upload.
const maxUploadBytes = 16 << 20

// Spectrogram preview dimensions for server-rendered audio uploads.
const (
	previewWidth  = 320
	previewHeight = 96
)

// Server exposes the HTTP boundary the chat client calls: history, uploads,
// reaction toggles, access checks, identity, file downloads, and metrics.
type Server struct {
	history *History
	live    *LiveState
	relay   *Relay
	limiter *ratelimit.Limiter
}

// NewServer wires the HTTP API over the shared stores and relay. The limiter
// may be nil to disable throttling.
func NewServer(history *History, live *LiveState, relay *Relay, limiter *ratelimit.Limiter) *Server {
	return &Server{history: history, live: live, relay: relay, limiter: limiter}
}

// throttled applies a rule to the requesting user and writes 429 when over
// the limit.
func (s *Server) throttled(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return false
	}
	ok, _ := s.limiter.Allow(r.Context(), currentUser(r).ID, rule)
	if !ok {
		http.Error(w, "slow down", http.StatusTooManyRequests)
		return true
	}
	return false
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", s.handleHistory)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/messages/{id}/reactions/toggle", s.handleToggleReaction)
	mux.HandleFunc("GET /api/rooms/{id}/access", s.handleAccess)
	mux.HandleFunc("GET /api/me", s.handleMe)
	mux.HandleFunc("GET /files/{id}", s.handleFile)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := backend.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}
	scope := protocol.General()
	if room := r.URL.Query().Get("room"); room != "" {
		scope = protocol.RoomScope(room)
	}

	msgs, err := s.history.Recent(r.Context(), scope, limit)
	if err != nil {
		log.Printf("[api] history: %v", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// handleUpload accepts one multipart file, stores the blob, and answers with
// its descriptor. WAV uploads additionally get a spectrogram preview rendered
// server-side and embedded as a data URL.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.throttled(w, r, ratelimit.RuleUpload) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read failed", http.StatusRequestEntityTooLarge)
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id := uuid.NewString()
	if err := s.live.PutFile(r.Context(), id, header.Filename, mimeType, data); err != nil {
		log.Printf("[api] upload: %v", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}

	ref := protocol.FileRef{
		URL:      "/files/" + id,
		MimeType: mimeType,
		Name:     header.Filename,
		Size:     int64(len(data)),
	}
	if mimeType == "audio/wav" {
		preview, err := renderPreview(data)
		if err != nil {
			log.Printf("[api] spectrogram preview: %v", err)
		} else {
			ref.Spectrogram = preview
		}
	}
	writeJSON(w, http.StatusCreated, ref)
}

// renderPreview decodes a WAV payload and renders its spectrogram as a PNG
// data URL.
func renderPreview(wavData []byte) (string, error) {
	dec := wav.NewDecoder(bytes.NewReader(wavData))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return "", fmt.Errorf("decode wav: %w", err)
	}

	spec := audio.NewSpectrogram(previewWidth, previewHeight)
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	// Feed in column-sized strides so the preview spans the whole clip.
	stride := len(samples) / previewWidth
	if stride < 1 {
		stride = len(samples)
	}
	for off := 0; off < len(samples); off += stride {
		end := off + stride
		if end > len(samples) {
			end = len(samples)
		}
		spec.Feed(samples[off:end])
	}

	png, err := spec.PNG()
	if err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (s *Server) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	if s.throttled(w, r, ratelimit.RuleToggle) {
		return
	}
	messageID := r.PathValue("id")
	userID := currentUser(r).ID

	var body struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Emoji == "" {
		http.Error(w, "bad toggle payload", http.StatusBadRequest)
		return
	}

	room, known, err := s.history.Room(r.Context(), messageID)
	if err != nil {
		log.Printf("[api] toggle: %v", err)
		http.Error(w, "toggle failed", http.StatusInternalServerError)
		return
	}
	if !known {
		http.Error(w, "unknown message", http.StatusNotFound)
		return
	}

	groups, err := s.live.ToggleReaction(r.Context(), messageID, userID, body.Emoji)
	if err != nil {
		log.Printf("[api] toggle: %v", err)
		http.Error(w, "toggle failed", http.StatusInternalServerError)
		return
	}

	ev := protocol.ReactionEvent{MessageID: messageID, Reactions: groups}
	scope := protocol.General()
	if room != "" {
		scope = protocol.RoomScope(room)
	}
	s.relay.BroadcastReactions(scope, ev)
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	ok, err := s.live.CheckAccess(r.Context(), roomID, currentUser(r).ID)
	if err != nil {
		log.Printf("[api] access: %v", err)
		http.Error(w, "access check failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "room unavailable", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name, mimeType, data, err := s.live.GetFile(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrFileNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Printf("[api] file: %v", err)
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Write(data)
}

// currentUser derives identity from headers. The fixture trusts the caller;
// real authentication is the application server's job.
func currentUser(r *http.Request) backend.User {
	u := backend.User{
		ID:   r.Header.Get("X-User-ID"),
		Name: r.Header.Get("X-User-Name"),
		Role: r.Header.Get("X-User-Role"),
	}
	if u.ID == "" {
		u.ID = "anonymous"
	}
	if u.Name == "" {
		u.Name = "Anonymous"
	}
	return u
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}
