// Package backend is the HTTP client for the application services the chat
// core calls into at its boundary: message-history fetch, binary upload,
// reaction toggles, room access validation, and current-user lookup.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hallway/chat-core/internal/protocol"
)

// ErrAccessDenied is returned by CheckAccess when the conversation is
// inactive and the current user holds no elevated privilege.
var ErrAccessDenied = errors.New("backend: access denied")

// HistoryLimit is the maximum number of messages a history fetch returns.
const HistoryLimit = 1000

// User identifies the operator of this client.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Config holds client settings. UserID, when set, is sent as the X-User-ID
// header so the server can attribute toggles and access checks.
type Config struct {
	BaseURL string
	Timeout time.Duration
	UserID  string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the application backend over HTTP.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// New creates a backend client.
func New(conf Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		userID:  conf.UserID,
		http:    &http.Client{Timeout: conf.Timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return req, nil
}

// History fetches up to limit most recent messages for a scope, ordered
// oldest first. Used once at conversation entry, not incrementally.
func (c *Client) History(ctx context.Context, scope protocol.Scope, limit int) ([]protocol.MessageEvent, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !scope.IsGeneral() {
		q.Set("room", scope.Room)
	}

	var body struct {
		Messages []protocol.MessageEvent `json:"messages"`
	}
	if err := c.getJSON(ctx, "/api/messages?"+q.Encode(), &body); err != nil {
		return nil, fmt.Errorf("backend: history: %w", err)
	}
	return body.Messages, nil
}

// Upload sends one binary as a multipart request and returns its file
// descriptor. For audio uploads the descriptor may carry a precomputed
// spectrogram preview.
func (c *Client) Upload(ctx context.Context, name, mimeType string, r io.Reader) (*protocol.FileRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("backend: upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("backend: upload: read payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("backend: upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("backend: upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("backend: upload: unexpected status %d", resp.StatusCode)
	}

	var ref protocol.FileRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("backend: upload: decode response: %w", err)
	}
	return &ref, nil
}

// ToggleReaction sends the toggle intent for one emoji on one message. The
// client never sends an explicit add/remove verb; the server decides from
// current membership and responds with the authoritative reaction set.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) ([]protocol.ReactionGroup, error) {
	payload, err := json.Marshal(map[string]string{"emoji": emoji})
	if err != nil {
		return nil, fmt.Errorf("backend: toggle reaction: %w", err)
	}

	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions/toggle"
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend: toggle reaction: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: toggle reaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: toggle reaction: unexpected status %d", resp.StatusCode)
	}

	var body protocol.ReactionEvent
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("backend: toggle reaction: decode response: %w", err)
	}
	return body.Reactions, nil
}

// CheckAccess confirms the room conversation is active or the current user
// holds elevated privilege. Denial is reported as ErrAccessDenied so the
// caller can present a blocked state instead of subscribing.
func (c *Client) CheckAccess(ctx context.Context, roomID string) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/access", nil)
	if err != nil {
		return fmt.Errorf("backend: check access: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: check access: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusForbidden, http.StatusNotFound:
		return ErrAccessDenied
	default:
		return fmt.Errorf("backend: check access: unexpected status %d", resp.StatusCode)
	}
}

// CurrentUser looks up the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "/api/me", &u); err != nil {
		return nil, fmt.Errorf("backend: current user: %w", err)
	}
	return &u, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
