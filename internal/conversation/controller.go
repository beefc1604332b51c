// Package conversation wires the transport session, message store, presence
// tracker, reaction synchronizer, and audio pipeline into one controller.
// All inbound events and user actions funnel through it; no other component
// talks to the transport directly.
package conversation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hallway/chat-core/internal/audio"
	"github.com/hallway/chat-core/internal/backend"
	"github.com/hallway/chat-core/internal/metrics"
	"github.com/hallway/chat-core/internal/presence"
	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/reactions"
	"github.com/hallway/chat-core/internal/store"
)

// ErrBlocked is returned by Join when room access was denied; the view
// presents a blocking error with guidance back to the conversation list.
var ErrBlocked = errors.New("conversation: access denied")

// Session is the transport surface the controller drives.
type Session interface {
	Connect() error
	Subscribe(subject string, handler func(data []byte)) error
	Publish(subject string, v interface{}) error
	Disconnect(leaveSubject string, leave interface{})
	Connected() bool
}

// API is the application-backend surface the controller calls into.
type API interface {
	History(ctx context.Context, scope protocol.Scope, limit int) ([]protocol.MessageEvent, error)
	Upload(ctx context.Context, name, mimeType string, r io.Reader) (*protocol.FileRef, error)
	CheckAccess(ctx context.Context, roomID string) error
	reactions.Toggler
}

// Config holds controller settings.
type Config struct {
	Self         backend.User
	Scope        protocol.Scope
	HistoryLimit int

	// OnChange is invoked after any state mutation so the view can
	// re-render. It runs on the event-dispatch goroutine and must not block.
	OnChange func()
}

// Controller coordinates one active conversation.
type Controller struct {
	conf    Config
	session Session
	api     API

	store    *store.Store
	tracker  *presence.Tracker
	notifier *presence.Notifier
	sync     *reactions.Synchronizer
	recorder *audio.Recorder

	mu           sync.Mutex
	joined       bool
	blocked      bool
	participants int
	inlineErr    string
}

// New creates a controller for the given scope. The recorder may be nil when
// the host has no capture device.
func New(conf Config, session Session, api API, recorder *audio.Recorder) *Controller {
	if conf.HistoryLimit <= 0 {
		conf.HistoryLimit = backend.HistoryLimit
	}

	c := &Controller{
		conf:     conf,
		session:  session,
		api:      api,
		store:    store.New(conf.Self.ID),
		tracker:  presence.NewTracker(conf.Self.ID),
		recorder: recorder,
	}
	c.sync = reactions.NewSynchronizer(c.store, api)
	c.notifier = presence.NewNotifier(presence.StopDelay, c.publishTyping)
	return c
}

// Join validates access, connects the shared session, subscribes to the
// scope's broadcast channels, loads history, and announces the local user.
func (c *Controller) Join(ctx context.Context) error {
	scope := c.conf.Scope

	if !scope.IsGeneral() {
		if err := c.api.CheckAccess(ctx, scope.Room); err != nil {
			if errors.Is(err, backend.ErrAccessDenied) {
				c.mu.Lock()
				c.blocked = true
				c.mu.Unlock()
				c.changed()
				return ErrBlocked
			}
			return fmt.Errorf("conversation: join: %w", err)
		}
	}

	if err := c.session.Connect(); err != nil {
		return fmt.Errorf("conversation: join: %w", err)
	}

	subs := map[string]func([]byte){
		scope.Subject(protocol.ChannelMessages):     c.handleMessage,
		scope.Subject(protocol.ChannelParticipants): c.handleParticipants,
		scope.Subject(protocol.ChannelTyping):       c.handleTyping,
		scope.Subject(protocol.ChannelReactions):    c.handleReaction,
	}
	for subject, handler := range subs {
		if err := c.session.Subscribe(subject, handler); err != nil {
			return fmt.Errorf("conversation: join: %w", err)
		}
	}

	history, err := c.api.History(ctx, scope, c.conf.HistoryLimit)
	if err != nil {
		// A gap in history is survivable; live traffic still flows.
		log.Printf("[conversation] history fetch failed: %v", err)
	} else {
		c.store.Load(history)
	}

	join := c.newEvent(protocol.KindJoin)
	if err := c.session.Publish(scope.Subject(protocol.ChannelJoin), join); err != nil {
		log.Printf("[conversation] join announce failed: %v", err)
	}
	metrics.EventsPublished.WithLabelValues(protocol.ChannelJoin).Inc()

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.changed()
	return nil
}

// Leave flushes any pending typing stop, emits the leave notification, and
// tears the session down.
func (c *Controller) Leave() {
	c.notifier.Stop()

	c.mu.Lock()
	joined := c.joined
	c.joined = false
	c.mu.Unlock()

	if !joined {
		return
	}

	leave := c.newEvent(protocol.KindLeave)
	c.session.Disconnect(c.conf.Scope.Subject(protocol.ChannelSend), leave)
}

// SendText appends an optimistic message and publishes it. Validation
// failures are returned; publish failures surface as failed status on the
// message, never as an error to the caller.
func (c *Controller) SendText(content, replyTo string) error {
	if err := protocol.ValidateContent(content); err != nil {
		return fmt.Errorf("conversation: send: %w", err)
	}
	c.notifier.Stop()

	m := store.Message{
		Kind:       protocol.KindText,
		Content:    content,
		SenderName: c.conf.Self.Name,
		SenderRole: c.conf.Self.Role,
		Room:       c.conf.Scope.Room,
		ReplyTo:    replyTo,
	}
	c.publishMessage(m)
	return nil
}

// SendFile uploads a binary and publishes a message referencing the
// returned descriptor. Upload failures are returned so the caller can keep
// the pending selection for retry.
func (c *Controller) SendFile(ctx context.Context, name, mimeType string, r io.Reader) error {
	ref, err := c.api.Upload(ctx, name, mimeType, r)
	if err != nil {
		c.setInlineError(fmt.Sprintf("upload of %s failed", name))
		return fmt.Errorf("conversation: send file: %w", err)
	}

	m := store.Message{
		Kind:        kindForMime(mimeType),
		SenderName:  c.conf.Self.Name,
		SenderRole:  c.conf.Self.Role,
		Room:        c.conf.Scope.Room,
		File:        ref,
		Spectrogram: ref.Spectrogram,
	}
	c.publishMessage(m)
	return nil
}

// StartRecording begins an audio capture session.
func (c *Controller) StartRecording(ctx context.Context) error {
	if c.recorder == nil {
		return errors.New("conversation: no capture device available")
	}
	return c.recorder.Start(ctx)
}

// StopRecording finalizes the capture, uploads the clip, and publishes an
// audio message carrying the rendered spectrogram.
func (c *Controller) StopRecording(ctx context.Context) error {
	if c.recorder == nil {
		return errors.New("conversation: no capture device available")
	}
	clip, err := c.recorder.Stop()
	if err != nil {
		return fmt.Errorf("conversation: stop recording: %w", err)
	}
	return c.sendClip(ctx, clip)
}

// CancelRecording tears the capture session down and discards the audio.
func (c *Controller) CancelRecording() error {
	if c.recorder == nil {
		return errors.New("conversation: no capture device available")
	}
	return c.recorder.Cancel()
}

// RecordingElapsed reports how long the active capture has been running.
func (c *Controller) RecordingElapsed() time.Duration {
	if c.recorder == nil {
		return 0
	}
	return c.recorder.Elapsed()
}

// ToggleReaction sends the local user's toggle intent for one emoji.
func (c *Controller) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if err := c.sync.Toggle(ctx, messageID, emoji); err != nil {
		return err
	}
	c.changed()
	return nil
}

// Keystroke records local typing activity and drives the throttled typing
// signals.
func (c *Controller) Keystroke() {
	c.notifier.Keystroke()
}

// MarkViewed advances a message to viewed.
func (c *Controller) MarkViewed(messageID string) {
	c.store.MarkViewed(messageID)
	c.changed()
}

// Messages returns the conversation in display order.
func (c *Controller) Messages() []store.Message {
	return c.store.Messages()
}

// TypingSummary renders the peers-typing indicator text.
func (c *Controller) TypingSummary() string {
	return c.tracker.Summary()
}

// Participants returns the scope's last broadcast participant count.
func (c *Controller) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participants
}

// Blocked reports whether room access was denied.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// InlineError returns the current inline failure text, or "".
func (c *Controller) InlineError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inlineErr
}

// ---------------------------------------------------------------------------
// outbound
// ---------------------------------------------------------------------------

// publishMessage appends optimistically and publishes. A publish exception
// marks the entry failed; it is never retried automatically, the user may
// resend by re-invoking send.
func (c *Controller) publishMessage(m store.Message) {
	id := c.store.AppendOptimistic(m)
	c.changed()

	stored, _ := c.store.Get(id)
	ev := protocol.MessageEvent{
		Kind:         stored.Kind,
		Content:      stored.Content,
		SenderID:     c.conf.Self.ID,
		SenderName:   stored.SenderName,
		SenderRole:   stored.SenderRole,
		Room:         stored.Room,
		Ts:           stored.CreatedAt.UnixMilli(),
		File:         stored.File,
		ReplyTo:      stored.ReplyTo,
		ReplyPreview: stored.ReplyPreview,
		Spectrogram:  stored.Spectrogram,
	}

	subject := c.conf.Scope.Subject(protocol.ChannelSend)
	if err := c.session.Publish(subject, ev); err != nil {
		log.Printf("[conversation] publish failed: %v", err)
		c.store.MarkFailed(id)
		metrics.SendFailures.Inc()
	} else {
		c.store.MarkSent(id)
		metrics.EventsPublished.WithLabelValues(protocol.ChannelSend).Inc()
	}
	c.changed()
}

func (c *Controller) sendClip(ctx context.Context, clip *audio.Clip) error {
	name := fmt.Sprintf("voice-%d.wav", time.Now().Unix())
	ref, err := c.api.Upload(ctx, name, "audio/wav", bytes.NewReader(clip.WAV))
	if err != nil {
		c.setInlineError("voice message upload failed")
		return fmt.Errorf("conversation: send recording: %w", err)
	}

	spectrogram := ref.Spectrogram
	if spectrogram == "" {
		spectrogram = "data:image/png;base64," + base64.StdEncoding.EncodeToString(clip.SpectrogramPNG)
	}

	m := store.Message{
		Kind:        protocol.KindAudio,
		SenderName:  c.conf.Self.Name,
		SenderRole:  c.conf.Self.Role,
		Room:        c.conf.Scope.Room,
		File:        ref,
		Spectrogram: spectrogram,
	}
	c.publishMessage(m)
	return nil
}

// publishTyping is the notifier's sink; start and stop ride their own
// channels so the server can relay without inspecting payloads.
func (c *Controller) publishTyping(typing bool) {
	channel := protocol.ChannelTypingStop
	if typing {
		channel = protocol.ChannelTypingStart
	}
	ev := protocol.TypingEvent{
		SenderID:   c.conf.Self.ID,
		SenderName: c.conf.Self.Name,
		Typing:     typing,
	}
	if err := c.session.Publish(c.conf.Scope.Subject(channel), ev); err != nil {
		log.Printf("[conversation] typing publish failed: %v", err)
		return
	}
	metrics.EventsPublished.WithLabelValues(channel).Inc()
}

func (c *Controller) newEvent(kind protocol.Kind) protocol.MessageEvent {
	return protocol.MessageEvent{
		Kind:       kind,
		SenderID:   c.conf.Self.ID,
		SenderName: c.conf.Self.Name,
		SenderRole: c.conf.Self.Role,
		Room:       c.conf.Scope.Room,
		Ts:         time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// inbound dispatch
// ---------------------------------------------------------------------------

func (c *Controller) handleMessage(data []byte) {
	metrics.EventsReceived.WithLabelValues(protocol.ChannelMessages).Inc()

	var ev protocol.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[conversation] bad message event: %v", err)
		return
	}

	// Join and leave are presence-only signals, never chat content. A
	// departing peer can no longer be typing.
	if !ev.Kind.Displayable() {
		if ev.Kind == protocol.KindLeave {
			c.tracker.ClearTyping(ev.SenderID)
			c.changed()
		}
		return
	}

	res := c.store.Reconcile(ev)
	metrics.Reconciliations.WithLabelValues(string(res)).Inc()
	c.tracker.ClearTyping(ev.SenderID)
	c.changed()
}

func (c *Controller) handleTyping(data []byte) {
	metrics.EventsReceived.WithLabelValues(protocol.ChannelTyping).Inc()

	var ev protocol.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[conversation] bad typing event: %v", err)
		return
	}
	if ev.Typing {
		c.tracker.SetTyping(ev.SenderID, ev.SenderName)
	} else {
		c.tracker.ClearTyping(ev.SenderID)
	}
	c.changed()
}

func (c *Controller) handleParticipants(data []byte) {
	metrics.EventsReceived.WithLabelValues(protocol.ChannelParticipants).Inc()

	var ev protocol.ParticipantsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[conversation] bad participants event: %v", err)
		return
	}
	c.mu.Lock()
	c.participants = ev.Count
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) handleReaction(data []byte) {
	metrics.EventsReceived.WithLabelValues(protocol.ChannelReactions).Inc()

	var ev protocol.ReactionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[conversation] bad reaction event: %v", err)
		return
	}
	c.sync.Apply(ev)
	c.changed()
}

func (c *Controller) setInlineError(msg string) {
	c.mu.Lock()
	c.inlineErr = msg
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) changed() {
	if c.conf.OnChange != nil {
		c.conf.OnChange()
	}
}

func kindForMime(mimeType string) protocol.Kind {
	if strings.HasPrefix(mimeType, "audio/") {
		return protocol.KindAudio
	}
	return protocol.KindImage
}
