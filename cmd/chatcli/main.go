// chatcli is a terminal client for the chat core, mainly used to exercise
// the full stack against a running devserver.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hallway/chat-core/internal/audio"
	"github.com/hallway/chat-core/internal/backend"
	"github.com/hallway/chat-core/internal/conversation"
	"github.com/hallway/chat-core/internal/protocol"
	"github.com/hallway/chat-core/internal/store"
	"github.com/hallway/chat-core/internal/transport"
)

func main() {
	log.SetFlags(0)

	userID := "cli-" + uuid.NewString()[:8]
	if v := os.Getenv("USER_ID"); v != "" {
		userID = v
	}
	userName := "cli"
	if v := os.Getenv("USER_NAME"); v != "" {
		userName = v
	}

	backendConf := backend.DefaultConfig()
	backendConf.UserID = userID
	if v := os.Getenv("BACKEND_URL"); v != "" {
		backendConf.BaseURL = v
	}
	client := backend.New(backendConf)

	self := backend.User{ID: userID, Name: userName}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if u, err := client.CurrentUser(ctx); err == nil && u.ID != "" && u.ID != "anonymous" {
		self = *u
	}
	cancel()

	sessionConf := transport.DefaultConfig()
	sessionConf.Name = "chatcli-" + self.ID
	if v := os.Getenv("NATS_URL"); v != "" {
		sessionConf.URL = v
	}
	session := transport.NewSession(sessionConf)

	mic := audio.NewMicSource(audio.DefaultSampleRate)
	recorder := audio.NewRecorder(mic, audio.RecorderConfig{})

	scope := protocol.General()
	if v := os.Getenv("ROOM"); v != "" {
		scope = protocol.RoomScope(v)
	}

	var render renderer
	ctrl := conversation.New(conversation.Config{
		Self:     self,
		Scope:    scope,
		OnChange: func() {},
	}, session, client, recorder)
	render.ctrl = ctrl

	if err := ctrl.Join(context.Background()); err != nil {
		if ctrl.Blocked() {
			log.Fatalf("this conversation is no longer available")
		}
		log.Fatalf("join failed: %v", err)
	}
	defer ctrl.Leave()

	fmt.Printf("joined as %s (%s); /help for commands\n", self.Name, self.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctrl.Leave()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			render.show()
			continue
		}
		if !strings.HasPrefix(line, "/") {
			// Typing the line counts as keystrokes.
			for range line {
				ctrl.Keystroke()
			}
			if err := ctrl.SendText(line, ""); err != nil {
				fmt.Printf("! %v\n", err)
			}
			continue
		}
		if line == "/quit" {
			return
		}
		render.command(line)
	}
}

// renderer owns terminal output for one conversation.
type renderer struct {
	mu   sync.Mutex
	ctrl *conversation.Controller
}

func (r *renderer) show() {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.ctrl.Messages()
	for _, m := range msgs {
		r.printMessage(m)
	}
	if s := r.ctrl.TypingSummary(); s != "" {
		fmt.Printf("  %s...\n", s)
	}
	fmt.Printf("  %d here\n", r.ctrl.Participants())
}

func (r *renderer) printMessage(m store.Message) {
	var body string
	switch m.Kind {
	case protocol.KindText:
		body = m.Content
	case protocol.KindImage:
		body = "[image] " + fileName(m)
	case protocol.KindAudio:
		body = "[voice] " + fileName(m)
	}
	status := ""
	if m.Status != store.StatusDelivered && m.Status != store.StatusViewed {
		status = " (" + string(m.Status) + ")"
	}
	reply := ""
	if m.ReplyPreview != nil {
		reply = fmt.Sprintf(" ↳ %s: %.30s", m.ReplyPreview.SenderName, m.ReplyPreview.Content)
	}
	fmt.Printf("%s [%s] %s: %s%s%s\n",
		time.UnixMilli(m.CreatedAt.UnixMilli()).Format("15:04:05"),
		m.ID, m.SenderName, body, status, reply)
	for _, g := range m.Reactions {
		fmt.Printf("    %s ×%d\n", g.Emoji, g.Count)
	}
}

func (r *renderer) command(line string) {
	fields := strings.Fields(line)
	ctx := context.Background()

	switch fields[0] {
	case "/help":
		fmt.Println("/msgs /reply <id> <text> /react <id> <emoji> /file <path> /rec /stop /cancel /quit")

	case "/msgs":
		r.show()

	case "/reply":
		if len(fields) < 3 {
			fmt.Println("usage: /reply <id> <text>")
			return
		}
		if err := r.ctrl.SendText(strings.Join(fields[2:], " "), fields[1]); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case "/react":
		if len(fields) != 3 {
			fmt.Println("usage: /react <id> <emoji>")
			return
		}
		if err := r.ctrl.ToggleReaction(ctx, fields[1], fields[2]); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case "/file":
		if len(fields) != 2 {
			fmt.Println("usage: /file <path>")
			return
		}
		f, err := os.Open(fields[1])
		if err != nil {
			fmt.Printf("! %v\n", err)
			return
		}
		defer f.Close()
		name := filepath.Base(fields[1])
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if err := r.ctrl.SendFile(ctx, name, mimeType, f); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case "/rec":
		if err := r.ctrl.StartRecording(ctx); err != nil {
			fmt.Printf("! %v\n", err)
			return
		}
		fmt.Println("recording... /stop to send, /cancel to discard")

	case "/stop":
		if err := r.ctrl.StopRecording(ctx); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case "/cancel":
		if err := r.ctrl.CancelRecording(); err != nil {
			fmt.Printf("! %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
}

func fileName(m store.Message) string {
	if m.File == nil {
		return ""
	}
	return m.File.Name
}
