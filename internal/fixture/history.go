// Package fixture is the development backend the chat core talks to: a NATS
// relay that stamps and rebroadcasts client events, PostgreSQL message
// history, Redis live state (participants, reactions, uploaded files), and
// the HTTP API the client calls at its boundary. It stands in for the
// production application server during local development and load tests.
package fixture

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hallway/chat-core/internal/protocol"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// History persists displayable messages in PostgreSQL.
type History struct {
	db *sql.DB
}

// NewHistory creates a history store backed by the given database handle.
func NewHistory(db *sql.DB) *History {
	return &History{db: db}
}

// Migrate brings the schema up to date using the embedded migration files.
func (h *History) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("fixture: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(h.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("fixture: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("fixture: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("fixture: migrate up: %w", err)
	}
	return nil
}

// Insert stores one message. File and reply preview ride as JSONB so the
// schema does not chase the event shape.
func (h *History) Insert(ctx context.Context, ev protocol.MessageEvent) error {
	var fileJSON, previewJSON []byte
	var err error
	if ev.File != nil {
		if fileJSON, err = json.Marshal(ev.File); err != nil {
			return fmt.Errorf("fixture: marshal file ref: %w", err)
		}
	}
	if ev.ReplyPreview != nil {
		if previewJSON, err = json.Marshal(ev.ReplyPreview); err != nil {
			return fmt.Errorf("fixture: marshal reply preview: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, kind, content, sender_id, sender_name, sender_role, room, ts, file_ref, reply_to, reply_preview, spectrogram)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = h.db.ExecContext(ctx, query,
		ev.ID,
		string(ev.Kind),
		ev.Content,
		ev.SenderID,
		ev.SenderName,
		ev.SenderRole,
		ev.Room,
		ev.Ts,
		fileJSON,
		ev.ReplyTo,
		previewJSON,
		ev.Spectrogram,
	)
	if err != nil {
		return fmt.Errorf("fixture: insert message: %w", err)
	}
	return nil
}

// Room returns the room a message belongs to. The second return is false
// when the message is unknown.
func (h *History) Room(ctx context.Context, messageID string) (string, bool, error) {
	var room string
	err := h.db.QueryRowContext(ctx, `SELECT room FROM messages WHERE id = $1`, messageID).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fixture: lookup room: %w", err)
	}
	return room, true, nil
}

// Recent returns up to limit messages for a scope, oldest first.
func (h *History) Recent(ctx context.Context, scope protocol.Scope, limit int) ([]protocol.MessageEvent, error) {
	const query = `
		SELECT id, kind, content, sender_id, sender_name, sender_role, room, ts, file_ref, reply_to, reply_preview, spectrogram
		FROM messages
		WHERE room = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := h.db.QueryContext(ctx, query, scope.Room, limit)
	if err != nil {
		return nil, fmt.Errorf("fixture: query history: %w", err)
	}
	defer rows.Close()

	var out []protocol.MessageEvent
	for rows.Next() {
		var ev protocol.MessageEvent
		var kind string
		var fileJSON, previewJSON []byte
		if err := rows.Scan(&ev.ID, &kind, &ev.Content, &ev.SenderID, &ev.SenderName, &ev.SenderRole,
			&ev.Room, &ev.Ts, &fileJSON, &ev.ReplyTo, &previewJSON, &ev.Spectrogram); err != nil {
			return nil, fmt.Errorf("fixture: scan message: %w", err)
		}
		ev.Kind = protocol.Kind(kind)
		if len(fileJSON) > 0 {
			ev.File = &protocol.FileRef{}
			if err := json.Unmarshal(fileJSON, ev.File); err != nil {
				return nil, fmt.Errorf("fixture: unmarshal file ref: %w", err)
			}
		}
		if len(previewJSON) > 0 {
			ev.ReplyPreview = &protocol.ReplyPreview{}
			if err := json.Unmarshal(previewJSON, ev.ReplyPreview); err != nil {
				return nil, fmt.Errorf("fixture: unmarshal reply preview: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fixture: iterate history: %w", err)
	}

	// Query returns newest first for the LIMIT; callers want oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
