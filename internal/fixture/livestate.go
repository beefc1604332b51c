package fixture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hallway/chat-core/internal/protocol"
)

// Redis key layout:
//
//	participants:<scope>        SET of user ids currently joined
//	reactions:<msg>:<emoji>     SET of user ids who reacted with emoji
//	reaction-emojis:<msg>       SET of emojis seen on the message
//	file:<id>                   HASH {mime, name, data}, expires after FileTTL
//	closed-rooms                SET of room ids whose conversation ended
//	room-blocked:<room>         SET of user ids barred from the room
const (
	participantsPrefix   = "participants:"
	reactionsPrefix      = "reactions:"
	reactionEmojisPrefix = "reaction-emojis:"
	filePrefix           = "file:"
	closedRoomsKey       = "closed-rooms"
	roomBlockedPrefix    = "room-blocked:"

	// FileTTL is how long uploaded blobs live; the fixture is not durable
	// object storage.
	FileTTL = 24 * time.Hour
)

// ErrFileNotFound is returned by GetFile for unknown or expired blobs.
var ErrFileNotFound = errors.New("fixture: file not found")

// LiveState keeps the volatile conversation state in Redis so several relay
// and API processes can share it.
type LiveState struct {
	client *redis.Client
}

// NewLiveState creates a live-state store using the provided Redis client.
func NewLiveState(client *redis.Client) *LiveState {
	return &LiveState{client: client}
}

func scopeKey(scope protocol.Scope) string {
	if scope.IsGeneral() {
		return "general"
	}
	return "room:" + scope.Room
}

// ---------------------------------------------------------------------------
// participants
// ---------------------------------------------------------------------------

// Join records a user in a scope and returns the new participant count.
// Joining twice is a no-op, so reconnects do not inflate the count.
func (s *LiveState) Join(ctx context.Context, scope protocol.Scope, userID string) (int, error) {
	key := participantsPrefix + scopeKey(scope)
	if err := s.client.SAdd(ctx, key, userID).Err(); err != nil {
		return 0, fmt.Errorf("fixture: join: %w", err)
	}
	return s.participantCount(ctx, key)
}

// Leave removes a user from a scope and returns the new participant count.
func (s *LiveState) Leave(ctx context.Context, scope protocol.Scope, userID string) (int, error) {
	key := participantsPrefix + scopeKey(scope)
	if err := s.client.SRem(ctx, key, userID).Err(); err != nil {
		return 0, fmt.Errorf("fixture: leave: %w", err)
	}
	return s.participantCount(ctx, key)
}

func (s *LiveState) participantCount(ctx context.Context, key string) (int, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("fixture: participant count: %w", err)
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// reactions
// ---------------------------------------------------------------------------

// ToggleReaction flips userID's membership in the emoji's reactor set and
// returns the complete reaction state for the message. The caller never says
// add or remove; current membership decides.
func (s *LiveState) ToggleReaction(ctx context.Context, messageID, userID, emoji string) ([]protocol.ReactionGroup, error) {
	memberKey := reactionsPrefix + messageID + ":" + emoji
	emojisKey := reactionEmojisPrefix + messageID

	isMember, err := s.client.SIsMember(ctx, memberKey, userID).Result()
	if err != nil {
		return nil, fmt.Errorf("fixture: toggle reaction: %w", err)
	}

	if isMember {
		if err := s.client.SRem(ctx, memberKey, userID).Err(); err != nil {
			return nil, fmt.Errorf("fixture: toggle reaction: %w", err)
		}
	} else {
		pipe := s.client.TxPipeline()
		pipe.SAdd(ctx, memberKey, userID)
		pipe.SAdd(ctx, emojisKey, emoji)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("fixture: toggle reaction: %w", err)
		}
	}

	return s.Reactions(ctx, messageID)
}

// Reactions returns the aggregate reaction state for a message, one group per
// emoji with at least one reactor, ordered by emoji for stable output.
func (s *LiveState) Reactions(ctx context.Context, messageID string) ([]protocol.ReactionGroup, error) {
	emojisKey := reactionEmojisPrefix + messageID
	emojis, err := s.client.SMembers(ctx, emojisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fixture: reactions: %w", err)
	}
	sort.Strings(emojis)

	var groups []protocol.ReactionGroup
	for _, emoji := range emojis {
		users, err := s.client.SMembers(ctx, reactionsPrefix+messageID+":"+emoji).Result()
		if err != nil {
			return nil, fmt.Errorf("fixture: reactions: %w", err)
		}
		if len(users) == 0 {
			// Last reactor removed; drop the emoji from the index.
			s.client.SRem(ctx, emojisKey, emoji)
			continue
		}
		sort.Strings(users)
		groups = append(groups, protocol.ReactionGroup{Emoji: emoji, Count: len(users), Users: users})
	}
	return groups, nil
}

// ---------------------------------------------------------------------------
// uploaded files
// ---------------------------------------------------------------------------

// PutFile stores an uploaded blob under the given id with a TTL.
func (s *LiveState) PutFile(ctx context.Context, id, name, mimeType string, data []byte) error {
	key := filePrefix + id
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "name", name, "mime", mimeType, "data", data)
	pipe.Expire(ctx, key, FileTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fixture: put file: %w", err)
	}
	return nil
}

// GetFile fetches a stored blob. Unknown ids return ErrFileNotFound.
func (s *LiveState) GetFile(ctx context.Context, id string) (name, mimeType string, data []byte, err error) {
	vals, err := s.client.HGetAll(ctx, filePrefix+id).Result()
	if err != nil {
		return "", "", nil, fmt.Errorf("fixture: get file: %w", err)
	}
	if len(vals) == 0 {
		return "", "", nil, ErrFileNotFound
	}
	return vals["name"], vals["mime"], []byte(vals["data"]), nil
}

// ---------------------------------------------------------------------------
// room access
// ---------------------------------------------------------------------------

// CloseRoom marks a room's conversation as ended. Subsequent access checks
// for non-privileged users are denied.
func (s *LiveState) CloseRoom(ctx context.Context, roomID string) error {
	return s.client.SAdd(ctx, closedRoomsKey, roomID).Err()
}

// ReopenRoom clears the closed flag.
func (s *LiveState) ReopenRoom(ctx context.Context, roomID string) error {
	return s.client.SRem(ctx, closedRoomsKey, roomID).Err()
}

// BlockUser bars one user from one room.
func (s *LiveState) BlockUser(ctx context.Context, roomID, userID string) error {
	return s.client.SAdd(ctx, roomBlockedPrefix+roomID, userID).Err()
}

// CheckAccess reports whether userID may enter the room. Closed rooms and
// per-room blocks both deny.
func (s *LiveState) CheckAccess(ctx context.Context, roomID, userID string) (bool, error) {
	closed, err := s.client.SIsMember(ctx, closedRoomsKey, roomID).Result()
	if err != nil {
		return false, fmt.Errorf("fixture: check access: %w", err)
	}
	if closed {
		return false, nil
	}
	blocked, err := s.client.SIsMember(ctx, roomBlockedPrefix+roomID, userID).Result()
	if err != nil {
		return false, fmt.Errorf("fixture: check access: %w", err)
	}
	return !blocked, nil
}
