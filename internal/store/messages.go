package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Message is a persisted chat message. DisplayName and Avatar are the author's
// current profile when read back; AvatarAtPost is what it was when posted.
type Message struct {
	ID           int64
	ChannelID    string
	ServerID     string
	UserID       int64
	Username     string
	DisplayName  string
	Avatar       string
	AvatarAtPost string
	Content      string
	Timestamp    time.Time
}

// InsertMessage persists a chat message and returns it with its assigned ID.
func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if strings.TrimSpace(m.ChannelID) == "" || strings.TrimSpace(m.ServerID) == "" {
		return Message{}, fmt.Errorf("message channel and server are required")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	m.Timestamp = time.UnixMilli(m.Timestamp.UnixMilli()).UTC()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (channel_id, server_id, user_id, username, content, avatar_at_post, ts)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ChannelID, m.ServerID, m.UserID, m.Username, m.Content, m.AvatarAtPost, m.Timestamp.UnixMilli(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	slog.Debug("message persisted", "msg_id", m.ID, "channel_id", m.ChannelID, "user_id", m.UserID)
	return m, nil
}

const messageSelect = `
SELECT m.id, m.channel_id, m.server_id, m.user_id, m.username,
	COALESCE(u.display_name, ''), COALESCE(u.avatar, m.avatar_at_post), m.avatar_at_post, m.content, m.ts
FROM messages m LEFT JOIN users u ON u.id = m.user_id`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m  Message
		ts int64
	)
	if err := row.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.UserID, &m.Username,
		&m.DisplayName, &m.Avatar, &m.AvatarAtPost, &m.Content, &ts); err != nil {
		return Message{}, err
	}
	m.Timestamp = time.UnixMilli(ts).UTC()
	return m, nil
}

// RecentMessages returns up to limit most recent messages of a channel,
// oldest first, annotated with each author's current profile.
func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, messageSelect+`
WHERE m.channel_id = ?
ORDER BY m.ts DESC, m.id DESC
LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageByID loads one message.
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// DeleteMessage removes a message. It reports false when nothing was deleted.
func (s *Store) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return n > 0, nil
}
