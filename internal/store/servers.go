package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Channel types.
const (
	ChannelText  = "TEXT"
	ChannelVoice = "VOICE"
)

// Server is a community grouping channels.
type Server struct {
	ID       string
	Name     string
	Icon     string
	Position int
	Channels []Channel
}

// Channel is a text or voice channel inside a server.
type Channel struct {
	ID       string
	ServerID string
	Name     string
	Type     string
	Position int
}

// IsVoice reports whether the channel is a voice channel.
func (c Channel) IsVoice() bool { return c.Type == ChannelVoice }

// Membership links a user to a server.
type Membership struct {
	ServerID string
	UserID   int64
	IsAdmin  bool
	JoinedAt time.Time
}

// Member is a membership joined with the user profile and moderation state.
type Member struct {
	UserID      int64
	Username    string
	DisplayName string
	Avatar      string
	IsAdmin     bool
	Banned      bool
	Muted       bool
	JoinedAt    time.Time
}

// UpsertServers creates or updates the given servers and their channels in one
// transaction. Positions follow slice order. Existing rows not mentioned are
// left alone.
func (s *Store) UpsertServers(ctx context.Context, servers []Server) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert servers: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, srv := range servers {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO servers (id, name, icon, position) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, icon = excluded.icon, position = excluded.position`,
			srv.ID, srv.Name, srv.Icon, i,
		); err != nil {
			return fmt.Errorf("upsert server %s: %w", srv.ID, err)
		}
		for j, ch := range srv.Channels {
			if ch.Type != ChannelText && ch.Type != ChannelVoice {
				return fmt.Errorf("channel %s: unknown type %q", ch.ID, ch.Type)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO channels (id, server_id, name, type, position) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET server_id = excluded.server_id, name = excluded.name,
	type = excluded.type, position = excluded.position`,
				ch.ID, srv.ID, ch.Name, ch.Type, j,
			); err != nil {
				return fmt.Errorf("upsert channel %s: %w", ch.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert servers: %w", err)
	}
	slog.Info("servers seeded", "count", len(servers))
	return nil
}

// ServerCount returns the number of servers.
func (s *Store) ServerCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers`).Scan(&n)
	return n, err
}

// Servers returns every server with its channels, both ordered by position.
func (s *Store) Servers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, icon, position FROM servers ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	var servers []Server
	index := make(map[string]int)
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.Icon, &srv.Position); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan server: %w", err)
		}
		index[srv.ID] = len(servers)
		servers = append(servers, srv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chRows, err := s.db.QueryContext(ctx, `SELECT id, server_id, name, type, position FROM channels ORDER BY server_id, position, id`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var ch Channel
		if err := chRows.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Type, &ch.Position); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if i, ok := index[ch.ServerID]; ok {
			servers[i].Channels = append(servers[i].Channels, ch)
		}
	}
	return servers, chRows.Err()
}

// ServerByID loads one server without its channels.
func (s *Store) ServerByID(ctx context.Context, id string) (Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx, `SELECT id, name, icon, position FROM servers WHERE id = ?`, id).
		Scan(&srv.ID, &srv.Name, &srv.Icon, &srv.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Server{}, fmt.Errorf("query server: %w", err)
	}
	return srv, nil
}

// ChannelByID resolves a channel and its owning server.
func (s *Store) ChannelByID(ctx context.Context, id string) (Channel, error) {
	var ch Channel
	err := s.db.QueryRowContext(ctx, `SELECT id, server_id, name, type, position FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Type, &ch.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// EnsureMember creates the (server, user) membership if it is missing.
func (s *Store) EnsureMember(ctx context.Context, serverID string, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO server_members (server_id, user_id, joined_at) VALUES (?, ?, ?)`,
		serverID, userID, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure member: %w", err)
	}
	return nil
}

// EnsureAllMemberships makes the user a member of every server.
func (s *Store) EnsureAllMemberships(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO server_members (server_id, user_id, joined_at) SELECT id, ?, ? FROM servers`,
		userID, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure memberships: %w", err)
	}
	return nil
}

// SetServerAdmin grants or revokes per-server admin, creating the membership
// when needed.
func (s *Store) SetServerAdmin(ctx context.Context, serverID string, userID int64, admin bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO server_members (server_id, user_id, is_admin, joined_at) VALUES (?, ?, ?, ?)
ON CONFLICT(server_id, user_id) DO UPDATE SET is_admin = excluded.is_admin`,
		serverID, userID, admin, s.now().UnixMilli(),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("server %s user %d: %w", serverID, userID, ErrNotFound)
		}
		return fmt.Errorf("set server admin: %w", err)
	}
	return nil
}

// IsServerAdmin reports whether the user administers the server.
func (s *Store) IsServerAdmin(ctx context.Context, serverID string, userID int64) (bool, error) {
	var admin bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_admin FROM server_members WHERE server_id = ? AND user_id = ?`, serverID, userID,
	).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return admin, nil
}

// Members lists the server's members with their moderation state at now.
func (s *Store) Members(ctx context.Context, serverID string, now time.Time) ([]Member, error) {
	nowMS := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.username, u.display_name, u.avatar, m.is_admin, m.joined_at,
	EXISTS (SELECT 1 FROM bans b WHERE b.server_id = m.server_id AND b.user_id = u.id
		AND (b.until IS NULL OR b.until > ?)),
	EXISTS (SELECT 1 FROM mutes x WHERE x.server_id = m.server_id AND x.user_id = u.id
		AND (x.until IS NULL OR x.until > ?))
FROM server_members m JOIN users u ON u.id = m.user_id
WHERE m.server_id = ?
ORDER BY u.username`, nowMS, nowMS, serverID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var (
			m      Member
			joined int64
		)
		if err := rows.Scan(&m.UserID, &m.Username, &m.DisplayName, &m.Avatar, &m.IsAdmin, &joined, &m.Banned, &m.Muted); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = time.UnixMilli(joined).UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}
