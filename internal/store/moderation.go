package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/server/internal/perm"
)

// Ban excludes a user from a server. Until nil means permanent.
type Ban struct {
	ServerID  string
	UserID    int64
	Reason    string
	BannedBy  int64
	Until     *time.Time
	CreatedAt time.Time
}

// ActiveAt reports whether the ban is in force at now.
func (b Ban) ActiveAt(now time.Time) bool {
	return b.Until == nil || b.Until.After(now)
}

// Mute suppresses sending in one channel, or server-wide when ChannelID is "".
type Mute struct {
	ID        int64
	ServerID  string
	ChannelID string
	UserID    int64
	Reason    string
	MutedBy   int64
	Until     *time.Time
	CreatedAt time.Time
}

// PutBan records a ban, replacing any existing ban for the same pair.
func (s *Store) PutBan(ctx context.Context, b Ban) (Ban, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bans (server_id, user_id, reason, banned_by, until, created_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(server_id, user_id) DO UPDATE SET reason = excluded.reason, banned_by = excluded.banned_by,
	until = excluded.until, created_at = excluded.created_at`,
		b.ServerID, b.UserID, b.Reason, b.BannedBy, nullableMillis(b.Until), b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err) {
			return Ban{}, fmt.Errorf("ban server %s user %d: %w", b.ServerID, b.UserID, ErrNotFound)
		}
		return Ban{}, fmt.Errorf("insert ban: %w", err)
	}
	slog.Info("user banned", "server_id", b.ServerID, "user_id", b.UserID, "by", b.BannedBy)
	return b, nil
}

// DeleteBan lifts a ban. ErrNotFound when there was none.
func (s *Store) DeleteBan(ctx context.Context, serverID string, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE server_id = ? AND user_id = ?`, serverID, userID)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return fmt.Errorf("ban server %s user %d: %w", serverID, userID, err)
	}
	return nil
}

// Bans lists every ban row of a server, expired ones included.
func (s *Store) Bans(ctx context.Context, serverID string) ([]Ban, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT server_id, user_id, reason, banned_by, until, created_at
FROM bans WHERE server_id = ? ORDER BY created_at DESC, user_id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var (
			b       Ban
			until   sql.NullInt64
			created int64
		)
		if err := rows.Scan(&b.ServerID, &b.UserID, &b.Reason, &b.BannedBy, &until, &created); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		b.Until = timeFromNullable(until)
		b.CreatedAt = time.UnixMilli(created).UTC()
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// IsBanned reports whether an unexpired ban exists at now.
func (s *Store) IsBanned(ctx context.Context, serverID string, userID int64, now time.Time) (bool, error) {
	var until sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT until FROM bans WHERE server_id = ? AND user_id = ?`, serverID, userID,
	).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query ban: %w", err)
	}
	return Ban{Until: timeFromNullable(until)}.ActiveAt(now), nil
}

// PutMute records a mute, replacing an existing one for the same
// (server, channel, user).
func (s *Store) PutMute(ctx context.Context, m Mute) (Mute, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO mutes (server_id, channel_id, user_id, reason, muted_by, until, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(server_id, channel_id, user_id) DO UPDATE SET reason = excluded.reason,
	muted_by = excluded.muted_by, until = excluded.until, created_at = excluded.created_at
RETURNING id`,
		m.ServerID, m.ChannelID, m.UserID, m.Reason, m.MutedBy, nullableMillis(m.Until), m.CreatedAt.UnixMilli(),
	).Scan(&m.ID)
	if err != nil {
		if isConstraint(err) {
			return Mute{}, fmt.Errorf("mute server %s user %d: %w", m.ServerID, m.UserID, ErrNotFound)
		}
		return Mute{}, fmt.Errorf("insert mute: %w", err)
	}
	slog.Info("user muted", "server_id", m.ServerID, "channel_id", m.ChannelID, "user_id", m.UserID, "by", m.MutedBy)
	return m, nil
}

// DeleteMute lifts the mute on (server, channel, user). ErrNotFound when there
// was none.
func (s *Store) DeleteMute(ctx context.Context, serverID, channelID string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutes WHERE server_id = ? AND channel_id = ? AND user_id = ?`, serverID, channelID, userID)
	if err != nil {
		return fmt.Errorf("delete mute: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return fmt.Errorf("mute server %s channel %q user %d: %w", serverID, channelID, userID, err)
	}
	return nil
}

func (s *Store) queryMutes(ctx context.Context, q string, args ...any) ([]Mute, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutes: %w", err)
	}
	defer rows.Close()

	var mutes []Mute
	for rows.Next() {
		var (
			m       Mute
			until   sql.NullInt64
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ServerID, &m.ChannelID, &m.UserID, &m.Reason, &m.MutedBy, &until, &created); err != nil {
			return nil, fmt.Errorf("scan mute: %w", err)
		}
		m.Until = timeFromNullable(until)
		m.CreatedAt = time.UnixMilli(created).UTC()
		mutes = append(mutes, m)
	}
	return mutes, rows.Err()
}

const muteColumns = `id, server_id, channel_id, user_id, reason, muted_by, until, created_at`

// Mutes lists every mute row of a server, expired ones included.
func (s *Store) Mutes(ctx context.Context, serverID string) ([]Mute, error) {
	return s.queryMutes(ctx, `SELECT `+muteColumns+` FROM mutes WHERE server_id = ? ORDER BY id`, serverID)
}

// UserMutes lists the user's mutes in a server, expired ones included.
func (s *Store) UserMutes(ctx context.Context, serverID string, userID int64) ([]Mute, error) {
	return s.queryMutes(ctx, `SELECT `+muteColumns+` FROM mutes WHERE server_id = ? AND user_id = ? ORDER BY id`, serverID, userID)
}

// SendFacts collects what the send gate needs about userID posting to
// channelID at now. Ban and mute rows are read at call time.
func (s *Store) SendFacts(ctx context.Context, serverID, channelID string, userID int64, now time.Time) (perm.Facts, error) {
	u, err := s.UserByID(ctx, userID)
	if err != nil {
		return perm.Facts{}, err
	}
	banned, err := s.IsBanned(ctx, serverID, userID, now)
	if err != nil {
		return perm.Facts{}, err
	}
	mutes, err := s.UserMutes(ctx, serverID, userID)
	if err != nil {
		return perm.Facts{}, err
	}
	facts := perm.Facts{
		ServerID:    serverID,
		ChannelID:   channelID,
		UserID:      userID,
		Permissions: u.Permissions,
		Banned:      banned,
	}
	for _, m := range mutes {
		facts.Mutes = append(facts.Mutes, perm.Mute{ChannelID: m.ChannelID, Until: m.Until})
	}
	return facts, nil
}

// PurgeExpired deletes bans and mutes whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (bans, mutes int64, err error) {
	nowMS := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE until IS NOT NULL AND until <= ?`, nowMS)
	if err != nil {
		return 0, 0, fmt.Errorf("purge bans: %w", err)
	}
	bans, _ = res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM mutes WHERE until IS NOT NULL AND until <= ?`, nowMS)
	if err != nil {
		return bans, 0, fmt.Errorf("purge mutes: %w", err)
	}
	mutes, _ = res.RowsAffected()
	return bans, mutes, nil
}

// Audit actions.
const (
	AuditBan            = "ban"
	AuditUnban          = "unban"
	AuditMute           = "mute"
	AuditUnmute         = "unmute"
	AuditDeleteMessage  = "delete_message"
	AuditSetPermissions = "set_permissions"
	AuditSetServerAdmin = "set_server_admin"
)

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	ServerID  string
	ActorID   int64
	Action    string
	Target    string
	Details   map[string]any
	CreatedAt time.Time
}

// InsertAudit records a moderation action. The table is capped at the most
// recent maxAuditEntries rows.
func (s *Store) InsertAudit(ctx context.Context, e AuditEntry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (server_id, actor_id, action, target, details_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ServerID, e.ActorID, e.Action, e.Target, string(details), s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`, maxAuditEntries)
	return err
}

// AuditLog returns entries most recent first. An empty action returns all.
func (s *Store) AuditLog(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, server_id, actor_id, action, target, details_json, created_at FROM audit_log
WHERE ? = '' OR action = ? ORDER BY id DESC LIMIT ?`, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			details string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &e.ActorID, &e.Action, &e.Target, &details, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
