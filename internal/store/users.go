package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/server/internal/perm"
)

// User is an account row.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	DisplayName  string
	Avatar       string
	Permissions  perm.Set
	CreatedAt    time.Time
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

const userColumns = `id, username, password_hash, display_name, avatar, permissions, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u       User
		perms   string
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Avatar, &perms, &created); err != nil {
		return User{}, err
	}
	u.Permissions = perm.Parse(perms)
	u.CreatedAt = time.UnixMilli(created).UTC()
	return u, nil
}

// CreateUser inserts a new account. A taken username yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if passwordHash == "" {
		return User{}, fmt.Errorf("password hash is required")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, now.UnixMilli(),
	)
	if err != nil {
		if isConstraint(err) {
			return User{}, fmt.Errorf("username %q: %w", username, ErrConflict)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	slog.Info("user created", "user_id", id, "username", username)
	return User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Permissions:  perm.NewSet(),
		CreatedAt:    time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// UserByID loads one account.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// UserByUsername loads one account by its case-insensitive username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// Users lists every account ordered by id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetAvatar stores the avatar reference shown next to the user's messages.
func (s *Store) SetAvatar(ctx context.Context, userID int64, avatar string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET avatar = ? WHERE id = ?`, avatar, userID)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	return nil
}

// SetDisplayName changes the user's display name. An empty name reverts to the
// username.
func (s *Store) SetDisplayName(ctx context.Context, userID int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET display_name = ? WHERE id = ?`, strings.TrimSpace(name), userID)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	return nil
}

// SetPermissions replaces the user's global capability set.
func (s *Store) SetPermissions(ctx context.Context, userID int64, perms perm.Set) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET permissions = ? WHERE id = ?`, perms.String(), userID)
	if err != nil {
		return fmt.Errorf("update permissions: %w", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	slog.Info("permissions updated", "user_id", userID, "permissions", perms.String())
	return nil
}
