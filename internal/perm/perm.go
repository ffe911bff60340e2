// Package perm holds the authorization decisions consulted before a chat post,
// a deletion or a moderation action is accepted. Every function is pure: callers
// load ban/mute/admin facts and pass them in.
package perm

import (
	"sort"
	"strings"
	"time"
)

// Global capability strings.
const (
	Admin          = "admin"
	ManageUsers    = "manage_users"
	ManageRoles    = "manage_roles"
	DeleteMessages = "delete_messages"
	SendMessages   = "send_messages"
)

// Known lists every capability the server understands.
var Known = []string{Admin, ManageUsers, ManageRoles, DeleteMessages, SendMessages}

// Set is a flat set of capability strings.
type Set map[string]struct{}

// NewSet builds a Set from the given capabilities, dropping blanks.
func NewSet(caps ...string) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		s[c] = struct{}{}
	}
	return s
}

// Parse reads a comma-separated capability list as stored in the database.
func Parse(raw string) Set {
	return NewSet(strings.Split(raw, ",")...)
}

// Has reports whether the set holds capability c.
func (s Set) Has(c string) bool {
	_, ok := s[c]
	return ok
}

// Any reports whether the set holds at least one of caps.
func (s Set) Any(caps ...string) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// List returns the capabilities sorted.
func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// String serialises the set in its stored comma-separated form.
func (s Set) String() string {
	return strings.Join(s.List(), ",")
}

// IsKnown reports whether c is a capability the server understands.
func IsKnown(c string) bool {
	for _, k := range Known {
		if k == c {
			return true
		}
	}
	return false
}

// Mute is a send suppression. ChannelID "" means server-wide; Until nil means
// permanent.
type Mute struct {
	ChannelID string
	Until     *time.Time
}

// ActiveAt reports whether the mute is still in force at now.
func (m Mute) ActiveAt(now time.Time) bool {
	return m.Until == nil || m.Until.After(now)
}

// Matches reports whether the mute covers channelID.
func (m Mute) Matches(channelID string) bool {
	return m.ChannelID == "" || m.ChannelID == channelID
}

// Facts is what the caller knows about a user when they try to post.
type Facts struct {
	ServerID    string
	ChannelID   string
	UserID      int64
	Permissions Set
	Banned      bool
	Mutes       []Mute
}

// Denial explains why a send was refused.
type Denial int

const (
	DenyNone Denial = iota
	DenyBanned
	DenyMuted
)

func (d Denial) String() string {
	switch d {
	case DenyBanned:
		return "banned"
	case DenyMuted:
		return "muted"
	default:
		return "none"
	}
}

// SendDenial evaluates the send gate at now. A ban wins over everything,
// including admin capabilities.
func SendDenial(f Facts, now time.Time) Denial {
	if f.Banned {
		return DenyBanned
	}
	for _, m := range f.Mutes {
		if m.Matches(f.ChannelID) && m.ActiveAt(now) {
			return DenyMuted
		}
	}
	return DenyNone
}

// CanSend reports whether a post described by f is allowed at now.
// Every member may send by default.
func CanSend(f Facts, now time.Time) bool {
	return SendDenial(f, now) == DenyNone
}

// CanModerate is the single moderation gate used for ban, unban, mute, unmute
// and member-list visibility. It does not look at the target, so an admin may
// lift their own ban.
func CanModerate(isServerAdmin bool, perms Set) bool {
	return isServerAdmin || perms.Any(Admin, ManageUsers, DeleteMessages)
}

// CanDeleteMessage allows authors and moderators.
func CanDeleteMessage(isAuthor, canModerate bool) bool {
	return isAuthor || canModerate
}

// CanAssignRole gates changes to global capabilities.
func CanAssignRole(perms Set) bool {
	return perms.Any(ManageRoles, Admin)
}
