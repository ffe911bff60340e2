package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"parley/server/internal/perm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedServers(t *testing.T, st *Store) {
	t.Helper()
	err := st.UpsertServers(context.Background(), []Server{
		{ID: "1", Name: "Lab", Channels: []Channel{
			{ID: "c1", Name: "general", Type: ChannelText},
			{ID: "v1", Name: "Lounge", Type: ChannelVoice},
		}},
		{ID: "2", Name: "Tech", Channels: []Channel{
			{ID: "c3", Name: "tech-talk", Type: ChannelText},
		}},
	})
	if err != nil {
		t.Fatalf("seed servers: %v", err)
	}
}

func mustUser(t *testing.T, st *Store, name string) User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), name, "hash-"+name)
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func TestMigrationsAreRecorded(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	v, err := st.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), v)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.CreateUser(context.Background(), "alice", "h"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	_ = st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, err := st.UserByUsername(context.Background(), "alice"); err != nil {
		t.Fatalf("user lost across reopen: %v", err)
	}
}

func TestCreateUserConflict(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	mustUser(t, st, "alice")
	if _, err := st.CreateUser(ctx, "ALICE", "h"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for case-insensitive duplicate, got %v", err)
	}
	if _, err := st.UserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProfileUpdates(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, st, "alice")

	if err := st.SetAvatar(ctx, u.ID, "/blobs/abc"); err != nil {
		t.Fatalf("set avatar: %v", err)
	}
	if err := st.SetDisplayName(ctx, u.ID, "  Alice A.  "); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	if err := st.SetPermissions(ctx, u.ID, perm.NewSet(perm.ManageUsers, perm.Admin)); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	got, err := st.UserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if got.Avatar != "/blobs/abc" || got.Name() != "Alice A." {
		t.Fatalf("unexpected profile: %#v", got)
	}
	if diff := cmp.Diff([]string{perm.Admin, perm.ManageUsers}, got.Permissions.List()); diff != "" {
		t.Fatalf("permissions mismatch (-want +got):\n%s", diff)
	}
	if err := st.SetAvatar(ctx, 999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestServersWithChannels(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	// Re-seeding is idempotent.
	seedServers(t, st)

	servers, err := st.Servers(ctx)
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	want := []Server{
		{ID: "1", Name: "Lab", Position: 0, Channels: []Channel{
			{ID: "c1", ServerID: "1", Name: "general", Type: ChannelText, Position: 0},
			{ID: "v1", ServerID: "1", Name: "Lounge", Type: ChannelVoice, Position: 1},
		}},
		{ID: "2", Name: "Tech", Position: 1, Channels: []Channel{
			{ID: "c3", ServerID: "2", Name: "tech-talk", Type: ChannelText, Position: 0},
		}},
	}
	if diff := cmp.Diff(want, servers); diff != "" {
		t.Fatalf("servers mismatch (-want +got):\n%s", diff)
	}

	ch, err := st.ChannelByID(ctx, "v1")
	if err != nil {
		t.Fatalf("channel by id: %v", err)
	}
	if !ch.IsVoice() || ch.ServerID != "1" {
		t.Fatalf("unexpected channel: %#v", ch)
	}
	if _, err := st.ChannelByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.UpsertServers(ctx, []Server{{ID: "3", Name: "Bad", Channels: []Channel{{ID: "x", Name: "x", Type: "VIDEO"}}}}); err == nil {
		t.Fatal("expected error for unknown channel type")
	}
}

func TestMembershipAndMembers(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	alice := mustUser(t, st, "alice")
	bob := mustUser(t, st, "bob")

	if err := st.EnsureAllMemberships(ctx, alice.ID); err != nil {
		t.Fatalf("ensure all memberships: %v", err)
	}
	if err := st.EnsureMember(ctx, "1", bob.ID); err != nil {
		t.Fatalf("ensure member: %v", err)
	}
	if err := st.EnsureMember(ctx, "1", bob.ID); err != nil {
		t.Fatalf("ensure member twice: %v", err)
	}
	if err := st.SetServerAdmin(ctx, "1", alice.ID, true); err != nil {
		t.Fatalf("set server admin: %v", err)
	}

	isAdmin, err := st.IsServerAdmin(ctx, "1", alice.ID)
	if err != nil || !isAdmin {
		t.Fatalf("expected alice to be admin, got %v %v", isAdmin, err)
	}
	isAdmin, err = st.IsServerAdmin(ctx, "2", bob.ID)
	if err != nil || isAdmin {
		t.Fatalf("non-member should not be admin, got %v %v", isAdmin, err)
	}

	now := time.Now()
	if _, err := st.PutBan(ctx, Ban{ServerID: "1", UserID: bob.ID, BannedBy: alice.ID}); err != nil {
		t.Fatalf("put ban: %v", err)
	}
	members, err := st.Members(ctx, "1", now)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	want := []Member{
		{UserID: alice.ID, Username: "alice", IsAdmin: true},
		{UserID: bob.ID, Username: "bob", Banned: true},
	}
	if diff := cmp.Diff(want, members, cmpopts.IgnoreFields(Member{}, "JoinedAt")); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestBanLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	bob := mustUser(t, st, "bob")
	now := time.Now()
	soon := now.Add(time.Minute)

	if _, err := st.PutBan(ctx, Ban{ServerID: "1", UserID: bob.ID, Reason: "spam", Until: &soon}); err != nil {
		t.Fatalf("put ban: %v", err)
	}
	// Re-banning replaces the row.
	if _, err := st.PutBan(ctx, Ban{ServerID: "1", UserID: bob.ID, Reason: "again"}); err != nil {
		t.Fatalf("re-ban: %v", err)
	}
	bans, err := st.Bans(ctx, "1")
	if err != nil {
		t.Fatalf("bans: %v", err)
	}
	if len(bans) != 1 || bans[0].Reason != "again" || bans[0].Until != nil {
		t.Fatalf("expected one permanent ban, got %#v", bans)
	}

	banned, err := st.IsBanned(ctx, "1", bob.ID, now)
	if err != nil || !banned {
		t.Fatalf("expected banned, got %v %v", banned, err)
	}
	banned, err = st.IsBanned(ctx, "2", bob.ID, now)
	if err != nil || banned {
		t.Fatalf("ban must be scoped to its server, got %v %v", banned, err)
	}

	if err := st.DeleteBan(ctx, "1", bob.ID); err != nil {
		t.Fatalf("delete ban: %v", err)
	}
	if err := st.DeleteBan(ctx, "1", bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second unban, got %v", err)
	}
	if _, err := st.PutBan(ctx, Ban{ServerID: "1", UserID: 404}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound banning unknown user, got %v", err)
	}
}

func TestExpiredBanIsInactive(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	bob := mustUser(t, st, "bob")
	now := time.Now()
	past := now.Add(-time.Minute)

	if _, err := st.PutBan(ctx, Ban{ServerID: "1", UserID: bob.ID, Until: &past}); err != nil {
		t.Fatalf("put ban: %v", err)
	}
	banned, err := st.IsBanned(ctx, "1", bob.ID, now)
	if err != nil || banned {
		t.Fatalf("expired ban should be inactive, got %v %v", banned, err)
	}
}

func TestSendFactsAndGate(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	bob := mustUser(t, st, "bob")
	now := time.Now()
	past := now.Add(-time.Second)

	if _, err := st.PutMute(ctx, Mute{ServerID: "1", ChannelID: "c1", UserID: bob.ID}); err != nil {
		t.Fatalf("put mute: %v", err)
	}
	if _, err := st.PutMute(ctx, Mute{ServerID: "2", UserID: bob.ID, Until: &past}); err != nil {
		t.Fatalf("put expired mute: %v", err)
	}

	tests := []struct {
		server, channel string
		want            perm.Denial
	}{
		{"1", "c1", perm.DenyMuted},
		{"1", "v1", perm.DenyNone},
		{"2", "c3", perm.DenyNone},
	}
	for _, tt := range tests {
		facts, err := st.SendFacts(ctx, tt.server, tt.channel, bob.ID, now)
		if err != nil {
			t.Fatalf("send facts: %v", err)
		}
		if got := perm.SendDenial(facts, now); got != tt.want {
			t.Fatalf("%s/%s: expected %s, got %s", tt.server, tt.channel, tt.want, got)
		}
	}

	if _, err := st.PutBan(ctx, Ban{ServerID: "2", UserID: bob.ID}); err != nil {
		t.Fatalf("put ban: %v", err)
	}
	facts, err := st.SendFacts(ctx, "2", "c3", bob.ID, now)
	if err != nil {
		t.Fatalf("send facts: %v", err)
	}
	if got := perm.SendDenial(facts, now); got != perm.DenyBanned {
		t.Fatalf("expected banned, got %s", got)
	}
}

func TestMuteLifecycleAndPurge(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	bob := mustUser(t, st, "bob")
	now := time.Now()
	past := now.Add(-time.Minute)

	first, err := st.PutMute(ctx, Mute{ServerID: "1", UserID: bob.ID, Reason: "loud"})
	if err != nil {
		t.Fatalf("put mute: %v", err)
	}
	second, err := st.PutMute(ctx, Mute{ServerID: "1", UserID: bob.ID, Reason: "still loud", Until: &past})
	if err != nil {
		t.Fatalf("replace mute: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replacing a mute should keep its row, got ids %d and %d", first.ID, second.ID)
	}
	if _, err := st.PutMute(ctx, Mute{ServerID: "1", ChannelID: "c1", UserID: bob.ID}); err != nil {
		t.Fatalf("put channel mute: %v", err)
	}

	mutes, err := st.Mutes(ctx, "1")
	if err != nil {
		t.Fatalf("mutes: %v", err)
	}
	if len(mutes) != 2 {
		t.Fatalf("expected 2 mutes, got %d", len(mutes))
	}

	bans, purgedMutes, err := st.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if bans != 0 || purgedMutes != 1 {
		t.Fatalf("expected 0 bans and 1 mute purged, got %d %d", bans, purgedMutes)
	}
	if err := st.DeleteMute(ctx, "1", "c1", bob.ID); err != nil {
		t.Fatalf("delete mute: %v", err)
	}
	if err := st.DeleteMute(ctx, "1", "c1", bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessagesHistoryOrderAndProfile(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	alice := mustUser(t, st, "alice")
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i, content := range []string{"one", "two", "three"} {
		_, err := st.InsertMessage(ctx, Message{
			ChannelID:    "c1",
			ServerID:     "1",
			UserID:       alice.ID,
			Username:     alice.Username,
			AvatarAtPost: "/old.png",
			Content:      content,
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}
	if err := st.SetAvatar(ctx, alice.ID, "/new.png"); err != nil {
		t.Fatalf("set avatar: %v", err)
	}

	msgs, err := st.RecentMessages(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
		if m.Avatar != "/new.png" || m.AvatarAtPost != "/old.png" {
			t.Fatalf("expected current avatar annotation, got %#v", m)
		}
	}
	if diff := cmp.Diff([]string{"two", "three"}, contents); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	got, err := st.MessageByID(ctx, msgs[0].ID)
	if err != nil {
		t.Fatalf("message by id: %v", err)
	}
	if !got.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected timestamp %s", got.Timestamp)
	}

	deleted, err := st.DeleteMessage(ctx, got.ID)
	if err != nil || !deleted {
		t.Fatalf("delete message: %v %v", deleted, err)
	}
	deleted, err = st.DeleteMessage(ctx, got.ID)
	if err != nil || deleted {
		t.Fatalf("second delete should report false, got %v %v", deleted, err)
	}
	if _, err := st.MessageByID(ctx, got.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateBlobAndLookup(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	in := BlobMetadata{
		ID:           "35e748f1-45ef-4f12-b5e3-f17fe80326b0",
		Kind:         "avatar",
		OwnerID:      7,
		OriginalName: "me.png",
		ContentType:  "image/png",
		DiskName:     "35e748f1-45ef-4f12-b5e3-f17fe80326b0",
		SizeBytes:    42,
		CreatedAt:    time.UnixMilli(1_700_000_000_000).UTC(),
	}
	if err := st.CreateBlob(ctx, in); err != nil {
		t.Fatalf("create blob metadata: %v", err)
	}
	got, err := st.BlobByID(ctx, in.ID)
	if err != nil {
		t.Fatalf("lookup blob metadata: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("blob mismatch (-want +got):\n%s", diff)
	}
	if err := st.CreateBlob(ctx, in); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate blob, got %v", err)
	}
	if err := st.DeleteBlob(ctx, in.ID); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	if _, err := st.BlobByID(ctx, in.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditLog(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.InsertAudit(ctx, AuditEntry{ServerID: "1", ActorID: 1, Action: AuditBan, Target: "2",
		Details: map[string]any{"reason": "spam"}}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if err := st.InsertAudit(ctx, AuditEntry{ServerID: "1", ActorID: 1, Action: AuditDeleteMessage, Target: "9"}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}

	all, err := st.AuditLog(ctx, "", 10)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(all) != 2 || all[0].Action != AuditDeleteMessage {
		t.Fatalf("expected most recent first, got %#v", all)
	}
	bans, err := st.AuditLog(ctx, AuditBan, 10)
	if err != nil {
		t.Fatalf("audit log filtered: %v", err)
	}
	if len(bans) != 1 || bans[0].Details["reason"] != "spam" {
		t.Fatalf("unexpected filtered audit log: %#v", bans)
	}
}

func TestBackupAndStats(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	mustUser(t, st, "alice")

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := st.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	copyStore, err := Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()

	stats, err := copyStore.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Users: 1, Servers: 2, Channels: 3}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentMessageInserts(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	seedServers(t, st)
	alice := mustUser(t, st, "alice")

	const writers, each = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := st.InsertMessage(ctx, Message{ChannelID: "c1", ServerID: "1", UserID: alice.ID, Username: "alice", Content: "x"}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert: %v", err)
	}
	msgs, err := st.RecentMessages(ctx, "c1", 100)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != writers*each {
		t.Fatalf("expected %d messages, got %d", writers*each, len(msgs))
	}
}
