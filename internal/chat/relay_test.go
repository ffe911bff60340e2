package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"parley/server/internal/core"
	"parley/server/internal/perm"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

type fixture struct {
	st    *store.Store
	hub   *core.Hub
	relay *Relay
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	err = st.UpsertServers(context.Background(), []store.Server{
		{ID: "1", Name: "Lab", Channels: []store.Channel{
			{ID: "c1", Name: "general", Type: store.ChannelText},
			{ID: "c2", Name: "announcements", Type: store.ChannelText},
			{ID: "v1", Name: "Lounge", Type: store.ChannelVoice},
		}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	hub := core.NewHub(core.Options{})
	relay := NewRelay(st, hub, opts)
	t.Cleanup(relay.Close)
	return &fixture{st: st, hub: hub, relay: relay}
}

// connect creates a user and registers one connection for it, discarding the
// initial presence broadcasts.
func (f *fixture) connect(t *testing.T, name string) (store.User, *core.Session) {
	t.Helper()
	ctx := context.Background()
	u, err := f.st.CreateUser(ctx, name, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	s, err := f.hub.Register(ctx, core.Identity{UserID: u.ID, Username: u.Username})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return u, s
}

func drain(ch <-chan protocol.Message) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func recv(t *testing.T, ch <-chan protocol.Message, typ string) protocol.Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Type == protocol.TypeOnlineUsersList || msg.Type == protocol.TypeReady {
				continue
			}
			if msg.Type != typ {
				t.Fatalf("expected %q, got %q (%#v)", typ, msg.Type, msg)
			}
			return msg
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func assertNoRecv(t *testing.T, ch <-chan protocol.Message) {
	t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case msg := <-ch:
			if msg.Type == protocol.TypeOnlineUsersList || msg.Type == protocol.TypeReady {
				continue
			}
			t.Fatalf("expected no message, got %#v", msg)
		case <-timeout:
			return
		}
	}
}

func TestJoinReturnsHistoryOldestFirst(t *testing.T) {
	f := newFixture(t, Options{HistoryLimit: 2})
	ctx := context.Background()
	_, alice := f.connect(t, "alice")

	for _, text := range []string{"one", "two", "three"} {
		if _, err := f.relay.Send(ctx, alice.ConnID, "c1", text, ""); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}

	_, bob := f.connect(t, "bob")
	history, err := f.relay.Join(ctx, bob.ConnID, "c1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	got := make([]string, len(history))
	for i, m := range history {
		got[i] = m.Content
	}
	if diff := cmp.Diff([]string{"two", "three"}, got); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	if !f.hub.Subscribed(bob.ConnID, "c1") {
		t.Fatalf("join should subscribe the connection")
	}
}

func TestJoinRejectsUnknownAndVoiceChannels(t *testing.T) {
	f := newFixture(t, Options{})
	_, alice := f.connect(t, "alice")
	ctx := context.Background()

	if _, err := f.relay.Join(ctx, alice.ConnID, "nope"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("unknown channel: expected ErrChannelNotFound, got %v", err)
	}
	if _, err := f.relay.Join(ctx, alice.ConnID, "v1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("voice channel: expected ErrInvalid, got %v", err)
	}
	if _, err := f.relay.Join(ctx, "ghost", "c1"); !errors.Is(err, core.ErrConnNotFound) {
		t.Fatalf("unknown conn: expected ErrConnNotFound, got %v", err)
	}
}

func TestSendAcksSenderAndBroadcastsToOthers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, a := f.connect(t, "alice")
	_, b := f.connect(t, "bob")
	_, c := f.connect(t, "carol")
	for _, s := range []*core.Session{a, b} {
		if _, err := f.relay.Join(ctx, s.ConnID, "c1"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	drain(a.Send)
	drain(b.Send)
	drain(c.Send)

	sent, err := f.relay.Send(ctx, a.ConnID, "c1", "  hello  ", "tmp-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := recv(t, a.Send, protocol.TypeMessageAck)
	if ack.ClientID != "tmp-1" || ack.MessageID != sent.ID || ack.Chat == nil {
		t.Fatalf("unexpected ack: %#v", ack)
	}
	got := recv(t, b.Send, protocol.TypeReceiveMessage)
	want := protocol.ChatMessage{ID: sent.ID, ChannelID: "c1", UserID: alice.ID, Author: "alice", Content: "hello"}
	if diff := cmp.Diff(want, *got.Chat, cmpopts.IgnoreFields(protocol.ChatMessage{}, "Timestamp")); diff != "" {
		t.Fatalf("broadcast mismatch (-want +got):\n%s", diff)
	}
	assertNoRecv(t, a.Send)
	assertNoRecv(t, c.Send)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, Options{MaxLength: 5})
	_, a := f.connect(t, "alice")
	ctx := context.Background()

	tests := []struct {
		name    string
		channel string
		content string
		want    error
	}{
		{"empty", "c1", "   ", ErrInvalid},
		{"too long", "c1", "abcdef", ErrInvalid},
		{"multibyte within limit", "c1", "héllo", nil},
		{"unknown channel", "zz", "hi", ErrChannelNotFound},
		{"missing channel", "", "hi", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.relay.Send(ctx, a.ConnID, tt.channel, tt.content, "")
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSendGatedByBanAndMute(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, a := f.connect(t, "alice")
	bob, b := f.connect(t, "bob")
	if _, err := f.relay.Join(ctx, b.ConnID, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := f.st.PutBan(ctx, store.Ban{ServerID: "1", UserID: alice.ID}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	drain(b.Send)
	if _, err := f.relay.Send(ctx, a.ConnID, "c1", "hi", ""); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
	assertNoRecv(t, b.Send)

	until := time.Now().Add(time.Hour)
	if _, err := f.st.PutMute(ctx, store.Mute{ServerID: "1", ChannelID: "c1", UserID: bob.ID, Until: &until}); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if _, err := f.relay.Send(ctx, b.ConnID, "c1", "hi", ""); !errors.Is(err, ErrMuted) {
		t.Fatalf("expected ErrMuted, got %v", err)
	}
	if _, err := f.relay.Send(ctx, b.ConnID, "c2", "other channel", ""); err != nil {
		t.Fatalf("channel mute must not apply to c2: %v", err)
	}

	msgs, err := f.st.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("refused sends must not persist, got %d messages", len(msgs))
	}
}

func TestDeleteByAuthorAndModerator(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, a := f.connect(t, "alice")
	_, b := f.connect(t, "bob")
	mod, m := f.connect(t, "mod")
	if _, err := f.relay.Join(ctx, b.ConnID, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	first, err := f.relay.Send(ctx, a.ConnID, "c1", "first", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := f.relay.Send(ctx, a.ConnID, "c1", "second", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	drain(a.Send)
	drain(b.Send)
	drain(m.Send)

	if err := f.relay.Delete(ctx, b.ConnID, first.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-author without capability: expected ErrForbidden, got %v", err)
	}

	if err := f.relay.Delete(ctx, a.ConnID, first.ID); err != nil {
		t.Fatalf("author delete: %v", err)
	}
	for _, s := range []*core.Session{a, b} {
		got := recv(t, s.Send, protocol.TypeMessageDeleted)
		if got.MessageID != first.ID || got.ChannelID != "c1" {
			t.Fatalf("unexpected deletion event: %#v", got)
		}
	}
	assertNoRecv(t, a.Send)

	if err := f.st.SetPermissions(ctx, mod.ID, perm.NewSet(perm.DeleteMessages)); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.relay.Delete(ctx, m.ConnID, second.ID); err != nil {
		t.Fatalf("moderator delete: %v", err)
	}
	recv(t, m.Send, protocol.TypeMessageDeleted)
	recv(t, b.Send, protocol.TypeMessageDeleted)

	entries, err := f.st.AuditLog(ctx, store.AuditDeleteMessage, 10)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
}

func TestDeleteMissingMessageIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	_, a := f.connect(t, "alice")
	drain(a.Send)
	if err := f.relay.Delete(context.Background(), a.ConnID, 9999); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	assertNoRecv(t, a.Send)
}

type stubPreviewer struct {
	mu   sync.Mutex
	urls []string
	lp   protocol.LinkPreview
}

func (p *stubPreviewer) Fetch(_ context.Context, rawURL string) (protocol.LinkPreview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, rawURL)
	lp := p.lp
	lp.URL = rawURL
	return lp, nil
}

func TestLinkPreviewBroadcastAfterSend(t *testing.T) {
	prev := &stubPreviewer{lp: protocol.LinkPreview{Title: "Example"}}
	f := newFixture(t, Options{Previews: prev})
	ctx := context.Background()
	_, a := f.connect(t, "alice")
	_, b := f.connect(t, "bob")
	if _, err := f.relay.Join(ctx, b.ConnID, "c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	drain(a.Send)
	drain(b.Send)

	sent, err := f.relay.Send(ctx, a.ConnID, "c1", "look https://example.com/x and https://other.org", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	recv(t, b.Send, protocol.TypeReceiveMessage)
	got := recv(t, b.Send, protocol.TypeLinkPreview)
	if got.MessageID != sent.ID || got.Preview == nil || got.Preview.Title != "Example" {
		t.Fatalf("unexpected preview event: %#v", got)
	}

	// The sender is not subscribed to c1 but still sees its own preview.
	recv(t, a.Send, protocol.TypeMessageAck)
	recv(t, a.Send, protocol.TypeLinkPreview)

	f.relay.Close()
	prev.mu.Lock()
	defer prev.mu.Unlock()
	if len(prev.urls) != 1 || !strings.HasPrefix(prev.urls[0], "https://example.com/x") {
		t.Fatalf("expected one fetch of the first url, got %v", prev.urls)
	}
}
