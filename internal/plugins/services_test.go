package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vivilabs/vivid/internal/session"
	"github.com/vivilabs/vivid/internal/store"
)

// fakeStarStore holds one conversation in memory.
type fakeStarStore struct {
	conv store.Conversation
}

func (f *fakeStarStore) Get(_ context.Context, id string) (*store.Conversation, error) {
	if id != f.conv.ID {
		return nil, store.ErrNotFound
	}
	c := f.conv
	return &c, nil
}

func (f *fakeStarStore) SetStarred(_ context.Context, id string, starred bool) error {
	if id != f.conv.ID {
		return store.ErrNotFound
	}
	f.conv.Starred = starred
	return nil
}

func newServicesFixture(t *testing.T) (*Services, *session.Store, *fakeStarStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sessions := session.NewStore(rdb)
	convs := &fakeStarStore{conv: store.Conversation{ID: "conv-1"}}
	return NewServices(sessions, convs, nil), sessions, convs
}

func TestCloseConversationSetsFlag(t *testing.T) {
	services, sessions, _ := newServicesFixture(t)
	ctx := context.Background()

	if err := sessions.Init(ctx, session.Record{SessionID: "sess-1", UserID: "mary", ClientID: "c1", Mode: session.ModeStreaming}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := services.CloseConversation(ctx, "sess-1", "wake_word_stop"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}

	flag, err := sessions.Field(ctx, "sess-1", session.FieldCloseRequested)
	if err != nil || flag != "wake_word_stop" {
		t.Errorf("flag = %q, %v", flag, err)
	}
}

func TestStarConversationToggles(t *testing.T) {
	services, sessions, convs := newServicesFixture(t)
	ctx := context.Background()

	if err := sessions.SetCurrentConversation(ctx, "sess-2", "conv-1", time.Hour); err != nil {
		t.Fatalf("set current: %v", err)
	}

	if err := services.StarConversation(ctx, "sess-2"); err != nil {
		t.Fatalf("StarConversation: %v", err)
	}
	if !convs.conv.Starred {
		t.Error("conversation not starred")
	}
	if err := services.StarConversation(ctx, "sess-2"); err != nil {
		t.Fatalf("StarConversation: %v", err)
	}
	if convs.conv.Starred {
		t.Error("second call did not unstar")
	}
}

func TestStarConversationWithoutOpenConversation(t *testing.T) {
	services, _, _ := newServicesFixture(t)
	if err := services.StarConversation(context.Background(), "sess-3"); err == nil {
		t.Error("expected error without an open conversation")
	}
}
