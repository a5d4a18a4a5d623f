package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"talqs/pkg/domain"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(mr.Addr(), "", "test")
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStoreContract(t *testing.T) {
	s, _ := newTestRedisStore(t)
	testProviderContract(t, s)
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	if _, err := NewRedisStore("", "", ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestRedisStoreUsesKeyPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	if err := s.PutUser(ctx, domain.User{Email: "a@example.com"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if !mr.Exists("test:user:a@example.com") {
		t.Fatalf("expected prefixed user key, have %v", mr.Keys())
	}
}

func TestRedisStoreSkipsDanglingIndexEntries(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	if err := s.CreateChatHistory(ctx, domain.ChatHistory{ID: "h1", OwnerID: "o"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mr.SAdd("test:chats:o", "ghost"); err != nil {
		t.Fatalf("seed dangling id: %v", err)
	}
	list, err := s.ListChatHistoriesByOwner(ctx, "o")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "h1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestRedisStoreSubscriptionPushesChanges(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.SubscribeChatHistories(ctx, "owner-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	initial := recvHistories(t, updates)
	if len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}

	now := time.Now().UTC()
	if err := s.CreateChatHistory(context.Background(), domain.ChatHistory{ID: "h1", OwnerID: "owner-1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	list := recvHistories(t, updates)
	if len(list) != 1 || list[0].ID != "h1" {
		t.Fatalf("unexpected pushed list: %+v", list)
	}

	if err := s.DeleteChatHistory(context.Background(), "h1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list = recvHistories(t, updates)
	if len(list) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", list)
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			// a reload raced with cancel; the channel must still close
			if _, ok := <-updates; ok {
				t.Fatalf("expected channel closed after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not close")
	}
}

func recvHistories(t *testing.T, ch <-chan []domain.ChatHistory) []domain.ChatHistory {
	t.Helper()
	select {
	case list, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return list
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chat history update")
	}
	return nil
}
