package store

import (
	"context"
	"testing"
	"time"

	"talqs/pkg/domain"
)

func TestMemoryStoreContract(t *testing.T) {
	testProviderContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	h := domain.ChatHistory{
		ID:       "chat-1",
		OwnerID:  "owner-1",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	}
	if err := s.CreateChatHistory(ctx, h); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.Messages[0].Content = "mutated"

	got, _, _ := s.GetChatHistory(ctx, "chat-1")
	if got.Messages[0].Content != "hi" {
		t.Fatalf("store aliased caller slice: %q", got.Messages[0].Content)
	}
	got.Messages[0].Content = "mutated again"
	again, _, _ := s.GetChatHistory(ctx, "chat-1")
	if again.Messages[0].Content != "hi" {
		t.Fatalf("store returned shared slice: %q", again.Messages[0].Content)
	}
}

func TestMemoryStoreListsDocumentsInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	for _, id := range []string{"c", "a", "b"} {
		if _, _, err := s.SaveDocument(ctx, domain.Document{ID: id, OwnerID: "o", Fingerprint: "fp-" + id, UploadedAt: now}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	docs, _ := s.ListDocumentsByOwner(ctx, "o")
	if len(docs) != 3 || docs[0].ID != "c" || docs[1].ID != "a" || docs[2].ID != "b" {
		t.Fatalf("unexpected order: %+v", docs)
	}
}
