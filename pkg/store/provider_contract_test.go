package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"talqs/pkg/domain"
)

var contractBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testProviderContract checks behavior every Provider must share.
func testProviderContract(t *testing.T, p Provider) {
	t.Helper()
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		if _, ok, err := p.GetUserByEmail(ctx, "nobody@example.com"); err != nil || ok {
			t.Fatalf("expected missing user, ok=%v err=%v", ok, err)
		}
		a := domain.User{Email: "a@example.com", Name: "A", Provider: domain.ProviderGoogle, CreatedAt: contractBase, UpdatedAt: contractBase}
		b := domain.User{Email: "b@example.com", Name: "B", Provider: domain.ProviderPassword, CreatedAt: contractBase.Add(time.Minute), UpdatedAt: contractBase.Add(time.Minute)}
		for _, u := range []domain.User{b, a} {
			if err := p.PutUser(ctx, u); err != nil {
				t.Fatalf("put user: %v", err)
			}
		}
		a.Name = "A2"
		a.IsAdmin = true
		if err := p.PutUser(ctx, a); err != nil {
			t.Fatalf("overwrite user: %v", err)
		}
		got, ok, err := p.GetUserByEmail(ctx, "a@example.com")
		if err != nil || !ok {
			t.Fatalf("get user: ok=%v err=%v", ok, err)
		}
		if got.Name != "A2" || !got.IsAdmin {
			t.Fatalf("unexpected user: %+v", got)
		}
		users, err := p.ListUsers(ctx)
		if err != nil {
			t.Fatalf("list users: %v", err)
		}
		if len(users) != 2 || users[0].Email != "a@example.com" || users[1].Email != "b@example.com" {
			t.Fatalf("unexpected user order: %+v", users)
		}
		if err := p.DeleteUser(ctx, "b@example.com"); err != nil {
			t.Fatalf("delete user: %v", err)
		}
		if err := p.DeleteUser(ctx, "b@example.com"); err != nil {
			t.Fatalf("delete missing user: %v", err)
		}
		if _, ok, _ := p.GetUserByEmail(ctx, "b@example.com"); ok {
			t.Fatalf("expected user deleted")
		}
	})

	t.Run("documents", func(t *testing.T) {
		first := domain.Document{
			ID: "doc-1", OwnerID: "owner-1", Fingerprint: "fp-1", FileName: "lease.txt",
			SizeBytes: 11, Content: "lease terms", UploadedAt: contractBase, LastAccessedAt: contractBase,
		}
		stored, existed, err := p.SaveDocument(ctx, first)
		if err != nil {
			t.Fatalf("save document: %v", err)
		}
		if existed || stored.ID != "doc-1" {
			t.Fatalf("expected new document, got existed=%v id=%s", existed, stored.ID)
		}

		again := first
		again.ID = "doc-2"
		again.LastAccessedAt = contractBase.Add(time.Hour)
		stored, existed, err = p.SaveDocument(ctx, again)
		if err != nil {
			t.Fatalf("save duplicate: %v", err)
		}
		if !existed || stored.ID != "doc-1" {
			t.Fatalf("expected existing doc-1, got existed=%v id=%s", existed, stored.ID)
		}
		if !stored.LastAccessedAt.Equal(contractBase.Add(time.Hour)) {
			t.Fatalf("last accessed not advanced: %v", stored.LastAccessedAt)
		}

		older := first
		older.ID = "doc-3"
		older.LastAccessedAt = contractBase.Add(30 * time.Minute)
		stored, _, err = p.SaveDocument(ctx, older)
		if err != nil {
			t.Fatalf("save older duplicate: %v", err)
		}
		if !stored.LastAccessedAt.Equal(contractBase.Add(time.Hour)) {
			t.Fatalf("last accessed moved backwards: %v", stored.LastAccessedAt)
		}

		otherOwner := first
		otherOwner.ID = "doc-4"
		otherOwner.OwnerID = "owner-2"
		if _, existed, err := p.SaveDocument(ctx, otherOwner); err != nil || existed {
			t.Fatalf("same content for another owner must be new: existed=%v err=%v", existed, err)
		}

		second := domain.Document{
			ID: "doc-5", OwnerID: "owner-1", Fingerprint: "fp-2", FileName: "nda.txt",
			Content: "nda", UploadedAt: contractBase.Add(time.Minute), LastAccessedAt: contractBase.Add(time.Minute),
		}
		if _, _, err := p.SaveDocument(ctx, second); err != nil {
			t.Fatalf("save second: %v", err)
		}
		docs, err := p.ListDocumentsByOwner(ctx, "owner-1")
		if err != nil {
			t.Fatalf("list documents: %v", err)
		}
		if len(docs) != 2 || docs[0].ID != "doc-1" || docs[1].ID != "doc-5" {
			t.Fatalf("unexpected documents: %+v", docs)
		}
		got, ok, err := p.GetDocumentByFingerprint(ctx, "owner-1", "fp-2")
		if err != nil || !ok || got.Content != "nda" {
			t.Fatalf("lookup by fingerprint: ok=%v err=%v doc=%+v", ok, err, got)
		}
		if _, ok, err := p.GetDocumentByFingerprint(ctx, "owner-2", "fp-2"); err != nil || ok {
			t.Fatalf("fingerprint lookup crossed owners: ok=%v err=%v", ok, err)
		}
	})

	t.Run("chat histories", func(t *testing.T) {
		h := domain.ChatHistory{
			ID:      "chat-1",
			OwnerID: "owner-1",
			Messages: []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "Summarize lease.txt", Timestamp: contractBase},
			},
			Document:  &domain.DocumentRef{ID: "doc-1", Name: "lease.txt", Fingerprint: "fp-1"},
			CreatedAt: contractBase,
			UpdatedAt: contractBase,
		}
		if err := p.CreateChatHistory(ctx, h); err != nil {
			t.Fatalf("create history: %v", err)
		}
		other := domain.ChatHistory{ID: "chat-2", OwnerID: "owner-1", CreatedAt: contractBase, UpdatedAt: contractBase.Add(time.Minute)}
		if err := p.CreateChatHistory(ctx, other); err != nil {
			t.Fatalf("create second history: %v", err)
		}

		appendAt := contractBase.Add(2 * time.Minute)
		updated, err := p.AppendChatMessages(ctx, "chat-1", []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "Who pays rent?", Timestamp: appendAt},
			{Role: domain.RoleAI, Content: "The tenant.", Timestamp: appendAt},
		}, appendAt)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(updated.Messages) != 3 || updated.Messages[1].Role != domain.RoleUser || updated.Messages[2].Role != domain.RoleAI {
			t.Fatalf("unexpected messages: %+v", updated.Messages)
		}
		if !updated.UpdatedAt.Equal(appendAt) {
			t.Fatalf("updated at not bumped: %v", updated.UpdatedAt)
		}
		if _, err := p.AppendChatMessages(ctx, "missing", nil, appendAt); !errors.Is(err, ErrHistoryNotFound) {
			t.Fatalf("expected ErrHistoryNotFound, got %v", err)
		}

		got, ok, err := p.GetChatHistory(ctx, "chat-1")
		if err != nil || !ok {
			t.Fatalf("get history: ok=%v err=%v", ok, err)
		}
		if got.Document == nil || got.Document.Fingerprint != "fp-1" || len(got.Messages) != 3 {
			t.Fatalf("unexpected history: %+v", got)
		}

		list, err := p.ListChatHistoriesByOwner(ctx, "owner-1")
		if err != nil {
			t.Fatalf("list histories: %v", err)
		}
		if len(list) != 2 || list[0].ID != "chat-1" || list[1].ID != "chat-2" {
			t.Fatalf("expected most recent first, got %+v", list)
		}

		if err := p.DeleteChatHistory(ctx, "chat-1"); err != nil {
			t.Fatalf("delete history: %v", err)
		}
		if err := p.DeleteChatHistory(ctx, "chat-1"); err != nil {
			t.Fatalf("delete missing history: %v", err)
		}
		list, _ = p.ListChatHistoriesByOwner(ctx, "owner-1")
		if len(list) != 1 || list[0].ID != "chat-2" {
			t.Fatalf("unexpected histories after delete: %+v", list)
		}
	})
}
