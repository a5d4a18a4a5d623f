package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"talqs/pkg/domain"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := NewGormStore(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStoreContract(t *testing.T) {
	testProviderContract(t, newTestGormStore(t))
}

func TestNewGormStoreRejectsMissingDSN(t *testing.T) {
	if _, err := NewGormStore(DriverPostgres, " "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := NewGormStore("oracle", "x"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestGormStorePersistsMessageOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestGormStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.CreateChatHistory(ctx, domain.ChatHistory{ID: "h", OwnerID: "o", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		msgs := []domain.ChatMessage{
			{Role: domain.RoleUser, Content: fmt.Sprintf("q%d", i), Timestamp: now},
			{Role: domain.RoleAI, Content: fmt.Sprintf("a%d", i), Timestamp: now},
		}
		if _, err := s.AppendChatMessages(ctx, "h", msgs, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	h, ok, err := s.GetChatHistory(ctx, "h")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	want := []string{"q0", "a0", "q1", "a1", "q2", "a2"}
	if len(h.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(h.Messages))
	}
	for i, w := range want {
		if h.Messages[i].Content != w {
			t.Fatalf("message %d: want %q got %q", i, w, h.Messages[i].Content)
		}
	}
	if h.Document != nil {
		t.Fatalf("expected no document link, got %+v", h.Document)
	}
}

func TestRouterOverGormReportsRepeatedUpload(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRouter(RouterConfig{
		Mode:      ModeSecondaryOnly,
		Secondary: ProviderConfig{Provider: newTestGormStore(t), Enabled: true},
		Now:       clock.Now,
	})
	doc := domain.Document{OwnerID: "o", Fingerprint: "fp", FileName: "lease.txt", Content: "terms"}

	first, err := r.SaveDocument(ctx, doc)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if first.Existing {
		t.Fatalf("first save reported existing")
	}

	clock.Advance(time.Minute)
	second, err := r.SaveDocument(ctx, doc)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !second.Existing {
		t.Fatalf("second save of the same content not reported as existing")
	}
	if second.Document.ID != first.Document.ID {
		t.Fatalf("expected id %q, got %q", first.Document.ID, second.Document.ID)
	}
}

func TestGormStoreSaveDocumentSameIDIsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestGormStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	doc := domain.Document{ID: "d1", OwnerID: "o", Fingerprint: "fp", FileName: "a.txt", Content: "x", UploadedAt: now, LastAccessedAt: now}
	if _, existed, err := s.SaveDocument(ctx, doc); err != nil || existed {
		t.Fatalf("first save: existed=%v err=%v", existed, err)
	}
	doc.LastAccessedAt = now.Add(time.Hour)
	got, existed, err := s.SaveDocument(ctx, doc)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !existed {
		t.Fatalf("expected existing on re-save with the same id")
	}
	if !got.LastAccessedAt.Equal(doc.LastAccessedAt) {
		t.Fatalf("last accessed not advanced: %v", got.LastAccessedAt)
	}
}
