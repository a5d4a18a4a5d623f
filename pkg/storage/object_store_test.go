package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestArchiveKey(t *testing.T) {
	got := ArchiveKey("ana@example.com", "abc123", "Lease.PDF")
	if got != "originals/ana@example.com/abc123.pdf" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := ArchiveKey("../evil/owner", "fp", "x"); strings.Contains(got, "..") {
		t.Fatalf("owner segment not sanitized: %q", got)
	}
}

func TestMemoryArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()
	if _, err := a.PresignGet(ctx, "missing", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := a.Put(ctx, "k", strings.NewReader("body"), 4, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	b, ct, ok := a.Get("k")
	if !ok || string(b) != "body" || ct != "text/plain" {
		t.Fatalf("unexpected object: %q %q %v", b, ct, ok)
	}
	if u, err := a.PresignGet(ctx, "k", time.Minute); err != nil || u == "" {
		t.Fatalf("presign: %q %v", u, err)
	}
}
