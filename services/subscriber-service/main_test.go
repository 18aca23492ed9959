package main

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeEmail(t *testing.T) {
	if got := normalizeEmail("  Asha.Rao@Example.COM "); got != "asha.rao@example.com" {
		t.Fatalf("normalizeEmail lowered/trimmed wrong: %q", got)
	}
	for _, bad := range []string{"", "no-at-sign", "@example.com", "asha@", "a@b@c.com", "asha@nodot"} {
		if got := normalizeEmail(bad); got != "" {
			t.Fatalf("normalizeEmail(%q) should be rejected, got %q", bad, got)
		}
	}
}

func TestSubscribeIsIdempotentOnEmail(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]subscriber),
	}

	first, created, err := svc.subscribe(context.Background(), "tenant-a", "asha@example.com", "footer-form")
	if err != nil {
		t.Fatalf("subscribe returned error: %v", err)
	}
	if !created {
		t.Fatal("first subscribe should create")
	}

	second, created, err := svc.subscribe(context.Background(), "tenant-a", "asha@example.com", "")
	if err != nil {
		t.Fatalf("repeat subscribe returned error: %v", err)
	}
	if created {
		t.Fatal("repeat subscribe must not create a second row")
	}
	if second.ID != first.ID {
		t.Fatalf("repeat subscribe changed identity: %s vs %s", second.ID, first.ID)
	}
	if second.Source != "footer-form" {
		t.Fatalf("blank source should not clobber the original, got %q", second.Source)
	}

	resp, err := svc.listSubscribers(context.Background(), "tenant-a", "", "", 10)
	if err != nil {
		t.Fatalf("listSubscribers returned error: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(resp.Items))
	}
}

func TestUnsubscribeThenResubscribe(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]subscriber),
	}

	sub, _, err := svc.subscribe(context.Background(), "tenant-a", "ravi@example.com", "checkout")
	if err != nil {
		t.Fatalf("subscribe returned error: %v", err)
	}

	gone, err := svc.unsubscribe(context.Background(), "tenant-a", sub.ID)
	if err != nil {
		t.Fatalf("unsubscribe returned error: %v", err)
	}
	if gone.Status != "unsubscribed" || gone.UnsubscribedAt == nil {
		t.Fatalf("unexpected state after unsubscribe: %+v", gone)
	}

	// Unsubscribing again is a no-op, not an error.
	again, err := svc.unsubscribe(context.Background(), "tenant-a", sub.ID)
	if err != nil {
		t.Fatalf("repeat unsubscribe returned error: %v", err)
	}
	if !again.UnsubscribedAt.Equal(*gone.UnsubscribedAt) {
		t.Fatal("repeat unsubscribe should not move the timestamp")
	}

	back, created, err := svc.subscribe(context.Background(), "tenant-a", "ravi@example.com", "")
	if err != nil {
		t.Fatalf("re-subscribe returned error: %v", err)
	}
	if created {
		t.Fatal("re-subscribe should reuse the existing row")
	}
	if back.Status != "subscribed" || back.UnsubscribedAt != nil {
		t.Fatalf("unexpected state after re-subscribe: %+v", back)
	}
}

func TestUnsubscribeUnknownID(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]subscriber),
	}
	if _, err := svc.unsubscribe(context.Background(), "tenant-a", "sb_missing"); err == nil {
		t.Fatal("expected error for unknown subscriber")
	}
}
