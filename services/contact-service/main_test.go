package main

import (
	"context"
	"testing"
	"time"
)

func newTestService() *service {
	return &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]contactMessage),
	}
}

func TestBuildCreateMessageValidation(t *testing.T) {
	_, err := buildCreateMessage("t1", createMessageRequest{Email: "a@b.com", Message: "hello"})
	if err == nil {
		t.Fatal("expected error for missing name")
	}
	_, err = buildCreateMessage("t1", createMessageRequest{Name: "Asha", Email: "not-an-email", Message: "hello"})
	if err == nil {
		t.Fatal("expected error for invalid email")
	}
	_, err = buildCreateMessage("t1", createMessageRequest{Name: "Asha", Email: "a@b.com"})
	if err == nil {
		t.Fatal("expected error for missing message")
	}

	msg, err := buildCreateMessage("t1", createMessageRequest{Name: "  Asha  ", Email: "Asha@Example.COM", Subject: "Order query", Message: "Where is my Triphala order?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Name != "Asha" {
		t.Fatalf("expected trimmed name, got %q", msg.Name)
	}
	if msg.Email != "asha@example.com" {
		t.Fatalf("expected lowercased email, got %q", msg.Email)
	}
	if msg.Status != "new" {
		t.Fatalf("expected status new, got %q", msg.Status)
	}
	if msg.ID == "" || msg.TenantID != "t1" {
		t.Fatalf("unexpected identity fields: %+v", msg)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"new":       "new",
		" Read ":    "read",
		"RESOLVED":  "resolved",
		"archived":  "",
		"":          "",
		"in-flight": "",
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUpdateMessageStatusFlow(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	msg, err := buildCreateMessage("t1", createMessageRequest{Name: "Ravi", Email: "ravi@example.com", Message: "Is Brahmi oil back in stock?"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := svc.createMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}

	read := "read"
	updated, err := svc.updateMessage(ctx, "t1", msg.ID, updateMessageRequest{Status: &read})
	if err != nil {
		t.Fatalf("update to read: %v", err)
	}
	if updated.Status != "read" {
		t.Fatalf("expected read, got %q", updated.Status)
	}

	bogus := "escalated"
	if _, err := svc.updateMessage(ctx, "t1", msg.ID, updateMessageRequest{Status: &bogus}); err == nil {
		t.Fatal("expected error for invalid status")
	}

	if _, err := svc.updateMessage(ctx, "t2", msg.ID, updateMessageRequest{Status: &read}); err == nil {
		t.Fatal("expected not-found for wrong tenant")
	}
}

func TestListMessagesFiltersByStatus(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i, status := range []string{"new", "new", "resolved"} {
		msg, err := buildCreateMessage("t1", createMessageRequest{Name: "User", Email: "u@example.com", Message: "msg"})
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		msg.Status = status
		msg.CreatedAt = msg.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		if err := svc.createMessage(ctx, msg); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	resp, err := svc.listMessages(ctx, "t1", "new", "", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 new messages, got %d", len(resp.Items))
	}
	for _, it := range resp.Items {
		if it.Status != "new" {
			t.Fatalf("unexpected status in filtered list: %q", it.Status)
		}
	}

	all, err := svc.listMessages(ctx, "t1", "", "", 50)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all.Items) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all.Items))
	}
}

func TestDeleteMessage(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	msg, err := buildCreateMessage("t1", createMessageRequest{Name: "Maya", Email: "maya@example.com", Message: "spam"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := svc.createMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.deleteMessage(ctx, "t1", msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.deleteMessage(ctx, "t1", msg.ID); err == nil {
		t.Fatal("expected not-found on second delete")
	}
	if _, err := svc.getByID(ctx, "t1", msg.ID); err == nil {
		t.Fatal("expected not-found after delete")
	}
}
