package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBuildCreateOrderDefaults(t *testing.T) {
	o, err := buildCreateOrder("tenant-a", createOrderRequest{
		ItemsJSON: `[{"product_id":"p1","qty":2}]`,
		Subtotal:  "120",
		Shipping:  "30.0",
		Total:     "150.00",
	})
	if err != nil {
		t.Fatalf("buildCreateOrder returned error: %v", err)
	}
	if o.PaymentStatus != paymentPending || o.OrderStatus != statusPending {
		t.Fatalf("new order should start (%s, %s), got (%s, %s)", paymentPending, statusPending, o.PaymentStatus, o.OrderStatus)
	}
	if o.Currency != "INR" {
		t.Fatalf("expected INR default currency, got %s", o.Currency)
	}
	if o.Subtotal != "120.00" || o.Shipping != "30.00" || o.Total != "150.00" {
		t.Fatalf("amounts not normalized: %s / %s / %s", o.Subtotal, o.Shipping, o.Total)
	}
	if o.ID == "" {
		t.Fatal("expected generated order id")
	}
}

func TestBuildCreateOrderRejectsBadAmounts(t *testing.T) {
	if _, err := buildCreateOrder("tenant-a", createOrderRequest{ItemsJSON: "[]", Total: "abc"}); err == nil {
		t.Fatal("non-decimal total should be rejected")
	}
	if _, err := buildCreateOrder("tenant-a", createOrderRequest{ItemsJSON: "[]", Total: "-1.00"}); err == nil {
		t.Fatal("negative total should be rejected")
	}
	if _, err := buildCreateOrder("tenant-a", createOrderRequest{ItemsJSON: "[]"}); err == nil {
		t.Fatal("missing total should be rejected")
	}
}

func TestValidTransition(t *testing.T) {
	allowed := [][2]string{
		{statusConfirmed, statusShipped},
		{statusShipped, statusDelivered},
	}
	for _, pair := range allowed {
		if !validTransition(pair[0], pair[1]) {
			t.Fatalf("%s to %s should be allowed", pair[0], pair[1])
		}
	}
	denied := [][2]string{
		{statusPending, statusShipped},
		{statusPending, statusConfirmed},
		{statusCancelled, statusShipped},
		{statusDelivered, statusShipped},
		{statusConfirmed, statusDelivered},
	}
	for _, pair := range denied {
		if validTransition(pair[0], pair[1]) {
			t.Fatalf("%s to %s should be denied", pair[0], pair[1])
		}
	}
}

func TestUpdateOrderGuardsStatus(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]order),
	}
	created := time.Now().UTC()
	svc.memByID["o1"] = order{
		ID:            "o1",
		TenantID:      "tenant-a",
		Currency:      "INR",
		PaymentStatus: paymentPending,
		OrderStatus:   statusPending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}

	shipped := statusShipped
	if _, err := svc.updateOrder(context.Background(), "tenant-a", "o1", updateOrderRequest{OrderStatus: &shipped}); !errors.Is(err, errBadTransition) {
		t.Fatalf("shipping a pending order should fail with errBadTransition, got %v", err)
	}

	// Simulate the gateway confirming payment, then progress normally.
	o := svc.memByID["o1"]
	o.PaymentStatus = "PAID"
	o.OrderStatus = statusConfirmed
	svc.memByID["o1"] = o

	tracking := "311234567890"
	updated, err := svc.updateOrder(context.Background(), "tenant-a", "o1", updateOrderRequest{OrderStatus: &shipped, TrackingID: &tracking})
	if err != nil {
		t.Fatalf("confirmed to shipped should succeed: %v", err)
	}
	if updated.OrderStatus != statusShipped || updated.TrackingID != tracking {
		t.Fatalf("unexpected order after update: %s / %s", updated.OrderStatus, updated.TrackingID)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := "6b4ec6da-3f88-4f5c-9f5d-0a4bb0c86f2e"

	cursor := encodeCursor(now, id)
	decodedTime, decodedID, err := parseCursor(cursor)
	if err != nil {
		t.Fatalf("parseCursor returned error: %v", err)
	}
	if !decodedTime.Equal(now) {
		t.Fatalf("decoded time mismatch: got %s want %s", decodedTime, now)
	}
	if decodedID != id {
		t.Fatalf("decoded id mismatch: got %s want %s", decodedID, id)
	}
}

func TestMemoryListInvalidatesCache(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]order),
	}

	tenantID := "tenant-a"
	o, err := buildCreateOrder(tenantID, createOrderRequest{ItemsJSON: "[]", Total: "99.00"})
	if err != nil {
		t.Fatalf("buildCreateOrder returned error: %v", err)
	}
	if err := svc.createOrder(context.Background(), o); err != nil {
		t.Fatalf("createOrder returned error: %v", err)
	}

	first, err := svc.listOrders(context.Background(), tenantID, "", "", "", 10)
	if err != nil {
		t.Fatalf("first listOrders returned error: %v", err)
	}
	if len(first.Items) != 1 {
		t.Fatalf("expected 1 item on first list, got %d", len(first.Items))
	}
	if first.Cached {
		t.Fatal("first list should not be cached")
	}

	second, err := svc.listOrders(context.Background(), tenantID, "", "", "", 10)
	if err != nil {
		t.Fatalf("second listOrders returned error: %v", err)
	}
	if !second.Cached {
		t.Fatal("expected second list to hit cache")
	}

	if err := svc.deleteOrder(context.Background(), tenantID, o.ID); err != nil {
		t.Fatalf("deleteOrder returned error: %v", err)
	}

	third, err := svc.listOrders(context.Background(), tenantID, "", "", "", 10)
	if err != nil {
		t.Fatalf("third listOrders returned error: %v", err)
	}
	if third.Cached {
		t.Fatal("expected cache invalidation after delete")
	}
	if len(third.Items) != 0 {
		t.Fatalf("expected empty list after delete, got %d", len(third.Items))
	}
}
