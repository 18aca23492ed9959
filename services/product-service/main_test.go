package main

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeSlug(t *testing.T) {
	cases := map[string]string{
		"Ashwagandha Root Powder": "ashwagandha-root-powder",
		"  Triphala  (Organic)  ": "triphala-organic",
		"brahmi":                  "brahmi",
		"!!!":                     "",
	}
	for in, want := range cases {
		if got := normalizeSlug(in); got != want {
			t.Fatalf("normalizeSlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildCreateProductValidation(t *testing.T) {
	p, err := buildCreateProduct("tenant-a", createProductRequest{
		Name:  "Ashwagandha Root Powder",
		Price: "299.5",
	})
	if err != nil {
		t.Fatalf("buildCreateProduct returned error: %v", err)
	}
	if p.Slug != "ashwagandha-root-powder" {
		t.Fatalf("slug not derived from name: %q", p.Slug)
	}
	if p.Price != "299.50" {
		t.Fatalf("price not normalized: %q", p.Price)
	}
	if p.Status != "draft" || p.Currency != "INR" {
		t.Fatalf("unexpected defaults: %s %s", p.Status, p.Currency)
	}

	if _, err := buildCreateProduct("tenant-a", createProductRequest{Name: "X", Price: "free"}); err == nil {
		t.Fatal("non-decimal price should be rejected")
	}
	if _, err := buildCreateProduct("tenant-a", createProductRequest{Name: "X", Price: "-10"}); err == nil {
		t.Fatal("negative price should be rejected")
	}
	if _, err := buildCreateProduct("tenant-a", createProductRequest{Price: "10"}); err == nil {
		t.Fatal("missing name should be rejected")
	}
}

func TestMemoryCreateRejectsDuplicateSlug(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]product),
	}

	first, err := buildCreateProduct("tenant-a", createProductRequest{Name: "Neem Capsules", Price: "199.00"})
	if err != nil {
		t.Fatalf("buildCreateProduct returned error: %v", err)
	}
	if err := svc.createProduct(context.Background(), first); err != nil {
		t.Fatalf("createProduct returned error: %v", err)
	}

	dup, err := buildCreateProduct("tenant-a", createProductRequest{Name: "Neem  Capsules", Price: "249.00"})
	if err != nil {
		t.Fatalf("buildCreateProduct returned error: %v", err)
	}
	if err := svc.createProduct(context.Background(), dup); err == nil {
		t.Fatal("duplicate slug in the same tenant should be rejected")
	}

	other, err := buildCreateProduct("tenant-b", createProductRequest{Name: "Neem Capsules", Price: "199.00"})
	if err != nil {
		t.Fatalf("buildCreateProduct returned error: %v", err)
	}
	if err := svc.createProduct(context.Background(), other); err != nil {
		t.Fatalf("same slug in another tenant should be allowed: %v", err)
	}
}

func TestMemoryListFiltersByCategory(t *testing.T) {
	svc := &service{
		cacheTTL:  time.Minute,
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]product),
	}

	powders, err := buildCreateProduct("tenant-a", createProductRequest{Name: "Triphala Powder", Price: "149.00", Category: "Powders", Status: "active"})
	if err != nil {
		t.Fatalf("buildCreateProduct returned error: %v", err)
	}
	oils, err := buildCreateProduct("tenant-a", createProductRequest{Name: "Brahmi Oil", Price: "349.00", Category: "Oils", Status: "active"})
	if err != nil {
		t.Fatalf("buildCreateProduct returned error: %v", err)
	}
	if err := svc.createProduct(context.Background(), powders); err != nil {
		t.Fatalf("createProduct returned error: %v", err)
	}
	if err := svc.createProduct(context.Background(), oils); err != nil {
		t.Fatalf("createProduct returned error: %v", err)
	}

	resp, err := svc.listProducts(context.Background(), "tenant-a", "powders", "", "", 10)
	if err != nil {
		t.Fatalf("listProducts returned error: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Slug != "triphala-powder" {
		t.Fatalf("category filter mismatch: %+v", resp.Items)
	}
}
