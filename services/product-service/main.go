package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

type product struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Price       string    `json:"price"`
	Currency    string    `json:"currency"`
	ImageURL    string    `json:"image_url,omitempty"`
	Stock       int       `json:"stock"`
	Category    string    `json:"category,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type createProductRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	ImageURL    string `json:"image_url"`
	Stock       *int   `json:"stock"`
	Category    string `json:"category"`
	Status      string `json:"status"`
}

type updateProductRequest struct {
	Name        *string `json:"name,omitempty"`
	Slug        *string `json:"slug,omitempty"`
	Description *string `json:"description,omitempty"`
	Price       *string `json:"price,omitempty"`
	Currency    *string `json:"currency,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
	Stock       *int    `json:"stock,omitempty"`
	Category    *string `json:"category,omitempty"`
	Status      *string `json:"status,omitempty"`
}

type listResponse struct {
	Items      []product `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
	Cached     bool      `json:"cached"`
}

type cacheItem struct {
	Response listResponse
	Expires  time.Time
}

type service struct {
	db        *sql.DB
	cacheTTL  time.Duration
	cacheMu   sync.RWMutex
	listCache map[string]cacheItem
	memMu     sync.RWMutex
	memByID   map[string]product
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	port := env("PORT", "8080")
	module := env("MODULE_NAME", "VedaLeaf-Commerce")
	svc := &service{
		cacheTTL:  durationEnv("CACHE_TTL", 45*time.Second),
		listCache: make(map[string]cacheItem),
		memByID:   make(map[string]product),
	}

	if db, err := connectDB(); err != nil {
		log.Printf("warn: database unavailable, running products in memory mode: %v", err)
	} else {
		svc.db = db
		if err := svc.ensureSchema(context.Background()); err != nil {
			log.Printf("warn: schema setup failed, using memory mode: %v", err)
			_ = svc.db.Close()
			svc.db = nil
		}
	}
	defer func() {
		if svc.db != nil {
			_ = svc.db.Close()
		}
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		mode := "postgres"
		if svc.db == nil {
			mode = "memory"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": module, "service": "product-service", "mode": mode})
	})

	base := "/v1/products"

	mux.HandleFunc(base+"/_explain", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Tenant-ID"})
			return
		}
		category := strings.TrimSpace(r.URL.Query().Get("category"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		plan, err := svc.explainList(r.Context(), tenantID, category, status)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "vedaleaf.ecommerce.product.explain.generated"})
	})

	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Tenant-ID"})
			return
		}

		switch r.Method {
		case http.MethodGet:
			limit := intParam(r, "limit", 50, 1, 200)
			cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
			category := strings.TrimSpace(r.URL.Query().Get("category"))
			status := strings.TrimSpace(r.URL.Query().Get("status"))
			resp, err := svc.listProducts(r.Context(), tenantID, category, status, cursor, limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached, "event_topic": "vedaleaf.ecommerce.product.listed"})
		case http.MethodPost:
			var req createProductRequest
			if err := decodeJSON(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			p, err := buildCreateProduct(tenantID, req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			if err := svc.createProduct(r.Context(), p); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"item": p, "event_topic": "vedaleaf.ecommerce.product.created"})
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})

	mux.HandleFunc(base+"/", func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Tenant-ID"})
			return
		}
		id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, base+"/"))
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
			return
		}

		switch r.Method {
		case http.MethodGet:
			p, err := svc.getByID(r.Context(), tenantID, id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"item": p, "event_topic": "vedaleaf.ecommerce.product.read"})
		case http.MethodPut, http.MethodPatch:
			var req updateProductRequest
			if err := decodeJSON(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			updated, err := svc.updateProduct(r.Context(), tenantID, id, req)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
					return
				}
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"item": updated, "event_topic": "vedaleaf.ecommerce.product.updated"})
		case http.MethodDelete:
			if err := svc.deleteProduct(r.Context(), tenantID, id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "vedaleaf.ecommerce.product.deleted"})
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           withServerDefaults(mux),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	log.Printf("product-service listening on :%s", port)
	log.Fatal(srv.ListenAndServe())
}

// ---------------------------------------------------------------------------
// Build / Validate
// ---------------------------------------------------------------------------

func buildCreateProduct(tenantID string, req createProductRequest) (product, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return product{}, errors.New("name is required")
	}
	slug := normalizeSlug(req.Slug)
	if slug == "" {
		slug = normalizeSlug(name)
	}
	if slug == "" {
		return product{}, errors.New("slug is required")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		return product{}, errors.New("price is not a valid decimal amount")
	}
	if price.IsNegative() {
		return product{}, errors.New("price must not be negative")
	}
	status := normalizeStatus(req.Status)
	if status == "" {
		status = "draft"
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}
	stock := 0
	if req.Stock != nil {
		if *req.Stock < 0 {
			return product{}, errors.New("stock must not be negative")
		}
		stock = *req.Stock
	}
	now := time.Now().UTC()
	return product{
		ID:          newID(),
		TenantID:    tenantID,
		Name:        name,
		Slug:        slug,
		Description: req.Description,
		Price:       price.StringFixed(2),
		Currency:    currency,
		ImageURL:    strings.TrimSpace(req.ImageURL),
		Stock:       stock,
		Category:    strings.ToLower(strings.TrimSpace(req.Category)),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "draft", "active", "archived":
		return s
	default:
		return ""
	}
}

// normalizeSlug lowercases and collapses anything that is not a letter,
// digit, or hyphen.
func normalizeSlug(raw string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// ---------------------------------------------------------------------------
// DB / Schema
// ---------------------------------------------------------------------------

func connectDB() (*sql.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		host := env("DB_HOST", "")
		if host == "" {
			return nil, errors.New("missing DATABASE_URL or DB_HOST")
		}
		port := env("DB_PORT", "5432")
		user := env("DB_USER", "postgres")
		pass := env("DB_PASSWORD", "postgres")
		name := env("DB_NAME", "vedaleaf_ecommerce")
		ssl := env("DB_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, name, ssl)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(intEnv("DB_MAX_OPEN_CONNS", 60))
	db.SetMaxIdleConns(intEnv("DB_MAX_IDLE_CONNS", 20))
	db.SetConnMaxIdleTime(durationEnv("DB_CONN_MAX_IDLE", 5*time.Minute))
	db.SetConnMaxLifetime(durationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *service) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ecommerce_products (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			description TEXT,
			price NUMERIC(18,2) NOT NULL,
			currency TEXT DEFAULT 'INR',
			image_url TEXT,
			stock INTEGER NOT NULL DEFAULT 0,
			category TEXT,
			status TEXT CHECK (status IN ('draft','active','archived')) DEFAULT 'draft',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_products_tenant_slug ON ecommerce_products (tenant_id, slug)`,
		`CREATE INDEX IF NOT EXISTS idx_products_tenant_created ON ecommerce_products (tenant_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_products_tenant_category ON ecommerce_products (tenant_id, category)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

func (s *service) createProduct(ctx context.Context, p product) error {
	if s.db == nil {
		s.memMu.Lock()
		for _, existing := range s.memByID {
			if existing.TenantID == p.TenantID && existing.Slug == p.Slug {
				s.memMu.Unlock()
				return errors.New("slug already in use")
			}
		}
		s.memByID[p.ID] = p
		s.memMu.Unlock()
		s.invalidateTenantCache(p.TenantID)
		return nil
	}
	q := `INSERT INTO ecommerce_products (id, tenant_id, name, slug, description, price, currency, image_url, stock, category, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	if _, err := s.db.ExecContext(ctx, q,
		p.ID, p.TenantID, p.Name, p.Slug, nilIfEmpty(p.Description),
		p.Price, p.Currency, nilIfEmpty(p.ImageURL), p.Stock,
		nilIfEmpty(p.Category), p.Status, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return err
	}
	s.invalidateTenantCache(p.TenantID)
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

func (s *service) getByID(ctx context.Context, tenantID, id string) (product, error) {
	if s.db == nil {
		s.memMu.RLock()
		p, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok || p.TenantID != tenantID {
			return product{}, sql.ErrNoRows
		}
		return p, nil
	}

	q := `SELECT id, tenant_id, name, slug, description, price, currency, image_url, stock, category, status, created_at, updated_at
		FROM ecommerce_products WHERE tenant_id=$1 AND id=$2`
	var p product
	var description, imageURL, category sql.NullString
	err := s.db.QueryRowContext(ctx, q, tenantID, id).Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Slug, &description, &p.Price,
		&p.Currency, &imageURL, &p.Stock, &category, &p.Status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return product{}, err
	}
	p.Description = description.String
	p.ImageURL = imageURL.String
	p.Category = category.String
	return p, nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (s *service) listProducts(ctx context.Context, tenantID, category, status, cursor string, limit int) (listResponse, error) {
	if cursor == "" {
		if cached, ok := s.getListCache(tenantID, category, status, cursor, limit); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	if s.db == nil {
		resp := s.listProductsMemory(tenantID, category, status, cursor, limit)
		if cursor == "" {
			s.setListCache(tenantID, category, status, cursor, limit, resp)
		}
		return resp, nil
	}

	cursorTime, cursorID, err := parseCursor(cursor)
	if err != nil {
		return listResponse{}, err
	}

	args := []any{tenantID}
	where := []string{"tenant_id = $1"}
	nextArg := 2
	if category != "" {
		where = append(where, fmt.Sprintf("category = $%d", nextArg))
		args = append(args, strings.ToLower(category))
		nextArg++
	}
	if status != "" {
		where = append(where, fmt.Sprintf("status = $%d", nextArg))
		args = append(args, normalizeStatus(status))
		nextArg++
	}
	if !cursorTime.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", nextArg, nextArg+1))
		args = append(args, cursorTime, cursorID)
		nextArg += 2
	}
	args = append(args, limit+1)
	q := fmt.Sprintf(`
		SELECT id, tenant_id, name, slug, description, price, currency, image_url, stock, category, status, created_at, updated_at
		FROM ecommerce_products
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), nextArg)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return listResponse{}, err
	}
	defer rows.Close()

	items := make([]product, 0, limit)
	for rows.Next() {
		var p product
		var desc, img, cat sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Slug, &desc, &p.Price, &p.Currency, &img, &p.Stock, &cat, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return listResponse{}, err
		}
		p.Description = desc.String
		p.ImageURL = img.String
		p.Category = cat.String
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return listResponse{}, err
	}

	resp := listResponse{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		resp.Items = items[:limit]
		resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	if cursor == "" {
		s.setListCache(tenantID, category, status, cursor, limit, resp)
	}
	return resp, nil
}

func (s *service) listProductsMemory(tenantID, category, status, cursor string, limit int) listResponse {
	s.memMu.RLock()
	items := make([]product, 0)
	for _, p := range s.memByID {
		if p.TenantID != tenantID {
			continue
		}
		if category != "" && p.Category != strings.ToLower(category) {
			continue
		}
		if status != "" && p.Status != normalizeStatus(status) {
			continue
		}
		items = append(items, p)
	}
	s.memMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if cursor != "" {
		cursorTime, cursorID, err := parseCursor(cursor)
		if err == nil {
			filtered := items[:0]
			for _, it := range items {
				if it.CreatedAt.Before(cursorTime) || (it.CreatedAt.Equal(cursorTime) && it.ID < cursorID) {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}
	}

	resp := listResponse{}
	if len(items) <= limit {
		resp.Items = append(resp.Items, items...)
		return resp
	}
	resp.Items = append(resp.Items, items[:limit]...)
	last := items[limit-1]
	resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	return resp
}

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

func (s *service) updateProduct(ctx context.Context, tenantID, id string, req updateProductRequest) (product, error) {
	if req.Name == nil && req.Slug == nil && req.Description == nil && req.Price == nil &&
		req.Currency == nil && req.ImageURL == nil && req.Stock == nil && req.Category == nil && req.Status == nil {
		return product{}, errors.New("empty update payload")
	}

	var price string
	if req.Price != nil {
		d, err := decimal.NewFromString(strings.TrimSpace(*req.Price))
		if err != nil || d.IsNegative() {
			return product{}, errors.New("price is not a valid decimal amount")
		}
		price = d.StringFixed(2)
	}
	if req.Stock != nil && *req.Stock < 0 {
		return product{}, errors.New("stock must not be negative")
	}

	if s.db == nil {
		s.memMu.Lock()
		p, ok := s.memByID[id]
		if !ok || p.TenantID != tenantID {
			s.memMu.Unlock()
			return product{}, sql.ErrNoRows
		}
		if req.Name != nil {
			p.Name = strings.TrimSpace(*req.Name)
		}
		if req.Slug != nil {
			p.Slug = normalizeSlug(*req.Slug)
		}
		if req.Description != nil {
			p.Description = *req.Description
		}
		if req.Price != nil {
			p.Price = price
		}
		if req.Currency != nil {
			p.Currency = strings.ToUpper(strings.TrimSpace(*req.Currency))
		}
		if req.ImageURL != nil {
			p.ImageURL = strings.TrimSpace(*req.ImageURL)
		}
		if req.Stock != nil {
			p.Stock = *req.Stock
		}
		if req.Category != nil {
			p.Category = strings.ToLower(strings.TrimSpace(*req.Category))
		}
		if req.Status != nil {
			ns := normalizeStatus(*req.Status)
			if ns == "" {
				s.memMu.Unlock()
				return product{}, errors.New("invalid status")
			}
			p.Status = ns
		}
		p.UpdatedAt = time.Now().UTC()
		s.memByID[id] = p
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return p, nil
	}

	assignments := make([]string, 0, 10)
	args := []any{tenantID, id}
	next := 3
	if req.Name != nil {
		assignments = append(assignments, fmt.Sprintf("name = $%d", next))
		args = append(args, strings.TrimSpace(*req.Name))
		next++
	}
	if req.Slug != nil {
		assignments = append(assignments, fmt.Sprintf("slug = $%d", next))
		args = append(args, normalizeSlug(*req.Slug))
		next++
	}
	if req.Description != nil {
		assignments = append(assignments, fmt.Sprintf("description = $%d", next))
		args = append(args, *req.Description)
		next++
	}
	if req.Price != nil {
		assignments = append(assignments, fmt.Sprintf("price = $%d", next))
		args = append(args, price)
		next++
	}
	if req.Currency != nil {
		assignments = append(assignments, fmt.Sprintf("currency = $%d", next))
		args = append(args, strings.ToUpper(strings.TrimSpace(*req.Currency)))
		next++
	}
	if req.ImageURL != nil {
		assignments = append(assignments, fmt.Sprintf("image_url = $%d", next))
		args = append(args, strings.TrimSpace(*req.ImageURL))
		next++
	}
	if req.Stock != nil {
		assignments = append(assignments, fmt.Sprintf("stock = $%d", next))
		args = append(args, *req.Stock)
		next++
	}
	if req.Category != nil {
		assignments = append(assignments, fmt.Sprintf("category = $%d", next))
		args = append(args, strings.ToLower(strings.TrimSpace(*req.Category)))
		next++
	}
	if req.Status != nil {
		ns := normalizeStatus(*req.Status)
		if ns == "" {
			return product{}, errors.New("invalid status")
		}
		assignments = append(assignments, fmt.Sprintf("status = $%d", next))
		args = append(args, ns)
		next++
	}

	assignments = append(assignments, fmt.Sprintf("updated_at = $%d", next))
	args = append(args, time.Now().UTC())

	q := fmt.Sprintf(`UPDATE ecommerce_products SET %s WHERE tenant_id = $1 AND id = $2`, strings.Join(assignments, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return product{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return product{}, err
	}
	if affected == 0 {
		return product{}, sql.ErrNoRows
	}
	s.invalidateTenantCache(tenantID)
	return s.getByID(ctx, tenantID, id)
}

// ---------------------------------------------------------------------------
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *service) deleteProduct(ctx context.Context, tenantID, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		p, ok := s.memByID[id]
		if !ok || p.TenantID != tenantID {
			s.memMu.Unlock()
			return sql.ErrNoRows
		}
		delete(s.memByID, id)
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM ecommerce_products WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidateTenantCache(tenantID)
	return nil
}

// ---------------------------------------------------------------------------
// Explain
// ---------------------------------------------------------------------------

func (s *service) explainList(ctx context.Context, tenantID, category, status string) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}

	args := []any{tenantID}
	where := []string{"tenant_id = $1"}
	nextArg := 2
	if category != "" {
		where = append(where, fmt.Sprintf("category = $%d", nextArg))
		args = append(args, strings.ToLower(category))
		nextArg++
	}
	if status != "" {
		where = append(where, fmt.Sprintf("status = $%d", nextArg))
		args = append(args, normalizeStatus(status))
		nextArg++
	}
	planQuery := fmt.Sprintf(`EXPLAIN (ANALYZE FALSE, FORMAT JSON)
		SELECT id, tenant_id, name, slug, description, price, currency, image_url, stock, category, status, created_at, updated_at
		FROM ecommerce_products
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT 50`, strings.Join(where, " AND "))

	var planRaw []byte
	if err := s.db.QueryRowContext(ctx, planQuery, args...).Scan(&planRaw); err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(planRaw, &parsed); err != nil {
		return string(planRaw), nil
	}
	return parsed, nil
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func (s *service) getListCache(tenantID, category, status, cursor string, limit int) (listResponse, bool) {
	key := cacheKey(tenantID, category, status, cursor, limit)
	s.cacheMu.RLock()
	item, ok := s.listCache[key]
	s.cacheMu.RUnlock()
	if !ok || time.Now().After(item.Expires) {
		return listResponse{}, false
	}
	return item.Response, true
}

func (s *service) setListCache(tenantID, category, status, cursor string, limit int, value listResponse) {
	key := cacheKey(tenantID, category, status, cursor, limit)
	s.cacheMu.Lock()
	s.listCache[key] = cacheItem{Response: value, Expires: time.Now().Add(s.cacheTTL)}
	s.cacheMu.Unlock()
}

func (s *service) invalidateTenantCache(tenantID string) {
	if tenantID == "" {
		return
	}
	prefix := tenantID + "|"
	s.cacheMu.Lock()
	for k := range s.listCache {
		if strings.HasPrefix(k, prefix) {
			delete(s.listCache, k)
		}
	}
	s.cacheMu.Unlock()
}

func cacheKey(tenantID, category, status, cursor string, limit int) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", tenantID, strings.ToLower(category), normalizeStatus(status), cursor, limit)
}

// ---------------------------------------------------------------------------
// Cursor helpers
// ---------------------------------------------------------------------------

func parseCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid cursor format")
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", errors.New("invalid cursor timestamp")
	}
	if parts[1] == "" {
		return time.Time{}, "", errors.New("invalid cursor id")
	}
	return time.Unix(0, n).UTC(), parts[1], nil
}

func encodeCursor(ts time.Time, id string) string {
	return fmt.Sprintf("%d:%s", ts.UTC().UnixNano(), id)
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func withServerDefaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, key string, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---------------------------------------------------------------------------
// Env helpers
// ---------------------------------------------------------------------------

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("pr_%d", time.Now().UnixNano())
	}
	return "pr_" + hex.EncodeToString(buf)
}
