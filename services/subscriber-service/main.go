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

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

type subscriber struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Email          string     `json:"email"`
	Status         string     `json:"status"`
	Source         string     `json:"source,omitempty"`
	SubscribedAt   time.Time  `json:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type subscribeRequest struct {
	Email  string `json:"email"`
	Source string `json:"source"`
}

type listResponse struct {
	Items      []subscriber `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
	Cached     bool         `json:"cached"`
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
	memByID   map[string]subscriber
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
		memByID:   make(map[string]subscriber),
	}

	if db, err := connectDB(); err != nil {
		log.Printf("warn: database unavailable, running subscribers in memory mode: %v", err)
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
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": module, "service": "subscriber-service", "mode": mode})
	})

	base := "/v1/subscribers"

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
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		plan, err := svc.explainList(r.Context(), tenantID, status)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "vedaleaf.ecommerce.subscriber.explain.generated"})
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
			status := strings.TrimSpace(r.URL.Query().Get("status"))
			resp, err := svc.listSubscribers(r.Context(), tenantID, status, cursor, limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached, "event_topic": "vedaleaf.ecommerce.subscriber.listed"})
		case http.MethodPost:
			var req subscribeRequest
			if err := decodeJSON(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			email := normalizeEmail(req.Email)
			if email == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email"})
				return
			}
			sub, created, err := svc.subscribe(r.Context(), tenantID, email, strings.TrimSpace(req.Source))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			code := http.StatusOK
			topic := "vedaleaf.ecommerce.subscriber.resubscribed"
			if created {
				code = http.StatusCreated
				topic = "vedaleaf.ecommerce.subscriber.created"
			}
			writeJSON(w, code, map[string]any{"item": sub, "event_topic": topic})
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
		rest := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, base+"/"))
		if rest == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
			return
		}

		if id, ok := strings.CutSuffix(rest, "/unsubscribe"); ok {
			if r.Method != http.MethodPost {
				writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
				return
			}
			sub, err := svc.unsubscribe(r.Context(), tenantID, id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscriber not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"item": sub, "event_topic": "vedaleaf.ecommerce.subscriber.unsubscribed"})
			return
		}

		switch r.Method {
		case http.MethodGet:
			sub, err := svc.getByID(r.Context(), tenantID, rest)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscriber not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"item": sub, "event_topic": "vedaleaf.ecommerce.subscriber.read"})
		case http.MethodDelete:
			if err := svc.deleteSubscriber(r.Context(), tenantID, rest); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscriber not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": rest, "event_topic": "vedaleaf.ecommerce.subscriber.deleted"})
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

	log.Printf("subscriber-service listening on :%s", port)
	log.Fatal(srv.ListenAndServe())
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func normalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return ""
	}
	if !strings.Contains(email[at+1:], ".") {
		return ""
	}
	return email
}

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case "subscribed", "unsubscribed":
		return s
	default:
		return ""
	}
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
		`CREATE TABLE IF NOT EXISTS ecommerce_subscribers (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			email TEXT NOT NULL,
			status TEXT CHECK (status IN ('subscribed','unsubscribed')) DEFAULT 'subscribed',
			source TEXT,
			subscribed_at TIMESTAMPTZ NOT NULL,
			unsubscribed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscribers_tenant_email ON ecommerce_subscribers (tenant_id, email)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_tenant_created ON ecommerce_subscribers (tenant_id, created_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Subscribe / Unsubscribe
// ---------------------------------------------------------------------------

// subscribe is idempotent on (tenant, email): a repeat signup or a
// signup after an unsubscribe re-activates the existing row instead of
// erroring or duplicating.
func (s *service) subscribe(ctx context.Context, tenantID, email, source string) (subscriber, bool, error) {
	now := time.Now().UTC()

	if s.db == nil {
		s.memMu.Lock()
		for id, existing := range s.memByID {
			if existing.TenantID != tenantID || existing.Email != email {
				continue
			}
			existing.Status = "subscribed"
			existing.SubscribedAt = now
			existing.UnsubscribedAt = nil
			if source != "" {
				existing.Source = source
			}
			existing.UpdatedAt = now
			s.memByID[id] = existing
			s.memMu.Unlock()
			s.invalidateTenantCache(tenantID)
			return existing, false, nil
		}
		sub := subscriber{
			ID:           newID(),
			TenantID:     tenantID,
			Email:        email,
			Status:       "subscribed",
			Source:       source,
			SubscribedAt: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.memByID[sub.ID] = sub
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return sub, true, nil
	}

	q := `INSERT INTO ecommerce_subscribers (id, tenant_id, email, status, source, subscribed_at, unsubscribed_at, created_at, updated_at)
		VALUES ($1,$2,$3,'subscribed',$4,$5,NULL,$5,$5)
		ON CONFLICT (tenant_id, email) DO UPDATE SET
			status = 'subscribed',
			source = COALESCE(NULLIF(EXCLUDED.source, ''), ecommerce_subscribers.source),
			subscribed_at = EXCLUDED.subscribed_at,
			unsubscribed_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING id, tenant_id, email, status, source, subscribed_at, unsubscribed_at, created_at, updated_at, (created_at = updated_at)`
	var sub subscriber
	var src sql.NullString
	var unsubAt sql.NullTime
	var created bool
	err := s.db.QueryRowContext(ctx, q, newID(), tenantID, email, source, now).Scan(
		&sub.ID, &sub.TenantID, &sub.Email, &sub.Status, &src,
		&sub.SubscribedAt, &unsubAt, &sub.CreatedAt, &sub.UpdatedAt, &created,
	)
	if err != nil {
		return subscriber{}, false, err
	}
	sub.Source = src.String
	if unsubAt.Valid {
		sub.UnsubscribedAt = &unsubAt.Time
	}
	s.invalidateTenantCache(tenantID)
	return sub, created, nil
}

func (s *service) unsubscribe(ctx context.Context, tenantID, id string) (subscriber, error) {
	now := time.Now().UTC()

	if s.db == nil {
		s.memMu.Lock()
		sub, ok := s.memByID[id]
		if !ok || sub.TenantID != tenantID {
			s.memMu.Unlock()
			return subscriber{}, sql.ErrNoRows
		}
		if sub.Status != "unsubscribed" {
			sub.Status = "unsubscribed"
			sub.UnsubscribedAt = &now
			sub.UpdatedAt = now
			s.memByID[id] = sub
		}
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return sub, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ecommerce_subscribers SET status='unsubscribed', unsubscribed_at=$1, updated_at=$1 WHERE tenant_id=$2 AND id=$3 AND status <> 'unsubscribed'`,
		now, tenantID, id,
	)
	if err != nil {
		return subscriber{}, err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// Either missing or already unsubscribed; getByID settles which.
		if _, err := s.getByID(ctx, tenantID, id); err != nil {
			return subscriber{}, err
		}
	}
	s.invalidateTenantCache(tenantID)
	return s.getByID(ctx, tenantID, id)
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

func (s *service) getByID(ctx context.Context, tenantID, id string) (subscriber, error) {
	if s.db == nil {
		s.memMu.RLock()
		sub, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok || sub.TenantID != tenantID {
			return subscriber{}, sql.ErrNoRows
		}
		return sub, nil
	}

	q := `SELECT id, tenant_id, email, status, source, subscribed_at, unsubscribed_at, created_at, updated_at
		FROM ecommerce_subscribers WHERE tenant_id=$1 AND id=$2`
	var sub subscriber
	var src sql.NullString
	var unsubAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, tenantID, id).Scan(
		&sub.ID, &sub.TenantID, &sub.Email, &sub.Status, &src,
		&sub.SubscribedAt, &unsubAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return subscriber{}, err
	}
	sub.Source = src.String
	if unsubAt.Valid {
		sub.UnsubscribedAt = &unsubAt.Time
	}
	return sub, nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (s *service) listSubscribers(ctx context.Context, tenantID, status, cursor string, limit int) (listResponse, error) {
	if cursor == "" {
		if cached, ok := s.getListCache(tenantID, status, cursor, limit); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	if s.db == nil {
		resp := s.listSubscribersMemory(tenantID, status, cursor, limit)
		if cursor == "" {
			s.setListCache(tenantID, status, cursor, limit, resp)
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
		SELECT id, tenant_id, email, status, source, subscribed_at, unsubscribed_at, created_at, updated_at
		FROM ecommerce_subscribers
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), nextArg)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return listResponse{}, err
	}
	defer rows.Close()

	items := make([]subscriber, 0, limit)
	for rows.Next() {
		var sub subscriber
		var src sql.NullString
		var unsubAt sql.NullTime
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.Email, &sub.Status, &src, &sub.SubscribedAt, &unsubAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return listResponse{}, err
		}
		sub.Source = src.String
		if unsubAt.Valid {
			sub.UnsubscribedAt = &unsubAt.Time
		}
		items = append(items, sub)
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
		s.setListCache(tenantID, status, cursor, limit, resp)
	}
	return resp, nil
}

func (s *service) listSubscribersMemory(tenantID, status, cursor string, limit int) listResponse {
	s.memMu.RLock()
	items := make([]subscriber, 0)
	for _, sub := range s.memByID {
		if sub.TenantID != tenantID {
			continue
		}
		if status != "" && sub.Status != normalizeStatus(status) {
			continue
		}
		items = append(items, sub)
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
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *service) deleteSubscriber(ctx context.Context, tenantID, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		sub, ok := s.memByID[id]
		if !ok || sub.TenantID != tenantID {
			s.memMu.Unlock()
			return sql.ErrNoRows
		}
		delete(s.memByID, id)
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM ecommerce_subscribers WHERE tenant_id=$1 AND id=$2`, tenantID, id)
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

func (s *service) explainList(ctx context.Context, tenantID, status string) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}

	args := []any{tenantID}
	where := []string{"tenant_id = $1"}
	nextArg := 2
	if status != "" {
		where = append(where, fmt.Sprintf("status = $%d", nextArg))
		args = append(args, normalizeStatus(status))
		nextArg++
	}
	planQuery := fmt.Sprintf(`EXPLAIN (ANALYZE FALSE, FORMAT JSON)
		SELECT id, tenant_id, email, status, source, subscribed_at, unsubscribed_at, created_at, updated_at
		FROM ecommerce_subscribers
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

func (s *service) getListCache(tenantID, status, cursor string, limit int) (listResponse, bool) {
	key := cacheKey(tenantID, status, cursor, limit)
	s.cacheMu.RLock()
	item, ok := s.listCache[key]
	s.cacheMu.RUnlock()
	if !ok || time.Now().After(item.Expires) {
		return listResponse{}, false
	}
	return item.Response, true
}

func (s *service) setListCache(tenantID, status, cursor string, limit int, value listResponse) {
	key := cacheKey(tenantID, status, cursor, limit)
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

func cacheKey(tenantID, status, cursor string, limit int) string {
	return fmt.Sprintf("%s|%s|%s|%d", tenantID, normalizeStatus(status), cursor, limit)
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
		return fmt.Sprintf("sb_%d", time.Now().UnixNano())
	}
	return "sb_" + hex.EncodeToString(buf)
}
