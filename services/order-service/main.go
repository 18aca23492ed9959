package main

import (
	"context"
	"database/sql"
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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

type order struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	CustomerID          string    `json:"customer_id,omitempty"`
	CustomerEmail       string    `json:"customer_email,omitempty"`
	ItemsJSON           string    `json:"items_json,omitempty"`
	Subtotal            string    `json:"subtotal,omitempty"`
	Shipping            string    `json:"shipping,omitempty"`
	Total               string    `json:"total,omitempty"`
	Currency            string    `json:"currency"`
	ShippingAddressJSON string    `json:"shipping_address_json,omitempty"`
	PaymentMethod       string    `json:"payment_method,omitempty"`
	PaymentStatus       string    `json:"payment_status"`
	OrderStatus         string    `json:"order_status"`
	TrackingID          string    `json:"tracking_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type createOrderRequest struct {
	CustomerID          string `json:"customer_id"`
	CustomerEmail       string `json:"customer_email"`
	ItemsJSON           string `json:"items_json"`
	Subtotal            string `json:"subtotal"`
	Shipping            string `json:"shipping"`
	Total               string `json:"total"`
	Currency            string `json:"currency"`
	ShippingAddressJSON string `json:"shipping_address_json"`
	PaymentMethod       string `json:"payment_method"`
}

// updateOrderRequest is the admin surface. The two payment columns are
// deliberately absent: only the gateway callback flow moves them.
type updateOrderRequest struct {
	CustomerEmail       *string `json:"customer_email,omitempty"`
	ShippingAddressJSON *string `json:"shipping_address_json,omitempty"`
	OrderStatus         *string `json:"order_status,omitempty"`
	TrackingID          *string `json:"tracking_id,omitempty"`
}

type listResponse struct {
	Items      []order `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
	Cached     bool    `json:"cached"`
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
	memByID   map[string]order
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
		memByID:   make(map[string]order),
	}

	if db, err := connectDB(); err != nil {
		log.Printf("warn: database unavailable, running orders in memory mode: %v", err)
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
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": module, "service": "order-service", "mode": mode})
	})

	base := "/v1/orders"

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
		customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		plan, err := svc.explainList(r.Context(), tenantID, customerID, status)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "vedaleaf.ecommerce.order.explain.generated"})
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
			customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
			status := strings.TrimSpace(r.URL.Query().Get("status"))
			resp, err := svc.listOrders(r.Context(), tenantID, customerID, status, cursor, limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached, "event_topic": "vedaleaf.ecommerce.order.listed"})
		case http.MethodPost:
			var req createOrderRequest
			if err := decodeJSON(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			o, err := buildCreateOrder(tenantID, req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			if err := svc.createOrder(r.Context(), o); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"item": o, "event_topic": "vedaleaf.ecommerce.order.created"})
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
			o, err := svc.getByID(r.Context(), tenantID, id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "vedaleaf.ecommerce.order.read"})
		case http.MethodPut, http.MethodPatch:
			var req updateOrderRequest
			if err := decodeJSON(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			updated, err := svc.updateOrder(r.Context(), tenantID, id, req)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
					return
				}
				if errors.Is(err, errBadTransition) {
					writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
					return
				}
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"item": updated, "event_topic": "vedaleaf.ecommerce.order.updated"})
		case http.MethodDelete:
			if err := svc.deleteOrder(r.Context(), tenantID, id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "event_topic": "vedaleaf.ecommerce.order.deleted"})
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

	log.Printf("order-service listening on :%s", port)
	log.Fatal(srv.ListenAndServe())
}

// ---------------------------------------------------------------------------
// Build / Validate
// ---------------------------------------------------------------------------

var errBadTransition = errors.New("order status transition not allowed")

const (
	paymentPending = "PENDING"

	statusPending   = "PENDING"
	statusConfirmed = "CONFIRMED"
	statusShipped   = "SHIPPED"
	statusDelivered = "DELIVERED"
	statusCancelled = "CANCELLED"
)

func buildCreateOrder(tenantID string, req createOrderRequest) (order, error) {
	if strings.TrimSpace(req.ItemsJSON) == "" {
		return order{}, errors.New("items_json is required")
	}
	total, err := requireAmount("total", req.Total)
	if err != nil {
		return order{}, err
	}
	subtotal, err := optionalAmount("subtotal", req.Subtotal)
	if err != nil {
		return order{}, err
	}
	shipping, err := optionalAmount("shipping", req.Shipping)
	if err != nil {
		return order{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}
	now := time.Now().UTC()
	return order{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		CustomerID:          strings.TrimSpace(req.CustomerID),
		CustomerEmail:       strings.TrimSpace(req.CustomerEmail),
		ItemsJSON:           req.ItemsJSON,
		Subtotal:            subtotal,
		Shipping:            shipping,
		Total:               total,
		Currency:            currency,
		ShippingAddressJSON: req.ShippingAddressJSON,
		PaymentMethod:       strings.TrimSpace(req.PaymentMethod),
		PaymentStatus:       paymentPending,
		OrderStatus:         statusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func requireAmount(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return optionalAmount(field, raw)
}

func optionalAmount(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("%s is not a valid decimal amount", field)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("%s must not be negative", field)
	}
	return d.StringFixed(2), nil
}

func normalizeStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	switch s {
	case statusPending, statusConfirmed, statusShipped, statusDelivered, statusCancelled:
		return s
	default:
		return ""
	}
}

// validTransition is the admin fulfillment progression. PENDING is owned
// by the gateway callback flow and CANCELLED/DELIVERED are terminal, so
// the only moves allowed here are along the happy path after payment.
func validTransition(from, to string) bool {
	switch from {
	case statusConfirmed:
		return to == statusShipped
	case statusShipped:
		return to == statusDelivered
	default:
		return false
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
		`CREATE TABLE IF NOT EXISTS ecommerce_orders (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			customer_id TEXT,
			customer_email TEXT,
			items_json TEXT,
			subtotal NUMERIC(18,2),
			shipping NUMERIC(18,2) DEFAULT 0,
			total NUMERIC(18,2),
			currency TEXT DEFAULT 'INR',
			shipping_address_json TEXT,
			payment_method TEXT,
			payment_status TEXT CHECK (payment_status IN ('PENDING','PAID','FAILED')) DEFAULT 'PENDING',
			order_status TEXT CHECK (order_status IN ('PENDING','CONFIRMED','SHIPPED','DELIVERED','CANCELLED')) DEFAULT 'PENDING',
			tracking_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tenant_created ON ecommerce_orders (tenant_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_tenant_status ON ecommerce_orders (tenant_id, order_status)`,
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

func (s *service) createOrder(ctx context.Context, o order) error {
	if s.db == nil {
		s.memMu.Lock()
		s.memByID[o.ID] = o
		s.memMu.Unlock()
		s.invalidateTenantCache(o.TenantID)
		return nil
	}
	q := `INSERT INTO ecommerce_orders (id, tenant_id, customer_id, customer_email, items_json, subtotal, shipping, total, currency, shipping_address_json, payment_method, payment_status, order_status, tracking_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	var subtotal, shipping, total sql.NullString
	if o.Subtotal != "" {
		subtotal = sql.NullString{String: o.Subtotal, Valid: true}
	}
	if o.Shipping != "" {
		shipping = sql.NullString{String: o.Shipping, Valid: true}
	}
	if o.Total != "" {
		total = sql.NullString{String: o.Total, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, q,
		o.ID, o.TenantID, nilIfEmpty(o.CustomerID), nilIfEmpty(o.CustomerEmail),
		nilIfEmpty(o.ItemsJSON), subtotal, shipping, total, o.Currency,
		nilIfEmpty(o.ShippingAddressJSON), nilIfEmpty(o.PaymentMethod),
		o.PaymentStatus, o.OrderStatus, nilIfEmpty(o.TrackingID),
		o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return err
	}
	s.invalidateTenantCache(o.TenantID)
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

func (s *service) getByID(ctx context.Context, tenantID, id string) (order, error) {
	if s.db == nil {
		s.memMu.RLock()
		o, ok := s.memByID[id]
		s.memMu.RUnlock()
		if !ok || o.TenantID != tenantID {
			return order{}, sql.ErrNoRows
		}
		return o, nil
	}

	q := `SELECT id, tenant_id, customer_id, customer_email, items_json, subtotal, shipping, total, currency, shipping_address_json, payment_method, payment_status, order_status, tracking_id, created_at, updated_at
		FROM ecommerce_orders WHERE tenant_id=$1 AND id=$2`
	var o order
	var customerID, customerEmail, itemsJSON, subtotal, shipping, total, shippingAddr, paymentMethod, trackingID sql.NullString
	err := s.db.QueryRowContext(ctx, q, tenantID, id).Scan(
		&o.ID, &o.TenantID, &customerID, &customerEmail, &itemsJSON,
		&subtotal, &shipping, &total, &o.Currency, &shippingAddr,
		&paymentMethod, &o.PaymentStatus, &o.OrderStatus, &trackingID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return order{}, err
	}
	o.CustomerID = customerID.String
	o.CustomerEmail = customerEmail.String
	o.ItemsJSON = itemsJSON.String
	o.Subtotal = subtotal.String
	o.Shipping = shipping.String
	o.Total = total.String
	o.ShippingAddressJSON = shippingAddr.String
	o.PaymentMethod = paymentMethod.String
	o.TrackingID = trackingID.String
	return o, nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (s *service) listOrders(ctx context.Context, tenantID, customerID, status, cursor string, limit int) (listResponse, error) {
	if cursor == "" {
		if cached, ok := s.getListCache(tenantID, customerID, status, cursor, limit); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	if s.db == nil {
		resp := s.listOrdersMemory(tenantID, customerID, status, cursor, limit)
		if cursor == "" {
			s.setListCache(tenantID, customerID, status, cursor, limit, resp)
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
	if customerID != "" {
		where = append(where, fmt.Sprintf("customer_id = $%d", nextArg))
		args = append(args, customerID)
		nextArg++
	}
	if status != "" {
		where = append(where, fmt.Sprintf("order_status = $%d", nextArg))
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
		SELECT id, tenant_id, customer_id, customer_email, items_json, subtotal, shipping, total, currency, shipping_address_json, payment_method, payment_status, order_status, tracking_id, created_at, updated_at
		FROM ecommerce_orders
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), nextArg)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return listResponse{}, err
	}
	defer rows.Close()

	items := make([]order, 0, limit)
	for rows.Next() {
		var o order
		var cid, cemail, ijson, sub, ship, tot, saJSON, pm, tid sql.NullString
		if err := rows.Scan(&o.ID, &o.TenantID, &cid, &cemail, &ijson, &sub, &ship, &tot, &o.Currency, &saJSON, &pm, &o.PaymentStatus, &o.OrderStatus, &tid, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return listResponse{}, err
		}
		o.CustomerID = cid.String
		o.CustomerEmail = cemail.String
		o.ItemsJSON = ijson.String
		o.Subtotal = sub.String
		o.Shipping = ship.String
		o.Total = tot.String
		o.ShippingAddressJSON = saJSON.String
		o.PaymentMethod = pm.String
		o.TrackingID = tid.String
		items = append(items, o)
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
		s.setListCache(tenantID, customerID, status, cursor, limit, resp)
	}
	return resp, nil
}

func (s *service) listOrdersMemory(tenantID, customerID, status, cursor string, limit int) listResponse {
	s.memMu.RLock()
	items := make([]order, 0)
	for _, o := range s.memByID {
		if o.TenantID != tenantID {
			continue
		}
		if customerID != "" && o.CustomerID != customerID {
			continue
		}
		if status != "" && o.OrderStatus != normalizeStatus(status) {
			continue
		}
		items = append(items, o)
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

func (s *service) updateOrder(ctx context.Context, tenantID, id string, req updateOrderRequest) (order, error) {
	if req.CustomerEmail == nil && req.ShippingAddressJSON == nil && req.OrderStatus == nil && req.TrackingID == nil {
		return order{}, errors.New("empty update payload")
	}

	var nextStatus string
	if req.OrderStatus != nil {
		nextStatus = normalizeStatus(*req.OrderStatus)
		if nextStatus == "" {
			return order{}, errors.New("invalid order_status")
		}
	}

	if s.db == nil {
		s.memMu.Lock()
		o, ok := s.memByID[id]
		if !ok || o.TenantID != tenantID {
			s.memMu.Unlock()
			return order{}, sql.ErrNoRows
		}
		if nextStatus != "" && nextStatus != o.OrderStatus {
			if !validTransition(o.OrderStatus, nextStatus) {
				s.memMu.Unlock()
				return order{}, fmt.Errorf("%w: %s to %s", errBadTransition, o.OrderStatus, nextStatus)
			}
			o.OrderStatus = nextStatus
		}
		if req.CustomerEmail != nil {
			o.CustomerEmail = strings.TrimSpace(*req.CustomerEmail)
		}
		if req.ShippingAddressJSON != nil {
			o.ShippingAddressJSON = *req.ShippingAddressJSON
		}
		if req.TrackingID != nil {
			o.TrackingID = strings.TrimSpace(*req.TrackingID)
		}
		o.UpdatedAt = time.Now().UTC()
		s.memByID[id] = o
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return o, nil
	}

	current, err := s.getByID(ctx, tenantID, id)
	if err != nil {
		return order{}, err
	}
	if nextStatus != "" && nextStatus != current.OrderStatus && !validTransition(current.OrderStatus, nextStatus) {
		return order{}, fmt.Errorf("%w: %s to %s", errBadTransition, current.OrderStatus, nextStatus)
	}

	assignments := make([]string, 0, 5)
	args := []any{tenantID, id}
	next := 3
	if req.CustomerEmail != nil {
		assignments = append(assignments, fmt.Sprintf("customer_email = $%d", next))
		args = append(args, strings.TrimSpace(*req.CustomerEmail))
		next++
	}
	if req.ShippingAddressJSON != nil {
		assignments = append(assignments, fmt.Sprintf("shipping_address_json = $%d", next))
		args = append(args, *req.ShippingAddressJSON)
		next++
	}
	if req.TrackingID != nil {
		assignments = append(assignments, fmt.Sprintf("tracking_id = $%d", next))
		args = append(args, strings.TrimSpace(*req.TrackingID))
		next++
	}
	if nextStatus != "" && nextStatus != current.OrderStatus {
		// Guard on the status read above so a concurrent transition
		// cannot be silently overwritten.
		assignments = append(assignments, fmt.Sprintf("order_status = $%d", next))
		args = append(args, nextStatus)
		next++
	}

	assignments = append(assignments, fmt.Sprintf("updated_at = $%d", next))
	args = append(args, time.Now().UTC())

	q := fmt.Sprintf(`UPDATE ecommerce_orders SET %s WHERE tenant_id = $1 AND id = $2 AND order_status = $%d`, strings.Join(assignments, ", "), next+1)
	args = append(args, current.OrderStatus)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return order{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return order{}, err
	}
	if affected == 0 {
		return order{}, fmt.Errorf("%w: order moved concurrently", errBadTransition)
	}
	s.invalidateTenantCache(tenantID)
	return s.getByID(ctx, tenantID, id)
}

// ---------------------------------------------------------------------------
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *service) deleteOrder(ctx context.Context, tenantID, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		o, ok := s.memByID[id]
		if !ok || o.TenantID != tenantID {
			s.memMu.Unlock()
			return sql.ErrNoRows
		}
		delete(s.memByID, id)
		s.memMu.Unlock()
		s.invalidateTenantCache(tenantID)
		return nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM ecommerce_orders WHERE tenant_id=$1 AND id=$2`, tenantID, id)
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

func (s *service) explainList(ctx context.Context, tenantID, customerID, status string) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}

	args := []any{tenantID}
	where := []string{"tenant_id = $1"}
	nextArg := 2
	if customerID != "" {
		where = append(where, fmt.Sprintf("customer_id = $%d", nextArg))
		args = append(args, customerID)
		nextArg++
	}
	if status != "" {
		where = append(where, fmt.Sprintf("order_status = $%d", nextArg))
		args = append(args, normalizeStatus(status))
		nextArg++
	}
	planQuery := fmt.Sprintf(`EXPLAIN (ANALYZE FALSE, FORMAT JSON)
		SELECT id, tenant_id, customer_id, customer_email, items_json, subtotal, shipping, total, currency, shipping_address_json, payment_method, payment_status, order_status, tracking_id, created_at, updated_at
		FROM ecommerce_orders
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

func (s *service) getListCache(tenantID, customerID, status, cursor string, limit int) (listResponse, bool) {
	key := cacheKey(tenantID, customerID, status, cursor, limit)
	s.cacheMu.RLock()
	item, ok := s.listCache[key]
	s.cacheMu.RUnlock()
	if !ok || time.Now().After(item.Expires) {
		return listResponse{}, false
	}
	return item.Response, true
}

func (s *service) setListCache(tenantID, customerID, status, cursor string, limit int, value listResponse) {
	key := cacheKey(tenantID, customerID, status, cursor, limit)
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

func cacheKey(tenantID, customerID, status, cursor string, limit int) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", tenantID, customerID, normalizeStatus(status), cursor, limit)
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
