package main

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
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

// order is the slice of the orders row this service is allowed to touch:
// the two status columns, plus the total for the amount cross-check.
type order struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Total         string    `json:"total,omitempty"`
	PaymentStatus string    `json:"payment_status"`
	OrderStatus   string    `json:"order_status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// paymentOutcome is the gateway's reported result of a payment attempt.
// The wire values are free-form strings; internally the domain is closed.
type paymentOutcome int

const (
	outcomeFailed paymentOutcome = iota
	outcomeSuccess
	outcomeAborted
	outcomeInvalid
	outcomeTimeout
)

func (o paymentOutcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeAborted:
		return "aborted"
	case outcomeInvalid:
		return "invalid"
	case outcomeTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// callbackResult is what survives of a gateway callback once it has been
// decrypted and parsed: the order reference, the outcome, and the raw
// fields for logging. The ciphertext itself is never persisted.
type callbackResult struct {
	OrderRef  string
	Outcome   paymentOutcome
	RawFields map[string]string
}

type paymentRequestInput struct {
	OrderID     string `json:"order_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
	CancelURL   string `json:"cancel_url"`
}

const (
	paymentPending = "PENDING"
	paymentPaid    = "PAID"
	paymentFailed  = "FAILED"

	orderPending   = "PENDING"
	orderConfirmed = "CONFIRMED"
	orderCancelled = "CANCELLED"
)

var (
	errBadRequest       = errors.New("malformed callback request")
	errDecryptionFailed = errors.New("callback decryption failed")
	errInvalidPayload   = errors.New("callback payload missing required fields")
	errOrderNotFound    = errors.New("order not found")
)

type service struct {
	db         *sql.DB
	workingKey string
	merchantID string
	gatewayURL string
	memMu      sync.RWMutex
	memByID    map[string]order
}

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	port := env("PORT", "8080")
	svc := &service{
		workingKey: env("PAYMENT_WORKING_KEY", ""),
		merchantID: env("PAYMENT_MERCHANT_ID", ""),
		gatewayURL: env("PAYMENT_GATEWAY_URL", "https://secure.gateway.example/transaction"),
		memByID:    make(map[string]order),
	}
	if svc.workingKey == "" {
		log.Printf("warn: PAYMENT_WORKING_KEY not set, callbacks will be rejected")
	}

	if db, err := connectDB(); err != nil {
		log.Printf("warn: database unavailable, running payment webhook in memory mode: %v", err)
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

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           withServerDefaults(svc.routes()),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	log.Printf("payment-webhook-service listening on :%s", port)
	log.Fatal(srv.ListenAndServe())
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (s *service) routes() http.Handler {
	mux := http.NewServeMux()
	module := env("MODULE_NAME", "VedaLeaf-Commerce")

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		mode := "postgres"
		if s.db == nil {
			mode = "memory"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": module, "service": "payment-webhook-service", "mode": mode})
	})

	mux.HandleFunc("/v1/payments/callback", s.handleCallback)
	mux.HandleFunc("/v1/payments/request", s.handlePaymentRequest)

	return mux
}

// handleCallback is the gateway's webhook target. The gateway delivers
// at least once and may replay; every branch below must leave the order
// row either untouched or fully transitioned, never half-written.
func (s *service) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed form body"})
		return
	}
	encResp := strings.TrimSpace(r.PostFormValue("encResp"))
	if encResp == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing encResp"})
		return
	}
	if s.workingKey == "" {
		log.Printf("error: callback received but no working key configured")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "gateway integration not configured"})
		return
	}

	plain, err := decryptCallback(s.workingKey, encResp)
	if err != nil {
		if errors.Is(err, errBadRequest) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed encResp"})
			return
		}
		// Wrong key or corrupted ciphertext. Log the shape, never the
		// ciphertext or key material.
		log.Printf("error: callback decryption failed (ciphertext %d hex chars): %v", len(encResp), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "decryption failed"})
		return
	}

	result, err := extractResult(parseCallbackFields(plain))
	if err != nil {
		log.Printf("error: gateway callback decrypted but unusable: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid callback payload"})
		return
	}

	if err := s.applyOutcome(r.Context(), result); err != nil {
		if errors.Is(err, errOrderNotFound) {
			// Acknowledge anyway: the gateway would otherwise retry an
			// unrecoverable delivery forever. Operators chase this from
			// the log line.
			log.Printf("error: callback for unknown order %q (tracking %q, outcome %s)",
				result.OrderRef, result.RawFields["tracking_id"], result.Outcome)
			writeJSON(w, http.StatusOK, map[string]any{"status": "acknowledged", "note": "order not found", "event_topic": "vedaleaf.ecommerce.payment.callback.orphaned"})
			return
		}
		log.Printf("error: persisting outcome for order %q failed: %v", result.OrderRef, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "persistence failure"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "acknowledged", "order_id": result.OrderRef, "outcome": result.Outcome.String(), "event_topic": "vedaleaf.ecommerce.payment.callback.processed"})
}

// handlePaymentRequest builds the encrypted request blob the checkout
// page posts to the gateway's hosted payment form.
func (s *service) handlePaymentRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.workingKey == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "gateway integration not configured"})
		return
	}
	var req paymentRequestInput
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || !validOrderRef(strings.TrimSpace(req.OrderID)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order_id"})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a positive decimal"})
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	vals := url.Values{}
	vals.Set("merchant_id", s.merchantID)
	vals.Set("order_id", strings.TrimSpace(req.OrderID))
	vals.Set("amount", amount.StringFixed(2))
	vals.Set("currency", currency)
	vals.Set("redirect_url", strings.TrimSpace(req.RedirectURL))
	vals.Set("cancel_url", strings.TrimSpace(req.CancelURL))

	encRequest, err := encryptRequest(s.workingKey, []byte(vals.Encode()))
	if err != nil {
		log.Printf("error: building payment request for order %q failed: %v", req.OrderID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encryption failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"enc_request": encRequest,
		"gateway_url": s.gatewayURL,
		"event_topic": "vedaleaf.ecommerce.payment.request.created",
	})
}

// ---------------------------------------------------------------------------
// Gateway crypto
// ---------------------------------------------------------------------------

// The gateway's integration kit derives the AES-128 key by MD5-hashing
// the UTF-8 bytes of the shared working key and fixes the CBC IV to the
// byte sequence 0x00..0x0f. Older sample code that reuses the raw
// working key as both key and IV does not interoperate with what the
// gateway actually sends.
var gatewayIV = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}

func derivedKey(workingKey string) []byte {
	sum := md5.Sum([]byte(workingKey))
	return sum[:]
}

func encryptRequest(workingKey string, plain []byte) (string, error) {
	block, err := aes.NewCipher(derivedKey(workingKey))
	if err != nil {
		return "", err
	}
	padded := padPKCS7(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, gatewayIV).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

func decryptCallback(workingKey, encHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encHex))
	if err != nil {
		return nil, fmt.Errorf("%w: not hex encoded", errBadRequest)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", errBadRequest, len(raw))
	}
	block, err := aes.NewCipher(derivedKey(workingKey))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, gatewayIV).CryptBlocks(buf, raw)
	plain, err := stripPKCS7(buf, aes.BlockSize)
	if err != nil {
		return nil, errDecryptionFailed
	}
	return plain, nil
}

func padPKCS7(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func stripPKCS7(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n < 1 || n > blockSize || n > len(b) {
		return nil, errors.New("invalid padding byte")
	}
	for _, pad := range b[len(b)-n:] {
		if int(pad) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return b[:len(b)-n], nil
}

// ---------------------------------------------------------------------------
// Payload parsing
// ---------------------------------------------------------------------------

// parseCallbackFields splits the decrypted plaintext as &-joined
// key=value pairs. A pair without '=' is skipped rather than aborting
// the rest; unknown keys ride along in the map untouched.
func parseCallbackFields(plain []byte) map[string]string {
	fields := make(map[string]string)
	for _, pair := range strings.Split(string(plain), "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := url.QueryUnescape(kv[1])
		if err != nil {
			val = kv[1]
		}
		fields[kv[0]] = val
	}
	return fields
}

func extractResult(fields map[string]string) (callbackResult, error) {
	ref := strings.TrimSpace(fields["order_id"])
	rawOutcome := strings.TrimSpace(fields["order_status"])
	if ref == "" {
		return callbackResult{}, fmt.Errorf("%w: no order_id", errInvalidPayload)
	}
	if rawOutcome == "" {
		return callbackResult{}, fmt.Errorf("%w: no order_status", errInvalidPayload)
	}
	if !validOrderRef(ref) {
		return callbackResult{}, fmt.Errorf("%w: order_id %q is neither numeric nor a UUID", errInvalidPayload, ref)
	}
	return callbackResult{OrderRef: ref, Outcome: parseOutcome(rawOutcome), RawFields: fields}, nil
}

// Order references arrive either as the numeric id used by the web
// checkout or as the UUID assigned to guest orders. The reference stays
// an opaque string everywhere past this shape check.
func validOrderRef(ref string) bool {
	if _, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return true
	}
	_, err := uuid.Parse(ref)
	return err == nil
}

func parseOutcome(raw string) paymentOutcome {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return outcomeSuccess
	case "aborted":
		return outcomeAborted
	case "invalid":
		return outcomeInvalid
	case "timeout":
		return outcomeTimeout
	default:
		// Unrecognized provider strings land on the failure arm.
		return outcomeFailed
	}
}

// mapOutcome is the full outcome-to-state table: Success confirms,
// every other outcome cancels.
func mapOutcome(o paymentOutcome) (paymentStatus, orderStatus string) {
	if o == outcomeSuccess {
		return paymentPaid, orderConfirmed
	}
	return paymentFailed, orderCancelled
}

// ---------------------------------------------------------------------------
// Order state updater
// ---------------------------------------------------------------------------

// applyOutcome transitions the order row named by the callback. Both
// status columns move in one statement, guarded on the row still being
// PENDING, so replays and out-of-order deliveries converge:
//   - same outcome again: detected no-op, no write, no error
//   - different outcome after a terminal state: logged, ignored
//   - concurrent deliveries: one wins the guarded UPDATE, the rest
//     see zero rows affected and stop
func (s *service) applyOutcome(ctx context.Context, res callbackResult) error {
	payStatus, ordStatus := mapOutcome(res.Outcome)

	if s.db == nil {
		return s.applyOutcomeMemory(res, payStatus, ordStatus)
	}

	var curPay, curOrd string
	var total sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_status, order_status, total FROM ecommerce_orders WHERE id = $1`,
		res.OrderRef,
	).Scan(&curPay, &curOrd, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return errOrderNotFound
	}
	if err != nil {
		return err
	}

	logAmountMismatch(res, total.String)

	if curPay == payStatus && curOrd == ordStatus {
		return nil
	}
	if curOrd != orderPending {
		log.Printf("warn: stale callback for order %s ignored, row already %s", res.OrderRef, curOrd)
		return nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE ecommerce_orders SET payment_status = $1, order_status = $2, updated_at = $3 WHERE id = $4 AND order_status = $5`,
		payStatus, ordStatus, time.Now().UTC(), res.OrderRef, orderPending,
	)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		// A concurrent delivery moved the row first. Converged; done.
		log.Printf("warn: order %s transitioned by a concurrent callback", res.OrderRef)
	}
	return nil
}

func (s *service) applyOutcomeMemory(res callbackResult, payStatus, ordStatus string) error {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	o, ok := s.memByID[res.OrderRef]
	if !ok {
		return errOrderNotFound
	}

	logAmountMismatch(res, o.Total)

	if o.PaymentStatus == payStatus && o.OrderStatus == ordStatus {
		return nil
	}
	if o.OrderStatus != orderPending {
		log.Printf("warn: stale callback for order %s ignored, row already %s", res.OrderRef, o.OrderStatus)
		return nil
	}

	o.PaymentStatus = payStatus
	o.OrderStatus = ordStatus
	o.UpdatedAt = time.Now().UTC()
	s.memByID[res.OrderRef] = o
	return nil
}

// logAmountMismatch cross-checks the callback amount against the stored
// order total. The mismatch never changes the state transition (the
// mapping is a pure function of the outcome code); it is surfaced for
// operator follow-up only.
func logAmountMismatch(res callbackResult, total string) {
	raw := strings.TrimSpace(res.RawFields["amount"])
	if raw == "" || strings.TrimSpace(total) == "" {
		return
	}
	got, err := decimal.NewFromString(raw)
	if err != nil {
		return
	}
	want, err := decimal.NewFromString(strings.TrimSpace(total))
	if err != nil {
		return
	}
	if !got.Equal(want) {
		log.Printf("warn: amount mismatch on order %s: callback reports %s, order total is %s", res.OrderRef, got.StringFixed(2), want.StringFixed(2))
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
