package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

const testWorkingKey = "A1B2C3D4E5F60718293A4B5C6D7E8F90"

func newTestService(orders ...order) *service {
	svc := &service{
		workingKey: testWorkingKey,
		merchantID: "merchant-42",
		gatewayURL: "https://secure.gateway.example/transaction",
		memByID:    make(map[string]order),
	}
	for _, o := range orders {
		svc.memByID[o.ID] = o
	}
	return svc
}

func pendingOrder(id string) order {
	return order{
		ID:            id,
		TenantID:      "tenant-a",
		Total:         "150.00",
		PaymentStatus: paymentPending,
		OrderStatus:   orderPending,
		UpdatedAt:     time.Now().UTC(),
	}
}

func postCallback(t *testing.T, svc *service, encResp string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	if encResp != "" {
		form.Set("encResp", encResp)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	svc.routes().ServeHTTP(rr, req)
	return rr
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload := "amount=150.00&billing_name=Asha%20Rao&order_id=42&order_status=Success&tracking_id=311234567890"

	encHex, err := encryptRequest(testWorkingKey, []byte(payload))
	if err != nil {
		t.Fatalf("encryptRequest returned error: %v", err)
	}
	plain, err := decryptCallback(testWorkingKey, encHex)
	if err != nil {
		t.Fatalf("decryptCallback returned error: %v", err)
	}
	if string(plain) != payload {
		t.Fatalf("round trip mismatch: got %q want %q", plain, payload)
	}

	fields := parseCallbackFields(plain)
	want := map[string]string{
		"amount":       "150.00",
		"billing_name": "Asha Rao",
		"order_id":     "42",
		"order_status": "Success",
		"tracking_id":  "311234567890",
	}
	if len(fields) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(fields))
	}
	for k, v := range want {
		if fields[k] != v {
			t.Fatalf("field %s mismatch: got %q want %q", k, fields[k], v)
		}
	}
}

func TestParseSkipsMalformedPairs(t *testing.T) {
	fields := parseCallbackFields([]byte("order_id=42&notapair&order_status=Success&&trailing"))
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d: %v", len(fields), fields)
	}
	if fields["order_id"] != "42" || fields["order_status"] != "Success" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestOutcomeMappingTotality(t *testing.T) {
	for _, o := range []paymentOutcome{outcomeFailed, outcomeSuccess, outcomeAborted, outcomeInvalid, outcomeTimeout} {
		pay, ord := mapOutcome(o)
		if o == outcomeSuccess {
			if pay != paymentPaid || ord != orderConfirmed {
				t.Fatalf("success mapped to (%s, %s)", pay, ord)
			}
			continue
		}
		if pay != paymentFailed || ord != orderCancelled {
			t.Fatalf("outcome %s mapped to (%s, %s), want (FAILED, CANCELLED)", o, pay, ord)
		}
	}

	// Provider strings the enum has never heard of land on the failure arm.
	if parseOutcome("Chargeback-Window-Open") != outcomeFailed {
		t.Fatal("unknown provider string should parse as failed")
	}
}

func TestValidOrderRef(t *testing.T) {
	if !validOrderRef("42") {
		t.Fatal("numeric reference should be valid")
	}
	if !validOrderRef("2f3a9c1e-8b4d-4e6f-9a0b-1c2d3e4f5a6b") {
		t.Fatal("uuid reference should be valid")
	}
	if validOrderRef("drop table orders") {
		t.Fatal("arbitrary string should be rejected")
	}
	if validOrderRef("-7") {
		t.Fatal("negative reference should be rejected")
	}
}

func TestApplyOutcomeSuccessAndIdempotence(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	res := callbackResult{
		OrderRef:  "42",
		Outcome:   outcomeSuccess,
		RawFields: map[string]string{"amount": "150.00"},
	}

	if err := svc.applyOutcome(context.Background(), res); err != nil {
		t.Fatalf("first applyOutcome returned error: %v", err)
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentPaid || got.OrderStatus != orderConfirmed {
		t.Fatalf("after success callback: (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}

	firstUpdate := got.UpdatedAt
	if err := svc.applyOutcome(context.Background(), res); err != nil {
		t.Fatalf("replayed applyOutcome returned error: %v", err)
	}
	again := svc.memByID["42"]
	if again.PaymentStatus != paymentPaid || again.OrderStatus != orderConfirmed {
		t.Fatalf("replay changed state: (%s, %s)", again.PaymentStatus, again.OrderStatus)
	}
	if !again.UpdatedAt.Equal(firstUpdate) {
		t.Fatal("replay should be a detected no-op, not a rewrite")
	}
}

func TestApplyOutcomeFailureBranch(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	res := callbackResult{OrderRef: "42", Outcome: parseOutcome("Aborted"), RawFields: map[string]string{}}

	if err := svc.applyOutcome(context.Background(), res); err != nil {
		t.Fatalf("applyOutcome returned error: %v", err)
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentFailed || got.OrderStatus != orderCancelled {
		t.Fatalf("after aborted callback: (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}
}

func TestConcurrentCallbacksConvergeOnOnePair(t *testing.T) {
	for i := 0; i < 50; i++ {
		svc := newTestService(pendingOrder("42"))
		success := callbackResult{OrderRef: "42", Outcome: outcomeSuccess, RawFields: map[string]string{}}
		aborted := callbackResult{OrderRef: "42", Outcome: outcomeAborted, RawFields: map[string]string{}}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := svc.applyOutcome(context.Background(), success); err != nil {
				t.Errorf("success applyOutcome returned error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := svc.applyOutcome(context.Background(), aborted); err != nil {
				t.Errorf("aborted applyOutcome returned error: %v", err)
			}
		}()
		wg.Wait()

		got := svc.memByID["42"]
		paid := got.PaymentStatus == paymentPaid && got.OrderStatus == orderConfirmed
		failed := got.PaymentStatus == paymentFailed && got.OrderStatus == orderCancelled
		if !paid && !failed {
			t.Fatalf("racing callbacks left a mixed pair: (%s, %s)", got.PaymentStatus, got.OrderStatus)
		}
	}
}

func TestStaleCallbackDoesNotRegressTerminalState(t *testing.T) {
	confirmed := pendingOrder("42")
	confirmed.PaymentStatus = paymentPaid
	confirmed.OrderStatus = orderConfirmed
	svc := newTestService(confirmed)

	res := callbackResult{OrderRef: "42", Outcome: outcomeTimeout, RawFields: map[string]string{}}
	if err := svc.applyOutcome(context.Background(), res); err != nil {
		t.Fatalf("stale applyOutcome returned error: %v", err)
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentPaid || got.OrderStatus != orderConfirmed {
		t.Fatalf("stale callback regressed state to (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}
}

func TestApplyOutcomeOrderNotFound(t *testing.T) {
	svc := newTestService()
	err := svc.applyOutcome(context.Background(), callbackResult{OrderRef: "99", Outcome: outcomeSuccess, RawFields: map[string]string{}})
	if err == nil {
		t.Fatal("expected errOrderNotFound")
	}
	if err != errOrderNotFound {
		t.Fatalf("expected errOrderNotFound, got %v", err)
	}
}

func TestCallbackHandlerSuccess(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	encResp, err := encryptRequest(testWorkingKey, []byte("order_id=42&order_status=Success&amount=150.00"))
	if err != nil {
		t.Fatalf("encryptRequest returned error: %v", err)
	}

	rr := postCallback(t, svc, encResp)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentPaid || got.OrderStatus != orderConfirmed {
		t.Fatalf("order row after callback: (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}
}

func TestCallbackHandlerMissingField(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	rr := postCallback(t, svc, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing encResp, got %d", rr.Code)
	}
}

func TestCallbackHandlerNonHexCiphertext(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	rr := postCallback(t, svc, "zz-not-hex")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-hex encResp, got %d", rr.Code)
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentPending || got.OrderStatus != orderPending {
		t.Fatalf("order row changed by rejected request: (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}
}

func TestCallbackHandlerWrongKey(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	encResp, err := encryptRequest("not-the-configured-working-key", []byte("order_id=42&order_status=Success"))
	if err != nil {
		t.Fatalf("encryptRequest returned error: %v", err)
	}

	rr := postCallback(t, svc, encResp)
	if rr.Code != http.StatusInternalServerError && rr.Code != http.StatusBadRequest {
		t.Fatalf("expected error status for wrong-key ciphertext, got %d", rr.Code)
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentPending || got.OrderStatus != orderPending {
		t.Fatalf("order row changed by undecryptable callback: (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}
}

func TestCallbackHandlerInvalidPayload(t *testing.T) {
	svc := newTestService(pendingOrder("42"))
	// Decrypts fine, but carries no order identity.
	encResp, err := encryptRequest(testWorkingKey, []byte("order_status=Success&amount=150.00"))
	if err != nil {
		t.Fatalf("encryptRequest returned error: %v", err)
	}

	rr := postCallback(t, svc, encResp)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for payload without order_id, got %d", rr.Code)
	}
	got := svc.memByID["42"]
	if got.PaymentStatus != paymentPending || got.OrderStatus != orderPending {
		t.Fatalf("order row changed by invalid payload: (%s, %s)", got.PaymentStatus, got.OrderStatus)
	}
}

func TestCallbackHandlerUnknownOrderStillAcknowledged(t *testing.T) {
	svc := newTestService()
	encResp, err := encryptRequest(testWorkingKey, []byte("order_id=77&order_status=Success"))
	if err != nil {
		t.Fatalf("encryptRequest returned error: %v", err)
	}

	rr := postCallback(t, svc, encResp)
	if rr.Code != http.StatusOK {
		t.Fatalf("unknown order must still be acknowledged, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "order not found") {
		t.Fatalf("acknowledgement should note the orphaned callback: %s", rr.Body.String())
	}
}

func TestPaymentRequestHandler(t *testing.T) {
	svc := newTestService()
	body := `{"order_id":"42","amount":"150.00","currency":"inr","redirect_url":"https://shop.example/thank-you","cancel_url":"https://shop.example/cart"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/request", strings.NewReader(body))
	rr := httptest.NewRecorder()
	svc.routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "enc_request") {
		t.Fatalf("response missing enc_request: %s", rr.Body.String())
	}

	bad := `{"order_id":"42","amount":"-5"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/payments/request", strings.NewReader(bad))
	rr = httptest.NewRecorder()
	svc.routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive amount, got %d", rr.Code)
	}
}

func TestStripPKCS7RejectsGarbage(t *testing.T) {
	if _, err := stripPKCS7([]byte{}, 16); err == nil {
		t.Fatal("empty input should be rejected")
	}
	block := make([]byte, 16)
	block[15] = 0x00
	if _, err := stripPKCS7(block, 16); err == nil {
		t.Fatal("zero padding byte should be rejected")
	}
	block[15] = 0x03
	block[14] = 0x03
	block[13] = 0x07
	if _, err := stripPKCS7(block, 16); err == nil {
		t.Fatal("inconsistent padding should be rejected")
	}
}
