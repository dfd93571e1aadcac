package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transfers" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Transfer{ID: "tr_1", Status: "pending", Amount: 42, Currency: "USDC"})
	}))
	defer srv.Close()

	c := New("sandbox", "sk-test")
	c.BaseURL = srv.URL
	tr, err := c.CreateTransfer(context.Background(), TransferRequest{
		SourceWalletID:      "w-src",
		DestinationWalletID: "w-dst",
		Amount:              42,
		Currency:            "USDC",
		IdempotencyKey:      "txn_123",
	})
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if tr.ID != "tr_1" {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if gotKey != "txn_123" {
		t.Fatalf("idempotency key not forwarded, got %q", gotKey)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["source_wallet_id"] != "w-src" || gotBody["destination_wallet_id"] != "w-dst" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"code":"insufficient_funds","message":"wallet balance too low"}`))
	}))
	defer srv.Close()

	c := New("sandbox", "sk-test")
	c.BaseURL = srv.URL
	_, err := c.CreateTransfer(context.Background(), TransferRequest{Amount: 1, Currency: "USDC"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Code != "insufficient_funds" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestEnvironmentBaseURLs(t *testing.T) {
	if got := New("sandbox", "").BaseURL; got != SandboxBaseURL {
		t.Fatalf("sandbox base url %q", got)
	}
	if got := New("production", "").BaseURL; got != ProductionBaseURL {
		t.Fatalf("production base url %q", got)
	}
}

func TestWebhookSignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"event_type":"transfer.updated"}`)
	sig := SignPayload(payload, "secret")
	if !VerifyWebhookSignature(payload, sig, "secret") {
		t.Fatal("valid signature rejected")
	}
	if !VerifyWebhookSignature(payload, "sha256="+sig, "secret") {
		t.Fatal("prefixed signature rejected")
	}
	if VerifyWebhookSignature(payload, sig, "other") {
		t.Fatal("wrong secret accepted")
	}
	if VerifyWebhookSignature([]byte(`{}`), sig, "secret") {
		t.Fatal("tampered payload accepted")
	}
	if VerifyWebhookSignature(payload, "", "secret") {
		t.Fatal("empty signature accepted")
	}
}
