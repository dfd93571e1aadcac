package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"payline/internal/bridge"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-hook-secret"
)

type stubRail struct {
	transfers int
}

func (s *stubRail) CreateTransfer(_ context.Context, req bridge.TransferRequest) (bridge.Transfer, error) {
	s.transfers++
	return bridge.Transfer{ID: "tr_stub_1", Status: "completed", Amount: req.Amount, Currency: req.Currency}, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Bridge.WebhookSecret = testWebhookSecret
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, &stubRail{})
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyOwnerHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders() map[string]string {
	return map[string]string{"X-Owner-Id": "user-1"}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerTestAgent(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents", map[string]any{
		"id":         id,
		"name":       id,
		"public_key": "pk-" + id,
	}, authHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s status %d: %s", id, res.StatusCode, string(body))
	}
}

func TestConsensusFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerTestAgent(t, srv, "initiator")
	validators := []string{"val-1", "val-2", "val-3"}
	for _, v := range validators {
		registerTestAgent(t, srv, v)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/consensus/initiate", map[string]any{
		"initiator_id":  "initiator",
		"validator_ids": validators,
		"amount":        250.0,
		"currency":      "USDC",
	}, authHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initiate status %d: %s", res.StatusCode, string(body))
	}
	var txn TransactionResponse
	if err := json.Unmarshal(body, &txn); err != nil {
		t.Fatalf("unmarshal transaction: %v", err)
	}
	if txn.Status != "pending" || txn.RequiredVotes != 3 {
		t.Fatalf("unexpected transaction %+v", txn)
	}

	for i, v := range validators {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/consensus/"+txn.ID+"/vote", map[string]any{
			"agent_id": v,
			"approve":  true,
		}, authHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("vote %d status %d: %s", i, res.StatusCode, string(body))
		}
		var out VoteOutcomeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("unmarshal outcome: %v", err)
		}
		want := "pending"
		if i == len(validators)-1 {
			want = "authorized"
		}
		if out.Status != want {
			t.Fatalf("vote %d: expected %s, got %s", i, want, out.Status)
		}
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/consensus/"+txn.ID+"/execute", map[string]any{
		"from_wallet_id": "wallet-a",
		"to_wallet_id":   "wallet-b",
	}, authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(body))
	}
	var executed TransactionResponse
	if err := json.Unmarshal(body, &executed); err != nil {
		t.Fatalf("unmarshal executed: %v", err)
	}
	if executed.Status != "completed" || executed.BridgeTransferID == nil {
		t.Fatalf("expected completed with transfer id, got %+v", executed)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/consensus/"+txn.ID, nil, authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get consensus status %d: %s", res.StatusCode, string(body))
	}
	var fetched TransactionResponse
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if len(fetched.Votes) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(fetched.Votes))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/agents/initiator/spending", nil, authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("spending status %d: %s", res.StatusCode, string(body))
	}
	var spending SpendingResponse
	if err := json.Unmarshal(body, &spending); err != nil {
		t.Fatalf("unmarshal spending: %v", err)
	}
	if spending.SpentAmount != 250 || spending.TotalActions != 1 {
		t.Fatalf("spending should reflect the payment, got %+v", spending)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized envelope, got %s", string(body))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-jwt",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/agents", map[string]any{
		"name":       "jwt-agent",
		"public_key": "pk-jwt",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register with jwt status %d: %s", res.StatusCode, string(body))
	}
	var agent AgentResponse
	if err := json.Unmarshal(body, &agent); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	if agent.OwnerID != "user-jwt" {
		t.Fatalf("owner should come from the token subject, got %q", agent.OwnerID)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d: %s", res.StatusCode, string(body))
	}
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/consensus/txn-ghost/vote", map[string]any{
		"agent_id": "val-1",
		"approve":  true,
	}, authHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "transaction_not_found" {
		t.Fatalf("expected transaction_not_found, got %q", envelope.Error.Code)
	}
}

func TestMandateVerifyEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	registerTestAgent(t, srv, "agent-m")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/agent-m/mandates", map[string]any{
		"amount":    75.0,
		"currency":  "USDC",
		"agent_key": "mandate-key",
	}, authHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mandate status %d: %s", res.StatusCode, string(body))
	}
	var mandate MandateResponse
	if err := json.Unmarshal(body, &mandate); err != nil {
		t.Fatalf("unmarshal mandate: %v", err)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/mandates/verify", map[string]any{
		"mandate":   mandate,
		"agent_key": "mandate-key",
	}, authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(body))
	}
	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil || !verdict.Valid {
		t.Fatalf("expected valid mandate, got %s", string(body))
	}

	tampered := mandate
	tampered.Amount = 9000
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/mandates/verify", map[string]any{
		"mandate":   tampered,
		"agent_key": "mandate-key",
	}, authHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify tampered status %d: %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &verdict); err != nil || verdict.Valid {
		t.Fatalf("tampered mandate must not verify, got %s", string(body))
	}
}

func TestBridgeWebhookSignature(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := []byte(`{"event_type":"transfer.updated","transfer":{"id":"tr_1","status":"completed"}}`)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/bridge", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook should be rejected, got %d", res.StatusCode)
	}

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/bridge", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Bridge-Signature", bridge.SignPayload(payload, testWebhookSecret))
	res, err = client.Do(req)
	if err != nil {
		t.Fatalf("do signed: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signed webhook should be accepted, got %d: %s", res.StatusCode, string(data))
	}
}
