package paylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Payline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Role          string         `json:"role"`
	PublicKey     string         `json:"public_key"`
	WalletID      *string        `json:"wallet_id,omitempty"`
	SpendingLimit float64        `json:"spending_limit"`
	Active        bool           `json:"active"`
	Config        map[string]any `json:"config,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// Mandate is a signed spending authorization.
type Mandate struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	ExpiresAt   string         `json:"expires_at"`
	Signature   string         `json:"signature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
}

// Vote is a recorded validator vote.
type Vote struct {
	TransactionID string `json:"transaction_id"`
	AgentID       string `json:"agent_id"`
	Vote          string `json:"vote"`
	TS            string `json:"ts"`
}

// Transaction is a consensus transaction.
type Transaction struct {
	ID               string   `json:"id"`
	InitiatorID      string   `json:"initiator_id"`
	ValidatorIDs     []string `json:"validator_ids"`
	Amount           float64  `json:"amount"`
	Currency         string   `json:"currency"`
	Description      string   `json:"description,omitempty"`
	RequiredVotes    int      `json:"required_votes"`
	Status           string   `json:"status"`
	BridgeTransferID *string  `json:"bridge_transfer_id,omitempty"`
	Votes            []Vote   `json:"votes,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	CompletedAt      *string  `json:"completed_at,omitempty"`
}

// VoteOutcome reports a transaction's state after a vote.
type VoteOutcome struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	TotalVotes    int    `json:"total_votes"`
	PositiveVotes int    `json:"positive_votes"`
	RequiredVotes int    `json:"required_votes"`
}

// Action is a spending ledger entry.
type Action struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency,omitempty"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Spending summarizes the ledger against the agent's limit.
type Spending struct {
	AgentID         string  `json:"agent_id"`
	SpendingLimit   float64 `json:"spending_limit"`
	SpentAmount     float64 `json:"spent_amount"`
	RemainingBudget float64 `json:"remaining_budget"`
	TotalActions    int     `json:"total_actions"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAgentOptions carries the optional fields for RegisterAgent.
type RegisterAgentOptions struct {
	ID            string         `json:"id,omitempty"`
	Type          string         `json:"type,omitempty"`
	Role          string         `json:"role,omitempty"`
	WalletID      string         `json:"wallet_id,omitempty"`
	SpendingLimit float64        `json:"spending_limit,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

// RegisterAgent registers an agent under the authenticated owner.
func (c *Client) RegisterAgent(ctx context.Context, name, publicKey string, opts *RegisterAgentOptions) (Agent, error) {
	body := map[string]any{
		"name":       name,
		"public_key": publicKey,
	}
	if opts != nil {
		if opts.ID != "" {
			body["id"] = opts.ID
		}
		if opts.Type != "" {
			body["type"] = opts.Type
		}
		if opts.Role != "" {
			body["role"] = opts.Role
		}
		if opts.WalletID != "" {
			body["wallet_id"] = opts.WalletID
		}
		if opts.SpendingLimit != 0 {
			body["spending_limit"] = opts.SpendingLimit
		}
		if opts.Config != nil {
			body["config"] = opts.Config
		}
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v1/agents", body, &resp)
	return resp, err
}

// GetAgent fetches an agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "v1/agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListAgents returns the authenticated owner's agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "v1/agents", nil, &resp)
	return resp, err
}

// UpdateAgent patches agent fields; nil pointers leave the field untouched.
func (c *Client) UpdateAgent(ctx context.Context, id string, patch map[string]any) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPatch, "v1/agents/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// CreateMandate issues a signed mandate for an agent. The agent key is used
// for signing and is never stored server-side.
func (c *Client) CreateMandate(ctx context.Context, agentID string, amount float64, currency, agentKey string, extra map[string]any) (Mandate, error) {
	body := map[string]any{
		"amount":    amount,
		"currency":  currency,
		"agent_key": agentKey,
	}
	for k, v := range extra {
		body[k] = v
	}
	var resp Mandate
	endpoint := fmt.Sprintf("v1/agents/%s/mandates", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetMandate fetches a mandate by id.
func (c *Client) GetMandate(ctx context.Context, id string) (Mandate, error) {
	var resp Mandate
	err := c.do(ctx, http.MethodGet, "v1/mandates/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// VerifyMandate checks a mandate's signature and expiry against an agent key.
func (c *Client) VerifyMandate(ctx context.Context, mandate Mandate, agentKey string) (bool, error) {
	body := map[string]any{
		"mandate":   mandate,
		"agent_key": agentKey,
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "v1/mandates/verify", body, &resp)
	return resp.Valid, err
}

// InitiateConsensus opens a pending consensus transaction.
func (c *Client) InitiateConsensus(ctx context.Context, initiatorID string, validatorIDs []string, amount float64, currency string, extra map[string]any) (Transaction, error) {
	body := map[string]any{
		"initiator_id":  initiatorID,
		"validator_ids": validatorIDs,
		"amount":        amount,
		"currency":      currency,
	}
	for k, v := range extra {
		body[k] = v
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "v1/consensus/initiate", body, &resp)
	return resp, err
}

// GetConsensus fetches a transaction with its recorded votes.
func (c *Client) GetConsensus(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "v1/consensus/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Vote casts a validator vote on a pending transaction.
func (c *Client) Vote(ctx context.Context, transactionID, agentID string, approve bool, signature string) (VoteOutcome, error) {
	body := map[string]any{
		"agent_id": agentID,
		"approve":  approve,
	}
	if signature != "" {
		body["signature"] = signature
	}
	var resp VoteOutcome
	endpoint := fmt.Sprintf("v1/consensus/%s/vote", url.PathEscape(transactionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Execute moves funds for an authorized transaction over the Bridge rail.
func (c *Client) Execute(ctx context.Context, transactionID, fromWalletID, toWalletID string) (Transaction, error) {
	body := map[string]any{
		"from_wallet_id": fromWalletID,
		"to_wallet_id":   toWalletID,
	}
	var resp Transaction
	endpoint := fmt.Sprintf("v1/consensus/%s/execute", url.PathEscape(transactionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// LogAction appends an entry to the agent's spending ledger.
func (c *Client) LogAction(ctx context.Context, agentID, actionType string, amount float64, extra map[string]any) (Action, error) {
	body := map[string]any{
		"action_type": actionType,
		"amount":      amount,
	}
	for k, v := range extra {
		body[k] = v
	}
	var resp Action
	endpoint := fmt.Sprintf("v1/agents/%s/actions", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AgentActions returns recent ledger entries for an agent.
func (c *Client) AgentActions(ctx context.Context, agentID string, limit int) ([]Action, error) {
	endpoint := fmt.Sprintf("v1/agents/%s/actions", url.PathEscape(agentID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Action
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Spending returns the agent's ledger summary against its limit.
func (c *Client) Spending(ctx context.Context, agentID string) (Spending, error) {
	var resp Spending
	endpoint := fmt.Sprintf("v1/agents/%s/spending", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, beforeID int64) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if beforeID > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%sbefore=%d", endpoint, sep, beforeID)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
