package server

import (
	"encoding/json"

	"payline/internal/domain"
)

// Request payloads

type RegisterAgentRequest struct {
	ID            *string        `json:"id,omitempty"`
	Name          string         `json:"name"`
	Type          string         `json:"type,omitempty" enum:"shopping,trading,payment,custom"`
	Role          string         `json:"role,omitempty" enum:"initiator,validator,executor"`
	PublicKey     string         `json:"public_key"`
	WalletID      *string        `json:"wallet_id,omitempty"`
	SpendingLimit float64        `json:"spending_limit,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

type UpdateAgentRequest struct {
	Name          *string         `json:"name,omitempty"`
	Role          *string         `json:"role,omitempty" enum:"initiator,validator,executor"`
	WalletID      *string         `json:"wallet_id,omitempty"`
	SpendingLimit *float64        `json:"spending_limit,omitempty"`
	Active        *bool           `json:"active,omitempty"`
	Config        *map[string]any `json:"config,omitempty"`
}

type CreateMandateRequest struct {
	Type        string         `json:"type,omitempty" enum:"intent,cart"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	ExpiryHours int            `json:"expiry_hours,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AgentKey    string         `json:"agent_key"`
}

type VerifyMandateRequest struct {
	Mandate  MandateResponse `json:"mandate"`
	AgentKey string          `json:"agent_key"`
}

type InitiateConsensusRequest struct {
	InitiatorID   string   `json:"initiator_id"`
	ValidatorIDs  []string `json:"validator_ids"`
	Amount        float64  `json:"amount"`
	Currency      string   `json:"currency"`
	Description   string   `json:"description,omitempty"`
	RequiredVotes *int     `json:"required_votes,omitempty"`
}

type VoteRequest struct {
	AgentID   string `json:"agent_id"`
	Approve   bool   `json:"approve"`
	Signature string `json:"signature,omitempty"`
}

type ExecuteRequest struct {
	FromWalletID string `json:"from_wallet_id"`
	ToWalletID   string `json:"to_wallet_id"`
}

type LogActionRequest struct {
	ActionType string         `json:"action_type"`
	Amount     float64        `json:"amount,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Status     string         `json:"status,omitempty" enum:"pending,completed,failed"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type AgentResponse struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	Name          string         `json:"name"`
	Type          string         `json:"type" enum:"shopping,trading,payment,custom"`
	Role          string         `json:"role" enum:"initiator,validator,executor"`
	PublicKey     string         `json:"public_key"`
	WalletID      *string        `json:"wallet_id,omitempty"`
	SpendingLimit float64        `json:"spending_limit"`
	Active        bool           `json:"active"`
	Config        map[string]any `json:"config,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type MandateResponse struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type" enum:"intent,cart"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	ExpiresAt   string         `json:"expires_at" format:"date-time"`
	Signature   string         `json:"signature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty" format:"date-time"`
}

type VoteResponse struct {
	TransactionID string `json:"transaction_id"`
	AgentID       string `json:"agent_id"`
	Vote          string `json:"vote" enum:"approve,reject"`
	TS            string `json:"ts" format:"date-time"`
}

type TransactionResponse struct {
	ID               string         `json:"id"`
	InitiatorID      string         `json:"initiator_id"`
	ValidatorIDs     []string       `json:"validator_ids"`
	Amount           float64        `json:"amount"`
	Currency         string         `json:"currency"`
	Description      string         `json:"description,omitempty"`
	RequiredVotes    int            `json:"required_votes"`
	Status           string         `json:"status" enum:"pending,authorized,completed,failed"`
	BridgeTransferID *string        `json:"bridge_transfer_id,omitempty"`
	Votes            []VoteResponse `json:"votes,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
	CompletedAt      *string        `json:"completed_at,omitempty" format:"date-time"`
}

type VoteOutcomeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status" enum:"pending,authorized,completed,failed"`
	TotalVotes    int    `json:"total_votes"`
	PositiveVotes int    `json:"positive_votes"`
	RequiredVotes int    `json:"required_votes"`
}

type ActionResponse struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency,omitempty"`
	Status     string         `json:"status" enum:"pending,completed,failed"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type SpendingResponse struct {
	AgentID         string  `json:"agent_id"`
	SpendingLimit   float64 `json:"spending_limit"`
	SpentAmount     float64 `json:"spent_amount"`
	RemainingBudget float64 `json:"remaining_budget"`
	TotalActions    int     `json:"total_actions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Conversions

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:            a.ID,
		OwnerID:       a.OwnerID,
		Name:          a.Name,
		Type:          a.Type,
		Role:          a.Role,
		PublicKey:     a.PublicKey,
		WalletID:      a.WalletID,
		SpendingLimit: a.SpendingLimit,
		Active:        a.Active,
		Config:        decodeJSONMap(a.ConfigJSON),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func mandateResponse(m domain.Mandate) MandateResponse {
	return MandateResponse{
		ID:          m.ID,
		AgentID:     m.AgentID,
		Type:        m.Type,
		Amount:      m.Amount,
		Currency:    m.Currency,
		Description: m.Description,
		ExpiresAt:   m.ExpiresAt,
		Signature:   m.Signature,
		Metadata:    decodeJSONMap(m.MetadataJSON),
		CreatedAt:   m.CreatedAt,
	}
}

func mandateFromRequest(r MandateResponse) domain.Mandate {
	return domain.Mandate{
		ID:           r.ID,
		AgentID:      r.AgentID,
		Type:         r.Type,
		Amount:       r.Amount,
		Currency:     r.Currency,
		Description:  r.Description,
		ExpiresAt:    r.ExpiresAt,
		Signature:    r.Signature,
		MetadataJSON: encodeJSONMap(r.Metadata),
	}
}

func transactionResponse(t domain.ConsensusTransaction, votes []domain.Vote, warnings []string) TransactionResponse {
	resp := TransactionResponse{
		ID:               t.ID,
		InitiatorID:      t.InitiatorID,
		ValidatorIDs:     nonNilSlice(t.ValidatorIDs),
		Amount:           t.Amount,
		Currency:         t.Currency,
		Description:      t.Description,
		RequiredVotes:    t.RequiredVotes,
		Status:           t.Status,
		BridgeTransferID: t.BridgeTransferID,
		Warnings:         warnings,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
	}
	for _, v := range votes {
		resp.Votes = append(resp.Votes, VoteResponse{
			TransactionID: v.TransactionID,
			AgentID:       v.AgentID,
			Vote:          v.Vote,
			TS:            v.TS,
		})
	}
	return resp
}

func actionResponse(a domain.AgentAction) ActionResponse {
	return ActionResponse{
		ID:         a.ID,
		AgentID:    a.AgentID,
		ActionType: a.ActionType,
		Amount:     a.Amount,
		Currency:   a.Currency,
		Status:     a.Status,
		Metadata:   decodeJSONMap(a.MetadataJSON),
		CreatedAt:  a.CreatedAt,
	}
}

func mapActions(items []domain.AgentAction) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func decodeJSONMap(s *string) map[string]any {
	if s == nil || *s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil
	}
	return m
}

func encodeJSONMap(m map[string]any) *string {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
