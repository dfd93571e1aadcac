package domain

type Agent struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id"`
	Name          string  `json:"name"`
	Type          string  `json:"type" enum:"shopping,trading,payment,custom"`
	Role          string  `json:"role" enum:"initiator,validator,executor"`
	PublicKey     string  `json:"public_key"`
	WalletID      *string `json:"wallet_id,omitempty"`
	SpendingLimit float64 `json:"spending_limit"`
	Active        bool    `json:"active"`
	ConfigJSON    *string `json:"config_json,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Mandate struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	Type         string  `json:"type" enum:"intent,cart"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Description  string  `json:"description,omitempty"`
	ExpiresAt    string  `json:"expires_at" format:"date-time"`
	Signature    string  `json:"signature"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ConsensusTransaction struct {
	ID               string   `json:"id"`
	InitiatorID      string   `json:"initiator_id"`
	ValidatorIDs     []string `json:"validator_ids"`
	Amount           float64  `json:"amount"`
	Currency         string   `json:"currency"`
	Description      string   `json:"description,omitempty"`
	RequiredVotes    int      `json:"required_votes"`
	Status           string   `json:"status" enum:"pending,authorized,completed,failed"`
	BridgeTransferID *string  `json:"bridge_transfer_id,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
	CompletedAt      *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Vote struct {
	TransactionID string `json:"transaction_id"`
	AgentID       string `json:"agent_id"`
	Vote          string `json:"vote" enum:"approve,reject"`
	Signature     string `json:"signature,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

// VoteOutcome is the tally returned after each accepted vote.
type VoteOutcome struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status" enum:"pending,authorized,completed,failed"`
	TotalVotes    int    `json:"total_votes"`
	PositiveVotes int    `json:"positive_votes"`
	RequiredVotes int    `json:"required_votes"`
}

type AgentAction struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	ActionType   string  `json:"action_type"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Status       string  `json:"status" enum:"pending,completed,failed"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type SpendingSummary struct {
	AgentID         string  `json:"agent_id"`
	SpendingLimit   float64 `json:"spending_limit"`
	SpentAmount     float64 `json:"spent_amount"`
	RemainingBudget float64 `json:"remaining_budget"`
	TotalActions    int     `json:"total_actions"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
