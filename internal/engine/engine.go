package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"payline/internal/ap2"
	"payline/internal/bridge"
	"payline/internal/config"
	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Bridge bridge.Transferrer
	Now    func() time.Time

	locks *txnLocks
}

func New(db *sql.DB, cfg *config.Config, rail bridge.Transferrer) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Bridge: rail,
		Now:    time.Now,
		locks:  newTxnLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// txnLocks serializes mutations per transaction id. Distinct transactions
// proceed in parallel.
type txnLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTxnLocks() *txnLocks {
	return &txnLocks{locks: map[string]*sync.Mutex{}}
}

func (t *txnLocks) lock(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

func (e Engine) lockTransaction(id string) func() {
	if e.locks == nil {
		return func() {}
	}
	l := e.locks.lock(id)
	l.Lock()
	return l.Unlock
}

// RegisterAgentOptions are parameters for registering an agent.
type RegisterAgentOptions struct {
	ID            string
	OwnerID       string
	Name          string
	Type          string
	Role          string
	PublicKey     string
	WalletID      string
	SpendingLimit float64
	Config        map[string]any
	ActorID       string
}

// RegisterAgent registers or re-registers an agent. Registration is
// idempotent by id: a repeated call overwrites the stored record.
func (e Engine) RegisterAgent(ctx context.Context, opts RegisterAgentOptions) (domain.Agent, error) {
	if opts.OwnerID == "" {
		return domain.Agent{}, errors.New("owner is required")
	}
	if opts.Name == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if opts.PublicKey == "" {
		return domain.Agent{}, errors.New("public key is required")
	}
	if opts.Type == "" {
		opts.Type = "custom"
	}
	if opts.Role == "" {
		opts.Role = "initiator"
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	cfgJSON, err := marshalMap(opts.Config)
	if err != nil {
		return domain.Agent{}, err
	}
	a := domain.Agent{
		ID:            id,
		OwnerID:       opts.OwnerID,
		Name:          opts.Name,
		Type:          opts.Type,
		Role:          opts.Role,
		PublicKey:     opts.PublicKey,
		WalletID:      optionalString(opts.WalletID),
		SpendingLimit: opts.SpendingLimit,
		Active:        true,
		ConfigJSON:    cfgJSON,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.AgentRegistered, "agent", a.ID, opts.ActorID, events.EventPayload{
		"name": a.Name, "type": a.Type, "role": a.Role, "owner_id": a.OwnerID,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, AgentNotFoundError{AgentID: id}
	}
	return a, err
}

func (e Engine) ListAgents(ctx context.Context, ownerID string) ([]domain.Agent, error) {
	return e.Repo.ListAgentsByOwner(ctx, ownerID)
}

// UpdateAgent applies a partial update and records the change.
func (e Engine) UpdateAgent(ctx context.Context, id string, patch repo.AgentPatch, actorID string) (domain.Agent, error) {
	if _, err := e.GetAgent(ctx, id); err != nil {
		return domain.Agent{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAgent(ctx, id, patch, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Agent{}, AgentNotFoundError{AgentID: id}
		}
		return domain.Agent{}, err
	}
	a, err := e.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.AgentUpdated, "agent", id, actorID, events.EventPayload{"active": a.Active}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// SetAgentActive toggles the active flag. Deactivation is the only removal:
// agents referenced by transactions are never physically deleted.
func (e Engine) SetAgentActive(ctx context.Context, id string, active bool, actorID string) (domain.Agent, error) {
	return e.UpdateAgent(ctx, id, repo.AgentPatch{Active: &active}, actorID)
}

// SetSpendingLimit replaces the agent's spending limit.
func (e Engine) SetSpendingLimit(ctx context.Context, id string, limit float64, actorID string) (domain.Agent, error) {
	return e.UpdateAgent(ctx, id, repo.AgentPatch{SpendingLimit: &limit}, actorID)
}

// CreateMandateOptions are parameters for issuing a mandate.
type CreateMandateOptions struct {
	AgentID     string
	Type        string
	Amount      float64
	Currency    string
	Description string
	ExpiryHours int
	Metadata    map[string]any
	AgentKey    string
	ActorID     string
}

// CreateMandate issues and signs a spending mandate for an active agent.
func (e Engine) CreateMandate(ctx context.Context, opts CreateMandateOptions) (domain.Mandate, error) {
	agent, err := e.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Mandate{}, err
	}
	if !agent.Active {
		return domain.Mandate{}, AgentInactiveError{AgentID: agent.ID}
	}
	if opts.Amount <= 0 {
		return domain.Mandate{}, errors.New("amount must be positive")
	}
	if opts.Currency == "" {
		return domain.Mandate{}, errors.New("currency is required")
	}
	if opts.Type == "" {
		opts.Type = "intent"
	}
	hours := opts.ExpiryHours
	if hours <= 0 {
		hours = e.Config.Consensus.MandateExpiryHours
	}
	metaJSON, err := marshalMap(opts.Metadata)
	if err != nil {
		return domain.Mandate{}, err
	}
	now := e.now().UTC()
	m := domain.Mandate{
		ID:           uuid.NewString(),
		AgentID:      opts.AgentID,
		Type:         opts.Type,
		Amount:       opts.Amount,
		Currency:     opts.Currency,
		Description:  opts.Description,
		ExpiresAt:    now.Add(time.Duration(hours) * time.Hour).Format(time.RFC3339),
		MetadataJSON: metaJSON,
		CreatedAt:    now.Format(time.RFC3339),
	}
	m.Signature, err = ap2.SignMandate(m, opts.AgentKey)
	if err != nil {
		return domain.Mandate{}, fmt.Errorf("sign mandate: %w", err)
	}
	if err := e.Repo.InsertMandate(ctx, m); err != nil {
		return domain.Mandate{}, fmt.Errorf("insert mandate: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mandate{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.MandateCreated, "mandate", m.ID, opts.ActorID, events.EventPayload{
		"agent_id": m.AgentID, "amount": m.Amount, "currency": m.Currency, "expires_at": m.ExpiresAt,
	}); err != nil {
		return domain.Mandate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mandate{}, err
	}
	return m, nil
}

func (e Engine) GetMandate(ctx context.Context, id string) (domain.Mandate, error) {
	m, err := e.Repo.GetMandate(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Mandate{}, MandateNotFoundError{MandateID: id}
	}
	return m, err
}

// VerifyMandate checks a mandate against the agent key. Invalid is a result,
// not an error.
func (e Engine) VerifyMandate(m domain.Mandate, agentKey string) bool {
	return ap2.VerifyMandate(m, agentKey, e.now())
}

// VerifyStoredMandate loads a mandate by id and verifies it.
func (e Engine) VerifyStoredMandate(ctx context.Context, id, agentKey string) (bool, error) {
	m, err := e.GetMandate(ctx, id)
	if err != nil {
		return false, err
	}
	return e.VerifyMandate(m, agentKey), nil
}

// InitiateOptions are parameters for starting a consensus transaction.
type InitiateOptions struct {
	InitiatorID   string
	ValidatorIDs  []string
	Amount        float64
	Currency      string
	Description   string
	RequiredVotes int
	ActorID       string
}

// InitiateResult carries the created transaction plus advisory warnings.
type InitiateResult struct {
	Transaction domain.ConsensusTransaction
	Warnings    []string
}

// InitiateTransaction opens a pending consensus transaction over a fixed
// validator set. The Byzantine headroom check warns but never blocks.
func (e Engine) InitiateTransaction(ctx context.Context, opts InitiateOptions) (InitiateResult, error) {
	if opts.Amount <= 0 {
		return InitiateResult{}, errors.New("amount must be positive")
	}
	if opts.Currency == "" {
		return InitiateResult{}, errors.New("currency is required")
	}
	initiator, err := e.GetAgent(ctx, opts.InitiatorID)
	if err != nil {
		return InitiateResult{}, err
	}
	if !initiator.Active {
		return InitiateResult{}, AgentInactiveError{AgentID: initiator.ID}
	}
	min := e.Config.Consensus.MinValidators
	if len(opts.ValidatorIDs) < min {
		return InitiateResult{}, InsufficientValidatorsError{Got: len(opts.ValidatorIDs), Min: min}
	}
	for _, vid := range opts.ValidatorIDs {
		v, err := e.Repo.GetAgent(ctx, vid)
		if errors.Is(err, repo.ErrNotFound) {
			return InitiateResult{}, ValidatorNotFoundError{AgentID: vid}
		}
		if err != nil {
			return InitiateResult{}, err
		}
		if !v.Active {
			return InitiateResult{}, ValidatorInactiveError{AgentID: vid}
		}
	}
	required := opts.RequiredVotes
	if required <= 0 {
		required = ap2.RequiredVotes(len(opts.ValidatorIDs), e.Config.Consensus.ByzantineThreshold)
	}
	var warnings []string
	if msg := ap2.QuorumWarning(required, len(opts.ValidatorIDs)); msg != "" {
		warnings = append(warnings, msg)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.ConsensusTransaction{
		ID:            fmt.Sprintf("txn_%d_%s", e.now().UnixMilli(), uuid.NewString()[:8]),
		InitiatorID:   opts.InitiatorID,
		ValidatorIDs:  opts.ValidatorIDs,
		Amount:        opts.Amount,
		Currency:      opts.Currency,
		Description:   opts.Description,
		RequiredVotes: required,
		Status:        "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return InitiateResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTransactionTx(ctx, tx, t); err != nil {
		return InitiateResult{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ConsensusInitiated, "transaction", t.ID, opts.ActorID, events.EventPayload{
		"initiator_id":   t.InitiatorID,
		"validator_ids":  t.ValidatorIDs,
		"amount":         t.Amount,
		"currency":       t.Currency,
		"required_votes": t.RequiredVotes,
	}); err != nil {
		return InitiateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InitiateResult{}, err
	}
	return InitiateResult{Transaction: t, Warnings: warnings}, nil
}

func (e Engine) GetTransaction(ctx context.Context, id string) (domain.ConsensusTransaction, error) {
	t, err := e.Repo.GetTransaction(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ConsensusTransaction{}, TransactionNotFoundError{TransactionID: id}
	}
	return t, err
}

func (e Engine) TransactionVotes(ctx context.Context, id string) ([]domain.Vote, error) {
	if _, err := e.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.VotesForTransaction(ctx, id)
}

// SubmitVote records one validator vote and applies the transition rule:
// enough approvals authorize early; once the required count can no longer be
// reached by approvals alone the transaction fails.
func (e Engine) SubmitVote(ctx context.Context, txnID, agentID string, approve bool, signature, actorID string) (domain.VoteOutcome, error) {
	unlock := e.lockTransaction(txnID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTransactionTx(ctx, tx, txnID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.VoteOutcome{}, TransactionNotFoundError{TransactionID: txnID}
	}
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	if t.Status != "pending" {
		return domain.VoteOutcome{}, TransactionNotPendingError{TransactionID: txnID, Status: t.Status}
	}
	voter, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.VoteOutcome{}, ValidatorNotFoundError{AgentID: agentID}
	}
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	if !voter.Active {
		return domain.VoteOutcome{}, ValidatorInactiveError{AgentID: agentID}
	}
	votes, err := e.Repo.VotesForTransactionTx(ctx, tx, txnID)
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	for _, v := range votes {
		if v.AgentID == agentID {
			return domain.VoteOutcome{}, DuplicateVoteError{TransactionID: txnID, AgentID: agentID}
		}
	}
	voteValue := "reject"
	if approve {
		voteValue = "approve"
	}
	now := e.now().UTC().Format(time.RFC3339)
	v := domain.Vote{
		TransactionID: txnID,
		AgentID:       agentID,
		Vote:          voteValue,
		Signature:     signature,
		TS:            now,
	}
	if err := e.Repo.InsertVoteTx(ctx, tx, v); err != nil {
		return domain.VoteOutcome{}, fmt.Errorf("insert vote: %w", err)
	}
	positive := 0
	for _, prev := range votes {
		if prev.Vote == "approve" {
			positive++
		}
	}
	if approve {
		positive++
	}
	total := len(votes) + 1

	status := t.Status
	switch {
	case positive >= t.RequiredVotes:
		status = "authorized"
	case total >= t.RequiredVotes:
		status = "failed"
	}
	if status != t.Status {
		if err := e.Repo.UpdateTransactionStatusTx(ctx, tx, txnID, status, now); err != nil {
			return domain.VoteOutcome{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ConsensusVote, "transaction", txnID, actorID, events.EventPayload{
		"agent_id": agentID, "vote": voteValue, "total_votes": total, "positive_votes": positive,
	}); err != nil {
		return domain.VoteOutcome{}, err
	}
	switch status {
	case "authorized":
		if err := e.Events.Append(ctx, tx, events.ConsensusAuthorized, "transaction", txnID, actorID, events.EventPayload{
			"positive_votes": positive, "required_votes": t.RequiredVotes,
		}); err != nil {
			return domain.VoteOutcome{}, err
		}
	case "failed":
		if err := e.Events.Append(ctx, tx, events.ConsensusFailed, "transaction", txnID, actorID, events.EventPayload{
			"positive_votes": positive, "total_votes": total, "required_votes": t.RequiredVotes,
		}); err != nil {
			return domain.VoteOutcome{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.VoteOutcome{}, err
	}
	return domain.VoteOutcome{
		TransactionID: txnID,
		Status:        status,
		TotalVotes:    total,
		PositiveVotes: positive,
		RequiredVotes: t.RequiredVotes,
	}, nil
}

// ExecuteTransaction settles an authorized transaction on the rail. A rail
// failure leaves the transaction authorized so the call can be retried; the
// idempotency key keeps retries from double-spending.
func (e Engine) ExecuteTransaction(ctx context.Context, txnID, fromWalletID, toWalletID, actorID string) (domain.ConsensusTransaction, error) {
	unlock := e.lockTransaction(txnID)
	defer unlock()

	t, err := e.GetTransaction(ctx, txnID)
	if err != nil {
		return domain.ConsensusTransaction{}, err
	}
	if t.Status != "authorized" {
		return domain.ConsensusTransaction{}, NotAuthorizedError{TransactionID: txnID, Status: t.Status}
	}
	if e.Bridge == nil {
		return domain.ConsensusTransaction{}, ExecutionFailedError{TransactionID: txnID, Err: errors.New("no rail client configured")}
	}
	transfer, err := e.Bridge.CreateTransfer(ctx, bridge.TransferRequest{
		SourceWalletID:      fromWalletID,
		DestinationWalletID: toWalletID,
		Amount:              t.Amount,
		Currency:            t.Currency,
		IdempotencyKey:      txnID,
	})
	if err != nil {
		return domain.ConsensusTransaction{}, ExecutionFailedError{TransactionID: txnID, Err: err}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConsensusTransaction{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteTransactionTx(ctx, tx, txnID, transfer.ID, now); err != nil {
		return domain.ConsensusTransaction{}, err
	}
	meta, err := marshalMap(map[string]any{
		"transaction_id":     txnID,
		"bridge_transfer_id": transfer.ID,
		"validator_ids":      t.ValidatorIDs,
	})
	if err != nil {
		return domain.ConsensusTransaction{}, err
	}
	action := domain.AgentAction{
		ID:           uuid.NewString(),
		AgentID:      t.InitiatorID,
		ActionType:   "consensus_payment",
		Amount:       t.Amount,
		Currency:     t.Currency,
		Status:       "completed",
		MetadataJSON: meta,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertActionTx(ctx, tx, action); err != nil {
		return domain.ConsensusTransaction{}, fmt.Errorf("log action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ConsensusExecuted, "transaction", txnID, actorID, events.EventPayload{
		"bridge_transfer_id": transfer.ID, "amount": t.Amount, "currency": t.Currency,
	}); err != nil {
		return domain.ConsensusTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConsensusTransaction{}, err
	}
	t.Status = "completed"
	t.BridgeTransferID = &transfer.ID
	t.UpdatedAt = now
	t.CompletedAt = &now
	return t, nil
}

// HandleTransferUpdate records a rail-side transfer status change reported by
// an inbound webhook. Unknown transfer ids are ignored; the rail also reports
// transfers created outside consensus.
func (e Engine) HandleTransferUpdate(ctx context.Context, transferID, status string) error {
	t, err := e.Repo.GetTransactionByTransferID(ctx, transferID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TransferUpdated, "transaction", t.ID, "bridge", events.EventPayload{
		"bridge_transfer_id": transferID, "transfer_status": status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// LogActionOptions are parameters for recording a ledger entry.
type LogActionOptions struct {
	AgentID    string
	ActionType string
	Amount     float64
	Currency   string
	Status     string
	Metadata   map[string]any
	ActorID    string
}

// LogAgentAction appends to the agent's action ledger. The ledger is
// append-only; entries are never updated or removed.
func (e Engine) LogAgentAction(ctx context.Context, opts LogActionOptions) (domain.AgentAction, error) {
	if _, err := e.GetAgent(ctx, opts.AgentID); err != nil {
		return domain.AgentAction{}, err
	}
	if opts.ActionType == "" {
		return domain.AgentAction{}, errors.New("action type is required")
	}
	if opts.Status == "" {
		opts.Status = "completed"
	}
	meta, err := marshalMap(opts.Metadata)
	if err != nil {
		return domain.AgentAction{}, err
	}
	a := domain.AgentAction{
		ID:           uuid.NewString(),
		AgentID:      opts.AgentID,
		ActionType:   opts.ActionType,
		Amount:       opts.Amount,
		Currency:     opts.Currency,
		Status:       opts.Status,
		MetadataJSON: meta,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentAction{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertActionTx(ctx, tx, a); err != nil {
		return domain.AgentAction{}, fmt.Errorf("insert action: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ActionLogged, "agent", a.AgentID, opts.ActorID, events.EventPayload{
		"action_type": a.ActionType, "amount": a.Amount, "status": a.Status,
	}); err != nil {
		return domain.AgentAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentAction{}, err
	}
	return a, nil
}

const defaultActionLimit = 50

// AgentActions returns the agent's ledger, newest first.
func (e Engine) AgentActions(ctx context.Context, agentID string, limit int) ([]domain.AgentAction, error) {
	if _, err := e.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActionLimit
	}
	return e.Repo.ListAgentActions(ctx, agentID, limit)
}

// SpendingSummary reports limit, spent, and remaining budget. Spent sums
// completed actions only. Execution does not consult the limit; the summary
// is for monitoring.
func (e Engine) SpendingSummary(ctx context.Context, agentID string) (domain.SpendingSummary, error) {
	agent, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return domain.SpendingSummary{}, err
	}
	spent, total, err := e.Repo.SpendingTotals(ctx, agentID)
	if err != nil {
		return domain.SpendingSummary{}, err
	}
	return domain.SpendingSummary{
		AgentID:         agentID,
		SpendingLimit:   agent.SpendingLimit,
		SpentAmount:     spent,
		RemainingBudget: agent.SpendingLimit - spent,
		TotalActions:    total,
	}, nil
}

// CreateAPIKey mints a key, stores its hash, and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, ownerID, name string) (domain.APIKey, string, error) {
	if ownerID == "" {
		return domain.APIKey{}, "", errors.New("owner is required")
	}
	plaintext := "plk_" + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func marshalMap(in map[string]any) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
