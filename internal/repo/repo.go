package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"payline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const agentColumns = `id,owner_id,name,type,role,public_key,wallet_id,spending_limit,active,config_json,created_at,updated_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var wallet, cfg sql.NullString
	var active int
	err := scan(&a.ID, &a.OwnerID, &a.Name, &a.Type, &a.Role, &a.PublicKey, &wallet, &a.SpendingLimit, &active, &cfg, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Active = active != 0
	if wallet.Valid {
		a.WalletID = &wallet.String
	}
	if cfg.Valid {
		a.ConfigJSON = &cfg.String
	}
	return a, nil
}

// UpsertAgent registers an agent; re-registration with the same id overwrites.
func (r Repo) UpsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, name=excluded.name, type=excluded.type, role=excluded.role,
public_key=excluded.public_key, wallet_id=excluded.wallet_id, spending_limit=excluded.spending_limit,
active=excluded.active, config_json=excluded.config_json, updated_at=excluded.updated_at`,
		a.ID, a.OwnerID, a.Name, a.Type, a.Role, a.PublicKey, nullablePtr(a.WalletID), a.SpendingLimit, boolInt(a.Active), nullablePtr(a.ConfigJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpsertAgentTx is UpsertAgent inside the caller's transaction.
func (r Repo) UpsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, name=excluded.name, type=excluded.type, role=excluded.role,
public_key=excluded.public_key, wallet_id=excluded.wallet_id, spending_limit=excluded.spending_limit,
active=excluded.active, config_json=excluded.config_json, updated_at=excluded.updated_at`,
		a.ID, a.OwnerID, a.Name, a.Type, a.Role, a.PublicKey, nullablePtr(a.WalletID), a.SpendingLimit, boolInt(a.Active), nullablePtr(a.ConfigJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgentsByOwner(ctx context.Context, ownerID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AgentPatch carries the optional fields of a partial agent update.
type AgentPatch struct {
	Name          *string
	Role          *string
	WalletID      *string
	SpendingLimit *float64
	Active        *bool
	ConfigJSON    *string
}

func (r Repo) UpdateAgent(ctx context.Context, id string, patch AgentPatch, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if patch.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *patch.Name)
	}
	if patch.Role != nil {
		fields = append(fields, "role=?")
		args = append(args, *patch.Role)
	}
	if patch.WalletID != nil {
		fields = append(fields, "wallet_id=?")
		args = append(args, nullable(*patch.WalletID))
	}
	if patch.SpendingLimit != nil {
		fields = append(fields, "spending_limit=?")
		args = append(args, *patch.SpendingLimit)
	}
	if patch.Active != nil {
		fields = append(fields, "active=?")
		args = append(args, boolInt(*patch.Active))
	}
	if patch.ConfigJSON != nil {
		fields = append(fields, "config_json=?")
		args = append(args, nullable(*patch.ConfigJSON))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE agents SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMandate(ctx context.Context, m domain.Mandate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO mandates(id,agent_id,type,amount,currency,description,expires_at,signature,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.AgentID, m.Type, m.Amount, m.Currency, m.Description, m.ExpiresAt, m.Signature, nullablePtr(m.MetadataJSON), m.CreatedAt)
	return err
}

func scanMandate(scan func(dest ...any) error) (domain.Mandate, error) {
	var m domain.Mandate
	var meta sql.NullString
	err := scan(&m.ID, &m.AgentID, &m.Type, &m.Amount, &m.Currency, &m.Description, &m.ExpiresAt, &m.Signature, &meta, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if meta.Valid {
		m.MetadataJSON = &meta.String
	}
	return m, nil
}

const mandateColumns = `id,agent_id,type,amount,currency,description,expires_at,signature,metadata_json,created_at`

func (r Repo) GetMandate(ctx context.Context, id string) (domain.Mandate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE id=?`, id)
	return scanMandate(row.Scan)
}

func (r Repo) ListMandatesByAgent(ctx context.Context, agentID string, limit int) ([]domain.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates WHERE agent_id=? ORDER BY created_at DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mandate
	for rows.Next() {
		m, err := scanMandate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

const txnColumns = `id,initiator_id,validator_ids_json,amount,currency,description,required_votes,status,bridge_transfer_id,created_at,updated_at,completed_at`

func scanTransaction(scan func(dest ...any) error) (domain.ConsensusTransaction, error) {
	var t domain.ConsensusTransaction
	var validators string
	var transfer, completed sql.NullString
	err := scan(&t.ID, &t.InitiatorID, &validators, &t.Amount, &t.Currency, &t.Description, &t.RequiredVotes, &t.Status, &transfer, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(validators), &t.ValidatorIDs); err != nil {
		return t, fmt.Errorf("decode validator ids for %s: %w", t.ID, err)
	}
	if transfer.Valid {
		t.BridgeTransferID = &transfer.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.ConsensusTransaction) error {
	validators, err := json.Marshal(t.ValidatorIDs)
	if err != nil {
		return fmt.Errorf("encode validator ids: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO consensus_transactions(`+txnColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.InitiatorID, string(validators), t.Amount, t.Currency, t.Description, t.RequiredVotes, t.Status, nullablePtr(t.BridgeTransferID), t.CreatedAt, t.UpdatedAt, nullablePtr(t.CompletedAt))
	return err
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.ConsensusTransaction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM consensus_transactions WHERE id=?`, id)
	return scanTransaction(row.Scan)
}

func (r Repo) GetTransactionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ConsensusTransaction, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM consensus_transactions WHERE id=?`, id)
	return scanTransaction(row.Scan)
}

func (r Repo) ListTransactions(ctx context.Context, status string, limit int) ([]domain.ConsensusTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM consensus_transactions`
	var args []any
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConsensusTransaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTransactionStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE consensus_transactions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CompleteTransactionTx(ctx context.Context, tx *sql.Tx, id, transferID, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE consensus_transactions SET status='completed', bridge_transfer_id=?, updated_at=?, completed_at=? WHERE id=?`,
		transferID, completedAt, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO consensus_votes(transaction_id,agent_id,vote,signature,ts) VALUES (?,?,?,?,?)`,
		v.TransactionID, v.AgentID, v.Vote, v.Signature, v.TS)
	return err
}

func (r Repo) VotesForTransactionTx(ctx context.Context, tx *sql.Tx, txnID string) ([]domain.Vote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT transaction_id,agent_id,vote,signature,ts FROM consensus_votes WHERE transaction_id=? ORDER BY ts, agent_id`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVotes(rows)
}

func (r Repo) VotesForTransaction(ctx context.Context, txnID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT transaction_id,agent_id,vote,signature,ts FROM consensus_votes WHERE transaction_id=? ORDER BY ts, agent_id`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVotes(rows)
}

func collectVotes(rows *sql.Rows) ([]domain.Vote, error) {
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.TransactionID, &v.AgentID, &v.Vote, &v.Signature, &v.TS); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.AgentAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_actions(id,agent_id,action_type,amount,currency,status,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.AgentID, a.ActionType, a.Amount, a.Currency, a.Status, nullablePtr(a.MetadataJSON), a.CreatedAt)
	return err
}

func (r Repo) ListAgentActions(ctx context.Context, agentID string, limit int) ([]domain.AgentAction, error) {
	query := `SELECT id,agent_id,action_type,amount,currency,status,metadata_json,created_at FROM agent_actions WHERE agent_id=? ORDER BY created_at DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentAction
	for rows.Next() {
		var a domain.AgentAction
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.AgentID, &a.ActionType, &a.Amount, &a.Currency, &a.Status, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid {
			a.MetadataJSON = &meta.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SpendingTotals sums completed action amounts and counts all actions.
func (r Repo) SpendingTotals(ctx context.Context, agentID string) (spent float64, total int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
COALESCE((SELECT SUM(amount) FROM agent_actions WHERE agent_id=? AND status='completed'),0),
(SELECT COUNT(*) FROM agent_actions WHERE agent_id=?)`, agentID, agentID).Scan(&spent, &total)
	return spent, total, err
}

// EventsAfter streams events past the cursor, oldest first, optionally
// filtered by type. Used by the outbound webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, types []string, limit int) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if len(types) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(types)), ",")
		clauses = append(clauses, "type IN ("+placeholders+")")
		for _, t := range types {
			args = append(args, t)
		}
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEvents returns recent events, newest first.
func (r Repo) ListEvents(ctx context.Context, limit int, beforeID int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if beforeID > 0 {
		query += " WHERE id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetTransactionByTransferID resolves a consensus transaction from a rail
// transfer id, for inbound webhook correlation.
func (r Repo) GetTransactionByTransferID(ctx context.Context, transferID string) (domain.ConsensusTransaction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM consensus_transactions WHERE bridge_transfer_id=?`, transferID)
	return scanTransaction(row.Scan)
}

// LatestEventID returns the newest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// GetWebhookCursor returns the last delivered event id for a hook URL.
func (r Repo) GetWebhookCursor(ctx context.Context, hookURL string) (int64, error) {
	var last int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event FROM webhook_cursors WHERE hook_url=?`, hookURL).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return last, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hookURL string, lastEvent int64, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_url,last_event,updated_at) VALUES (?,?,?)
ON CONFLICT(hook_url) DO UPDATE SET last_event=excluded.last_event, updated_at=excluded.updated_at`, hookURL, lastEvent, updatedAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
