package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"payline/internal/bridge"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
)

type fakeRail struct {
	mu       sync.Mutex
	calls    []bridge.TransferRequest
	failures int
}

func (f *fakeRail) CreateTransfer(_ context.Context, req bridge.TransferRequest) (bridge.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failures > 0 {
		f.failures--
		return bridge.Transfer{}, errors.New("rail unavailable")
	}
	return bridge.Transfer{
		ID:       fmt.Sprintf("tr_%d", len(f.calls)),
		Status:   "completed",
		Amount:   req.Amount,
		Currency: req.Currency,
	}, nil
}

func (f *fakeRail) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	Engine engine.Engine
	Rail   *fakeRail
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rail := &fakeRail{}
	eng := engine.New(conn, config.Default(), rail)
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Rail: rail, Ctx: context.Background()}
}

func (env testEnv) registerAgent(t *testing.T, id, role string) string {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		ID:        id,
		OwnerID:   "user-1",
		Name:      id,
		Role:      role,
		PublicKey: "pk-" + id,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return a.ID
}

func (env testEnv) initiate(t *testing.T, validators []string, required int) string {
	t.Helper()
	res, err := env.Engine.InitiateTransaction(env.Ctx, engine.InitiateOptions{
		InitiatorID:   "initiator",
		ValidatorIDs:  validators,
		Amount:        100,
		Currency:      "USDC",
		RequiredVotes: required,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res.Transaction.ID
}

func setupConsensus(t *testing.T, env testEnv, validatorCount int) []string {
	t.Helper()
	env.registerAgent(t, "initiator", "initiator")
	var validators []string
	for i := 1; i <= validatorCount; i++ {
		validators = append(validators, env.registerAgent(t, fmt.Sprintf("val-%d", i), "validator"))
	}
	return validators
}

func TestConsensusAuthorizedEarly(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 5)
	txnID := env.initiate(t, validators, 0) // default: ceil(5*0.67) = 4

	for i := 0; i < 3; i++ {
		out, err := env.Engine.SubmitVote(env.Ctx, txnID, validators[i], true, "", "tester")
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		if out.Status != "pending" {
			t.Fatalf("vote %d: expected pending, got %s", i, out.Status)
		}
	}
	out, err := env.Engine.SubmitVote(env.Ctx, txnID, validators[3], true, "", "tester")
	if err != nil {
		t.Fatalf("4th vote: %v", err)
	}
	if out.Status != "authorized" || out.PositiveVotes != 4 || out.RequiredVotes != 4 {
		t.Fatalf("expected authorization at 4/4, got %+v", out)
	}
	// the 5th validator is too late
	_, err = env.Engine.SubmitVote(env.Ctx, txnID, validators[4], true, "", "tester")
	var notPending engine.TransactionNotPendingError
	if !errors.As(err, &notPending) {
		t.Fatalf("expected TransactionNotPendingError, got %v", err)
	}
}

func TestConsensusFailsWhenApprovalsFallShort(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 3)
	txnID := env.initiate(t, validators, 0) // ceil(3*0.67) = 3

	if out, _ := env.Engine.SubmitVote(env.Ctx, txnID, validators[0], true, "", "tester"); out.Status != "pending" {
		t.Fatalf("expected pending after 1 approval, got %s", out.Status)
	}
	if out, _ := env.Engine.SubmitVote(env.Ctx, txnID, validators[1], false, "", "tester"); out.Status != "pending" {
		t.Fatalf("expected pending after reject, got %s", out.Status)
	}
	out, err := env.Engine.SubmitVote(env.Ctx, txnID, validators[2], true, "", "tester")
	if err != nil {
		t.Fatalf("3rd vote: %v", err)
	}
	if out.Status != "failed" {
		t.Fatalf("2 approvals of required 3 with all votes in should fail, got %s", out.Status)
	}
	txn, err := env.Engine.GetTransaction(env.Ctx, txnID)
	if err != nil || txn.Status != "failed" {
		t.Fatalf("failed status should persist: %v %s", err, txn.Status)
	}
}

func TestDuplicateVote(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 4)
	txnID := env.initiate(t, validators, 0)

	if _, err := env.Engine.SubmitVote(env.Ctx, txnID, validators[0], true, "", "tester"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, err := env.Engine.SubmitVote(env.Ctx, txnID, validators[0], false, "", "tester")
	var dup engine.DuplicateVoteError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateVoteError, got %v", err)
	}
}

func TestInitiatePreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "initiator", "initiator")
	v1 := env.registerAgent(t, "val-1", "validator")
	v2 := env.registerAgent(t, "val-2", "validator")
	v3 := env.registerAgent(t, "val-3", "validator")

	_, err := env.Engine.InitiateTransaction(env.Ctx, engine.InitiateOptions{
		InitiatorID: "initiator", ValidatorIDs: []string{v1, v2}, Amount: 10, Currency: "USDC", ActorID: "tester",
	})
	var insufficient engine.InsufficientValidatorsError
	if !errors.As(err, &insufficient) || insufficient.Min != 3 {
		t.Fatalf("expected InsufficientValidatorsError with min 3, got %v", err)
	}

	_, err = env.Engine.InitiateTransaction(env.Ctx, engine.InitiateOptions{
		InitiatorID: "initiator", ValidatorIDs: []string{v1, v2, "ghost"}, Amount: 10, Currency: "USDC", ActorID: "tester",
	})
	var vnf engine.ValidatorNotFoundError
	if !errors.As(err, &vnf) || vnf.AgentID != "ghost" {
		t.Fatalf("expected ValidatorNotFoundError naming ghost, got %v", err)
	}

	if _, err := env.Engine.SetAgentActive(env.Ctx, v3, false, "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = env.Engine.InitiateTransaction(env.Ctx, engine.InitiateOptions{
		InitiatorID: "initiator", ValidatorIDs: []string{v1, v2, v3}, Amount: 10, Currency: "USDC", ActorID: "tester",
	})
	var vin engine.ValidatorInactiveError
	if !errors.As(err, &vin) || vin.AgentID != v3 {
		t.Fatalf("expected ValidatorInactiveError naming %s, got %v", v3, err)
	}

	if _, err := env.Engine.SetAgentActive(env.Ctx, "initiator", false, "tester"); err != nil {
		t.Fatalf("deactivate initiator: %v", err)
	}
	_, err = env.Engine.InitiateTransaction(env.Ctx, engine.InitiateOptions{
		InitiatorID: "initiator", ValidatorIDs: []string{v1, v2, v3}, Amount: 10, Currency: "USDC", ActorID: "tester",
	})
	var inactive engine.AgentInactiveError
	if !errors.As(err, &inactive) {
		t.Fatalf("expected AgentInactiveError for initiator, got %v", err)
	}
}

func TestInitiateQuorumWarning(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 4)
	// 5 agents total, maxFaulty 1, safe quorum 4; an explicit 2 warns.
	res, err := env.Engine.InitiateTransaction(env.Ctx, engine.InitiateOptions{
		InitiatorID: "initiator", ValidatorIDs: validators, Amount: 10, Currency: "USDC",
		RequiredVotes: 2, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected a quorum warning")
	}
	if res.Transaction.Status != "pending" {
		t.Fatalf("warning must not block initiation, got %s", res.Transaction.Status)
	}
}

func TestExecuteRequiresAuthorization(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 3)
	txnID := env.initiate(t, validators, 0)

	_, err := env.Engine.ExecuteTransaction(env.Ctx, txnID, "wallet-a", "wallet-b", "tester")
	var notAuth engine.NotAuthorizedError
	if !errors.As(err, &notAuth) {
		t.Fatalf("expected NotAuthorizedError, got %v", err)
	}
	if env.Rail.callCount() != 0 {
		t.Fatalf("rail must not be called for an unauthorized transaction")
	}
}

func authorize(t *testing.T, env testEnv, txnID string, validators []string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := env.Engine.SubmitVote(env.Ctx, txnID, validators[i], true, "", "tester"); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
}

func TestExecuteCompletesAndLogs(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 3)
	txnID := env.initiate(t, validators, 0)
	authorize(t, env, txnID, validators, 3)

	txn, err := env.Engine.ExecuteTransaction(env.Ctx, txnID, "wallet-a", "wallet-b", "tester")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if txn.Status != "completed" || txn.BridgeTransferID == nil {
		t.Fatalf("expected completed with transfer id, got %+v", txn)
	}
	if env.Rail.calls[0].IdempotencyKey != txnID {
		t.Fatalf("transfer should carry the transaction id as idempotency key")
	}
	actions, err := env.Engine.AgentActions(env.Ctx, "initiator", 0)
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != "consensus_payment" {
		t.Fatalf("expected one consensus_payment action, got %+v", actions)
	}
	summary, err := env.Engine.SpendingSummary(env.Ctx, "initiator")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.SpentAmount != 100 || summary.TotalActions != 1 {
		t.Fatalf("summary should reflect the executed payment, got %+v", summary)
	}
}

func TestExecuteRetryAfterRailFailure(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 3)
	txnID := env.initiate(t, validators, 0)
	authorize(t, env, txnID, validators, 3)

	env.Rail.failures = 1
	_, err := env.Engine.ExecuteTransaction(env.Ctx, txnID, "wallet-a", "wallet-b", "tester")
	var failed engine.ExecutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ExecutionFailedError, got %v", err)
	}
	txn, err := env.Engine.GetTransaction(env.Ctx, txnID)
	if err != nil || txn.Status != "authorized" {
		t.Fatalf("a rail failure must leave the transaction authorized: %v %s", err, txn.Status)
	}
	// retry succeeds
	txn, err = env.Engine.ExecuteTransaction(env.Ctx, txnID, "wallet-a", "wallet-b", "tester")
	if err != nil || txn.Status != "completed" {
		t.Fatalf("retry should complete: %v %s", err, txn.Status)
	}
	if env.Rail.calls[0].IdempotencyKey != env.Rail.calls[1].IdempotencyKey {
		t.Fatalf("retries must reuse the idempotency key")
	}
}

func TestRegisterAgentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		ID: "agent-1", OwnerID: "user-1", Name: "shopper", PublicKey: "pk1", SpendingLimit: 100, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := env.Engine.RegisterAgent(env.Ctx, engine.RegisterAgentOptions{
		ID: "agent-1", OwnerID: "user-1", Name: "shopper-v2", PublicKey: "pk2", SpendingLimit: 250, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID || second.Name != "shopper-v2" || second.SpendingLimit != 250 {
		t.Fatalf("re-registration should overwrite, got %+v", second)
	}
	got, err := env.Engine.GetAgent(env.Ctx, "agent-1")
	if err != nil || got.PublicKey != "pk2" {
		t.Fatalf("stored agent should carry the latest key: %v %+v", err, got)
	}
}

func TestMandateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", "initiator")

	m, err := env.Engine.CreateMandate(env.Ctx, engine.CreateMandateOptions{
		AgentID:  "agent-1",
		Amount:   50,
		Currency: "USDC",
		AgentKey: "secret-key",
		Metadata: map[string]any{"purpose": "subscriptions"},
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create mandate: %v", err)
	}
	ok, err := env.Engine.VerifyStoredMandate(env.Ctx, m.ID, "secret-key")
	if err != nil || !ok {
		t.Fatalf("stored mandate should verify: %v %v", ok, err)
	}
	ok, err = env.Engine.VerifyStoredMandate(env.Ctx, m.ID, "wrong-key")
	if err != nil || ok {
		t.Fatalf("wrong key should not verify, got %v %v", ok, err)
	}

	if _, err := env.Engine.SetAgentActive(env.Ctx, "agent-1", false, "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = env.Engine.CreateMandate(env.Ctx, engine.CreateMandateOptions{
		AgentID: "agent-1", Amount: 50, Currency: "USDC", AgentKey: "secret-key", ActorID: "tester",
	})
	var inactive engine.AgentInactiveError
	if !errors.As(err, &inactive) {
		t.Fatalf("inactive agent must not receive mandates, got %v", err)
	}
}

func TestConcurrentVotesSingleDecision(t *testing.T) {
	env := newTestEnv(t)
	validators := setupConsensus(t, env, 6)
	txnID := env.initiate(t, validators, 0) // ceil(6*0.67) = 5

	var wg sync.WaitGroup
	errs := make(chan error, len(validators))
	for _, v := range validators {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_, err := env.Engine.SubmitVote(env.Ctx, txnID, agentID, true, "", "tester")
			errs <- err
		}(v)
	}
	wg.Wait()
	close(errs)

	var accepted, late int
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		default:
			var notPending engine.TransactionNotPendingError
			if !errors.As(err, &notPending) {
				t.Fatalf("unexpected vote error: %v", err)
			}
			late++
		}
	}
	if accepted != 5 || late != 1 {
		t.Fatalf("expected exactly 5 accepted votes and 1 late, got %d/%d", accepted, late)
	}
	txn, err := env.Engine.GetTransaction(env.Ctx, txnID)
	if err != nil || txn.Status != "authorized" {
		t.Fatalf("expected authorized after concurrent approvals: %v %s", err, txn.Status)
	}
	votes, err := env.Engine.TransactionVotes(env.Ctx, txnID)
	if err != nil || len(votes) != 5 {
		t.Fatalf("expected 5 recorded votes, got %d (%v)", len(votes), err)
	}
}

func TestLogActionAndSpendingSummary(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", "initiator")
	if _, err := env.Engine.SetSpendingLimit(env.Ctx, "agent-1", 500, "tester"); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	for i, status := range []string{"completed", "completed", "failed"} {
		_, err := env.Engine.LogAgentAction(env.Ctx, engine.LogActionOptions{
			AgentID:    "agent-1",
			ActionType: "purchase",
			Amount:     float64(100 * (i + 1)),
			Currency:   "USDC",
			Status:     status,
			ActorID:    "tester",
		})
		if err != nil {
			t.Fatalf("log action %d: %v", i, err)
		}
	}
	summary, err := env.Engine.SpendingSummary(env.Ctx, "agent-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	// only completed actions count toward spent
	if summary.SpentAmount != 300 || summary.RemainingBudget != 200 || summary.TotalActions != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	actions, err := env.Engine.AgentActions(env.Ctx, "agent-1", 2)
	if err != nil || len(actions) != 2 {
		t.Fatalf("limit should cap the listing: %v %d", err, len(actions))
	}
}

func TestUnknownAgentErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetAgent(env.Ctx, "ghost")
	var nf engine.AgentNotFoundError
	if !errors.As(err, &nf) || nf.AgentID != "ghost" {
		t.Fatalf("expected AgentNotFoundError naming ghost, got %v", err)
	}
	_, err = env.Engine.GetTransaction(env.Ctx, "txn-ghost")
	var tnf engine.TransactionNotFoundError
	if !errors.As(err, &tnf) {
		t.Fatalf("expected TransactionNotFoundError, got %v", err)
	}
}
