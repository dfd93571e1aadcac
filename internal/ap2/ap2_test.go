package ap2

import (
	"strings"
	"testing"
	"time"

	"payline/internal/domain"
)

func testMandate(expiry time.Time) domain.Mandate {
	return domain.Mandate{
		ID:          "mandate-1",
		AgentID:     "agent-1",
		Type:        "intent",
		Amount:      125.50,
		Currency:    "USDC",
		Description: "office supplies",
		ExpiresAt:   expiry.UTC().Format(time.RFC3339),
	}
}

func TestSignAndVerifyMandate(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	m := testMandate(now.Add(24 * time.Hour))
	sig, err := SignMandate(m, "agent-key")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.Signature = sig
	if !VerifyMandate(m, "agent-key", now) {
		t.Fatalf("expected freshly signed mandate to verify")
	}
}

func TestVerifyMandateExpired(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	m := testMandate(now.Add(-time.Minute))
	sig, err := SignMandate(m, "agent-key")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.Signature = sig
	if VerifyMandate(m, "agent-key", now) {
		t.Fatalf("expired mandate must not verify even with a valid signature")
	}
}

func TestVerifyMandateTampered(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	m := testMandate(now.Add(time.Hour))
	sig, err := SignMandate(m, "agent-key")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.Signature = sig
	m.Amount = 9999
	if VerifyMandate(m, "agent-key", now) {
		t.Fatalf("tampered amount must invalidate the signature")
	}
}

func TestVerifyMandateWrongKey(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	m := testMandate(now.Add(time.Hour))
	sig, err := SignMandate(m, "agent-key")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.Signature = sig
	if VerifyMandate(m, "other-key", now) {
		t.Fatalf("mandate signed with one key must not verify with another")
	}
}

func TestSignMandateMetadataOrderIndependent(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	a := testMandate(now.Add(time.Hour))
	b := testMandate(now.Add(time.Hour))
	metaA := `{"vendor":"acme","po":"PO-7"}`
	metaB := `{"po":"PO-7","vendor":"acme"}`
	a.MetadataJSON = &metaA
	b.MetadataJSON = &metaB
	sigA, err := SignMandate(a, "agent-key")
	if err != nil {
		t.Fatalf("sign a: %v", err)
	}
	sigB, err := SignMandate(b, "agent-key")
	if err != nil {
		t.Fatalf("sign b: %v", err)
	}
	if sigA != sigB {
		t.Fatalf("metadata key order changed the signature: %s != %s", sigA, sigB)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := map[string]any{"action": "purchase", "amount": 42.0}
	sig, err := Signature(payload, "agent-key")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifySignature(payload, sig, "agent-key") {
		t.Fatalf("signature should verify with the signing key")
	}
	if VerifySignature(payload, sig, "wrong-key") {
		t.Fatalf("signature should not verify with a different key")
	}
	payload["amount"] = 43.0
	if VerifySignature(payload, sig, "agent-key") {
		t.Fatalf("signature should not verify after payload mutation")
	}
}

func TestDefaultRequiredVotes(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 3: 3, 4: 3, 5: 4, 6: 5, 10: 7}
	for validators, want := range cases {
		if got := DefaultRequiredVotes(validators); got != want {
			t.Errorf("DefaultRequiredVotes(%d) = %d, want %d", validators, got, want)
		}
	}
}

func TestMaxFaulty(t *testing.T) {
	cases := map[int]int{1: 0, 4: 1, 7: 2, 10: 3}
	for total, want := range cases {
		if got := MaxFaulty(total); got != want {
			t.Errorf("MaxFaulty(%d) = %d, want %d", total, got, want)
		}
	}
}

func TestQuorumWarning(t *testing.T) {
	// 3 validators + initiator = 4 agents, maxFaulty 1, safe quorum 3.
	if msg := QuorumWarning(3, 3); msg != "" {
		t.Fatalf("quorum of 3/3 validators should be safe, got %q", msg)
	}
	// 4 validators + initiator = 5 agents, safe quorum 4; 3 falls short.
	msg := QuorumWarning(3, 4)
	if msg == "" {
		t.Fatalf("quorum of 3/4 validators should warn")
	}
	if !strings.Contains(msg, "byzantine") {
		t.Fatalf("warning should mention the byzantine bound, got %q", msg)
	}
}
