// Package ap2 implements the agent-payments signing contract: keyed-hash
// signatures over canonical JSON, and the vote-threshold arithmetic used by
// the consensus coordinator.
package ap2

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"payline/internal/domain"
)

// DefaultThreshold is the fraction of validators whose approval authorizes a
// transaction when the caller does not pick a quorum explicitly.
const DefaultThreshold = 0.67

// MinValidators is the smallest validator set a consensus transaction may carry.
const MinValidators = 3

// Signature hashes the canonical JSON form of data, keyed with agentKey.
// encoding/json emits map keys in sorted order, so the digest is independent
// of field insertion order.
func Signature(data any, agentKey string) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(append(b, []byte(agentKey)...))
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature recomputes the keyed digest and compares in constant time.
func VerifySignature(data any, signature, agentKey string) bool {
	want, err := Signature(data, agentKey)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// SignMandate signs every mandate field except the signature itself.
func SignMandate(m domain.Mandate, agentKey string) (string, error) {
	payload, err := mandatePayload(m)
	if err != nil {
		return "", err
	}
	return Signature(payload, agentKey)
}

// VerifyMandate checks expiry first and fails closed: an expired, tampered,
// or wrongly keyed mandate is simply invalid, never an error.
func VerifyMandate(m domain.Mandate, agentKey string, now time.Time) bool {
	expiry, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil || now.After(expiry) {
		return false
	}
	payload, err := mandatePayload(m)
	if err != nil {
		return false
	}
	return VerifySignature(payload, m.Signature, agentKey)
}

func mandatePayload(m domain.Mandate) (map[string]any, error) {
	payload := map[string]any{
		"id":          m.ID,
		"agent_id":    m.AgentID,
		"type":        m.Type,
		"amount":      m.Amount,
		"currency":    m.Currency,
		"description": m.Description,
		"expires_at":  m.ExpiresAt,
	}
	if m.MetadataJSON != nil && *m.MetadataJSON != "" {
		var meta any
		if err := json.Unmarshal([]byte(*m.MetadataJSON), &meta); err != nil {
			return nil, fmt.Errorf("decode mandate metadata: %w", err)
		}
		payload["metadata"] = meta
	}
	return payload, nil
}

// RequiredVotes returns ceil(threshold × validators), never below zero.
func RequiredVotes(validators int, threshold float64) int {
	if validators <= 0 {
		return 0
	}
	return int(math.Ceil(float64(validators) * threshold))
}

// DefaultRequiredVotes applies the default 67% threshold.
func DefaultRequiredVotes(validators int) int {
	return RequiredVotes(validators, DefaultThreshold)
}

// MaxFaulty is the Byzantine bound floor((n-1)/3) for n participating agents.
func MaxFaulty(totalAgents int) int {
	if totalAgents <= 0 {
		return 0
	}
	return (totalAgents - 1) / 3
}

// QuorumWarning reports an advisory message when requiredVotes leaves less
// headroom than the Byzantine bound allows for the agent set (initiator plus
// validators). An empty string means the quorum is safe. The check never
// blocks initiation.
func QuorumWarning(requiredVotes, validators int) string {
	total := validators + 1
	safe := total - MaxFaulty(total)
	if requiredVotes < safe {
		return fmt.Sprintf("required votes %d below byzantine-safe quorum %d for %d agents", requiredVotes, safe, total)
	}
	return ""
}
