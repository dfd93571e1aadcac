package engine

import "fmt"

// AgentNotFoundError indicates an unknown agent id.
type AgentNotFoundError struct {
	AgentID string
}

func (e AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %s not found", e.AgentID)
}

// AgentInactiveError indicates a deactivated agent.
type AgentInactiveError struct {
	AgentID string
}

func (e AgentInactiveError) Error() string {
	return fmt.Sprintf("agent %s is not active", e.AgentID)
}

// ValidatorNotFoundError names the offending validator at initiation or vote.
type ValidatorNotFoundError struct {
	AgentID string
}

func (e ValidatorNotFoundError) Error() string {
	return fmt.Sprintf("validator agent %s not found", e.AgentID)
}

// ValidatorInactiveError names a deactivated validator.
type ValidatorInactiveError struct {
	AgentID string
}

func (e ValidatorInactiveError) Error() string {
	return fmt.Sprintf("validator agent %s is not active", e.AgentID)
}

// InsufficientValidatorsError indicates a validator set below the minimum.
type InsufficientValidatorsError struct {
	Got int
	Min int
}

func (e InsufficientValidatorsError) Error() string {
	return fmt.Sprintf("%d validators provided, minimum is %d", e.Got, e.Min)
}

// TransactionNotFoundError indicates an unknown consensus transaction.
type TransactionNotFoundError struct {
	TransactionID string
}

func (e TransactionNotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TransactionID)
}

// TransactionNotPendingError rejects votes on decided transactions.
type TransactionNotPendingError struct {
	TransactionID string
	Status        string
}

func (e TransactionNotPendingError) Error() string {
	return fmt.Sprintf("transaction %s is %s, voting is closed", e.TransactionID, e.Status)
}

// DuplicateVoteError rejects a second vote from the same agent.
type DuplicateVoteError struct {
	TransactionID string
	AgentID       string
}

func (e DuplicateVoteError) Error() string {
	return fmt.Sprintf("agent %s already voted on transaction %s", e.AgentID, e.TransactionID)
}

// NotAuthorizedError rejects execution of an unauthorized transaction.
type NotAuthorizedError struct {
	TransactionID string
	Status        string
}

func (e NotAuthorizedError) Error() string {
	return fmt.Sprintf("transaction %s is %s, not authorized for execution", e.TransactionID, e.Status)
}

// ExecutionFailedError wraps a rail failure. The transaction stays authorized
// so execution can be retried.
type ExecutionFailedError struct {
	TransactionID string
	Err           error
}

func (e ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution of transaction %s failed: %v", e.TransactionID, e.Err)
}

func (e ExecutionFailedError) Unwrap() error {
	return e.Err
}

// MandateNotFoundError indicates an unknown mandate id.
type MandateNotFoundError struct {
	MandateID string
}

func (e MandateNotFoundError) Error() string {
	return fmt.Sprintf("mandate %s not found", e.MandateID)
}
