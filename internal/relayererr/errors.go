// Package relayererr defines the relayer's error taxonomy. Every error that
// crosses a Chain Adapter, the Status Store, or configuration loading is one
// of the kinds below, so the Work Executor's retry policies can dispatch on
// type rather than on string matching.
package relayererr

import "fmt"

// ValidationError indicates a caller-provided value failed a structural or
// semantic check (bad address format, amount out of range).
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q (value=%q): %s", e.Field, e.Value, e.Reason)
}

// SecurityError indicates an adversarial or unsafe condition: path
// traversal, a preimage that doesn't hash to the committed secret_hash, an
// unsafe timelock pairing.
type SecurityError struct {
	Issue string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security check failed: %s", e.Issue)
}

// Well-known SecurityError issues, matched by callers with errors.As + a
// string compare on Issue since the taxonomy names these as
// reasons, not distinct Go types.
const (
	IssuePathEscape        = "PathEscape"
	IssueUnsafeTimelock     = "UnsafeTimelock"
	IssuePreimageMismatch   = "PreimageMismatch"
	IssueInvalidFilename    = "InvalidFilename"
)

// NetworkError wraps a transport-level failure talking to a chain's RPC
// endpoint. Retryable by default.
type NetworkError struct {
	Chain     string
	Operation string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error on %s during %s: %s", e.Chain, e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ContractReason enumerates the dispositions a ContractError can carry. Only
// some are retryable; see retry.DefaultShouldRetry.
type ContractReason string

const (
	ReasonReverted                ContractReason = "Reverted"
	ReasonTimeoutWaitingForReceipt ContractReason = "TimeoutWaitingForReceipt"
	ReasonNonceTooLow              ContractReason = "NonceTooLow"
	ReasonUnderpricedReplacement    ContractReason = "UnderpricedReplacement"
	ReasonUnpredictableGasLimit    ContractReason = "UnpredictableGasLimit"
	ReasonInvalidReturn            ContractReason = "InvalidReturn"
	ReasonNotFound                 ContractReason = "NotFound"
)

// ContractError wraps an on-chain call/transaction failure.
type ContractError struct {
	Address string
	Method  string
	Reason  ContractReason
	TxHash  string
	Err     error
}

func (e *ContractError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("contract error calling %s.%s: %s (tx=%s)", e.Address, e.Method, e.Reason, e.TxHash)
	}
	return fmt.Sprintf("contract error calling %s.%s: %s", e.Address, e.Method, e.Reason)
}

func (e *ContractError) Unwrap() error { return e.Err }

// StorageError wraps a Status Store filesystem failure. Never retried
// in-place; surfaced to the Supervisor.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s at %q: %s", e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConfigurationError indicates a problem at config load or hot-reload time.
type ConfigurationError struct {
	ConfigKey string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %q: %s", e.ConfigKey, e.Reason)
}

// UnsafeHotReload is the reason string used when a reload touches a field
// that requires a process restart.
const UnsafeHotReload = "UnsafeHotReload"

// AlreadyExists is returned by the Status Store's begin() when a record for
// the given message_id is already present; this is the idempotency gate.
var AlreadyExists = fmt.Errorf("swap record already exists")
