// Package retry implements named, type-directed retry policies: each
// operation (factory_tx, withdraw_tx, near_view, ...) has its own
// {retries, min_delay_ms, max_delay_ms, factor, jitter} policy, and
// should_retry is closed over the relayer's error taxonomy rather than an
// opaque predicate.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

// Policy is the retry configuration for one named operation.
type Policy struct {
	Retries    int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Factor     float64
	Jitter     bool
	ShouldRetry func(err error, attempt int) bool
}

// DefaultShouldRetry implements the default disposition table: retry all
// NetworkError, never retry ValidationError or SecurityError, retry
// ContractError only for the listed retryable reasons.
func DefaultShouldRetry(err error, _ int) bool {
	var netErr *relayererr.NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var valErr *relayererr.ValidationError
	if errors.As(err, &valErr) {
		return false
	}

	var secErr *relayererr.SecurityError
	if errors.As(err, &secErr) {
		return false
	}

	var ctErr *relayererr.ContractError
	if errors.As(err, &ctErr) {
		switch ctErr.Reason {
		case relayererr.ReasonNonceTooLow,
			relayererr.ReasonUnderpricedReplacement,
			relayererr.ReasonUnpredictableGasLimit,
			relayererr.ReasonTimeoutWaitingForReceipt:
			return true
		default:
			return false
		}
	}

	// StorageError and ConfigurationError are never retried in-place.
	return false
}

// DefaultPolicy returns the package defaults: retries=3,
// min_delay_ms=250, max_delay_ms=3000, factor=2, jitter=true.
func DefaultPolicy() Policy {
	return Policy{
		Retries:     3,
		MinDelay:    250 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Factor:      2,
		Jitter:      true,
		ShouldRetry: DefaultShouldRetry,
	}
}

// Named operations the relayer retries independently. Table carries the
// default policy for each; the relayer's main overrides Retries and
// MinDelay of every entry from its config at load. A config hot reload
// does not change the table.
const (
	OpValidate       = "validate"
	OpFactoryTx      = "factory_tx"
	OpWithdrawTx     = "withdraw_tx"
	OpRefundTx       = "refund_tx"
	OpNearView       = "near_view"
	OpNearFuncCall   = "near_function_call"
	OpEthQueryFilter = "eth_query_filter"
	OpEthGetLogs     = "eth_get_logs"
)

// Table maps named operations to their retry policies.
type Table map[string]Policy

// DefaultTable returns a Table with the default policy assigned to every
// named operation. Callers override individual entries as needed.
func DefaultTable() Table {
	names := []string{
		OpValidate, OpFactoryTx, OpWithdrawTx, OpRefundTx,
		OpNearView, OpNearFuncCall, OpEthQueryFilter, OpEthGetLogs,
	}
	t := make(Table, len(names))
	for _, n := range names {
		t[n] = DefaultPolicy()
	}
	return t
}

// Policy looks up the policy for a named operation, falling back to the
// package default if the operation is unknown.
func (t Table) Policy(op string) Policy {
	if p, ok := t[op]; ok {
		return p
	}
	return DefaultPolicy()
}

// toBackoff converts a Policy into a cenkalti/backoff ExponentialBackOff,
// the underlying primitive this package's Do builds on.
func (p Policy) toBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Factor
	b.MaxElapsedTime = 0 // bounded by Retries, not by elapsed wall-clock
	if p.Jitter {
		b.RandomizationFactor = 0.3 // ±30% jitter
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Do runs fn, retrying per the policy until it succeeds, the context is
// canceled, or the retry budget is exhausted. The total number of calls to
// fn is bounded by p.Retries — it never attempts more than p.Retries times
// in all. It returns the last error on exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	b := p.toBackoff()
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	var lastErr error
	attempt := 0
	for {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt >= p.Retries {
			return lastErr
		}
		if !shouldRetry(lastErr, attempt) {
			return lastErr
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
