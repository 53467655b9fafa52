package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

func TestDo_SucceedsOnThirdAttempt(t *testing.T) {
	p := DefaultPolicy()
	p.MinDelay = 0
	p.MaxDelay = 0

	attempts := 0
	err := Do(context.Background(), p, func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return &relayererr.NetworkError{Chain: "ethereum", Operation: "factory_tx"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	p := DefaultPolicy()
	p.Retries = 2
	p.MinDelay = 0
	p.MaxDelay = 0

	attempts := 0
	err := Do(context.Background(), p, func(_ context.Context) error {
		attempts++
		return &relayererr.NetworkError{Chain: "near", Operation: "near_view"}
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts) // bounded by Retries, never more
}

func TestDo_DoesNotRetryValidationError(t *testing.T) {
	p := DefaultPolicy()
	attempts := 0
	err := Do(context.Background(), p, func(_ context.Context) error {
		attempts++
		return &relayererr.ValidationError{Field: "amount", Reason: "must be positive"}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDefaultShouldRetry_ContractErrorDisposition(t *testing.T) {
	retryable := &relayererr.ContractError{Reason: relayererr.ReasonNonceTooLow}
	require.True(t, DefaultShouldRetry(retryable, 1))

	nonRetryable := &relayererr.ContractError{Reason: relayererr.ReasonReverted}
	require.False(t, DefaultShouldRetry(nonRetryable, 1))
}

func TestDo_ContextCanceled(t *testing.T) {
	p := DefaultPolicy()
	p.MinDelay = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, p, func(_ context.Context) error {
		return &relayererr.NetworkError{}
	})
	require.Error(t, err)
}
