package nearlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_OrderCreated(t *testing.T) {
	ev, ok := Parse("Created swap order 42 for 500000000000000000000000 yoctoNEAR to recipient alice.near")
	require.True(t, ok)
	require.Equal(t, KindOrderCreated, ev.Kind)
	require.Equal(t, "42", ev.Created.OrderID)
	require.Equal(t, "500000000000000000000000", ev.Created.AmountYocto)
	require.Equal(t, "alice.near", ev.Created.Recipient)
}

func TestParse_OrderFulfilled(t *testing.T) {
	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	ev, ok := Parse("Fulfilled swap order 42 with secret " + secret)
	require.True(t, ok)
	require.Equal(t, KindOrderFulfilled, ev.Kind)
	require.Equal(t, "42", ev.Fulfilled.OrderID)
	require.Equal(t, secret, ev.Fulfilled.Secret)
}

func TestParse_OrderRefunded(t *testing.T) {
	ev, ok := Parse("Refunded swap order 42")
	require.True(t, ok)
	require.Equal(t, KindOrderRefunded, ev.Kind)
	require.Equal(t, "42", ev.Refunded.OrderID)
}

func TestParse_UnmatchedLineReturnsNotOK(t *testing.T) {
	cases := []string{
		"",
		"Created swap order abc for 10 yoctoNEAR to recipient alice.near",
		"Fulfilled swap order 42 with secret deadbeef",
		"some unrelated log line",
		"Created swap order 42 for 10 yoctoNEAR to recipient ALICE.NEAR",
	}
	for _, c := range cases {
		ev, ok := Parse(c)
		require.False(t, ok, "expected no match for %q", c)
		require.Equal(t, KindUnknown, ev.Kind)
	}
}
