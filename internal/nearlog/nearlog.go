// Package nearlog parses the NEAR escrow contract's stringly-typed log
// lines with a small regex grammar, rather than
// substring search. Unmatched lines are ignored by the caller, not by
// this package — Parse reports ok=false and the listener decides what
// that means for cursor advancement.
package nearlog

import (
	"regexp"
)

// Kind tags which of the three recognized NEAR log shapes a line
// matched.
type Kind int

const (
	// KindUnknown marks a line that matched none of the grammar's
	// productions.
	KindUnknown Kind = iota
	KindOrderCreated
	KindOrderFulfilled
	KindOrderRefunded
)

// OrderCreated is the payload of "Created swap order <id> for
// <amountYocto> yoctoNEAR to recipient <recipient>".
type OrderCreated struct {
	OrderID      string
	AmountYocto  string
	Recipient    string
}

// OrderFulfilled is the payload of a fulfillment log carrying the
// revealed preimage.
type OrderFulfilled struct {
	OrderID string
	Secret  string // hex-encoded, 32 bytes
}

// OrderRefunded is the payload of a refund log identifying the order.
type OrderRefunded struct {
	OrderID string
}

var (
	// reOrderCreated matches: Created swap order <id> for <amountYocto>
	// yoctoNEAR to recipient <recipient>
	reOrderCreated = regexp.MustCompile(`^Created swap order (?P<id>[0-9]+) for (?P<amount>[0-9]+) yoctoNEAR to recipient (?P<recipient>[a-z0-9_.\-]+)$`)

	// reOrderFulfilled matches: Fulfilled swap order <id> with secret
	// <hex>
	reOrderFulfilled = regexp.MustCompile(`^Fulfilled swap order (?P<id>[0-9]+) with secret (?P<secret>[0-9a-fA-F]{64})$`)

	// reOrderRefunded matches: Refunded swap order <id>
	reOrderRefunded = regexp.MustCompile(`^Refunded swap order (?P<id>[0-9]+)$`)
)

// Event is the closed tagged variant produced by Parse: exactly one of
// the typed payload fields is populated, selected by Kind.
type Event struct {
	Kind      Kind
	Created   *OrderCreated
	Fulfilled *OrderFulfilled
	Refunded  *OrderRefunded
}

// Parse applies the NEAR log grammar to a single log line. ok is false
// when the line matches none of the three recognized productions; the
// caller must not advance its cursor past an ambiguous or malformed
// line it expected to match.
func Parse(line string) (Event, bool) {
	if m := reOrderCreated.FindStringSubmatch(line); m != nil {
		return Event{
			Kind: KindOrderCreated,
			Created: &OrderCreated{
				OrderID:     m[reOrderCreated.SubexpIndex("id")],
				AmountYocto: m[reOrderCreated.SubexpIndex("amount")],
				Recipient:   m[reOrderCreated.SubexpIndex("recipient")],
			},
		}, true
	}
	if m := reOrderFulfilled.FindStringSubmatch(line); m != nil {
		return Event{
			Kind: KindOrderFulfilled,
			Fulfilled: &OrderFulfilled{
				OrderID: m[reOrderFulfilled.SubexpIndex("id")],
				Secret:  m[reOrderFulfilled.SubexpIndex("secret")],
			},
		}, true
	}
	if m := reOrderRefunded.FindStringSubmatch(line); m != nil {
		return Event{
			Kind:     KindOrderRefunded,
			Refunded: &OrderRefunded{OrderID: m[reOrderRefunded.SubexpIndex("id")]},
		}, true
	}
	return Event{Kind: KindUnknown}, false
}
