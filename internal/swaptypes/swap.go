// Package swaptypes holds the data model shared by every component of the
// relayer: the Swap record, its Direction and Status, and the unit-tagged
// Amount type that crosses chain adapter boundaries.
package swaptypes

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Direction is the pairing of source and destination chain for a swap.
type Direction string

const (
	EthToNear Direction = "EthToNear"
	NearToEth Direction = "NearToEth"
)

// Status is a value in the swap's state graph.
type Status string

const (
	StatusObserved           Status = "observed"
	StatusMirroring          Status = "mirroring"
	StatusAwaitingSettlement Status = "awaiting_settlement"
	StatusPropagating        Status = "propagating"
	StatusSettled            Status = "settled"
	StatusRefunding          Status = "refunding"
	StatusRefunded           Status = "refunded"
	StatusFailed             Status = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusRefunded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsOngoing is the complement of IsTerminal, named to match the
// swap.Info.Status.IsOngoing() convention.
func (s Status) IsOngoing() bool {
	return !s.IsTerminal()
}

// transitions enumerates the legal (from, to) pairs. A
// transition not present here is rejected by CanTransition, which the
// Status Store's Transition and MarkTerminal consult.
var transitions = map[Status]map[Status]bool{
	StatusObserved: {
		StatusMirroring: true,
		StatusFailed:    true,
	},
	StatusMirroring: {
		StatusAwaitingSettlement: true,
		StatusMirroring:          true, // retry in place
		StatusFailed:             true,
	},
	StatusAwaitingSettlement: {
		StatusPropagating: true,
		StatusRefunding:   true,
	},
	StatusPropagating: {
		StatusSettled:   true,
		StatusPropagating: true, // retry in place
		StatusRefunding: true,
	},
	StatusRefunding: {
		StatusRefunded: true,
		StatusRefunding: true, // retry in place
		StatusFailed:    true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge
// in the state graph.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Hash32 is a 32-byte digest used for both secret_hash and secret.
type Hash32 [32]byte

// ParseHash32 parses a 0x-prefixed or bare hex string into a Hash32.
func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	trimmed := s
	if len(trimmed) >= 2 && trimmed[0] == '0' && (trimmed[1] == 'x' || trimmed[1] == 'X') {
		trimmed = trimmed[2:]
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return h, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash32) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalJSON renders the hash as a 0x-prefixed hex string.
func (h Hash32) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON parses a 0x-prefixed hex string into the hash.
func (h *Hash32) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("hash32: expected JSON string")
	}
	parsed, err := ParseHash32(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Unit tags the denomination of an Amount.
type Unit string

const (
	UnitWei       Unit = "wei"
	UnitYoctoNear Unit = "yoctoNEAR"
)

// decimals returns the power-of-ten scale between a Unit's smallest
// denomination and its human-facing one (ETH, NEAR).
func (u Unit) decimals() int32 {
	switch u {
	case UnitWei:
		return 18
	case UnitYoctoNear:
		return 24
	default:
		return 0
	}
}

// human returns the human-facing denomination name for a Unit, for
// display alongside a Decimal() value.
func (u Unit) human() string {
	switch u {
	case UnitWei:
		return "ETH"
	case UnitYoctoNear:
		return "NEAR"
	default:
		return string(u)
	}
}

// Amount is an arbitrary-precision unsigned integer with an explicit unit
// tag.5 ("Both adapters normalize numeric types...").
type Amount struct {
	Value *big.Int `json:"value"`
	Unit  Unit      `json:"unit"`
}

// NewAmount constructs an Amount, copying the supplied big.Int so callers
// cannot mutate it out from under the Swap record afterward.
func NewAmount(v *big.Int, unit Unit) Amount {
	return Amount{Value: new(big.Int).Set(v), Unit: unit}
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.Value != nil && a.Value.Sign() > 0
}

func (a Amount) String() string {
	if a.Value == nil {
		return "0 " + string(a.Unit)
	}
	return fmt.Sprintf("%s %s", a.Value.String(), a.Unit)
}

// Decimal converts the amount's smallest-unit integer value into an
// arbitrary-precision decimal in its human-facing denomination (wei to
// ETH, yoctoNEAR to NEAR), for operator-facing logs and the resume CLI
// action's status output.
func (a Amount) Decimal() (*apd.Decimal, error) {
	if a.Value == nil {
		return apd.New(0, 0), nil
	}
	raw, _, err := apd.NewFromString(a.Value.String())
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	scale := apd.New(1, a.Unit.decimals())
	out := new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(40)
	if _, err := ctx.Quo(out, raw, scale); err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return out, nil
}

// HumanString renders the amount in its human-facing denomination
// (e.g. "0.0000000000000010 ETH"), falling back to the smallest-unit
// String() on conversion failure.
func (a Amount) HumanString() string {
	d, err := a.Decimal()
	if err != nil {
		return a.String()
	}
	return fmt.Sprintf("%s %s", d.Text('f'), a.Unit.human())
}

// LastError is a snapshot of the most recent failed lifecycle step,
// recorded on the Swap for operator visibility.
type LastError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Swap is the abstract object tracked by the relayer.
type Swap struct {
	MessageID string    `json:"message_id"`
	Direction Direction `json:"direction"`

	SecretHash Hash32  `json:"secret_hash"`
	Secret     *Hash32 `json:"secret,omitempty"`

	AmountSource Amount `json:"amount_source"`
	AmountDest   Amount `json:"amount_dest"`

	Initiator string `json:"initiator"`
	Recipient string `json:"recipient"`

	TimelockSource int64 `json:"timelock_source"`
	TimelockDest   int64 `json:"timelock_dest"`

	Status Status `json:"status"`

	// EscrowRef is the stable mirror-escrow reference (address or order
	// id) recorded once submit_mirror_tx confirms. submit_refund_tx acts
	// on this escrow.
	EscrowRef string `json:"escrow_ref,omitempty"`

	// SourceRef is the stable reference to the swap's original,
	// counterparty-funded escrow on the source chain (the Ethereum
	// bridge's depositId, or the NEAR order id), captured at ingestion
	// time from the triggering deposit event. submit_withdraw_tx acts on
	// this escrow once the secret is known.
	SourceRef string `json:"source_ref,omitempty"`

	Attempts map[string]int `json:"attempts,omitempty"`

	LastError *LastError `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for safe concurrent reads: callers get
// their own top-level struct and Attempts map, since listeners and
// coordinators are only ever meant to hold short-lived copies.
func (s *Swap) Clone() *Swap {
	if s == nil {
		return nil
	}
	c := *s
	if s.Secret != nil {
		secret := *s.Secret
		c.Secret = &secret
	}
	if s.Attempts != nil {
		c.Attempts = make(map[string]int, len(s.Attempts))
		for k, v := range s.Attempts {
			c.Attempts[k] = v
		}
	}
	if s.LastError != nil {
		le := *s.LastError
		c.LastError = &le
	}
	if s.AmountSource.Value != nil {
		c.AmountSource.Value = new(big.Int).Set(s.AmountSource.Value)
	}
	if s.AmountDest.Value != nil {
		c.AmountDest.Value = new(big.Int).Set(s.AmountDest.Value)
	}
	return &c
}
