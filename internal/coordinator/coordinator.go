// Package coordinator implements the swap coordinator state machine:
// validate, submit_mirror_tx, observe_secret_on_source,
// submit_withdraw_tx, and submit_refund_tx, for both EthToNear and
// NearToEth directions. Each method performs exactly one attempt; the
// Work Executor wrapping these calls owns retries and demotes a swap to
// failed once a named operation's policy is exhausted.
package coordinator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"regexp"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	logging "github.com/ipfs/go-log"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
	"github.com/atomicbridge/htlc-relayer/internal/store"
	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

var log = logging.Logger("coordinator")

// nearAccountID matches NEAR's account id grammar: 2-64 characters, lowercase
// alphanumeric segments separated by single '.', '_', or '-', never leading,
// trailing, or doubled.
var nearAccountID = regexp.MustCompile(`^(?:[a-z0-9]+[._-])*[a-z0-9]+$`)

func isValidNearAccountID(s string) bool {
	return len(s) >= 2 && len(s) <= 64 && nearAccountID.MatchString(s)
}

// EthChain is the subset of the Ethereum Chain Adapter the coordinator
// needs, narrowed to an interface so tests can substitute a fake.
type EthChain interface {
	SignerAddress() ethcommon.Address
	SendTx(ctx context.Context, to ethcommon.Address, data []byte, value *big.Int, gasHint uint64) (*ethtypes.Receipt, error)
	CallView(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error)
}

// NearChain is the subset of the NEAR Chain Adapter the coordinator
// needs.
type NearChain interface {
	FunctionCall(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error
	ViewFunction(ctx context.Context, contract, method string, args interface{}, out interface{}) error
	AccountID() string
}

// Params bundles the timelock-safety configuration the coordinator
// validates against.
type Params struct {
	MinSafety      time.Duration // timelock_source must exceed now + MinSafety
	Delta          time.Duration // timelock_dest must be <= timelock_source - Delta
	RefundGrace    time.Duration // submit_refund_tx only fires after timelock_dest + RefundGrace
	EscrowFactory  ethcommon.Address
	BridgeContract ethcommon.Address
	NearEscrowID   string
}

// Now is overridable by tests; defaults to time.Now.
var Now = time.Now

// Coordinator drives one Swap through its state graph.
type Coordinator struct {
	store  *store.Store
	eth    EthChain
	near   NearChain
	params Params
}

// New constructs a Coordinator.
func New(st *store.Store, eth EthChain, near NearChain, params Params) *Coordinator {
	return &Coordinator{store: st, eth: eth, near: near, params: params}
}

// Validate checks the validate(swap) contract: address/account format,
// amount positivity, secret_hash shape, and the timelock-safety
// inequalities. On success it transitions the swap from observed to
// mirroring; on failure, to failed.
func (c *Coordinator) Validate(ctx context.Context, id string) error {
	sw, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("validate: no swap with message_id %q", id)
	}

	if verr := c.checkSwap(sw); verr != nil {
		return c.store.MarkTerminal(id, swaptypes.StatusObserved, swaptypes.StatusFailed, func(s *swaptypes.Swap) {
			s.LastError = &swaptypes.LastError{Kind: "ValidationError", Message: verr.Error(), At: Now()}
		})
	}

	return c.store.Transition(id, swaptypes.StatusObserved, swaptypes.StatusMirroring, nil)
}

func (c *Coordinator) checkSwap(sw *swaptypes.Swap) error {
	if sw.Initiator == "" {
		return &relayererr.ValidationError{Field: "initiator", Reason: "empty"}
	}
	if sw.Recipient == "" {
		return &relayererr.ValidationError{Field: "recipient", Reason: "empty"}
	}

	// The initiator is always on the source chain and the recipient always
	// on the destination chain, so each direction checks the opposite pair
	// of address/account-id grammars.
	switch sw.Direction {
	case swaptypes.EthToNear:
		if !ethcommon.IsHexAddress(sw.Initiator) {
			return &relayererr.ValidationError{Field: "initiator", Value: sw.Initiator, Reason: "not a valid Ethereum address"}
		}
		if !isValidNearAccountID(sw.Recipient) {
			return &relayererr.ValidationError{Field: "recipient", Value: sw.Recipient, Reason: "not a valid NEAR account id"}
		}
	case swaptypes.NearToEth:
		if !isValidNearAccountID(sw.Initiator) {
			return &relayererr.ValidationError{Field: "initiator", Value: sw.Initiator, Reason: "not a valid NEAR account id"}
		}
		if !ethcommon.IsHexAddress(sw.Recipient) {
			return &relayererr.ValidationError{Field: "recipient", Value: sw.Recipient, Reason: "not a valid Ethereum address"}
		}
	default:
		return &relayererr.ValidationError{Field: "direction", Value: string(sw.Direction), Reason: "unknown"}
	}

	if !sw.AmountSource.IsPositive() {
		return &relayererr.ValidationError{Field: "amount_source", Value: sw.AmountSource.String(), Reason: "must be > 0"}
	}

	now := Now().Unix()
	minSafetySrc := now + int64(c.params.MinSafety.Seconds())
	if sw.TimelockSource <= minSafetySrc {
		return &relayererr.SecurityError{Issue: relayererr.IssueUnsafeTimelock}
	}

	deltaSecs := int64(c.params.Delta.Seconds())
	if sw.TimelockDest > sw.TimelockSource-deltaSecs {
		return &relayererr.SecurityError{Issue: relayererr.IssueUnsafeTimelock}
	}

	return nil
}

// SubmitMirrorTx creates the destination-chain mirror escrow and records
// its stable reference on the Swap before advancing the state machine
// to awaiting_settlement.
func (c *Coordinator) SubmitMirrorTx(ctx context.Context, id string) error {
	sw, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("submit_mirror_tx: no swap with message_id %q", id)
	}

	var escrowRef string
	var err error
	switch sw.Direction {
	case swaptypes.EthToNear:
		escrowRef, err = c.createNearSwapOrder(ctx, sw)
	case swaptypes.NearToEth:
		escrowRef, err = c.createEthEscrow(ctx, sw)
	default:
		return fmt.Errorf("submit_mirror_tx: unknown direction %q", sw.Direction)
	}
	if err != nil {
		return err
	}

	return c.store.Transition(id, swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, func(s *swaptypes.Swap) {
		s.EscrowRef = escrowRef
	})
}

type createSwapOrderArgs struct {
	Recipient       string `json:"recipient"`
	Hashlock        string `json:"hashlock"`
	TimelockDuration int64  `json:"timelock_duration"`
	AmountYocto     string `json:"amount_yocto"`
}

func (c *Coordinator) createNearSwapOrder(ctx context.Context, sw *swaptypes.Swap) (string, error) {
	duration := sw.TimelockDest - Now().Unix()
	if duration < 0 {
		duration = 0
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	err := c.near.FunctionCall(ctx, c.params.NearEscrowID, "create_swap_order", createSwapOrderArgs{
		Recipient:        sw.Recipient,
		Hashlock:         sw.SecretHash.String(),
		TimelockDuration: duration,
		AmountYocto:      sw.AmountDest.Value.String(),
	}, 100_000_000_000_000, sw.AmountDest.Value, &result)
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

func (c *Coordinator) createEthEscrow(ctx context.Context, sw *swaptypes.Swap) (string, error) {
	// depositId is derived from message_id client-side (depositIDFromMessageID)
	// rather than read back off the receipt, so the coordinator never needs
	// to decode the factory's escrow-creation log to know its own deposit's
	// identity.
	data := packEscrowFactoryCreate(sw)
	if _, err := c.eth.SendTx(ctx, c.params.EscrowFactory, data, sw.AmountDest.Value, 0); err != nil {
		return "", err
	}
	return swaptypes.Hash32(depositIDFromMessageID(sw.MessageID)).String(), nil
}

// ObserveSecretOnSource verifies a revealed preimage against the Swap's
// committed secret_hash before accepting it; a mismatch is a
// SecurityError and never propagates further. The preimage itself is never logged at info level.
func (c *Coordinator) ObserveSecretOnSource(ctx context.Context, id string, secret swaptypes.Hash32) error {
	sw, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("observe_secret_on_source: no swap with message_id %q", id)
	}

	sum := sha256.Sum256(secret[:])
	if sum != [32]byte(sw.SecretHash) {
		log.Warnf("preimage mismatch observed for message_id=%s", id)
		return c.store.Transition(id, swaptypes.StatusAwaitingSettlement, swaptypes.StatusRefunding, func(s *swaptypes.Swap) {
			s.LastError = &swaptypes.LastError{Kind: "SecurityError", Message: relayererr.IssuePreimageMismatch, At: Now()}
		})
	}

	return c.store.Transition(id, swaptypes.StatusAwaitingSettlement, swaptypes.StatusPropagating, func(s *swaptypes.Swap) {
		s.Secret = &secret
	})
}

// ObserveTimelockExpired moves a swap from awaiting_settlement straight
// to refunding when the source secret is never observed before
// timelock_dest elapses.
func (c *Coordinator) ObserveTimelockExpired(ctx context.Context, id string) error {
	return c.store.Transition(id, swaptypes.StatusAwaitingSettlement, swaptypes.StatusRefunding, nil)
}

// SubmitWithdrawTx completes the destination-side withdrawal with the
// revealed secret, re-reading escrow state first so a front-run or
// expired timelock short-circuits the submission.
func (c *Coordinator) SubmitWithdrawTx(ctx context.Context, id string) error {
	sw, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("submit_withdraw_tx: no swap with message_id %q", id)
	}
	if sw.Secret == nil {
		return fmt.Errorf("submit_withdraw_tx: swap %q has no recorded secret", id)
	}

	if Now().Unix() > sw.TimelockDest {
		return c.store.Transition(id, swaptypes.StatusPropagating, swaptypes.StatusRefunding, nil)
	}

	settled, err := c.destinationAlreadySettled(ctx, sw)
	if err != nil {
		return err
	}
	if settled {
		return c.store.MarkTerminal(id, swaptypes.StatusPropagating, swaptypes.StatusSettled, nil)
	}

	// submit_withdraw_tx always acts on the swap's *source* escrow: the
	// secret is revealed by the recipient claiming the mirror escrow on
	// the destination chain, and that secret is what lets the relayer
	// claim back the counterparty-funded escrow it mirrored in the first
	// place. EthToNear mirrors onto NEAR, so its withdraw targets
	// Ethereum; NearToEth is symmetric.
	switch sw.Direction {
	case swaptypes.EthToNear:
		err = c.completeEthWithdrawal(ctx, sw)
	case swaptypes.NearToEth:
		err = c.fulfillNearOrder(ctx, sw)
	default:
		return fmt.Errorf("submit_withdraw_tx: unknown direction %q", sw.Direction)
	}
	if err != nil {
		return err
	}

	return c.store.MarkTerminal(id, swaptypes.StatusPropagating, swaptypes.StatusSettled, nil)
}

type fulfillOrderArgs struct {
	OrderID string `json:"order_id"`
	Secret  string `json:"secret"`
}

func (c *Coordinator) fulfillNearOrder(ctx context.Context, sw *swaptypes.Swap) error {
	return c.near.FunctionCall(ctx, c.params.NearEscrowID, "fulfill_order", fulfillOrderArgs{
		OrderID: sw.SourceRef,
		Secret:  sw.Secret.String(),
	}, 100_000_000_000_000, nil, nil)
}

func (c *Coordinator) completeEthWithdrawal(ctx context.Context, sw *swaptypes.Swap) error {
	data := packCompleteWithdrawal(sw)
	_, err := c.eth.SendTx(ctx, c.params.BridgeContract, data, big.NewInt(0), 0)
	return err
}

// destinationAlreadySettled re-reads the state of whichever source escrow
// submit_withdraw_tx is about to act on, so a front-runner claiming first
// (or a prior, uncommitted attempt of our own) short-circuits the
// submission instead of reverting on-chain.
func (c *Coordinator) destinationAlreadySettled(ctx context.Context, sw *swaptypes.Swap) (bool, error) {
	switch sw.Direction {
	case swaptypes.EthToNear:
		data := packEscrowStateQuery(sw)
		out, err := c.eth.CallView(ctx, c.params.BridgeContract, data)
		if err != nil {
			return false, err
		}
		return escrowStateIsSettled(out), nil
	case swaptypes.NearToEth:
		var state struct {
			Fulfilled bool `json:"fulfilled"`
		}
		if err := c.near.ViewFunction(ctx, c.params.NearEscrowID, "get_order_state", map[string]string{"order_id": sw.SourceRef}, &state); err != nil {
			return false, err
		}
		return state.Fulfilled, nil
	default:
		return false, nil
	}
}

// SubmitRefundTx refunds the mirror escrow once the destination timelock
// plus grace period has elapsed.
func (c *Coordinator) SubmitRefundTx(ctx context.Context, id string) error {
	sw, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("submit_refund_tx: no swap with message_id %q", id)
	}

	deadline := sw.TimelockDest + int64(c.params.RefundGrace.Seconds())
	if Now().Unix() <= deadline {
		return fmt.Errorf("submit_refund_tx: timelock_dest+grace not yet elapsed for %q", id)
	}

	var err error
	switch sw.Direction {
	case swaptypes.EthToNear:
		err = c.near.FunctionCall(ctx, c.params.NearEscrowID, "refund_order", map[string]string{"order_id": sw.EscrowRef}, 100_000_000_000_000, nil, nil)
	case swaptypes.NearToEth:
		data := packRefund(sw)
		_, err = c.eth.SendTx(ctx, c.params.BridgeContract, data, big.NewInt(0), 0)
	default:
		err = fmt.Errorf("submit_refund_tx: unknown direction %q", sw.Direction)
	}
	if err != nil {
		return err
	}

	return c.store.MarkTerminal(id, swaptypes.StatusRefunding, swaptypes.StatusRefunded, nil)
}
