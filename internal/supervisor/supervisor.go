// Package supervisor wires the two chain listeners, the work executor, and
// the swap coordinator into a single running process: it ingests deposit
// events into new Swap records, dispatches coordinator operations onto the
// executor, reconciles non-terminal swaps at boot, and drains cleanly on
// shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/atomicbridge/htlc-relayer/internal/chain/ethereum"
	"github.com/atomicbridge/htlc-relayer/internal/chain/near"
	"github.com/atomicbridge/htlc-relayer/internal/coordinator"
	"github.com/atomicbridge/htlc-relayer/internal/executor"
	"github.com/atomicbridge/htlc-relayer/internal/metrics"
	"github.com/atomicbridge/htlc-relayer/internal/nearlog"
	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
	"github.com/atomicbridge/htlc-relayer/internal/retry"
	"github.com/atomicbridge/htlc-relayer/internal/store"
	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

var log = logging.Logger("supervisor")

// Supervisor owns the relayer's process lifecycle.
type Supervisor struct {
	store    *store.Store
	executor *executor.Executor
	coord    *coordinator.Coordinator

	ethListener  *ethereum.Listener
	nearListener *near.Listener

	shutdownTimeout time.Duration

	mu         sync.RWMutex
	ethSynced  bool
	nearSynced bool
}

// Params bundles the collaborators a Supervisor drives.
type Params struct {
	Store           *store.Store
	Executor        *executor.Executor
	Coordinator     *coordinator.Coordinator
	EthListener     *ethereum.Listener
	NearListener    *near.Listener
	ShutdownTimeout time.Duration
}

// New constructs a Supervisor from its collaborators. EthListener and
// NearListener may be nil here and supplied later via SetListeners — both
// listeners take the Supervisor's own HandleEthEvent/HandleNearEvent as
// their callback, so the usual construction order builds the Supervisor
// first, then the listeners, then wires them together.
func New(p Params) *Supervisor {
	if p.ShutdownTimeout <= 0 {
		p.ShutdownTimeout = 30 * time.Second
	}
	return &Supervisor{
		store:           p.Store,
		executor:        p.Executor,
		coord:           p.Coordinator,
		ethListener:     p.EthListener,
		nearListener:    p.NearListener,
		shutdownTimeout: p.ShutdownTimeout,
	}
}

// SetListeners attaches the chain listeners after construction, for callers
// that must build the listeners from a handler bound to this Supervisor.
func (s *Supervisor) SetListeners(eth *ethereum.Listener, near *near.Listener) {
	s.ethListener = eth
	s.nearListener = near
}

// Run starts both chain listeners, reconciles non-terminal swaps left over
// from a prior run, and blocks until ctx is canceled. On return it has
// drained (or timed out draining) the executor.
func (s *Supervisor) Run(ctx context.Context) error {
	s.reconcileOnBoot()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.ethListener.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("ethereum listener: %w", err)
		}
		s.mu.Lock()
		s.ethSynced = false
		s.mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.nearListener.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("near listener: %w", err)
		}
		s.mu.Lock()
		s.nearSynced = false
		s.mu.Unlock()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Errorf("listener failed, shutting down: %s", runErr)
	}

	if !s.executor.Drain(s.shutdownTimeout) {
		log.Warnf("shutdown timeout elapsed with jobs still in flight")
	}
	s.executor.Stop()
	wg.Wait()
	return runErr
}

// IsReady reports whether each chain listener has delivered at least one
// event to this Supervisor; a listener's flag is cleared when its Run
// returns. A listener that polls without finding relay events does not set
// its flag.
func (s *Supervisor) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ethSynced && s.nearSynced
}

func (s *Supervisor) markEthSynced() {
	s.mu.Lock()
	s.ethSynced = true
	s.mu.Unlock()
}

func (s *Supervisor) markNearSynced() {
	s.mu.Lock()
	s.nearSynced = true
	s.mu.Unlock()
}

// reconcileOnBoot re-dispatches every non-terminal swap left over from a
// prior run onto the executor, so a restart never silently strands a swap
// mid-flight. Swaps whose destination timelock already elapsed are moved
// straight to refunding.
func (s *Supervisor) reconcileOnBoot() {
	now := coordinator.Now()
	for _, sw := range s.store.NonTerminal() {
		id := sw.MessageID
		if sw.Status == swaptypes.StatusAwaitingSettlement && now.Unix() > sw.TimelockDest {
			log.Infof("boot reconciliation: message_id=%s timelock elapsed, moving to refunding", id)
			if err := s.coord.ObserveTimelockExpired(context.Background(), id); err != nil {
				log.Errorf("boot reconciliation: observe_timelock_expired failed for %s: %s", id, err)
				continue
			}
			s.dispatchSubmitRefundTx(id)
			continue
		}
		s.DispatchByStatus(id, sw.Status)
	}
}

// DispatchByStatus posts the executor job appropriate to a swap's current
// status. Boot reconciliation calls it for every non-terminal swap, which is
// also how a swap reset by the resume CLI action (to observed or refunding)
// gets back onto the executor on the relayer's next start.
func (s *Supervisor) DispatchByStatus(id string, status swaptypes.Status) {
	switch status {
	case swaptypes.StatusObserved:
		s.dispatchValidate(id)
	case swaptypes.StatusMirroring:
		s.dispatchSubmitMirrorTx(id)
	case swaptypes.StatusPropagating:
		s.dispatchSubmitWithdrawTx(id)
	case swaptypes.StatusRefunding:
		s.dispatchSubmitRefundTx(id)
	default:
		log.Warnf("dispatch_by_status: no executor job for message_id=%s status=%s", id, status)
	}
}

func (s *Supervisor) demoteToFailed(id string, from swaptypes.Status, cause error) {
	direction := "unknown"
	if sw, ok := s.store.Get(id); ok {
		direction = string(sw.Direction)
	}

	err := s.store.MarkTerminal(id, from, swaptypes.StatusFailed, func(sw *swaptypes.Swap) {
		sw.LastError = &swaptypes.LastError{Kind: "retry_exhausted", Message: cause.Error(), At: coordinator.Now()}
	})
	if err != nil {
		log.Errorf("demote to failed: message_id=%s: %s", id, err)
		return
	}
	metrics.SwapsFailed.WithLabelValues(direction, "retry_exhausted").Inc()
}

func (s *Supervisor) dispatchValidate(id string) {
	s.executor.Submit(executor.Job{
		Key:       id,
		Operation: retry.OpValidate,
		Fn:        func(ctx context.Context) error { return s.coord.Validate(ctx, id) },
	})
}

func (s *Supervisor) dispatchSubmitMirrorTx(id string) {
	s.executor.Submit(executor.Job{
		Key:       id,
		Operation: retry.OpFactoryTx,
		Fn:        func(ctx context.Context) error { return s.coord.SubmitMirrorTx(ctx, id) },
		OnFailure: func(err error) { s.demoteToFailed(id, swaptypes.StatusMirroring, err) },
	})
}

func (s *Supervisor) dispatchSubmitWithdrawTx(id string) {
	s.executor.Submit(executor.Job{
		Key:       id,
		Operation: retry.OpWithdrawTx,
		Fn:        func(ctx context.Context) error { return s.coord.SubmitWithdrawTx(ctx, id) },
	})
}

func (s *Supervisor) dispatchSubmitRefundTx(id string) {
	s.executor.Submit(executor.Job{
		Key:       id,
		Operation: retry.OpRefundTx,
		Fn:        func(ctx context.Context) error { return s.coord.SubmitRefundTx(ctx, id) },
		OnFailure: func(err error) { s.demoteToFailed(id, swaptypes.StatusRefunding, err) },
	})
}

// HandleEthEvent is the Ethereum listener's handler: it ingests a
// DepositInitiated into a new Swap record, and reacts to
// WithdrawalCompleted by closing out a front-run or relayer-submitted
// withdrawal. MessageSent and EscrowCreated are confirmation-only and are
// logged, not dispatched.
func (s *Supervisor) HandleEthEvent(ctx context.Context, ev ethereum.DecodedEvent) error {
	s.markEthSynced()

	switch ev.Kind {
	case ethereum.EventDepositInitiated:
		return s.onDepositInitiated(ev)
	case ethereum.EventWithdrawalCompleted:
		return s.onWithdrawalCompleted(ev)
	case ethereum.EventMessageSent:
		log.Debugf("message relayed: depositId=%x", ev.MessageSent.DepositID)
		return nil
	case ethereum.EventEscrowCreated:
		log.Debugf("mirror escrow created at %s", ev.EscrowCreated.Escrow.Hex())
		return nil
	default:
		return nil
	}
}

func (s *Supervisor) onDepositInitiated(ev ethereum.DecodedEvent) error {
	d := ev.DepositInitiated
	id := swaptypes.EthMessageID(ev.Log.TxHash, uint64(ev.Log.Index))
	if s.store.IsProcessed(id) {
		return nil
	}

	sw := &swaptypes.Swap{
		MessageID:    id,
		Direction:    swaptypes.EthToNear,
		SourceRef:    swaptypes.Hash32(d.DepositID).String(),
		Initiator:    d.Sender.Hex(),
		Recipient:    d.NearRecipient,
		AmountSource: swaptypes.NewAmount(d.Amount, swaptypes.UnitWei),
		AmountDest:   swaptypes.NewAmount(d.Amount, swaptypes.UnitYoctoNear),
	}
	if err := s.store.Begin(id, sw); err != nil {
		if errors.Is(err, relayererr.AlreadyExists) {
			return nil
		}
		return err
	}
	log.Infof("observed eth->near deposit message_id=%s amount=%s", id, sw.AmountSource.HumanString())
	metrics.SwapsObserved.WithLabelValues(string(swaptypes.EthToNear)).Inc()
	s.dispatchValidate(id)
	return nil
}

func (s *Supervisor) onWithdrawalCompleted(ev ethereum.DecodedEvent) error {
	d := ev.WithdrawalCompleted
	sourceRef := swaptypes.Hash32(d.DepositID).String()

	for _, sw := range s.store.NonTerminal() {
		if sw.Direction != swaptypes.EthToNear || sw.SourceRef != sourceRef {
			continue
		}
		if sw.Status != swaptypes.StatusPropagating {
			return nil
		}
		log.Infof("withdrawal observed on source escrow for message_id=%s, settling", sw.MessageID)
		return s.store.MarkTerminal(sw.MessageID, swaptypes.StatusPropagating, swaptypes.StatusSettled, nil)
	}
	return nil
}

// HandleNearEvent is the NEAR listener's handler: OrderCreated ingests a
// new NearToEth swap; OrderFulfilled carries the revealed secret and
// drives observe_secret_on_source + submit_withdraw_tx for EthToNear
// swaps; OrderRefunded closes out a front-run refund.
func (s *Supervisor) HandleNearEvent(ctx context.Context, le near.LogEvent) error {
	s.markNearSynced()

	switch le.Event.Kind {
	case nearlog.KindOrderCreated:
		return s.onOrderCreated(le)
	case nearlog.KindOrderFulfilled:
		return s.onOrderFulfilled(ctx, le)
	case nearlog.KindOrderRefunded:
		return s.onOrderRefunded(le)
	default:
		return nil
	}
}

func (s *Supervisor) onOrderCreated(le near.LogEvent) error {
	created := le.Event.Created
	id := swaptypes.NearMessageID(le.ReceiptID, le.Index)
	if s.store.IsProcessed(id) {
		return nil
	}

	amount, ok := new(big.Int).SetString(created.AmountYocto, 10)
	if !ok {
		amount = new(big.Int) // zero; surfaced by validate()'s amount_source > 0 check
	}

	sw := &swaptypes.Swap{
		MessageID:    id,
		Direction:    swaptypes.NearToEth,
		SourceRef:    created.OrderID,
		Recipient:    created.Recipient,
		AmountSource: swaptypes.NewAmount(amount, swaptypes.UnitYoctoNear),
		AmountDest:   swaptypes.NewAmount(amount, swaptypes.UnitWei),
	}
	if err := s.store.Begin(id, sw); err != nil {
		if errors.Is(err, relayererr.AlreadyExists) {
			return nil
		}
		return err
	}
	log.Infof("observed near->eth order message_id=%s amount=%s", id, sw.AmountSource.HumanString())
	metrics.SwapsObserved.WithLabelValues(string(swaptypes.NearToEth)).Inc()
	s.dispatchValidate(id)
	return nil
}

func (s *Supervisor) onOrderFulfilled(ctx context.Context, le near.LogEvent) error {
	f := le.Event.Fulfilled
	secret, err := swaptypes.ParseHash32(f.Secret)
	if err != nil {
		log.Warnf("order fulfillment carried unparseable secret for order_id=%s: %s", f.OrderID, err)
		return nil
	}

	for _, sw := range s.store.NonTerminal() {
		if sw.EscrowRef != f.OrderID {
			continue
		}
		if err := s.coord.ObserveSecretOnSource(ctx, sw.MessageID, secret); err != nil {
			return err
		}
		rec, ok := s.store.Get(sw.MessageID)
		if ok && rec.Status == swaptypes.StatusPropagating {
			s.dispatchSubmitWithdrawTx(sw.MessageID)
		}
		return nil
	}
	return nil
}

func (s *Supervisor) onOrderRefunded(le near.LogEvent) error {
	refunded := le.Event.Refunded
	for _, sw := range s.store.NonTerminal() {
		if sw.EscrowRef != refunded.OrderID {
			continue
		}
		if sw.Status != swaptypes.StatusRefunding {
			return nil
		}
		return s.store.MarkTerminal(sw.MessageID, swaptypes.StatusRefunding, swaptypes.StatusRefunded, nil)
	}
	return nil
}
