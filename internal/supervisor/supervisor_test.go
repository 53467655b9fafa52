package supervisor

import (
	"context"
	"math/big"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/atomicbridge/htlc-relayer/internal/chain/ethereum"
	"github.com/atomicbridge/htlc-relayer/internal/chain/near"
	"github.com/atomicbridge/htlc-relayer/internal/coordinator"
	"github.com/atomicbridge/htlc-relayer/internal/executor"
	"github.com/atomicbridge/htlc-relayer/internal/nearlog"
	"github.com/atomicbridge/htlc-relayer/internal/retry"
	"github.com/atomicbridge/htlc-relayer/internal/store"
	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

type fakeEth struct{}

func (f *fakeEth) SignerAddress() ethcommon.Address { return ethcommon.Address{} }
func (f *fakeEth) SendTx(ctx context.Context, to ethcommon.Address, data []byte, value *big.Int, gasHint uint64) (*ethtypes.Receipt, error) {
	return &ethtypes.Receipt{}, nil
}
func (f *fakeEth) CallView(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error) {
	return nil, nil
}

type fakeNear struct{}

func (f *fakeNear) AccountID() string { return "relayer.testnet" }
func (f *fakeNear) FunctionCall(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error {
	return nil
}
func (f *fakeNear) ViewFunction(ctx context.Context, contract, method string, args interface{}, out interface{}) error {
	return nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Load())

	coord := coordinator.New(st, &fakeEth{}, &fakeNear{}, coordinator.Params{
		MinSafety:    10 * time.Minute,
		Delta:        30 * time.Minute,
		RefundGrace:  time.Minute,
		NearEscrowID: "escrow.testnet",
	})
	exec := executor.New(4, retry.DefaultTable())

	sup := New(Params{
		Store:           st,
		Executor:        exec,
		Coordinator:     coord,
		ShutdownTimeout: time.Second,
	})
	return sup, st
}

func TestHandleEthEvent_DepositInitiated_BeginsSwap(t *testing.T) {
	sup, st := newTestSupervisor(t)

	ev := ethereum.DecodedEvent{
		Kind: ethereum.EventDepositInitiated,
		Log:  ethtypes.Log{TxHash: ethcommon.HexToHash("0xaa"), Index: 0},
		DepositInitiated: &ethereum.DepositInitiated{
			DepositID:     [32]byte{1, 2, 3},
			Sender:        ethcommon.HexToAddress("0xbb"),
			NearRecipient: "alice.near",
			Amount:        big.NewInt(1_000_000),
		},
	}
	require.NoError(t, sup.HandleEthEvent(context.Background(), ev))
	require.True(t, sup.IsReady() == false) // near not yet synced

	id := swaptypes.EthMessageID(ev.Log.TxHash, uint64(ev.Log.Index))
	rec, ok := st.Get(id)
	require.True(t, ok)
	require.Equal(t, swaptypes.EthToNear, rec.Direction)
	require.Equal(t, "alice.near", rec.Recipient)

	// A duplicate delivery of the same log must not create a second record
	// or error.
	require.NoError(t, sup.HandleEthEvent(context.Background(), ev))
}

func TestHandleEthEvent_WithdrawalCompleted_SettlesPropagatingSwap(t *testing.T) {
	sup, st := newTestSupervisor(t)

	sourceRef := swaptypes.Hash32{9, 9, 9}.String()
	sw := &swaptypes.Swap{
		Direction:    swaptypes.EthToNear,
		SourceRef:    sourceRef,
		AmountSource: swaptypes.NewAmount(big.NewInt(1), swaptypes.UnitWei),
		AmountDest:   swaptypes.NewAmount(big.NewInt(1), swaptypes.UnitYoctoNear),
	}
	require.NoError(t, st.Begin("msg-1", sw))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusAwaitingSettlement, swaptypes.StatusPropagating, nil))

	ev := ethereum.DecodedEvent{
		Kind: ethereum.EventWithdrawalCompleted,
		Log:  ethtypes.Log{TxHash: ethcommon.HexToHash("0xcc"), Index: 1},
		WithdrawalCompleted: &ethereum.WithdrawalCompleted{
			DepositID: [32]byte{9, 9, 9},
		},
	}
	require.NoError(t, sup.HandleEthEvent(context.Background(), ev))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusSettled, rec.Status)
}

func TestHandleNearEvent_OrderCreated_BeginsSwap(t *testing.T) {
	sup, st := newTestSupervisor(t)

	ev := near.LogEvent{
		ReceiptID: "receipt-1",
		Index:     0,
		Event: nearlog.Event{
			Kind: nearlog.KindOrderCreated,
			Created: &nearlog.OrderCreated{
				OrderID:     "order-1",
				AmountYocto: "500",
				Recipient:   "0xabc",
			},
		},
	}
	require.NoError(t, sup.HandleNearEvent(context.Background(), ev))
	require.True(t, sup.IsReady() == false) // eth not yet synced

	id := swaptypes.NearMessageID(ev.ReceiptID, ev.Index)
	rec, ok := st.Get(id)
	require.True(t, ok)
	require.Equal(t, swaptypes.NearToEth, rec.Direction)
	require.Equal(t, "order-1", rec.SourceRef)
}

func TestHandleNearEvent_OrderCreated_MalformedAmountFallsBackToZero(t *testing.T) {
	sup, st := newTestSupervisor(t)

	ev := near.LogEvent{
		ReceiptID: "receipt-2",
		Index:     0,
		Event: nearlog.Event{
			Kind: nearlog.KindOrderCreated,
			Created: &nearlog.OrderCreated{
				OrderID:     "order-2",
				AmountYocto: "not-a-number",
				Recipient:   "0xabc",
			},
		},
	}
	require.NoError(t, sup.HandleNearEvent(context.Background(), ev))

	id := swaptypes.NearMessageID(ev.ReceiptID, ev.Index)
	rec, ok := st.Get(id)
	require.True(t, ok)
	require.False(t, rec.AmountSource.IsPositive())
}

func TestHandleNearEvent_OrderRefunded_ClosesRefundingSwap(t *testing.T) {
	sup, st := newTestSupervisor(t)

	sw := &swaptypes.Swap{
		Direction:    swaptypes.NearToEth,
		EscrowRef:    "order-3",
		AmountSource: swaptypes.NewAmount(big.NewInt(1), swaptypes.UnitYoctoNear),
		AmountDest:   swaptypes.NewAmount(big.NewInt(1), swaptypes.UnitWei),
	}
	require.NoError(t, st.Begin("msg-3", sw))
	require.NoError(t, st.Transition("msg-3", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-3", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))
	require.NoError(t, st.Transition("msg-3", swaptypes.StatusAwaitingSettlement, swaptypes.StatusRefunding, nil))

	ev := near.LogEvent{
		ReceiptID: "receipt-3",
		Event: nearlog.Event{
			Kind:     nearlog.KindOrderRefunded,
			Refunded: &nearlog.OrderRefunded{OrderID: "order-3"},
		},
	}
	require.NoError(t, sup.HandleNearEvent(context.Background(), ev))

	rec, _ := st.Get("msg-3")
	require.Equal(t, swaptypes.StatusRefunded, rec.Status)
}

func TestDispatchByStatus_UnknownStatusLogsAndDoesNotPanic(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	require.NotPanics(t, func() {
		sup.DispatchByStatus("msg-x", swaptypes.StatusSettled)
	})
}

func TestReconcileOnBoot_MovesElapsedAwaitingSettlementToRefunding(t *testing.T) {
	sup, st := newTestSupervisor(t)

	now := time.Unix(1_700_000_000, 0)
	coordinator.Now = func() time.Time { return now }
	defer func() { coordinator.Now = time.Now }()

	sw := &swaptypes.Swap{
		Direction:    swaptypes.EthToNear,
		TimelockDest: now.Add(-time.Minute).Unix(),
		AmountSource: swaptypes.NewAmount(big.NewInt(1), swaptypes.UnitWei),
		AmountDest:   swaptypes.NewAmount(big.NewInt(1), swaptypes.UnitYoctoNear),
	}
	require.NoError(t, st.Begin("msg-4", sw))
	require.NoError(t, st.Transition("msg-4", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-4", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))

	sup.reconcileOnBoot()

	rec, _ := st.Get("msg-4")
	require.Equal(t, swaptypes.StatusRefunding, rec.Status)
}
