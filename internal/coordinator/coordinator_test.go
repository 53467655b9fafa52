package coordinator

import (
	"context"
	"crypto/sha256"
	"math/big"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/atomicbridge/htlc-relayer/internal/store"
	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

type fakeEth struct {
	sendTxFn   func(ctx context.Context, to ethcommon.Address, data []byte, value *big.Int, gasHint uint64) (*ethtypes.Receipt, error)
	callViewFn func(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error)
}

func (f *fakeEth) SignerAddress() ethcommon.Address { return ethcommon.Address{} }

func (f *fakeEth) SendTx(ctx context.Context, to ethcommon.Address, data []byte, value *big.Int, gasHint uint64) (*ethtypes.Receipt, error) {
	return f.sendTxFn(ctx, to, data, value, gasHint)
}

func (f *fakeEth) CallView(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error) {
	return f.callViewFn(ctx, to, data)
}

type fakeNear struct {
	functionCallFn func(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error
	viewFn         func(ctx context.Context, contract, method string, args interface{}, out interface{}) error
}

func (f *fakeNear) AccountID() string { return "relayer.testnet" }

func (f *fakeNear) FunctionCall(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error {
	return f.functionCallFn(ctx, contract, method, args, gas, deposit, out)
}

func (f *fakeNear) ViewFunction(ctx context.Context, contract, method string, args interface{}, out interface{}) error {
	return f.viewFn(ctx, contract, method, args, out)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Load())
	return s
}

func baseSwap(now time.Time) *swaptypes.Swap {
	return &swaptypes.Swap{
		Direction:      swaptypes.EthToNear,
		SecretHash:     swaptypes.Hash32{1, 2, 3},
		AmountSource:   swaptypes.NewAmount(big.NewInt(1000), swaptypes.UnitWei),
		AmountDest:     swaptypes.NewAmount(big.NewInt(900), swaptypes.UnitYoctoNear),
		Initiator:      "0x00000000000000000000000000000000000000aa",
		Recipient:      "alice.near",
		TimelockSource: now.Add(2 * time.Hour).Unix(),
		TimelockDest:   now.Add(1 * time.Hour).Unix(),
	}
}

func defaultParams() Params {
	return Params{
		MinSafety:    10 * time.Minute,
		Delta:        30 * time.Minute,
		RefundGrace:  time.Minute,
		NearEscrowID: "escrow.testnet",
	}
}

func TestValidate_AcceptsSafeTimelocks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	require.NoError(t, st.Begin("msg-1", baseSwap(now)))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.Validate(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusMirroring, rec.Status)
}

func TestValidate_RejectsUnsafeTimelock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	sw.TimelockSource = now.Unix() // exactly now: unsafe
	require.NoError(t, st.Begin("msg-1", sw))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.Validate(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)
}

func TestValidate_RejectsTimelockDestTooClose(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	// timelock_dest one second later than timelock_source - delta => rejected
	sw.TimelockDest = sw.TimelockSource - int64(defaultParams().Delta.Seconds()) + 1
	require.NoError(t, st.Begin("msg-1", sw))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.Validate(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusFailed, rec.Status)
}

func TestValidate_RejectsMalformedNearRecipient(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	sw.Recipient = "Not A Valid NEAR Account!"
	require.NoError(t, st.Begin("msg-1", sw))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.Validate(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusFailed, rec.Status)
}

func TestValidate_RejectsMalformedEthInitiator(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	sw.Initiator = "0xabc" // too short to be a real address
	require.NoError(t, st.Begin("msg-1", sw))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.Validate(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusFailed, rec.Status)
}

func TestValidate_RejectsMalformedEthRecipient_NearToEth(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	sw.Direction = swaptypes.NearToEth
	sw.Initiator = "bob.near"
	sw.Recipient = "not-an-eth-address"
	require.NoError(t, st.Begin("msg-1", sw))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.Validate(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusFailed, rec.Status)
}

func TestSubmitMirrorTx_EthToNear_RecordsOrderID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	require.NoError(t, st.Begin("msg-1", sw))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))

	near := &fakeNear{
		functionCallFn: func(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error {
			require.Equal(t, "create_swap_order", method)
			if ptr, ok := out.(*struct {
				OrderID string `json:"order_id"`
			}); ok {
				ptr.OrderID = "order-42"
			}
			return nil
		},
	}

	c := New(st, &fakeEth{}, near, defaultParams())
	require.NoError(t, c.SubmitMirrorTx(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusAwaitingSettlement, rec.Status)
	require.Equal(t, "order-42", rec.EscrowRef)
}

func TestObserveSecretOnSource_PreimageMismatchRoutesToRefunding(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	require.NoError(t, st.Begin("msg-1", sw))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	wrongSecret := swaptypes.Hash32{9, 9, 9}
	require.NoError(t, c.ObserveSecretOnSource(context.Background(), "msg-1", wrongSecret))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusRefunding, rec.Status)
}

func TestObserveSecretOnSource_ValidPreimageAdvancesToPropagating(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	var secret swaptypes.Hash32
	copy(secret[:], []byte("the-preimage-the-preimage-123456"))
	hash := sha256.Sum256(secret[:])
	sw.SecretHash = hash
	require.NoError(t, st.Begin("msg-1", sw))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.NoError(t, c.ObserveSecretOnSource(context.Background(), "msg-1", secret))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusPropagating, rec.Status)
	require.NotNil(t, rec.Secret)
}

func TestSubmitWithdrawTx_EthToNear_CompletesOnSourceChain(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	sw.SourceRef = swaptypes.Hash32{4, 5, 6}.String()
	sw.TimelockDest = now.Add(30 * time.Minute).Unix()
	var secret swaptypes.Hash32
	copy(secret[:], []byte("the-preimage-the-preimage-123456"))
	sw.Secret = &secret
	require.NoError(t, st.Begin("msg-1", sw))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusAwaitingSettlement, swaptypes.StatusPropagating, nil))

	var sawSendTx bool
	eth := &fakeEth{
		callViewFn: func(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error) {
			return escrowStateSettledFalse(t), nil
		},
		sendTxFn: func(ctx context.Context, to ethcommon.Address, data []byte, value *big.Int, gasHint uint64) (*ethtypes.Receipt, error) {
			sawSendTx = true
			return &ethtypes.Receipt{}, nil
		},
	}
	near := &fakeNear{
		functionCallFn: func(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error {
			t.Fatalf("EthToNear withdraw must not call a NEAR function, got method=%s", method)
			return nil
		},
	}

	c := New(st, eth, near, defaultParams())
	require.NoError(t, c.SubmitWithdrawTx(context.Background(), "msg-1"))
	require.True(t, sawSendTx, "expected completeWithdrawal to be sent on the Ethereum source escrow")

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusSettled, rec.Status)
}

func escrowStateSettledFalse(t *testing.T) []byte {
	t.Helper()
	out, err := bridgeABI.Methods["escrowState"].Outputs.Pack(false)
	require.NoError(t, err)
	return out
}

func TestSubmitRefundTx_RejectsBeforeGraceElapsed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	Now = func() time.Time { return now }
	defer func() { Now = time.Now }()

	st := newTestStore(t)
	sw := baseSwap(now)
	sw.TimelockDest = now.Unix() // grace not yet elapsed
	require.NoError(t, st.Begin("msg-1", sw))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusObserved, swaptypes.StatusMirroring, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusMirroring, swaptypes.StatusAwaitingSettlement, nil))
	require.NoError(t, st.Transition("msg-1", swaptypes.StatusAwaitingSettlement, swaptypes.StatusRefunding, nil))

	c := New(st, &fakeEth{}, &fakeNear{}, defaultParams())
	require.Error(t, c.SubmitRefundTx(context.Background(), "msg-1"))

	rec, _ := st.Get("msg-1")
	require.Equal(t, swaptypes.StatusRefunding, rec.Status)
}
