// Package ethereum implements the Ethereum chain adapter and chain
// listener: get_block_number, get_logs, query_filter, call_view, send_tx
// (with a 20% gas buffer and confirmation wait), estimate_gas, and
// signer_address, built on go-ethereum's ethclient.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	logging "github.com/ipfs/go-log"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

// receiptPollInterval is how often waitForReceipt re-checks for a mined,
// sufficiently-confirmed transaction.
const receiptPollInterval = 2 * time.Second

func waitTick() <-chan time.Time {
	return time.After(receiptPollInterval)
}

var log = logging.Logger("chain/ethereum")

// gasBufferNumerator/Denominator apply a 20% gas buffer over an estimate.
const (
	gasBufferNumerator   = 120
	gasBufferDenominator = 100
)

// Default per-call RPC and receipt-wait deadlines.
const (
	DefaultRPCTimeout     = 15 * time.Second
	DefaultReceiptTimeout = 120 * time.Second
)

// Adapter wraps an ethclient.Client with the relayer's signing key, the
// fixed confirmation depth used when waiting for a receipt, and an
// in-memory nonce cache — the adapter's only persistent state besides the
// signing key handle and RPC client.
type Adapter struct {
	client             *ethclient.Client
	chainID            *big.Int
	privateKey         *ecdsa.PrivateKey
	address            ethcommon.Address
	blockConfirmations uint64
	rpcTimeout         time.Duration
	receiptTimeout     time.Duration

	nonceMu   sync.Mutex
	nextNonce *uint64 // nil until first lazily primed from the chain
}

// NewAdapter dials rpcURL and derives the signer address from
// privateKeyHex (0x-prefixed, 64 hex chars). rpcTimeout/receiptTimeout of
// zero fall back to DefaultRPCTimeout/DefaultReceiptTimeout.
func NewAdapter(ctx context.Context, rpcURL string, chainID int64, privateKeyHex string, blockConfirmations int, rpcTimeout, receiptTimeout time.Duration) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &relayererr.NetworkError{Chain: "ethereum", Operation: "dial", Err: err}
	}

	pk, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: "ethereum.privateKey", Reason: err.Error()}
	}

	if blockConfirmations < 1 {
		blockConfirmations = 2 // default confirmation depth
	}
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	if receiptTimeout <= 0 {
		receiptTimeout = DefaultReceiptTimeout
	}

	return &Adapter{
		client:             client,
		chainID:            big.NewInt(chainID),
		privateKey:         pk,
		address:            crypto.PubkeyToAddress(pk.PublicKey),
		blockConfirmations: uint64(blockConfirmations),
		rpcTimeout:         rpcTimeout,
		receiptTimeout:     receiptTimeout,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// SignerAddress returns the address the adapter signs transactions with.
func (a *Adapter) SignerAddress() ethcommon.Address {
	return a.address
}

// rpcCtx derives a context bounded by the per-call RPC deadline, scoped to
// the caller's own context so process shutdown still cancels it early.
func (a *Adapter) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.rpcTimeout)
}

// GetBlockNumber returns the current chain head block number.
func (a *Adapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := a.rpcCtx(ctx)
	defer cancel()

	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, &relayererr.NetworkError{Chain: "ethereum", Operation: "get_block_number", Err: err}
	}
	return n, nil
}

// GetLogs fetches raw logs matching filter between fromBlock and toBlock
// inclusive.
func (a *Adapter) GetLogs(ctx context.Context, filter [][]ethcommon.Hash, contractAddr ethcommon.Address, fromBlock, toBlock uint64) ([]ethtypes.Log, error) {
	ctx, cancel := a.rpcCtx(ctx)
	defer cancel()

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{contractAddr},
		Topics:    filter,
	}
	logs, err := a.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, &relayererr.NetworkError{Chain: "ethereum", Operation: "get_logs", Err: err}
	}
	return logs, nil
}

// QueryFilter is an alias for GetLogs scoped to a single event topic.
func (a *Adapter) QueryFilter(ctx context.Context, topic ethcommon.Hash, contractAddr ethcommon.Address, fromBlock, toBlock uint64) ([]ethtypes.Log, error) {
	return a.GetLogs(ctx, [][]ethcommon.Hash{{topic}}, contractAddr, fromBlock, toBlock)
}

// CallView performs a read-only contract call via CallContract.
func (a *Adapter) CallView(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error) {
	ctx, cancel := a.rpcCtx(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, &relayererr.ContractError{Address: to.Hex(), Method: "call_view", Reason: relayererr.ReasonInvalidReturn, Err: err}
	}
	return out, nil
}

// EstimateGas estimates the gas cost of a pending call.
func (a *Adapter) EstimateGas(ctx context.Context, to ethcommon.Address, value *big.Int, data []byte) (uint64, error) {
	ctx, cancel := a.rpcCtx(ctx)
	defer cancel()

	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  a.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return 0, &relayererr.ContractError{Address: to.Hex(), Method: "estimate_gas", Reason: relayererr.ReasonUnpredictableGasLimit, Err: err}
	}
	return gas, nil
}

// reserveNonce returns the next nonce to use for a signed transaction,
// priming the cache from the chain's pending nonce on first use and
// incrementing in place thereafter. Chain Adapters own this cache rather
// than re-querying on every send, per their state ownership: signing key
// handle, RPC client, nonce cache — nothing else.
func (a *Adapter) reserveNonce(ctx context.Context) (uint64, error) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	if a.nextNonce == nil {
		ctx, cancel := a.rpcCtx(ctx)
		defer cancel()
		n, err := a.client.PendingNonceAt(ctx, a.address)
		if err != nil {
			return 0, &relayererr.NetworkError{Chain: "ethereum", Operation: "pending_nonce", Err: err}
		}
		a.nextNonce = &n
	}

	nonce := *a.nextNonce
	*a.nextNonce++
	return nonce, nil
}

// releaseNonce rewinds the cache after a send failed before broadcast, so
// the reserved nonce isn't permanently skipped.
func (a *Adapter) releaseNonce(nonce uint64) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	if a.nextNonce != nil && *a.nextNonce == nonce+1 {
		*a.nextNonce = nonce
	}
}

// SendTx signs and submits a transaction to `to` carrying `data` and
// `value`, applying a 20% buffer over the supplied gas_hint (or a fresh
// estimate when gas_hint is zero), then waits for the receipt up to
// blockConfirmations deep. A reverted receipt (status 0) surfaces
// ContractError(Reverted); a receipt that never confirms surfaces the
// retryable ContractError(TimeoutWaitingForReceipt).
func (a *Adapter) SendTx(ctx context.Context, to ethcommon.Address, data []byte, value *big.Int, gasHint uint64) (*ethtypes.Receipt, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	gas := gasHint
	if gas == 0 {
		estimated, err := a.EstimateGas(ctx, to, value, data)
		if err != nil {
			return nil, err
		}
		gas = estimated
	}
	gas = gas * gasBufferNumerator / gasBufferDenominator

	nonce, err := a.reserveNonce(ctx)
	if err != nil {
		return nil, err
	}

	gasTipCap, gasFeeCap, err := a.suggestFees(ctx)
	if err != nil {
		a.releaseNonce(nonce)
		return nil, err
	}

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(a.chainID), a.privateKey)
	if err != nil {
		a.releaseNonce(nonce)
		return nil, &relayererr.SecurityError{Issue: "tx signing failed: " + err.Error()}
	}

	if err := a.sendTransaction(ctx, signed); err != nil {
		a.releaseNonce(nonce)
		return nil, classifySendError(to, err)
	}

	receipt, err := a.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return receipt, &relayererr.ContractError{Address: to.Hex(), Reason: relayererr.ReasonReverted, TxHash: signed.Hash().Hex()}
	}
	return receipt, nil
}

// suggestFees queries the tip cap and latest header under the per-call
// RPC deadline and derives a fee cap with a 2x base-fee multiplier.
func (a *Adapter) suggestFees(ctx context.Context) (tipCap, feeCap *big.Int, err error) {
	ctx, cancel := a.rpcCtx(ctx)
	defer cancel()

	tipCap, err = a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, &relayererr.NetworkError{Chain: "ethereum", Operation: "suggest_gas_tip_cap", Err: err}
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, &relayererr.NetworkError{Chain: "ethereum", Operation: "header_by_number", Err: err}
	}
	feeCap = new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return tipCap, feeCap, nil
}

// sendTransaction broadcasts signed under the per-call RPC deadline.
func (a *Adapter) sendTransaction(ctx context.Context, signed *ethtypes.Transaction) error {
	ctx, cancel := a.rpcCtx(ctx)
	defer cancel()
	return a.client.SendTransaction(ctx, signed)
}

// waitForReceipt polls until the transaction is mined and has
// accumulated blockConfirmations confirmations, grounded on the
// teacher's block.WaitForReceipt helper. It bounds the wait with a
// receiptTimeout deadline derived from the caller's context, so a
// stalled chain surfaces a retryable error well before process shutdown
// rather than blocking indefinitely.
func (a *Adapter) waitForReceipt(ctx context.Context, txHash ethcommon.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.receiptTimeout)
	defer cancel()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			head, herr := a.client.BlockNumber(ctx)
			if herr == nil && head >= receipt.BlockNumber.Uint64()+a.blockConfirmations {
				return receipt, nil
			}
		} else if err != ethereum.NotFound {
			return nil, &relayererr.NetworkError{Chain: "ethereum", Operation: "transaction_receipt", Err: err}
		}

		select {
		case <-ctx.Done():
			return nil, &relayererr.ContractError{
				Method: "send_tx", Reason: relayererr.ReasonTimeoutWaitingForReceipt, TxHash: txHash.Hex(), Err: ctx.Err(),
			}
		case <-waitTick():
		}
	}
}

func classifySendError(to ethcommon.Address, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "nonce too low"):
		return &relayererr.ContractError{Address: to.Hex(), Reason: relayererr.ReasonNonceTooLow, Err: err}
	case strings.Contains(msg, "replacement transaction underpriced"):
		return &relayererr.ContractError{Address: to.Hex(), Reason: relayererr.ReasonUnderpricedReplacement, Err: err}
	case strings.Contains(msg, "gas required exceeds"):
		return &relayererr.ContractError{Address: to.Hex(), Reason: relayererr.ReasonUnpredictableGasLimit, Err: err}
	default:
		return &relayererr.NetworkError{Chain: "ethereum", Operation: "send_transaction", Err: err}
	}
}

// Raw exposes the underlying ethclient for callers needing a bind-style
// contract binding (abi/bind.ContractBackend).
func (a *Adapter) Raw() bind.ContractBackend {
	return a.client
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}
