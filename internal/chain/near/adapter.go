// Package near implements the NEAR chain adapter and chain listener.
// There is no NEAR SDK for Go in common use, so this adapter reuses
// go-ethereum's transport-agnostic JSON-RPC client
// (github.com/ethereum/go-ethereum/rpc) as the wire layer; ed25519 signing
// and base58 account encoding come from crypto/ed25519 and
// github.com/mr-tron/base58.
package near

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

// Status is the result of the NEAR `status` RPC method, trimmed to the
// fields the adapter needs.
type Status struct {
	ChainID      string `json:"chain_id"`
	LatestHeight uint64 `json:"-"`
}

type statusSyncInfo struct {
	LatestBlockHeight uint64 `json:"latest_block_height"`
}

type statusResponse struct {
	ChainID  string         `json:"chain_id"`
	SyncInfo statusSyncInfo `json:"sync_info"`
}

// Block is the result of the NEAR `block` RPC method, trimmed to the
// header fields the listener needs.
type Block struct {
	Header BlockHeader `json:"header"`
	Chunks []ChunkRef  `json:"chunks"`
}

// BlockHeader carries the block's height and hash.
type BlockHeader struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// ChunkRef references a chunk within a block by hash.
type ChunkRef struct {
	ChunkHash string `json:"chunk_hash"`
}

// Chunk is the result of the NEAR `chunk` RPC method: its receipts carry
// the escrow contract's log lines.
type Chunk struct {
	Receipts []Receipt `json:"receipts"`
}

// Receipt is a single NEAR receipt, with the outcome's logs attached by
// the caller after a separate lookup (NEAR's RPC returns logs on the
// execution outcome, not the receipt object itself).
type Receipt struct {
	ReceiptID string `json:"receipt_id"`
}

// ExecutionOutcome is the subset of a NEAR transaction/receipt outcome
// the relayer inspects: log lines and the SuccessValue payload.
type ExecutionOutcome struct {
	Logs    []string `json:"logs"`
	Status  OutcomeStatus `json:"status"`
}

// OutcomeStatus carries the outcome's terminal disposition. SuccessValue
// is base64-encoded per the NEAR RPC wire format.
type OutcomeStatus struct {
	SuccessValue *string `json:"SuccessValue,omitempty"`
	Failure      json.RawMessage `json:"Failure,omitempty"`
}

// Adapter wraps a go-ethereum generic rpc.Client pointed at a NEAR JSON-RPC
// endpoint, plus the relayer's ed25519 signing key for function_call and an
// in-memory access-key nonce cache.
type Adapter struct {
	client      *rpc.Client
	accountID   string
	signingKey  ed25519.PrivateKey
	networkID   string

	nonceMu   sync.Mutex
	nextNonce *uint64 // nil until first lazily primed from the access key
}

// NewAdapter dials nodeURL and decodes the ed25519 signing key from its
// NEAR `ed25519:<base58>` wire format.
func NewAdapter(ctx context.Context, nodeURL, networkID, accountID, privateKeyWire string) (*Adapter, error) {
	client, err := rpc.DialContext(ctx, nodeURL)
	if err != nil {
		return nil, &relayererr.NetworkError{Chain: "near", Operation: "dial", Err: err}
	}

	key, err := decodeNearPrivateKey(privateKeyWire)
	if err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: "near.privateKey", Reason: err.Error()}
	}

	return &Adapter{
		client:     client,
		accountID:  accountID,
		signingKey: key,
		networkID:  networkID,
	}, nil
}

// decodeNearPrivateKey parses NEAR's "ed25519:<base58(seed‖pub)>" key
// format into a standard ed25519.PrivateKey.
func decodeNearPrivateKey(wire string) (ed25519.PrivateKey, error) {
	const prefix = "ed25519:"
	if !strings.HasPrefix(wire, prefix) {
		return nil, fmt.Errorf("near private key must be ed25519-prefixed")
	}
	raw, err := base58.Decode(strings.TrimPrefix(wire, prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid base58 in near private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("expected %d byte ed25519 key, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// AccountID returns the account the adapter signs transactions as.
func (a *Adapter) AccountID() string {
	return a.accountID
}

// PublicKeyWire renders the adapter's public key in NEAR's
// "ed25519:<base58>" wire format, as used in access-key lookups.
func (a *Adapter) PublicKeyWire() string {
	pub := a.signingKey.Public().(ed25519.PublicKey)
	return "ed25519:" + base58.Encode(pub)
}

// Status queries the node's chain_id and latest block height.
func (a *Adapter) Status(ctx context.Context) (Status, error) {
	var resp statusResponse
	if err := a.client.CallContext(ctx, &resp, "status"); err != nil {
		return Status{}, &relayererr.NetworkError{Chain: "near", Operation: "status", Err: err}
	}
	return Status{ChainID: resp.ChainID, LatestHeight: resp.SyncInfo.LatestBlockHeight}, nil
}

// Block fetches the block at the given height.
func (a *Adapter) Block(ctx context.Context, height uint64) (Block, error) {
	var resp Block
	params := map[string]interface{}{"block_id": height}
	if err := a.client.CallContext(ctx, &resp, "block", params); err != nil {
		return Block{}, &relayererr.NetworkError{Chain: "near", Operation: "block", Err: err}
	}
	return resp, nil
}

// ErrChunkMissing is returned by Chunk when the node does not have the
// requested chunk — a non-fatal condition the listener must not advance
// past.
var ErrChunkMissing = fmt.Errorf("near: chunk missing")

// Chunk fetches the chunk identified by hash. Chunk-missing responses are
// reported as ErrChunkMissing, distinguished from a transport failure so
// the listener can hold its cursor rather than treat it as fatal.
func (a *Adapter) Chunk(ctx context.Context, chunkHash string) (Chunk, error) {
	var resp Chunk
	params := map[string]interface{}{"chunk_id": chunkHash}
	err := a.client.CallContext(ctx, &resp, "chunk", params)
	if err != nil {
		if strings.Contains(err.Error(), "UNKNOWN_CHUNK") {
			return Chunk{}, ErrChunkMissing
		}
		return Chunk{}, &relayererr.NetworkError{Chain: "near", Operation: "chunk", Err: err}
	}
	return resp, nil
}

// TransactionStatus fetches the final execution outcome for a previously
// submitted receipt/transaction hash, used both to read logs and to
// parse a function_call's SuccessValue.
func (a *Adapter) TransactionStatus(ctx context.Context, txHash, senderAccountID string) (ExecutionOutcome, error) {
	var resp ExecutionOutcome
	params := []interface{}{txHash, senderAccountID}
	if err := a.client.CallContext(ctx, &resp, "tx", params); err != nil {
		return ExecutionOutcome{}, &relayererr.NetworkError{Chain: "near", Operation: "tx", Err: err}
	}
	return resp, nil
}

// ViewFunction calls a read-only contract method and JSON-decodes its
// SuccessValue into out.
func (a *Adapter) ViewFunction(ctx context.Context, contract, method string, args interface{}, out interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return &relayererr.ValidationError{Field: "args", Reason: err.Error()}
	}

	params := map[string]interface{}{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}

	var resp struct {
		Result []byte `json:"result"`
	}
	if err := a.client.CallContext(ctx, &resp, "query", params); err != nil {
		return &relayererr.NetworkError{Chain: "near", Operation: "near_view", Err: err}
	}

	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &relayererr.ContractError{Address: contract, Method: method, Reason: relayererr.ReasonInvalidReturn, Err: err}
	}
	return nil
}

// decodeSuccessValue base64-decodes then JSON-decodes a function_call's
// SuccessValue into out
// ContractError(InvalidReturn)").
func decodeSuccessValue(status OutcomeStatus, contract, method string, out interface{}) error {
	if status.SuccessValue == nil {
		return &relayererr.ContractError{Address: contract, Method: method, Reason: relayererr.ReasonNotFound}
	}
	raw, err := base64.StdEncoding.DecodeString(*status.SuccessValue)
	if err != nil {
		return &relayererr.ContractError{Address: contract, Method: method, Reason: relayererr.ReasonInvalidReturn, Err: err}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &relayererr.ContractError{Address: contract, Method: method, Reason: relayererr.ReasonInvalidReturn, Err: err}
	}
	return nil
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}
