package near

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"

	logging "github.com/ipfs/go-log"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

var log = logging.Logger("chain/near")

// borshWriter accumulates a NEAR Borsh-encoded transaction. There is no
// Borsh implementation in the retrieval pack to build on — this hand-rolls
// the small, fixed subset the relayer needs (strings, fixed arrays, u64,
// u128, and the Action enum's FunctionCall variant), using encoding/binary
// because NEAR's wire format has no ecosystem Go encoder to reach for.
type borshWriter struct {
	buf bytes.Buffer
}

func (w *borshWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *borshWriter) u32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *borshWriter) u64(v uint64) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }

func (w *borshWriter) u128(v *big.Int) {
	b := make([]byte, 16)
	v.FillBytes(b) // big-endian
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i] // reverse to little-endian
	}
	w.buf.Write(b)
}

func (w *borshWriter) fixed(b []byte) { w.buf.Write(b) }

func (w *borshWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *borshWriter) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

// encodeFunctionCallTx borsh-encodes a NEAR transaction with a single
// FunctionCall action, signs it with ed25519, and returns the base64 SignedTransaction
// payload expected by broadcast_tx_commit.
func encodeFunctionCallTx(
	signerID string,
	pubKey ed25519.PublicKey,
	nonce uint64,
	receiverID string,
	blockHash [32]byte,
	methodName string,
	args []byte,
	gas uint64,
	deposit *big.Int,
	signingKey ed25519.PrivateKey,
) (string, error) {
	if deposit == nil {
		deposit = big.NewInt(0)
	}

	w := &borshWriter{}
	w.str(signerID)
	w.u8(0) // PublicKey enum tag 0 = ED25519
	w.fixed(pubKey)
	w.u64(nonce)
	w.str(receiverID)
	w.fixed(blockHash[:])

	// actions: Vec<Action> with exactly one FunctionCall(tag=2)
	w.u32(1)
	w.u8(2)
	w.str(methodName)
	w.bytesField(args)
	w.u64(gas)
	w.u128(deposit)

	txBytes := w.buf.Bytes()
	sig := ed25519.Sign(signingKey, txBytes)

	sw := &borshWriter{}
	sw.fixed(txBytes)
	sw.u8(0) // Signature enum tag 0 = ED25519
	sw.fixed(sig)

	return base64.StdEncoding.EncodeToString(sw.buf.Bytes()), nil
}

// FunctionCall submits a signed transaction invoking method on contract
// with the given JSON-encoded args, gas budget, and attached deposit
// (in yoctoNEAR), then parses the resulting SuccessValue into out.
//
// gas and deposit follow the NEAR adapter contract:
// function_call(contract, method, args, gas, deposit) -> final_outcome.
func (a *Adapter) FunctionCall(ctx context.Context, contract, method string, args interface{}, gas uint64, deposit *big.Int, out interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return &relayererr.ValidationError{Field: "args", Reason: err.Error()}
	}

	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	blk, err := a.Block(ctx, st.LatestHeight)
	if err != nil {
		return err
	}
	blockHash, err := decodeBase58Hash32(blk.Header.Hash)
	if err != nil {
		return &relayererr.ContractError{Address: contract, Method: method, Reason: relayererr.ReasonInvalidReturn, Err: err}
	}

	nonce, err := a.reserveNonce(ctx)
	if err != nil {
		return err
	}

	if deposit == nil {
		deposit = big.NewInt(0)
	}
	signedTxBase64, err := encodeFunctionCallTx(
		a.accountID, a.signingKey.Public().(ed25519.PublicKey), nonce, contract, blockHash,
		method, argsJSON, gas, deposit, a.signingKey,
	)
	if err != nil {
		a.releaseNonce(nonce)
		return &relayererr.SecurityError{Issue: "near tx signing failed: " + err.Error()}
	}

	var resp ExecutionOutcome
	if err := a.client.CallContext(ctx, &resp, "broadcast_tx_commit", signedTxBase64); err != nil {
		a.releaseNonce(nonce)
		return &relayererr.NetworkError{Chain: "near", Operation: "near_function_call", Err: err}
	}

	if resp.Status.Failure != nil {
		return &relayererr.ContractError{Address: contract, Method: method, Reason: relayererr.ReasonReverted, Err: fmt.Errorf("%s", resp.Status.Failure)}
	}
	if out == nil {
		return nil
	}
	return decodeSuccessValue(resp.Status, contract, method, out)
}

// reserveNonce returns the next nonce to use for a signed transaction,
// priming the cache from the access key's on-chain nonce on first use and
// incrementing in place thereafter, rather than re-querying on every call.
func (a *Adapter) reserveNonce(ctx context.Context) (uint64, error) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()

	if a.nextNonce == nil {
		var resp struct {
			Nonce uint64 `json:"nonce"`
		}
		params := map[string]interface{}{
			"request_type": "view_access_key",
			"finality":     "final",
			"account_id":   a.accountID,
			"public_key":   a.PublicKeyWire(),
		}
		if err := a.client.CallContext(ctx, &resp, "query", params); err != nil {
			return 0, &relayererr.NetworkError{Chain: "near", Operation: "near_view", Err: err}
		}
		n := resp.Nonce + 1
		a.nextNonce = &n
	}

	nonce := *a.nextNonce
	*a.nextNonce++
	return nonce, nil
}

// releaseNonce rewinds the cache after a send failed before the chain
// accepted it, so the reserved nonce isn't permanently skipped.
func (a *Adapter) releaseNonce(nonce uint64) {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	if a.nextNonce != nil && *a.nextNonce == nonce+1 {
		*a.nextNonce = nonce
	}
}

func decodeBase58Hash32(s string) ([32]byte, error) {
	var h [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return h, err
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("expected 32-byte block hash, got %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}
