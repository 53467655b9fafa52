package swaptypes

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
)

// EthMessageID derives the canonical message_id for an Ethereum log: the
// keccak256 of the source tx hash concatenated with the big-endian log
// index.
func EthMessageID(txHash [32]byte, logIndex uint64) string {
	var idxBytes [8]byte
	binary.BigEndian.PutUint64(idxBytes[:], logIndex)
	sum := crypto.Keccak256(txHash[:], idxBytes[:])
	return "0x" + hex.EncodeToString(sum)
}

// NearMessageID derives the canonical message_id for a NEAR receipt log:
// sha256 of the receipt hash, a separator, and the log's index within the
// receipt's logs array.
func NearMessageID(receiptHash string, eventIndex uint32) string {
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], eventIndex)

	h := sha256.New()
	h.Write([]byte(receiptHash))
	h.Write([]byte(":"))
	h.Write(idxBytes[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ValidMessageID reports whether id satisfies the Status Store's validation
// rule: non-empty, at most 256 characters.
func ValidMessageID(id string) bool {
	return len(id) > 0 && len(id) <= 256
}
