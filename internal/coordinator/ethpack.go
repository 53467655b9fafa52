package coordinator

import (
	"crypto/sha256"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/atomicbridge/htlc-relayer/internal/swaptypes"
)

// bridgeABI packs calldata for the Ethereum bridge/factory methods the
// coordinator drives. depositId is assigned client-side (see
// depositIDFromMessageID) rather than read back off the factory's receipt,
// since the escrow-creation event the bridge emits carries the escrow's
// address, not a depositId the relayer could otherwise recover.
var bridgeABI abi.ABI

func init() {
	const abiJSON = `[
		{"type":"function","name":"createEscrow","inputs":[
			{"name":"depositId","type":"bytes32"},
			{"name":"token","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"secretHash","type":"bytes32"},
			{"name":"timelock","type":"uint256"},
			{"name":"initiator","type":"string"},
			{"name":"recipient","type":"address"},
			{"name":"chainId","type":"uint256"}
		],"outputs":[]},
		{"type":"function","name":"completeWithdrawal","inputs":[
			{"name":"depositId","type":"bytes32"},
			{"name":"recipient","type":"address"},
			{"name":"secret","type":"bytes32"},
			{"name":"signatures","type":"bytes[]"}
		],"outputs":[]},
		{"type":"function","name":"refund","inputs":[
			{"name":"depositId","type":"bytes32"}
		],"outputs":[]},
		{"type":"function","name":"escrowState","inputs":[
			{"name":"depositId","type":"bytes32"}
		],"outputs":[
			{"name":"settled","type":"bool"}
		]}
	]`
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic("coordinator: invalid embedded bridge ABI: " + err.Error())
	}
	bridgeABI = parsed
}

// depositIDFromMessageID derives a stable 32-byte deposit identifier from a
// swap's message_id, so the relayer and the bridge contract agree on an
// escrow's identity without needing to parse it back out of a receipt log.
func depositIDFromMessageID(messageID string) [32]byte {
	return sha256.Sum256([]byte(messageID))
}

func packEscrowFactoryCreate(sw *swaptypes.Swap) []byte {
	depositID := depositIDFromMessageID(sw.MessageID)
	data, err := bridgeABI.Pack("createEscrow",
		depositID,
		ethcommon.Address{}, // native asset; ERC20 mirror escrows are out of scope
		sw.AmountDest.Value,
		[32]byte(sw.SecretHash),
		big.NewInt(sw.TimelockDest),
		sw.Initiator,
		ethcommon.HexToAddress(sw.Recipient),
		big.NewInt(0),
	)
	if err != nil {
		log.Errorf("failed to pack createEscrow call: %s", err)
		return nil
	}
	return data
}

func packCompleteWithdrawal(sw *swaptypes.Swap) []byte {
	var secret [32]byte
	if sw.Secret != nil {
		secret = [32]byte(*sw.Secret)
	}
	data, err := bridgeABI.Pack("completeWithdrawal",
		depositIDFromRef(sw.SourceRef),
		ethcommon.HexToAddress(sw.Recipient),
		secret,
		[][]byte{},
	)
	if err != nil {
		log.Errorf("failed to pack completeWithdrawal call: %s", err)
		return nil
	}
	return data
}

func packRefund(sw *swaptypes.Swap) []byte {
	data, err := bridgeABI.Pack("refund", depositIDFromRef(sw.EscrowRef))
	if err != nil {
		log.Errorf("failed to pack refund call: %s", err)
		return nil
	}
	return data
}

func packEscrowStateQuery(sw *swaptypes.Swap) []byte {
	data, err := bridgeABI.Pack("escrowState", depositIDFromRef(sw.SourceRef))
	if err != nil {
		log.Errorf("failed to pack escrowState call: %s", err)
		return nil
	}
	return data
}

func escrowStateIsSettled(out []byte) bool {
	vals, err := bridgeABI.Methods["escrowState"].Outputs.Unpack(out)
	if err != nil || len(vals) == 0 {
		return false
	}
	settled, _ := vals[0].(bool)
	return settled
}

func depositIDFromRef(ref string) [32]byte {
	var id [32]byte
	h, err := swaptypes.ParseHash32(ref)
	if err == nil {
		id = [32]byte(h)
	}
	return id
}
