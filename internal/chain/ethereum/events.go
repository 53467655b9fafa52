package ethereum

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event kinds consumed on Ethereum.
const (
	EventDepositInitiated    = "DepositInitiated"
	EventMessageSent         = "MessageSent"
	EventWithdrawalCompleted = "WithdrawalCompleted"
	EventEscrowCreated       = "EscrowCreated"
)

var (
	depositInitiatedSig    = []byte("DepositInitiated(bytes32,address,string,address,uint256,uint256,uint256)")
	messageSentSig         = []byte("MessageSent(bytes32,bytes32,address,string,uint256,uint256)")
	withdrawalCompletedSig = []byte("WithdrawalCompleted(bytes32,address,uint256,uint256)")
	escrowCreatedSig       = []byte("EscrowCreated(address,address,address,uint256,string,string)")

	// TopicDepositInitiated etc. are the keccak256 event signature hashes
	// used as Topics[0] filters against the bridge/factory contracts.
	TopicDepositInitiated    = crypto.Keccak256Hash(depositInitiatedSig)
	TopicMessageSent         = crypto.Keccak256Hash(messageSentSig)
	TopicWithdrawalCompleted = crypto.Keccak256Hash(withdrawalCompletedSig)
	TopicEscrowCreated       = crypto.Keccak256Hash(escrowCreatedSig)
)

// bridgeABI is the minimal parsed ABI needed to unpack the non-indexed
// fields of the four consumed event kinds.
var bridgeABI abi.ABI

func init() {
	const abiJSON = `[
		{"anonymous":false,"inputs":[
			{"indexed":true,"name":"depositId","type":"bytes32"},
			{"indexed":true,"name":"sender","type":"address"},
			{"indexed":false,"name":"nearRecipient","type":"string"},
			{"indexed":false,"name":"token","type":"address"},
			{"indexed":false,"name":"amount","type":"uint256"},
			{"indexed":false,"name":"fee","type":"uint256"},
			{"indexed":false,"name":"timestamp","type":"uint256"}
		],"name":"DepositInitiated","type":"event"},
		{"anonymous":false,"inputs":[
			{"indexed":true,"name":"messageId","type":"bytes32"},
			{"indexed":true,"name":"depositId","type":"bytes32"},
			{"indexed":true,"name":"sender","type":"address"},
			{"indexed":false,"name":"nearRecipient","type":"string"},
			{"indexed":false,"name":"amount","type":"uint256"},
			{"indexed":false,"name":"timestamp","type":"uint256"}
		],"name":"MessageSent","type":"event"},
		{"anonymous":false,"inputs":[
			{"indexed":true,"name":"depositId","type":"bytes32"},
			{"indexed":true,"name":"recipient","type":"address"},
			{"indexed":false,"name":"amount","type":"uint256"},
			{"indexed":false,"name":"timestamp","type":"uint256"}
		],"name":"WithdrawalCompleted","type":"event"},
		{"anonymous":false,"inputs":[
			{"indexed":true,"name":"escrow","type":"address"},
			{"indexed":true,"name":"initiator","type":"address"},
			{"indexed":false,"name":"token","type":"address"},
			{"indexed":false,"name":"amount","type":"uint256"},
			{"indexed":false,"name":"targetChain","type":"string"},
			{"indexed":false,"name":"targetAddress","type":"string"}
		],"name":"EscrowCreated","type":"event"}
	]`
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic("ethereum: invalid embedded bridge ABI: " + err.Error())
	}
	bridgeABI = parsed
}

// DepositInitiated is the decoded payload of the DepositInitiated event.
type DepositInitiated struct {
	DepositID     [32]byte
	Sender        ethcommon.Address
	NearRecipient string
	Token         ethcommon.Address
	Amount        *big.Int
	Fee           *big.Int
	Timestamp     *big.Int
}

// MessageSent is the decoded payload of the MessageSent event.
type MessageSent struct {
	MessageID     [32]byte
	DepositID     [32]byte
	Sender        ethcommon.Address
	NearRecipient string
	Amount        *big.Int
	Timestamp     *big.Int
}

// WithdrawalCompleted is the decoded payload of the WithdrawalCompleted
// event.
type WithdrawalCompleted struct {
	DepositID [32]byte
	Recipient ethcommon.Address
	Amount    *big.Int
	Timestamp *big.Int
}

// EscrowCreated is the decoded payload of the factory's EscrowCreated
// event.
type EscrowCreated struct {
	Escrow        ethcommon.Address
	Initiator     ethcommon.Address
	Token         ethcommon.Address
	Amount        *big.Int
	TargetChain   string
	TargetAddress string
}

// DecodedEvent is the closed tagged variant produced by DecodeLog: exactly
// one payload field is populated, selected by Kind.
type DecodedEvent struct {
	Kind                 string
	Log                  ethtypes.Log
	DepositInitiated     *DepositInitiated
	MessageSent          *MessageSent
	WithdrawalCompleted  *WithdrawalCompleted
	EscrowCreated        *EscrowCreated
}

// DecodeLog decodes a raw log into its typed event variant. It returns
// ok=false for topics this adapter does not recognize; callers must not
// advance their cursor past a log they expected to decode but couldn't.
func DecodeLog(l ethtypes.Log) (DecodedEvent, bool) {
	if len(l.Topics) == 0 {
		return DecodedEvent{}, false
	}

	switch l.Topics[0] {
	case TopicDepositInitiated:
		var ev DepositInitiated
		if err := bridgeABI.UnpackIntoInterface(&ev, EventDepositInitiated, l.Data); err != nil {
			return DecodedEvent{}, false
		}
		copy(ev.DepositID[:], l.Topics[1].Bytes())
		ev.Sender = ethcommon.BytesToAddress(l.Topics[2].Bytes())
		return DecodedEvent{Kind: EventDepositInitiated, Log: l, DepositInitiated: &ev}, true

	case TopicMessageSent:
		var ev MessageSent
		if err := bridgeABI.UnpackIntoInterface(&ev, EventMessageSent, l.Data); err != nil {
			return DecodedEvent{}, false
		}
		copy(ev.MessageID[:], l.Topics[1].Bytes())
		copy(ev.DepositID[:], l.Topics[2].Bytes())
		ev.Sender = ethcommon.BytesToAddress(l.Topics[3].Bytes())
		return DecodedEvent{Kind: EventMessageSent, Log: l, MessageSent: &ev}, true

	case TopicWithdrawalCompleted:
		var ev WithdrawalCompleted
		if err := bridgeABI.UnpackIntoInterface(&ev, EventWithdrawalCompleted, l.Data); err != nil {
			return DecodedEvent{}, false
		}
		copy(ev.DepositID[:], l.Topics[1].Bytes())
		ev.Recipient = ethcommon.BytesToAddress(l.Topics[2].Bytes())
		return DecodedEvent{Kind: EventWithdrawalCompleted, Log: l, WithdrawalCompleted: &ev}, true

	case TopicEscrowCreated:
		var ev EscrowCreated
		if err := bridgeABI.UnpackIntoInterface(&ev, EventEscrowCreated, l.Data); err != nil {
			return DecodedEvent{}, false
		}
		ev.Escrow = ethcommon.BytesToAddress(l.Topics[1].Bytes())
		ev.Initiator = ethcommon.BytesToAddress(l.Topics[2].Bytes())
		return DecodedEvent{Kind: EventEscrowCreated, Log: l, EscrowCreated: &ev}, true

	default:
		return DecodedEvent{}, false
	}
}
