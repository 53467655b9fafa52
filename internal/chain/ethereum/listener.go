package ethereum

import (
	"context"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
	"github.com/atomicbridge/htlc-relayer/internal/retry"
)

// Handler is invoked once per decoded event, in block/log-index order.
type Handler func(ctx context.Context, ev DecodedEvent) error

// Listener polls the bridge and factory contracts for new, confirmed
// logs and hands each decoded event to Handler in order.
type Listener struct {
	adapter       *Adapter
	bridgeAddr    ethcommon.Address
	factoryAddr   ethcommon.Address
	pollInterval  time.Duration
	maxBlocksPerTick uint64
	retryTable    retry.Table

	lastProcessed uint64
	handler       Handler
	onCursor      func(uint64)
}

// NewListener constructs a Listener that begins scanning at
// startBlock+1 (startBlock itself is assumed already processed, e.g.
// from boot-time reconciliation or a persisted cursor). onCursor, if
// non-nil, is invoked with the new last_processed_block after every tick
// that advances it, so a caller can persist it; it may be nil.
func NewListener(adapter *Adapter, bridgeAddr, factoryAddr ethcommon.Address, startBlock uint64, pollInterval time.Duration, maxBlocksPerTick uint64, retryTable retry.Table, handler Handler, onCursor func(uint64)) *Listener {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxBlocksPerTick == 0 {
		maxBlocksPerTick = 1000
	}
	return &Listener{
		adapter:          adapter,
		bridgeAddr:       bridgeAddr,
		factoryAddr:      factoryAddr,
		pollInterval:     pollInterval,
		maxBlocksPerTick: maxBlocksPerTick,
		retryTable:       retryTable,
		lastProcessed:    startBlock,
		handler:          handler,
		onCursor:         onCursor,
	}
}

// Run blocks, polling until ctx is canceled. A decode failure on a
// well-typed log, or a handler error, is fatal for this listener.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				log.Errorf("ethereum listener stopping: %s", err)
				return err
			}
		}
	}
}

func (l *Listener) tick(ctx context.Context) error {
	var head uint64
	err := retry.Do(ctx, l.retryTable.Policy(retry.OpEthGetLogs), func(ctx context.Context) error {
		h, err := l.adapter.GetBlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	if err != nil {
		return err
	}

	confirmedHead := uint64(0)
	if head > l.adapter.blockConfirmations {
		confirmedHead = head - l.adapter.blockConfirmations
	}
	if confirmedHead <= l.lastProcessed {
		return nil // never advance past an unprocessed block
	}

	from := l.lastProcessed + 1
	to := confirmedHead
	if to-from+1 > l.maxBlocksPerTick {
		to = from + l.maxBlocksPerTick - 1
	}

	var logs []ethtypes.Log
	err = retry.Do(ctx, l.retryTable.Policy(retry.OpEthGetLogs), func(ctx context.Context) error {
		bridgeLogs, err := l.adapter.GetLogs(ctx, [][]ethcommon.Hash{{TopicDepositInitiated, TopicMessageSent, TopicWithdrawalCompleted}}, l.bridgeAddr, from, to)
		if err != nil {
			return err
		}
		factoryLogs, err := l.adapter.GetLogs(ctx, [][]ethcommon.Hash{{TopicEscrowCreated}}, l.factoryAddr, from, to)
		if err != nil {
			return err
		}
		logs = append(bridgeLogs, factoryLogs...)
		return nil
	})
	if err != nil {
		return err
	}

	sortLogsByBlockAndIndex(logs)

	for _, raw := range logs {
		ev, ok := DecodeLog(raw)
		if !ok {
			return &relayererr.ContractError{
				Address: raw.Address.Hex(),
				Method:  "decode_log",
				Reason:  relayererr.ReasonInvalidReturn,
			}
		}
		if err := l.handler(ctx, ev); err != nil {
			return err
		}
	}

	l.lastProcessed = to
	if l.onCursor != nil {
		l.onCursor(to)
	}
	return nil
}

func sortLogsByBlockAndIndex(logs []ethtypes.Log) {
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && less(logs[j], logs[j-1]); j-- {
			logs[j], logs[j-1] = logs[j-1], logs[j]
		}
	}
}

func less(a, b ethtypes.Log) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.Index < b.Index
}
