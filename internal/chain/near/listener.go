package near

import (
	"context"
	"time"

	"github.com/atomicbridge/htlc-relayer/internal/nearlog"
	"github.com/atomicbridge/htlc-relayer/internal/retry"
)

// LogEvent pairs a parsed nearlog.Event with the receipt and index it was
// found at, enough to derive a canonical message_id
// (swaptypes.NearMessageID).
type LogEvent struct {
	ReceiptID string
	Index     uint32
	Event     nearlog.Event
}

// Handler is invoked once per parsed log line, in receipt order within a
// block.
type Handler func(ctx context.Context, ev LogEvent) error

// Listener polls NEAR blocks in order, reading each chunk's receipts and
// parsing the escrow contract's log lines with the nearlog grammar.
type Listener struct {
	adapter      *Adapter
	pollInterval time.Duration
	retryTable   retry.Table
	handler      Handler

	lastProcessed uint64
	onCursor      func(uint64)
}

// NewListener constructs a Listener that begins scanning at
// startHeight+1. onCursor, if non-nil, is invoked with the new
// last_processed_height after every block it advances past, so a caller
// can persist it; it may be nil.
func NewListener(adapter *Adapter, startHeight uint64, pollInterval time.Duration, retryTable retry.Table, handler Handler, onCursor func(uint64)) *Listener {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Listener{
		adapter:       adapter,
		pollInterval:  pollInterval,
		retryTable:    retryTable,
		handler:       handler,
		lastProcessed: startHeight,
		onCursor:      onCursor,
	}
}

// Run blocks, polling until ctx is canceled. A NEAR chunk-missing result
// for the exact block under inspection holds the cursor in place rather
// than treating it as fatal.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				log.Errorf("near listener stopping: %s", err)
				return err
			}
		}
	}
}

func (l *Listener) tick(ctx context.Context) error {
	var head uint64
	err := retry.Do(ctx, l.retryTable.Policy(retry.OpNearView), func(ctx context.Context) error {
		st, err := l.adapter.Status(ctx)
		if err != nil {
			return err
		}
		head = st.LatestHeight
		return nil
	})
	if err != nil {
		return err
	}

	for height := l.lastProcessed + 1; height <= head; height++ {
		var blk Block
		err := retry.Do(ctx, l.retryTable.Policy(retry.OpNearView), func(ctx context.Context) error {
			b, err := l.adapter.Block(ctx, height)
			if err != nil {
				return err
			}
			blk = b
			return nil
		})
		if err != nil {
			return err
		}

		for _, chunkRef := range blk.Chunks {
			var chunk Chunk
			chunkErr := retry.Do(ctx, l.retryTable.Policy(retry.OpNearView), func(ctx context.Context) error {
				c, err := l.adapter.Chunk(ctx, chunkRef.ChunkHash)
				if err != nil {
					return err
				}
				chunk = c
				return nil
			})
			if chunkErr == ErrChunkMissing {
				// Do not advance past the block containing this chunk.
				log.Warnf("near chunk missing at height=%d, holding cursor", height)
				return nil
			}
			if chunkErr != nil {
				return chunkErr
			}

			for _, receipt := range chunk.Receipts {
				outcome, err := l.adapter.TransactionStatus(ctx, receipt.ReceiptID, l.adapter.AccountID())
				if err != nil {
					return err
				}
				for idx, line := range outcome.Logs {
					parsed, ok := nearlog.Parse(line)
					if !ok {
						continue // unmatched lines are ignored, not fatal
					}
					if err := l.handler(ctx, LogEvent{
						ReceiptID: receipt.ReceiptID,
						Index:     uint32(idx),
						Event:     parsed,
					}); err != nil {
						return err
					}
				}
			}
		}

		l.lastProcessed = height
		if l.onCursor != nil {
			l.onCursor(height)
		}
	}
	return nil
}
