package observer

import (
	"context"
	"log/slog"
	"time"

	"mintgate/observability"
	"mintgate/rpcpool"
	"mintgate/storage"
)

// cursorInitDepth is how far behind the tip a fresh cursor starts.
const cursorInitDepth = 100

// BlockScanner walks confirmed blocks and completes sessions whose exact
// amount appears in an output paying the drop address.
type BlockScanner struct {
	chain      rpcpool.ChainClient
	engine     Engine
	cursor     CursorStore
	address    string
	interval   time.Duration
	blockPause time.Duration
	logger     *slog.Logger
	metrics    *observability.ObserverMetrics
}

// NewBlockScanner constructs a scanner with the fixed confirmation cadence.
func NewBlockScanner(chain rpcpool.ChainClient, engine Engine, cursor CursorStore, address string, interval time.Duration) *BlockScanner {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &BlockScanner{
		chain:      chain,
		engine:     engine,
		cursor:     cursor,
		address:    address,
		interval:   interval,
		blockPause: 250 * time.Millisecond,
		logger:     slog.Default(),
		metrics:    observability.Observer(),
	}
}

// WithLogger overrides the scanner logger.
func (s *BlockScanner) WithLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
}

// Run ticks at the fixed interval until the context is cancelled.
func (s *BlockScanner) Run(ctx context.Context) {
	if s.chain == nil || s.engine == nil || s.cursor == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan cycle: rebuild the pending index, then walk every block
// from the cursor to the tip. The cursor is persisted after each block, so a
// crash re-scans at most one block; replays are harmless because completion
// is idempotent.
func (s *BlockScanner) Tick(ctx context.Context) {
	index, err := s.engine.PendingAmounts(ctx)
	if err != nil {
		s.logger.Error("load pending index", "error", err)
		s.metrics.RecordCycle("blocks", "error")
		return
	}
	s.metrics.SetPending(len(index))
	if len(index) == 0 {
		s.metrics.RecordCycle("blocks", "idle")
		return
	}
	tip, err := s.chain.BlockCount(ctx)
	if err != nil {
		s.logger.Warn("fetch tip height", "error", err)
		s.metrics.RecordCycle("blocks", "error")
		return
	}
	cursor, ok, err := s.cursor.LastScannedBlock(ctx)
	if err != nil {
		s.logger.Error("load block cursor", "error", err)
		s.metrics.RecordCycle("blocks", "error")
		return
	}
	if !ok {
		cursor = tip - cursorInitDepth
		if cursor < 0 {
			cursor = 0
		}
	}
	scanned := 0
	for height := cursor + 1; height <= tip; height++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		hash, err := s.chain.BlockHash(ctx, height)
		if err != nil {
			s.logger.Warn("fetch block hash", "height", height, "error", err)
			s.metrics.RecordCycle("blocks", "error")
			return
		}
		block, err := s.chain.Block(ctx, hash)
		if err != nil {
			s.logger.Warn("fetch block", "height", height, "error", err)
			s.metrics.RecordCycle("blocks", "error")
			return
		}
		s.scanBlock(ctx, block, index)
		if err := s.cursor.SetLastScannedBlock(ctx, height); err != nil {
			s.logger.Error("persist block cursor", "height", height, "error", err)
			s.metrics.RecordCycle("blocks", "error")
			return
		}
		s.metrics.SetCursor(height)
		scanned++
		if height < tip {
			sleepCtx(ctx, s.blockPause)
		}
	}
	s.metrics.RecordCycle("blocks", "ok")
	if scanned > 0 {
		s.logger.Info("block scan complete",
			"blocks", scanned,
			"tip", tip,
			"pending", len(index))
	}
}

func (s *BlockScanner) scanBlock(ctx context.Context, block rpcpool.Block, index map[int64]storage.PendingSession) {
	for _, tx := range block.Tx {
		for _, out := range tx.Vout {
			entry, ok := matchOutput(index, s.address, out)
			if !ok {
				continue
			}
			if _, err := s.engine.ConfirmPayment(ctx, entry.SessionID, tx.TxID); err != nil {
				s.logger.Error("confirm payment",
					"session_id", entry.SessionID,
					"txid", tx.TxID,
					"error", err)
				continue
			}
			s.metrics.RecordMatch("blocks")
			delete(index, entry.AmountUnits)
		}
	}
}
