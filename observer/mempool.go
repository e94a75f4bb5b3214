package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mintgate/observability"
	"mintgate/rpcpool"
	"mintgate/storage"
)

const (
	recentTxCap   = 500
	capacityFloor = 5000
	batchCap      = 150
	batchDivisor  = 20
)

// MempoolScanner polls the mempool for matching unconfirmed payments. Its
// cadence adapts to the pool's remaining daily budget and it backs off
// entirely when the budget runs low.
type MempoolScanner struct {
	chain    rpcpool.ChainClient
	engine   Engine
	capacity CapacityProvider
	address  string
	cadence  atomic.Int64
	txPause  time.Duration
	recent   *lru.Cache[string, struct{}]
	logger   *slog.Logger
	metrics  *observability.ObserverMetrics
}

// NewMempoolScanner constructs a scanner starting at the fastest cadence.
func NewMempoolScanner(chain rpcpool.ChainClient, engine Engine, capacity CapacityProvider, address string) (*MempoolScanner, error) {
	recent, err := lru.New[string, struct{}](recentTxCap)
	if err != nil {
		return nil, fmt.Errorf("create recent tx cache: %w", err)
	}
	s := &MempoolScanner{
		chain:    chain,
		engine:   engine,
		capacity: capacity,
		address:  address,
		txPause:  100 * time.Millisecond,
		recent:   recent,
		logger:   slog.Default(),
		metrics:  observability.Observer(),
	}
	s.cadence.Store(60)
	return s, nil
}

// WithLogger overrides the scanner logger.
func (s *MempoolScanner) WithLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
}

// Cadence returns the current cycle period.
func (s *MempoolScanner) Cadence() time.Duration {
	return time.Duration(s.cadence.Load()) * time.Second
}

// Run cycles until the context is cancelled, re-reading the cadence each
// cycle publishes.
func (s *MempoolScanner) Run(ctx context.Context) {
	if s.chain == nil || s.engine == nil || s.capacity == nil {
		return
	}
	for {
		timer := time.NewTimer(s.Cadence())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Tick(ctx)
	}
}

// Tick runs one mempool cycle and publishes the next cadence from the
// post-cycle budget.
func (s *MempoolScanner) Tick(ctx context.Context) {
	defer s.publishCadence()
	budget := s.capacity.Capacity()
	if budget.Remaining < capacityFloor {
		s.logger.Info("mempool scan skipped, budget low",
			"remaining", budget.Remaining)
		s.metrics.RecordCycle("mempool", "skipped")
		return
	}
	index, err := s.engine.PendingAmounts(ctx)
	if err != nil {
		s.logger.Error("load pending index", "error", err)
		s.metrics.RecordCycle("mempool", "error")
		return
	}
	if len(index) == 0 {
		s.metrics.RecordCycle("mempool", "idle")
		return
	}
	txids, err := s.chain.RawMempool(ctx)
	if err != nil {
		s.logger.Warn("fetch mempool", "error", err)
		s.metrics.RecordCycle("mempool", "error")
		return
	}
	batch := batchFor(budget.Remaining)
	processed := 0
	for _, txid := range txids {
		if processed >= batch {
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, seen := s.recent.Get(txid); seen {
			continue
		}
		tx, err := s.chain.RawTransaction(ctx, txid)
		if err != nil {
			if errors.Is(err, rpcpool.ErrNoCapacity) || errors.Is(err, rpcpool.ErrAllEndpointsFailed) {
				s.logger.Warn("mempool scan aborted", "error", err)
				s.metrics.RecordCycle("mempool", "error")
				return
			}
			// Txids evicted between the mempool listing and the fetch are
			// routine; remember them so they are not retried.
			s.recent.Add(txid, struct{}{})
			continue
		}
		processed++
		s.recent.Add(txid, struct{}{})
		s.scanTransaction(ctx, txid, tx, index)
		if processed < batch {
			sleepCtx(ctx, s.txPause)
		}
	}
	s.metrics.RecordCycle("mempool", "ok")
}

func (s *MempoolScanner) scanTransaction(ctx context.Context, txid string, tx rpcpool.Transaction, index map[int64]storage.PendingSession) {
	for _, out := range tx.Vout {
		entry, ok := matchOutput(index, s.address, out)
		if !ok {
			continue
		}
		applied, err := s.engine.MarkPaymentSeen(ctx, entry.SessionID, txid)
		if err != nil {
			s.logger.Error("mark payment pending",
				"session_id", entry.SessionID,
				"txid", txid,
				"error", err)
			continue
		}
		if applied {
			s.metrics.RecordMatch("mempool")
			delete(index, entry.AmountUnits)
		}
	}
}

func (s *MempoolScanner) publishCadence() {
	next := cadenceFor(s.capacity.Capacity())
	s.cadence.Store(int64(next / time.Second))
	s.metrics.SetCadence(next)
}

// cadenceFor maps pool utilization onto the scan period bands.
func cadenceFor(budget rpcpool.Capacity) time.Duration {
	if budget.Total <= 0 {
		return 300 * time.Second
	}
	u := 1 - float64(budget.Remaining)/float64(budget.Total)
	switch {
	case u > 0.8:
		return 300 * time.Second
	case u > 0.6:
		return 180 * time.Second
	case u > 0.4:
		return 120 * time.Second
	default:
		return 60 * time.Second
	}
}

func batchFor(remaining int64) int {
	batch := int(remaining / batchDivisor)
	if batch > batchCap {
		return batchCap
	}
	return batch
}
