package observer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mintgate/rpcpool"
	"mintgate/storage"
)

func generousCapacity() *fakeCapacity {
	return &fakeCapacity{snapshot: rpcpool.Capacity{Remaining: 45000, Total: 45000, Enabled: 5}}
}

func TestMempoolScannerMarksPaymentPendingThenBlockConfirms(t *testing.T) {
	engine, store := newTestEngine(t, 1)
	ctx := context.Background()

	intent, err := engine.CreateIntent(ctx, 1)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	chain := newFakeChain(101)
	chain.mempool = []string{"tx-mem"}
	chain.txs["tx-mem"] = paymentTx("tx-mem", testAddress, intent.Amount)

	scanner, err := NewMempoolScanner(chain, engine, generousCapacity(), testAddress)
	if err != nil {
		t.Fatalf("new mempool scanner: %v", err)
	}
	scanner.txPause = 0
	scanner.Tick(ctx)

	view, err := engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != string(storage.StatusPaymentPending) {
		t.Fatalf("expected payment_pending, got %q", view.Status)
	}
	if view.TxID != "tx-mem" {
		t.Fatalf("expected tx-mem, got %q", view.TxID)
	}

	// The same transaction confirms in a block and completes the session.
	if err := store.SetLastScannedBlock(ctx, 100); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	chain.setBlock(101, chain.txs["tx-mem"])
	blocks := NewBlockScanner(chain, engine, store, testAddress, time.Minute)
	blocks.blockPause = 0
	blocks.Tick(ctx)

	view, err = engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status after confirmation: %v", err)
	}
	if view.Status != string(storage.StatusComplete) {
		t.Fatalf("expected complete, got %q", view.Status)
	}
	if len(view.Refs) != 1 {
		t.Fatalf("expected 1 assigned ref, got %d", len(view.Refs))
	}
}

func TestMempoolScannerSkipsWhenBudgetLow(t *testing.T) {
	engine, _ := newTestEngine(t, 1)
	ctx := context.Background()

	if _, err := engine.CreateIntent(ctx, 1); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	chain := newFakeChain(101)
	chain.mempool = []string{"tx-mem"}
	capacity := &fakeCapacity{snapshot: rpcpool.Capacity{Remaining: 4999, Total: 45000, Enabled: 5}}

	scanner, err := NewMempoolScanner(chain, engine, capacity, testAddress)
	if err != nil {
		t.Fatalf("new mempool scanner: %v", err)
	}
	scanner.txPause = 0
	scanner.Tick(ctx)

	if chain.mempoolCalls != 0 {
		t.Fatalf("low budget must skip the mempool fetch, got %d calls", chain.mempoolCalls)
	}
	// A nearly spent budget also publishes the slowest cadence.
	if scanner.Cadence() != 300*time.Second {
		t.Fatalf("expected 300s cadence, got %v", scanner.Cadence())
	}
}

func TestMempoolScannerSuppressesRecentlyChecked(t *testing.T) {
	engine, _ := newTestEngine(t, 2)
	ctx := context.Background()

	if _, err := engine.CreateIntent(ctx, 1); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	chain := newFakeChain(101)
	chain.mempool = []string{"tx-a", "tx-b"}
	chain.txs["tx-a"] = paymentTx("tx-a", "bc1qother", "1.00000000")
	chain.txs["tx-b"] = paymentTx("tx-b", "bc1qother", "2.00000000")

	scanner, err := NewMempoolScanner(chain, engine, generousCapacity(), testAddress)
	if err != nil {
		t.Fatalf("new mempool scanner: %v", err)
	}
	scanner.txPause = 0
	scanner.Tick(ctx)
	if chain.txCalls != 2 {
		t.Fatalf("expected 2 tx fetches on first cycle, got %d", chain.txCalls)
	}
	scanner.Tick(ctx)
	if chain.txCalls != 2 {
		t.Fatalf("recently checked txids must not be refetched, got %d", chain.txCalls)
	}
}

func TestMempoolScannerBatchLimit(t *testing.T) {
	engine, _ := newTestEngine(t, 2)
	ctx := context.Background()

	if _, err := engine.CreateIntent(ctx, 1); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	chain := newFakeChain(101)
	for i := 0; i < 200; i++ {
		txid := fmt.Sprintf("tx-%03d", i)
		chain.mempool = append(chain.mempool, txid)
		chain.txs[txid] = rpcpool.Transaction{TxID: txid}
	}
	scanner, err := NewMempoolScanner(chain, engine, generousCapacity(), testAddress)
	if err != nil {
		t.Fatalf("new mempool scanner: %v", err)
	}
	scanner.txPause = 0
	scanner.Tick(ctx)

	if chain.txCalls != 150 {
		t.Fatalf("expected the 150-tx batch cap, got %d", chain.txCalls)
	}
}

func TestMempoolScannerForgetsEvictedTxids(t *testing.T) {
	engine, _ := newTestEngine(t, 2)
	ctx := context.Background()

	if _, err := engine.CreateIntent(ctx, 1); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	chain := newFakeChain(101)
	chain.mempool = []string{"tx-gone"}
	// No canned transaction: the fetch fails like an evicted txid.

	scanner, err := NewMempoolScanner(chain, engine, generousCapacity(), testAddress)
	if err != nil {
		t.Fatalf("new mempool scanner: %v", err)
	}
	scanner.txPause = 0
	scanner.Tick(ctx)
	if chain.txCalls != 1 {
		t.Fatalf("expected 1 fetch attempt, got %d", chain.txCalls)
	}
	scanner.Tick(ctx)
	if chain.txCalls != 1 {
		t.Fatalf("evicted txids must not be retried, got %d", chain.txCalls)
	}
}

func TestCadenceBands(t *testing.T) {
	cases := []struct {
		remaining int64
		total     int64
		want      time.Duration
	}{
		{45000, 45000, 60 * time.Second},
		{27000, 45000, 60 * time.Second},
		{22500, 45000, 120 * time.Second},
		{13500, 45000, 180 * time.Second},
		{4500, 45000, 300 * time.Second},
		{0, 45000, 300 * time.Second},
		{0, 0, 300 * time.Second},
	}
	for _, tc := range cases {
		got := cadenceFor(rpcpool.Capacity{Remaining: tc.remaining, Total: tc.total})
		if got != tc.want {
			t.Fatalf("cadenceFor(%d/%d) = %v, want %v", tc.remaining, tc.total, got, tc.want)
		}
	}
}

func TestBatchFor(t *testing.T) {
	cases := []struct {
		remaining int64
		want      int
	}{
		{100000, 150},
		{5000, 150},
		{2000, 100},
		{100, 5},
		{0, 0},
	}
	for _, tc := range cases {
		if got := batchFor(tc.remaining); got != tc.want {
			t.Fatalf("batchFor(%d) = %d, want %d", tc.remaining, got, tc.want)
		}
	}
}
