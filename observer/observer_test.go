package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mintgate/reserve"
	"mintgate/rpcpool"
	"mintgate/storage"
)

const testAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

var observerTestSeq atomic.Int64

func newTestEngine(t *testing.T, seeded int) (*reserve.Engine, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:observer_test_%d?mode=memory&cache=shared", observerTestSeq.Add(1))
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	refs := make([]string, seeded)
	for i := range refs {
		refs[i] = fmt.Sprintf("ipfs://bafy-%04d", i+1)
	}
	if _, err := store.SeedItems(context.Background(), refs); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	engine, err := reserve.NewEngine(store, reserve.Config{
		PaymentAddress:        testAddress,
		PriceUnits:            500000,
		MaxSupply:             seeded,
		MaxQuantity:           minInt(20, seeded),
		SessionTimeout:        10 * time.Minute,
		PaymentPendingTimeout: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fakeChain serves canned blocks, mempool listings and transactions.
type fakeChain struct {
	mu           sync.Mutex
	tip          int64
	tipErr       error
	blocks       map[int64]rpcpool.Block
	mempool      []string
	txs          map[string]rpcpool.Transaction
	countCalls   int
	blockCalls   int
	mempoolCalls int
	txCalls      int
}

func newFakeChain(tip int64) *fakeChain {
	return &fakeChain{
		tip:    tip,
		blocks: make(map[int64]rpcpool.Block),
		txs:    make(map[string]rpcpool.Transaction),
	}
}

func (f *fakeChain) hashFor(height int64) string {
	return fmt.Sprintf("hash-%d", height)
}

func (f *fakeChain) setBlock(height int64, txs ...rpcpool.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[height] = rpcpool.Block{Hash: f.hashFor(height), Height: height, Tx: txs}
}

func (f *fakeChain) BlockCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if f.tipErr != nil {
		return 0, f.tipErr
	}
	return f.tip, nil
}

func (f *fakeChain) BlockHash(ctx context.Context, height int64) (string, error) {
	return f.hashFor(height), nil
}

func (f *fakeChain) Block(ctx context.Context, hash string) (rpcpool.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCalls++
	for _, block := range f.blocks {
		if block.Hash == hash {
			return block, nil
		}
	}
	// Heights without a canned block scan as empty.
	return rpcpool.Block{Hash: hash}, nil
}

func (f *fakeChain) RawMempool(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mempoolCalls++
	return append([]string(nil), f.mempool...), nil
}

func (f *fakeChain) RawTransaction(ctx context.Context, txid string) (rpcpool.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	tx, ok := f.txs[txid]
	if !ok {
		return rpcpool.Transaction{}, errors.New("no such mempool transaction")
	}
	return tx, nil
}

type fakeCapacity struct {
	snapshot rpcpool.Capacity
}

func (f *fakeCapacity) Capacity() rpcpool.Capacity {
	return f.snapshot
}

func paymentTx(txid, addr, amount string) rpcpool.Transaction {
	return rpcpool.Transaction{
		TxID: txid,
		Vout: []rpcpool.Output{{
			Value:        json.Number(amount),
			ScriptPubKey: rpcpool.ScriptPubKey{Addresses: []string{addr}},
		}},
	}
}

func TestMatchOutput(t *testing.T) {
	index := map[int64]storage.PendingSession{
		500001: {SessionID: "sess-a", AmountUnits: 500001, Quantity: 1},
	}
	hit := rpcpool.Output{
		Value:        json.Number("0.00500001"),
		ScriptPubKey: rpcpool.ScriptPubKey{Address: testAddress},
	}
	entry, ok := matchOutput(index, testAddress, hit)
	if !ok || entry.SessionID != "sess-a" {
		t.Fatalf("expected match, got ok=%v entry=%+v", ok, entry)
	}
	wrongAmount := rpcpool.Output{
		Value:        json.Number("0.00500002"),
		ScriptPubKey: rpcpool.ScriptPubKey{Address: testAddress},
	}
	if _, ok := matchOutput(index, testAddress, wrongAmount); ok {
		t.Fatalf("amount mismatch must not match")
	}
	wrongAddress := rpcpool.Output{
		Value:        json.Number("0.00500001"),
		ScriptPubKey: rpcpool.ScriptPubKey{Address: "bc1qother"},
	}
	if _, ok := matchOutput(index, testAddress, wrongAddress); ok {
		t.Fatalf("address mismatch must not match")
	}
	garbled := rpcpool.Output{
		Value:        json.Number("not-a-number"),
		ScriptPubKey: rpcpool.ScriptPubKey{Address: testAddress},
	}
	if _, ok := matchOutput(index, testAddress, garbled); ok {
		t.Fatalf("unparseable value must not match")
	}
}
