package reserve

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"mintgate/storage"
)

var testStoreSeq atomic.Int64

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:reserve_test_%d?mode=memory&cache=shared", testStoreSeq.Add(1))
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedStore(t *testing.T, store *storage.Store, n int) {
	t.Helper()
	refs := make([]string, n)
	for i := range refs {
		refs[i] = fmt.Sprintf("ipfs://bafy-%04d", i+1)
	}
	if _, err := store.SeedItems(context.Background(), refs); err != nil {
		t.Fatalf("seed items: %v", err)
	}
}

func testConfig(maxSupply int) Config {
	maxQuantity := 20
	if maxSupply < maxQuantity {
		maxQuantity = maxSupply
	}
	return Config{
		PaymentAddress:        "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		PriceUnits:            500000,
		MaxSupply:             maxSupply,
		MaxQuantity:           maxQuantity,
		SessionTimeout:        10 * time.Minute,
		PaymentPendingTimeout: 24 * time.Hour,
	}
}

func newTestEngine(t *testing.T, maxSupply, seeded int) (*Engine, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	seedStore(t, store, seeded)
	engine, err := NewEngine(store, testConfig(maxSupply))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store
}

func TestNewEngineValidatesConfig(t *testing.T) {
	store := openTestStore(t)
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing address", func(c *Config) { c.PaymentAddress = " " }},
		{"zero price", func(c *Config) { c.PriceUnits = 0 }},
		{"zero supply", func(c *Config) { c.MaxSupply = 0 }},
		{"quantity above supply", func(c *Config) { c.MaxSupply = 5; c.MaxQuantity = 6 }},
		{"zero session timeout", func(c *Config) { c.SessionTimeout = 0 }},
	}
	for _, tc := range cases {
		cfg := testConfig(100)
		tc.mutate(&cfg)
		if _, err := NewEngine(store, cfg); err == nil {
			t.Fatalf("%s: expected constructor error", tc.name)
		}
	}
	if _, err := NewEngine(nil, testConfig(100)); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestCreateIntentHappyPath(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	now := time.Unix(1_700_000_000, 0)
	engine.WithClock(func() time.Time { return now })

	intent, err := engine.CreateIntent(context.Background(), 2)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if len(intent.SessionID) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", intent.SessionID)
	}
	if intent.Amount != "0.01000001" {
		t.Fatalf("expected amount 0.01000001, got %q", intent.Amount)
	}
	if intent.AmountUnits != 1000001 {
		t.Fatalf("expected 1000001 units, got %d", intent.AmountUnits)
	}
	if intent.Address != "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4" {
		t.Fatalf("unexpected address %q", intent.Address)
	}
	if !intent.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", intent.ExpiresAt)
	}
}

func TestCreateIntentQuantityRange(t *testing.T) {
	engine, _ := newTestEngine(t, 100, 100)
	for _, quantity := range []int{0, -1, 21} {
		if _, err := engine.CreateIntent(context.Background(), quantity); !errors.Is(err, ErrQuantityRange) {
			t.Fatalf("quantity %d: expected ErrQuantityRange, got %v", quantity, err)
		}
	}
}

func TestCreateIntentSoldOut(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 1)
	if _, err := engine.CreateIntent(context.Background(), 2); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("expected ErrSoldOut, got %v", err)
	}
}

type flakyStore struct {
	failures int
	calls    int
}

func (f *flakyStore) CreateSession(ctx context.Context, sessionID string, quantity int, priceUnits int64, maxSupply int, now time.Time) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, storage.ErrAmountCollision
	}
	return priceUnits*int64(quantity) + int64(f.calls), nil
}

func (f *flakyStore) AssignAndComplete(ctx context.Context, sessionID, txid string, maxSupply int, now time.Time) (storage.AssignResult, error) {
	return storage.AssignResult{}, nil
}

func (f *flakyStore) MarkPaymentPending(ctx context.Context, sessionID, txid string, now time.Time) (bool, error) {
	return false, nil
}

func (f *flakyStore) ExpireStale(ctx context.Context, pendingBefore, paymentPendingBefore time.Time) (int, int, error) {
	return 0, 0, nil
}

func (f *flakyStore) SessionByID(ctx context.Context, sessionID string) (storage.Session, bool, error) {
	return storage.Session{}, false, nil
}

func (f *flakyStore) PendingSessions(ctx context.Context) ([]storage.PendingSession, error) {
	return nil, nil
}

func (f *flakyStore) Progress(ctx context.Context, maxSupply int) (storage.Progress, error) {
	return storage.Progress{}, nil
}

func TestCreateIntentRetriesOnCollision(t *testing.T) {
	store := &flakyStore{failures: 2}
	engine, err := NewEngine(store, testConfig(100))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.CreateIntent(context.Background(), 1); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.calls)
	}
}

func TestCreateIntentContentionExhausted(t *testing.T) {
	store := &flakyStore{failures: 10}
	engine, err := NewEngine(store, testConfig(100))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.CreateIntent(context.Background(), 1); !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if store.calls != createAttempts {
		t.Fatalf("expected %d attempts, got %d", createAttempts, store.calls)
	}
}

func TestPaymentStatusDerivesExpired(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	engine.WithClock(func() time.Time { return now })

	intent, err := engine.CreateIntent(ctx, 1)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	view, err := engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != string(storage.StatusPending) {
		t.Fatalf("expected pending, got %q", view.Status)
	}
	engine.WithClock(func() time.Time { return now.Add(11 * time.Minute) })
	view, err = engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status after timeout: %v", err)
	}
	if view.Status != StatusExpired {
		t.Fatalf("expected expired, got %q", view.Status)
	}
}

func TestPaymentStatusExpiresStalePaymentPending(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	engine.WithClock(func() time.Time { return now })

	intent, err := engine.CreateIntent(ctx, 1)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := engine.MarkPaymentSeen(ctx, intent.SessionID, "txid-1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	engine.WithClock(func() time.Time { return now.Add(23 * time.Hour) })
	view, err := engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != string(storage.StatusPaymentPending) {
		t.Fatalf("expected payment_pending, got %q", view.Status)
	}
	if view.TxID != "txid-1" {
		t.Fatalf("expected txid-1, got %q", view.TxID)
	}
	engine.WithClock(func() time.Time { return now.Add(25 * time.Hour) })
	view, err = engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status after 25h: %v", err)
	}
	if view.Status != StatusExpired {
		t.Fatalf("expected expired, got %q", view.Status)
	}
}

func TestPaymentStatusUnknownSession(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	if _, err := engine.PaymentStatus(context.Background(), "deadbeef"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConfirmPaymentCompletesSession(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	ctx := context.Background()

	intent, err := engine.CreateIntent(ctx, 2)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	result, err := engine.ConfirmPayment(ctx, intent.SessionID, "txid-1")
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if !result.Transitioned || result.Status != storage.StatusComplete {
		t.Fatalf("unexpected result %+v", result)
	}
	view, err := engine.PaymentStatus(ctx, intent.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != string(storage.StatusComplete) {
		t.Fatalf("expected complete, got %q", view.Status)
	}
	if len(view.Refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(view.Refs))
	}
	if view.TxID != "txid-1" {
		t.Fatalf("expected txid-1, got %q", view.TxID)
	}
}

func TestPendingAmountsIndex(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	ctx := context.Background()

	first, err := engine.CreateIntent(ctx, 1)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := engine.CreateIntent(ctx, 3)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	index, err := engine.PendingAmounts(ctx)
	if err != nil {
		t.Fatalf("pending amounts: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(index))
	}
	if index[first.AmountUnits].SessionID != first.SessionID {
		t.Fatalf("first entry mismatch: %+v", index[first.AmountUnits])
	}
	if index[second.AmountUnits].Quantity != 3 {
		t.Fatalf("second entry mismatch: %+v", index[second.AmountUnits])
	}
}

func TestProgressPercentage(t *testing.T) {
	engine, _ := newTestEngine(t, 4, 4)
	ctx := context.Background()

	intent, err := engine.CreateIntent(ctx, 2)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := engine.ConfirmPayment(ctx, intent.SessionID, "txid-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	progress, err := engine.Progress(ctx)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Total != 4 || progress.Minted != 2 || progress.Available != 2 {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if progress.Percentage != 50 {
		t.Fatalf("expected 50%%, got %v", progress.Percentage)
	}
}

func TestExpireStaleReleasesInventory(t *testing.T) {
	engine, _ := newTestEngine(t, 10, 10)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	engine.WithClock(func() time.Time { return now })

	intent, err := engine.CreateIntent(ctx, 5)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	engine.WithClock(func() time.Time { return now.Add(11 * time.Minute) })
	sessions, items, err := engine.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if sessions != 1 || items != 5 {
		t.Fatalf("expected 1 session and 5 items, got %d/%d", sessions, items)
	}
	if _, err := engine.PaymentStatus(ctx, intent.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	progress, err := engine.Progress(ctx)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Available != 10 {
		t.Fatalf("expected all items released, got %+v", progress)
	}
}

func TestSequentialAmountsDistinct(t *testing.T) {
	engine, _ := newTestEngine(t, 1000, 1000)
	ctx := context.Background()

	var last int64
	for i := 0; i < 1000; i++ {
		intent, err := engine.CreateIntent(ctx, 1)
		if err != nil {
			t.Fatalf("create intent %d: %v", i, err)
		}
		if i > 0 && intent.AmountUnits != last+1 {
			t.Fatalf("intent %d: expected %d, got %d", i, last+1, intent.AmountUnits)
		}
		last = intent.AmountUnits
	}
}

func TestSweeperRunReleasesExpired(t *testing.T) {
	engine, store := newTestEngine(t, 10, 10)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	engine.WithClock(func() time.Time { return now })

	intent, err := engine.CreateIntent(ctx, 2)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	engine.WithClock(func() time.Time { return now.Add(11 * time.Minute) })

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSweeper(engine, 50*time.Millisecond, nil).Run(runCtx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := store.SessionByID(ctx, intent.SessionID)
		if err != nil {
			t.Fatalf("load session: %v", err)
		}
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not expire session in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
