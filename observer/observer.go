// Package observer watches the ledger for payments matching open sessions.
// The block scanner drives confirmed completions; the mempool scanner flags
// unconfirmed payments early so their sessions survive the short expiry
// window.
package observer

import (
	"context"
	"time"

	"mintgate/reserve"
	"mintgate/rpcpool"
	"mintgate/storage"
)

// Engine is the session lifecycle surface the scanners drive.
type Engine interface {
	PendingAmounts(ctx context.Context) (map[int64]storage.PendingSession, error)
	ConfirmPayment(ctx context.Context, sessionID, txid string) (storage.AssignResult, error)
	MarkPaymentSeen(ctx context.Context, sessionID, txid string) (bool, error)
}

// CursorStore persists the block scan cursor.
type CursorStore interface {
	LastScannedBlock(ctx context.Context) (int64, bool, error)
	SetLastScannedBlock(ctx context.Context, height int64) error
}

// CapacityProvider reports the RPC pool's remaining daily budget.
type CapacityProvider interface {
	Capacity() rpcpool.Capacity
}

// matchOutput resolves an output against the pending index. Outputs that do
// not pay the drop address, or whose amount parses to no open session, miss.
func matchOutput(index map[int64]storage.PendingSession, address string, out rpcpool.Output) (storage.PendingSession, bool) {
	if !out.PaysTo(address) {
		return storage.PendingSession{}, false
	}
	units, err := reserve.ParseAmount(out.Value.String())
	if err != nil {
		return storage.PendingSession{}, false
	}
	entry, ok := index[units]
	return entry, ok
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
