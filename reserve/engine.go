package reserve

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mintgate/observability"
	"mintgate/storage"
)

// StatusExpired is the read-side status reported for sessions past their
// timeout that the sweeper has not collected yet.
const StatusExpired = "expired"

const createAttempts = 3

var (
	ErrQuantityRange   = errors.New("reserve: quantity out of range")
	ErrSoldOut         = errors.New("reserve: insufficient inventory")
	ErrSessionNotFound = errors.New("reserve: session not found")
	ErrContention      = errors.New("reserve: reservation contention")
)

// Store is the transactional persistence the engine delegates to.
type Store interface {
	CreateSession(ctx context.Context, sessionID string, quantity int, priceUnits int64, maxSupply int, now time.Time) (int64, error)
	AssignAndComplete(ctx context.Context, sessionID, txid string, maxSupply int, now time.Time) (storage.AssignResult, error)
	MarkPaymentPending(ctx context.Context, sessionID, txid string, now time.Time) (bool, error)
	ExpireStale(ctx context.Context, pendingBefore, paymentPendingBefore time.Time) (int, int, error)
	SessionByID(ctx context.Context, sessionID string) (storage.Session, bool, error)
	PendingSessions(ctx context.Context) ([]storage.PendingSession, error)
	Progress(ctx context.Context, maxSupply int) (storage.Progress, error)
}

// Config carries the drop parameters the engine enforces.
type Config struct {
	PaymentAddress        string
	PriceUnits            int64
	MaxSupply             int
	MaxQuantity           int
	SessionTimeout        time.Duration
	PaymentPendingTimeout time.Duration
}

// Engine owns the payment session lifecycle: intent creation with the
// amount-as-correlation-token scheme, status derivation and the transitions
// driven by the ledger observers and the sweeper.
type Engine struct {
	store      Store
	address    string
	priceUnits int64
	maxSupply  int
	maxQty     int
	sessionTTL time.Duration
	paymentTTL time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	metrics    *observability.ReserveMetrics
	tracer     trace.Tracer
}

// Intent is the client-facing result of a successful reservation.
type Intent struct {
	SessionID   string
	Address     string
	Amount      string
	AmountUnits int64
	Quantity    int
	ExpiresAt   time.Time
}

// StatusView is a session snapshot with the read-side expiry applied.
type StatusView struct {
	SessionID   string
	Status      string
	Quantity    int
	AmountUnits int64
	TxID        string
	Refs        []string
}

// ProgressView summarises the drop for the public progress endpoint.
type ProgressView struct {
	Total      int
	Minted     int
	Reserved   int
	Available  int
	Percentage float64
}

// NewEngine validates the drop parameters and constructs an Engine.
func NewEngine(store Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if strings.TrimSpace(cfg.PaymentAddress) == "" {
		return nil, fmt.Errorf("payment address must be configured")
	}
	if cfg.PriceUnits <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if cfg.MaxSupply <= 0 {
		return nil, fmt.Errorf("max supply must be positive")
	}
	if cfg.MaxQuantity < 1 || cfg.MaxQuantity > cfg.MaxSupply {
		return nil, fmt.Errorf("max quantity must be in [1, max supply]")
	}
	if cfg.SessionTimeout <= 0 || cfg.PaymentPendingTimeout <= 0 {
		return nil, fmt.Errorf("session timeouts must be positive")
	}
	return &Engine{
		store:      store,
		address:    cfg.PaymentAddress,
		priceUnits: cfg.PriceUnits,
		maxSupply:  cfg.MaxSupply,
		maxQty:     cfg.MaxQuantity,
		sessionTTL: cfg.SessionTimeout,
		paymentTTL: cfg.PaymentPendingTimeout,
		clock:      time.Now,
		logger:     slog.Default(),
		metrics:    observability.Reserve(),
		tracer:     otel.Tracer("mintgate/reserve"),
	}, nil
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	e.clock = clock
}

// WithLogger overrides the engine logger.
func (e *Engine) WithLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Address returns the configured payment address.
func (e *Engine) Address() string {
	return e.address
}

// MaxQuantity returns the per-session item cap.
func (e *Engine) MaxQuantity() int {
	return e.maxQty
}

// CreateIntent reserves quantity items under a fresh session and returns the
// unique amount the buyer must pay. Amount collisions and reservation races
// abort the transaction and are retried with a fresh session id.
func (e *Engine) CreateIntent(ctx context.Context, quantity int) (Intent, error) {
	ctx, span := e.tracer.Start(ctx, "reserve.create_intent",
		trace.WithAttributes(attribute.Int("quantity", quantity)))
	defer span.End()
	if quantity < 1 || quantity > e.maxQty {
		err := fmt.Errorf("%w: %d not in [1, %d]", ErrQuantityRange, quantity, e.maxQty)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordIntent("rejected")
		return Intent{}, err
	}
	for attempt := 1; attempt <= createAttempts; attempt++ {
		sessionID, err := newSessionID()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.RecordIntent("error")
			return Intent{}, fmt.Errorf("generate session id: %w", err)
		}
		now := e.clock()
		amount, err := e.store.CreateSession(ctx, sessionID, quantity, e.priceUnits, e.maxSupply, now)
		switch {
		case err == nil:
			intent := Intent{
				SessionID:   sessionID,
				Address:     e.address,
				Amount:      FormatAmount(amount),
				AmountUnits: amount,
				Quantity:    quantity,
				ExpiresAt:   now.Add(e.sessionTTL),
			}
			span.SetAttributes(attribute.String("session.id", sessionID))
			span.SetStatus(codes.Ok, "intent created")
			e.metrics.RecordIntent("created")
			e.logger.Info("payment intent created",
				"session_id", sessionID,
				"quantity", quantity,
				"amount", intent.Amount)
			return intent, nil
		case errors.Is(err, storage.ErrInsufficientInventory):
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.RecordIntent("sold_out")
			return Intent{}, ErrSoldOut
		case errors.Is(err, storage.ErrAmountCollision), errors.Is(err, storage.ErrReservationRace):
			e.logger.Warn("intent attempt collided, retrying",
				"session_id", sessionID,
				"attempt", attempt,
				"error", err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.RecordIntent("error")
			return Intent{}, fmt.Errorf("create session: %w", err)
		}
	}
	span.SetStatus(codes.Error, ErrContention.Error())
	e.metrics.RecordIntent("contention")
	return Intent{}, ErrContention
}

// PaymentStatus loads a session and derives expired for sessions past their
// timeout that the sweeper has not deleted yet.
func (e *Engine) PaymentStatus(ctx context.Context, sessionID string) (StatusView, error) {
	sess, ok, err := e.store.SessionByID(ctx, sessionID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return StatusView{}, ErrSessionNotFound
	}
	view := StatusView{
		SessionID:   sess.SessionID,
		Status:      string(sess.Status),
		Quantity:    sess.Quantity,
		AmountUnits: sess.AmountUnits,
		TxID:        sess.TxID,
		Refs:        sess.AssignedRefs,
	}
	now := e.clock()
	switch sess.Status {
	case storage.StatusPending:
		if now.Sub(sess.CreatedAt) > e.sessionTTL {
			view.Status = StatusExpired
		}
	case storage.StatusPaymentPending:
		if now.Sub(sess.UpdatedAt) > e.paymentTTL {
			view.Status = StatusExpired
		}
	}
	return view, nil
}

// MarkPaymentSeen records a matching unconfirmed transaction. The transition
// only applies to pending sessions and reports whether it happened.
func (e *Engine) MarkPaymentSeen(ctx context.Context, sessionID, txid string) (bool, error) {
	applied, err := e.store.MarkPaymentPending(ctx, sessionID, txid, e.clock())
	if err != nil {
		return false, fmt.Errorf("mark payment pending: %w", err)
	}
	if applied {
		e.metrics.RecordTransition(string(storage.StatusPaymentPending))
		e.logger.Info("payment observed in mempool",
			"session_id", sessionID,
			"txid", txid)
	}
	return applied, nil
}

// ConfirmPayment finalises a session whose amount appeared in a confirmed
// block: its reserved items are claimed and the session completes, or fails
// when the reservation was lost.
func (e *Engine) ConfirmPayment(ctx context.Context, sessionID, txid string) (storage.AssignResult, error) {
	ctx, span := e.tracer.Start(ctx, "reserve.confirm_payment",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	result, err := e.store.AssignAndComplete(ctx, sessionID, txid, e.maxSupply, e.clock())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return storage.AssignResult{}, fmt.Errorf("assign and complete: %w", err)
	}
	if result.Transitioned {
		e.metrics.RecordTransition(string(result.Status))
		switch result.Status {
		case storage.StatusComplete:
			e.logger.Info("session completed",
				"session_id", sessionID,
				"txid", txid,
				"items", len(result.Refs))
		case storage.StatusFailed:
			e.logger.Warn("session failed at completion",
				"session_id", sessionID,
				"txid", txid)
		}
	}
	span.SetStatus(codes.Ok, "confirmed")
	return result, nil
}

// PendingAmounts builds the observers' matching index: expected amount in
// base units to the session waiting on it.
func (e *Engine) PendingAmounts(ctx context.Context) (map[int64]storage.PendingSession, error) {
	pending, err := e.store.PendingSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	index := make(map[int64]storage.PendingSession, len(pending))
	for _, p := range pending {
		index[p.AmountUnits] = p
	}
	return index, nil
}

// Progress reports drop totals with the minted percentage rounded to two
// decimals.
func (e *Engine) Progress(ctx context.Context) (ProgressView, error) {
	p, err := e.store.Progress(ctx, e.maxSupply)
	if err != nil {
		return ProgressView{}, fmt.Errorf("load progress: %w", err)
	}
	view := ProgressView{
		Total:     p.Total,
		Minted:    p.Minted,
		Reserved:  p.Reserved,
		Available: p.Available,
	}
	if p.Total > 0 {
		view.Percentage = math.Round(float64(p.Minted)/float64(p.Total)*10000) / 100
	}
	return view, nil
}

// ExpireStale releases sessions past their timeouts and returns the session
// and item counts freed.
func (e *Engine) ExpireStale(ctx context.Context) (int, int, error) {
	now := e.clock()
	sessions, items, err := e.store.ExpireStale(ctx, now.Add(-e.sessionTTL), now.Add(-e.paymentTTL))
	if err != nil {
		return 0, 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	if sessions > 0 {
		e.metrics.RecordExpirations(sessions)
		e.metrics.RecordReleased(items)
		e.logger.Info("expired stale sessions",
			"sessions", sessions,
			"items_released", items)
	}
	return sessions, items, nil
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
