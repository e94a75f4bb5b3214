package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// SessionStatus enumerates the lifecycle states of a payment session.
type SessionStatus string

const (
	StatusPending        SessionStatus = "pending"
	StatusPaymentPending SessionStatus = "payment_pending"
	StatusComplete       SessionStatus = "complete"
	StatusFailed         SessionStatus = "failed"
)

var (
	// ErrPathRequired indicates an empty database path.
	ErrPathRequired = errors.New("storage: database path required")
	// ErrInsufficientInventory indicates fewer unreserved items remain than
	// the requested quantity.
	ErrInsufficientInventory = errors.New("storage: insufficient inventory")
	// ErrReservationRace indicates the random reservation claimed fewer rows
	// than requested and the transaction was aborted.
	ErrReservationRace = errors.New("storage: reservation raced")
	// ErrAmountCollision indicates the derived payment amount already exists
	// on another session.
	ErrAmountCollision = errors.New("storage: amount already reserved")
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
  id INTEGER PRIMARY KEY,
  content_ref TEXT NOT NULL,
  claimed INTEGER NOT NULL DEFAULT 0,
  session_ref TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_content_ref ON items(content_ref);
CREATE INDEX IF NOT EXISTS idx_items_claimed ON items(claimed);
CREATE INDEX IF NOT EXISTS idx_items_session_ref ON items(session_ref);

CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  amount_due INTEGER NOT NULL,
  status TEXT NOT NULL,
  txid TEXT,
  assigned_refs TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_amount_due ON sessions(amount_due);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT,
  method TEXT NOT NULL,
  path TEXT NOT NULL,
  request_body TEXT,
  response_status INTEGER NOT NULL,
  response_body TEXT,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);
`

const (
	settingMintCounter      = "mint_counter"
	settingLastScannedBlock = "last_scanned_block"
)

// Store wraps the SQLite handle backing sessions, inventory and settings.
// All mutations run through a single connection so writes serialize without
// SQLITE_BUSY churn.
type Store struct {
	db *sql.DB
}

// Open initialises the schema at dsn and returns a ready store.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO settings (key, value) VALUES (?, '0')`, settingMintCounter); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed mint counter: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not initialised")
	}
	return s.db.PingContext(ctx)
}

// Session is a payment session row.
type Session struct {
	Seq          int64
	SessionID    string
	Quantity     int
	AmountUnits  int64
	Status       SessionStatus
	TxID         string
	AssignedRefs []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingSession is the subset of session fields the ledger observers watch.
type PendingSession struct {
	SessionID   string
	AmountUnits int64
	Quantity    int
	Status      SessionStatus
}

// CreateSession atomically draws the next mint counter value, derives the
// unique amount due and reserves quantity random unclaimed items for the
// session. priceUnits is the per-item price in base units; maxSupply caps the
// reservable item ids.
func (s *Store) CreateSession(ctx context.Context, sessionID string, quantity int, priceUnits int64, maxSupply int, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("storage not initialised")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	var available int
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE claimed = 0 AND session_ref IS NULL AND id <= ?`, maxSupply)
	if err := row.Scan(&available); err != nil {
		return 0, fmt.Errorf("count available items: %w", err)
	}
	if available < quantity {
		return 0, ErrInsufficientInventory
	}

	if _, err := tx.ExecContext(ctx, `UPDATE settings SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT) WHERE key = ?`, settingMintCounter); err != nil {
		return 0, fmt.Errorf("advance mint counter: %w", err)
	}
	var next int64
	row = tx.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM settings WHERE key = ?`, settingMintCounter)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("read mint counter: %w", err)
	}

	amount := priceUnits*int64(quantity) + next
	unix := now.Unix()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (session_id, quantity, amount_due, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, quantity, amount, StatusPending, unix, unix); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAmountCollision
		}
		return 0, fmt.Errorf("insert session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE items SET session_ref = ? WHERE id IN (
  SELECT id FROM items WHERE claimed = 0 AND session_ref IS NULL AND id <= ? ORDER BY RANDOM() LIMIT ?)`,
		sessionID, maxSupply, quantity)
	if err != nil {
		return 0, fmt.Errorf("reserve items: %w", err)
	}
	reserved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count reserved items: %w", err)
	}
	if reserved != int64(quantity) {
		return 0, ErrReservationRace
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create session: %w", err)
	}
	return amount, nil
}

// AssignResult reports the outcome of AssignAndComplete.
type AssignResult struct {
	Transitioned bool
	Status       SessionStatus
	Refs         []string
}

// AssignAndComplete finalises a paid session: it claims the session's reserved
// items and marks the session complete with the paying transaction id. A
// session that lost its reservations transitions to failed instead. Sessions
// already terminal (or unknown) are left untouched.
func (s *Store) AssignAndComplete(ctx context.Context, sessionID, txid string, maxSupply int, now time.Time) (AssignResult, error) {
	if s == nil || s.db == nil {
		return AssignResult{}, fmt.Errorf("storage not initialised")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AssignResult{}, fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback()

	var (
		quantity int
		status   string
	)
	row := tx.QueryRowContext(ctx, `SELECT quantity, status FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&quantity, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssignResult{}, nil
		}
		return AssignResult{}, fmt.Errorf("load session: %w", err)
	}
	current := SessionStatus(status)
	if current != StatusPending && current != StatusPaymentPending {
		return AssignResult{Status: current}, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT content_ref FROM items WHERE session_ref = ? AND claimed = 0 AND id <= ? ORDER BY id`, sessionID, maxSupply)
	if err != nil {
		return AssignResult{}, fmt.Errorf("load reserved items: %w", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return AssignResult{}, fmt.Errorf("scan reserved item: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return AssignResult{}, fmt.Errorf("iterate reserved items: %w", err)
	}
	rows.Close()

	unix := now.Unix()
	if len(refs) < quantity {
		if _, err := tx.ExecContext(ctx, `UPDATE items SET session_ref = NULL WHERE session_ref = ? AND claimed = 0`, sessionID); err != nil {
			return AssignResult{}, fmt.Errorf("release short reservation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, txid = ?, updated_at = ? WHERE session_id = ?`, StatusFailed, txid, unix, sessionID); err != nil {
			return AssignResult{}, fmt.Errorf("mark session failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return AssignResult{}, fmt.Errorf("commit failed session: %w", err)
		}
		return AssignResult{Transitioned: true, Status: StatusFailed}, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE items SET claimed = 1 WHERE session_ref = ? AND claimed = 0 AND id <= ?`, sessionID, maxSupply); err != nil {
		return AssignResult{}, fmt.Errorf("claim reserved items: %w", err)
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return AssignResult{}, fmt.Errorf("encode assigned refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, txid = ?, assigned_refs = ?, updated_at = ? WHERE session_id = ?`,
		StatusComplete, txid, string(encoded), unix, sessionID); err != nil {
		return AssignResult{}, fmt.Errorf("complete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AssignResult{}, fmt.Errorf("commit assign: %w", err)
	}
	return AssignResult{Transitioned: true, Status: StatusComplete, Refs: refs}, nil
}

// MarkPaymentPending records an unconfirmed matching payment. It only applies
// to sessions still in pending and reports whether the transition happened.
func (s *Store) MarkPaymentPending(ctx context.Context, sessionID, txid string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("storage not initialised")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, txid = ?, updated_at = ? WHERE session_id = ? AND status = ?`,
		StatusPaymentPending, txid, now.Unix(), sessionID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark payment pending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count marked sessions: %w", err)
	}
	return affected > 0, nil
}

// ExpireStale deletes pending sessions created before pendingBefore and
// payment_pending sessions last updated before paymentPendingBefore, releasing
// their unclaimed reservations. It returns the session and item counts freed.
func (s *Store) ExpireStale(ctx context.Context, pendingBefore, paymentPendingBefore time.Time) (int, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("storage not initialised")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT session_id FROM sessions WHERE (status = ? AND created_at < ?) OR (status = ? AND updated_at < ?)`,
		StatusPending, pendingBefore.Unix(), StatusPaymentPending, paymentPendingBefore.Unix())
	if err != nil {
		return 0, 0, fmt.Errorf("select stale sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("iterate stale sessions: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, 0, tx.Commit()
	}

	released := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE items SET session_ref = NULL WHERE session_ref = ? AND claimed = 0`, id)
		if err != nil {
			return 0, 0, fmt.Errorf("release reservations: %w", err)
		}
		freed, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("count released items: %w", err)
		}
		released += int(freed)
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return 0, 0, fmt.Errorf("delete stale session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit expire: %w", err)
	}
	return len(ids), released, nil
}

// SessionByID loads a single session. The boolean reports whether it exists.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (Session, bool, error) {
	if s == nil || s.db == nil {
		return Session{}, false, fmt.Errorf("storage not initialised")
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, quantity, amount_due, status, txid, assigned_refs, created_at, updated_at FROM sessions WHERE session_id = ?`, sessionID)
	var (
		sess      Session
		status    string
		txid      sql.NullString
		refs      sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&sess.Seq, &sess.SessionID, &sess.Quantity, &sess.AmountUnits, &status, &txid, &refs, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	sess.Status = SessionStatus(status)
	if txid.Valid {
		sess.TxID = txid.String
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &sess.AssignedRefs); err != nil {
			return Session{}, false, fmt.Errorf("decode assigned refs: %w", err)
		}
	}
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return sess, true, nil
}

// PendingSessions lists sessions awaiting payment or confirmation.
func (s *Store) PendingSessions(ctx context.Context) ([]PendingSession, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage not initialised")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, amount_due, quantity, status FROM sessions WHERE status IN (?, ?) ORDER BY id`,
		StatusPending, StatusPaymentPending)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer rows.Close()
	var out []PendingSession
	for rows.Next() {
		var (
			p      PendingSession
			status string
		)
		if err := rows.Scan(&p.SessionID, &p.AmountUnits, &p.Quantity, &status); err != nil {
			return nil, fmt.Errorf("scan pending session: %w", err)
		}
		p.Status = SessionStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending sessions: %w", err)
	}
	return out, nil
}

// Progress summarises inventory state up to maxSupply.
type Progress struct {
	Total     int
	Minted    int
	Reserved  int
	Available int
}

// Progress counts claimed, reserved and free items within the supply cap.
func (s *Store) Progress(ctx context.Context, maxSupply int) (Progress, error) {
	if s == nil || s.db == nil {
		return Progress{}, fmt.Errorf("storage not initialised")
	}
	row := s.db.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN claimed = 1 THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN claimed = 0 AND session_ref IS NOT NULL THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN claimed = 0 AND session_ref IS NULL THEN 1 ELSE 0 END), 0)
FROM items WHERE id <= ?`, maxSupply)
	p := Progress{Total: maxSupply}
	if err := row.Scan(&p.Minted, &p.Reserved, &p.Available); err != nil {
		return Progress{}, fmt.Errorf("count progress: %w", err)
	}
	return p, nil
}

// LastScannedBlock returns the persisted block cursor. The boolean reports
// whether a cursor has been stored yet.
func (s *Store) LastScannedBlock(ctx context.Context) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("storage not initialised")
	}
	row := s.db.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM settings WHERE key = ?`, settingLastScannedBlock)
	var height int64
	if err := row.Scan(&height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load block cursor: %w", err)
	}
	return height, true, nil
}

// SetLastScannedBlock persists the block cursor.
func (s *Store) SetLastScannedBlock(ctx context.Context, height int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not initialised")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, settingLastScannedBlock, fmt.Sprintf("%d", height)); err != nil {
		return fmt.Errorf("persist block cursor: %w", err)
	}
	return nil
}

// SeedItems inserts the drop inventory with sequential ids starting at 1.
// Existing rows are left untouched so reseeding is idempotent. It returns the
// number of rows inserted.
func (s *Store) SeedItems(ctx context.Context, refs []string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("storage not initialised")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO items (id, content_ref) VALUES (?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare seed: %w", err)
	}
	defer stmt.Close()
	inserted := 0
	for i, ref := range refs {
		res, err := stmt.ExecContext(ctx, i+1, ref)
		if err != nil {
			return 0, fmt.Errorf("seed item %d: %w", i+1, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("count seeded item %d: %w", i+1, err)
		}
		inserted += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return inserted, nil
}

// AuditEntry captures one API exchange for the audit log.
type AuditEntry struct {
	RequestID      string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}

// InsertAudit appends an API audit record.
func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not initialised")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO audit_log (request_id, method, path, request_body, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Method, entry.Path, string(entry.RequestBody), entry.ResponseStatus, string(entry.ResponseBody), created.Unix()); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
