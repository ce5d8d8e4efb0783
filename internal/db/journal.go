package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lidio601/lamassu-machine/internal/fsm"
)

var sessionSM = fsm.NewSessionStateMachine()

// ErrSessionNotFound indicates the session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists indicates a session with that ID was already opened.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotOpen indicates bills can no longer be added to the session.
var ErrSessionNotOpen = errors.New("session is not open")

// ErrInvalidStateTransition indicates an invalid session status transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid session state transition")

// Session is a customer transaction.
type Session struct {
	ID         string
	Address    string
	FiatCode   string
	CryptoCode string
	Rate       float64
	Credit     int64
	Status     string
	TxHash     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Bill is a stacked banknote.
type Bill struct {
	ID           int64
	SessionID    string
	Denomination int64
	CreatedAt    time.Time
}

// Totals summarises completed sessions.
type Totals struct {
	Sessions int64
	Fiat     int64
}

const sessionColumns = `id, address, fiat_code, crypto_code, rate, credit, status, tx_hash, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Address, &s.FiatCode, &s.CryptoCode, &s.Rate, &s.Credit, &s.Status, &s.TxHash, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// OpenSession records a new open session with no credit.
func (db *DB) OpenSession(ctx context.Context, s Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, address, fiat_code, crypto_code, rate, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.Address, s.FiatCode, s.CryptoCode, s.Rate, fsm.SessionStatusOpen)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("opening session: %w", err)
	}
	return nil
}

// RecordBill stores a stacked bill and returns the session's new credit.
func (db *DB) RecordBill(ctx context.Context, sessionID string, denomination int64) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying session: %w", err)
	}
	// A failed send returns the session to open, so bills are only ever
	// added while the customer can still see them credited.
	if status != fsm.SessionStatusOpen {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotOpen, status)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bills (session_id, denomination) VALUES (?, ?)
	`, sessionID, denomination); err != nil {
		return 0, fmt.Errorf("recording bill: %w", err)
	}

	var credit int64
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions SET credit = credit + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING credit
	`, denomination, sessionID).Scan(&credit)
	if err != nil {
		return 0, fmt.Errorf("updating credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return credit, nil
}

// UpdateSessionStatus applies a session event with FSM validation and
// returns the new status. txHash is stored when non-empty.
func (db *DB) UpdateSessionStatus(ctx context.Context, sessionID, event, txHash string) (string, error) {
	s, err := db.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	next, err := sessionSM.Transition(ctx, s.Status, event)
	if err != nil {
		return "", fmt.Errorf("%w: %s on %s: %v", ErrInvalidStateTransition, event, s.Status, err)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, next, txHash, txHash, sessionID, s.Status)
	if err != nil {
		return "", fmt.Errorf("updating session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return "", fmt.Errorf("%w: session %s changed concurrently", ErrInvalidStateTransition, sessionID)
	}
	return next, nil
}

// GetSession returns a session by ID.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// GetUnfinishedSession returns the most recent session that still holds the
// customer's cash (open or sending). Returns ErrSessionNotFound if none.
func (db *DB) GetUnfinishedSession(ctx context.Context) (*Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?, ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, fsm.SessionStatusOpen, fsm.SessionStatusSending)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying unfinished session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions, most recent first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// SessionBills returns the bills stacked in a session, oldest first.
func (db *DB) SessionBills(ctx context.Context, sessionID string) ([]Bill, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, denomination, created_at
		FROM bills WHERE session_id = ? ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying bills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bills []Bill
	for rows.Next() {
		var b Bill
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Denomination, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning bill: %w", err)
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bills: %w", err)
	}
	return bills, nil
}

// GetTotals summarises sent sessions.
func (db *DB) GetTotals(ctx context.Context) (Totals, error) {
	var t Totals
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(credit), 0) FROM sessions WHERE status = ?
	`, fsm.SessionStatusSent).Scan(&t.Sessions, &t.Fiat)
	if err != nil {
		return Totals{}, fmt.Errorf("querying totals: %w", err)
	}
	return t, nil
}

// SaveMachineState records the last machine state.
func (db *DB) SaveMachineState(ctx context.Context, state string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE machine_state SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1
	`, state)
	if err != nil {
		return fmt.Errorf("saving machine state: %w", err)
	}
	return nil
}

// GetMachineState returns the last recorded machine state.
func (db *DB) GetMachineState(ctx context.Context) (string, error) {
	var state string
	if err := db.QueryRowContext(ctx, `SELECT state FROM machine_state WHERE id = 1`).Scan(&state); err != nil {
		return "", fmt.Errorf("querying machine state: %w", err)
	}
	return state, nil
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
