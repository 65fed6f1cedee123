package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dreamlens/dreamlens/internal/models"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.PaymentSession) error {
	const query = `
INSERT INTO payment_sessions (account_id, package_id, stripe_session_id, credits, amount_cents, status, is_test)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, s.AccountID, s.PackageID, s.StripeSessionID, s.Credits, s.AmountCents, s.Status, s.IsTest)
	if err != nil {
		return fmt.Errorf("insert payment session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	s.ID = id
	return nil
}

func (r *SessionRepository) FindByStripeSessionID(ctx context.Context, stripeSessionID string) (*models.PaymentSession, error) {
	const query = `
SELECT id, account_id, package_id, stripe_session_id, credits, amount_cents, status, is_test, completed_at, created_at
FROM payment_sessions WHERE stripe_session_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, stripeSessionID)
	var s models.PaymentSession
	var completedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.AccountID, &s.PackageID, &s.StripeSessionID, &s.Credits, &s.AmountCents, &s.Status, &s.IsTest, &completedAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment session: %w", err)
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return &s, nil
}

// Claim flips a pending session to completed. The WHERE clause makes the flip
// conditional, so of two concurrent webhook deliveries only one claims the
// session; the loser sees claimed=false and must no-op.
func (r *SessionRepository) Claim(ctx context.Context, stripeSessionID string) (bool, error) {
	const query = `
UPDATE payment_sessions SET status = ?, completed_at = NOW()
WHERE stripe_session_id = ? AND status <> ?`
	res, err := r.db.ExecContext(ctx, query, models.SessionCompleted, stripeSessionID, models.SessionCompleted)
	if err != nil {
		return false, fmt.Errorf("claim payment session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListUnreconciled returns sessions marked completed that have no matching
// purchase transaction in the ledger. These are the fallout of a crash
// between the status flip and the credit grant. The grace interval keeps an
// in-flight webhook grant from being double-applied by the repair pass.
func (r *SessionRepository) ListUnreconciled(ctx context.Context, limit int) ([]models.PaymentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT s.id, s.account_id, s.package_id, s.stripe_session_id, s.credits, s.amount_cents, s.status, s.is_test, s.completed_at, s.created_at
FROM payment_sessions s
LEFT JOIN credit_transactions t ON t.reference = s.stripe_session_id AND t.kind = 'purchase'
WHERE s.status = ? AND t.id IS NULL AND s.completed_at < NOW() - INTERVAL 10 MINUTE
ORDER BY s.completed_at ASC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, models.SessionCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.PaymentSession
	for rows.Next() {
		var s models.PaymentSession
		var completedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.AccountID, &s.PackageID, &s.StripeSessionID, &s.Credits, &s.AmountCents, &s.Status, &s.IsTest, &completedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment session: %w", err)
		}
		if completedAt.Valid {
			s.CompletedAt = &completedAt.Time
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
