package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dreamlens/dreamlens/internal/models"
)

// ErrAccountNotFound is returned when a ledger operation targets an account
// that does not exist.
var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Get(ctx context.Context, id string) (*models.Account, error) {
	const query = `
SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), credits, total_purchased, total_consumed, created_at, updated_at
FROM accounts WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var a models.Account
	if err := row.Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &a.Credits, &a.TotalPurchased, &a.TotalConsumed, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// Ensure creates the account row on first sight of an authenticated identity.
func (r *AccountRepository) Ensure(ctx context.Context, id, email string) (*models.Account, error) {
	account, err := r.Get(ctx, id)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	const query = `
INSERT INTO accounts (id, email) VALUES (?, ?)
ON DUPLICATE KEY UPDATE email = VALUES(email)`
	if _, err := r.db.ExecContext(ctx, query, id, email); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return r.Get(ctx, id)
}

// ApplyTransaction atomically moves the balance and the matching monotonic
// counter, and appends the immutable ledger entry. Positive amounts are
// purchases or refunds, negative amounts are usage. The balance update and
// the log insert commit together or not at all.
//
// Consumption does not re-check funds here: the caller verifies the balance
// before starting the paid action, and the debit lands after it succeeds.
func (r *AccountRepository) ApplyTransaction(ctx context.Context, accountID string, amount int, kind models.TransactionKind, description, reference string) error {
	if amount == 0 {
		return fmt.Errorf("transaction amount must be non-zero")
	}
	switch kind {
	case models.TransactionPurchase, models.TransactionUsage, models.TransactionRefund:
	default:
		return fmt.Errorf("unknown transaction kind: %s", kind)
	}

	purchased, consumed := 0, 0
	if amount > 0 {
		purchased = amount
	} else {
		consumed = -amount
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const update = `
UPDATE accounts
SET credits = credits + ?, total_purchased = total_purchased + ?, total_consumed = total_consumed + ?, updated_at = NOW()
WHERE id = ?`
	res, err := tx.ExecContext(ctx, update, amount, purchased, consumed, accountID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("balance rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}

	const insert = `
INSERT INTO credit_transactions (account_id, amount, kind, description, reference)
VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`
	if _, err := tx.ExecContext(ctx, insert, accountID, amount, kind, description, reference); err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (r *AccountRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, account_id, amount, kind, COALESCE(description, ''), COALESCE(reference, ''), created_at
FROM credit_transactions
WHERE account_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Kind, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
