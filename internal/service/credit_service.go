package service

import (
	"context"
	"fmt"

	"github.com/dreamlens/dreamlens/internal/models"
)

// AccountStore is the ledger surface the services depend on. The single
// writer of balances is ApplyTransaction; nothing mutates an account row
// directly.
type AccountStore interface {
	Get(ctx context.Context, id string) (*models.Account, error)
	Ensure(ctx context.Context, id, email string) (*models.Account, error)
	ApplyTransaction(ctx context.Context, accountID string, amount int, kind models.TransactionKind, description, reference string) error
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error)
}

type CreditService struct {
	accounts AccountStore
}

func NewCreditService(accounts AccountStore) *CreditService {
	return &CreditService{accounts: accounts}
}

// EnsureAccount provisions the balance row on first authenticated request.
func (s *CreditService) EnsureAccount(ctx context.Context, id, email string) (*models.Account, error) {
	account, err := s.accounts.Ensure(ctx, id, email)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return account, nil
}

func (s *CreditService) Balance(ctx context.Context, accountID string) (*models.Account, error) {
	return s.accounts.Get(ctx, accountID)
}

func (s *CreditService) Transactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	return s.accounts.ListTransactions(ctx, accountID, limit)
}
