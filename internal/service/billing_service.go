package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dreamlens/dreamlens/internal/models"
	"github.com/dreamlens/dreamlens/internal/payments"
)

type SessionStore interface {
	Create(ctx context.Context, s *models.PaymentSession) error
	FindByStripeSessionID(ctx context.Context, stripeSessionID string) (*models.PaymentSession, error)
	Claim(ctx context.Context, stripeSessionID string) (bool, error)
	ListUnreconciled(ctx context.Context, limit int) ([]models.PaymentSession, error)
}

type PackageStore interface {
	ListActive(ctx context.Context) ([]models.CreditPackage, error)
	GetByID(ctx context.Context, id int64) (*models.CreditPackage, error)
}

type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, in payments.CheckoutInput) (payments.CheckoutSession, error)
	ParseEvent(rawBody []byte, signatureHeader string) (payments.WebhookEvent, error)
}

type BillingService struct {
	log        *slog.Logger
	accounts   AccountStore
	sessions   SessionStore
	packages   PackageStore
	provider   PaymentProvider
	successURL string
	cancelURL  string
}

func NewBillingService(log *slog.Logger, accounts AccountStore, sessions SessionStore, packages PackageStore, provider PaymentProvider, successURL, cancelURL string) *BillingService {
	return &BillingService{
		log:        log,
		accounts:   accounts,
		sessions:   sessions,
		packages:   packages,
		provider:   provider,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

func (s *BillingService) ListPackages(ctx context.Context) ([]models.CreditPackage, error) {
	return s.packages.ListActive(ctx)
}

// CreateCheckout opens a hosted checkout for a credit package and records the
// pending session. Credits are granted later, only by the webhook path.
func (s *BillingService) CreateCheckout(ctx context.Context, accountID string, packageID int64) (*models.PaymentSession, string, error) {
	pkg, err := s.packages.GetByID(ctx, packageID)
	if err != nil {
		return nil, "", err
	}
	if pkg == nil || !pkg.IsActive {
		return nil, "", ErrPackageNotFound
	}

	checkout, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutInput{
		AccountID:   accountID,
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		Credits:     pkg.Credits,
		AmountCents: pkg.PriceCents,
		SuccessURL:  s.successURL,
		CancelURL:   s.cancelURL,
	})
	if err != nil {
		return nil, "", err
	}

	session := &models.PaymentSession{
		AccountID:       accountID,
		PackageID:       pkg.ID,
		StripeSessionID: checkout.ID,
		Credits:         pkg.Credits,
		AmountCents:     pkg.PriceCents,
		Status:          models.SessionPending,
		IsTest:          !checkout.Livemode,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", fmt.Errorf("record payment session: %w", err)
	}

	return session, checkout.URL, nil
}

// HandleWebhookEvent reconciles an asynchronous provider notification with
// the ledger. Delivery is at-least-once, so every side-effecting path is
// idempotent per session id: the conditional claim decides a single winner,
// and only the winner grants credits.
func (s *BillingService) HandleWebhookEvent(ctx context.Context, rawBody []byte, signatureHeader string) error {
	event, err := s.provider.ParseEvent(rawBody, signatureHeader)
	if err != nil {
		return err
	}

	// Unhandled event types are acknowledged so the provider stops retrying.
	if event.Type != "checkout.session.completed" {
		s.log.Info("ignoring webhook event", "type", event.Type, "id", event.ID)
		return nil
	}
	if event.Session == nil || event.Session.ID == "" {
		return fmt.Errorf("webhook event %s missing session", event.ID)
	}
	if event.Session.PaymentStatus != "" && event.Session.PaymentStatus != "paid" {
		s.log.Info("session completed but not paid, skipping", "session", event.Session.ID, "payment_status", event.Session.PaymentStatus)
		return nil
	}

	session, err := s.sessions.FindByStripeSessionID(ctx, event.Session.ID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, event.Session.ID)
	}
	if session.Status == models.SessionCompleted {
		s.log.Info("session already completed, skipping", "session", session.StripeSessionID)
		return nil
	}

	claimed, err := s.sessions.Claim(ctx, session.StripeSessionID)
	if err != nil {
		return err
	}
	if !claimed {
		// A concurrent delivery won the claim.
		s.log.Info("session claimed by concurrent delivery, skipping", "session", session.StripeSessionID)
		return nil
	}

	if err := s.grantCredits(ctx, session); err != nil {
		// The session is already claimed, so a provider retry will no-op.
		// The reconcile pass repairs this window.
		return fmt.Errorf("grant credits for session %s: %w", session.StripeSessionID, err)
	}

	s.log.Info("credits granted", "account", session.AccountID, "credits", session.Credits, "session", session.StripeSessionID)
	return nil
}

// ReconcileSessions repairs sessions that were claimed but never credited,
// the crash window between the status flip and the ledger grant.
func (s *BillingService) ReconcileSessions(ctx context.Context) error {
	sessions, err := s.sessions.ListUnreconciled(ctx, 100)
	if err != nil {
		return err
	}
	for i := range sessions {
		session := &sessions[i]
		if err := s.grantCredits(ctx, session); err != nil {
			s.log.Error("reconcile session", "session", session.StripeSessionID, "err", err)
			continue
		}
		s.log.Info("reconciled session", "account", session.AccountID, "credits", session.Credits, "session", session.StripeSessionID)
	}
	return nil
}

func (s *BillingService) grantCredits(ctx context.Context, session *models.PaymentSession) error {
	description := fmt.Sprintf("Purchased %d credits", session.Credits)
	return s.accounts.ApplyTransaction(ctx, session.AccountID, session.Credits, models.TransactionPurchase, description, session.StripeSessionID)
}
