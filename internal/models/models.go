package models

import "time"

type ContentType string

const (
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
)

type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
)

type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

type TransactionKind string

const (
	TransactionPurchase TransactionKind = "purchase"
	TransactionUsage    TransactionKind = "usage"
	TransactionRefund   TransactionKind = "refund"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
)

// Account holds the prepaid balance for one user. The ledger invariant is
// Credits == TotalPurchased - TotalConsumed after every transaction.
type Account struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	Credits        int       `json:"credits"`
	TotalPurchased int       `json:"total_purchased"`
	TotalConsumed  int       `json:"total_consumed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Balanced reports whether the account satisfies the ledger invariant.
func (a Account) Balanced() bool {
	return a.Credits == a.TotalPurchased-a.TotalConsumed
}

// CreditTransaction is an append-only ledger entry. Amount is positive for
// purchases and refunds, negative for usage.
type CreditTransaction struct {
	ID          int64           `json:"id"`
	AccountID   string          `json:"account_id"`
	Amount      int             `json:"amount"`
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Generation is one content-generation attempt. Terminal states are final;
// a retry creates a new record.
type Generation struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	Prompt      string           `json:"prompt"`
	ContentType ContentType      `json:"content_type"`
	Quality     Quality          `json:"quality"`
	Size        string           `json:"size,omitempty"`
	Category    string           `json:"category,omitempty"`
	Style       string           `json:"style,omitempty"`
	Cost        int              `json:"cost"`
	Status      GenerationStatus `json:"status"`
	ResultURL   string           `json:"result_url,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// CreditPackage is a purchasable credit bundle shown on the pricing page.
type CreditPackage struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Credits         int       `json:"credits"`
	PriceCents      int       `json:"price_cents"`
	DiscountPercent int       `json:"discount_percent"`
	StripePriceID   string    `json:"stripe_price_id,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// PaymentSession tracks one checkout from creation until the payment
// provider's webhook marks it completed. The webhook path is the only writer
// of the completed status.
type PaymentSession struct {
	ID              int64         `json:"id"`
	AccountID       string        `json:"account_id"`
	PackageID       int64         `json:"package_id"`
	StripeSessionID string        `json:"stripe_session_id"`
	Credits         int           `json:"credits"`
	AmountCents     int           `json:"amount_cents"`
	Status          SessionStatus `json:"status"`
	IsTest          bool          `json:"is_test"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// CostFor returns the credit price of one generation.
func CostFor(contentType ContentType, quality Quality) int {
	switch contentType {
	case ContentVideo:
		if quality == QualityHD {
			return 25
		}
		return 15
	default:
		if quality == QualityHD {
			return 8
		}
		return 3
	}
}
