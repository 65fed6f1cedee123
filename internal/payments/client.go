package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails signature
// verification against the shared secret.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// CheckoutInput describes one credit-package purchase.
type CheckoutInput struct {
	AccountID   string
	PackageID   int64
	PackageName string
	Credits     int
	AmountCents int
	SuccessURL  string
	CancelURL   string
}

// CheckoutSession is the provider's session handle plus the redirect URL.
type CheckoutSession struct {
	ID       string
	URL      string
	Livemode bool
}

// WebhookEvent is a verified provider event, decoded once at the boundary.
// Session is non-nil only for checkout session events.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *SessionInfo
}

type SessionInfo struct {
	ID            string
	PaymentStatus string
	Livemode      bool
}

// Client wraps the Stripe API. Constructed once and passed in; no package
// globals.
type Client struct {
	api           *client.API
	webhookSecret string
}

func NewClient(secretKey, webhookSecret string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{
		api:           api,
		webhookSecret: webhookSecret,
	}
}

// CreateCheckoutSession opens a hosted checkout for one credit package.
func (c *Client) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s (%d credits)", in.PackageName, in.Credits)),
					},
					UnitAmount: stripe.Int64(int64(in.AmountCents)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"account_id": in.AccountID,
			"package_id": fmt.Sprintf("%d", in.PackageID),
			"credits":    fmt.Sprintf("%d", in.Credits),
		},
	}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL, Livemode: sess.Livemode}, nil
}

// ParseEvent verifies the signature header against the raw body and decodes
// the event. Signature failures carry ErrInvalidSignature and must cause an
// HTTP-level rejection with no state change.
func (c *Client) ParseEvent(rawBody []byte, signatureHeader string) (WebhookEvent, error) {
	event, err := webhook.ConstructEvent(rawBody, signatureHeader, c.webhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if out.Type == "checkout.session.completed" || out.Type == "checkout.session.expired" {
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return WebhookEvent{}, fmt.Errorf("decode checkout session: %w", err)
		}
		out.Session = &SessionInfo{
			ID:            sess.ID,
			PaymentStatus: string(sess.PaymentStatus),
			Livemode:      sess.Livemode,
		}
	}
	return out, nil
}
