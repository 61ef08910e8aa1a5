// Package topup creates the payment affordance offered when a mid-call
// debit fails. The call stays suspended while the user completes checkout;
// a successful top-up lets the same session resume.
package topup

import (
	"context"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// Offer is a ready-to-open checkout link for a quota top-up.
type Offer struct {
	CheckoutID string `json:"checkout_id"`
	URL        string `json:"url"`
}

// Affordance builds Stripe checkout sessions for quota packs.
type Affordance struct {
	priceID    string
	successURL string
	cancelURL  string
}

// New configures the Stripe client and returns a top-up affordance.
func New(apiKey, priceID, successURL, cancelURL string) *Affordance {
	stripe.Key = apiKey
	return &Affordance{priceID: priceID, successURL: successURL, cancelURL: cancelURL}
}

// CheckoutLink creates a checkout session tagged with the call's session id
// so the webhook that credits the quota can correlate it.
func (a *Affordance) CheckoutLink(ctx context.Context, userID, callSessionID string) (*Offer, error) {
	if a.priceID == "" {
		return nil, core.NewBillingError(core.CodeLedgerUnavailable, "top-up price not configured")
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(a.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(a.successURL),
		CancelURL:         stripe.String(a.cancelURL),
		ClientReferenceID: stripe.String(callSessionID),
	}
	params.Context = ctx
	if userID != "" {
		params.AddMetadata("user_id", userID)
	}

	checkout, err := session.New(params)
	if err != nil {
		return nil, core.NewBillingError(core.CodeLedgerUnavailable, "create checkout session").Wrap(err)
	}
	return &Offer{CheckoutID: checkout.ID, URL: checkout.URL}, nil
}
