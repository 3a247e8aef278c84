package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProvider implements Provider with a Stripe API client.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider builds a client for secretKey.  webhookSecret is the
// endpoint signing secret used by ParseWebhook.
func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	return NewStripeProviderFromClient(client.New(secretKey, nil), webhookSecret)
}

// NewStripeProviderFromClient uses an already configured client, for
// example one pointed at stripe-mock.
func NewStripeProviderFromClient(api *client.API, webhookSecret string) *StripeProvider {
	return &StripeProvider{api: api, webhookSecret: webhookSecret}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, ref string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return nil, err
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProvider) CancelIntent(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := p.api.PaymentIntents.Cancel(ref, params)
	return err
}

func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || ev.Data == nil {
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	out.Ref = pi.ID
	switch out.Type {
	case "payment_intent.succeeded":
		out.Outcome = OutcomeSucceeded
	case "payment_intent.canceled":
		out.Outcome = OutcomeFailed
	case "payment_intent.processing", "payment_intent.payment_failed":
		// A failed attempt leaves the intent open for another payment
		// method, the same as requires_payment_method in outcomeOf.
		out.Outcome = OutcomePending
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Outcome:      outcomeOf(pi.Status),
	}
}

// outcomeOf maps a Stripe intent status.  Only succeeded and canceled
// are final; everything else, requires_payment_method after a declined
// card included, is pending until the hold deadline.
func outcomeOf(s stripe.PaymentIntentStatus) Outcome {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return OutcomeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
