// Package payment talks to the card payment provider.  The provider
// client is built once at startup and handed to a Coordinator, which
// bounds every call with a timeout and turns provider failures into
// *ProviderError.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the coarse state of a payment intent.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

var (
	// ErrProvider is matched by every *ProviderError.
	ErrProvider = errors.New("payment provider error")
	// ErrInvalidSignature is returned for webhook payloads that fail
	// verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidAmount is returned by Initiate for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid payment amount")
)

// ProviderError wraps a failed or timed out provider call.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("payment %s: %v", e.Op, e.Err) }

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProvider) true.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Intent is the provider's view of one payment.
type Intent struct {
	Ref          string
	ClientSecret string
	AmountCents  int64
	Currency     string
	Outcome      Outcome
}

// Handle is returned to the client so it can complete a card payment.
type Handle struct {
	Ref          string `json:"ref"`
	ClientSecret string `json:"client_secret"`
}

// Event is a verified webhook notification.  Outcome is empty for event
// types that do not change a payment's state.
type Event struct {
	ID      string
	Type    string
	Ref     string
	Outcome Outcome
}

// Provider is the minimal client surface the coordinator needs.
type Provider interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)
	GetIntent(ctx context.Context, ref string) (*Intent, error)
	CancelIntent(ctx context.Context, ref string) error
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// DefaultTimeout bounds provider calls when none is configured.
const DefaultTimeout = 10 * time.Second

// Coordinator wraps a Provider.
type Coordinator struct {
	provider Provider
	timeout  time.Duration
}

// NewCoordinator returns a Coordinator using p.  A non-positive timeout
// selects DefaultTimeout.
func NewCoordinator(p Provider, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{provider: p, timeout: timeout}
}

// Initiate creates a payment intent for amountCents in currency.
func (c *Coordinator) Initiate(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (Handle, error) {
	if amountCents <= 0 {
		return Handle{}, ErrInvalidAmount
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in, err := c.provider.CreateIntent(ctx, amountCents, currency, metadata)
	if err != nil {
		return Handle{}, asProviderError("initiate", err)
	}
	return Handle{Ref: in.Ref, ClientSecret: in.ClientSecret}, nil
}

// CheckStatus asks the provider for the current outcome of ref.
func (c *Coordinator) CheckStatus(ctx context.Context, ref string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	in, err := c.provider.GetIntent(ctx, ref)
	if err != nil {
		return "", asProviderError("check status", err)
	}
	return in.Outcome, nil
}

// Cancel voids an intent that will not be paid.
func (c *Coordinator) Cancel(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.provider.CancelIntent(ctx, ref); err != nil {
		return asProviderError("cancel", err)
	}
	return nil
}

// ParseWebhook verifies and decodes a webhook delivery.
func (c *Coordinator) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return c.provider.ParseWebhook(payload, signature)
}

func asProviderError(op string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}
