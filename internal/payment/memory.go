package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownIntent is returned by MemoryProvider for refs it never issued.
var ErrUnknownIntent = errors.New("unknown payment intent")

// MemoryProvider is an in-process Provider for development and tests.
// Intents start pending and move only through SetOutcome or webhooks.
type MemoryProvider struct {
	mu      sync.Mutex
	intents map[string]*Intent
	secret  string
	failErr error
	delay   time.Duration
}

// NewMemoryProvider returns an empty provider.  Webhook payloads must
// carry secret as their signature.
func NewMemoryProvider(secret string) *MemoryProvider {
	return &MemoryProvider{intents: make(map[string]*Intent), secret: secret}
}

// FailWith makes every following call return err until it is cleared
// with nil.
func (p *MemoryProvider) FailWith(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

// SetDelay makes calls block for d or until their context ends.
func (p *MemoryProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// SetOutcome moves an intent to o.
func (p *MemoryProvider) SetOutcome(ref string, o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if in, ok := p.intents[ref]; ok {
		in.Outcome = o
	}
}

// Intent returns a copy of the intent with ref.
func (p *MemoryProvider) Intent(ref string) (Intent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.intents[ref]
	if !ok {
		return Intent{}, false
	}
	return *in, true
}

func (p *MemoryProvider) wait(ctx context.Context) error {
	p.mu.Lock()
	d, failErr := p.delay, p.failErr
	p.mu.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return failErr
}

func (p *MemoryProvider) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	ref := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	in := &Intent{
		Ref:          ref,
		ClientSecret: ref + "_secret",
		AmountCents:  amountCents,
		Currency:     strings.ToUpper(currency),
		Outcome:      OutcomePending,
	}
	p.mu.Lock()
	p.intents[ref] = in
	p.mu.Unlock()
	cp := *in
	return &cp, nil
}

func (p *MemoryProvider) GetIntent(ctx context.Context, ref string) (*Intent, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	in, ok := p.Intent(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, ref)
	}
	return &in, nil
}

func (p *MemoryProvider) CancelIntent(ctx context.Context, ref string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.intents[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, ref)
	}
	if in.Outcome != OutcomeSucceeded {
		in.Outcome = OutcomeFailed
	}
	return nil
}

type memoryEvent struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Ref     string  `json:"ref"`
	Outcome Outcome `json:"outcome"`
}

// ParseWebhook accepts {"id","type","ref","outcome"} payloads and applies
// the outcome to the stored intent.
func (p *MemoryProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if p.secret != "" && signature != p.secret {
		return nil, ErrInvalidSignature
	}
	var ev memoryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if ev.Outcome != "" {
		p.SetOutcome(ev.Ref, ev.Outcome)
	}
	return &Event{ID: ev.ID, Type: ev.Type, Ref: ev.Ref, Outcome: ev.Outcome}, nil
}
