package payment

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDeduper remembers delivered webhook event ids in Redis so a
// redelivered event is acknowledged without being applied twice.
type WebhookDeduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewWebhookDeduper keeps event ids for ttl.
func NewWebhookDeduper(rdb *redis.Client, ttl time.Duration) *WebhookDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookDeduper{rdb: rdb, prefix: "webhook:event:", ttl: ttl}
}

// FirstDelivery reports whether id has not been seen before and marks it.
func (d *WebhookDeduper) FirstDelivery(ctx context.Context, id string) (bool, error) {
	if d == nil || d.rdb == nil || id == "" {
		return true, nil
	}
	return d.rdb.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
}

// Forget drops id so a failed delivery can be retried by the provider.
func (d *WebhookDeduper) Forget(ctx context.Context, id string) {
	if d == nil || d.rdb == nil || id == "" {
		return
	}
	_ = d.rdb.Del(ctx, d.prefix+id).Err()
}
