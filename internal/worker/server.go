package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Expirer is the lifecycle operation an expiry task runs.
type Expirer interface {
	ExpireBooking(ctx context.Context, bookingID string, now time.Time) (bool, error)
}

// NewServer returns an asynq server consuming QueueName.
func NewServer(opt asynq.RedisClientOpt, concurrency int, log *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	cfg := asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
	}
	if log != nil {
		cfg.Logger = log.Named("asynq").Sugar()
	}
	return asynq.NewServer(opt, cfg)
}

// NewMux routes expiry tasks to e.
func NewMux(e Expirer, log *zap.Logger, now func() time.Time) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireBooking, HandleExpireBooking(e, log, now))
	return mux
}

// HandleExpireBooking expires the booking named in the task payload.
// Bookings already paid, cancelled or gone are skipped without error.
// A malformed payload is not retried.
func HandleExpireBooking(e Expirer, log *zap.Logger, now func() time.Time) asynq.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, task *asynq.Task) error {
		var p ExpirePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil || p.BookingID == "" {
			log.Error("invalid expiry payload", zap.ByteString("payload", task.Payload()), zap.Error(err))
			return fmt.Errorf("invalid expiry payload: %w", asynq.SkipRetry)
		}
		expired, err := e.ExpireBooking(ctx, p.BookingID, now().UTC())
		if err != nil {
			log.Warn("expire booking failed", zap.String("booking_id", p.BookingID), zap.Error(err))
			return err
		}
		if expired {
			log.Info("booking expired", zap.String("booking_id", p.BookingID))
		}
		return nil
	}
}
