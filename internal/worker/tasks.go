// Package worker schedules and runs delayed booking expiry through asynq.
// The periodic sweeper in package booking stays the safety net; these
// tasks only make expiry prompt.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/iliyamo/bus-seat-booking/internal/config"
)

// TypeExpireBooking is the asynq task type for a single booking expiry.
const TypeExpireBooking = "booking:expire"

// QueueName is the asynq queue expiry tasks run on.
const QueueName = "booking"

// ExpirePayload is the body of a TypeExpireBooking task.
type ExpirePayload struct {
	BookingID string    `json:"booking_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewExpireBookingTask builds the task and its options.  The task ID is
// derived from the booking so re-scheduling the same booking is a no-op.
func NewExpireBookingTask(bookingID string, at time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(ExpirePayload{BookingID: bookingID, ExpiresAt: at.UTC()})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeExpireBooking, b)
	opts := []asynq.Option{
		asynq.ProcessAt(at),
		asynq.TaskID("expire:" + bookingID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(5),
		asynq.Retention(time.Hour),
	}
	return task, opts, nil
}

// RedisOpt returns the asynq connection options for c.
func RedisOpt(c config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.QueueDB,
		TLSConfig: c.TLSConfig(),
	}
}

// AsynqScheduler enqueues expiry tasks.  It satisfies booking.Scheduler.
type AsynqScheduler struct {
	client *asynq.Client
}

// NewAsynqScheduler wraps an asynq client.
func NewAsynqScheduler(client *asynq.Client) *AsynqScheduler {
	return &AsynqScheduler{client: client}
}

// ScheduleExpiry enqueues an expiry task firing at at.  A task already
// queued for the booking counts as success.
func (s *AsynqScheduler) ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error {
	task, opts, err := NewExpireBookingTask(bookingID, at)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue expiry for %s: %w", bookingID, err)
	}
	return nil
}
