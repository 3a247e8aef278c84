// Package service holds outbound adapters used by the booking lifecycle.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
)

// QueuePublisher publishes booking events to RabbitMQ.  It keeps one
// connection and channel open and re-dials after either is closed.
// Messages are persistent and go to the default exchange with the queue
// name as routing key.
type QueuePublisher struct {
	cfg config.QueueConfig
	log *zap.Logger
	now func() time.Time

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewQueuePublisher returns a publisher for cfg.  The broker is dialled
// lazily on the first publish.
func NewQueuePublisher(cfg config.QueueConfig, log *zap.Logger) *QueuePublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueuePublisher{cfg: cfg, log: log.Named("rabbitmq"), now: time.Now}
}

// Publish sends one booking event.  Errors are logged and returned so
// the caller can ignore them without losing the request.
func (p *QueuePublisher) Publish(ctx context.Context, eventType string, b model.Booking) error {
	if !p.cfg.Enabled {
		return nil
	}
	body, err := json.Marshal(queue.NewBookingEvent(eventType, b, p.now()))
	if err != nil {
		p.log.Error("marshal event failed", zap.Error(err))
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now().UTC(),
		Type:         eventType,
		MessageId:    b.ID + ":" + eventType,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.log.Warn("broker unavailable", zap.Error(err), zap.String("booking_id", b.ID))
		return err
	}
	if err := ch.PublishWithContext(ctx, "", p.cfg.Queue, false, false, msg); err != nil {
		p.log.Warn("publish failed", zap.Error(err), zap.String("event", eventType), zap.String("booking_id", b.ID))
		p.reset()
		return err
	}
	return nil
}

// channel returns the open channel, dialling and declaring the queue when
// needed.  p.mu must be held.
func (p *QueuePublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so events survive broker restarts.
	if _, err := ch.QueueDeclare(p.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *QueuePublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// Close releases the broker connection.
func (p *QueuePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
