package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventPublisher fans queue events out on a RabbitMQ exchange so external
// dashboards can follow entries without touching the database.
type EventPublisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	logger   *slog.Logger

	mu sync.Mutex // amqp channels are not safe for concurrent publishing
}

var _ queue.Observer = (*EventPublisher)(nil)

func NewEventPublisher(url, exchange string, logger *slog.Logger) (*EventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := NewEventPublisherWithChannel(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func NewEventPublisherWithChannel(ch Channel, exchange string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{ch: ch, exchange: exchange, logger: logger.With("subsystem", "event_publisher")}
}

func (p *EventPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Observe publishes e. Failures are logged and never reach the queue.
func (p *EventPublisher) Observe(ctx context.Context, e queue.Event) {
	if err := p.Publish(ctx, e); err != nil {
		p.logger.Warn("publish queue event", "kind", e.Kind, "job_id", e.JobID, "error", err)
	}
}

func (p *EventPublisher) Publish(ctx context.Context, e queue.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(cctx,
		p.exchange,
		string(e.Kind), // routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Type:        string(e.Kind),
			Body:        body,
			Timestamp:   e.At,
		},
	)
}
