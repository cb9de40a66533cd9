package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ugc/server/internal/model"

	"github.com/rabbitmq/amqp091-go"
)

const exchangeType = "topic"

// Notifier forwards job lifecycle events outside the process.
type Notifier interface {
	Notify(ctx context.Context, evt model.JobEvent) error
	Close() error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, model.JobEvent) error { return nil }

func (NopNotifier) Close() error { return nil }

// AMQPNotifier publishes events to a durable topic exchange with routing key
// "job.<event type>".
type AMQPNotifier struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
}

func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	n, err := NewAMQPNotifier(conn, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return n, nil
}

func NewAMQPNotifier(conn *amqp091.Connection, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
	}
	logger.Info("job event exchange declared", "exchange", exchange, "type", exchangeType)
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

func RoutingKey(t model.JobEventType) string {
	return "job." + string(t)
}

func (n *AMQPNotifier) Notify(ctx context.Context, evt model.JobEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.ch.PublishWithContext(ctx,
		n.exchange,
		RoutingKey(evt.Type),
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     evt.EventID,
			CorrelationId: evt.TraceID,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		n.logger.Error("failed to publish job event", "job_id", evt.JobID, "type", evt.Type, "error", err)
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	n.logger.Debug("job event published", "job_id", evt.JobID, "type", evt.Type)
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	if n.ch != nil {
		firstErr = n.ch.Close()
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
