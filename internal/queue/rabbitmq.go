package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
)

// RabbitMQ is a durable queue shared by separate producer and consumer
// processes. Messages are persistent; a delivery is acknowledged once it
// decodes, so crash recovery rides on the task database, not redelivery.
type RabbitMQ struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery
	logger     logging.Logger
}

func NewRabbitMQ(cfg config.RabbitMQConfig, logger logging.Logger) (*RabbitMQ, error) {
	// The URL embeds credentials; error text sticks to host and port.
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch on %s: %w", cfg.Queue, err)
	}
	return &RabbitMQ{conn: conn, ch: ch, name: cfg.Queue, logger: logging.OrNop(logger)}, nil
}

func (q *RabbitMQ) Put(item map[string]any) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	err = q.ch.PublishWithContext(context.Background(), "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}
	return nil
}

func (q *RabbitMQ) Get(ctx context.Context) (map[string]any, bool) {
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
		if err != nil {
			q.logger.Error("consume %s: %v", q.name, err)
			return nil, false
		}
		q.deliveries = deliveries
	}
	for {
		select {
		case d, ok := <-q.deliveries:
			if !ok {
				q.logger.Warn("rabbitmq delivery channel closed")
				return nil, false
			}
			var item map[string]any
			if err := json.Unmarshal(d.Body, &item); err != nil {
				q.logger.Warn("dropping malformed queue message: %v", err)
				if err := d.Reject(false); err != nil {
					q.logger.Warn("reject queue message: %v", err)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				q.logger.Warn("ack queue message: %v", err)
			}
			return item, true
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *RabbitMQ) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}
