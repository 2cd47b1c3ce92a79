// Package queue transports task key dicts from the producer to the consumer.
// The in-memory backend serves single-process deployments; RabbitMQ serves
// split producer/consumer processes.
package queue

import (
	"context"
	"fmt"

	"github.com/notfolder/coding-agent/internal/config"
	"github.com/notfolder/coding-agent/internal/logging"
)

// Queue is a FIFO of task key dicts. Get blocks until a message arrives or
// the context ends; ok=false means shutdown, not an empty queue.
type Queue interface {
	Put(item map[string]any) error
	Get(ctx context.Context) (map[string]any, bool)
	Close() error
}

// New builds the backend the config selects.
func New(cfg config.QueueConfig, logger logging.Logger) (Queue, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMQ(cfg.RabbitMQ, logger)
	case "", "memory":
		return NewMemory(0), nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
	}
}
