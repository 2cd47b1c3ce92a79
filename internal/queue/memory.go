package queue

import (
	"context"
	"fmt"
	"sync/atomic"
)

const defaultBuffer = 256

// Memory is a process-local FIFO. Close stops new puts; buffered items drain
// before Get starts reporting ok=false.
type Memory struct {
	items  chan map[string]any
	closed atomic.Bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{items: make(chan map[string]any, buffer)}
}

func (q *Memory) Put(item map[string]any) error {
	if q.closed.Load() {
		return fmt.Errorf("queue is closed")
	}
	select {
	case q.items <- item:
		return nil
	default:
		return fmt.Errorf("queue is full")
	}
}

func (q *Memory) Get(ctx context.Context) (map[string]any, bool) {
	select {
	case item, ok := <-q.items:
		if !ok {
			return nil, false
		}
		return item, true
	case <-ctx.Done():
		return nil, false
	}
}

func (q *Memory) Close() error {
	if q.closed.Swap(true) {
		return fmt.Errorf("queue already closed")
	}
	close(q.items)
	return nil
}
