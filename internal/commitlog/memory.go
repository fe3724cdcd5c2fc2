package commitlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/delay"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	bodies map[int64][]byte
	next   int64
	ready  []ReadyMessage
	closed bool
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{bodies: make(map[int64][]byte)}
}

func (m *Memory) Append(_ context.Context, body []byte) (int64, error) {
	if len(body) == 0 {
		return 0, ErrEmptyMessage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	off := m.next
	m.bodies[off] = append([]byte(nil), body...)
	m.next += int64(len(body))
	return off, nil
}

func (m *Memory) Read(_ context.Context, offset int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	b, ok := m.bodies[offset]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, offset)
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Publish(_ context.Context, msg delay.DueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.ready = append(m.ready, ReadyMessage{
		Seq:          uint64(len(m.ready) + 1),
		Subject:      msg.Subject,
		MessageID:    msg.MessageID,
		ScheduleTime: msg.ScheduleTime,
		PublishedAt:  time.Now().UnixMilli(),
		Payload:      append([]byte(nil), msg.Payload...),
	})
	return nil
}

func (m *Memory) Ready(from uint64, limit int) ([]ReadyMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []ReadyMessage
	for _, r := range m.ready {
		if r.Seq < from {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
