// Package commitlog provides the message store the delay service reads
// bodies from and publishes due messages into.
//
// The broker commit log is outside this module; these implementations stand
// in for it so the delay store can run as a standalone process:
//
//	Pebble  durable, one key per message and per re-published message
//	Memory  in-process, for tests and embedding
package commitlog

import (
	"context"
	"errors"

	"github.com/WuJingLearn/rocketmq/internal/delay"
)

var (
	// ErrNotFound means no message is stored at the requested offset.
	ErrNotFound = errors.New("commit log offset not found")

	// ErrClosed means the store was closed.
	ErrClosed = errors.New("commit log is closed")

	// ErrEmptyMessage means an append carried no bytes.
	ErrEmptyMessage = errors.New("empty message")
)

// ReadyMessage is a due message that was re-published for normal delivery.
type ReadyMessage struct {
	Seq          uint64 `json:"seq"`
	Subject      string `json:"subject"`
	MessageID    string `json:"message_id"`
	ScheduleTime int64  `json:"schedule_time"`
	PublishedAt  int64  `json:"published_at"`
	Payload      []byte `json:"payload"`
}

// Store is a commit log that also receives re-published messages.
type Store interface {
	delay.CommitLog
	delay.Publisher

	// Append stores body and returns its commit log offset.
	Append(ctx context.Context, body []byte) (int64, error)

	// Ready lists re-published messages with Seq >= from, oldest first.
	Ready(from uint64, limit int) ([]ReadyMessage, error)

	Close() error
}

var (
	_ Store = (*Pebble)(nil)
	_ Store = (*Memory)(nil)
)
