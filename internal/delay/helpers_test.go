package delay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/storage"
	"github.com/WuJingLearn/rocketmq/internal/wheel"
)

// testEpoch sits 10s into a minute bucket.
var testEpoch = time.UnixMilli(1_700_000_010_000)

// =============================================================================
// FAKE COLLABORATORS
// =============================================================================

type memCommitLog struct {
	mu   sync.Mutex
	data map[int64][]byte
	next int64
}

func newMemCommitLog() *memCommitLog {
	return &memCommitLog{data: make(map[int64][]byte)}
}

func (m *memCommitLog) put(payload []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := m.next
	m.data[off] = payload
	m.next += int64(len(payload))
	return off
}

func (m *memCommitLog) Read(_ context.Context, offset int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[offset]
	if !ok {
		return nil, fmt.Errorf("no message at commit log offset %d", offset)
	}
	return b, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	msgs     []DueMessage
	attempts atomic.Int32
	failures atomic.Int32
}

func (p *recordingPublisher) Publish(_ context.Context, msg DueMessage) error {
	p.attempts.Add(1)
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return errors.New("broker unavailable")
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) published() []DueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DueMessage(nil), p.msgs...)
}

// =============================================================================
// HELPERS
// =============================================================================

func testServiceConfig(dir string, clock wheel.Clock) Config {
	cfg := DefaultConfig(dir)
	cfg.SegmentScale = time.Minute
	cfg.TickInterval = 20 * time.Millisecond
	cfg.LookAhead = 10 * time.Second
	cfg.LookBehind = 5 * time.Second
	cfg.LoadInterval = 20 * time.Millisecond
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.DispatchFlushInterval = 20 * time.Millisecond
	cfg.CleanInterval = time.Hour
	cfg.Workers = 2
	cfg.RetryDelay = time.Second
	cfg.Clock = clock
	return cfg
}

func openTestFacade(t *testing.T, dir string) *LogFacade {
	t.Helper()
	f, err := OpenLogFacade(FacadeConfig{
		ScheduleLogDir:     filepath.Join(dir, "schedule"),
		DispatchLogDir:     filepath.Join(dir, "dispatch"),
		SegmentScale:       time.Minute,
		SingleMessageLimit: 1024,
	})
	if err != nil {
		t.Fatalf("OpenLogFacade failed: %v", err)
	}
	if err := f.Reconcile(Checkpoint{}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func appendAt(t *testing.T, f *LogFacade, scheduleTime int64, id string) storage.ScheduleIndex {
	t.Helper()
	res := f.AppendScheduleLog(storage.NewLogRecord("orders", id, scheduleTime, 0, []byte("payload-"+id)))
	if !res.OK() {
		t.Fatalf("append %s failed: %s %v", id, res.Status, res.Result.Err)
	}
	return res.Data()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func delayRequest(commitLog *memCommitLog, id string, storeTs int64, delaySecs int) DispatchRequest {
	off := commitLog.put([]byte("body-" + id))
	return DispatchRequest{
		Topic:              "orders",
		UniqKey:            id,
		StoreTimestamp:     storeTs,
		ConsumeQueueOffset: 7,
		CommitLogOffset:    off,
		Properties:         map[string]string{PropertyDelay: fmt.Sprint(delaySecs)},
	}
}
