package delay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/storage"
	"github.com/WuJingLearn/rocketmq/internal/wheel"
)

// ErrDispatcherClosed means the dispatcher no longer accepts work.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Workers is the number of concurrent publishers.
	Workers int

	// QueueSize bounds the number of due indices waiting for a worker.
	QueueSize int

	// RetryDelay is how long a failed publish waits before the next attempt.
	RetryDelay time.Duration

	Clock   wheel.Clock
	Logger  *slog.Logger
	Metrics *metrics.DispatchMetrics
}

// DefaultDispatcherConfig returns 4 workers and a 1s retry delay.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:    4,
		QueueSize:  1024,
		RetryDelay: time.Second,
		Clock:      wheel.SystemClock{},
	}
}

// Dispatcher publishes due entries with a bounded worker pool.
//
// Per index:
//
//	IsDispatched  -> skip
//	Recover       -> read the record from the schedule log
//	Publish       -> hand it to the publisher
//	AppendDispatched
//
// A failed publish is re-slotted in the wheel. The same index is never in
// flight twice.
type Dispatcher struct {
	facade    *LogFacade
	publisher Publisher
	retry     func(storage.ScheduleIndex, time.Time) error

	retryDelay time.Duration
	clock      wheel.Clock

	// mu guards closed against Submit racing Close.
	mu     sync.RWMutex
	closed bool
	queue  chan storage.ScheduleIndex

	inflightMu sync.Mutex
	inflight   map[storage.ScheduleIndex]struct{}

	// ctx is handed to Publish; cancelled when a Close deadline passes.
	ctx    context.Context
	cancel context.CancelFunc

	// accepting ends when StopAccepting or Close runs and unblocks Submit.
	accepting  context.Context
	stopAccept context.CancelFunc

	wg sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.DispatchMetrics
}

// NewDispatcher starts the worker pool.
func NewDispatcher(cfg DispatcherConfig, facade *LogFacade, publisher Publisher) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if cfg.Clock == nil {
		cfg.Clock = wheel.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	accepting, stopAccept := context.WithCancel(context.Background())
	d := &Dispatcher{
		facade:     facade,
		publisher:  publisher,
		retryDelay: cfg.RetryDelay,
		clock:      cfg.Clock,
		queue:      make(chan storage.ScheduleIndex, cfg.QueueSize),
		inflight:   make(map[storage.ScheduleIndex]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		accepting:  accepting,
		stopAccept: stopAccept,
		logger:     logger.With("component", "dispatcher"),
		metrics:    cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// SetRetry installs where failed publishes go. Usually TimingWheel.Retry.
func (d *Dispatcher) SetRetry(retry func(storage.ScheduleIndex, time.Time) error) {
	d.retry = retry
}

// Submit queues index for publishing. It blocks while the queue is full and
// drops indices that are already in flight. Once StopAccepting runs it
// returns ErrDispatcherClosed without queueing.
func (d *Dispatcher) Submit(index storage.ScheduleIndex) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.accepting.Err() != nil {
		return ErrDispatcherClosed
	}

	d.inflightMu.Lock()
	if _, ok := d.inflight[index]; ok {
		d.inflightMu.Unlock()
		return nil
	}
	d.inflight[index] = struct{}{}
	d.inflightMu.Unlock()

	select {
	case d.queue <- index:
		return nil
	case <-d.accepting.Done():
		d.release(index)
		return ErrDispatcherClosed
	}
}

// StopAccepting makes every pending and future Submit return
// ErrDispatcherClosed. Queued indices still get published. Call it before
// stopping whatever feeds Submit, so those goroutines cannot stay blocked on
// a full queue.
func (d *Dispatcher) StopAccepting() {
	d.stopAccept()
}

// Dispatch is Submit for use as a wheel dispatch function.
func (d *Dispatcher) Dispatch(index storage.ScheduleIndex) {
	if err := d.Submit(index); err != nil {
		d.logger.Debug("due entry not queued", "schedule_time", index.ScheduleTime, "offset", index.Offset, "error", err)
	}
}

// InFlight returns the number of queued or publishing indices.
func (d *Dispatcher) InFlight() int {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	return len(d.inflight)
}

// Close stops accepting work and waits for queued indices to finish. When ctx
// ends first, in-flight publishes are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopAccept()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for index := range d.queue {
		d.process(index)
		d.release(index)
	}
}

func (d *Dispatcher) release(index storage.ScheduleIndex) {
	d.inflightMu.Lock()
	delete(d.inflight, index)
	d.inflightMu.Unlock()
}

func (d *Dispatcher) process(index storage.ScheduleIndex) {
	if d.facade.IsDispatched(index) {
		d.metrics.RecordOutcome(metrics.DispatchSkipped)
		return
	}

	rec, err := d.facade.Recover(index)
	if err != nil {
		d.logger.Error("failed to recover scheduled record",
			"schedule_time", index.ScheduleTime,
			"offset", index.Offset,
			"error", err,
		)
		d.metrics.RecordOutcome(metrics.DispatchLost)
		return
	}

	msg := DueMessage{
		Subject:      rec.Subject,
		MessageID:    rec.MessageID,
		ScheduleTime: rec.ScheduleTime,
		BaseOffset:   rec.BaseOffset,
		Offset:       rec.Offset,
		Sequence:     rec.Sequence,
		Payload:      rec.Payload,
	}

	start := time.Now()
	if err := d.publisher.Publish(d.ctx, msg); err != nil {
		d.metrics.RecordOutcome(metrics.DispatchFailed)
		d.logger.Warn("publish failed, retrying later",
			"subject", msg.Subject,
			"message_id", msg.MessageID,
			"retry_delay", d.retryDelay.String(),
			"error", err,
		)
		if d.retry != nil {
			if err := d.retry(index, d.clock.Now().Add(d.retryDelay)); err != nil {
				d.logger.Warn("retry not scheduled, entry reloads on restart", "offset", index.Offset, "error", err)
			}
		}
		return
	}
	d.metrics.RecordPublish(time.Since(start), d.clock.Now().Sub(time.UnixMilli(msg.ScheduleTime)))

	if res := d.facade.AppendDispatched(index); !res.OK() {
		// Published but unmarked: redelivered after a restart.
		d.logger.Error("failed to write dispatch marker",
			"subject", msg.Subject,
			"message_id", msg.MessageID,
			"status", res.Status.String(),
			"error", res.Result.Err,
		)
		d.metrics.RecordOutcome(metrics.DispatchFailed)
		return
	}
	d.metrics.RecordOutcome(metrics.DispatchPublished)
}
