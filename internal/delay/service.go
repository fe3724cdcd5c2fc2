// =============================================================================
// DELAY MESSAGE SERVICE - ORCHESTRATION
// =============================================================================
//
// The service owns the schedule log, the dispatch log, the checkpoint store
// and the timing wheel, and runs the background tasks around them.
//
// LIFECYCLE (forward only):
//
//   Created ──Start──► Started ──Shutdown──► Shutdown
//
// START:
//   1. load checkpoint (both copies unreadable -> fatal)
//   2. reconcile both logs against it (truncate torn tails)
//   3. seed dispatch progress, run the first load pass
//   4. start dispatcher, loader, wheel ticking
//   5. start periodic flush and cleaning
//
// SHUTDOWN (reverse):
//   stop cleaning, flush loops, loader, wheel -> drain dispatcher
//   -> final flush + checkpoint -> close files
//
// NEW MESSAGE:
//
//   DispatchRequest ──► commit log read ──► LogRecord ──► schedule log append
//                                                             │
//                              admission against load cursor ◄┘
//                              accepted -> wheel, stale -> dispatcher,
//                              deferred -> loader picks it up later
//
// =============================================================================

package delay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/checkpoint"
	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/storage"
	"github.com/WuJingLearn/rocketmq/internal/wheel"
)

// =============================================================================
// CONFIG
// =============================================================================

// Config holds every delay store setting.
type Config struct {
	ScheduleLogDir string
	DispatchLogDir string
	CheckpointDir  string

	// SegmentScale is the width of one schedule log bucket.
	SegmentScale time.Duration

	// SingleMessageLimit caps one encoded payload in bytes.
	SingleMessageLimit int

	// DispatchLogKeepTime is how long dispatch segments outlive their bucket.
	DispatchLogKeepTime time.Duration

	// CheckCleanTimeBeforeDispatch is extra retention for schedule segments
	// that still hold undispatched records.
	CheckCleanTimeBeforeDispatch time.Duration

	// FlushInterval drives schedule log flush and checkpoint saves.
	FlushInterval time.Duration

	// DispatchFlushInterval drives dispatch log flush.
	DispatchFlushInterval time.Duration

	// CleanInterval drives progress tracking and retention.
	CleanInterval time.Duration

	CheckpointCompression bool

	TickInterval time.Duration
	LookAhead    time.Duration
	LookBehind   time.Duration
	LoadInterval time.Duration

	Workers    int
	RetryDelay time.Duration

	Clock   wheel.Clock
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// DefaultConfig lays the store out under baseDir with one-hour buckets.
func DefaultConfig(baseDir string) Config {
	return Config{
		ScheduleLogDir:               filepath.Join(baseDir, "schedule_log"),
		DispatchLogDir:               filepath.Join(baseDir, "dispatch_log"),
		CheckpointDir:                filepath.Join(baseDir, "checkpoint"),
		SegmentScale:                 time.Hour,
		SingleMessageLimit:           4 * 1024 * 1024,
		DispatchLogKeepTime:          72 * time.Hour,
		CheckCleanTimeBeforeDispatch: 24 * time.Hour,
		FlushInterval:                time.Second,
		DispatchFlushInterval:        500 * time.Millisecond,
		CleanInterval:                time.Minute,
		TickInterval:                 500 * time.Millisecond,
		LookAhead:                    2 * time.Minute,
		LookBehind:                   time.Minute,
		LoadInterval:                 time.Second,
		Workers:                      4,
		RetryDelay:                   time.Second,
		Clock:                        wheel.SystemClock{},
	}
}

// =============================================================================
// SERVICE
// =============================================================================

// Service is the delayed message store.
type Service struct {
	cfg       Config
	commitLog CommitLog
	publisher Publisher

	// lifecycle serializes Start and Shutdown.
	lifecycle sync.Mutex
	state     atomic.Int32

	facade      *LogFacade
	checkpoints *checkpoint.Store[Checkpoint]
	wheel       *wheel.TimingWheel
	loader      *Loader
	dispatcher  *Dispatcher
	flusher     *Flusher
	cleaner     *Cleaner

	sequence atomic.Int64

	clock   wheel.Clock
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewService builds a service in the Created state. Nothing touches disk
// until Start.
func NewService(cfg Config, commitLog CommitLog, publisher Publisher) (*Service, error) {
	if commitLog == nil {
		return nil, errors.New("delay service needs a commit log")
	}
	if publisher == nil {
		return nil, errors.New("delay service needs a publisher")
	}
	if cfg.Clock == nil {
		cfg.Clock = wheel.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		commitLog: commitLog,
		publisher: publisher,
		clock:     cfg.Clock,
		logger:    logger.With("component", "delay_service"),
		metrics:   cfg.Metrics,
	}, nil
}

// State returns the lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Start opens and recovers both logs, loads the wheel and starts every
// background task. Recovery completes before any append or tick.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != StateCreated {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, st)
	}
	start := time.Now()

	if err := s.open(ctx); err != nil {
		s.closeAfterFailedStart()
		return err
	}

	s.loader.Start()
	if err := s.wheel.Start(); err != nil {
		s.closeAfterFailedStart()
		return err
	}
	s.flusher.Start()
	s.cleaner.Start()

	s.state.Store(int32(StateStarted))
	s.logger.Info("delay service started",
		"schedule_segments", len(s.facade.Schedule().BaseOffsets()),
		"dispatch_segments", len(s.facade.Dispatch().BaseOffsets()),
		"pending", s.wheel.Size(),
		"duration", time.Since(start).String(),
	)
	return nil
}

func (s *Service) open(ctx context.Context) error {
	cfg := s.cfg
	reg := s.metrics
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}

	store, err := checkpoint.NewStore[Checkpoint](checkpoint.Config{
		Dir:     cfg.CheckpointDir,
		Name:    CheckpointName,
		Logger:  base,
		Metrics: reg.CheckpointMetrics(),
	}, NewCheckpointSerde(cfg.CheckpointCompression))
	if err != nil {
		return err
	}
	s.checkpoints = store

	cp, found, err := store.Load()
	if err != nil {
		return err
	}
	if !found {
		s.logger.Info("no checkpoint, every segment is validated from scratch")
	}

	facade, err := OpenLogFacade(FacadeConfig{
		ScheduleLogDir:     cfg.ScheduleLogDir,
		DispatchLogDir:     cfg.DispatchLogDir,
		SegmentScale:       cfg.SegmentScale,
		SingleMessageLimit: cfg.SingleMessageLimit,
		Logger:             base,
		Metrics:            reg.StorageMetrics(),
	})
	if err != nil {
		return err
	}
	s.facade = facade

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := facade.Reconcile(cp); err != nil {
		return err
	}

	s.cleaner = NewCleaner(CleanerConfig{
		KeepTime:            cfg.DispatchLogKeepTime,
		CheckBeforeDispatch: cfg.CheckCleanTimeBeforeDispatch,
		Interval:            cfg.CleanInterval,
		Clock:               s.clock,
		Logger:              base,
	}, facade)
	s.cleaner.Restore(cp)

	s.dispatcher = NewDispatcher(DispatcherConfig{
		Workers:    cfg.Workers,
		RetryDelay: cfg.RetryDelay,
		Clock:      s.clock,
		Logger:     base,
		Metrics:    reg.DispatchMetrics(),
	}, facade, s.publisher)

	w, err := wheel.New(wheel.Config{
		TickInterval: cfg.TickInterval,
		SegmentScale: cfg.SegmentScale,
		LookAhead:    cfg.LookAhead,
		LookBehind:   cfg.LookBehind,
		Dispatch:     s.dispatcher.Dispatch,
		Clock:        s.clock,
		Logger:       base,
		Metrics:      reg.WheelMetrics(),
	})
	if err != nil {
		return err
	}
	s.wheel = w
	s.dispatcher.SetRetry(w.Retry)

	s.loader = NewLoader(LoaderConfig{
		Facade:     facade,
		Wheel:      w,
		Dispatch:   s.dispatcher.Dispatch,
		ReplayFrom: s.cleaner.ReplayFrom,
		Clock:      s.clock,
		LookAhead:  cfg.LookAhead,
		LookBehind: cfg.LookBehind,
		Interval:   cfg.LoadInterval,
		Logger:     base,
		Metrics:    reg.WheelMetrics(),
	})
	s.loader.Advance(s.clock.Now())

	s.flusher = NewFlusher(facade, store, s.snapshot, cfg.FlushInterval, cfg.DispatchFlushInterval, base)
	return nil
}

func (s *Service) closeAfterFailedStart() {
	if s.dispatcher != nil {
		s.dispatcher.StopAccepting()
	}
	if s.loader != nil {
		s.loader.Stop()
	}
	if s.wheel != nil {
		s.wheel.Close()
	}
	if s.dispatcher != nil {
		s.dispatcher.Close(context.Background())
	}
	if s.facade != nil {
		s.facade.Close()
	}
	s.state.Store(int32(StateShutdown))
}

// Shutdown stops every task, drains the dispatcher, saves a final checkpoint
// and closes the logs. ctx bounds the dispatcher drain; once it ends,
// in-flight publishes are cancelled and the final checkpoint still runs.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != StateStarted {
		if st == StateShutdown {
			return nil
		}
		return fmt.Errorf("%w: shutdown in state %s", ErrInvalidState, st)
	}
	s.state.Store(int32(StateShutdown))

	// Loader and wheel goroutines may sit in Submit on a full queue.
	s.dispatcher.StopAccepting()
	s.cleaner.Stop()
	s.flusher.Stop()
	s.loader.Stop()
	s.wheel.Close()

	var errs []error
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
	}
	if err := s.flusher.FlushAndCheckpoint(); err != nil {
		errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := s.facade.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("delay service stopped")
	return errors.Join(errs...)
}

// =============================================================================
// NEW MESSAGES
// =============================================================================

// BuildScheduleLog persists a delayed message and hands its index on. The
// returned result carries the append status; err is non-nil whenever the
// message was not scheduled, in which case the wheel is untouched.
func (s *Service) BuildScheduleLog(ctx context.Context, req DispatchRequest) (storage.RecordResult[storage.ScheduleIndex], error) {
	var none storage.RecordResult[storage.ScheduleIndex]
	switch s.State() {
	case StateCreated:
		return none, ErrNotStarted
	case StateShutdown:
		return none, ErrServiceShutdown
	}

	scheduleTime, err := req.ScheduleTime()
	if err != nil {
		return none, err
	}
	payload, err := s.commitLog.Read(ctx, req.CommitLogOffset)
	if err != nil {
		s.logger.Error("failed to read message from commit log",
			"topic", req.Topic,
			"commit_log_offset", req.CommitLogOffset,
			"error", err,
		)
		return none, fmt.Errorf("read commit log at %d: %w", req.CommitLogOffset, err)
	}

	rec := storage.NewLogRecord(req.Topic, req.UniqKey, scheduleTime, req.ConsumeQueueOffset, payload)
	res, admission := s.loader.AppendAndAdmit(rec)
	if !res.OK() {
		s.logger.Error("failed to append schedule log",
			"topic", req.Topic,
			"uniq_key", req.UniqKey,
			"schedule_time", scheduleTime,
			"status", res.Status.String(),
			"error", res.Result.Err,
		)
		return res, fmt.Errorf("%w: %s: %v", ErrAppendFailed, res.Status, res.Result.Err)
	}

	s.logger.Debug("scheduled message",
		"topic", req.Topic,
		"uniq_key", req.UniqKey,
		"schedule_time", scheduleTime,
		"offset", res.Data().Offset,
		"admission", admission.String(),
	)
	return res, nil
}

// Schedule stores payload directly, bypassing the commit log. Used by the
// admin API.
func (s *Service) Schedule(subject, messageID string, scheduleTime int64, payload []byte) (storage.RecordResult[storage.ScheduleIndex], error) {
	var none storage.RecordResult[storage.ScheduleIndex]
	if s.State() != StateStarted {
		return none, ErrNotStarted
	}
	rec := storage.NewLogRecord(subject, messageID, scheduleTime, s.sequence.Add(1), payload)
	res, _ := s.loader.AppendAndAdmit(rec)
	if !res.OK() {
		return res, fmt.Errorf("%w: %s: %v", ErrAppendFailed, res.Status, res.Result.Err)
	}
	return res, nil
}

// =============================================================================
// INSPECTION
// =============================================================================

func (s *Service) snapshot() Checkpoint {
	upTo, watermark := s.cleaner.Progress()
	cp := Checkpoint{
		ScheduleOffsets:     s.facade.Schedule().FlushedOffsets(),
		DispatchOffsets:     s.facade.Dispatch().FlushedOffsets(),
		DispatchedUpTo:      upTo,
		DispatchedWatermark: watermark,
		SavedAt:             s.clock.Now().UnixMilli(),
	}
	if floor := s.facade.Schedule().CleanFloor(); floor != math.MinInt64 {
		cp.ScheduleCleanFloor = &floor
	}
	return cp
}

// Stats is a point-in-time view of the service.
type Stats struct {
	State               string          `json:"state"`
	ScheduleSegments    map[int64]int64 `json:"schedule_segments"`
	DispatchSegments    map[int64]int64 `json:"dispatch_segments"`
	DispatchedUpTo      map[int64]int64 `json:"dispatched_up_to"`
	DispatchedWatermark int64           `json:"dispatched_watermark"`
	Wheel               wheel.Stats     `json:"wheel"`
	InFlight            int             `json:"in_flight"`
}

// Stats returns service statistics. Only State is set before Start.
func (s *Service) Stats() Stats {
	st := Stats{State: s.State().String()}
	if s.State() != StateStarted {
		return st
	}
	st.ScheduleSegments = s.facade.Schedule().CountSegments()
	st.DispatchSegments = s.facade.Dispatch().CountSegments()
	st.DispatchedUpTo, st.DispatchedWatermark = s.cleaner.Progress()
	st.Wheel = s.wheel.Stats()
	st.InFlight = s.dispatcher.InFlight()
	return st
}

// Logs returns the log facade, nil before Start.
func (s *Service) Logs() *LogFacade {
	return s.facade
}

// Wheel returns the timing wheel, nil before Start.
func (s *Service) Wheel() *wheel.TimingWheel {
	return s.wheel
}

// Loader returns the wheel loader, nil before Start.
func (s *Service) Loader() *Loader {
	return s.loader
}

// Cleaner returns the retention task, nil before Start.
func (s *Service) Cleaner() *Cleaner {
	return s.cleaner
}

// Checkpoint flushes both logs and saves a checkpoint now.
func (s *Service) Checkpoint() error {
	if s.State() != StateStarted {
		return ErrNotStarted
	}
	return s.flusher.FlushAndCheckpoint()
}
