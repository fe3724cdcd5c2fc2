package delay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/storage"
)

// LogFacade groups the schedule log and the dispatch log so the rest of the
// service never touches one without the other.
type LogFacade struct {
	schedule *storage.ScheduleLog
	dispatch *storage.DispatchLog

	messageLimit int
	logger       *slog.Logger
	metrics      *metrics.StorageMetrics
}

// FacadeConfig configures both logs.
type FacadeConfig struct {
	ScheduleLogDir     string
	DispatchLogDir     string
	SegmentScale       time.Duration
	SingleMessageLimit int
	Logger             *slog.Logger
	Metrics            *metrics.StorageMetrics
}

// OpenLogFacade opens both logs. Segments are loaded but not yet reconciled;
// call Reconcile before appending.
func OpenLogFacade(cfg FacadeConfig) (*LogFacade, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	schedule, err := storage.OpenScheduleLog(storage.ScheduleLogConfig{
		Dir:                cfg.ScheduleLogDir,
		SegmentScale:       cfg.SegmentScale,
		SingleMessageLimit: cfg.SingleMessageLimit,
		Logger:             logger,
		Metrics:            cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open schedule log: %w", err)
	}
	dispatch, err := storage.OpenDispatchLog(storage.DispatchLogConfig{
		Dir:          cfg.DispatchLogDir,
		SegmentScale: cfg.SegmentScale,
		Logger:       logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		schedule.Close()
		return nil, fmt.Errorf("open dispatch log: %w", err)
	}

	return &LogFacade{
		schedule:     schedule,
		dispatch:     dispatch,
		messageLimit: cfg.SingleMessageLimit,
		logger:       logger.With("component", "log_facade"),
		metrics:      cfg.Metrics,
	}, nil
}

// Reconcile brings both logs in line with a checkpoint. Schedule segments
// that disagree with their checkpointed offset are deep validated and
// truncated, dispatch segments are cut to whole markers. Markers pointing
// past the end of their schedule segment are reported; they can only come
// from a schedule tail lost in a crash. The saved clean floor is restored
// first so no append reopens a bucket retention already removed.
func (f *LogFacade) Reconcile(cp Checkpoint) error {
	if cp.ScheduleCleanFloor != nil {
		f.schedule.SetCleanFloor(*cp.ScheduleCleanFloor)
		f.logger.Info("restored schedule clean floor", "base_offset", *cp.ScheduleCleanFloor)
	}
	if err := f.schedule.ReValidate(cp.ScheduleOffsets, f.messageLimit); err != nil {
		return fmt.Errorf("revalidate schedule log: %w", err)
	}
	if err := f.dispatch.ReValidate(cp.DispatchOffsets); err != nil {
		return fmt.Errorf("revalidate dispatch log: %w", err)
	}

	for _, base := range f.dispatch.BaseOffsets() {
		wrote := int64(0)
		if seg, ok := f.schedule.Segment(base); ok {
			wrote = seg.WrotePosition()
		}
		sc, ok := f.dispatch.Scan(base, 0)
		if !ok {
			continue
		}
		dangling := 0
		for sc.Next() {
			if sc.ScheduleOffset() >= wrote {
				dangling++
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("scan dispatch segment %d: %w", base, err)
		}
		if dangling > 0 {
			f.logger.Warn("dispatch markers beyond schedule segment end",
				"base_offset", base,
				"schedule_wrote", wrote,
				"markers", dangling,
			)
		}
	}
	return nil
}

// =============================================================================
// DATA PATH
// =============================================================================

// AppendScheduleLog appends a record to the schedule log.
func (f *LogFacade) AppendScheduleLog(rec *storage.LogRecord) storage.RecordResult[storage.ScheduleIndex] {
	return f.schedule.AppendScheduleLog(rec)
}

// Recover reads the record an index points at.
func (f *LogFacade) Recover(index storage.ScheduleIndex) (*storage.ScheduleRecord, error) {
	return f.schedule.Recover(index)
}

// IsDispatched reports whether index has a dispatch marker.
func (f *LogFacade) IsDispatched(index storage.ScheduleIndex) bool {
	return f.dispatch.IsDispatched(index)
}

// AppendDispatched writes the dispatch marker for index.
func (f *LogFacade) AppendDispatched(index storage.ScheduleIndex) storage.RecordResult[int64] {
	return f.dispatch.AppendDispatched(index)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Schedule returns the schedule log.
func (f *LogFacade) Schedule() *storage.ScheduleLog {
	return f.schedule
}

// Dispatch returns the dispatch log.
func (f *LogFacade) Dispatch() *storage.DispatchLog {
	return f.dispatch
}

func (f *LogFacade) refreshSegmentGauges() {
	f.metrics.SetSegments(metrics.LogSchedule, len(f.schedule.BaseOffsets()))
	f.metrics.SetSegments(metrics.LogDispatch, len(f.dispatch.BaseOffsets()))
}

// =============================================================================
// FLUSH / CLOSE
// =============================================================================

// FlushSchedule fsyncs the schedule log.
func (f *LogFacade) FlushSchedule() error {
	return f.schedule.Flush()
}

// FlushDispatch fsyncs the dispatch log.
func (f *LogFacade) FlushDispatch() error {
	return f.dispatch.Flush()
}

// Close flushes and closes both logs.
func (f *LogFacade) Close() error {
	var errs []error
	if err := f.dispatch.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := f.schedule.Flush(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, f.dispatch.Close(), f.schedule.Close())
	return errors.Join(errs...)
}
