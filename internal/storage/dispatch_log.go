// =============================================================================
// DISPATCH LOG - WHAT WAS ALREADY HANDED TO THE PUBLISHER
// =============================================================================
//
// For every schedule segment there is (eventually) a dispatch segment with the
// same base offset. Each dispatched record adds one 8-byte marker holding its
// schedule offset:
//
//   schedule/1700000000000:  [rec@0][rec@61][rec@140][rec@203]
//   dispatch/1700000000000:  [0][140][61]
//                             └─ rec@0, rec@140 and rec@61 were published
//
// Markers are appended in dispatch order, not schedule order. On load the file
// is scanned to rebuild an in-memory set so IsDispatched is a map lookup.
//
// A marker only says "published at least once". Publish happens first, the
// marker second, so a crash in between re-publishes on restart.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
)

// DispatchLogConfig configures a DispatchLog.
type DispatchLogConfig struct {
	Dir          string
	SegmentScale time.Duration

	// Validator defaults to StructuralValidator (whole markers).
	Validator SegmentValidator

	Logger  *slog.Logger
	Metrics *metrics.StorageMetrics
}

// SegmentBuffer is a slice of raw dispatch log data.
type SegmentBuffer struct {
	BaseOffset  int64
	StartOffset int64
	Data        []byte
}

// DispatchLog is the segment container of dispatch markers.
type DispatchLog struct {
	dir   string
	scale int64

	segments *segmentMap[*DispatchSegment]
	lock     *dirLock
	closed   atomic.Bool

	logger  *slog.Logger
	metrics *metrics.StorageMetrics
}

// OpenDispatchLog opens (or creates) the log in cfg.Dir, loads every segment
// and rebuilds the dispatched sets.
func OpenDispatchLog(cfg DispatchLogConfig) (*DispatchLog, error) {
	if cfg.SegmentScale < time.Millisecond {
		return nil, fmt.Errorf("segment scale %s below 1ms", cfg.SegmentScale)
	}
	if cfg.Validator == nil {
		cfg.Validator = StructuralValidator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch_log")

	if err := ensureLogDir(cfg.Dir); err != nil {
		return nil, err
	}
	lock, err := lockDir(cfg.Dir)
	if err != nil {
		return nil, err
	}

	l := &DispatchLog{
		dir:      cfg.Dir,
		scale:    cfg.SegmentScale.Milliseconds(),
		segments: newSegmentMap[*DispatchSegment](refuseRemoved),
		lock:     lock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
	if err := l.load(cfg.Validator); err != nil {
		lock.Close()
		return nil, err
	}
	l.metrics.SetSegments(metrics.LogDispatch, l.segments.len())
	return l, nil
}

func (l *DispatchLog) load(validator SegmentValidator) error {
	bases, err := listSegmentFiles(l.dir, l.logger)
	if err != nil {
		return err
	}
	for _, base := range bases {
		seg, err := openDispatchSegment(l.dir, base)
		if err != nil {
			l.logger.Error("failed to open dispatch segment, skipping", "base_offset", base, "error", err)
			continue
		}
		valid, err := validator.Validate(seg)
		if err != nil {
			seg.close()
			return fmt.Errorf("validate dispatch segment %d: %w", base, err)
		}
		valid -= valid % DispatchRecordSize
		truncated, err := seg.loadOffset(valid)
		if err != nil {
			seg.close()
			return fmt.Errorf("load dispatch segment %d: %w", base, err)
		}
		if truncated > 0 {
			l.logger.Warn("truncated dispatch segment tail", "base_offset", base, "valid", valid, "truncated_bytes", truncated)
			l.metrics.RecordTruncated(metrics.LogDispatch, truncated)
		}
		if err := seg.rebuild(); err != nil {
			seg.close()
			return fmt.Errorf("scan dispatch segment %d: %w", base, err)
		}
		l.segments.put(base, seg)
		l.logger.Debug("loaded dispatch segment", "base_offset", base, "markers", seg.DispatchedCount())
	}
	return nil
}

// ReValidate reconciles segments with checkpointed positions. Dispatch
// segments are cheap to validate, so a disagreeing segment is simply cut to
// whole markers and its set rebuilt.
func (l *DispatchLog) ReValidate(offsets map[int64]int64) error {
	var errs []error
	for _, seg := range l.segments.snapshot() {
		loaded := seg.WrotePosition()
		if off, ok := offsets[seg.BaseOffset()]; ok && off == loaded {
			continue
		}
		valid, err := seg.Validate()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if valid == loaded {
			continue
		}
		truncated, err := seg.loadOffset(valid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l.metrics.RecordTruncated(metrics.LogDispatch, truncated)
		if err := seg.rebuild(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// APPEND
// =============================================================================

// Append records that the schedule record addressed by index was dispatched.
func (l *DispatchLog) Append(index ScheduleIndex) RecordResult[int64] {
	return l.AppendDispatched(index)
}

// AppendDispatched writes a marker into the dispatch segment matching the
// index's schedule segment.
func (l *DispatchLog) AppendDispatched(index ScheduleIndex) RecordResult[int64] {
	start := time.Now()
	result := l.appendDispatched(index)
	l.metrics.RecordAppend(metrics.LogDispatch, result.Status.String(), result.Result.Size, time.Since(start))
	return result
}

func (l *DispatchLog) appendDispatched(index ScheduleIndex) RecordResult[int64] {
	if l.closed.Load() {
		return failed[int64](StatusUnknownError, ErrLogClosed)
	}
	seg, status, err := l.locateOrCreate(ResolveSegment(index.ScheduleTime, l.scale))
	if err != nil {
		return failed[int64](status, err)
	}
	return wrap(seg.AppendDispatched(index.Offset))
}

// AppendData writes raw markers into segment baseOffset. The write must start
// at the segment's wrote position.
func (l *DispatchLog) AppendData(startOffset, baseOffset int64, body []byte) bool {
	if l.closed.Load() {
		return false
	}
	seg, _, err := l.locateOrCreate(baseOffset)
	if err != nil {
		return false
	}
	res := seg.AppendData(startOffset, body)
	if res.Status != StatusSuccess {
		l.logger.Warn("dispatch data append rejected",
			"base_offset", baseOffset,
			"start_offset", startOffset,
			"wrote_position", seg.WrotePosition(),
			"status", res.Status.String(),
			"error", res.Err,
		)
		return false
	}
	return true
}

func (l *DispatchLog) locateOrCreate(base int64) (*DispatchSegment, AppendStatus, error) {
	seg, created, err := l.segments.getOrCreate(base, func() (*DispatchSegment, error) {
		return openDispatchSegment(l.dir, base)
	})
	if err != nil {
		if errors.Is(err, ErrSegmentExpired) {
			return nil, StatusSegmentExpired, err
		}
		l.logger.Error("failed to allocate dispatch segment", "base_offset", base, "error", err)
		return nil, StatusCreateSegmentFailed, err
	}
	if created {
		l.logger.Info("allocated dispatch segment", "base_offset", base)
		l.metrics.RecordSegmentCreated(metrics.LogDispatch)
	}
	return seg, StatusSuccess, nil
}

// =============================================================================
// READ / NAVIGATION
// =============================================================================

// IsDispatched reports whether the record addressed by index has a marker.
func (l *DispatchLog) IsDispatched(index ScheduleIndex) bool {
	seg, ok := l.segments.get(ResolveSegment(index.ScheduleTime, l.scale))
	if !ok {
		return false
	}
	return seg.IsDispatched(index.Offset)
}

// Segment returns the dispatch segment with the given base offset.
func (l *DispatchLog) Segment(baseOffset int64) (*DispatchSegment, bool) {
	return l.segments.get(baseOffset)
}

// LocateSegment returns the dispatch segment for scheduleTime.
func (l *DispatchLog) LocateSegment(scheduleTime int64) (*DispatchSegment, bool) {
	return l.segments.get(ResolveSegment(scheduleTime, l.scale))
}

// Scan iterates the markers of segment base from position from.
func (l *DispatchLog) Scan(base, from int64) (*DispatchScanner, bool) {
	seg, ok := l.segments.get(base)
	if !ok {
		return nil, false
	}
	return seg.NewScanner(from, 0), true
}

// GetMaxOffset returns the wrote position of segment base, 0 if absent.
func (l *DispatchLog) GetMaxOffset(base int64) int64 {
	seg, ok := l.segments.get(base)
	if !ok {
		return 0
	}
	return seg.WrotePosition()
}

// GetDispatchLogData returns the raw markers of segment base from from.
func (l *DispatchLog) GetDispatchLogData(base, from int64) (SegmentBuffer, bool) {
	seg, ok := l.segments.get(base)
	if !ok {
		return SegmentBuffer{}, false
	}
	data, err := seg.ReadData(from)
	if err != nil {
		l.logger.Warn("failed to read dispatch data", "base_offset", base, "from", from, "error", err)
		return SegmentBuffer{}, false
	}
	return SegmentBuffer{BaseOffset: base, StartOffset: from - from%DispatchRecordSize, Data: data}, true
}

// HigherBaseOffset returns the smallest base offset above key, -1 if none.
func (l *DispatchLog) HigherBaseOffset(key int64) int64 {
	return l.segments.higher(key)
}

// LowerSegment returns the segment with the greatest base offset below key.
func (l *DispatchLog) LowerSegment(key int64) (*DispatchSegment, bool) {
	return l.segments.lower(key)
}

// LatestSegment returns the segment with the highest base offset.
func (l *DispatchLog) LatestSegment() (*DispatchSegment, bool) {
	return l.segments.last()
}

// BaseOffsets returns every base offset, ascending.
func (l *DispatchLog) BaseOffsets() []int64 {
	return l.segments.keys()
}

// CountSegments returns base offset -> wrote position for every segment.
func (l *DispatchLog) CountSegments() map[int64]int64 {
	out := make(map[int64]int64)
	for _, seg := range l.segments.snapshot() {
		out[seg.BaseOffset()] = seg.WrotePosition()
	}
	return out
}

// FlushedOffsets returns base offset -> flushed position for every segment.
func (l *DispatchLog) FlushedOffsets() map[int64]int64 {
	out := make(map[int64]int64)
	for _, seg := range l.segments.snapshot() {
		out[seg.BaseOffset()] = seg.FlushedPosition()
	}
	return out
}

// Dir returns the log directory.
func (l *DispatchLog) Dir() string {
	return l.dir
}

// =============================================================================
// RETENTION / FLUSH / CLOSE
// =============================================================================

// Clean removes and deletes the segment with base offset key. It is a no-op
// when key is absent or above the highest base offset. It returns false when
// the file could not be deleted. Only removed keys are refused afterwards;
// lower buckets that never had a marker can still get one.
func (l *DispatchLog) Clean(key int64) bool {
	seg, ok := l.segments.remove(key)
	if !ok {
		return false
	}
	if err := seg.destroy(); err != nil {
		l.logger.Error("failed to delete dispatch segment", "base_offset", key, "error", err)
		return false
	}
	l.logger.Info("cleaned dispatch segment", "base_offset", key)
	l.metrics.RecordSegmentCleaned(metrics.LogDispatch)
	return true
}

// CleanHook is called with a base offset before the dispatch segment is
// removed. Returning false keeps the dispatch segment.
type CleanHook func(baseOffset int64) bool

// CleanExpired removes dispatch segments whose bucket ended more than keep
// ago, calling hook first for each. Returns the removed keys.
func (l *DispatchLog) CleanExpired(now time.Time, keep time.Duration, hook CleanHook) []int64 {
	floor := ResolveSegment(now.Add(-keep).UnixMilli(), l.scale)
	var cleaned []int64
	for _, seg := range l.segments.below(floor) {
		base := seg.BaseOffset()
		if hook != nil && !hook(base) {
			continue
		}
		if l.Clean(base) {
			cleaned = append(cleaned, base)
		}
	}
	return cleaned
}

// CleanFloor returns the highest cleaned base offset.
func (l *DispatchLog) CleanFloor() int64 {
	return l.segments.cleanFloor()
}

// Flush fsyncs every segment. Segments destroyed concurrently are skipped.
func (l *DispatchLog) Flush() error {
	start := time.Now()
	var errs []error
	for _, seg := range l.segments.snapshot() {
		if _, err := seg.flush(); err != nil && !errors.Is(err, ErrSegmentClosed) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	l.metrics.RecordFlush(metrics.LogDispatch, time.Since(start), err)
	return err
}

// Close flushes and closes every segment and releases the directory lock.
func (l *DispatchLog) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, seg := range l.segments.drain() {
		if err := seg.close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, l.lock.Close())
	return errors.Join(errs...)
}
