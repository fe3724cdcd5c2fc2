// =============================================================================
// SCHEDULE LOG - DURABLE STORE OF PENDING DELAYED MESSAGES
// =============================================================================
//
// Records are appended to the segment of their schedule time bucket, not to a
// single tail. Appends for 12:00:30 and 12:05:10 land in different files and
// can run concurrently; appends to the same bucket serialize on the segment.
//
//   Append(rec)
//     │
//     ├─ base = ResolveSegment(rec.ScheduleTime, scale)
//     ├─ segment = map[base] or allocate (refused at or below the clean floor)
//     └─ segment.Append(rec) → ScheduleIndex{ScheduleTime, Offset, Size}
//
// RECOVERY:
//   Open trusts each file's length (SizeValidator). ReValidate then compares
//   every segment with the checkpointed wrote position: equal means the tail
//   was flushed before the checkpoint was taken, anything else gets a full
//   record walk and is truncated to its valid prefix.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
)

// ScheduleLogConfig configures a ScheduleLog.
type ScheduleLogConfig struct {
	// Dir holds one file per bucket.
	Dir string

	// SegmentScale is the bucket width. Must be a whole number of ms.
	SegmentScale time.Duration

	// SingleMessageLimit bounds payload size, also used when validating.
	SingleMessageLimit int

	// Validator decides trusted length on open. Defaults to SizeValidator.
	Validator SegmentValidator

	Logger  *slog.Logger
	Metrics *metrics.StorageMetrics
}

// DefaultScheduleLogConfig returns one-hour buckets and a 4 MiB payload limit.
func DefaultScheduleLogConfig(dir string) ScheduleLogConfig {
	return ScheduleLogConfig{
		Dir:                dir,
		SegmentScale:       time.Hour,
		SingleMessageLimit: 4 * 1024 * 1024,
		Validator:          SizeValidator{},
	}
}

// ScheduleLog is the segment container of scheduled records.
type ScheduleLog struct {
	dir          string
	scale        int64
	messageLimit int

	segments *segmentMap[*ScheduleSegment]
	lock     *dirLock
	closed   atomic.Bool

	logger  *slog.Logger
	metrics *metrics.StorageMetrics
}

// OpenScheduleLog opens (or creates) the log in cfg.Dir and loads every
// segment file found there.
func OpenScheduleLog(cfg ScheduleLogConfig) (*ScheduleLog, error) {
	if cfg.SegmentScale < time.Millisecond {
		return nil, fmt.Errorf("segment scale %s below 1ms", cfg.SegmentScale)
	}
	if cfg.Validator == nil {
		cfg.Validator = SizeValidator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "schedule_log")

	if err := ensureLogDir(cfg.Dir); err != nil {
		return nil, err
	}
	lock, err := lockDir(cfg.Dir)
	if err != nil {
		return nil, err
	}

	l := &ScheduleLog{
		dir:          cfg.Dir,
		scale:        cfg.SegmentScale.Milliseconds(),
		messageLimit: cfg.SingleMessageLimit,
		segments:     newSegmentMap[*ScheduleSegment](refuseAtOrBelowFloor),
		lock:         lock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
	if err := l.load(cfg.Validator); err != nil {
		lock.Close()
		return nil, err
	}
	l.metrics.SetSegments(metrics.LogSchedule, l.segments.len())
	return l, nil
}

func (l *ScheduleLog) load(validator SegmentValidator) error {
	bases, err := listSegmentFiles(l.dir, l.logger)
	if err != nil {
		return err
	}
	for _, base := range bases {
		seg, err := openScheduleSegment(l.dir, base, l.messageLimit)
		if err != nil {
			l.logger.Error("failed to open schedule segment, skipping", "base_offset", base, "error", err)
			continue
		}
		valid, err := validator.Validate(seg)
		if err != nil {
			seg.close()
			return fmt.Errorf("validate schedule segment %d: %w", base, err)
		}
		truncated, err := seg.loadOffset(valid)
		if err != nil {
			seg.close()
			return fmt.Errorf("load schedule segment %d: %w", base, err)
		}
		if truncated > 0 {
			l.logger.Warn("truncated schedule segment tail", "base_offset", base, "valid", valid, "truncated_bytes", truncated)
			l.metrics.RecordTruncated(metrics.LogSchedule, truncated)
		}
		l.segments.put(base, seg)
		l.logger.Debug("loaded schedule segment", "base_offset", base, "wrote_position", valid)
	}
	return nil
}

// ReValidate reconciles every segment with the checkpointed wrote positions.
// A segment whose loaded length equals its checkpointed offset is trusted;
// any other segment is walked record by record and truncated to the valid
// prefix. Segments are processed in parallel. Must run before any append.
func (l *ScheduleLog) ReValidate(offsets map[int64]int64, singleMessageLimit int) error {
	segs := l.segments.snapshot()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, seg := range segs {
		wg.Add(1)
		go func(seg *ScheduleSegment) {
			defer wg.Done()
			if err := l.reValidateSegment(seg, offsets, singleMessageLimit); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(seg)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (l *ScheduleLog) reValidateSegment(seg *ScheduleSegment, offsets map[int64]int64, limit int) error {
	loaded := seg.WrotePosition()
	checkpointed, ok := offsets[seg.BaseOffset()]
	if ok && checkpointed == loaded {
		return nil
	}

	valid, count, err := seg.DoValidate(limit)
	if err != nil {
		return fmt.Errorf("revalidate schedule segment %d: %w", seg.BaseOffset(), err)
	}
	truncated, err := seg.loadOffset(valid)
	if err != nil {
		return fmt.Errorf("revalidate schedule segment %d: %w", seg.BaseOffset(), err)
	}
	if truncated > 0 {
		l.logger.Warn("truncated schedule segment tail",
			"base_offset", seg.BaseOffset(),
			"checkpointed", checkpointed,
			"loaded", loaded,
			"valid", valid,
			"records", count,
			"truncated_bytes", truncated,
		)
		l.metrics.RecordTruncated(metrics.LogSchedule, truncated)
	} else {
		l.logger.Info("schedule segment revalidated",
			"base_offset", seg.BaseOffset(),
			"checkpointed", checkpointed,
			"valid", valid,
			"records", count,
		)
	}
	return nil
}

// =============================================================================
// APPEND
// =============================================================================

// Append writes a record into the segment of its schedule time.
func (l *ScheduleLog) Append(rec *LogRecord) RecordResult[ScheduleIndex] {
	start := time.Now()
	result := l.append(rec)
	l.metrics.RecordAppend(metrics.LogSchedule, result.Status.String(), result.Result.Size, time.Since(start))
	return result
}

// AppendScheduleLog is Append under the name the delay service uses.
func (l *ScheduleLog) AppendScheduleLog(rec *LogRecord) RecordResult[ScheduleIndex] {
	return l.Append(rec)
}

func (l *ScheduleLog) append(rec *LogRecord) RecordResult[ScheduleIndex] {
	if l.closed.Load() {
		return failed[ScheduleIndex](StatusUnknownError, ErrLogClosed)
	}
	if rec == nil {
		return failed[ScheduleIndex](StatusUnknownError, errors.New("nil record"))
	}

	base := ResolveSegment(rec.Header.ScheduleTime, l.scale)
	seg, created, err := l.segments.getOrCreate(base, func() (*ScheduleSegment, error) {
		return openScheduleSegment(l.dir, base, l.messageLimit)
	})
	if err != nil {
		if errors.Is(err, ErrSegmentExpired) {
			l.logger.Warn("append to cleaned bucket refused", "base_offset", base, "schedule_time", rec.Header.ScheduleTime)
			return failed[ScheduleIndex](StatusSegmentExpired, err)
		}
		l.logger.Error("failed to allocate schedule segment", "base_offset", base, "error", err)
		return failed[ScheduleIndex](StatusCreateSegmentFailed, err)
	}
	if created {
		l.logger.Info("allocated schedule segment", "base_offset", base)
		l.metrics.RecordSegmentCreated(metrics.LogSchedule)
	}
	return wrap(seg.Append(rec))
}

// =============================================================================
// READ / NAVIGATION
// =============================================================================

// Recover reads the record an index points at.
func (l *ScheduleLog) Recover(index ScheduleIndex) (*ScheduleRecord, error) {
	seg, ok := l.LocateSegment(index.ScheduleTime)
	if !ok {
		return nil, fmt.Errorf("%w: no segment for schedule time %d", ErrRecordNotFound, index.ScheduleTime)
	}
	return seg.Recover(index.Offset, index.Size)
}

// LocateSegment returns the segment holding scheduleTime.
func (l *ScheduleLog) LocateSegment(scheduleTime int64) (*ScheduleSegment, bool) {
	return l.segments.get(ResolveSegment(scheduleTime, l.scale))
}

// Segment returns the segment with the given base offset.
func (l *ScheduleLog) Segment(baseOffset int64) (*ScheduleSegment, bool) {
	return l.segments.get(baseOffset)
}

// HigherBaseOffset returns the smallest base offset above key, -1 if none.
func (l *ScheduleLog) HigherBaseOffset(key int64) int64 {
	return l.segments.higher(key)
}

// LowerSegment returns the segment with the greatest base offset below key.
func (l *ScheduleLog) LowerSegment(key int64) (*ScheduleSegment, bool) {
	return l.segments.lower(key)
}

// LatestSegment returns the segment with the highest base offset.
func (l *ScheduleLog) LatestSegment() (*ScheduleSegment, bool) {
	return l.segments.last()
}

// OldestSegment returns the segment with the lowest base offset.
func (l *ScheduleLog) OldestSegment() (*ScheduleSegment, bool) {
	return l.segments.first()
}

// BaseOffsets returns every base offset, ascending.
func (l *ScheduleLog) BaseOffsets() []int64 {
	return l.segments.keys()
}

// Segments returns every segment, ascending.
func (l *ScheduleLog) Segments() []*ScheduleSegment {
	return l.segments.snapshot()
}

// CountSegments returns base offset -> wrote position for every segment.
func (l *ScheduleLog) CountSegments() map[int64]int64 {
	out := make(map[int64]int64)
	for _, seg := range l.segments.snapshot() {
		out[seg.BaseOffset()] = seg.WrotePosition()
	}
	return out
}

// FlushedOffsets returns base offset -> flushed position for every segment.
func (l *ScheduleLog) FlushedOffsets() map[int64]int64 {
	out := make(map[int64]int64)
	for _, seg := range l.segments.snapshot() {
		out[seg.BaseOffset()] = seg.FlushedPosition()
	}
	return out
}

// Scan iterates the records of segment base in [from, wrote position).
func (l *ScheduleLog) Scan(base, from int64) (*ScheduleScanner, bool) {
	seg, ok := l.segments.get(base)
	if !ok {
		return nil, false
	}
	return seg.NewScanner(from, 0), true
}

// Entries returns the indices of segment base up to limit (wrote position when
// limit <= 0).
func (l *ScheduleLog) Entries(base, limit int64) ([]ScheduleIndex, error) {
	seg, ok := l.segments.get(base)
	if !ok {
		return nil, fmt.Errorf("%w: no segment %d", ErrRecordNotFound, base)
	}
	var out []ScheduleIndex
	sc := seg.NewScanner(0, limit)
	for sc.Next() {
		out = append(out, sc.Record().Index())
	}
	return out, sc.Err()
}

// SegmentScale returns the bucket width in ms.
func (l *ScheduleLog) SegmentScale() int64 {
	return l.scale
}

// Resolve maps a schedule time to its bucket.
func (l *ScheduleLog) Resolve(scheduleTime int64) int64 {
	return ResolveSegment(scheduleTime, l.scale)
}

// Dir returns the log directory.
func (l *ScheduleLog) Dir() string {
	return l.dir
}

// =============================================================================
// RETENTION / FLUSH / CLOSE
// =============================================================================

// Clean removes and deletes the segment with base offset key. It is a no-op
// when key is absent or above the highest base offset. It returns false when
// the file could not be deleted; the bucket stays refused either way.
func (l *ScheduleLog) Clean(key int64) bool {
	seg, ok := l.segments.remove(key)
	if !ok {
		return false
	}
	if err := seg.destroy(); err != nil {
		l.logger.Error("failed to delete schedule segment", "base_offset", key, "error", err)
		return false
	}
	l.logger.Info("cleaned schedule segment", "base_offset", key)
	l.metrics.RecordSegmentCleaned(metrics.LogSchedule)
	return true
}

// CleanExpired removes every segment below
// ResolveSegment(now - keep - checkBeforeDispatch). Returns the removed keys.
func (l *ScheduleLog) CleanExpired(now time.Time, keep, checkBeforeDispatch time.Duration) []int64 {
	floor := ResolveSegment(now.Add(-keep-checkBeforeDispatch).UnixMilli(), l.scale)
	var cleaned []int64
	for _, seg := range l.segments.below(floor) {
		if l.Clean(seg.BaseOffset()) {
			cleaned = append(cleaned, seg.BaseOffset())
		}
	}
	return cleaned
}

// CleanFloor returns the highest cleaned base offset, math.MinInt64 if none.
func (l *ScheduleLog) CleanFloor() int64 {
	return l.segments.cleanFloor()
}

// SetCleanFloor restores a clean floor saved before a restart. Appends into
// absent buckets at or below it are refused. It never lowers the floor.
func (l *ScheduleLog) SetCleanFloor(floor int64) {
	l.segments.raiseFloor(floor)
}

// Flush fsyncs every segment. Segments destroyed concurrently are skipped.
func (l *ScheduleLog) Flush() error {
	start := time.Now()
	var errs []error
	for _, seg := range l.segments.snapshot() {
		if _, err := seg.flush(); err != nil && !errors.Is(err, ErrSegmentClosed) {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	l.metrics.RecordFlush(metrics.LogSchedule, time.Since(start), err)
	return err
}

// Close flushes and closes every segment and releases the directory lock.
func (l *ScheduleLog) Close() error {
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
