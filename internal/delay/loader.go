// =============================================================================
// LOADER - FEEDING THE WHEEL FROM THE SCHEDULE LOG
// =============================================================================
//
// The wheel only holds entries due within the look-ahead window. Everything
// further out stays on disk until the loader reaches its segment:
//
//   schedule log:  [b0][b1][b2]........[bN]
//                        ▲          ▲
//                     cursor     Resolve(now + lookAhead)
//
// Each pass walks segments above the cursor up to the target bucket. For each
// segment it snapshots the wrote position P into the cursor and then scans
// [replayFrom, P) without holding any lock. Records at or past P are appended
// after the snapshot, so the append path admits them itself (see Admit in the
// wheel package).
//
// LOCKING:
// Appends hold mu.RLock across append + admit. The loader takes mu.Lock only
// to read P and move the cursor. So every record is seen by exactly one side:
// either it was written before the snapshot (loader scans it) or after (the
// appender sees the moved cursor and admits it).
//
// =============================================================================

package delay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/storage"
	"github.com/WuJingLearn/rocketmq/internal/wheel"
)

// Loader moves schedule log entries into the wheel as they come into range.
type Loader struct {
	facade *LogFacade
	wheel  *wheel.TimingWheel

	// dispatch takes stale entries that skip the wheel.
	dispatch func(storage.ScheduleIndex)

	// replayFrom returns where to start scanning a segment.
	replayFrom func(baseOffset int64) int64

	clock      wheel.Clock
	lookAhead  time.Duration
	lookBehind time.Duration
	interval   time.Duration

	mu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	logger  *slog.Logger
	metrics *metrics.WheelMetrics
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Facade     *LogFacade
	Wheel      *wheel.TimingWheel
	Dispatch   func(storage.ScheduleIndex)
	ReplayFrom func(baseOffset int64) int64
	Clock      wheel.Clock
	LookAhead  time.Duration
	LookBehind time.Duration
	Interval   time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.WheelMetrics
}

// NewLoader builds a loader. It does nothing until Advance or Start.
func NewLoader(cfg LoaderConfig) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = wheel.SystemClock{}
	}
	if cfg.ReplayFrom == nil {
		cfg.ReplayFrom = func(int64) int64 { return 0 }
	}
	return &Loader{
		facade:     cfg.Facade,
		wheel:      cfg.Wheel,
		dispatch:   cfg.Dispatch,
		replayFrom: cfg.ReplayFrom,
		clock:      cfg.Clock,
		lookAhead:  cfg.LookAhead,
		lookBehind: cfg.LookBehind,
		interval:   cfg.Interval,
		done:       make(chan struct{}),
		logger:     logger.With("component", "wheel_loader"),
		metrics:    cfg.Metrics,
	}
}

// =============================================================================
// APPEND PATH
// =============================================================================

// AppendAndAdmit appends rec and, on success, hands its index to the wheel or
// straight to dispatch. Deferred entries are left for a later load pass.
func (l *Loader) AppendAndAdmit(rec *storage.LogRecord) (storage.RecordResult[storage.ScheduleIndex], wheel.Admission) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := l.facade.AppendScheduleLog(rec)
	if !res.OK() {
		return res, wheel.AdmitDeferred
	}
	index := res.Data()
	admission := l.wheel.Admit(index.ScheduleTime, index.Offset)
	switch admission {
	case wheel.AdmitAccepted:
		if err := l.wheel.AddWheel(index); err != nil {
			// Closed wheel: the record is on disk and reloads on restart.
			l.logger.Warn("wheel refused admitted entry", "schedule_time", index.ScheduleTime, "offset", index.Offset, "error", err)
		}
	case wheel.AdmitStale:
		l.dispatch(index)
	}
	l.metrics.RecordAdmission(admission.String())
	return res, admission
}

// =============================================================================
// LOAD PASSES
// =============================================================================

// Start runs a load pass every interval until Stop.
func (l *Loader) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				l.Advance(l.clock.Now())
			}
		}
	}()
}

// Stop ends the load loop and waits for the current pass.
func (l *Loader) Stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Advance loads every segment between the cursor and
// Resolve(now + lookAhead). Returns how many entries it handed on.
func (l *Loader) Advance(now time.Time) int {
	schedule := l.facade.Schedule()
	target := schedule.Resolve(now.Add(l.lookAhead).UnixMilli())

	total := 0
	for {
		select {
		case <-l.done:
			return total
		default:
		}

		seg, end, ok := l.nextSegment(schedule, target)
		if !ok {
			break
		}
		total += l.loadSegment(seg, end, now)
	}
	if total > 0 {
		l.logger.Debug("loaded wheel entries", "count", total, "cursor", l.wheel.LoadCursor().BaseOffset)
	}
	l.metrics.RecordLoaded(total, l.wheel.LoadCursor().BaseOffset)
	return total
}

// nextSegment moves the cursor onto the next segment at or below target and
// returns it with its snapshotted end. ok is false once nothing is left.
func (l *Loader) nextSegment(schedule *storage.ScheduleLog, target int64) (*storage.ScheduleSegment, int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		cur := l.wheel.LoadCursor()
		next := schedule.HigherBaseOffset(cur.BaseOffset)
		if next == -1 || next > target {
			if cur.BaseOffset < target {
				l.wheel.SetLoadCursor(wheel.LoadCursor{BaseOffset: target})
			}
			return nil, 0, false
		}
		seg, ok := schedule.Segment(next)
		if !ok {
			// Cleaned between the two lookups.
			l.wheel.SetLoadCursor(wheel.LoadCursor{BaseOffset: next})
			continue
		}
		end := seg.WrotePosition()
		l.wheel.SetLoadCursor(wheel.LoadCursor{BaseOffset: next, Offset: end})
		return seg, end, true
	}
}

func (l *Loader) loadSegment(seg *storage.ScheduleSegment, end int64, now time.Time) int {
	base := seg.BaseOffset()
	from := l.replayFrom(base)
	if from >= end {
		return 0
	}

	staleBefore := now.Add(-l.lookBehind).UnixMilli()
	loaded, skipped := 0, 0
	sc := seg.NewScanner(from, end)
	for sc.Next() {
		index := sc.Record().Index()
		if l.facade.IsDispatched(index) {
			skipped++
			continue
		}
		if index.ScheduleTime < staleBefore {
			l.dispatch(index)
		} else if err := l.wheel.AddWheel(index); err != nil {
			l.logger.Warn("failed to load entry into wheel", "base_offset", base, "offset", index.Offset, "error", err)
			continue
		}
		loaded++
	}
	if err := sc.Err(); err != nil {
		l.logger.Error("schedule segment scan stopped early", "base_offset", base, "position", sc.Position(), "error", err)
	}

	l.logger.Info("loaded schedule segment",
		"base_offset", base,
		"from", from,
		"end", end,
		"loaded", loaded,
		"already_dispatched", skipped,
	)
	return loaded
}
