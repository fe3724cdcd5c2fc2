// =============================================================================
// TIMING WHEEL - WHICH PERSISTED ENTRIES ARE DUE
// =============================================================================
//
// WHAT IS THIS WHEEL?
// The wheel holds ScheduleIndex values (never payloads) for messages that are
// due soon, grouped into slots one tick wide:
//
//   slot key = scheduleTime / tick
//
//   tick = 500ms
//   ┌────────┬────────┬────────┬────────┬────────┐
//   │  k=10  │  k=11  │  k=14  │  k=15  │  k=90  │   only non-empty slots
//   │ 2 idx  │ 1 idx  │ 7 idx  │ 1 idx  │ 3 idx  │   exist (sparse)
//   └────────┴────────┴────────┴────────┴────────┘
//        ▲
//        now/tick = 12: slots 10 and 11 are drained, then the due part of 12
//
// Slot keys are kept in a B-tree so each tick walks the elapsed slots in
// ascending order without scanning empty ones. A slot is created on first
// insert and destroyed when drained.
//
// WHY NOT THE HIERARCHICAL WHEEL?
// Entries here arrive through a look-ahead window (the loader only feeds what
// is due within the next lookAhead), so the wheel never holds far-future
// timers. A flat sparse wheel keyed by absolute slot number has no cascade
// step and survives a stalled ticker: after a long pause every elapsed slot
// is drained in order on the next tick.
//
// ADMISSION:
// Freshly appended entries race the loader. The load cursor (segment and
// offset the loader already read up to) decides who owns an entry:
//
//   segment beyond cursor          -> Deferred  (loader will read it)
//   cursor segment, offset < read  -> Deferred  (loader already has it)
//   covered, older than lookBehind -> Stale     (caller dispatches directly)
//   covered                        -> Accepted  (add to wheel now)
//
// =============================================================================

package wheel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrWheelClosed means the wheel was stopped.
	ErrWheelClosed = errors.New("timing wheel is closed")

	// ErrScheduleOutOfRange means the entry is beyond what the wheel holds.
	ErrScheduleOutOfRange = errors.New("schedule time out of wheel range")
)

// =============================================================================
// ADMISSION
// =============================================================================

// Admission is the outcome of admitting a freshly appended entry.
type Admission int

const (
	AdmitAccepted Admission = iota
	AdmitDeferred
	AdmitStale
)

func (a Admission) String() string {
	switch a {
	case AdmitAccepted:
		return "accepted"
	case AdmitDeferred:
		return "deferred"
	case AdmitStale:
		return "stale"
	default:
		return "unknown"
	}
}

// LoadCursor is how far the loader read the schedule log: every record in
// segments below BaseOffset, and every record before Offset in segment
// BaseOffset, was loaded.
type LoadCursor struct {
	BaseOffset int64
	Offset     int64
}

// UnloadedCursor is the cursor before any segment was loaded.
var UnloadedCursor = LoadCursor{BaseOffset: math.MinInt64}

// DispatchFunc receives due indices. It runs on the tick goroutine outside
// the wheel lock and should hand work off quickly.
type DispatchFunc func(index storage.ScheduleIndex)

// =============================================================================
// CONFIG
// =============================================================================

// Config configures a TimingWheel.
type Config struct {
	// TickInterval is both the tick period and the slot width.
	TickInterval time.Duration

	// SegmentScale is the schedule log bucket width.
	SegmentScale time.Duration

	// LookAhead is how far ahead of now the loader fills the wheel.
	LookAhead time.Duration

	// LookBehind is how old an entry may be before admission reports it stale.
	LookBehind time.Duration

	Dispatch DispatchFunc
	Clock    Clock
	Logger   *slog.Logger
	Metrics  *metrics.WheelMetrics
}

// DefaultConfig returns 500ms ticks, one-hour buckets, a two-minute look-ahead
// and a one-minute look-behind.
func DefaultConfig() Config {
	return Config{
		TickInterval: 500 * time.Millisecond,
		SegmentScale: time.Hour,
		LookAhead:    2 * time.Minute,
		LookBehind:   time.Minute,
		Clock:        SystemClock{},
	}
}

// =============================================================================
// TIMING WHEEL
// =============================================================================

// TimingWheel holds due-soon schedule indices in tick-wide slots.
//
// THREAD SAFETY:
// All public methods are safe for concurrent use. Ticks run on one background
// goroutine started by Start.
type TimingWheel struct {
	tick       int64 // ms
	scale      int64 // ms
	lookAhead  int64 // ms
	lookBehind int64 // ms
	interval   time.Duration

	dispatch DispatchFunc
	clock    Clock

	// mu protects slots, keys and size
	mu    sync.Mutex
	slots map[int64][]slotEntry
	keys  *btree.BTreeG[int64]
	size  int64

	cursorMu sync.RWMutex
	cursor   LoadCursor

	tickerDone chan struct{}
	wg         sync.WaitGroup
	started    atomic.Bool
	closed     atomic.Bool

	logger  *slog.Logger
	metrics *metrics.WheelMetrics

	totalAdded   atomic.Uint64
	totalFired   atomic.Uint64
	totalRetried atomic.Uint64
	lastTick     atomic.Int64
}

// New builds a wheel. It does not tick until Start.
func New(cfg Config) (*TimingWheel, error) {
	if cfg.TickInterval < time.Millisecond {
		return nil, fmt.Errorf("tick interval %s below 1ms", cfg.TickInterval)
	}
	if cfg.SegmentScale < time.Millisecond {
		return nil, fmt.Errorf("segment scale %s below 1ms", cfg.SegmentScale)
	}
	if cfg.Dispatch == nil {
		return nil, errors.New("timing wheel needs a dispatch function")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &TimingWheel{
		tick:       cfg.TickInterval.Milliseconds(),
		scale:      cfg.SegmentScale.Milliseconds(),
		lookAhead:  cfg.LookAhead.Milliseconds(),
		lookBehind: cfg.LookBehind.Milliseconds(),
		interval:   cfg.TickInterval,
		dispatch:   cfg.Dispatch,
		clock:      cfg.Clock,
		slots:      make(map[int64][]slotEntry),
		keys:       btree.NewOrderedG[int64](32),
		cursor:     UnloadedCursor,
		tickerDone: make(chan struct{}),
		logger:     logger.With("component", "timing_wheel"),
		metrics:    cfg.Metrics,
	}, nil
}

// =============================================================================
// PUBLIC API
// =============================================================================

// Start begins ticking. Calling it twice has no effect.
func (w *TimingWheel) Start() error {
	if w.closed.Load() {
		return ErrWheelClosed
	}
	if w.started.Swap(true) {
		return nil
	}
	w.wg.Add(1)
	go w.runTicker()

	w.logger.Info("timing wheel started",
		"tick", w.interval.String(),
		"look_ahead_ms", w.lookAhead,
		"look_behind_ms", w.lookBehind,
		"pending", w.Size())
	return nil
}

// Admit decides who takes a freshly appended entry. See the file comment.
func (w *TimingWheel) Admit(scheduleTime, offset int64) Admission {
	now := w.clock.Now().UnixMilli()
	if scheduleTime >= now+w.lookAhead+w.scale {
		return AdmitDeferred
	}

	cur := w.LoadCursor()
	base := storage.ResolveSegment(scheduleTime, w.scale)
	covered := base < cur.BaseOffset || (base == cur.BaseOffset && offset >= cur.Offset)
	if !covered {
		return AdmitDeferred
	}
	if scheduleTime < now-w.lookBehind {
		return AdmitStale
	}
	return AdmitAccepted
}

// CanAdd reports whether a fresh entry may go straight into the wheel.
func (w *TimingWheel) CanAdd(scheduleTime, offset int64) bool {
	return w.Admit(scheduleTime, offset) == AdmitAccepted
}

// AddWheel places index into its slot. Entries past now + lookAhead + scale
// are refused with ErrScheduleOutOfRange.
func (w *TimingWheel) AddWheel(index storage.ScheduleIndex) error {
	if w.closed.Load() {
		return ErrWheelClosed
	}
	now := w.clock.Now().UnixMilli()
	if index.ScheduleTime >= now+w.lookAhead+w.scale {
		return fmt.Errorf("%w: %d is past %d", ErrScheduleOutOfRange, index.ScheduleTime, now+w.lookAhead+w.scale)
	}
	w.insert(index.ScheduleTime, index)
	w.totalAdded.Add(1)
	return nil
}

// Retry re-slots index to fire at at. Used after a failed dispatch.
func (w *TimingWheel) Retry(index storage.ScheduleIndex, at time.Time) error {
	if w.closed.Load() {
		return ErrWheelClosed
	}
	w.insert(at.UnixMilli(), index)
	w.totalRetried.Add(1)
	w.metrics.RecordRetry()
	return nil
}

// SetLoadCursor records how far the loader read.
func (w *TimingWheel) SetLoadCursor(c LoadCursor) {
	w.cursorMu.Lock()
	w.cursor = c
	w.cursorMu.Unlock()
}

// LoadCursor returns how far the loader read.
func (w *TimingWheel) LoadCursor() LoadCursor {
	w.cursorMu.RLock()
	defer w.cursorMu.RUnlock()
	return w.cursor
}

// Size returns the number of pending indices.
func (w *TimingWheel) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.size)
}

// Stats is a snapshot of wheel counters.
type Stats struct {
	Pending      int
	Slots        int
	TotalAdded   uint64
	TotalFired   uint64
	TotalRetried uint64
	LastTick     time.Time
	Cursor       LoadCursor
}

// Stats returns wheel statistics.
func (w *TimingWheel) Stats() Stats {
	w.mu.Lock()
	pending, slots := int(w.size), len(w.slots)
	w.mu.Unlock()

	var last time.Time
	if ms := w.lastTick.Load(); ms != 0 {
		last = time.UnixMilli(ms)
	}
	return Stats{
		Pending:      pending,
		Slots:        slots,
		TotalAdded:   w.totalAdded.Load(),
		TotalFired:   w.totalFired.Load(),
		TotalRetried: w.totalRetried.Load(),
		LastTick:     last,
		Cursor:       w.LoadCursor(),
	}
}

// Close stops ticking. Pending entries are dropped; they are still on disk
// and get reloaded on the next start. Blocks until the tick goroutine exits.
func (w *TimingWheel) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.tickerDone)
	w.wg.Wait()

	w.logger.Info("timing wheel stopped",
		"pending", w.Size(),
		"total_added", w.totalAdded.Load(),
		"total_fired", w.totalFired.Load(),
		"total_retried", w.totalRetried.Load())
	return nil
}

// WaitForEmpty blocks until every pending index fired or ctx is done.
func (w *TimingWheel) WaitForEmpty(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if w.Size() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// INTERNAL: SLOTS
// =============================================================================

func (w *TimingWheel) slotKey(ms int64) int64 {
	k := ms / w.tick
	if ms < 0 && ms%w.tick != 0 {
		k--
	}
	return k
}

// slotEntry is an index plus the time it fires. at is the schedule time for
// loaded entries and the retry time for re-slotted ones.
type slotEntry struct {
	at    int64
	index storage.ScheduleIndex
}

// insert places index in the slot of at (ms).
func (w *TimingWheel) insert(at int64, index storage.ScheduleIndex) {
	key := w.slotKey(at)

	w.mu.Lock()
	entries, ok := w.slots[key]
	if !ok {
		w.keys.ReplaceOrInsert(key)
	}
	w.slots[key] = append(entries, slotEntry{at: at, index: index})
	w.size++
	size := w.size
	w.mu.Unlock()

	w.metrics.SetPending(size)
}

// =============================================================================
// INTERNAL: TICK PROCESSING
// =============================================================================

func (w *TimingWheel) runTicker() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.tickerDone:
			return
		case <-ticker.C:
			w.Advance(w.clock.Now())
		}
	}
}

// Advance drains every elapsed slot in ascending order and hands the due
// indices to the dispatch function. In the slot holding now, only entries
// whose fire time has come fire. Returns how many fired.
func (w *TimingWheel) Advance(now time.Time) int {
	nowMs := now.UnixMilli()
	nowKey := w.slotKey(nowMs)
	w.lastTick.Store(nowMs)

	var due []storage.ScheduleIndex

	w.mu.Lock()
	var drained []int64
	w.keys.Ascend(func(key int64) bool {
		if key > nowKey {
			return false
		}
		entries := w.slots[key]
		if key < nowKey {
			for _, e := range entries {
				due = append(due, e.index)
			}
			drained = append(drained, key)
			return true
		}
		// Current slot: split into due and not yet due.
		keep := entries[:0]
		for _, e := range entries {
			if e.at <= nowMs {
				due = append(due, e.index)
			} else {
				keep = append(keep, e)
			}
		}
		if len(keep) == 0 {
			drained = append(drained, key)
		} else {
			w.slots[key] = keep
		}
		return false
	})
	for _, key := range drained {
		delete(w.slots, key)
		w.keys.Delete(key)
	}
	w.size -= int64(len(due))
	size := w.size
	w.mu.Unlock()

	w.metrics.SetPending(size)
	if len(due) == 0 {
		return 0
	}
	w.totalFired.Add(uint64(len(due)))
	w.metrics.RecordFired(len(due))

	for _, idx := range due {
		w.dispatch(idx)
	}
	return len(due)
}
