package delay

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/storage"
	"github.com/WuJingLearn/rocketmq/internal/wheel"
)

// Cleaner tracks how much of each past segment was dispatched and removes
// segments that fell out of retention.
//
// PROGRESS:
// For every schedule segment whose bucket has ended, the cleaner walks
// records from the last known point and stops at the first one without a
// flushed dispatch marker. The position it stops at is saved in the
// checkpoint as dispatched_up_to; a restart replays only what lies beyond.
//
// RETENTION:
//
//	dispatch segment older than keep, fully dispatched      -> both removed
//	older than keep + checkBeforeDispatch, not fully done   -> both removed, logged
//	otherwise                                               -> kept
//	schedule segment older than keep + checkBeforeDispatch  -> removed
type Cleaner struct {
	facade *LogFacade

	keep        time.Duration
	checkBefore time.Duration
	interval    time.Duration
	clock       wheel.Clock

	mu        sync.Mutex
	upTo      map[int64]int64
	watermark int64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	logger *slog.Logger
}

// CleanerConfig configures a Cleaner.
type CleanerConfig struct {
	KeepTime            time.Duration
	CheckBeforeDispatch time.Duration
	Interval            time.Duration
	Clock               wheel.Clock
	Logger              *slog.Logger
}

// NewCleaner builds a cleaner with no dispatch progress.
func NewCleaner(cfg CleanerConfig, facade *LogFacade) *Cleaner {
	if cfg.Clock == nil {
		cfg.Clock = wheel.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		facade:      facade,
		keep:        cfg.KeepTime,
		checkBefore: cfg.CheckBeforeDispatch,
		interval:    cfg.Interval,
		clock:       cfg.Clock,
		upTo:        make(map[int64]int64),
		watermark:   -1,
		done:        make(chan struct{}),
		logger:      logger.With("component", "cleaner"),
	}
}

// Restore seeds dispatch progress from a checkpoint. Entries for segments
// that no longer exist, or that point past the segment end, are dropped.
func (c *Cleaner) Restore(cp Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	schedule := c.facade.Schedule()
	for base, pos := range cp.DispatchedUpTo {
		seg, ok := schedule.Segment(base)
		if !ok || pos > seg.WrotePosition() || pos < 0 {
			continue
		}
		c.upTo[base] = pos
	}
	if len(cp.DispatchedUpTo) > 0 || cp.DispatchedWatermark != 0 {
		c.watermark = cp.DispatchedWatermark
	}
}

// ReplayFrom is where the loader starts scanning segment base.
func (c *Cleaner) ReplayFrom(base int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upTo[base]
}

// Progress returns a copy of dispatched_up_to and the watermark.
func (c *Cleaner) Progress() (map[int64]int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.upTo), c.watermark
}

// Start runs RunOnce every interval.
func (c *Cleaner) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.RunOnce(c.clock.Now())
			}
		}
	}()
}

// Stop ends the loop and waits for a running pass.
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// RunOnce updates dispatch progress and applies retention. Returns the base
// offsets it removed.
func (c *Cleaner) RunOnce(now time.Time) []int64 {
	c.UpdateProgress(now)
	cleaned := c.clean(now)
	if len(cleaned) > 0 {
		c.facade.refreshSegmentGauges()
	}
	return cleaned
}

// UpdateProgress advances dispatched_up_to for every ended bucket.
func (c *Cleaner) UpdateProgress(now time.Time) {
	schedule := c.facade.Schedule()
	scale := schedule.SegmentScale()
	nowMs := now.UnixMilli()

	for _, seg := range schedule.Segments() {
		base := seg.BaseOffset()
		if base+scale > nowMs {
			break
		}
		wrote := seg.WrotePosition()

		c.mu.Lock()
		from := c.upTo[base]
		c.mu.Unlock()
		if from >= wrote {
			c.raiseWatermark(base)
			continue
		}

		pos, err := c.dispatchedPrefix(seg, from, wrote)
		if err != nil {
			c.logger.Warn("dispatch progress scan failed", "base_offset", base, "error", err)
			continue
		}
		if pos == from {
			continue
		}

		c.mu.Lock()
		c.upTo[base] = pos
		c.mu.Unlock()
		if pos >= wrote {
			c.logger.Info("schedule segment fully dispatched", "base_offset", base, "size", wrote)
			c.raiseWatermark(base)
		}
	}
}

// dispatchedPrefix returns the end of the leading run of records in
// [from, to) that have flushed markers.
func (c *Cleaner) dispatchedPrefix(seg *storage.ScheduleSegment, from, to int64) (int64, error) {
	dseg, ok := c.facade.Dispatch().Segment(seg.BaseOffset())
	if !ok {
		return from, nil
	}
	flushed, err := dseg.FlushedOffsets()
	if err != nil {
		return from, err
	}

	pos := from
	sc := seg.NewScanner(from, to)
	for sc.Next() {
		if _, ok := flushed[sc.Record().Offset]; !ok {
			break
		}
		pos = sc.Position()
	}
	return pos, sc.Err()
}

func (c *Cleaner) raiseWatermark(base int64) {
	c.mu.Lock()
	if base > c.watermark {
		c.watermark = base
	}
	c.mu.Unlock()
}

func (c *Cleaner) clean(now time.Time) []int64 {
	schedule := c.facade.Schedule()
	hardFloor := schedule.Resolve(now.Add(-c.keep - c.checkBefore).UnixMilli())

	cleaned := c.facade.Dispatch().CleanExpired(now, c.keep, func(base int64) bool {
		seg, ok := schedule.Segment(base)
		if !ok {
			return true
		}
		done := c.ReplayFrom(base) >= seg.WrotePosition()
		if !done && base >= hardFloor {
			return false
		}
		if !done {
			c.logger.Warn("removing schedule segment with undispatched records",
				"base_offset", base,
				"dispatched_up_to", c.ReplayFrom(base),
				"size", seg.WrotePosition(),
			)
		}
		schedule.Clean(base)
		c.forget(base)
		return true
	})

	for _, base := range schedule.CleanExpired(now, c.keep, c.checkBefore) {
		c.forget(base)
		cleaned = append(cleaned, base)
	}
	return cleaned
}

func (c *Cleaner) forget(base int64) {
	c.mu.Lock()
	delete(c.upTo, base)
	c.mu.Unlock()
}
