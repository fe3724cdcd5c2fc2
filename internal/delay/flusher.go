package delay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/checkpoint"
)

// Flusher runs the periodic fsync tasks:
//
//	dispatch log  every dispatchInterval (bounds lost markers after a crash)
//	schedule log  every scheduleInterval, followed by a checkpoint save
//
// The checkpoint is always saved after the schedule flush it describes.
type Flusher struct {
	facade   *LogFacade
	store    *checkpoint.Store[Checkpoint]
	snapshot func() Checkpoint

	scheduleInterval time.Duration
	dispatchInterval time.Duration

	// mu serializes flush+checkpoint rounds, including the final one.
	mu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	logger *slog.Logger
}

// NewFlusher builds a flusher. snapshot is called after each schedule flush
// to produce the checkpoint to save.
func NewFlusher(facade *LogFacade, store *checkpoint.Store[Checkpoint], snapshot func() Checkpoint,
	scheduleInterval, dispatchInterval time.Duration, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		facade:           facade,
		store:            store,
		snapshot:         snapshot,
		scheduleInterval: scheduleInterval,
		dispatchInterval: dispatchInterval,
		done:             make(chan struct{}),
		logger:           logger.With("component", "flusher"),
	}
}

// Start launches both flush loops.
func (f *Flusher) Start() {
	f.wg.Add(2)
	go f.loop(f.dispatchInterval, func() {
		if err := f.facade.FlushDispatch(); err != nil {
			f.logger.Error("dispatch log flush failed", "error", err)
		}
	})
	go f.loop(f.scheduleInterval, func() {
		if err := f.FlushAndCheckpoint(); err != nil {
			f.logger.Error("schedule log flush failed", "error", err)
		}
	})
	f.logger.Info("flusher started",
		"schedule_interval", f.scheduleInterval.String(),
		"dispatch_interval", f.dispatchInterval.String())
}

func (f *Flusher) loop(interval time.Duration, fn func()) {
	defer f.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends both loops and waits for a running round to finish.
func (f *Flusher) Stop() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
}

// FlushAndCheckpoint flushes the dispatch log, then the schedule log, then
// saves a checkpoint of the flushed positions. A failed flush skips the save
// so the previous checkpoint stays in place.
func (f *Flusher) FlushAndCheckpoint() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if err := f.facade.FlushDispatch(); err != nil {
		errs = append(errs, err)
	}
	if err := f.facade.FlushSchedule(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return f.store.Save(f.snapshot())
}
