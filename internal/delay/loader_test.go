package delay

import (
	"sync"
	"testing"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/storage"
	"github.com/WuJingLearn/rocketmq/internal/wheel"
)

type indexSink struct {
	mu  sync.Mutex
	got []storage.ScheduleIndex
}

func (s *indexSink) add(idx storage.ScheduleIndex) {
	s.mu.Lock()
	s.got = append(s.got, idx)
	s.mu.Unlock()
}

func (s *indexSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type loaderFixture struct {
	facade *LogFacade
	clock  *wheel.ManualClock
	wheel  *wheel.TimingWheel
	loader *Loader
	fired  *indexSink
	direct *indexSink
}

func newLoaderFixture(t *testing.T, f *LogFacade, replayFrom func(int64) int64) *loaderFixture {
	t.Helper()
	fx := &loaderFixture{
		facade: f,
		clock:  wheel.NewManualClock(time.UnixMilli(600_000)),
		fired:  &indexSink{},
		direct: &indexSink{},
	}
	w, err := wheel.New(wheel.Config{
		TickInterval: 100 * time.Millisecond,
		SegmentScale: time.Minute,
		LookAhead:    10 * time.Second,
		LookBehind:   5 * time.Second,
		Dispatch:     fx.fired.add,
		Clock:        fx.clock,
	})
	if err != nil {
		t.Fatalf("wheel.New failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	fx.wheel = w
	fx.loader = NewLoader(LoaderConfig{
		Facade:     f,
		Wheel:      w,
		Dispatch:   fx.direct.add,
		ReplayFrom: replayFrom,
		Clock:      fx.clock,
		LookAhead:  10 * time.Second,
		LookBehind: 5 * time.Second,
		Interval:   time.Hour,
	})
	return fx
}

func TestLoader_LoadsOnlyWithinLookAhead(t *testing.T) {
	f := openTestFacade(t, t.TempDir())
	appendAt(t, f, 605_000, "a")
	appendAt(t, f, 606_000, "b")
	appendAt(t, f, 3_600_000, "far")

	fx := newLoaderFixture(t, f, nil)
	if n := fx.loader.Advance(fx.clock.Now()); n != 2 {
		t.Fatalf("Advance loaded %d, want 2", n)
	}
	if fx.wheel.Size() != 2 {
		t.Errorf("wheel size = %d, want 2", fx.wheel.Size())
	}
	cur := fx.wheel.LoadCursor()
	seg, _ := f.Schedule().Segment(600_000)
	if cur.BaseOffset != 600_000 || cur.Offset != seg.WrotePosition() {
		t.Errorf("cursor = %+v, want {600000 %d}", cur, seg.WrotePosition())
	}

	// A second pass at the same time finds nothing new.
	if n := fx.loader.Advance(fx.clock.Now()); n != 0 {
		t.Errorf("repeated Advance loaded %d", n)
	}
}

func TestLoader_AppendAfterSnapshotIsAdmittedByAppender(t *testing.T) {
	// WHAT: Records appended after the loader snapshotted a segment are
	// admitted by the append path; records beyond the cursor wait.
	// WHY: Every record must reach the wheel exactly once.
	f := openTestFacade(t, t.TempDir())
	appendAt(t, f, 605_000, "a")

	fx := newLoaderFixture(t, f, nil)
	fx.loader.Advance(fx.clock.Now())

	res, admission := fx.loader.AppendAndAdmit(storage.NewLogRecord("orders", "b", 607_000, 0, []byte("b")))
	if !res.OK() || admission != wheel.AdmitAccepted {
		t.Fatalf("AppendAndAdmit = %s / %s, want success / accepted", res.Status, admission)
	}
	_, admission = fx.loader.AppendAndAdmit(storage.NewLogRecord("orders", "far", 3_600_500, 0, []byte("far")))
	if admission != wheel.AdmitDeferred {
		t.Errorf("far record admission = %s, want deferred", admission)
	}
	if fx.wheel.Size() != 2 {
		t.Errorf("wheel size = %d, want 2", fx.wheel.Size())
	}

	// Reaching the far bucket loads it once.
	fx.clock.Set(time.UnixMilli(3_595_000))
	if n := fx.loader.Advance(fx.clock.Now()); n != 1 {
		t.Errorf("Advance loaded %d, want 1", n)
	}
}

func TestLoader_StaleAppendGoesToDispatch(t *testing.T) {
	f := openTestFacade(t, t.TempDir())
	fx := newLoaderFixture(t, f, nil)
	fx.loader.Advance(fx.clock.Now())

	_, admission := fx.loader.AppendAndAdmit(storage.NewLogRecord("orders", "old", 500_000, 0, []byte("old")))
	if admission != wheel.AdmitStale {
		t.Fatalf("admission = %s, want stale", admission)
	}
	if fx.direct.len() != 1 || fx.wheel.Size() != 0 {
		t.Errorf("direct=%d wheel=%d, want 1 and 0", fx.direct.len(), fx.wheel.Size())
	}
}

func TestLoader_SkipsDispatchedAndReplaysFromProgress(t *testing.T) {
	f := openTestFacade(t, t.TempDir())
	a := appendAt(t, f, 605_000, "a")
	b := appendAt(t, f, 605_100, "b")
	appendAt(t, f, 605_200, "c")
	f.AppendDispatched(b)

	// Progress says everything before b was dispatched.
	fx := newLoaderFixture(t, f, func(base int64) int64 {
		if base == 600_000 {
			return a.Offset + int64(a.Size)
		}
		return 0
	})
	if n := fx.loader.Advance(fx.clock.Now()); n != 1 {
		t.Errorf("Advance loaded %d, want only c", n)
	}
}

func TestLoader_OldSegmentsDispatchDirectly(t *testing.T) {
	// WHAT: On a cold load, records far behind now bypass the wheel.
	f := openTestFacade(t, t.TempDir())
	appendAt(t, f, 120_000, "ancient")
	appendAt(t, f, 603_000, "recent")

	fx := newLoaderFixture(t, f, nil)
	if n := fx.loader.Advance(fx.clock.Now()); n != 2 {
		t.Fatalf("Advance handed on %d, want 2", n)
	}
	if fx.direct.len() != 1 || fx.wheel.Size() != 1 {
		t.Errorf("direct=%d wheel=%d, want 1 and 1", fx.direct.len(), fx.wheel.Size())
	}
}
