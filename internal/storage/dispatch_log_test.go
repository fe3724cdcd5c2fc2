package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDispatchLog(t *testing.T, dir string) *DispatchLog {
	t.Helper()
	l, err := OpenDispatchLog(DispatchLogConfig{Dir: dir, SegmentScale: time.Minute})
	if err != nil {
		t.Fatalf("OpenDispatchLog failed: %v", err)
	}
	return l
}

func TestDispatchLog_MarkersFollowScheduleBucket(t *testing.T) {
	dir := t.TempDir()
	l := openTestDispatchLog(t, dir)
	defer l.Close()

	a := ScheduleIndex{ScheduleTime: 61_000, Offset: 0, Size: 40}
	b := ScheduleIndex{ScheduleTime: 61_500, Offset: 40, Size: 40}
	c := ScheduleIndex{ScheduleTime: 125_000, Offset: 0, Size: 40}

	for _, idx := range []ScheduleIndex{b, a, c} {
		if res := l.AppendDispatched(idx); !res.OK() {
			t.Fatalf("AppendDispatched(%+v): %s", idx, res.Status)
		}
	}

	if !l.IsDispatched(a) || !l.IsDispatched(b) || !l.IsDispatched(c) {
		t.Error("appended markers not reported as dispatched")
	}
	// Same offset, other bucket.
	if l.IsDispatched(ScheduleIndex{ScheduleTime: 185_000, Offset: 0}) {
		t.Error("marker leaked into another bucket")
	}
	if got := l.GetMaxOffset(60_000); got != 16 {
		t.Errorf("GetMaxOffset(60000) = %d, want 16", got)
	}
	if got := l.GetMaxOffset(999_000); got != 0 {
		t.Errorf("GetMaxOffset of missing bucket = %d, want 0", got)
	}
}

func TestDispatchLog_ReopenRebuildsSet(t *testing.T) {
	// WHAT: Write markers, close, reopen with a torn marker at the tail.
	// WHY: IsDispatched after restart is what prevents re-firing, so the set
	// must be rebuilt from whole markers only.
	dir := t.TempDir()
	l := openTestDispatchLog(t, dir)
	for i := int64(0); i < 5; i++ {
		l.AppendDispatched(ScheduleIndex{ScheduleTime: 60_000, Offset: i * 100})
	}
	l.Close()

	path := filepath.Join(dir, "60000")
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	f.Write([]byte{0, 0, 0})
	f.Close()

	l = openTestDispatchLog(t, dir)
	defer l.Close()

	for i := int64(0); i < 5; i++ {
		if !l.IsDispatched(ScheduleIndex{ScheduleTime: 60_000, Offset: i * 100}) {
			t.Errorf("offset %d lost after reopen", i*100)
		}
	}
	if got := l.GetMaxOffset(60_000); got != 40 {
		t.Errorf("GetMaxOffset = %d, want 40", got)
	}
	if info, _ := os.Stat(path); info.Size() != 40 {
		t.Errorf("file size = %d, want 40", info.Size())
	}
}

func TestDispatchLog_ScanAndData(t *testing.T) {
	dir := t.TempDir()
	l := openTestDispatchLog(t, dir)
	defer l.Close()

	offsets := []int64{300, 0, 150}
	for _, off := range offsets {
		l.AppendDispatched(ScheduleIndex{ScheduleTime: 60_000, Offset: off})
	}

	sc, ok := l.Scan(60_000, 8)
	if !ok {
		t.Fatal("Scan found no segment")
	}
	var got []int64
	for sc.Next() {
		got = append(got, sc.ScheduleOffset())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 150 {
		t.Errorf("scanned %v, want [0 150]", got)
	}

	buf, ok := l.GetDispatchLogData(60_000, 0)
	if !ok || len(buf.Data) != 24 {
		t.Fatalf("GetDispatchLogData = %d bytes, ok=%v", len(buf.Data), ok)
	}

	// Copy the data into a second log at the same base offset.
	other := openTestDispatchLog(t, t.TempDir())
	defer other.Close()
	if !other.AppendData(0, 60_000, buf.Data) {
		t.Fatal("AppendData at 0 rejected")
	}
	if other.AppendData(0, 60_000, buf.Data) {
		t.Error("AppendData at a stale offset accepted")
	}
	for _, off := range offsets {
		if !other.IsDispatched(ScheduleIndex{ScheduleTime: 60_000, Offset: off}) {
			t.Errorf("copied marker %d missing", off)
		}
	}
}

func TestDispatchLog_CleanExpiredCallsHookFirst(t *testing.T) {
	dir := t.TempDir()
	l := openTestDispatchLog(t, dir)
	defer l.Close()

	for _, ts := range []int64{0, 60_000, 120_000} {
		l.AppendDispatched(ScheduleIndex{ScheduleTime: ts})
	}

	var hooked []int64
	cleaned := l.CleanExpired(time.UnixMilli(240_000), 2*time.Minute, func(base int64) bool {
		hooked = append(hooked, base)
		return base != 60_000
	})
	if len(hooked) != 2 {
		t.Fatalf("hook called for %v, want [0 60000]", hooked)
	}
	if len(cleaned) != 1 || cleaned[0] != 0 {
		t.Errorf("cleaned %v, want [0]", cleaned)
	}
	if _, ok := l.Segment(60_000); !ok {
		t.Error("segment kept by the hook was removed")
	}
	if l.CleanFloor() != 0 {
		t.Errorf("CleanFloor = %d, want 0", l.CleanFloor())
	}
}

func TestSegmentMap_InsertIfAbsent(t *testing.T) {
	m := newSegmentMap[*int](refuseAtOrBelowFloor)
	calls := 0
	create := func() (*int, error) {
		calls++
		v := calls
		return &v, nil
	}
	a, created, _ := m.getOrCreate(10, create)
	b, createdAgain, _ := m.getOrCreate(10, create)
	if !created || createdAgain || a != b || calls != 1 {
		t.Errorf("getOrCreate allocated twice: created=%v again=%v calls=%d", created, createdAgain, calls)
	}

	m.getOrCreate(20, create)
	m.getOrCreate(30, create)
	if _, ok := m.remove(20); !ok {
		t.Fatal("remove(20) failed")
	}
	if _, _, err := m.getOrCreate(15, create); err == nil {
		t.Error("allocation below the clean floor succeeded")
	}
	if got := m.higher(10); got != 30 {
		t.Errorf("higher(10) = %d, want 30", got)
	}
	if keys := m.keys(); len(keys) != 2 || keys[0] != 10 || keys[1] != 30 {
		t.Errorf("keys = %v", keys)
	}
}

func TestSegmentMap_FloorPolicies(t *testing.T) {
	create := func() (*int, error) {
		v := 0
		return &v, nil
	}

	tests := []struct {
		name    string
		policy  floorPolicy
		key     int64
		refused bool
	}{
		{name: "floor refuses removed key", policy: refuseAtOrBelowFloor, key: 20, refused: true},
		{name: "floor refuses lower key", policy: refuseAtOrBelowFloor, key: 15, refused: true},
		{name: "floor allows higher key", policy: refuseAtOrBelowFloor, key: 25, refused: false},
		{name: "removed refuses removed key", policy: refuseRemoved, key: 20, refused: true},
		{name: "removed allows lower key", policy: refuseRemoved, key: 15, refused: false},
		{name: "removed allows higher key", policy: refuseRemoved, key: 25, refused: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSegmentMap[*int](tt.policy)
			m.getOrCreate(20, create)
			m.getOrCreate(30, create)
			if _, ok := m.remove(20); !ok {
				t.Fatal("remove(20) failed")
			}
			_, _, err := m.getOrCreate(tt.key, create)
			if refused := err != nil; refused != tt.refused {
				t.Errorf("getOrCreate(%d) err = %v, want refused=%v", tt.key, err, tt.refused)
			}
		})
	}
}

func TestSegmentMap_RaiseFloorNeverLowers(t *testing.T) {
	m := newSegmentMap[*int](refuseAtOrBelowFloor)
	m.raiseFloor(100)
	m.raiseFloor(50)
	if got := m.cleanFloor(); got != 100 {
		t.Errorf("cleanFloor = %d, want 100", got)
	}
}

func TestDispatchLog_CleanKeepsLowerBucketsWritable(t *testing.T) {
	// WHAT: Clean a dispatch bucket, then write the first marker of an older
	// bucket that never had a dispatch segment.
	// WHY: Publishes for an older bucket can still be retrying when a newer
	// bucket is fully dispatched and cleaned. Refusing their markers would
	// replay and re-publish them after a restart.
	dir := t.TempDir()
	l := openTestDispatchLog(t, dir)
	defer l.Close()

	if res := l.AppendDispatched(ScheduleIndex{ScheduleTime: 120_500, Offset: 0}); !res.OK() {
		t.Fatalf("AppendDispatched failed: %s", res.Status)
	}
	l.AppendDispatched(ScheduleIndex{ScheduleTime: 180_500, Offset: 0})
	if !l.Clean(120_000) {
		t.Fatal("Clean(120000) returned false")
	}

	older := ScheduleIndex{ScheduleTime: 60_500, Offset: 0}
	if res := l.AppendDispatched(older); !res.OK() {
		t.Fatalf("marker for never-cleaned bucket refused: %s (%v)", res.Status, res.Result.Err)
	}
	if !l.IsDispatched(older) {
		t.Error("marker for older bucket not recorded")
	}

	res := l.AppendDispatched(ScheduleIndex{ScheduleTime: 120_700, Offset: 40})
	if res.Status != StatusSegmentExpired {
		t.Errorf("marker into cleaned bucket: status %s, want %s", res.Status, StatusSegmentExpired)
	}
}

func TestDispatchLog_CleanReportsFailedDelete(t *testing.T) {
	dir := t.TempDir()
	l := openTestDispatchLog(t, dir)
	defer l.Close()

	l.AppendDispatched(ScheduleIndex{ScheduleTime: 60_500})
	l.AppendDispatched(ScheduleIndex{ScheduleTime: 120_500})

	// A non-empty directory in place of the segment file cannot be removed.
	path := filepath.Join(dir, SegmentFileName(60_000))
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(path, "child"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	if l.Clean(60_000) {
		t.Error("Clean returned true although the file was not deleted")
	}
	if _, ok := l.Segment(60_000); ok {
		t.Error("segment still listed after Clean")
	}
}

func TestDispatchSegment_FlushedOffsetsBeforeFirstFlush(t *testing.T) {
	dir := t.TempDir()

	seg, err := openDispatchSegment(dir, 0)
	if err != nil {
		t.Fatalf("openDispatchSegment failed: %v", err)
	}
	defer seg.close()

	seg.AppendDispatched(0)
	seg.AppendDispatched(40)

	flushed, err := seg.FlushedOffsets()
	if err != nil {
		t.Fatalf("FlushedOffsets failed: %v", err)
	}
	if len(flushed) != 0 {
		t.Errorf("unflushed markers reported as flushed: %v", flushed)
	}

	if _, err := seg.flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	flushed, err = seg.FlushedOffsets()
	if err != nil {
		t.Fatalf("FlushedOffsets failed: %v", err)
	}
	if len(flushed) != 2 {
		t.Errorf("FlushedOffsets after flush = %v, want 0 and 40", flushed)
	}
}
