// =============================================================================
// SEGMENT TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
//   - Bucketing: schedule time -> base offset
//   - Appends only land at the wrote position
//   - Flush moves the flushed position up to the wrote position
//   - Validation stops at the first torn or corrupt record
//
// =============================================================================

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSegment(t *testing.T) {
	cases := []struct {
		scheduleTime int64
		scale        int64
		want         int64
	}{
		{125_000, 60_000, 120_000},
		{120_000, 60_000, 120_000},
		{119_999, 60_000, 60_000},
		{0, 60_000, 0},
		{-1, 60_000, -60_000},
		{1_700_000_012_345, 3_600_000, 1_699_999_200_000},
	}
	for _, c := range cases {
		if got := ResolveSegment(c.scheduleTime, c.scale); got != c.want {
			t.Errorf("ResolveSegment(%d, %d) = %d, want %d", c.scheduleTime, c.scale, got, c.want)
		}
	}
}

func TestResolveSegment_SameBucketSameFile(t *testing.T) {
	// WHAT: Two times in the same minute share a base offset, and the file
	// name is that base offset in decimal.
	// WHY: Retention and loading both work on whole buckets.
	a := ResolveSegment(1_000_001, 60_000)
	b := ResolveSegment(1_019_999, 60_000)
	if a != b {
		t.Fatalf("same bucket resolved to %d and %d", a, b)
	}
	if SegmentFileName(a) != "960000" {
		t.Errorf("SegmentFileName = %q, want %q", SegmentFileName(a), "960000")
	}
	if base, ok := parseSegmentFileName("960000"); !ok || base != a {
		t.Errorf("parseSegmentFileName = %d, %v", base, ok)
	}
	if _, ok := parseSegmentFileName(".lock"); ok {
		t.Error("dot-file parsed as a segment")
	}
}

func TestFileSegment_SequentialWrites(t *testing.T) {
	dir := t.TempDir()

	seg, err := openFileSegment(dir, 0)
	if err != nil {
		t.Fatalf("openFileSegment failed: %v", err)
	}
	defer seg.close()

	pos, err := seg.write(0, []byte("abcd"))
	if err != nil || pos != 0 {
		t.Fatalf("first write: pos=%d err=%v", pos, err)
	}
	pos, err = seg.write(4, []byte("efgh"))
	if err != nil || pos != 4 {
		t.Fatalf("second write: pos=%d err=%v", pos, err)
	}

	// A write that does not start at the wrote position is refused and leaves
	// the cursor where it was.
	if _, err := seg.write(2, []byte("xx")); !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("expected ErrOffsetMismatch, got %v", err)
	}
	if seg.WrotePosition() != 8 {
		t.Errorf("WrotePosition = %d, want 8", seg.WrotePosition())
	}

	buf := make([]byte, 8)
	if err := seg.readAt(buf, 0); err != nil {
		t.Fatalf("readAt failed: %v", err)
	}
	if string(buf) != "abcdefgh" {
		t.Errorf("read %q, want %q", buf, "abcdefgh")
	}
	if err := seg.readAt(make([]byte, 4), 6); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("read past wrote position: expected ErrRecordNotFound, got %v", err)
	}
}

func TestFileSegment_Flush(t *testing.T) {
	dir := t.TempDir()

	seg, err := openFileSegment(dir, 0)
	if err != nil {
		t.Fatalf("openFileSegment failed: %v", err)
	}
	defer seg.close()

	seg.write(-1, []byte("0123456789"))
	if seg.FlushedPosition() != 0 {
		t.Fatalf("FlushedPosition before flush = %d, want 0", seg.FlushedPosition())
	}
	flushed, err := seg.flush()
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if flushed != 10 || seg.FlushedPosition() != 10 {
		t.Errorf("flushed = %d / %d, want 10", flushed, seg.FlushedPosition())
	}
	if seg.FlushedPosition() > seg.WrotePosition() {
		t.Error("flushed position ahead of wrote position")
	}
}

func TestFileSegment_DestroyRemovesFile(t *testing.T) {
	dir := t.TempDir()

	seg, err := openFileSegment(dir, 42)
	if err != nil {
		t.Fatalf("openFileSegment failed: %v", err)
	}
	seg.write(-1, []byte("x"))
	if err := seg.destroy(); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "42")); !os.IsNotExist(err) {
		t.Errorf("segment file still exists: %v", err)
	}
	if _, err := seg.write(-1, []byte("y")); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("write after destroy: expected ErrSegmentClosed, got %v", err)
	}
	if _, err := seg.flush(); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("flush after destroy: expected ErrSegmentClosed, got %v", err)
	}
}

func TestScheduleSegment_AppendRecover(t *testing.T) {
	dir := t.TempDir()

	seg, err := openScheduleSegment(dir, 60_000, 1024)
	if err != nil {
		t.Fatalf("openScheduleSegment failed: %v", err)
	}
	defer seg.close()

	first := seg.Append(NewLogRecord("orders", "m-1", 61_000, 7, []byte("hello")))
	second := seg.Append(NewLogRecord("orders", "m-2", 62_000, 8, []byte("world!")))
	if first.Status != StatusSuccess || second.Status != StatusSuccess {
		t.Fatalf("append statuses: %s, %s", first.Status, second.Status)
	}
	if first.Offset != 0 || second.Offset != first.Size {
		t.Errorf("offsets = %d, %d; want 0, %d", first.Offset, second.Offset, first.Size)
	}

	rec, err := seg.Recover(second.Data.Offset, second.Data.Size)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if rec.Subject != "orders" || rec.MessageID != "m-2" || rec.ScheduleTime != 62_000 || rec.Sequence != 8 {
		t.Errorf("unexpected header: %+v", rec.LogRecordHeader)
	}
	if string(rec.Payload) != "world!" {
		t.Errorf("payload = %q", rec.Payload)
	}
	if rec.BaseOffset != 60_000 || rec.Index() != second.Data {
		t.Errorf("index = %+v, want %+v", rec.Index(), second.Data)
	}
}

func TestScheduleSegment_MessageTooLarge(t *testing.T) {
	dir := t.TempDir()

	seg, err := openScheduleSegment(dir, 0, 8)
	if err != nil {
		t.Fatalf("openScheduleSegment failed: %v", err)
	}
	defer seg.close()

	res := seg.Append(NewLogRecord("s", "id", 1, 1, make([]byte, 9)))
	if res.Status != StatusMessageTooLarge {
		t.Fatalf("status = %s, want %s", res.Status, StatusMessageTooLarge)
	}
	if seg.WrotePosition() != 0 {
		t.Errorf("rejected append moved the wrote position to %d", seg.WrotePosition())
	}
}

func TestScheduleSegment_ValidateStopsAtTornRecord(t *testing.T) {
	// WHAT: Three good records followed by half of a fourth.
	// WHY: A crash mid-write leaves a prefix of a record on disk. Validation
	// must end the valid range at the last complete record.
	dir := t.TempDir()

	seg, err := openScheduleSegment(dir, 0, 1024)
	if err != nil {
		t.Fatalf("openScheduleSegment failed: %v", err)
	}
	defer seg.close()

	var end int64
	for i := 0; i < 3; i++ {
		res := seg.Append(NewLogRecord("s", "id", 1000, int64(i), []byte("payload")))
		end = res.Offset + res.Size
	}
	torn, _ := encodeRecord(NewLogRecord("s", "id", 1000, 3, []byte("payload")), 1024)
	seg.file.WriteAt(torn[:len(torn)/2], end)

	valid, count, err := seg.DoValidate(1024)
	if err != nil {
		t.Fatalf("DoValidate failed: %v", err)
	}
	if valid != end || count != 3 {
		t.Errorf("DoValidate = (%d, %d), want (%d, 3)", valid, count, end)
	}
}

func TestScheduleSegment_ValidateRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()

	seg, err := openScheduleSegment(dir, 0, 1024)
	if err != nil {
		t.Fatalf("openScheduleSegment failed: %v", err)
	}
	defer seg.close()

	first := seg.Append(NewLogRecord("s", "a", 1000, 1, []byte("aaaa")))
	second := seg.Append(NewLogRecord("s", "b", 1000, 2, []byte("bbbb")))
	seg.Append(NewLogRecord("s", "c", 1000, 3, []byte("cccc")))

	// Flip the last payload byte of the second record.
	seg.file.WriteAt([]byte{'X'}, second.Offset+second.Size-1)

	valid, count, err := seg.DoValidate(1024)
	if err != nil {
		t.Fatalf("DoValidate failed: %v", err)
	}
	if valid != first.Size || count != 1 {
		t.Errorf("DoValidate = (%d, %d), want (%d, 1)", valid, count, first.Size)
	}
}

func TestScheduleSegment_Scanner(t *testing.T) {
	dir := t.TempDir()

	seg, err := openScheduleSegment(dir, 0, 1024)
	if err != nil {
		t.Fatalf("openScheduleSegment failed: %v", err)
	}
	defer seg.close()

	for i := 0; i < 5; i++ {
		seg.Append(NewLogRecord("s", "id", int64(1000+i), int64(i), []byte{byte(i)}))
	}

	sc := seg.NewScanner(0, 0)
	n := 0
	for sc.Next() {
		if sc.Record().Sequence != int64(n) {
			t.Errorf("record %d has sequence %d", n, sc.Record().Sequence)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if n != 5 {
		t.Errorf("scanned %d records, want 5", n)
	}
	if sc.Position() != seg.WrotePosition() {
		t.Errorf("scanner stopped at %d, wrote position %d", sc.Position(), seg.WrotePosition())
	}
}

func TestDispatchSegment_WholeMarkersOnly(t *testing.T) {
	dir := t.TempDir()

	seg, err := openDispatchSegment(dir, 0)
	if err != nil {
		t.Fatalf("openDispatchSegment failed: %v", err)
	}
	defer seg.close()

	seg.AppendDispatched(0)
	seg.AppendDispatched(120)
	seg.file.WriteAt([]byte{1, 2, 3}, 16)

	valid, err := seg.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if valid != 16 {
		t.Errorf("Validate = %d, want 16", valid)
	}
	if !seg.IsDispatched(120) || seg.IsDispatched(60) {
		t.Error("dispatched set does not match appended markers")
	}
}

func TestDispatchSegment_AppendDataSequential(t *testing.T) {
	dir := t.TempDir()

	seg, err := openDispatchSegment(dir, 0)
	if err != nil {
		t.Fatalf("openDispatchSegment failed: %v", err)
	}
	defer seg.close()

	body := []byte{0, 0, 0, 0, 0, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0, 9}
	if res := seg.AppendData(0, body); res.Status != StatusSuccess {
		t.Fatalf("AppendData at 0: %s (%v)", res.Status, res.Err)
	}
	if res := seg.AppendData(0, body); res.Status != StatusOffsetMismatch {
		t.Fatalf("AppendData at stale offset: status %s, want %s", res.Status, StatusOffsetMismatch)
	}
	if res := seg.AppendData(16, body[:5]); res.Status == StatusSuccess {
		t.Fatal("AppendData accepted a partial marker")
	}
	if !seg.IsDispatched(5) || !seg.IsDispatched(9) {
		t.Error("markers from AppendData not in the dispatched set")
	}
}
