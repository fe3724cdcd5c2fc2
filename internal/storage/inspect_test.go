package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInspectScheduleDir_ReportsTornTailWithoutTruncating(t *testing.T) {
	// WHAT: A segment with a half-written record is reported, not repaired.
	// WHY: Inspection must be safe to run against a store that is going to be
	// restarted and recovered normally afterwards.
	dir := t.TempDir()

	seg, err := openScheduleSegment(dir, 60_000, 1024)
	if err != nil {
		t.Fatalf("openScheduleSegment failed: %v", err)
	}
	var end int64
	for i := 0; i < 2; i++ {
		res := seg.Append(NewLogRecord("s", "id", 60_500, int64(i), []byte("payload")))
		end = res.Offset + res.Size
	}
	torn, _ := encodeRecord(NewLogRecord("s", "id", 60_500, 2, []byte("payload")), 1024)
	seg.file.WriteAt(torn[:10], end)
	seg.close()

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)

	reports, err := InspectScheduleDir(dir, 1024, nil)
	if err != nil {
		t.Fatalf("InspectScheduleDir failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	r := reports[0]
	if r.BaseOffset != 60_000 || r.Records != 2 || r.ValidSize != end || r.TornBytes() != 10 {
		t.Errorf("report = %+v (torn %d)", r, r.TornBytes())
	}

	stat, err := os.Stat(r.Path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if stat.Size() != end+10 {
		t.Errorf("file size after inspect = %d, want %d", stat.Size(), end+10)
	}
}

func TestInspectDispatchDir(t *testing.T) {
	dir := t.TempDir()

	seg, err := openDispatchSegment(dir, 0)
	if err != nil {
		t.Fatalf("openDispatchSegment failed: %v", err)
	}
	seg.AppendDispatched(0)
	seg.AppendDispatched(57)
	seg.file.WriteAt([]byte{1, 2, 3}, 16)
	seg.close()

	reports, err := InspectDispatchDir(dir, nil)
	if err != nil {
		t.Fatalf("InspectDispatchDir failed: %v", err)
	}
	if len(reports) != 1 || reports[0].Records != 2 || reports[0].TornBytes() != 3 {
		t.Fatalf("reports = %+v", reports)
	}

	markers, err := ReadDispatchMarkers(dir, 0)
	if err != nil {
		t.Fatalf("ReadDispatchMarkers failed: %v", err)
	}
	if len(markers) != 2 || markers[0] != 0 || markers[1] != 57 {
		t.Errorf("markers = %v", markers)
	}
}

func TestInspectScheduleDir_MissingDir(t *testing.T) {
	if _, err := InspectScheduleDir(filepath.Join(t.TempDir(), "absent"), 1024, nil); err == nil {
		t.Error("expected error for missing directory")
	}
}
