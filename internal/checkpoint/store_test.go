package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testState struct {
	Offsets map[int64]int64 `json:"offsets"`
	Version int             `json:"version"`
}

func newTestStore(t *testing.T, dir string) *Store[testState] {
	t.Helper()
	s, err := NewStore[testState](Config{Dir: dir, Name: "delay"}, JSONSerde[testState]{})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestStore_ColdStart(t *testing.T) {
	s := newTestStore(t, t.TempDir())

	v, found, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found || v.Offsets != nil || v.Version != 0 {
		t.Errorf("cold start returned found=%v value=%+v", found, v)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	want := testState{Offsets: map[int64]int64{60_000: 123, 120_000: 456}, Version: 1}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A new store over the same directory sees the same value.
	got, found, err := newTestStore(t, dir).Load()
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if got.Version != 1 || got.Offsets[60_000] != 123 || got.Offsets[120_000] != 456 {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "delay.tmp")); !os.IsNotExist(err) {
		t.Error("tmp file left behind after save")
	}
}

func TestStore_SecondSaveKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.Save(testState{Version: 1})
	s.Save(testState{Version: 2})

	live, _ := os.ReadFile(filepath.Join(dir, "delay"))
	backup, _ := os.ReadFile(filepath.Join(dir, "delay.backup"))
	lv, _ := JSONSerde[testState]{}.Unmarshal(live)
	bv, _ := JSONSerde[testState]{}.Unmarshal(backup)
	if lv.Version != 2 || bv.Version != 1 {
		t.Errorf("live=%d backup=%d, want 2 and 1", lv.Version, bv.Version)
	}
}

func TestStore_InterruptedSaveFallsBackToBackup(t *testing.T) {
	// WHAT: Simulate a crash between "rename live -> backup" and
	// "rename tmp -> live": only backup and tmp exist.
	// WHY: The previous checkpoint must still be recoverable.
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.Save(testState{Version: 1})
	os.Rename(filepath.Join(dir, "delay"), filepath.Join(dir, "delay.backup"))
	os.WriteFile(filepath.Join(dir, "delay.tmp"), []byte(`{"version": 2`), 0644)

	v, found, err := s.Load()
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if v.Version != 1 {
		t.Errorf("Version = %d, want 1 (from backup)", v.Version)
	}

	// The next save recovers the normal layout.
	if err := s.Save(testState{Version: 3}); err != nil {
		t.Fatalf("Save after crash failed: %v", err)
	}
	v, _, _ = s.Load()
	if v.Version != 3 {
		t.Errorf("Version = %d, want 3", v.Version)
	}
}

func TestStore_CorruptLiveUsesBackup(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	s.Save(testState{Version: 1})
	s.Save(testState{Version: 2})
	os.WriteFile(filepath.Join(dir, "delay"), []byte("{not json"), 0644)

	v, found, err := s.Load()
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if v.Version != 1 {
		t.Errorf("Version = %d, want 1", v.Version)
	}
}

func TestStore_BothUnreadable(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	os.WriteFile(filepath.Join(dir, "delay"), []byte("garbage"), 0644)
	os.WriteFile(filepath.Join(dir, "delay.backup"), nil, 0644)

	if _, _, err := s.Load(); !errors.Is(err, ErrCheckpointUnavailable) {
		t.Errorf("expected ErrCheckpointUnavailable, got %v", err)
	}
}

type emptySerde struct{}

func (emptySerde) Marshal(testState) ([]byte, error)   { return nil, nil }
func (emptySerde) Unmarshal([]byte) (testState, error) { return testState{}, nil }

func TestStore_EmptySaveIsSkipped(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore[testState](Config{Dir: dir, Name: "delay"}, emptySerde{})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := s.Save(testState{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("empty save wrote %d files", len(entries))
	}
}

func TestZstdSerde_ReadsPlainAndCompressed(t *testing.T) {
	dir := t.TempDir()

	plain := newTestStore(t, dir)
	plain.Save(testState{Version: 7})

	zs, err := NewStore[testState](Config{Dir: dir, Name: "delay"}, NewZstdSerde[testState](JSONSerde[testState]{}))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	v, _, err := zs.Load()
	if err != nil || v.Version != 7 {
		t.Fatalf("zstd store reading plain checkpoint: %+v, %v", v, err)
	}

	zs.Save(testState{Version: 8, Offsets: map[int64]int64{1: 2}})
	raw, _ := os.ReadFile(filepath.Join(dir, "delay"))
	if len(raw) < 4 || raw[0] != 0x28 || raw[1] != 0xb5 {
		t.Error("checkpoint not zstd compressed")
	}
	v, _, err = zs.Load()
	if err != nil || v.Version != 8 || v.Offsets[1] != 2 {
		t.Errorf("compressed round trip: %+v, %v", v, err)
	}
}
