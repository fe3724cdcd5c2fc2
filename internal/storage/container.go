package storage

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// SegmentContainer is the capability both logs share: an ordered set of
// time-bucketed segments that can be appended to, cleaned and flushed.
//
// R is the record type appended, T the typed payload of the append result.
type SegmentContainer[R any, T any] interface {
	Append(record R) RecordResult[T]
	Clean(key int64) bool
	Flush() error
	HigherBaseOffset(key int64) int64
}

var (
	_ SegmentContainer[*LogRecord, ScheduleIndex] = (*ScheduleLog)(nil)
	_ SegmentContainer[ScheduleIndex, int64]      = (*DispatchLog)(nil)
)

// ensureLogDir creates dir if needed and checks it can be read and written.
func ensureLogDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrLogDirUnusable)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrLogDirUnusable, dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrLogDirUnusable, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrLogDirUnusable, dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s not writable: %v", ErrLogDirUnusable, dir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	if _, err := os.ReadDir(dir); err != nil {
		return fmt.Errorf("%w: %s not readable: %v", ErrLogDirUnusable, dir, err)
	}
	return nil
}

// listSegmentFiles returns the base offsets of every segment file in dir,
// ascending. Dot-files and directories are skipped; other names are logged.
func listSegmentFiles(dir string, logger *slog.Logger) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLogDirUnusable, dir, err)
	}
	var bases []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (name != "" && name[0] == '.') {
			continue
		}
		base, ok := parseSegmentFileName(name)
		if !ok {
			logger.Warn("skipping unrecognised file in log directory", "dir", dir, "file", name)
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}
