// =============================================================================
// SEGMENT FILE - ONE TIME BUCKET OF A LOG
// =============================================================================
//
// WHAT IS A SEGMENT?
// Both logs are split into one file per time bucket. A bucket covers
// [baseOffset, baseOffset+scale) milliseconds of schedule time, and the file is
// named after its base offset in decimal:
//
//   schedule/1700000000000   <- records due between 12:13:20 and 12:14:20
//   schedule/1700000060000
//   dispatch/1700000000000   <- markers for records of the same bucket
//
// WHY ONE FILE PER BUCKET?
//   - Retention is a file delete: once a bucket's messages were dispatched and
//     kept long enough, the whole file goes.
//   - Loading the timing wheel is a forward scan of the next few files.
//   - A torn tail after a crash only affects one bucket.
//
// WRITE MODEL:
//
//   ┌──────────────────────────────┬───────────────────┬──────────────┐
//   │ flushed (fsynced)            │ written, in cache │   free       │
//   └──────────────────────────────┴───────────────────┴──────────────┘
//   0                       flushedPosition      wrotePosition
//
//   - Appends only ever land at wrotePosition.
//   - Flush snapshots wrotePosition, fsyncs, then moves flushedPosition up to
//     the snapshot. Writes that race the sync are picked up next flush.
//   - On load both positions are set to the validated length and any bytes
//     past it are truncated.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// fileSegment is the file-backed core shared by schedule and dispatch segments.
//
// THREAD SAFETY:
//   - writeMu serializes appends so wrotePosition only moves forward
//   - stateMu guards the handle: I/O holds it shared, close/destroy exclusive
//   - positions are atomics so readers never block writers
type fileSegment struct {
	baseOffset int64
	path       string
	file       *os.File

	writeMu sync.Mutex

	stateMu sync.RWMutex
	closed  bool

	wrotePosition   atomic.Int64
	flushedPosition atomic.Int64
}

// openFileSegment opens (or creates) the segment file for baseOffset in dir.
// Both positions start at zero; loaded segments call loadOffset afterwards.
func openFileSegment(dir string, baseOffset int64) (*fileSegment, error) {
	path := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCreateSegment, path, err)
	}
	return &fileSegment{
		baseOffset: baseOffset,
		path:       path,
		file:       file,
	}, nil
}

// BaseOffset returns the bucket key of the segment.
func (s *fileSegment) BaseOffset() int64 {
	return s.baseOffset
}

// Path returns the segment file path.
func (s *fileSegment) Path() string {
	return s.path
}

// WrotePosition returns the end of the written bytes.
func (s *fileSegment) WrotePosition() int64 {
	return s.wrotePosition.Load()
}

// FlushedPosition returns the end of the fsynced bytes.
func (s *fileSegment) FlushedPosition() int64 {
	return s.flushedPosition.Load()
}

// FileSize returns the current length of the file on disk.
func (s *fileSegment) FileSize() (int64, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closed {
		return 0, ErrSegmentClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIOFailure, s.path, err)
	}
	return stat.Size(), nil
}

// write appends data at the wrote position. When expected is non-negative the
// append is rejected unless it equals the wrote position. Returns the position
// the data was written at.
func (s *fileSegment) write(expected int64, data []byte) (int64, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closed {
		return 0, ErrSegmentClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pos := s.wrotePosition.Load()
	if expected >= 0 && expected != pos {
		return pos, fmt.Errorf("%w: expected %d, wrote position %d", ErrOffsetMismatch, expected, pos)
	}
	if _, err := s.file.WriteAt(data, pos); err != nil {
		// The cursor stays put, so the torn bytes get overwritten by the
		// next append or truncated on the next load.
		return pos, fmt.Errorf("%w: write %s at %d: %v", ErrIOFailure, s.path, pos, err)
	}
	s.wrotePosition.Store(pos + int64(len(data)))
	return pos, nil
}

// readAt reads len(buf) bytes at off. Reads past the wrote position fail.
func (s *fileSegment) readAt(buf []byte, off int64) error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closed {
		return ErrSegmentClosed
	}
	if off < 0 || off+int64(len(buf)) > s.wrotePosition.Load() {
		return fmt.Errorf("%w: read [%d, %d) beyond wrote position %d",
			ErrRecordNotFound, off, off+int64(len(buf)), s.wrotePosition.Load())
	}
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: read %s at %d: %v", ErrIOFailure, s.path, off, err)
	}
	return nil
}

// sectionReader exposes [0, limit) of the file for sequential scans.
func (s *fileSegment) sectionReader(limit int64) io.Reader {
	return io.NewSectionReader(s.file, 0, limit)
}

// flush fsyncs the file and advances the flushed position to the wrote
// position observed before the sync.
func (s *fileSegment) flush() (int64, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closed {
		return s.flushedPosition.Load(), ErrSegmentClosed
	}

	wrote := s.wrotePosition.Load()
	if wrote <= s.flushedPosition.Load() {
		return s.flushedPosition.Load(), nil
	}
	if err := s.file.Sync(); err != nil {
		return s.flushedPosition.Load(), fmt.Errorf("%w: sync %s: %v", ErrIOFailure, s.path, err)
	}
	for {
		cur := s.flushedPosition.Load()
		if wrote <= cur || s.flushedPosition.CompareAndSwap(cur, wrote) {
			break
		}
	}
	return wrote, nil
}

// loadOffset adopts valid as the segment length: any bytes past it are
// truncated and both positions are set to it. Returns how many bytes were cut.
func (s *fileSegment) loadOffset(valid int64) (int64, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.closed {
		return 0, ErrSegmentClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stat, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIOFailure, s.path, err)
	}
	var truncated int64
	if stat.Size() > valid {
		truncated = stat.Size() - valid
		if err := s.file.Truncate(valid); err != nil {
			return 0, fmt.Errorf("%w: truncate %s to %d: %v", ErrIOFailure, s.path, valid, err)
		}
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: sync %s: %v", ErrIOFailure, s.path, err)
		}
	}
	s.wrotePosition.Store(valid)
	s.flushedPosition.Store(valid)
	return truncated, nil
}

// close syncs and closes the file. Safe to call more than once.
func (s *fileSegment) close() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if syncErr == nil && closeErr == nil {
		s.flushedPosition.Store(s.wrotePosition.Load())
	}
	return errors.Join(syncErr, closeErr)
}

// destroy closes and deletes the file. Callers remove the segment from its
// container first so no new append can find it.
func (s *fileSegment) destroy() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.closed {
		s.closed = true
		s.file.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", ErrIOFailure, s.path, err)
	}
	return nil
}

// isClosed reports whether the segment was closed or destroyed.
func (s *fileSegment) isClosed() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closed
}
