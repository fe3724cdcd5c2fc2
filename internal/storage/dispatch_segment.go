package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DispatchRecordSize is the width of one dispatch marker.
const DispatchRecordSize = 8

// DispatchSegment is one bucket of the dispatch log. Each 8-byte big-endian
// marker holds the offset of a schedule record, in the schedule segment with
// the same base offset, that was already handed to the publisher.
//
// The set of dispatched offsets is kept in memory: it is rebuilt by scanning
// the file on load and updated on every append.
type DispatchSegment struct {
	*fileSegment

	setMu      sync.RWMutex
	dispatched map[int64]struct{}
}

func openDispatchSegment(dir string, baseOffset int64) (*DispatchSegment, error) {
	fs, err := openFileSegment(dir, baseOffset)
	if err != nil {
		return nil, err
	}
	return &DispatchSegment{fileSegment: fs, dispatched: make(map[int64]struct{})}, nil
}

// Validate keeps whole markers only.
func (s *DispatchSegment) Validate() (int64, error) {
	size, err := s.FileSize()
	if err != nil {
		return 0, err
	}
	return size - size%DispatchRecordSize, nil
}

// AppendDispatched writes a marker for scheduleOffset at the wrote position.
func (s *DispatchSegment) AppendDispatched(scheduleOffset int64) AppendMessageResult[int64] {
	var buf [DispatchRecordSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(scheduleOffset))

	pos, err := s.write(-1, buf[:])
	if err != nil {
		return AppendMessageResult[int64]{Status: StatusUnknownError, Offset: pos, Err: err}
	}
	s.markDispatched(scheduleOffset)
	return AppendMessageResult[int64]{
		Status: StatusSuccess,
		Offset: pos,
		Size:   DispatchRecordSize,
		Data:   scheduleOffset,
	}
}

// AppendData writes raw markers that must start exactly at the wrote position.
// Used when copying dispatch log data between stores.
func (s *DispatchSegment) AppendData(startOffset int64, body []byte) AppendMessageResult[int64] {
	if len(body)%DispatchRecordSize != 0 {
		return AppendMessageResult[int64]{
			Status: StatusUnknownError,
			Err:    fmt.Errorf("%w: body of %d bytes is not whole markers", ErrCorruptRecord, len(body)),
		}
	}
	pos, err := s.write(startOffset, body)
	if err != nil {
		status := StatusUnknownError
		if errors.Is(err, ErrOffsetMismatch) {
			status = StatusOffsetMismatch
		}
		return AppendMessageResult[int64]{Status: status, Offset: pos, Err: err}
	}
	for i := 0; i < len(body); i += DispatchRecordSize {
		s.markDispatched(int64(binary.BigEndian.Uint64(body[i:])))
	}
	return AppendMessageResult[int64]{Status: StatusSuccess, Offset: pos, Size: int64(len(body)), Data: pos}
}

func (s *DispatchSegment) markDispatched(scheduleOffset int64) {
	s.setMu.Lock()
	s.dispatched[scheduleOffset] = struct{}{}
	s.setMu.Unlock()
}

// IsDispatched reports whether a marker for scheduleOffset exists.
func (s *DispatchSegment) IsDispatched(scheduleOffset int64) bool {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	_, ok := s.dispatched[scheduleOffset]
	return ok
}

// DispatchedCount returns the number of distinct dispatched offsets.
func (s *DispatchSegment) DispatchedCount() int {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	return len(s.dispatched)
}

// rebuild scans [0, wrote) and fills the dispatched set.
func (s *DispatchSegment) rebuild() error {
	set := make(map[int64]struct{})
	sc := s.NewScanner(0, 0)
	for sc.Next() {
		set[sc.ScheduleOffset()] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	s.setMu.Lock()
	s.dispatched = set
	s.setMu.Unlock()
	return nil
}

// FlushedOffsets returns the distinct schedule offsets whose markers are
// below the flushed position. Nothing counts before the first flush.
func (s *DispatchSegment) FlushedOffsets() (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	flushed := s.FlushedPosition()
	if flushed <= 0 {
		return out, nil
	}
	sc := s.NewScanner(0, flushed)
	for sc.Next() {
		out[sc.ScheduleOffset()] = struct{}{}
	}
	return out, sc.Err()
}

// ReadData returns the raw markers in [from, wrote).
func (s *DispatchSegment) ReadData(from int64) ([]byte, error) {
	from -= from % DispatchRecordSize
	end := s.WrotePosition()
	if from >= end {
		return nil, nil
	}
	buf := make([]byte, end-from)
	if err := s.readAt(buf, from); err != nil {
		return nil, err
	}
	return buf, nil
}

// NewScanner iterates markers in [from, to). to <= 0 means the wrote position.
func (s *DispatchSegment) NewScanner(from, to int64) *DispatchScanner {
	if to <= 0 {
		to = s.WrotePosition()
	}
	from -= from % DispatchRecordSize
	to -= to % DispatchRecordSize
	return &DispatchScanner{segment: s, pos: from, end: to}
}

// DispatchScanner is a forward iterator over dispatch markers. It reads
// through a buffered section of the file.
type DispatchScanner struct {
	segment *DispatchSegment
	reader  *bufio.Reader
	pos     int64
	end     int64
	current int64
	buf     [DispatchRecordSize]byte
	err     error
}

// Next advances to the next marker.
func (sc *DispatchScanner) Next() bool {
	if sc.err != nil || sc.pos+DispatchRecordSize > sc.end {
		return false
	}
	if sc.reader == nil {
		if sc.segment.isClosed() {
			sc.err = ErrSegmentClosed
			return false
		}
		section := io.NewSectionReader(sc.segment.file, sc.pos, sc.end-sc.pos)
		sc.reader = bufio.NewReaderSize(section, 32*1024)
	}
	if _, err := io.ReadFull(sc.reader, sc.buf[:]); err != nil {
		sc.err = fmt.Errorf("%w: scan dispatch segment %d at %d: %v", ErrIOFailure, sc.segment.baseOffset, sc.pos, err)
		return false
	}
	sc.current = int64(binary.BigEndian.Uint64(sc.buf[:]))
	sc.pos += DispatchRecordSize
	return true
}

// ScheduleOffset returns the schedule offset stored in the current marker.
func (sc *DispatchScanner) ScheduleOffset() int64 {
	return sc.current
}

// Position returns the position after the current marker.
func (sc *DispatchScanner) Position() int64 {
	return sc.pos
}

// Err returns the error that stopped the scan, if any.
func (sc *DispatchScanner) Err() error {
	return sc.err
}
