package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ScheduleSegment is one bucket of the schedule log.
type ScheduleSegment struct {
	*fileSegment
	messageLimit int
}

func openScheduleSegment(dir string, baseOffset int64, messageLimit int) (*ScheduleSegment, error) {
	fs, err := openFileSegment(dir, baseOffset)
	if err != nil {
		return nil, err
	}
	return &ScheduleSegment{fileSegment: fs, messageLimit: messageLimit}, nil
}

// Append writes the record at the wrote position.
func (s *ScheduleSegment) Append(rec *LogRecord) AppendMessageResult[ScheduleIndex] {
	data, err := encodeRecord(rec, s.messageLimit)
	if err != nil {
		status := StatusUnknownError
		if errors.Is(err, ErrMessageTooLarge) {
			status = StatusMessageTooLarge
		}
		return AppendMessageResult[ScheduleIndex]{Status: status, Err: err}
	}

	pos, err := s.write(-1, data)
	if err != nil {
		return AppendMessageResult[ScheduleIndex]{Status: StatusUnknownError, Offset: pos, Err: err}
	}
	return AppendMessageResult[ScheduleIndex]{
		Status: StatusSuccess,
		Offset: pos,
		Size:   int64(len(data)),
		Data: ScheduleIndex{
			ScheduleTime: rec.Header.ScheduleTime,
			Offset:       pos,
			Size:         int32(len(data)),
		},
	}
}

// Validate returns the length of the valid record prefix of the file.
func (s *ScheduleSegment) Validate() (int64, error) {
	valid, _, err := s.DoValidate(s.messageLimit)
	return valid, err
}

// DoValidate walks the file from the start and stops at the first record that
// is incomplete or fails magic, bounds, checksum or field checks. It returns
// the valid length and how many records it holds. Only I/O failures are
// returned as errors; corruption just ends the valid prefix.
func (s *ScheduleSegment) DoValidate(messageLimit int) (valid int64, count int64, err error) {
	size, err := s.FileSize()
	if err != nil {
		return 0, 0, err
	}

	r := bufio.NewReaderSize(s.sectionReader(size), 64*1024)
	prefix := make([]byte, RecordPrefixSize)
	var body []byte

	for valid < size {
		if _, err := io.ReadFull(r, prefix); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return valid, count, nil
			}
			return valid, count, fmt.Errorf("%w: validate %s: %v", ErrIOFailure, s.path, err)
		}
		recSize, sum, err := checkPrefix(prefix, messageLimit)
		if err != nil {
			return valid, count, nil
		}
		if valid+recSize > size {
			return valid, count, nil
		}

		bodyLen := int(recSize - RecordPrefixSize)
		if cap(body) < bodyLen {
			body = make([]byte, bodyLen)
		}
		body = body[:bodyLen]
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return valid, count, nil
			}
			return valid, count, fmt.Errorf("%w: validate %s: %v", ErrIOFailure, s.path, err)
		}
		if _, err := decodeBody(body, sum); err != nil {
			return valid, count, nil
		}

		valid += recSize
		count++
	}
	return valid, count, nil
}

// Recover reads back the record at offset. size may be zero, in which case it
// is taken from the record prefix.
func (s *ScheduleSegment) Recover(offset int64, size int32) (*ScheduleRecord, error) {
	if size <= 0 {
		prefix := make([]byte, RecordPrefixSize)
		if err := s.readAt(prefix, offset); err != nil {
			return nil, err
		}
		n, _, err := checkPrefix(prefix, s.messageLimit)
		if err != nil {
			return nil, err
		}
		size = int32(n)
	}

	buf := make([]byte, size)
	if err := s.readAt(buf, offset); err != nil {
		return nil, err
	}
	rec, err := decodeRecord(buf, s.messageLimit)
	if err != nil {
		return nil, fmt.Errorf("segment %d offset %d: %w", s.baseOffset, offset, err)
	}
	rec.BaseOffset = s.baseOffset
	rec.Offset = offset
	return rec, nil
}

// NewScanner iterates records in [from, to). to <= 0 means the wrote position
// at the time of the call.
func (s *ScheduleSegment) NewScanner(from, to int64) *ScheduleScanner {
	if to <= 0 {
		to = s.WrotePosition()
	}
	return &ScheduleScanner{segment: s, pos: from, end: to}
}

// ScheduleScanner is a forward iterator over a schedule segment.
//
//	sc := seg.NewScanner(0, 0)
//	for sc.Next() {
//	    rec := sc.Record()
//	}
//	if err := sc.Err(); err != nil { ... }
type ScheduleScanner struct {
	segment *ScheduleSegment
	pos     int64
	end     int64
	rec     *ScheduleRecord
	err     error
}

// Next advances to the next record. It returns false at the end of the range
// or on error.
func (sc *ScheduleScanner) Next() bool {
	if sc.err != nil || sc.pos >= sc.end {
		return false
	}
	rec, err := sc.segment.Recover(sc.pos, 0)
	if err != nil {
		sc.err = err
		return false
	}
	sc.rec = rec
	sc.pos += int64(rec.Size)
	return true
}

// Record returns the current record.
func (sc *ScheduleScanner) Record() *ScheduleRecord {
	return sc.rec
}

// Position returns where the next record starts.
func (sc *ScheduleScanner) Position() int64 {
	return sc.pos
}

// Err returns the error that stopped the scan, if any.
func (sc *ScheduleScanner) Err() error {
	return sc.err
}
