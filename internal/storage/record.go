// =============================================================================
// SCHEDULE RECORD FORMAT
// =============================================================================
//
// Every schedule log record is self-describing so a segment can be validated
// without any external index:
//
//   ┌───────┬─────────┬───────┬────────────┬──────────┐
//   │ Magic │ Version │ Flags │ RecordSize │ Checksum │   prefix, 16 bytes
//   │  2B   │   1B    │  1B   │    4B      │    8B    │
//   ├───────┴─────────┴───────┴────────────┴──────────┤
//   │ SubjectLen(2) Subject MessageIDLen(2) MessageID │
//   │ ScheduleTime(8) Sequence(8)                     │   body
//   │ PayloadSize(4) Payload                          │
//   └─────────────────────────────────────────────────┘
//
//   - Magic is "DL". A zeroed or foreign tail fails here first.
//   - RecordSize is the full length including the prefix.
//   - Checksum is xxhash64 over the body. It catches torn writes where the
//     prefix landed but the body did not.
//   - All integers are big-endian.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	recordMagic0  byte = 'D'
	recordMagic1  byte = 'L'
	recordVersion byte = 1

	// RecordPrefixSize is magic + version + flags + size + checksum.
	RecordPrefixSize = 16

	// recordFixedBody is every fixed-width body field.
	recordFixedBody = 2 + 2 + 8 + 8 + 4

	// MinRecordSize is the size of a record with empty strings and payload.
	MinRecordSize = RecordPrefixSize + recordFixedBody

	// MaxFieldLen bounds subject and message id.
	MaxFieldLen = math.MaxUint16
)

// LogRecordHeader is the immutable header of a scheduled message.
type LogRecordHeader struct {
	Subject      string
	MessageID    string
	ScheduleTime int64 // epoch ms
	Sequence     int64
}

// LogRecord is a header plus the message body to persist.
type LogRecord struct {
	Header  LogRecordHeader
	Payload []byte
}

// NewLogRecord builds a record.
func NewLogRecord(subject, messageID string, scheduleTime, sequence int64, payload []byte) *LogRecord {
	return &LogRecord{
		Header: LogRecordHeader{
			Subject:      subject,
			MessageID:    messageID,
			ScheduleTime: scheduleTime,
			Sequence:     sequence,
		},
		Payload: payload,
	}
}

// EncodedSize is the number of bytes the record takes on disk.
func (r *LogRecord) EncodedSize() int {
	return MinRecordSize + len(r.Header.Subject) + len(r.Header.MessageID) + len(r.Payload)
}

// ScheduleRecord is a record read back from a segment.
type ScheduleRecord struct {
	LogRecordHeader
	Payload []byte

	BaseOffset int64 // segment it lives in
	Offset     int64 // position inside the segment
	Size       int32 // encoded size
}

// Index returns the wheel index addressing this record.
func (r *ScheduleRecord) Index() ScheduleIndex {
	return ScheduleIndex{ScheduleTime: r.ScheduleTime, Offset: r.Offset, Size: r.Size}
}

// ScheduleIndex addresses one schedule record: the segment is
// ResolveSegment(ScheduleTime), the record starts at Offset and is Size bytes.
type ScheduleIndex struct {
	ScheduleTime int64
	Offset       int64
	Size         int32
}

// maxRecordSize is the largest record accepted for a given payload limit.
func maxRecordSize(messageLimit int) int64 {
	if messageLimit <= 0 {
		return math.MaxInt32
	}
	return int64(MinRecordSize) + 2*MaxFieldLen + int64(messageLimit)
}

// encodeRecord serializes a record. Payloads above messageLimit are refused
// with ErrMessageTooLarge.
func encodeRecord(r *LogRecord, messageLimit int) ([]byte, error) {
	if messageLimit > 0 && len(r.Payload) > messageLimit {
		return nil, fmt.Errorf("%w: payload %d bytes, limit %d", ErrMessageTooLarge, len(r.Payload), messageLimit)
	}
	if len(r.Header.Subject) > MaxFieldLen || len(r.Header.MessageID) > MaxFieldLen {
		return nil, fmt.Errorf("%w: subject or message id longer than %d", ErrMessageTooLarge, MaxFieldLen)
	}

	size := r.EncodedSize()
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("%w: record %d bytes", ErrMessageTooLarge, size)
	}
	buf := make([]byte, size)

	buf[0] = recordMagic0
	buf[1] = recordMagic1
	buf[2] = recordVersion
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], uint32(size))

	pos := RecordPrefixSize
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(r.Header.Subject)))
	pos += 2
	pos += copy(buf[pos:], r.Header.Subject)
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(r.Header.MessageID)))
	pos += 2
	pos += copy(buf[pos:], r.Header.MessageID)
	binary.BigEndian.PutUint64(buf[pos:], uint64(r.Header.ScheduleTime))
	pos += 8
	binary.BigEndian.PutUint64(buf[pos:], uint64(r.Header.Sequence))
	pos += 8
	binary.BigEndian.PutUint32(buf[pos:], uint32(len(r.Payload)))
	pos += 4
	copy(buf[pos:], r.Payload)

	binary.BigEndian.PutUint64(buf[8:16], xxhash.Sum64(buf[RecordPrefixSize:]))
	return buf, nil
}

// checkPrefix validates the fixed prefix and returns the record size and
// checksum it announces.
func checkPrefix(prefix []byte, messageLimit int) (int64, uint64, error) {
	if len(prefix) < RecordPrefixSize {
		return 0, 0, fmt.Errorf("%w: short prefix", ErrCorruptRecord)
	}
	if prefix[0] != recordMagic0 || prefix[1] != recordMagic1 {
		return 0, 0, fmt.Errorf("%w: bad magic %#x%#x", ErrCorruptRecord, prefix[0], prefix[1])
	}
	if prefix[2] != recordVersion {
		return 0, 0, fmt.Errorf("%w: unknown version %d", ErrCorruptRecord, prefix[2])
	}
	size := int64(binary.BigEndian.Uint32(prefix[4:8]))
	if size < MinRecordSize || size > maxRecordSize(messageLimit) {
		return 0, 0, fmt.Errorf("%w: record size %d out of bounds", ErrCorruptRecord, size)
	}
	return size, binary.BigEndian.Uint64(prefix[8:16]), nil
}

// decodeBody parses the body (everything after the prefix) after verifying
// its checksum against sum.
func decodeBody(body []byte, sum uint64) (*ScheduleRecord, error) {
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	rec := &ScheduleRecord{}
	pos := 0
	need := func(n int) bool { return pos+n <= len(body) }

	if !need(2) {
		return nil, fmt.Errorf("%w: truncated subject length", ErrCorruptRecord)
	}
	n := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	if !need(n + 2) {
		return nil, fmt.Errorf("%w: subject overruns record", ErrCorruptRecord)
	}
	rec.Subject = string(body[pos : pos+n])
	pos += n

	n = int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	if !need(n + 8 + 8 + 4) {
		return nil, fmt.Errorf("%w: message id overruns record", ErrCorruptRecord)
	}
	rec.MessageID = string(body[pos : pos+n])
	pos += n

	rec.ScheduleTime = int64(binary.BigEndian.Uint64(body[pos:]))
	pos += 8
	rec.Sequence = int64(binary.BigEndian.Uint64(body[pos:]))
	pos += 8
	payloadSize := int(binary.BigEndian.Uint32(body[pos:]))
	pos += 4
	if pos+payloadSize != len(body) {
		return nil, fmt.Errorf("%w: payload size %d does not fill record", ErrCorruptRecord, payloadSize)
	}
	rec.Payload = body[pos:]
	return rec, nil
}

// decodeRecord parses a full record (prefix included).
func decodeRecord(buf []byte, messageLimit int) (*ScheduleRecord, error) {
	size, sum, err := checkPrefix(buf, messageLimit)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) != size {
		return nil, fmt.Errorf("%w: buffer %d bytes, record %d", ErrCorruptRecord, len(buf), size)
	}
	rec, err := decodeBody(buf[RecordPrefixSize:], sum)
	if err != nil {
		return nil, err
	}
	rec.Size = int32(size)
	return rec, nil
}
