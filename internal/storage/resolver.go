package storage

import "strconv"

// ResolveSegment maps a schedule time (epoch ms) to the base offset of the
// bucket that holds it: floor(scheduleTime / scale) * scale.
func ResolveSegment(scheduleTime int64, scale int64) int64 {
	if scale <= 0 {
		return scheduleTime
	}
	base := scheduleTime / scale * scale
	if scheduleTime < 0 && scheduleTime%scale != 0 {
		base -= scale
	}
	return base
}

// SegmentFileName is the on-disk name of a segment: its base offset in decimal.
func SegmentFileName(baseOffset int64) string {
	return strconv.FormatInt(baseOffset, 10)
}

// parseSegmentFileName is the inverse of SegmentFileName.
func parseSegmentFileName(name string) (int64, bool) {
	if name == "" || name[0] == '.' {
		return 0, false
	}
	base, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return base, true
}
