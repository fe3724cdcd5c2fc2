package storage

// ValidatableSegment is what a SegmentValidator inspects on load.
type ValidatableSegment interface {
	BaseOffset() int64
	FileSize() (int64, error)
	Validate() (int64, error)
}

// SegmentValidator decides how many bytes of a segment file are trusted when
// the log is opened. Loading truncates the file to the returned length.
type SegmentValidator interface {
	Validate(seg ValidatableSegment) (int64, error)
}

// StructuralValidator runs the segment's own validation: whole markers for
// dispatch segments, a record walk for schedule segments.
type StructuralValidator struct{}

func (StructuralValidator) Validate(seg ValidatableSegment) (int64, error) {
	return seg.Validate()
}

// SizeValidator trusts the file length. The schedule log opens with it and
// then runs ReValidate against the checkpoint, which deep-scans only the
// segments whose length disagrees with the last checkpoint.
type SizeValidator struct{}

func (SizeValidator) Validate(seg ValidatableSegment) (int64, error) {
	return seg.FileSize()
}

// SegmentValidatorFunc adapts a function to SegmentValidator.
type SegmentValidatorFunc func(seg ValidatableSegment) (int64, error)

func (f SegmentValidatorFunc) Validate(seg ValidatableSegment) (int64, error) {
	return f(seg)
}
