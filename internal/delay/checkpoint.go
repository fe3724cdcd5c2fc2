package delay

import (
	"github.com/WuJingLearn/rocketmq/internal/checkpoint"
)

// CheckpointName is the file name of the delay store checkpoint.
const CheckpointName = "delay_checkpoint"

// Checkpoint is the recovery baseline saved after every schedule log flush.
//
// Offsets are flushed positions, so every byte they cover is on disk.
// DispatchedUpTo[b] = p means every schedule record below p in segment b has
// a flushed dispatch marker; the loader replays segment b from p.
// ScheduleCleanFloor is the highest schedule bucket retention removed; nil
// when nothing was cleaned yet.
type Checkpoint struct {
	ScheduleOffsets     map[int64]int64 `json:"schedule_offsets"`
	DispatchOffsets     map[int64]int64 `json:"dispatch_offsets"`
	DispatchedUpTo      map[int64]int64 `json:"dispatched_up_to"`
	DispatchedWatermark int64           `json:"dispatched_watermark"`
	ScheduleCleanFloor  *int64          `json:"schedule_clean_floor,omitempty"`
	SavedAt             int64           `json:"saved_at"`
}

// Empty reports whether the checkpoint describes no segments and no cleaning.
func (c Checkpoint) Empty() bool {
	return len(c.ScheduleOffsets) == 0 && len(c.DispatchOffsets) == 0 &&
		len(c.DispatchedUpTo) == 0 && c.ScheduleCleanFloor == nil
}

// checkpointSerde writes empty checkpoints as nothing so the store skips them.
type checkpointSerde struct {
	inner checkpoint.Serde[Checkpoint]
}

func (s checkpointSerde) Marshal(c Checkpoint) ([]byte, error) {
	if c.Empty() {
		return nil, nil
	}
	return s.inner.Marshal(c)
}

func (s checkpointSerde) Unmarshal(data []byte) (Checkpoint, error) {
	return s.inner.Unmarshal(data)
}

// NewCheckpointSerde returns the serde the service uses, zstd compressed when
// compress is set. Either variant reads files written by the other.
func NewCheckpointSerde(compress bool) checkpoint.Serde[Checkpoint] {
	var inner checkpoint.Serde[Checkpoint] = checkpoint.JSONSerde[Checkpoint]{}
	if compress {
		inner = checkpoint.NewZstdSerde[Checkpoint](inner)
	}
	return checkpointSerde{inner: inner}
}
