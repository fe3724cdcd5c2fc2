package checkpoint

import (
	"bytes"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Serde converts a checkpoint value to and from bytes.
type Serde[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONSerde stores checkpoints as indented JSON so they stay readable with
// cat during an incident.
type JSONSerde[T any] struct{}

func (JSONSerde[T]) Marshal(v T) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (JSONSerde[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ZstdSerde compresses the output of an inner serde. Unmarshal accepts both
// compressed and plain data, so compression can be switched on for an
// existing checkpoint directory.
type ZstdSerde[T any] struct {
	Inner Serde[T]

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

// NewZstdSerde wraps inner with zstd compression.
func NewZstdSerde[T any](inner Serde[T]) *ZstdSerde[T] {
	return &ZstdSerde[T]{Inner: inner}
}

func (s *ZstdSerde[T]) init() error {
	s.once.Do(func() {
		s.encoder, s.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if s.initErr != nil {
			return
		}
		s.decoder, s.initErr = zstd.NewReader(nil)
	})
	return s.initErr
}

func (s *ZstdSerde[T]) Marshal(v T) ([]byte, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	raw, err := s.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return s.encoder.EncodeAll(raw, nil), nil
}

func (s *ZstdSerde[T]) Unmarshal(data []byte) (T, error) {
	if err := s.init(); err != nil {
		var zero T
		return zero, err
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		return s.Inner.Unmarshal(data)
	}
	raw, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
	}
	return s.Inner.Unmarshal(raw)
}
