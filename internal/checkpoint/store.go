// =============================================================================
// CHECKPOINT STORE - CRASH-SAFE SNAPSHOT OF RECOVERY STATE
// =============================================================================
//
// A checkpoint is a small blob that must survive a crash at any instant. The
// store keeps up to three files per checkpoint name:
//
//   <name>          live copy
//   <name>.backup   previous live copy
//   <name>.tmp      save in progress
//
// SAVE:
//   1. write + fsync <name>.tmp
//   2. delete <name>.backup
//   3. rename <name> -> <name>.backup
//   4. rename <name>.tmp -> <name>
//   5. fsync the directory
//
//   Crash after 1: live untouched, tmp ignored.
//   Crash after 3: no live file, backup holds the previous checkpoint.
//   Crash after 4: new live, old backup.
//
// LOAD:
//   live decodes        -> live
//   else backup decodes -> backup
//   neither file exists -> cold start (zero value, found=false)
//   otherwise           -> ErrCheckpointUnavailable, recovery must stop
//
// =============================================================================

package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/WuJingLearn/rocketmq/internal/metrics"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCheckpointUnavailable means checkpoint files exist but none of them
	// can be read and decoded. Startup must not continue.
	ErrCheckpointUnavailable = errors.New("checkpoint unavailable")

	// ErrDecode wraps serde failures.
	ErrDecode = errors.New("checkpoint decode failed")
)

const (
	backupSuffix = ".backup"
	tmpSuffix    = ".tmp"
)

// Load sources, also used as metric labels.
const (
	SourceLive   = "live"
	SourceBackup = "backup"
	SourceNone   = "none"
)

// Config configures a Store.
type Config struct {
	Dir     string
	Name    string
	Logger  *slog.Logger
	Metrics *metrics.CheckpointMetrics
}

// Store persists values of type T under one checkpoint name.
type Store[T any] struct {
	dir   string
	name  string
	serde Serde[T]

	// mu serializes saves; loads only run at startup.
	mu sync.Mutex

	logger  *slog.Logger
	metrics *metrics.CheckpointMetrics
}

// NewStore creates the checkpoint directory if needed.
func NewStore[T any](cfg Config, serde Serde[T]) (*Store[T], error) {
	if cfg.Name == "" {
		return nil, errors.New("checkpoint name is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[T]{
		dir:     cfg.Dir,
		name:    cfg.Name,
		serde:   serde,
		logger:  logger.With("component", "checkpoint", "name", cfg.Name),
		metrics: cfg.Metrics,
	}, nil
}

func (s *Store[T]) livePath() string   { return filepath.Join(s.dir, s.name) }
func (s *Store[T]) backupPath() string { return filepath.Join(s.dir, s.name+backupSuffix) }
func (s *Store[T]) tmpPath() string    { return filepath.Join(s.dir, s.name+tmpSuffix) }

// Save atomically replaces the live checkpoint with v. A value that
// serializes to nothing is skipped.
func (s *Store[T]) Save(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := s.save(v)
	s.metrics.RecordSave(time.Since(start), err)
	if err != nil {
		s.logger.Error("checkpoint save failed", "error", err)
	}
	return err
}

func (s *Store[T]) save(v T) error {
	data, err := s.serde.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if len(data) == 0 {
		s.logger.Debug("empty checkpoint, skipping save")
		return nil
	}

	if err := writeFileSync(s.tmpPath(), data); err != nil {
		return err
	}

	live := s.livePath()
	if _, err := os.Stat(live); err == nil {
		backup := s.backupPath()
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete stale backup: %w", err)
		}
		if err := os.Rename(live, backup); err != nil {
			return fmt.Errorf("failed to move live checkpoint to backup: %w", err)
		}
		if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete live checkpoint: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat live checkpoint: %w", err)
	}

	if err := os.Rename(s.tmpPath(), live); err != nil {
		return fmt.Errorf("failed to install checkpoint: %w", err)
	}
	return syncDir(s.dir)
}

// Load returns the latest readable checkpoint. found is false on a cold
// start (no checkpoint files at all).
func (s *Store[T]) Load() (value T, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	liveExists := fileExists(s.livePath())
	backupExists := fileExists(s.backupPath())
	if !liveExists && !backupExists {
		s.logger.Info("no checkpoint found, cold start")
		s.metrics.RecordLoad(SourceNone)
		return value, false, nil
	}

	if liveExists {
		v, err := s.read(s.livePath())
		if err == nil {
			s.metrics.RecordLoad(SourceLive)
			return v, true, nil
		}
		s.logger.Warn("live checkpoint unreadable, trying backup", "error", err)
	}
	if backupExists {
		v, err := s.read(s.backupPath())
		if err == nil {
			s.logger.Warn("recovered checkpoint from backup")
			s.metrics.RecordLoad(SourceBackup)
			return v, true, nil
		}
		s.logger.Error("backup checkpoint unreadable", "error", err)
	}
	return value, false, fmt.Errorf("%w: %s in %s", ErrCheckpointUnavailable, s.name, s.dir)
}

func (s *Store[T]) read(path string) (T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(data) == 0 {
		var zero T
		return zero, fmt.Errorf("%w: %s is empty", ErrDecode, path)
	}
	return s.serde.Unmarshal(data)
}

// Dir returns the checkpoint directory.
func (s *Store[T]) Dir() string {
	return s.dir
}

// Name returns the checkpoint name.
func (s *Store[T]) Name() string {
	return s.name
}

// =============================================================================
// FILE HELPERS
// =============================================================================

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint directory: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
