package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// Bad config should stop the process before any segment is opened. Every
// problem is collected and returned together so the operator fixes all of
// them in one pass:
//
//   configuration validation failed:
//     1. store.segment_scale: must be > 0, got 0s
//     2. wheel.look_ahead: 1s must be at least wheel.tick_interval 2s
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats the failures as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks c and returns nil or a *ValidationError.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, validateStore(&c.Store)...)
	errs = append(errs, validateWheel(&c.Wheel)...)

	if c.Dispatch.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("dispatch.workers: must be > 0, got %d", c.Dispatch.Workers))
	}
	errs = append(errs, positive("dispatch.retry_delay", c.Dispatch.RetryDelay)...)

	if c.CommitLog.Dir != "" {
		errs = append(errs, validateDir("commitlog.dir", c.CommitLog.Dir)...)
	}

	// Empty addresses disable the listener.
	if c.Server.HTTPAddr != "" {
		if err := validateAddress(c.Server.HTTPAddr); err != nil {
			errs = append(errs, fmt.Sprintf("server.http_addr: invalid %q: %v", c.Server.HTTPAddr, err))
		}
	}
	if c.Server.GRPCAddr != "" {
		if err := validateAddress(c.Server.GRPCAddr); err != nil {
			errs = append(errs, fmt.Sprintf("server.grpc_addr: invalid %q: %v", c.Server.GRPCAddr, err))
		}
	}
	if c.Server.HTTPAddr != "" && c.Server.HTTPAddr == c.Server.GRPCAddr {
		errs = append(errs, fmt.Sprintf("server: http_addr and grpc_addr are both %q", c.Server.HTTPAddr))
	}
	errs = append(errs, c.Server.TLS.Validate()...)

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, "metrics.namespace: must not be empty when metrics are enabled")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateStore(s *StoreConfig) []string {
	var errs []string

	if s.BaseDir == "" && (s.ScheduleLogDir == "" || s.DispatchLogDir == "" || s.CheckpointDir == "") {
		errs = append(errs, "store.base_dir: must not be empty unless every log directory is set")
	}
	for _, d := range []struct{ key, dir string }{
		{"store.base_dir", s.BaseDir},
		{"store.schedule_log_dir", s.ScheduleLogDir},
		{"store.dispatch_log_dir", s.DispatchLogDir},
		{"store.checkpoint_dir", s.CheckpointDir},
	} {
		if d.dir != "" {
			errs = append(errs, validateDir(d.key, d.dir)...)
		}
	}
	if s.ScheduleLogDir != "" && s.ScheduleLogDir == s.DispatchLogDir {
		errs = append(errs, "store: schedule_log_dir and dispatch_log_dir must differ")
	}

	errs = append(errs, positive("store.segment_scale", s.SegmentScale)...)
	if s.SegmentScale > 0 && s.SegmentScale%time.Millisecond != 0 {
		errs = append(errs, fmt.Sprintf("store.segment_scale: must be whole milliseconds, got %s", s.SegmentScale))
	}
	if s.SingleMessageLimit <= 0 {
		errs = append(errs, fmt.Sprintf("store.single_message_limit: must be > 0, got %d", s.SingleMessageLimit))
	}
	errs = append(errs, positive("store.dispatch_log_keep_time", s.DispatchLogKeepTime)...)
	if s.CheckCleanTimeBeforeDispatch < 0 {
		errs = append(errs, fmt.Sprintf("store.check_clean_time_before_dispatch: must be >= 0, got %s", s.CheckCleanTimeBeforeDispatch))
	}
	errs = append(errs, positive("store.flush_interval", s.FlushInterval)...)
	errs = append(errs, positive("store.dispatch_flush_interval", s.DispatchFlushInterval)...)
	errs = append(errs, positive("store.clean_interval", s.CleanInterval)...)
	return errs
}

func validateWheel(w *WheelConfig) []string {
	var errs []string
	errs = append(errs, positive("wheel.tick_interval", w.TickInterval)...)
	errs = append(errs, positive("wheel.look_ahead", w.LookAhead)...)
	errs = append(errs, positive("wheel.load_interval", w.LoadInterval)...)
	if w.LookBehind < 0 {
		errs = append(errs, fmt.Sprintf("wheel.look_behind: must be >= 0, got %s", w.LookBehind))
	}
	if w.TickInterval > 0 && w.LookAhead > 0 && w.LookAhead < w.TickInterval {
		errs = append(errs, fmt.Sprintf("wheel.look_ahead: %s must be at least wheel.tick_interval %s", w.LookAhead, w.TickInterval))
	}
	return errs
}

func positive(key string, d time.Duration) []string {
	if d <= 0 {
		return []string{fmt.Sprintf("%s: must be > 0, got %s", key, d)}
	}
	return nil
}

// validateDir checks that dir is, or can become, a directory.
func validateDir(key, dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		errs = append(errs, fmt.Sprintf("%s: cannot resolve path %q: %v", key, dir, err))
		return errs
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("%s: %q exists but is not a directory", key, absDir))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("%s: cannot access %q: %v", key, absDir, err))
		return errs
	}

	// Missing is fine as long as some ancestor exists; MkdirAll creates the rest.
	for parent := filepath.Dir(absDir); ; parent = filepath.Dir(parent) {
		info, err := os.Stat(parent)
		if err == nil {
			if !info.IsDir() {
				errs = append(errs, fmt.Sprintf("%s: ancestor %q of %q is not a directory", key, parent, absDir))
			}
			break
		}
		if !os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("%s: %q does not exist and %q is not accessible: %v", key, absDir, parent, err))
			break
		}
		if parent == filepath.Dir(parent) {
			break
		}
	}

	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
