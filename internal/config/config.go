// Package config loads the delay store's process configuration.
//
// Sources, lowest to highest precedence:
//
//	Default()            compiled-in defaults
//	Load(path)           YAML file (missing file keeps the defaults)
//	ApplyEnv()           DELAYSTORE_* environment variables
//
// Validate() reports every problem at once as a *ValidationError.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/metrics"
	"github.com/WuJingLearn/rocketmq/internal/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DELAYSTORE_"

// Config is the full process configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Wheel     WheelConfig     `yaml:"wheel"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	CommitLog CommitLogConfig `yaml:"commitlog"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig lays out the schedule and dispatch logs.
//
// The three directories default to subdirectories of BaseDir when empty.
type StoreConfig struct {
	BaseDir        string `yaml:"base_dir"`
	ScheduleLogDir string `yaml:"schedule_log_dir,omitempty"`
	DispatchLogDir string `yaml:"dispatch_log_dir,omitempty"`
	CheckpointDir  string `yaml:"checkpoint_dir,omitempty"`

	SegmentScale                 time.Duration `yaml:"segment_scale"`
	SingleMessageLimit           int           `yaml:"single_message_limit"`
	DispatchLogKeepTime          time.Duration `yaml:"dispatch_log_keep_time"`
	CheckCleanTimeBeforeDispatch time.Duration `yaml:"check_clean_time_before_dispatch"`
	FlushInterval                time.Duration `yaml:"flush_interval"`
	DispatchFlushInterval        time.Duration `yaml:"dispatch_flush_interval"`
	CleanInterval                time.Duration `yaml:"clean_interval"`
	CheckpointCompression        bool          `yaml:"checkpoint_compression"`
}

// WheelConfig tunes the timing wheel and its loader.
type WheelConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	LookAhead    time.Duration `yaml:"look_ahead"`
	LookBehind   time.Duration `yaml:"look_behind"`
	LoadInterval time.Duration `yaml:"load_interval"`
}

// DispatchConfig tunes the publish workers.
type DispatchConfig struct {
	Workers    int           `yaml:"workers"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// CommitLogConfig locates the Pebble commit log.
type CommitLogConfig struct {
	Dir   string `yaml:"dir"`
	Fsync bool   `yaml:"fsync"`
}

// ServerConfig holds the admin listeners. An empty address disables it.
type ServerConfig struct {
	HTTPAddr string             `yaml:"http_addr"`
	GRPCAddr string             `yaml:"grpc_addr"`
	TLS      security.TLSConfig `yaml:"tls"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a single-node configuration rooted at ./data.
func Default() *Config {
	d := delay.DefaultConfig("")
	return &Config{
		Store: StoreConfig{
			BaseDir:                      "./data",
			SegmentScale:                 d.SegmentScale,
			SingleMessageLimit:           d.SingleMessageLimit,
			DispatchLogKeepTime:          d.DispatchLogKeepTime,
			CheckCleanTimeBeforeDispatch: d.CheckCleanTimeBeforeDispatch,
			FlushInterval:                d.FlushInterval,
			DispatchFlushInterval:        d.DispatchFlushInterval,
			CleanInterval:                d.CleanInterval,
		},
		Wheel: WheelConfig{
			TickInterval: d.TickInterval,
			LookAhead:    d.LookAhead,
			LookBehind:   d.LookBehind,
			LoadInterval: d.LoadInterval,
		},
		Dispatch: DispatchConfig{
			Workers:    d.Workers,
			RetryDelay: d.RetryDelay,
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":9000",
			TLS:      security.DefaultTLSConfig(),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: metrics.DefaultConfig().Namespace,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================
//
// Every option maps to DELAYSTORE_<SECTION>_<KEY>, e.g.
//
//	store.segment_scale  ->  DELAYSTORE_STORE_SEGMENT_SCALE=30m
//	server.http_addr     ->  DELAYSTORE_SERVER_HTTP_ADDR=:8081
//
// Unparseable values are reported, not silently ignored.
// =============================================================================

// ApplyEnv overlays DELAYSTORE_* variables onto c.
func (c *Config) ApplyEnv() error {
	e := envReader{lookup: os.Getenv}

	c.Store.BaseDir = e.str("STORE_BASE_DIR", c.Store.BaseDir)
	c.Store.ScheduleLogDir = e.str("STORE_SCHEDULE_LOG_DIR", c.Store.ScheduleLogDir)
	c.Store.DispatchLogDir = e.str("STORE_DISPATCH_LOG_DIR", c.Store.DispatchLogDir)
	c.Store.CheckpointDir = e.str("STORE_CHECKPOINT_DIR", c.Store.CheckpointDir)
	c.Store.SegmentScale = e.duration("STORE_SEGMENT_SCALE", c.Store.SegmentScale)
	c.Store.SingleMessageLimit = e.int("STORE_SINGLE_MESSAGE_LIMIT", c.Store.SingleMessageLimit)
	c.Store.DispatchLogKeepTime = e.duration("STORE_DISPATCH_LOG_KEEP_TIME", c.Store.DispatchLogKeepTime)
	c.Store.CheckCleanTimeBeforeDispatch = e.duration("STORE_CHECK_CLEAN_TIME_BEFORE_DISPATCH", c.Store.CheckCleanTimeBeforeDispatch)
	c.Store.FlushInterval = e.duration("STORE_FLUSH_INTERVAL", c.Store.FlushInterval)
	c.Store.DispatchFlushInterval = e.duration("STORE_DISPATCH_FLUSH_INTERVAL", c.Store.DispatchFlushInterval)
	c.Store.CleanInterval = e.duration("STORE_CLEAN_INTERVAL", c.Store.CleanInterval)
	c.Store.CheckpointCompression = e.bool("STORE_CHECKPOINT_COMPRESSION", c.Store.CheckpointCompression)

	c.Wheel.TickInterval = e.duration("WHEEL_TICK_INTERVAL", c.Wheel.TickInterval)
	c.Wheel.LookAhead = e.duration("WHEEL_LOOK_AHEAD", c.Wheel.LookAhead)
	c.Wheel.LookBehind = e.duration("WHEEL_LOOK_BEHIND", c.Wheel.LookBehind)
	c.Wheel.LoadInterval = e.duration("WHEEL_LOAD_INTERVAL", c.Wheel.LoadInterval)

	c.Dispatch.Workers = e.int("DISPATCH_WORKERS", c.Dispatch.Workers)
	c.Dispatch.RetryDelay = e.duration("DISPATCH_RETRY_DELAY", c.Dispatch.RetryDelay)

	c.CommitLog.Dir = e.str("COMMITLOG_DIR", c.CommitLog.Dir)
	c.CommitLog.Fsync = e.bool("COMMITLOG_FSYNC", c.CommitLog.Fsync)

	c.Server.HTTPAddr = e.str("SERVER_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = e.str("SERVER_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.TLS.Enabled = e.bool("SERVER_TLS_ENABLED", c.Server.TLS.Enabled)
	c.Server.TLS.CertFile = e.str("SERVER_TLS_CERT_FILE", c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = e.str("SERVER_TLS_KEY_FILE", c.Server.TLS.KeyFile)
	c.Server.TLS.CAFile = e.str("SERVER_TLS_CA_FILE", c.Server.TLS.CAFile)
	c.Server.TLS.ClientAuth = e.str("SERVER_TLS_CLIENT_AUTH", c.Server.TLS.ClientAuth)
	c.Server.TLS.MinVersion = e.str("SERVER_TLS_MIN_VERSION", c.Server.TLS.MinVersion)
	c.Server.TLS.SelfSigned = e.bool("SERVER_TLS_SELF_SIGNED", c.Server.TLS.SelfSigned)

	c.Metrics.Enabled = e.bool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = e.str("METRICS_NAMESPACE", c.Metrics.Namespace)

	c.Log.Level = e.str("LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.str("LOG_FORMAT", c.Log.Format)

	if len(e.errs) > 0 {
		return &ValidationError{Errors: e.errs}
	}
	return nil
}

// envReader collects parse failures while reading overrides.
type envReader struct {
	lookup func(string) string
	errs   []string
}

func (e *envReader) getEnvOrDefault(key, defaultValue string) string {
	if v := e.lookup(EnvPrefix + key); v != "" {
		return v
	}
	return defaultValue
}

func (e *envReader) str(key, def string) string {
	return e.getEnvOrDefault(key, def)
}

func (e *envReader) int(key string, def int) int {
	v := e.getEnvOrDefault(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: invalid integer %q", EnvPrefix, key, v))
		return def
	}
	return i
}

func (e *envReader) bool(key string, def bool) bool {
	v := e.getEnvOrDefault(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: invalid boolean %q", EnvPrefix, key, v))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := e.getEnvOrDefault(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: invalid duration %q", EnvPrefix, key, v))
		return def
	}
	return d
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// ScheduleLogDir returns the schedule log directory, defaulting under BaseDir.
func (c *Config) ScheduleLogDir() string {
	return orJoin(c.Store.ScheduleLogDir, c.Store.BaseDir, "schedule_log")
}

// DispatchLogDir returns the dispatch log directory, defaulting under BaseDir.
func (c *Config) DispatchLogDir() string {
	return orJoin(c.Store.DispatchLogDir, c.Store.BaseDir, "dispatch_log")
}

// CheckpointDir returns the checkpoint directory, defaulting under BaseDir.
func (c *Config) CheckpointDir() string {
	return orJoin(c.Store.CheckpointDir, c.Store.BaseDir, "checkpoint")
}

// CommitLogDir returns the commit log directory, defaulting under BaseDir.
func (c *Config) CommitLogDir() string {
	return orJoin(c.CommitLog.Dir, c.Store.BaseDir, "commitlog")
}

func orJoin(explicit, base, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(base, name)
}

// ToDelayConfig converts c into the service configuration. The caller
// supplies the logger and metrics registry.
func (c *Config) ToDelayConfig(logger *slog.Logger, reg *metrics.Registry) delay.Config {
	d := delay.DefaultConfig(c.Store.BaseDir)
	d.ScheduleLogDir = c.ScheduleLogDir()
	d.DispatchLogDir = c.DispatchLogDir()
	d.CheckpointDir = c.CheckpointDir()
	d.SegmentScale = c.Store.SegmentScale
	d.SingleMessageLimit = c.Store.SingleMessageLimit
	d.DispatchLogKeepTime = c.Store.DispatchLogKeepTime
	d.CheckCleanTimeBeforeDispatch = c.Store.CheckCleanTimeBeforeDispatch
	d.FlushInterval = c.Store.FlushInterval
	d.DispatchFlushInterval = c.Store.DispatchFlushInterval
	d.CleanInterval = c.Store.CleanInterval
	d.CheckpointCompression = c.Store.CheckpointCompression
	d.TickInterval = c.Wheel.TickInterval
	d.LookAhead = c.Wheel.LookAhead
	d.LookBehind = c.Wheel.LookBehind
	d.LoadInterval = c.Wheel.LoadInterval
	d.Workers = c.Dispatch.Workers
	d.RetryDelay = c.Dispatch.RetryDelay
	d.Logger = logger
	d.Metrics = reg
	return d
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
