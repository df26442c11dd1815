// Package config provides configuration types and defaults for the
// coordinator service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default constants for coordinator-domain knobs.
const (
	// DefaultChunkDurationSeconds is the default chunk length for a
	// freshly-planned ingest job.
	DefaultChunkDurationSeconds float64 = 300.0

	// DefaultBaseFPS is the sampling rate applied while no rule has
	// recently fired for a job.
	DefaultBaseFPS float64 = 5.0

	// DefaultBurstFPS is the sampling rate the dispatcher switches to
	// once any event has fired in a job; it stays in effect for the
	// rest of that job.
	DefaultBurstFPS float64 = 30.0

	// DefaultBurstWindowFrames is loaded and validated as
	// burst_window_frames; the dispatcher does not read it, so a burst
	// never ends after a fixed number of frames.
	DefaultBurstWindowFrames int = 150

	// DefaultDebounceSeconds is loaded and validated as
	// debounce_seconds; the emitter does not read it and debounces each
	// (rule, track_id) pair by that rule's own DebounceSec.
	DefaultDebounceSeconds float64 = 10.0

	// DefaultHighWatermark is the queue length above which ingestion
	// endpoints start returning 429.
	DefaultHighWatermark int64 = 500

	// DefaultChunkLookAhead is loaded and validated as
	// chunk_look_ahead; chunk planning produces metadata only and writes
	// no chunk files, and nothing reads this value.
	DefaultChunkLookAhead int = 4

	// DefaultMinGPUMemoryBytes is the minimum free GPU memory required
	// before a job is assigned to a slot.
	DefaultMinGPUMemoryBytes int64 = 2 << 30

	// DefaultGPUWaitBackoffSeconds is how long the dispatcher waits
	// between GPU-acquisition retries.
	DefaultGPUWaitBackoffSeconds float64 = 2.0

	// DefaultMaxGPUWaitRetries bounds how many times the dispatcher
	// retries GPU acquisition before failing a job.
	DefaultMaxGPUWaitRetries int = 3

	// DefaultDispatcherConcurrency is the number of jobs the
	// dispatcher will process concurrently.
	DefaultDispatcherConcurrency int64 = 4

	// DefaultHTTPAddr is the bind address for the HTTP API.
	DefaultHTTPAddr string = ":8080"

	// DefaultJWTAlgorithm is the signing algorithm expected on bearer
	// tokens.
	DefaultJWTAlgorithm string = "HS256"

	// DefaultJWTTTLMinutes is the default access-token lifetime.
	DefaultJWTTTLMinutes int = 60

	// DefaultLogLevel is the default logrus level name.
	DefaultLogLevel string = "info"

	// DefaultLogFormat selects between "text" and "json" logrus
	// formatters.
	DefaultLogFormat string = "text"

	// DefaultStatusTTLSeconds is how long a job's status entry
	// survives in the queue backend's status store.
	DefaultStatusTTLSeconds int64 = 24 * 60 * 60
)

// QueueConfig describes how to reach the queue backend.
type QueueConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	Addr     string `yaml:"addr"`    // host:port, redis backend only
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig describes the auth middleware's token requirements.
type JWTConfig struct {
	Secret     string `yaml:"secret"`
	Algorithm  string `yaml:"algorithm"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

// HTTPConfig describes the public API server.
type HTTPConfig struct {
	Addr        string    `yaml:"addr"`
	CORSOrigins []string  `yaml:"cors_origins"`
	JWT         JWTConfig `yaml:"jwt"`
}

// LoggingConfig selects the logrus level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Config holds all configuration for the coordinator service.
type Config struct {
	// Storage paths
	UploadDir string `yaml:"upload_dir"`
	ChunkDir  string `yaml:"chunk_dir"`
	ClipDir   string `yaml:"clip_dir"`
	TempDir   string `yaml:"temp_dir"`

	// Ingest/chunking
	ChunkDurationSeconds float64 `yaml:"chunk_duration_seconds"`
	ChunkLookAhead       int     `yaml:"chunk_look_ahead"`

	// Sampling
	BaseFPS           float64 `yaml:"base_fps"`
	BurstFPS          float64 `yaml:"burst_fps"`
	BurstWindowFrames int     `yaml:"burst_window_frames"`

	// Rule evaluation
	DebounceSeconds float64 `yaml:"debounce_seconds"`

	// Backpressure
	HighWatermark int64 `yaml:"high_watermark"`

	// GPU
	MinGPUMemoryBytes  int64   `yaml:"min_gpu_memory_bytes"`
	GPUWaitBackoffSecs float64 `yaml:"gpu_wait_backoff_seconds"`
	MaxGPUWaitRetries  int     `yaml:"max_gpu_wait_retries"`

	// Dispatcher
	DispatcherConcurrency int64 `yaml:"dispatcher_concurrency"`

	// Status store
	StatusTTLSeconds int64 `yaml:"status_ttl_seconds"`

	Queue   QueueConfig   `yaml:"queue"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns a Config populated entirely from the package's
// default constants.
func Default() *Config {
	return &Config{
		UploadDir:             "./data/uploads",
		ChunkDir:              "./data/chunks",
		ClipDir:               "./data/clips",
		TempDir:               "./data/tmp",
		ChunkDurationSeconds:  DefaultChunkDurationSeconds,
		ChunkLookAhead:        DefaultChunkLookAhead,
		BaseFPS:               DefaultBaseFPS,
		BurstFPS:              DefaultBurstFPS,
		BurstWindowFrames:     DefaultBurstWindowFrames,
		DebounceSeconds:       DefaultDebounceSeconds,
		HighWatermark:         DefaultHighWatermark,
		MinGPUMemoryBytes:     DefaultMinGPUMemoryBytes,
		GPUWaitBackoffSecs:    DefaultGPUWaitBackoffSeconds,
		MaxGPUWaitRetries:     DefaultMaxGPUWaitRetries,
		DispatcherConcurrency: DefaultDispatcherConcurrency,
		StatusTTLSeconds:      DefaultStatusTTLSeconds,
		Queue: QueueConfig{
			Backend: "memory",
		},
		HTTP: HTTPConfig{
			Addr: DefaultHTTPAddr,
			JWT: JWTConfig{
				Algorithm:  DefaultJWTAlgorithm,
				TTLMinutes: DefaultJWTTTLMinutes,
			},
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load reads YAML from path, applies it over Default(), then overlays
// environment variables (COORDINATOR_* prefix) before validating. A
// missing file is not an error: Load falls back to defaults plus env
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays recognised COORDINATOR_* environment
// variables onto cfg: storage paths, chunk duration, fps, GPU, queue,
// JWT, CORS, and log level/format.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	f64 := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = parsed
			}
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = parsed
			}
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("COORDINATOR_UPLOAD_DIR", &cfg.UploadDir)
	str("COORDINATOR_CHUNK_DIR", &cfg.ChunkDir)
	str("COORDINATOR_CLIP_DIR", &cfg.ClipDir)
	str("COORDINATOR_TEMP_DIR", &cfg.TempDir)
	f64("COORDINATOR_CHUNK_DURATION_SECONDS", &cfg.ChunkDurationSeconds)
	i("COORDINATOR_CHUNK_LOOK_AHEAD", &cfg.ChunkLookAhead)
	f64("COORDINATOR_BASE_FPS", &cfg.BaseFPS)
	f64("COORDINATOR_BURST_FPS", &cfg.BurstFPS)
	f64("COORDINATOR_DEBOUNCE_SECONDS", &cfg.DebounceSeconds)
	i64("COORDINATOR_HIGH_WATERMARK", &cfg.HighWatermark)
	i64("COORDINATOR_MIN_GPU_MEMORY_BYTES", &cfg.MinGPUMemoryBytes)

	str("COORDINATOR_QUEUE_BACKEND", &cfg.Queue.Backend)
	str("COORDINATOR_QUEUE_ADDR", &cfg.Queue.Addr)
	str("COORDINATOR_QUEUE_PASSWORD", &cfg.Queue.Password)

	str("COORDINATOR_HTTP_ADDR", &cfg.HTTP.Addr)
	str("COORDINATOR_JWT_SECRET", &cfg.HTTP.JWT.Secret)
	str("COORDINATOR_JWT_ALGORITHM", &cfg.HTTP.JWT.Algorithm)
	if v, ok := os.LookupEnv("COORDINATOR_CORS_ORIGINS"); ok {
		cfg.HTTP.CORSOrigins = strings.Split(v, ",")
	}

	str("COORDINATOR_LOG_LEVEL", &cfg.Logging.Level)
	str("COORDINATOR_LOG_FORMAT", &cfg.Logging.Format)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ChunkDurationSeconds <= 0 {
		return fmt.Errorf("config: chunk_duration_seconds must be positive, got %g", c.ChunkDurationSeconds)
	}
	if c.ChunkLookAhead < 1 {
		return fmt.Errorf("config: chunk_look_ahead must be at least 1, got %d", c.ChunkLookAhead)
	}
	if c.BaseFPS <= 0 {
		return fmt.Errorf("config: base_fps must be positive, got %g", c.BaseFPS)
	}
	if c.BurstFPS < c.BaseFPS {
		return fmt.Errorf("config: burst_fps (%g) must be >= base_fps (%g)", c.BurstFPS, c.BaseFPS)
	}
	if c.DebounceSeconds < 0 {
		return fmt.Errorf("config: debounce_seconds must be non-negative, got %g", c.DebounceSeconds)
	}
	if c.HighWatermark < 1 {
		return fmt.Errorf("config: high_watermark must be at least 1, got %d", c.HighWatermark)
	}
	if c.MinGPUMemoryBytes < 0 {
		return fmt.Errorf("config: min_gpu_memory_bytes must be non-negative, got %d", c.MinGPUMemoryBytes)
	}
	if c.DispatcherConcurrency < 1 {
		return fmt.Errorf("config: dispatcher_concurrency must be at least 1, got %d", c.DispatcherConcurrency)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be text or json, got %q", c.Logging.Format)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	return nil
}

// Watcher hot-reloads a Config from its source file whenever it
// changes on disk, grounded on the go-rtmp blob-sidecar submodule's
// use of fsnotify for its own config watch loop.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cur *Config

	watcher *fsnotify.Watcher
	log     *logrus.Logger
}

// NewWatcher loads path once and begins watching it for changes.
func NewWatcher(path string, log *logrus.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, cur: cfg, watcher: fw, log: log}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).WithField("path", w.path).Warn("config: reload failed, keeping previous config")
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			w.mu.Unlock()
			w.log.WithField("path", w.path).Info("config: reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config: watcher error")
		}
	}
}
