// Package config loads and validates platereader configuration.
//
// Precedence is environment > file > defaults. The file is TOML; every
// value has a usable default so a bare `platereader run` works against
// a local inference server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPath is where Load looks when no --config flag is given.
const DefaultPath = "platereader.toml"

// Duration wraps time.Duration so TOML values can be written as "10s"
// or "500ms" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Ingest    IngestConfig    `toml:"ingest"`
	Segment   SegmentConfig   `toml:"segment"`
	Pool      PoolConfig      `toml:"pool"`
	Shed      ShedConfig      `toml:"shed"`
	Inference InferenceConfig `toml:"inference"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	Log       LogConfig       `toml:"log"`
}

// NodeConfig identifies this node in logs and events.
type NodeConfig struct {
	Name string `toml:"name"`
}

// IngestConfig controls how camera streams reach the node.
type IngestConfig struct {
	SRTAddr string `toml:"srt_addr"`
	// MJPEGSources are HTTP multipart URLs pulled at startup, keyed by feed.
	MJPEGSources map[string]string `toml:"mjpeg_sources"`
}

// SegmentConfig controls frame boundary detection and decimation.
type SegmentConfig struct {
	// DecimationFactor keeps every Nth frame. 1 keeps everything.
	DecimationFactor int `toml:"decimation_factor"`
}

// PoolConfig sizes the inference worker pool.
type PoolConfig struct {
	WorkerCount int `toml:"worker_count"`
	// StopTimeout bounds how long shutdown waits for in-flight inference.
	StopTimeout Duration `toml:"stop_timeout"`
}

// ShedConfig controls the work queue load shedder.
type ShedConfig struct {
	// QueueDepthThreshold is the depth above which the oldest tasks are
	// dropped. Zero or negative disables shedding.
	QueueDepthThreshold int `toml:"queue_depth_threshold"`
	// SampleInterval is how often queue depth is checked.
	SampleInterval Duration `toml:"sample_interval"`
	// QueueCapacity bounds the work queue. Zero means unbounded.
	QueueCapacity int `toml:"queue_capacity"`
}

// InferenceConfig points at the license plate recognition service.
type InferenceConfig struct {
	Endpoint string   `toml:"endpoint"`
	Timeout  Duration `toml:"timeout"`
}

// BroadcastConfig controls the HTTPS API and result fan-out.
type BroadcastConfig struct {
	Addr string `toml:"addr"`
	// ReorderWindow is how many out-of-order results the reassembler
	// buffers before emitting. Zero emits results as they arrive.
	ReorderWindow int `toml:"reorder_window"`
	// CertValidity is the lifetime of the self-signed serving cert.
	CertValidity Duration `toml:"cert_validity"`
}

// LogConfig mirrors logging.Config so the whole runtime config lives
// in one file.
type LogConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	FileMaxSizeMB  int    `toml:"file_max_size_mb"`
	FileMaxBackups int    `toml:"file_max_backups"`
	FileMaxAgeDays int    `toml:"file_max_age_days"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Name: "platereader",
		},
		Ingest: IngestConfig{
			SRTAddr: ":6000",
		},
		Segment: SegmentConfig{
			DecimationFactor: 1,
		},
		Pool: PoolConfig{
			WorkerCount: 4,
			StopTimeout: Duration(10 * time.Second),
		},
		Shed: ShedConfig{
			QueueDepthThreshold: 100,
			SampleInterval:      Duration(time.Second),
		},
		Inference: InferenceConfig{
			Endpoint: "http://localhost:5000/v1/vision/custom/plates",
			Timeout:  Duration(10 * time.Second),
		},
		Broadcast: BroadcastConfig{
			Addr:          ":4444",
			ReorderWindow: 8,
			CertValidity:  Duration(14 * 24 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if it exists), applies LPR_* environment overrides,
// and validates the result. A missing file is not an error; a present
// but malformed file is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment only.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers LPR_* environment variables over cfg. Invalid values
// are ignored so a typo in the environment cannot take the node down.
func applyEnv(cfg *Config) {
	setString(&cfg.Node.Name, "LPR_NODE_NAME")
	setString(&cfg.Ingest.SRTAddr, "LPR_SRT_ADDR")
	setInt(&cfg.Segment.DecimationFactor, "LPR_DECIMATION_FACTOR")
	setInt(&cfg.Pool.WorkerCount, "LPR_WORKER_COUNT")
	setDuration(&cfg.Pool.StopTimeout, "LPR_POOL_STOP_TIMEOUT")
	setInt(&cfg.Shed.QueueDepthThreshold, "LPR_QUEUE_DEPTH_THRESHOLD")
	setDuration(&cfg.Shed.SampleInterval, "LPR_SHED_SAMPLE_INTERVAL")
	setInt(&cfg.Shed.QueueCapacity, "LPR_QUEUE_CAPACITY")
	setString(&cfg.Inference.Endpoint, "LPR_INFERENCE_ENDPOINT")
	setDuration(&cfg.Inference.Timeout, "LPR_INFERENCE_TIMEOUT")
	setString(&cfg.Broadcast.Addr, "LPR_API_ADDR")
	setInt(&cfg.Broadcast.ReorderWindow, "LPR_REORDER_WINDOW")
	setString(&cfg.Log.Level, "LPR_LOG_LEVEL")
	setString(&cfg.Log.Format, "LPR_LOG_FORMAT")
	setString(&cfg.Log.File, "LPR_LOG_FILE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Segment.DecimationFactor < 1 {
		return fmt.Errorf("segment.decimation_factor must be >= 1, got %d", c.Segment.DecimationFactor)
	}
	if c.Pool.WorkerCount < 1 {
		return fmt.Errorf("pool.worker_count must be >= 1, got %d", c.Pool.WorkerCount)
	}
	if c.Pool.StopTimeout <= 0 {
		return fmt.Errorf("pool.stop_timeout must be positive, got %s", c.Pool.StopTimeout.Std())
	}
	if c.Shed.SampleInterval <= 0 {
		return fmt.Errorf("shed.sample_interval must be positive, got %s", c.Shed.SampleInterval.Std())
	}
	if c.Shed.QueueCapacity < 0 {
		return fmt.Errorf("shed.queue_capacity must be >= 0, got %d", c.Shed.QueueCapacity)
	}
	if c.Inference.Endpoint == "" {
		return fmt.Errorf("inference.endpoint must not be empty")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be positive, got %s", c.Inference.Timeout.Std())
	}
	if c.Broadcast.Addr == "" {
		return fmt.Errorf("broadcast.addr must not be empty")
	}
	if c.Broadcast.ReorderWindow < 0 {
		return fmt.Errorf("broadcast.reorder_window must be >= 0, got %d", c.Broadcast.ReorderWindow)
	}
	if c.Broadcast.CertValidity <= 0 {
		return fmt.Errorf("broadcast.cert_validity must be positive, got %s", c.Broadcast.CertValidity.Std())
	}
	return nil
}
