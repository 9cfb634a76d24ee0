// Package config defines the blueplaned configuration file and its
// defaults. Every tunable of the processing pipeline lives here so the
// daemon, tests and operators share one set of knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full blueplaned configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Redis           Redis    `yaml:"redis"`
	Streams         Streams  `yaml:"streams"`
	FastPath        FastPath `yaml:"fast_path"`
	Workers         Workers  `yaml:"workers"`
	Log             Log      `yaml:"log"`
	MetricsHTTPAddr string   `yaml:"metrics_http_addr"`
}

// Redis locates the local Redis instance backing the streams.
type Redis struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Streams names the three logical streams and their retention bounds.
type Streams struct {
	Ingress       string `yaml:"ingress"`
	CDC           string `yaml:"cdc"`
	DLQ           string `yaml:"dlq"`
	IngressMaxLen int64  `yaml:"ingress_max_len"`
	CDCMaxLen     int64  `yaml:"cdc_max_len"`
}

// FastPath tunes the ingress consumer and batch writer.
type FastPath struct {
	Group            string        `yaml:"group"`
	Consumer         string        `yaml:"consumer"`
	BatchMax         int           `yaml:"batch_max"`
	BatchWindow      time.Duration `yaml:"batch_window"`
	PollBlock        time.Duration `yaml:"poll_block"`
	StuckAfter       time.Duration `yaml:"stuck_after"`
	ClaimInterval    time.Duration `yaml:"claim_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	CDCTimeout       time.Duration `yaml:"cdc_timeout"`
	Pause            time.Duration `yaml:"pause"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	InlinePayloadMax int           `yaml:"inline_payload_max"`
}

// Workers tunes the CDC worker pool and its backpressure monitor.
type Workers struct {
	Group           string        `yaml:"group"`
	Count           int           `yaml:"count"`
	PollBlock       time.Duration `yaml:"poll_block"`
	StuckAfter      time.Duration `yaml:"stuck_after"`
	ClaimInterval   time.Duration `yaml:"claim_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Log configures the zerolog bootstrap.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/blueplane",
		MetricsHTTPAddr: "127.0.0.1:9477",
		Redis: Redis{
			Addr: "127.0.0.1:6379",
		},
		Streams: Streams{
			Ingress:       "telemetry:events",
			CDC:           "telemetry:cdc",
			DLQ:           "telemetry:dlq",
			IngressMaxLen: 10000,
			CDCMaxLen:     100000,
		},
		FastPath: FastPath{
			Group:            "fast-path",
			Consumer:         defaultConsumerName(),
			BatchMax:         100,
			BatchWindow:      100 * time.Millisecond,
			PollBlock:        100 * time.Millisecond,
			StuckAfter:       30 * time.Second,
			ClaimInterval:    30 * time.Second,
			MaxRetries:       5,
			CDCTimeout:       time.Second,
			Pause:            time.Second,
			SweepInterval:    10 * time.Second,
			InlinePayloadMax: 4096,
		},
		Workers: Workers{
			Group:           "derived-state",
			Count:           4,
			PollBlock:       100 * time.Millisecond,
			StuckAfter:      30 * time.Second,
			ClaimInterval:   30 * time.Second,
			MaxRetries:      5,
			BackoffBase:     100 * time.Millisecond,
			BackoffCap:      5 * time.Second,
			MonitorInterval: 5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: Log{
			Level: "info",
			JSON:  true,
		},
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "blueplaned"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.FastPath.BatchMax < 1 {
		return fmt.Errorf("fast_path.batch_max must be >= 1, got %d", c.FastPath.BatchMax)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", c.Workers.Count)
	}
	if c.Streams.Ingress == "" || c.Streams.CDC == "" || c.Streams.DLQ == "" {
		return fmt.Errorf("stream names must not be empty")
	}
	if c.Streams.Ingress == c.Streams.CDC || c.Streams.CDC == c.Streams.DLQ || c.Streams.Ingress == c.Streams.DLQ {
		return fmt.Errorf("stream names must be distinct")
	}
	if c.FastPath.InlinePayloadMax < 0 {
		return fmt.Errorf("fast_path.inline_payload_max must be >= 0")
	}
	return nil
}
