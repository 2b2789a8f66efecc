package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	HTTP struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Engine struct {
		URL              string        `yaml:"url"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
		RecheckInterval  time.Duration `yaml:"recheck_interval"`
		ObjectCheckDelay time.Duration `yaml:"object_check_delay"`
		WatchConcurrency int           `yaml:"watch_concurrency"`
	} `yaml:"engine"`

	Turn struct {
		URL      string        `yaml:"url"`
		Username string        `yaml:"username"`
		Secret   string        `yaml:"secret"`
		Mode     string        `yaml:"mode"` // "static" or "rest"
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"turn"`

	Recording struct {
		Directory         string `yaml:"directory"`
		ConversionWorkers int    `yaml:"conversion_workers"`
		FFmpegBinary      string `yaml:"ffmpeg_binary"`
	} `yaml:"recording"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		Signal struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"signal"`
	} `yaml:"rate_limiting"`
}

// DefaultConfig returns a configuration with working defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Signal.PingInterval == 0 {
		c.Signal.PingInterval = 30 * time.Second
	}
	if c.Signal.PongTimeout == 0 {
		c.Signal.PongTimeout = 60 * time.Second
	}
	if c.Signal.WriteTimeout == 0 {
		c.Signal.WriteTimeout = 10 * time.Second
	}
	if c.Engine.URL == "" {
		c.Engine.URL = "ws://localhost:8888/media"
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = 10 * time.Second
	}
	if c.Engine.RecheckInterval == 0 {
		c.Engine.RecheckInterval = 120 * time.Second
	}
	if c.Engine.ObjectCheckDelay == 0 {
		c.Engine.ObjectCheckDelay = 200 * time.Millisecond
	}
	if c.Engine.WatchConcurrency == 0 {
		c.Engine.WatchConcurrency = 10
	}
	if c.Turn.Mode == "" {
		c.Turn.Mode = "static"
	}
	if c.Turn.TTL == 0 {
		c.Turn.TTL = 60 * time.Minute
	}
	if c.Recording.Directory == "" {
		c.Recording.Directory = "recordings"
	}
	if c.Recording.ConversionWorkers == 0 {
		c.Recording.ConversionWorkers = 2
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load reads a YAML config file and applies defaults for omitted values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty")
	}
	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url must not be empty")
	}
	if c.Engine.RecheckInterval <= 0 {
		return fmt.Errorf("engine.recheck_interval must be > 0")
	}
	if c.Engine.ObjectCheckDelay <= 0 {
		return fmt.Errorf("engine.object_check_delay must be > 0")
	}
	if c.Engine.WatchConcurrency <= 0 {
		return fmt.Errorf("engine.watch_concurrency must be > 0")
	}
	if c.Turn.Mode != "static" && c.Turn.Mode != "rest" {
		return fmt.Errorf("turn.mode must be \"static\" or \"rest\", got %q", c.Turn.Mode)
	}
	if c.Turn.TTL <= 0 {
		return fmt.Errorf("turn.ttl must be > 0")
	}
	if c.Turn.Mode == "rest" && c.Turn.Secret == "" {
		return fmt.Errorf("turn.secret must be set in rest mode")
	}
	if c.Recording.ConversionWorkers <= 0 {
		return fmt.Errorf("recording.conversion_workers must be > 0")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must be set when redis.enabled=true")
	}
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0")
		}
		if c.RateLimiting.Signal.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.signal.messages_per_second must be > 0")
		}
	}
	return nil
}
