package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type StaticPeer struct {
	Name      string   `yaml:"name"`
	Addresses []string `yaml:"addresses"`
	Port      int      `yaml:"port"`
}

type Config struct {
	Node struct {
		Identifier  string `yaml:"identifier"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"node"`

	Signal struct {
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		HeaderTimeout  time.Duration `yaml:"header_timeout"`
		BodyTimeout    time.Duration `yaml:"body_timeout"`
		MaxHeaderBytes int           `yaml:"max_header_bytes"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
		SendTimeout    time.Duration `yaml:"send_timeout"`
	} `yaml:"signal"`

	Call struct {
		Timeout time.Duration `yaml:"timeout"` // 0 disables the Calling timeout
		Audio   bool          `yaml:"audio"`
		Video   bool          `yaml:"video"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Discovery struct {
		Enabled         bool          `yaml:"enabled"`
		Backend         string        `yaml:"backend"` // static | redis
		ServiceType     string        `yaml:"service_type"`
		Protocol        string        `yaml:"protocol"`
		Domain          string        `yaml:"domain"`
		TTL             time.Duration `yaml:"ttl"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		Peers           []StaticPeer  `yaml:"peers"`
	} `yaml:"discovery"`

	Control struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"control"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if c.Node.Identifier == "" {
		return fmt.Errorf("node.identifier must not be empty")
	}

	// Signal
	if c.Signal.Port <= 0 || c.Signal.Port > 65535 {
		return fmt.Errorf("signal.port must be in 1..65535")
	}
	if c.Signal.HeaderTimeout <= 0 {
		return fmt.Errorf("signal.header_timeout must be > 0")
	}
	if c.Signal.BodyTimeout <= 0 {
		return fmt.Errorf("signal.body_timeout must be > 0")
	}
	if c.Signal.MaxHeaderBytes <= 0 {
		return fmt.Errorf("signal.max_header_bytes must be > 0")
	}
	if c.Signal.MaxBodyBytes <= 0 {
		return fmt.Errorf("signal.max_body_bytes must be > 0")
	}
	if c.Signal.SendTimeout <= 0 {
		return fmt.Errorf("signal.send_timeout must be > 0")
	}

	// Call
	if c.Call.Timeout < 0 {
		return fmt.Errorf("call.timeout must be >= 0")
	}
	if !c.Call.Audio && !c.Call.Video {
		return fmt.Errorf("call.audio and call.video must not both be disabled")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Discovery
	if c.Discovery.Enabled {
		switch c.Discovery.Backend {
		case "static":
		case "redis":
			if c.Redis.Address == "" {
				return fmt.Errorf("redis.address must not be empty when discovery.backend=redis")
			}
			if c.Redis.PoolSize <= 0 {
				return fmt.Errorf("redis.pool_size must be > 0 when discovery.backend=redis")
			}
		default:
			return fmt.Errorf("discovery.backend must be static or redis, got %q", c.Discovery.Backend)
		}
		if c.Discovery.ServiceType == "" || c.Discovery.Protocol == "" {
			return fmt.Errorf("discovery.service_type and discovery.protocol must not be empty")
		}
		if c.Discovery.TTL <= 0 {
			return fmt.Errorf("discovery.ttl must be > 0")
		}
		if c.Discovery.RefreshInterval <= 0 || c.Discovery.RefreshInterval >= c.Discovery.TTL {
			return fmt.Errorf("discovery.refresh_interval must be > 0 and < ttl")
		}
	}

	// Control
	if c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty")
	}
	if c.Control.ShutdownTimeout <= 0 {
		return fmt.Errorf("control.shutdown_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.Identifier = defaultIdentifier()
	cfg.Node.DisplayName = hostname()

	cfg.Signal.Host = ""
	cfg.Signal.Port = 8888
	cfg.Signal.HeaderTimeout = 5 * time.Second
	cfg.Signal.BodyTimeout = 2 * time.Second
	cfg.Signal.MaxHeaderBytes = 8 * 1024
	cfg.Signal.MaxBodyBytes = 1 << 20
	cfg.Signal.SendTimeout = 5 * time.Second

	cfg.Call.Timeout = 30 * time.Second
	cfg.Call.Audio = true
	cfg.Call.Video = true

	cfg.Discovery.Enabled = false
	cfg.Discovery.Backend = "static"
	cfg.Discovery.ServiceType = "_lancall"
	cfg.Discovery.Protocol = "_tcp"
	cfg.Discovery.Domain = "local."
	cfg.Discovery.TTL = 30 * time.Second
	cfg.Discovery.RefreshInterval = 10 * time.Second

	cfg.Control.Address = "127.0.0.1:8080"
	cfg.Control.ReadTimeout = 15 * time.Second
	cfg.Control.WriteTimeout = 15 * time.Second
	cfg.Control.ShutdownTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("LANCALL_NODE_IDENTIFIER"); id != "" {
		c.Node.Identifier = id
	}
	if name := os.Getenv("LANCALL_NODE_NAME"); name != "" {
		c.Node.DisplayName = name
	}
	if port := os.Getenv("LANCALL_SIGNAL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Signal.Port = p
		}
	}
	if addr := os.Getenv("LANCALL_CONTROL_ADDRESS"); addr != "" {
		c.Control.Address = addr
	}
	if addr := os.Getenv("LANCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if level := os.Getenv("LANCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
