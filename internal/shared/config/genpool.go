package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all configuration for a genpool process.
type Config struct {
	Pool      PoolConfig     `mapstructure:"pool"`
	Workers   []WorkerConfig `mapstructure:"workers"`
	Health    HealthConfig   `mapstructure:"health"`
	Templates TemplateConfig `mapstructure:"templates"`
	Events    EventsConfig   `mapstructure:"events"`
	REST      RESTConfig     `mapstructure:"rest"`
	GRPC      GRPCConfig     `mapstructure:"grpc"`
	Tracing   TracingConfig  `mapstructure:"tracing"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// PoolConfig contains scheduler configuration.
type PoolConfig struct {
	// Selection names the worker selection policy: first-idle, lru or round-robin.
	Selection    string        `mapstructure:"selection"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// DefaultDialTimeout applies to workers without an explicit dial_timeout.
const DefaultDialTimeout = 10 * time.Second

// WorkerConfig describes one worker registered at startup.
type WorkerConfig struct {
	Address     string        `mapstructure:"address"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// HealthConfig contains worker health checking configuration.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	// RemoveAfter removes workers that stayed unreachable this long. Zero keeps them forever.
	RemoveAfter time.Duration `mapstructure:"remove_after"`
}

// TemplateConfig lists glob patterns of workflow manifests.
type TemplateConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

// EventsConfig configures the external event sink.
type EventsConfig struct {
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig contains NATS publisher configuration.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Codec         string        `mapstructure:"codec"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC server configuration.
type GRPCConfig struct {
	Addr             string        `mapstructure:"addr"`
	EnableReflection bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
}

// Load loads the configuration from the given path.
// If configPath is empty, it looks for genpool.yaml in the config/ directory.
// Environment variables with GENPOOL_ prefix override config file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("pool.selection", "first-idle")
	v.SetDefault("pool.job_timeout", 10*time.Minute)
	v.SetDefault("pool.start_timeout", 2*time.Minute)
	v.SetDefault("pool.drain_timeout", 30*time.Second)
	v.SetDefault("health.check_interval", 10*time.Second)
	v.SetDefault("health.probe_timeout", 3*time.Second)
	v.SetDefault("health.remove_after", 0)
	v.SetDefault("templates.patterns", []string{"./workflows/**/*.yaml"})
	v.SetDefault("events.nats.enabled", false)
	v.SetDefault("events.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("events.nats.name", "genpool")
	v.SetDefault("events.nats.subject_prefix", "genpool.events")
	v.SetDefault("events.nats.codec", "application/json")
	v.SetDefault("events.nats.max_reconnects", 10)
	v.SetDefault("events.nats.reconnect_wait", 2*time.Second)
	v.SetDefault("events.nats.timeout", 5*time.Second)
	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "genpool")
	v.SetDefault("tracing.service_version", "0.1.0")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "127.0.0.1:4318")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.backend", "slog")
	v.SetDefault("logging.outputs", []string{"stdout"})

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("genpool")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GENPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	for i := range cfg.Workers {
		if cfg.Workers[i].DialTimeout <= 0 {
			cfg.Workers[i].DialTimeout = DefaultDialTimeout
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	switch c.Pool.Selection {
	case "first-idle", "lru", "round-robin":
	default:
		return fmt.Errorf("pool.selection: unknown policy %q", c.Pool.Selection)
	}
	if c.Pool.JobTimeout < 0 || c.Pool.StartTimeout < 0 {
		return fmt.Errorf("pool: timeouts must not be negative")
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive")
	}
	for i, w := range c.Workers {
		if strings.TrimSpace(w.Address) == "" {
			return fmt.Errorf("workers[%d]: address is required", i)
		}
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
