package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	DB          struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Storage struct {
		// Driver is "postgres" or "memory".
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Queue struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
		Concurrency       int           `mapstructure:"concurrency"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
	} `mapstructure:"queue"`
	Orchestrator struct {
		WorkspaceRoot string        `mapstructure:"workspace_root"`
		StageTimeout  time.Duration `mapstructure:"stage_timeout"`
		StaleAfter    time.Duration `mapstructure:"stale_after"`
		CancelPoll    time.Duration `mapstructure:"cancel_poll"`
		WorkflowsDir  string        `mapstructure:"workflows_dir"`
	} `mapstructure:"orchestrator"`
	Outbox struct {
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		BatchSize      int           `mapstructure:"batch_size"`
		MaxRetries     int           `mapstructure:"max_retries"`
		WebhookURL     string        `mapstructure:"webhook_url"`
		WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	} `mapstructure:"outbox"`
	Tools struct {
		Timeout           time.Duration `mapstructure:"timeout"`
		RequestsPerSecond float64       `mapstructure:"requests_per_second"`
		Burst             int           `mapstructure:"burst"`
		MaxResponseBytes  int64         `mapstructure:"max_response_bytes"`
		NetworkAllowlist  []string      `mapstructure:"network_allowlist"`
	} `mapstructure:"tools"`
	Cache struct {
		Size int           `mapstructure:"size"`
		TTL  time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
}

// DSN returns the libpq connection string for the configured database.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from a file and the environment. An
// explicit path overrides the default search locations; a missing default
// config file is not an error since every key has a default.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "orchestrator")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("orchestrator.workspace_root", "/tmp/seo-agents/workspaces")
	v.SetDefault("orchestrator.stage_timeout", 2*time.Minute)
	v.SetDefault("orchestrator.stale_after", 10*time.Minute)
	v.SetDefault("orchestrator.cancel_poll", 2*time.Second)
	v.SetDefault("orchestrator.workflows_dir", "")
	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.webhook_url", "")
	v.SetDefault("outbox.webhook_timeout", 5*time.Second)
	v.SetDefault("tools.timeout", 30*time.Second)
	v.SetDefault("tools.requests_per_second", 5.0)
	v.SetDefault("tools.burst", 10)
	v.SetDefault("tools.max_response_bytes", 2<<20)
	v.SetDefault("tools.network_allowlist", []string{})
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 5*time.Minute)
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Outbox.MaxRetries <= 0 {
		return errors.New("outbox.max_retries must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		return errors.New("outbox.batch_size must be positive")
	}
	if c.Queue.Concurrency <= 0 {
		return errors.New("queue.concurrency must be positive")
	}
	return nil
}
