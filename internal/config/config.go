package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Provider  ProviderConfig  `yaml:"provider"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// URL is where CLI commands reach a running daemon. Empty means the
	// local embedded server on Port.
	URL string `yaml:"url"`
}

// ClientURL returns the address CLI commands connect to.
func (c NATSConfig) ClientURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", c.Port)
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

type AgentConfig struct {
	Model            string        `yaml:"model"`
	MaxIterations    int           `yaml:"max_iterations"`
	HistoryLimit     int           `yaml:"history_limit"`
	ProviderAttempts int           `yaml:"provider_attempts"`
	ProviderBackoff  time.Duration `yaml:"provider_backoff"`
	FallbackPause    time.Duration `yaml:"fallback_pause"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	SkillsDir        string        `yaml:"skills_dir"`
}

type DedupConfig struct {
	FreshnessWindow  time.Duration `yaml:"freshness_window"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
	StrictTools      []string      `yaml:"strict_tools"`
	AlwaysRetryTools []string      `yaml:"always_retry_tools"`
	BypassTools      []string      `yaml:"bypass_tools"`
	URLTools         []string      `yaml:"url_tools"`
	NetworkTools     []string      `yaml:"network_tools"`
	ShellTools       []string      `yaml:"shell_tools"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/phalanx.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 2 * time.Second,
			ErrorBackoff: 5 * time.Second,
		},
		Agent: AgentConfig{
			Model:            "gpt-4o",
			MaxIterations:    20,
			HistoryLimit:     20,
			ProviderAttempts: 3,
			ProviderBackoff:  1 * time.Second,
			FallbackPause:    1 * time.Second,
			ToolTimeout:      10 * time.Minute,
		},
		Dedup: DedupConfig{
			FreshnessWindow:  24 * time.Hour,
			RetryDelay:       30 * time.Minute,
			FailureThreshold: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return defaults()
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("PHALANX_CONFIG")
	if path == "" {
		path = "config/phalanx.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PHALANX_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PHALANX_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PHALANX_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PHALANX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.PollInterval = d
		}
	}
	if v := os.Getenv("PHALANX_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("PHALANX_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("PHALANX_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PHALANX_SKILLS_DIR"); v != "" {
		cfg.Agent.SkillsDir = v
	}
	if v := os.Getenv("PHALANX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
