package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradepulse TradepulseConfig `yaml:"tradepulse"`
	Backend    BackendConfig    `yaml:"backend"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	News       NewsConfig       `yaml:"news"`
	Poll       PollConfig       `yaml:"poll"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TradepulseConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BackendConfig describes the trading API the dashboard polls.
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	RefreshPath  string        `yaml:"refresh_path"`
	Timeout      time.Duration `yaml:"timeout"`
	MetricsLimit int           `yaml:"metrics_limit"`
	HistoryLimit int           `yaml:"history_limit"`
	TradesLimit  int           `yaml:"trades_limit"`
}

// CalendarConfig describes the external, rate-limited calendar feed and the
// cache slot in front of it.
type CalendarConfig struct {
	URL               string        `yaml:"url"`
	TTL               time.Duration `yaml:"ttl"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
}

type NewsConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

type PollConfig struct {
	CoreInterval   time.Duration `yaml:"core_interval"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Backend: BackendConfig{
			RefreshPath:  "session/refresh",
			Timeout:      15 * time.Second,
			MetricsLimit: 300,
			HistoryLimit: 500,
			TradesLimit:  200,
		},
		Calendar: CalendarConfig{
			TTL:               time.Hour,
			Timeout:           10 * time.Second,
			RequestsPerSecond: 1,
			BurstSize:         1,
		},
		News: NewsConfig{
			Interval: 60 * time.Second,
		},
		Poll: PollConfig{
			CoreInterval:   5 * time.Second,
			ReportInterval: 30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override secrets and endpoints from environment variables if available
	if v := os.Getenv("BACKEND_BASE_URL"); v != "" {
		config.Backend.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BACKEND_TOKEN"); v != "" {
		config.Backend.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("CALENDAR_URL"); v != "" {
		config.Calendar.URL = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tradepulse.Name == "" {
		return fmt.Errorf("tradepulse.name is required")
	}

	if cfg.Tradepulse.Version == "" {
		return fmt.Errorf("tradepulse.version is required")
	}

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if !isValidBaseURL(cfg.Backend.BaseURL) {
		return fmt.Errorf("backend.base_url '%s' is invalid", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be greater than 0")
	}

	if cfg.Calendar.URL != "" && !isValidBaseURL(cfg.Calendar.URL) {
		return fmt.Errorf("calendar.url '%s' is invalid", cfg.Calendar.URL)
	}
	if cfg.Calendar.TTL <= 0 {
		return fmt.Errorf("calendar.ttl must be greater than 0")
	}
	if cfg.Calendar.RequestsPerSecond <= 0 {
		return fmt.Errorf("calendar.requests_per_second must be greater than 0")
	}

	if cfg.Poll.CoreInterval <= 0 {
		return fmt.Errorf("poll.core_interval must be greater than 0")
	}
	if cfg.News.Interval <= 0 {
		return fmt.Errorf("news.interval must be greater than 0")
	}

	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	return nil
}

func isValidBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
