package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so human-readable values ("5s", "1m") can be
// used in the YAML file. Bare integers are interpreted as nanoseconds, the
// same as time.Duration itself.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration '%s': %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(n))
	return nil
}

// Std returns the wrapped standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Quotegate  QuotegateConfig  `yaml:"quotegate"`
	Server     ServerConfig     `yaml:"server"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Client     ClientConfig     `yaml:"client"`
	Kis        KisConfig        `yaml:"kis"`
	Feed       FeedConfig       `yaml:"feed"`
	Poller     PollerConfig     `yaml:"poller"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type QuotegateConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	WSPath  string `yaml:"ws_path"`
}

type DashboardConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Address         string   `yaml:"address"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	MetricsHistory  int      `yaml:"metrics_history"`
	LogHistory      int      `yaml:"log_history"`
}

type ChannelsConfig struct {
	UpdateBuffer int `yaml:"update_buffer"`
}

type ClientConfig struct {
	QueueCapacity            int      `yaml:"queue_capacity"`
	DeliveryFailureThreshold int      `yaml:"delivery_failure_threshold"`
	WriteTimeout             Duration `yaml:"write_timeout"`
	ReadLimit                int64    `yaml:"read_limit"`
	PingInterval             Duration `yaml:"ping_interval"`
}

type KisConfig struct {
	WSURL       string   `yaml:"ws_url"`
	RESTBaseURL string   `yaml:"rest_base_url"`
	AppKey      string   `yaml:"app_key"`
	AppSecret   string   `yaml:"app_secret"`
	ApprovalTTL Duration `yaml:"approval_ttl"`
	Custtype    string   `yaml:"custtype"`
	HTTPTimeout Duration `yaml:"http_timeout"`
}

type FeedConfig struct {
	ReconnectMin     Duration `yaml:"reconnect_min"`
	ReconnectMax     Duration `yaml:"reconnect_max"`
	FailureThreshold int      `yaml:"failure_threshold"`
	ReportInterval   Duration `yaml:"report_interval"`
}

type PollerConfig struct {
	Interval          Duration `yaml:"interval"`
	RequestsPerSecond int      `yaml:"requests_per_second"`
	BurstSize         int      `yaml:"burst_size"`
}

type NormalizerConfig struct {
	SyntheticDepthEnabled bool `yaml:"synthetic_depth_enabled"`
	SyntheticDepthLevels  int  `yaml:"synthetic_depth_levels"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// envConfigPaths maps production-like environments to their dedicated
// configuration files. When the caller uses the default path and such a file
// exists for the current APP_ENV, it takes precedence.
var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", envConfigPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Server: ServerConfig{
			Address: ":8080",
			WSPath:  "/ws/investment",
		},
		Client: ClientConfig{
			QueueCapacity:            256,
			DeliveryFailureThreshold: 3,
			WriteTimeout:             Duration(10 * time.Second),
			ReadLimit:                64 * 1024,
			PingInterval:             Duration(30 * time.Second),
		},
		Kis: KisConfig{
			WSURL:       "ws://ops.koreainvestment.com:31000",
			RESTBaseURL: "https://openapivts.koreainvestment.com:29443",
			ApprovalTTL: Duration(23 * time.Hour),
			Custtype:    "P",
			HTTPTimeout: Duration(10 * time.Second),
		},
		Feed: FeedConfig{
			ReconnectMin:     Duration(time.Second),
			ReconnectMax:     Duration(time.Minute),
			FailureThreshold: 3,
			ReportInterval:   Duration(time.Minute),
		},
		Poller: PollerConfig{
			Interval:          Duration(5 * time.Second),
			RequestsPerSecond: 5,
			BurstSize:         1,
		},
		Normalizer: NormalizerConfig{
			SyntheticDepthLevels: 5,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override KIS credentials from environment variables if available
	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		config.Kis.AppKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		config.Kis.AppSecret = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Quotegate.Name == "" {
		return fmt.Errorf("quotegate.name is required")
	}

	if cfg.Quotegate.Version == "" {
		return fmt.Errorf("quotegate.version is required")
	}

	if cfg.Channels.UpdateBuffer <= 0 {
		return fmt.Errorf("channels.update_buffer must be greater than 0")
	}

	if cfg.Client.QueueCapacity <= 0 {
		return fmt.Errorf("client.queue_capacity must be greater than 0")
	}
	if cfg.Client.DeliveryFailureThreshold <= 0 {
		return fmt.Errorf("client.delivery_failure_threshold must be greater than 0")
	}

	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/'")
	}

	if !isValidWSURL(cfg.Kis.WSURL) {
		return fmt.Errorf("kis.ws_url '%s' is invalid", cfg.Kis.WSURL)
	}
	if cfg.Kis.RESTBaseURL == "" {
		return fmt.Errorf("kis.rest_base_url is required")
	}
	if cfg.Kis.ApprovalTTL <= 0 {
		return fmt.Errorf("kis.approval_ttl must be greater than 0")
	}

	if cfg.Feed.ReconnectMin <= 0 || cfg.Feed.ReconnectMax < cfg.Feed.ReconnectMin {
		return fmt.Errorf("feed.reconnect_min/reconnect_max are invalid")
	}
	if cfg.Feed.FailureThreshold <= 0 {
		return fmt.Errorf("feed.failure_threshold must be greater than 0")
	}

	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than 0")
	}
	if cfg.Poller.RequestsPerSecond <= 0 {
		return fmt.Errorf("poller.requests_per_second must be greater than 0")
	}

	return nil
}

var wsURLRegexp = regexp.MustCompile(`^wss?://[^\s/]+`)

func isValidWSURL(url string) bool {
	return wsURLRegexp.MatchString(strings.TrimSpace(url))
}
