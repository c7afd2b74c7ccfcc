package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "SHELFSYNC"
	defaultHTTPAddress    = "127.0.0.1:8090"
	defaultDatabasePath   = "shelfsync.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultNodeBaseURL    = "http://127.0.0.1:8002"
	defaultTokenTTL       = 12 * 60
	defaultPollInterval   = time.Second
	defaultGroupsInterval = 10 * time.Second
	defaultLazyInterval   = 10 * time.Second
	defaultPageSize       = 20
	defaultReconnectDelay = 3 * time.Second
	defaultRetryBase      = 5 * time.Second
	defaultRetryMax       = 30 * time.Minute
	defaultRetryAttempts  = 20
	defaultFetchRate      = 5.0
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	NodeBaseURL string
	// NodeWSURL overrides the push channel endpoint derived from NodeBaseURL.
	NodeWSURL string
	NodeToken string

	AuthSigningSecret string
	AuthTokenTTL      time.Duration

	PollInterval   time.Duration
	LazyInterval   time.Duration
	GroupsInterval time.Duration
	PageSize       int
	ReconnectDelay time.Duration

	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	FetchRatePerSecond float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("node.base_url", defaultNodeBaseURL)
	configViper.SetDefault("node.ws_url", "")
	configViper.SetDefault("node.token", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("poll.interval", defaultPollInterval)
	configViper.SetDefault("poll.lazy_interval", defaultLazyInterval)
	configViper.SetDefault("poll.page_size", defaultPageSize)
	configViper.SetDefault("poll.groups_interval", defaultGroupsInterval)
	configViper.SetDefault("socket.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("retry.base_delay", defaultRetryBase)
	configViper.SetDefault("retry.max_delay", defaultRetryMax)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("fetch.rate_per_second", defaultFetchRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		NodeBaseURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("node.base_url")), "/"),
		NodeWSURL:          strings.TrimSpace(configViper.GetString("node.ws_url")),
		NodeToken:          configViper.GetString("node.token"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PollInterval:       configViper.GetDuration("poll.interval"),
		LazyInterval:       configViper.GetDuration("poll.lazy_interval"),
		GroupsInterval:     configViper.GetDuration("poll.groups_interval"),
		PageSize:           configViper.GetInt("poll.page_size"),
		ReconnectDelay:     configViper.GetDuration("socket.reconnect_delay"),
		RetryBaseDelay:     configViper.GetDuration("retry.base_delay"),
		RetryMaxDelay:      configViper.GetDuration("retry.max_delay"),
		RetryMaxAttempts:   configViper.GetInt("retry.max_attempts"),
		FetchRatePerSecond: configViper.GetFloat64("fetch.rate_per_second"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := validateURL("node.base_url", c.NodeBaseURL, "http", "https"); err != nil {
		return err
	}
	if c.NodeWSURL != "" {
		if err := validateURL("node.ws_url", c.NodeWSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.PollInterval <= 0 || c.LazyInterval <= 0 {
		return fmt.Errorf("poll.interval and poll.lazy_interval must be positive")
	}
	if c.GroupsInterval <= 0 {
		return fmt.Errorf("poll.groups_interval must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("poll.page_size must be positive")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry.max_delay must not be below retry.base_delay")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.FetchRatePerSecond < 0 {
		return fmt.Errorf("fetch.rate_per_second must not be negative")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute url", key)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", key, strings.Join(schemes, ", "))
}
