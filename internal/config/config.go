package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. CALSYNC_SYNC__LOOKBACK_MONTHS
const EnvPrefix = "CALSYNC_"

// Config holds the application configuration
type Config struct {
	App      AppConfig      `koanf:"app"`
	Service  ServiceConfig  `koanf:"service"`
	Sync     SyncConfig     `koanf:"sync"`
	Activity ActivityConfig `koanf:"activity"`
	Watch    WatchConfig    `koanf:"watch"`
	OAuth    *OAuthConfig   `koanf:"-"` // From environment
}

// AppConfig holds the HTTP surface configuration
type AppConfig struct {
	Port      int    `koanf:"port"`
	AppUrl    string `koanf:"app_url"`
	PublicUrl string `koanf:"public_url"` // Base address providers post notifications to
}

// ServiceConfig holds the service configuration
type ServiceConfig struct {
	StateFile string `koanf:"state_file"`
	LogLevel  string `koanf:"log_level"`
}

// SyncConfig holds the sync orchestration parameters
type SyncConfig struct {
	LookbackMonths int           `koanf:"lookback_months"`
	Schedule       string        `koanf:"schedule"`
	RunTimeout     time.Duration `koanf:"run_timeout"`
	SyncOnStartup  bool          `koanf:"sync_on_startup"`
}

// ActivityConfig is the retry policy applied to every workflow activity
type ActivityConfig struct {
	StartToCloseTimeout time.Duration `koanf:"start_to_close_timeout"`
	InitialInterval     time.Duration `koanf:"initial_interval"`
	BackoffCoefficient  float64       `koanf:"backoff_coefficient"`
	MaximumInterval     time.Duration `koanf:"maximum_interval"`
	MaximumAttempts     int           `koanf:"maximum_attempts"`
}

// WatchConfig holds the push channel lifecycle parameters
type WatchConfig struct {
	TTL            time.Duration `koanf:"ttl"`
	RenewBefore    time.Duration `koanf:"renew_before"`
	RenewSchedule  string        `koanf:"renew_schedule"`
	StopOnShutdown bool          `koanf:"stop_on_shutdown"`
}

// OAuthConfig holds the Google OAuth configuration from environment
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OAuth2Config builds the client configuration used for token refresh and the auth flow
func (c *OAuthConfig) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{gcal.CalendarScope},
		Endpoint:     google.Endpoint,
	}
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"app.port":                        8888,
		"service.state_file":              "data/calsync.db",
		"service.log_level":               "info",
		"sync.lookback_months":            24,
		"sync.schedule":                   "@every 6h",
		"sync.run_timeout":                "1h",
		"sync.sync_on_startup":            false,
		"activity.start_to_close_timeout": "5m",
		"activity.initial_interval":       "1s",
		"activity.backoff_coefficient":    2.0,
		"activity.maximum_interval":       "100s",
		"activity.maximum_attempts":       3,
		"watch.ttl":                       "168h",
		"watch.renew_before":              "24h",
		"watch.renew_schedule":            "@every 1h",
		"watch.stop_on_shutdown":          false,
	}
}

// Load reads defaults, the TOML file and CALSYNC_ environment overrides, in that order
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// PORT is honoured for container platforms
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT environment variable %q: %w", port, err)
		}
		cfg.App.Port = p
	}

	if !filepath.IsAbs(cfg.Service.StateFile) {
		configDir := filepath.Dir(path)
		cfg.Service.StateFile = filepath.Join(configDir, "..", cfg.Service.StateFile)
	}

	cfg.OAuth = &OAuthConfig{
		ClientID:     os.Getenv("GOOGLE_OAUTH_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GOOGLE_OAUTH_REDIRECT_URL"),
	}
	if cfg.OAuth.RedirectURL == "" && cfg.App.AppUrl != "" {
		cfg.OAuth.RedirectURL = strings.TrimRight(cfg.App.AppUrl, "/") + "/oauth/callback"
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// transformEnv maps CALSYNC_SYNC__LOOKBACK_MONTHS to sync.lookback_months
func transformEnv(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	return strings.ReplaceAll(key, "__", "."), v
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if err := validateURL("app_url", cfg.App.AppUrl); err != nil {
		return err
	}
	if err := validateURL("public_url", cfg.App.PublicUrl); err != nil {
		return err
	}

	if cfg.Sync.LookbackMonths < 1 {
		return fmt.Errorf("lookback months must be positive")
	}
	if cfg.Sync.RunTimeout <= 0 {
		return fmt.Errorf("sync run timeout must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Sync.Schedule); err != nil {
		return fmt.Errorf("invalid sync schedule '%s': %w", cfg.Sync.Schedule, err)
	}

	if cfg.Activity.MaximumAttempts < 1 {
		return fmt.Errorf("activity maximum attempts must be positive")
	}
	if cfg.Activity.StartToCloseTimeout <= 0 {
		return fmt.Errorf("activity start to close timeout must be positive")
	}
	if cfg.Activity.BackoffCoefficient < 1 {
		return fmt.Errorf("activity backoff coefficient must be at least 1")
	}

	if cfg.Watch.TTL <= 0 {
		return fmt.Errorf("watch ttl must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Watch.RenewSchedule); err != nil {
		return fmt.Errorf("invalid watch renew schedule '%s': %w", cfg.Watch.RenewSchedule, err)
	}

	if cfg.OAuth.ClientID == "" {
		return fmt.Errorf("GOOGLE_OAUTH_CLIENT_ID environment variable is required")
	}
	if cfg.OAuth.ClientSecret == "" {
		return fmt.Errorf("GOOGLE_OAUTH_CLIENT_SECRET environment variable is required")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s '%s'", name, raw)
	}
	return nil
}
