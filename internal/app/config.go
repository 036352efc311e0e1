package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr       string
	RequestTimeout time.Duration

	LogLevel      string
	LogFormat     string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int

	BaseURL            string
	UserAgent          string
	LoginMarker        string
	ProxyURL           string
	ResolveConcurrency int
	UpstreamRPS        float64

	CacheTTL          time.Duration
	CacheReapInterval time.Duration
	CacheDisabled     bool
	RedisURL          string

	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint    string
	TraceSampleRate float64

	// Used by the one-off search command only.
	Username string
	Password string
}

var defaults = map[string]any{
	"http_addr":                   ":8000",
	"request_timeout_seconds":     15,
	"log_level":                   "info",
	"log_format":                  "text",
	"log_path":                    "",
	"log_max_size":                50,
	"log_max_backups":             3,
	"zamunda_base_url":            "https://zamunda.net",
	"zamunda_user_agent":          "Mozilla/5.0 (X11; Linux x86_64) zamunda-api/1.0",
	"zamunda_login_marker":        "logout.php",
	"zamunda_proxy":               "",
	"resolve_concurrency":         4,
	"upstream_rps":                5.0,
	"cache_ttl_minutes":           60,
	"cache_reap_interval_minutes": 5,
	"cache_disabled":              false,
	"redis_url":                   "",
	"rate_limit_rps":              20.0,
	"rate_limit_burst":            40,
	"otel_exporter_otlp_endpoint": "",
	"otel_trace_sample_rate":      1.0,
	"zamunda_user":                "",
	"zamunda_password":            "",
}

// LoadConfig reads defaults, then the optional config file at path, then
// environment variables named after the upper-cased keys.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddr:       strings.TrimSpace(v.GetString("http_addr")),
		RequestTimeout: time.Duration(positiveInt(v, "request_timeout_seconds")) * time.Second,

		LogLevel:      strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:     strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
		LogPath:       strings.TrimSpace(v.GetString("log_path")),
		LogMaxSizeMB:  positiveInt(v, "log_max_size"),
		LogMaxBackups: v.GetInt("log_max_backups"),

		BaseURL:            strings.TrimRight(strings.TrimSpace(v.GetString("zamunda_base_url")), "/"),
		UserAgent:          strings.TrimSpace(v.GetString("zamunda_user_agent")),
		LoginMarker:        strings.TrimSpace(v.GetString("zamunda_login_marker")),
		ProxyURL:           strings.TrimSpace(v.GetString("zamunda_proxy")),
		ResolveConcurrency: positiveInt(v, "resolve_concurrency"),
		UpstreamRPS:        v.GetFloat64("upstream_rps"),

		CacheTTL:          time.Duration(positiveInt(v, "cache_ttl_minutes")) * time.Minute,
		CacheReapInterval: time.Duration(positiveInt(v, "cache_reap_interval_minutes")) * time.Minute,
		CacheDisabled:     v.GetBool("cache_disabled"),
		RedisURL:          strings.TrimSpace(v.GetString("redis_url")),

		RateLimitRPS:   positiveFloat(v, "rate_limit_rps"),
		RateLimitBurst: positiveInt(v, "rate_limit_burst"),

		OTLPEndpoint:    strings.TrimSpace(v.GetString("otel_exporter_otlp_endpoint")),
		TraceSampleRate: v.GetFloat64("otel_trace_sample_rate"),

		Username: strings.TrimSpace(v.GetString("zamunda_user")),
		Password: v.GetString("zamunda_password"),
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults["http_addr"].(string)
	}
	if cfg.LogMaxBackups < 0 {
		cfg.LogMaxBackups = 0
	}
	if cfg.UpstreamRPS < 0 {
		cfg.UpstreamRPS = 0
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("ZAMUNDA_BASE_URL %q is not an absolute url", c.BaseURL))
	}
	if c.ProxyURL != "" {
		if u, err := url.Parse(c.ProxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("ZAMUNDA_PROXY %q is not an absolute url", c.ProxyURL))
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACE_SAMPLE_RATE %v is outside [0, 1]", c.TraceSampleRate))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// positiveInt falls back to the default when the value is missing,
// malformed or not positive.
func positiveInt(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return defaults[key].(int)
}

func positiveFloat(v *viper.Viper, key string) float64 {
	if n := v.GetFloat64(key); n > 0 {
		return n
	}
	return defaults[key].(float64)
}
