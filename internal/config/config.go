package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/clima-service/internal/models"
	"github.com/kjstillabower/clima-service/internal/validation"
)

// Cache backends.
const (
	BackendBolt      = "bolt"
	BackendMemcached = "memcached"
	BackendInMemory  = "in_memory"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string

	WeatherAPIURL     string
	GeocodingAPIURL   string
	GeocodingLanguage string
	WeatherAPITimeout time.Duration
	ForecastHours     int
	ForecastDays      int

	AirQualityEnabled bool
	AirQualityAPIURL  string
	AirQualityAPIKey  string
	AirQualityTimeout time.Duration
	AirQualityRadiusM int

	RequestTimeout time.Duration

	CacheBackend         string
	CacheNamespace       string
	CachePath            string
	CacheOpenTimeout     time.Duration
	CacheMaxStaleAge     time.Duration
	CacheCleanupInterval time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts          int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RateLimitRPS           int
	RateLimitBurst         int
	UpstreamRateLimitRPS   int
	UpstreamRateLimitBurst int
	BreakerFailures        int
	BreakerSuccesses       int
	BreakerOpenTimeout     time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	MaxSessions          int

	WarmingEnabled   bool
	WarmingInterval  time.Duration
	WarmingLocations []models.Location

	HealthWindow   time.Duration
	HealthErrorPct int
	// HealthOverloadPct is the share of RateLimitRPS*HealthWindow denials that reports overloaded.
	HealthOverloadPct int

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL          string `yaml:"url"`
		GeocodingURL string `yaml:"geocoding_url"`
		Language     string `yaml:"language"`
		Timeout      string `yaml:"timeout"`
		Hours        int    `yaml:"hours"`
		Days         int    `yaml:"days"`
	} `yaml:"weather_api"`

	AirQualityAPI struct {
		Enabled *bool  `yaml:"enabled"`
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
		RadiusM int    `yaml:"radius_m"`
	} `yaml:"air_quality_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string `yaml:"backend"`
		Namespace       string `yaml:"namespace"`
		Path            string `yaml:"path"`
		OpenTimeout     string `yaml:"open_timeout"`
		MaxStaleAge     string `yaml:"max_stale_age"`
		CleanupInterval string `yaml:"cleanup_interval"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts       int    `yaml:"retry_max_attempts"`
		RetryBaseDelay         string `yaml:"retry_base_delay"`
		RetryMaxDelay          string `yaml:"retry_max_delay"`
		RateLimitRPS           int    `yaml:"rate_limit_rps"`
		RateLimitBurst         int    `yaml:"rate_limit_burst"`
		UpstreamRateLimitRPS   int    `yaml:"upstream_rate_limit_rps"`
		UpstreamRateLimitBurst int    `yaml:"upstream_rate_limit_burst"`
		CircuitBreaker         struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Coalesce struct {
		Enabled bool   `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Sessions struct {
		IdleTimeout   string `yaml:"idle_timeout"`
		SweepInterval string `yaml:"sweep_interval"`
		Max           int    `yaml:"max"`
	} `yaml:"sessions"`

	Warming struct {
		Enabled   bool              `yaml:"enabled"`
		Interval  string            `yaml:"interval"`
		Locations []models.Location `yaml:"locations"`
	} `yaml:"warming"`

	Health struct {
		Window   string `yaml:"window"`
		ErrorPct    int    `yaml:"error_pct"`
		OverloadPct int    `yaml:"overload_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	OpenAQAPIKey string `yaml:"openaq_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev). A .env file in the
// working directory is loaded first; variables already set in the environment win.
// The OpenAQ key comes from OPENAQ_API_KEY or config/secrets.yaml and is optional.
// Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.open-meteo.com/v1/forecast")
	cfg.GeocodingAPIURL = firstNonEmpty(fc.WeatherAPI.GeocodingURL, "https://geocoding-api.open-meteo.com/v1/search")
	cfg.GeocodingLanguage = firstNonEmpty(fc.WeatherAPI.Language, "en")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.ForecastHours = positiveOr(fc.WeatherAPI.Hours, 24)
	cfg.ForecastDays = positiveOr(fc.WeatherAPI.Days, 7)

	cfg.AirQualityEnabled = true
	if fc.AirQualityAPI.Enabled != nil {
		cfg.AirQualityEnabled = *fc.AirQualityAPI.Enabled
	}
	cfg.AirQualityAPIURL = firstNonEmpty(fc.AirQualityAPI.URL, "https://api.openaq.org/v2/latest")
	cfg.AirQualityTimeout = parseDuration(fc.AirQualityAPI.Timeout, 5*time.Second)
	cfg.AirQualityRadiusM = positiveOr(fc.AirQualityAPI.RadiusM, 10000)
	cfg.AirQualityAPIKey, err = loadAirQualityKey(cwd)
	if err != nil {
		return nil, err
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendBolt
	}
	cfg.CacheNamespace = firstNonEmpty(fc.Cache.Namespace, "weather-cache")
	cfg.CachePath = firstNonEmpty(os.Getenv("CACHE_PATH"), fc.Cache.Path, filepath.Join("data", "cache.db"))
	cfg.CacheOpenTimeout = parseDuration(fc.Cache.OpenTimeout, time.Second)
	cfg.CacheMaxStaleAge = parseDurationOrZero(fc.Cache.MaxStaleAge, 0)
	cfg.CacheCleanupInterval = parseDuration(fc.Cache.CleanupInterval, time.Hour)

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)
	cfg.UpstreamRateLimitRPS = positiveOr(fc.Reliability.UpstreamRateLimitRPS, 10)
	cfg.UpstreamRateLimitBurst = positiveOr(fc.Reliability.UpstreamRateLimitBurst, 20)
	cfg.BreakerFailures = positiveOr(fc.Reliability.CircuitBreaker.FailureThreshold, 5)
	cfg.BreakerSuccesses = positiveOr(fc.Reliability.CircuitBreaker.SuccessThreshold, 2)
	cfg.BreakerOpenTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.CoalesceEnabled = fc.Coalesce.Enabled
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 10*time.Second)

	cfg.SessionIdleTimeout = parseDuration(fc.Sessions.IdleTimeout, 30*time.Minute)
	cfg.SessionSweepInterval = parseDuration(fc.Sessions.SweepInterval, time.Minute)
	cfg.MaxSessions = positiveOr(fc.Sessions.Max, 10000)

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, 5*time.Minute)
	cfg.WarmingLocations = fc.Warming.Locations

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthErrorPct = positiveOr(fc.Health.ErrorPct, 50)
	cfg.HealthOverloadPct = positiveOr(fc.Health.OverloadPct, 80)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.ServerPort
}

func loadAirQualityKey(cwd string) (string, error) {
	if key := strings.TrimSpace(os.Getenv("OPENAQ_API_KEY")); key != "" {
		return key, nil
	}
	secretsData, err := os.ReadFile(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(secretsData, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.OpenAQAPIKey), nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func positiveOr(v, defaultVal int) int {
	if v <= 0 {
		return defaultVal
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// validate performs post-load validation. RequestTimeout is raised above the upstream
// timeout so a handler never cancels a fetch the transport would still retry.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.CacheMaxStaleAge < 0 {
		return fmt.Errorf("cache.max_stale_age must not be negative")
	}
	if _, err := strconv.Atoi(cfg.ServerPort); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", cfg.ServerPort)
	}
	switch cfg.CacheBackend {
	case BackendBolt, BackendMemcached, BackendInMemory:
	default:
		return fmt.Errorf("cache.backend must be bolt, memcached or in_memory, got %q", cfg.CacheBackend)
	}
	for i, loc := range cfg.WarmingLocations {
		if err := validation.Struct(loc); err != nil {
			return fmt.Errorf("warming.locations[%d]: %w", i, err)
		}
	}
	return nil
}
