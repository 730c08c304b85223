package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingSecret is returned by the Validate* functions when a process is
// missing a credential it needs.
var ErrMissingSecret = errors.New("missing required secret")

// Config holds configuration for the service, collector and relay processes,
// loaded from YAML, an optional .env file and the environment.
type Config struct {
	ServerPort                    string
	RequestTimeout                time.Duration
	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	ObservationsMaxSize int
	ObservationsTTL     time.Duration
	LatestLimit         int

	QuestionMaxLength int
	RateLimitRPS      int
	RateLimitBurst    int

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	CompletionAPIKey         string
	CompletionURL            string
	CompletionModel          string
	CompletionTimeout        time.Duration
	CompletionRetryAttempts  int
	CompletionRetryBaseDelay time.Duration
	CompletionRetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	AnswerCacheBackend         string // "none", "in_memory" or "memcached"
	AnswerCacheTTL             time.Duration
	AnswerCacheCleanupInterval time.Duration // in_memory purge period
	MemcachedAddrs             string
	MemcachedTimeout           time.Duration
	MemcachedMaxIdleConns      int

	WeatherAPIKey         string
	WeatherAPIURL         string
	WeatherAPITimeout     time.Duration
	UpstreamRetryAttempts int
	UpstreamRetryBase     time.Duration
	UpstreamRetryMax      time.Duration
	City                  string
	PollInterval          time.Duration

	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	QueueName            string
	QueueConnectAttempts int
	QueueConnectDelay    time.Duration
	QueueBlockTimeout    time.Duration

	IngestURL        string
	ForwardAttempts  int
	ForwardDelay     time.Duration
	RelayHTTPTimeout time.Duration

	CollectorMetricsPort string
	RelayMetricsPort     string
}

type fileConfig struct {
	Server struct {
		Port                          string `yaml:"port"`
		RequestTimeout                string `yaml:"request_timeout"`
		ShutdownTimeout               string `yaml:"shutdown_timeout"`
		ShutdownInFlightTimeout       string `yaml:"shutdown_in_flight_timeout"`
		ShutdownInFlightCheckInterval string `yaml:"shutdown_in_flight_check_interval"`
	} `yaml:"server"`

	Observations struct {
		MaxSize     int    `yaml:"max_size"`
		TTL         string `yaml:"ttl"`
		LatestLimit int    `yaml:"latest_limit"`
	} `yaml:"observations"`

	Chat struct {
		QuestionMaxLength int `yaml:"question_max_length"`
		RateLimitRPS      int `yaml:"rate_limit_rps"`
		RateLimitBurst    int `yaml:"rate_limit_burst"`
	} `yaml:"chat"`

	Health struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Completion struct {
		URL              string `yaml:"url"`
		Model            string `yaml:"model"`
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"completion"`

	AnswerCache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		CleanupInterval string `yaml:"cleanup_interval"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"answer_cache"`

	Upstream struct {
		URL              string `yaml:"url"`
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		City             string `yaml:"city"`
		PollInterval     string `yaml:"poll_interval"`
	} `yaml:"upstream"`

	Queue struct {
		RedisAddr       string `yaml:"redis_addr"`
		RedisDB         int    `yaml:"redis_db"`
		Name            string `yaml:"name"`
		ConnectAttempts int    `yaml:"connect_attempts"`
		ConnectDelay    string `yaml:"connect_delay"`
		BlockTimeout    string `yaml:"block_timeout"`
	} `yaml:"queue"`

	Relay struct {
		IngestURL       string `yaml:"ingest_url"`
		ForwardAttempts int    `yaml:"forward_attempts"`
		ForwardDelay    string `yaml:"forward_delay"`
		HTTPTimeout     string `yaml:"http_timeout"`
	} `yaml:"relay"`

	Metrics struct {
		CollectorPort string `yaml:"collector_port"`
		RelayPort     string `yaml:"relay_port"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	WeatherAPIKey string `yaml:"weather_api_key"`
	RedisPassword string `yaml:"redis_password"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads root/.env (if present, without overriding the environment),
// then root/config/{ENV_NAME}.yaml (default dev) and root/config/secrets.yaml.
// Secrets come from the environment first, then the secrets file. Load does not
// require any secret; each process checks its own with Validate*.
func LoadFrom(root string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(root, "config", env+".yaml")
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

	sec, err := readSecrets(filepath.Join(root, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	applyServer(cfg, &fc)
	applyChat(cfg, &fc)
	applyCompletion(cfg, &fc, sec)
	applyAnswerCache(cfg, &fc)
	applyCollector(cfg, &fc, sec)
	applyRelay(cfg, &fc)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func applyServer(cfg *Config, fc *fileConfig) {
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 25*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Server.ShutdownTimeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Server.ShutdownInFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Server.ShutdownInFlightCheckInterval, 100*time.Millisecond)

	cfg.ObservationsMaxSize = positiveOr(fc.Observations.MaxSize, 100)
	cfg.ObservationsTTL = parseDuration(fc.Observations.TTL, 24*time.Hour)
	cfg.LatestLimit = positiveOr(fc.Observations.LatestLimit, 10)
}

func applyChat(cfg *Config, fc *fileConfig) {
	cfg.QuestionMaxLength = positiveOr(fc.Chat.QuestionMaxLength, 500)
	cfg.RateLimitRPS = positiveOr(fc.Chat.RateLimitRPS, 10)
	cfg.RateLimitBurst = positiveOr(fc.Chat.RateLimitBurst, 20)

	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Health.OverloadThresholdPct, 20)
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 25)
}

func applyCompletion(cfg *Config, fc *fileConfig, sec secretsFile) {
	c := fc.Completion
	cfg.CompletionAPIKey = firstNonEmpty(os.Getenv("GEMINI_API_KEY"), sec.GeminiAPIKey)
	cfg.CompletionURL = firstNonEmpty(c.URL, "https://generativelanguage.googleapis.com/v1beta/models")
	cfg.CompletionModel = firstNonEmpty(os.Getenv("GEMINI_MODEL"), c.Model, "gemini-2.5-flash")
	cfg.CompletionTimeout = parseDurationOrZero(c.Timeout, 20*time.Second)
	cfg.CompletionRetryAttempts = positiveOr(c.RetryMaxAttempts, 2)
	cfg.CompletionRetryBaseDelay = parseDuration(c.RetryBaseDelay, 250*time.Millisecond)
	cfg.CompletionRetryMaxDelay = parseDuration(c.RetryMaxDelay, 2*time.Second)

	cfg.CircuitBreakerEnabled = true
	if c.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *c.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = positiveOr(c.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(c.CircuitBreaker.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(c.CircuitBreaker.Timeout, 30*time.Second)
}

func applyAnswerCache(cfg *Config, fc *fileConfig) {
	ac := fc.AnswerCache
	cfg.AnswerCacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("ANSWER_CACHE_BACKEND"), ac.Backend, "in_memory"))
	cfg.AnswerCacheTTL = parseDuration(ac.TTL, 10*time.Minute)
	cfg.AnswerCacheCleanupInterval = parseDuration(ac.CleanupInterval, time.Minute)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), ac.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(ac.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(ac.Memcached.MaxIdleConns, 2)
}

func applyCollector(cfg *Config, fc *fileConfig, sec secretsFile) {
	u := fc.Upstream
	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	cfg.WeatherAPIURL = firstNonEmpty(u.URL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPITimeout = parseDuration(u.Timeout, 5*time.Second)
	cfg.UpstreamRetryAttempts = positiveOr(u.RetryMaxAttempts, 3)
	cfg.UpstreamRetryBase = parseDuration(u.RetryBaseDelay, 100*time.Millisecond)
	cfg.UpstreamRetryMax = parseDuration(u.RetryMaxDelay, 2*time.Second)
	cfg.City = firstNonEmpty(os.Getenv("CITY_NAME"), u.City, "Toritama")
	cfg.PollInterval = parseDuration(u.PollInterval, 30*time.Second)

	q := fc.Queue
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), redisHostPort(), q.RedisAddr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = q.RedisDB
	cfg.QueueName = firstNonEmpty(q.Name, "weather_data_queue")
	cfg.QueueConnectAttempts = positiveOr(q.ConnectAttempts, 10)
	cfg.QueueConnectDelay = parseDuration(q.ConnectDelay, 5*time.Second)
	cfg.QueueBlockTimeout = parseDuration(q.BlockTimeout, 30*time.Second)

	cfg.CollectorMetricsPort = firstNonEmpty(fc.Metrics.CollectorPort, "9101")
}

func applyRelay(cfg *Config, fc *fileConfig) {
	r := fc.Relay
	cfg.IngestURL = firstNonEmpty(os.Getenv("INGEST_URL"), r.IngestURL, "http://localhost:8080/api/v1/ingest")
	cfg.ForwardAttempts = positiveOr(r.ForwardAttempts, 3)
	cfg.ForwardDelay = parseDuration(r.ForwardDelay, 5*time.Second)
	cfg.RelayHTTPTimeout = parseDuration(r.HTTPTimeout, 10*time.Second)
	cfg.RelayMetricsPort = firstNonEmpty(fc.Metrics.RelayPort, "9102")
}

// redisHostPort supports the REDIS_HOST/REDIS_PORT pair used by container setups.
func redisHostPort() string {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return ""
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
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
// Zero or negative durations are returned as-is for validate to reject.
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

// validate checks cross-field constraints. RequestTimeout is raised above the
// completion timeout so the chat path can always report a backend timeout itself.
func validate(cfg *Config) error {
	if cfg.CompletionTimeout <= 0 {
		return fmt.Errorf("completion.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.CompletionTimeout {
		cfg.RequestTimeout = cfg.CompletionTimeout + 5*time.Second
	}
	switch cfg.AnswerCacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("answer_cache.backend must be none, in_memory or memcached, got %q", cfg.AnswerCacheBackend)
	}
	return nil
}

// ValidateService checks what cmd/service needs.
func ValidateService(cfg *Config) error {
	if cfg.CompletionAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY (set env or config/secrets.yaml gemini_api_key)", ErrMissingSecret)
	}
	return nil
}

// ValidateCollector checks what cmd/collector needs.
func ValidateCollector(cfg *Config) error {
	if cfg.WeatherAPIKey == "" {
		return fmt.Errorf("%w: WEATHER_API_KEY (set env or config/secrets.yaml weather_api_key)", ErrMissingSecret)
	}
	return nil
}

// ValidateRelay checks what cmd/relay needs.
func ValidateRelay(cfg *Config) error {
	u, err := url.Parse(cfg.IngestURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("relay.ingest_url must be an absolute URL, got %q", cfg.IngestURL)
	}
	return nil
}
