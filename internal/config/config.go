// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Scraper     ScraperConfig
	RateGate    RateGateConfig
	Run         RunConfig
	Export      ExportConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	RateLimitRPS float64
	RateBurst    int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
	// MaxUpsertAttempts bounds retries of a contended product upsert.
	MaxUpsertAttempts int
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	LockTTL  time.Duration
	Enabled  bool
}

type KafkaConfig struct {
	Brokers      []string
	ProductTopic string
	ClientID     string
}

type ScraperConfig struct {
	Renderer          string // static | browser
	UserAgent         string
	Headless          bool
	RenderTimeout     time.Duration
	MaxAttempts       int
	DetailConcurrency int
	CaptchaSelectors  []string
	BaseURLs          map[string]string
	// DefaultCurrency applies to prices without a currency symbol or code.
	DefaultCurrency string
}

// GateParams are the knobs of one per-domain rate gate.
type GateParams struct {
	Capacity         int
	RefillPerSecond  float64
	JitterMin        time.Duration
	JitterMax        time.Duration
	BackoffBase      time.Duration
	BackoffCap       int
	FailureThreshold int
	CoolDown         time.Duration
	MaxCoolDown      time.Duration
}

type RateGateConfig struct {
	Defaults GateParams
	// Overrides is keyed by source name (medicalexpo, medline, alibaba).
	Overrides map[string]GateParams
}

type RunConfig struct {
	MaxPages int
	MaxItems int
	Deadline time.Duration
}

type ExportConfig struct {
	Dir string
}

type LogConfig struct {
	Level  string
	Format string
}

var knownSources = []string{"medicalexpo", "medline", "alibaba"}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	gateDefaults := GateParams{
		Capacity:         getEnvAsInt("RATEGATE_CAPACITY", 2),
		RefillPerSecond:  getEnvAsFloat("RATEGATE_REFILL_PER_SEC", 0.5),
		JitterMin:        getEnvAsDuration("RATEGATE_JITTER_MIN", 0),
		JitterMax:        getEnvAsDuration("RATEGATE_JITTER_MAX", time.Second),
		BackoffBase:      getEnvAsDuration("RATEGATE_BACKOFF_BASE", 2*time.Second),
		BackoffCap:       getEnvAsInt("RATEGATE_BACKOFF_CAP", 5),
		FailureThreshold: getEnvAsInt("RATEGATE_FAILURE_THRESHOLD", 5),
		CoolDown:         getEnvAsDuration("RATEGATE_COOL_DOWN", time.Minute),
		MaxCoolDown:      getEnvAsDuration("RATEGATE_MAX_COOL_DOWN", 15*time.Minute),
	}

	overrides := make(map[string]GateParams, len(knownSources))
	baseURLs := make(map[string]string, len(knownSources))
	for _, source := range knownSources {
		overrides[source] = loadGateParams("RATEGATE_"+strings.ToUpper(source)+"_", gateDefaults)
	}
	baseURLs["medicalexpo"] = getEnv("MEDICALEXPO_BASE_URL", "https://www.medicalexpo.com")
	baseURLs["medline"] = getEnv("MEDLINE_BASE_URL", "https://www.medline.com")
	baseURLs["alibaba"] = getEnv("ALIBABA_BASE_URL", "https://www.alibaba.com")

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			RateLimitRPS: getEnvAsFloat("SERVER_RATE_LIMIT_RPS", 10),
			RateBurst:    getEnvAsInt("SERVER_RATE_BURST", 20),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnv("DB_PORT", "5432"),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Database:          getEnv("DB_NAME", "medical_equipment"),
			SSLMode:           getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:      getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:      getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:       getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:          getEnv("DB_LOG_LEVEL", "silent"),
			MaxUpsertAttempts: getEnvAsInt("DB_MAX_UPSERT_ATTEMPTS", 3),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 2*time.Minute),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsList("KAFKA_BROKERS", nil),
			ProductTopic: getEnv("KAFKA_PRODUCT_TOPIC", "catalog.products"),
			ClientID:     getEnv("KAFKA_CLIENT_ID", "medequip-scraper"),
		},
		Scraper: ScraperConfig{
			Renderer:          getEnv("SCRAPER_RENDERER", "static"),
			UserAgent:         getEnv("SCRAPER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			Headless:          getEnvAsBool("SCRAPER_HEADLESS", true),
			RenderTimeout:     getEnvAsDuration("SCRAPER_RENDER_TIMEOUT", 30*time.Second),
			MaxAttempts:       getEnvAsInt("SCRAPER_MAX_ATTEMPTS", 3),
			DetailConcurrency: getEnvAsInt("SCRAPER_DETAIL_CONCURRENCY", 4),
			CaptchaSelectors:  getEnvAsList("SCRAPER_CAPTCHA_SELECTORS", []string{`input[name="captcha"]`}),
			BaseURLs:          baseURLs,
			DefaultCurrency:   getEnv("SCRAPER_DEFAULT_CURRENCY", "USD"),
		},
		RateGate: RateGateConfig{
			Defaults:  gateDefaults,
			Overrides: overrides,
		},
		Run: RunConfig{
			MaxPages: getEnvAsInt("RUN_MAX_PAGES", 10),
			MaxItems: getEnvAsInt("RUN_MAX_ITEMS", 100),
			Deadline: getEnvAsDuration("RUN_DEADLINE", 2*time.Hour),
		},
		Export: ExportConfig{
			Dir: getEnv("EXPORT_DIR", "exports"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	switch c.Scraper.Renderer {
	case "static", "browser":
	default:
		return fmt.Errorf("unknown scraper renderer %q", c.Scraper.Renderer)
	}

	if c.Scraper.MaxAttempts < 1 {
		return fmt.Errorf("SCRAPER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Scraper.DetailConcurrency < 1 {
		return fmt.Errorf("SCRAPER_DETAIL_CONCURRENCY must be at least 1")
	}
	if c.Database.MaxUpsertAttempts < 1 {
		return fmt.Errorf("DB_MAX_UPSERT_ATTEMPTS must be at least 1")
	}

	for name, p := range c.RateGate.Overrides {
		if err := p.validate(); err != nil {
			return fmt.Errorf("rate gate %s: %w", name, err)
		}
	}

	return c.RateGate.Defaults.validate()
}

func (p GateParams) validate() error {
	if p.JitterMax < p.JitterMin {
		return fmt.Errorf("jitter max %s is below jitter min %s", p.JitterMax, p.JitterMin)
	}
	if p.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}
	if p.MaxCoolDown < p.CoolDown {
		return fmt.Errorf("max cool-down %s is below cool-down %s", p.MaxCoolDown, p.CoolDown)
	}
	return nil
}

// GateFor returns the gate parameters for a source, falling back to defaults.
func (r RateGateConfig) GateFor(source string) GateParams {
	if p, ok := r.Overrides[source]; ok {
		return p
	}
	return r.Defaults
}

func (r *RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func loadGateParams(prefix string, def GateParams) GateParams {
	return GateParams{
		Capacity:         getEnvAsInt(prefix+"CAPACITY", def.Capacity),
		RefillPerSecond:  getEnvAsFloat(prefix+"REFILL_PER_SEC", def.RefillPerSecond),
		JitterMin:        getEnvAsDuration(prefix+"JITTER_MIN", def.JitterMin),
		JitterMax:        getEnvAsDuration(prefix+"JITTER_MAX", def.JitterMax),
		BackoffBase:      getEnvAsDuration(prefix+"BACKOFF_BASE", def.BackoffBase),
		BackoffCap:       getEnvAsInt(prefix+"BACKOFF_CAP", def.BackoffCap),
		FailureThreshold: getEnvAsInt(prefix+"FAILURE_THRESHOLD", def.FailureThreshold),
		CoolDown:         getEnvAsDuration(prefix+"COOL_DOWN", def.CoolDown),
		MaxCoolDown:      getEnvAsDuration(prefix+"MAX_COOL_DOWN", def.MaxCoolDown),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
