// Package config loads and validates engine configuration from the
// environment, and owns the optional Postgres connection used by the
// task store.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mailverify/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

// RedisConfig configures the optional distributed/process-isolated
// batch queue.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RateLimitConfig is the per-domain sliding window, applied alike to
// every domain; there is no per-provider override.
type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Config is every tunable the engine needs at startup.
type Config struct {
	Environment   string `json:"environment"`
	EncryptionKey string `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`
	DBEnabled      bool   `json:"db_enabled"`

	Redis RedisConfig `json:"redis"`

	DataDir    string `json:"data_dir"`
	HistoryDir string `json:"history_dir"`

	WorkerCount       int           `json:"worker_count"`
	WorkerMode        string        `json:"worker_mode"` // "threaded" or "process"
	InterAddressJitterMin time.Duration `json:"inter_address_jitter_min"`
	InterAddressJitterMax time.Duration `json:"inter_address_jitter_max"`

	RateLimit RateLimitConfig `json:"rate_limit"`

	DNSTimeout      time.Duration `json:"dns_timeout"`
	SMTPTimeout     time.Duration `json:"smtp_timeout"`
	SMTPRetries     int           `json:"smtp_retries"`
	CatchAllProbing bool          `json:"catch_all_probing"`
	SMTPSenderEmail string        `json:"smtp_sender_email"`

	MicrosoftAPIURL       string `json:"microsoft_api_url"`
	MicrosoftAPITimeout   time.Duration `json:"microsoft_api_timeout"`
	MicrosoftAPIRetries   int    `json:"microsoft_api_retries"`
	PromoteAmbiguousMicrosoftToValid bool `json:"promote_ambiguous_microsoft_to_valid"`

	BrowserWaitAfterSubmit time.Duration `json:"browser_wait_after_submit"`
	ScreenshotMode         string        `json:"screenshot_mode"` // none, problems, steps, all
	ScreenshotDir          string        `json:"screenshot_dir"`

	MaxCacheSize int `json:"max_cache_size"`

	ProxyAddresses []string `json:"-"`
	SkipDomains    []string `json:"skip_domains"`
}

func init() {
	_ = godotenv.Load()
	envLoaded = true
}

// LoadConfig populates AppConfig from the environment, applying
// defaults and validating the values that have no safe fallback.
func LoadConfig() error {
	AppConfig = Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		DBEnabled:      getEnvAsBool("DB_ENABLED", false),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailverify"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		DataDir:    getEnv("DATA_DIR", "./data"),
		HistoryDir: getEnv("HISTORY_DIR", "./statistics/history"),

		WorkerCount: getEnvAsInt("WORKER_COUNT", 4),
		WorkerMode:  getEnv("WORKER_MODE", "threaded"),
		InterAddressJitterMin: time.Duration(getEnvAsInt("JITTER_MIN_MS", 500)) * time.Millisecond,
		InterAddressJitterMax: time.Duration(getEnvAsInt("JITTER_MAX_MS", 1500)) * time.Millisecond,

		RateLimit: RateLimitConfig{
			MaxRequests: getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 10),
			Window:      time.Duration(getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},

		DNSTimeout:      time.Duration(getEnvAsInt("DNS_TIMEOUT_SECONDS", 5)) * time.Second,
		SMTPTimeout:     time.Duration(getEnvAsInt("SMTP_TIMEOUT_SECONDS", 10)) * time.Second,
		SMTPRetries:     getEnvAsInt("SMTP_RETRIES", 3),
		CatchAllProbing: getEnvAsBool("CATCH_ALL_PROBING", true),
		SMTPSenderEmail: getEnv("SMTP_SENDER_EMAIL", "verify-probe@example.com"),

		MicrosoftAPIURL:     getEnv("MICROSOFT_API_URL", "https://login.microsoftonline.com/common/GetCredentialType"),
		MicrosoftAPITimeout: time.Duration(getEnvAsInt("MICROSOFT_API_TIMEOUT_SECONDS", 10)) * time.Second,
		MicrosoftAPIRetries: getEnvAsInt("MICROSOFT_API_RETRIES", 3),
		PromoteAmbiguousMicrosoftToValid: getEnvAsBool("PROMOTE_AMBIGUOUS_MICROSOFT_TO_VALID", false),

		BrowserWaitAfterSubmit: time.Duration(getEnvAsInt("BROWSER_WAIT_SECONDS", 3)) * time.Second,
		ScreenshotMode:         getEnv("SCREENSHOT_MODE", "problems"),
		ScreenshotDir:          getEnv("SCREENSHOT_DIR", "./screenshots"),

		MaxCacheSize: getEnvAsInt("MAX_CACHE_SIZE", 1000),

		ProxyAddresses: getEnvAsList("SOCKS5_PROXIES"),
		SkipDomains:    getEnvAsList("SKIP_DOMAINS"),
	}

	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(AppConfig.EncryptionKey) != 16 && len(AppConfig.EncryptionKey) != 24 && len(AppConfig.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24, or 32 bytes for AES")
	}

	logConfig()
	return nil
}

// ConnectDB opens the optional Postgres connection backing the task
// store. Engines that only need file-backed persistence can skip it
// (DBEnabled=false).
func ConnectDB() error {
	logrus.Info("connecting to task-store database")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBUser,
		AppConfig.DBPassword, AppConfig.DBName, AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("task-store database connected, running migrations")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("task-store migrations complete")
	return nil
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.TaskRecord{},
		&models.TaskResultRecord{},
	)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	switch strings.ToLower(strings.TrimSpace(valueStr)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

func getEnvAsList(key string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.Info("loaded configuration")
	logrus.WithFields(logrus.Fields{
		"environment":   AppConfig.Environment,
		"worker_count":  AppConfig.WorkerCount,
		"worker_mode":   AppConfig.WorkerMode,
		"data_dir":      AppConfig.DataDir,
		"rate_limit":    fmt.Sprintf("%d/%s", AppConfig.RateLimit.MaxRequests, AppConfig.RateLimit.Window),
		"db_enabled":    AppConfig.DBEnabled,
		"redis_enabled": AppConfig.Redis.Enabled,
	}).Info("engine configuration")
}
