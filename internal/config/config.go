package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Asia/Kolkata in minimal containers

	"github.com/joho/godotenv"
)

// yahooMinuteHistoryDays is how far back Yahoo serves 1 minute candles.
const yahooMinuteHistoryDays = 30

type Config struct {
	Port     string
	DBPath   string
	Schedule string

	Workers            int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	AttemptTimeout     time.Duration
	UploadMaxAttempts  int
	UploadInitialDelay time.Duration

	Source   string
	SmartAPI SmartAPI
	Exchange string
	Interval string

	ManifestPath string
	ExpiryDate   string
	LookbackDays int
	Timezone     string

	ArchivePrefix string
	ArchiveFormat string

	Delivery string
	Telegram Telegram
	Bucket   Bucket
	TempDir  string

	LogLevel      string
	LogFormat     string
	ExitOnFailure bool
	AllowEmpty    bool
}

type SmartAPI struct {
	APIKey      string
	AccessToken string
	Endpoint    string
	MinInterval time.Duration
}

type Telegram struct {
	Token   string
	ChatID  string
	Caption string
	BaseURL string
}

type Bucket struct {
	Endpoint        string
	Region          string
	Name            string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads the environment, after merging a .env file in the working
// directory if there is one. Variables already set win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:     getEnv("PORT", "8080"),
		DBPath:   getEnv("DB_PATH", "archiver.db"),
		Schedule: getEnv("SCHEDULE", ""),

		Workers:            getEnvInt("WORKERS", 3),
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 5*time.Second),
		AttemptTimeout:     getEnvDuration("ATTEMPT_TIMEOUT", 60*time.Second),
		UploadMaxAttempts:  getEnvInt("UPLOAD_MAX_ATTEMPTS", 5),
		UploadInitialDelay: getEnvDuration("UPLOAD_INITIAL_DELAY", 2*time.Second),

		Source: strings.ToLower(getEnv("SOURCE", "smartapi")),
		SmartAPI: SmartAPI{
			APIKey:      getEnv("SMARTAPI_API_KEY", ""),
			AccessToken: getEnv("SMARTAPI_ACCESS_TOKEN", ""),
			Endpoint:    getEnv("SMARTAPI_ENDPOINT", ""),
			MinInterval: getEnvDuration("SMARTAPI_MIN_INTERVAL", 350*time.Millisecond),
		},
		Exchange: getEnv("EXCHANGE", "BFO"),
		Interval: getEnv("INTERVAL", "ONE_MINUTE"),

		ManifestPath: getEnv("MANIFEST_PATH", "instruments.csv"),
		ExpiryDate:   getEnv("EXPIRY_DATE", ""),
		LookbackDays: getEnvInt("LOOKBACK_DAYS", 90),
		Timezone:     getEnv("TIMEZONE", "Asia/Kolkata"),

		ArchivePrefix: getEnv("ARCHIVE_PREFIX", "SENSEX_expiry"),
		ArchiveFormat: strings.ToLower(getEnv("ARCHIVE_FORMAT", "xlsx")),

		Delivery: strings.ToLower(getEnv("DELIVERY", "telegram")),
		Telegram: Telegram{
			Token:   getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:  getEnv("TELEGRAM_CHAT_ID", ""),
			Caption: getEnv("TELEGRAM_CAPTION", ""),
			BaseURL: getEnv("TELEGRAM_API_URL", ""),
		},
		Bucket: Bucket{
			Endpoint:        getEnv("BUCKET_ENDPOINT", ""),
			Region:          getEnv("BUCKET_REGION", "auto"),
			Name:            getEnv("BUCKET_NAME", ""),
			Prefix:          getEnv("BUCKET_PREFIX", ""),
			AccessKeyID:     getEnv("BUCKET_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BUCKET_SECRET_ACCESS_KEY", ""),
		},
		TempDir: getEnv("TEMP_DIR", ""),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		ExitOnFailure: getEnvBool("EXIT_ON_FAILURE", false),
		AllowEmpty:    getEnvBool("ALLOW_EMPTY", true),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("MAX_RETRIES must be positive"))
	}
	if c.UploadMaxAttempts <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_ATTEMPTS must be positive"))
	}
	if c.LookbackDays <= 0 {
		errs = append(errs, errors.New("LOOKBACK_DAYS must be positive"))
	}
	if c.ManifestPath == "" {
		errs = append(errs, errors.New("MANIFEST_PATH is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}

	switch c.Source {
	case "smartapi":
		if c.SmartAPI.APIKey == "" || c.SmartAPI.AccessToken == "" {
			errs = append(errs, errors.New("SMARTAPI_API_KEY and SMARTAPI_ACCESS_TOKEN are required for SOURCE=smartapi"))
		}
	case "yahoo":
		if c.Interval == "ONE_MINUTE" && c.LookbackDays > yahooMinuteHistoryDays {
			errs = append(errs, fmt.Errorf("SOURCE=yahoo serves 1 minute candles for the last %d days only, lower LOOKBACK_DAYS or change INTERVAL", yahooMinuteHistoryDays))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE %q", c.Source))
	}

	switch c.ArchiveFormat {
	case "xlsx", "csv":
	default:
		errs = append(errs, fmt.Errorf("unknown ARCHIVE_FORMAT %q", c.ArchiveFormat))
	}

	switch c.Delivery {
	case "telegram":
		if c.Telegram.Token == "" || c.Telegram.ChatID == "" {
			errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required for DELIVERY=telegram"))
		}
	case "bucket":
		if c.Bucket.Name == "" || c.Bucket.AccessKeyID == "" || c.Bucket.SecretAccessKey == "" {
			errs = append(errs, errors.New("BUCKET_NAME, BUCKET_ACCESS_KEY_ID and BUCKET_SECRET_ACCESS_KEY are required for DELIVERY=bucket"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown DELIVERY %q", c.Delivery))
	}

	if c.ExpiryDate != "" {
		if _, err := time.Parse(time.DateOnly, c.ExpiryDate); err != nil {
			errs = append(errs, fmt.Errorf("EXPIRY_DATE must be YYYY-MM-DD: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Location is the market time zone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
