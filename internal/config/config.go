// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreDynamoDB = "dynamodb"
	StorePostgres = "postgres"

	SessionMemory = "memory"
	SessionRedis  = "redis"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

type Config struct {
	AppEnv   string
	LogLevel string
	HTTPAddr string

	StoreDriver string
	StateTable  string
	DatabaseURL string

	SessionBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SessionTTL     time.Duration

	ParamPrefix       string
	GeneratorProvider string
	GeneratorModel    string
	GeneratorTimeout  time.Duration

	MaxMessageLength int
	ContextPairs     int
	SummaryWordLimit int
	SummaryWorkers   int
	SummaryQueueSize int
	SummaryTimeout   time.Duration

	OTPDevEcho  bool
	OTPHashCost int

	TwilioAccountSID  string
	TwilioFrom        string
	TwilioBaseURL     string
	TwilioCountryCode string
}

func (c Config) Development() bool {
	return c.AppEnv == "development"
}

// Load reads .env (when present) into the environment, then resolves every
// key through viper with defaults applied.
func Load() (Config, error) {
	return load(".env")
}

func load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		AppEnv:            strings.ToLower(v.GetString("APP_ENV")),
		LogLevel:          v.GetString("LOG_LEVEL"),
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		StoreDriver:       strings.ToLower(v.GetString("STORE_DRIVER")),
		StateTable:        v.GetString("STATE_TABLE"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		SessionBackend:    strings.ToLower(v.GetString("SESSION_BACKEND")),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		SessionTTL:        v.GetDuration("SESSION_TTL"),
		ParamPrefix:       strings.TrimRight(v.GetString("PARAM_PREFIX"), "/"),
		GeneratorProvider: strings.ToLower(v.GetString("GENERATOR_PROVIDER")),
		GeneratorModel:    v.GetString("GENERATOR_MODEL"),
		GeneratorTimeout:  v.GetDuration("GENERATOR_TIMEOUT"),
		MaxMessageLength:  v.GetInt("MAX_MESSAGE_LENGTH"),
		ContextPairs:      v.GetInt("CONTEXT_PAIRS"),
		SummaryWordLimit:  v.GetInt("SUMMARY_WORD_LIMIT"),
		SummaryWorkers:    v.GetInt("SUMMARY_WORKERS"),
		SummaryQueueSize:  v.GetInt("SUMMARY_QUEUE_SIZE"),
		SummaryTimeout:    v.GetDuration("SUMMARY_TIMEOUT"),
		OTPHashCost:       v.GetInt("OTP_HASH_COST"),
		TwilioAccountSID:  v.GetString("TWILIO_ACCOUNT_SID"),
		TwilioFrom:        v.GetString("TWILIO_FROM"),
		TwilioBaseURL:     v.GetString("TWILIO_BASE_URL"),
		TwilioCountryCode: v.GetString("TWILIO_COUNTRY_CODE"),
	}
	if v.IsSet("OTP_DEV_ECHO") {
		cfg.OTPDevEcho = v.GetBool("OTP_DEV_ECHO")
	} else {
		cfg.OTPDevEcho = cfg.Development()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STORE_DRIVER", StoreDynamoDB)
	v.SetDefault("SESSION_BACKEND", SessionMemory)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("GENERATOR_PROVIDER", ProviderOpenAI)
	v.SetDefault("GENERATOR_TIMEOUT", "20s")
	v.SetDefault("MAX_MESSAGE_LENGTH", 1000)
	v.SetDefault("CONTEXT_PAIRS", 5)
	v.SetDefault("SUMMARY_WORD_LIMIT", 200)
	v.SetDefault("SUMMARY_WORKERS", 2)
	v.SetDefault("SUMMARY_QUEUE_SIZE", 64)
	v.SetDefault("SUMMARY_TIMEOUT", "30s")
	v.SetDefault("OTP_HASH_COST", 10)
	v.SetDefault("TWILIO_COUNTRY_CODE", "+1")
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDynamoDB:
		if c.StateTable == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.SessionBackend {
	case SessionMemory:
	case SessionRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required for the redis session backend")
		}
	default:
		return fmt.Errorf("config: unknown SESSION_BACKEND %q", c.SessionBackend)
	}

	switch c.GeneratorProvider {
	case ProviderOpenAI, ProviderGemini:
		if c.ParamPrefix == "" {
			return errors.New("config: PARAM_PREFIX is required for a generator provider")
		}
	case ProviderNone:
	default:
		return fmt.Errorf("config: unknown GENERATOR_PROVIDER %q", c.GeneratorProvider)
	}

	if !c.OTPDevEcho {
		if c.TwilioAccountSID == "" || c.TwilioFrom == "" {
			return errors.New("config: TWILIO_ACCOUNT_SID and TWILIO_FROM are required when OTP_DEV_ECHO is off")
		}
		if c.ParamPrefix == "" {
			return errors.New("config: PARAM_PREFIX is required for the twilio auth token")
		}
	}

	if c.GeneratorTimeout <= 0 || c.SessionTTL <= 0 || c.SummaryTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	if c.MaxMessageLength <= 0 || c.ContextPairs <= 0 || c.SummaryWordLimit <= 0 {
		return errors.New("config: MAX_MESSAGE_LENGTH, CONTEXT_PAIRS and SUMMARY_WORD_LIMIT must be positive")
	}
	return nil
}

// ValidateLambda adds the checks for the Lambda entrypoint. Warm instances do
// not share memory, so sessions and turn locks must live in redis there.
func (c Config) ValidateLambda() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SessionBackend != SessionRedis {
		return fmt.Errorf("config: SESSION_BACKEND must be %q on lambda, got %q", SessionRedis, c.SessionBackend)
	}
	return nil
}
