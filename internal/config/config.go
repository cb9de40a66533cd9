package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "UGC"

type Config struct {
	Addr        string        `envconfig:"SERVER_ADDR" default:":8080"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`
	AccessTTL   time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
	RefreshTTL  time.Duration `envconfig:"REFRESH_TTL" default:"336h"`
	JWTSecret   string        `envconfig:"JWT_SECRET" default:"dev-change-me"`
	CORSOrigins []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	MaxUserJobs int           `envconfig:"MAX_USER_JOBS" default:"3"`

	Poll      PollConfig      `envconfig:"POLL"`
	Retry     RetryConfig     `envconfig:"RETRY"`
	Batch     BatchConfig     `envconfig:"BATCH"`
	Storage   StorageConfig   `envconfig:"STORAGE"`
	AMQP      AMQPConfig      `envconfig:"AMQP"`
	Providers ProvidersConfig `envconfig:"PROVIDERS"`
}

// PollConfig keys resolve to UGC_POLL_*.
type PollConfig struct {
	Interval    time.Duration `envconfig:"INTERVAL" default:"3s"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10m"`
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"200"`
}

type RetryConfig struct {
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	RateLimitBackoff time.Duration `envconfig:"RATE_LIMIT_BACKOFF" default:"10s"`
	MaxWait          time.Duration `envconfig:"MAX_WAIT" default:"30s"`
}

type BatchConfig struct {
	ItemDelay time.Duration `envconfig:"ITEM_DELAY" default:"2s"`
	MaxItems  int           `envconfig:"MAX_ITEMS" default:"100"`
}

type StorageConfig struct {
	Driver        string `envconfig:"DRIVER" default:"memory"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/ugc.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	QuotaBytes    int    `envconfig:"QUOTA_BYTES" default:"5242880"`
	HistoryCap    int    `envconfig:"HISTORY_CAP" default:"50"`
	BatchCap      int    `envconfig:"BATCH_CAP" default:"20"`
}

type AMQPConfig struct {
	URL      string `envconfig:"URL"`
	Exchange string `envconfig:"EXCHANGE" default:"ugc.jobs"`
}

// ProvidersConfig keys resolve to UGC_PROVIDERS_*, falling back to the
// unprefixed name (REPLICATE_API_TOKEN, OPENAI_API_KEY, ...).
type ProvidersConfig struct {
	EnableMock bool `envconfig:"ENABLE_MOCK" default:"true"`

	ReplicateToken   string `envconfig:"REPLICATE_API_TOKEN"`
	ReplicateBaseURL string `envconfig:"REPLICATE_BASE_URL" default:"https://api.replicate.com/v1"`

	FalKey     string `envconfig:"FAL_KEY"`
	FalBaseURL string `envconfig:"FAL_BASE_URL" default:"https://queue.fal.run"`

	HuggingFaceToken   string `envconfig:"HF_TOKEN"`
	HuggingFaceBaseURL string `envconfig:"HF_BASE_URL" default:"https://api-inference.huggingface.co"`

	ElevenLabsKey     string `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsBaseURL string `envconfig:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io/v1"`
	ElevenLabsVoice   string `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`

	OpenAIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
}

// Load reads an optional .env file and then the UGC_* environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("UGC_POLL_INTERVAL must be positive")
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("UGC_POLL_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("UGC_RETRY_MAX_RETRIES must not be negative")
	}
	if c.Storage.HistoryCap < 1 || c.Storage.BatchCap < 1 {
		return fmt.Errorf("collection caps must be at least 1")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown UGC_STORAGE_DRIVER %q", c.Storage.Driver)
	}
	return nil
}
