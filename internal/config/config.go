package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// KV store. Backend "redis" (default) or "memory" (single-process dev mode).
	KVBackend     string `env:"KV_BACKEND" envDefault:"redis"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	EncryptionKey string `env:"ENCRYPTION_SECRET,required"`

	AudioDir string `env:"AUDIO_DIR" envDefault:"./audio"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	JWT        JWTConfig
	Rotation   RotationConfig
	Identity   IdentityConfig
	RateLimit  RateLimitConfig
	Push       PushConfig
	FreeTier   FreeTierConfig
	Providers  ProviderConfig
	S3         S3Config
}

// JWTConfig controls session token issuance.
type JWTConfig struct {
	// Secret is the legacy signing secret, used only when the key ring has
	// no current signing key and to verify tokens issued without a kid.
	Secret    string        `env:"JWT_SECRET,required"`
	ExpiresIn time.Duration `env:"JWT_EXPIRES_IN" envDefault:"168h"`
}

// RotationConfig controls the signing-key ring schedule.
type RotationConfig struct {
	Interval      time.Duration `env:"JWT_ROTATION_INTERVAL" envDefault:"720h"`
	GracePeriod   time.Duration `env:"JWT_ROTATION_GRACE_PERIOD" envDefault:"168h"`
	MaxActiveKeys int           `env:"JWT_MAX_ACTIVE_KEYS" envDefault:"3"`
	CheckInterval time.Duration `env:"JWT_ROTATION_CHECK_INTERVAL" envDefault:"1h"`
	LockTTL       time.Duration `env:"JWT_ROTATION_LOCK_TTL" envDefault:"60s"`
}

// IdentityConfig controls third-party identity token verification.
type IdentityConfig struct {
	Issuer            string        `env:"IDENTITY_ISSUER" envDefault:"https://appleid.apple.com"`
	JWKSURL           string        `env:"IDENTITY_JWKS_URL" envDefault:"https://appleid.apple.com/auth/keys"`
	AcceptedAudiences []string      `env:"IDENTITY_AUDIENCES,required" envSeparator:","`
	FetchTimeout      time.Duration `env:"IDENTITY_FETCH_TIMEOUT" envDefault:"30s"`
}

// RateLimitConfig controls the sliding-window engine and the auth abuse ladder.
type RateLimitConfig struct {
	Window          time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
	MaxDefault      int           `env:"RATE_LIMIT_MAX_DEFAULT" envDefault:"300"`
	MaxAuth         int           `env:"RATE_LIMIT_MAX_AUTH" envDefault:"5"`
	MaxConversation int           `env:"RATE_LIMIT_MAX_CONVERSATIONS" envDefault:"60"`
	MaxAudio        int           `env:"RATE_LIMIT_MAX_AUDIO" envDefault:"30"`
	LockoutWindow   time.Duration `env:"AUTH_LOCKOUT_WINDOW" envDefault:"30m"`
	LockoutCooldown time.Duration `env:"AUTH_LOCKOUT_COOLDOWN" envDefault:"30m"`
}

// PushConfig controls the websocket push channel.
type PushConfig struct {
	PingInterval  time.Duration `env:"PUSH_PING_INTERVAL" envDefault:"30s"`
	AuthTimeout   time.Duration `env:"PUSH_AUTH_TIMEOUT" envDefault:"10s"`
	BufferMaxLen  int           `env:"PUSH_BUFFER_MAX_LEN" envDefault:"50"`
	BufferTTL     time.Duration `env:"PUSH_BUFFER_TTL" envDefault:"24h"`
	MessageExpiry time.Duration `env:"PUSH_MESSAGE_EXPIRY" envDefault:"5m"`
}

// FreeTierConfig controls the weekly conversation quota.
type FreeTierConfig struct {
	WeeklyConversationLimit int    `env:"FREE_TIER_WEEKLY_LIMIT" envDefault:"100"`
	SubscriptionCheckURL    string `env:"SUBSCRIPTION_CHECK_URL"`
}

// ProviderConfig points at the transcription and analysis providers.
type ProviderConfig struct {
	TranscriptionURL     string        `env:"TRANSCRIPTION_URL,required"`
	TranscriptionModel   string        `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	TranscriptionAPIKey  string        `env:"TRANSCRIPTION_API_KEY"`
	AnalysisURL          string        `env:"ANALYSIS_URL,required"`
	AnalysisModel        string        `env:"ANALYSIS_MODEL" envDefault:"gpt-4o"`
	AnalysisAPIKey       string        `env:"ANALYSIS_API_KEY"`
	Timeout              time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	Workers              int           `env:"PIPELINE_WORKERS" envDefault:"4"`
	QueueSize            int           `env:"PIPELINE_QUEUE_SIZE" envDefault:"256"`
}

// S3Config configures optional object storage for uploaded audio.
type S3Config struct {
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"S3_BUCKET"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	AudioDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.KVBackend != "redis" && c.KVBackend != "memory" {
		return fmt.Errorf("invalid KV_BACKEND %q: must be redis or memory", c.KVBackend)
	}
	if c.Rotation.MaxActiveKeys < 1 {
		return fmt.Errorf("JWT_MAX_ACTIVE_KEYS must be >= 1, got %d", c.Rotation.MaxActiveKeys)
	}
	if len(c.Identity.AcceptedAudiences) == 0 {
		return fmt.Errorf("IDENTITY_AUDIENCES must list at least one audience")
	}
	return nil
}
