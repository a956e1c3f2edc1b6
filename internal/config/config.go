package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string `env:"API_ADDR" envDefault:":8787"`
	CORSOrigin  string `env:"CORS_ORIGIN" envDefault:"*"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppBaseURL  string `env:"APP_BASE_URL" envDefault:"http://localhost:5173"`
	JWTSecret   string `env:"JWT_SECRET" envDefault:"formpilot-dev-secret"`
	VersionsDir string `env:"VERSIONS_DIR" envDefault:"./data/versions"`

	// Empty DatabaseURL runs against the in-memory document store.
	DatabaseURL  string        `env:"DATABASE_URL"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	StoreRetries int           `env:"STORE_RETRIES" envDefault:"3"`

	// Empty RedisURL keeps editor snapshots in process memory.
	RedisURL string `env:"REDIS_URL"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	InviteTTL time.Duration `env:"INVITE_TTL" envDefault:"168h"`

	DebounceText        time.Duration `env:"DEBOUNCE_TEXT" envDefault:"1000ms"`
	DebounceColor       time.Duration `env:"DEBOUNCE_COLOR" envDefault:"300ms"`
	EditorSessionIdle   time.Duration `env:"EDITOR_SESSION_IDLE" envDefault:"30m"`
	EditorSnapshotTTL   time.Duration `env:"EDITOR_SNAPSHOT_TTL" envDefault:"24h"`
	EditorSweepSchedule string        `env:"EDITOR_SWEEP_SCHEDULE" envDefault:"@every 1m"`

	SMTP SMTP `envPrefix:"SMTP_"`
	S3   S3   `envPrefix:"S3_"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`
}

// SMTP is empty by default; invite e-mail is skipped when Host is unset.
type SMTP struct {
	Host     string `env:"HOST"`
	Port     string `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
	FromName string `env:"FROM_NAME" envDefault:"FormPilot"`
}

type S3 struct {
	Endpoint     string `env:"ENDPOINT"`
	AccessKey    string `env:"ACCESS_KEY"`
	SecretKey    string `env:"SECRET_KEY"`
	Bucket       string `env:"BUCKET" envDefault:"formpilot-assets"`
	UseSSL       bool   `env:"USE_SSL" envDefault:"false"`
	PublicURL    string `env:"PUBLIC_URL"`
	MaxImageSize int64  `env:"MAX_IMAGE_SIZE" envDefault:"5242880"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	return cfg, nil
}
