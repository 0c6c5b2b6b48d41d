package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const defaultSessionSecret = "dev-session-secret-change-in-production"

// nolint: lll
type Config struct {
	ServerAddress  string   `envconfig:"SERVER_ADDRESS" default:":8080"`
	SiteURL        string   `envconfig:"SITE_URL" default:"http://localhost:3000"`
	Environment    string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	StaticDir      string   `envconfig:"STATIC_DIR"`

	SessionSecret string        `envconfig:"SESSION_SECRET" default:"dev-session-secret-change-in-production"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"168h"`

	DiscordClientID     string `envconfig:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string `envconfig:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURL  string `envconfig:"DISCORD_REDIRECT_URL" default:"http://localhost:8080/auth/callback"`
	DiscordBotToken     string `envconfig:"DISCORD_BOT_TOKEN"`
	ModWebhookURL       string `envconfig:"MODERATION_WEBHOOK_URL"`
	RecaptchaSecret     string `envconfig:"RECAPTCHA_SECRET"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`
	MongoURI    string `envconfig:"MONGO_URI"`
	MongoDB     string `envconfig:"MONGO_DB" default:"guildindex"`

	RedisAddress  string `envconfig:"REDIS_ADDRESS"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	WorkerAddress   string        `envconfig:"WORKER_ADDRESS" default:":8081"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"15m"`
	RefreshBatch    int           `envconfig:"REFRESH_BATCH" default:"10"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate rejects settings that would be unsafe or unusable at runtime.
func (c *Config) Validate() error {
	if c.IsProduction() && c.SessionSecret == defaultSessionSecret {
		return fmt.Errorf("SESSION_SECRET must be set in production")
	}
	if len(c.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET must be at least 16 characters")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive")
	}
	if c.RefreshBatch <= 0 {
		return fmt.Errorf("REFRESH_BATCH must be positive")
	}
	return nil
}

// OAuthConfigured reports whether Discord login can be offered.
func (c *Config) OAuthConfigured() bool {
	return c.DiscordClientID != "" && c.DiscordClientSecret != ""
}
