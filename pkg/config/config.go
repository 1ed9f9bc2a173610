package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvFileVar names an optional env file loaded before the environment is
// read. Variables already set in the environment win over the file.
const EnvFileVar = "ECHAT_ENV_FILE"

type Config struct {
	APIURL       string `envconfig:"API_URL" default:"http://localhost:8000"`
	WSURL        string `envconfig:"WS_URL" default:"ws://localhost:8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./data/echat.db"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8765"`
	Environment  string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	NotifyLang   string `envconfig:"NOTIFY_LANG" default:"en"`

	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"3s"`
	ReconnectAttempts int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	TypingIdle        time.Duration `envconfig:"TYPING_IDLE" default:"2s"`
	TypingTTL         time.Duration `envconfig:"TYPING_TTL" default:"5s"`

	// RateLimit is a limiter rate such as "20-S" for the local view API.
	RateLimit     string `envconfig:"RATE_LIMIT" default:"20-S"`
	MaxUploadSize int64  `envconfig:"MAX_UPLOAD_SIZE" default:"10485760"` // 10MB
}

func Load() (*Config, error) {
	if path, ok := os.LookupEnv(EnvFileVar); ok && path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.ReconnectAttempts < 1 {
		return nil, fmt.Errorf("invalid configuration: RECONNECT_ATTEMPTS must be at least 1")
	}
	return &cfg, nil
}

// WebSocketEndpoint is the realtime endpoint without the token parameter.
func (c *Config) WebSocketEndpoint() string {
	return strings.TrimRight(c.WSURL, "/") + "/chat/ws"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
