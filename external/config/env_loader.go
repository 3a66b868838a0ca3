package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/botfleet/internal/config"
	"github.com/joho/godotenv"
)

type envConfig struct {
	Env                   string        `env:"ENV" envDefault:"production"`
	DatabaseDriver        string        `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabasePath          string        `env:"DATABASE_PATH" envDefault:"./data/botfleet.db"`
	DatabaseURL           string        `env:"DATABASE_URL"`
	DatabaseBusyTimeoutMS int           `env:"DATABASE_BUSY_TIMEOUT_MS" envDefault:"5000"`
	HistoryDir            string        `env:"HISTORY_DIR" envDefault:"./data/history"`
	OpenAIAPIKey          string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL         string        `env:"OPENAI_BASE_URL"`
	OpenAIModel           string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIImageModel      string        `env:"OPENAI_IMAGE_MODEL" envDefault:"dall-e-3"`
	StartConcurrency      int           `env:"START_CONCURRENCY" envDefault:"4"`
	WatchdogSchedule      string        `env:"WATCHDOG_SCHEDULE" envDefault:"@every 30s"`
	AutoRecover           bool          `env:"AUTO_RECOVER" envDefault:"false"`
	StatusWebhookURL      string        `env:"STATUS_WEBHOOK_URL"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	ControlSocket         string        `env:"CONTROL_SOCKET" envDefault:"./data/botfleet.sock"`
}

// Load reads an optional .env file (existing variables win) and then the
// process environment.
func Load(dotenvFiles ...string) (*internalconfig.Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                   raw.Env,
		DatabaseDriver:        raw.DatabaseDriver,
		DatabasePath:          raw.DatabasePath,
		DatabaseURL:           raw.DatabaseURL,
		DatabaseBusyTimeoutMS: raw.DatabaseBusyTimeoutMS,
		HistoryDir:            raw.HistoryDir,
		OpenAIAPIKey:          raw.OpenAIAPIKey,
		OpenAIBaseURL:         raw.OpenAIBaseURL,
		OpenAIModel:           raw.OpenAIModel,
		OpenAIImageModel:      raw.OpenAIImageModel,
		StartConcurrency:      raw.StartConcurrency,
		WatchdogSchedule:      raw.WatchdogSchedule,
		AutoRecover:           raw.AutoRecover,
		StatusWebhookURL:      raw.StatusWebhookURL,
		ShutdownTimeout:       raw.ShutdownTimeout,
		ControlSocket:         raw.ControlSocket,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
