package config

import (
	"fmt"
	"time"
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

type Config struct {
	Env                   string
	DatabaseDriver        string
	DatabasePath          string
	DatabaseURL           string
	DatabaseBusyTimeoutMS int
	HistoryDir            string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIModel           string
	OpenAIImageModel      string
	StartConcurrency      int
	WatchdogSchedule      string
	AutoRecover           bool
	StatusWebhookURL      string
	ShutdownTimeout       time.Duration
	ControlSocket         string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required when DATABASE_DRIVER=%s", DatabaseDriverSQLite)
		}
	case DatabaseDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER=%s", DatabaseDriverPostgres)
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if c.DatabaseBusyTimeoutMS <= 0 {
		return fmt.Errorf("DATABASE_BUSY_TIMEOUT_MS must be positive, got %d", c.DatabaseBusyTimeoutMS)
	}
	if c.StartConcurrency <= 0 {
		return fmt.Errorf("START_CONCURRENCY must be positive, got %d", c.StartConcurrency)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DATABASE_DRIVER", value: c.DatabaseDriver},
		{name: "HISTORY_DIR", value: c.HistoryDir},
		{name: "OPENAI_MODEL", value: c.OpenAIModel},
		{name: "WATCHDOG_SCHEDULE", value: c.WatchdogSchedule},
		{name: "CONTROL_SOCKET", value: c.ControlSocket},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ProviderKeys returns the process-level credential for each reply provider.
func (c *Config) ProviderKeys() map[string]string {
	keys := map[string]string{}
	if c.OpenAIAPIKey != "" {
		keys["openai"] = c.OpenAIAPIKey
	}
	return keys
}
