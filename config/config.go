package config

import (
	"github.com/Netflix/go-env"
)

// Config carries the engine's deployment settings, loaded from the
// environment.
type Config struct {
	// DatabasePath is the SQLite DSN of the default local store.
	DatabasePath string `env:"OFFLINE_SYNC_DB_PATH,default=offline-sync.db"`
	// PgDatabaseURL, when set, selects the Postgres-backed store instead.
	PgDatabaseURL string `env:"OFFLINE_SYNC_DATABASE_URL"`
	// RemoteURL is the base URL of the remote table service.
	RemoteURL string `env:"OFFLINE_SYNC_REMOTE_URL"`
	// APIVersionHeader and APIVersion form the constant version header
	// attached to every request.
	APIVersionHeader string `env:"OFFLINE_SYNC_API_VERSION_HEADER,default=ZUMO-API-VERSION"`
	APIVersion       string `env:"OFFLINE_SYNC_API_VERSION,default=2.0.0"`
	// PageSize is the default pull page size.
	PageSize int `env:"OFFLINE_SYNC_PAGE_SIZE,default=50"`
	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `env:"OFFLINE_SYNC_LOG_LEVEL,default=info"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
