package backend

import (
	"errors"
	"fmt"

	"monthlypay/internal/config"
)

// FromAppConfig extracts the storage settings from DATA_BACKEND and friends.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("app config is nil")
	}
	c := Config{
		Type:         BackendType(appConfig.DataBackend),
		SQLiteDBPath: appConfig.SQLiteDBPath,
		PostgresDSN:  appConfig.PostgresDSN,
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return errors.New("SQLITE_DB_PATH is required for the sqlite backend")
		}
	case PostgresBackend:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres backend")
		}
	case MemoryBackend:
	default:
		return fmt.Errorf("unknown backend %q (want sqlite, postgres or memory)", c.Type)
	}
	return nil
}
