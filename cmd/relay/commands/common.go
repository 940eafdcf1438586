// Package commands holds the subcommands of the relay CLI.
package commands

import (
	"database/sql"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/db"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
	"github.com/teranos/relay/plugin"
)

// ConfigPath is set by the --config flag. Empty means the config cascade.
var ConfigPath string

// loadConfig loads --config when given, otherwise the cascade, and validates it
func loadConfig() (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if ConfigPath != "" {
		cfg, err = am.LoadFromFile(ConfigPath)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "failed to open database at %s", path),
			"set database.path in am.toml or RELAY_DATABASE_PATH")
	}
	return database, nil
}

// openWorkerConfigs loads the worker configuration directory
func openWorkerConfigs(cfg *am.Config) (*plugin.ConfigStore, error) {
	store, err := plugin.NewConfigStore(cfg.Workers.Dir, logger.ComponentLogger("workers"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load worker configurations from %s", cfg.Workers.Dir)
	}
	return store, nil
}
