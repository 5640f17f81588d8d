package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"onpatrol/internal/config"
)

// Env holds the process environment overrides. They win over the config
// file and are re-applied on every hot reload.
type Env struct {
	ConfigPath string `env:"ONPATROL_CONFIG" envDefault:"./onpatrol.yaml"`
	LogLevel   string `env:"ONPATROL_LOG_LEVEL"`
	DBPath     string `env:"ONPATROL_DB_PATH"`
}

// LoadEnv reads dotenv files (default ".env"; missing files are ignored)
// into the process environment, then parses Env from it. Variables already
// set in the environment are not overwritten by dotenv files.
func LoadEnv(dotenv ...string) (Env, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// Apply overrides cfg in place.
func (e Env) Apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if lvl := strings.TrimSpace(e.LogLevel); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if p := strings.TrimSpace(e.DBPath); p != "" {
		cfg.Storage.Path = p
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "sqlite"
		}
	}
}
