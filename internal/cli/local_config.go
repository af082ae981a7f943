package cli

import (
	"log/slog"
	"os"

	"github.com/linkguard/linkguard/internal/config"
	"github.com/linkguard/linkguard/internal/logging"
)

// defaultConfigPath returns the first existing candidate, or "" when there is
// none.
func defaultConfigPath() string {
	if v := os.Getenv("LINKGUARD_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"config.yml", "config.yaml", "/etc/linkguard/config.yaml", "/etc/linkguard/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLocalConfig loads path, or the default config file. Without any file
// the built-in defaults plus environment are used.
func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.LoadEnv()
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	return logging.New(cfg.Logging)
}
