package cli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/cabinet-labs/cabinet/internal/daemon"
)

var cfgFile string

// resolveConfigPath finds the daemon config file. An explicit --config
// wins; otherwise viper checks CABINET_CONFIG and searches the usual
// locations. Finding nothing is fine: LoadConfig falls back to
// environment defaults.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}

	v := viper.New()
	v.SetEnvPrefix("CABINET")
	v.AutomaticEnv()
	if path := v.GetString("config"); path != "" {
		return path
	}

	v.SetConfigName("cabinet")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".cabinet"))
	}
	v.AddConfigPath("/etc/cabinet")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("config discovery failed", "error", err)
		}
		return ""
	}
	return v.ConfigFileUsed()
}

func loadConfig() (*daemon.Config, error) {
	return daemon.LoadConfig(resolveConfigPath())
}

// openOffice builds the full office. Commands that talk to assistants
// use this; cheaper commands load only the config.
func openOffice(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.New(ctx, cfg)
}
