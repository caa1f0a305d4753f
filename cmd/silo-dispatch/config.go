package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const appDirName = "silo-dispatch"

type Config struct {
	Log    LogConfig
	Server ServerConfig
	Client ClientConfig
}

type ServerConfig struct {
	Url     string        `mapstructure:"url"`
	ApiKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ClientConfig struct {
	IdentityPath string `mapstructure:"identity_path"`
	LedgerPath   string `mapstructure:"ledger_path"`
}

var config Config

func defaultClientDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, appDirName)
}

// InitConfig loads configuration from file, environment and the flags
// already bound to viper. Unlike the daemons, a missing application.yaml
// is not an error.
func InitConfig(configFile string) error {
	_ = godotenv.Load()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("application")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./cmd/silo-dispatch")
		viper.AddConfigPath(defaultClientDir())
		viper.SetConfigType("yaml")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir := defaultClientDir()
	viper.SetDefault("log.level", LOG_LEVEL_WARNING)
	viper.SetDefault("server.url", "http://localhost:8080")
	viper.SetDefault("server.api_key", "")
	viper.SetDefault("server.timeout", apiclient.DefaultTimeout.String())
	viper.SetDefault("client.identity_path", filepath.Join(dir, "operator.pem"))
	viper.SetDefault("client.ledger_path", filepath.Join(dir, "ledger.db"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		shown := config
		if shown.Server.ApiKey != "" {
			shown.Server.ApiKey = "********"
		}
		configJSON, err := json.MarshalIndent(shown, "", "  ")
		if err == nil {
			fmt.Fprintln(os.Stderr, "Config loaded:")
			fmt.Fprintln(os.Stderr, string(configJSON))
		}
	}
	return nil
}
