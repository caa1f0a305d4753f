package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/api/http"
	"github.com/EternisAI/silo-dispatch/internal/api/http/middleware"
	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Jwt      auth.Config
	Db       db.Config
	Registry jobs.Config
}

// Secrets are masked when the config is printed.
func (c Config) redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Http.AdminAPIKey = mask(c.Http.AdminAPIKey)
	c.Jwt.Secret = mask(c.Jwt.Secret)
	c.Db.Url = mask(c.Db.Url)
	return c
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-dispatch-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults also make every key overridable from the environment.
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.max_body_bytes", middleware.DefaultMaxBodyBytes)
	viper.SetDefault("http.admin_api_key", "")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.expiration", "0s")
	viper.SetDefault("db.url", "")
	viper.SetDefault("db.schema", "")
	viper.SetDefault("db.max_conns", 10)
	viper.SetDefault("registry.claim_ttl", jobs.DefaultClaimTTL.String())
	viper.SetDefault("registry.result_retention", jobs.DefaultResultRetention.String())
	viper.SetDefault("registry.poll_limit", jobs.DefaultPollLimit)

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config.redacted(), "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
