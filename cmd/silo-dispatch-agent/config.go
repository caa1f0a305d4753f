package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agent"
	"github.com/EternisAI/silo-dispatch/internal/apiclient"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    LogConfig
	Server ServerConfig
	Agent  AgentConfig
}

type ServerConfig struct {
	Url     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AgentConfig struct {
	StateDir         string        `mapstructure:"state_dir"`
	HostName         string        `mapstructure:"host_name"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PrekeyRotation   time.Duration `mapstructure:"prekey_rotation"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	Shell            string        `mapstructure:"shell"`
	TrustedOperators []string      `mapstructure:"trusted_operators"`
}

var config Config

// ParseTrustedOperators decodes base64 Ed25519 public keys.
func ParseTrustedOperators(encoded []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for _, e := range encoded {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("trusted operator %q: %w", e, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted operator %q: want %d bytes, got %d", e, ed25519.PublicKeySize, len(raw))
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-dispatch-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("server.url", "http://localhost:8080")
	viper.SetDefault("server.timeout", apiclient.DefaultTimeout.String())
	viper.SetDefault("agent.state_dir", "")
	viper.SetDefault("agent.host_name", "")
	viper.SetDefault("agent.poll_interval", agent.DefaultPollInterval.String())
	viper.SetDefault("agent.prekey_rotation", agent.DefaultPrekeyRotation.String())
	viper.SetDefault("agent.command_timeout", agent.DefaultCommandTimeout.String())
	viper.SetDefault("agent.shell", agent.DefaultShell)
	viper.SetDefault("agent.trusted_operators", []string{})

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
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
