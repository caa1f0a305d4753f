package http

type Config struct {
	Port         uint   `mapstructure:"port"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	AdminAPIKey  string `mapstructure:"admin_api_key"`
}
