// Package config provides configuration for the chat relay.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the relay configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Plugins   []PluginConfig  `mapstructure:"plugins"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Auth      AuthConfig      `mapstructure:"auth"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	WSPort   int `mapstructure:"ws_port"`
	HTTPPort int `mapstructure:"http_port"`
}

// WebSocketConfig holds connection-level settings.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// DatabaseConfig holds the SQLite DSN.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// OllamaConfig holds the native backend settings. GenerateTimeout bounds a
// single streaming call; generation latency scales with output length so the
// ceiling is minutes, not seconds.
type OllamaConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
}

// PluginConfig declares one third-party completion backend and the model
// name patterns it serves.
type PluginConfig struct {
	ID            string   `mapstructure:"id"`
	ModelPatterns []string `mapstructure:"model_patterns"`
	BaseURL       string   `mapstructure:"base_url"`
	APIKey        string   `mapstructure:"api_key"`
}

// RetrievalConfig holds the document retrieval collaborator settings. An
// empty BaseURL disables retrieval entirely.
type RetrievalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	TopK    int           `mapstructure:"top_k"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PolicyConfig holds the turn-admission policy. An empty Rego string uses
// the default allow-all policy.
type PolicyConfig struct {
	Rego string `mapstructure:"rego"`
}

// AuthConfig holds the connection credential settings. An empty token means
// every connection runs as the anonymous default user.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// Load reads configuration from an optional config.yaml in the working
// directory plus CHATRELAY_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("chatrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; only a parse failure is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.ws_port", 8080)
	v.SetDefault("server.http_port", 8081)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.read_timeout", 60*time.Second)
	v.SetDefault("websocket.max_message_size", int64(1<<20))
	v.SetDefault("database.dsn", "file:chatrelay.db?cache=shared&mode=rwc")
	v.SetDefault("ollama.base_url", "http://127.0.0.1:11434")
	v.SetDefault("ollama.generate_timeout", 10*time.Minute)
	v.SetDefault("retrieval.base_url", "")
	v.SetDefault("retrieval.top_k", 4)
	v.SetDefault("retrieval.timeout", 10*time.Second)
	v.SetDefault("policy.rego", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("log_level", "info")
}
