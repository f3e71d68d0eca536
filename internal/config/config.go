// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Logging LoggingConfig `mapstructure:"logging"`
	Loki    LokiConfig    `mapstructure:"loki"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// AppConfig identifies the running service.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig controls access to the relational database. URL wins over the
// discrete connection components when set.
type DBConfig struct {
	URL             string        `mapstructure:"url"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CORSConfig holds the browser origin allow-list.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// LoggingConfig sets the zap level. Development mode is derived from App.Env.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// LokiConfig configures optional remote log shipping.
type LokiConfig struct {
	URL           string        `mapstructure:"url"`
	BasicAuth     string        `mapstructure:"basic_auth"`
	Tenant        string        `mapstructure:"tenant"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// PubSubConfig holds metadata for item event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// envBindings maps config keys onto the environment variables the service
// has always recognized.
var envBindings = map[string]string{
	"app.name":                "APP_NAME",
	"app.version":             "APP_VERSION",
	"app.env":                 "NODE_ENV",
	"server.port":             "PORT",
	"server.shutdown_timeout": "SHUTDOWN_TIMEOUT",
	"db.url":                  "DATABASE_URL",
	"db.user":                 "POSTGRES_USER",
	"db.password":             "POSTGRES_PASSWORD",
	"db.host":                 "POSTGRES_HOST",
	"db.port":                 "POSTGRES_PORT",
	"db.name":                 "POSTGRES_DB",
	"db.max_conns":            "DB_MAX_CONNS",
	"db.min_conns":            "DB_MIN_CONNS",
	"cors.origins":            "CORS_ORIGINS",
	"logging.level":           "LOG_LEVEL",
	"loki.url":                "LOKI_URL",
	"loki.basic_auth":         "LOKI_BASIC_AUTH",
	"loki.tenant":             "LOKI_TENANT",
	"pubsub.project_id":       "PUBSUB_PROJECT_ID",
	"pubsub.topic":            "PUBSUB_TOPIC",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORS.Origins = normalizeOrigins(cfg.CORS.Origins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "api-python")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.env", "development")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "items_db")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("cors.origins", []string{"http://localhost:5173"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("loki.batch_size", 1000)
	v.SetDefault("loki.flush_interval", "5s")
}

// normalizeOrigins splits comma-joined entries and drops blanks so that
// CORS_ORIGINS="a, b" and a YAML list behave the same.
func normalizeOrigins(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, origin := range strings.Split(entry, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.App.Name == "" {
		return fmt.Errorf("app.name must be set")
	}
	if c.DB.URL == "" && (c.DB.Host == "" || c.DB.Name == "") {
		return fmt.Errorf("db.host and db.name are required when db.url is empty")
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 {
		return fmt.Errorf("db pool sizes must be >= 0")
	}
	if c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must not exceed db.max_conns")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// ConnString returns the Postgres DSN, preferring the URL override.
func (c DBConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Development reports whether human-friendly logging should be used.
func (c AppConfig) Development() bool {
	return !strings.EqualFold(c.Env, "production")
}
