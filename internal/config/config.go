package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CIRQL"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "cirql.db"
	defaultRedisAddress         = "127.0.0.1:6379"
	defaultLogLevel             = "info"
	defaultCookieName           = "cirql_session"
	defaultIssuer               = "tauth"
	defaultRadiusMeters         = 100.0
	defaultPollInterval         = 30 * time.Second
	defaultLeaseTTL             = 60 * time.Second
	defaultSweepInterval        = 15 * time.Second
	defaultLocationMaxAge       = 2 * time.Minute
	defaultPresenceNamespace    = "cirql"
	defaultShutdownGracePeriod  = 10 * time.Second
	defaultCORSAllowedOriginAll = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	DatabasePath    string
	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	RedisNamespace  string
	LogLevel        string
	SigningSecret   string
	SessionIssuer   string
	SessionCookie   string
	RadiusMeters    float64
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	SweepInterval   time.Duration
	LocationMaxAge  time.Duration
	ShutdownTimeout time.Duration
}

// LoadDotEnv reads a .env file into the process environment when present.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultCORSAllowedOriginAll})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownGracePeriod)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.namespace", defaultPresenceNamespace)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("proximity.radius_meters", defaultRadiusMeters)
	configViper.SetDefault("proximity.poll_interval", defaultPollInterval)
	configViper.SetDefault("presence.lease_ttl", defaultLeaseTTL)
	configViper.SetDefault("presence.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("location.max_age", defaultLocationMaxAge)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout: configViper.GetDuration("http.shutdown_timeout"),
		DatabasePath:    configViper.GetString("database.path"),
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisDB:         configViper.GetInt("redis.db"),
		RedisNamespace:  configViper.GetString("redis.namespace"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		SessionIssuer:   configViper.GetString("auth.issuer"),
		SessionCookie:   configViper.GetString("auth.cookie_name"),
		RadiusMeters:    configViper.GetFloat64("proximity.radius_meters"),
		PollInterval:    configViper.GetDuration("proximity.poll_interval"),
		LeaseTTL:        configViper.GetDuration("presence.lease_ttl"),
		SweepInterval:   configViper.GetDuration("presence.sweep_interval"),
		LocationMaxAge:  configViper.GetDuration("location.max_age"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.RadiusMeters <= 0 {
		return fmt.Errorf("proximity.radius_meters must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("proximity.poll_interval must be positive")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("presence.lease_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive")
	}
	if c.SweepInterval >= c.LeaseTTL {
		return fmt.Errorf("presence.sweep_interval must be shorter than presence.lease_ttl")
	}
	if c.LocationMaxAge <= 0 {
		return fmt.Errorf("location.max_age must be positive")
	}
	return nil
}
