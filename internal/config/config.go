package config

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CHORUS"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "chorus.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultIssuer             = "tauth"
	defaultRealtimeBufferSize = 16
	defaultRedisChannelPrefix = "chorus:"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	TAuthSigningKey    string
	TAuthIssuer        string
	TAuthCookieName    string
	AllowedOrigins     []string
	VoiceJoinPolicy    voice.JoinPolicy
	RealtimeBufferSize int
	RedisAddress       string
	RedisChannelPrefix string
}

// RelayEnabled reports whether events are mirrored across instances through Redis.
func (c AppConfig) RelayEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("voice.join_policy", string(voice.JoinPolicyIdempotent))
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBufferSize)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel_prefix", defaultRedisChannelPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	policy, err := voice.ParseJoinPolicy(configViper.GetString("voice.join_policy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("voice.join_policy: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     configViper.GetString("database.driver"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		TAuthSigningKey:    configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:        configViper.GetString("tauth.issuer"),
		TAuthCookieName:    configViper.GetString("tauth.cookie_name"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		VoiceJoinPolicy:    policy,
		RealtimeBufferSize: configViper.GetInt("realtime.buffer_size"),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisChannelPrefix: configViper.GetString("redis.channel_prefix"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.DatabaseDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.RealtimeBufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	return nil
}
