package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CRADLE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "cradle.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultSessionIssuer   = "tauth"
	defaultInviteIssuer    = "cradle"
	defaultInviteTTLHours  = 72
	defaultPushMaxBatch    = 500
	defaultPushRatePerSec  = 5.0
	defaultPushBurst       = 20
	defaultOutboxPath      = "cradle-outbox.db"
	defaultCachePath       = "cradle-cache.db"
	defaultClientBatchSize = 200
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	TAuthSigningKey     string
	TAuthIssuer         string
	TAuthCookieName     string
	InviteSigningKey    string
	InviteIssuer        string
	InviteTTL           time.Duration
	PushMaxBatch        int
	PushRatePerSecond   float64
	PushBurst           int
	CORSAllowedOrigins  []string
	RealtimeHeartbeat   time.Duration
	ShutdownGracePeriod time.Duration
}

// ClientConfig captures configuration for the caregiver device CLI.
type ClientConfig struct {
	ServerURL   string
	Token       string
	OutboxPath  string
	CachePath   string
	BatchSize   int
	PruneSynced bool
	LogLevel    string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("invites.issuer", defaultInviteIssuer)
	configViper.SetDefault("invites.ttl_hours", defaultInviteTTLHours)
	configViper.SetDefault("push.max_batch", defaultPushMaxBatch)
	configViper.SetDefault("push.rate_per_second", defaultPushRatePerSec)
	configViper.SetDefault("push.burst", defaultPushBurst)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("realtime.heartbeat_seconds", 25)
	configViper.SetDefault("http.shutdown_seconds", 10)

	configViper.SetDefault("client.outbox_path", defaultOutboxPath)
	configViper.SetDefault("client.cache_path", defaultCachePath)
	configViper.SetDefault("client.batch_size", defaultClientBatchSize)
	configViper.SetDefault("client.prune_synced", true)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		TAuthSigningKey:     configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:         configViper.GetString("tauth.issuer"),
		TAuthCookieName:     configViper.GetString("tauth.cookie_name"),
		InviteSigningKey:    configViper.GetString("invites.signing_secret"),
		InviteIssuer:        configViper.GetString("invites.issuer"),
		InviteTTL:           time.Duration(configViper.GetInt("invites.ttl_hours")) * time.Hour,
		PushMaxBatch:        configViper.GetInt("push.max_batch"),
		PushRatePerSecond:   configViper.GetFloat64("push.rate_per_second"),
		PushBurst:           configViper.GetInt("push.burst"),
		CORSAllowedOrigins:  configViper.GetStringSlice("cors.allowed_origins"),
		RealtimeHeartbeat:   time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		ShutdownGracePeriod: time.Duration(configViper.GetInt("http.shutdown_seconds")) * time.Second,
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
	if strings.TrimSpace(c.InviteSigningKey) == "" {
		return fmt.Errorf("invites.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.PushMaxBatch <= 0 {
		return fmt.Errorf("push.max_batch must be positive")
	}
	if c.PushRatePerSecond <= 0 || c.PushBurst <= 0 {
		return fmt.Errorf("push.rate_per_second and push.burst must be positive")
	}
	return nil
}

// LoadClient parses device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:   strings.TrimRight(configViper.GetString("client.server_url"), "/"),
		Token:       configViper.GetString("client.token"),
		OutboxPath:  configViper.GetString("client.outbox_path"),
		CachePath:   configViper.GetString("client.cache_path"),
		BatchSize:   configViper.GetInt("client.batch_size"),
		PruneSynced: configViper.GetBool("client.prune_synced"),
		LogLevel:    configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.OutboxPath) == "" {
		return ClientConfig{}, fmt.Errorf("client.outbox_path is required")
	}
	if strings.TrimSpace(cfg.CachePath) == "" {
		return ClientConfig{}, fmt.Errorf("client.cache_path is required")
	}
	if cfg.BatchSize <= 0 {
		return ClientConfig{}, fmt.Errorf("client.batch_size must be positive")
	}
	return cfg, nil
}

// RequireServer reports an error when the client has no server to talk to.
func (c ClientConfig) RequireServer() error {
	if c.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("client.token is required")
	}
	return nil
}
