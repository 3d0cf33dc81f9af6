package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TRADESYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tradesync.db"
	defaultOutboxPath   = "tradesync-outbox.db"
	defaultServerRole   = RoleHome
	defaultLogLevel     = "info"
)

// Region roles. The home region originates most traffic and has no direct
// channel access; the external region owns the Telegram channel.
const (
	RoleHome     = "home"
	RoleExternal = "external"
)

// AppConfig captures runtime configuration for a region process.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	OutboxPath   string
	ServerRole   string
	PeerURL      string
	SyncAPIKey   string
	BotToken     string
	ChannelID    int64
	LogLevel     string
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
	configViper.SetDefault("outbox.path", defaultOutboxPath)
	configViper.SetDefault("server.role", defaultServerRole)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		OutboxPath:   configViper.GetString("outbox.path"),
		ServerRole:   strings.ToLower(strings.TrimSpace(configViper.GetString("server.role"))),
		PeerURL:      configViper.GetString("peer.url"),
		SyncAPIKey:   configViper.GetString("sync.api_key"),
		BotToken:     configViper.GetString("bot.token"),
		ChannelID:    configViper.GetInt64("bot.channel_id"),
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// IsExternal reports whether this region owns the public channel.
func (c AppConfig) IsExternal() bool {
	return c.ServerRole == RoleExternal
}

// PeerSource names the peer region for audit blocks.
func (c AppConfig) PeerSource() string {
	if c.IsExternal() {
		return RoleHome
	}
	return RoleExternal
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.OutboxPath) == "" {
		return fmt.Errorf("outbox.path is required")
	}
	if c.ServerRole != RoleHome && c.ServerRole != RoleExternal {
		return fmt.Errorf("server.role must be %q or %q, got %q", RoleHome, RoleExternal, c.ServerRole)
	}
	if c.IsExternal() && strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("bot.token is required on the external region")
	}
	return nil
}
