package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// XSCHAT_SECURITY_JWT_SECRET for security.jwt_secret.
const EnvPrefix = "XSCHAT"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"` // guards /api/ops/*
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AdminIPs restricts /api/admin/* to these IPs or CIDRs. Empty allows all.
	AdminIPs []string `mapstructure:"admin_ips"`
	// AdminUsernames are granted the ADMIN role when they register.
	AdminUsernames []string `mapstructure:"admin_usernames"`
	// SingleSession makes every login invalidate the tokens issued before it.
	SingleSession bool `mapstructure:"single_session"`
}

type ChatConfig struct {
	MaxContentLen     int           `mapstructure:"max_content_len"`
	PageSize          int           `mapstructure:"page_size"`
	MaxPageSize       int           `mapstructure:"max_page_size"`
	RequireFriendship bool          `mapstructure:"require_friendship"`
	PresenceRefresh   time.Duration `mapstructure:"presence_refresh"`
	NoticeChannel     string        `mapstructure:"notice_channel"`
	AnnounceChannel   string        `mapstructure:"announce_channel"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

// SetDefaults registers every default on v. Exposed so tests can build a
// Config without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/xschat.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.token_ttl", "168h")
	v.SetDefault("security.bcrypt_cost", 12)
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("security.single_session", false)
	v.SetDefault("chat.max_content_len", 2000)
	v.SetDefault("chat.page_size", 20)
	v.SetDefault("chat.max_page_size", 100)
	v.SetDefault("chat.require_friendship", false)
	v.SetDefault("chat.presence_refresh", "60s")
	v.SetDefault("chat.notice_channel", "notice")
	v.SetDefault("chat.announce_channel", "announce")
	v.SetDefault("chat.send_buffer", 256)
}

// Load reads config from the given YAML file path. Environment variables
// prefixed with XSCHAT_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

// Default returns the configuration made of defaults only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("config: security.jwt_secret is required")
	}
	return cfg, nil
}
