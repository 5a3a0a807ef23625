// Package config loads the service configuration from an optional YAML file
// (CONFIG_PATH) overlaid with environment variables, and applies defaults so
// the binary can run locally with minimal setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint kinds understood by the chat bridge.
const (
	EndpointPusher  = "pusher"
	EndpointWrapper = "wrapper"
)

// Default public Pusher endpoints used by Kick's web client. The second key is
// the legacy cluster that some channels still answer on.
var defaultPusherEndpoints = []EndpointConfig{
	{Name: "us2-primary", Kind: EndpointPusher, URL: "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"},
	{Name: "us2-legacy", Kind: EndpointPusher, URL: "wss://ws-us2.pusher.com/app/eb1d5f283081a78b932c?protocol=7&client=js&version=8.4.0&flash=false"},
	{Name: "wrapper", Kind: EndpointWrapper},
}

type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	PublicURL string `yaml:"public_url"`

	// Database: postgres:// DSNs use pgx, anything else is a sqlite path.
	DBDsn string `yaml:"db_dsn"`

	EncryptionKey string `yaml:"encryption_key"`
	SigningKey    string `yaml:"signing_key"`
	AdminToken    string `yaml:"admin_token"`

	// Feature toggles threaded through constructors.
	OAuthEnabled      bool `yaml:"-"`
	TwoWayChatDefault bool `yaml:"-"`
	DiscordEnabled    bool `yaml:"-"`
	ArchiveEnabled    bool `yaml:"-"`

	HTTP    HTTPConfig    `yaml:"http"`
	Kick    KickConfig    `yaml:"kick"`
	Relay   RelayConfig   `yaml:"relay"`
	Poller  PollerConfig  `yaml:"poller"`
	Discord DiscordConfig `yaml:"discord"`
	Archive ArchiveConfig `yaml:"archive"`
}

type HTTPConfig struct {
	// AllowedOrigins limits CORS and socket origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimitPerMinute caps mutating requests per client IP. Negative disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type KickConfig struct {
	ClientID        string           `yaml:"client_id"`
	ClientSecret    string           `yaml:"client_secret"`
	RedirectURI     string           `yaml:"redirect_uri"`
	Scopes          string           `yaml:"scopes"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
	CommandChannels []string         `yaml:"command_channels"`
}

// EndpointConfig is one candidate transport for the platform chat bridge.
type EndpointConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

type RelayConfig struct {
	Tag                    string `yaml:"tag"`
	DefaultCooldownSeconds int    `yaml:"default_cooldown_seconds"`
	CommandCooldownSeconds int    `yaml:"command_cooldown_seconds"`
}

type PollerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
}

type DiscordConfig struct {
	Token  string `yaml:"token"`
	Prefix string `yaml:"prefix"`
}

// ArchiveConfig configures the S3 transcript archive for ended parties.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	RoleARN         string `yaml:"role_arn"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries"`
}

// Load reads CONFIG_PATH (if set), applies environment overrides and defaults,
// then validates. Missing optional values disable features rather than fail.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.PublicURL, "PUBLIC_URL")
	setString(&c.DBDsn, "DB_DSN")
	setString(&c.EncryptionKey, "ENCRYPTION_KEY")
	setString(&c.SigningKey, "SIGNING_KEY")
	setString(&c.AdminToken, "ADMIN_TOKEN")

	setString(&c.Kick.ClientID, "KICK_CLIENT_ID")
	setString(&c.Kick.ClientSecret, "KICK_CLIENT_SECRET")
	setString(&c.Kick.RedirectURI, "KICK_REDIRECT_URI")
	setString(&c.Kick.Scopes, "KICK_SCOPES")
	if v := os.Getenv("KICK_PUSHER_ENDPOINTS"); v != "" {
		c.Kick.Endpoints = nil
		for i, u := range splitList(v) {
			kind := EndpointPusher
			if u == EndpointWrapper {
				kind, u = EndpointWrapper, ""
			}
			c.Kick.Endpoints = append(c.Kick.Endpoints, EndpointConfig{Name: fmt.Sprintf("env-%d", i), Kind: kind, URL: u})
		}
	}
	if v := os.Getenv("KICK_COMMAND_CHANNELS"); v != "" {
		c.Kick.CommandChannels = splitList(v)
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	if err := setInt(&c.HTTP.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE"); err != nil {
		return err
	}

	setString(&c.Relay.Tag, "RELAY_TAG")
	if err := setInt(&c.Relay.DefaultCooldownSeconds, "DEFAULT_COOLDOWN_SECONDS"); err != nil {
		return err
	}
	if err := setDuration(&c.Poller.Interval, "LIVE_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Poller.InitialDelay, "LIVE_POLL_INITIAL_DELAY"); err != nil {
		return err
	}

	setString(&c.Discord.Token, "DISCORD_TOKEN")
	setString(&c.Discord.Prefix, "COMMAND_PREFIX")

	setString(&c.Archive.Bucket, "ARCHIVE_S3_BUCKET")
	setString(&c.Archive.Region, "ARCHIVE_S3_REGION")
	setString(&c.Archive.Endpoint, "ARCHIVE_S3_ENDPOINT")
	setString(&c.Archive.RoleARN, "ARCHIVE_S3_ROLE_ARN")
	setString(&c.Archive.AccessKeyID, "ARCHIVE_S3_ACCESS_KEY_ID")
	setString(&c.Archive.SecretAccessKey, "ARCHIVE_S3_SECRET_ACCESS_KEY")

	return nil
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:8080"
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.DBDsn == "" {
		c.DBDsn = "watchparty.db"
	}
	if c.HTTP.RateLimitPerMinute == 0 {
		c.HTTP.RateLimitPerMinute = 30
	}
	if c.Kick.Scopes == "" {
		c.Kick.Scopes = "user:read channel:read chat:write"
	}
	if c.Kick.RedirectURI == "" {
		c.Kick.RedirectURI = c.PublicURL + "/auth/callback"
	}
	if len(c.Kick.Endpoints) == 0 {
		c.Kick.Endpoints = append([]EndpointConfig(nil), defaultPusherEndpoints...)
	}
	for i := range c.Kick.CommandChannels {
		c.Kick.CommandChannels[i] = strings.ToLower(c.Kick.CommandChannels[i])
	}
	if c.Relay.Tag == "" {
		c.Relay.Tag = "[WatchParty]"
	}
	if c.Relay.DefaultCooldownSeconds <= 0 {
		c.Relay.DefaultCooldownSeconds = 60
	}
	if c.Relay.CommandCooldownSeconds <= 0 {
		c.Relay.CommandCooldownSeconds = 10
	}
	if c.Poller.Interval <= 0 {
		c.Poller.Interval = 2 * time.Minute
	}
	if c.Poller.InitialDelay <= 0 {
		c.Poller.InitialDelay = 30 * time.Second
	}
	if c.Discord.Prefix == "" {
		c.Discord.Prefix = "!"
	}
	if c.Archive.MaxRetries <= 0 {
		c.Archive.MaxRetries = 3
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "us-east-1"
	}
	// OAuth is on whenever client credentials exist, unless OAUTH_ENABLED=0.
	c.OAuthEnabled = c.Kick.ClientID != "" && c.Kick.ClientSecret != "" && os.Getenv("OAUTH_ENABLED") != "0"
	v := strings.ToLower(os.Getenv("TWO_WAY_CHAT_DEFAULT"))
	c.TwoWayChatDefault = v != "0" && v != "false"
	c.DiscordEnabled = c.Discord.Token != ""
	c.ArchiveEnabled = c.Archive.Bucket != ""
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	for _, ep := range c.Kick.Endpoints {
		switch ep.Kind {
		case EndpointPusher:
			if ep.URL == "" {
				return fmt.Errorf("kick endpoint %q: pusher endpoint requires url", ep.Name)
			}
		case EndpointWrapper:
		default:
			return fmt.Errorf("kick endpoint %q: unknown kind %q", ep.Name, ep.Kind)
		}
	}
	if c.Archive.AccessKeyID != "" && c.Archive.SecretAccessKey == "" {
		return fmt.Errorf("archive secret access key is required when access key id is set")
	}
	return nil
}

// DefaultCooldown is the relay cooldown applied when an account has none configured.
func (c *Config) DefaultCooldown() time.Duration {
	return time.Duration(c.Relay.DefaultCooldownSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
