package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "KGD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "kgd.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultWebhookIssuer     = "kgd"
	defaultWebhookTokenTTL   = 30 * 24 * time.Hour
	defaultNotionBaseURL     = "https://api.notion.com"
	defaultNotionAPIVersion  = "2022-06-28"
	defaultNotionTitle       = "Name"
	defaultNotionRatePerSec  = 3.0
	defaultSyncMaxAttempts   = 5
	defaultSyncBaseDelay     = 500 * time.Millisecond
	defaultSyncMaxDelay      = 10 * time.Second
	defaultSyncCallTimeout   = 20 * time.Second
	defaultSyncQueueSize     = 64
	defaultSyncAuditInterval = time.Hour
	defaultSyncTimezone      = "Local"
	defaultMediaHost         = MediaHostNotion
	defaultDiscordEnabled    = true
	defaultLinkStyle         = "link"
	defaultPreviewTimeout    = 10 * time.Second
)

const (
	// DriverSQLite selects the embedded sqlite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a postgres store.
	DriverPostgres = "postgres"
	// MediaHostNotion uploads converted attachments through the document API.
	MediaHostNotion = "notion"
	// MediaHostS3 uploads converted attachments to an S3 compatible bucket.
	MediaHostS3 = "s3"
)

// NotionTag is a select or multi-select property value applied to new pages.
type NotionTag struct {
	Property    string `mapstructure:"property"`
	Value       string `mapstructure:"value"`
	MultiSelect bool   `mapstructure:"multi_select"`
}

// LinkRule styles bare URLs matching exactly one of Glob, Regex or Prefix.
type LinkRule struct {
	Glob            string   `mapstructure:"glob"`
	Regex           string   `mapstructure:"regex"`
	Prefix          string   `mapstructure:"prefix"`
	ConvertTo       []string `mapstructure:"convert_to"`
	ExpectMatches   []string `mapstructure:"expect_matches"`
	ExpectNoMatches []string `mapstructure:"expect_no_matches"`
}

// S3Config describes the bucket used when media.host is "s3".
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	LogLevel    string
	LogEncoding string

	DatabaseDriver string
	DatabaseDSN    string

	HTTPEnabled          bool
	HTTPAddress          string
	WebhookSigningSecret string
	WebhookIssuer        string
	WebhookTokenTTL      time.Duration

	DiscordToken          string
	DiscordForumChannelID string
	DiscordTag            string
	DiscordEnabled        bool

	NotionToken              string
	NotionDatabaseID         string
	NotionTitleProperty      string
	NotionBaseURL            string
	NotionAPIVersion         string
	NotionRequestsPerSecond  float64
	NotionTags               []NotionTag
	NotionAdoptExistingPages bool

	SyncMaxAttempts   int
	SyncBaseDelay     time.Duration
	SyncMaxDelay      time.Duration
	SyncCallTimeout   time.Duration
	SyncQueueSize     int
	SyncAuditInterval time.Duration
	SyncLocation      *time.Location

	MediaHost string
	S3        S3Config

	LinkRules              []LinkRule
	LinkDefaultConvertTo   []string
	LinkBookmarkStandalone bool
	LinkPreviewEnabled     bool
	LinkPreviewTimeout     time.Duration
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("http.enabled", true)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("webhook.issuer", defaultWebhookIssuer)
	configViper.SetDefault("webhook.token_ttl", defaultWebhookTokenTTL)
	configViper.SetDefault("discord.enabled", defaultDiscordEnabled)
	configViper.SetDefault("notion.base_url", defaultNotionBaseURL)
	configViper.SetDefault("notion.api_version", defaultNotionAPIVersion)
	configViper.SetDefault("notion.title_property", defaultNotionTitle)
	configViper.SetDefault("notion.requests_per_second", defaultNotionRatePerSec)
	configViper.SetDefault("notion.adopt_existing_pages", false)
	configViper.SetDefault("sync.max_attempts", defaultSyncMaxAttempts)
	configViper.SetDefault("sync.base_delay", defaultSyncBaseDelay)
	configViper.SetDefault("sync.max_delay", defaultSyncMaxDelay)
	configViper.SetDefault("sync.call_timeout", defaultSyncCallTimeout)
	configViper.SetDefault("sync.queue_size", defaultSyncQueueSize)
	configViper.SetDefault("sync.audit_interval", defaultSyncAuditInterval)
	configViper.SetDefault("sync.timezone", defaultSyncTimezone)
	configViper.SetDefault("media.host", defaultMediaHost)
	configViper.SetDefault("links.default_convert_to", []string{defaultLinkStyle})
	configViper.SetDefault("links.bookmark_standalone", true)
	configViper.SetDefault("links.preview_enabled", true)
	configViper.SetDefault("links.preview_timeout", defaultPreviewTimeout)
}

// ApplyTemplate registers empty values for keys without defaults so a
// written configuration file lists every setting.
func ApplyTemplate(configViper *viper.Viper) {
	for _, key := range []string{
		"webhook.signing_secret",
		"discord.token",
		"discord.forum_channel_id",
		"discord.tag",
		"notion.token",
		"notion.database_id",
		"s3.bucket",
		"s3.region",
		"s3.endpoint",
		"s3.access_key",
		"s3.secret_key",
		"s3.public_base_url",
	} {
		configViper.SetDefault(key, "")
	}
	configViper.SetDefault("notion.tags", []map[string]any{})
	configViper.SetDefault("links.rules", []map[string]any{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("sync.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.timezone: %w", err)
	}

	var tags []NotionTag
	if err := configViper.UnmarshalKey("notion.tags", &tags); err != nil {
		return AppConfig{}, fmt.Errorf("notion.tags: %w", err)
	}

	var linkRules []LinkRule
	if err := configViper.UnmarshalKey("links.rules", &linkRules); err != nil {
		return AppConfig{}, fmt.Errorf("links.rules: %w", err)
	}

	cfg := AppConfig{
		LogLevel:    configViper.GetString("log.level"),
		LogEncoding: configViper.GetString("log.encoding"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		HTTPEnabled:          configViper.GetBool("http.enabled"),
		HTTPAddress:          configViper.GetString("http.address"),
		WebhookSigningSecret: configViper.GetString("webhook.signing_secret"),
		WebhookIssuer:        configViper.GetString("webhook.issuer"),
		WebhookTokenTTL:      configViper.GetDuration("webhook.token_ttl"),

		DiscordToken:          configViper.GetString("discord.token"),
		DiscordForumChannelID: configViper.GetString("discord.forum_channel_id"),
		DiscordTag:            configViper.GetString("discord.tag"),
		DiscordEnabled:        configViper.GetBool("discord.enabled"),

		NotionToken:              configViper.GetString("notion.token"),
		NotionDatabaseID:         configViper.GetString("notion.database_id"),
		NotionTitleProperty:      configViper.GetString("notion.title_property"),
		NotionBaseURL:            configViper.GetString("notion.base_url"),
		NotionAPIVersion:         configViper.GetString("notion.api_version"),
		NotionRequestsPerSecond:  configViper.GetFloat64("notion.requests_per_second"),
		NotionTags:               tags,
		NotionAdoptExistingPages: configViper.GetBool("notion.adopt_existing_pages"),

		SyncMaxAttempts:   configViper.GetInt("sync.max_attempts"),
		SyncBaseDelay:     configViper.GetDuration("sync.base_delay"),
		SyncMaxDelay:      configViper.GetDuration("sync.max_delay"),
		SyncCallTimeout:   configViper.GetDuration("sync.call_timeout"),
		SyncQueueSize:     configViper.GetInt("sync.queue_size"),
		SyncAuditInterval: configViper.GetDuration("sync.audit_interval"),
		SyncLocation:      location,

		MediaHost: strings.ToLower(strings.TrimSpace(configViper.GetString("media.host"))),
		S3: S3Config{
			Bucket:        configViper.GetString("s3.bucket"),
			Region:        configViper.GetString("s3.region"),
			Endpoint:      configViper.GetString("s3.endpoint"),
			AccessKey:     configViper.GetString("s3.access_key"),
			SecretKey:     configViper.GetString("s3.secret_key"),
			PublicBaseURL: configViper.GetString("s3.public_base_url"),
		},

		LinkRules:              linkRules,
		LinkDefaultConvertTo:   configViper.GetStringSlice("links.default_convert_to"),
		LinkBookmarkStandalone: configViper.GetBool("links.bookmark_standalone"),
		LinkPreviewEnabled:     configViper.GetBool("links.preview_enabled"),
		LinkPreviewTimeout:     configViper.GetDuration("links.preview_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the keys needed by maintenance commands that touch
// the database and nothing else.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
	}
	if err := cfg.validateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validateStorage() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if strings.TrimSpace(c.NotionToken) == "" {
		return fmt.Errorf("notion.token is required")
	}
	if strings.TrimSpace(c.NotionDatabaseID) == "" {
		return fmt.Errorf("notion.database_id is required")
	}
	if strings.TrimSpace(c.NotionTitleProperty) == "" {
		return fmt.Errorf("notion.title_property is required")
	}
	for index, tag := range c.NotionTags {
		if strings.TrimSpace(tag.Property) == "" || strings.TrimSpace(tag.Value) == "" {
			return fmt.Errorf("notion.tags[%d] requires property and value", index)
		}
	}
	if c.DiscordEnabled {
		if strings.TrimSpace(c.DiscordToken) == "" {
			return fmt.Errorf("discord.token is required")
		}
		if strings.TrimSpace(c.DiscordForumChannelID) == "" {
			return fmt.Errorf("discord.forum_channel_id is required")
		}
	}
	if c.HTTPEnabled && strings.TrimSpace(c.WebhookSigningSecret) == "" {
		return fmt.Errorf("webhook.signing_secret is required when http is enabled")
	}
	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.SyncQueueSize <= 0 {
		return fmt.Errorf("sync.queue_size must be positive")
	}
	switch c.MediaHost {
	case MediaHostNotion:
	case MediaHostS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("s3.bucket is required when media.host is s3")
		}
		if strings.TrimSpace(c.S3.PublicBaseURL) == "" {
			return fmt.Errorf("s3.public_base_url is required when media.host is s3")
		}
	default:
		return fmt.Errorf("media.host must be %q or %q, got %q", MediaHostNotion, MediaHostS3, c.MediaHost)
	}
	for index, rule := range c.LinkRules {
		if len(rule.ConvertTo) == 0 {
			return fmt.Errorf("links.rules[%d] requires convert_to", index)
		}
	}
	return nil
}
