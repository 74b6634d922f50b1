package config

import (
	"strings"
	"testing"
	"time"
)

func validViper(t *testing.T) map[string]any {
	t.Helper()
	return map[string]any{
		"notion.token":             "secret_token",
		"notion.database_id":       "db-1",
		"discord.token":            "bot-token",
		"discord.forum_channel_id": "123",
		"webhook.signing_secret":   "hook-secret",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper(t) {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.SyncMaxAttempts != defaultSyncMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", cfg.SyncMaxAttempts)
	}
	if cfg.SyncBaseDelay != 500*time.Millisecond {
		t.Fatalf("unexpected base delay %s", cfg.SyncBaseDelay)
	}
	if cfg.NotionTitleProperty != "Name" {
		t.Fatalf("unexpected title property %q", cfg.NotionTitleProperty)
	}
	if cfg.MediaHost != MediaHostNotion {
		t.Fatalf("unexpected media host %q", cfg.MediaHost)
	}
	if cfg.SyncLocation == nil {
		t.Fatalf("expected location to be resolved")
	}
}

func TestLoadParsesNotionTags(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper(t) {
		configViper.Set(key, value)
	}
	configViper.Set("notion.tags", []map[string]any{
		{"property": "Kind", "value": "diary"},
		{"property": "Labels", "value": "daily", "multi_select": true},
	})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.NotionTags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(cfg.NotionTags))
	}
	if !cfg.NotionTags[1].MultiSelect || cfg.NotionTags[1].Property != "Labels" {
		t.Fatalf("unexpected second tag %+v", cfg.NotionTags[1])
	}
}

func TestLoadParsesLinkRules(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper(t) {
		configViper.Set(key, value)
	}
	configViper.Set("links.rules", []map[string]any{
		{
			"glob":              "https://x.com/*/status/*",
			"convert_to":        []string{"bookmark"},
			"expect_matches":    []string{"https://x.com/someone/status/1"},
			"expect_no_matches": []string{"https://x.com/someone"},
		},
		{"prefix": "https://example.com/", "convert_to": []string{"link", "bookmark"}},
	})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.LinkRules) != 2 {
		t.Fatalf("expected 2 link rules, got %d", len(cfg.LinkRules))
	}
	first := cfg.LinkRules[0]
	if first.Glob != "https://x.com/*/status/*" || len(first.ExpectMatches) != 1 || len(first.ExpectNoMatches) != 1 {
		t.Fatalf("unexpected first rule %+v", first)
	}
	if got := cfg.LinkRules[1].ConvertTo; len(got) != 2 || got[1] != "bookmark" {
		t.Fatalf("unexpected second rule styles %v", got)
	}
	if len(cfg.LinkDefaultConvertTo) != 1 || cfg.LinkDefaultConvertTo[0] != "link" {
		t.Fatalf("unexpected default styles %v", cfg.LinkDefaultConvertTo)
	}
	if !cfg.LinkBookmarkStandalone || !cfg.LinkPreviewEnabled || cfg.LinkPreviewTimeout != 10*time.Second {
		t.Fatalf("unexpected link defaults %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{name: "missing notion token", overrides: map[string]any{"notion.token": ""}, wantError: "notion.token"},
		{name: "missing database id", overrides: map[string]any{"notion.database_id": " "}, wantError: "notion.database_id"},
		{name: "unknown driver", overrides: map[string]any{"database.driver": "mysql"}, wantError: "database.driver"},
		{name: "missing webhook secret", overrides: map[string]any{"webhook.signing_secret": ""}, wantError: "webhook.signing_secret"},
		{name: "s3 without bucket", overrides: map[string]any{"media.host": "s3"}, wantError: "s3.bucket"},
		{name: "bad timezone", overrides: map[string]any{"sync.timezone": "Mars/Olympus"}, wantError: "sync.timezone"},
		{name: "discord without forum", overrides: map[string]any{"discord.forum_channel_id": ""}, wantError: "discord.forum_channel_id"},
		{name: "link rule without styles", overrides: map[string]any{"links.rules": []map[string]any{{"prefix": "https://x.com/"}}}, wantError: "links.rules[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range validViper(t) {
				configViper.Set(key, value)
			}
			for key, value := range tt.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Fatalf("expected error to mention %q, got %v", tt.wantError, err)
			}
		})
	}
}

func TestLoadStorageOnlyNeedsDatabase(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.dsn", "file.db")

	cfg, err := LoadStorage(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDSN != "file.db" {
		t.Fatalf("unexpected dsn %q", cfg.DatabaseDSN)
	}
}

func TestLoadReadsWebhookTokenTTL(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper(t) {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WebhookTokenTTL != defaultWebhookTokenTTL {
		t.Fatalf("unexpected default token ttl %s", cfg.WebhookTokenTTL)
	}

	configViper.Set("webhook.token_ttl", "2h")
	cfg, err = Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WebhookTokenTTL != 2*time.Hour {
		t.Fatalf("expected 2h, got %s", cfg.WebhookTokenTTL)
	}
}

func TestApplyTemplateListsRequiredKeys(t *testing.T) {
	configViper := NewViper()
	ApplyTemplate(configViper)
	for _, key := range []string{"notion.token", "notion.database_id", "discord.token", "webhook.signing_secret", "s3.bucket"} {
		if !configViper.IsSet(key) {
			t.Fatalf("expected %s to be present in the template", key)
		}
	}
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected an empty template to fail validation")
	}
}
