package subscription

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/regwatch/regwatch/app/diff"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	writeConfig(t, dir, "core-servers.yml", `
pattern: "claude-*"
notify_on: [new, updated]
quota:
  limit: 100
  window: 24h
channels:
  - type: webhook
    webhook:
      url: https://example.com/hook
      secret: hunter2
  - type: slack
    enabled: false
    chat:
      webhook_url: https://hooks.slack.com/services/T/B/X
`)

	subs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}

	sub := subs[0]
	if sub.Name != "core-servers" {
		t.Errorf("Expected name derived from filename, got %s", sub.Name)
	}
	if sub.ID != "core-servers" {
		t.Errorf("Expected stable ID derived from name, got %s", sub.ID)
	}
	if sub.Channels[0].ID != "core-servers-webhook-0" {
		t.Errorf("Expected deterministic channel ID, got %s", sub.Channels[0].ID)
	}
	if sub.Filter.ServerPattern != "claude-*" {
		t.Errorf("Unexpected pattern: %s", sub.Filter.ServerPattern)
	}
	if sub.Status != StatusActive {
		t.Errorf("Expected default status active, got %s", sub.Status)
	}
	if len(sub.Filter.NotifyOn) != 2 || sub.Filter.NotifyOn[0] != diff.ChangeTypeNew {
		t.Errorf("Unexpected notify_on: %v", sub.Filter.NotifyOn)
	}
	if sub.Quota.Limit != 100 || sub.Quota.Window != 24*time.Hour {
		t.Errorf("Unexpected quota: %+v", sub.Quota)
	}

	if len(sub.Channels) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(sub.Channels))
	}
	if !sub.Channels[0].Enabled {
		t.Error("Expected channels to default to enabled")
	}
	if sub.Channels[0].Config.Webhook.Secret != "hunter2" {
		t.Errorf("Unexpected webhook secret: %s", sub.Channels[0].Config.Webhook.Secret)
	}
	if sub.Channels[1].Enabled {
		t.Error("Expected explicitly disabled channel to stay disabled")
	}
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	subs, err := LoadDir("/nonexistent/subscriptions")
	if err != nil {
		t.Fatalf("Expected missing directory to yield no error, got %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("Expected no subscriptions, got %d", len(subs))
	}
}

func TestLoadFile_Validation(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"missing-pattern.yml", `
channels:
  - type: webhook
    webhook:
      url: https://example.com
`},
		{"no-channels.yml", `
pattern: "*"
channels: []
`},
		{"bad-status.yml", `
pattern: "*"
status: archived
channels:
  - type: webhook
    webhook:
      url: https://example.com
`},
		{"bad-notify-on.yml", `
pattern: "*"
notify_on: [created]
channels:
  - type: webhook
    webhook:
      url: https://example.com
`},
		{"missing-webhook-url.yml", `
pattern: "*"
channels:
  - type: webhook
`},
		{"missing-telegram-chat.yml", `
pattern: "*"
channels:
  - type: telegram
    telegram:
      bot_token: "123:abc"
`},
		{"unknown-channel-type.yml", `
pattern: "*"
channels:
  - type: pager
`},
	}

	for _, tc := range cases {
		writeConfig(t, dir, tc.name, tc.content)
		if _, err := LoadFile(filepath.Join(dir, tc.name)); err == nil {
			t.Errorf("Expected validation error for %s", tc.name)
		}
	}
}

func TestLoadFile_DigestAndRegex(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "digest.yml", `
pattern: "^claude-.*$"
regex: true
digest: true
channels:
  - type: email
    email:
      to: [ops@example.com]
      from: regwatch@example.com
      smtp_host: smtp.example.com
      smtp_port: 587
`)

	sub, err := LoadFile(filepath.Join(dir, "digest.yml"))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !sub.Filter.IsRegex {
		t.Error("Expected regex flag to be set")
	}
	if !sub.Digest {
		t.Error("Expected digest flag to be set")
	}
	if sub.Channels[0].Config.Email.SMTPPort != 587 {
		t.Errorf("Unexpected SMTP port: %d", sub.Channels[0].Config.Email.SMTPPort)
	}
}
