package subscription

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/regwatch/regwatch/app/diff"
)

// Duration wraps time.Duration for YAML values like "24h" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// configFile is the on-disk YAML shape of one subscription.
type configFile struct {
	Pattern  string            `yaml:"pattern"`
	Regex    bool              `yaml:"regex"`
	NotifyOn []diff.ChangeType `yaml:"notify_on"`
	Status   Status            `yaml:"status"`
	Digest   bool              `yaml:"digest"`
	Quota    struct {
		Limit  int      `yaml:"limit"`
		Window Duration `yaml:"window"`
	} `yaml:"quota"`
	Channels []configChannel `yaml:"channels"`
}

type configChannel struct {
	Type    ChannelType   `yaml:"type"`
	Enabled *bool         `yaml:"enabled"`
	Config  ChannelConfig `yaml:",inline"`
}

// LoadDir reads all YAML subscription files from dir. The subscription name
// is derived from the filename. Every channel config is validated here, at
// creation time, so dispatch never encounters a missing-field config.
func LoadDir(dir string) ([]*Subscription, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("failed to find YML files: %w", err)
	}
	yamlFiles, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to find YAML files: %w", err)
	}
	files = append(files, yamlFiles...)

	var subs []*Subscription
	for _, file := range files {
		sub, err := LoadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %w", file, err)
		}
		subs = append(subs, sub)
		slog.Debug("Subscription configuration loaded", "subscription", sub.Name, "pattern", sub.Filter.ServerPattern, "channels", len(sub.Channels))
	}

	return subs, nil
}

// LoadFile parses and validates a single subscription configuration file.
func LoadFile(path string) (*Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var raw configFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yml"), ".yaml")

	sub, err := fromConfig(name, &raw)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return sub, nil
}

func fromConfig(name string, raw *configFile) (*Subscription, error) {
	if raw.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}

	status := raw.Status
	if status == "" {
		status = StatusActive
	}
	switch status {
	case StatusActive, StatusPaused, StatusExpired:
	default:
		return nil, fmt.Errorf("invalid status: %s", status)
	}

	for _, changeType := range raw.NotifyOn {
		switch changeType {
		case diff.ChangeTypeNew, diff.ChangeTypeUpdated, diff.ChangeTypeRemoved:
		default:
			return nil, fmt.Errorf("invalid notify_on change type: %s", changeType)
		}
	}

	if raw.Quota.Limit < 0 {
		return nil, fmt.Errorf("quota limit must be non-negative")
	}
	window := time.Duration(raw.Quota.Window)
	if raw.Quota.Limit > 0 && window == 0 {
		window = 24 * time.Hour
	}

	if len(raw.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	// IDs derive from the subscription name so that re-loading the same
	// configuration maps onto the same stored rows, preserving quota
	// counters and channel stats across restarts.
	sub := &Subscription{
		ID:   name,
		Name: name,
		Filter: Filter{
			ServerPattern: raw.Pattern,
			IsRegex:       raw.Regex,
			NotifyOn:      raw.NotifyOn,
		},
		Status: status,
		Digest: raw.Digest,
		Quota: Quota{
			Limit:  raw.Quota.Limit,
			Window: window,
		},
	}

	for i, rawChannel := range raw.Channels {
		if err := rawChannel.Config.Validate(rawChannel.Type); err != nil {
			return nil, fmt.Errorf("channel at index %d: %w", i, err)
		}
		enabled := true
		if rawChannel.Enabled != nil {
			enabled = *rawChannel.Enabled
		}
		sub.Channels = append(sub.Channels, Channel{
			ID:             fmt.Sprintf("%s-%s-%d", name, rawChannel.Type, i),
			SubscriptionID: sub.ID,
			Type:           rawChannel.Type,
			Config:         rawChannel.Config,
			Enabled:        enabled,
		})
	}

	return sub, nil
}
