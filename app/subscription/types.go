package subscription

import (
	"fmt"
	"time"

	"github.com/regwatch/regwatch/app/diff"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
)

type ChannelType string

const (
	ChannelTypeWebhook  ChannelType = "webhook"
	ChannelTypeDiscord  ChannelType = "discord"
	ChannelTypeSlack    ChannelType = "slack"
	ChannelTypeTeams    ChannelType = "teams"
	ChannelTypeEmail    ChannelType = "email"
	ChannelTypeTelegram ChannelType = "telegram"
	ChannelTypeRSS      ChannelType = "rss"
)

// Filter selects which changes a subscription is interested in. An empty
// NotifyOn set matches all change types.
type Filter struct {
	ServerPattern string            `yaml:"pattern" json:"pattern"`
	IsRegex       bool              `yaml:"regex" json:"regex"`
	NotifyOn      []diff.ChangeType `yaml:"notify_on" json:"notify_on,omitempty"`
}

// Quota is a rolling per-subscription notification budget. The window resets
// when the current time crosses WindowStart + Window, at which point Count
// restarts from zero. A zero Limit disables the quota.
type Quota struct {
	Limit       int           `yaml:"limit" json:"limit"`
	Window      time.Duration `yaml:"window" json:"window"`
	WindowStart time.Time     `yaml:"-" json:"window_start"`
	Count       int           `yaml:"-" json:"count"`
}

// Remaining reports whether the quota still has room at the given time, along
// with the effective count for the current window.
func (q Quota) Remaining(now time.Time) (bool, int) {
	if q.Limit <= 0 {
		return true, q.Count
	}
	count := q.Count
	if !q.WindowStart.IsZero() && !now.Before(q.WindowStart.Add(q.Window)) {
		count = 0
	}
	return count < q.Limit, count
}

type Subscription struct {
	ID           string
	Name         string
	Filter       Filter
	Status       Status
	Channels     []Channel
	Quota        Quota
	Digest       bool
	LastDigestAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EnabledChannels returns the channels eligible for dispatch. A subscription
// with zero enabled channels is never dispatched to.
func (s *Subscription) EnabledChannels() []Channel {
	var enabled []Channel
	for _, ch := range s.Channels {
		if ch.Enabled {
			enabled = append(enabled, ch)
		}
	}
	return enabled
}

type Channel struct {
	ID             string
	SubscriptionID string
	Type           ChannelType
	Config         ChannelConfig
	Enabled        bool
	SuccessCount   int
	FailureCount   int
	LastSuccess    *time.Time
	LastFailure    *time.Time
	LastError      string
}

// ChannelConfig is a tagged variant with one payload shape per channel type.
// Exactly the field matching the channel's type must be populated; this is
// validated at load time so senders never see a missing-field config.
type ChannelConfig struct {
	Webhook  *WebhookConfig     `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Chat     *ChatWebhookConfig `yaml:"chat,omitempty" json:"chat,omitempty"`
	Email    *EmailConfig       `yaml:"email,omitempty" json:"email,omitempty"`
	Telegram *TelegramConfig    `yaml:"telegram,omitempty" json:"telegram,omitempty"`
	RSS      *RSSConfig         `yaml:"rss,omitempty" json:"rss,omitempty"`
}

// WebhookConfig configures the generic webhook channel. When Secret is set,
// outbound requests carry an X-Signature-256 header with the hex HMAC-SHA256
// of the raw body.
type WebhookConfig struct {
	URL    string `yaml:"url" json:"url"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// ChatWebhookConfig configures a chat-provider incoming webhook
// (discord, slack, teams).
type ChatWebhookConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

type EmailConfig struct {
	To       []string `yaml:"to" json:"to"`
	From     string   `yaml:"from" json:"from"`
	SMTPHost string   `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" json:"smtp_port"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   int64  `yaml:"chat_id" json:"chat_id"`
}

type RSSConfig struct {
	FeedName string `yaml:"feed_name" json:"feed_name"`
	Title    string `yaml:"title,omitempty" json:"title,omitempty"`
}

// Validate checks that the config payload matching the channel type is
// present and complete.
func (c ChannelConfig) Validate(channelType ChannelType) error {
	switch channelType {
	case ChannelTypeWebhook:
		if c.Webhook == nil || c.Webhook.URL == "" {
			return fmt.Errorf("webhook channel requires webhook.url")
		}
	case ChannelTypeDiscord, ChannelTypeSlack, ChannelTypeTeams:
		if c.Chat == nil || c.Chat.WebhookURL == "" {
			return fmt.Errorf("%s channel requires chat.webhook_url", channelType)
		}
	case ChannelTypeEmail:
		if c.Email == nil || len(c.Email.To) == 0 {
			return fmt.Errorf("email channel requires email.to")
		}
		if c.Email.SMTPHost == "" {
			return fmt.Errorf("email channel requires email.smtp_host")
		}
	case ChannelTypeTelegram:
		if c.Telegram == nil || c.Telegram.BotToken == "" || c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram channel requires telegram.bot_token and telegram.chat_id")
		}
	case ChannelTypeRSS:
		if c.RSS == nil || c.RSS.FeedName == "" {
			return fmt.Errorf("rss channel requires rss.feed_name")
		}
	default:
		return fmt.Errorf("unknown channel type: %s", channelType)
	}
	return nil
}
