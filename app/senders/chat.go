package senders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/regwatch/regwatch/app/subscription"
)

// ChatWebhookSender delivers to a chat provider's incoming-webhook endpoint.
// Discord, Slack, and Teams share the transport and differ only in the JSON
// field carrying the message text.
type ChatWebhookSender struct {
	channelType subscription.ChannelType
	httpClient  *http.Client
}

func NewChatWebhookSender(channelType subscription.ChannelType, timeout time.Duration) *ChatWebhookSender {
	return &ChatWebhookSender{
		channelType: channelType,
		httpClient:  newHTTPClient(timeout),
	}
}

func (s *ChatWebhookSender) Type() subscription.ChannelType {
	return s.channelType
}

func (s *ChatWebhookSender) Send(ctx context.Context, payload Payload, channel subscription.Channel) error {
	name := string(s.channelType)

	cfg := channel.Config.Chat
	if cfg == nil || cfg.WebhookURL == "" {
		return permanentErr(name, fmt.Errorf("missing chat webhook url"))
	}

	text := payload.Title
	if payload.Body != "" {
		text += "\n" + payload.Body
	}

	var message any
	switch s.channelType {
	case subscription.ChannelTypeDiscord:
		message = map[string]string{"content": text}
	case subscription.ChannelTypeSlack, subscription.ChannelTypeTeams:
		// Teams incoming webhooks accept the Slack-compatible text shape.
		message = map[string]string{"text": text}
	default:
		return permanentErr(name, fmt.Errorf("unsupported chat provider"))
	}

	body, err := json.Marshal(message)
	if err != nil {
		return permanentErr(name, fmt.Errorf("marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return permanentErr(name, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return retryableErr(name, fmt.Errorf("POST webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTPStatus(name, resp.StatusCode)
	}
	return nil
}
