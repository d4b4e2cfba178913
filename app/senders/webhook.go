package senders

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/regwatch/regwatch/app/subscription"
)

// WebhookSender POSTs the payload as JSON to the configured URL. When the
// channel carries a secret, the request is signed with an X-Signature-256
// header holding the hex HMAC-SHA256 of the raw body.
type WebhookSender struct {
	httpClient *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	return &WebhookSender{httpClient: newHTTPClient(timeout)}
}

func (s *WebhookSender) Type() subscription.ChannelType {
	return subscription.ChannelTypeWebhook
}

func (s *WebhookSender) Send(ctx context.Context, payload Payload, channel subscription.Channel) error {
	cfg := channel.Config.Webhook
	if cfg == nil || cfg.URL == "" {
		return permanentErr("webhook", fmt.Errorf("missing webhook url"))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return permanentErr("webhook", fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanentErr("webhook", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	if cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return retryableErr("webhook", fmt.Errorf("POST %s: %w", cfg.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTPStatus("webhook", resp.StatusCode)
	}
	return nil
}
