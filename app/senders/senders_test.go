package senders

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/subscription"
)

func testPayload() Payload {
	return Payload{
		Subscription: "claude-watch",
		Title:        "serverA updated",
		Body:         "version 1.0.0 -> 1.1.0",
		Changes: []diff.Change{
			{ServerName: "serverA", Type: diff.ChangeTypeUpdated, PreviousVersion: "1.0.0", NewVersion: "1.1.0"},
		},
		GeneratedAt: time.Now().UTC(),
	}
}

func webhookChannel(url, secret string) subscription.Channel {
	return subscription.Channel{
		ID:   "ch-1",
		Type: subscription.ChannelTypeWebhook,
		Config: subscription.ChannelConfig{
			Webhook: &subscription.WebhookConfig{URL: url, Secret: secret},
		},
		Enabled: true,
	}
}

func TestWebhookSender_DeliversSignedPayload(t *testing.T) {
	secret := "test-secret"
	var gotBody []byte
	var gotSignature, gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Signature-256")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(5 * time.Second)
	err := sender.Send(context.Background(), testPayload(), webhookChannel(server.URL, secret))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("expected application/json content type, got %q", gotContentType)
	}

	var decoded Payload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded.Subscription != "claude-watch" || len(decoded.Changes) != 1 {
		t.Errorf("payload did not round-trip: %+v", decoded)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Errorf("signature mismatch: got %q want %q", gotSignature, want)
	}
}

func TestWebhookSender_NoSignatureWithoutSecret(t *testing.T) {
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewWebhookSender(5 * time.Second)
	if err := sender.Send(context.Background(), testPayload(), webhookChannel(server.URL, "")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotSignature != "" {
		t.Errorf("expected no signature header, got %q", gotSignature)
	}
}

func TestWebhookSender_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error is retryable", http.StatusInternalServerError, true},
		{"bad gateway is retryable", http.StatusBadGateway, true},
		{"rate limited is retryable", http.StatusTooManyRequests, true},
		{"not found is permanent", http.StatusNotFound, false},
		{"bad request is permanent", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender := NewWebhookSender(5 * time.Second)
			err := sender.Send(context.Background(), testPayload(), webhookChannel(server.URL, ""))
			if err == nil {
				t.Fatal("expected an error")
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("status %d: expected retryable=%v, got %v", tt.status, tt.retryable, IsRetryable(err))
			}
		})
	}
}

func TestWebhookSender_ConnectionErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	sender := NewWebhookSender(time.Second)
	err := sender.Send(context.Background(), testPayload(), webhookChannel(server.URL, ""))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsRetryable(err) {
		t.Error("connection errors should be retryable")
	}
}

func TestChatWebhookSender_PayloadShapes(t *testing.T) {
	tests := []struct {
		channelType subscription.ChannelType
		field       string
	}{
		{subscription.ChannelTypeDiscord, "content"},
		{subscription.ChannelTypeSlack, "text"},
		{subscription.ChannelTypeTeams, "text"},
	}

	for _, tt := range tests {
		t.Run(string(tt.channelType), func(t *testing.T) {
			var gotBody map[string]string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				json.Unmarshal(body, &gotBody)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			channel := subscription.Channel{
				ID:   "ch-1",
				Type: tt.channelType,
				Config: subscription.ChannelConfig{
					Chat: &subscription.ChatWebhookConfig{WebhookURL: server.URL},
				},
			}

			sender := NewChatWebhookSender(tt.channelType, 5*time.Second)
			if err := sender.Send(context.Background(), testPayload(), channel); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			text, ok := gotBody[tt.field]
			if !ok {
				t.Fatalf("expected field %q in body, got %v", tt.field, gotBody)
			}
			if !strings.Contains(text, "serverA updated") {
				t.Errorf("message text missing title: %q", text)
			}
		})
	}
}

func TestEmailSender_BuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	sender := NewEmailSender()
	sender.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	channel := subscription.Channel{
		ID:   "ch-1",
		Type: subscription.ChannelTypeEmail,
		Config: subscription.ChannelConfig{
			Email: &subscription.EmailConfig{
				To:       []string{"ops@example.com"},
				From:     "alerts@example.com",
				SMTPHost: "smtp.example.com",
			},
		},
	}

	if err := sender.Send(context.Background(), testPayload(), channel); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Errorf("expected default port 587, got %s", gotAddr)
	}
	if gotFrom != "alerts@example.com" || len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Errorf("envelope mismatch: from=%s to=%v", gotFrom, gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: serverA updated") {
		t.Errorf("message missing subject: %q", msg)
	}
	if !strings.Contains(msg, "version 1.0.0 -> 1.1.0") {
		t.Errorf("message missing body: %q", msg)
	}
}

type fakeFeedRepo struct {
	items []*database.FeedItem
}

func (f *fakeFeedRepo) InsertItem(item *database.FeedItem) error {
	f.items = append(f.items, item)
	return nil
}

func (f *fakeFeedRepo) GetItems(feedName string, limit int) ([]*database.FeedItem, error) {
	return f.items, nil
}

func TestRSSSender_StoresFeedItem(t *testing.T) {
	repo := &fakeFeedRepo{}
	sender := NewRSSSender(repo, "https://regwatch.example.com/")

	channel := subscription.Channel{
		ID:   "ch-1",
		Type: subscription.ChannelTypeRSS,
		Config: subscription.ChannelConfig{
			RSS: &subscription.RSSConfig{FeedName: "updates"},
		},
	}

	if err := sender.Send(context.Background(), testPayload(), channel); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(repo.items) != 1 {
		t.Fatalf("expected 1 stored item, got %d", len(repo.items))
	}
	item := repo.items[0]
	if item.FeedName != "updates" || item.Title != "serverA updated" {
		t.Errorf("stored item mismatch: %+v", item)
	}
	if item.Link != "https://regwatch.example.com/feeds/updates" {
		t.Errorf("unexpected feed link: %s", item.Link)
	}
	if item.GUID == "" || item.ID == "" {
		t.Error("expected generated GUID and ID")
	}
}

func TestRegistry_UnknownTypeIsPermanent(t *testing.T) {
	registry := NewRegistry()
	err := registry.Send(context.Background(), subscription.ChannelTypeWebhook, testPayload(), subscription.Channel{})
	if err == nil {
		t.Fatal("expected an error for unregistered type")
	}
	if IsRetryable(err) {
		t.Error("unregistered sender should be a permanent failure")
	}
}

func TestRegistry_DispatchesToRegisteredSender(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := NewRegistry()
	registry.Register(NewWebhookSender(5*time.Second), 10, 5)

	err := registry.Send(context.Background(), subscription.ChannelTypeWebhook, testPayload(), webhookChannel(server.URL, ""))
	if err != nil {
		t.Fatalf("Send through registry failed: %v", err)
	}
}
