package senders

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/subscription"
)

// RSSSender materializes notifications as feed items; the HTTP layer serves
// them back as RSS under /feeds/<name>. Delivery never leaves the process,
// so every failure is a storage failure and treated as transient.
type RSSSender struct {
	feedRepo database.FeedRepository
	baseURL  string
}

func NewRSSSender(feedRepo database.FeedRepository, baseURL string) *RSSSender {
	return &RSSSender{feedRepo: feedRepo, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *RSSSender) Type() subscription.ChannelType {
	return subscription.ChannelTypeRSS
}

func (s *RSSSender) Send(ctx context.Context, payload Payload, channel subscription.Channel) error {
	cfg := channel.Config.RSS
	if cfg == nil || cfg.FeedName == "" {
		return permanentErr("rss", fmt.Errorf("missing feed name"))
	}
	if err := ctx.Err(); err != nil {
		return retryableErr("rss", err)
	}

	item := &database.FeedItem{
		ID:          uuid.New().String(),
		FeedName:    cfg.FeedName,
		GUID:        uuid.New().String(),
		Title:       payload.Title,
		Description: payload.Body,
		Link:        s.baseURL + "/feeds/" + cfg.FeedName,
		PublishedAt: payload.GeneratedAt,
	}
	if err := s.feedRepo.InsertItem(item); err != nil {
		return retryableErr("rss", fmt.Errorf("store feed item: %w", err))
	}
	return nil
}
