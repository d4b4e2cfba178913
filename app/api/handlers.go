package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/poller"
	"github.com/regwatch/regwatch/app/subscription"
)

// PollerInterface is the slice of the poller the API needs.
type PollerInterface interface {
	Status() poller.Status
	Trigger()
}

type Handler struct {
	subscriptionRepo database.SubscriptionRepository
	changeRepo       database.ChangeRepository
	notificationRepo database.NotificationRepository
	feedRepo         database.FeedRepository
	generator        *Generator
	poller           PollerInterface
}

func NewHandler(subscriptionRepo database.SubscriptionRepository,
	changeRepo database.ChangeRepository, notificationRepo database.NotificationRepository,
	feedRepo database.FeedRepository, p PollerInterface) *Handler {
	return &Handler{
		subscriptionRepo: subscriptionRepo,
		changeRepo:       changeRepo,
		notificationRepo: notificationRepo,
		feedRepo:         feedRepo,
		generator:        NewGenerator(),
		poller:           p,
	}
}

const feedItemLimit = 100

func (h *Handler) GetFeed(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	items, err := h.feedRepo.GetItems(name, feedItemLimit)
	if err != nil {
		slog.Error("Database error", "operation", "get_feed_items", "feed", name, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if len(items) == 0 {
		c.Status(http.StatusNotFound)
		return
	}

	rss, err := h.generator.Run(name, "", items)
	if err != nil {
		slog.Error("RSS generation error", "feed", name, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/rss+xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(items)))
	c.String(http.StatusOK, rss)
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"status":    "ok",
	}

	if subs, err := h.subscriptionRepo.LoadActive(); err == nil {
		health["active_subscriptions"] = len(subs)
	} else {
		health["status"] = "degraded"
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats := map[string]interface{}{
		"poller": h.poller.Status(),
	}

	if counts, err := h.notificationRepo.CountByStatus(); err == nil {
		stats["notifications"] = counts
	}

	subs, err := h.subscriptionRepo.LoadActive()
	if err == nil {
		channels := make([]map[string]interface{}, 0)
		for _, sub := range subs {
			for _, ch := range sub.Channels {
				channels = append(channels, map[string]interface{}{
					"subscription":  sub.Name,
					"channel":       ch.ID,
					"type":          ch.Type,
					"enabled":       ch.Enabled,
					"success_count": ch.SuccessCount,
					"failure_count": ch.FailureCount,
					"last_success":  ch.LastSuccess,
					"last_failure":  ch.LastFailure,
					"last_error":    ch.LastError,
				})
			}
		}
		stats["channels"] = channels
		stats["active_subscriptions"] = len(subs)
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) APIListChanges(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)

	changes, err := h.changeRepo.List(limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_changes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"changes": changes,
		"total":   len(changes),
	})
}

func (h *Handler) APIListNotifications(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50)

	notifications, err := h.notificationRepo.List(limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_notifications", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"total":         len(notifications),
	})
}

func (h *Handler) APIListSubscriptions(c *gin.Context) {
	subs, err := h.subscriptionRepo.LoadActive()
	if err != nil {
		slog.Error("Database error", "operation", "list_subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionInfo(sub))
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": out,
		"total":         len(out),
	})
}

func (h *Handler) APITriggerPoll(c *gin.Context) {
	h.poller.Trigger()
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Poll triggered",
	})
}

func subscriptionInfo(sub *subscription.Subscription) map[string]interface{} {
	channels := make([]map[string]interface{}, 0, len(sub.Channels))
	for _, ch := range sub.Channels {
		channels = append(channels, map[string]interface{}{
			"id":      ch.ID,
			"type":    ch.Type,
			"enabled": ch.Enabled,
		})
	}

	info := map[string]interface{}{
		"id":       sub.ID,
		"name":     sub.Name,
		"pattern":  sub.Filter.ServerPattern,
		"regex":    sub.Filter.IsRegex,
		"status":   sub.Status,
		"digest":   sub.Digest,
		"channels": channels,
	}
	if len(sub.Filter.NotifyOn) > 0 {
		info["notify_on"] = sub.Filter.NotifyOn
	}
	if sub.Quota.Limit > 0 {
		info["quota"] = map[string]interface{}{
			"limit":  sub.Quota.Limit,
			"window": sub.Quota.Window.String(),
			"count":  sub.Quota.Count,
		}
	}
	if sub.LastDigestAt != nil {
		info["last_digest_at"] = sub.LastDigestAt
	}
	return info
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 500 {
		return fallback
	}
	return limit
}
