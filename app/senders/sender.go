package senders

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/subscription"
)

// Payload is the channel-independent message a sender delivers. Immediate
// notifications carry a single change; digests carry the whole batch.
type Payload struct {
	Subscription string        `json:"subscription"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
	Changes      []diff.Change `json:"changes"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// Sender delivers a payload to one channel of its type. Implementations
// return *SendError so the dispatcher can classify failures.
type Sender interface {
	Type() subscription.ChannelType
	Send(ctx context.Context, payload Payload, channel subscription.Channel) error
}

// Registry maps channel types to their senders and throttles outbound
// traffic per type so one busy channel cannot starve external APIs.
type Registry struct {
	senders  map[subscription.ChannelType]Sender
	limiters map[subscription.ChannelType]*rate.Limiter
}

func NewRegistry() *Registry {
	return &Registry{
		senders:  make(map[subscription.ChannelType]Sender),
		limiters: make(map[subscription.ChannelType]*rate.Limiter),
	}
}

// Register adds a sender for its channel type. perSecond caps the sustained
// outbound rate for that type; burst allows short spikes.
func (r *Registry) Register(s Sender, perSecond float64, burst int) {
	r.senders[s.Type()] = s
	r.limiters[s.Type()] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Send waits for the type's rate limiter, then delivers through the
// registered sender.
func (r *Registry) Send(ctx context.Context, channelType subscription.ChannelType, payload Payload, channel subscription.Channel) error {
	sender, ok := r.senders[channelType]
	if !ok {
		return permanentErr(string(channelType), fmt.Errorf("no sender registered"))
	}
	if limiter, ok := r.limiters[channelType]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return retryableErr(string(channelType), fmt.Errorf("rate limit wait: %w", err))
		}
	}
	return sender.Send(ctx, payload, channel)
}

// Types returns the channel types with a registered sender.
func (r *Registry) Types() []subscription.ChannelType {
	types := make([]subscription.ChannelType, 0, len(r.senders))
	for t := range r.senders {
		types = append(types, t)
	}
	return types
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// classifyHTTPStatus converts a non-2xx response into a send error. 5xx and
// 429 are worth retrying; other 4xx responses are not.
func classifyHTTPStatus(channel string, status int) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return retryableErr(channel, fmt.Errorf("remote returned %d", status))
	}
	return permanentErr(channel, fmt.Errorf("remote returned %d", status))
}
