// Package events fans committed tips out to live listeners.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/go-redis/redis/v8"
)

// DefaultTipChannelPrefix prefixes per-creator channels: "<prefix><creator user id>".
const DefaultTipChannelPrefix = "fanvault:tips:"

// TipMessage is the JSON payload published for each committed tip.
type TipMessage struct {
	FromUserID      string `json:"from_user_id"`
	ToUserID        string `json:"to_user_id"`
	Amount          int64  `json:"amount"`
	CreatorEarnings int64  `json:"creator_earnings"`
	TransactionID   string `json:"transaction_id"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
}

// Publisher is the subset of the redis client used for fan-out.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes tip events on redis pub/sub.
type RedisPublisher struct {
	client        Publisher
	channelPrefix string
}

// NewRedisPublisher wraps a redis client. An empty prefix selects DefaultTipChannelPrefix.
func NewRedisPublisher(client Publisher, channelPrefix string) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("events: redis client is required")
	}
	if strings.TrimSpace(channelPrefix) == "" {
		channelPrefix = DefaultTipChannelPrefix
	}
	return &RedisPublisher{client: client, channelPrefix: channelPrefix}, nil
}

// Channel returns the channel a creator's tips are published on.
func (publisher *RedisPublisher) Channel(creatorID entitlement.UserID) string {
	return publisher.channelPrefix + creatorID.String()
}

// PublishTip implements entitlement.EventPublisher.
func (publisher *RedisPublisher) PublishTip(ctx context.Context, event entitlement.TipEvent) error {
	payload, err := json.Marshal(NewTipMessage(event))
	if err != nil {
		return fmt.Errorf("events: encode tip: %w", err)
	}
	if err := publisher.client.Publish(ctx, publisher.Channel(event.ToUserID), payload).Err(); err != nil {
		return fmt.Errorf("events: publish tip: %w", err)
	}
	return nil
}

// NewTipMessage converts a domain event to its wire form.
func NewTipMessage(event entitlement.TipEvent) TipMessage {
	return TipMessage{
		FromUserID:      event.FromUserID.String(),
		ToUserID:        event.ToUserID.String(),
		Amount:          event.Amount.Int64(),
		CreatorEarnings: event.CreatorEarnings.Int64(),
		TransactionID:   event.TransactionID.String(),
		CreatedUnixUTC:  event.CreatedUnixUTC,
	}
}

// Discard drops every event. It is used when no redis address is configured.
type Discard struct{}

func (Discard) PublishTip(context.Context, entitlement.TipEvent) error {
	return nil
}
