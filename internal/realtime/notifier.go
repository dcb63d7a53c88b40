package realtime

import (
	"context"
	"log"
	"runtime/debug"
	"strconv"

	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes realtime events into Redis channels so that every
// instance can deliver them to its own connections. A nil Redis client turns
// every publish into a no-op; the hub then falls back to local-only fan-out.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a Notifier using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether cross-instance delivery is available.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishConversation sends an event payload to a conversation channel.
// Redis preserves per-channel publish order, so events published in sequence
// arrive at every subscriber in the same sequence.
func (n *Notifier) PublishConversation(ctx context.Context, conversationID uint, payload string) error {
	if n.rdb == nil {
		return nil
	}
	err := n.rdb.Publish(ctx, ConversationChannel(conversationID), payload).Err()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
	}
	return err
}

// PublishUser sends an event payload to a user's private channel.
func (n *Notifier) PublishUser(ctx context.Context, userID uint, payload string) error {
	if n.rdb == nil {
		return nil
	}
	err := n.rdb.Publish(ctx, UserChannel(userID), payload).Err()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
	}
	return err
}

// PublishGlobal sends an event payload to every instance.
func (n *Notifier) PublishGlobal(ctx context.Context, payload string) error {
	if n.rdb == nil {
		return nil
	}
	err := n.rdb.Publish(ctx, globalChannel, payload).Err()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
	}
	return err
}

// StartSubscriber subscribes to the conversation, user and global patterns
// and calls onMessage for each incoming message until ctx is cancelled.
func (n *Notifier) StartSubscriber(ctx context.Context, onMessage func(channel, payload string)) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "chat:conv:*", "chat:user:*", globalChannel)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in chat subscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

const globalChannel = "chat:global"

// ConversationChannel derives the Redis channel name for a conversation.
func ConversationChannel(conversationID uint) string {
	return "chat:conv:" + strconv.FormatUint(uint64(conversationID), 10)
}

// UserChannel derives the Redis channel name for a user.
func UserChannel(userID uint) string {
	return "chat:user:" + strconv.FormatUint(uint64(userID), 10)
}

// ParseConversationChannel extracts the conversation ID from a channel name.
func ParseConversationChannel(channel string) (uint, bool) {
	const prefix = "chat:conv:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return 0, false
	}
	id64, err := strconv.ParseUint(channel[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id64), true
}

// ParseUserChannel extracts the user ID from a channel name.
func ParseUserChannel(channel string) (uint, bool) {
	const prefix = "chat:user:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return 0, false
	}
	id64, err := strconv.ParseUint(channel[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id64), true
}
