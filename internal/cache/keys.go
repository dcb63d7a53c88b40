package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ConversationKeyPrefix   = "conv:%d"
	ConversationListPrefix  = "user:%d:convs"
	MessageHistoryKeyPrefix = "conv:%d:messages"
)

const (
	ConversationTTL   = 5 * time.Minute
	ListTTL           = 1 * time.Minute
	MessageHistoryTTL = 2 * time.Minute
)

func ConversationKey(convID uint) string {
	return fmt.Sprintf(ConversationKeyPrefix, convID)
}

func ConversationListKey(userID uint) string {
	return fmt.Sprintf(ConversationListPrefix, userID)
}

func MessageHistoryKey(convID uint) string {
	return fmt.Sprintf(MessageHistoryKeyPrefix, convID)
}

func Invalidate(ctx context.Context, rdb *redis.Client, keys ...string) {
	if rdb == nil || len(keys) == 0 {
		return
	}
	rdb.Del(ctx, keys...)
}

// InvalidateConversation drops the cached conversation and its history.
func InvalidateConversation(ctx context.Context, rdb *redis.Client, convID uint) {
	Invalidate(ctx, rdb, ConversationKey(convID), MessageHistoryKey(convID))
}
