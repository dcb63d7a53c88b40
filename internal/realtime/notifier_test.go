package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilRedisIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.False(t, n.Enabled())
	assert.NoError(t, n.PublishConversation(context.Background(), 1, "payload"))
	assert.NoError(t, n.PublishUser(context.Background(), 1, "payload"))
	assert.NoError(t, n.PublishGlobal(context.Background(), "payload"))
	assert.NoError(t, n.StartSubscriber(context.Background(), nil))
}

func TestChannelNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "chat:conv:5", ConversationChannel(5))
	assert.Equal(t, "chat:user:12", UserChannel(12))

	id, ok := ParseConversationChannel("chat:conv:5")
	assert.True(t, ok)
	assert.Equal(t, uint(5), id)

	_, ok = ParseConversationChannel("chat:conv:")
	assert.False(t, ok)
	_, ok = ParseConversationChannel("chat:user:5")
	assert.False(t, ok)

	id, ok = ParseUserChannel("chat:user:12")
	assert.True(t, ok)
	assert.Equal(t, uint(12), id)
	_, ok = ParseUserChannel("chat:conv:12")
	assert.False(t, ok)
}

func TestNotifier_PublishSubscribeRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	channels := make(chan string, 4)
	require.NoError(t, n.StartSubscriber(ctx, func(channel, payload string) {
		channels <- channel
		received <- payload
	}))

	require.NoError(t, n.PublishConversation(context.Background(), 7, "hello"))

	select {
	case payload := <-received:
		assert.Equal(t, "hello", payload)
		assert.Equal(t, "chat:conv:7", <-channels)
	case <-time.After(time.Second):
		t.Fatal("did not receive published message")
	}
}

func TestNotifier_SubscriberStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())

	var received int32
	require.NoError(t, n.StartSubscriber(ctx, func(string, string) {
		atomic.AddInt32(&received, 1)
	}))

	require.NoError(t, n.PublishConversation(context.Background(), 1, "before-cancel"))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, n.PublishConversation(context.Background(), 1, "after-cancel"))
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&received) > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestNotifier_PerChannelOrderPreserved(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 16)
	require.NoError(t, n.StartSubscriber(ctx, func(_ string, payload string) {
		received <- payload
	}))

	payloads := []string{"one", "two", "three", "four"}
	for _, p := range payloads {
		require.NoError(t, n.PublishConversation(context.Background(), 3, p))
	}

	for _, want := range payloads {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
