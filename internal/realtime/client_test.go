package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_TrySendDropsWhenFull(t *testing.T) {
	h := newLocalHub()
	c := &Client{hub: h, UserID: 1, ID: "a", Send: make(chan []byte, 2)}

	c.TrySend([]byte(`"one"`))
	c.TrySend([]byte(`"two"`))

	// Buffer is now full; this call must drop instead of blocking fan-out.
	done := make(chan struct{})
	go func() {
		c.TrySend([]byte(`"three"`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TrySend blocked on a full buffer")
	}

	// The buffered messages are intact and the overflow never arrived.
	assert.Equal(t, []byte(`"one"`), <-c.Send)
	assert.Equal(t, []byte(`"two"`), <-c.Send)
	select {
	case data := <-c.Send:
		var notice Event
		require.NoError(t, json.Unmarshal(data, &notice))
		assert.Equal(t, "messages_dropped", notice.Type, "only a gap notice may trail a drop")
	default:
	}
}

func TestClient_TrySendSurvivesClosedChannel(t *testing.T) {
	h := newLocalHub()
	c := &Client{hub: h, UserID: 1, ID: "a", Send: make(chan []byte, 1)}
	close(c.Send)

	// Must not panic the caller.
	c.TrySend([]byte(`"late"`))
}

func TestNewClient_Defaults(t *testing.T) {
	h := newLocalHub()
	c := NewClient(h, nil, 9, 0)

	assert.Equal(t, uint(9), c.UserID)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, defaultPongWait, c.pongWait)
	assert.Equal(t, sendBufferSize, cap(c.Send))
}
