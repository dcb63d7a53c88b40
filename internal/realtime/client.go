package realtime

import (
	"log"
	"time"

	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	// Outbound buffer per connection.
	sendBufferSize = 256
)

// clientOwner is the part of the hub a client reports back to.
type clientOwner interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is the middleman between one websocket connection and the hub.
// A user may own any number of clients at once (multi-device).
type Client struct {
	hub clientOwner

	// Conn is the websocket connection.
	Conn *websocket.Conn

	// Send is the buffered channel of outbound messages.
	Send chan []byte

	// UserID of the authenticated identity that owns this connection.
	UserID uint

	// ID uniquely identifies this connection across the process.
	ID string

	// IncomingHandler is invoked for every inbound frame.
	IncomingHandler func(*Client, []byte)

	// OnActivity is invoked whenever the peer proves liveness (pong or
	// inbound frame), so presence state can be kept fresh.
	OnActivity func()

	pongWait time.Duration
}

// NewClient creates a new Client for the given connection.
func NewClient(hub clientOwner, conn *websocket.Conn, userID uint, pongWait time.Duration) *Client {
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	return &Client{
		hub:      hub,
		Conn:     conn,
		UserID:   userID,
		ID:       uuid.NewString(),
		Send:     make(chan []byte, sendBufferSize),
		pongWait: pongWait,
	}
}

// ReadPump pumps messages from the websocket connection to the hub. A peer
// that stops answering pings misses the read deadline and is torn down here,
// which reclaims its registry slot and all group memberships.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
		if c.OnActivity != nil {
			c.OnActivity()
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ReadPump Error (User %d): %v", c.UserID, err)
			}
			break
		}

		if c.OnActivity != nil {
			c.OnActivity()
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	pingPeriod := (c.pongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend attempts to send a message to the client without blocking fan-out.
// A full buffer drops the message and best-effort notifies the client so its
// frontend can detect the gap and re-fetch.
func (c *Client) TrySend(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.hub.Name(), "closed").Inc()
		}
	}()

	select {
	case c.Send <- message:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hub.Name(), "full").Inc()
		log.Printf("Client %d (%s): Buffer full, dropped message", c.UserID, c.hub.Name())

		dropNotice := []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)
		select {
		case c.Send <- dropNotice:
		default:
			// Client is truly overwhelmed; the read deadline will reap it.
		}
	}
}
