package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"parley/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

// HubConfig carries the tunables the hub needs at construction time.
type HubConfig struct {
	PongWait        time.Duration
	MaxConnsPerUser int
	OfflineGrace    time.Duration

	// RecordLastSeen is invoked when a user's presence finally flips to
	// offline, so the durable last-seen timestamp can be written.
	RecordLastSeen func(userID uint, at time.Time)
}

// Hub ties together the connection registry, conversation membership,
// presence, and Redis fan-out. Handlers talk to the hub; the hub decides
// whether an event is delivered locally, published to Redis, or both.
type Hub struct {
	registry *Registry
	groups   *Groups
	presence *Presence
	notifier *Notifier
	logger   *observability.WSLogger

	pongWait       time.Duration
	recordLastSeen func(userID uint, at time.Time)
}

// NewHub creates a Hub. rdb may be nil; the hub then serves a single
// instance with local-only delivery.
func NewHub(rdb *redis.Client, cfg HubConfig) *Hub {
	h := &Hub{
		registry:       NewRegistry(cfg.MaxConnsPerUser),
		groups:         NewGroups(),
		notifier:       NewNotifier(rdb),
		logger:         observability.NewWSLogger("chat hub"),
		pongWait:       cfg.PongWait,
		recordLastSeen: cfg.RecordLastSeen,
	}
	h.presence = NewPresence(rdb, PresenceConfig{
		OfflineGrace: cfg.OfflineGrace,
		OnOnline:     h.presenceOnline,
		OnOffline:    h.presenceOffline,
	})
	return h
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "chat hub" }

// Notifier exposes the hub's publisher for services that fan out events.
func (h *Hub) Notifier() *Notifier { return h.notifier }

// Register accepts a newly authenticated websocket connection. It returns
// the Client, or an error when the user's connection cap is reached.
func (h *Hub) Register(ctx context.Context, userID uint, conn *websocket.Conn) (*Client, error) {
	client := NewClient(h, conn, userID, h.pongWait)

	// Pongs and inbound frames refresh the Redis presence mirror, so a
	// quiet-but-connected user never expires out of the online set.
	client.OnActivity = func() {
		h.presence.Touch(context.Background(), userID)
	}

	if _, err := h.registry.Register(client); err != nil {
		return nil, err
	}

	observability.WebSocketConnectionsTotal.Inc()
	h.logger.LogConnect(ctx, userID, client.ID)

	h.presence.ConnectionOpened(ctx, userID)

	// Initial presence snapshot so the client can render who is online
	// without a round trip.
	online := h.presence.OnlineUserIDs(ctx)
	ids := make([]uint, 0, len(online))
	for _, id := range online {
		if id != userID {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		snapshot := Event{
			Type:    EventConnectedUsers,
			Payload: map[string]interface{}{"user_ids": ids},
		}
		if data, err := json.Marshal(snapshot); err == nil {
			client.TrySend(data)
		}
	}

	return client, nil
}

// UnregisterClient tears down one connection: registry slot, all of its
// conversation memberships, and its share of the user's presence. Safe to
// call more than once for the same client.
func (h *Hub) UnregisterClient(c *Client) {
	removed, _ := h.registry.Unregister(c.UserID, c.ID)
	if removed == nil {
		return
	}

	observability.WebSocketConnectionsTotal.Dec()
	h.logger.LogDisconnect(context.Background(), c.UserID, c.ID, "closed")

	// Where this was the user's last attached connection, tell the other
	// viewers to clear any typing indicator for them.
	for _, convID := range h.groups.DropClient(c) {
		stop := Event{
			Type:           EventTypingStop,
			ConversationID: convID,
			UserID:         c.UserID,
		}
		if data, err := json.Marshal(stop); err == nil {
			h.deliverToConversation(convID, stop, data)
		}
	}
	h.presence.ConnectionClosed(context.Background(), c.UserID)
}

// JoinConversation attaches a connection to a conversation. Authorization is
// the caller's job; the hub only tracks delivery targets.
func (h *Hub) JoinConversation(c *Client, conversationID uint) {
	h.groups.Join(conversationID, c)
}

// LeaveConversation detaches a connection from a conversation.
func (h *Hub) LeaveConversation(c *Client, conversationID uint) {
	h.groups.Leave(conversationID, c)
}

// EvictFromConversation removes every connection of the user from the
// conversation's delivery set and tells each one it was removed. Used when a
// membership change revokes access mid-session.
func (h *Hub) EvictFromConversation(conversationID, userID uint) {
	evicted := h.groups.EvictUser(conversationID, userID)
	if len(evicted) == 0 {
		return
	}

	notice := Event{
		Type:           EventLeft,
		ConversationID: conversationID,
		UserID:         userID,
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	for _, c := range evicted {
		c.TrySend(data)
	}
}

// IsViewing reports whether the user has a connection attached to the
// conversation on this instance.
func (h *Hub) IsViewing(conversationID, userID uint) bool {
	return h.groups.IsViewing(conversationID, userID)
}

// ViewingUserIDs returns the users attached to the conversation here.
func (h *Hub) ViewingUserIDs(conversationID uint) []uint {
	return h.groups.ViewingUserIDs(conversationID)
}

// IsUserOnline reports whether the user is online on any instance.
func (h *Hub) IsUserOnline(ctx context.Context, userID uint) bool {
	return h.presence.IsOnline(ctx, userID)
}

// OnlineUserIDs returns every online user across instances.
func (h *Hub) OnlineUserIDs(ctx context.Context) []uint {
	return h.presence.OnlineUserIDs(ctx)
}

// PublishConversationEvent delivers an event to every connection attached to
// the conversation. With Redis available the event goes through pub/sub so
// other instances deliver it too; this instance picks it up via its own
// subscription, keeping a single ordered delivery path. Without Redis the
// event is delivered locally.
func (h *Hub) PublishConversationEvent(ctx context.Context, event Event) error {
	observability.WebSocketEventsTotal.WithLabelValues(event.Type).Inc()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if h.notifier.Enabled() {
		if err := h.notifier.PublishConversation(ctx, event.ConversationID, string(data)); err == nil {
			return nil
		}
		// Publish failed; fall back to local delivery so connected
		// participants on this instance still see the event.
	}

	h.deliverToConversation(event.ConversationID, event, data)
	return nil
}

// PublishUserEvent delivers an event to every connection of one user.
func (h *Hub) PublishUserEvent(ctx context.Context, userID uint, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if h.notifier.Enabled() {
		if err := h.notifier.PublishUser(ctx, userID, string(data)); err == nil {
			return nil
		}
	}

	h.deliverToUser(userID, data)
	return nil
}

// BroadcastGlobal delivers an event to every connection on every instance.
func (h *Hub) BroadcastGlobal(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if h.notifier.Enabled() {
		if err := h.notifier.PublishGlobal(ctx, string(data)); err == nil {
			return nil
		}
	}

	h.deliverGlobal(event, data)
	return nil
}

// deliverToConversation fans an already-encoded event out to a point-in-time
// snapshot of the conversation's connections. Typing indicators skip the
// connections of the user who is typing.
func (h *Hub) deliverToConversation(conversationID uint, event Event, data []byte) {
	clients := h.groups.SnapshotClients(conversationID)
	if len(clients) == 0 {
		return
	}

	sent := 0
	skipSender := typingEvent(event.Type)
	for _, c := range clients {
		if skipSender && c.UserID == event.UserID {
			continue
		}
		c.TrySend(data)
		sent++
	}
	observability.FanoutRecipients.Observe(float64(sent))
}

func (h *Hub) deliverToUser(userID uint, data []byte) {
	for _, c := range h.registry.ConnectionsOf(userID) {
		c.TrySend(data)
	}
}

// deliverGlobal sends to every connection, skipping echo back to the user an
// event is about for presence transitions.
func (h *Hub) deliverGlobal(event Event, data []byte) {
	skipSubject := event.Type == EventPresenceOnline || event.Type == EventPresenceOffline
	for _, userID := range h.registry.OnlineUserIDs() {
		if skipSubject && userID == event.UserID {
			continue
		}
		for _, c := range h.registry.ConnectionsOf(userID) {
			c.TrySend(data)
		}
	}
}

// StartWiring subscribes the hub to Redis so events published by any
// instance reach the connections held here. No-op without Redis.
func (h *Hub) StartWiring(ctx context.Context) error {
	return h.notifier.StartSubscriber(ctx, func(channel, payload string) {
		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Printf("chat hub: bad payload on %s: %v", channel, err)
			return
		}

		if convID, ok := ParseConversationChannel(channel); ok {
			event.ConversationID = convID
			h.deliverToConversation(convID, event, mustMarshal(event))
			return
		}
		if userID, ok := ParseUserChannel(channel); ok {
			h.deliverToUser(userID, mustMarshal(event))
			return
		}
		h.deliverGlobal(event, mustMarshal(event))
	})
}

func mustMarshal(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		return nil
	}
	return data
}

// presenceOnline announces a user's online transition to everyone.
func (h *Hub) presenceOnline(userID uint) {
	event := Event{
		Type:    EventPresenceOnline,
		UserID:  userID,
		Payload: map[string]interface{}{"user_id": userID, "status": "online"},
	}
	_ = h.BroadcastGlobal(context.Background(), event)
}

// presenceOffline announces the offline transition and records last-seen.
func (h *Hub) presenceOffline(userID uint, lastSeen time.Time) {
	if h.recordLastSeen != nil {
		h.recordLastSeen(userID, lastSeen)
	}
	event := Event{
		Type:   EventPresenceOffline,
		UserID: userID,
		Payload: map[string]interface{}{
			"user_id":   userID,
			"status":    "offline",
			"last_seen": lastSeen.Format(time.RFC3339),
		},
	}
	_ = h.BroadcastGlobal(context.Background(), event)
}

// Shutdown notifies and closes every connection and stops presence timers.
func (h *Hub) Shutdown(_ context.Context) error {
	h.presence.Stop()

	notice := []byte(`{"type":"server_shutdown","payload":{"message":"Server is shutting down"}}`)
	for _, userID := range h.registry.OnlineUserIDs() {
		for _, c := range h.registry.ConnectionsOf(userID) {
			if c.Conn == nil {
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, notice); err != nil {
				log.Printf("failed to write shutdown message for user %d: %v", userID, err)
			}
			if err := c.Conn.Close(); err != nil {
				log.Printf("failed to close websocket for user %d: %v", userID, err)
			}
		}
	}
	return nil
}
