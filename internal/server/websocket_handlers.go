package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"parley/internal/middleware"
	"parley/internal/realtime"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// inboundFrame is the envelope clients send over the chat websocket. Fields
// beyond Type are populated depending on the frame type.
type inboundFrame struct {
	Type             string          `json:"type"`
	ConversationID   uint            `json:"conversation_id,omitempty"`
	MessageID        uint            `json:"message_id,omitempty"`
	Content          string          `json:"content,omitempty"`
	MessageType      string          `json:"message_type,omitempty"`
	ReplyToMessageID *uint           `json:"reply_to_message_id,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ForEveryone      bool            `json:"for_everyone,omitempty"`
}

// WebSocketChatHandler handles WebSocket connections for real-time chat.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()

		// userID is set by the websocket auth middleware
		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			log.Printf("WebSocket: unauthenticated connection attempt")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"unauthorized"}}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		user, err := s.userRepo.GetByID(ctx, userID)
		if err != nil {
			log.Printf("WebSocket: failed to load user %d: %v", userID, err)
			_ = conn.Close()
			return
		}
		username := user.Username

		client, err := s.hub.Register(ctx, userID, conn)
		if err != nil {
			log.Printf("WebSocket: failed to register user %d: %v", userID, err)
			s.writeErrorFrame(conn, err.Error())
			_ = conn.Close()
			return
		}

		client.IncomingHandler = func(c *realtime.Client, message []byte) {
			var frame inboundFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				log.Printf("WebSocket: invalid frame from user %d", userID)
				return
			}

			switch frame.Type {
			case "join":
				s.handleJoin(ctx, c, frame, userID)
			case "leave":
				if frame.ConversationID != 0 {
					s.hub.LeaveConversation(c, frame.ConversationID)
				}
			case "typing.start", "typing.stop":
				s.handleTyping(ctx, frame, userID, username)
			case "message":
				s.handleSendMessage(ctx, c, frame, userID)
			case "edit":
				s.handleEditMessage(ctx, c, frame, userID)
			case "delete":
				s.handleDeleteMessage(ctx, c, frame, userID)
			case "read":
				s.handleMarkRead(ctx, frame, userID)
			}
		}

		// Welcome frame so the client knows its identity was accepted
		welcome := realtime.Event{
			Type:    "connected",
			UserID:  userID,
			Payload: map[string]interface{}{"user_id": userID, "username": username},
		}
		if welcomeJSON, err := json.Marshal(welcome); err == nil {
			client.TrySend(welcomeJSON)
		}

		go client.WritePump()

		// Read pump runs in the handler goroutine and blocks until the
		// connection closes; it unregisters the client on exit.
		client.ReadPump()
	})
}

func (s *Server) handleJoin(ctx context.Context, c *realtime.Client, frame inboundFrame, userID uint) {
	if frame.ConversationID == 0 {
		return
	}

	ok, err := s.chatService.IsActiveParticipant(ctx, frame.ConversationID, userID)
	if err != nil || !ok {
		s.sendErrorEvent(c, "You are not a participant in this conversation")
		return
	}

	s.hub.JoinConversation(c, frame.ConversationID)

	ack := realtime.Event{
		Type:           realtime.EventJoined,
		ConversationID: frame.ConversationID,
		UserID:         userID,
		Payload:        map[string]interface{}{"conversation_id": frame.ConversationID},
	}
	if ackJSON, err := json.Marshal(ack); err == nil {
		c.TrySend(ackJSON)
	}
}

func (s *Server) handleTyping(ctx context.Context, frame inboundFrame, userID uint, username string) {
	if frame.ConversationID == 0 {
		return
	}

	// Typing indicators are spammy; drop silently past 10 per 10 seconds.
	id := fmt.Sprintf("user:%d", userID)
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
	if !allowed {
		return
	}

	start := frame.Type == "typing.start"
	if err := s.chatService.Typing(ctx, frame.ConversationID, userID, username, start); err != nil {
		log.Printf("typing indicator error: %v", err)
	}
}

func (s *Server) handleSendMessage(ctx context.Context, c *realtime.Client, frame inboundFrame, userID uint) {
	if frame.ConversationID == 0 || frame.Content == "" {
		return
	}

	// Same limit as the HTTP endpoint (15 per minute)
	id := fmt.Sprintf("user:%d", userID)
	allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
	if !allowed {
		s.sendErrorEvent(c, "Rate limit exceeded. Please wait a moment.")
		return
	}

	_, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		UserID:           userID,
		ConversationID:   frame.ConversationID,
		Content:          frame.Content,
		MessageType:      frame.MessageType,
		ReplyToMessageID: frame.ReplyToMessageID,
		Metadata:         frame.Metadata,
	})
	if err != nil {
		s.sendErrorEvent(c, err.Error())
	}
}

func (s *Server) handleEditMessage(ctx context.Context, c *realtime.Client, frame inboundFrame, userID uint) {
	if frame.MessageID == 0 {
		return
	}
	if _, err := s.chatService.EditMessage(ctx, userID, frame.MessageID, frame.Content); err != nil {
		s.sendErrorEvent(c, err.Error())
	}
}

func (s *Server) handleDeleteMessage(ctx context.Context, c *realtime.Client, frame inboundFrame, userID uint) {
	if frame.MessageID == 0 {
		return
	}
	if err := s.chatService.DeleteMessage(ctx, userID, frame.MessageID, frame.ForEveryone); err != nil {
		s.sendErrorEvent(c, err.Error())
	}
}

func (s *Server) handleMarkRead(ctx context.Context, frame inboundFrame, userID uint) {
	if frame.ConversationID == 0 {
		return
	}
	if _, err := s.chatService.MarkRead(ctx, frame.ConversationID, userID); err != nil {
		log.Printf("mark read error: %v", err)
	}
}

func (s *Server) sendErrorEvent(c *realtime.Client, message string) {
	event := realtime.Event{
		Type:    realtime.EventError,
		Payload: map[string]string{"message": message},
	}
	if data, err := json.Marshal(event); err == nil {
		c.TrySend(data)
	}
}

func (s *Server) writeErrorFrame(conn *websocket.Conn, message string) {
	frame := realtime.Event{
		Type:    realtime.EventError,
		Payload: map[string]string{"message": message},
	}
	if data, err := json.Marshal(frame); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}
