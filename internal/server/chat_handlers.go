package server

import (
	"encoding/json"
	"errors"

	"parley/internal/models"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// respondServiceError maps a service error to the right HTTP status.
func respondServiceError(c *fiber.Ctx, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Resource", c.Params("id")))
	}
	return models.RespondWithError(c, models.HTTPStatus(err), err)
}

// CreateConversation handles POST /api/conversations
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		Kind           string `json:"kind"`
		Name           string `json:"name,omitempty"`
		ParticipantIDs []uint `json:"participant_ids"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	conv, err := s.chatService.CreateConversation(ctx, service.CreateConversationInput{
		UserID:         userID,
		Kind:           req.Kind,
		Name:           req.Name,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(conv)
}

// GetConversations handles GET /api/conversations
func (s *Server) GetConversations(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	conversations, err := s.chatService.GetConversations(ctx, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(conversations)
}

// GetConversation handles GET /api/conversations/:id
func (s *Server) GetConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	conv, err := s.chatService.GetConversationForUser(ctx, convID, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(conv)
}

// SendMessage handles POST /api/conversations/:id/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Content          string          `json:"content"`
		MessageType      string          `json:"message_type,omitempty"`
		ReplyToMessageID *uint           `json:"reply_to_message_id,omitempty"`
		Metadata         json.RawMessage `json:"metadata,omitempty"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		UserID:           userID,
		ConversationID:   convID,
		Content:          req.Content,
		MessageType:      req.MessageType,
		ReplyToMessageID: req.ReplyToMessageID,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(message)
}

// GetMessages handles GET /api/conversations/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	page := parsePagination(c, 50)

	messages, err := s.chatService.GetMessagesForUser(ctx, convID, userID, page.Limit, page.Offset)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(messages)
}

// EditMessage handles PUT /api/messages/:id
func (s *Server) EditMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Content string `json:"content"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, err := s.chatService.EditMessage(ctx, userID, msgID, req.Content)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(message)
}

// DeleteMessage handles DELETE /api/messages/:id
// The for_everyone query parameter selects a tombstone delete visible to all
// participants; the default hides the message for the caller only.
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	msgID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	forEveryone := c.QueryBool("for_everyone", false)

	if err := s.chatService.DeleteMessage(ctx, userID, msgID, forEveryone); err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Message deleted"})
}

// MarkConversationRead handles POST /api/conversations/:id/read
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	count, err := s.chatService.MarkRead(ctx, convID, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":       "Conversation marked as read",
		"messages_read": count,
	})
}

// AddParticipant handles POST /api/conversations/:id/participants
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		UserID uint `json:"user_id"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if err := s.chatService.AddParticipant(ctx, convID, userID, req.UserID); err != nil {
		return respondServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusOK)
}

// RemoveParticipant handles DELETE /api/conversations/:id/participants/:participantId
func (s *Server) RemoveParticipant(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	participantID, err := s.parseID(c, "participantId")
	if err != nil {
		return nil
	}

	if err := s.chatService.RemoveParticipant(ctx, convID, userID, participantID); err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Participant removed"})
}

// LeaveConversation handles DELETE /api/conversations/:id
// Removes the current user from a conversation so it no longer appears in
// their list.
func (s *Server) LeaveConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.chatService.RemoveParticipant(ctx, convID, userID, userID); err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Conversation removed"})
}

// GetOnlineUsers handles GET /api/presence/online
func (s *Server) GetOnlineUsers(c *fiber.Ctx) error {
	ctx := c.UserContext()
	return c.JSON(fiber.Map{"user_ids": s.hub.OnlineUserIDs(ctx)})
}
