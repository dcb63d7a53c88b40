// Package service provides the conversation business logic: conversation
// lifecycle, the message pipeline, read receipts, and typing indicators.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"parley/internal/cache"
	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/realtime"
	"parley/internal/repository"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Broadcaster is the slice of the realtime hub the service needs: event
// fan-out and the viewing state that drives unread counting.
type Broadcaster interface {
	PublishConversationEvent(ctx context.Context, event realtime.Event) error
	PublishUserEvent(ctx context.Context, userID uint, event realtime.Event) error
	EvictFromConversation(conversationID, userID uint)
	ViewingUserIDs(conversationID uint) []uint
}

// ChatService provides conversation and message business logic.
type ChatService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
	hub      Broadcaster
	rdb      *redis.Client

	persistTimeout time.Duration

	// convLocks serializes the persist-and-broadcast section per
	// conversation so delivery order always matches timestamp order.
	// pairLocks serializes direct get-or-create per unordered user pair
	// so two concurrent requests never create two direct conversations.
	mu        sync.Mutex
	convLocks map[uint]*sync.Mutex
	pairLocks map[[2]uint]*sync.Mutex
}

// NewChatService returns a new ChatService. hub and rdb may be nil, which
// disables fan-out and caching respectively (useful in tests).
func NewChatService(
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
	hub Broadcaster,
	rdb *redis.Client,
	persistTimeout time.Duration,
) *ChatService {
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	return &ChatService{
		chatRepo:       chatRepo,
		userRepo:       userRepo,
		hub:            hub,
		rdb:            rdb,
		persistTimeout: persistTimeout,
		convLocks:      make(map[uint]*sync.Mutex),
		pairLocks:      make(map[[2]uint]*sync.Mutex),
	}
}

// CreateConversationInput is the input for creating a conversation.
type CreateConversationInput struct {
	UserID         uint
	Kind           string
	Name           string
	ParticipantIDs []uint
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	UserID           uint
	ConversationID   uint
	Content          string
	MessageType      string
	ReplyToMessageID *uint
	Metadata         json.RawMessage
}

const (
	maxMessageContentLen = 10000 // characters
	previewLen           = 120
)

// CreateConversation creates a group conversation, or returns the existing
// direct conversation for the pair when one already exists.
func (s *ChatService) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	if in.Kind == "" {
		in.Kind = models.ConversationDirect
	}
	if in.Kind != models.ConversationDirect && in.Kind != models.ConversationGroup {
		return nil, models.NewValidationError("Unknown conversation kind")
	}
	if in.Kind == models.ConversationGroup && in.Name == "" {
		return nil, models.NewValidationError("Group conversations require a name")
	}
	if len(in.ParticipantIDs) == 0 {
		return nil, models.NewValidationError("At least one participant is required")
	}

	if in.Kind == models.ConversationDirect {
		if len(in.ParticipantIDs) != 1 || in.ParticipantIDs[0] == in.UserID {
			return nil, models.NewValidationError("Direct conversations need exactly one other participant")
		}
		// Hold the pair lock across find and create so concurrent calls
		// for the same pair converge on one conversation.
		unlock := s.lockDirectPair(in.UserID, in.ParticipantIDs[0])
		defer unlock()

		existing, err := s.chatRepo.FindDirectConversation(ctx, in.UserID, in.ParticipantIDs[0])
		switch {
		case err == nil:
			return existing, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Create a new direct conversation below.
		default:
			return nil, err
		}
	}

	conv := &models.Conversation{
		Kind:      in.Kind,
		Name:      in.Name,
		CreatedBy: in.UserID,
		IsActive:  true,
	}
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	creatorRole := models.RoleMember
	if in.Kind == models.ConversationGroup {
		creatorRole = models.RoleAdmin
	}
	if err := s.chatRepo.AddParticipant(ctx, conv.ID, in.UserID, creatorRole); err != nil {
		return nil, err
	}
	for _, participantID := range in.ParticipantIDs {
		if participantID == in.UserID {
			continue
		}
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, participantID, models.RoleMember); err != nil {
			return nil, err
		}
	}

	s.invalidateLists(ctx, conv.ID, append(in.ParticipantIDs, in.UserID))

	return s.chatRepo.GetConversation(ctx, conv.ID)
}

// GetConversations returns the user's conversations, newest activity first.
func (s *ChatService) GetConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	err := cache.Aside(ctx, s.rdb, cache.ConversationListKey(userID), &convs, cache.ListTTL, func() error {
		var fetchErr error
		convs, fetchErr = s.chatRepo.GetUserConversations(ctx, userID)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversationForUser returns the conversation if the user is an active
// participant.
func (s *ChatService) GetConversationForUser(ctx context.Context, convID, userID uint) (*models.Conversation, error) {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}
	return s.chatRepo.GetConversation(ctx, convID)
}

// SendMessage persists a message and fans it out to the conversation. The
// persist is the commit point: a message that cannot be stored within the
// persist timeout is rejected and never broadcast.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	if in.Content == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	if utf8.RuneCountInString(in.Content) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}
	if in.MessageType == "" {
		in.MessageType = models.MessageText
	}
	switch in.MessageType {
	case models.MessageText, models.MessageImage, models.MessageFile, models.MessageSystem:
	default:
		return nil, models.NewValidationError("Unknown message type")
	}

	span, ctx := observability.NewSpan(ctx, "chat.send_message")
	defer span.End()
	span.AddAttributes(
		attribute.Int64("conversation.id", int64(in.ConversationID)),
		attribute.String("message.type", in.MessageType),
	)

	if err := s.requireParticipant(ctx, in.ConversationID, in.UserID); err != nil {
		return nil, err
	}

	// A reply must point at an existing message in the same conversation.
	if in.ReplyToMessageID != nil {
		parent, err := s.chatRepo.GetMessage(ctx, *in.ReplyToMessageID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, models.NewValidationError("Reply target does not exist")
		case err != nil:
			return nil, models.NewTransientStoreError(err)
		case parent.ConversationID != in.ConversationID:
			return nil, models.NewValidationError("Reply target is not in this conversation")
		}
	}

	message := &models.Message{
		ConversationID:   in.ConversationID,
		SenderID:         in.UserID,
		Content:          in.Content,
		MessageType:      in.MessageType,
		ReplyToMessageID: in.ReplyToMessageID,
		Metadata:         in.Metadata,
	}

	unlock := s.lockConversation(in.ConversationID)
	defer unlock()

	persistCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	start := time.Now()
	if err := s.chatRepo.CreateMessage(persistCtx, message); err != nil {
		span.SetError(err)
		return nil, models.NewTransientStoreError(err)
	}
	observability.MessagePersistLatency.Observe(time.Since(start).Seconds())
	observability.MessageThroughput.WithLabelValues(message.MessageType).Inc()

	if err := s.chatRepo.UpdateConversationSummary(ctx, in.ConversationID, message.CreatedAt, preview(message.Content)); err != nil {
		observability.GlobalLogger.Warn("failed to update conversation summary", "error", err)
	}

	// Participants currently viewing the conversation see the message
	// immediately; only everyone else accrues unread.
	var viewing []uint
	if s.hub != nil {
		viewing = s.hub.ViewingUserIDs(in.ConversationID)
	}
	if err := s.chatRepo.IncrementUnread(ctx, in.ConversationID, in.UserID, viewing); err != nil {
		observability.GlobalLogger.Warn("failed to increment unread counts", "error", err)
	}

	cache.InvalidateConversation(ctx, s.rdb, in.ConversationID)

	if sender, err := s.userRepo.GetByID(ctx, in.UserID); err == nil {
		message.Sender = sender
	}

	s.publish(ctx, realtime.Event{
		Type:           realtime.EventMessageCreated,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Payload:        message,
	})

	return message, nil
}

// EditMessage replaces the content of the sender's own message and announces
// the edit. Missing and foreign messages get the same answer so a caller
// cannot probe for message existence.
func (s *ChatService) EditMessage(ctx context.Context, userID, msgID uint, content string) (*models.Message, error) {
	if content == "" {
		return nil, models.NewValidationError("Message content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageContentLen {
		return nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}

	message, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil || message.SenderID != userID {
		return nil, models.NewUnauthorizedError("You cannot modify this message")
	}
	if message.IsDeleted {
		return nil, models.NewValidationError("Cannot edit a deleted message")
	}

	unlock := s.lockConversation(message.ConversationID)
	defer unlock()

	message.Content = content
	message.IsEdited = true
	if err := s.chatRepo.UpdateMessage(ctx, message); err != nil {
		return nil, models.NewTransientStoreError(err)
	}

	cache.InvalidateConversation(ctx, s.rdb, message.ConversationID)

	s.publish(ctx, realtime.Event{
		Type:           realtime.EventMessageUpdated,
		ConversationID: message.ConversationID,
		UserID:         userID,
		Payload:        message,
	})

	return message, nil
}

// DeleteMessage removes a message. forEveryone requires the sender or a
// conversation admin and tombstones the row, keeping its position in history.
// Without forEveryone the delete only affects the caller's own devices.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, msgID uint, forEveryone bool) error {
	message, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		return models.NewUnauthorizedError("You cannot modify this message")
	}

	if message.SenderID != userID {
		participant, perr := s.chatRepo.GetParticipant(ctx, message.ConversationID, userID)
		if perr != nil || !participant.IsActive || participant.Role != models.RoleAdmin {
			return models.NewUnauthorizedError("You cannot modify this message")
		}
	}

	if !forEveryone {
		// Hide on the caller's devices only; history is untouched.
		return s.hubPublishUser(ctx, userID, realtime.Event{
			Type:           realtime.EventMessageDeleted,
			ConversationID: message.ConversationID,
			UserID:         userID,
			Payload:        map[string]interface{}{"message_id": msgID, "for_everyone": false},
		})
	}

	unlock := s.lockConversation(message.ConversationID)
	defer unlock()

	message.Content = ""
	message.IsDeleted = true
	if err := s.chatRepo.UpdateMessage(ctx, message); err != nil {
		return models.NewTransientStoreError(err)
	}

	cache.InvalidateConversation(ctx, s.rdb, message.ConversationID)

	s.publish(ctx, realtime.Event{
		Type:           realtime.EventMessageDeleted,
		ConversationID: message.ConversationID,
		UserID:         userID,
		Payload:        map[string]interface{}{"message_id": msgID, "for_everyone": true},
	})

	return nil
}

// GetMessagesForUser returns a page of the conversation's history in
// chronological order, with the participant check applied.
func (s *ChatService) GetMessagesForUser(ctx context.Context, convID, userID uint, limit, offset int) ([]*models.Message, error) {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}
	return s.chatRepo.GetMessages(ctx, convID, limit, offset)
}

// MarkRead records that the user has read everything currently in the
// conversation. Repeated calls are idempotent; receipts only move forward.
func (s *ChatService) MarkRead(ctx context.Context, convID, userID uint) (int, error) {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return 0, err
	}

	count, err := s.chatRepo.MarkConversationRead(ctx, convID, userID)
	if err != nil {
		return 0, models.NewTransientStoreError(err)
	}
	if count == 0 {
		return 0, nil
	}

	cache.Invalidate(ctx, s.rdb, cache.ConversationListKey(userID))

	s.publish(ctx, realtime.Event{
		Type:           realtime.EventReadUpdated,
		ConversationID: convID,
		UserID:         userID,
		Payload:        map[string]interface{}{"user_id": userID, "messages_read": count, "read_at": time.Now().UTC()},
	})

	return count, nil
}

// Typing forwards a typing indicator to everyone else in the conversation.
// Indicators are ephemeral: nothing is stored and the sender is never echoed.
func (s *ChatService) Typing(ctx context.Context, convID, userID uint, username string, start bool) error {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return err
	}

	eventType := realtime.EventTypingStart
	if !start {
		eventType = realtime.EventTypingStop
	}
	s.publish(ctx, realtime.Event{
		Type:           eventType,
		ConversationID: convID,
		UserID:         userID,
		Username:       username,
		Payload:        map[string]interface{}{"user_id": userID, "username": username, "expires_in_ms": 5000},
	})
	return nil
}

// AddParticipant adds a user to a group conversation and announces the join.
func (s *ChatService) AddParticipant(ctx context.Context, convID, actorID, participantID uint) error {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsGroup() {
		return models.NewValidationError("Cannot add participants to direct conversations")
	}
	if err := s.requireParticipant(ctx, convID, actorID); err != nil {
		return err
	}

	if err := s.chatRepo.AddParticipant(ctx, convID, participantID, models.RoleMember); err != nil {
		return models.NewTransientStoreError(err)
	}

	s.invalidateLists(ctx, convID, []uint{participantID})

	s.publish(ctx, realtime.Event{
		Type:           realtime.EventJoined,
		ConversationID: convID,
		UserID:         participantID,
		Payload:        map[string]interface{}{"user_id": participantID, "added_by": actorID},
	})
	return nil
}

// RemoveParticipant removes a user from a group conversation: users can
// leave on their own, admins can remove anyone. Removal revokes live
// delivery immediately; message history keeps what was already sent.
func (s *ChatService) RemoveParticipant(ctx context.Context, convID, actorID, participantID uint) error {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsGroup() {
		return models.NewValidationError("Cannot leave a direct conversation")
	}

	if actorID != participantID {
		actor, perr := s.chatRepo.GetParticipant(ctx, convID, actorID)
		if perr != nil || !actor.IsActive || actor.Role != models.RoleAdmin {
			return models.NewUnauthorizedError("You do not have permission to remove participants")
		}
	} else if err := s.requireParticipant(ctx, convID, actorID); err != nil {
		return err
	}

	if err := s.chatRepo.RemoveParticipant(ctx, convID, participantID); err != nil {
		return models.NewTransientStoreError(err)
	}

	// Detach the user's live connections before announcing, so the
	// removed user never sees events that postdate their removal.
	if s.hub != nil {
		s.hub.EvictFromConversation(convID, participantID)
	}

	s.invalidateLists(ctx, convID, []uint{participantID})

	s.publish(ctx, realtime.Event{
		Type:           realtime.EventLeft,
		ConversationID: convID,
		UserID:         participantID,
		Payload:        map[string]interface{}{"user_id": participantID, "removed_by": actorID},
	})
	return nil
}

// IsActiveParticipant exposes the membership check for transport handlers.
func (s *ChatService) IsActiveParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	return s.chatRepo.IsActiveParticipant(ctx, convID, userID)
}

func (s *ChatService) requireParticipant(ctx context.Context, convID, userID uint) error {
	ok, err := s.chatRepo.IsActiveParticipant(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return models.NewUnauthorizedError("You are not a participant in this conversation")
	}
	return nil
}

// lockConversation takes the per-conversation mutex and returns its unlock.
func (s *ChatService) lockConversation(convID uint) func() {
	s.mu.Lock()
	l, ok := s.convLocks[convID]
	if !ok {
		l = &sync.Mutex{}
		s.convLocks[convID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// lockDirectPair takes the mutex for the unordered user pair and returns its
// unlock.
func (s *ChatService) lockDirectPair(a, b uint) func() {
	if a > b {
		a, b = b, a
	}
	key := [2]uint{a, b}

	s.mu.Lock()
	l, ok := s.pairLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.pairLocks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *ChatService) publish(ctx context.Context, event realtime.Event) {
	if s.hub == nil {
		return
	}
	if err := s.hub.PublishConversationEvent(ctx, event); err != nil {
		observability.GlobalLogger.Warn("failed to publish conversation event",
			"event_type", event.Type, "conversation_id", event.ConversationID, "error", err)
	}
}

func (s *ChatService) hubPublishUser(ctx context.Context, userID uint, event realtime.Event) error {
	if s.hub == nil {
		return nil
	}
	return s.hub.PublishUserEvent(ctx, userID, event)
}

func (s *ChatService) invalidateLists(ctx context.Context, convID uint, userIDs []uint) {
	keys := make([]string, 0, len(userIDs)+1)
	keys = append(keys, cache.ConversationKey(convID))
	for _, id := range userIDs {
		keys = append(keys, cache.ConversationListKey(id))
	}
	cache.Invalidate(ctx, s.rdb, keys...)
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen])
}
