package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/realtime"
	"parley/internal/repository"
	"parley/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "open sqlite")

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.MessageReadReceipt{},
	), "migrate sqlite")

	return db
}

// newTestServer wires repos, hub, and service onto an in-memory database.
// Redis is nil, so delivery stays local and caching is disabled.
func newTestServer(t *testing.T, db *gorm.DB) *Server {
	t.Helper()

	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)
	hub := realtime.NewHub(nil, realtime.HubConfig{
		PongWait:        time.Minute,
		MaxConnsPerUser: 4,
		OfflineGrace:    10 * time.Millisecond,
	})

	return &Server{
		db:          db,
		userRepo:    userRepo,
		chatRepo:    chatRepo,
		hub:         hub,
		chatService: service.NewChatService(chatRepo, userRepo, hub, nil, time.Second),
	}
}

// newTestApp mounts the chat routes behind a middleware that injects the
// given user identity, standing in for the auth middleware.
func newTestApp(s *Server, userID uint) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", userID)
		return c.Next()
	})

	app.Post("/conversations", s.CreateConversation)
	app.Get("/conversations", s.GetConversations)
	app.Get("/conversations/:id/messages", s.GetMessages)
	app.Post("/conversations/:id/messages", s.SendMessage)
	app.Post("/conversations/:id/read", s.MarkConversationRead)
	app.Post("/conversations/:id/participants", s.AddParticipant)
	app.Delete("/conversations/:id/participants/:participantId", s.RemoveParticipant)
	app.Delete("/conversations/:id", s.LeaveConversation)
	app.Get("/conversations/:id", s.GetConversation)
	app.Put("/messages/:id", s.EditMessage)
	app.Delete("/messages/:id", s.DeleteMessage)
	app.Get("/presence/online", s.GetOnlineUsers)

	return app
}

func seedUsers(t *testing.T, db *gorm.DB, usernames ...string) []models.User {
	t.Helper()

	users := make([]models.User, 0, len(usernames))
	for _, name := range usernames {
		user := models.User{Username: name, Email: name + "@example.com", Password: "pw"}
		require.NoError(t, db.Create(&user).Error)
		users = append(users, user)
	}
	return users
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err, "app.Test")
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dest interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func TestCreateConversationHandler(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	users := seedUsers(t, db, "alice", "bob", "carol")
	app := newTestApp(s, users[0].ID)

	t.Run("group conversation created", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/conversations", map[string]interface{}{
			"kind":            "group",
			"name":            "Weekend Plans",
			"participant_ids": []uint{users[1].ID, users[2].ID},
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var conv models.Conversation
		decodeBody(t, resp, &conv)
		assert.Equal(t, models.ConversationGroup, conv.Kind)
		assert.Len(t, conv.Participants, 3)
	})

	t.Run("missing participants rejected", func(t *testing.T) {
		resp := doJSON(t, app, http.MethodPost, "/conversations", map[string]interface{}{
			"kind":            "group",
			"name":            "Empty",
			"participant_ids": []uint{},
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("direct conversation is get-or-create", func(t *testing.T) {
		first := doJSON(t, app, http.MethodPost, "/conversations", map[string]interface{}{
			"participant_ids": []uint{users[1].ID},
		})
		assert.Equal(t, http.StatusCreated, first.StatusCode)
		var created models.Conversation
		decodeBody(t, first, &created)

		second := doJSON(t, app, http.MethodPost, "/conversations", map[string]interface{}{
			"participant_ids": []uint{users[1].ID},
		})
		assert.Equal(t, http.StatusCreated, second.StatusCode)
		var reused models.Conversation
		decodeBody(t, second, &reused)

		assert.Equal(t, created.ID, reused.ID)
	})
}

func TestSendAndGetMessagesHandler(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	users := seedUsers(t, db, "alice", "bob", "mallory")

	conv, err := s.chatService.CreateConversation(context.Background(), service.CreateConversationInput{
		UserID:         users[0].ID,
		ParticipantIDs: []uint{users[1].ID},
	})
	require.NoError(t, err)

	aliceApp := newTestApp(s, users[0].ID)
	malloryApp := newTestApp(s, users[2].ID)

	t.Run("participant sends a message", func(t *testing.T) {
		resp := doJSON(t, aliceApp, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conv.ID), map[string]interface{}{
			"content": "hello bob",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var msg models.Message
		decodeBody(t, resp, &msg)
		assert.Equal(t, "hello bob", msg.Content)
		assert.Equal(t, users[0].ID, msg.SenderID)
		require.NotNil(t, msg.Sender)
		assert.Equal(t, "alice", msg.Sender.Username)
	})

	t.Run("empty content rejected", func(t *testing.T) {
		resp := doJSON(t, aliceApp, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conv.ID), map[string]interface{}{
			"content": "",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non-participant cannot send", func(t *testing.T) {
		resp := doJSON(t, malloryApp, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conv.ID), map[string]interface{}{
			"content": "let me in",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("participant reads history", func(t *testing.T) {
		resp := doJSON(t, aliceApp, http.MethodGet, fmt.Sprintf("/conversations/%d/messages", conv.ID), nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var messages []models.Message
		decodeBody(t, resp, &messages)
		assert.Len(t, messages, 1)
	})

	t.Run("non-participant cannot read history", func(t *testing.T) {
		resp := doJSON(t, malloryApp, http.MethodGet, fmt.Sprintf("/conversations/%d/messages", conv.ID), nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestEditAndDeleteMessageHandlers(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	users := seedUsers(t, db, "alice", "bob")

	conv, err := s.chatService.CreateConversation(context.Background(), service.CreateConversationInput{
		UserID:         users[0].ID,
		ParticipantIDs: []uint{users[1].ID},
	})
	require.NoError(t, err)

	msg, err := s.chatService.SendMessage(context.Background(), service.SendMessageInput{
		UserID:         users[0].ID,
		ConversationID: conv.ID,
		Content:        "original",
	})
	require.NoError(t, err)

	aliceApp := newTestApp(s, users[0].ID)
	bobApp := newTestApp(s, users[1].ID)

	t.Run("sender edits own message", func(t *testing.T) {
		resp := doJSON(t, aliceApp, http.MethodPut, fmt.Sprintf("/messages/%d", msg.ID), map[string]interface{}{
			"content": "edited",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var edited models.Message
		decodeBody(t, resp, &edited)
		assert.Equal(t, "edited", edited.Content)
		assert.True(t, edited.IsEdited)
	})

	t.Run("other participant cannot edit", func(t *testing.T) {
		resp := doJSON(t, bobApp, http.MethodPut, fmt.Sprintf("/messages/%d", msg.ID), map[string]interface{}{
			"content": "hijacked",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("delete for everyone tombstones the message", func(t *testing.T) {
		resp := doJSON(t, aliceApp, http.MethodDelete, fmt.Sprintf("/messages/%d?for_everyone=true", msg.ID), nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var stored models.Message
		require.NoError(t, db.First(&stored, msg.ID).Error)
		assert.True(t, stored.IsDeleted)
		assert.Empty(t, stored.Content)
	})
}

func TestMarkConversationReadHandler(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	users := seedUsers(t, db, "alice", "bob")

	conv, err := s.chatService.CreateConversation(context.Background(), service.CreateConversationInput{
		UserID:         users[0].ID,
		ParticipantIDs: []uint{users[1].ID},
	})
	require.NoError(t, err)

	_, err = s.chatService.SendMessage(context.Background(), service.SendMessageInput{
		UserID:         users[0].ID,
		ConversationID: conv.ID,
		Content:        "unread for bob",
	})
	require.NoError(t, err)

	bobApp := newTestApp(s, users[1].ID)

	resp := doJSON(t, bobApp, http.MethodPost, fmt.Sprintf("/conversations/%d/read", conv.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		MessagesRead int `json:"messages_read"`
	}
	decodeBody(t, resp, &result)
	assert.Equal(t, 1, result.MessagesRead)

	var participant models.ConversationParticipant
	require.NoError(t, db.Where("conversation_id = ? AND user_id = ?", conv.ID, users[1].ID).
		First(&participant).Error)
	assert.Zero(t, participant.UnreadCount)
}

func TestParticipantHandlers(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	users := seedUsers(t, db, "admin", "member", "newcomer")

	conv, err := s.chatService.CreateConversation(context.Background(), service.CreateConversationInput{
		UserID:         users[0].ID,
		Kind:           models.ConversationGroup,
		Name:           "Club",
		ParticipantIDs: []uint{users[1].ID},
	})
	require.NoError(t, err)

	adminApp := newTestApp(s, users[0].ID)
	memberApp := newTestApp(s, users[1].ID)

	t.Run("participant adds a new member", func(t *testing.T) {
		resp := doJSON(t, memberApp, http.MethodPost, fmt.Sprintf("/conversations/%d/participants", conv.ID), map[string]interface{}{
			"user_id": users[2].ID,
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		active, err := s.chatRepo.IsActiveParticipant(context.Background(), conv.ID, users[2].ID)
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("member cannot remove another member", func(t *testing.T) {
		resp := doJSON(t, memberApp, http.MethodDelete,
			fmt.Sprintf("/conversations/%d/participants/%d", conv.ID, users[2].ID), nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("admin removes a member", func(t *testing.T) {
		resp := doJSON(t, adminApp, http.MethodDelete,
			fmt.Sprintf("/conversations/%d/participants/%d", conv.ID, users[2].ID), nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		active, err := s.chatRepo.IsActiveParticipant(context.Background(), conv.ID, users[2].ID)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("member leaves the conversation", func(t *testing.T) {
		resp := doJSON(t, memberApp, http.MethodDelete, fmt.Sprintf("/conversations/%d", conv.ID), nil)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		active, err := s.chatRepo.IsActiveParticipant(context.Background(), conv.ID, users[1].ID)
		require.NoError(t, err)
		assert.False(t, active)
	})
}

func TestGetOnlineUsersHandler(t *testing.T) {
	db := setupHandlerTestDB(t)
	s := newTestServer(t, db)
	users := seedUsers(t, db, "alice")
	app := newTestApp(s, users[0].ID)

	resp := doJSON(t, app, http.MethodGet, "/presence/online", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		UserIDs []uint `json:"user_ids"`
	}
	decodeBody(t, resp, &result)
	assert.Empty(t, result.UserIDs)
}
