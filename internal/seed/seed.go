// Package seed populates the database with demo users, conversations, and
// message history for development and testing.
package seed

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"parley/internal/models"
	"parley/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Options controls how much data the seeder generates.
type Options struct {
	NumUsers        int
	NumGroups       int
	MessagesPerConv int
	ShouldClean     bool
}

// Seeder builds demo data through the same repository layer the server uses,
// so seeded messages get the server-assigned monotonic timestamps.
type Seeder struct {
	db       *gorm.DB
	chatRepo repository.ChatRepository
	rand     *rand.Rand
}

// NewSeeder creates a Seeder bound to the given database.
func NewSeeder(db *gorm.DB) *Seeder {
	gofakeit.Seed(time.Now().UnixNano())
	return &Seeder{
		db:       db,
		chatRepo: repository.NewChatRepository(db),
		//nolint:gosec // weak randomness is fine for demo data
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ClearAll removes all seeded data.
func (s *Seeder) ClearAll() error {
	log.Println("Clearing existing data...")
	for _, model := range []interface{}{
		&models.MessageReadReceipt{},
		&models.Message{},
		&models.ConversationParticipant{},
		&models.Conversation{},
		&models.User{},
	} {
		if err := s.db.Unscoped().Where("1 = 1").Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// Run seeds users, direct and group conversations, and message history.
func (s *Seeder) Run(opts Options) error {
	if opts.NumUsers < 2 {
		opts.NumUsers = 2
	}
	if opts.MessagesPerConv <= 0 {
		opts.MessagesPerConv = 20
	}

	users, err := s.createUsers(opts.NumUsers)
	if err != nil {
		return fmt.Errorf("failed to create users: %w", err)
	}
	log.Printf("created %d users", len(users))

	directs, err := s.createDirectConversations(users)
	if err != nil {
		return fmt.Errorf("failed to create direct conversations: %w", err)
	}
	log.Printf("created %d direct conversations", len(directs))

	groups, err := s.createGroupConversations(users, opts.NumGroups)
	if err != nil {
		return fmt.Errorf("failed to create group conversations: %w", err)
	}
	log.Printf("created %d group conversations", len(groups))

	conversations := append(directs, groups...)
	total := 0
	for _, conv := range conversations {
		n, err := s.fillConversation(conv, opts.MessagesPerConv)
		if err != nil {
			return fmt.Errorf("failed to seed messages for conversation %d: %w", conv.ID, err)
		}
		total += n
	}
	log.Printf("created %d messages", total)

	return nil
}

func (s *Seeder) createUsers(n int) ([]*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		user := &models.User{
			Username: fmt.Sprintf("%s%d", gofakeit.Username(), i),
			Email:    fmt.Sprintf("user%d@%s", i, gofakeit.DomainName()),
			Password: string(hash),
			Avatar:   fmt.Sprintf("https://picsum.photos/seed/%s/200/200", gofakeit.UUID()),
		}
		if err := s.db.Create(user).Error; err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// createDirectConversations pairs each user with the next one, plus a few
// random extra pairs for density.
func (s *Seeder) createDirectConversations(users []*models.User) ([]*models.Conversation, error) {
	ctx := context.Background()
	var conversations []*models.Conversation

	pair := func(a, b *models.User) error {
		if a.ID == b.ID {
			return nil
		}
		if _, err := s.chatRepo.FindDirectConversation(ctx, a.ID, b.ID); err == nil {
			return nil
		}
		conv := &models.Conversation{
			Kind:      models.ConversationDirect,
			CreatedBy: a.ID,
			IsActive:  true,
		}
		if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, a.ID, models.RoleMember); err != nil {
			return err
		}
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, b.ID, models.RoleMember); err != nil {
			return err
		}
		conversations = append(conversations, conv)
		return nil
	}

	for i := 0; i+1 < len(users); i++ {
		if err := pair(users[i], users[i+1]); err != nil {
			return nil, err
		}
	}
	for i := 0; i < len(users)/2; i++ {
		a := users[s.rand.Intn(len(users))]
		b := users[s.rand.Intn(len(users))]
		if err := pair(a, b); err != nil {
			return nil, err
		}
	}

	return conversations, nil
}

func (s *Seeder) createGroupConversations(users []*models.User, n int) ([]*models.Conversation, error) {
	ctx := context.Background()
	conversations := make([]*models.Conversation, 0, n)

	for i := 0; i < n; i++ {
		creator := users[s.rand.Intn(len(users))]
		conv := &models.Conversation{
			Kind:      models.ConversationGroup,
			Name:      gofakeit.HipsterWord() + " " + gofakeit.NounAbstract(),
			CreatedBy: creator.ID,
			IsActive:  true,
		}
		if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, creator.ID, models.RoleAdmin); err != nil {
			return nil, err
		}

		size := 2 + s.rand.Intn(len(users)-1)
		if size > len(users) {
			size = len(users)
		}
		for _, idx := range s.rand.Perm(len(users))[:size] {
			if users[idx].ID == creator.ID {
				continue
			}
			if err := s.chatRepo.AddParticipant(ctx, conv.ID, users[idx].ID, models.RoleMember); err != nil {
				return nil, err
			}
		}
		conversations = append(conversations, conv)
	}

	return conversations, nil
}

// fillConversation writes message history and leaves a realistic unread state:
// participants mark roughly half the conversation read.
func (s *Seeder) fillConversation(conv *models.Conversation, numMessages int) (int, error) {
	ctx := context.Background()

	participantIDs, err := s.chatRepo.ActiveParticipantIDs(ctx, conv.ID)
	if err != nil {
		return 0, err
	}
	if len(participantIDs) == 0 {
		return 0, nil
	}

	created := 0
	for i := 0; i < numMessages; i++ {
		sender := participantIDs[s.rand.Intn(len(participantIDs))]
		msg := &models.Message{
			ConversationID: conv.ID,
			SenderID:       sender,
			Content:        gofakeit.Sentence(4 + s.rand.Intn(10)),
			MessageType:    models.MessageText,
		}
		if err := s.chatRepo.CreateMessage(ctx, msg); err != nil {
			return created, err
		}
		if err := s.chatRepo.IncrementUnread(ctx, conv.ID, sender, nil); err != nil {
			return created, err
		}
		created++

		if i == numMessages/2 {
			// Midway read so unread counts and receipts look lived-in.
			for _, id := range participantIDs {
				if s.rand.Intn(2) == 0 {
					if _, err := s.chatRepo.MarkConversationRead(ctx, conv.ID, id); err != nil {
						return created, err
					}
				}
			}
		}
	}

	if created > 0 {
		last, err := s.chatRepo.GetMessages(ctx, conv.ID, 1, 0)
		if err == nil && len(last) == 1 {
			_ = s.chatRepo.UpdateConversationSummary(ctx, conv.ID, last[0].CreatedAt, last[0].Content)
		}
	}

	return created, nil
}
