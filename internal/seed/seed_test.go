package seed

import (
	"testing"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupSeedTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.MessageReadReceipt{},
	))
	return db
}

func TestSeeder_Run(t *testing.T) {
	db := setupSeedTestDB(t)
	s := NewSeeder(db)

	require.NoError(t, s.Run(Options{
		NumUsers:        5,
		NumGroups:       2,
		MessagesPerConv: 10,
	}))

	var userCount, convCount, msgCount int64
	require.NoError(t, db.Model(&models.User{}).Count(&userCount).Error)
	require.NoError(t, db.Model(&models.Conversation{}).Count(&convCount).Error)
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)

	assert.EqualValues(t, 5, userCount)
	assert.GreaterOrEqual(t, convCount, int64(2))
	assert.Greater(t, msgCount, int64(0))

	var groups []models.Conversation
	require.NoError(t, db.Where("kind = ?", models.ConversationGroup).Find(&groups).Error)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.NotEmpty(t, g.Name)
	}

	// Every message carries a sender and a timestamp.
	var orphans int64
	require.NoError(t, db.Model(&models.Message{}).
		Where("sender_id = 0 OR created_at IS NULL").
		Count(&orphans).Error)
	assert.Zero(t, orphans)
}

func TestSeeder_ClearAll(t *testing.T) {
	db := setupSeedTestDB(t)
	s := NewSeeder(db)

	require.NoError(t, s.Run(Options{NumUsers: 3, NumGroups: 1, MessagesPerConv: 5}))
	require.NoError(t, s.ClearAll())

	var userCount, msgCount int64
	require.NoError(t, db.Unscoped().Model(&models.User{}).Count(&userCount).Error)
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)
	assert.Zero(t, userCount)
	assert.Zero(t, msgCount)
}
