package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chat-gateway/internal/domain"
)

const phone = "9876543210"

// newTestStore opens an isolated in-memory SQLite database and a clock that
// advances one second per call.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := New(db)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	now := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return s
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUser(ctx, phone)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.SetVerified(ctx, phone, true), domain.ErrNotFound)

	u, err := s.CreateUser(ctx, phone)
	require.NoError(t, err)
	require.Equal(t, phone, u.Phone)
	require.False(t, u.Verified)

	require.NoError(t, s.SetVerified(ctx, phone, true))
	require.NoError(t, s.SetVerified(ctx, phone, true))

	again, err := s.CreateUser(ctx, phone)
	require.NoError(t, err)
	require.True(t, again.Verified)

	require.NoError(t, s.SetVerified(ctx, phone, false))
	u, err = s.GetUser(ctx, phone)
	require.NoError(t, err)
	require.False(t, u.Verified)
}

func TestLatestOTP_NewestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestOTP(ctx, phone)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.CreateOTP(ctx, domain.OneTimeCode{Phone: phone, CodeHash: "first"})
	require.NoError(t, err)
	_, err = s.CreateOTP(ctx, domain.OneTimeCode{Phone: phone, CodeHash: "second"})
	require.NoError(t, err)
	_, err = s.CreateOTP(ctx, domain.OneTimeCode{Phone: "1111111111", CodeHash: "other"})
	require.NoError(t, err)

	latest, err := s.LatestOTP(ctx, phone)
	require.NoError(t, err)
	require.Equal(t, "second", latest.CodeHash)
}

func TestLatestOTP_SameInstantUsesInsertOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, h := range []string{"a", "b"} {
		_, err := s.CreateOTP(ctx, domain.OneTimeCode{Phone: phone, CodeHash: h, CreatedAt: at})
		require.NoError(t, err)
	}
	latest, err := s.LatestOTP(ctx, phone)
	require.NoError(t, err)
	require.Equal(t, "b", latest.CodeHash)
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		sender := domain.SenderUser
		if i%2 == 0 {
			sender = domain.SenderBot
		}
		_, err := s.AppendMessage(ctx, phone, sender, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, "1111111111", domain.SenderUser, "elsewhere")
	require.NoError(t, err)

	recent, err := s.RecentMessages(ctx, phone, 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	require.Equal(t, "m9", recent[0].Text)
	require.Equal(t, "m12", recent[3].Text)
	require.Equal(t, domain.SenderBot, recent[3].Sender)

	none, err := s.RecentMessages(ctx, phone, 0)
	require.NoError(t, err)
	require.Empty(t, none)

	all, err := s.ListMessages(ctx, phone)
	require.NoError(t, err)
	require.Len(t, all, 12)
	require.Equal(t, "m1", all[0].Text)
	for i := 1; i < len(all); i++ {
		require.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}
}

func TestSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSummary(ctx, phone)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.SetSummary(ctx, phone, "wants a 5k plan"))
	require.NoError(t, s.SetSummary(ctx, phone, "wants a 10k plan"))

	got, err = s.GetSummary(ctx, phone)
	require.NoError(t, err)
	require.Equal(t, "wants a 10k plan", got)

	var count int64
	require.NoError(t, s.db.Model(&summaryRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}
