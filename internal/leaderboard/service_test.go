package leaderboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"affiliate-bot/internal/store/storetest"
	"affiliate-bot/pkg/models"
)

// seedVerified создает аффилиата и подтвержденные атрибуции с заданными
// метками подтверждения
func seedVerified(t *testing.T, st *storetest.Store, ownerID int64, verifiedAts ...time.Time) *models.Affiliate {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.User().Upsert(ctx, &models.User{ID: ownerID, Username: fmt.Sprintf("owner%d", ownerID)}))
	affiliate := &models.Affiliate{
		OwnerUserID: ownerID,
		InviteLink:  fmt.Sprintf("https://t.me/+OWNER%d", ownerID),
		LinkCode:    fmt.Sprintf("OWNER%d", ownerID),
		IsActive:    true,
	}
	require.NoError(t, st.Affiliate().Create(ctx, affiliate))
	for i, verifiedAt := range verifiedAts {
		ts := verifiedAt
		attribution := &models.Attribution{
			JoinedUserID: ownerID*1000 + int64(i),
			AffiliateID:  affiliate.ID,
			JoinedAt:     ts.Add(-time.Hour),
			Status:       models.AttributionStatusVerified,
			VerifiedAt:   &ts,
		}
		require.NoError(t, st.Attribution().Create(ctx, attribution))
	}
	return affiliate
}

func TestKnownWindow(t *testing.T) {
	assert.True(t, KnownWindow(WindowAll))
	assert.True(t, KnownWindow(Window7Days))
	assert.True(t, KnownWindow(Window30Days))
	assert.False(t, KnownWindow("90d"))
	assert.False(t, KnownWindow(""))
}

func TestTopAffiliates(t *testing.T) {
	st := storetest.New()
	service := NewService(st, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	// Первый: два подтверждения, оба свежие. Второй: три, но два старше
	// месяца. Третий: два, как у первого, но подтвердился позже.
	seedVerified(t, st, 1, now.Add(-time.Hour), now.Add(-2*time.Hour))
	seedVerified(t, st, 2, now.Add(-40*24*time.Hour), now.Add(-35*24*time.Hour), now.Add(-time.Hour))
	seedVerified(t, st, 3, now.Add(-30*time.Minute), now.Add(-10*time.Minute))

	t.Run("за все время", func(t *testing.T) {
		ranks, err := service.TopAffiliates(ctx, WindowAll, 10)
		require.NoError(t, err)
		require.Len(t, ranks, 3)
		assert.Equal(t, int64(2), ranks[0].OwnerUserID)
		assert.Equal(t, 3, ranks[0].VerifiedCount)
		// Равный счет: раньше подтвердившийся выше
		assert.Equal(t, int64(1), ranks[1].OwnerUserID)
		assert.Equal(t, int64(3), ranks[2].OwnerUserID)
	})

	t.Run("окно отсекает старые подтверждения", func(t *testing.T) {
		ranks, err := service.TopAffiliates(ctx, Window30Days, 10)
		require.NoError(t, err)
		require.Len(t, ranks, 3)
		// У второго в окне остается одно подтверждение
		assert.Equal(t, int64(1), ranks[0].OwnerUserID)
		assert.Equal(t, 2, ranks[0].VerifiedCount)
		assert.Equal(t, int64(3), ranks[1].OwnerUserID)
		assert.Equal(t, int64(2), ranks[2].OwnerUserID)
		assert.Equal(t, 1, ranks[2].VerifiedCount)
	})

	t.Run("limit ограничивает длину", func(t *testing.T) {
		ranks, err := service.TopAffiliates(ctx, WindowAll, 1)
		require.NoError(t, err)
		assert.Len(t, ranks, 1)
	})

	t.Run("неизвестное окно является ошибкой", func(t *testing.T) {
		_, err := service.TopAffiliates(ctx, "90d", 10)
		assert.Error(t, err)
	})
}

func TestTopAffiliatesServedFromCache(t *testing.T) {
	st := storetest.New()
	service := NewService(st, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	seedVerified(t, st, 1, now.Add(-time.Hour))
	_, err := service.RebuildCounts(ctx)
	require.NoError(t, err)

	// Новое подтверждение не видно до следующего пересчета
	seedVerified(t, st, 2, now, now)

	ranks, err := service.TopAffiliates(ctx, WindowAll, 10)
	require.NoError(t, err)
	require.Len(t, ranks, 1)
	assert.Equal(t, int64(1), ranks[0].OwnerUserID)

	_, err = service.RebuildCounts(ctx)
	require.NoError(t, err)
	ranks, err = service.TopAffiliates(ctx, WindowAll, 10)
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	assert.Equal(t, int64(2), ranks[0].OwnerUserID)
}

func TestRevokedExcludedFromRank(t *testing.T) {
	st := storetest.New()
	service := NewService(st, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	affiliate := seedVerified(t, st, 1, now.Add(-time.Hour))
	// Отозванная запись с меткой подтверждения не считается
	ts := now.Add(-2 * time.Hour)
	require.NoError(t, st.Attribution().Create(ctx, &models.Attribution{
		JoinedUserID: 777,
		AffiliateID:  affiliate.ID,
		Status:       models.AttributionStatusRevoked,
		VerifiedAt:   &ts,
	}))

	ranks, err := service.TopAffiliates(ctx, WindowAll, 10)
	require.NoError(t, err)
	require.Len(t, ranks, 1)
	assert.Equal(t, 1, ranks[0].VerifiedCount)
}

func TestStatsFor(t *testing.T) {
	st := storetest.New()
	service := NewService(st, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	affiliate := seedVerified(t, st, 1, now.Add(-time.Hour))
	require.NoError(t, st.Attribution().Create(ctx, &models.Attribution{
		JoinedUserID: 888,
		AffiliateID:  affiliate.ID,
	}))

	gotAffiliate, stats, err := service.StatsFor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, affiliate.ID, gotAffiliate.ID)
	assert.Equal(t, 1, stats.Verified)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Revoked)

	t.Run("владелец без ссылки получает нулевые счетчики", func(t *testing.T) {
		gotAffiliate, stats, err := service.StatsFor(ctx, 999)
		require.NoError(t, err)
		assert.Nil(t, gotAffiliate)
		assert.Equal(t, 0, stats.Verified)
		assert.Equal(t, 0, stats.Pending)
		assert.Equal(t, 0, stats.Revoked)
	})
}

func TestWhoInvited(t *testing.T) {
	st := storetest.New()
	service := NewService(st, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	affiliate := seedVerified(t, st, 1, now.Add(-time.Hour))
	joinedUserID := int64(1000) // первый вступивший из seedVerified

	invitation, err := service.WhoInvited(ctx, joinedUserID)
	require.NoError(t, err)
	assert.Equal(t, affiliate.ID, invitation.Affiliate.ID)
	assert.Equal(t, joinedUserID, invitation.Attribution.JoinedUserID)
	// Владелец читается отдельным запросом: одиночная выборка ссылки
	// его не загружает
	require.NotNil(t, invitation.Owner)
	assert.Equal(t, int64(1), invitation.Owner.ID)
	assert.Equal(t, "owner1", invitation.Owner.Username)

	_, err = service.WhoInvited(ctx, 12345)
	assert.Error(t, err)
}

func TestRebuildCounts(t *testing.T) {
	st := storetest.New()
	service := NewService(st, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	seedVerified(t, st, 1, now.Add(-time.Hour))
	seedVerified(t, st, 2)

	assert.True(t, service.CacheGeneratedAt().IsZero())

	summary, err := service.RebuildCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.AffiliatesProcessed)
	assert.Equal(t, 1, summary.AttributionsProcessed)
	assert.False(t, service.CacheGeneratedAt().IsZero())
}
