package facade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"affiliate-bot/internal/affiliate"
	"affiliate-bot/internal/attribution"
	"affiliate-bot/internal/leaderboard"
	"affiliate-bot/internal/store/storetest"
	"affiliate-bot/pkg/models"
)

func newTestEngine(st *storetest.Store) *Engine {
	logger := zap.NewNop()
	return New(
		affiliate.NewService(st, "https://t.me/+", 10, logger),
		attribution.NewService(st, logger),
		leaderboard.NewService(st, logger),
		logger,
	)
}

// Сквозной сценарий: ссылка, вступление, повтор, подтверждение, выход
func TestEndToEndScenario(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()

	owner := &models.User{ID: 100, Username: "owner"}
	link, err := engine.CreateOrGetLink(ctx, owner)
	require.NoError(t, err)
	require.True(t, link.Created)
	code := link.Affiliate.LinkCode

	joined := &models.User{ID: 200, Username: "member"}
	result, err := engine.ResolveJoin(ctx, joined, code, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, result.Outcome)
	assert.Equal(t, models.AttributionStatusPending, result.Attribution.Status)

	result, err = engine.ResolveJoin(ctx, joined, code, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyAttributed, result.Outcome)
	assert.Len(t, st.Attributions, 1)

	_, promoted, err := engine.ApplyVerification(ctx, joined.ID)
	require.NoError(t, err)
	assert.True(t, promoted)

	_, stats, err := engine.StatsFor(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Verified)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Revoked)

	_, revoked, err := engine.ApplyLeaveOrRevoke(ctx, joined.ID, models.ReasonLeft)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Из revoked выхода нет
	current, revoked, err := engine.ApplyLeaveOrRevoke(ctx, joined.ID, models.ReasonLeft)
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.Equal(t, models.AttributionStatusRevoked, current.Status)
	_, promoted, err = engine.ApplyVerification(ctx, joined.ID)
	require.NoError(t, err)
	assert.False(t, promoted)

	stored, err := st.Attribution().GetByJoinedUser(ctx, joined.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttributionStatusRevoked, stored.Status)
}

// Рейтинг за 7 дней: подтверждение 8-дневной давности не считается,
// при равном счете раньше подтвердившийся выше
func TestTopAffiliatesWindowScenario(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(ownerID int64, verifiedAts ...time.Time) {
		require.NoError(t, st.User().Upsert(ctx, &models.User{ID: ownerID}))
		aff := &models.Affiliate{
			OwnerUserID: ownerID,
			InviteLink:  fmt.Sprintf("https://t.me/+W%d", ownerID),
			LinkCode:    fmt.Sprintf("W%d", ownerID),
			IsActive:    true,
		}
		require.NoError(t, st.Affiliate().Create(ctx, aff))
		for i, verifiedAt := range verifiedAts {
			ts := verifiedAt
			require.NoError(t, st.Attribution().Create(ctx, &models.Attribution{
				JoinedUserID: ownerID*100 + int64(i),
				AffiliateID:  aff.ID,
				JoinedAt:     ts.Add(-time.Hour),
				Status:       models.AttributionStatusVerified,
				VerifiedAt:   &ts,
			}))
		}
	}

	seed(1, now.Add(-8*24*time.Hour), now.Add(-3*24*time.Hour))
	seed(2, now.Add(-2*24*time.Hour))

	ranks, err := engine.TopAffiliates(ctx, leaderboard.Window7Days, 5)
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	// Счет равный (по одному в окне), но первый подтвердился раньше
	assert.Equal(t, int64(1), ranks[0].OwnerUserID)
	assert.Equal(t, 1, ranks[0].VerifiedCount)
	assert.Equal(t, int64(2), ranks[1].OwnerUserID)
}

// Эквивалентность пересчета: кеш после RebuildCounts совпадает с живым расчетом
func TestRebuildEquivalence(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()
	now := time.Now().UTC()

	for ownerID := int64(1); ownerID <= 3; ownerID++ {
		require.NoError(t, st.User().Upsert(ctx, &models.User{ID: ownerID}))
		aff := &models.Affiliate{
			OwnerUserID: ownerID,
			InviteLink:  fmt.Sprintf("https://t.me/+R%d", ownerID),
			LinkCode:    fmt.Sprintf("R%d", ownerID),
			IsActive:    true,
		}
		require.NoError(t, st.Affiliate().Create(ctx, aff))
		for i := int64(0); i < ownerID; i++ {
			ts := now.Add(-time.Duration(i+1) * time.Hour)
			require.NoError(t, st.Attribution().Create(ctx, &models.Attribution{
				JoinedUserID: ownerID*100 + i,
				AffiliateID:  aff.ID,
				JoinedAt:     ts.Add(-time.Hour),
				Status:       models.AttributionStatusVerified,
				VerifiedAt:   &ts,
			}))
		}
	}

	live, err := st.Attribution().RankVerified(ctx, nil, 10)
	require.NoError(t, err)

	_, err = engine.RebuildCounts(ctx)
	require.NoError(t, err)
	cached, err := engine.TopAffiliates(ctx, leaderboard.WindowAll, 10)
	require.NoError(t, err)

	require.Len(t, cached, len(live))
	for i := range live {
		assert.Equal(t, live[i].AffiliateID, cached[i].AffiliateID)
		assert.Equal(t, live[i].VerifiedCount, cached[i].VerifiedCount)
	}
}

func TestValidation(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"пустой владелец", func() error {
			_, err := engine.CreateOrGetLink(ctx, nil)
			return err
		}},
		{"пустой код ссылки", func() error {
			_, err := engine.ResolveJoin(ctx, &models.User{ID: 1}, "", nil)
			return err
		}},
		{"неизвестное окно", func() error {
			_, err := engine.TopAffiliates(ctx, "90d", 5)
			return err
		}},
		{"неположительный limit рейтинга", func() error {
			_, err := engine.TopAffiliates(ctx, leaderboard.WindowAll, 0)
			return err
		}},
		{"неположительный limit очереди", func() error {
			_, err := engine.ListPendingAttributions(ctx, -1)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
			// До хранилища запрос не дошел
			assert.Empty(t, st.Events)
		})
	}
}

func TestTopAffiliatesClampsLimit(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()
	now := time.Now().UTC()

	for ownerID := int64(1); ownerID <= 60; ownerID++ {
		require.NoError(t, st.User().Upsert(ctx, &models.User{ID: ownerID}))
		aff := &models.Affiliate{
			OwnerUserID: ownerID,
			InviteLink:  fmt.Sprintf("https://t.me/+C%d", ownerID),
			LinkCode:    fmt.Sprintf("C%d", ownerID),
			IsActive:    true,
		}
		require.NoError(t, st.Affiliate().Create(ctx, aff))
		ts := now.Add(-time.Duration(ownerID) * time.Minute)
		require.NoError(t, st.Attribution().Create(ctx, &models.Attribution{
			JoinedUserID: 10000 + ownerID,
			AffiliateID:  aff.ID,
			JoinedAt:     ts.Add(-time.Hour),
			Status:       models.AttributionStatusVerified,
			VerifiedAt:   &ts,
		}))
	}

	ranks, err := engine.TopAffiliates(ctx, leaderboard.WindowAll, 1000)
	require.NoError(t, err)
	assert.Len(t, ranks, MaxTopLimit)
}

func TestPauseAndResumeAllLinks(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()

	link, err := engine.CreateOrGetLink(ctx, &models.User{ID: 1})
	require.NoError(t, err)

	affected, err := engine.PauseAllLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	// Вступление по ссылке на паузе отклоняется
	result, err := engine.ResolveJoin(ctx, &models.User{ID: 2}, link.Affiliate.LinkCode, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnresolved, result.Outcome)

	_, err = engine.ResumeAllLinks(ctx)
	require.NoError(t, err)
	result, err = engine.ResolveJoin(ctx, &models.User{ID: 2}, link.Affiliate.LinkCode, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, result.Outcome)
}

func TestStatsForWithoutLink(t *testing.T) {
	st := storetest.New()
	engine := newTestEngine(st)
	ctx := context.Background()

	// Владелец, который еще не создавал ссылку, получает нулевые
	// счетчики без ошибки
	affiliate, stats, err := engine.StatsFor(ctx, 777)
	require.NoError(t, err)
	assert.Nil(t, affiliate)
	assert.Equal(t, 0, stats.Verified)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Revoked)
}
