package affiliate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"affiliate-bot/internal/store/storetest"
	"affiliate-bot/pkg/models"
)

const testBaseURL = "https://t.me/+"

func newTestService(st *storetest.Store) *Service {
	return NewService(st, testBaseURL, 10, zap.NewNop())
}

func TestCreateOrGetLink(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()
	owner := &models.User{ID: 100, Username: "ivan"}

	t.Run("первый запрос создает ссылку", func(t *testing.T) {
		result, err := service.CreateOrGetLink(ctx, owner)
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.False(t, result.Reactivated)
		assert.True(t, result.Affiliate.IsActive)
		assert.Equal(t, owner.ID, result.Affiliate.OwnerUserID)
		assert.Equal(t, testBaseURL+result.Affiliate.LinkCode, result.Affiliate.InviteLink)
		assert.NotEmpty(t, result.Affiliate.LinkCode)
	})

	t.Run("повторный запрос возвращает ту же ссылку", func(t *testing.T) {
		first, err := service.CreateOrGetLink(ctx, owner)
		require.NoError(t, err)
		second, err := service.CreateOrGetLink(ctx, owner)
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.Equal(t, first.Affiliate.ID, second.Affiliate.ID)
		assert.Equal(t, first.Affiliate.LinkCode, second.Affiliate.LinkCode)
	})

	t.Run("выключенная ссылка включается обратно", func(t *testing.T) {
		created, err := service.CreateOrGetLink(ctx, owner)
		require.NoError(t, err)
		_, changed, err := service.SetLinkActive(ctx, owner.ID, false)
		require.NoError(t, err)
		require.True(t, changed)

		result, err := service.CreateOrGetLink(ctx, owner)
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.True(t, result.Reactivated)
		assert.True(t, result.Affiliate.IsActive)
		assert.Equal(t, created.Affiliate.ID, result.Affiliate.ID)
	})
}

func TestCreateOrGetLinkRace(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()
	owner := &models.User{ID: 200}

	// Конкурирующий запрос вставляет ссылку между проверкой и вставкой
	st.OnAffiliateCreate = func() {
		require.NoError(t, st.Affiliate().Create(ctx, &models.Affiliate{
			OwnerUserID: owner.ID,
			InviteLink:  testBaseURL + "WINNER",
			LinkCode:    "WINNER",
			IsActive:    true,
		}))
	}

	result, err := service.CreateOrGetLink(ctx, owner)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, "WINNER", result.Affiliate.LinkCode)
	assert.Len(t, st.Affiliates, 1)
}

func TestSetLinkActive(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()
	owner := &models.User{ID: 300}

	_, err := service.CreateOrGetLink(ctx, owner)
	require.NoError(t, err)

	affiliate, changed, err := service.SetLinkActive(ctx, owner.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, affiliate.IsActive)

	// Повторное выключение ничего не меняет
	_, changed, err = service.SetLinkActive(ctx, owner.ID, false)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = service.SetLinkActive(ctx, 999, true)
	assert.Error(t, err)
}

func TestBulkSetActive(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := service.CreateOrGetLink(ctx, &models.User{ID: id})
		require.NoError(t, err)
	}
	_, _, err := service.SetLinkActive(ctx, 3, false)
	require.NoError(t, err)

	affected, err := service.BulkSetActive(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	overview, err := service.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, overview.Active)
	assert.Equal(t, 3, overview.Inactive)

	affected, err = service.BulkSetActive(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
}

func TestResolveJoin(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()
	owner := &models.User{ID: 400, Username: "owner"}

	link, err := service.CreateOrGetLink(ctx, owner)
	require.NoError(t, err)
	code := link.Affiliate.LinkCode

	t.Run("вступление по действующей ссылке создает атрибуцию", func(t *testing.T) {
		joined := &models.User{ID: 401, Username: "newcomer"}
		result, err := service.ResolveJoin(ctx, joined, code, nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeCreated, result.Outcome)
		require.NotNil(t, result.Attribution)
		assert.Equal(t, models.AttributionStatusPending, result.Attribution.Status)
		assert.Nil(t, result.Attribution.VerifiedAt)
		assert.Equal(t, link.Affiliate.ID, result.Attribution.AffiliateID)

		events := st.EventsOfType(models.EventJoin)
		require.Len(t, events, 1)
		assert.Equal(t, joined.ID, events[0].UserID)
		assert.Equal(t, string(models.OutcomeCreated), events[0].Raw["outcome"])
	})

	t.Run("повторный сигнал не создает вторую атрибуцию", func(t *testing.T) {
		joined := &models.User{ID: 401}
		result, err := service.ResolveJoin(ctx, joined, code, nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeAlreadyAttributed, result.Outcome)
		require.NotNil(t, result.Attribution)
		assert.Len(t, st.Attributions, 1)
	})

	t.Run("неизвестный код отклоняется с событием", func(t *testing.T) {
		result, err := service.ResolveJoin(ctx, &models.User{ID: 402}, "NOSUCHCODE", nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUnresolved, result.Outcome)
		assert.Equal(t, ReasonUnknownCode, result.Reason)
		assert.Nil(t, result.Attribution)
		// Пользователь сохранен несмотря на отклонение
		_, err = st.User().GetByID(ctx, 402)
		assert.NoError(t, err)
	})

	t.Run("самоприглашение отклоняется", func(t *testing.T) {
		result, err := service.ResolveJoin(ctx, owner, code, nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUnresolved, result.Outcome)
		assert.Equal(t, ReasonSelfReferral, result.Reason)
	})

	t.Run("выключенная ссылка отклоняется", func(t *testing.T) {
		_, _, err := service.SetLinkActive(ctx, owner.ID, false)
		require.NoError(t, err)
		result, err := service.ResolveJoin(ctx, &models.User{ID: 403}, code, nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeUnresolved, result.Outcome)
		assert.Equal(t, ReasonInactiveLink, result.Reason)
	})
}

func TestResolveJoinMetadata(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()

	link, err := service.CreateOrGetLink(ctx, &models.User{ID: 500})
	require.NoError(t, err)

	meta := &models.JoinMetadata{
		Note:         "fresh_account",
		SourceIP:     "203.0.113.7",
		SourceSubnet: "203.0.113.0/24",
		Raw:          map[string]any{"client": "android"},
	}
	result, err := service.ResolveJoin(ctx, &models.User{ID: 501}, link.Affiliate.LinkCode, meta)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeCreated, result.Outcome)
	require.NotNil(t, result.Attribution.Note)
	assert.Equal(t, "fresh_account", *result.Attribution.Note)
	require.NotNil(t, result.Attribution.SourceSubnet)
	assert.Equal(t, "203.0.113.0/24", *result.Attribution.SourceSubnet)

	events := st.EventsOfType(models.EventJoin)
	require.Len(t, events, 1)
	assert.Equal(t, "android", events[0].Raw["client"])
	assert.Equal(t, "fresh_account", events[0].Raw["note"])
}

func TestResolveJoinRace(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()

	link, err := service.CreateOrGetLink(ctx, &models.User{ID: 600})
	require.NoError(t, err)
	joined := &models.User{ID: 601}

	// Конкурирующая доставка вставляет атрибуцию между проверкой и вставкой
	st.OnAttributionCreate = func() {
		require.NoError(t, st.Attribution().Create(ctx, &models.Attribution{
			JoinedUserID: joined.ID,
			AffiliateID:  link.Affiliate.ID,
		}))
	}

	result, err := service.ResolveJoin(ctx, joined, link.Affiliate.LinkCode, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyAttributed, result.Outcome)
	assert.Len(t, st.Attributions, 1)

	// Проигравший гонку дописывает событие в той же транзакции:
	// конфликт вставки ее не прервал
	events := st.EventsOfType(models.EventJoin)
	require.Len(t, events, 1)
	assert.Equal(t, string(models.OutcomeAlreadyAttributed), events[0].Raw["outcome"])
}

func TestResolveJoinAbortsOnStorageFailure(t *testing.T) {
	st := storetest.New()
	service := newTestService(st)
	ctx := context.Background()

	link, err := service.CreateOrGetLink(ctx, &models.User{ID: 610})
	require.NoError(t, err)
	joined := &models.User{ID: 611}

	// Сбой базы внутри транзакции прерывает ее целиком: в отличие от
	// конфликта уникальности, последующие команды отклоняются
	st.OnAttributionCreate = func() { st.FailTx() }

	_, err = service.ResolveJoin(ctx, joined, link.Affiliate.LinkCode, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storetest.ErrTxAborted)
	assert.Empty(t, st.EventsOfType(models.EventJoin))
}
