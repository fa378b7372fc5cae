// Package leaderboard отвечает за рейтинги аффилиатов, статистику и
// обратный поиск "кто пригласил". Рейтинги считаются из атрибуций,
// кеш в памяти пересобирается планировщиком и командой пересчета.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"
)

// Окна рейтинга. Нулевая длительность означает "за все время".
const (
	WindowAll    = "all"
	Window7Days  = "7d"
	Window30Days = "30d"
)

var windowDurations = map[string]time.Duration{
	WindowAll:    0,
	Window7Days:  7 * 24 * time.Hour,
	Window30Days: 30 * 24 * time.Hour,
}

// KnownWindow сообщает, поддерживается ли имя окна
func KnownWindow(window string) bool {
	_, ok := windowDurations[window]
	return ok
}

// Windows возвращает список поддерживаемых окон в стабильном порядке
func Windows() []string {
	return []string{WindowAll, Window7Days, Window30Days}
}

// Service считает рейтинги и держит их кеш в памяти
type Service struct {
	store  store.Store
	logger *zap.Logger

	mu               sync.RWMutex
	cache            map[string][]*models.AffiliateRank
	cacheGeneratedAt time.Time
}

// NewService создает новый сервис рейтингов
func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger,
		cache:  map[string][]*models.AffiliateRank{},
	}
}

// cutoffFor возвращает нижнюю границу окна. nil означает без границы.
func cutoffFor(window string, now time.Time) *time.Time {
	duration := windowDurations[window]
	if duration == 0 {
		return nil
	}
	cutoff := now.Add(-duration)
	return &cutoff
}

// TopAffiliates возвращает верх рейтинга для окна. Если кеш пересобран,
// ответ идет из него; до первого пересчета рейтинг считается на лету.
// Имя окна должно быть проверено вызывающей стороной.
func (s *Service) TopAffiliates(ctx context.Context, window string, limit int) ([]*models.AffiliateRank, error) {
	if !KnownWindow(window) {
		return nil, fmt.Errorf("неизвестное окно рейтинга: %s", window)
	}

	s.mu.RLock()
	cached, ok := s.cache[window]
	s.mu.RUnlock()
	if ok {
		if limit > 0 && len(cached) > limit {
			cached = cached[:limit]
		}
		return cached, nil
	}

	ranks, err := s.store.Attribution().RankVerified(ctx, cutoffFor(window, time.Now().UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка расчета рейтинга: %w", err)
	}
	return ranks, nil
}

// StatsFor возвращает ссылку владельца и счетчики его атрибуций по статусам.
// Владелец без ссылки получает нулевые счетчики и nil вместо ссылки.
func (s *Service) StatsFor(ctx context.Context, ownerUserID int64) (*models.Affiliate, *models.AttributionStats, error) {
	affiliate, err := s.store.Affiliate().GetByOwner(ctx, ownerUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &models.AttributionStats{}, nil
		}
		return nil, nil, err
	}
	stats, err := s.store.Attribution().StatsByAffiliate(ctx, affiliate.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка расчета статистики: %w", err)
	}
	return affiliate, stats, nil
}

// UserByUsername находит пользователя по username (для обратного поиска)
func (s *Service) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.store.User().GetByUsername(ctx, username)
}

// WhoInvited возвращает, по чьей ссылке вступил пользователь
func (s *Service) WhoInvited(ctx context.Context, joinedUserID int64) (*models.Invitation, error) {
	attribution, err := s.store.Attribution().GetByJoinedUser(ctx, joinedUserID)
	if err != nil {
		return nil, err
	}
	affiliate, err := s.store.Affiliate().GetByID(ctx, attribution.AffiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ссылки атрибуции: %w", err)
	}
	// Одиночные выборки ссылок не загружают владельца, читаем его отдельно
	owner, err := s.store.User().GetByID(ctx, affiliate.OwnerUserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ошибка чтения владельца ссылки: %w", err)
	}
	invitation := &models.Invitation{
		Attribution: attribution,
		Affiliate:   affiliate,
		Owner:       owner,
	}
	return invitation, nil
}

// RebuildCounts пересчитывает рейтинги всех окон из атрибуций в одном
// снимке базы и атомарно подменяет кеш. Журнал событий и атрибуции
// являются источником истины, кеш всегда можно выбросить и пересобрать.
func (s *Service) RebuildCounts(ctx context.Context) (*models.RebuildSummary, error) {
	started := time.Now().UTC()
	fresh := map[string][]*models.AffiliateRank{}
	summary := &models.RebuildSummary{GeneratedAt: started}

	err := s.store.WithinSnapshot(ctx, func(tx store.Store) error {
		for _, window := range Windows() {
			ranks, err := tx.Attribution().RankVerified(ctx, cutoffFor(window, started), 0)
			if err != nil {
				return fmt.Errorf("ошибка расчета рейтинга окна %s: %w", window, err)
			}
			fresh[window] = ranks
		}

		overview, err := tx.Affiliate().CountOverview(ctx)
		if err != nil {
			return fmt.Errorf("ошибка подсчета ссылок: %w", err)
		}
		summary.AffiliatesProcessed = overview.Total

		total, err := tx.Attribution().CountAll(ctx)
		if err != nil {
			return fmt.Errorf("ошибка подсчета атрибуций: %w", err)
		}
		summary.AttributionsProcessed = total
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache = fresh
	s.cacheGeneratedAt = started
	s.mu.Unlock()

	s.logger.Info("пересобраны рейтинги",
		zap.Int("affiliates", summary.AffiliatesProcessed),
		zap.Int("attributions", summary.AttributionsProcessed),
		zap.Duration("took", time.Since(started)))
	return summary, nil
}

// CacheGeneratedAt возвращает время последнего пересчета кеша
func (s *Service) CacheGeneratedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheGeneratedAt
}
