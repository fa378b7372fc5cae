// Package facade собирает сервисы движка атрибуции в единую поверхность
// для слоя доставки. Вся валидация входа происходит здесь, до обращения
// к хранилищу.
package facade

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"affiliate-bot/internal/affiliate"
	"affiliate-bot/internal/attribution"
	"affiliate-bot/internal/leaderboard"
	"affiliate-bot/pkg/models"
)

// MaxTopLimit ограничивает длину запрашиваемого рейтинга
const MaxTopLimit = 50

// ValidationError представляет отклоненный на входе запрос. Такие ошибки
// не доходят до хранилища и не пишутся в журнал событий.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("недопустимое значение %s: %s", e.Field, e.Message)
}

// Engine объединяет сервисы движка атрибуции
type Engine struct {
	affiliates   *affiliate.Service
	attributions *attribution.Service
	leaderboard  *leaderboard.Service
	logger       *zap.Logger
}

// New создает фасад движка
func New(affiliates *affiliate.Service, attributions *attribution.Service, ranks *leaderboard.Service, logger *zap.Logger) *Engine {
	return &Engine{
		affiliates:   affiliates,
		attributions: attributions,
		leaderboard:  ranks,
		logger:       logger,
	}
}

// CreateOrGetLink возвращает пригласительную ссылку владельца
func (e *Engine) CreateOrGetLink(ctx context.Context, owner *models.User) (*affiliate.LinkResult, error) {
	if owner == nil || owner.ID == 0 {
		return nil, &ValidationError{Field: "owner", Message: "владелец не указан"}
	}
	return e.affiliates.CreateOrGetLink(ctx, owner)
}

// SetLinkActive включает или выключает ссылку владельца
func (e *Engine) SetLinkActive(ctx context.Context, ownerUserID int64, active bool) (*models.Affiliate, bool, error) {
	return e.affiliates.SetLinkActive(ctx, ownerUserID, active)
}

// PauseAllLinks выключает все ссылки разом
func (e *Engine) PauseAllLinks(ctx context.Context) (int64, error) {
	return e.affiliates.BulkSetActive(ctx, false)
}

// ResumeAllLinks включает все ссылки разом
func (e *Engine) ResumeAllLinks(ctx context.Context) (int64, error) {
	return e.affiliates.BulkSetActive(ctx, true)
}

// ResolveJoin обрабатывает сигнал о вступлении
func (e *Engine) ResolveJoin(ctx context.Context, joined *models.User, linkCode string, meta *models.JoinMetadata) (*models.ResolveResult, error) {
	if joined == nil || joined.ID == 0 {
		return nil, &ValidationError{Field: "joined", Message: "пользователь не указан"}
	}
	if linkCode == "" {
		return nil, &ValidationError{Field: "link_code", Message: "код ссылки пуст"}
	}
	return e.affiliates.ResolveJoin(ctx, joined, linkCode, meta)
}

// ApplyVerification обрабатывает сигнал подтверждения
func (e *Engine) ApplyVerification(ctx context.Context, joinedUserID int64) (*models.Attribution, bool, error) {
	return e.attributions.ApplyVerification(ctx, joinedUserID)
}

// ApplyLeaveOrRevoke обрабатывает выход или отзыв
func (e *Engine) ApplyLeaveOrRevoke(ctx context.Context, joinedUserID int64, reason models.RevokeReason) (*models.Attribution, bool, error) {
	return e.attributions.ApplyLeaveOrRevoke(ctx, joinedUserID, reason)
}

// AdminVerify подтверждает атрибуцию вручную
func (e *Engine) AdminVerify(ctx context.Context, attributionID int64) (*models.Attribution, error) {
	return e.attributions.AdminVerify(ctx, attributionID)
}

// AdminRevoke отзывает атрибуцию вручную
func (e *Engine) AdminRevoke(ctx context.Context, attributionID int64) (*models.Attribution, error) {
	return e.attributions.AdminRevoke(ctx, attributionID)
}

// VerifyMatured подтверждает дозревшие атрибуции
func (e *Engine) VerifyMatured(ctx context.Context, delay time.Duration) (int, error) {
	return e.attributions.VerifyMatured(ctx, delay)
}

// FlagSubnetBurst помечает всплеск вступлений из подсети
func (e *Engine) FlagSubnetBurst(ctx context.Context, subnet string, window time.Duration, threshold int) (int, error) {
	return e.attributions.FlagSubnetBurst(ctx, subnet, window, threshold)
}

// TopAffiliates возвращает верх рейтинга. Неизвестное окно и
// неположительный limit отклоняются; limit ограничен сверху MaxTopLimit.
func (e *Engine) TopAffiliates(ctx context.Context, window string, limit int) ([]*models.AffiliateRank, error) {
	if !leaderboard.KnownWindow(window) {
		return nil, &ValidationError{Field: "window", Message: window}
	}
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Message: "должен быть положительным"}
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	return e.leaderboard.TopAffiliates(ctx, window, limit)
}

// StatsFor возвращает ссылку и статистику владельца. Владелец без
// ссылки получает нулевые счетчики, а не ошибку.
func (e *Engine) StatsFor(ctx context.Context, ownerUserID int64) (*models.Affiliate, *models.AttributionStats, error) {
	return e.leaderboard.StatsFor(ctx, ownerUserID)
}

// WhoInvited возвращает, по чьей ссылке вступил пользователь
func (e *Engine) WhoInvited(ctx context.Context, joinedUserID int64) (*models.Invitation, error) {
	return e.leaderboard.WhoInvited(ctx, joinedUserID)
}

// UserByUsername находит пользователя по username
func (e *Engine) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	return e.leaderboard.UserByUsername(ctx, username)
}

// RebuildCounts пересчитывает рейтинги из атрибуций
func (e *Engine) RebuildCounts(ctx context.Context) (*models.RebuildSummary, error) {
	return e.leaderboard.RebuildCounts(ctx)
}

// CacheGeneratedAt возвращает время последнего пересчета рейтингов
func (e *Engine) CacheGeneratedAt() time.Time {
	return e.leaderboard.CacheGeneratedAt()
}

// ListAffiliates возвращает список ссылок (админская сводка)
func (e *Engine) ListAffiliates(ctx context.Context, activeOnly bool) ([]*models.Affiliate, error) {
	return e.affiliates.ListAffiliates(ctx, activeOnly)
}

// AffiliateOverview возвращает сводные счетчики ссылок
func (e *Engine) AffiliateOverview(ctx context.Context) (*models.AffiliateOverview, error) {
	return e.affiliates.Overview(ctx)
}

// ListPendingAttributions возвращает очередь подозрительных атрибуций
func (e *Engine) ListPendingAttributions(ctx context.Context, limit int) ([]*models.PendingReview, error) {
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Message: "должен быть положительным"}
	}
	return e.attributions.ListPendingReviews(ctx, limit)
}
