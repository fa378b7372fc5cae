// Package attribution реализует машину статусов атрибуций:
// pending -> verified -> revoked, с журналом событий на каждый переход.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"
)

// Пометки в заметке атрибуции, выставляемые эвристиками и админами
const (
	NoteIPBurst      = "ip_burst"
	NoteFreshAccount = "fresh_account"
	NoteManualRevoke = "manual_revoke"
)

// Service применяет переходы статусов к атрибуциям
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService создает новый сервис атрибуций
func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// ApplyVerification обрабатывает сигнал подтверждения для вступившего
// пользователя. Переход выполняется только из pending; повторные сигналы
// фиксируются в журнале, но статус и метка времени не трогаются.
func (s *Service) ApplyVerification(ctx context.Context, joinedUserID int64) (*models.Attribution, bool, error) {
	var (
		attribution *models.Attribution
		promoted    bool
	)
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		current, err := tx.Attribution().GetByJoinedUser(ctx, joinedUserID)
		if err != nil {
			return err
		}
		attribution = current

		if current.Status != models.AttributionStatusPending {
			return s.appendNoop(ctx, tx, current, models.EventPromote)
		}

		now := time.Now().UTC()
		if err := tx.Attribution().UpdateStatus(ctx, current.ID, models.AttributionStatusVerified, &now); err != nil {
			return fmt.Errorf("ошибка подтверждения атрибуции: %w", err)
		}
		current.Status = models.AttributionStatusVerified
		current.VerifiedAt = &now
		promoted = true

		event := &models.Event{
			Type:        models.EventPromote,
			UserID:      current.JoinedUserID,
			AffiliateID: &current.AffiliateID,
			Raw:         map[string]any{"reason": "verified"},
		}
		if err := tx.Event().Append(ctx, event); err != nil {
			return fmt.Errorf("ошибка записи события подтверждения: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if promoted {
		s.logger.Info("атрибуция подтверждена",
			zap.Int64("attribution_id", attribution.ID),
			zap.Int64("joined_user_id", joinedUserID))
	}
	return attribution, promoted, nil
}

// ApplyLeaveOrRevoke обрабатывает выход пользователя или отзыв атрибуции.
// Переход выполняется из pending и из verified; повторный отзыв фиксируется
// в журнале без изменения записи. Метка подтверждения сохраняется как
// исторический факт, из рейтингов отозванные записи исключает фильтр статуса.
func (s *Service) ApplyLeaveOrRevoke(ctx context.Context, joinedUserID int64, reason models.RevokeReason) (*models.Attribution, bool, error) {
	var (
		attribution *models.Attribution
		revoked     bool
	)
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		current, err := tx.Attribution().GetByJoinedUser(ctx, joinedUserID)
		if err != nil {
			return err
		}
		attribution = current

		if current.Status == models.AttributionStatusRevoked {
			return s.appendNoop(ctx, tx, current, reason.EventType())
		}

		if err := tx.Attribution().UpdateStatus(ctx, current.ID, models.AttributionStatusRevoked, current.VerifiedAt); err != nil {
			return fmt.Errorf("ошибка отзыва атрибуции: %w", err)
		}
		current.Status = models.AttributionStatusRevoked
		revoked = true

		event := &models.Event{
			Type:        reason.EventType(),
			UserID:      current.JoinedUserID,
			AffiliateID: &current.AffiliateID,
			Raw:         map[string]any{"reason": string(reason)},
		}
		if err := tx.Event().Append(ctx, event); err != nil {
			return fmt.Errorf("ошибка записи события отзыва: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if revoked {
		s.logger.Info("атрибуция отозвана",
			zap.Int64("attribution_id", attribution.ID),
			zap.String("reason", string(reason)))
	}
	return attribution, revoked, nil
}

// appendNoop фиксирует повторный сигнал, не изменивший запись
func (s *Service) appendNoop(ctx context.Context, tx store.Store, current *models.Attribution, eventType models.EventType) error {
	event := &models.Event{
		Type:        eventType,
		UserID:      current.JoinedUserID,
		AffiliateID: &current.AffiliateID,
		Raw: map[string]any{
			"outcome": "noop",
			"status":  string(current.Status),
		},
	}
	if err := tx.Event().Append(ctx, event); err != nil {
		return fmt.Errorf("ошибка записи повторного события: %w", err)
	}
	return nil
}

// AdminVerify подтверждает атрибуцию вручную и снимает пометку подозрения
func (s *Service) AdminVerify(ctx context.Context, attributionID int64) (*models.Attribution, error) {
	var attribution *models.Attribution
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		current, err := tx.Attribution().GetByID(ctx, attributionID)
		if err != nil {
			return err
		}
		attribution = current

		if current.Status != models.AttributionStatusPending {
			return s.appendNoop(ctx, tx, current, models.EventPromote)
		}

		now := time.Now().UTC()
		if err := tx.Attribution().UpdateStatus(ctx, current.ID, models.AttributionStatusVerified, &now); err != nil {
			return fmt.Errorf("ошибка подтверждения атрибуции: %w", err)
		}
		if err := tx.Attribution().SetNote(ctx, current.ID, nil); err != nil {
			return fmt.Errorf("ошибка очистки заметки: %w", err)
		}
		current.Status = models.AttributionStatusVerified
		current.VerifiedAt = &now
		current.Note = nil

		event := &models.Event{
			Type:        models.EventPromote,
			UserID:      current.JoinedUserID,
			AffiliateID: &current.AffiliateID,
			Raw:         map[string]any{"reason": "admin"},
		}
		if err := tx.Event().Append(ctx, event); err != nil {
			return fmt.Errorf("ошибка записи события подтверждения: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("атрибуция подтверждена вручную", zap.Int64("attribution_id", attributionID))
	return attribution, nil
}

// AdminRevoke отзывает атрибуцию вручную, дописывая причину в заметку
func (s *Service) AdminRevoke(ctx context.Context, attributionID int64) (*models.Attribution, error) {
	var attribution *models.Attribution
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		current, err := tx.Attribution().GetByID(ctx, attributionID)
		if err != nil {
			return err
		}
		attribution = current

		if current.Status == models.AttributionStatusRevoked {
			return s.appendNoop(ctx, tx, current, models.EventRevoke)
		}

		if err := tx.Attribution().UpdateStatus(ctx, current.ID, models.AttributionStatusRevoked, current.VerifiedAt); err != nil {
			return fmt.Errorf("ошибка отзыва атрибуции: %w", err)
		}
		note := models.MergeNote(current.Note, NoteManualRevoke)
		if err := tx.Attribution().SetNote(ctx, current.ID, &note); err != nil {
			return fmt.Errorf("ошибка обновления заметки: %w", err)
		}
		current.Status = models.AttributionStatusRevoked
		current.Note = &note

		event := &models.Event{
			Type:        models.EventRevoke,
			UserID:      current.JoinedUserID,
			AffiliateID: &current.AffiliateID,
			Raw:         map[string]any{"reason": string(models.ReasonAdmin)},
		}
		if err := tx.Event().Append(ctx, event); err != nil {
			return fmt.Errorf("ошибка записи события отзыва: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("атрибуция отозвана вручную", zap.Int64("attribution_id", attributionID))
	return attribution, nil
}

// VerifyMatured подтверждает все неподозрительные атрибуции, ожидающие
// дольше delay. Вызывается планировщиком; подозрительные записи (с заметкой)
// остаются в очереди на ручную проверку.
func (s *Service) VerifyMatured(ctx context.Context, delay time.Duration) (int, error) {
	var matured []*models.Attribution
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		now := time.Now().UTC()
		cutoff := now.Add(-delay)
		rows, err := tx.Attribution().VerifyMatured(ctx, cutoff, now)
		if err != nil {
			return fmt.Errorf("ошибка подтверждения по таймеру: %w", err)
		}
		matured = rows

		for _, attribution := range rows {
			event := &models.Event{
				Type:        models.EventPromote,
				UserID:      attribution.JoinedUserID,
				AffiliateID: &attribution.AffiliateID,
				Raw:         map[string]any{"reason": "matured"},
			}
			if err := tx.Event().Append(ctx, event); err != nil {
				return fmt.Errorf("ошибка записи события подтверждения: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(matured) > 0 {
		s.logger.Info("подтверждены атрибуции по таймеру", zap.Int("count", len(matured)))
	}
	return len(matured), nil
}

// FlagSubnetBurst помечает всплеск вступлений из одной подсети. Если за
// window из подсети пришло больше threshold вступлений, все они переводятся
// обратно в pending с пометкой и попадают в очередь на ручную проверку.
func (s *Service) FlagSubnetBurst(ctx context.Context, subnet string, window time.Duration, threshold int) (int, error) {
	var flagged int
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		since := time.Now().UTC().Add(-window)
		rows, err := tx.Attribution().ListBySubnetSince(ctx, subnet, since)
		if err != nil {
			return fmt.Errorf("ошибка выборки по подсети: %w", err)
		}
		if len(rows) <= threshold {
			return nil
		}

		for _, attribution := range rows {
			if attribution.Status == models.AttributionStatusRevoked {
				continue
			}
			if attribution.Status == models.AttributionStatusVerified {
				if err := tx.Attribution().UpdateStatus(ctx, attribution.ID, models.AttributionStatusPending, nil); err != nil {
					return fmt.Errorf("ошибка возврата в pending: %w", err)
				}
			}
			note := models.MergeNote(attribution.Note, NoteIPBurst)
			if err := tx.Attribution().SetNote(ctx, attribution.ID, &note); err != nil {
				return fmt.Errorf("ошибка обновления заметки: %w", err)
			}
			flagged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if flagged > 0 {
		s.logger.Warn("всплеск вступлений из подсети",
			zap.String("subnet", subnet),
			zap.Int("flagged", flagged))
	}
	return flagged, nil
}

// ListPendingReviews возвращает очередь подозрительных атрибуций
func (s *Service) ListPendingReviews(ctx context.Context, limit int) ([]*models.PendingReview, error) {
	reviews, err := s.store.Attribution().ListPendingReviews(ctx, limit)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ошибка получения очереди проверки: %w", err)
	}
	return reviews, nil
}
