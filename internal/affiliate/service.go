// Package affiliate реализует выдачу пригласительных ссылок и разрешение
// сигналов о вступлении в атрибуции.
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"affiliate-bot/internal/linkgen"
	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"
)

// Причины, по которым сигнал о вступлении остается без атрибуции
const (
	ReasonUnknownCode  = "unknown_code"
	ReasonInactiveLink = "inactive_link"
	ReasonSelfReferral = "self_referral"
)

// LinkResult представляет итог запроса пригласительной ссылки
type LinkResult struct {
	Affiliate   *models.Affiliate
	Created     bool
	Reactivated bool
}

// Service управляет жизненным циклом ссылок и атрибуций
type Service struct {
	store        store.Store
	linkBaseURL  string
	linkAttempts int
	rand         io.Reader
	logger       *zap.Logger
}

// NewService создает новый сервис аффилиатов
func NewService(st store.Store, linkBaseURL string, linkAttempts int, logger *zap.Logger) *Service {
	return &Service{
		store:        st,
		linkBaseURL:  linkBaseURL,
		linkAttempts: linkAttempts,
		logger:       logger,
	}
}

// WithRand подменяет источник случайности генератора кодов (для тестов)
func (s *Service) WithRand(r io.Reader) *Service {
	s.rand = r
	return s
}

// CreateOrGetLink возвращает пригласительную ссылку владельца, создавая ее
// при первом обращении. Повторный вызов возвращает ту же ссылку; выключенная
// ссылка при этом включается обратно. Гонка двух одновременных запросов
// разрешается ограничением уникальности: проигравший читает ссылку победителя.
func (s *Service) CreateOrGetLink(ctx context.Context, owner *models.User) (*LinkResult, error) {
	result := &LinkResult{}
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.User().Upsert(ctx, owner); err != nil {
			return fmt.Errorf("ошибка сохранения владельца: %w", err)
		}

		existing, err := tx.Affiliate().GetByOwner(ctx, owner.ID)
		if err == nil {
			if !existing.IsActive {
				if err := tx.Affiliate().SetActive(ctx, existing.ID, true); err != nil {
					return fmt.Errorf("ошибка включения ссылки: %w", err)
				}
				existing.IsActive = true
				result.Reactivated = true
			}
			result.Affiliate = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("ошибка поиска ссылки владельца: %w", err)
		}

		gen := linkgen.NewGenerator(tx.Affiliate(), s.linkAttempts, s.logger)
		if s.rand != nil {
			gen = gen.WithRand(s.rand)
		}
		code, err := gen.Generate(ctx)
		if err != nil {
			return fmt.Errorf("ошибка генерации кода ссылки: %w", err)
		}

		affiliate := &models.Affiliate{
			OwnerUserID: owner.ID,
			InviteLink:  s.linkBaseURL + code,
			LinkCode:    code,
			IsActive:    true,
		}
		if err := tx.Affiliate().Create(ctx, affiliate); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				winner, getErr := tx.Affiliate().GetByOwner(ctx, owner.ID)
				if getErr != nil {
					return fmt.Errorf("ошибка чтения ссылки после гонки: %w", getErr)
				}
				result.Affiliate = winner
				return nil
			}
			return fmt.Errorf("ошибка создания ссылки: %w", err)
		}

		result.Affiliate = affiliate
		result.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Created {
		s.logger.Info("создана пригласительная ссылка",
			zap.Int64("owner_user_id", owner.ID),
			zap.Int64("affiliate_id", result.Affiliate.ID))
	}
	return result, nil
}

// SetLinkActive включает или выключает ссылку владельца. Возвращает ссылку
// и признак того, что состояние действительно изменилось.
func (s *Service) SetLinkActive(ctx context.Context, ownerUserID int64, active bool) (*models.Affiliate, bool, error) {
	var (
		affiliate *models.Affiliate
		changed   bool
	)
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		existing, err := tx.Affiliate().GetByOwner(ctx, ownerUserID)
		if err != nil {
			return err
		}
		affiliate = existing
		if existing.IsActive == active {
			return nil
		}
		if err := tx.Affiliate().SetActive(ctx, existing.ID, active); err != nil {
			return fmt.Errorf("ошибка изменения состояния ссылки: %w", err)
		}
		affiliate.IsActive = active
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.logger.Info("изменено состояние ссылки",
			zap.Int64("affiliate_id", affiliate.ID),
			zap.Bool("is_active", active))
	}
	return affiliate, changed, nil
}

// BulkSetActive переключает все ссылки разом (аварийная пауза и возврат).
// Уже существующие атрибуции не затрагиваются.
func (s *Service) BulkSetActive(ctx context.Context, active bool) (int64, error) {
	affected, err := s.store.Affiliate().BulkSetActive(ctx, active)
	if err != nil {
		return 0, fmt.Errorf("ошибка массового переключения ссылок: %w", err)
	}
	s.logger.Info("массовое переключение ссылок",
		zap.Bool("is_active", active),
		zap.Int64("affected", affected))
	return affected, nil
}

// ResolveJoin обрабатывает сигнал о вступлении пользователя по коду ссылки.
// Вся обработка идет в одной транзакции: атрибуция, событие журнала и профиль
// пользователя фиксируются атомарно. Повторная доставка того же сигнала
// безопасна: второй вызов вернет уже существующую атрибуцию.
func (s *Service) ResolveJoin(ctx context.Context, joined *models.User, linkCode string, meta *models.JoinMetadata) (*models.ResolveResult, error) {
	if meta == nil {
		meta = &models.JoinMetadata{}
	}
	result := &models.ResolveResult{}

	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.User().Upsert(ctx, joined); err != nil {
			return fmt.Errorf("ошибка сохранения вступившего пользователя: %w", err)
		}

		affiliate, err := tx.Affiliate().GetByCode(ctx, linkCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return s.rejectJoin(ctx, tx, result, joined, nil, linkCode, ReasonUnknownCode)
			}
			return fmt.Errorf("ошибка поиска ссылки по коду: %w", err)
		}
		if !affiliate.IsActive {
			return s.rejectJoin(ctx, tx, result, joined, affiliate, linkCode, ReasonInactiveLink)
		}
		if affiliate.OwnerUserID == joined.ID {
			return s.rejectJoin(ctx, tx, result, joined, affiliate, linkCode, ReasonSelfReferral)
		}

		existing, err := tx.Attribution().GetByJoinedUser(ctx, joined.ID)
		if err == nil {
			return s.duplicateJoin(ctx, tx, result, joined, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("ошибка поиска атрибуции: %w", err)
		}

		attribution := &models.Attribution{
			JoinedUserID: joined.ID,
			AffiliateID:  affiliate.ID,
			JoinedAt:     time.Now().UTC(),
			Status:       models.AttributionStatusPending,
		}
		if meta.Note != "" {
			note := meta.Note
			attribution.Note = &note
		}
		if meta.SourceIP != "" {
			ip := meta.SourceIP
			attribution.LastSeenIP = &ip
		}
		if meta.SourceSubnet != "" {
			subnet := meta.SourceSubnet
			attribution.SourceSubnet = &subnet
		}

		if err := tx.Attribution().Create(ctx, attribution); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				// Конкурирующая доставка успела первой
				winner, getErr := tx.Attribution().GetByJoinedUser(ctx, joined.ID)
				if getErr != nil {
					return fmt.Errorf("ошибка чтения атрибуции после гонки: %w", getErr)
				}
				return s.duplicateJoin(ctx, tx, result, joined, winner)
			}
			return fmt.Errorf("ошибка создания атрибуции: %w", err)
		}

		raw := joinRaw(meta, map[string]any{"outcome": string(models.OutcomeCreated), "link_code": linkCode})
		event := &models.Event{
			Type:        models.EventJoin,
			UserID:      joined.ID,
			AffiliateID: &affiliate.ID,
			Raw:         raw,
		}
		if err := tx.Event().Append(ctx, event); err != nil {
			return fmt.Errorf("ошибка записи события вступления: %w", err)
		}

		result.Outcome = models.OutcomeCreated
		result.Attribution = attribution
		result.Affiliate = affiliate
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("обработан сигнал о вступлении",
		zap.Int64("joined_user_id", joined.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("reason", result.Reason))
	return result, nil
}

// rejectJoin фиксирует отклоненный сигнал: событие в журнал, атрибуция не создается
func (s *Service) rejectJoin(ctx context.Context, tx store.Store, result *models.ResolveResult, joined *models.User, affiliate *models.Affiliate, linkCode, reason string) error {
	event := &models.Event{
		Type:   models.EventJoin,
		UserID: joined.ID,
		Raw: map[string]any{
			"outcome":   string(models.OutcomeUnresolved),
			"reason":    reason,
			"link_code": linkCode,
		},
	}
	if affiliate != nil {
		event.AffiliateID = &affiliate.ID
	}
	if err := tx.Event().Append(ctx, event); err != nil {
		return fmt.Errorf("ошибка записи события отклонения: %w", err)
	}
	result.Outcome = models.OutcomeUnresolved
	result.Affiliate = affiliate
	result.Reason = reason
	return nil
}

// duplicateJoin фиксирует повторный сигнал уже атрибутированного пользователя
func (s *Service) duplicateJoin(ctx context.Context, tx store.Store, result *models.ResolveResult, joined *models.User, existing *models.Attribution) error {
	event := &models.Event{
		Type:        models.EventJoin,
		UserID:      joined.ID,
		AffiliateID: &existing.AffiliateID,
		Raw:         map[string]any{"outcome": string(models.OutcomeAlreadyAttributed)},
	}
	if err := tx.Event().Append(ctx, event); err != nil {
		return fmt.Errorf("ошибка записи события повторного вступления: %w", err)
	}
	affiliate, err := tx.Affiliate().GetByID(ctx, existing.AffiliateID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("ошибка чтения ссылки атрибуции: %w", err)
	}
	result.Outcome = models.OutcomeAlreadyAttributed
	result.Attribution = existing
	result.Affiliate = affiliate
	return nil
}

// joinRaw объединяет метаданные сигнала с обязательными полями события
func joinRaw(meta *models.JoinMetadata, base map[string]any) map[string]any {
	for k, v := range meta.Raw {
		if _, taken := base[k]; !taken {
			base[k] = v
		}
	}
	if meta.Note != "" {
		base["note"] = meta.Note
	}
	return base
}

// ListAffiliates возвращает список ссылок с владельцами
func (s *Service) ListAffiliates(ctx context.Context, activeOnly bool) ([]*models.Affiliate, error) {
	affiliates, err := s.store.Affiliate().List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка ссылок: %w", err)
	}
	return affiliates, nil
}

// Overview возвращает сводные счетчики ссылок
func (s *Service) Overview(ctx context.Context) (*models.AffiliateOverview, error) {
	overview, err := s.store.Affiliate().CountOverview(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сводки ссылок: %w", err)
	}
	return overview, nil
}
