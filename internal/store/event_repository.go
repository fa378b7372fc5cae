package store

import (
	"context"
	"fmt"

	"affiliate-bot/pkg/models"

	"go.uber.org/zap"
)

// EventRepository определяет интерфейс для работы с журналом событий.
// Журнал только пополняется: записи никогда не изменяются и не удаляются.
type EventRepository interface {
	Append(ctx context.Context, event *models.Event) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Event, error)
	ListByAffiliate(ctx context.Context, affiliateID int64, limit int) ([]*models.Event, error)
}

// PostgresEventRepository реализует EventRepository для PostgreSQL
type PostgresEventRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewEventRepository создает новый репозиторий событий
func NewEventRepository(db DBTX, logger *zap.Logger) EventRepository {
	return &PostgresEventRepository{
		db:     db,
		logger: logger,
	}
}

// Append добавляет запись в журнал. Чистая вставка, без повторов:
// при сбое хранилища объемлющая транзакция откатывается целиком,
// а слой доставки повторяет сигнал.
func (r *PostgresEventRepository) Append(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (type, user_id, affiliate_id, raw)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	if event.Raw == nil {
		event.Raw = map[string]any{}
	}

	err := r.db.QueryRow(ctx, query,
		event.Type, event.UserID, event.AffiliateID, event.Raw,
	).Scan(&event.ID, &event.CreatedAt)

	if err != nil {
		return fmt.Errorf("ошибка записи события: %w", err)
	}

	return nil
}

const eventColumns = `id, type, user_id, affiliate_id, raw, created_at`

func (r *PostgresEventRepository) list(ctx context.Context, query string, arg any, limit int) ([]*models.Event, error) {
	rows, err := r.db.Query(ctx, query, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event := &models.Event{}
		err := rows.Scan(
			&event.ID, &event.Type, &event.UserID, &event.AffiliateID,
			&event.Raw, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения событий: %w", err)
	}

	return events, nil
}

// ListByUser возвращает последние события пользователя
func (r *PostgresEventRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	return r.list(ctx, query, userID, limit)
}

// ListByAffiliate возвращает последние события аффилиата
func (r *PostgresEventRepository) ListByAffiliate(ctx context.Context, affiliateID int64, limit int) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE affiliate_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	return r.list(ctx, query, affiliateID, limit)
}
