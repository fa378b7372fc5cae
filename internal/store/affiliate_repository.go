package store

import (
	"context"
	"errors"
	"fmt"

	"affiliate-bot/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AffiliateRepository определяет интерфейс для работы с пригласительными ссылками
type AffiliateRepository interface {
	// Create вставляет новую ссылку. Нарушение уникальности (владелец,
	// код или URL уже заняты) возвращается как ErrAlreadyExists.
	// Конфликт не прерывает объемлющую транзакцию.
	Create(ctx context.Context, affiliate *models.Affiliate) error
	GetByID(ctx context.Context, id int64) (*models.Affiliate, error)
	GetByOwner(ctx context.Context, ownerUserID int64) (*models.Affiliate, error)
	GetByCode(ctx context.Context, linkCode string) (*models.Affiliate, error)
	SetActive(ctx context.Context, id int64, active bool) error
	BulkSetActive(ctx context.Context, active bool) (int64, error)
	List(ctx context.Context, activeOnly bool) ([]*models.Affiliate, error)
	CountOverview(ctx context.Context) (*models.AffiliateOverview, error)
}

// PostgresAffiliateRepository реализует AffiliateRepository для PostgreSQL
type PostgresAffiliateRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewAffiliateRepository создает новый репозиторий ссылок
func NewAffiliateRepository(db DBTX, logger *zap.Logger) AffiliateRepository {
	return &PostgresAffiliateRepository{
		db:     db,
		logger: logger,
	}
}

// Create вставляет новую пригласительную ссылку. ON CONFLICT без цели
// покрывает все три ограничения уникальности (владелец, код, URL);
// конфликт возвращается как ErrAlreadyExists без прерывания транзакции,
// и проигравший гонку дочитывает ссылку победителя там же.
func (r *PostgresAffiliateRepository) Create(ctx context.Context, affiliate *models.Affiliate) error {
	query := `
		INSERT INTO affiliates (owner_user_id, invite_link, link_code, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		affiliate.OwnerUserID, affiliate.InviteLink, affiliate.LinkCode, affiliate.IsActive,
	).Scan(&affiliate.ID, &affiliate.CreatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("ошибка создания ссылки: %w", err)
	}

	r.logger.Info("создана пригласительная ссылка",
		zap.Int64("affiliate_id", affiliate.ID),
		zap.Int64("owner_user_id", affiliate.OwnerUserID),
		zap.String("link_code", affiliate.LinkCode))

	return nil
}

const affiliateColumns = `id, owner_user_id, invite_link, link_code, is_active, created_at`

func (r *PostgresAffiliateRepository) getOne(ctx context.Context, query string, arg any) (*models.Affiliate, error) {
	affiliate := &models.Affiliate{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&affiliate.ID, &affiliate.OwnerUserID, &affiliate.InviteLink,
		&affiliate.LinkCode, &affiliate.IsActive, &affiliate.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ссылки: %w", err)
	}

	return affiliate, nil
}

// GetByID получает ссылку по идентификатору
func (r *PostgresAffiliateRepository) GetByID(ctx context.Context, id int64) (*models.Affiliate, error) {
	return r.getOne(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1`, id)
}

// GetByOwner получает ссылку по владельцу
func (r *PostgresAffiliateRepository) GetByOwner(ctx context.Context, ownerUserID int64) (*models.Affiliate, error) {
	return r.getOne(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE owner_user_id = $1`, ownerUserID)
}

// GetByCode получает ссылку по коду
func (r *PostgresAffiliateRepository) GetByCode(ctx context.Context, linkCode string) (*models.Affiliate, error) {
	return r.getOne(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE link_code = $1`, linkCode)
}

// SetActive переключает флаг активности ссылки.
// Деактивация не удаляет ни ссылку, ни ее историю атрибуций.
func (r *PostgresAffiliateRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE affiliates SET is_active = $2 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("ошибка изменения активности ссылки: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("изменена активность ссылки",
		zap.Int64("affiliate_id", id),
		zap.Bool("is_active", active))

	return nil
}

// BulkSetActive переключает активность всех ссылок и возвращает число затронутых
func (r *PostgresAffiliateRepository) BulkSetActive(ctx context.Context, active bool) (int64, error) {
	query := `UPDATE affiliates SET is_active = $1 WHERE is_active <> $1`

	result, err := r.db.Exec(ctx, query, active)
	if err != nil {
		return 0, fmt.Errorf("ошибка массового изменения активности: %w", err)
	}

	return result.RowsAffected(), nil
}

// List возвращает ссылки вместе с владельцами, новые первыми
func (r *PostgresAffiliateRepository) List(ctx context.Context, activeOnly bool) ([]*models.Affiliate, error) {
	query := `
		SELECT a.id, a.owner_user_id, a.invite_link, a.link_code, a.is_active, a.created_at,
		       u.id, u.username, u.first_name, u.last_name, u.created_at
		FROM affiliates a
		JOIN users u ON u.id = a.owner_user_id`
	if activeOnly {
		query += ` WHERE a.is_active`
	}
	query += ` ORDER BY a.created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка ссылок: %w", err)
	}
	defer rows.Close()

	var affiliates []*models.Affiliate
	for rows.Next() {
		affiliate := &models.Affiliate{Owner: &models.User{}}
		err := rows.Scan(
			&affiliate.ID, &affiliate.OwnerUserID, &affiliate.InviteLink,
			&affiliate.LinkCode, &affiliate.IsActive, &affiliate.CreatedAt,
			&affiliate.Owner.ID, &affiliate.Owner.Username,
			&affiliate.Owner.FirstName, &affiliate.Owner.LastName, &affiliate.Owner.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования ссылки: %w", err)
		}
		affiliates = append(affiliates, affiliate)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения списка ссылок: %w", err)
	}

	return affiliates, nil
}

// CountOverview возвращает сводку по количеству ссылок
func (r *PostgresAffiliateRepository) CountOverview(ctx context.Context) (*models.AffiliateOverview, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active)
		FROM affiliates`

	overview := &models.AffiliateOverview{}
	err := r.db.QueryRow(ctx, query).Scan(&overview.Total, &overview.Active)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета ссылок: %w", err)
	}

	overview.Inactive = overview.Total - overview.Active
	return overview, nil
}
