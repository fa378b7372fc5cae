package store

import (
	"context"
	"errors"
	"fmt"

	"affiliate-bot/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// UserRepository определяет интерфейс для работы с пользователями
type UserRepository interface {
	// Upsert создает пользователя или обновляет его профильные поля.
	// Повторная вставка никогда не является ошибкой.
	Upsert(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// PostgresUserRepository реализует UserRepository для PostgreSQL
type PostgresUserRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewUserRepository создает новый репозиторий пользователей
func NewUserRepository(db DBTX, logger *zap.Logger) UserRepository {
	return &PostgresUserRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert создает пользователя или обновляет его профильные поля
func (r *PostgresUserRepository) Upsert(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		user.ID, user.Username, user.FirstName, user.LastName,
	).Scan(&user.CreatedAt)

	if err != nil {
		return fmt.Errorf("ошибка сохранения пользователя: %w", err)
	}

	return nil
}

// GetByID получает пользователя по Telegram ID
func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT id, username, first_name, last_name, created_at
		FROM users WHERE id = $1`

	user := &models.User{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}

	return user, nil
}

// GetByUsername получает пользователя по username без учета регистра
func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT id, username, first_name, last_name, created_at
		FROM users WHERE LOWER(username) = LOWER($1)`

	user := &models.User{}
	err := r.db.QueryRow(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя по username: %w", err)
	}

	return user, nil
}
