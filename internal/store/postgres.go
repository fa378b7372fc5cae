package store

import (
	"context"
	"fmt"
	"time"

	"affiliate-bot/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBTX — общий интерфейс пула соединений и транзакции.
// Репозитории работают поверх него, поэтому один и тот же код
// выполняется как вне, так и внутри транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store представляет интерфейс для работы с базой данных
type Store interface {
	User() UserRepository
	Affiliate() AffiliateRepository
	Attribution() AttributionRepository
	Event() EventRepository

	// WithinTx выполняет fn как одну атомарную единицу работы.
	// Вложенный вызов присоединяется к уже открытой транзакции.
	WithinTx(ctx context.Context, fn func(Store) error) error

	// WithinSnapshot выполняет fn в read-only транзакции уровня
	// REPEATABLE READ: все чтения видят согласованный снимок данных.
	WithinSnapshot(ctx context.Context, fn func(Store) error) error

	Close() error
}

// store реализует интерфейс Store
type store struct {
	pool         *pgxpool.Pool // nil для экземпляра, связанного с транзакцией
	db           DBTX
	logger       *zap.Logger
	users        UserRepository
	affiliates   AffiliateRepository
	attributions AttributionRepository
	events       EventRepository
}

// NewStore создает новое подключение к базе данных
func NewStore(cfg *config.Config, logger *zap.Logger) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Настройка пула
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL")

	return newStore(pool, pool, logger), nil
}

// newStore собирает store поверх произвольного DBTX (пул или транзакция)
func newStore(pool *pgxpool.Pool, db DBTX, logger *zap.Logger) *store {
	s := &store{
		pool:   pool,
		db:     db,
		logger: logger,
	}
	s.users = NewUserRepository(db, logger)
	s.affiliates = NewAffiliateRepository(db, logger)
	s.attributions = NewAttributionRepository(db, logger)
	s.events = NewEventRepository(db, logger)
	return s
}

// User возвращает репозиторий пользователей
func (s *store) User() UserRepository {
	return s.users
}

// Affiliate возвращает репозиторий пригласительных ссылок
func (s *store) Affiliate() AffiliateRepository {
	return s.affiliates
}

// Attribution возвращает репозиторий атрибуций
func (s *store) Attribution() AttributionRepository {
	return s.attributions
}

// Event возвращает репозиторий событий журнала
func (s *store) Event() EventRepository {
	return s.events
}

// WithinTx выполняет fn в транзакции
func (s *store) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Уже внутри транзакции: присоединяемся к ней
		return fn(s)
	}
	return s.runTx(ctx, pgx.TxOptions{}, fn)
}

// WithinSnapshot выполняет fn в read-only транзакции REPEATABLE READ
func (s *store) WithinSnapshot(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return s.runTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, fn)
}

func (s *store) runTx(ctx context.Context, opts pgx.TxOptions, fn func(Store) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("ошибка открытия транзакции: %w", err)
	}

	txStore := newStore(nil, tx, s.logger)
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			s.logger.Error("ошибка отката транзакции", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Close закрывает подключение к базе данных
func (s *store) Close() error {
	if s.pool != nil {
		s.logger.Info("закрытие подключения к базе данных")
		s.pool.Close()
	}
	return nil
}
