package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affiliate-bot/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AttributionRepository определяет интерфейс для работы с атрибуциями
type AttributionRepository interface {
	// Create вставляет новую атрибуцию. Нарушение уникальности по
	// вступившему пользователю возвращается как ErrAlreadyExists —
	// это центральная защита от повторной доставки сигнала. Конфликт
	// не прерывает объемлющую транзакцию: вызывающий код продолжает
	// читать и писать в ней же.
	Create(ctx context.Context, attribution *models.Attribution) error
	GetByID(ctx context.Context, id int64) (*models.Attribution, error)
	GetByJoinedUser(ctx context.Context, joinedUserID int64) (*models.Attribution, error)
	UpdateStatus(ctx context.Context, id int64, status models.AttributionStatus, verifiedAt *time.Time) error
	SetNote(ctx context.Context, id int64, note *string) error
	StatsByAffiliate(ctx context.Context, affiliateID int64) (*models.AttributionStats, error)
	CountByStatusSince(ctx context.Context, since time.Time) (*models.AttributionStats, error)
	CountAll(ctx context.Context) (int, error)

	// RankVerified возвращает рейтинг аффилиатов по числу подтвержденных
	// атрибуций. cutoff == nil означает окно "за все время"; limit <= 0
	// означает без ограничения длины.
	RankVerified(ctx context.Context, cutoff *time.Time, limit int) ([]*models.AffiliateRank, error)

	// VerifyMatured подтверждает все неподозрительные атрибуции,
	// ожидающие дольше cutoff, и возвращает затронутые записи.
	VerifyMatured(ctx context.Context, cutoff time.Time, verifiedAt time.Time) ([]*models.Attribution, error)

	ListBySubnetSince(ctx context.Context, subnet string, since time.Time) ([]*models.Attribution, error)
	ListPendingReviews(ctx context.Context, limit int) ([]*models.PendingReview, error)
	IntegrityReport(ctx context.Context) (*models.IntegrityReport, error)
}

// PostgresAttributionRepository реализует AttributionRepository для PostgreSQL
type PostgresAttributionRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewAttributionRepository создает новый репозиторий атрибуций
func NewAttributionRepository(db DBTX, logger *zap.Logger) AttributionRepository {
	return &PostgresAttributionRepository{
		db:     db,
		logger: logger,
	}
}

const attributionColumns = `id, joined_user_id, affiliate_id, joined_at, verified_at, status, note, last_seen_ip, source_subnet`

func scanAttribution(row pgx.Row) (*models.Attribution, error) {
	attribution := &models.Attribution{}
	err := row.Scan(
		&attribution.ID, &attribution.JoinedUserID, &attribution.AffiliateID,
		&attribution.JoinedAt, &attribution.VerifiedAt, &attribution.Status,
		&attribution.Note, &attribution.LastSeenIP, &attribution.SourceSubnet,
	)
	if err != nil {
		return nil, err
	}
	return attribution, nil
}

// Create вставляет новую атрибуцию. Конфликт по joined_user_id гасится
// через ON CONFLICT DO NOTHING и возвращается как ErrAlreadyExists:
// объемлющая транзакция остается рабочей, и проигравший гонку может
// дочитать строку победителя в том же pgx.Tx.
func (r *PostgresAttributionRepository) Create(ctx context.Context, attribution *models.Attribution) error {
	query := `
		INSERT INTO attributions (joined_user_id, affiliate_id, joined_at, status, note, last_seen_ip, source_subnet)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (joined_user_id) DO NOTHING
		RETURNING id`

	if attribution.Status == "" {
		attribution.Status = models.AttributionStatusPending
	}
	if attribution.JoinedAt.IsZero() {
		attribution.JoinedAt = time.Now().UTC()
	}

	err := r.db.QueryRow(ctx, query,
		attribution.JoinedUserID, attribution.AffiliateID, attribution.JoinedAt,
		attribution.Status, attribution.Note, attribution.LastSeenIP, attribution.SourceSubnet,
	).Scan(&attribution.ID)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("ошибка создания атрибуции: %w", err)
	}

	r.logger.Info("создана атрибуция",
		zap.Int64("attribution_id", attribution.ID),
		zap.Int64("joined_user_id", attribution.JoinedUserID),
		zap.Int64("affiliate_id", attribution.AffiliateID))

	return nil
}

// GetByID получает атрибуцию по идентификатору
func (r *PostgresAttributionRepository) GetByID(ctx context.Context, id int64) (*models.Attribution, error) {
	query := `SELECT ` + attributionColumns + ` FROM attributions WHERE id = $1`

	attribution, err := scanAttribution(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения атрибуции: %w", err)
	}
	return attribution, nil
}

// GetByJoinedUser получает атрибуцию по вступившему пользователю
func (r *PostgresAttributionRepository) GetByJoinedUser(ctx context.Context, joinedUserID int64) (*models.Attribution, error) {
	query := `SELECT ` + attributionColumns + ` FROM attributions WHERE joined_user_id = $1`

	attribution, err := scanAttribution(r.db.QueryRow(ctx, query, joinedUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения атрибуции по пользователю: %w", err)
	}
	return attribution, nil
}

// UpdateStatus изменяет статус и отметку подтверждения атрибуции
func (r *PostgresAttributionRepository) UpdateStatus(ctx context.Context, id int64, status models.AttributionStatus, verifiedAt *time.Time) error {
	query := `UPDATE attributions SET status = $2, verified_at = $3 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, status, verifiedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса атрибуции: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("статус атрибуции обновлен",
		zap.Int64("attribution_id", id),
		zap.String("status", string(status)))

	return nil
}

// SetNote заменяет заметку атрибуции
func (r *PostgresAttributionRepository) SetNote(ctx context.Context, id int64, note *string) error {
	query := `UPDATE attributions SET note = $2 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, note)
	if err != nil {
		return fmt.Errorf("ошибка обновления заметки атрибуции: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// StatsByAffiliate возвращает счетчики атрибуций аффилиата по статусам
func (r *PostgresAttributionRepository) StatsByAffiliate(ctx context.Context, affiliateID int64) (*models.AttributionStats, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE status = 'verified'),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'revoked')
		FROM attributions
		WHERE affiliate_id = $1`

	stats := &models.AttributionStats{}
	err := r.db.QueryRow(ctx, query, affiliateID).Scan(
		&stats.Verified, &stats.Pending, &stats.Revoked,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики аффилиата: %w", err)
	}

	return stats, nil
}

// CountByStatusSince возвращает счетчики атрибуций по статусам начиная с момента since
func (r *PostgresAttributionRepository) CountByStatusSince(ctx context.Context, since time.Time) (*models.AttributionStats, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE status = 'verified'),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'revoked')
		FROM attributions
		WHERE joined_at >= $1`

	stats := &models.AttributionStats{}
	err := r.db.QueryRow(ctx, query, since).Scan(
		&stats.Verified, &stats.Pending, &stats.Revoked,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчета атрибуций за период: %w", err)
	}

	return stats, nil
}

// CountAll возвращает общее количество атрибуций
func (r *PostgresAttributionRepository) CountAll(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM attributions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчета атрибуций: %w", err)
	}
	return count, nil
}

// RankVerified возвращает рейтинг аффилиатов по подтвержденным атрибуциям.
// Порядок полностью детерминирован: количество по убыванию, затем самое
// раннее подтверждение, затем идентификатор аффилиата.
func (r *PostgresAttributionRepository) RankVerified(ctx context.Context, cutoff *time.Time, limit int) ([]*models.AffiliateRank, error) {
	query := `
		SELECT a.id, a.owner_user_id,
		       u.username, u.first_name, u.last_name, u.created_at,
		       COUNT(t.id) AS verified_count,
		       MIN(t.verified_at) AS first_verified_at
		FROM affiliates a
		JOIN attributions t ON t.affiliate_id = a.id AND t.status = 'verified'
		JOIN users u ON u.id = a.owner_user_id`

	args := []any{}
	if cutoff != nil {
		query += ` WHERE t.verified_at >= $1`
		args = append(args, *cutoff)
	}

	query += `
		GROUP BY a.id, a.owner_user_id, u.id
		ORDER BY verified_count DESC, first_verified_at ASC, a.id ASC`

	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения рейтинга: %w", err)
	}
	defer rows.Close()

	var ranks []*models.AffiliateRank
	for rows.Next() {
		rank := &models.AffiliateRank{Owner: &models.User{}}
		err := rows.Scan(
			&rank.AffiliateID, &rank.OwnerUserID,
			&rank.Owner.Username, &rank.Owner.FirstName, &rank.Owner.LastName, &rank.Owner.CreatedAt,
			&rank.VerifiedCount, &rank.FirstVerifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования рейтинга: %w", err)
		}
		rank.Owner.ID = rank.OwnerUserID
		ranks = append(ranks, rank)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения рейтинга: %w", err)
	}

	return ranks, nil
}

// VerifyMatured подтверждает дозревшие атрибуции одним запросом
func (r *PostgresAttributionRepository) VerifyMatured(ctx context.Context, cutoff time.Time, verifiedAt time.Time) ([]*models.Attribution, error) {
	query := `
		UPDATE attributions
		SET status = 'verified', verified_at = $2
		WHERE status = 'pending' AND note IS NULL AND joined_at <= $1
		RETURNING ` + attributionColumns

	rows, err := r.db.Query(ctx, query, cutoff, verifiedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка подтверждения дозревших атрибуций: %w", err)
	}
	defer rows.Close()

	var matured []*models.Attribution
	for rows.Next() {
		attribution, err := scanAttribution(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования атрибуции: %w", err)
		}
		matured = append(matured, attribution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения дозревших атрибуций: %w", err)
	}

	return matured, nil
}

// ListBySubnetSince возвращает атрибуции из подсети за период
func (r *PostgresAttributionRepository) ListBySubnetSince(ctx context.Context, subnet string, since time.Time) ([]*models.Attribution, error) {
	query := `
		SELECT ` + attributionColumns + `
		FROM attributions
		WHERE source_subnet = $1 AND joined_at >= $2
		ORDER BY joined_at ASC`

	rows, err := r.db.Query(ctx, query, subnet, since)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения атрибуций по подсети: %w", err)
	}
	defer rows.Close()

	var attributions []*models.Attribution
	for rows.Next() {
		attribution, err := scanAttribution(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования атрибуции: %w", err)
		}
		attributions = append(attributions, attribution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения атрибуций по подсети: %w", err)
	}

	return attributions, nil
}

// ListPendingReviews возвращает очередь подозрительных атрибуций на ручную проверку
func (r *PostgresAttributionRepository) ListPendingReviews(ctx context.Context, limit int) ([]*models.PendingReview, error) {
	query := `
		SELECT t.id, t.joined_user_id, t.affiliate_id, t.joined_at, t.verified_at,
		       t.status, t.note, t.last_seen_ip, t.source_subnet,
		       j.id, j.username, j.first_name, j.last_name, j.created_at,
		       a.id, a.owner_user_id, a.invite_link, a.link_code, a.is_active, a.created_at,
		       o.id, o.username, o.first_name, o.last_name, o.created_at
		FROM attributions t
		JOIN users j ON j.id = t.joined_user_id
		JOIN affiliates a ON a.id = t.affiliate_id
		JOIN users o ON o.id = a.owner_user_id
		WHERE t.status = 'pending' AND t.note IS NOT NULL
		ORDER BY t.joined_at ASC`

	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения очереди проверки: %w", err)
	}
	defer rows.Close()

	var reviews []*models.PendingReview
	for rows.Next() {
		review := &models.PendingReview{
			Attribution: &models.Attribution{},
			JoinedUser:  &models.User{},
			Affiliate:   &models.Affiliate{},
			Owner:       &models.User{},
		}
		t, j, a, o := review.Attribution, review.JoinedUser, review.Affiliate, review.Owner
		err := rows.Scan(
			&t.ID, &t.JoinedUserID, &t.AffiliateID, &t.JoinedAt, &t.VerifiedAt,
			&t.Status, &t.Note, &t.LastSeenIP, &t.SourceSubnet,
			&j.ID, &j.Username, &j.FirstName, &j.LastName, &j.CreatedAt,
			&a.ID, &a.OwnerUserID, &a.InviteLink, &a.LinkCode, &a.IsActive, &a.CreatedAt,
			&o.ID, &o.Username, &o.FirstName, &o.LastName, &o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования очереди проверки: %w", err)
		}
		a.Owner = o
		reviews = append(reviews, review)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди проверки: %w", err)
	}

	return reviews, nil
}

// IntegrityReport возвращает счетчики нарушений целостности данных
func (r *PostgresAttributionRepository) IntegrityReport(ctx context.Context) (*models.IntegrityReport, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE a.id IS NULL),
		       COUNT(*) FILTER (WHERE a.id IS NOT NULL AND NOT a.is_active AND t.status = 'verified')
		FROM attributions t
		LEFT JOIN affiliates a ON a.id = t.affiliate_id`

	report := &models.IntegrityReport{}
	err := r.db.QueryRow(ctx, query).Scan(
		&report.DanglingAttributions, &report.VerifiedBehindInactive,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки целостности: %w", err)
	}

	return report, nil
}
