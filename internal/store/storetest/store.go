// Package storetest содержит хранилище в памяти для модульных тестов
// сервисов. Оно воспроизводит контракт internal/store, включая ограничения
// уникальности и порядок рейтинга, без реальной базы данных.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"
)

// ErrTxAborted воспроизводит поведение PostgreSQL после сбоя внутри
// транзакции (SQLSTATE 25P02): все последующие команды отклоняются
// до отката. Конфликт уникальности сюда не относится: вставки идут
// через ON CONFLICT DO NOTHING и транзакцию не прерывают.
var ErrTxAborted = errors.New("текущая транзакция прервана")

// Store реализует store.Store поверх map-структур в памяти.
// Хуки OnAffiliateCreate и OnAttributionCreate вызываются перед проверкой
// уникальности и позволяют имитировать конкурирующую вставку или сбой
// базы данных (через FailTx).
type Store struct {
	Users        map[int64]*models.User
	Affiliates   map[int64]*models.Affiliate
	Attributions map[int64]*models.Attribution
	Events       []*models.Event

	OnAffiliateCreate   func()
	OnAttributionCreate func()

	nextAffiliateID   int64
	nextAttributionID int64
	nextEventID       int64

	txDepth  int
	txFailed bool
}

// New создает пустое хранилище в памяти
func New() *Store {
	return &Store{
		Users:        map[int64]*models.User{},
		Affiliates:   map[int64]*models.Affiliate{},
		Attributions: map[int64]*models.Attribution{},
	}
}

func (s *Store) User() store.UserRepository               { return (*userRepo)(s) }
func (s *Store) Affiliate() store.AffiliateRepository     { return (*affiliateRepo)(s) }
func (s *Store) Attribution() store.AttributionRepository { return (*attributionRepo)(s) }
func (s *Store) Event() store.EventRepository             { return (*eventRepo)(s) }

// WithinTx выполняет fn напрямую: тестовое хранилище однопоточное.
// Прерванность транзакции (FailTx) отслеживается и сбрасывается
// при выходе из внешней транзакции, как при ROLLBACK.
func (s *Store) WithinTx(_ context.Context, fn func(store.Store) error) error {
	s.txDepth++
	defer func() {
		s.txDepth--
		if s.txDepth == 0 {
			s.txFailed = false
		}
	}()
	return fn(s)
}

// FailTx помечает текущую транзакцию прерванной, имитируя ошибку SQL.
// Вне транзакции вызов ничего не делает.
func (s *Store) FailTx() {
	if s.txDepth > 0 {
		s.txFailed = true
	}
}

func (s *Store) guard() error {
	if s.txFailed {
		return ErrTxAborted
	}
	return nil
}

// WithinSnapshot выполняет fn напрямую
func (s *Store) WithinSnapshot(_ context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func (s *Store) Close() error { return nil }

// EventsOfType возвращает события заданного типа (помощник для проверок)
func (s *Store) EventsOfType(t models.EventType) []*models.Event {
	var out []*models.Event
	for _, e := range s.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type userRepo Store

func (r *userRepo) Upsert(_ context.Context, user *models.User) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	if existing, ok := r.Users[user.ID]; ok {
		existing.Username = user.Username
		existing.FirstName = user.FirstName
		existing.LastName = user.LastName
		user.CreatedAt = existing.CreatedAt
		return nil
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	clone := *user
	r.Users[user.ID] = &clone
	return nil
}

func (r *userRepo) GetByID(_ context.Context, id int64) (*models.User, error) {
	user, ok := r.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *userRepo) GetByUsername(_ context.Context, username string) (*models.User, error) {
	for _, user := range r.Users {
		if user.Username != "" && strings.EqualFold(user.Username, username) {
			clone := *user
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

type affiliateRepo Store

// Create воспроизводит семантику вставки с ON CONFLICT DO NOTHING:
// конфликт возвращает store.ErrAlreadyExists и не прерывает транзакцию
func (r *affiliateRepo) Create(_ context.Context, affiliate *models.Affiliate) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	if r.OnAffiliateCreate != nil {
		hook := r.OnAffiliateCreate
		r.OnAffiliateCreate = nil
		hook()
	}
	for _, existing := range r.Affiliates {
		if existing.OwnerUserID == affiliate.OwnerUserID ||
			existing.LinkCode == affiliate.LinkCode ||
			existing.InviteLink == affiliate.InviteLink {
			return store.ErrAlreadyExists
		}
	}
	r.nextAffiliateID++
	affiliate.ID = r.nextAffiliateID
	if affiliate.CreatedAt.IsZero() {
		affiliate.CreatedAt = time.Now().UTC()
	}
	clone := *affiliate
	r.Affiliates[affiliate.ID] = &clone
	return nil
}

// find воспроизводит одиночные SELECT без JOIN: владелец не загружается,
// в отличие от List, который читает ссылки вместе с владельцами
func (r *affiliateRepo) find(match func(*models.Affiliate) bool) (*models.Affiliate, error) {
	if err := (*Store)(r).guard(); err != nil {
		return nil, err
	}
	for _, affiliate := range r.Affiliates {
		if match(affiliate) {
			clone := *affiliate
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *affiliateRepo) GetByID(_ context.Context, id int64) (*models.Affiliate, error) {
	return r.find(func(a *models.Affiliate) bool { return a.ID == id })
}

func (r *affiliateRepo) GetByOwner(_ context.Context, ownerUserID int64) (*models.Affiliate, error) {
	return r.find(func(a *models.Affiliate) bool { return a.OwnerUserID == ownerUserID })
}

func (r *affiliateRepo) GetByCode(_ context.Context, linkCode string) (*models.Affiliate, error) {
	return r.find(func(a *models.Affiliate) bool { return a.LinkCode == linkCode })
}

func (r *affiliateRepo) SetActive(_ context.Context, id int64, active bool) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	affiliate, ok := r.Affiliates[id]
	if !ok {
		return store.ErrNotFound
	}
	affiliate.IsActive = active
	return nil
}

func (r *affiliateRepo) BulkSetActive(_ context.Context, active bool) (int64, error) {
	var affected int64
	for _, affiliate := range r.Affiliates {
		if affiliate.IsActive != active {
			affiliate.IsActive = active
			affected++
		}
	}
	return affected, nil
}

func (r *affiliateRepo) List(_ context.Context, activeOnly bool) ([]*models.Affiliate, error) {
	var affiliates []*models.Affiliate
	for _, affiliate := range r.Affiliates {
		if activeOnly && !affiliate.IsActive {
			continue
		}
		clone := *affiliate
		if owner, ok := r.Users[affiliate.OwnerUserID]; ok {
			ownerClone := *owner
			clone.Owner = &ownerClone
		}
		affiliates = append(affiliates, &clone)
	}
	sort.Slice(affiliates, func(i, j int) bool {
		return affiliates[i].ID > affiliates[j].ID
	})
	return affiliates, nil
}

func (r *affiliateRepo) CountOverview(_ context.Context) (*models.AffiliateOverview, error) {
	overview := &models.AffiliateOverview{}
	for _, affiliate := range r.Affiliates {
		overview.Total++
		if affiliate.IsActive {
			overview.Active++
		}
	}
	overview.Inactive = overview.Total - overview.Active
	return overview, nil
}

type attributionRepo Store

// Create воспроизводит семантику вставки с ON CONFLICT DO NOTHING:
// конфликт возвращает store.ErrAlreadyExists и не прерывает транзакцию
func (r *attributionRepo) Create(_ context.Context, attribution *models.Attribution) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	if r.OnAttributionCreate != nil {
		hook := r.OnAttributionCreate
		r.OnAttributionCreate = nil
		hook()
	}
	for _, existing := range r.Attributions {
		if existing.JoinedUserID == attribution.JoinedUserID {
			return store.ErrAlreadyExists
		}
	}
	r.nextAttributionID++
	attribution.ID = r.nextAttributionID
	if attribution.Status == "" {
		attribution.Status = models.AttributionStatusPending
	}
	if attribution.JoinedAt.IsZero() {
		attribution.JoinedAt = time.Now().UTC()
	}
	clone := *attribution
	r.Attributions[attribution.ID] = &clone
	return nil
}

func (r *attributionRepo) GetByID(_ context.Context, id int64) (*models.Attribution, error) {
	if err := (*Store)(r).guard(); err != nil {
		return nil, err
	}
	attribution, ok := r.Attributions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *attribution
	return &clone, nil
}

func (r *attributionRepo) GetByJoinedUser(_ context.Context, joinedUserID int64) (*models.Attribution, error) {
	if err := (*Store)(r).guard(); err != nil {
		return nil, err
	}
	for _, attribution := range r.Attributions {
		if attribution.JoinedUserID == joinedUserID {
			clone := *attribution
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *attributionRepo) UpdateStatus(_ context.Context, id int64, status models.AttributionStatus, verifiedAt *time.Time) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	attribution, ok := r.Attributions[id]
	if !ok {
		return store.ErrNotFound
	}
	attribution.Status = status
	attribution.VerifiedAt = verifiedAt
	return nil
}

func (r *attributionRepo) SetNote(_ context.Context, id int64, note *string) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	attribution, ok := r.Attributions[id]
	if !ok {
		return store.ErrNotFound
	}
	attribution.Note = note
	return nil
}

func (r *attributionRepo) StatsByAffiliate(_ context.Context, affiliateID int64) (*models.AttributionStats, error) {
	stats := &models.AttributionStats{}
	for _, attribution := range r.Attributions {
		if attribution.AffiliateID != affiliateID {
			continue
		}
		switch attribution.Status {
		case models.AttributionStatusVerified:
			stats.Verified++
		case models.AttributionStatusPending:
			stats.Pending++
		case models.AttributionStatusRevoked:
			stats.Revoked++
		}
	}
	return stats, nil
}

func (r *attributionRepo) CountByStatusSince(_ context.Context, since time.Time) (*models.AttributionStats, error) {
	stats := &models.AttributionStats{}
	for _, attribution := range r.Attributions {
		if attribution.JoinedAt.Before(since) {
			continue
		}
		switch attribution.Status {
		case models.AttributionStatusVerified:
			stats.Verified++
		case models.AttributionStatusPending:
			stats.Pending++
		case models.AttributionStatusRevoked:
			stats.Revoked++
		}
	}
	return stats, nil
}

func (r *attributionRepo) CountAll(_ context.Context) (int, error) {
	return len(r.Attributions), nil
}

func (r *attributionRepo) RankVerified(_ context.Context, cutoff *time.Time, limit int) ([]*models.AffiliateRank, error) {
	byAffiliate := map[int64]*models.AffiliateRank{}
	for _, attribution := range r.Attributions {
		if attribution.Status != models.AttributionStatusVerified || attribution.VerifiedAt == nil {
			continue
		}
		if cutoff != nil && attribution.VerifiedAt.Before(*cutoff) {
			continue
		}
		rank, ok := byAffiliate[attribution.AffiliateID]
		if !ok {
			affiliate := r.Affiliates[attribution.AffiliateID]
			if affiliate == nil {
				continue
			}
			rank = &models.AffiliateRank{
				AffiliateID: affiliate.ID,
				OwnerUserID: affiliate.OwnerUserID,
			}
			if owner, exists := r.Users[affiliate.OwnerUserID]; exists {
				ownerClone := *owner
				rank.Owner = &ownerClone
			}
			byAffiliate[attribution.AffiliateID] = rank
		}
		rank.VerifiedCount++
		if rank.FirstVerifiedAt == nil || attribution.VerifiedAt.Before(*rank.FirstVerifiedAt) {
			ts := *attribution.VerifiedAt
			rank.FirstVerifiedAt = &ts
		}
	}

	ranks := make([]*models.AffiliateRank, 0, len(byAffiliate))
	for _, rank := range byAffiliate {
		ranks = append(ranks, rank)
	}
	// Порядок идентичен SQL запросу: количество по убыванию,
	// самое раннее подтверждение, затем идентификатор
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].VerifiedCount != ranks[j].VerifiedCount {
			return ranks[i].VerifiedCount > ranks[j].VerifiedCount
		}
		if !ranks[i].FirstVerifiedAt.Equal(*ranks[j].FirstVerifiedAt) {
			return ranks[i].FirstVerifiedAt.Before(*ranks[j].FirstVerifiedAt)
		}
		return ranks[i].AffiliateID < ranks[j].AffiliateID
	})

	if limit > 0 && len(ranks) > limit {
		ranks = ranks[:limit]
	}
	return ranks, nil
}

func (r *attributionRepo) VerifyMatured(_ context.Context, cutoff time.Time, verifiedAt time.Time) ([]*models.Attribution, error) {
	if err := (*Store)(r).guard(); err != nil {
		return nil, err
	}
	var matured []*models.Attribution
	for _, attribution := range r.Attributions {
		if attribution.Status != models.AttributionStatusPending || attribution.Note != nil {
			continue
		}
		if attribution.JoinedAt.After(cutoff) {
			continue
		}
		attribution.Status = models.AttributionStatusVerified
		ts := verifiedAt
		attribution.VerifiedAt = &ts
		clone := *attribution
		matured = append(matured, &clone)
	}
	sort.Slice(matured, func(i, j int) bool { return matured[i].ID < matured[j].ID })
	return matured, nil
}

func (r *attributionRepo) ListBySubnetSince(_ context.Context, subnet string, since time.Time) ([]*models.Attribution, error) {
	if err := (*Store)(r).guard(); err != nil {
		return nil, err
	}
	var attributions []*models.Attribution
	for _, attribution := range r.Attributions {
		if attribution.SourceSubnet == nil || *attribution.SourceSubnet != subnet {
			continue
		}
		if attribution.JoinedAt.Before(since) {
			continue
		}
		clone := *attribution
		attributions = append(attributions, &clone)
	}
	sort.Slice(attributions, func(i, j int) bool {
		return attributions[i].JoinedAt.Before(attributions[j].JoinedAt)
	})
	return attributions, nil
}

func (r *attributionRepo) ListPendingReviews(_ context.Context, limit int) ([]*models.PendingReview, error) {
	var reviews []*models.PendingReview
	for _, attribution := range r.Attributions {
		if attribution.Status != models.AttributionStatusPending || attribution.Note == nil {
			continue
		}
		review := &models.PendingReview{}
		clone := *attribution
		review.Attribution = &clone
		if joined, ok := r.Users[attribution.JoinedUserID]; ok {
			joinedClone := *joined
			review.JoinedUser = &joinedClone
		}
		if affiliate, ok := r.Affiliates[attribution.AffiliateID]; ok {
			affiliateClone := *affiliate
			review.Affiliate = &affiliateClone
			if owner, exists := r.Users[affiliate.OwnerUserID]; exists {
				ownerClone := *owner
				review.Owner = &ownerClone
				review.Affiliate.Owner = &ownerClone
			}
		}
		reviews = append(reviews, review)
	}
	sort.Slice(reviews, func(i, j int) bool {
		return reviews[i].Attribution.JoinedAt.Before(reviews[j].Attribution.JoinedAt)
	})
	if limit > 0 && len(reviews) > limit {
		reviews = reviews[:limit]
	}
	return reviews, nil
}

func (r *attributionRepo) IntegrityReport(_ context.Context) (*models.IntegrityReport, error) {
	report := &models.IntegrityReport{}
	for _, attribution := range r.Attributions {
		affiliate, ok := r.Affiliates[attribution.AffiliateID]
		if !ok {
			report.DanglingAttributions++
			continue
		}
		if !affiliate.IsActive && attribution.Status == models.AttributionStatusVerified {
			report.VerifiedBehindInactive++
		}
	}
	return report, nil
}

type eventRepo Store

func (r *eventRepo) Append(_ context.Context, event *models.Event) error {
	if err := (*Store)(r).guard(); err != nil {
		return err
	}
	r.nextEventID++
	event.ID = r.nextEventID
	if event.Raw == nil {
		event.Raw = map[string]any{}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	clone := *event
	r.Events = append(r.Events, &clone)
	return nil
}

func (r *eventRepo) ListByUser(_ context.Context, userID int64, limit int) ([]*models.Event, error) {
	var events []*models.Event
	for i := len(r.Events) - 1; i >= 0 && len(events) < limit; i-- {
		if r.Events[i].UserID == userID {
			clone := *r.Events[i]
			events = append(events, &clone)
		}
	}
	return events, nil
}

func (r *eventRepo) ListByAffiliate(_ context.Context, affiliateID int64, limit int) ([]*models.Event, error) {
	var events []*models.Event
	for i := len(r.Events) - 1; i >= 0 && len(events) < limit; i-- {
		e := r.Events[i]
		if e.AffiliateID != nil && *e.AffiliateID == affiliateID {
			clone := *e
			events = append(events, &clone)
		}
	}
	return events, nil
}
