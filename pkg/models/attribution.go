package models

import (
	"sort"
	"strings"
	"time"
)

// AttributionStatus представляет статус атрибуции
type AttributionStatus string

const (
	AttributionStatusPending  AttributionStatus = "pending"
	AttributionStatusVerified AttributionStatus = "verified"
	AttributionStatusRevoked  AttributionStatus = "revoked"
)

// IsValid проверяет валидность статуса атрибуции
func (s AttributionStatus) IsValid() bool {
	switch s {
	case AttributionStatusPending, AttributionStatusVerified, AttributionStatusRevoked:
		return true
	default:
		return false
	}
}

// Attribution представляет факт вступления пользователя по конкретной ссылке.
// На одного вступившего пользователя существует не более одной записи.
type Attribution struct {
	ID           int64             `json:"id" db:"id"`
	JoinedUserID int64             `json:"joined_user_id" db:"joined_user_id"`
	AffiliateID  int64             `json:"affiliate_id" db:"affiliate_id"`
	JoinedAt     time.Time         `json:"joined_at" db:"joined_at"`
	VerifiedAt   *time.Time        `json:"verified_at,omitempty" db:"verified_at"`
	Status       AttributionStatus `json:"status" db:"status"`
	Note         *string           `json:"note,omitempty" db:"note"`
	LastSeenIP   *string           `json:"last_seen_ip,omitempty" db:"last_seen_ip"`
	SourceSubnet *string           `json:"source_subnet,omitempty" db:"source_subnet"`
}

// AttributionStats представляет счетчики атрибуций аффилиата по статусам
type AttributionStats struct {
	Verified int `json:"verified"`
	Pending  int `json:"pending"`
	Revoked  int `json:"revoked"`
}

// ResolveOutcome представляет исход обработки сигнала о вступлении
type ResolveOutcome string

const (
	OutcomeCreated           ResolveOutcome = "created"
	OutcomeAlreadyAttributed ResolveOutcome = "already_attributed"
	OutcomeUnresolved        ResolveOutcome = "unresolved"
)

// ResolveResult представляет результат ResolveJoin
type ResolveResult struct {
	Outcome     ResolveOutcome `json:"outcome"`
	Attribution *Attribution   `json:"attribution,omitempty"`
	Affiliate   *Affiliate     `json:"affiliate,omitempty"`
	Reason      string         `json:"reason,omitempty"` // причина для Unresolved
}

// JoinMetadata представляет необязательные метаданные сигнала о вступлении.
// Заполняется слоем доставки по возможности, бизнес-логика от них не зависит.
type JoinMetadata struct {
	Note         string         `json:"note,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	SourceSubnet string         `json:"source_subnet,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// RevokeReason представляет причину отзыва атрибуции
type RevokeReason string

const (
	ReasonLeft   RevokeReason = "left"
	ReasonKicked RevokeReason = "kicked"
	ReasonManual RevokeReason = "manual_revoke"
	ReasonAdmin  RevokeReason = "admin_revoke"
)

// EventType возвращает тип события журнала для данной причины отзыва
func (r RevokeReason) EventType() EventType {
	switch r {
	case ReasonLeft, ReasonKicked:
		return EventLeave
	default:
		return EventRevoke
	}
}

// PendingReview представляет подозрительную атрибуцию в очереди на ручную проверку
type PendingReview struct {
	Attribution *Attribution `json:"attribution"`
	JoinedUser  *User        `json:"joined_user"`
	Affiliate   *Affiliate   `json:"affiliate"`
	Owner       *User        `json:"owner,omitempty"`
}

// MergeNote добавляет причину в заметку атрибуции, не дублируя существующие.
// Заметка хранится как отсортированный список причин через запятую.
func MergeNote(existing *string, reason string) string {
	set := map[string]struct{}{}
	if existing != nil {
		for _, part := range strings.Split(*existing, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				set[trimmed] = struct{}{}
			}
		}
	}
	set[reason] = struct{}{}
	reasons := make([]string, 0, len(set))
	for r := range set {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return strings.Join(reasons, ",")
}
