package models

import (
	"time"
)

// EventType представляет тип события аудиторского журнала
type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventPromote EventType = "promote"
	EventRevoke  EventType = "revoke"
)

// IsValid проверяет валидность типа события
func (t EventType) IsValid() bool {
	switch t {
	case EventJoin, EventLeave, EventPromote, EventRevoke:
		return true
	default:
		return false
	}
}

// Event представляет неизменяемую запись аудиторского журнала.
// Записи только добавляются и никогда не изменяются.
type Event struct {
	ID          int64          `json:"id" db:"id"`
	Type        EventType      `json:"type" db:"type"`
	UserID      int64          `json:"user_id" db:"user_id"`
	AffiliateID *int64         `json:"affiliate_id,omitempty" db:"affiliate_id"`
	Raw         map[string]any `json:"raw" db:"raw"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
