package models

import (
	"strconv"
	"strings"
	"time"
)

// User представляет участника сообщества
type User struct {
	ID        int64     `json:"id" db:"id"` // Telegram ID, первичный ключ
	Username  string    `json:"username" db:"username"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DisplayName возвращает человекочитаемое имя пользователя
func (u *User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(strings.Join([]string{u.FirstName, u.LastName}, " "))
	if name != "" {
		return name
	}
	return strconv.FormatInt(u.ID, 10)
}

// Affiliate представляет пригласительную ссылку, принадлежащую ровно одному пользователю
type Affiliate struct {
	ID          int64     `json:"id" db:"id"`
	OwnerUserID int64     `json:"owner_user_id" db:"owner_user_id"`
	InviteLink  string    `json:"invite_link" db:"invite_link"`
	LinkCode    string    `json:"link_code" db:"link_code"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	// Владелец ссылки (заполняется при JOIN запросах)
	Owner *User `json:"owner,omitempty" db:"-"`
}

// AffiliateOverview представляет сводку по всем ссылкам
type AffiliateOverview struct {
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Total    int `json:"total"`
}

// AffiliateRank представляет позицию аффилиата в рейтинге
type AffiliateRank struct {
	AffiliateID     int64      `json:"affiliate_id"`
	OwnerUserID     int64      `json:"owner_user_id"`
	Owner           *User      `json:"owner,omitempty"`
	VerifiedCount   int        `json:"verified_count"`
	FirstVerifiedAt *time.Time `json:"first_verified_at,omitempty"`
}

// RebuildSummary представляет итог пересчета агрегатов
type RebuildSummary struct {
	AffiliatesProcessed   int       `json:"affiliates_processed"`
	AttributionsProcessed int       `json:"attributions_processed"`
	GeneratedAt           time.Time `json:"generated_at"`
}

// IntegrityReport представляет результат проверки целостности данных
type IntegrityReport struct {
	DanglingAttributions   int `json:"dangling_attributions"`
	VerifiedBehindInactive int `json:"verified_behind_inactive"`
}

// Invitation представляет результат обратного поиска "кто пригласил"
type Invitation struct {
	Attribution *Attribution `json:"attribution"`
	Affiliate   *Affiliate   `json:"affiliate"`
	Owner       *User        `json:"owner"`
}
