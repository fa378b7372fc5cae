package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		user     User
		expected string
	}{
		{"с username", User{ID: 1, Username: "ivan", FirstName: "Иван"}, "@ivan"},
		{"имя и фамилия", User{ID: 1, FirstName: "Иван", LastName: "Петров"}, "Иван Петров"},
		{"только имя", User{ID: 1, FirstName: "Иван"}, "Иван"},
		{"пустой профиль", User{ID: 42}, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.user.DisplayName())
		})
	}
}

func TestAttributionStatusIsValid(t *testing.T) {
	assert.True(t, AttributionStatusPending.IsValid())
	assert.True(t, AttributionStatusVerified.IsValid())
	assert.True(t, AttributionStatusRevoked.IsValid())
	assert.False(t, AttributionStatus("deleted").IsValid())
	assert.False(t, AttributionStatus("").IsValid())
}

func TestEventTypeIsValid(t *testing.T) {
	assert.True(t, EventJoin.IsValid())
	assert.True(t, EventLeave.IsValid())
	assert.True(t, EventPromote.IsValid())
	assert.True(t, EventRevoke.IsValid())
	assert.False(t, EventType("ban").IsValid())
}

func TestRevokeReasonEventType(t *testing.T) {
	assert.Equal(t, EventLeave, ReasonLeft.EventType())
	assert.Equal(t, EventLeave, ReasonKicked.EventType())
	assert.Equal(t, EventRevoke, ReasonManual.EventType())
	assert.Equal(t, EventRevoke, ReasonAdmin.EventType())
}

func TestMergeNote(t *testing.T) {
	tests := []struct {
		name     string
		existing *string
		reason   string
		expected string
	}{
		{"пустая заметка", nil, "ip_burst", "ip_burst"},
		{"новая причина добавляется", ptr("fresh_account"), "ip_burst", "fresh_account,ip_burst"},
		{"повтор не дублируется", ptr("ip_burst"), "ip_burst", "ip_burst"},
		{"порядок отсортирован", ptr("manual_revoke,ip_burst"), "fresh_account", "fresh_account,ip_burst,manual_revoke"},
		{"пробелы и пустые части игнорируются", ptr(" ip_burst , "), "fresh_account", "fresh_account,ip_burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MergeNote(tt.existing, tt.reason))
		})
	}
}

func ptr(s string) *string { return &s }
