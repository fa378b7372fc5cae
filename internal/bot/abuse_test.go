package bot

import (
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func TestSubnetOf(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		expected string
	}{
		{"обычный IPv4", "203.0.113.45", "203.0.113.0/24"},
		{"граница подсети", "198.51.100.0", "198.51.100.0/24"},
		{"с пробелами", "  192.0.2.17  ", "192.0.2.0/24"},
		{"IPv6 не поддерживается", "2001:db8::1", ""},
		{"мусор", "not-an-ip", ""},
		{"пустая строка", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SubnetOf(tt.ip))
		})
	}
}

func TestBurstDetector(t *testing.T) {
	detector := NewBurstDetector(5*time.Minute, 3)
	now := time.Now().UTC()
	subnet := "203.0.113.0/24"

	// Первые три вступления порог не превышают
	assert.False(t, detector.Record(subnet, now))
	assert.False(t, detector.Record(subnet, now.Add(time.Minute)))
	assert.False(t, detector.Record(subnet, now.Add(2*time.Minute)))
	// Четвертое превышает
	assert.True(t, detector.Record(subnet, now.Add(3*time.Minute)))

	// Другая подсеть считается отдельно
	assert.False(t, detector.Record("198.51.100.0/24", now.Add(3*time.Minute)))
}

func TestBurstDetectorWindowSlides(t *testing.T) {
	detector := NewBurstDetector(5*time.Minute, 3)
	now := time.Now().UTC()
	subnet := "203.0.113.0/24"

	for i := 0; i < 3; i++ {
		detector.Record(subnet, now.Add(time.Duration(i)*time.Second))
	}
	// Спустя окно старые записи выпадают
	assert.False(t, detector.Record(subnet, now.Add(6*time.Minute)))
}

func TestIsFreshAccount(t *testing.T) {
	tests := []struct {
		name     string
		user     *tgbotapi.User
		expected bool
	}{
		{"бот всегда подозрителен", &tgbotapi.User{IsBot: true, UserName: "somebot"}, true},
		{"с username не подозрителен", &tgbotapi.User{UserName: "ivan", FirstName: "И"}, false},
		{"короткое имя без username", &tgbotapi.User{FirstName: "Ив"}, true},
		{"пустое имя без username", &tgbotapi.User{FirstName: "  "}, true},
		{"нормальное имя без username", &tgbotapi.User{FirstName: "Иван"}, false},
		{"nil не подозрителен", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFreshAccount(tt.user))
		})
	}
}
