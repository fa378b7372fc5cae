package bot

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// Окно и порог всплеска вступлений из одной подсети
	BurstWindow    = 5 * time.Minute
	BurstThreshold = 3 // помечаем, когда счетчик превышает это значение
)

// BurstDetector считает вступления по подсетям в скользящем окне.
// Счетчик живет в памяти процесса: после рестарта окно начинается заново,
// помеченные ранее атрибуции остаются помеченными в базе.
type BurstDetector struct {
	window    time.Duration
	threshold int

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewBurstDetector создает новый детектор всплесков
func NewBurstDetector(window time.Duration, threshold int) *BurstDetector {
	return &BurstDetector{
		window:    window,
		threshold: threshold,
		buckets:   make(map[string][]time.Time),
	}
}

// Record учитывает вступление из подсети и сообщает, превышен ли порог
func (d *BurstDetector) Record(subnet string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	bucket := d.buckets[subnet]
	var fresh []time.Time
	for _, ts := range bucket {
		if now.Sub(ts) <= d.window {
			fresh = append(fresh, ts)
		}
	}
	fresh = append(fresh, now)
	d.buckets[subnet] = fresh
	return len(fresh) > d.threshold
}

// SubnetOf возвращает /24 подсеть IPv4 адреса. Для IPv6 и мусора на входе
// возвращается пустая строка.
func SubnetOf(ip string) string {
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	masked := v4.Mask(net.CIDRMask(24, 32))
	return fmt.Sprintf("%s/24", masked)
}

// IsFreshAccount оценивает, похож ли профиль на свежесозданный аккаунт.
// Боты подозрительны всегда, аккаунты с username не подозрительны,
// остальные оцениваются по длине имени.
func IsFreshAccount(user *tgbotapi.User) bool {
	if user == nil {
		return false
	}
	if user.IsBot {
		return true
	}
	if user.UserName != "" {
		return false
	}
	return len(strings.TrimSpace(user.FirstName)) <= 2
}
