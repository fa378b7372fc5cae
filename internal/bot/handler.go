package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"affiliate-bot/internal/facade"
	"affiliate-bot/internal/metrics"
	"affiliate-bot/pkg/models"
)

const (
	// Rate limiting
	MaxRequestsPerMinute = 5 // Максимум команд в минуту на пользователя
	RateLimitWindow      = time.Minute

	// Лимиты вывода
	DefaultTopLimit    = 10
	PendingReviewLimit = 10
	MaxUsernameLength  = 32
)

// Команды, на которые распространяется rate limit
var rateLimitedCommands = map[string]struct{}{
	"ping":       {},
	"mylink":     {},
	"deactivate": {},
	"reactivate": {},
	"mystats":    {},
	"top":        {},
}

// RateLimiter простой rate limiter для пользователей
type RateLimiter struct {
	requests map[int64][]time.Time
	mutex    sync.RWMutex
}

// NewRateLimiter создает новый rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		requests: make(map[int64][]time.Time),
	}
}

// IsAllowed проверяет, разрешен ли запрос для пользователя
func (rl *RateLimiter) IsAllowed(userID int64) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	userRequests := rl.requests[userID]

	// Удаляем старые запросы
	var validRequests []time.Time
	for _, reqTime := range userRequests {
		if now.Sub(reqTime) < RateLimitWindow {
			validRequests = append(validRequests, reqTime)
		}
	}

	// Проверяем лимит
	if len(validRequests) >= MaxRequestsPerMinute {
		rl.requests[userID] = validRequests
		return false
	}

	// Добавляем текущий запрос
	validRequests = append(validRequests, now)
	rl.requests[userID] = validRequests
	return true
}

// BotAPI описывает используемую часть Telegram Bot API (для подмены в тестах)
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

// Handler представляет обработчик обновлений Telegram
type Handler struct {
	bot          BotAPI
	engine       *facade.Engine
	logger       *zap.Logger
	botMetrics   *metrics.Metrics
	rateLimiter  *RateLimiter
	burst        *BurstDetector
	targetChatID int64

	// requestIP возвращает IP источника текущего сигнала, если транспорт
	// его знает. При long polling обычно пустой.
	requestIP func() string
}

// NewHandler создает новый обработчик
func NewHandler(
	bot BotAPI,
	engine *facade.Engine,
	botMetrics *metrics.Metrics,
	targetChatID int64,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		bot:          bot,
		engine:       engine,
		logger:       logger,
		botMetrics:   botMetrics,
		rateLimiter:  NewRateLimiter(),
		burst:        NewBurstDetector(BurstWindow, BurstThreshold),
		targetChatID: targetChatID,
		requestIP:    func() string { return "" },
	}
}

// HandleUpdate обрабатывает входящее обновление
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	// Сигналы о членстве в чате идут мимо rate limiter
	if update.ChatMember != nil {
		return h.handleChatMember(ctx, update.ChatMember)
	}

	// Обрабатываем inline кнопки
	if update.CallbackQuery != nil {
		return h.handleCallbackQuery(ctx, update.CallbackQuery)
	}

	if update.Message == nil || update.Message.From == nil {
		return nil
	}
	if !update.Message.IsCommand() {
		h.logger.Debug("сообщение без команды",
			zap.Int64("chat_id", update.Message.Chat.ID),
			zap.String("text", update.Message.Text))
		return nil
	}

	command := update.Message.Command()
	userID := update.Message.From.ID

	// Проверяем rate limit
	if _, limited := rateLimitedCommands[command]; limited && !h.rateLimiter.IsAllowed(userID) {
		h.logger.Warn("превышен лимит запросов",
			zap.Int64("user_id", userID),
			zap.String("command", command))
		return h.sendMessage(update.Message.Chat.ID, "⚠️ Слишком много запросов. Подождите минуту.")
	}

	h.logger.Debug("получена команда",
		zap.Int64("chat_id", update.Message.Chat.ID),
		zap.String("command", command),
		zap.String("username", update.Message.From.UserName))
	h.botMetrics.RecordCommand(command)

	return h.handleCommand(ctx, update.Message)
}

// handleCommand обрабатывает команды
func (h *Handler) handleCommand(ctx context.Context, message *tgbotapi.Message) error {
	switch message.Command() {
	case "ping":
		return h.sendMessage(message.Chat.ID, "pong")
	case "mylink":
		return h.handleMyLink(ctx, message)
	case "deactivate":
		return h.handleSetActive(ctx, message, false)
	case "reactivate":
		return h.handleSetActive(ctx, message, true)
	case "mystats":
		return h.handleMyStats(ctx, message)
	case "top":
		return h.handleTop(ctx, message)
	case "affiliates":
		return h.handleAffiliates(ctx, message)
	case "who_invited":
		return h.handleWhoInvited(ctx, message)
	case "pause_links":
		return h.handlePauseLinks(ctx, message, false)
	case "resume_links":
		return h.handlePauseLinks(ctx, message, true)
	case "rebuild_counts":
		return h.handleRebuildCounts(ctx, message)
	case "review_pending":
		return h.handleReviewPending(ctx, message)
	default:
		h.logger.Debug("неизвестная команда", zap.String("command", message.Command()))
		return nil
	}
}

// ensureAdmin проверяет, что отправитель является администратором целевого
// чата, и отвечает отказом остальным
func (h *Handler) ensureAdmin(message *tgbotapi.Message) (bool, error) {
	if !h.isAdmin(message.From.ID) {
		return false, h.sendMessage(message.Chat.ID, "Команда доступна только администраторам чата.")
	}
	return true, nil
}

// isAdmin проверяет статус пользователя в целевом чате
func (h *Handler) isAdmin(userID int64) bool {
	member, err := h.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: h.targetChatID,
			UserID: userID,
		},
	})
	if err != nil {
		h.logger.Warn("ошибка проверки статуса администратора",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return false
	}
	return member.Status == "administrator" || member.Status == "creator"
}

// sendMessage отправляет текстовое сообщение
func (h *Handler) sendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if strings.Contains(text, "<") && strings.Contains(text, ">") {
		msg.ParseMode = "HTML"
	}
	msg.DisableWebPagePreview = true
	if _, err := h.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки сообщения: %w", err)
	}
	return nil
}

// sendMessageWithKeyboard отправляет сообщение с inline клавиатурой
func (h *Handler) sendMessageWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = keyboard
	if _, err := h.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки сообщения: %w", err)
	}
	return nil
}

// userFromTelegram переводит профиль Telegram в модель пользователя
func userFromTelegram(from *tgbotapi.User) *models.User {
	return &models.User{
		ID:        from.ID,
		Username:  sanitizeUsername(from.UserName),
		FirstName: sanitizeText(from.FirstName),
		LastName:  sanitizeText(from.LastName),
	}
}

// sanitizeText очищает текст от управляющих символов и HTML
func sanitizeText(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	return html.EscapeString(strings.TrimSpace(cleaned))
}

// sanitizeUsername очищает username от недопустимых символов
func sanitizeUsername(username string) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if len(username) > MaxUsernameLength {
		username = username[:MaxUsernameLength]
	}
	return username
}
