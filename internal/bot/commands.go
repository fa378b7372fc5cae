package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"affiliate-bot/internal/facade"
	"affiliate-bot/internal/leaderboard"
	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"
)

// handleMyLink выдает владельцу его пригласительную ссылку
func (h *Handler) handleMyLink(ctx context.Context, message *tgbotapi.Message) error {
	if !message.Chat.IsPrivate() {
		return nil
	}

	result, err := h.engine.CreateOrGetLink(ctx, userFromTelegram(message.From))
	if err != nil {
		h.logger.Error("ошибка выдачи ссылки",
			zap.Int64("user_id", message.From.ID),
			zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось получить вашу ссылку. Попробуйте позже.")
	}

	affiliate := result.Affiliate
	instructions := "Делитесь ссылкой, чтобы вступившие засчитывались вам.\n" +
		"Команда /deactivate ставит атрибуцию на паузу, /reactivate возвращает."

	var header string
	switch {
	case result.Created:
		header = "Ваша пригласительная ссылка готова!"
	case result.Reactivated:
		header = "Ваша ссылка снова включена."
	default:
		header = "Ваша ссылка действует."
	}

	text := fmt.Sprintf("%s\n%s\nКод: %s\n\n%s", header, affiliate.InviteLink, affiliate.LinkCode, instructions)
	return h.sendMessage(message.Chat.ID, text)
}

// handleSetActive включает или выключает ссылку отправителя
func (h *Handler) handleSetActive(ctx context.Context, message *tgbotapi.Message, active bool) error {
	if !message.Chat.IsPrivate() {
		return nil
	}

	affiliate, changed, err := h.engine.SetLinkActive(ctx, message.From.ID, active)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.sendMessage(message.Chat.ID, "У вас еще нет ссылки. Отправьте /mylink, чтобы создать.")
		}
		h.logger.Error("ошибка переключения ссылки",
			zap.Int64("user_id", message.From.ID),
			zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось изменить состояние ссылки. Попробуйте позже.")
	}

	var text string
	switch {
	case active && changed:
		text = "Ваша ссылка снова включена!\n" + affiliate.InviteLink
	case active && !changed:
		text = "Ваша ссылка уже включена.\n" + affiliate.InviteLink
	case !active && changed:
		text = "Ваша ссылка выключена. Команда /reactivate вернет ее в строй."
	default:
		text = "Ваша ссылка уже выключена."
	}
	return h.sendMessage(message.Chat.ID, text)
}

// handleMyStats показывает владельцу счетчики его атрибуций
func (h *Handler) handleMyStats(ctx context.Context, message *tgbotapi.Message) error {
	if !message.Chat.IsPrivate() {
		return nil
	}

	affiliate, stats, err := h.engine.StatsFor(ctx, message.From.ID)
	if err != nil {
		h.logger.Error("ошибка получения статистики",
			zap.Int64("user_id", message.From.ID),
			zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось получить статистику. Попробуйте позже.")
	}
	if affiliate == nil {
		return h.sendMessage(message.Chat.ID, "Ссылка не найдена. Отправьте /mylink, чтобы создать.")
	}

	text := fmt.Sprintf(
		"Ваша статистика приглашений:\nПодтверждено: %d\nОжидает: %d\nОтозвано: %d\nСсылка: %s",
		stats.Verified, stats.Pending, stats.Revoked, affiliate.InviteLink)
	return h.sendMessage(message.Chat.ID, text)
}

// handleTop показывает рейтинг аффилиатов: /top [7d|30d] [n]
func (h *Handler) handleTop(ctx context.Context, message *tgbotapi.Message) error {
	window := leaderboard.WindowAll
	limit := DefaultTopLimit

	args := strings.Fields(message.CommandArguments())
	if len(args) > 0 {
		token := strings.ToLower(args[0])
		if token == leaderboard.Window7Days || token == leaderboard.Window30Days {
			window = token
			args = args[1:]
		}
	}
	if len(args) > 0 {
		if parsed, err := strconv.Atoi(args[0]); err == nil {
			limit = parsed
			if limit < 1 {
				limit = 1
			}
			if limit > facade.MaxTopLimit {
				limit = facade.MaxTopLimit
			}
		}
	}

	ranks, err := h.engine.TopAffiliates(ctx, window, limit)
	if err != nil {
		h.logger.Error("ошибка получения рейтинга", zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось получить рейтинг. Попробуйте позже.")
	}
	if len(ranks) == 0 {
		return h.sendMessage(message.Chat.ID, "Подтвержденных приглашений пока нет.")
	}

	var sb strings.Builder
	sb.WriteString("Место Аффилиат             Подтв.\n")
	for i, rank := range ranks {
		label := rankDisplayName(rank)
		if len([]rune(label)) > 20 {
			label = string([]rune(label)[:20])
		}
		sb.WriteString(fmt.Sprintf("%5d %-20s %6d\n", i+1, label, rank.VerifiedCount))
	}

	text := fmt.Sprintf("<pre>%s</pre>", html.EscapeString(strings.TrimRight(sb.String(), "\n")))
	if generatedAt := h.engine.CacheGeneratedAt(); !generatedAt.IsZero() {
		text += fmt.Sprintf("\n\nКеш: %s", formatTimestamp(&generatedAt))
	}
	return h.sendMessage(message.Chat.ID, text)
}

// handleAffiliates показывает админскую сводку по ссылкам и атрибуциям
func (h *Handler) handleAffiliates(ctx context.Context, message *tgbotapi.Message) error {
	if ok, err := h.ensureAdmin(message); !ok {
		return err
	}

	overview, err := h.engine.AffiliateOverview(ctx)
	if err != nil {
		h.logger.Error("ошибка получения сводки", zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось получить сводку. Попробуйте позже.")
	}

	text := fmt.Sprintf(
		"Сводка по аффилиатам:\nВключено: %d из %d\nВыключено: %d",
		overview.Active, overview.Total, overview.Inactive)
	return h.sendMessage(message.Chat.ID, text)
}

// handleWhoInvited отвечает, по чьей ссылке вступил пользователь:
// /who_invited <@username|user_id>
func (h *Handler) handleWhoInvited(ctx context.Context, message *tgbotapi.Message) error {
	if ok, err := h.ensureAdmin(message); !ok {
		return err
	}

	target := strings.TrimSpace(message.CommandArguments())
	if target == "" {
		return h.sendMessage(message.Chat.ID, "Использование: /who_invited <@username|user_id>")
	}

	joinedUserID, err := h.resolveUserArg(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.sendMessage(message.Chat.ID, "Пользователь не найден.")
		}
		h.logger.Error("ошибка поиска пользователя", zap.String("target", target), zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось найти пользователя. Попробуйте позже.")
	}

	invitation, err := h.engine.WhoInvited(ctx, joinedUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.sendMessage(message.Chat.ID, "Атрибуция для этого пользователя не найдена.")
		}
		h.logger.Error("ошибка обратного поиска", zap.Int64("user_id", joinedUserID), zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось выполнить поиск. Попробуйте позже.")
	}

	inviter := "аффилиат #" + strconv.FormatInt(invitation.Affiliate.ID, 10)
	if invitation.Owner != nil {
		inviter = invitation.Owner.DisplayName()
	}
	verifiedLine := ""
	if invitation.Attribution.VerifiedAt != nil {
		verifiedLine = ", подтверждено " + formatTimestamp(invitation.Attribution.VerifiedAt)
	}
	text := fmt.Sprintf("Пригласил: %s (статус: %s%s)",
		inviter, invitation.Attribution.Status, verifiedLine)
	return h.sendMessage(message.Chat.ID, text)
}

// resolveUserArg переводит аргумент команды в идентификатор пользователя
func (h *Handler) resolveUserArg(ctx context.Context, arg string) (int64, error) {
	trimmed := strings.TrimPrefix(arg, "@")
	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return id, nil
	}
	user, err := h.engine.UserByUsername(ctx, trimmed)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// handlePauseLinks переключает все ссылки разом (аварийная пауза)
func (h *Handler) handlePauseLinks(ctx context.Context, message *tgbotapi.Message, active bool) error {
	if ok, err := h.ensureAdmin(message); !ok {
		return err
	}

	var (
		affected int64
		err      error
	)
	if active {
		affected, err = h.engine.ResumeAllLinks(ctx)
	} else {
		affected, err = h.engine.PauseAllLinks(ctx)
	}
	if err != nil {
		h.logger.Error("ошибка массового переключения", zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось переключить ссылки. Попробуйте позже.")
	}

	if active {
		return h.sendMessage(message.Chat.ID,
			fmt.Sprintf("Включено ссылок: %d.", affected))
	}
	return h.sendMessage(message.Chat.ID,
		fmt.Sprintf("Поставлено на паузу ссылок: %d. Существующие атрибуции не затронуты.", affected))
}

// handleRebuildCounts пересчитывает рейтинги по запросу администратора
func (h *Handler) handleRebuildCounts(ctx context.Context, message *tgbotapi.Message) error {
	if ok, err := h.ensureAdmin(message); !ok {
		return err
	}

	summary, err := h.engine.RebuildCounts(ctx)
	if err != nil {
		h.logger.Error("ошибка пересчета рейтингов", zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось пересчитать рейтинги. Попробуйте позже.")
	}
	h.botMetrics.RecordRebuild(summary.GeneratedAt)

	text := fmt.Sprintf(
		"Рейтинги пересчитаны.\nСсылок: %d\nАтрибуций: %d\nВремя: %s",
		summary.AffiliatesProcessed,
		summary.AttributionsProcessed,
		formatTimestamp(&summary.GeneratedAt))
	return h.sendMessage(message.Chat.ID, text)
}

// handleReviewPending показывает очередь подозрительных атрибуций с
// кнопками подтверждения и отзыва
func (h *Handler) handleReviewPending(ctx context.Context, message *tgbotapi.Message) error {
	if ok, err := h.ensureAdmin(message); !ok {
		return err
	}

	reviews, err := h.engine.ListPendingAttributions(ctx, PendingReviewLimit)
	if err != nil {
		h.logger.Error("ошибка получения очереди проверки", zap.Error(err))
		return h.sendMessage(message.Chat.ID, "Не удалось получить очередь проверки. Попробуйте позже.")
	}
	if len(reviews) == 0 {
		return h.sendMessage(message.Chat.ID, "Подозрительных атрибуций нет.")
	}

	var lines []string
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, review := range reviews {
		joined := strconv.FormatInt(review.Attribution.JoinedUserID, 10)
		if review.JoinedUser != nil {
			joined = review.JoinedUser.DisplayName()
		}
		inviter := "аффилиат #" + strconv.FormatInt(review.Attribution.AffiliateID, 10)
		if review.Owner != nil {
			inviter = review.Owner.DisplayName()
		}
		note := "pending_review"
		if review.Attribution.Note != nil {
			note = *review.Attribution.Note
		}
		lines = append(lines, fmt.Sprintf("#%d %s через %s [%s] %s",
			review.Attribution.ID, joined, inviter, note,
			formatTimestamp(&review.Attribution.JoinedAt)))

		id := strconv.FormatInt(review.Attribution.ID, 10)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Подтвердить #"+id, "review:verify:"+id),
			tgbotapi.NewInlineKeyboardButtonData("Отозвать #"+id, "review:revoke:"+id),
		))
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return h.sendMessageWithKeyboard(message.Chat.ID, strings.Join(lines, "\n"), keyboard)
}

// handleCallbackQuery обрабатывает inline кнопки очереди проверки
func (h *Handler) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	if !strings.HasPrefix(callback.Data, "review:") {
		return h.answerCallback(callback.ID, "", false)
	}
	if !h.isAdmin(callback.From.ID) {
		return h.answerCallback(callback.ID, "Только для администраторов.", true)
	}

	parts := strings.Split(callback.Data, ":")
	if len(parts) != 3 {
		return h.answerCallback(callback.ID, "Некорректные данные.", true)
	}
	attributionID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return h.answerCallback(callback.ID, "Некорректные данные.", true)
	}

	var result *models.Attribution
	switch parts[1] {
	case "verify":
		result, err = h.engine.AdminVerify(ctx, attributionID)
	case "revoke":
		result, err = h.engine.AdminRevoke(ctx, attributionID)
	default:
		return h.answerCallback(callback.ID, "Неизвестное действие.", true)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.answerCallback(callback.ID, "Атрибуция не найдена.", true)
		}
		h.logger.Error("ошибка ручной проверки",
			zap.Int64("attribution_id", attributionID),
			zap.String("action", parts[1]),
			zap.Error(err))
		return h.answerCallback(callback.ID, "Ошибка обработки. Попробуйте позже.", true)
	}
	h.botMetrics.RecordTransition(string(result.Status))

	if parts[1] == "verify" {
		return h.answerCallback(callback.ID, fmt.Sprintf("Атрибуция #%d подтверждена.", attributionID), false)
	}
	return h.answerCallback(callback.ID, fmt.Sprintf("Атрибуция #%d отозвана.", attributionID), false)
}

// answerCallback отвечает на callback запрос
func (h *Handler) answerCallback(callbackID, text string, alert bool) error {
	answer := tgbotapi.NewCallback(callbackID, text)
	answer.ShowAlert = alert
	if _, err := h.bot.Request(answer); err != nil {
		return fmt.Errorf("ошибка ответа на callback: %w", err)
	}
	return nil
}

// rankDisplayName возвращает подпись строки рейтинга
func rankDisplayName(rank *models.AffiliateRank) string {
	if rank.Owner != nil {
		return rank.Owner.DisplayName()
	}
	return "аффилиат #" + strconv.FormatInt(rank.AffiliateID, 10)
}

// formatTimestamp форматирует метку времени для ответов бота
func formatTimestamp(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format("2006-01-02 15:04 UTC")
}
