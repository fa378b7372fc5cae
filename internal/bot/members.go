package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"affiliate-bot/internal/attribution"
	"affiliate-bot/internal/linkgen"
	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"
)

// handleChatMember обрабатывает изменение членства в целевом чате.
// Вступление превращается в сигнал ResolveJoin, выход и бан в
// ApplyLeaveOrRevoke. Остальные чаты игнорируются.
func (h *Handler) handleChatMember(ctx context.Context, update *tgbotapi.ChatMemberUpdated) error {
	if update.Chat.ID != h.targetChatID {
		return nil
	}

	oldStatus := update.OldChatMember.Status
	newStatus := update.NewChatMember.Status

	if newStatus == "member" && oldStatus != "member" {
		return h.handleJoin(ctx, update)
	}
	if oldStatus == "member" && (newStatus == "left" || newStatus == "kicked") {
		return h.handleLeave(ctx, update)
	}
	return nil
}

// handleJoin разрешает вступление в атрибуцию
func (h *Handler) handleJoin(ctx context.Context, update *tgbotapi.ChatMemberUpdated) error {
	// Без пригласительной ссылки атрибутировать нечего
	if update.InviteLink == nil || update.InviteLink.InviteLink == "" {
		return nil
	}
	linkCode := linkgen.ExtractCode(update.InviteLink.InviteLink)
	if linkCode == "" {
		return nil
	}

	target := update.NewChatMember.User
	now := time.Now().UTC()
	sourceIP := h.requestIP()
	subnet := SubnetOf(sourceIP)

	var suspicions []string
	burstSuspected := false
	if subnet != "" && h.burst.Record(subnet, now) {
		suspicions = append(suspicions, attribution.NoteIPBurst)
		burstSuspected = true
	}
	if IsFreshAccount(target) {
		suspicions = append(suspicions, attribution.NoteFreshAccount)
	}

	meta := &models.JoinMetadata{
		SourceIP:     sourceIP,
		SourceSubnet: subnet,
		Raw: map[string]any{
			"invite_link": update.InviteLink.InviteLink,
		},
	}
	if len(suspicions) > 0 {
		meta.Note = strings.Join(suspicions, ",")
		meta.Raw["flags"] = suspicions
	}

	started := time.Now()
	result, err := h.engine.ResolveJoin(ctx, userFromTelegram(target), linkCode, meta)
	if err != nil {
		h.logger.Error("ошибка обработки вступления",
			zap.Int64("user_id", target.ID),
			zap.String("link_code", linkCode),
			zap.Error(err))
		return err
	}
	h.botMetrics.RecordJoin(string(result.Outcome), time.Since(started))

	// Всплеск помечает и соседей по подсети, уже прошедших проверку
	if result.Outcome == models.OutcomeCreated && burstSuspected {
		flagged, err := h.engine.FlagSubnetBurst(ctx, subnet, BurstWindow, BurstThreshold)
		if err != nil {
			h.logger.Error("ошибка пометки всплеска",
				zap.String("subnet", subnet),
				zap.Error(err))
		} else if flagged > 0 {
			h.logger.Warn("помечен всплеск вступлений",
				zap.String("subnet", subnet),
				zap.Int("flagged", flagged))
		}
	}

	h.logger.Info("обработано вступление",
		zap.Int64("user_id", target.ID),
		zap.String("link_code", linkCode),
		zap.String("outcome", string(result.Outcome)),
		zap.Strings("flags", suspicions))
	return nil
}

// handleLeave отзывает атрибуцию покинувшего чат пользователя
func (h *Handler) handleLeave(ctx context.Context, update *tgbotapi.ChatMemberUpdated) error {
	target := update.OldChatMember.User
	reason := models.ReasonLeft
	if update.NewChatMember.Status == "kicked" {
		reason = models.ReasonKicked
	}

	_, revoked, err := h.engine.ApplyLeaveOrRevoke(ctx, target.ID, reason)
	if err != nil {
		// Выход пользователя без атрибуции не является ошибкой
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		h.logger.Error("ошибка обработки выхода",
			zap.Int64("user_id", target.ID),
			zap.Error(err))
		return err
	}
	if revoked {
		h.botMetrics.RecordTransition(string(reason.EventType()))
	} else {
		h.botMetrics.RecordTransition("noop")
	}

	h.logger.Info("обработан выход",
		zap.Int64("user_id", target.ID),
		zap.String("reason", string(reason)),
		zap.Bool("revoked", revoked))
	return nil
}
