package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"affiliate-bot/internal/config"
	"affiliate-bot/internal/leaderboard"
	"affiliate-bot/internal/store"

	"go.uber.org/zap"
)

func main() {
	var (
		withIntegrity = flag.Bool("integrity", true, "Проверить целостность данных после пересчета")
		topWindow     = flag.String("window", "all", "Окно рейтинга для вывода (all, 7d, 30d)")
		topLimit      = flag.Int("limit", 10, "Сколько строк рейтинга вывести")
	)
	flag.Parse()

	// Инициализация логгера
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Ошибка инициализации логгера:", err)
	}
	defer logger.Sync()

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	// Подключение к базе данных
	store, err := store.NewStore(cfg, logger)
	if err != nil {
		logger.Fatal("Ошибка подключения к базе данных", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()

	if err := rebuild(ctx, store, *topWindow, *topLimit, *withIntegrity, logger); err != nil {
		logger.Fatal("Ошибка пересчета рейтингов", zap.Error(err))
	}

	logger.Info("Пересчет рейтингов завершен успешно")
}

func rebuild(ctx context.Context, st store.Store, window string, limit int, withIntegrity bool, logger *zap.Logger) error {
	if !leaderboard.KnownWindow(window) {
		return fmt.Errorf("неизвестное окно рейтинга: %s", window)
	}

	ranks := leaderboard.NewService(st, logger)

	summary, err := ranks.RebuildCounts(ctx)
	if err != nil {
		return fmt.Errorf("ошибка пересчета: %w", err)
	}

	logger.Info("Рейтинги пересобраны",
		zap.Int("affiliates_processed", summary.AffiliatesProcessed),
		zap.Int("attributions_processed", summary.AttributionsProcessed),
		zap.Time("generated_at", summary.GeneratedAt))

	top, err := ranks.TopAffiliates(ctx, window, limit)
	if err != nil {
		return fmt.Errorf("ошибка получения рейтинга: %w", err)
	}
	for i, rank := range top {
		label := fmt.Sprintf("аффилиат #%d", rank.AffiliateID)
		if rank.Owner != nil {
			label = rank.Owner.DisplayName()
		}
		fmt.Printf("%3d. %-24s %d\n", i+1, label, rank.VerifiedCount)
	}

	if !withIntegrity {
		return nil
	}

	report, err := st.Attribution().IntegrityReport(ctx)
	if err != nil {
		return fmt.Errorf("ошибка проверки целостности: %w", err)
	}

	if report.DanglingAttributions == 0 && report.VerifiedBehindInactive == 0 {
		logger.Info("Нарушений целостности не найдено")
		return nil
	}

	logger.Warn("Найдены нарушения целостности",
		zap.Int("dangling_attributions", report.DanglingAttributions),
		zap.Int("verified_behind_inactive", report.VerifiedBehindInactive))
	return nil
}
