package scheduler

import (
	"context"

	"go.uber.org/zap"

	"affiliate-bot/internal/leaderboard"
	"affiliate-bot/internal/metrics"
)

// RollupJob периодически пересобирает кеш рейтингов из атрибуций
type RollupJob struct {
	leaderboard *leaderboard.Service
	jobMetrics  *metrics.Metrics
	logger      *zap.Logger
}

// NewRollupJob создает задачу пересчета рейтингов
func NewRollupJob(ranks *leaderboard.Service, jobMetrics *metrics.Metrics, logger *zap.Logger) *RollupJob {
	return &RollupJob{
		leaderboard: ranks,
		jobMetrics:  jobMetrics,
		logger:      logger,
	}
}

func (j *RollupJob) Name() string { return "leaderboard_rollup" }

// Run пересобирает рейтинги всех окон
func (j *RollupJob) Run(ctx context.Context) error {
	summary, err := j.leaderboard.RebuildCounts(ctx)
	if err != nil {
		return err
	}
	j.jobMetrics.RecordRebuild(summary.GeneratedAt)
	return nil
}
