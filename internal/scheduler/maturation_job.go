package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"affiliate-bot/internal/attribution"
	"affiliate-bot/internal/metrics"
)

// MaturationJob подтверждает атрибуции, отлежавшиеся без подозрений
// дольше задержки проверки
type MaturationJob struct {
	attributions *attribution.Service
	delay        time.Duration
	jobMetrics   *metrics.Metrics
	logger       *zap.Logger
}

// NewMaturationJob создает задачу отложенного подтверждения
func NewMaturationJob(attributions *attribution.Service, delay time.Duration, jobMetrics *metrics.Metrics, logger *zap.Logger) *MaturationJob {
	return &MaturationJob{
		attributions: attributions,
		delay:        delay,
		jobMetrics:   jobMetrics,
		logger:       logger,
	}
}

func (j *MaturationJob) Name() string { return "attribution_maturation" }

// Run подтверждает дозревшие атрибуции
func (j *MaturationJob) Run(ctx context.Context) error {
	count, err := j.attributions.VerifyMatured(ctx, j.delay)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		j.jobMetrics.RecordTransition("promote")
	}

	reviews, err := j.attributions.ListPendingReviews(ctx, 0)
	if err != nil {
		return err
	}
	j.jobMetrics.SetGauge("suspicious_pending", float64(len(reviews)))

	return nil
}
