package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler управляет запуском периодических задач
type Scheduler struct {
	logger  *zap.Logger
	entries []entry
	wg      sync.WaitGroup
}

// Job интерфейс для периодических задач
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job      Job
	interval time.Duration
}

// NewScheduler создает новый планировщик задач
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		entries: make([]entry, 0),
	}
}

// AddJob добавляет задачу со своим интервалом запуска
func (s *Scheduler) AddJob(job Job, interval time.Duration) {
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Start запускает все задачи, каждую на своем тикере. Блокируется до
// отмены контекста.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("запуск планировщика задач", zap.Int("jobs_count", len(s.entries)))

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.runLoop(ctx, e)
	}

	s.wg.Wait()
	s.logger.Info("планировщик задач остановлен")
}

// runLoop крутит одну задачу до отмены контекста
func (s *Scheduler) runLoop(ctx context.Context, e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Запускаем задачу сразу при старте
	s.runJob(ctx, e.job)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("остановка задачи", zap.String("job", e.job.Name()))
			return
		case <-ticker.C:
			s.runJob(ctx, e.job)
		}
	}
}

// runJob запускает задачу один раз
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	s.logger.Debug("запуск задачи", zap.String("job", job.Name()))

	if err := job.Run(ctx); err != nil {
		s.logger.Error("ошибка выполнения задачи",
			zap.String("job", job.Name()),
			zap.Error(err))
	}
}
