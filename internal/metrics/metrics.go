package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics содержит все метрики приложения
type Metrics struct {
	logger *zap.Logger

	// Счетчики
	joins       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	commands    *prometheus.CounterVec
	rebuilds    prometheus.Counter

	// Гистограммы
	resolveTime prometheus.Histogram

	// Gauge метрики
	lastRebuild       prometheus.Gauge
	suspiciousPending prometheus.Gauge

	// Мьютекс для thread-safety
	mu sync.RWMutex

	// Время последнего пересчета рейтингов, отдается в /health
	lastRebuildAt time.Time
}

// New создает новый экземпляр метрик
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger: logger,

		// Счетчики сигналов о вступлении
		joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "joins_total",
				Help: "Общее количество сигналов о вступлении",
			},
			[]string{"outcome"}, // created, already_attributed, unresolved
		),

		// Счетчики переходов статусов
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "status_transitions_total",
				Help: "Общее количество переходов статусов атрибуций",
			},
			[]string{"type"}, // promote, leave, revoke, noop
		),

		// Счетчики команд бота
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_commands_total",
				Help: "Общее количество обработанных команд",
			},
			[]string{"command"},
		),

		// Счетчик пересчетов рейтингов
		rebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leaderboard_rebuilds_total",
				Help: "Общее количество пересчетов рейтингов",
			},
		),

		// Гистограмма времени обработки вступления
		resolveTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "resolve_join_seconds",
				Help:    "Время обработки сигнала о вступлении в секундах",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Gauge времени последнего пересчета
		lastRebuild: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaderboard_last_rebuild_timestamp",
				Help: "Timestamp последнего пересчета рейтингов",
			},
		),

		// Gauge очереди ручной проверки
		suspiciousPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "suspicious_pending",
				Help: "Количество подозрительных атрибуций в очереди проверки",
			},
		),
	}

	// Регистрируем все метрики
	prometheus.MustRegister(
		m.joins,
		m.transitions,
		m.commands,
		m.rebuilds,
		m.resolveTime,
		m.lastRebuild,
		m.suspiciousPending,
	)

	return m
}

// IncrementCounter увеличивает счетчик
func (m *Metrics) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "joins_total":
		m.joins.WithLabelValues(labels...).Inc()
	case "status_transitions_total":
		m.transitions.WithLabelValues(labels...).Inc()
	case "bot_commands_total":
		m.commands.WithLabelValues(labels...).Inc()
	case "leaderboard_rebuilds_total":
		m.rebuilds.Inc()
	default:
		m.logger.Error("неизвестная метрика", zap.String("name", name))
		return
	}

	m.logger.Debug("метрика увеличена", zap.String("metric", name))
}

// SetGauge устанавливает значение gauge метрики
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var gauge prometheus.Gauge

	switch name {
	case "leaderboard_last_rebuild_timestamp":
		gauge = m.lastRebuild
	case "suspicious_pending":
		gauge = m.suspiciousPending
	default:
		m.logger.Error("неизвестная gauge метрика", zap.String("name", name))
		return
	}

	gauge.Set(value)
	m.logger.Debug("метрика установлена", zap.String("metric", name), zap.Float64("value", value))
}

// RecordJoin записывает исход обработки сигнала о вступлении
func (m *Metrics) RecordJoin(outcome string, took time.Duration) {
	m.IncrementCounter("joins_total", outcome)
	m.mu.Lock()
	m.resolveTime.Observe(took.Seconds())
	m.mu.Unlock()
}

// RecordTransition записывает переход статуса атрибуции
func (m *Metrics) RecordTransition(transitionType string) {
	m.IncrementCounter("status_transitions_total", transitionType)
}

// RecordCommand записывает обработанную команду бота
func (m *Metrics) RecordCommand(command string) {
	m.IncrementCounter("bot_commands_total", command)
}

// RecordRebuild записывает пересчет рейтингов
func (m *Metrics) RecordRebuild(generatedAt time.Time) {
	m.IncrementCounter("leaderboard_rebuilds_total")
	m.SetGauge("leaderboard_last_rebuild_timestamp", float64(generatedAt.Unix()))
	m.mu.Lock()
	m.lastRebuildAt = generatedAt
	m.mu.Unlock()
}

// LastRebuildAt возвращает время последнего пересчета рейтингов.
// Нулевое время означает, что пересчет еще не выполнялся.
func (m *Metrics) LastRebuildAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRebuildAt
}
