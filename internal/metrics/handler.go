package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler обрабатывает HTTP запросы для метрик
type Handler struct {
	metrics *Metrics
	logger  *zap.Logger
}

// NewHandler создает новый обработчик метрик
func NewHandler(metrics *Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		metrics: metrics,
		logger:  logger,
	}
}

// MetricsHandler возвращает HTTP handler для Prometheus метрик
func (h *Handler) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// healthResponse отдается обработчиком /health
type healthResponse struct {
	Status          string  `json:"status"`
	Service         string  `json:"service"`
	CacheAgeSeconds float64 `json:"cache_age_seconds,omitempty"`
}

// HealthHandler возвращает статус здоровья сервиса вместе с возрастом
// кеша рейтингов. Нулевой возраст до первого пересчета.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Service: "affiliate-bot",
	}
	if rebuiltAt := h.metrics.LastRebuildAt(); !rebuiltAt.IsZero() {
		resp.CacheAgeSeconds = time.Since(rebuiltAt).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("ошибка записи ответа /health", zap.Error(err))
	}
}
