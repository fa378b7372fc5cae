package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// Метрики регистрируются в глобальном реестре prometheus,
// поэтому New вызывается один раз на тестовый бинарник
var testMetrics = New(zap.NewNop())

func TestMetrics(t *testing.T) {
	m := testMetrics

	// Test counter increment
	m.IncrementCounter("joins_total", "created")

	// Test gauge set
	m.SetGauge("suspicious_pending", 3.0)

	// Test high-level methods
	m.RecordJoin("already_attributed", 15*time.Millisecond)
	m.RecordTransition("promote")
	m.RecordCommand("mylink")

	rebuiltAt := time.Now().Add(-time.Minute)
	m.RecordRebuild(rebuiltAt)
	if !m.LastRebuildAt().Equal(rebuiltAt) {
		t.Errorf("LastRebuildAt = %v, ожидалось %v", m.LastRebuildAt(), rebuiltAt)
	}
}

func TestHealthHandler(t *testing.T) {
	handler := NewHandler(testMetrics, zap.NewNop())
	testMetrics.RecordRebuild(time.Now().Add(-time.Minute))

	rec := httptest.NewRecorder()
	handler.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("код ответа = %d, ожидалось 200", rec.Code)
	}

	var resp struct {
		Status          string  `json:"status"`
		Service         string  `json:"service"`
		CacheAgeSeconds float64 `json:"cache_age_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ошибка разбора ответа: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, ожидалось ok", resp.Status)
	}
	if resp.Service != "affiliate-bot" {
		t.Errorf("service = %q, ожидалось affiliate-bot", resp.Service)
	}
	if resp.CacheAgeSeconds < 59 {
		t.Errorf("cache_age_seconds = %f, ожидалось не меньше 59", resp.CacheAgeSeconds)
	}
}
