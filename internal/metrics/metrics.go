// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// プロフィール操作の結果ラベル
const (
	OutcomeFound    = "found"
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeFallback = "fallback"
	OutcomeAbsent   = "absent"
	OutcomeError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とミドルウェアから利用する。
type MetricsCollector interface {
	RecordProfileOperation(operation, outcome string)
	RecordAuthOperation(operation string, success bool)
	RecordAIRequest(kind, outcome string, duration time.Duration)
	RecordTranslationCache(hit bool)
	RecordHTTPStatus(statusCode int)
	SetActiveControllers(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	profileOps        *prometheus.CounterVec
	authOps           *prometheus.CounterVec
	aiRequests        *prometheus.CounterVec
	aiLatency         *prometheus.HistogramVec
	translationCache  *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	activeControllers prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		profileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_profile_operations_total",
			Help: "プロフィール操作の結果別件数",
		}, []string{"operation", "outcome"}),
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_auth_operations_total",
			Help: "認証操作の成否別件数",
		}, []string{"operation", "result"}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_ai_requests_total",
			Help: "生成AI呼び出しの結果別件数",
		}, []string{"kind", "outcome"}),
		aiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hdtn_ai_latency_seconds",
			Help:    "生成AI呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),
		translationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_translation_cache_total",
			Help: "翻訳キャッシュのヒット・ミス件数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hdtn_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		activeControllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hdtn_active_controllers",
			Help: "保持中のセッションコントローラー数",
		}),
	}

	reg.MustRegister(
		c.profileOps,
		c.authOps,
		c.aiRequests,
		c.aiLatency,
		c.translationCache,
		c.httpStatus,
		c.activeControllers,
	)

	return c
}

// RecordProfileOperation はプロフィール操作の結果を記録する。
func (c *Collector) RecordProfileOperation(operation, outcome string) {
	c.profileOps.WithLabelValues(operation, outcome).Inc()
}

// RecordAuthOperation は認証操作の成否を記録する。
func (c *Collector) RecordAuthOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.authOps.WithLabelValues(operation, result).Inc()
}

// RecordAIRequest は生成AI呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordAIRequest(kind, outcome string, duration time.Duration) {
	c.aiRequests.WithLabelValues(kind, outcome).Inc()
	c.aiLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTranslationCache は翻訳キャッシュのヒット・ミスを記録する。
func (c *Collector) RecordTranslationCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.translationCache.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetActiveControllers は保持中のコントローラー数を設定する。
func (c *Collector) SetActiveControllers(n int) {
	c.activeControllers.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordProfileOperation(string, string)         {}
func (Nop) RecordAuthOperation(string, bool)              {}
func (Nop) RecordAIRequest(string, string, time.Duration) {}
func (Nop) RecordTranslationCache(bool)                   {}
func (Nop) RecordHTTPStatus(int)                          {}
func (Nop) SetActiveControllers(int)                      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
