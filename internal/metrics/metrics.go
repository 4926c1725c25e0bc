// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// イベント適用結果のラベル値
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// Reconciler、アクセス照会サービス、ワーカーから利用する。
type MetricsCollector interface {
	RecordEvent(outcome string)
	RecordEventLatency(duration time.Duration)
	RecordStoreRetry(operation string)
	RecordVersionConflict(operation string)
	RecordAccessVerdict(reason string)
	RecordTrialStart(result string)
	RecordTrialExpired(source string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	events           *prometheus.CounterVec
	eventLatency     prometheus.Histogram
	storeRetries     *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	accessVerdicts   *prometheus.CounterVec
	trialStarts      *prometheus.CounterVec
	trialExpired     *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_events_total",
			Help: "購読イベントの処理結果別の合計数",
		}, []string{"outcome"}),
		eventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "entitlement_event_apply_seconds",
			Help:    "購読イベント適用のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_store_retries_total",
			Help: "ストアの一時障害による再試行の合計数",
		}, []string{"operation"}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_version_conflicts_total",
			Help: "楽観的排他制御の競合の合計数",
		}, []string{"operation"}),
		accessVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_access_verdicts_total",
			Help: "アクセス判定の理由別の合計数",
		}, []string{"reason"}),
		trialStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_trial_start_requests_total",
			Help: "トライアル開始要求の結果別の合計数",
		}, []string{"result"}),
		trialExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_trial_expirations_total",
			Help: "トライアル期限切れの書き戻しの合計数",
		}, []string{"source"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.events,
		c.eventLatency,
		c.storeRetries,
		c.versionConflicts,
		c.accessVerdicts,
		c.trialStarts,
		c.trialExpired,
		c.httpStatus,
	)

	return c
}

// RecordEvent はイベント処理結果を記録する。
func (c *Collector) RecordEvent(outcome string) {
	c.events.WithLabelValues(outcome).Inc()
}

// RecordEventLatency はイベント適用のレイテンシを記録する。
func (c *Collector) RecordEventLatency(duration time.Duration) {
	c.eventLatency.Observe(duration.Seconds())
}

// RecordStoreRetry はストア再試行を記録する。
func (c *Collector) RecordStoreRetry(operation string) {
	c.storeRetries.WithLabelValues(operation).Inc()
}

// RecordVersionConflict はバージョン競合を記録する。
func (c *Collector) RecordVersionConflict(operation string) {
	c.versionConflicts.WithLabelValues(operation).Inc()
}

// RecordAccessVerdict はアクセス判定の理由を記録する。
func (c *Collector) RecordAccessVerdict(reason string) {
	c.accessVerdicts.WithLabelValues(reason).Inc()
}

// RecordTrialStart はトライアル開始要求の結果を記録する。
func (c *Collector) RecordTrialStart(result string) {
	c.trialStarts.WithLabelValues(result).Inc()
}

// RecordTrialExpired はトライアル期限切れの書き戻しを記録する。
func (c *Collector) RecordTrialExpired(source string) {
	c.trialExpired.WithLabelValues(source).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス無効時とテストで使用する。
type Nop struct{}

func (Nop) RecordEvent(string)               {}
func (Nop) RecordEventLatency(time.Duration) {}
func (Nop) RecordStoreRetry(string)          {}
func (Nop) RecordVersionConflict(string)     {}
func (Nop) RecordAccessVerdict(string)       {}
func (Nop) RecordTrialStart(string)          {}
func (Nop) RecordTrialExpired(string)        {}
func (Nop) RecordHTTPStatus(int)             {}

// OrNop はcがnilの場合にNopを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
