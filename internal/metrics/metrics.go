// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// 台帳クライアント、監査サービス、リプレイヤー、イベントハブ、オーケストレータの
// 各 Recorder インターフェースをまとめて満たす。
type Collector struct {
	ledgerCalls    *prometheus.CounterVec
	ledgerLatency  *prometheus.HistogramVec
	auditWrites    *prometheus.CounterVec
	auditReplays   *prometheus.CounterVec
	auditBacklog   prometheus.Gauge
	auditGaps      *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	operations     *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_ledger_calls_total",
			Help: "台帳呼び出しの関数・結果別の合計数",
		}, []string{"function", "outcome"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "couponledger_ledger_call_duration_seconds",
			Help:    "台帳呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"function"}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_audit_writes_total",
			Help: "監査書き込みの種別・結果別の合計数",
		}, []string{"kind", "outcome"}),
		auditReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_audit_replays_total",
			Help: "アウトボックス再送の種別・結果別の合計数",
		}, []string{"kind", "outcome"}),
		auditBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "couponledger_audit_outbox_backlog",
			Help: "アウトボックスに滞留している監査記録の件数",
		}),
		auditGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_audit_gaps_total",
			Help: "台帳コミット後に監査記録が書けなかった回数",
		}, []string{"operation"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_events_published_total",
			Help: "発行したイベントの種別別の合計数",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_events_dropped_total",
			Help: "購読者のバッファ溢れで届けられなかったイベント数",
		}, []string{"type"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_operations_total",
			Help: "オーケストレータ操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "couponledger_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "couponledger_http_request_duration_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.ledgerCalls,
		c.ledgerLatency,
		c.auditWrites,
		c.auditReplays,
		c.auditBacklog,
		c.auditGaps,
		c.eventsSent,
		c.eventsDropped,
		c.operations,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLedgerCall は台帳呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordLedgerCall(function, outcome string, duration time.Duration) {
	c.ledgerCalls.WithLabelValues(function, outcome).Inc()
	c.ledgerLatency.WithLabelValues(function).Observe(duration.Seconds())
}

// RecordAuditWrite は監査書き込みの結果を記録する。
func (c *Collector) RecordAuditWrite(kind, outcome string) {
	c.auditWrites.WithLabelValues(kind, outcome).Inc()
}

// RecordAuditReplay はアウトボックス再送の結果を記録する。
func (c *Collector) RecordAuditReplay(kind, outcome string) {
	c.auditReplays.WithLabelValues(kind, outcome).Inc()
}

// SetAuditBacklog はアウトボックスの滞留件数を設定する。
func (c *Collector) SetAuditBacklog(n int) {
	c.auditBacklog.Set(float64(n))
}

// RecordAuditGap は台帳コミット後の監査欠落を記録する。
func (c *Collector) RecordAuditGap(operation string) {
	c.auditGaps.WithLabelValues(operation).Inc()
}

// RecordEventPublished はイベント発行を記録する。
func (c *Collector) RecordEventPublished(eventType string) {
	c.eventsSent.WithLabelValues(eventType).Inc()
}

// RecordEventDropped は届けられなかったイベントを記録する。
func (c *Collector) RecordEventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// RecordOperation はオーケストレータ操作の結果を記録する。
func (c *Collector) RecordOperation(operation, outcome string) {
	c.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はHTTPリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
