// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セキュリティ各コンポーネントとミドルウェアから利用する。
type MetricsCollector interface {
	RecordRateLimitDecision(scope, action string, allowed bool)
	RecordRateLimitDegraded(action string)
	RecordIPBlocked(reason string)
	RecordContentVerdict(decision string, categories []string)
	RecordAuditEvent(eventType, severity string)
	RecordAuditOverflow()
	RecordAuditFlushFailure()
	RecordAuthEvent(event, outcome string)
	RecordError(code, endpoint string)
	RecordRequest(statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	rateLimitDecisions *prometheus.CounterVec
	rateLimitDegraded  *prometheus.CounterVec
	ipBlocked          *prometheus.CounterVec
	contentVerdicts    *prometheus.CounterVec
	contentCategories  *prometheus.CounterVec
	auditEvents        *prometheus.CounterVec
	auditOverflow      prometheus.Counter
	auditFlushFail     prometheus.Counter
	authEvents         *prometheus.CounterVec
	errors             *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
	requestLatency     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_ratelimit_decisions_total",
			Help: "レート制限の判定数",
		}, []string{"scope", "action", "allowed"}),
		rateLimitDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_ratelimit_degraded_total",
			Help: "ストア障害によりローカル制限へ縮退した判定数",
		}, []string{"action"}),
		ipBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_ip_blocked_total",
			Help: "IPブロックの発動数",
		}, []string{"reason"}),
		contentVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_content_verdicts_total",
			Help: "コンテンツフィルタの判定数",
		}, []string{"decision"}),
		contentCategories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_content_findings_total",
			Help: "カテゴリ別のコンテンツ検出数",
		}, []string{"category"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_audit_events_total",
			Help: "監査イベントの記録数",
		}, []string{"type", "severity"}),
		auditOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_audit_buffer_overflow_total",
			Help: "監査バッファが満杯のためフォールバックログへ書き出したイベント数",
		}),
		auditFlushFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_audit_flush_failures_total",
			Help: "監査イベントの永続化に失敗したバッチ数",
		}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_auth_events_total",
			Help: "認証イベント数",
		}, []string{"event", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_errors_total",
			Help: "エラーコード別のエラーレスポンス数",
		}, []string{"code", "endpoint"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_request_latency_seconds",
			Help:    "リクエスト処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.rateLimitDecisions,
		c.rateLimitDegraded,
		c.ipBlocked,
		c.contentVerdicts,
		c.contentCategories,
		c.auditEvents,
		c.auditOverflow,
		c.auditFlushFail,
		c.authEvents,
		c.errors,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordRateLimitDecision はレート制限の判定を記録する。
func (c *Collector) RecordRateLimitDecision(scope, action string, allowed bool) {
	c.rateLimitDecisions.WithLabelValues(scope, action, strconv.FormatBool(allowed)).Inc()
}

// RecordRateLimitDegraded はローカル制限への縮退を記録する。
func (c *Collector) RecordRateLimitDegraded(action string) {
	c.rateLimitDegraded.WithLabelValues(action).Inc()
}

// RecordIPBlocked はIPブロックの発動を記録する。
func (c *Collector) RecordIPBlocked(reason string) {
	c.ipBlocked.WithLabelValues(reason).Inc()
}

// RecordContentVerdict はコンテンツフィルタの判定と検出カテゴリを記録する。
func (c *Collector) RecordContentVerdict(decision string, categories []string) {
	c.contentVerdicts.WithLabelValues(decision).Inc()
	for _, cat := range categories {
		c.contentCategories.WithLabelValues(cat).Inc()
	}
}

// RecordAuditEvent は監査イベントの記録を数える。
func (c *Collector) RecordAuditEvent(eventType, severity string) {
	c.auditEvents.WithLabelValues(eventType, severity).Inc()
}

// RecordAuditOverflow は監査バッファのオーバーフローを記録する。
func (c *Collector) RecordAuditOverflow() {
	c.auditOverflow.Inc()
}

// RecordAuditFlushFailure は監査イベントの永続化失敗を記録する。
func (c *Collector) RecordAuditFlushFailure() {
	c.auditFlushFail.Inc()
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordError はエラーレスポンスを記録する。
func (c *Collector) RecordError(code, endpoint string) {
	c.errors.WithLabelValues(code, endpoint).Inc()
}

// RecordRequest はHTTPステータスコードとレイテンシを記録する。
func (c *Collector) RecordRequest(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// nopCollector は何も記録しないMetricsCollector。
type nopCollector struct{}

// Nop は何も記録しないMetricsCollectorを返す。メトリクスを使わないテストや構成で使用する。
func Nop() MetricsCollector {
	return nopCollector{}
}

func (nopCollector) RecordRateLimitDecision(string, string, bool) {}
func (nopCollector) RecordRateLimitDegraded(string) {}
func (nopCollector) RecordIPBlocked(string) {}
func (nopCollector) RecordContentVerdict(string, []string) {}
func (nopCollector) RecordAuditEvent(string, string) {}
func (nopCollector) RecordAuditOverflow() {}
func (nopCollector) RecordAuditFlushFailure() {}
func (nopCollector) RecordAuthEvent(string, string) {}
func (nopCollector) RecordError(string, string) {}
func (nopCollector) RecordRequest(int, time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = nopCollector{}
)
