// Package errorhandler は内部エラーを外部公開用のエラーコードとレスポンスに変換する。
//
// 呼び出し元に返すのは定義済みのコードと汎用メッセージのみで、
// 内部詳細はログにのみ記録する。エラーの発生頻度をコード・エンドポイント別に集計する。
package errorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/audit"
	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/model"
)

// レスポンスヘッダー
const (
	HeaderErrorCode  = "X-Error-Code"
	HeaderErrorID    = "X-Error-ID"
	HeaderRetryAfter = "Retry-After"
)

// ResponseBody はエラーレスポンスの統一フォーマット。
type ResponseBody struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	Category   string `json:"category,omitempty"`
	Action     string `json:"action,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// EventSink は監査イベントの送信先。
type EventSink interface {
	Log(ctx context.Context, event model.AuditEvent)
}

// Option はHandlerの任意設定。
type Option func(*Handler)

// WithClock は現在時刻の取得関数を差し替える（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler はエラーレスポンスの生成と頻度集計を行う。
type Handler struct {
	sink           EventSink
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
	alertThreshold int
	now            func() time.Time

	mu         sync.Mutex
	hour       time.Time
	byCode     map[string]int
	byEndpoint map[string]int
	alerted    map[string]bool
	credFails  map[string]int
}

// New はHandlerを生成する。alertThresholdは1時間あたりの同一コードの発生数で、0以下で通知しない。
func New(sink EventSink, logger *slog.Logger, collector metrics.MetricsCollector, alertThreshold int, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	h := &Handler{
		sink:           sink,
		logger:         logger,
		metrics:        collector,
		alertThreshold: alertThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.resetLocked(h.now().Truncate(time.Hour))
	return h
}

// Handle はエラーを分類してレスポンスを書き込み、ログ・監査イベント・頻度集計を記録する。
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	status, apiErr := Classify(err)
	ctx := r.Context()
	errorID := uuid.NewString()
	requestID := audit.CorrelationIDFrom(ctx)
	if requestID == "" {
		requestID = errorID
	}
	endpoint := Endpoint(r)
	ip := clientIP(r)

	h.logger.Log(ctx, levelFor(status), "request failed",
		slog.String("error_code", apiErr.Code),
		slog.Int("status", status),
		slog.String("method", r.Method),
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.String("error_id", errorID),
		slog.String("error", err.Error()),
	)
	h.metrics.RecordError(apiErr.Code, endpoint)
	repeated := h.track(apiErr.Code, endpoint, ip, errors.Is(err, model.ErrInvalidCredential))

	if h.sink != nil {
		h.sink.Log(ctx, h.auditEvent(ctx, err, status, apiErr, endpoint, ip, errorID, repeated))
	}

	retryAfter := model.RetryAfterOf(err)
	body := ResponseBody{
		ErrorCode: apiErr.Code,
		Message:   apiErr.Message,
		RequestID: requestID,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
	}
	w.Header().Set(HeaderErrorCode, apiErr.Code)
	w.Header().Set(HeaderErrorID, errorID)
	if retryAfter > 0 {
		secs := retryAfterSeconds(retryAfter)
		body.RetryAfter = secs
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(secs))
	}
	writeJSON(w, status, body)
}

// auditEvent は失敗したリクエストを表す監査イベントを組み立てる。
// 繰り返しの認証失敗は重大度highのsecurity_violationとする。
// トークンのリプレイは認証サービスのtoken_replayイベントを正とし、ここではaccess_deniedとして参照のみ残す。
func (h *Handler) auditEvent(ctx context.Context, err error, status int, apiErr model.APIError, endpoint, ip, errorID string, repeatedCredential bool) model.AuditEvent {
	e := model.AuditEvent{
		ActorID:   audit.ActorIDFrom(ctx),
		IPAddress: ip,
		Details: map[string]interface{}{
			"error_code": apiErr.Code,
			"status":     status,
			"endpoint":   endpoint,
			"error_id":   errorID,
		},
	}

	switch {
	case errors.Is(err, model.ErrTokenReplay):
		e.Type, e.Severity = model.EventAccessDenied, model.SeverityLow
		e.Details["canonical_event"] = string(model.EventTokenReplay)
	case repeatedCredential:
		e.Type, e.Severity = model.EventSecurityViolation, model.SeverityHigh
		e.Details["reason"] = "repeated_invalid_credential"
	case errors.Is(err, model.ErrXSSAttempt), errors.Is(err, model.ErrCSRFViolation), errors.Is(err, model.ErrSecurityViolation):
		e.Type, e.Severity = model.EventSecurityViolation, model.SeverityHigh
	case errors.Is(err, model.ErrRateLimitExceeded), errors.Is(err, model.ErrBurstLimitExceeded):
		e.Type, e.Severity = model.EventRateLimitExceeded, model.SeverityMedium
	case errors.Is(err, model.ErrContentBlocked):
		e.Type, e.Severity = model.EventContentBlocked, model.SeverityMedium
	case errors.Is(err, model.ErrIPBlocked), errors.Is(err, model.ErrAccessDenied):
		e.Type, e.Severity = model.EventAccessDenied, model.SeverityMedium
	case status == http.StatusUnauthorized:
		e.Type, e.Severity = model.EventAccessDenied, model.SeverityLow
	case status >= http.StatusInternalServerError:
		e.Type, e.Severity = model.EventSystemError, model.SeverityHigh
	default:
		e.Type, e.Severity = model.EventRequestCompleted, model.SeverityLow
	}
	return e
}

// track は頻度集計を更新する。invalidCredentialの場合は送信元IPごとの回数を数え、
// 同一時間帯で2回目以降ならtrueを返す。
func (h *Handler) track(code, endpoint, ip string, invalidCredential bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hour := h.now().Truncate(time.Hour); hour.After(h.hour) {
		h.resetLocked(hour)
	}
	h.byCode[code]++
	h.byEndpoint[endpoint]++

	if h.alertThreshold > 0 && h.byCode[code] > h.alertThreshold && !h.alerted[code] {
		h.alerted[code] = true
		h.logger.Error("error rate threshold exceeded",
			slog.String("error_code", code),
			slog.Int("count", h.byCode[code]),
			slog.Int("threshold", h.alertThreshold),
			slog.Time("window_start", h.hour),
		)
	}

	if !invalidCredential || ip == "" {
		return false
	}
	h.credFails[ip]++
	return h.credFails[ip] > 1
}

func (h *Handler) resetLocked(hour time.Time) {
	h.hour = hour
	h.byCode = make(map[string]int)
	h.byEndpoint = make(map[string]int)
	h.alerted = make(map[string]bool)
	h.credFails = make(map[string]int)
}

// Stats は現在の1時間の集計結果。
type Stats struct {
	WindowStart time.Time      `json:"window_start"`
	Total       int            `json:"total"`
	ByCode      map[string]int `json:"by_code"`
	ByEndpoint  map[string]int `json:"by_endpoint"`
}

// Stats は現在の時間帯のエラー集計を返す。
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hour := h.now().Truncate(time.Hour); hour.After(h.hour) {
		h.resetLocked(hour)
	}
	s := Stats{
		WindowStart: h.hour,
		ByCode:      make(map[string]int, len(h.byCode)),
		ByEndpoint:  make(map[string]int, len(h.byEndpoint)),
	}
	for k, v := range h.byCode {
		s.ByCode[k] = v
		s.Total += v
	}
	for k, v := range h.byEndpoint {
		s.ByEndpoint[k] = v
	}
	return s
}

// Endpoint はメトリクスとログに使うエンドポイント名を返す。
// chiのルートパターンが解決済みであればそれを、なければリクエストパスを返す。
func Endpoint(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if ip := audit.ClientIPFrom(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusTooManyRequests, status == http.StatusForbidden, status == http.StatusLocked:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
