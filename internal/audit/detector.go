package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/model"
)

// Pattern は検知対象の不審な振る舞いのパターン。
type Pattern string

const (
	PatternFailedLoginsUser Pattern = "failed_logins_user"
	PatternFailedLoginsIP   Pattern = "failed_logins_ip"
	PatternRateViolationsIP Pattern = "rate_violations_ip"
	PatternDeviceAnomalies  Pattern = "device_anomalies_user"
	PatternTokenReplay      Pattern = "token_replay"
)

// IPBased はパターンが送信元IP単位で集計されるかを返す。
func (p Pattern) IPBased() bool {
	return p == PatternFailedLoginsIP || p == PatternRateViolationsIP
}

// Thresholds はパターンごとの閾値。0以下のパターンは検知しない。
type Thresholds struct {
	FailedLoginsPerUser    int
	FailedLoginsPerIP      int
	RateViolationsPerIP    int
	DeviceAnomaliesPerUser int
	Window                 time.Duration
}

// DefaultThresholds はデフォルトの閾値を返す。
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedLoginsPerUser:    5,
		FailedLoginsPerIP:      10,
		RateViolationsPerIP:    10,
		DeviceAnomaliesPerUser: 3,
		Window:                 time.Hour,
	}
}

// Incident は閾値を超えたパターンの検知結果。
type Incident struct {
	ID             string    `json:"incident_id"`
	Pattern        Pattern   `json:"pattern"`
	Message        string    `json:"message"`
	ActorID        string    `json:"actor_id,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	Count          int64     `json:"count"`
	Threshold      int       `json:"threshold"`
	TriggerEventID string    `json:"trigger_event_id"`
	DetectedAt     time.Time `json:"detected_at"`
}

// IncidentHandler はインシデント検知時に呼び出される。
// シャードのゴルーチンから同期的に呼ばれるため、長時間ブロックしてはならない。
type IncidentHandler func(ctx context.Context, inc Incident)

// OnIncident はインシデントハンドラを登録する。
func (l *Logger) OnIncident(h IncidentHandler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, h)
}

// detect はイベントをパターンごとに集計し、閾値をちょうど超えた時点で
// suspicious_activityイベントを生成して返す。
func (l *Logger) detect(ctx context.Context, e model.AuditEvent) []model.AuditEvent {
	th := l.cfg.Thresholds
	var out []model.AuditEvent

	switch e.Type {
	case model.EventLoginFailed:
		if inc, ok := l.count(ctx, e, PatternFailedLoginsUser, e.ActorID, th.FailedLoginsPerUser, "Excessive failed login attempts"); ok {
			out = append(out, l.raise(ctx, e, inc))
		}
		if inc, ok := l.count(ctx, e, PatternFailedLoginsIP, e.IPAddress, th.FailedLoginsPerIP, "Potential brute force attack"); ok {
			out = append(out, l.raise(ctx, e, inc))
		}
	case model.EventRateLimitExceeded:
		if inc, ok := l.count(ctx, e, PatternRateViolationsIP, e.IPAddress, th.RateViolationsPerIP, "Persistent rate limit violations"); ok {
			out = append(out, l.raise(ctx, e, inc))
		}
	case model.EventDeviceMismatch:
		if inc, ok := l.count(ctx, e, PatternDeviceAnomalies, e.ActorID, th.DeviceAnomaliesPerUser, "Device fingerprint anomalies"); ok {
			out = append(out, l.raise(ctx, e, inc))
		}
	case model.EventTokenReplay:
		out = append(out, l.raise(ctx, e, Incident{
			Pattern:   PatternTokenReplay,
			Message:   "Refresh token replay detected",
			Count:     1,
			Threshold: 1,
		}))
	}
	return out
}

// count は時間枠ごとのカウンタを1増やし、閾値に到達した場合にIncidentを返す。
func (l *Logger) count(ctx context.Context, e model.AuditEvent, p Pattern, key string, threshold int, message string) (Incident, bool) {
	if l.store == nil || key == "" || threshold <= 0 {
		return Incident{}, false
	}
	window := l.cfg.Thresholds.Window
	if window <= 0 {
		window = time.Hour
	}
	bucket := e.Timestamp.Truncate(window).Unix()
	counterKey := fmt.Sprintf("audit_count:%s:%s:%d", p, key, bucket)

	var n int64
	err := retry(ctx, l.cfg.MaxRetries, flushBackoff, func(ctx context.Context) error {
		var err error
		n, err = l.store.Incr(ctx, counterKey, window+time.Minute)
		return err
	})
	if err != nil {
		l.logger.Warn("audit pattern counter unavailable",
			slog.String("pattern", string(p)),
			slog.String("error", err.Error()),
		)
		return Incident{}, false
	}
	if n != int64(threshold) {
		return Incident{}, false
	}
	return Incident{Pattern: p, Message: message, Count: n, Threshold: threshold}, true
}

// raise はインシデントを確定させ、ハンドラと外部通知へ伝えた上で
// 永続化用のsuspicious_activityイベントを返す。
func (l *Logger) raise(ctx context.Context, trigger model.AuditEvent, inc Incident) model.AuditEvent {
	inc.ID = uuid.NewString()
	inc.ActorID = trigger.ActorID
	inc.IPAddress = trigger.IPAddress
	inc.TriggerEventID = trigger.ID
	inc.DetectedAt = l.now().UTC()

	l.logger.Error("security incident detected",
		slog.String("incident_id", inc.ID),
		slog.String("pattern", string(inc.Pattern)),
		slog.String("actor_id", inc.ActorID),
		slog.String("ip_address", inc.IPAddress),
		slog.Int64("count", inc.Count),
	)

	ev := model.AuditEvent{
		Type:          model.EventSuspiciousActivity,
		ActorID:       trigger.ActorID,
		IPAddress:     trigger.IPAddress,
		Severity:      model.SeverityHigh,
		CorrelationID: trigger.CorrelationID,
		Details: map[string]interface{}{
			"incident_id":      inc.ID,
			"pattern":          string(inc.Pattern),
			"message":          inc.Message,
			"count":            inc.Count,
			"threshold":        inc.Threshold,
			"trigger_event_id": trigger.ID,
		},
	}
	l.prepare(ctx, &ev)

	l.handlersMu.RLock()
	handlers := append([]IncidentHandler(nil), l.handlers...)
	l.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ctx, inc)
	}
	if l.notifier != nil {
		l.notifier.Notify(inc)
	}
	return ev
}
