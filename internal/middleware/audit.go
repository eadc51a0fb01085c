package middleware

import (
	"net/http"
	"time"

	"github.com/hitoshi/guardian/internal/errorhandler"
	"github.com/hitoshi/guardian/internal/model"
)

// NewAuditMiddleware は処理済みリクエストをrequest_completedイベントとして記録するミドルウェアを返す。
// エラーハンドラーが応答したリクエスト（X-Error-Codeあり）はそちらで記録済みのため対象外。
func NewAuditMiddleware(sink EventSink) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			ctx, holder := ensureActorHolder(r.Context())
			r = r.WithContext(ctx)

			next.ServeHTTP(rec, r)

			if rec.Header().Get(errorhandler.HeaderErrorCode) != "" {
				return
			}
			sink.Log(r.Context(), model.AuditEvent{
				Type:      model.EventRequestCompleted,
				ActorID:   holder.id,
				IPAddress: ClientIP(r),
				Severity:  model.SeverityLow,
				Details: map[string]interface{}{
					"method":      r.Method,
					"endpoint":    errorhandler.Endpoint(r),
					"status":      rec.statusCode,
					"duration_ms": time.Since(start).Milliseconds(),
				},
			})
		})
	}
}
