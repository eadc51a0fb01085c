package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hitoshi/guardian/internal/contentfilter"
	"github.com/hitoshi/guardian/internal/model"
)

// maxInspectedBody はコンテンツ検査で読み込むリクエストボディの上限。
const maxInspectedBody = 1 << 20

var verdictContextKey = contextKey("content_verdict")

// AgeResolver は主体の年齢を返す。不明な場合は0を返す。
type AgeResolver func(ctx context.Context, identityID string) int

// ContentFilterConfig はコンテンツ検査ミドルウェアの設定。
type ContentFilterConfig struct {
	Field string      // 検査するJSONフィールド名
	Age   AgeResolver // nilの場合は年齢不明として扱う
}

// NewContentFilterMiddleware はJSONボディの指定フィールドをコンテンツフィルタで検査するミドルウェアを返す。
// blockはCONTENT_001で拒否し、flagは監査イベントを記録した上で判定結果をコンテキストに格納して通過させる。
func NewContentFilterMiddleware(filter *contentfilter.Filter, eh ErrorHandler, sink EventSink, cfg ContentFilterConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInspectedBody))
			if err != nil {
				eh.Handle(w, r, fmt.Errorf("%w: read body: %v", model.ErrInvalidInput, err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var payload map[string]interface{}
			if err := json.Unmarshal(body, &payload); err != nil {
				eh.Handle(w, r, fmt.Errorf("%w: request body must be a JSON object", model.ErrInvalidInput))
				return
			}
			text, _ := payload[cfg.Field].(string)
			if text == "" {
				next.ServeHTTP(w, r)
				return
			}
			contentType, err := contentfilter.ParseContentType(stringField(payload, "content_type"))
			if err != nil {
				eh.Handle(w, r, fmt.Errorf("%w: %v", model.ErrInvalidInput, err))
				return
			}

			in := contentfilter.Input{Content: text, Type: contentType}
			p, authenticated := PrincipalFromContext(r.Context())
			if authenticated && cfg.Age != nil {
				in.SubjectAge = cfg.Age(r.Context(), p.IdentityID)
			}

			verdict := filter.Filter(r.Context(), in)
			if verdict.Blocked() {
				eh.Handle(w, r, fmt.Errorf("%w: categories %v", model.ErrContentBlocked, verdict.CategoryNames()))
				return
			}
			if verdict.Decision == contentfilter.DecisionFlag {
				sink.Log(r.Context(), model.AuditEvent{
					Type:      model.EventContentFlagged,
					ActorID:   p.IdentityID,
					IPAddress: ClientIP(r),
					Severity:  model.SeverityMedium,
					Details: map[string]interface{}{
						"stage":       "input",
						"fingerprint": verdict.Fingerprint,
						"categories":  verdict.CategoryNames(),
					},
				})
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), verdictContextKey, verdict)))
		})
	}
}

// ContentVerdictFromContext はコンテンツ検査ミドルウェアの判定結果を返す。
func ContentVerdictFromContext(ctx context.Context) (contentfilter.Verdict, bool) {
	v, ok := ctx.Value(verdictContextKey).(contentfilter.Verdict)
	return v, ok
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
