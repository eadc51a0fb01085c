package middleware

import (
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/audit"
)

// HeaderRequestID はリクエストIDを受け渡すヘッダー名。
const HeaderRequestID = "X-Request-ID"

// NewRequestIDMiddleware はリクエストIDと送信元IPをコンテキストに格納するミドルウェアを返す。
// 受信したX-Request-IDがUUID形式であれば引き継ぎ、それ以外は新規に生成する。
// 送信元IPはRemoteAddrから取得するため、プロキシ配下ではchiのRealIPの後に配置する。
func NewRequestIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			ctx := audit.WithCorrelationID(r.Context(), id)
			ctx = audit.WithClientIP(ctx, remoteIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP はリクエストの送信元IPを返す。
func ClientIP(r *http.Request) string {
	if ip := audit.ClientIPFrom(r.Context()); ip != "" {
		return ip
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
