package middleware

import (
	"net/http"
	"strconv"

	"github.com/hitoshi/guardian/internal/errorhandler"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/ratelimit"
)

// レート制限ヘッダー
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// NewIPBlockMiddleware はブロック中のIPからのリクエストをRATE_003で拒否するミドルウェアを返す。
func NewIPBlockMiddleware(limiter *ratelimit.Limiter, eh ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			blocked, remaining, err := limiter.IsIPBlocked(r.Context(), ClientIP(r))
			if err != nil {
				eh.Handle(w, r, err)
				return
			}
			if blocked {
				eh.Handle(w, r, model.WithRetryAfter(model.ErrIPBlocked, remaining))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRateLimitMiddleware は指定した操作とスコープでレート制限を行うミドルウェアを返す。
//
// ScopeUserは認証済みの主体（契約プランの倍率を適用）、ScopeIPは送信元IP、
// ScopeEndpointはエンドポイント単位で数える。ScopeUserで主体がない場合は何もしない。
// 応答にはX-RateLimit-*ヘッダーを付与し、超過時はRetry-After付きの429を返す。
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, eh ErrorHandler, action ratelimit.Action, scope ratelimit.Scope) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			req := ratelimit.Request{Scope: scope, Action: action, IP: ip}
			switch scope {
			case ratelimit.ScopeUser:
				p, ok := PrincipalFromContext(r.Context())
				if !ok {
					next.ServeHTTP(w, r)
					return
				}
				req.Identity, req.Tier = p.IdentityID, p.Tier
			case ratelimit.ScopeIP:
				req.Identity = ip
			case ratelimit.ScopeEndpoint:
				req.Identity = r.Method + " " + errorhandler.Endpoint(r)
			}

			res, err := limiter.Check(r.Context(), req)
			if err != nil {
				eh.Handle(w, r, err)
				return
			}
			if !res.Unlimited {
				h := w.Header()
				h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
				h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
				if !res.ResetAt.IsZero() {
					h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
				}
			}
			if !res.Allowed {
				kind := model.ErrRateLimitExceeded
				if res.Burst {
					kind = model.ErrBurstLimitExceeded
				}
				eh.Handle(w, r, model.WithRetryAfter(kind, res.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
