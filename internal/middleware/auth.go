package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/hitoshi/guardian/internal/audit"
	"github.com/hitoshi/guardian/internal/auth"
	"github.com/hitoshi/guardian/internal/model"
)

// accessTokenCookieName はCookie認証で使うアクセストークンのCookie名。
const accessTokenCookieName = "access_token"

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
// auth.Serviceが実装する。
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*auth.Claims, error)
}

// NewAuthMiddleware はアクセストークンを検証し、認証済みの主体をコンテキストに注入するミドルウェアを返す。
// トークンはAuthorization: Bearerヘッダー、なければaccess_token Cookieから取得する。
func NewAuthMiddleware(verifier TokenVerifier, eh ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if c, err := r.Cookie(accessTokenCookieName); err == nil {
					token = c.Value
				}
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				eh.Handle(w, r, err)
				return
			}

			p := Principal{
				IdentityID: claims.IdentityID(),
				SessionID:  claims.SessionID,
				Role:       claims.Role,
				Tier:       claims.Tier,
			}
			ctx := ContextWithPrincipal(r.Context(), p)
			ctx = audit.WithActorID(ctx, p.IdentityID)
			setActor(ctx, p.IdentityID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireRoleMiddleware は主体のロールが指定のいずれかでなければAUTHZ_001で拒否するミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func NewRequireRoleMiddleware(eh ErrorHandler, roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				eh.Handle(w, r, model.ErrMissingToken)
				return
			}
			if !slices.Contains(roles, p.Role) {
				eh.Handle(w, r, fmt.Errorf("%w: role %q", model.ErrAccessDenied, p.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
