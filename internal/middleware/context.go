// Package middleware はHTTPリクエストのセキュリティ処理を行うミドルウェアを提供する。
//
// リクエストは次の順に処理される:
//
//	受信 → IPブロック確認 → レート制限 → 入力検査 → CSRF検証 → 認証 →
//	コンテンツ検査（対象エンドポイントのみ） → ハンドラー → 監査 → 応答
//
// いずれかの段階で失敗した場合はerrorhandler.Handlerが応答と監査イベントを生成する。
package middleware

import (
	"context"
	"net/http"

	"github.com/hitoshi/guardian/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var principalContextKey = contextKey("principal")

// ErrorHandler はミドルウェアの失敗を応答に変換する。errorhandler.Handlerが実装する。
type ErrorHandler interface {
	Handle(w http.ResponseWriter, r *http.Request, err error)
}

// EventSink は監査イベントの送信先。
type EventSink interface {
	Log(ctx context.Context, event model.AuditEvent)
}

// Principal は認証済みリクエストの主体。
type Principal struct {
	IdentityID string
	SessionID  string
	Role       model.Role
	Tier       model.Tier
}

// PrincipalFromContext はリクエストコンテキストから認証済みの主体を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok && p.IdentityID != ""
}

// ContextWithPrincipal はコンテキストに主体を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

var actorHolderKey = contextKey("actor_holder")

// actorHolder は内側のミドルウェアで確定した主体IDを外側のミドルウェアへ渡す。
type actorHolder struct {
	id string
}

// ensureActorHolder はコンテキストにholderがなければ追加し、holderを返す。
func ensureActorHolder(ctx context.Context) (context.Context, *actorHolder) {
	if h, ok := ctx.Value(actorHolderKey).(*actorHolder); ok {
		return ctx, h
	}
	h := &actorHolder{}
	return context.WithValue(ctx, actorHolderKey, h), h
}

func setActor(ctx context.Context, id string) {
	if h, ok := ctx.Value(actorHolderKey).(*actorHolder); ok {
		h.id = id
	}
}
