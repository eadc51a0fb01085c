package audit

import "context"

type correlationKey struct{}

// WithCorrelationID はリクエストの相関IDをコンテキストに格納する。
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom はコンテキストから相関IDを取り出す。未設定の場合は空文字列を返す。
func CorrelationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type actorKey struct{}

type clientIPKey struct{}

// WithActorID は認証済み主体のIDをコンテキストに格納する。
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorIDFrom はコンテキストから主体のIDを取り出す。未認証の場合は空文字列を返す。
func ActorIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// WithClientIP はリクエスト送信元IPをコンテキストに格納する。
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFrom はコンテキストから送信元IPを取り出す。
func ClientIPFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
