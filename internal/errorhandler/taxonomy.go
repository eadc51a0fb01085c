package errorhandler

import (
	"errors"
	"net/http"

	"github.com/hitoshi/guardian/internal/model"
)

// Kind はエラー種別と外部公開するコード・ステータスの対応。
type Kind struct {
	Err    error
	Status int
	API    model.APIError
}

// kinds は判定順に並べたエラー種別の一覧。
// errors.Isで最初に一致したものを採用するため、具体的な種別を先に置く。
var kinds = []Kind{
	{model.ErrTokenReplay, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeSessionExpired,
		Category: "auth",
		Message:  "セッションの有効期限が切れました。",
		Action:   "再度ログインしてください。",
	}},
	{model.ErrTokenExpired, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeExpiredToken,
		Category: "auth",
		Message:  "トークンの有効期限が切れています。",
		Action:   "トークンを更新してください。",
	}},
	{model.ErrMissingToken, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeMissingToken,
		Category: "auth",
		Message:  "認証が必要です。",
		Action:   "ログインしてください。",
	}},
	{model.ErrInvalidToken, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeInvalidToken,
		Category: "auth",
		Message:  "トークンが無効です。",
		Action:   "再度ログインしてください。",
	}},
	{model.ErrInvalidCredential, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeInvalidCredentials,
		Category: "auth",
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Action:   "入力内容を確認してください。",
	}},
	{model.ErrAccountLocked, http.StatusLocked, model.APIError{
		Code:     model.ErrCodeAccountLocked,
		Category: "auth",
		Message:  "アカウントが一時的にロックされています。",
		Action:   "しばらく待ってから再度お試しください。",
	}},
	{model.ErrMFARequired, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeMFARequired,
		Category: "auth",
		Message:  "多要素認証が必要です。",
		Action:   "認証コードを入力してください。",
	}},
	{model.ErrInvalidMFACode, http.StatusUnauthorized, model.APIError{
		Code:     model.ErrCodeInvalidMFACode,
		Category: "auth",
		Message:  "認証コードが正しくありません。",
		Action:   "認証アプリのコードを確認してください。",
	}},
	{model.ErrDuplicateIdentity, http.StatusConflict, model.APIError{
		Code:     model.ErrCodeDuplicateIdentity,
		Category: "auth",
		Message:  "このユーザー名またはメールアドレスは既に登録されています。",
		Action:   "別のユーザー名またはメールアドレスを使用してください。",
	}},
	{model.ErrWeakCredential, http.StatusBadRequest, model.APIError{
		Code:     model.ErrCodeWeakCredential,
		Category: "auth",
		Message:  "パスワードが要件を満たしていません。",
		Action:   "英字と数字を含む8文字以上のパスワードを設定してください。",
	}},
	{model.ErrAccessDenied, http.StatusForbidden, model.APIError{
		Code:     model.ErrCodeInsufficientPermissions,
		Category: "authz",
		Message:  "この操作を行う権限がありません。",
		Action:   "管理者に問い合わせてください。",
	}},
	{model.ErrIPBlocked, http.StatusTooManyRequests, model.APIError{
		Code:     model.ErrCodeIPBlocked,
		Category: "rate_limit",
		Message:  "送信元からのアクセスが一時的に制限されています。",
		Action:   "しばらく待ってから再度お試しください。",
	}},
	{model.ErrBurstLimitExceeded, http.StatusTooManyRequests, model.APIError{
		Code:     model.ErrCodeBurstLimitExceeded,
		Category: "rate_limit",
		Message:  "短時間にリクエストが集中しています。",
		Action:   "しばらく待ってから再度お試しください。",
	}},
	{model.ErrRateLimitExceeded, http.StatusTooManyRequests, model.APIError{
		Code:     model.ErrCodeRateLimitExceeded,
		Category: "rate_limit",
		Message:  "リクエスト数の上限に達しました。",
		Action:   "しばらく待ってから再度お試しください。",
	}},
	{model.ErrContentBlocked, http.StatusUnprocessableEntity, model.APIError{
		Code:     model.ErrCodeContentBlocked,
		Category: "content",
		Message:  "コンテンツが利用ポリシーにより拒否されました。",
		Action:   "内容を見直して再度お試しください。",
	}},
	{model.ErrXSSAttempt, http.StatusBadRequest, model.APIError{
		Code:     model.ErrCodeXSSAttempt,
		Category: "security",
		Message:  "リクエストに許可されていない内容が含まれています。",
		Action:   "入力内容を確認してください。",
	}},
	{model.ErrCSRFViolation, http.StatusForbidden, model.APIError{
		Code:     model.ErrCodeCSRFViolation,
		Category: "security",
		Message:  "リクエストの検証に失敗しました。",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}},
	{model.ErrSecurityViolation, http.StatusForbidden, model.APIError{
		Code:     model.ErrCodeSecurityViolation,
		Category: "security",
		Message:  "リクエストが拒否されました。",
		Action:   "管理者に問い合わせてください。",
	}},
	{model.ErrInvalidInput, http.StatusBadRequest, model.APIError{
		Code:     model.ErrCodeInvalidInput,
		Category: "input",
		Message:  "入力内容が正しくありません。",
		Action:   "入力内容を確認してください。",
	}},
	{model.ErrIdentityNotFound, http.StatusNotFound, model.APIError{
		Code:     model.ErrCodeInvalidInput,
		Category: "input",
		Message:  "対象が見つかりません。",
		Action:   "入力内容を確認してください。",
	}},
	{model.ErrStoreUnavailable, http.StatusServiceUnavailable, model.APIError{
		Code:     model.ErrCodeServiceUnavailable,
		Category: "system",
		Message:  "サービスが一時的に利用できません。",
		Action:   "しばらく待ってから再度お試しください。",
	}},
	{model.ErrUpstreamUnavailable, http.StatusBadGateway, model.APIError{
		Code:     model.ErrCodeExternalService,
		Category: "system",
		Message:  "外部サービスとの通信に失敗しました。",
		Action:   "しばらく待ってから再度お試しください。",
	}},
	{model.ErrDecryptionFailed, http.StatusInternalServerError, internalError},
}

var internalError = model.APIError{
	Code:     model.ErrCodeInternal,
	Category: "system",
	Message:  "内部エラーが発生しました。",
	Action:   "しばらく待ってから再度お試しください。",
}

// statusByCode は*model.APIErrorが直接返された場合のステータス解決に使う。
var statusByCode = func() map[string]int {
	m := map[string]int{model.ErrCodeInternal: http.StatusInternalServerError}
	for _, k := range kinds {
		if _, ok := m[k.API.Code]; !ok {
			m[k.API.Code] = k.Status
		}
	}
	return m
}()

// Classify はエラーを外部公開用のAPIErrorとHTTPステータスに変換する。
// 未知のエラーはSYS_001（500）として扱う。返すAPIErrorに内部詳細は含まれない。
func Classify(err error) (int, model.APIError) {
	for _, k := range kinds {
		if errors.Is(err, k.Err) {
			return k.Status, k.API
		}
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status, ok := statusByCode[apiErr.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		return status, *apiErr
	}
	return http.StatusInternalServerError, internalError
}
