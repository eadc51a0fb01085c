// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// 呼び出し元に返してよい情報のみを保持する。内部詳細はログにのみ記録する。
type APIError struct {
	Code     string // エラーコード
	Message  string // ユーザー向けメッセージ
	Category string // カテゴリ: auth, authz, rate_limit, content, input, security, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラー種別。各コンポーネントはこれらをラップして返し、errors.Isで判定する。
var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrAccountLocked       = errors.New("account locked")
	ErrMissingToken        = errors.New("missing token")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenReplay         = errors.New("refresh token replay")
	ErrMFARequired         = errors.New("mfa required")
	ErrInvalidMFACode      = errors.New("invalid mfa code")
	ErrAccessDenied        = errors.New("access denied")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrBurstLimitExceeded  = errors.New("burst limit exceeded")
	ErrIPBlocked           = errors.New("ip blocked")
	ErrContentBlocked      = errors.New("content blocked")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrDuplicateIdentity   = errors.New("duplicate identity")
	ErrWeakCredential      = errors.New("weak credential")
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrSecurityViolation   = errors.New("security violation")
	ErrXSSAttempt          = errors.New("xss attempt")
	ErrCSRFViolation       = errors.New("csrf violation")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// 定義済みエラーコード
const (
	ErrCodeInvalidToken            = "AUTH_001"
	ErrCodeExpiredToken            = "AUTH_002"
	ErrCodeMissingToken            = "AUTH_003"
	ErrCodeInvalidCredentials      = "AUTH_004"
	ErrCodeAccountLocked           = "AUTH_005"
	ErrCodeMFARequired             = "AUTH_006"
	ErrCodeInvalidMFACode          = "AUTH_007"
	ErrCodeSessionExpired          = "AUTH_008"
	ErrCodeDuplicateIdentity       = "AUTH_010"
	ErrCodeWeakCredential          = "AUTH_011"
	ErrCodeInsufficientPermissions = "AUTHZ_001"
	ErrCodeRateLimitExceeded       = "RATE_001"
	ErrCodeIPBlocked               = "RATE_003"
	ErrCodeBurstLimitExceeded      = "RATE_004"
	ErrCodeContentBlocked          = "CONTENT_001"
	ErrCodeInvalidInput            = "INPUT_001"
	ErrCodeSecurityViolation       = "SEC_001"
	ErrCodeXSSAttempt              = "SEC_004"
	ErrCodeCSRFViolation           = "SEC_005"
	ErrCodeInternal                = "SYS_001"
	ErrCodeServiceUnavailable      = "SYS_002"
	ErrCodeExternalService         = "SYS_004"
)

// RetryAfterError は再試行可能になるまでの時間を伴うエラー。
// レート制限、IPブロック、アカウントロックで使用する。
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
}

// Unwrap はラップしたエラー種別を返す。
func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// WithRetryAfter はエラーに再試行までの時間を付与する。
func WithRetryAfter(err error, d time.Duration) error {
	return &RetryAfterError{Err: err, RetryAfter: d}
}

// RetryAfterOf はエラーチェーンから再試行までの時間を取り出す。
// 見つからない場合は0を返す。
func RetryAfterOf(err error) time.Duration {
	var rae *RetryAfterError
	if errors.As(err, &rae) {
		return rae.RetryAfter
	}
	return 0
}
