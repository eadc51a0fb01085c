package model

import "time"

// Role は認可ロールを表す。
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
	RoleAdmin   Role = "admin"
)

// Valid は定義済みロールかを判定する。
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleParent, RoleAdmin:
		return true
	}
	return false
}

// Tier はレート制限の倍率を決める契約プランを表す。
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Identity は認証主体（ユーザー）を表す。
// 削除は行わず、Disabledで無効化する（監査証跡の整合性維持のため）。
type Identity struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Tier         Tier
	BirthDate    *time.Time
	MFASecret    string // 暗号化済みTOTPシークレット（未設定時は空）
	MFAEnabled   bool
	Disabled     bool
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// AgeAt は指定時刻における年齢を返す。生年月日が未登録の場合は-1を返す。
func (i *Identity) AgeAt(now time.Time) int {
	if i.BirthDate == nil {
		return -1
	}
	b := i.BirthDate.UTC()
	n := now.UTC()
	age := n.Year() - b.Year()
	if n.Month() < b.Month() || (n.Month() == b.Month() && n.Day() < b.Day()) {
		age--
	}
	return age
}

// Session はデバイスに紐づくログインセッション（リフレッシュトークンチェーン）を表す。
// リフレッシュのたびにGenerationが単調増加し、直前の世代のトークンのみが有効となる。
type Session struct {
	ID                string
	IdentityID        string
	DeviceFingerprint string
	Generation        int64
	Revoked           bool
	IssuedAt          time.Time
	ExpiresAt         time.Time
}

// DeviceInfo はデバイスフィンガープリントの算出元となるリクエスト情報。
type DeviceInfo struct {
	UserAgent      string
	IPAddress      string
	AcceptLanguage string
}

// TokenPair はログインおよびリフレッシュで発行するトークンの組。
// MFARequiredがtrueの場合はMFAPendingTokenのみが設定される。
type TokenPair struct {
	AccessToken     string    `json:"access_token,omitempty"`
	RefreshToken    string    `json:"refresh_token,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	TokenType       string    `json:"token_type,omitempty"`
	ExpiresIn       int       `json:"expires_in,omitempty"`
	ExpiresAt       time.Time `json:"-"`
	MFARequired     bool      `json:"mfa_required,omitempty"`
	MFAPendingToken string    `json:"mfa_pending_token,omitempty"`
}
