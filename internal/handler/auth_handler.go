package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/guardian/internal/auth"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
)

const accessTokenCookieName = "access_token"

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
// auth.Serviceが実装する。
type AuthService interface {
	middleware.TokenVerifier
	Register(ctx context.Context, in auth.RegisterInput) (*model.Identity, error)
	Authenticate(ctx context.Context, username, password string, device model.DeviceInfo) (*model.TokenPair, error)
	CompleteMFALogin(ctx context.Context, pendingToken, code string, device model.DeviceInfo) (*model.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, device model.DeviceInfo) (*model.TokenPair, error)
	Logout(ctx context.Context, sessionID string) error
	RevokeAllSessions(ctx context.Context, identityID, exceptSessionID string) (int, error)
	ActiveSessions(ctx context.Context, identityID string) ([]model.Session, error)
	SetupMFA(ctx context.Context, identityID, currentCode string) (*auth.MFASetup, error)
	VerifyMFA(ctx context.Context, identityID, code string) error
	IdentityAdmin
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthService
	eh      middleware.ErrorHandler
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, eh middleware.ErrorHandler, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		eh:      eh,
		config:  config,
	}
}

type registerRequest struct {
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Password  string     `json:"password"`
	Role      model.Role `json:"role"`
	BirthDate string     `json:"birth_date"` // YYYY-MM-DD
}

type identityResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      model.Role `json:"role"`
	Tier      model.Tier `json:"tier"`
	CreatedAt time.Time  `json:"created_at"`
}

// Register は新しいアカウントを登録する。
// POST /auth/register
// 自己登録ではadminロールを指定できない。契約プランは常にbasicで開始する。
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	if req.Role == model.RoleAdmin {
		h.eh.Handle(w, r, fmt.Errorf("%w: role %q cannot be self-assigned", model.ErrInvalidInput, req.Role))
		return
	}

	in := auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Tier:     model.TierBasic,
	}
	if req.BirthDate != "" {
		d, err := time.Parse(time.DateOnly, req.BirthDate)
		if err != nil {
			h.eh.Handle(w, r, fmt.Errorf("%w: birth_date must be YYYY-MM-DD", model.ErrInvalidInput))
			return
		}
		in.BirthDate = &d
	}

	identity, err := h.service.Register(r.Context(), in)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identityResponse{
		ID:        identity.ID,
		Username:  identity.Username,
		Email:     identity.Email,
		Role:      identity.Role,
		Tier:      identity.Tier,
		CreatedAt: identity.CreatedAt,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login はユーザー名とパスワードで認証する。
// POST /auth/login
// MFAが有効な場合はトークンの代わりにmfa_pending_tokenを返す。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}

	pair, err := h.service.Authenticate(r.Context(), req.Username, req.Password, deviceInfo(r))
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	h.respondTokens(w, pair)
}

type mfaLoginRequest struct {
	PendingToken string `json:"mfa_pending_token"`
	Code         string `json:"code"`
}

// MFALogin はMFA待ちトークンと認証コードでログインを完了する。
// POST /auth/mfa/login
func (h *AuthHandler) MFALogin(w http.ResponseWriter, r *http.Request) {
	var req mfaLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}

	pair, err := h.service.CompleteMFALogin(r.Context(), req.PendingToken, req.Code, deviceInfo(r))
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	h.respondTokens(w, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh はリフレッシュトークンをローテーションして新しいトークンの組を返す。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		h.eh.Handle(w, r, fmt.Errorf("%w: refresh token", model.ErrMissingToken))
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken, deviceInfo(r))
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	h.respondTokens(w, pair)
}

// Logout は現在のセッションを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := h.service.Logout(r.Context(), p.SessionID); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	h.clearAccessCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll は現在のセッションを除く全セッションを失効させる。
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	n, err := h.service.RevokeAllSessions(r.Context(), p.IdentityID, p.SessionID)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

type sessionResponse struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

// Sessions は有効なセッションの一覧を返す。
// GET /auth/sessions
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	sessions, err := h.service.ActiveSessions(r.Context(), p.IdentityID)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse{
			ID:        s.ID,
			IssuedAt:  s.IssuedAt,
			ExpiresAt: s.ExpiresAt,
			Current:   s.ID == p.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}

// SetupMFA はTOTPシークレットとバックアップコードを発行する。
// MFA有効化済みの再設定では、リクエストボディのcodeに現在のコードを指定する。
// POST /auth/mfa/setup
func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.eh.Handle(w, r, err)
			return
		}
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	setup, err := h.service.SetupMFA(r.Context(), p.IdentityID, req.Code)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

// VerifyMFA は認証コードを検証する。セットアップ直後の初回検証でMFAを有効化する。
// POST /auth/mfa/verify
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}

	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := h.service.VerifyMFA(r.Context(), p.IdentityID, req.Code); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// respondTokens はトークンの組を返し、アクセストークンをHttpOnly Cookieにも設定する。
func (h *AuthHandler) respondTokens(w http.ResponseWriter, pair *model.TokenPair) {
	if !pair.MFARequired && pair.AccessToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     accessTokenCookieName,
			Value:    pair.AccessToken,
			Path:     "/",
			Domain:   h.config.CookieDomain,
			MaxAge:   pair.ExpiresIn,
			HttpOnly: true,
			Secure:   h.config.CookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *AuthHandler) clearAccessCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// deviceInfo はデバイスフィンガープリントの算出元となる情報をリクエストから取り出す。
func deviceInfo(r *http.Request) model.DeviceInfo {
	return model.DeviceInfo{
		UserAgent:      r.UserAgent(),
		IPAddress:      middleware.ClientIP(r),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
}
