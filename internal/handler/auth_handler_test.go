package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/guardian/internal/auth"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
)

func newTestAuthHandler(svc *mockAuthService) *AuthHandler {
	return NewAuthHandler(svc, newErrorHandler(nil), AuthHandlerConfig{CookieSecure: true})
}

func TestAuthHandler_Register_CreatesBasicTierIdentity(t *testing.T) {
	var got auth.RegisterInput
	svc := &mockAuthService{registerFn: func(_ context.Context, in auth.RegisterInput) (*model.Identity, error) {
		got = in
		return &model.Identity{ID: "u1", Username: in.Username, Email: in.Email, Role: in.Role, Tier: in.Tier}, nil
	}}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.Register(w, jsonRequest(http.MethodPost, "/auth/register",
		`{"username":"alice","email":"alice@example.com","password":"s3cret-pass","role":"student","birth_date":"2014-04-01"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", w.Code, w.Body.String())
	}
	if got.Tier != model.TierBasic {
		t.Errorf("tier = %q, want basic", got.Tier)
	}
	if got.BirthDate == nil || !got.BirthDate.Equal(time.Date(2014, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("birth date = %v, want 2014-04-01", got.BirthDate)
	}

	var resp identityResponse
	decodeJSONBody(t, w, &resp)
	if resp.ID != "u1" || resp.Role != model.RoleStudent {
		t.Errorf("response = %+v", resp)
	}
}

func TestAuthHandler_Register_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"admin role", `{"username":"mallory","email":"m@example.com","password":"s3cret-pass","role":"admin"}`},
		{"bad birth date", `{"username":"bob","email":"b@example.com","password":"s3cret-pass","birth_date":"01/04/2014"}`},
		{"malformed json", `{"username":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{registerFn: func(context.Context, auth.RegisterInput) (*model.Identity, error) {
				t.Error("Register should not be called")
				return nil, nil
			}}
			w := httptest.NewRecorder()
			newTestAuthHandler(svc).Register(w, jsonRequest(http.MethodPost, "/auth/register", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if code := errorCode(t, w); code != "INPUT_001" {
				t.Errorf("error_code = %q, want INPUT_001", code)
			}
		})
	}
}

func TestAuthHandler_Register_DuplicateReturnsConflict(t *testing.T) {
	svc := &mockAuthService{registerFn: func(context.Context, auth.RegisterInput) (*model.Identity, error) {
		return nil, model.ErrDuplicateIdentity
	}}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Register(w, jsonRequest(http.MethodPost, "/auth/register",
		`{"username":"alice","email":"alice@example.com","password":"s3cret-pass"}`))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestAuthHandler_Login_SetsAccessTokenCookie(t *testing.T) {
	var gotDevice model.DeviceInfo
	svc := &mockAuthService{authenticateFn: func(_ context.Context, username, password string, device model.DeviceInfo) (*model.TokenPair, error) {
		if username != "alice" || password != "s3cret-pass" {
			t.Errorf("credentials = %s/%s", username, password)
		}
		gotDevice = device
		return &model.TokenPair{AccessToken: "at", RefreshToken: "rt", SessionID: "s1", TokenType: "Bearer", ExpiresIn: 900}, nil
	}}

	r := jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"s3cret-pass"}`)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Accept-Language", "ja")
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Login(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotDevice.UserAgent != "Mozilla/5.0" || gotDevice.AcceptLanguage != "ja" || gotDevice.IPAddress != "192.0.2.1" {
		t.Errorf("device = %+v", gotDevice)
	}

	c := findCookie(w, accessTokenCookieName)
	if c == nil {
		t.Fatal("access token cookie not set")
	}
	if c.Value != "at" || !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode || c.MaxAge != 900 {
		t.Errorf("cookie = %+v", c)
	}

	var pair model.TokenPair
	decodeJSONBody(t, w, &pair)
	if pair.RefreshToken != "rt" || pair.SessionID != "s1" {
		t.Errorf("body = %+v", pair)
	}
}

func TestAuthHandler_Login_MFARequiredDoesNotSetCookie(t *testing.T) {
	svc := &mockAuthService{authenticateFn: func(context.Context, string, string, model.DeviceInfo) (*model.TokenPair, error) {
		return &model.TokenPair{MFARequired: true, MFAPendingToken: "pending"}, nil
	}}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"x"}`))

	if findCookie(w, accessTokenCookieName) != nil {
		t.Error("cookie should not be set while MFA is pending")
	}
	var pair model.TokenPair
	decodeJSONBody(t, w, &pair)
	if !pair.MFARequired || pair.MFAPendingToken != "pending" || pair.AccessToken != "" {
		t.Errorf("body = %+v", pair)
	}
}

func TestAuthHandler_Login_LockedReturnsRetryAfter(t *testing.T) {
	svc := &mockAuthService{authenticateFn: func(context.Context, string, string, model.DeviceInfo) (*model.TokenPair, error) {
		return nil, model.WithRetryAfter(model.ErrAccountLocked, 15*time.Minute)
	}}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"username":"alice","password":"x"}`))

	if w.Code != http.StatusLocked {
		t.Errorf("status = %d, want 423", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "900" {
		t.Errorf("Retry-After = %q, want 900", got)
	}
}

func TestAuthHandler_MFALogin_PassesPendingTokenAndCode(t *testing.T) {
	svc := &mockAuthService{completeMFALoginFn: func(_ context.Context, pending, code string, _ model.DeviceInfo) (*model.TokenPair, error) {
		if pending != "pending" || code != "123456" {
			t.Errorf("pending/code = %s/%s", pending, code)
		}
		return &model.TokenPair{AccessToken: "at", ExpiresIn: 900}, nil
	}}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).MFALogin(w, jsonRequest(http.MethodPost, "/auth/mfa/login",
		`{"mfa_pending_token":"pending","code":"123456"}`))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if findCookie(w, accessTokenCookieName) == nil {
		t.Error("access token cookie not set after MFA login")
	}
}

func TestAuthHandler_Refresh(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		newTestAuthHandler(&mockAuthService{}).Refresh(w, jsonRequest(http.MethodPost, "/auth/refresh", `{}`))
		if code := errorCode(t, w); code != "AUTH_003" {
			t.Errorf("error_code = %q, want AUTH_003", code)
		}
	})

	t.Run("replay", func(t *testing.T) {
		svc := &mockAuthService{refreshFn: func(context.Context, string, model.DeviceInfo) (*model.TokenPair, error) {
			return nil, model.ErrTokenReplay
		}}
		w := httptest.NewRecorder()
		newTestAuthHandler(svc).Refresh(w, jsonRequest(http.MethodPost, "/auth/refresh", `{"refresh_token":"old"}`))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		if code := errorCode(t, w); code != "AUTH_008" {
			t.Errorf("error_code = %q, want AUTH_008", code)
		}
	})

	t.Run("rotated", func(t *testing.T) {
		svc := &mockAuthService{refreshFn: func(_ context.Context, token string, _ model.DeviceInfo) (*model.TokenPair, error) {
			if token != "rt1" {
				t.Errorf("refresh token = %q, want rt1", token)
			}
			return &model.TokenPair{AccessToken: "at2", RefreshToken: "rt2", ExpiresIn: 900}, nil
		}}
		w := httptest.NewRecorder()
		newTestAuthHandler(svc).Refresh(w, jsonRequest(http.MethodPost, "/auth/refresh", `{"refresh_token":"rt1"}`))

		var pair model.TokenPair
		decodeJSONBody(t, w, &pair)
		if pair.RefreshToken != "rt2" {
			t.Errorf("refresh_token = %q, want rt2", pair.RefreshToken)
		}
	})
}

func TestAuthHandler_Logout_RevokesCurrentSessionAndClearsCookie(t *testing.T) {
	var revoked string
	svc := &mockAuthService{logoutFn: func(_ context.Context, sid string) error {
		revoked = sid
		return nil
	}}
	r := withPrincipal(httptest.NewRequest(http.MethodPost, "/auth/logout", nil),
		middleware.Principal{IdentityID: "u1", SessionID: "s1"})
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Logout(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if revoked != "s1" {
		t.Errorf("revoked session = %q, want s1", revoked)
	}
	if c := findCookie(w, accessTokenCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("cookie = %+v, want expired", c)
	}
}

func TestAuthHandler_LogoutAll_KeepsCurrentSession(t *testing.T) {
	svc := &mockAuthService{revokeAllSessionsFn: func(_ context.Context, id, except string) (int, error) {
		if id != "u1" || except != "s1" {
			t.Errorf("identity/except = %s/%s", id, except)
		}
		return 3, nil
	}}
	r := withPrincipal(httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil),
		middleware.Principal{IdentityID: "u1", SessionID: "s1"})
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).LogoutAll(w, r)

	var resp map[string]int
	decodeJSONBody(t, w, &resp)
	if resp["revoked"] != 3 {
		t.Errorf("revoked = %d, want 3", resp["revoked"])
	}
}

func TestAuthHandler_Sessions_MarksCurrent(t *testing.T) {
	svc := &mockAuthService{activeSessionsFn: func(context.Context, string) ([]model.Session, error) {
		return []model.Session{{ID: "s1"}, {ID: "s2"}}, nil
	}}
	r := withPrincipal(httptest.NewRequest(http.MethodGet, "/auth/sessions", nil),
		middleware.Principal{IdentityID: "u1", SessionID: "s2"})
	w := httptest.NewRecorder()
	newTestAuthHandler(svc).Sessions(w, r)

	var resp struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	decodeJSONBody(t, w, &resp)
	if len(resp.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(resp.Sessions))
	}
	if resp.Sessions[0].Current || !resp.Sessions[1].Current {
		t.Errorf("current flags = %v/%v, want false/true", resp.Sessions[0].Current, resp.Sessions[1].Current)
	}
}

func TestAuthHandler_MFASetupAndVerify(t *testing.T) {
	svc := &mockAuthService{
		setupMFAFn: func(_ context.Context, id, currentCode string) (*auth.MFASetup, error) {
			if currentCode != "" {
				return nil, model.ErrInvalidMFACode
			}
			return &auth.MFASetup{Secret: "JBSWY3DPEHPK3PXP", BackupCodes: []string{"a", "b"}}, nil
		},
		verifyMFAFn: func(_ context.Context, id, code string) error {
			if code != "000000" {
				return model.ErrInvalidMFACode
			}
			return nil
		},
	}
	h := newTestAuthHandler(svc)
	p := middleware.Principal{IdentityID: "u1", SessionID: "s1"}

	w := httptest.NewRecorder()
	h.SetupMFA(w, withPrincipal(httptest.NewRequest(http.MethodPost, "/auth/mfa/setup", nil), p))
	var setup auth.MFASetup
	decodeJSONBody(t, w, &setup)
	if setup.Secret != "JBSWY3DPEHPK3PXP" || len(setup.BackupCodes) != 2 {
		t.Errorf("setup = %+v", setup)
	}

	w = httptest.NewRecorder()
	h.VerifyMFA(w, withPrincipal(jsonRequest(http.MethodPost, "/auth/mfa/verify", `{"code":"111111"}`), p))
	if code := errorCode(t, w); code != "AUTH_007" {
		t.Errorf("error_code = %q, want AUTH_007", code)
	}

	w = httptest.NewRecorder()
	h.VerifyMFA(w, withPrincipal(jsonRequest(http.MethodPost, "/auth/mfa/verify", `{"code":"000000"}`), p))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuthHandler_MFASetupPassesCurrentCode(t *testing.T) {
	var gotCode string
	svc := &mockAuthService{
		setupMFAFn: func(_ context.Context, id, currentCode string) (*auth.MFASetup, error) {
			gotCode = currentCode
			if currentCode != "123456" {
				return nil, model.ErrInvalidMFACode
			}
			return &auth.MFASetup{Secret: "NEWSECRET"}, nil
		},
	}
	h := newTestAuthHandler(svc)
	p := middleware.Principal{IdentityID: "u1", SessionID: "s1"}

	w := httptest.NewRecorder()
	h.SetupMFA(w, withPrincipal(jsonRequest(http.MethodPost, "/auth/mfa/setup", `{"code":"000000"}`), p))
	if code := errorCode(t, w); code != "AUTH_007" {
		t.Errorf("error_code = %q, want AUTH_007", code)
	}

	w = httptest.NewRecorder()
	h.SetupMFA(w, withPrincipal(jsonRequest(http.MethodPost, "/auth/mfa/setup", `{"code":"123456"}`), p))
	if w.Code != http.StatusOK || gotCode != "123456" {
		t.Errorf("status = %d, code = %q, want 200 with 123456", w.Code, gotCode)
	}

	w = httptest.NewRecorder()
	h.SetupMFA(w, withPrincipal(jsonRequest(http.MethodPost, "/auth/mfa/setup", `{"code":`), p))
	if code := errorCode(t, w); code != "INPUT_001" {
		t.Errorf("malformed body error_code = %q, want INPUT_001", code)
	}
}
