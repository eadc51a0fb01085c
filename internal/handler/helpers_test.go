package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hitoshi/guardian/internal/auth"
	"github.com/hitoshi/guardian/internal/errorhandler"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
)

// mockAuthService はAuthServiceのモック。未設定のメソッドはゼロ値を返す。
type mockAuthService struct {
	verifyFn            func(ctx context.Context, token string) (*auth.Claims, error)
	registerFn          func(ctx context.Context, in auth.RegisterInput) (*model.Identity, error)
	authenticateFn      func(ctx context.Context, username, password string, device model.DeviceInfo) (*model.TokenPair, error)
	completeMFALoginFn  func(ctx context.Context, pendingToken, code string, device model.DeviceInfo) (*model.TokenPair, error)
	refreshFn           func(ctx context.Context, refreshToken string, device model.DeviceInfo) (*model.TokenPair, error)
	logoutFn            func(ctx context.Context, sessionID string) error
	revokeAllSessionsFn func(ctx context.Context, identityID, exceptSessionID string) (int, error)
	activeSessionsFn    func(ctx context.Context, identityID string) ([]model.Session, error)
	setupMFAFn          func(ctx context.Context, identityID, currentCode string) (*auth.MFASetup, error)
	verifyMFAFn         func(ctx context.Context, identityID, code string) error
	unlockFn            func(ctx context.Context, username string) error
	disableIdentityFn   func(ctx context.Context, identityID string) error
}

var _ AuthService = (*mockAuthService)(nil)

func (m *mockAuthService) VerifyAccessToken(ctx context.Context, token string) (*auth.Claims, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, token)
	}
	return nil, model.ErrInvalidToken
}

func (m *mockAuthService) Register(ctx context.Context, in auth.RegisterInput) (*model.Identity, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return &model.Identity{}, nil
}

func (m *mockAuthService) Authenticate(ctx context.Context, username, password string, device model.DeviceInfo) (*model.TokenPair, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, username, password, device)
	}
	return &model.TokenPair{}, nil
}

func (m *mockAuthService) CompleteMFALogin(ctx context.Context, pendingToken, code string, device model.DeviceInfo) (*model.TokenPair, error) {
	if m.completeMFALoginFn != nil {
		return m.completeMFALoginFn(ctx, pendingToken, code, device)
	}
	return &model.TokenPair{}, nil
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string, device model.DeviceInfo) (*model.TokenPair, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken, device)
	}
	return &model.TokenPair{}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) RevokeAllSessions(ctx context.Context, identityID, exceptSessionID string) (int, error) {
	if m.revokeAllSessionsFn != nil {
		return m.revokeAllSessionsFn(ctx, identityID, exceptSessionID)
	}
	return 0, nil
}

func (m *mockAuthService) ActiveSessions(ctx context.Context, identityID string) ([]model.Session, error) {
	if m.activeSessionsFn != nil {
		return m.activeSessionsFn(ctx, identityID)
	}
	return nil, nil
}

func (m *mockAuthService) SetupMFA(ctx context.Context, identityID, currentCode string) (*auth.MFASetup, error) {
	if m.setupMFAFn != nil {
		return m.setupMFAFn(ctx, identityID, currentCode)
	}
	return &auth.MFASetup{}, nil
}

func (m *mockAuthService) VerifyMFA(ctx context.Context, identityID, code string) error {
	if m.verifyMFAFn != nil {
		return m.verifyMFAFn(ctx, identityID, code)
	}
	return nil
}

func (m *mockAuthService) Unlock(ctx context.Context, username string) error {
	if m.unlockFn != nil {
		return m.unlockFn(ctx, username)
	}
	return nil
}

func (m *mockAuthService) DisableIdentity(ctx context.Context, identityID string) error {
	if m.disableIdentityFn != nil {
		return m.disableIdentityFn(ctx, identityID)
	}
	return nil
}

// recordingSink は受け取った監査イベントを保持する。
type recordingSink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (s *recordingSink) Log(_ context.Context, e model.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(t model.AuditEventType) []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newErrorHandler(sink *recordingSink) *errorhandler.Handler {
	if sink == nil {
		return errorhandler.New(nil, discardLogger(), nil, 0)
	}
	return errorhandler.New(sink, discardLogger(), nil, 0)
}

// jsonRequest はJSONボディを持つリクエストを生成する。
func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withPrincipal は認証ミドルウェアを通過した状態のリクエストを返す。
func withPrincipal(r *http.Request, p middleware.Principal) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), p))
}

func decodeJSONBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v (%s)", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorhandler.ResponseBody
	decodeJSONBody(t, w, &body)
	return body.ErrorCode
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
