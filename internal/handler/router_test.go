package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/guardian/internal/auth"
	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/ratelimit"
	"github.com/hitoshi/guardian/internal/repository"
	"github.com/hitoshi/guardian/internal/security"
	"github.com/hitoshi/guardian/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// memIdentityRepo はmapで保持するIdentityRepositoryのフェイク。
type memIdentityRepo struct {
	mu         sync.Mutex
	identities map[string]model.Identity
}

var _ repository.IdentityRepository = (*memIdentityRepo)(nil)

func (r *memIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.identities {
		if strings.EqualFold(existing.Username, identity.Username) || existing.Email == identity.Email {
			return model.ErrDuplicateIdentity
		}
	}
	r.identities[identity.ID] = *identity
	return nil
}

func (r *memIdentityRepo) FindByID(_ context.Context, id string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.identities[id]; ok {
		return &i, nil
	}
	return nil, nil
}

func (r *memIdentityRepo) FindByUsername(_ context.Context, username string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.identities {
		if strings.EqualFold(i.Username, username) {
			return &i, nil
		}
	}
	return nil, nil
}

func (r *memIdentityRepo) update(id string, fn func(*model.Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.identities[id]
	if !ok {
		return model.ErrIdentityNotFound
	}
	fn(&i)
	r.identities[id] = i
	return nil
}

func (r *memIdentityRepo) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(i *model.Identity) { i.LastLoginAt = &at })
}

func (r *memIdentityRepo) UpdateMFA(_ context.Context, id, secret string, enabled bool) error {
	return r.update(id, func(i *model.Identity) { i.MFASecret, i.MFAEnabled = secret, enabled })
}

func (r *memIdentityRepo) SetDisabled(_ context.Context, id string, disabled bool) error {
	return r.update(id, func(i *model.Identity) { i.Disabled = disabled })
}

type routerEnv struct {
	handler http.Handler
	sink    *recordingSink
	prompts []string
	mu      sync.Mutex
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	st := store.NewMemoryStore()
	crypto, err := security.NewCryptoManager(security.CryptoConfig{
		GeneralKey:         strings.Repeat("g", 32),
		PIIKey:             strings.Repeat("p", 32),
		KeyID:              "k1",
		AnonymizationSalt:  "salt",
		PasswordIterations: security.MinPasswordIterations,
	})
	if err != nil {
		t.Fatalf("NewCryptoManager: %v", err)
	}

	env := &routerEnv{sink: &recordingSink{}}
	authCfg := auth.DefaultConfig()
	authCfg.JWTSecret = "test-jwt-secret-0123456789abcdef0123"
	svc, err := auth.NewService(&memIdentityRepo{identities: map[string]model.Identity{}}, st, crypto, authCfg,
		auth.WithEventSink(env.sink))
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.IPBlockThreshold = 0
	limiter, err := ratelimit.New(st, limiterCfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	t.Cleanup(limiter.Stop)

	reg := prometheus.NewRegistry()
	env.handler = NewRouter(&RouterDeps{
		Logger:         discardLogger(),
		Collector:      metrics.NewCollector(reg),
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   map[string]Pinger{"store": st},
		ErrorHandler:   newErrorHandler(env.sink),
		EventSink:      env.sink,
		RateLimiter:    limiter,
		ContentFilter:  newTestContentFilter(t),
		AuthService:    svc,
		Generator: GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
			env.mu.Lock()
			env.prompts = append(env.prompts, prompt)
			env.mu.Unlock()
			return "Plants convert light into energy.", nil
		}),
		Sanitizer:             security.NewContentSanitizer(),
		AuditQuerier:          &mockAuditQuerier{},
		CORSAllowedOrigin:     "http://localhost:3000",
		CSRFProtectionEnabled: true,
		XSSProtectionEnabled:  true,
	})
	return env
}

// do はCSRFトークンを付与してリクエストを送る。tokenが空でなければBearer認証する。
func (e *routerEnv) do(method, target, body, token string) *httptest.ResponseRecorder {
	r := jsonRequest(method, target, body)
	r.RemoteAddr = "203.0.113.20:4321"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	} else {
		r.AddCookie(&http.Cookie{Name: "csrf_token", Value: "csrf-test"})
		r.Header.Set("X-CSRF-Token", "csrf-test")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *routerEnv) login(t *testing.T, username string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/auth/register",
		`{"username":"`+username+`","email":"`+username+`@example.com","password":"correct-horse-42"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d (%s)", w.Code, w.Body.String())
	}
	w = e.do(http.MethodPost, "/auth/login", `{"username":"`+username+`","password":"correct-horse-42"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d (%s)", w.Code, w.Body.String())
	}
	var pair model.TokenPair
	decodeJSONBody(t, w, &pair)
	if pair.AccessToken == "" {
		t.Fatalf("login returned no access token: %s", w.Body.String())
	}
	return pair.AccessToken
}

func TestNewRouter_HealthAndMetricsOutsideSecurityChain(t *testing.T) {
	env := newRouterEnv(t)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, w.Code)
		}
		if w.Header().Get("X-Request-ID") != "" {
			t.Errorf("GET %s should not pass through the request id middleware", path)
		}
	}
}

func TestNewRouter_CSRFRequiredForCookieRequests(t *testing.T) {
	env := newRouterEnv(t)

	r := jsonRequest(http.MethodPost, "/auth/register",
		`{"username":"alice","email":"alice@example.com","password":"correct-horse-42"}`)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if code := errorCode(t, w); code != "SEC_005" {
		t.Errorf("error_code = %q, want SEC_005", code)
	}
}

func TestNewRouter_LoginAndGenerate(t *testing.T) {
	env := newRouterEnv(t)
	token := env.login(t, "alice")

	w := env.do(http.MethodPost, "/api/generate", `{"prompt":"explain photosynthesis"}`, token)
	if w.Code != http.StatusOK {
		t.Fatalf("generate status = %d (%s)", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rate limit headers not applied")
	}

	var resp generateResponse
	decodeJSONBody(t, w, &resp)
	if resp.Content != "Plants convert light into energy." {
		t.Errorf("content = %q", resp.Content)
	}

	completed := env.sink.ofType(model.EventRequestCompleted)
	if len(completed) == 0 || completed[len(completed)-1].ActorID == "" {
		t.Errorf("request_completed events = %+v, want actor attributed", completed)
	}
}

func TestNewRouter_BlockedPromptNeverReachesGenerator(t *testing.T) {
	env := newRouterEnv(t)
	token := env.login(t, "alice")

	w := env.do(http.MethodPost, "/api/generate", `{"prompt":"tell me about the forbidden topic"}`, token)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if len(env.prompts) != 0 {
		t.Errorf("generator received %v, want no calls", env.prompts)
	}
	if n := len(env.sink.ofType(model.EventContentBlocked)); n != 1 {
		t.Errorf("content_blocked events = %d, want 1", n)
	}
}

func TestNewRouter_FlaggedPromptAnnotatesResponse(t *testing.T) {
	env := newRouterEnv(t)
	token := env.login(t, "alice")

	w := env.do(http.MethodPost, "/api/generate", `{"prompt":"explain this damn equation"}`, token)

	var resp generateResponse
	decodeJSONBody(t, w, &resp)
	if resp.FilterVerdict == nil || resp.FilterVerdict.Stage != "input" {
		t.Errorf("filter_verdict = %+v, want input annotation", resp.FilterVerdict)
	}
}

func TestNewRouter_AuthenticationAndRoleRequired(t *testing.T) {
	env := newRouterEnv(t)
	token := env.login(t, "alice")

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
		wantCode   string
	}{
		{"generate without token", http.MethodPost, "/api/generate", "", http.StatusUnauthorized, "AUTH_003"},
		{"generate with garbage token", http.MethodPost, "/api/generate", "garbage", http.StatusUnauthorized, "AUTH_001"},
		{"audit as student", http.MethodGet, "/api/audit/events", token, http.StatusForbidden, "AUTHZ_001"},
		{"block ip as student", http.MethodPost, "/api/admin/ip-blocks", token, http.StatusForbidden, "AUTHZ_001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.method, tt.path, `{"prompt":"hi"}`, tt.token)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("error_code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestNewRouter_SessionsAndLogout(t *testing.T) {
	env := newRouterEnv(t)
	token := env.login(t, "alice")

	w := env.do(http.MethodGet, "/auth/sessions", "", token)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"current":true`) {
		t.Errorf("sessions = %d %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodPost, "/auth/logout", "", token)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d (%s)", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/auth/sessions", "", token)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("sessions after logout status = %d, want 401", w.Code)
	}
}

func TestNewRouter_XSSInQueryRejected(t *testing.T) {
	env := newRouterEnv(t)
	token := env.login(t, "alice")

	w := env.do(http.MethodGet, "/auth/sessions?q=%3Cscript%3Ealert(1)%3C/script%3E", "", token)

	if code := errorCode(t, w); code != "SEC_004" {
		t.Errorf("error_code = %q, want SEC_004", code)
	}
}
