package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/repository"
	"github.com/hitoshi/guardian/internal/security"
	"github.com/hitoshi/guardian/internal/store"
)

// --- テスト用の依存 ---

// memIdentityRepo はmapで保持するIdentityRepositoryのフェイク。
type memIdentityRepo struct {
	mu         sync.Mutex
	identities map[string]model.Identity

	createFn func(ctx context.Context, identity *model.Identity) error
}

var _ repository.IdentityRepository = (*memIdentityRepo)(nil)

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{identities: make(map[string]model.Identity)}
}

func (r *memIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	if r.createFn != nil {
		return r.createFn(ctx, identity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.identities {
		if strings.EqualFold(existing.Username, identity.Username) || existing.Email == identity.Email {
			return fmt.Errorf("create identity: %w", model.ErrDuplicateIdentity)
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

func (r *memIdentityRepo) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.identities[id]
	i.LastLoginAt = &at
	r.identities[id] = i
	return nil
}

func (r *memIdentityRepo) UpdateMFA(_ context.Context, id, encryptedSecret string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.identities[id]
	i.MFASecret = encryptedSecret
	i.MFAEnabled = enabled
	r.identities[id] = i
	return nil
}

func (r *memIdentityRepo) SetDisabled(_ context.Context, id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.identities[id]
	i.Disabled = disabled
	r.identities[id] = i
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

func (s *recordingSink) count(t model.AuditEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// fakeClock はテスト用の可変時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc   *Service
	repo  *memIdentityRepo
	store *store.MemoryStore
	clock *fakeClock
	sink  *recordingSink
}

const testSecret = "test-jwt-secret-0123456789abcdef0123"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
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

	env := &testEnv{
		repo:  newMemIdentityRepo(),
		store: store.NewMemoryStore(),
		clock: &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		sink:  &recordingSink{},
	}
	env.store.SetNowFunc(env.clock.Now)

	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	env.svc, err = NewService(env.repo, env.store, crypto, cfg,
		WithClock(env.clock.Now), WithEventSink(env.sink))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return env
}

func (e *testEnv) register(t *testing.T, username, password string) *model.Identity {
	t.Helper()
	identity, err := e.svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: password,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return identity
}

var laptop = model.DeviceInfo{UserAgent: "Mozilla/5.0", IPAddress: "203.0.113.10", AcceptLanguage: "ja"}

// --- NewService ---

func TestNewService_RejectsShortSecret(t *testing.T) {
	crypto, err := security.NewCryptoManager(security.CryptoConfig{
		GeneralKey:        strings.Repeat("g", 32),
		PIIKey:            strings.Repeat("p", 32),
		KeyID:             "k1",
		AnonymizationSalt: "salt",
	})
	if err != nil {
		t.Fatalf("NewCryptoManager: %v", err)
	}
	cfg := DefaultConfig()
	cfg.JWTSecret = "short"
	if _, err := NewService(newMemIdentityRepo(), store.NewMemoryStore(), crypto, cfg); !errors.Is(err, security.ErrKeyMaterial) {
		t.Errorf("NewService() error = %v, want ErrKeyMaterial", err)
	}
}

// --- Register ---

func TestRegister_Success(t *testing.T) {
	env := newTestEnv(t)

	identity := env.register(t, "alice", "P@ssw0rd!")

	if identity.ID == "" {
		t.Error("ID is empty")
	}
	if identity.Role != model.RoleStudent || identity.Tier != model.TierBasic {
		t.Errorf("Role/Tier = %s/%s, want student/basic", identity.Role, identity.Tier)
	}
	if identity.PasswordHash == "P@ssw0rd!" || !strings.HasPrefix(identity.PasswordHash, "pbkdf2-sha256$") {
		t.Errorf("PasswordHash = %q, want pbkdf2 encoded hash", identity.PasswordHash)
	}
	if got := env.sink.count(model.EventIdentityRegistered); got != 1 {
		t.Errorf("identity_registered events = %d, want 1", got)
	}
}

func TestRegister_WeakCredential(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"too short", "bob", "abc12"},
		{"no digit", "bob", "abcdefghij"},
		{"no letter", "bob", "1234567890"},
		{"equals username", "bob12345", "BOB12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(context.Background(), RegisterInput{
				Username: tt.username, Email: "bob@example.com", Password: tt.password,
			})
			if !errors.Is(err, model.ErrWeakCredential) {
				t.Errorf("Register() error = %v, want ErrWeakCredential", err)
			}
		})
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"short username", RegisterInput{Username: "ab", Email: "a@example.com", Password: "passw0rd"}},
		{"bad username", RegisterInput{Username: "a b c", Email: "a@example.com", Password: "passw0rd"}},
		{"bad email", RegisterInput{Username: "carol", Email: "not-an-email", Password: "passw0rd"}},
		{"bad role", RegisterInput{Username: "carol", Email: "c@example.com", Password: "passw0rd", Role: "root"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Register(context.Background(), tt.in); !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("Register() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "P@ssw0rd!")

	_, err := env.svc.Register(context.Background(), RegisterInput{
		Username: "ALICE", Email: "other@example.com", Password: "An0ther-pass",
	})
	if !errors.Is(err, model.ErrDuplicateIdentity) {
		t.Errorf("Register() error = %v, want ErrDuplicateIdentity", err)
	}
}

// --- Authenticate ---

func TestAuthenticate_IssuesVerifiableTokens(t *testing.T) {
	env := newTestEnv(t)
	identity := env.register(t, "alice", "P@ssw0rd!")

	pair, err := env.svc.Authenticate(context.Background(), "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.SessionID == "" {
		t.Fatalf("incomplete token pair: %+v", pair)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 900 {
		t.Errorf("TokenType/ExpiresIn = %s/%d, want Bearer/900", pair.TokenType, pair.ExpiresIn)
	}

	claims, err := env.svc.VerifyAccessToken(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.IdentityID() != identity.ID || claims.SessionID != pair.SessionID || claims.Role != model.RoleStudent {
		t.Errorf("claims = %+v", claims)
	}

	stored, _ := env.repo.FindByID(context.Background(), identity.ID)
	if stored.LastLoginAt == nil {
		t.Error("LastLoginAt was not updated")
	}
	if got := env.sink.count(model.EventLoginSuccess); got != 1 {
		t.Errorf("login_success events = %d, want 1", got)
	}
}

func TestAuthenticate_UnknownUserAndWrongPasswordAreIdentical(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "P@ssw0rd!")

	_, errUnknown := env.svc.Authenticate(context.Background(), "mallory", "P@ssw0rd!", laptop)
	_, errWrong := env.svc.Authenticate(context.Background(), "alice", "wrong-passw0rd", laptop)

	if !errors.Is(errUnknown, model.ErrInvalidCredential) || !errors.Is(errWrong, model.ErrInvalidCredential) {
		t.Fatalf("errors = %v / %v, want ErrInvalidCredential", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Errorf("error messages differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestAuthenticate_AliceLockoutScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")

	if _, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop); err != nil {
		t.Fatalf("initial login error = %v", err)
	}

	for i := 1; i <= 4; i++ {
		if _, err := env.svc.Authenticate(ctx, "alice", "bad-passw0rd", laptop); !errors.Is(err, model.ErrInvalidCredential) {
			t.Fatalf("failure %d: error = %v, want ErrInvalidCredential", i, err)
		}
	}
	_, err := env.svc.Authenticate(ctx, "alice", "bad-passw0rd", laptop)
	if !errors.Is(err, model.ErrAccountLocked) {
		t.Fatalf("failure 5: error = %v, want ErrAccountLocked", err)
	}
	if got := model.RetryAfterOf(err); got != 15*time.Minute {
		t.Errorf("RetryAfter = %v, want 15m", got)
	}

	// ロック中は正しいパスワードでも拒否される
	if _, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop); !errors.Is(err, model.ErrAccountLocked) {
		t.Fatalf("login while locked: error = %v, want ErrAccountLocked", err)
	}

	env.clock.Advance(15*time.Minute + time.Second)
	if _, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop); err != nil {
		t.Fatalf("login after lockout: error = %v", err)
	}
	if got := env.sink.count(model.EventLoginFailed); got != 6 {
		t.Errorf("login_failed events = %d, want 6", got)
	}
}

func TestAuthenticate_SuccessResetsFailureCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")

	for round := 0; round < 2; round++ {
		for i := 0; i < 4; i++ {
			if _, err := env.svc.Authenticate(ctx, "alice", "bad-passw0rd", laptop); !errors.Is(err, model.ErrInvalidCredential) {
				t.Fatalf("round %d failure %d: error = %v", round, i, err)
			}
		}
		if _, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop); err != nil {
			t.Fatalf("round %d: login error = %v", round, err)
		}
	}
}

func TestAuthenticate_DisabledIdentityRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if err := env.svc.DisableIdentity(ctx, identity.ID); err != nil {
		t.Fatalf("DisableIdentity() error = %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop); !errors.Is(err, model.ErrInvalidCredential) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredential", err)
	}
	if _, err := env.svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("VerifyAccessToken() error = %v, want ErrInvalidToken", err)
	}
}

// --- VerifyAccessToken ---

func TestVerifyAccessToken_ExpiresAfterLifetime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	env.clock.Advance(14 * time.Minute)
	if _, err := env.svc.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Errorf("before expiry: error = %v", err)
	}
	env.clock.Advance(2 * time.Minute)
	if _, err := env.svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, model.ErrTokenExpired) {
		t.Errorf("after expiry: error = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyAccessToken_RejectsMalformedAndForeign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", model.ErrMissingToken},
		{"garbage", "not.a.jwt", model.ErrInvalidToken},
		{"refresh token", pair.RefreshToken, model.ErrInvalidToken},
		{"tampered", pair.AccessToken + "A", model.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.VerifyAccessToken(ctx, tt.token); !errors.Is(err, tt.want) {
				t.Errorf("VerifyAccessToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// --- Refresh ---

func TestRefresh_RotatesAndDetectsReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	first, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	second, err := env.svc.Refresh(ctx, first.RefreshToken, laptop)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("SessionID changed on refresh: %s -> %s", first.SessionID, second.SessionID)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// 旧トークンの再利用はリプレイとして検知され、系列全体が失効する
	if _, err := env.svc.Refresh(ctx, first.RefreshToken, laptop); !errors.Is(err, model.ErrTokenReplay) {
		t.Fatalf("replayed Refresh() error = %v, want ErrTokenReplay", err)
	}
	if _, err := env.svc.Refresh(ctx, second.RefreshToken, laptop); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("Refresh() after replay error = %v, want ErrInvalidToken", err)
	}
	if _, err := env.svc.VerifyAccessToken(ctx, second.AccessToken); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("VerifyAccessToken() after replay error = %v, want ErrInvalidToken", err)
	}
	if got := env.sink.count(model.EventTokenReplay); got != 1 {
		t.Errorf("token_replay events = %d, want 1", got)
	}
	if got := env.sink.count(model.EventTokenRefresh); got != 1 {
		t.Errorf("token_refresh events = %d, want 1", got)
	}
}

func TestRefresh_ConcurrentSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.Refresh(ctx, pair.RefreshToken, laptop); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful refreshes = %d, want exactly 1", successes)
	}
}

func TestRefresh_DeviceMismatchIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	phone := model.DeviceInfo{UserAgent: "Mobile Safari", IPAddress: "198.51.100.4", AcceptLanguage: "en"}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken, phone); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := env.sink.count(model.EventDeviceMismatch); got != 1 {
		t.Errorf("device mismatch events = %d, want 1", got)
	}
}

func TestRefresh_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	env.clock.Advance(7*24*time.Hour + time.Second)
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken, laptop); !errors.Is(err, model.ErrTokenExpired) {
		t.Errorf("Refresh() error = %v, want ErrTokenExpired", err)
	}
}

// --- Logout / sessions ---

func TestLogout_RevokesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := env.svc.Logout(ctx, pair.SessionID); err != nil {
			t.Fatalf("Logout() #%d error = %v", i+1, err)
		}
	}
	if err := env.svc.Logout(ctx, "unknown-session"); err != nil {
		t.Errorf("Logout(unknown) error = %v", err)
	}
	if _, err := env.svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("VerifyAccessToken() after logout error = %v, want ErrInvalidToken", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken, laptop); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("Refresh() after logout error = %v, want ErrInvalidToken", err)
	}
	if err := env.svc.Logout(ctx, ""); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("Logout(\"\") error = %v, want ErrInvalidInput", err)
	}
	// 失効済みと未知のセッションは状態を変えないため記録しない
	if got := env.sink.count(model.EventLogout); got != 1 {
		t.Errorf("logout events = %d, want 1", got)
	}
}

func TestLogout_AfterReplayIsNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "P@ssw0rd!")
	first, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if _, err := env.svc.Refresh(ctx, first.RefreshToken, laptop); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := env.svc.Refresh(ctx, first.RefreshToken, laptop); !errors.Is(err, model.ErrTokenReplay) {
		t.Fatalf("replayed Refresh() error = %v, want ErrTokenReplay", err)
	}

	if err := env.svc.Logout(ctx, first.SessionID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if got := env.sink.count(model.EventLogout); got != 0 {
		t.Errorf("logout events = %d, want 0", got)
	}
}

func TestRevokeAllSessions_KeepsCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.register(t, "alice", "P@ssw0rd!")

	devices := []model.DeviceInfo{
		laptop,
		{UserAgent: "Mobile Safari", IPAddress: "198.51.100.4", AcceptLanguage: "en"},
		{UserAgent: "Chrome/120", IPAddress: "192.0.2.7", AcceptLanguage: "ja"},
	}
	var pairs []*model.TokenPair
	for _, device := range devices {
		pair, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", device)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		pairs = append(pairs, pair)
		env.clock.Advance(time.Second)
	}

	active, err := env.svc.ActiveSessions(ctx, identity.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(active) != 3 || active[0].ID != pairs[2].SessionID {
		t.Fatalf("ActiveSessions() = %+v, want 3 newest first", active)
	}

	n, err := env.svc.RevokeAllSessions(ctx, identity.ID, pairs[0].SessionID)
	if err != nil {
		t.Fatalf("RevokeAllSessions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}

	active, err = env.svc.ActiveSessions(ctx, identity.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != pairs[0].SessionID {
		t.Errorf("ActiveSessions() = %+v, want only the kept session", active)
	}
	if active[0].DeviceFingerprint != DeviceFingerprint(laptop) {
		t.Errorf("DeviceFingerprint = %q", active[0].DeviceFingerprint)
	}
	if _, err := env.svc.VerifyAccessToken(ctx, pairs[1].AccessToken); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("revoked session token error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_SameDeviceSupersedesPriorSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	identity := env.register(t, "alice", "P@ssw0rd!")
	phone := model.DeviceInfo{UserAgent: "Mobile Safari", IPAddress: "198.51.100.4", AcceptLanguage: "en"}

	old, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	other, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", phone)
	if err != nil {
		t.Fatalf("Authenticate(phone) error = %v", err)
	}
	env.clock.Advance(time.Second)
	current, err := env.svc.Authenticate(ctx, "alice", "P@ssw0rd!", laptop)
	if err != nil {
		t.Fatalf("Authenticate() again error = %v", err)
	}

	active, err := env.svc.ActiveSessions(ctx, identity.ID)
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(active) != 2 || active[0].ID != current.SessionID || active[1].ID != other.SessionID {
		t.Fatalf("ActiveSessions() = %+v, want current laptop and phone sessions", active)
	}

	if _, err := env.svc.Refresh(ctx, old.RefreshToken, laptop); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("Refresh(superseded) error = %v, want ErrInvalidToken", err)
	}
	if _, err := env.svc.VerifyAccessToken(ctx, old.AccessToken); !errors.Is(err, model.ErrInvalidToken) {
		t.Errorf("VerifyAccessToken(superseded) error = %v, want ErrInvalidToken", err)
	}
	if _, err := env.svc.Refresh(ctx, current.RefreshToken, laptop); err != nil {
		t.Errorf("Refresh(current) error = %v", err)
	}
	if _, err := env.svc.Refresh(ctx, other.RefreshToken, phone); err != nil {
		t.Errorf("Refresh(phone) error = %v", err)
	}
	if got := env.sink.count(model.EventLogout); got != 1 {
		t.Errorf("logout events = %d, want 1", got)
	}
}
