// Package auth は認証主体の登録、ログイン、トークン発行と検証、MFAを提供する。
//
// セッション（リフレッシュトークンの系列）は共有ストアのハッシュに保持し、
// リフレッシュのたびに世代をアトミックに進める。古い世代のトークンが提示された場合は
// 再利用（リプレイ）とみなして系列全体を失効させる。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/repository"
	"github.com/hitoshi/guardian/internal/security"
	"github.com/hitoshi/guardian/internal/store"
)

// EventSink は監査イベントの出力先。audit.Loggerが実装する。
type EventSink interface {
	Log(ctx context.Context, e model.AuditEvent)
}

type nopSink struct{}

func (nopSink) Log(context.Context, model.AuditEvent) {}

// Config は認証サービスの設定。
type Config struct {
	JWTSecret         string
	Issuer            string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	SessionTTL        time.Duration // デバイスセッションの最大有効期間
	PasswordMinLength int
	LockoutThreshold  int
	LockoutDuration   time.Duration
	MFAIssuer         string
	MFAChallengeTTL   time.Duration
	MFABackupCodes    int
}

// DefaultConfig はJWTSecret以外のデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Issuer:            "guardian",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		SessionTTL:        30 * 24 * time.Hour,
		PasswordMinLength: 8,
		LockoutThreshold:  5,
		LockoutDuration:   15 * time.Minute,
		MFAIssuer:         "Guardian",
		MFAChallengeTTL:   5 * time.Minute,
		MFABackupCodes:    10,
	}
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithClock はトークンの発行・検証とTOTPの検証に使用する時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventSink は監査イベントの出力先を設定する。
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithMetrics はメトリクスコレクタを設定する。
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = c }
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	repo    repository.IdentityRepository
	store   store.Store
	crypto  *security.CryptoManager
	cfg     Config
	secret  []byte
	sink    EventSink
	metrics metrics.MetricsCollector
	now     func() time.Time

	// dummyHash は存在しないユーザーに対しても同じコストの検証を行うためのハッシュ。
	dummyHash string
}

// NewService はServiceを生成する。
// JWTシークレットが短すぎる場合は起動を中止するためエラーを返す。
func NewService(repo repository.IdentityRepository, st store.Store, crypto *security.CryptoManager, cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.JWTSecret) < security.MinKeyLength {
		return nil, fmt.Errorf("%w: jwt secret must be at least %d bytes", security.ErrKeyMaterial, security.MinKeyLength)
	}
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = def.AccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = def.RefreshTokenTTL
	}
	if cfg.SessionTTL < cfg.RefreshTokenTTL {
		cfg.SessionTTL = cfg.RefreshTokenTTL
	}
	if cfg.PasswordMinLength <= 0 {
		cfg.PasswordMinLength = def.PasswordMinLength
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = def.LockoutThreshold
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if cfg.MFAIssuer == "" {
		cfg.MFAIssuer = def.MFAIssuer
	}
	if cfg.MFAChallengeTTL <= 0 {
		cfg.MFAChallengeTTL = def.MFAChallengeTTL
	}
	if cfg.MFABackupCodes <= 0 {
		cfg.MFABackupCodes = def.MFABackupCodes
	}

	s := &Service{
		repo:    repo,
		store:   st,
		crypto:  crypto,
		cfg:     cfg,
		secret:  []byte(cfg.JWTSecret),
		sink:    nopSink{},
		metrics: metrics.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	dummy, err := crypto.HashPassword(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// RegisterInput は登録リクエストの入力。
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	Role      model.Role
	Tier      model.Tier
	BirthDate *time.Time
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,64}$`)

// Register は新しい認証主体を登録する。
// ユーザー名またはメールアドレスが既に存在する場合はmodel.ErrDuplicateIdentity、
// パスワードがポリシーを満たさない場合はmodel.ErrWeakCredentialを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Identity, error) {
	username := strings.TrimSpace(in.Username)
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-64 characters of letters, digits, '_', '.', '-'", model.ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email address", model.ErrInvalidInput)
	}
	role := in.Role
	if role == "" {
		role = model.RoleStudent
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, role)
	}
	tier := in.Tier
	if tier == "" {
		tier = model.TierBasic
	}
	if err := s.checkPassword(in.Password, username); err != nil {
		return nil, err
	}

	hash, err := s.crypto.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	identity := &model.Identity{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(addr.Address),
		PasswordHash: hash,
		Role:         role,
		Tier:         tier,
		BirthDate:    in.BirthDate,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Create(ctx, identity); err != nil {
		if errors.Is(err, model.ErrDuplicateIdentity) {
			return nil, err
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}

	s.sink.Log(ctx, model.AuditEvent{
		Type:     model.EventIdentityRegistered,
		ActorID:  identity.ID,
		Severity: model.SeverityLow,
		Details:  map[string]interface{}{"role": string(identity.Role)},
	})
	s.metrics.RecordAuthEvent("register", "success")
	slog.Info("identity registered",
		slog.String("identity_id", identity.ID),
		slog.String("role", string(identity.Role)),
	)
	return identity, nil
}

// checkPassword はパスワードポリシー（最小長、英字と数字を含む、ユーザー名と異なる）を検証する。
func (s *Service) checkPassword(password, username string) error {
	if len([]rune(password)) < s.cfg.PasswordMinLength {
		return fmt.Errorf("%w: password must be at least %d characters", model.ErrWeakCredential, s.cfg.PasswordMinLength)
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("%w: password must contain a letter and a digit", model.ErrWeakCredential)
	}
	if strings.EqualFold(password, username) {
		return fmt.Errorf("%w: password must not equal the username", model.ErrWeakCredential)
	}
	return nil
}

func failuresKey(username string) string { return "login_failures:" + strings.ToLower(username) }
func lockoutKey(username string) string  { return "lockout:" + strings.ToLower(username) }

// Authenticate はユーザー名とパスワードを検証し、トークンの組を発行する。
//
// 存在しないユーザーとパスワード誤りはどちらもmodel.ErrInvalidCredentialを返す。
// 連続失敗がLockoutThresholdに達するとLockoutDurationの間model.ErrAccountLockedを返す。
// MFAが有効な場合はセッションを発行せず、MFAPendingTokenのみを返す。
func (s *Service) Authenticate(ctx context.Context, username, password string, device model.DeviceInfo) (*model.TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", model.ErrInvalidInput)
	}

	locked, err := s.store.Exists(ctx, lockoutKey(username))
	if err != nil {
		return nil, fmt.Errorf("check lockout: %w", err)
	}
	if locked {
		return nil, s.lockedError(ctx, username, device)
	}

	identity, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}

	hash := s.dummyHash
	if identity != nil {
		hash = identity.PasswordHash
	}
	ok := s.crypto.VerifyPassword(password, hash)
	if identity == nil || !ok || identity.Disabled {
		return nil, s.loginFailed(ctx, username, identity, device)
	}

	if err := s.store.Del(ctx, failuresKey(username)); err != nil {
		slog.Warn("failed to reset login failure counter",
			slog.String("identity_id", identity.ID),
			slog.String("error", err.Error()),
		)
	}

	if identity.MFAEnabled {
		pending, _, err := s.signToken(Claims{
			RegisteredClaims: subject(identity.ID),
			Type:             TokenMFAPending,
		}, s.cfg.MFAChallengeTTL)
		if err != nil {
			return nil, err
		}
		s.sink.Log(ctx, model.AuditEvent{
			Type:      model.EventLoginSuccess,
			ActorID:   identity.ID,
			IPAddress: device.IPAddress,
			Details:   map[string]interface{}{"mfa_required": true},
		})
		s.metrics.RecordAuthEvent("login", "mfa_required")
		return &model.TokenPair{MFARequired: true, MFAPendingToken: pending}, nil
	}

	pair, err := s.completeLogin(ctx, identity, device)
	if err != nil {
		return nil, err
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:      model.EventLoginSuccess,
		ActorID:   identity.ID,
		IPAddress: device.IPAddress,
		Details:   map[string]interface{}{"session_id": pair.SessionID},
	})
	s.metrics.RecordAuthEvent("login", "success")
	return pair, nil
}

// completeLogin はセッションを発行し、最終ログイン日時を更新する。
func (s *Service) completeLogin(ctx context.Context, identity *model.Identity, device model.DeviceInfo) (*model.TokenPair, error) {
	pair, err := s.issueSession(ctx, identity, device)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateLastLogin(ctx, identity.ID, s.now().UTC()); err != nil {
		slog.Warn("failed to update last login",
			slog.String("identity_id", identity.ID),
			slog.String("error", err.Error()),
		)
	}
	slog.Info("identity logged in",
		slog.String("identity_id", identity.ID),
		slog.String("session_id", pair.SessionID),
	)
	return pair, nil
}

// loginFailed は失敗回数を加算し、閾値に達した場合はアカウントをロックする。
func (s *Service) loginFailed(ctx context.Context, username string, identity *model.Identity, device model.DeviceInfo) error {
	actor := ""
	if identity != nil {
		actor = identity.ID
	}

	n, err := s.store.Incr(ctx, failuresKey(username), s.cfg.LockoutDuration)
	if err != nil {
		return fmt.Errorf("count login failure: %w", err)
	}

	lockNow := n >= int64(s.cfg.LockoutThreshold)
	severity := model.SeverityMedium
	if lockNow || n > 1 {
		severity = model.SeverityHigh
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:      model.EventLoginFailed,
		ActorID:   actor,
		IPAddress: device.IPAddress,
		Severity:  severity,
		Details: map[string]interface{}{
			"username_hash":   security.HashData(strings.ToLower(username)),
			"failure_count":   n,
			"account_locked":  lockNow,
			"lockout_seconds": int(s.cfg.LockoutDuration.Seconds()),
		},
	})

	if !lockNow {
		s.metrics.RecordAuthEvent("login", "failure")
		return model.ErrInvalidCredential
	}

	if err := s.store.Set(ctx, lockoutKey(username), "1", s.cfg.LockoutDuration); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	if err := s.store.Del(ctx, failuresKey(username)); err != nil {
		slog.Warn("failed to reset login failure counter", slog.String("error", err.Error()))
	}
	s.metrics.RecordAuthEvent("login", "locked")
	slog.Warn("account locked after consecutive login failures",
		slog.String("identity_id", actor),
		slog.Int64("failures", n),
	)
	return model.WithRetryAfter(model.ErrAccountLocked, s.cfg.LockoutDuration)
}

// lockedError はロック中のログイン試行を記録し、残り時間付きのエラーを返す。
func (s *Service) lockedError(ctx context.Context, username string, device model.DeviceInfo) error {
	remaining, err := s.store.TTL(ctx, lockoutKey(username))
	if err != nil || remaining <= 0 {
		remaining = s.cfg.LockoutDuration
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:      model.EventLoginFailed,
		IPAddress: device.IPAddress,
		Severity:  model.SeverityMedium,
		Details: map[string]interface{}{
			"username_hash":  security.HashData(strings.ToLower(username)),
			"account_locked": true,
		},
	})
	s.metrics.RecordAuthEvent("login", "locked")
	return model.WithRetryAfter(model.ErrAccountLocked, remaining)
}

// Unlock はアカウントロックと失敗回数を解除する。管理者操作で使用する。
func (s *Service) Unlock(ctx context.Context, username string) error {
	if err := s.store.Del(ctx, lockoutKey(username), failuresKey(username)); err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	return nil
}

// DisableIdentity は認証主体を無効化し、全セッションを失効させる。
func (s *Service) DisableIdentity(ctx context.Context, identityID string) error {
	if err := s.repo.SetDisabled(ctx, identityID, true); err != nil {
		return fmt.Errorf("disable identity: %w", err)
	}
	n, err := s.revokeAll(ctx, identityID, "")
	if err != nil {
		return err
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:     model.EventIdentityDisabled,
		ActorID:  identityID,
		Severity: model.SeverityMedium,
		Details:  map[string]interface{}{"revoked_sessions": n},
	})
	return nil
}
