package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/guardian/internal/audit"
	"github.com/hitoshi/guardian/internal/auth"
	"github.com/hitoshi/guardian/internal/config"
	"github.com/hitoshi/guardian/internal/contentfilter"
	"github.com/hitoshi/guardian/internal/errorhandler"
	"github.com/hitoshi/guardian/internal/generator"
	"github.com/hitoshi/guardian/internal/handler"
	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/ratelimit"
	"github.com/hitoshi/guardian/internal/repository"
	"github.com/hitoshi/guardian/internal/security"
	"github.com/hitoshi/guardian/internal/store"
)

// notifierTimeout はインシデント通知Webhookへの送信タイムアウト。
const notifierTimeout = 10 * time.Second

// incidentBlockTimeout はインシデント起因のIPブロック書き込みのタイムアウト。
const incidentBlockTimeout = time.Second

// discardSink は監査ログ無効時のイベント送信先。
type discardSink struct{}

func (discardSink) Log(context.Context, model.AuditEvent) {}

// components はHTTPサーバーが利用するセキュリティコンポーネントの集合。
type components struct {
	logger    *slog.Logger
	collector metrics.MetricsCollector
	sink      middleware.EventSink

	audit     *audit.Logger
	auth      *auth.Service
	limiter   *ratelimit.Limiter    // レート制限無効時はnil
	filter    *contentfilter.Filter // コンテンツ検査無効時はnil
	errors    *errorhandler.Handler
	generator *generator.Client
	sanitizer *security.ContentSanitizer
	identity  repository.IdentityRepository
}

// openStore は共有ストアに接続する。
// Redisに到達できずREDIS_REQUIREDがfalseの場合は、プロセス内ストアへ縮退する。
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	rc := store.DefaultRedisConfig()
	rc.Addr = cfg.RedisAddr
	rc.Password = cfg.RedisPassword
	rc.DB = cfg.RedisDB
	rc.Prefix = cfg.RedisPrefix
	if cfg.RedisTimeout > 0 {
		rc.ReadTimeout = cfg.RedisTimeout
		rc.WriteTimeout = cfg.RedisTimeout
		rc.OpTimeout = cfg.RedisTimeout
	}

	rs := store.NewRedisStore(rc, logger)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		if cfg.RedisRequired {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, falling back to in-process store",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
		return store.NewMemoryStore(), nil
	}

	logger.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
	return rs, nil
}

// buildComponents は設定に従ってセキュリティコンポーネントを生成し、相互に接続する。
func buildComponents(cfg *config.Config, st store.Store, identities repository.IdentityRepository,
	audits repository.AuditRepository, collector metrics.MetricsCollector, logger *slog.Logger) (_ *components, err error) {
	c := &components{
		logger:    logger,
		collector: collector,
		sanitizer: security.NewContentSanitizer(),
		identity:  identities,
	}
	defer func() {
		if err != nil {
			c.close()
			if c.audit != nil {
				_ = c.audit.Close(context.Background())
			}
		}
	}()

	crypto, err := security.NewCryptoManager(security.CryptoConfig{
		GeneralKey:         cfg.EncryptionKey,
		PIIKey:             cfg.PIIEncryptionKey,
		KeyID:              cfg.KeyID,
		AnonymizationSalt:  cfg.AnonymizationSalt,
		PasswordIterations: cfg.PasswordIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize crypto: %w", err)
	}

	// 監査ログ
	var auditOpts []audit.Option
	if cfg.AuditAlertWebhookURL != "" {
		client := security.NewLinkGuard().NewSafeClient(notifierTimeout)
		n, err := audit.NewNotifier(cfg.AuditAlertWebhookURL, client, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize alert notifier: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithNotifier(n))
	}
	ac := audit.DefaultConfig()
	ac.BufferSize = cfg.AuditBufferSize
	ac.Shards = cfg.AuditShards
	ac.BatchSize = cfg.AuditBatchSize
	ac.FlushInterval = cfg.AuditFlushInterval
	c.audit = audit.New(audits, st, ac, logger, collector, auditOpts...)

	if cfg.AuditLoggingEnabled {
		c.sink = c.audit
	} else {
		logger.Warn("audit logging is disabled; security events will not be persisted")
		c.sink = discardSink{}
	}

	// 認証
	c.auth, err = auth.NewService(identities, st, crypto, auth.Config{
		JWTSecret:         cfg.JWTSecret,
		Issuer:            cfg.TokenIssuer,
		AccessTokenTTL:    cfg.AccessTokenTTL,
		RefreshTokenTTL:   cfg.RefreshTokenTTL,
		SessionTTL:        cfg.DeviceSessionTTL,
		PasswordMinLength: cfg.PasswordMinLength,
		LockoutThreshold:  cfg.LockoutThreshold,
		LockoutDuration:   cfg.LockoutDuration,
		MFAIssuer:         cfg.MFAIssuer,
		MFAChallengeTTL:   cfg.MFAChallengeTTL,
		MFABackupCodes:    cfg.MFABackupCodes,
	}, auth.WithEventSink(c.sink), auth.WithMetrics(collector))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	// レート制限
	if cfg.RateLimitingEnabled {
		c.limiter, err = newLimiter(cfg, st, c.sink, collector, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		c.audit.OnIncident(c.blockOnIncident(cfg.IPBlockDuration))
	}

	// コンテンツ検査
	if cfg.ContentFilteringEnabled {
		policy, err := contentfilter.ParsePolicy(cfg.ContentFilterPolicy, contentfilter.DefaultPolicy())
		if err != nil {
			return nil, fmt.Errorf("invalid CONTENT_FILTER_POLICY: %w", err)
		}
		c.filter, err = contentfilter.New(contentfilter.Config{
			Policy:            policy,
			Blocklist:         cfg.ContentFilterBlocklist,
			ChildAgeThreshold: cfg.ChildAgeThreshold,
		}, logger, collector)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize content filter: %w", err)
		}
	}

	c.errors = errorhandler.New(c.sink, logger, collector, cfg.ErrorRateAlertThreshold)
	c.generator = generator.NewClient(cfg.GeneratorURL, &http.Client{Timeout: cfg.GeneratorTimeout}, logger)

	return c, nil
}

// newLimiter は設定文字列を解釈してLimiterを生成する。
func newLimiter(cfg *config.Config, st store.Store, sink ratelimit.EventSink,
	collector metrics.MetricsCollector, logger *slog.Logger) (*ratelimit.Limiter, error) {
	rc := ratelimit.DefaultConfig()
	rc.Window = cfg.RateLimitWindow
	rc.SubWindow = cfg.RateLimitSubWindow
	rc.BurstWindow = cfg.RateLimitBurstWindow
	if rc.BurstSubWindow > rc.BurstWindow {
		rc.BurstSubWindow = rc.BurstWindow
	}
	rc.FailOpen = cfg.RateLimitFailOpen
	rc.IPBlockThreshold = cfg.IPBlockThreshold
	rc.IPBlockWindow = cfg.IPBlockWindow
	rc.IPBlockDuration = cfg.IPBlockDuration

	var err error
	if rc.Limits, err = ratelimit.ParseLimits(cfg.RateLimits, ratelimit.DefaultLimits()); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMITS: %w", err)
	}
	if rc.Bursts, err = ratelimit.ParseBursts(cfg.RateLimitBursts, ratelimit.DefaultBursts()); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURSTS: %w", err)
	}
	if rc.Tiers, err = ratelimit.ParseTiers(cfg.RateLimitTiers, ratelimit.DefaultTierMultipliers()); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_TIERS: %w", err)
	}

	return ratelimit.New(st, rc, logger, collector, ratelimit.WithEventSink(sink))
}

// blockOnIncident はIP単位のインシデント検知時に送信元IPをブロックするハンドラを返す。
func (c *components) blockOnIncident(duration time.Duration) audit.IncidentHandler {
	return func(ctx context.Context, inc audit.Incident) {
		if !inc.Pattern.IPBased() || inc.IPAddress == "" {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, incidentBlockTimeout)
		defer cancel()

		if _, err := c.limiter.BlockIP(ctx, inc.IPAddress, duration, ratelimit.BlockReasonIncident); err != nil {
			c.logger.Error("failed to block ip on incident",
				slog.String("incident_id", inc.ID),
				slog.String("pattern", string(inc.Pattern)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ageResolver は主体の生年月日から現在の年齢を解決する。不明な場合は0を返す。
func (c *components) ageResolver(ctx context.Context, identityID string) int {
	identity, err := c.identity.FindByID(ctx, identityID)
	if err != nil || identity == nil {
		return 0
	}
	if age := identity.AgeAt(time.Now()); age > 0 {
		return age
	}
	return 0
}

// routerDeps はコンポーネントからルーターの依存関係を組み立てる。
func (c *components) routerDeps(cfg *config.Config) *handler.RouterDeps {
	deps := &handler.RouterDeps{
		Logger:       c.logger,
		Collector:    c.collector,
		ErrorHandler: c.errors,
		EventSink:    c.sink,

		RateLimiter:   c.limiter,
		ContentFilter: c.filter,

		AuthService: c.auth,
		AgeResolver: c.ageResolver,

		Generator: c.generator,
		Sanitizer: c.sanitizer,

		AuditQuerier: c.audit,

		CORSAllowedOrigin:     cfg.CORSAllowedOrigin,
		TrustProxyHeaders:     cfg.TrustProxyHeaders,
		CookieDomain:          cfg.CookieDomain,
		CookieSecure:          cfg.CookieSecure,
		CSRFProtectionEnabled: cfg.CSRFProtectionEnabled,
		XSSProtectionEnabled:  cfg.XSSProtectionEnabled,
	}
	return deps
}

// close はバックグラウンド処理を停止する。監査バッファの排出はrunServeが行う。
func (c *components) close() {
	if c.limiter != nil {
		c.limiter.Stop()
	}
}
