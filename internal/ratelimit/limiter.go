// Package ratelimit は共有ストア上のスライディングウィンドウによるレート制限を提供する。
//
// ウィンドウはサブウィンドウ単位のカウンタ（INCR + EXPIRE）の合計で近似する。
// プロセス間の同期はストアのアトミックなインクリメントのみで行うため、
// 複数インスタンスで同じ上限を共有できる。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/store"
)

// Config はレート制限の設定を保持する。
type Config struct {
	Window           time.Duration // 通常ウィンドウ
	SubWindow        time.Duration // 通常ウィンドウのサブウィンドウ
	BurstWindow      time.Duration // バーストウィンドウ
	BurstSubWindow   time.Duration // バーストウィンドウのサブウィンドウ
	Limits           Limits
	Bursts           map[Action]int
	Tiers            map[model.Tier]float64
	FailOpen         bool          // ストア障害時にローカル制限へ縮退するか
	IPBlockThreshold int           // IPブロックまでの拒否回数
	IPBlockWindow    time.Duration // 拒否回数を数える期間
	IPBlockDuration  time.Duration // ブロック期間
}

// DefaultConfig はデフォルトのレート制限設定を返す。
func DefaultConfig() Config {
	return Config{
		Window:           time.Hour,
		SubWindow:        time.Minute,
		BurstWindow:      time.Minute,
		BurstSubWindow:   10 * time.Second,
		Limits:           DefaultLimits(),
		Bursts:           DefaultBursts(),
		Tiers:            DefaultTierMultipliers(),
		IPBlockThreshold: 10,
		IPBlockWindow:    5 * time.Minute,
		IPBlockDuration:  time.Hour,
	}
}

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	if c.SubWindow <= 0 || c.Window < c.SubWindow {
		return fmt.Errorf("window (%s) must be >= sub-window (%s) > 0", c.Window, c.SubWindow)
	}
	if c.BurstSubWindow <= 0 || c.BurstWindow < c.BurstSubWindow {
		return fmt.Errorf("burst window (%s) must be >= burst sub-window (%s) > 0", c.BurstWindow, c.BurstSubWindow)
	}
	if c.IPBlockThreshold > 0 && c.IPBlockWindow <= 0 {
		return errors.New("ip block window must be > 0")
	}
	return nil
}

// Request はレート制限の判定対象を表す。
type Request struct {
	Scope    Scope
	Action   Action
	Identity string     // ユーザーID、IPアドレス、エンドポイントのいずれか
	IP       string     // 違反記録に使う送信元IP。空の場合は記録しない
	Tier     model.Tier // 上限倍率の決定に使用する
}

// Result はレート制限の判定結果。
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // 拒否時のみ設定される
	ResetAt    time.Time
	Burst      bool // バーストウィンドウで拒否された
	Degraded   bool // ストア障害によりローカル制限で判定した
	Unlimited  bool // 上限が設定されていない
}

// Usage は現在のウィンドウでの使用状況。
type Usage struct {
	Limit     int
	Used      int
	Remaining int
}

// EventSink は監査イベントの送信先。
type EventSink interface {
	Log(ctx context.Context, event model.AuditEvent)
}

// Option はLimiterの任意設定。
type Option func(*Limiter)

// WithEventSink はIPブロック発動時の監査イベント送信先を設定する。
func WithEventSink(sink EventSink) Option {
	return func(l *Limiter) { l.events = sink }
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter はスライディングウィンドウ方式のレート制限を行う。
type Limiter struct {
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	events   EventSink
	fallback *fallbackLimiter
	now      func() time.Time
}

// New はLimiterを生成する。
func New(st store.Store, cfg Config, logger *slog.Logger, collector metrics.MetricsCollector, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTierMultipliers()
	}

	l := &Limiter{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		metrics:  collector,
		fallback: newFallbackLimiter(5 * time.Minute),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Stop はバックグラウンド処理を停止する。
func (l *Limiter) Stop() {
	l.fallback.stop()
}

// Check はリクエストを1件として数え、上限内かを判定する。
// 拒否されたリクエストはカウンタから差し引かれる。
// ストアに到達できない場合、fail-closed（デフォルト）ではErrStoreUnavailableをラップしたエラーを、
// fail-openではローカルのトークンバケットによる判定結果を返す。
func (l *Limiter) Check(ctx context.Context, req Request) (Result, error) {
	base, ok := l.cfg.Limits.Lookup(req.Action, req.Scope)
	if !ok {
		return Result{Allowed: true, Unlimited: true}, nil
	}
	limit := effectiveLimit(base, l.cfg.Tiers[req.Tier])
	now := l.now()

	prefix := windowPrefix(req)
	res, err := l.slidingWindow(ctx, prefix, limit, l.cfg.Window, l.cfg.SubWindow, now)
	if err != nil {
		return l.onStoreFailure(req, prefix, limit, err)
	}

	if burst := l.cfg.Bursts[req.Action]; res.Allowed && burst > 0 {
		bres, err := l.slidingWindow(ctx, burstPrefix(req), burst, l.cfg.BurstWindow, l.cfg.BurstSubWindow, now)
		if err != nil {
			l.undo(ctx, bucketKey(prefix, now, l.cfg.SubWindow))
			return l.onStoreFailure(req, prefix, limit, err)
		}
		if !bres.Allowed {
			l.undo(ctx, bucketKey(prefix, now, l.cfg.SubWindow))
			bres.Burst = true
			res = bres
		}
	}

	l.metrics.RecordRateLimitDecision(string(req.Scope), string(req.Action), res.Allowed)
	if !res.Allowed {
		l.logger.Warn("rate limit exceeded",
			slog.String("scope", string(req.Scope)),
			slog.String("action", string(req.Action)),
			slog.String("identity", req.Identity),
			slog.Int("limit", res.Limit),
			slog.Bool("burst", res.Burst),
		)
		l.recordViolation(ctx, req.IP, now)
	}
	return res, nil
}

// slidingWindow は現在のサブウィンドウをインクリメントし、ウィンドウ内の合計を上限と比較する。
func (l *Limiter) slidingWindow(ctx context.Context, prefix string, limit int, window, sub time.Duration, now time.Time) (Result, error) {
	keys := bucketKeys(prefix, now, window, sub)

	var current int64
	err := withRetry(ctx, func(ctx context.Context) error {
		n, err := l.store.Incr(ctx, keys[0], window+sub)
		current = n
		return err
	})
	if err != nil {
		return Result{}, err
	}

	counts := []int64{current}
	if len(keys) > 1 {
		var older []int64
		err = withRetry(ctx, func(ctx context.Context) error {
			vals, err := l.store.MGetInts(ctx, keys[1:])
			older = vals
			return err
		})
		if err != nil {
			l.undo(ctx, keys[0])
			return Result{}, err
		}
		counts = append(counts, older...)
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	cur := now.Truncate(sub)
	if total <= int64(limit) {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - int(total),
			ResetAt:   resetAt(counts, cur, window, sub),
		}, nil
	}

	// 拒否したリクエストは数えない
	l.undo(ctx, keys[0])
	counts[0]--
	total--

	at := retryAt(counts, total, limit, cur, window, sub)
	retryAfter := at.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retryAfter,
		ResetAt:    at,
	}, nil
}

// retryAt は古いサブウィンドウがウィンドウから外れて次の1件が許可される時刻を返す。
// counts[i]はcurからiサブウィンドウ前のカウント。
func retryAt(counts []int64, total int64, limit int, cur time.Time, window, sub time.Duration) time.Time {
	var dropped int64
	for i := len(counts) - 1; i >= 0; i-- {
		dropped += counts[i]
		if total-dropped <= int64(limit)-1 {
			return cur.Add(-time.Duration(i) * sub).Add(window)
		}
	}
	return cur.Add(window)
}

// resetAt は最も古い非ゼロのサブウィンドウがウィンドウから外れる時刻を返す。
func resetAt(counts []int64, cur time.Time, window, sub time.Duration) time.Time {
	for i := len(counts) - 1; i >= 0; i-- {
		if counts[i] > 0 {
			return cur.Add(-time.Duration(i) * sub).Add(window)
		}
	}
	return cur.Add(window)
}

// undo は拒否したリクエストのカウントを取り消す。失敗してもログのみ。
func (l *Limiter) undo(ctx context.Context, key string) {
	if _, err := l.store.Decr(ctx, key); err != nil {
		l.logger.Warn("failed to undo rate limit increment",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// onStoreFailure はストア障害時のポリシーを適用する。
func (l *Limiter) onStoreFailure(req Request, prefix string, limit int, err error) (Result, error) {
	l.logger.Error("rate limit store unavailable",
		slog.String("action", string(req.Action)),
		slog.Bool("fail_open", l.cfg.FailOpen),
		slog.String("error", err.Error()),
	)

	if !l.cfg.FailOpen {
		l.metrics.RecordRateLimitDecision(string(req.Scope), string(req.Action), false)
		return Result{Allowed: false, Limit: limit, RetryAfter: l.cfg.SubWindow}, fmt.Errorf("rate limit check: %w", err)
	}

	burst := l.cfg.Bursts[req.Action]
	if burst <= 0 {
		burst = limit / int(l.cfg.Window/l.cfg.SubWindow)
	}
	allowed := l.fallback.allow(prefix, limit, l.cfg.Window, burst)

	l.metrics.RecordRateLimitDegraded(string(req.Action))
	l.metrics.RecordRateLimitDecision(string(req.Scope), string(req.Action), allowed)

	res := Result{Allowed: allowed, Limit: limit, Degraded: true}
	if !allowed && limit > 0 {
		res.RetryAfter = l.cfg.Window / time.Duration(limit)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}
	return res, nil
}

// Usage は現在のウィンドウでの使用状況を返す。カウンタは変更しない。
func (l *Limiter) Usage(ctx context.Context, req Request) (Usage, error) {
	base, ok := l.cfg.Limits.Lookup(req.Action, req.Scope)
	if !ok {
		return Usage{}, nil
	}
	limit := effectiveLimit(base, l.cfg.Tiers[req.Tier])

	keys := bucketKeys(windowPrefix(req), l.now(), l.cfg.Window, l.cfg.SubWindow)
	var counts []int64
	err := withRetry(ctx, func(ctx context.Context) error {
		vals, err := l.store.MGetInts(ctx, keys)
		counts = vals
		return err
	})
	if err != nil {
		return Usage{}, fmt.Errorf("rate limit usage: %w", err)
	}

	used := 0
	for _, c := range counts {
		used += int(c)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Limit: limit, Used: used, Remaining: remaining}, nil
}

// Reset は対象の通常ウィンドウとバーストウィンドウのカウンタを削除する。
func (l *Limiter) Reset(ctx context.Context, req Request) error {
	now := l.now()
	keys := bucketKeys(windowPrefix(req), now, l.cfg.Window, l.cfg.SubWindow)
	keys = append(keys, bucketKeys(burstPrefix(req), now, l.cfg.BurstWindow, l.cfg.BurstSubWindow)...)

	if err := withRetry(ctx, func(ctx context.Context) error {
		return l.store.Del(ctx, keys...)
	}); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	l.logger.Info("rate limit reset",
		slog.String("scope", string(req.Scope)),
		slog.String("action", string(req.Action)),
		slog.String("identity", req.Identity),
	)
	return nil
}

// windowPrefix は通常ウィンドウのキープレフィックスを返す。
// キー形式: ratelimit:<scope>:<action>:<identity>:<subwindowUnix>
func windowPrefix(req Request) string {
	return "ratelimit:" + string(req.Scope) + ":" + string(req.Action) + ":" + req.Identity
}

// burstPrefix はバーストウィンドウのキープレフィックスを返す。
func burstPrefix(req Request) string {
	return "ratelimit_burst:" + string(req.Scope) + ":" + string(req.Action) + ":" + req.Identity
}

// bucketKey は時刻が属するサブウィンドウのキーを返す。
func bucketKey(prefix string, t time.Time, sub time.Duration) string {
	return prefix + ":" + strconv.FormatInt(t.Truncate(sub).Unix(), 10)
}

// bucketKeys はウィンドウを構成するサブウィンドウのキーを新しい順に返す。
func bucketKeys(prefix string, now time.Time, window, sub time.Duration) []string {
	n := int(window / sub)
	if n < 1 {
		n = 1
	}
	cur := now.Truncate(sub)
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = bucketKey(prefix, cur.Add(-time.Duration(i)*sub), sub)
	}
	return keys
}
