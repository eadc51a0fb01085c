package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/guardian/internal/model"
)

// ブロック理由。
const (
	BlockReasonViolations = "rate_limit_violations"
	BlockReasonIncident   = "security_incident"
	BlockReasonManual     = "manual"
)

// violationBuckets は違反回数を数えるウィンドウの分割数。
const violationBuckets = 5

// blockedKey はIPブロックのキーを返す。
func blockedKey(ip string) string {
	return "blocked_ip:" + ip
}

// IsIPBlocked はIPがブロック中かを返す。ブロック中の場合は残り時間も返す。
// ストア障害時はfail-openならブロックなしとして扱い、fail-closedならエラーを返す。
func (l *Limiter) IsIPBlocked(ctx context.Context, ip string) (bool, time.Duration, error) {
	if ip == "" {
		return false, 0, nil
	}

	var blocked bool
	var ttl time.Duration
	err := withRetry(ctx, func(ctx context.Context) error {
		ok, err := l.store.Exists(ctx, blockedKey(ip))
		if err != nil || !ok {
			blocked = false
			return err
		}
		blocked = true
		ttl, err = l.store.TTL(ctx, blockedKey(ip))
		return err
	})
	if err != nil {
		if l.cfg.FailOpen {
			l.logger.Warn("ip block check degraded",
				slog.String("ip", ip),
				slog.String("error", err.Error()),
			)
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("ip block check: %w", err)
	}
	if blocked && ttl <= 0 {
		ttl = l.cfg.IPBlockDuration
	}
	return blocked, ttl, nil
}

// BlockIP はIPを指定期間ブロックする。既にブロック中の場合は何もしない。
// 新たにブロックした場合はtrueを返し、ip_blockedイベントを記録する。
func (l *Limiter) BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) (bool, error) {
	if ip == "" {
		return false, errors.New("empty ip")
	}
	if duration <= 0 {
		duration = l.cfg.IPBlockDuration
	}

	var created bool
	err := withRetry(ctx, func(ctx context.Context) error {
		ok, err := l.store.SetNX(ctx, blockedKey(ip), reason, duration)
		created = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("block ip: %w", err)
	}
	if !created {
		return false, nil
	}

	l.logger.Warn("ip blocked",
		slog.String("ip", ip),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
	)
	l.metrics.RecordIPBlocked(reason)
	if l.events != nil {
		l.events.Log(ctx, model.AuditEvent{
			Type:      model.EventIPBlocked,
			IPAddress: ip,
			Severity:  model.SeverityHigh,
			Details: map[string]interface{}{
				"reason":           reason,
				"duration_seconds": int(duration.Seconds()),
			},
		})
	}
	return true, nil
}

// UnblockIP はIPのブロックを解除する。
func (l *Limiter) UnblockIP(ctx context.Context, ip string) error {
	if err := withRetry(ctx, func(ctx context.Context) error {
		return l.store.Del(ctx, blockedKey(ip))
	}); err != nil {
		return fmt.Errorf("unblock ip: %w", err)
	}
	l.logger.Info("ip unblocked", slog.String("ip", ip))
	return nil
}

// recordViolation はIPごとの拒否回数を数え、閾値に達したらIPをブロックする。
// 失敗はログのみ（判定結果には影響させない）。
func (l *Limiter) recordViolation(ctx context.Context, ip string, now time.Time) {
	if ip == "" || l.cfg.IPBlockThreshold <= 0 {
		return
	}

	sub := l.cfg.IPBlockWindow / violationBuckets
	if sub < time.Second {
		sub = time.Second
	}
	keys := bucketKeys("ratelimit_violations:"+ip, now, l.cfg.IPBlockWindow, sub)

	current, err := l.store.Incr(ctx, keys[0], l.cfg.IPBlockWindow+sub)
	if err != nil {
		l.logger.Warn("failed to record rate limit violation",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
		return
	}
	total := current
	if len(keys) > 1 {
		older, err := l.store.MGetInts(ctx, keys[1:])
		if err != nil {
			l.logger.Warn("failed to read rate limit violations",
				slog.String("ip", ip),
				slog.String("error", err.Error()),
			)
			return
		}
		for _, c := range older {
			total += c
		}
	}

	if total < int64(l.cfg.IPBlockThreshold) {
		return
	}
	if _, err := l.BlockIP(ctx, ip, l.cfg.IPBlockDuration, BlockReasonViolations); err != nil {
		l.logger.Error("failed to block ip",
			slog.String("ip", ip),
			slog.String("error", err.Error()),
		)
	}
}
