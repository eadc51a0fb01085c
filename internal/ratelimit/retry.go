package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/guardian/internal/model"
)

const (
	// maxAttempts はストア操作の最大試行回数。
	maxAttempts = 3
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 20 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 200 * time.Millisecond
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回20ms、2倍ずつ増加、最大200ms。
func CalculateBackoff(failures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// withRetry はストアの一時的な障害に対してopを再試行する。
// ErrStoreUnavailable以外のエラーとコンテキストのキャンセルは即座に返す。
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = op(ctx); err == nil || !errors.Is(err, model.ErrStoreUnavailable) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		timer := time.NewTimer(CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
