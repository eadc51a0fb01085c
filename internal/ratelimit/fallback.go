package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localLimiter はキーごとのトークンバケットとアクセス時刻を保持する。
type localLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// fallbackLimiter はストア障害時（fail-open）に使用するプロセス内のレート制限。
// プロセス間で共有されないため上限は近似になるが、無制限にはしない。
type fallbackLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localLimiter

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// newFallbackLimiter はfallbackLimiterを生成し、クリーンアップを開始する。
func newFallbackLimiter(cleanupInterval time.Duration) *fallbackLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	f := &fallbackLimiter{
		limiters:        make(map[string]*localLimiter),
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go f.cleanupLoop()
	return f
}

// allow はキーのトークンバケットから1トークン消費できるかを返す。
// バケットはウィンドウあたりlimitの速度で補充され、容量はburst。
func (f *fallbackLimiter) allow(key string, limit int, window time.Duration, burst int) bool {
	if limit <= 0 {
		return false
	}
	if burst <= 0 {
		burst = 1
	}

	f.mu.Lock()
	ll, ok := f.limiters[key]
	if !ok {
		every := window / time.Duration(limit)
		ll = &localLimiter{limiter: rate.NewLimiter(rate.Every(every), burst)}
		f.limiters[key] = ll
	}
	ll.lastAccess = time.Now()
	f.mu.Unlock()

	return ll.limiter.Allow()
}

// size は管理中のエントリ数を返す。
func (f *fallbackLimiter) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limiters)
}

// stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (f *fallbackLimiter) stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (f *fallbackLimiter) cleanupLoop() {
	ticker := time.NewTicker(f.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.cleanup(time.Now())
		case <-f.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がクリーンアップ間隔の2倍を超えたエントリを削除する。
func (f *fallbackLimiter) cleanup(now time.Time) {
	ttl := f.cleanupInterval * 2

	f.mu.Lock()
	defer f.mu.Unlock()
	for key, ll := range f.limiters {
		if now.Sub(ll.lastAccess) > ttl {
			delete(f.limiters, key)
		}
	}
}
