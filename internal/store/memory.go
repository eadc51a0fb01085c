package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memEntry はMemoryStoreの1キー分の値。
// str、hash、setのいずれか1つのみを使用する。
type memEntry struct {
	str      string
	hash     map[string]string
	set      map[string]struct{}
	expireAt time.Time // ゼロ値は期限なし
}

// MemoryStore はプロセス内で完結するStoreの実装。
// 単一プロセスでの開発実行とテストで使用する。複数プロセス間では共有されない。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	nowFunc func() time.Time
	closed  bool
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		nowFunc: time.Now,
	}
}

// SetNowFunc は現在時刻の取得関数を差し替える（テスト用）。
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// lookup は期限切れを考慮してエントリを返す。ロック取得済みで呼び出すこと。
func (s *MemoryStore) lookup(key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.nowFunc().Before(e.expireAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.nowFunc().Add(ttl)
}

// Get は文字列値を取得する。
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.hash != nil || e.set != nil {
		return "", ErrNotFound
	}
	return e.str, nil
}

// Set は値を保存する。
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{str: value, expireAt: s.expiry(ttl)}
	return nil
}

// SetNX はキーが存在しない場合のみ値を保存する。
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.entries[key] = &memEntry{str: value, expireAt: s.expiry(ttl)}
	return true, nil
}

// Del はキーを削除する。
func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Exists はキーの存在を確認する。
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookup(key) != nil, nil
}

// TTL はキーの残り有効期間を返す。
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(s.nowFunc()), nil
}

// Incr はカウンタを1増やす。
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &memEntry{str: "0"}
		s.entries[key] = e
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	if ttl > 0 {
		e.expireAt = s.expiry(ttl)
	}
	return n, nil
}

// Decr はカウンタを1減らす。期限は変更しない。
func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &memEntry{str: "0"}
		s.entries[key] = e
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		n = 0
	}
	n--
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

// MGetInts は複数のカウンタを取得する。
func (s *MemoryStore) MGetInts(_ context.Context, keys []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, len(keys))
	for i, k := range keys {
		e := s.lookup(k)
		if e == nil {
			continue
		}
		if n, err := strconv.ParseInt(e.str, 10, 64); err == nil {
			out[i] = n
		}
	}
	return out, nil
}

// HSet はハッシュのフィールドを設定する。
func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.hash == nil {
		e = &memEntry{hash: make(map[string]string)}
		s.entries[key] = e
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.expireAt = s.expiry(ttl)
	}
	return nil
}

// HGetAll はハッシュの全フィールドを返す。
func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	e := s.lookup(key)
	if e == nil || e.hash == nil {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

// SAdd は集合にメンバーを追加する。
func (s *MemoryStore) SAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.set == nil {
		e = &memEntry{set: make(map[string]struct{})}
		s.entries[key] = e
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	if ttl > 0 {
		e.expireAt = s.expiry(ttl)
	}
	return nil
}

// SRem は集合からメンバーを削除する。
func (s *MemoryStore) SRem(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.set == nil {
		return false, nil
	}
	if _, ok := e.set[member]; !ok {
		return false, nil
	}
	delete(e.set, member)
	return true, nil
}

// SMembers は集合の全メンバーを返す。
func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.set == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	return out, nil
}

// RotateGeneration はセッション世代のcompare-and-incrementを行う。
func (s *MemoryStore) RotateGeneration(_ context.Context, key string, presented int64) (RotateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.hash == nil {
		return RotateResult{Status: RotateNotFound}, nil
	}
	raw, ok := e.hash[FieldGeneration]
	if !ok {
		return RotateResult{Status: RotateNotFound}, nil
	}
	cur, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return RotateResult{Status: RotateNotFound}, nil
	}
	if e.hash[FieldRevoked] == "1" {
		return RotateResult{Status: RotateRevoked, Generation: cur}, nil
	}
	switch {
	case presented < cur:
		e.hash[FieldRevoked] = "1"
		return RotateResult{Status: RotateStale, Generation: cur}, nil
	case presented > cur:
		return RotateResult{Status: RotateMismatch, Generation: cur}, nil
	}
	cur++
	e.hash[FieldGeneration] = strconv.FormatInt(cur, 10)
	return RotateResult{Status: RotateOK, Generation: cur}, nil
}

// Ping は常に成功する。
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close はストアを閉じる。
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
