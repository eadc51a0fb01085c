package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/guardian/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisConfig はRedis接続の設定を保持する。
type RedisConfig struct {
	Addr         string        // Redisサーバーアドレス
	Password     string        // Redisパスワード
	DB           int           // Redisデータベース番号
	PoolSize     int           // コネクションプールサイズ
	MinIdleConns int           // 最小アイドル接続数
	MaxRetries   int           // go-redis内部の最大リトライ回数
	DialTimeout  time.Duration // 接続タイムアウト
	ReadTimeout  time.Duration // 読み取りタイムアウト
	WriteTimeout time.Duration // 書き込みタイムアウト
	OpTimeout    time.Duration // 1操作あたりのタイムアウト
	Prefix       string        // キー名前空間のプレフィックス
}

// DefaultRedisConfig はデフォルトのRedis設定を返す。
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     20,
		MinIdleConns: 3,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		OpTimeout:    500 * time.Millisecond,
		Prefix:       "guardian:",
	}
}

// rotateScript はセッション世代のcompare-and-incrementをアトミックに行う。
// 戻り値: {status, generation}
//   - 0: キーなし / 1: 失効済み / 2: 古い世代（この場で失効させる） / 3: 未来の世代 / 4: 更新成功
var rotateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'generation')
if not cur then
  return {0, 0}
end
cur = tonumber(cur)
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
  return {1, cur}
end
local presented = tonumber(ARGV[1])
if presented < cur then
  redis.call('HSET', KEYS[1], 'revoked', '1')
  return {2, cur}
end
if presented > cur then
  return {3, cur}
end
local nextGen = redis.call('HINCRBY', KEYS[1], 'generation', 1)
return {4, nextGen}
`)

// RedisStore はRedisを使用したStoreの実装。
type RedisStore struct {
	client    *redis.Client
	logger    *slog.Logger
	prefix    string
	opTimeout time.Duration
}

// NewRedisStore はRedisStoreを生成する。
// 接続確認は行わないため、起動時にPingで疎通を確認すること。
func NewRedisStore(cfg RedisConfig, logger *slog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}

	return &RedisStore{
		client:    client,
		logger:    logger,
		prefix:    cfg.Prefix,
		opTimeout: opTimeout,
	}
}

// buildKey はプレフィックス付きのキーを生成する。
func (s *RedisStore) buildKey(key string) string {
	return s.prefix + key
}

// withTimeout は1操作分のタイムアウトを設定したコンテキストを返す。
func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// unavailable はRedisのエラーをErrStoreUnavailableでラップする。
func (s *RedisStore) unavailable(op, key string, err error) error {
	s.logger.Warn("redis operation failed",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%w: redis %s: %w", model.ErrStoreUnavailable, op, err)
}

// Get は文字列値を取得する。
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.unavailable("get", key, err)
	}
	return val, nil
}

// Set は値を保存する。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.buildKey(key), value, ttl).Err(); err != nil {
		return s.unavailable("set", key, err)
	}
	return nil
}

// SetNX はキーが存在しない場合のみ値を保存する。
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.buildKey(key), value, ttl).Result()
	if err != nil {
		return false, s.unavailable("setnx", key, err)
	}
	return ok, nil
}

// Del はキーを削除する。
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.buildKey(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return s.unavailable("del", keys[0], err)
	}
	return nil
}

// Exists はキーの存在を確認する。
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.buildKey(key)).Result()
	if err != nil {
		return false, s.unavailable("exists", key, err)
	}
	return n == 1, nil
}

// TTL はキーの残り有効期間を返す。
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d, err := s.client.PTTL(ctx, s.buildKey(key)).Result()
	if err != nil {
		return 0, s.unavailable("pttl", key, err)
	}
	// -1（期限なし）と-2（キーなし）はどちらも0として扱う
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Incr はINCRとEXPIREをトランザクションパイプラインで実行する。
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	full := s.buildKey(key)
	pipe := s.client.TxPipeline()
	incrCmd := pipe.Incr(ctx, full)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.unavailable("incr", key, err)
	}
	return incrCmd.Val(), nil
}

// Decr はカウンタを1減らす。
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Decr(ctx, s.buildKey(key)).Result()
	if err != nil {
		return 0, s.unavailable("decr", key, err)
	}
	return n, nil
}

// MGetInts は複数のカウンタを一括取得する。
func (s *RedisStore) MGetInts(ctx context.Context, keys []string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.buildKey(k)
	}
	vals, err := s.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, s.unavailable("mget", keys[0], err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out, nil
}

// HSet はハッシュのフィールドを設定する。
func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	full := s.buildKey(key)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, full, args...)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.unavailable("hset", key, err)
	}
	return nil
}

// HGetAll はハッシュの全フィールドを返す。
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m, err := s.client.HGetAll(ctx, s.buildKey(key)).Result()
	if err != nil {
		return nil, s.unavailable("hgetall", key, err)
	}
	return m, nil
}

// SAdd は集合にメンバーを追加する。
func (s *RedisStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	full := s.buildKey(key)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, full, args...)
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.unavailable("sadd", key, err)
	}
	return nil
}

// SRem は集合からメンバーを削除する。
func (s *RedisStore) SRem(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.SRem(ctx, s.buildKey(key), member).Result()
	if err != nil {
		return false, s.unavailable("srem", key, err)
	}
	return n == 1, nil
}

// SMembers は集合の全メンバーを返す。
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.buildKey(key)).Result()
	if err != nil {
		return nil, s.unavailable("smembers", key, err)
	}
	return members, nil
}

// RotateGeneration はLuaスクリプトで世代のcompare-and-incrementを行う。
func (s *RedisStore) RotateGeneration(ctx context.Context, key string, presented int64) (RotateResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vals, err := rotateScript.Run(ctx, s.client, []string{s.buildKey(key)}, presented).Int64Slice()
	if err != nil {
		return RotateResult{}, s.unavailable("rotate", key, err)
	}
	if len(vals) != 2 {
		return RotateResult{}, fmt.Errorf("%w: unexpected rotate reply length %d", model.ErrStoreUnavailable, len(vals))
	}
	return RotateResult{Status: RotateStatus(vals[0]), Generation: vals[1]}, nil
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
