// Package store は共有高速ストア（Redis）へのアクセスを提供する。
//
// レート制限カウンタ、セッション世代、MFAチャレンジ、IPブロック等、
// 複数プロセス間で共有される短命な状態はすべてこのパッケージを経由する。
// プロセスをまたぐ同期はストアのアトミック操作（INCR、SETNX、SREM、Luaスクリプト）のみで行う。
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound はキーが存在しない場合に返される。
var ErrNotFound = errors.New("store: key not found")

// RotateStatus はRotateGenerationの判定結果。
type RotateStatus int

const (
	// RotateNotFound はセッションが存在しない（期限切れを含む）ことを示す。
	RotateNotFound RotateStatus = iota
	// RotateRevoked はセッションが既に失効済みであることを示す。
	RotateRevoked
	// RotateStale は提示された世代が保存済みの世代より古いことを示す。
	// セッションはこの操作内で失効済みに更新される。
	RotateStale
	// RotateMismatch は提示された世代が保存済みの世代より新しいことを示す（改ざん）。
	RotateMismatch
	// RotateOK は世代を1つ進めたことを示す。
	RotateOK
)

// RotateResult はRotateGenerationの結果。
type RotateResult struct {
	Status     RotateStatus
	Generation int64 // RotateOKの場合は新しい世代、それ以外は保存済みの世代
}

// セッションハッシュで使用するフィールド名。
const (
	FieldGeneration = "generation"
	FieldRevoked    = "revoked"
)

// Store は共有高速ストアの操作を定義する。
// すべての操作はctxのキャンセル・タイムアウトに従う。
// ストアに到達できない場合はmodel.ErrStoreUnavailableをラップしたエラーを返す。
type Store interface {
	// Get は文字列値を取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, key string) (string, error)
	// Set は値を保存する。ttlが0の場合は期限なし。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX はキーが存在しない場合のみ値を保存し、保存したかを返す。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del はキーを削除する。存在しないキーは無視する。
	Del(ctx context.Context, keys ...string) error
	// Exists はキーの存在を確認する。
	Exists(ctx context.Context, key string) (bool, error)
	// TTL はキーの残り有効期間を返す。キーが存在しないか期限なしの場合は0を返す。
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr はカウンタをアトミックに1増やし、有効期限を設定して新しい値を返す。
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr はカウンタをアトミックに1減らす。拒否したリクエストの取り消しに使用する。
	Decr(ctx context.Context, key string) (int64, error)
	// MGetInts は複数のカウンタを取得する。存在しないキーは0として返す。
	MGetInts(ctx context.Context, keys []string) ([]int64, error)

	// HSet はハッシュのフィールドを設定する。ttlが0より大きい場合は有効期限を更新する。
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// HGetAll はハッシュの全フィールドを返す。存在しない場合は空のmapを返す。
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// SAdd は集合にメンバーを追加する。ttlが0より大きい場合は有効期限を更新する。
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// SRem は集合からメンバーをアトミックに削除し、削除できたかを返す。
	// 使い捨てトークンの消費（compare-and-delete）に使用する。
	SRem(ctx context.Context, key, member string) (bool, error)
	// SMembers は集合の全メンバーを返す。
	SMembers(ctx context.Context, key string) ([]string, error)

	// RotateGeneration はセッションハッシュの世代を検証し、一致する場合のみ1つ進める。
	// 「世代の読み取り、検証、次世代の書き込み、旧世代の失効」を単一のアトミック操作で行う。
	RotateGeneration(ctx context.Context, key string, presented int64) (RotateResult, error)

	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
	// Close は接続を閉じる。
	Close() error
}
