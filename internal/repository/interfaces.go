// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/guardian/internal/model"
)

// IdentityRepository は認証主体の永続化インターフェース。
// 削除操作は提供しない（無効化のみ）。
type IdentityRepository interface {
	// Create はidentityを作成する。ユーザー名またはメールアドレスが重複する場合は
	// model.ErrDuplicateIdentityをラップしたエラーを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByUsername はユーザー名でidentityを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.Identity, error)

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// UpdateMFA は暗号化済みMFAシークレットと有効フラグを更新する。
	UpdateMFA(ctx context.Context, id, encryptedSecret string, enabled bool) error

	// SetDisabled はidentityの無効化フラグを更新する。
	SetDisabled(ctx context.Context, id string, disabled bool) error
}

// AuditRepository は監査イベントの永続化インターフェース。
// イベントは追記のみで、更新は行わない。
type AuditRepository interface {
	// InsertBatch は複数のイベントを1トランザクションで追記する。
	// 同一IDのイベントは重複して書き込まない（再送に対して冪等）。
	InsertBatch(ctx context.Context, events []model.AuditEvent) error

	// List は条件に一致するイベントをタイムスタンプの降順で返す。
	List(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error)

	// DeleteOlderThan は保持期間を超過したイベントを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
